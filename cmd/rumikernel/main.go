// Command rumikernel wires every kernel subsystem into one process and
// runs the boot sequence (spec §9 Design Notes, §2 KernelCore): build
// the handler registry, scan Packs, write the Pending export, then
// serve handler reloads until signalled to stop. It has no HTTP or CLI
// surface beyond this construct-then-run entrypoint.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rumi-labs/rumikernel/pkg/audit"
	"github.com/rumi-labs/rumikernel/pkg/block"
	"github.com/rumi-labs/rumikernel/pkg/candidate"
	"github.com/rumi-labs/rumikernel/pkg/capability"
	"github.com/rumi-labs/rumikernel/pkg/config"
	"github.com/rumi-labs/rumikernel/pkg/container"
	"github.com/rumi-labs/rumikernel/pkg/dict"
	"github.com/rumi-labs/rumikernel/pkg/executor"
	"github.com/rumi-labs/rumikernel/pkg/flow"
	"github.com/rumi-labs/rumikernel/pkg/kernel"
	"github.com/rumi-labs/rumikernel/pkg/network"
	"github.com/rumi-labs/rumikernel/pkg/observability"
	"github.com/rumi-labs/rumikernel/pkg/pack"
)

func main() {
	os.Exit(Run(context.Background(), os.Stderr))
}

// Run is the testable entrypoint: it builds every subsystem, runs the
// boot sequence, and blocks until ctx is cancelled or a termination
// signal arrives, returning a process exit code.
func Run(parent context.Context, stderr io.Writer) int {
	logger := slog.New(slog.NewJSONHandler(stderr, nil))
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.OTLPEndpoint != "" {
		obsCfg := observability.DefaultConfig()
		obsCfg.OTLPEndpoint = cfg.OTLPEndpoint
		provider, err := observability.New(ctx, obsCfg)
		if err != nil {
			logger.Warn("observability provider failed to start; continuing without it", "error", err)
		} else {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = provider.Shutdown(shutdownCtx)
			}()
		}
	}

	core, auditLog, err := buildCore(cfg)
	if err != nil {
		logger.Error("failed to build kernel core", "error", err)
		return 1
	}
	if auditLog != nil {
		defer auditLog.Close()
	}

	if err := core.Startup(); err != nil {
		logger.Error("kernel startup failed", "error", err)
		return 1
	}
	logger.Info("rumikernel started", "security_mode", cfg.SecurityMode, "state_dir", cfg.StateDir)

	reloadCtx, cancelReload := context.WithCancel(ctx)
	defer cancelReload()
	go core.WatchReloads(reloadCtx)

	<-ctx.Done()
	logger.Info("rumikernel shutting down")
	core.Stop()
	return 0
}

// buildCore constructs every subsystem and the kernel Core that owns
// them, wiring the handler registry's required entries to the real
// pack/dict subsystems rather than stubs.
func buildCore(cfg *config.Config) (*kernel.Core, *audit.Log, error) {
	auditLog := audit.NewLog(filepath.Join(cfg.StateDir, "audit"))

	packs := pack.NewStore(filepath.Join(cfg.StateDir, "permissions", "approvals"), cfg.EcosystemDirs, auditLog)
	if err := packs.Load(); err != nil {
		return nil, auditLog, fmt.Errorf("rumikernel: load pack approvals: %w", err)
	}

	capabilityCandidates := candidate.New(filepath.Join(cfg.StateDir, "candidates", "capability"), audit.CategoryCandidate, auditLog)
	if err := capabilityCandidates.Load(); err != nil {
		return nil, auditLog, fmt.Errorf("rumikernel: load capability candidates: %w", err)
	}
	pipCandidates := candidate.New(filepath.Join(cfg.StateDir, "candidates", "pip"), audit.CategoryCandidate, auditLog)
	if err := pipCandidates.Load(); err != nil {
		return nil, auditLog, fmt.Errorf("rumikernel: load pip candidates: %w", err)
	}

	trust := capability.NewTrustStore(filepath.Join(cfg.StateDir, "capabilities"), auditLog)
	if err := trust.Load(); err != nil {
		return nil, auditLog, fmt.Errorf("rumikernel: load capability trust store: %w", err)
	}
	grants := capability.NewGrantStore(filepath.Join(cfg.StateDir, "permissions", "capabilities"), auditLog)
	if err := grants.Load(); err != nil {
		return nil, auditLog, fmt.Errorf("rumikernel: load capability grants: %w", err)
	}
	capabilityBroker := capability.NewBroker(trust, grants, auditLog, nil)

	netGrants, err := network.NewGrantStore(filepath.Join(cfg.StateDir, "permissions", "network"), cfg.HMACKeyPath, auditLog)
	if err != nil {
		return nil, auditLog, fmt.Errorf("rumikernel: build network grant store: %w", err)
	}
	var limiter network.Limiter
	if cfg.RedisAddr != "" {
		limiter = network.NewRedisLimiter(cfg.RedisAddr)
	} else {
		limiter = network.NewInProcessLimiter()
	}
	egressBroker := network.NewBroker(netGrants, limiter, auditLog)

	sharedDict := dict.New(filepath.Join(cfg.StateDir, "settings", "shared_dict"))
	if err := sharedDict.Load(); err != nil {
		return nil, auditLog, fmt.Errorf("rumikernel: load shared dict: %w", err)
	}

	dockerRunner := container.NewDockerRunner(cfg.DockerBin, cfg.DockerImage, auditLog)
	hostFallback := container.NewHostFallbackRunner(cfg.PythonBin, auditLog)
	blocks := block.New(dockerRunner, hostFallback, cfg.SecurityMode == config.SecurityModePermissive, auditLog)

	mountResolver := func(packID string) (block.Mounts, error) {
		rec, ok := packs.Status(packID)
		if !ok {
			return block.Mounts{}, fmt.Errorf("rumikernel: no approval record for pack %q", packID)
		}
		return block.Mounts{
			PackRoot:         rec.Root,
			WritableDataDir:  filepath.Join(cfg.StateDir, "packs", packID),
			EgressSocket:     filepath.Join(cfg.EgressSockDir, packID+".sock"),
			CapabilitySocket: filepath.Join(cfg.CapabilitySockDir, packID+".sock"),
			EgressGID:        cfg.EgressSocketGID,
			CapabilityGID:    cfg.CapabilitySocketGID,
		}, nil
	}

	var flowSources []flow.PackSource
	for _, id := range packs.SortedPackIDs() {
		if rec, ok := packs.Status(id); ok && rec.State == pack.StateApproved {
			flowSources = append(flowSources, flow.PackSource{PackID: id, Root: rec.Root})
		}
	}
	flowSearchPaths := []string{"flows", filepath.Join(cfg.StateDir, "shared", "flows")}
	flowLoader := flow.NewLoader(flowSearchPaths, flowSources, flow.InterfaceRegistry{}, nil, sharedDict, packs, auditLog)

	handlers := builtinHandlers(packs, sharedDict, auditLog)

	core, err := kernel.New(cfg, auditLog, handlers, kernel.Dependencies{
		Packs:                packs,
		CapabilityCandidates: capabilityCandidates,
		PipCandidates:        pipCandidates,
		Trust:                trust,
		Grants:               grants,
		CapabilityBroker:     capabilityBroker,
		NetworkGrants:        netGrants,
		EgressBroker:         egressBroker,
		SharedDict:           sharedDict,
		FlowLoader:           flowLoader,
		Blocks:               blocks,
		MountResolver:        mountResolver,
	})
	if err != nil {
		return nil, auditLog, err
	}
	return core, auditLog, nil
}

// builtinHandlers implements the handler names KernelCore refuses to
// start without (kernel.RequiredHandlers), backing each with the real
// subsystem it names rather than a placeholder.
func builtinHandlers(packs *pack.Store, sharedDict *dict.Dict, auditLog *audit.Log) map[string]executor.HandlerFunc {
	return map[string]executor.HandlerFunc{
		"shared_dict.propose": func(ctx context.Context, args map[string]any) (any, error) {
			ns, _ := args["namespace"].(string)
			token, _ := args["token"].(string)
			value, _ := args["value"].(string)
			provenance, _ := args["provenance"].(string)
			if err := sharedDict.Propose(ns, token, value, provenance); err != nil {
				return nil, err
			}
			return map[string]any{"accepted": true}, nil
		},
		"shared_dict.resolve": func(ctx context.Context, args map[string]any) (any, error) {
			ns, _ := args["namespace"].(string)
			token, _ := args["token"].(string)
			res, err := sharedDict.Resolve(ns, token)
			if err != nil {
				return nil, err
			}
			return map[string]any{"value": res.Value, "path": res.Path, "hop_limit": res.HopLimit}, nil
		},
		"pack.status": func(ctx context.Context, args map[string]any) (any, error) {
			packID, _ := args["pack_id"].(string)
			rec, ok := packs.Status(packID)
			if !ok {
				return nil, errors.New("rumikernel: unknown pack_id")
			}
			return rec, nil
		},
		"pack.approve": func(ctx context.Context, args map[string]any) (any, error) {
			packID, _ := args["pack_id"].(string)
			if err := packs.Approve(packID); err != nil {
				return nil, err
			}
			return map[string]any{"pack_id": packID, "state": pack.StateApproved}, nil
		},
		"pack.reject": func(ctx context.Context, args map[string]any) (any, error) {
			packID, _ := args["pack_id"].(string)
			reason, _ := args["reason"].(string)
			if err := packs.Reject(packID, reason); err != nil {
				return nil, err
			}
			rec, _ := packs.Status(packID)
			return map[string]any{"pack_id": packID, "state": rec.State}, nil
		},
	}
}
