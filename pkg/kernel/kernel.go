// Package kernel implements KernelCore (spec §2: "handler registry,
// startup sequence, lifecycle"): it owns every subsystem's single,
// long-lived instance, performs the startup handler-registry assertion
// and initial Pack scan, and generates the Pending export.
package kernel

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/rumi-labs/rumikernel/pkg/audit"
	"github.com/rumi-labs/rumikernel/pkg/block"
	"github.com/rumi-labs/rumikernel/pkg/candidate"
	"github.com/rumi-labs/rumikernel/pkg/capability"
	"github.com/rumi-labs/rumikernel/pkg/config"
	"github.com/rumi-labs/rumikernel/pkg/container"
	"github.com/rumi-labs/rumikernel/pkg/dict"
	"github.com/rumi-labs/rumikernel/pkg/executor"
	"github.com/rumi-labs/rumikernel/pkg/flow"
	"github.com/rumi-labs/rumikernel/pkg/network"
	"github.com/rumi-labs/rumikernel/pkg/pack"
)

// Core is the single owner of every kernel subsystem's lifecycle.
type Core struct {
	Config   *config.Config
	AuditLog *audit.Log

	Packs                *pack.Store
	CapabilityCandidates *candidate.Manager
	PipCandidates        *candidate.Manager
	Trust                *capability.TrustStore
	Grants               *capability.GrantStore
	CapabilityBroker     *capability.Broker
	NetworkGrants        *network.GrantStore
	EgressBroker         *network.Broker
	SharedDict           *dict.Dict
	FlowLoader           *flow.Loader
	Blocks               *block.Executor

	handlers *HandlerRegistry
	execPtr  atomic.Pointer[executor.Executor]

	stopReload chan struct{}
}

// RequiredHandlers lists the handler names KernelCore refuses to start
// without (spec §9: "a startup assertion that every declared key is
// present"). Concrete handler implementations live outside this
// package (cmd/rumikernel wires them); this package only enforces that
// they were supplied.
var RequiredHandlers = []string{
	"shared_dict.propose",
	"shared_dict.resolve",
	"pack.status",
	"pack.approve",
	"pack.reject",
}

// New builds a Core from already-constructed subsystem instances.
// handlers must supply every RequiredHandlers name; cfg, auditLog and
// the rest may be nil in tests exercising a subset of the kernel.
func New(cfg *config.Config, auditLog *audit.Log, handlers map[string]executor.HandlerFunc, deps Dependencies) (*Core, error) {
	registry, err := NewHandlerRegistry(RequiredHandlers, handlers)
	if err != nil {
		return nil, err
	}

	c := &Core{
		Config:               cfg,
		AuditLog:             auditLog,
		Packs:                deps.Packs,
		CapabilityCandidates: deps.CapabilityCandidates,
		PipCandidates:        deps.PipCandidates,
		Trust:                deps.Trust,
		Grants:               deps.Grants,
		CapabilityBroker:     deps.CapabilityBroker,
		NetworkGrants:        deps.NetworkGrants,
		EgressBroker:         deps.EgressBroker,
		SharedDict:           deps.SharedDict,
		FlowLoader:           deps.FlowLoader,
		Blocks:               deps.Blocks,
		handlers:             registry,
		stopReload:           make(chan struct{}),
	}

	var blockRunner executor.BlockRunner
	if deps.Blocks != nil && deps.MountResolver != nil {
		blockRunner = &block.FlowAdapter{Executor: deps.Blocks, Resolve: deps.MountResolver}
	}
	var approvals executor.Approvals
	if deps.Packs != nil {
		approvals = deps.Packs // a nil *pack.Store boxed in an interface would be non-nil; only assign when genuinely present
	}
	c.execPtr.Store(executor.New(registry.Snapshot(), blockRunner, approvals, auditLog))
	return c, nil
}

// Dependencies bundles every already-constructed subsystem instance
// New needs. Splitting this out keeps New's signature from growing a
// parameter per subsystem as the kernel accretes components.
type Dependencies struct {
	Packs                *pack.Store
	CapabilityCandidates *candidate.Manager
	PipCandidates        *candidate.Manager
	Trust                *capability.TrustStore
	Grants               *capability.GrantStore
	CapabilityBroker     *capability.Broker
	NetworkGrants        *network.GrantStore
	EgressBroker         *network.Broker
	SharedDict           *dict.Dict
	FlowLoader           *flow.Loader
	Blocks               *block.Executor
	MountResolver        block.MountResolver
}

// Executor returns the current FlowExecutor, rebuilt transparently
// whenever the handler registry reloads.
func (c *Core) Executor() *executor.Executor {
	return c.execPtr.Load()
}

// SetHandler installs or replaces a handler at runtime (spec §4.9 step
// 5: "Reload the live handler registry") and rebuilds the Executor
// snapshot so the next Execute call observes it.
func (c *Core) SetHandler(name string, fn executor.HandlerFunc) {
	c.handlers.Set(name, fn)
	c.rebuildExecutor()
}

func (c *Core) rebuildExecutor() {
	old := c.execPtr.Load()
	next := executor.New(c.handlers.Snapshot(), old.Blocks, old.Approvals, c.AuditLog)
	c.execPtr.Store(next)
}

// WatchReloads rebuilds the Executor snapshot every time the handler
// registry signals a change, until ctx is cancelled. Run this as a
// background goroutine once during startup.
func (c *Core) WatchReloads(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopReload:
			return
		case <-c.handlers.Reload():
			c.rebuildExecutor()
		}
	}
}

// Stop terminates WatchReloads.
func (c *Core) Stop() {
	close(c.stopReload)
}

// Startup runs the kernel's boot sequence: scan Packs (never fatal —
// scan errors are captured into the Pending export, not returned) and
// generate the Pending export at user_data/pending/summary.json.
func (c *Core) Startup() error {
	var scanErr error
	if c.Packs != nil {
		scanErr = c.Packs.Scan() // recorded as the packs "error" key in the export below, not as a startup failure
	}
	return c.writePendingExport(scanErr)
}

type subsystemSummary struct {
	Pending int    `json:"pending,omitempty"`
	Error   string `json:"error,omitempty"`
}

// writePendingExport implements spec §6: "Generated at startup at
// user_data/pending/summary.json with counts per subsystem (packs,
// capability, pip); per-subsystem failure is captured as an error key,
// never aborting startup."
func (c *Core) writePendingExport(packsScanErr error) error {
	packs := c.packsPendingSummary()
	if packsScanErr != nil {
		packs.Error = packsScanErr.Error()
	}
	summary := map[string]subsystemSummary{
		"packs":      packs,
		"capability": candidatePendingSummary(c.CapabilityCandidates),
		"pip":        candidatePendingSummary(c.PipCandidates),
	}

	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return fmt.Errorf("kernel: marshal pending export: %w", err)
	}

	stateDir := "user_data"
	if c.Config != nil && c.Config.StateDir != "" {
		stateDir = c.Config.StateDir
	}
	path := filepath.Join(stateDir, "pending", "summary.json")
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("kernel: create pending export dir: %w", err)
	}
	return os.WriteFile(path, data, 0640)
}

func (c *Core) packsPendingSummary() subsystemSummary {
	if c.Packs == nil {
		return subsystemSummary{}
	}
	count := 0
	for _, id := range c.Packs.SortedPackIDs() {
		rec, ok := c.Packs.Status(id)
		if !ok {
			continue
		}
		if rec.State == pack.StatePending || rec.State == pack.StateModified {
			count++
		}
	}
	return subsystemSummary{Pending: count}
}

func candidatePendingSummary(m *candidate.Manager) subsystemSummary {
	if m == nil {
		return subsystemSummary{}
	}
	return subsystemSummary{Pending: len(m.Pending())}
}
