// Package block implements BlockExecutor (spec §4.4): resolves a
// block's relative file path against a fixed set of candidate
// subdirectories under the Pack root, refusing anything that
// canonicalizes outside it, then dispatches to a container.Runner (or
// the permissive host fallback) over a JSON stdin/stdout protocol.
package block

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rumi-labs/rumikernel/pkg/audit"
	"github.com/rumi-labs/rumikernel/pkg/container"
	"github.com/rumi-labs/rumikernel/pkg/executor"
	"github.com/rumi-labs/rumikernel/pkg/kernelerr"
)

// candidateSubdirs lists the directories tried, in order, under a Pack
// root when resolving a block's relative file path (spec §4.4 Path
// resolution). The empty string stands for the raw relative path with
// no subdir prefix.
var candidateSubdirs = []string{"blocks", "backend/blocks", "backend/components", "backend", ""}

// ExecContext carries the metadata fields the spec requires alongside
// input_data on every block invocation.
type ExecContext struct {
	FlowID    string
	StepID    string
	Phase     string
	OwnerPack string
}

// Executor is the BlockExecutor. Runner is the isolation backend (a
// container.DockerRunner normally); PermissiveRunner, if set, is used
// instead whenever permissive is true — the caller decides that from
// config.SecurityMode so this package stays free of config's import.
type Executor struct {
	Runner           container.Runner
	PermissiveRunner container.Runner
	Permissive       bool
	AuditLog         *audit.Log
}

// New builds an Executor.
func New(runner, permissiveRunner container.Runner, permissive bool, auditLog *audit.Log) *Executor {
	return &Executor{Runner: runner, PermissiveRunner: permissiveRunner, Permissive: permissive, AuditLog: auditLog}
}

// ResolveEntrypoint finds fileRel under packRoot, trying each candidate
// subdir in order, and requires the real (symlink-resolved) path to
// remain strictly inside packRoot (spec §4.4: "Symlink escape ⇒
// refuse"). It returns the path relative to packRoot that should be
// mounted/executed, plus the fully resolved host path.
func ResolveEntrypoint(packRoot, fileRel string) (relPath, hostPath string, err error) {
	realRoot, err := filepath.EvalSymlinks(packRoot)
	if err != nil {
		return "", "", kernelerr.Wrap(kernelerr.PathEscape, fmt.Sprintf("pack root %q does not exist", packRoot), err)
	}

	for _, sub := range candidateSubdirs {
		candidate := fileRel
		if sub != "" {
			candidate = filepath.Join(sub, fileRel)
		}
		full := filepath.Join(packRoot, candidate)
		if _, statErr := os.Stat(full); statErr != nil {
			continue
		}
		realFull, evalErr := filepath.EvalSymlinks(full)
		if evalErr != nil {
			continue
		}
		rel, relErr := filepath.Rel(realRoot, realFull)
		if relErr != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return "", "", kernelerr.New(kernelerr.PathEscape, fmt.Sprintf("resolved path for %q escapes pack root via symlink", fileRel))
		}
		return candidate, realFull, nil
	}
	return "", "", kernelerr.New(kernelerr.PathEscape, fmt.Sprintf("no candidate subdir resolves %q under %q", fileRel, packRoot))
}

// Mounts bundles the host-side paths and GIDs the caller (pkg/kernel,
// which owns per-Pack mount wiring) has already resolved for one Pack.
type Mounts struct {
	PackRoot         string
	PipPackagesDir   string
	WritableDataDir  string
	EgressSocket     string
	CapabilitySocket string
	EgressGID        int
	CapabilityGID    int
}

// Run implements `run(owner_pack, file_rel, input_data, exec_context) →
// output_data` (spec §4.4).
func (e *Executor) Run(ctx context.Context, ownerPack, fileRel string, mounts Mounts, inputData any, execCtx ExecContext) (any, error) {
	relPath, _, err := ResolveEntrypoint(mounts.PackRoot, fileRel)
	if err != nil {
		e.audit(ownerPack, false, err.Error())
		return nil, err
	}

	payload, err := json.Marshal(map[string]any{
		"input_data": inputData,
		"exec_context": map[string]any{
			"flow_id":    execCtx.FlowID,
			"step_id":    execCtx.StepID,
			"phase":      execCtx.Phase,
			"ts":         time.Now().UTC().Format(time.RFC3339Nano),
			"owner_pack": execCtx.OwnerPack,
		},
	})
	if err != nil {
		return nil, kernelerr.Wrap(kernelerr.Conflict, "failed to marshal block input", err)
	}

	spec := container.Spec{
		PackID:              ownerPack,
		PackRoot:            mounts.PackRoot,
		PipPackagesDir:      mounts.PipPackagesDir,
		WritableDataDir:     mounts.WritableDataDir,
		EgressSocketPath:    mounts.EgressSocket,
		CapabilitySocket:    mounts.CapabilitySocket,
		EgressSocketGID:     mounts.EgressGID,
		CapabilitySocketGID: mounts.CapabilityGID,
		Entrypoint:          filepath.ToSlash(relPath),
		Input:               payload,
	}

	runner := e.Runner
	if e.Permissive && e.PermissiveRunner != nil {
		runner = e.PermissiveRunner
	}
	if runner == nil {
		err := kernelerr.New(kernelerr.ContainerUnavailable, "no runner configured for block execution")
		e.audit(ownerPack, false, err.Error())
		return nil, err
	}

	stdout, err := runner.Run(ctx, spec)
	if err != nil {
		e.audit(ownerPack, false, err.Error())
		return nil, err
	}

	var out any
	dec := json.NewDecoder(bytes.NewReader(stdout))
	if err := dec.Decode(&out); err != nil {
		err := kernelerr.Wrap(kernelerr.Conflict, "block stdout was not a single JSON document", err)
		e.audit(ownerPack, false, err.Error())
		return nil, err
	}
	e.audit(ownerPack, true, "")
	return out, nil
}

// MountResolver produces the host-side Mounts for a given Pack, so the
// executor package can dispatch python_file_call steps without knowing
// anything about container paths.
type MountResolver func(packID string) (Mounts, error)

// FlowAdapter satisfies executor.BlockRunner, translating the
// executor's generic ExecContext/invocation shape into this package's
// Mounts-aware Run call. This is the seam pkg/kernel wires FlowExecutor
// through.
type FlowAdapter struct {
	Executor *Executor
	Resolve  MountResolver
}

func (a *FlowAdapter) Run(ctx context.Context, ownerPack, fileRel string, inputData any, execCtx executor.ExecContext) (any, error) {
	mounts, err := a.Resolve(ownerPack)
	if err != nil {
		return nil, kernelerr.Wrap(kernelerr.ContainerUnavailable, fmt.Sprintf("could not resolve mounts for pack %q", ownerPack), err)
	}
	return a.Executor.Run(ctx, ownerPack, fileRel, mounts, inputData, ExecContext{
		FlowID: execCtx.FlowID, StepID: execCtx.StepID, Phase: execCtx.Phase, OwnerPack: execCtx.OwnerPack,
	})
}

func (e *Executor) audit(packID string, success bool, reason string) {
	if e.AuditLog == nil {
		return
	}
	sev := audit.SeverityInfo
	if !success {
		sev = audit.SeverityWarning
	}
	_ = e.AuditLog.Append(audit.Entry{
		Category:        audit.CategoryContainer,
		Severity:        sev,
		Action:          "block_run",
		Success:         success,
		PackID:          packID,
		RejectionReason: reason,
	})
}
