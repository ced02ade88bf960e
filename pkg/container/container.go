// Package container implements ContainerRunner (spec §4.4 Isolation):
// it launches a Pack's Python block inside a locked-down container
// (`--network=none`, `--cap-drop=ALL`, `--read-only`, non-root UID),
// or, in permissive mode, falls back to the host interpreter with a
// warning-severity audit entry.
package container

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/rumi-labs/rumikernel/pkg/audit"
	"github.com/rumi-labs/rumikernel/pkg/kernelerr"
)

// Spec describes one block invocation's isolation requirements (spec
// §4.4). All paths are host-side absolute paths; the runner is
// responsible for choosing in-container mount points.
type Spec struct {
	PackID            string
	PackRoot          string // read-only bind mount source
	PipPackagesDir    string // read-only bind mount source; empty if the pack has no pip deps
	WritableDataDir   string // bind mount source for user_data/packs/<pack_id>/; may be empty
	EgressSocketPath  string
	CapabilitySocket  string
	EgressSocketGID   int
	CapabilitySocketGID int
	MemoryLimitBytes  int64 // 0 uses the runner's default (256m)
	Entrypoint        string // path to the Python file, relative to the in-container pack mount
	Input             []byte // JSON blob delivered on stdin
}

// DefaultMemoryLimitBytes is applied when a Spec leaves MemoryLimitBytes
// unset (spec §4.4: "memory cap (default 256m for lib/*...)").
const DefaultMemoryLimitBytes = 256 * 1024 * 1024

const (
	containerPackMount  = "/pack"
	containerPipMount   = "/pip-packages"
	containerDataMount  = "/data"
	containerNonRootUID = "65534:65534"
)

// Runner executes a Spec and returns the block's stdout, already known
// to be a single JSON document by the caller (pkg/block validates it).
type Runner interface {
	Run(ctx context.Context, spec Spec) ([]byte, error)
}

// Error is a deterministic, typed error for container execution
// failures, mirroring the shape of the teacher's own SandboxError.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }

const (
	ErrDockerUnavailable = "ERR_CONTAINER_DOCKER_UNAVAILABLE"
	ErrExitNonZero       = "ERR_CONTAINER_EXIT_NONZERO"
	ErrOutputExhausted   = "ERR_CONTAINER_OUTPUT_EXHAUSTED"
)

// OutputMaxBytes is the largest stdout a DockerRunner invocation may
// return. Output is buffered in full and checked only after the process
// exits; stderr is not bounded.
const OutputMaxBytes = 4 * 1024 * 1024

// DockerRunner drives `docker run` (or a compatible CLI named by
// RUMI_DOCKER_BIN) as a subprocess per invocation. It serializes
// invocations per Pack ID: the spec's "supervisor pattern" is realized
// here as one mutex per pack_id rather than a long-lived daemon,
// keeping container lifecycle scoped to a single request.
type DockerRunner struct {
	dockerBin string
	image     string
	auditLog  *audit.Log

	mu     sync.Mutex
	locks  map[string]*sync.Mutex
}

// NewDockerRunner creates a DockerRunner. image is the Python image tag
// used for every invocation (e.g. "python:3.12-slim").
func NewDockerRunner(dockerBin, image string, auditLog *audit.Log) *DockerRunner {
	return &DockerRunner{dockerBin: dockerBin, image: image, auditLog: auditLog, locks: make(map[string]*sync.Mutex)}
}

func (r *DockerRunner) packLock(packID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[packID]
	if !ok {
		l = &sync.Mutex{}
		r.locks[packID] = l
	}
	return l
}

// Run launches one container, writes spec.Input to its stdin, and
// returns stdout. Invocations for the same PackID are serialized.
func (r *DockerRunner) Run(ctx context.Context, spec Spec) ([]byte, error) {
	lock := r.packLock(spec.PackID)
	lock.Lock()
	defer lock.Unlock()

	args := r.buildArgs(spec)
	instanceID := uuid.New().String()

	cmd := exec.CommandContext(ctx, r.dockerBin, args...)
	cmd.Stdin = bytes.NewReader(spec.Input)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	r.audit(spec.PackID, instanceID, err == nil, stderr.String())

	if err != nil {
		if ctx.Err() != nil {
			return nil, kernelerr.Wrap(kernelerr.Cancelled, "container run cancelled", ctx.Err())
		}
		return nil, kernelerr.Wrap(kernelerr.ContainerUnavailable, fmt.Sprintf("container run failed: %s", stderr.String()), err)
	}
	if stdout.Len() > OutputMaxBytes {
		return nil, kernelerr.New(kernelerr.PolicyDenied, fmt.Sprintf("container output exceeds %d bytes", OutputMaxBytes))
	}
	return stdout.Bytes(), nil
}

func (r *DockerRunner) buildArgs(spec Spec) []string {
	mem := spec.MemoryLimitBytes
	if mem == 0 {
		mem = DefaultMemoryLimitBytes
	}

	args := []string{
		"run", "--rm", "-i",
		"--network=none",
		"--cap-drop=ALL",
		"--read-only",
		"--user=" + containerNonRootUID,
		"--memory=" + strconv.FormatInt(mem, 10),
		"-v", spec.PackRoot + ":" + containerPackMount + ":ro",
	}
	if spec.PipPackagesDir != "" {
		args = append(args, "-v", spec.PipPackagesDir+":"+containerPipMount+":ro", "-e", "PYTHONPATH="+containerPipMount)
	}
	if spec.WritableDataDir != "" {
		args = append(args, "-v", spec.WritableDataDir+":"+containerDataMount)
	}
	if spec.EgressSocketPath != "" {
		args = append(args, "-v", spec.EgressSocketPath+":"+spec.EgressSocketPath)
	}
	if spec.CapabilitySocket != "" {
		args = append(args, "-v", spec.CapabilitySocket+":"+spec.CapabilitySocket)
	}
	if spec.EgressSocketGID != 0 {
		args = append(args, "--group-add", strconv.Itoa(spec.EgressSocketGID))
	}
	if spec.CapabilitySocketGID != 0 {
		args = append(args, "--group-add", strconv.Itoa(spec.CapabilitySocketGID))
	}

	args = append(args, r.image, "python3", containerPackMount+"/"+spec.Entrypoint)
	return args
}

func (r *DockerRunner) audit(packID, instanceID string, success bool, stderrOut string) {
	if r.auditLog == nil {
		return
	}
	sev := audit.SeverityInfo
	reason := ""
	if !success {
		sev = audit.SeverityError
		reason = stderrOut
	}
	_ = r.auditLog.Append(audit.Entry{
		Category:        audit.CategoryContainer,
		Severity:        sev,
		Action:          "container_run",
		Success:         success,
		PackID:          packID,
		RejectionReason: reason,
		Details:         map[string]any{"instance_id": instanceID},
	})
}

// HostFallbackRunner runs the block's entrypoint with the host's own
// python3 interpreter, bypassing all container isolation. Every
// invocation is a `warning` severity audit entry (spec §4.4 Permissive
// mode); the caller (pkg/block) only dispatches to this runner when
// RUMI_SECURITY_MODE=permissive.
type HostFallbackRunner struct {
	pythonBin string
	auditLog  *audit.Log
}

// NewHostFallbackRunner creates a HostFallbackRunner. pythonBin
// defaults to "python3" when empty.
func NewHostFallbackRunner(pythonBin string, auditLog *audit.Log) *HostFallbackRunner {
	if pythonBin == "" {
		pythonBin = "python3"
	}
	return &HostFallbackRunner{pythonBin: pythonBin, auditLog: auditLog}
}

func (r *HostFallbackRunner) Run(ctx context.Context, spec Spec) ([]byte, error) {
	entrypoint := spec.PackRoot + "/" + spec.Entrypoint
	cmd := exec.CommandContext(ctx, r.pythonBin, entrypoint)
	cmd.Stdin = bytes.NewReader(spec.Input)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if r.auditLog != nil {
		_ = r.auditLog.Append(audit.Entry{
			Category:        audit.CategoryContainer,
			Severity:        audit.SeverityWarning,
			Action:          "permissive_host_fallback",
			Success:         err == nil,
			PackID:          spec.PackID,
			RejectionReason: stderr.String(),
		})
	}
	if err != nil {
		return nil, kernelerr.Wrap(kernelerr.ContainerUnavailable, fmt.Sprintf("host fallback failed: %s", stderr.String()), err)
	}
	return stdout.Bytes(), nil
}
