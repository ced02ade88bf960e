// Package executor implements FlowExecutor (spec §4.2): it walks a
// composed Flow's steps in total order, substitutes `${ctx.*}` and
// `${inputs.*}` variable references, and dispatches each step to a
// kernel handler, the block executor, a literal assignment, or the
// nested-branch `if` form.
package executor

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/rumi-labs/rumikernel/pkg/audit"
	"github.com/rumi-labs/rumikernel/pkg/flow"
	"github.com/rumi-labs/rumikernel/pkg/kernelerr"
	"github.com/rumi-labs/rumikernel/pkg/pack"
)

// HandlerFunc is a kernel-internal handler reachable from a `handler`
// step's `input.handler` name.
type HandlerFunc func(ctx context.Context, args map[string]any) (any, error)

// ExecContext is the fixed bundle of metadata BlockRunner implementors
// (the real one lives in pkg/block) need alongside the step's input
// data (spec §4.4: "exec_context fields flow_id/step_id/phase/ts/owner_pack").
type ExecContext struct {
	FlowID    string
	StepID    string
	Phase     string
	Timestamp string
	OwnerPack string
}

// BlockRunner dispatches a `python_file_call` step to the isolated
// block executor. principal_id is always ownerPack — the executor
// enforces this before calling Run, never trusting a caller-supplied
// override (spec §4.2).
type BlockRunner interface {
	Run(ctx context.Context, ownerPack, fileRel string, inputData any, execCtx ExecContext) (any, error)
}

// Approvals is the subset of pack.Store the executor needs to gate
// python_file_call dispatch.
type Approvals interface {
	IsAuthorized(packID string) (bool, error)
	Verify(packID string) (pack.State, error)
}

// Executor runs composed Flows against a fixed set of dependencies.
type Executor struct {
	Handlers  map[string]HandlerFunc
	Blocks    BlockRunner
	Approvals Approvals
	AuditLog  *audit.Log
}

// New builds an Executor. handlers, blocks, and approvals may be nil in
// tests that don't exercise those step types.
func New(handlers map[string]HandlerFunc, blocks BlockRunner, approvals Approvals, auditLog *audit.Log) *Executor {
	if handlers == nil {
		handlers = map[string]HandlerFunc{}
	}
	return &Executor{Handlers: handlers, Blocks: blocks, Approvals: approvals, AuditLog: auditLog}
}

// Result is what Execute returns: the final context (including every
// step's output binding) plus whether the Flow ran to completion.
type Result struct {
	Context map[string]any
	Failed  bool
	Err     error
}

// Execute runs f's steps in total order (flow.OrderedSteps), seeding
// ctx.inputs.* from inputs and folding each step's output back into the
// context under its `output` key. ctx carries cancellation: it is
// checked between every step and before every I/O boundary (handler
// call, block dispatch).
func (e *Executor) Execute(ctx context.Context, f *flow.Flow, inputs map[string]any) Result {
	state := map[string]any{"inputs": inputs}
	steps := flow.OrderedSteps(f)

	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return Result{Context: state, Failed: true, Err: kernelerr.Wrap(kernelerr.Cancelled, "flow execution cancelled", err)}
		}
		if err := e.runStep(ctx, f, step, state); err != nil {
			e.auditStep(step, false, err.Error())
			if f.Defaults.FailSoft {
				continue
			}
			return Result{Context: state, Failed: true, Err: err}
		}
		e.auditStep(step, true, "")
	}
	return Result{Context: state}
}

func (e *Executor) runStep(ctx context.Context, f *flow.Flow, step flow.Step, state map[string]any) error {
	substituted := substituteTree(step.Input, state)
	inputMap, _ := substituted.(map[string]any)

	switch step.Type {
	case flow.StepHandler:
		return e.dispatchHandler(ctx, step, inputMap, state)
	case flow.StepPythonFileCall:
		return e.dispatchBlock(ctx, f, step, inputMap, state)
	case flow.StepSet:
		state[step.Output] = substituted
		return nil
	case flow.StepIf:
		return e.dispatchIf(ctx, f, step, inputMap, state)
	default:
		return kernelerr.New(kernelerr.Conflict, fmt.Sprintf("step %q has unsupported type %q", step.ID, step.Type))
	}
}

func (e *Executor) dispatchHandler(ctx context.Context, step flow.Step, inputMap map[string]any, state map[string]any) error {
	name, _ := inputMap["handler"].(string)
	h, ok := e.Handlers[name]
	if !ok {
		return kernelerr.New(kernelerr.Conflict, fmt.Sprintf("step %q references unknown handler %q", step.ID, name))
	}
	args, _ := inputMap["args"].(map[string]any)
	if err := ctx.Err(); err != nil {
		return kernelerr.Wrap(kernelerr.Cancelled, "cancelled before handler dispatch", err)
	}
	out, err := h(ctx, args)
	if err != nil {
		return kernelerr.Wrap(kernelerr.Conflict, fmt.Sprintf("handler %q failed", name), err)
	}
	if step.Output != "" {
		state[step.Output] = out
	}
	return nil
}

func (e *Executor) dispatchBlock(ctx context.Context, f *flow.Flow, step flow.Step, inputMap map[string]any, state map[string]any) error {
	ownerPack := step.OwnerPack
	if ownerPack == "" {
		return kernelerr.New(kernelerr.Conflict, fmt.Sprintf("step %q is python_file_call but declares no owner_pack", step.ID))
	}
	if requested, ok := inputMap["principal_id"]; ok {
		if requested != ownerPack {
			e.auditSecurity(step, fmt.Sprintf("principal_id override %v rejected; enforcing owner_pack %q", requested, ownerPack))
		}
		inputMap["principal_id"] = ownerPack
	}

	if e.Approvals != nil {
		authorized, err := e.Approvals.IsAuthorized(ownerPack)
		if err != nil || !authorized {
			return kernelerr.New(kernelerr.NotApproved, fmt.Sprintf("pack %q is not authorized to run python_file_call", ownerPack))
		}
		if state2, err := e.Approvals.Verify(ownerPack); err != nil || state2 != pack.StateApproved {
			return kernelerr.New(kernelerr.IntegrityMismatch, fmt.Sprintf("pack %q failed manifest verification at dispatch time", ownerPack))
		}
	}

	if e.Blocks == nil {
		return kernelerr.New(kernelerr.ContainerUnavailable, "no block runner configured")
	}
	if err := ctx.Err(); err != nil {
		return kernelerr.Wrap(kernelerr.Cancelled, "cancelled before block dispatch", err)
	}

	execCtx := ExecContext{FlowID: f.FlowID, StepID: step.ID, Phase: step.Phase, OwnerPack: ownerPack}
	out, err := e.Blocks.Run(ctx, ownerPack, step.File, inputMap, execCtx)
	if err != nil {
		return kernelerr.Wrap(kernelerr.Conflict, fmt.Sprintf("block %q failed", step.File), err)
	}
	if step.Output != "" {
		state[step.Output] = out
	}
	return nil
}

func (e *Executor) dispatchIf(ctx context.Context, f *flow.Flow, step flow.Step, inputMap map[string]any, state map[string]any) error {
	condRaw, _ := inputMap["condition"].(map[string]any)
	matched, err := evalCondition(condRaw, state)
	if err != nil {
		return kernelerr.Wrap(kernelerr.Conflict, fmt.Sprintf("step %q has invalid condition", step.ID), err)
	}

	branch := step.Else
	if matched {
		branch = step.Then
	}
	for _, child := range branch {
		if err := ctx.Err(); err != nil {
			return kernelerr.Wrap(kernelerr.Cancelled, "cancelled inside if branch", err)
		}
		if err := e.runStep(ctx, f, child, state); err != nil {
			e.auditStep(child, false, err.Error())
			if f.Defaults.FailSoft {
				continue
			}
			return err
		}
		e.auditStep(child, true, "")
	}
	return nil
}

func (e *Executor) auditStep(step flow.Step, success bool, reason string) {
	if e.AuditLog == nil {
		return
	}
	sev := audit.SeverityInfo
	if !success {
		sev = audit.SeverityWarning
	}
	_ = e.AuditLog.Append(audit.Entry{
		Category:        audit.CategoryFlowExec,
		Severity:        sev,
		Action:          "step_executed",
		Success:         success,
		StepID:          step.ID,
		Phase:           step.Phase,
		RejectionReason: reason,
	})
}

func (e *Executor) auditSecurity(step flow.Step, reason string) {
	if e.AuditLog == nil {
		return
	}
	_ = e.AuditLog.Append(audit.Entry{
		Category:        audit.CategorySecurity,
		Severity:        audit.SeverityWarning,
		Action:          "principal_id_override_rejected",
		Success:         false,
		StepID:          step.ID,
		RejectionReason: reason,
	})
}

// substituteTree walks v recursively and resolves `${ctx.path}` /
// `${inputs.x}` references found in string leaves. A value that is
// exactly one placeholder substitutes the underlying resolved type; a
// placeholder embedded in a larger string coerces the resolved value to
// string (spec §4.2).
func substituteTree(v any, state map[string]any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, vv := range val {
			out[k] = substituteTree(vv, state)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, vv := range val {
			out[i] = substituteTree(vv, state)
		}
		return out
	case string:
		return substituteString(val, state)
	default:
		return v
	}
}

func substituteString(s string, state map[string]any) any {
	if strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}") && strings.Count(s, "${") == 1 {
		return resolvePath(s[2:len(s)-1], state)
	}

	var b strings.Builder
	i := 0
	for i < len(s) {
		start := strings.Index(s[i:], "${")
		if start < 0 {
			b.WriteString(s[i:])
			break
		}
		start += i
		b.WriteString(s[i:start])
		end := strings.Index(s[start:], "}")
		if end < 0 {
			b.WriteString(s[start:])
			break
		}
		end += start
		resolved := resolvePath(s[start+2:end], state)
		b.WriteString(stringify(resolved))
		i = end + 1
	}
	return b.String()
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	case int:
		return strconv.Itoa(t)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprintf("%v", t)
	}
}

// resolvePath walks a dotted path ("ctx.foo.bar" or "inputs.x") against
// state. "ctx." is an alias for the state root itself (spec §4.2:
// "initialized with inputs under ctx.inputs.* (convention)"); a missing
// path yields nil without raising.
func resolvePath(path string, state map[string]any) any {
	parts := strings.Split(path, ".")
	if len(parts) == 0 {
		return nil
	}
	if parts[0] == "ctx" {
		parts = parts[1:]
	}
	var cur any = state
	for _, p := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur, ok = m[p]
		if !ok {
			return nil
		}
	}
	return cur
}
