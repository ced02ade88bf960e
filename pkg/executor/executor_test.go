package executor

import (
	"context"
	"errors"
	"testing"

	"github.com/rumi-labs/rumikernel/pkg/flow"
	"github.com/rumi-labs/rumikernel/pkg/pack"
	"github.com/stretchr/testify/require"
)

func TestExecute_SetStepBindsLiteral(t *testing.T) {
	f := &flow.Flow{
		FlowID: "F", Phases: []string{"p"},
		Steps: []flow.Step{{ID: "a", Phase: "p", Type: flow.StepSet, Output: "greeting", Input: map[string]any{}}},
	}
	// set's "literal value" convention: input itself, with a "value" key.
	f.Steps[0].Input = map[string]any{"value": "hello ${inputs.name}"}

	e := New(nil, nil, nil, nil)
	res := e.Execute(context.Background(), f, map[string]any{"name": "world"})
	require.False(t, res.Failed)
	bound, _ := res.Context["greeting"].(map[string]any)
	require.Equal(t, "hello world", bound["value"])
}

func TestExecute_HandlerDispatchBindsOutput(t *testing.T) {
	f := &flow.Flow{
		FlowID: "F", Phases: []string{"p"},
		Steps: []flow.Step{{
			ID: "a", Phase: "p", Type: flow.StepHandler, Output: "result",
			Input: map[string]any{"handler": "echo", "args": map[string]any{"msg": "${inputs.msg}"}},
		}},
	}
	handlers := map[string]HandlerFunc{
		"echo": func(ctx context.Context, args map[string]any) (any, error) {
			return args["msg"], nil
		},
	}
	e := New(handlers, nil, nil, nil)
	res := e.Execute(context.Background(), f, map[string]any{"msg": "hi"})
	require.False(t, res.Failed)
	require.Equal(t, "hi", res.Context["result"])
}

func TestExecute_UnknownHandlerFailsClosed(t *testing.T) {
	f := &flow.Flow{
		FlowID: "F", Phases: []string{"p"},
		Steps: []flow.Step{{ID: "a", Phase: "p", Type: flow.StepHandler, Input: map[string]any{"handler": "missing"}}},
	}
	e := New(nil, nil, nil, nil)
	res := e.Execute(context.Background(), f, nil)
	require.True(t, res.Failed)
}

func TestExecute_FailSoftContinuesAfterError(t *testing.T) {
	f := &flow.Flow{
		FlowID: "F", Phases: []string{"p"}, Defaults: flow.Defaults{FailSoft: true},
		Steps: []flow.Step{
			{ID: "a", Phase: "p", Priority: 10, Type: flow.StepHandler, Input: map[string]any{"handler": "missing"}},
			{ID: "b", Phase: "p", Priority: 20, Type: flow.StepSet, Output: "done", Input: map[string]any{"value": true}},
		},
	}
	e := New(nil, nil, nil, nil)
	res := e.Execute(context.Background(), f, nil)
	require.False(t, res.Failed)
	require.NotNil(t, res.Context["done"])
}

func TestExecute_IfStepDispatchesThenBranch(t *testing.T) {
	f := &flow.Flow{
		FlowID: "F", Phases: []string{"p"},
		Steps: []flow.Step{{
			ID: "cond", Phase: "p", Type: flow.StepIf,
			Input: map[string]any{"condition": map[string]any{"eq": []any{"${inputs.x}", "yes"}}},
			Then:  []flow.Step{{ID: "then-branch", Phase: "p", Type: flow.StepSet, Output: "took", Input: map[string]any{"value": "then"}}},
			Else:  []flow.Step{{ID: "else-branch", Phase: "p", Type: flow.StepSet, Output: "took", Input: map[string]any{"value": "else"}}},
		}},
	}
	e := New(nil, nil, nil, nil)
	res := e.Execute(context.Background(), f, map[string]any{"x": "yes"})
	require.False(t, res.Failed)
	bound, _ := res.Context["took"].(map[string]any)
	require.Equal(t, "then", bound["value"])
}

func TestExecute_CancellationAbortsBetweenSteps(t *testing.T) {
	f := &flow.Flow{
		FlowID: "F", Phases: []string{"p"},
		Steps: []flow.Step{{ID: "a", Phase: "p", Type: flow.StepSet, Output: "x", Input: map[string]any{"value": 1}}},
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	e := New(nil, nil, nil, nil)
	res := e.Execute(ctx, f, nil)
	require.True(t, res.Failed)
}

type stubApprovals struct {
	authorized bool
	state      pack.State
}

func (s stubApprovals) IsAuthorized(string) (bool, error)  { return s.authorized, nil }
func (s stubApprovals) Verify(string) (pack.State, error) { return s.state, nil }

type stubBlocks struct {
	called     bool
	gotOwner   string
	returnVal  any
	returnErr  error
}

func (s *stubBlocks) Run(ctx context.Context, ownerPack, fileRel string, inputData any, execCtx ExecContext) (any, error) {
	s.called = true
	s.gotOwner = ownerPack
	return s.returnVal, s.returnErr
}

func TestExecute_PythonFileCallDeniedWhenNotApproved(t *testing.T) {
	f := &flow.Flow{
		FlowID: "F", Phases: []string{"p"},
		Steps: []flow.Step{{ID: "a", Phase: "p", Type: flow.StepPythonFileCall, OwnerPack: "acme", File: "main.py", Input: map[string]any{}}},
	}
	blocks := &stubBlocks{}
	e := New(nil, blocks, stubApprovals{authorized: false}, nil)
	res := e.Execute(context.Background(), f, nil)
	require.True(t, res.Failed)
	require.False(t, blocks.called)
}

func TestExecute_PythonFileCallEnforcesOwnerPackAsPrincipal(t *testing.T) {
	f := &flow.Flow{
		FlowID: "F", Phases: []string{"p"},
		Steps: []flow.Step{{
			ID: "a", Phase: "p", Type: flow.StepPythonFileCall, OwnerPack: "acme", File: "main.py",
			Input: map[string]any{"principal_id": "someone_else"},
		}},
	}
	blocks := &stubBlocks{returnVal: map[string]any{"ok": true}}
	e := New(nil, blocks, stubApprovals{authorized: true, state: pack.StateApproved}, nil)
	res := e.Execute(context.Background(), f, nil)
	require.False(t, res.Failed)
	require.True(t, blocks.called)
	require.Equal(t, "acme", blocks.gotOwner, "principal_id must always be owner_pack regardless of step input")
}

func TestExecute_PythonFileCallSurfacesBlockError(t *testing.T) {
	f := &flow.Flow{
		FlowID: "F", Phases: []string{"p"},
		Steps: []flow.Step{{ID: "a", Phase: "p", Type: flow.StepPythonFileCall, OwnerPack: "acme", File: "main.py", Input: map[string]any{}}},
	}
	blocks := &stubBlocks{returnErr: errors.New("boom")}
	e := New(nil, blocks, stubApprovals{authorized: true, state: pack.StateApproved}, nil)
	res := e.Execute(context.Background(), f, nil)
	require.True(t, res.Failed)
}

func TestSubstituteTree_WholeValueSubstitutesUnderlyingType(t *testing.T) {
	state := map[string]any{"inputs": map[string]any{"n": 42}}
	out := substituteTree(map[string]any{"x": "${inputs.n}"}, state)
	m := out.(map[string]any)
	require.Equal(t, 42, m["x"])
}

func TestSubstituteTree_MissingPathYieldsNilWithoutError(t *testing.T) {
	state := map[string]any{"inputs": map[string]any{}}
	out := substituteTree("${ctx.nonexistent.path}", state)
	require.Nil(t, out)
}

func TestSubstituteTree_EmbeddedSubstitutionCoercesToString(t *testing.T) {
	state := map[string]any{"inputs": map[string]any{"n": 42}}
	out := substituteTree("value is ${inputs.n}!", state)
	require.Equal(t, "value is 42!", out)
}

func TestEvalCondition_AndOrNot(t *testing.T) {
	state := map[string]any{"inputs": map[string]any{"a": 1, "b": 1}}
	cond := map[string]any{"and": []any{
		map[string]any{"eq": []any{"${inputs.a}", "${inputs.b}"}},
		map[string]any{"not": map[string]any{"exists": "ctx.missing"}},
	}}
	substituted := substituteTree(cond, state).(map[string]any)
	ok, err := evalCondition(substituted, state)
	require.NoError(t, err)
	require.True(t, ok)
}
