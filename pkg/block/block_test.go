package block

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rumi-labs/rumikernel/pkg/container"
	"github.com/rumi-labs/rumikernel/pkg/executor"
	"github.com/rumi-labs/rumikernel/pkg/kernelerr"
	"github.com/stretchr/testify/require"
)

func TestResolveEntrypoint_FindsFileInBlocksSubdir(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "blocks"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "blocks", "main.py"), []byte("print()"), 0644))

	rel, _, err := ResolveEntrypoint(root, "main.py")
	require.NoError(t, err)
	require.Equal(t, filepath.Join("blocks", "main.py"), rel)
}

func TestResolveEntrypoint_FallsBackToRawPath(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "top.py"), []byte("print()"), 0644))

	rel, _, err := ResolveEntrypoint(root, "top.py")
	require.NoError(t, err)
	require.Equal(t, "top.py", rel)
}

func TestResolveEntrypoint_SymlinkEscapeRefused(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(outside, "secret.py"), []byte("print()"), 0644))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "blocks"), 0755))
	require.NoError(t, os.Symlink(filepath.Join(outside, "secret.py"), filepath.Join(root, "blocks", "evil.py")))

	_, _, err := ResolveEntrypoint(root, "evil.py")
	require.Error(t, err)
	require.True(t, kernelerr.Is(err, kernelerr.PathEscape))
}

func TestResolveEntrypoint_MissingFileErrors(t *testing.T) {
	root := t.TempDir()
	_, _, err := ResolveEntrypoint(root, "nonexistent.py")
	require.Error(t, err)
}

type fakeRunner struct {
	output []byte
	err    error
	gotSpec container.Spec
}

func (f *fakeRunner) Run(ctx context.Context, spec container.Spec) ([]byte, error) {
	f.gotSpec = spec
	return f.output, f.err
}

func TestExecutor_Run_DecodesJSONOutput(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "main.py"), []byte("print()"), 0644))

	runner := &fakeRunner{output: []byte(`{"ok":true}`)}
	e := New(runner, nil, false, nil)
	out, err := e.Run(context.Background(), "acme", "main.py", Mounts{PackRoot: root}, map[string]any{"a": 1}, ExecContext{FlowID: "F", StepID: "s", OwnerPack: "acme"})
	require.NoError(t, err)
	m, ok := out.(map[string]any)
	require.True(t, ok)
	require.Equal(t, true, m["ok"])
	require.Equal(t, "main.py", runner.gotSpec.Entrypoint)
}

func TestExecutor_Run_UsesPermissiveRunnerWhenEnabled(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "main.py"), []byte("print()"), 0644))

	strict := &fakeRunner{output: []byte(`{}`)}
	permissive := &fakeRunner{output: []byte(`{"via":"host"}`)}
	e := New(strict, permissive, true, nil)
	out, err := e.Run(context.Background(), "acme", "main.py", Mounts{PackRoot: root}, nil, ExecContext{})
	require.NoError(t, err)
	m := out.(map[string]any)
	require.Equal(t, "host", m["via"])
}

func TestExecutor_Run_NonJSONOutputErrors(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "main.py"), []byte("print()"), 0644))

	runner := &fakeRunner{output: []byte("not json")}
	e := New(runner, nil, false, nil)
	_, err := e.Run(context.Background(), "acme", "main.py", Mounts{PackRoot: root}, nil, ExecContext{})
	require.Error(t, err)
}

func TestFlowAdapter_SatisfiesExecutorBlockRunner(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "main.py"), []byte("print()"), 0644))

	runner := &fakeRunner{output: []byte(`{"done":true}`)}
	e := New(runner, nil, false, nil)
	adapter := &FlowAdapter{
		Executor: e,
		Resolve: func(packID string) (Mounts, error) {
			return Mounts{PackRoot: root}, nil
		},
	}
	var _ executor.BlockRunner = adapter

	out, err := adapter.Run(context.Background(), "acme", "main.py", nil, executor.ExecContext{OwnerPack: "acme"})
	require.NoError(t, err)
	m := out.(map[string]any)
	require.Equal(t, true, m["done"])
}
