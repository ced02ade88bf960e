package dict

import (
	"path/filepath"
	"testing"

	"github.com/rumi-labs/rumikernel/pkg/kernelerr"
	"github.com/stretchr/testify/require"
)

func TestPropose_ThenResolveReturnsValue(t *testing.T) {
	d := New(t.TempDir())
	require.NoError(t, d.Propose("ns", "A", "B", "test"))

	res, err := d.Resolve("ns", "A")
	require.NoError(t, err)
	require.Equal(t, "B", res.Value)
	require.False(t, res.HopLimit)
}

func TestResolve_WalksChainToTerminal(t *testing.T) {
	d := New(t.TempDir())
	require.NoError(t, d.Propose("ns", "A", "B", ""))
	require.NoError(t, d.Propose("ns", "B", "C", ""))

	res, err := d.Resolve("ns", "A")
	require.NoError(t, err)
	require.Equal(t, "C", res.Value)
}

func TestPropose_CollisionRejected(t *testing.T) {
	d := New(t.TempDir())
	require.NoError(t, d.Propose("ns", "A", "B", ""))

	err := d.Propose("ns", "A", "Z", "")
	require.Error(t, err)
	require.True(t, kernelerr.Is(err, kernelerr.Collision))
}

func TestPropose_IdenticalBindingIsIdempotent(t *testing.T) {
	d := New(t.TempDir())
	require.NoError(t, d.Propose("ns", "A", "B", ""))
	require.NoError(t, d.Propose("ns", "A", "B", ""))
}

func TestPropose_DirectCycleRejected(t *testing.T) {
	d := New(t.TempDir())
	err := d.Propose("ns", "A", "A", "")
	require.Error(t, err)
	require.True(t, kernelerr.Is(err, kernelerr.Cycle))
}

func TestPropose_TransitiveCycleRejected(t *testing.T) {
	d := New(t.TempDir())
	require.NoError(t, d.Propose("ns", "A", "B", ""))
	require.NoError(t, d.Propose("ns", "B", "C", ""))

	err := d.Propose("ns", "C", "A", "")
	require.Error(t, err)
	require.True(t, kernelerr.Is(err, kernelerr.Cycle))
}

func TestResolve_HopLimitReturnsPartialWithFlag(t *testing.T) {
	d := New(t.TempDir())
	tokens := []string{"t0", "t1", "t2", "t3", "t4", "t5", "t6", "t7", "t8", "t9", "t10", "t11"}
	for i := 0; i < len(tokens)-1; i++ {
		require.NoError(t, d.Propose("ns", tokens[i], tokens[i+1], ""))
	}

	res, err := d.Resolve("ns", "t0")
	require.NoError(t, err)
	require.True(t, res.HopLimit)
}

func TestRemove_DeletesBinding(t *testing.T) {
	d := New(t.TempDir())
	require.NoError(t, d.Propose("ns", "A", "B", ""))
	require.NoError(t, d.Remove("ns", "A"))

	_, err := d.Resolve("ns", "A")
	require.Error(t, err)
}

func TestList_FiltersByNamespace(t *testing.T) {
	d := New(t.TempDir())
	require.NoError(t, d.Propose("ns1", "A", "B", ""))
	require.NoError(t, d.Propose("ns2", "A", "C", ""))

	require.Len(t, d.List("ns1"), 1)
	require.Len(t, d.List("ns2"), 1)
}

func TestLoad_RecoversFromSnapshotAndJournal(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "shared_dict")
	d1 := New(dir)
	require.NoError(t, d1.Propose("ns", "A", "B", ""))
	require.NoError(t, d1.Close())

	d2 := New(dir)
	require.NoError(t, d2.Load())
	res, err := d2.Resolve("ns", "A")
	require.NoError(t, err)
	require.Equal(t, "B", res.Value)
}
