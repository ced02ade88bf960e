package candidate

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/rumi-labs/rumikernel/pkg/kernelerr"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "candidates")
	return New(dir, "candidate", nil)
}

func TestPropose_NewCandidateIsPending(t *testing.T) {
	m := newTestManager(t)
	rec, err := m.Propose("pack:slug:h1:abc123", nil)
	require.NoError(t, err)
	require.Equal(t, StatePending, rec.State)
}

func TestPropose_ExistingCandidateIsNoOp(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Propose("k1", map[string]string{"a": "1"})
	require.NoError(t, err)
	rec, err := m.Propose("k1", map[string]string{"a": "2"})
	require.NoError(t, err)
	require.Equal(t, "1", rec.Metadata["a"], "second propose must not overwrite the existing record")
}

func TestApprove_RunsInstallAndTransitionsToInstalled(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Propose("k1", nil)
	require.NoError(t, err)

	installed := false
	err = m.Approve("k1", func() error {
		installed = true
		return nil
	})
	require.NoError(t, err)
	require.True(t, installed)

	rec, ok := m.Status("k1")
	require.True(t, ok)
	require.Equal(t, StateInstalled, rec.State)
}

func TestApprove_TwiceIsIdempotentNoOp(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Propose("k1", nil)
	require.NoError(t, err)
	calls := 0
	install := func() error { calls++; return nil }

	require.NoError(t, m.Approve("k1", install))
	require.NoError(t, m.Approve("k1", install))
	require.Equal(t, 1, calls, "second approve on an already-installed candidate must not re-run install")
}

func TestApprove_InstallFailureLeavesStateUnchanged(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Propose("k1", nil)
	require.NoError(t, err)

	err = m.Approve("k1", func() error { return kernelerr.New(kernelerr.IntegrityMismatch, "hash mismatch") })
	require.Error(t, err)

	rec, ok := m.Status("k1")
	require.True(t, ok)
	require.Equal(t, StatePending, rec.State)
}

func TestReject_ThreeStrikesBlocks(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Propose("k1", nil)
	require.NoError(t, err)

	require.NoError(t, m.Reject("k1", "bad"))
	require.NoError(t, m.Reject("k1", "bad"))
	require.NoError(t, m.Reject("k1", "bad"))

	rec, ok := m.Status("k1")
	require.True(t, ok)
	require.Equal(t, StateBlocked, rec.State)
	require.Equal(t, 3, rec.RejectCount)
}

func TestApprove_BlockedCandidateRefused(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Propose("k1", nil)
	require.NoError(t, err)
	for i := 0; i < StrikeLimit; i++ {
		require.NoError(t, m.Reject("k1", "bad"))
	}

	err = m.Approve("k1", func() error { return nil })
	require.Error(t, err)
	require.True(t, kernelerr.Is(err, kernelerr.PolicyDenied))
}

func TestApprove_WithinCooldownRefused(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Propose("k1", nil)
	require.NoError(t, err)
	require.NoError(t, m.Reject("k1", "bad"))

	err = m.Approve("k1", func() error { return nil })
	require.Error(t, err)
	require.True(t, kernelerr.Is(err, kernelerr.PolicyDenied))
}

func TestApprove_AfterCooldownExpiresSucceeds(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Propose("k1", nil)
	require.NoError(t, err)
	require.NoError(t, m.Reject("k1", "bad"))

	rec, _ := m.Status("k1")
	rec.LastRejected = time.Now().UTC().Add(-2 * Cooldown)
	m.mu.Lock()
	m.records["k1"].LastRejected = rec.LastRejected
	m.mu.Unlock()

	err = m.Approve("k1", func() error { return nil })
	require.NoError(t, err)
}

func TestUnblock_TransitionsToRejectedWithCooldown(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Propose("k1", nil)
	require.NoError(t, err)
	for i := 0; i < StrikeLimit; i++ {
		require.NoError(t, m.Reject("k1", "bad"))
	}

	require.NoError(t, m.Unblock("k1"))
	rec, ok := m.Status("k1")
	require.True(t, ok)
	require.Equal(t, StateRejected, rec.State)

	err = m.Approve("k1", func() error { return nil })
	require.Error(t, err, "unblock still leaves the standard cooldown in effect")
}

func TestPending_OnlyListsPendingSorted(t *testing.T) {
	m := newTestManager(t)
	_, _ = m.Propose("zeta", nil)
	_, _ = m.Propose("alpha", nil)
	require.NoError(t, m.Approve("zeta", func() error { return nil }))

	require.Equal(t, []string{"alpha"}, m.Pending())
}

func TestLoad_RestoresPersistedRecords(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "candidates")
	m1 := New(dir, "candidate", nil)
	_, err := m1.Propose("k1", nil)
	require.NoError(t, err)
	require.NoError(t, m1.Approve("k1", func() error { return nil }))

	m2 := New(dir, "candidate", nil)
	require.NoError(t, m2.Load())
	rec, ok := m2.Status("k1")
	require.True(t, ok)
	require.Equal(t, StateInstalled, rec.State)
}
