package pack

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeEcosystem(t *testing.T, root, packID, schemaVersion string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(root, 0755))
	desc := ecosystemJSON{PackID: packID, SchemaVersion: schemaVersion}
	data, err := json.Marshal(desc)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(root, "ecosystem.json"), data, 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "main.py"), []byte("print('hi')"), 0644))
}

func newTestStore(t *testing.T) (*Store, string, string) {
	t.Helper()
	base := t.TempDir()
	stateDir := filepath.Join(base, "approvals")
	ecoDir := filepath.Join(base, "ecosystem")
	require.NoError(t, os.MkdirAll(ecoDir, 0755))
	s := NewStore(stateDir, []string{ecoDir}, nil)
	return s, stateDir, ecoDir
}

func TestScan_NewPackBecomesPending(t *testing.T) {
	s, _, ecoDir := newTestStore(t)
	writeEcosystem(t, filepath.Join(ecoDir, "demo"), "demo", "1.0.0")

	require.NoError(t, s.Scan())

	rec, ok := s.Status("demo")
	require.True(t, ok)
	require.Equal(t, StatePending, rec.State)
}

func TestApprove_RecordsManifestAndState(t *testing.T) {
	s, _, ecoDir := newTestStore(t)
	writeEcosystem(t, filepath.Join(ecoDir, "demo"), "demo", "1.0.0")
	require.NoError(t, s.Scan())

	require.NoError(t, s.Approve("demo"))

	rec, ok := s.Status("demo")
	require.True(t, ok)
	require.Equal(t, StateApproved, rec.State)
	require.NotEmpty(t, rec.Manifest)
	require.Equal(t, "1.0.0", rec.ApprovedSchemaVersion)
}

func TestApprove_UnknownPackFails(t *testing.T) {
	s, _, _ := newTestStore(t)
	err := s.Approve("nope")
	require.Error(t, err)
}

func TestApprove_BlockedPackRejected(t *testing.T) {
	s, _, ecoDir := newTestStore(t)
	writeEcosystem(t, filepath.Join(ecoDir, "demo"), "demo", "1.0.0")
	require.NoError(t, s.Scan())

	require.NoError(t, s.Reject("demo", "bad"))
	require.NoError(t, s.Reject("demo", "bad"))
	require.NoError(t, s.Reject("demo", "bad"))

	rec, ok := s.Status("demo")
	require.True(t, ok)
	require.Equal(t, StateBlocked, rec.State)

	err := s.Approve("demo")
	require.Error(t, err)
}

func TestVerify_DetectsManifestDrift(t *testing.T) {
	s, _, ecoDir := newTestStore(t)
	packRoot := filepath.Join(ecoDir, "demo")
	writeEcosystem(t, packRoot, "demo", "1.0.0")
	require.NoError(t, s.Scan())
	require.NoError(t, s.Approve("demo"))

	require.NoError(t, os.WriteFile(filepath.Join(packRoot, "main.py"), []byte("print('tampered')"), 0644))

	state, err := s.Verify("demo")
	require.NoError(t, err)
	require.Equal(t, StateModified, state)
}

func TestIsAuthorized_RequiresEveryAncestorApproved(t *testing.T) {
	s, _, ecoDir := newTestStore(t)
	writeEcosystem(t, filepath.Join(ecoDir, "parent"), "parent", "1.0.0")
	writeEcosystem(t, filepath.Join(ecoDir, "parent__child"), "parent__child", "1.0.0")
	require.NoError(t, s.Scan())

	ok, err := s.IsAuthorized("parent__child")
	require.NoError(t, err)
	require.False(t, ok, "neither parent nor child is approved yet")

	require.NoError(t, s.Approve("parent"))
	require.NoError(t, s.Approve("parent__child"))

	ok, err = s.IsAuthorized("parent__child")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestSchemaVersionMonotonic_RejectsDowngrade(t *testing.T) {
	s, _, ecoDir := newTestStore(t)
	packRoot := filepath.Join(ecoDir, "demo")
	writeEcosystem(t, packRoot, "demo", "2.0.0")
	require.NoError(t, s.Scan())
	require.NoError(t, s.Approve("demo"))

	writeEcosystem(t, packRoot, "demo", "1.0.0")
	require.NoError(t, s.Scan())

	err := s.Approve("demo")
	require.Error(t, err)
}

func TestLoad_RestoresPersistedRecords(t *testing.T) {
	s, stateDir, ecoDir := newTestStore(t)
	writeEcosystem(t, filepath.Join(ecoDir, "demo"), "demo", "1.0.0")
	require.NoError(t, s.Scan())
	require.NoError(t, s.Approve("demo"))

	s2 := NewStore(stateDir, []string{ecoDir}, nil)
	require.NoError(t, s2.Load())

	rec, ok := s2.Status("demo")
	require.True(t, ok)
	require.Equal(t, StateApproved, rec.State)
}

func TestAncestorChain(t *testing.T) {
	require.Equal(t, []string{"a"}, ancestorChain("a"))
	require.Equal(t, []string{"a", "a__b"}, ancestorChain("a__b"))
	require.Equal(t, []string{"a", "a__b", "a__b__c"}, ancestorChain("a__b__c"))
}

func TestSortedPackIDs(t *testing.T) {
	s, _, ecoDir := newTestStore(t)
	writeEcosystem(t, filepath.Join(ecoDir, "zeta"), "zeta", "1.0.0")
	writeEcosystem(t, filepath.Join(ecoDir, "alpha"), "alpha", "1.0.0")
	require.NoError(t, s.Scan())

	require.Equal(t, []string{"alpha", "zeta"}, s.SortedPackIDs())
}
