// Package pack implements Pack discovery, manifest integrity, and the
// approval state machine (spec §3 Pack, §4.3 ApprovalStore).
package pack

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/rumi-labs/rumikernel/pkg/audit"
	"github.com/rumi-labs/rumikernel/pkg/kernelerr"
)

// State is one of the five states a Pack moves through.
type State string

const (
	StateInstalled State = "installed"
	StatePending   State = "pending"
	StateApproved  State = "approved"
	StateModified  State = "modified"
	StateBlocked   State = "blocked"
)

// Manifest maps a Pack-relative path to the SHA-256 hex digest of its
// content, as recorded at the moment of approval.
type Manifest map[string]string

// Record is the persisted per-Pack approval state (spec §6:
// user_data/permissions/approvals/<pack_id>.json).
type Record struct {
	PackID                string    `json:"pack_id"`
	PackIdentity          string    `json:"pack_identity,omitempty"`
	State                 State     `json:"state"`
	Manifest              Manifest  `json:"manifest,omitempty"`
	ApprovedAt            time.Time `json:"approved_at,omitzero"`
	RejectCount           int       `json:"reject_count"`
	LastRejected          time.Time `json:"last_rejected,omitzero"`
	RejectReason          string    `json:"reject_reason,omitempty"`
	Root                  string    `json:"root"`
	SchemaVersion         string    `json:"schema_version,omitempty"`
	ApprovedSchemaVersion string    `json:"approved_schema_version,omitempty"`
}

// ecosystemJSON is the required descriptor at the root of every Pack
// directory.
type ecosystemJSON struct {
	PackID        string `json:"pack_id"`
	PackIdentity  string `json:"pack_identity,omitempty"`
	SchemaVersion string `json:"schema_version,omitempty"`
}

// excludedDirs are transient runtime subdirectories never hashed into
// the manifest (spec §4.3: "excluding transient runtime subdirs").
var excludedDirs = map[string]bool{
	"__pycache__": true,
	".git":        true,
	"runtime":     true,
	".rumi-cache": true,
}

// Store is the single owner of ApprovalStore persistent state under
// user_data/permissions/approvals/. Readers see consistent snapshots;
// all mutation goes through the store's lock, matching the
// single-writer discipline spec §5 requires of every kernel store.
type Store struct {
	mu            sync.Mutex
	stateDir      string   // user_data/permissions/approvals
	ecosystemDirs []string // search roots, descending precedence
	records       map[string]*Record
	auditLog      *audit.Log
}

// NewStore creates a Store. ecosystemDirs lists Pack search roots in
// descending precedence (primary ecosystem/ before legacy
// ecosystem/packs/).
func NewStore(stateDir string, ecosystemDirs []string, auditLog *audit.Log) *Store {
	return &Store{
		stateDir:      stateDir,
		ecosystemDirs: ecosystemDirs,
		records:       make(map[string]*Record),
		auditLog:      auditLog,
	}
}

// Load reads persisted approval records from disk into memory.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.stateDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("pack: read approval state dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.stateDir, e.Name()))
		if err != nil {
			continue
		}
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			continue
		}
		s.records[rec.PackID] = &rec
	}
	return nil
}

func (s *Store) persist(rec *Record) error {
	if err := os.MkdirAll(s.stateDir, 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(s.stateDir, rec.PackID+".json")
	return os.WriteFile(path, data, 0640)
}

type discovered struct {
	root          string
	schemaVersion string
}

// discover walks the configured ecosystem directories (primary wins on
// collision) and returns {pack_id: discovered} for every directory
// carrying a valid ecosystem.json whose pack_id matches its directory
// name.
func (s *Store) discover() (map[string]discovered, error) {
	found := make(map[string]discovered)
	for _, root := range s.ecosystemDirs {
		entries, err := os.ReadDir(root)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			packRoot := filepath.Join(root, e.Name())
			descPath := filepath.Join(packRoot, "ecosystem.json")
			data, err := os.ReadFile(descPath)
			if err != nil {
				continue
			}
			var desc ecosystemJSON
			if err := json.Unmarshal(data, &desc); err != nil {
				continue
			}
			if desc.PackID != e.Name() {
				continue
			}
			if _, exists := found[desc.PackID]; exists {
				continue // higher-precedence root already claimed this id
			}
			found[desc.PackID] = discovered{root: packRoot, schemaVersion: desc.SchemaVersion}
		}
	}
	return found, nil
}

// Scan discovers Pack directories, transitions new ones to pending,
// and recomputes manifests for existing records — demoting to
// `modified` on drift. Spec §4.3.
func (s *Store) Scan() error {
	found, err := s.discover()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for packID, d := range found {
		rec, exists := s.records[packID]
		if !exists {
			rec = &Record{PackID: packID, State: StatePending, Root: d.root, SchemaVersion: d.schemaVersion}
			s.records[packID] = rec
			s.audit(audit.SeverityInfo, "scan_new_pack", true, packID, "")
			if err := s.persist(rec); err != nil {
				return err
			}
			continue
		}
		rec.Root = d.root
		rec.SchemaVersion = d.schemaVersion
		if rec.State == StateApproved {
			manifest, err := computeManifest(d.root)
			if err != nil {
				return fmt.Errorf("pack: manifest for %s: %w", packID, err)
			}
			if !manifestsEqual(manifest, rec.Manifest) {
				rec.State = StateModified
				s.audit(audit.SeverityWarning, "manifest_drift", true, packID, "")
				if err := s.persist(rec); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// Approve transitions a Pack to approved, recording the current
// full-tree manifest. Requires current state ∈ {pending, modified}; a
// rejected Pack is back in pending. A blocked Pack is refused with
// PolicyDenied, any other state with Conflict.
func (s *Store) Approve(packID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[packID]
	if !ok {
		return kernelerr.New(kernelerr.Conflict, fmt.Sprintf("unknown pack %q", packID))
	}
	if rec.State == StateBlocked {
		return kernelerr.New(kernelerr.PolicyDenied, fmt.Sprintf("pack %q is blocked", packID))
	}
	if rec.State != StatePending && rec.State != StateModified {
		return kernelerr.New(kernelerr.Conflict, fmt.Sprintf("pack %q cannot be approved from state %q", packID, rec.State))
	}

	if err := checkSchemaVersionMonotonic(rec); err != nil {
		return err
	}

	manifest, err := computeManifest(rec.Root)
	if err != nil {
		return fmt.Errorf("pack: manifest for %s: %w", packID, err)
	}
	rec.Manifest = manifest
	rec.State = StateApproved
	rec.ApprovedAt = time.Now().UTC()
	rec.RejectCount = 0
	if rec.SchemaVersion != "" {
		rec.ApprovedSchemaVersion = rec.SchemaVersion
	}

	s.audit(audit.SeverityInfo, "approve", true, packID, "")
	return s.persist(rec)
}

// Reject moves a Pack back to pending (or blocked after the third
// reject since the Pack was last approved; Approve resets the count)
// per spec §4.6's shared state machine.
func (s *Store) Reject(packID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[packID]
	if !ok {
		return kernelerr.New(kernelerr.Conflict, fmt.Sprintf("unknown pack %q", packID))
	}

	rec.RejectCount++
	rec.RejectReason = reason
	rec.LastRejected = time.Now().UTC()

	if rec.RejectCount >= 3 {
		rec.State = StateBlocked
		s.audit(audit.SeverityWarning, "blocked_after_three_rejects", true, packID, reason)
	} else {
		rec.State = StatePending
		s.audit(audit.SeverityInfo, "reject", true, packID, reason)
	}
	return s.persist(rec)
}

// Verify recomputes the manifest for an approved Pack and compares it
// to the one recorded at approval time. A mismatch demotes the Pack to
// `modified` and is reported as a security audit entry; subsequent
// calls to Verify on an unmodified tree are idempotent.
func (s *Store) Verify(packID string) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[packID]
	if !ok {
		return "", kernelerr.New(kernelerr.Conflict, fmt.Sprintf("unknown pack %q", packID))
	}
	if rec.State != StateApproved && rec.State != StateModified {
		return rec.State, nil
	}

	manifest, err := computeManifest(rec.Root)
	if err != nil {
		return "", fmt.Errorf("pack: manifest for %s: %w", packID, err)
	}
	if manifestsEqual(manifest, rec.Manifest) {
		rec.State = StateApproved
		return StateApproved, s.persist(rec)
	}

	rec.State = StateModified
	if s.auditLog != nil {
		_ = s.auditLog.Append(audit.Entry{
			Category: audit.CategorySecurity,
			Severity: audit.SeverityError,
			Action:   "integrity_mismatch",
			Success:  false,
			PackID:   packID,
		})
	}
	if err := s.persist(rec); err != nil {
		return "", err
	}
	return StateModified, nil
}

// Status returns the current in-memory state for a Pack.
func (s *Store) Status(packID string) (*Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[packID]
	if !ok {
		return nil, false
	}
	cp := *rec
	return &cp, true
}

// IsAuthorized reports whether a Pack (and, for a hierarchical
// `parent__child` id, every ancestor) is currently approved AND passes
// manifest verification. Block execution (pkg/executor) and Flow/Modifier
// loading (pkg/flow) gate on this; the egress broker does not consult
// it, so a Pack's NetworkGrant is evaluated regardless of its approval
// state. Spec §4.3.
func (s *Store) IsAuthorized(packID string) (bool, error) {
	for _, id := range ancestorChain(packID) {
		state, err := s.Verify(id)
		if err != nil {
			return false, err
		}
		if state != StateApproved {
			return false, nil
		}
	}
	return true, nil
}

// ancestorChain returns packID and every ancestor implied by its
// `parent__child` hierarchy, root-first.
func ancestorChain(packID string) []string {
	parts := strings.Split(packID, "__")
	chain := make([]string, 0, len(parts))
	for i := range parts {
		chain = append(chain, strings.Join(parts[:i+1], "__"))
	}
	return chain
}

func (s *Store) audit(sev audit.Severity, action string, success bool, packID, reason string) {
	if s.auditLog == nil {
		return
	}
	_ = s.auditLog.Append(audit.Entry{
		Category:        audit.CategoryApproval,
		Severity:        sev,
		Action:          action,
		Success:         success,
		PackID:          packID,
		RejectionReason: reason,
	})
}

func computeManifest(root string) (Manifest, error) {
	manifest := make(Manifest)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if excludedDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		sum := sha256.Sum256(data)
		manifest[rel] = hex.EncodeToString(sum[:])
		return nil
	})
	if err != nil {
		return nil, err
	}
	return manifest, nil
}

func manifestsEqual(a, b Manifest) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

// checkSchemaVersionMonotonic guards against a Pack being re-approved
// at an ecosystem.json schema_version older than the one it was last
// approved at, mirroring the teacher's rollback-denial guard.
func checkSchemaVersionMonotonic(rec *Record) error {
	if rec.SchemaVersion == "" || rec.ApprovedSchemaVersion == "" {
		return nil // nothing declared, or first approval — nothing to compare against
	}
	next, err := semver.NewVersion(rec.SchemaVersion)
	if err != nil {
		return kernelerr.Wrap(kernelerr.SchemaInvalid, fmt.Sprintf("invalid schema_version %q", rec.SchemaVersion), err)
	}
	prev, err := semver.NewVersion(rec.ApprovedSchemaVersion)
	if err != nil {
		return nil // previously-recorded value isn't valid semver; nothing reliable to compare against
	}
	if next.LessThan(prev) {
		return kernelerr.New(kernelerr.Conflict, fmt.Sprintf(
			"schema_version %s is older than previously approved %s", rec.SchemaVersion, rec.ApprovedSchemaVersion))
	}
	return nil
}

// SortedPackIDs returns every known Pack id, sorted, for deterministic
// iteration (pending export, diagnostics).
func (s *Store) SortedPackIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.records))
	for id := range s.records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
