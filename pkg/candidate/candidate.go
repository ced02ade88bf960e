// Package candidate implements the shared approval state machine reused
// by capability-handler approval (§4.6) and pip-requirement approval
// (§4.9): candidate → pending → {installed | rejected → (3 strikes) →
// blocked}. Consumers differ only in how a candidate_key is discovered
// and what "install" means; this package owns state, cooldown, and
// strike counting.
package candidate

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rumi-labs/rumikernel/pkg/audit"
	"github.com/rumi-labs/rumikernel/pkg/kernelerr"
)

// State is a candidate's position in the shared state machine.
type State string

const (
	StatePending   State = "pending"
	StateInstalled State = "installed"
	StateRejected  State = "rejected"
	StateBlocked   State = "blocked"
)

// Cooldown is the wait period after a reject before the candidate may
// be approved again (spec §4.9).
const Cooldown = time.Hour

// StrikeLimit is the reject count at which a candidate_key is blocked.
const StrikeLimit = 3

// Record is the persisted state for one candidate_key.
type Record struct {
	CandidateKey string            `json:"candidate_key"`
	State        State             `json:"state"`
	RejectCount  int               `json:"reject_count"`
	LastRejected time.Time         `json:"last_rejected,omitzero"`
	InstalledAt  time.Time         `json:"installed_at,omitzero"`
	RejectReason string            `json:"reject_reason,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

func (r *Record) inCooldown(now time.Time) bool {
	return r.State == StateRejected && !r.LastRejected.IsZero() && now.Sub(r.LastRejected) < Cooldown
}

// Manager owns the persisted state for one family of candidates (e.g.
// capability handlers, or pip requirements). Each family gets its own
// Manager instance and state directory; both consumers share this one
// engine rather than re-implementing the state machine.
type Manager struct {
	mu       sync.Mutex
	stateDir string
	category audit.Category
	auditLog *audit.Log
	records  map[string]*Record
}

// New creates a Manager rooted at stateDir, auditing transitions under
// category.
func New(stateDir string, category audit.Category, auditLog *audit.Log) *Manager {
	return &Manager{
		stateDir: stateDir,
		category: category,
		auditLog: auditLog,
		records:  make(map[string]*Record),
	}
}

// Load reads persisted candidate records from disk.
func (m *Manager) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries, err := os.ReadDir(m.stateDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("candidate: read state dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(m.stateDir, e.Name()))
		if err != nil {
			continue
		}
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			continue
		}
		m.records[rec.CandidateKey] = &rec
	}
	return nil
}

func (m *Manager) persist(rec *Record) error {
	if err := os.MkdirAll(m.stateDir, 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(m.stateDir, candidateFileName(rec.CandidateKey)), data, 0640)
}

func candidateFileName(key string) string {
	sum := fmt.Sprintf("%x", []byte(key))
	if len(sum) > 200 {
		sum = sum[:200]
	}
	return sum + ".json"
}

// Propose registers a newly-discovered candidate_key as pending. If the
// key is already known (including blocked keys, which a scan must
// silently skip re-proposing), Propose is a no-op and returns the
// existing record. A candidate_key changes whenever its content hash
// changes, so an edited file always proposes as a fresh candidate.
func (m *Manager) Propose(candidateKey string, metadata map[string]string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rec, ok := m.records[candidateKey]; ok {
		return rec, nil
	}
	rec := &Record{CandidateKey: candidateKey, State: StatePending, Metadata: metadata}
	m.records[candidateKey] = rec
	m.audit(audit.SeverityInfo, "candidate_proposed", true, candidateKey, "")
	return rec, m.persist(rec)
}

// Approve runs install (which performs the consumer-specific
// TOCTOU re-hash, copy, and trust/registry update) and, on success,
// transitions the candidate to installed. Approve refuses a blocked
// candidate outright and a rejected candidate still within its
// cooldown window.
func (m *Manager) Approve(candidateKey string, install func() error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[candidateKey]
	if !ok {
		return kernelerr.New(kernelerr.Conflict, fmt.Sprintf("unknown candidate %q", candidateKey))
	}
	if rec.State == StateBlocked {
		return kernelerr.New(kernelerr.PolicyDenied, fmt.Sprintf("candidate %q is blocked", candidateKey))
	}
	now := time.Now().UTC()
	if rec.inCooldown(now) {
		return kernelerr.New(kernelerr.PolicyDenied, fmt.Sprintf("candidate %q is in cooldown until %s",
			candidateKey, rec.LastRejected.Add(Cooldown).Format(time.RFC3339)))
	}
	if rec.State == StateInstalled {
		return nil // idempotent no-op: identical on-disk state already installed
	}

	if err := install(); err != nil {
		return err
	}

	rec.State = StateInstalled
	rec.InstalledAt = now
	m.audit(audit.SeverityInfo, "candidate_installed", true, candidateKey, "")
	return m.persist(rec)
}

// Reject records a rejection, transitioning to blocked once
// StrikeLimit rejects have accumulated over the candidate's lifetime,
// otherwise to rejected (subject to the standard cooldown before the
// next approve attempt).
func (m *Manager) Reject(candidateKey, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[candidateKey]
	if !ok {
		return kernelerr.New(kernelerr.Conflict, fmt.Sprintf("unknown candidate %q", candidateKey))
	}

	rec.RejectCount++
	rec.RejectReason = reason
	rec.LastRejected = time.Now().UTC()

	if rec.RejectCount >= StrikeLimit {
		rec.State = StateBlocked
		m.audit(audit.SeverityWarning, "candidate_blocked_three_strikes", true, candidateKey, reason)
	} else {
		rec.State = StateRejected
		m.audit(audit.SeverityInfo, "candidate_rejected", true, candidateKey, reason)
	}
	return m.persist(rec)
}

// Unblock transitions a blocked candidate to rejected, subject to the
// normal cooldown, per spec §4.6.
func (m *Manager) Unblock(candidateKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[candidateKey]
	if !ok {
		return kernelerr.New(kernelerr.Conflict, fmt.Sprintf("unknown candidate %q", candidateKey))
	}
	if rec.State != StateBlocked {
		return kernelerr.New(kernelerr.Conflict, fmt.Sprintf("candidate %q is not blocked", candidateKey))
	}
	rec.State = StateRejected
	rec.LastRejected = time.Now().UTC()
	m.audit(audit.SeverityInfo, "candidate_unblocked", true, candidateKey, "")
	return m.persist(rec)
}

// Status returns the current record for a candidate_key.
func (m *Manager) Status(candidateKey string) (*Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[candidateKey]
	if !ok {
		return nil, false
	}
	cp := *rec
	return &cp, true
}

// IsBlocked reports whether a candidate_key is currently blocked, so a
// scanner can silently exclude it from re-proposal.
func (m *Manager) IsBlocked(candidateKey string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[candidateKey]
	return ok && rec.State == StateBlocked
}

// Pending returns every candidate_key currently in the pending state,
// sorted, for the startup Pending export.
func (m *Manager) Pending() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for k, rec := range m.records {
		if rec.State == StatePending {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

func (m *Manager) audit(sev audit.Severity, action string, success bool, candidateKey, reason string) {
	if m.auditLog == nil {
		return
	}
	_ = m.auditLog.Append(audit.Entry{
		Category:        m.category,
		Severity:        sev,
		Action:          action,
		Success:         success,
		Details:         map[string]interface{}{"candidate_key": candidateKey},
		RejectionReason: reason,
	})
}
