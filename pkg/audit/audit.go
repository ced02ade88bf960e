// Package audit implements the kernel's append-only, categorized event
// sink (spec §3 AuditEntry, §4.8). Each category writes to its own
// {category}_{YYYY-MM-DD}.jsonl file under the log's root directory,
// where the date is derived from the entry's own timestamp rather than
// wall-clock time, so a log replayed or backfilled still lands in the
// correct day's file. Writers are serialized per category, matching the
// single-writer discipline the rest of the kernel's stores use.
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Category names the audit event stream an entry belongs to.
type Category string

const (
	CategoryApproval    Category = "approval"
	CategoryFlowExec    Category = "flow_execution"
	CategoryNetwork     Category = "network"
	CategoryCapability  Category = "capability"
	CategorySharedDict  Category = "shared_dict"
	CategorySecurity    Category = "security"
	CategoryCandidate   Category = "candidate"
	CategoryContainer   Category = "container"
)

// Severity classifies how serious an entry is for an operator skimming
// the log.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Entry is the normative AuditEntry shape from spec §3. Secrets and
// grant HMAC key material must never be placed in Details.
type Entry struct {
	ID               string                 `json:"id"`
	Timestamp        time.Time              `json:"ts"`
	Category         Category               `json:"category"`
	Severity         Severity               `json:"severity"`
	Action           string                 `json:"action"`
	Success          bool                   `json:"success"`
	PackID           string                 `json:"pack_id,omitempty"`
	FlowID           string                 `json:"flow_id,omitempty"`
	StepID           string                 `json:"step_id,omitempty"`
	Phase            string                 `json:"phase,omitempty"`
	Details          map[string]interface{} `json:"details,omitempty"`
	RejectionReason  string                 `json:"rejection_reason,omitempty"`
}

// Log is the single owner of the on-disk audit trail. It is safe for
// concurrent use by multiple goroutines and across categories; writes
// within one category are serialized through that category's mutex.
type Log struct {
	rootDir string

	mu      sync.Mutex // guards the files map itself (open/create)
	filesMu map[Category]*sync.Mutex
	files   map[string]*os.File // keyed by "{category}_{date}"
}

// NewLog creates a Log rooted at rootDir (typically user_data/audit).
// The directory is created lazily on first write.
func NewLog(rootDir string) *Log {
	return &Log{
		rootDir: rootDir,
		filesMu: make(map[Category]*sync.Mutex),
		files:   make(map[string]*os.File),
	}
}

// Append writes one entry, assigning it an id if absent and deriving
// the destination file's date from entry.Timestamp. An invalid
// (zero-value) Timestamp falls back to wall time per spec §4.8.
func (l *Log) Append(entry Entry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	catMu := l.categoryLock(entry.Category)
	catMu.Lock()
	defer catMu.Unlock()

	f, err := l.fileFor(entry.Category, entry.Timestamp)
	if err != nil {
		return fmt.Errorf("audit: open log file: %w", err)
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("audit: marshal entry: %w", err)
	}
	line = append(line, '\n')

	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("audit: write entry: %w", err)
	}
	return nil
}

func (l *Log) categoryLock(cat Category) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	if m, ok := l.filesMu[cat]; ok {
		return m
	}
	m := &sync.Mutex{}
	l.filesMu[cat] = m
	return m
}

func (l *Log) fileFor(cat Category, ts time.Time) (*os.File, error) {
	date := ts.UTC().Format("2006-01-02")
	key := string(cat) + "_" + date

	l.mu.Lock()
	defer l.mu.Unlock()

	if f, ok := l.files[key]; ok {
		return f, nil
	}

	if err := os.MkdirAll(l.rootDir, 0755); err != nil {
		return nil, err
	}
	path := filepath.Join(l.rootDir, key+".jsonl")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0640)
	if err != nil {
		return nil, err
	}
	l.files[key] = f
	return f, nil
}

// Close flushes and closes every open category file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	var firstErr error
	for _, f := range l.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
