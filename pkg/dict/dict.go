// Package dict implements SharedDict: a namespaced token→value store
// with cycle and collision detection, a bounded transitive resolver,
// and journal-then-snapshot persistence (spec §4.7).
package dict

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rumi-labs/rumikernel/pkg/kernelerr"
)

// maxHops bounds transitive resolution (spec §4.7).
const maxHops = 10

// Rule is one accepted binding (spec §3 SharedDictRule).
type Rule struct {
	Namespace  string `json:"namespace"`
	Token      string `json:"token"`
	Value      string `json:"value"`
	Provenance string `json:"provenance,omitempty"`
}

func key(namespace, token string) string { return namespace + "\x00" + token }

// journalEntry records every accepted or rejected proposal, for replay
// on recovery. Explain reads the rules map, not the journal.
type journalEntry struct {
	Timestamp time.Time `json:"ts"`
	Namespace string    `json:"namespace"`
	Token     string    `json:"token"`
	Value     string    `json:"value"`
	Accepted  bool      `json:"accepted"`
	Reason    string    `json:"reason,omitempty"`
}

// Resolution is the result of a resolve/explain walk.
type Resolution struct {
	Value   string   `json:"value"`
	Path    []string `json:"path"` // tokens visited, in order, starting from the query token
	HopLimit bool    `json:"hop_limit"`
}

// Dict is the single owner of SharedDict's persisted state under
// settings/shared_dict/.
type Dict struct {
	mu       sync.Mutex
	dir      string
	rules    map[string]Rule // key(namespace, token) -> rule
	journal  *os.File
}

// New creates a Dict rooted at dir (typically user_data/settings/shared_dict).
func New(dir string) *Dict {
	return &Dict{dir: dir, rules: make(map[string]Rule)}
}

// Load recovers state: read snapshot.json, then replay journal.jsonl
// entries (only the accepted ones matter for state — rejects are kept
// for audit history only).
func (d *Dict) Load() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	snapPath := filepath.Join(d.dir, "snapshot.json")
	if data, err := os.ReadFile(snapPath); err == nil {
		var rules []Rule
		if jerr := json.Unmarshal(data, &rules); jerr == nil {
			for _, r := range rules {
				d.rules[key(r.Namespace, r.Token)] = r
			}
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("dict: read snapshot: %w", err)
	}

	journalPath := filepath.Join(d.dir, "journal.jsonl")
	if f, err := os.Open(journalPath); err == nil {
		defer f.Close()
		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			var e journalEntry
			if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
				continue
			}
			if e.Accepted {
				d.rules[key(e.Namespace, e.Token)] = Rule{Namespace: e.Namespace, Token: e.Token, Value: e.Value}
			}
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("dict: read journal: %w", err)
	}

	return os.MkdirAll(d.dir, 0755)
}

func (d *Dict) appendJournal(e journalEntry) error {
	if d.journal == nil {
		if err := os.MkdirAll(d.dir, 0755); err != nil {
			return err
		}
		f, err := os.OpenFile(filepath.Join(d.dir, "journal.jsonl"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0640)
		if err != nil {
			return err
		}
		d.journal = f
	}
	line, err := json.Marshal(e)
	if err != nil {
		return err
	}
	line = append(line, '\n')
	_, err = d.journal.Write(line)
	return err
}

func (d *Dict) snapshot() error {
	rules := make([]Rule, 0, len(d.rules))
	for _, r := range d.rules {
		rules = append(rules, r)
	}
	data, err := json.MarshalIndent(rules, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(d.dir, 0755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(d.dir, "snapshot.json"), data, 0640)
}

// Propose adds a new (namespace, token) → value binding. Rejected if it
// would introduce a cycle reachable from the new binding, or if the
// (namespace, token) already binds a different value.
func (d *Dict) Propose(namespace, token, value, provenance string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	k := key(namespace, token)
	if existing, ok := d.rules[k]; ok {
		if existing.Value == value {
			_ = d.appendJournal(journalEntry{Timestamp: time.Now().UTC(), Namespace: namespace, Token: token, Value: value, Accepted: true})
			return nil // idempotent: identical binding already present
		}
		reason := fmt.Sprintf("token %q already bound to %q in namespace %q", token, existing.Value, namespace)
		_ = d.appendJournal(journalEntry{Timestamp: time.Now().UTC(), Namespace: namespace, Token: token, Value: value, Accepted: false, Reason: reason})
		return kernelerr.New(kernelerr.Collision, reason)
	}

	if d.introducesCycle(namespace, token, value) {
		reason := fmt.Sprintf("binding %q -> %q would introduce a cycle in namespace %q", token, value, namespace)
		_ = d.appendJournal(journalEntry{Timestamp: time.Now().UTC(), Namespace: namespace, Token: token, Value: value, Accepted: false, Reason: reason})
		return kernelerr.New(kernelerr.Cycle, reason)
	}

	d.rules[k] = Rule{Namespace: namespace, Token: token, Value: value, Provenance: provenance}
	if err := d.appendJournal(journalEntry{Timestamp: time.Now().UTC(), Namespace: namespace, Token: token, Value: value, Accepted: true}); err != nil {
		return err
	}
	return d.snapshot()
}

// introducesCycle reports whether adding token -> value would create a
// cycle reachable from token, via DFS over the namespace's existing
// rules plus the tentative new one.
func (d *Dict) introducesCycle(namespace, token, value string) bool {
	visited := map[string]bool{token: true}
	cur := value
	for i := 0; i < len(d.rules)+1; i++ {
		if cur == token {
			return true
		}
		if visited[cur] {
			return false // converges elsewhere without looping back to token
		}
		visited[cur] = true
		next, ok := d.rules[key(namespace, cur)]
		if !ok {
			return false
		}
		cur = next.Value
	}
	return false
}

// Resolve walks (namespace, token) transitively until a terminal value
// (one with no further binding in the namespace) is reached, or the
// hop limit is hit — in which case the best non-cyclic prefix result is
// returned with HopLimit set, per spec §4.7/§9.
func (d *Dict) Resolve(namespace, token string) (Resolution, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.walk(namespace, token)
}

// Explain is an alias for Resolve that exposes the full walk path; both
// operations share the same bounded-DFS implementation.
func (d *Dict) Explain(namespace, token string) (Resolution, error) {
	return d.Resolve(namespace, token)
}

func (d *Dict) walk(namespace, token string) (Resolution, error) {
	rule, ok := d.rules[key(namespace, token)]
	if !ok {
		return Resolution{}, kernelerr.New(kernelerr.Conflict, fmt.Sprintf("no binding for token %q in namespace %q", token, namespace))
	}

	path := []string{token}
	cur := rule.Value
	for hop := 0; hop < maxHops; hop++ {
		path = append(path, cur)
		next, ok := d.rules[key(namespace, cur)]
		if !ok {
			return Resolution{Value: cur, Path: path}, nil
		}
		cur = next.Value
	}
	return Resolution{Value: cur, Path: path, HopLimit: true}, nil
}

// List returns every rule currently bound in namespace.
func (d *Dict) List(namespace string) []Rule {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []Rule
	for _, r := range d.rules {
		if r.Namespace == namespace {
			out = append(out, r)
		}
	}
	return out
}

// Remove deletes a (namespace, token) binding.
func (d *Dict) Remove(namespace, token string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.rules, key(namespace, token))
	return d.snapshot()
}

// Close flushes the journal file handle.
func (d *Dict) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.journal == nil {
		return nil
	}
	return d.journal.Close()
}
