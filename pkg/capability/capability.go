// Package capability implements the Trust/Grant separation and dispatch
// path of the CapabilityBroker (spec §4.6): TrustStore is the
// (handler_id, sha256) allowlist populated at install time; GrantStore
// is the principal×permission authorization list populated separately.
// A block must clear both before its capability call executes.
package capability

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rumi-labs/rumikernel/pkg/audit"
	"github.com/rumi-labs/rumikernel/pkg/kernelerr"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// HandlerDescriptor is the decoded contents of a handler.json.
type HandlerDescriptor struct {
	HandlerID    string `json:"handler_id"`
	PermissionID string `json:"permission_id"`
	Entrypoint   string `json:"entrypoint"`
}

// TrustEntry is the allowlisted (handler_id, sha256) pair; only a
// handler.py whose content hashes to an entry's Hash is executable.
type TrustEntry struct {
	HandlerID string `json:"handler_id"`
	Hash      string `json:"sha256"`
}

// TrustStore owns `user_data/capabilities/trust/trusted_handlers.json`
// plus the installed handler directories under
// `user_data/capabilities/handlers/<slug>/`.
type TrustStore struct {
	mu          sync.Mutex
	trustPath   string
	handlersDir string
	entries     map[string]TrustEntry // handler_id -> entry
	installed   map[string]HandlerDescriptor
	schemas     *jsonschema.Compiler
	auditLog    *audit.Log
}

var handlerJSONSchema = `{
	"type": "object",
	"required": ["handler_id", "permission_id", "entrypoint"],
	"properties": {
		"handler_id": {"type": "string", "minLength": 1},
		"permission_id": {"type": "string", "minLength": 1},
		"entrypoint": {"type": "string", "minLength": 1}
	}
}`

// NewTrustStore creates a TrustStore rooted at capabilitiesDir
// (typically `user_data/capabilities`).
func NewTrustStore(capabilitiesDir string, auditLog *audit.Log) *TrustStore {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	return &TrustStore{
		trustPath:   filepath.Join(capabilitiesDir, "trust", "trusted_handlers.json"),
		handlersDir: filepath.Join(capabilitiesDir, "handlers"),
		entries:     make(map[string]TrustEntry),
		installed:   make(map[string]HandlerDescriptor),
		schemas:     c,
		auditLog:    auditLog,
	}
}

// Load reads trust entries and re-discovers installed handler
// descriptors from disk.
func (t *TrustStore) Load() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	data, err := os.ReadFile(t.trustPath)
	if err == nil {
		var list []TrustEntry
		if jerr := json.Unmarshal(data, &list); jerr == nil {
			for _, e := range list {
				t.entries[e.HandlerID] = e
			}
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("capability: read trust store: %w", err)
	}

	entries, err := os.ReadDir(t.handlersDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("capability: read handlers dir: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		descPath := filepath.Join(t.handlersDir, e.Name(), "handler.json")
		data, err := os.ReadFile(descPath)
		if err != nil {
			continue
		}
		var desc HandlerDescriptor
		if err := json.Unmarshal(data, &desc); err != nil {
			continue
		}
		t.installed[desc.PermissionID] = desc
	}
	return nil
}

func (t *TrustStore) persistEntries() error {
	if err := os.MkdirAll(filepath.Dir(t.trustPath), 0755); err != nil {
		return err
	}
	list := make([]TrustEntry, 0, len(t.entries))
	for _, e := range t.entries {
		list = append(list, e)
	}
	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(t.trustPath, data, 0640)
}

// ValidateHandlerJSON compiles and validates a handler.json payload
// against the fixed schema (§4.6 candidate discovery step).
func ValidateHandlerJSON(data []byte) (HandlerDescriptor, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	schemaURL := "https://rumikernel.local/capability/handler.schema.json"
	if err := c.AddResource(schemaURL, strings.NewReader(handlerJSONSchema)); err != nil {
		return HandlerDescriptor{}, err
	}
	schema, err := c.Compile(schemaURL)
	if err != nil {
		return HandlerDescriptor{}, err
	}
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return HandlerDescriptor{}, kernelerr.Wrap(kernelerr.SchemaInvalid, "handler.json is not valid JSON", err)
	}
	if err := schema.Validate(v); err != nil {
		return HandlerDescriptor{}, kernelerr.Wrap(kernelerr.SchemaInvalid, "handler.json failed schema validation", err)
	}
	var desc HandlerDescriptor
	if err := json.Unmarshal(data, &desc); err != nil {
		return HandlerDescriptor{}, kernelerr.Wrap(kernelerr.SchemaInvalid, "handler.json decode failed", err)
	}
	return desc, nil
}

// ValidateEntrypoint rejects path-traversal components and requires
// the resolved path to lie under slugDir, per §4.6 step 2.
func ValidateEntrypoint(slugDir, entrypoint string) (string, error) {
	for _, part := range strings.Split(filepath.ToSlash(entrypoint), "/") {
		if part == ".." {
			return "", kernelerr.New(kernelerr.PathEscape, fmt.Sprintf("entrypoint %q contains a parent reference", entrypoint))
		}
	}
	resolved := filepath.Join(slugDir, entrypoint)
	rel, err := filepath.Rel(slugDir, resolved)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", kernelerr.New(kernelerr.PathEscape, fmt.Sprintf("entrypoint %q escapes its candidate directory", entrypoint))
	}
	return resolved, nil
}

// InstallCandidate performs the §4.6 `approve(candidate_key)` sequence:
// re-hash handler.py (TOCTOU guard), validate the entrypoint, copy to
// the installed handlers directory (refusing a conflicting overwrite,
// accepting an identical one as a no-op), and add the pair to
// TrustStore.
func (t *TrustStore) InstallCandidate(slug string, desc HandlerDescriptor, candidateDir, expectedHash string) error {
	handlerPyPath := filepath.Join(candidateDir, "handler.py")
	data, err := os.ReadFile(handlerPyPath)
	if err != nil {
		return fmt.Errorf("capability: read handler.py: %w", err)
	}
	sum := sha256.Sum256(data)
	actualHash := hex.EncodeToString(sum[:])
	if actualHash != expectedHash {
		return kernelerr.New(kernelerr.IntegrityMismatch, fmt.Sprintf(
			"handler.py hash %s does not match candidate hash %s", actualHash, expectedHash))
	}

	if _, err := ValidateEntrypoint(candidateDir, desc.Entrypoint); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	destDir := filepath.Join(t.handlersDir, slug)
	if existing, ok := t.readInstalledLocked(destDir); ok {
		if existing.HandlerID == desc.HandlerID {
			if entry, trusted := t.entries[desc.HandlerID]; trusted && entry.Hash == actualHash {
				return nil // identical on-disk state: idempotent no-op
			}
		}
		return kernelerr.New(kernelerr.Conflict, fmt.Sprintf(
			"slug %q already installed with a different handler; no automatic overwrite", slug))
	}

	if err := os.MkdirAll(destDir, 0755); err != nil {
		return err
	}
	if err := copyFile(filepath.Join(candidateDir, "handler.json"), filepath.Join(destDir, "handler.json")); err != nil {
		return err
	}
	if err := copyFile(handlerPyPath, filepath.Join(destDir, "handler.py")); err != nil {
		return err
	}

	t.entries[desc.HandlerID] = TrustEntry{HandlerID: desc.HandlerID, Hash: actualHash}
	t.installed[desc.PermissionID] = desc
	t.audit(audit.SeverityInfo, "handler_installed", true, desc.PermissionID, "")
	return t.persistEntries()
}

func (t *TrustStore) readInstalledLocked(destDir string) (HandlerDescriptor, bool) {
	data, err := os.ReadFile(filepath.Join(destDir, "handler.json"))
	if err != nil {
		return HandlerDescriptor{}, false
	}
	var desc HandlerDescriptor
	if err := json.Unmarshal(data, &desc); err != nil {
		return HandlerDescriptor{}, false
	}
	return desc, true
}

// VerifyHandler re-hashes the installed handler.py for permissionID and
// confirms it is still Trust-approved, per §4.6 dispatch step 3.
func (t *TrustStore) VerifyHandler(permissionID string) (HandlerDescriptor, string, error) {
	t.mu.Lock()
	desc, ok := t.installed[permissionID]
	t.mu.Unlock()
	if !ok {
		return HandlerDescriptor{}, "", kernelerr.New(kernelerr.TrustMissing, fmt.Sprintf("no installed handler for permission %q", permissionID))
	}

	slug := findSlugForPermission(t.handlersDir, permissionID, desc)
	data, err := os.ReadFile(filepath.Join(t.handlersDir, slug, "handler.py"))
	if err != nil {
		return HandlerDescriptor{}, "", fmt.Errorf("capability: read installed handler.py: %w", err)
	}
	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	t.mu.Lock()
	entry, trusted := t.entries[desc.HandlerID]
	t.mu.Unlock()
	if !trusted || entry.Hash != hash {
		return HandlerDescriptor{}, "", kernelerr.New(kernelerr.TrustMissing, fmt.Sprintf(
			"installed handler %q no longer matches its trusted hash", desc.HandlerID))
	}
	return desc, filepath.Join(t.handlersDir, slug), nil
}

func findSlugForPermission(handlersDir, permissionID string, desc HandlerDescriptor) string {
	entries, err := os.ReadDir(handlersDir)
	if err != nil {
		return ""
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(handlersDir, e.Name(), "handler.json"))
		if err != nil {
			continue
		}
		var d HandlerDescriptor
		if err := json.Unmarshal(data, &d); err != nil {
			continue
		}
		if d.PermissionID == permissionID && d.HandlerID == desc.HandlerID {
			return e.Name()
		}
	}
	return ""
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0640)
}

func (t *TrustStore) audit(sev audit.Severity, action string, success bool, permissionID, reason string) {
	if t.auditLog == nil {
		return
	}
	_ = t.auditLog.Append(audit.Entry{
		Category:        audit.CategoryCapability,
		Severity:        sev,
		Action:          action,
		Success:         success,
		Details:         map[string]interface{}{"permission_id": permissionID},
		RejectionReason: reason,
	})
}

// Grant is the persisted principal×permission authorization (§3
// CapabilityGrant).
type Grant struct {
	PrincipalID  string    `json:"principal_id"`
	PermissionID string    `json:"permission_id"`
	GrantedAt    time.Time `json:"granted_at"`
	GrantedBy    string    `json:"granted_by,omitempty"`
}

// GrantStore owns `user_data/permissions/capabilities/<principal>.json`.
type GrantStore struct {
	mu       sync.Mutex
	stateDir string
	grants   map[string]map[string]Grant // principal -> permission -> grant
	auditLog *audit.Log
}

// NewGrantStore creates a GrantStore rooted at stateDir.
func NewGrantStore(stateDir string, auditLog *audit.Log) *GrantStore {
	return &GrantStore{
		stateDir: stateDir,
		grants:   make(map[string]map[string]Grant),
		auditLog: auditLog,
	}
}

// Load reads every persisted principal's grants.
func (g *GrantStore) Load() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	entries, err := os.ReadDir(g.stateDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("capability: read grant store dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(g.stateDir, e.Name()))
		if err != nil {
			continue
		}
		var list []Grant
		if err := json.Unmarshal(data, &list); err != nil {
			continue
		}
		principal := strings.TrimSuffix(e.Name(), ".json")
		perms := make(map[string]Grant, len(list))
		for _, gr := range list {
			perms[gr.PermissionID] = gr
		}
		g.grants[principal] = perms
	}
	return nil
}

// Grant records that principalID may invoke permissionID.
func (g *GrantStore) Grant(principalID, permissionID, grantedBy string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.grants[principalID] == nil {
		g.grants[principalID] = make(map[string]Grant)
	}
	g.grants[principalID][permissionID] = Grant{
		PrincipalID:  principalID,
		PermissionID: permissionID,
		GrantedAt:    time.Now().UTC(),
		GrantedBy:    grantedBy,
	}
	g.audit(audit.SeverityInfo, "grant", true, principalID, permissionID)
	return g.persist(principalID)
}

// Revoke removes a principal's grant for a permission.
func (g *GrantStore) Revoke(principalID, permissionID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if perms, ok := g.grants[principalID]; ok {
		delete(perms, permissionID)
	}
	g.audit(audit.SeverityInfo, "revoke", true, principalID, permissionID)
	return g.persist(principalID)
}

// HasGrant reports whether principalID is authorized for permissionID.
func (g *GrantStore) HasGrant(principalID, permissionID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	perms, ok := g.grants[principalID]
	if !ok {
		return false
	}
	_, ok = perms[permissionID]
	return ok
}

func (g *GrantStore) persist(principalID string) error {
	if err := os.MkdirAll(g.stateDir, 0755); err != nil {
		return err
	}
	perms := g.grants[principalID]
	list := make([]Grant, 0, len(perms))
	for _, gr := range perms {
		list = append(list, gr)
	}
	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(g.stateDir, principalID+".json"), data, 0640)
}

func (g *GrantStore) audit(sev audit.Severity, action string, success bool, principalID, permissionID string) {
	if g.auditLog == nil {
		return
	}
	_ = g.auditLog.Append(audit.Entry{
		Category: audit.CategoryCapability,
		Severity: sev,
		Action:   action,
		Success:  success,
		Details:  map[string]interface{}{"principal_id": principalID, "permission_id": permissionID},
	})
}

// Broker dispatches capability calls arriving over a Pack's Capability
// UDS. Per §4.6, the principal is always the socket's owning Pack, the
// call requires an explicit Grant, and the handler is re-verified
// against TrustStore immediately before every execution.
type Broker struct {
	trust    *TrustStore
	grants   *GrantStore
	auditLog *audit.Log
	runner   func(ctx context.Context, entrypointPath string, payload []byte) ([]byte, error)
}

// NewBroker creates a Broker. runner executes a resolved entrypoint
// with payload on stdin and returns its stdout; a nil runner defaults
// to invoking the entrypoint as a host Python subprocess (capability
// handlers are the privileged, host-side boundary per §4.6 step 4).
func NewBroker(trust *TrustStore, grants *GrantStore, auditLog *audit.Log, runner func(ctx context.Context, entrypointPath string, payload []byte) ([]byte, error)) *Broker {
	if runner == nil {
		runner = runHostPython
	}
	return &Broker{trust: trust, grants: grants, auditLog: auditLog, runner: runner}
}

func runHostPython(ctx context.Context, entrypointPath string, payload []byte) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "python3", entrypointPath)
	cmd.Stdin = strings.NewReader(string(payload))
	return cmd.Output()
}

// Dispatch executes a capability call. principalID must come from the
// Capability UDS socket path, never from the payload.
func (b *Broker) Dispatch(ctx context.Context, principalID, permissionID string, params map[string]any) (json.RawMessage, error) {
	if !b.grants.HasGrant(principalID, permissionID) {
		b.audit(audit.SeverityWarning, "dispatch_denied", false, principalID, permissionID, "grant missing")
		return nil, kernelerr.New(kernelerr.GrantMissing, fmt.Sprintf(
			"principal %q has no grant for permission %q", principalID, permissionID))
	}

	desc, handlerDir, err := b.trust.VerifyHandler(permissionID)
	if err != nil {
		b.audit(audit.SeverityError, "dispatch_denied", false, principalID, permissionID, err.Error())
		return nil, err
	}

	payload, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("capability: marshal dispatch params: %w", err)
	}

	entrypointPath, err := ValidateEntrypoint(handlerDir, desc.Entrypoint)
	if err != nil {
		return nil, err
	}

	out, err := b.runner(ctx, entrypointPath, payload)
	if err != nil {
		b.audit(audit.SeverityError, "dispatch_failed", false, principalID, permissionID, err.Error())
		return nil, fmt.Errorf("capability: handler execution failed: %w", err)
	}

	b.audit(audit.SeverityInfo, "dispatch", true, principalID, permissionID, "")
	return json.RawMessage(out), nil
}

func (b *Broker) audit(sev audit.Severity, action string, success bool, principalID, permissionID, reason string) {
	if b.auditLog == nil {
		return
	}
	_ = b.auditLog.Append(audit.Entry{
		Category:        audit.CategoryCapability,
		Severity:        sev,
		Action:          action,
		Success:         success,
		Details:         map[string]interface{}{"principal_id": principalID, "permission_id": permissionID},
		RejectionReason: reason,
	})
}
