// Package network implements NetworkGrant signing/verification and the
// EgressBroker's allowlist, SSRF, and redirect defenses (spec §4.5).
package network

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rumi-labs/rumikernel/pkg/audit"
	"github.com/rumi-labs/rumikernel/pkg/canonicalize"
	"github.com/rumi-labs/rumikernel/pkg/kernelerr"
	"golang.org/x/crypto/hkdf"
)

// Grant is the persisted, HMAC-signed NetworkGrant (§3).
type Grant struct {
	PackID          string    `json:"pack_id"`
	Enabled         bool      `json:"enabled"`
	AllowedDomains  []string  `json:"allowed_domains"`
	AllowedPorts    []int     `json:"allowed_ports"`
	GrantedAt       time.Time `json:"granted_at"`
	GrantedBy       string    `json:"granted_by,omitempty"`
	HMACSignature   string    `json:"hmac_signature,omitempty"`
}

// unsigned returns a copy of g with the signature field zeroed, which
// is what the HMAC is computed over (spec §3: "HMAC covers
// canonicalized JSON minus the signature").
func (g Grant) unsigned() Grant {
	cp := g
	cp.HMACSignature = ""
	return cp
}

// GrantStore owns `user_data/permissions/network/<pack_id>.json` and
// the HMAC signing key at `user_data/permissions/.secret_key`.
type GrantStore struct {
	mu       sync.Mutex
	stateDir string
	key      []byte
	grants   map[string]Grant
	auditLog *audit.Log
}

// NewGrantStore creates a GrantStore rooted at stateDir, deriving or
// loading the signing key from keyPath.
func NewGrantStore(stateDir, keyPath string, auditLog *audit.Log) (*GrantStore, error) {
	key, err := loadOrCreateKey(keyPath)
	if err != nil {
		return nil, err
	}
	return &GrantStore{
		stateDir: stateDir,
		key:      key,
		grants:   make(map[string]Grant),
		auditLog: auditLog,
	}, nil
}

func loadOrCreateKey(keyPath string) ([]byte, error) {
	data, err := os.ReadFile(keyPath)
	if err == nil && len(data) > 0 {
		return deriveSigningKey(data)
	}
	if !os.IsNotExist(err) && err != nil {
		return nil, fmt.Errorf("network: read hmac key: %w", err)
	}

	seed := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, seed); err != nil {
		return nil, fmt.Errorf("network: generate hmac seed: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(keyPath), 0755); err != nil {
		return nil, err
	}
	if err := os.WriteFile(keyPath, seed, 0600); err != nil {
		return nil, fmt.Errorf("network: write hmac key: %w", err)
	}
	return deriveSigningKey(seed)
}

// deriveSigningKey stretches the raw secret-key material into a signing
// key via HKDF-SHA256, so the on-disk secret is never used directly as
// the MAC key.
func deriveSigningKey(secret []byte) ([]byte, error) {
	reader := hkdf.New(sha256.New, secret, nil, []byte("rumikernel-network-grant-hmac"))
	out := make([]byte, 32)
	if _, err := io.ReadFull(reader, out); err != nil {
		return nil, fmt.Errorf("network: derive signing key: %w", err)
	}
	return out, nil
}

// Load reads persisted grants from disk.
func (s *GrantStore) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.stateDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("network: read grant dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.stateDir, e.Name()))
		if err != nil {
			continue
		}
		var g Grant
		if err := json.Unmarshal(data, &g); err != nil {
			continue
		}
		s.grants[g.PackID] = g
	}
	return nil
}

// Sign sets g's HMAC signature over the canonicalized grant minus the
// signature field.
func (s *GrantStore) Sign(g Grant) (Grant, error) {
	g.HMACSignature = ""
	canon, err := canonicalize.JCS(g)
	if err != nil {
		return Grant{}, fmt.Errorf("network: canonicalize grant: %w", err)
	}
	mac := hmac.New(sha256.New, s.key)
	mac.Write(canon)
	g.HMACSignature = hex.EncodeToString(mac.Sum(nil))
	return g, nil
}

// verify reports whether g's signature matches its current content.
func (s *GrantStore) verify(g Grant) bool {
	want, err := s.Sign(g.unsigned())
	if err != nil {
		return false
	}
	return hmac.Equal([]byte(want.HMACSignature), []byte(g.HMACSignature))
}

// Put signs and persists a grant.
func (s *GrantStore) Put(g Grant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	signed, err := s.Sign(g)
	if err != nil {
		return err
	}
	s.grants[g.PackID] = signed
	s.audit(audit.SeverityInfo, "grant_put", true, g.PackID, "")
	return s.persist(signed)
}

// Get returns the verified, enabled grant for packID. A missing,
// disabled, or HMAC-invalid grant is treated identically: "no grant" —
// spec §3 requires "verification failure yields treatment equivalent
// to absent grant."
func (s *GrantStore) Get(packID string) (Grant, bool) {
	s.mu.Lock()
	g, ok := s.grants[packID]
	s.mu.Unlock()
	if !ok || !g.Enabled {
		return Grant{}, false
	}
	if !s.verify(g) {
		s.audit(audit.SeverityError, "grant_signature_invalid", false, packID, "hmac mismatch")
		return Grant{}, false
	}
	return g, true
}

// Invalidate disables a Pack's grant. The ApprovalStore does not call
// it: manifest drift moves a Pack to modified but leaves its
// NetworkGrant enabled.
func (s *GrantStore) Invalidate(packID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.grants[packID]
	if !ok {
		return nil
	}
	g.Enabled = false
	signed, err := s.Sign(g)
	if err != nil {
		return err
	}
	s.grants[packID] = signed
	s.audit(audit.SeverityWarning, "grant_invalidated", true, packID, "manifest drift")
	return s.persist(signed)
}

func (s *GrantStore) persist(g Grant) error {
	if err := os.MkdirAll(s.stateDir, 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(g, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(s.stateDir, g.PackID+".json"), data, 0640)
}

func (s *GrantStore) audit(sev audit.Severity, action string, success bool, packID, reason string) {
	if s.auditLog == nil {
		return
	}
	_ = s.auditLog.Append(audit.Entry{
		Category:        audit.CategoryNetwork,
		Severity:        sev,
		Action:          action,
		Success:         success,
		PackID:          packID,
		RejectionReason: reason,
	})
}

// DomainAllowed reports whether host matches one of allowedDomains,
// using the spec §9 resolution: case-insensitive exact match, or
// suffix-wildcard where granting "x.y" implies "*.x.y". Punycode is
// left unnormalized, matching the spec's own open-question note.
func DomainAllowed(host string, allowedDomains []string) bool {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	for _, allowed := range allowedDomains {
		allowed = strings.ToLower(strings.TrimSuffix(allowed, "."))
		if allowed == "" {
			continue
		}
		if strings.HasPrefix(allowed, "*.") {
			suffix := allowed[1:] // ".x.y"
			if strings.HasSuffix(host, suffix) || host == allowed[2:] {
				return true
			}
			continue
		}
		if host == allowed {
			return true
		}
		if strings.HasSuffix(host, "."+allowed) {
			return true // granting "x.y" implies "*.x.y"
		}
	}
	return false
}

// PortAllowed reports whether port is in allowedPorts.
func PortAllowed(port int, allowedPorts []int) bool {
	for _, p := range allowedPorts {
		if p == port {
			return true
		}
	}
	return false
}

func rejectAbsentGrant(packID string) error {
	return kernelerr.New(kernelerr.GrantMissing, fmt.Sprintf("no enabled network grant for pack %q", packID))
}
