package network

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rumi-labs/rumikernel/pkg/audit"
	"github.com/rumi-labs/rumikernel/pkg/kernelerr"
)

const (
	maxTimeout     = 120 * time.Second
	maxHeaders     = 64
	maxHeaderBytes = 8 * 1024
	maxBodyBytes   = 1 << 20 // 1 MiB request
	maxRespBytes   = 4 << 20 // 4 MiB response
	maxRedirects   = 3
)

var allowedMethods = map[string]bool{
	http.MethodGet: true, http.MethodHead: true, http.MethodPost: true,
	http.MethodPut: true, http.MethodDelete: true, http.MethodPatch: true,
}

// Request is the Egress UDS request surface (spec §4.5).
type Request struct {
	Method    string            `json:"method"`
	URL       string            `json:"url"`
	Headers   map[string]string `json:"headers"`
	Body      []byte            `json:"body"`
	TimeoutMS int               `json:"timeout_ms"`
}

// Response is returned to the calling block.
type Response struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers"`
	Body    []byte            `json:"body"`
}

// resolveHost is overridable by tests to avoid real DNS lookups.
var resolveHost = func(ctx context.Context, host string) ([]net.IP, error) {
	return net.DefaultResolver.LookupIP(ctx, "ip", host)
}

// Broker is the EgressBroker: one logical instance serves every Pack,
// identifying the caller by the Unix-domain socket it connected
// through rather than any payload-asserted identity.
type Broker struct {
	grants   *GrantStore
	limiter  Limiter
	auditLog *audit.Log
	client   *http.Client
}

// NewBroker creates a Broker.
func NewBroker(grants *GrantStore, limiter Limiter, auditLog *audit.Log) *Broker {
	return &Broker{
		grants:   grants,
		limiter:  limiter,
		auditLog: auditLog,
		client: &http.Client{
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse // the broker drives redirects itself
			},
		},
	}
}

// Handle services one egress request on behalf of packID (identified
// by the socket path the caller connected on).
func (b *Broker) Handle(ctx context.Context, packID string, req Request) (Response, error) {
	grant, ok := b.grants.Get(packID)
	if !ok {
		b.audit(packID, "", 0, req.Method, 0, false, "grant missing")
		return Response{}, rejectAbsentGrant(packID)
	}

	if b.limiter != nil {
		allowed, err := b.limiter.Allow(ctx, packID, Policy{RequestsPerMinute: 60, Burst: 10})
		if err != nil {
			return Response{}, fmt.Errorf("network: limiter: %w", err)
		}
		if !allowed {
			b.audit(packID, "", 0, req.Method, 0, false, "rate limited")
			return Response{}, kernelerr.New(kernelerr.PolicyDenied, "egress rate limit exceeded")
		}
	}

	if err := validateRequestShape(req); err != nil {
		return Response{}, err
	}

	currentURL := req.URL
	currentMethod := req.Method
	body := req.Body

	deadline := time.Duration(req.TimeoutMS) * time.Millisecond
	if deadline <= 0 || deadline > maxTimeout {
		deadline = maxTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	for hop := 0; hop <= maxRedirects; hop++ {
		parsed, err := url.Parse(currentURL)
		if err != nil {
			return Response{}, kernelerr.Wrap(kernelerr.PolicyDenied, "invalid url", err)
		}
		port := portOf(parsed)

		if err := b.checkAllowlist(parsed, port, grant); err != nil {
			b.audit(packID, parsed.Hostname(), port, currentMethod, 0, false, err.Error())
			return Response{}, err
		}
		if err := b.checkIPSafety(ctx, parsed.Hostname()); err != nil {
			b.audit(packID, parsed.Hostname(), port, currentMethod, 0, false, err.Error())
			return Response{}, err
		}

		httpReq, err := http.NewRequestWithContext(ctx, currentMethod, currentURL, bytes.NewReader(body))
		if err != nil {
			return Response{}, fmt.Errorf("network: build request: %w", err)
		}
		for k, v := range req.Headers {
			httpReq.Header.Set(k, v)
		}

		resp, err := b.client.Do(httpReq)
		if err != nil {
			b.audit(packID, parsed.Hostname(), port, currentMethod, 0, false, err.Error())
			return Response{}, fmt.Errorf("network: request failed: %w", err)
		}

		if resp.StatusCode >= 300 && resp.StatusCode < 400 {
			loc := resp.Header.Get("Location")
			resp.Body.Close()
			if loc == "" {
				b.audit(packID, parsed.Hostname(), port, currentMethod, resp.StatusCode, false, "redirect missing Location")
				return Response{}, kernelerr.New(kernelerr.PolicyDenied, "redirect without Location header")
			}
			next, err := parsed.Parse(loc)
			if err != nil {
				return Response{}, kernelerr.Wrap(kernelerr.PolicyDenied, "invalid redirect location", err)
			}
			if hop == maxRedirects {
				b.audit(packID, parsed.Hostname(), port, currentMethod, resp.StatusCode, false, "too many redirects")
				return Response{}, kernelerr.New(kernelerr.PolicyDenied, "redirect chain too long")
			}
			currentURL = next.String()
			currentMethod = http.MethodGet // conservative: never re-send a body across a redirect hop
			body = nil
			continue
		}

		out, truncated, err := readLimited(resp.Body, maxRespBytes)
		resp.Body.Close()
		if err != nil {
			return Response{}, fmt.Errorf("network: read response: %w", err)
		}
		if truncated {
			b.audit(packID, parsed.Hostname(), port, currentMethod, resp.StatusCode, false, "response truncated")
			return Response{}, kernelerr.New(kernelerr.PolicyDenied, "response body exceeds size limit")
		}

		headers := make(map[string]string, len(resp.Header))
		for k := range resp.Header {
			headers[k] = resp.Header.Get(k)
		}
		b.audit(packID, parsed.Hostname(), port, currentMethod, resp.StatusCode, true, "")
		return Response{Status: resp.StatusCode, Headers: headers, Body: out}, nil
	}

	return Response{}, kernelerr.New(kernelerr.PolicyDenied, "redirect chain too long")
}

func validateRequestShape(req Request) error {
	if !allowedMethods[strings.ToUpper(req.Method)] {
		return kernelerr.New(kernelerr.PolicyDenied, fmt.Sprintf("method %q not allowed", req.Method))
	}
	if len(req.Headers) > maxHeaders {
		return kernelerr.New(kernelerr.PolicyDenied, "too many headers")
	}
	for k, v := range req.Headers {
		if len(k)+len(v) > maxHeaderBytes {
			return kernelerr.New(kernelerr.PolicyDenied, fmt.Sprintf("header %q exceeds size limit", k))
		}
	}
	if len(req.Body) > maxBodyBytes {
		return kernelerr.New(kernelerr.PolicyDenied, "request body exceeds size limit")
	}
	if req.TimeoutMS < 0 || time.Duration(req.TimeoutMS)*time.Millisecond > maxTimeout {
		return kernelerr.New(kernelerr.PolicyDenied, "timeout_ms exceeds 120s limit")
	}
	return nil
}

func (b *Broker) checkAllowlist(u *url.URL, port int, grant Grant) error {
	if u.Scheme != "http" && u.Scheme != "https" {
		return kernelerr.New(kernelerr.PolicyDenied, fmt.Sprintf("scheme %q not allowed", u.Scheme))
	}
	if !DomainAllowed(u.Hostname(), grant.AllowedDomains) {
		return kernelerr.New(kernelerr.PolicyDenied, fmt.Sprintf("domain %q not in allowlist", u.Hostname()))
	}
	if !PortAllowed(port, grant.AllowedPorts) {
		return kernelerr.New(kernelerr.PolicyDenied, fmt.Sprintf("port %d not in allowlist", port))
	}
	return nil
}

func portOf(u *url.URL) int {
	if p := u.Port(); p != "" {
		var port int
		fmt.Sscanf(p, "%d", &port)
		return port
	}
	if u.Scheme == "https" {
		return 443
	}
	return 80
}

// checkIPSafety resolves host and rejects it if any resulting address
// is loopback, RFC1918, link-local, CGNAT, multicast, or otherwise
// non-global — the SSRF / DNS-rebinding defense re-run at every hop.
func (b *Broker) checkIPSafety(ctx context.Context, host string) error {
	if ip := net.ParseIP(host); ip != nil {
		return classifyIP(ip)
	}
	ips, err := resolveHost(ctx, host)
	if err != nil {
		return kernelerr.Wrap(kernelerr.PolicyDenied, fmt.Sprintf("dns resolution failed for %q", host), err)
	}
	if len(ips) == 0 {
		return kernelerr.New(kernelerr.PolicyDenied, fmt.Sprintf("no addresses for %q", host))
	}
	for _, ip := range ips {
		if err := classifyIP(ip); err != nil {
			return err
		}
	}
	return nil
}

var cgnatBlock = func() *net.IPNet {
	_, n, _ := net.ParseCIDR("100.64.0.0/10")
	return n
}()

// classifyIP is a var (not a plain func) so tests can swap it out when
// exercising the allowed path against a loopback-bound test server,
// without weakening the real SSRF classification it defaults to.
var classifyIP = classifyIPDefault

func classifyIPDefault(ip net.IP) error {
	reason := ""
	switch {
	case ip.IsLoopback():
		reason = "loopback"
	case ip.IsPrivate():
		reason = "rfc1918 private"
	case ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast():
		reason = "link-local"
	case ip.IsMulticast():
		reason = "multicast"
	case cgnatBlock.Contains(ip):
		reason = "cgnat"
	case !ip.IsGlobalUnicast():
		reason = "non-global"
	}
	if reason != "" {
		return kernelerr.New(kernelerr.PolicyDenied, fmt.Sprintf("address %s rejected: %s", ip, reason))
	}
	return nil
}

func readLimited(r io.Reader, limit int64) ([]byte, bool, error) {
	limited := io.LimitReader(r, limit+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, false, err
	}
	if int64(len(data)) > limit {
		return data[:limit], true, nil
	}
	return data, false, nil
}

func (b *Broker) audit(packID, domain string, port int, method string, status int, allowed bool, reason string) {
	if b.auditLog == nil {
		return
	}
	_ = b.auditLog.Append(audit.Entry{
		Category: audit.CategoryNetwork,
		Severity: severityFor(allowed),
		Action:   "egress_request",
		Success:  allowed,
		PackID:   packID,
		Details: map[string]interface{}{
			"domain": domain, "port": port, "method": method, "status": status, "allowed": allowed,
		},
		RejectionReason: reason,
	})
}

func severityFor(allowed bool) audit.Severity {
	if allowed {
		return audit.SeverityInfo
	}
	return audit.SeverityWarning
}
