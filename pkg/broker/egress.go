package broker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/alga-io/runner/pkg/bundle"
)

// FetchRequest is the guest-visible shape of an egress call. Headers
// here are already whatever the guest chose to send; the client filters
// them against the request header allow-list before anything leaves.
type FetchRequest struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    []byte            `json:"body,omitempty"`
}

// FetchResponse carries the filtered response back to the guest.
type FetchResponse struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    []byte            `json:"body,omitempty"`
}

// EgressConfig bounds outbound HTTP.
type EgressConfig struct {
	// AllowedHosts lists permitted targets. "api.example.com" matches
	// exactly; "*.example.com" matches any single-level subdomain.
	AllowedHosts []string

	// RequestHeaderAllowlist and ResponseHeaderAllowlist name the only
	// headers that cross the boundary in each direction.
	RequestHeaderAllowlist  []string
	ResponseHeaderAllowlist []string

	MaxResponseBytes int64
	CallTimeout      time.Duration
}

// DefaultEgressConfig returns bounds suitable for untrusted guests.
func DefaultEgressConfig() EgressConfig {
	return EgressConfig{
		RequestHeaderAllowlist:  []string{"accept", "content-type", "user-agent"},
		ResponseHeaderAllowlist: []string{"content-type", "content-length", "etag", "cache-control"},
		MaxResponseBytes:        4 << 20,
		CallTimeout:             10 * time.Second,
	}
}

// EgressClient performs allow-listed outbound HTTP for guests.
type EgressClient struct {
	cfg    EgressConfig
	client *http.Client
}

// NewEgressClient builds the egress client. Redirects are refused:
// a permitted host redirecting to a forbidden one must not widen the
// allow-list.
func NewEgressClient(cfg EgressConfig) *EgressClient {
	def := DefaultEgressConfig()
	if cfg.MaxResponseBytes <= 0 {
		cfg.MaxResponseBytes = def.MaxResponseBytes
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = def.CallTimeout
	}
	if cfg.RequestHeaderAllowlist == nil {
		cfg.RequestHeaderAllowlist = def.RequestHeaderAllowlist
	}
	if cfg.ResponseHeaderAllowlist == nil {
		cfg.ResponseHeaderAllowlist = def.ResponseHeaderAllowlist
	}
	return &EgressClient{
		cfg: cfg,
		client: &http.Client{
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// HostAllowed applies the exact-or-subdomain match rule over the
// configured allow-list plus any per-invocation extra hosts.
func (c *EgressClient) HostAllowed(host string, extra ...string) bool {
	host = strings.ToLower(host)
	for _, allowed := range c.cfg.AllowedHosts {
		if hostMatches(host, allowed) {
			return true
		}
	}
	for _, allowed := range extra {
		if hostMatches(host, allowed) {
			return true
		}
	}
	return false
}

func hostMatches(host, allowed string) bool {
	allowed = strings.ToLower(allowed)
	if wild, ok := strings.CutPrefix(allowed, "*."); ok {
		suffix, matched := strings.CutSuffix(host, "."+wild)
		return matched && suffix != "" && !strings.Contains(suffix, ".")
	}
	return host == allowed
}

// Do validates the target, filters headers both ways, and enforces the
// per-call response size and time limits. The allow-list check happens
// before any connection is opened: a denied host sees no traffic at all.
func (c *EgressClient) Do(ctx context.Context, req *FetchRequest, extraHosts ...string) (*FetchResponse, error) {
	u, err := url.Parse(req.URL)
	if err != nil {
		return nil, bundle.WrapError(bundle.KindEgressDenied, fmt.Sprintf("unparseable URL %q", req.URL), err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return nil, bundle.NewError(bundle.KindEgressDenied, fmt.Sprintf("scheme %q not permitted", u.Scheme))
	}
	if !c.HostAllowed(u.Hostname(), extraHosts...) {
		return nil, bundle.NewError(bundle.KindEgressDenied,
			fmt.Sprintf("host %q is not on the egress allow-list", u.Hostname()))
	}

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	httpReq, err := http.NewRequestWithContext(callCtx, method, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return nil, fmt.Errorf("broker: build egress request: %w", err)
	}
	for name, value := range req.Headers {
		if headerAllowed(c.cfg.RequestHeaderAllowlist, name) {
			httpReq.Header.Set(name, value)
		}
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		if callCtx.Err() != nil {
			return nil, bundle.WrapError(bundle.KindResourceExceeded, "egress call timed out", err)
		}
		return nil, fmt.Errorf("broker: egress call: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.cfg.MaxResponseBytes+1))
	if err != nil {
		return nil, fmt.Errorf("broker: read egress response: %w", err)
	}
	if int64(len(body)) > c.cfg.MaxResponseBytes {
		return nil, bundle.NewError(bundle.KindResourceExceeded,
			fmt.Sprintf("egress response exceeds %d bytes", c.cfg.MaxResponseBytes))
	}

	out := &FetchResponse{Status: resp.StatusCode, Headers: map[string]string{}, Body: body}
	for name := range resp.Header {
		if headerAllowed(c.cfg.ResponseHeaderAllowlist, name) {
			out.Headers[strings.ToLower(name)] = resp.Header.Get(name)
		}
	}
	return out, nil
}

func headerAllowed(allowlist []string, name string) bool {
	for _, h := range allowlist {
		if strings.EqualFold(h, name) {
			return true
		}
	}
	return false
}
