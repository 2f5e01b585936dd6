// Package gateway is the tenant-facing HTTP surface of the execution
// core. It maps METHOD /ext/{extensionId}/{path} onto exactly one
// engine invocation, strips end-user credentials before anything
// reaches the guest, and translates the internal error taxonomy into
// stable HTTP statuses.
package gateway

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/alga-io/runner/pkg/bundle"
	"github.com/alga-io/runner/pkg/capability"
	"github.com/alga-io/runner/pkg/config"
	"github.com/alga-io/runner/pkg/engine"
	"github.com/alga-io/runner/pkg/ledger"
	"github.com/alga-io/runner/pkg/observability"
	"github.com/alga-io/runner/pkg/resolver"
)

// Config bounds the gateway.
type Config struct {
	// Timeout caps the whole request. It must not exceed the engine's
	// own invocation timeout; the constructor clamps it.
	Timeout time.Duration

	MaxBodyBytes int64
	RateRPS      int
	RateBurst    int

	// RequestHeaderAllowlist names the only inbound headers forwarded
	// to the guest. Authorization and cookies are stripped regardless.
	RequestHeaderAllowlist []string

	// ResponseHeaderAllowlist names the only guest response headers
	// returned to the caller. Set-Cookie and hop-by-hop headers can
	// never pass.
	ResponseHeaderAllowlist []string
}

// DefaultConfig returns production gateway bounds.
func DefaultConfig() Config {
	return Config{
		Timeout:                 10 * time.Second,
		MaxBodyBytes:            1 << 20,
		RateRPS:                 50,
		RateBurst:               100,
		RequestHeaderAllowlist:  []string{"accept", "content-type", "accept-language", "if-none-match"},
		ResponseHeaderAllowlist: []string{"content-type", "cache-control", "etag", "content-language"},
	}
}

// Gateway routes tenant requests into the execution engine.
type Gateway struct {
	resolver *resolver.Resolver
	engine   *engine.Engine
	ledger   ledger.Ledger
	tenants  TenantResolver
	limiter  *tenantRateLimiter
	cfg      Config
	obs      *observability.Provider
	profiles map[string]*config.TenantProfile
	logger   *slog.Logger
}

// New assembles the gateway. engineTimeout is the engine's default
// invocation timeout; the gateway clamps its own timeout to it so the
// router never blocks longer than the engine can possibly take.
func New(res *resolver.Resolver, eng *engine.Engine, led ledger.Ledger, tenants TenantResolver, cfg Config, engineTimeout time.Duration, logger *slog.Logger) *Gateway {
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if engineTimeout > 0 && cfg.Timeout > engineTimeout {
		cfg.Timeout = engineTimeout
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = def.MaxBodyBytes
	}
	if cfg.RateRPS <= 0 {
		cfg.RateRPS = def.RateRPS
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = def.RateBurst
	}
	if cfg.RequestHeaderAllowlist == nil {
		cfg.RequestHeaderAllowlist = def.RequestHeaderAllowlist
	}
	if cfg.ResponseHeaderAllowlist == nil {
		cfg.ResponseHeaderAllowlist = def.ResponseHeaderAllowlist
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		resolver: res,
		engine:   eng,
		ledger:   led,
		tenants:  tenants,
		limiter:  newTenantRateLimiter(cfg.RateRPS, cfg.RateBurst),
		cfg:      cfg,
		logger:   logger,
	}
}

// WithObservability instruments invocations with the provider's span
// and RED metrics.
func (g *Gateway) WithObservability(p *observability.Provider) *Gateway {
	g.obs = p
	return g
}

// WithTenantProfiles overlays per-tenant execution profiles: timeout,
// memory, and extra egress hosts applied to every invocation the
// tenant dispatches.
func (g *Gateway) WithTenantProfiles(profiles map[string]*config.TenantProfile) *Gateway {
	g.profiles = profiles
	return g
}

// Close stops the gateway's background work. Safe to call more than
// once.
func (g *Gateway) Close() {
	g.limiter.stop()
}

// Handler returns the gateway's HTTP handler.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/audit/{extensionId}", g.handleAudit)
	mux.HandleFunc("/ext/{extensionId}/{path...}", g.handleInvoke)
	return requestID(mux)
}

func (g *Gateway) handleInvoke(w http.ResponseWriter, r *http.Request) {
	requestID := w.Header().Get("X-Request-ID")
	extensionID := r.PathValue("extensionId")
	subPath := "/" + r.PathValue("path")

	tenantID, ok := g.authenticate(w, r)
	if !ok {
		return
	}

	if !g.limiter.allow(tenantID) {
		writeError(w, r, http.StatusTooManyRequests, "rate_limited")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), g.cfg.Timeout)
	defer cancel()

	// received → resolved
	res, err := g.resolver.ResolveActiveVersion(ctx, tenantID, extensionID)
	if err != nil {
		writeKindError(w, r, err)
		return
	}

	if _, matched := res.Version.Route(r.Method, subPath); !matched {
		// Unmatched method+path combinations never reach the engine.
		writeError(w, r, http.StatusNotFound, "endpoint_not_declared")
		return
	}

	// Quota short-circuit: an exhausted tenant costs one SQLite read,
	// not a sandbox instance.
	if err := g.ledger.Allow(ctx, tenantID, extensionID); err != nil {
		writeKindError(w, r, err)
		return
	}

	caps, err := capability.NewSet(asCapabilities(res.Install.GrantedCapabilities), res.Version.CapabilitiesDeclared)
	if err != nil {
		g.logger.Error("install grants are inconsistent with declared capabilities",
			"install_id", res.Install.InstallID, "error", err)
		writeError(w, r, http.StatusInternalServerError, "internal")
		return
	}

	body, err := g.readBody(w, r)
	if err != nil {
		writeError(w, r, http.StatusRequestEntityTooLarge, "body_too_large")
		return
	}

	execReq := bundle.ExecuteRequest{
		Context: bundle.InvocationContext{
			RequestID:   requestID,
			TenantID:    tenantID,
			ExtensionID: extensionID,
			InstallID:   res.Install.InstallID,
			ContentHash: res.Version.ContentHash,
			VersionID:   res.Version.VersionID,
		},
		HTTP: bundle.HTTPPayload{
			Method:  r.Method,
			Path:    subPath,
			Query:   r.URL.Query(),
			Headers: g.filterRequestHeaders(r.Header),
			Body:    body,
		},
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	}

	// The tenant's execution profile overrides the engine defaults.
	if p := g.profiles[tenantID]; p != nil {
		if p.Limits.TimeoutMS > 0 {
			execReq.Limits.TimeoutMS = p.Limits.TimeoutMS
		}
		if p.Limits.MemoryMB > 0 {
			execReq.Limits.MemoryMB = p.Limits.MemoryMB
		}
		execReq.EgressHosts = p.Egress.AllowedHosts
	}

	artifact, err := g.resolver.LoadArtifact(ctx, res.Version)
	if err != nil {
		writeKindError(w, r, err)
		return
	}

	// resolved → dispatched
	execCtx := ctx
	var finish func(error)
	if g.obs != nil {
		execCtx, finish = g.obs.TrackInvocation(ctx, tenantID, extensionID)
	}
	started := time.Now()
	outcome, execErr := g.engine.Execute(execCtx, artifact, execReq, caps, res.Install.Config)
	if finish != nil {
		finish(execErr)
	}
	g.record(execReq.Context, started, outcome, execErr)

	// dispatched → completed | failed | timed_out
	if execErr != nil {
		writeKindError(w, r, execErr)
		return
	}
	g.writeResult(w, outcome.Result)
}

// handleAudit lets a tenant read its own recent execution log entries.
func (g *Gateway) handleAudit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed")
		return
	}
	tenantID, ok := g.authenticate(w, r)
	if !ok {
		return
	}
	entries, err := g.ledger.Recent(r.Context(), tenantID, r.PathValue("extensionId"), 50)
	if err != nil {
		g.logger.Error("audit query failed", "tenant_id", tenantID, "error", err)
		writeError(w, r, http.StatusInternalServerError, "internal")
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (g *Gateway) authenticate(w http.ResponseWriter, r *http.Request) (string, bool) {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	tenantID, err := g.tenants.TenantFromToken(token)
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, "invalid_session")
		return "", false
	}
	return tenantID, true
}

func (g *Gateway) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	r.Body = http.MaxBytesReader(w, r.Body, g.cfg.MaxBodyBytes)
	return io.ReadAll(r.Body)
}

// filterRequestHeaders reduces inbound headers to the allow-list. The
// guest never sees Authorization, Cookie, or anything else outside it.
func (g *Gateway) filterRequestHeaders(h http.Header) map[string]string {
	out := make(map[string]string)
	for _, name := range g.cfg.RequestHeaderAllowlist {
		if v := h.Get(name); v != "" {
			out[strings.ToLower(name)] = v
		}
	}
	return out
}

func (g *Gateway) writeResult(w http.ResponseWriter, result *bundle.ExecuteResult) {
	if result == nil {
		w.WriteHeader(http.StatusBadGateway)
		return
	}
	if result.Error != nil {
		writeProblem(w, &ProblemDetail{
			Type:    "https://alga.io/errors/" + string(result.Error.Code),
			Title:   http.StatusText(statusForKind(result.Error.Code)),
			Status:  statusForKind(result.Error.Code),
			Code:    string(result.Error.Code),
			TraceID: w.Header().Get("X-Request-ID"),
		})
		return
	}

	for name, value := range result.Headers {
		if headerAllowed(g.cfg.ResponseHeaderAllowlist, name) {
			w.Header().Set(name, value)
		}
	}
	status := result.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(result.Body)
}

// record writes the single authoritative ledger entry for a dispatched
// invocation. Replayed idempotent hits are not re-logged as executions.
func (g *Gateway) record(inv bundle.InvocationContext, started time.Time, outcome *engine.Outcome, execErr error) {
	if outcome != nil && outcome.Replayed {
		return
	}
	entry := &ledger.Entry{
		RequestID:   inv.RequestID,
		TenantID:    inv.TenantID,
		ExtensionID: inv.ExtensionID,
		ContentHash: inv.ContentHash,
		StartedAt:   started,
		FinishedAt:  time.Now(),
		Status:      ledger.StatusFor(execErr),
	}
	if execErr != nil {
		entry.ErrorKind = bundle.KindOf(execErr)
	}
	if outcome != nil {
		entry.Usage = outcome.Usage
	}
	// The ledger write uses its own context: a canceled request must
	// still leave its log entry behind.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := g.ledger.Record(ctx, entry); err != nil {
		g.logger.Error("execution log write failed",
			"request_id", inv.RequestID, "tenant_id", inv.TenantID, "error", err)
	}
}

func asCapabilities(names []string) []capability.Capability {
	out := make([]capability.Capability, len(names))
	for i, n := range names {
		out[i] = capability.Capability(n)
	}
	return out
}

func headerAllowed(allowlist []string, name string) bool {
	for _, h := range allowlist {
		if strings.EqualFold(h, name) {
			return true
		}
	}
	return false
}
