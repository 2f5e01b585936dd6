// Package engine runs one invocation of one extension handler inside a
// memory-isolated, capability-restricted WebAssembly instance. Every
// invocation gets a brand new instance; nothing survives from one call
// to the next except what the guest explicitly wrote through the
// broker's KV capability.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alga-io/runner/pkg/broker"
	"github.com/alga-io/runner/pkg/bundle"
	"github.com/alga-io/runner/pkg/capability"
	"github.com/alga-io/runner/pkg/resolver"
)

// OverflowPolicy decides what happens when a tenant's concurrency
// bound is already saturated.
type OverflowPolicy string

const (
	// OverflowReject fails immediately with ConcurrencyExceeded.
	OverflowReject OverflowPolicy = "reject"
	// OverflowQueue waits for a slot until the caller's context expires.
	OverflowQueue OverflowPolicy = "queue"
)

// Config bounds the engine.
type Config struct {
	DefaultTimeout   time.Duration
	DefaultMemoryMB  int64
	MaxConcurrency   int64 // per tenant+extension
	GlobalInstances  int64 // across all tenants
	Overflow         OverflowPolicy
	IdempotencyTTL   time.Duration
	IdempotencyItems int
}

// DefaultConfig returns conservative engine settings.
func DefaultConfig() Config {
	return Config{
		DefaultTimeout:   5 * time.Second,
		DefaultMemoryMB:  64,
		MaxConcurrency:   4,
		GlobalInstances:  256,
		Overflow:         OverflowReject,
		IdempotencyTTL:   10 * time.Minute,
		IdempotencyItems: 4096,
	}
}

// GuestRequest is what the guest handler reads on stdin: the normalized
// HTTP payload plus the identity it is serving. No credentials, no
// host details.
type GuestRequest struct {
	RequestID   string             `json:"request_id"`
	TenantID    string             `json:"tenant_id"`
	ExtensionID string             `json:"extension_id"`
	Config      map[string]string  `json:"config,omitempty"`
	HTTP        bundle.HTTPPayload `json:"http"`
}

// Invoker instantiates and runs one guest. The production implementation
// is the wazero-backed WasmInvoker; InProcessInvoker serves dev mode and
// tests.
type Invoker interface {
	Invoke(ctx context.Context, artifact *resolver.ArtifactHandle, req GuestRequest, binding *broker.Binding, limits bundle.ResourceLimits) (*bundle.ExecuteResult, error)
}

// Engine coordinates invocations: idempotent replay, concurrency
// bounds, per-invocation broker binding, forced teardown accounting.
type Engine struct {
	invoker Invoker
	broker  *broker.Broker
	limiter *concurrencyLimiter
	idem    *idempotencyCache
	cfg     Config
	logger  *slog.Logger
}

// New assembles an engine around an invoker.
func New(invoker Invoker, brk *broker.Broker, cfg Config, logger *slog.Logger) *Engine {
	def := DefaultConfig()
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = def.DefaultTimeout
	}
	if cfg.DefaultMemoryMB <= 0 {
		cfg.DefaultMemoryMB = def.DefaultMemoryMB
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = def.MaxConcurrency
	}
	if cfg.GlobalInstances <= 0 {
		cfg.GlobalInstances = def.GlobalInstances
	}
	if cfg.Overflow == "" {
		cfg.Overflow = def.Overflow
	}
	if cfg.IdempotencyTTL <= 0 {
		cfg.IdempotencyTTL = def.IdempotencyTTL
	}
	if cfg.IdempotencyItems <= 0 {
		cfg.IdempotencyItems = def.IdempotencyItems
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		invoker: invoker,
		broker:  brk,
		limiter: newConcurrencyLimiter(cfg.MaxConcurrency, cfg.GlobalInstances, cfg.Overflow),
		idem:    newIdempotencyCache(cfg.IdempotencyTTL, cfg.IdempotencyItems),
		cfg:     cfg,
		logger:  logger,
	}
}

// Outcome is the engine's full account of one invocation.
type Outcome struct {
	Result *bundle.ExecuteResult
	Usage  bundle.ResourceUsage

	// Replayed is true when the result came from the idempotency cache
	// and no instance was created.
	Replayed bool
}

// Execute runs one invocation end to end. The returned error, when
// non-nil, carries a bundle.Kind the gateway can map; Outcome.Usage is
// valid on every path, including forced teardown.
func (e *Engine) Execute(ctx context.Context, artifact *resolver.ArtifactHandle, req bundle.ExecuteRequest, caps *capability.Set, config map[string]string) (*Outcome, error) {
	if req.IdempotencyKey != "" {
		if cached, ok := e.idem.get(req.Context.TenantID, req.Context.ExtensionID, req.IdempotencyKey); ok {
			return &Outcome{Result: cached, Replayed: true}, nil
		}
	}

	release, err := e.limiter.acquire(ctx, req.Context.TenantID, req.Context.ExtensionID)
	if err != nil {
		return &Outcome{}, err
	}
	defer release()

	limits := req.Limits
	if limits.TimeoutMS <= 0 {
		limits.TimeoutMS = e.cfg.DefaultTimeout.Milliseconds()
	}
	if limits.MemoryMB <= 0 {
		limits.MemoryMB = e.cfg.DefaultMemoryMB
	}

	binding := e.broker.Bind(req.Context, caps).WithEgressHosts(req.EgressHosts)

	guestReq := GuestRequest{
		RequestID:   req.Context.RequestID,
		TenantID:    req.Context.TenantID,
		ExtensionID: req.Context.ExtensionID,
		Config:      config,
		HTTP:        req.HTTP,
	}

	invokeCtx, cancel := context.WithTimeout(ctx, time.Duration(limits.TimeoutMS)*time.Millisecond)
	defer cancel()

	started := time.Now()
	result, err := e.invoker.Invoke(invokeCtx, artifact, guestReq, binding, limits)
	usage := bundle.ResourceUsage{
		WallTime:    time.Since(started),
		MemoryMB:    limits.MemoryMB,
		EgressBytes: binding.EgressBytes(),
	}
	outcome := &Outcome{Result: result, Usage: usage}

	if err != nil {
		// A deadline hit is the host-enforced interruption firing:
		// teardown already happened inside the invoker, no partial
		// output survives.
		if invokeCtx.Err() != nil && errors.Is(invokeCtx.Err(), context.DeadlineExceeded) {
			return outcome, bundle.WrapError(bundle.KindResourceExceeded,
				fmt.Sprintf("invocation exceeded %dms wall clock", limits.TimeoutMS), err)
		}
		return outcome, err
	}

	if req.IdempotencyKey != "" && result != nil && result.Error == nil {
		e.idem.put(req.Context.TenantID, req.Context.ExtensionID, req.IdempotencyKey, result)
	}
	return outcome, nil
}
