package bundle

import "time"

// InvocationContext identifies one invocation end to end. The gateway
// builds it, the engine threads it through every broker call, and the
// ledger records it.
type InvocationContext struct {
	RequestID   string `json:"request_id"`
	TenantID    string `json:"tenant_id"`
	ExtensionID string `json:"extension_id"`
	InstallID   string `json:"install_id"`
	ContentHash string `json:"content_hash"`
	VersionID   string `json:"version_id"`
}

// HTTPPayload is the normalized inbound request handed to the guest.
// Headers are already reduced to the allow-list; end-user credentials
// never appear here.
type HTTPPayload struct {
	Method  string              `json:"method"`
	Path    string              `json:"path"`
	Query   map[string][]string `json:"query,omitempty"`
	Headers map[string]string   `json:"headers,omitempty"`
	Body    []byte              `json:"body,omitempty"`
}

// ResourceLimits caps one invocation.
type ResourceLimits struct {
	TimeoutMS int64 `json:"timeout_ms"`
	MemoryMB  int64 `json:"memory_mb"`
}

// ExecuteRequest is the gateway → engine contract.
type ExecuteRequest struct {
	Context InvocationContext `json:"context"`
	HTTP    HTTPPayload       `json:"http"`
	Limits  ResourceLimits    `json:"limits"`

	// EgressHosts widens the broker's outbound allow-list for this
	// invocation, from the tenant's execution profile.
	EgressHosts []string `json:"egress_hosts,omitempty"`

	// IdempotencyKey, when set, lets the engine replay a prior
	// successful result instead of re-executing the handler.
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// ExecuteResult is what the guest handler produced, or the engine's
// classified failure.
type ExecuteResult struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    []byte            `json:"body,omitempty"`

	Error *ResultError `json:"error,omitempty"`
}

// ResultError is the structured error form of an ExecuteResult.
type ResultError struct {
	Code    Kind   `json:"code"`
	Message string `json:"message"`
}

// ResourceUsage is what one invocation consumed, as observed by the
// engine. Recorded on every outcome, including forced teardown.
type ResourceUsage struct {
	WallTime    time.Duration `json:"wall_time"`
	MemoryMB    int64         `json:"memory_mb"`
	EgressBytes int64         `json:"egress_bytes"`
}
