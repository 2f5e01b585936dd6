// Package ledger is the durable, append-only record of every
// invocation, and the quota accounting derived from it. One entry per
// invocation, written after completion or forced teardown, never
// mutated afterwards.
package ledger

import (
	"time"

	"github.com/alga-io/runner/pkg/bundle"
)

// Status is the final authoritative outcome of an invocation.
type Status string

const (
	StatusCompleted        Status = "completed"
	StatusFailed           Status = "failed"
	StatusResourceExceeded Status = "resource_exceeded"
	StatusDenied           Status = "denied"
)

// StatusFor classifies an invocation error into a ledger status.
func StatusFor(err error) Status {
	if err == nil {
		return StatusCompleted
	}
	switch bundle.KindOf(err) {
	case bundle.KindResourceExceeded, bundle.KindConcurrencyExceeded, bundle.KindQuotaExceeded:
		return StatusResourceExceeded
	case bundle.KindCapabilityDenied, bundle.KindEgressDenied:
		return StatusDenied
	default:
		return StatusFailed
	}
}

// Entry is one execution log row.
type Entry struct {
	RequestID   string               `json:"request_id"`
	TenantID    string               `json:"tenant_id"`
	ExtensionID string               `json:"extension_id"`
	ContentHash string               `json:"content_hash"`
	StartedAt   time.Time            `json:"started_at"`
	FinishedAt  time.Time            `json:"finished_at"`
	Status      Status               `json:"status"`
	ErrorKind   bundle.Kind          `json:"error_kind,omitempty"`
	Usage       bundle.ResourceUsage `json:"usage"`
}

// Window is one tenant+extension quota accounting window.
type Window struct {
	TenantID        string    `json:"tenant_id"`
	ExtensionID     string    `json:"extension_id"`
	WindowStart     time.Time `json:"window_start"`
	CPUTimeMS       int64     `json:"cpu_time_ms"`
	MemoryMBMS      int64     `json:"memory_mb_ms"`
	InvocationCount int64     `json:"invocation_count"`
	EgressBytes     int64     `json:"egress_bytes"`
}

// Budget is the per-window ceiling for one tenant+extension. Zero
// fields are unlimited.
type Budget struct {
	MaxInvocations int64
	MaxCPUTimeMS   int64
	MaxEgressBytes int64
}

// Exceeded reports whether the window has spent its budget.
func (b Budget) Exceeded(w *Window) bool {
	if b.MaxInvocations > 0 && w.InvocationCount >= b.MaxInvocations {
		return true
	}
	if b.MaxCPUTimeMS > 0 && w.CPUTimeMS >= b.MaxCPUTimeMS {
		return true
	}
	if b.MaxEgressBytes > 0 && w.EgressBytes >= b.MaxEgressBytes {
		return true
	}
	return false
}
