package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/alga-io/runner/pkg/bundle"
)

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs).
// Error responses carry a stable code and nothing else about the
// internal failure: no stack traces, no paths, no secret material.
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Code     string `json:"code,omitempty"`
	Instance string `json:"instance,omitempty"`
	TraceID  string `json:"trace_id,omitempty"`
}

// statusForKind maps the internal error taxonomy to the HTTP surface.
func statusForKind(kind bundle.Kind) int {
	switch kind {
	case bundle.KindInstallNotFound, bundle.KindVersionInactive:
		return http.StatusNotFound
	case bundle.KindHashMismatch, bundle.KindSignatureInvalid:
		return http.StatusBadGateway
	case bundle.KindCapabilityDenied, bundle.KindEgressDenied:
		return http.StatusForbidden
	case bundle.KindResourceExceeded:
		return http.StatusGatewayTimeout
	case bundle.KindConcurrencyExceeded, bundle.KindQuotaExceeded:
		return http.StatusTooManyRequests
	case bundle.KindInvalidEntrypoint, bundle.KindUpstreamUnavailable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeKindError writes the RFC 7807 response for a classified failure.
func writeKindError(w http.ResponseWriter, r *http.Request, err error) {
	kind := bundle.KindOf(err)
	status := statusForKind(kind)
	writeProblem(w, &ProblemDetail{
		Type:     "https://alga.io/errors/" + string(kind),
		Title:    http.StatusText(status),
		Status:   status,
		Code:     string(kind),
		Instance: r.URL.Path,
		TraceID:  w.Header().Get("X-Request-ID"),
	})
}

func writeProblem(w http.ResponseWriter, p *ProblemDetail) {
	if p.Status == http.StatusTooManyRequests {
		w.Header().Set("Retry-After", "1")
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code string) {
	writeProblem(w, &ProblemDetail{
		Type:     "https://alga.io/errors/" + code,
		Title:    http.StatusText(status),
		Status:   status,
		Code:     code,
		Instance: r.URL.Path,
		TraceID:  w.Header().Get("X-Request-ID"),
	})
}
