// Package capability names the permissions a tenant may grant to an
// extension install and enforces that grants never exceed what the
// bundle manifest declared. Namespacing and containment are structural:
// a capability absent from the set simply has no broker function bound.
package capability

import (
	"fmt"
	"sort"
)

// Capability identifies one named permission.
type Capability string

const (
	// LogEmit permits structured log emission. Always granted; a guest
	// that cannot log is undebuggable for its author.
	LogEmit Capability = "log.emit"

	// HTTPFetch permits outbound HTTP through the broker, subject to
	// the egress host allow-list.
	HTTPFetch Capability = "http.fetch"

	// StorageKV permits tenant+extension scoped key/value storage.
	StorageKV Capability = "storage.kv"

	// SecretsGet permits reading secrets provisioned for the install.
	SecretsGet Capability = "secrets.get"
)

// Known reports whether the identifier names a capability this runtime
// understands. Unknown identifiers are rejected at grant time so a
// typo'd grant cannot silently widen later.
func Known(c Capability) bool {
	switch c {
	case LogEmit, HTTPFetch, StorageKV, SecretsGet:
		return true
	}
	return false
}

// Set is an immutable grant set for one install.
type Set struct {
	granted map[Capability]bool
}

// NewSet builds a grant set. LogEmit is implicit. Unknown identifiers
// and grants outside the declared list fail the whole set: a partially
// applied grant would be worse than a rejected one.
func NewSet(granted []Capability, declared []string) (*Set, error) {
	declaredSet := make(map[Capability]bool, len(declared))
	for _, d := range declared {
		declaredSet[Capability(d)] = true
	}

	s := &Set{granted: map[Capability]bool{LogEmit: true}}
	for _, c := range granted {
		if !Known(c) {
			return nil, fmt.Errorf("capability: unknown capability %q", c)
		}
		if c != LogEmit && !declaredSet[c] {
			return nil, fmt.Errorf("capability: %q granted but not declared by the bundle manifest", c)
		}
		s.granted[c] = true
	}
	return s, nil
}

// Has reports whether the capability is granted.
func (s *Set) Has(c Capability) bool {
	if s == nil {
		return c == LogEmit
	}
	return s.granted[c]
}

// List returns the granted capabilities in stable order.
func (s *Set) List() []Capability {
	out := make([]Capability, 0, len(s.granted))
	for c := range s.granted {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
