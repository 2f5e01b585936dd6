package broker

import (
	"context"
	"fmt"
	"sync"

	"github.com/alga-io/runner/pkg/bundle"
)

// Secrets resolves secrets provisioned for a tenant's install. A key
// that was never provisioned for that tenant+extension pair does not
// exist, regardless of what other tenants provisioned under the same
// name.
type Secrets interface {
	Get(ctx context.Context, tenantID, extensionID, key string) (string, error)
}

// MemorySecrets holds provisioned secrets in memory, partitioned by
// tenant+extension.
type MemorySecrets struct {
	mu      sync.RWMutex
	entries map[string]string
}

// NewMemorySecrets creates an empty secrets store.
func NewMemorySecrets() *MemorySecrets {
	return &MemorySecrets{entries: make(map[string]string)}
}

func secretKey(tenantID, extensionID, key string) string {
	return fmt.Sprintf("%s:%s:%s", tenantID, extensionID, key)
}

// Provision installs a secret for a tenant's extension. Administrative
// path; guests can only read.
func (s *MemorySecrets) Provision(tenantID, extensionID, key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[secretKey(tenantID, extensionID, key)] = value
}

func (s *MemorySecrets) Get(ctx context.Context, tenantID, extensionID, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	val, ok := s.entries[secretKey(tenantID, extensionID, key)]
	if !ok {
		return "", bundle.NewError(bundle.KindCapabilityDenied,
			fmt.Sprintf("secret %q not provisioned for this install", key))
	}
	return val, nil
}
