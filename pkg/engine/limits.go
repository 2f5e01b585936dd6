package engine

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/alga-io/runner/pkg/bundle"
)

// concurrencyLimiter bounds concurrent instances twice over: per
// tenant+extension, and globally across the whole host. Both slots
// must be held for an instance to exist.
type concurrencyLimiter struct {
	mu        sync.Mutex
	perKey    map[string]*semaphore.Weighted
	perKeyCap int64
	global    *semaphore.Weighted
	policy    OverflowPolicy
}

func newConcurrencyLimiter(perKeyCap, globalCap int64, policy OverflowPolicy) *concurrencyLimiter {
	return &concurrencyLimiter{
		perKey:    make(map[string]*semaphore.Weighted),
		perKeyCap: perKeyCap,
		global:    semaphore.NewWeighted(globalCap),
		policy:    policy,
	}
}

func (l *concurrencyLimiter) keyFor(tenantID, extensionID string) *semaphore.Weighted {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := tenantID + "|" + extensionID
	sem, ok := l.perKey[key]
	if !ok {
		sem = semaphore.NewWeighted(l.perKeyCap)
		l.perKey[key] = sem
	}
	return sem
}

// acquire claims a per-key and a global slot, honoring the overflow
// policy for the per-key bound. The global bound always queues: it
// protects the host, not a tenant's fairness.
func (l *concurrencyLimiter) acquire(ctx context.Context, tenantID, extensionID string) (func(), error) {
	sem := l.keyFor(tenantID, extensionID)

	switch l.policy {
	case OverflowQueue:
		if err := sem.Acquire(ctx, 1); err != nil {
			return nil, bundle.WrapError(bundle.KindConcurrencyExceeded,
				"canceled while queued for a concurrency slot", err)
		}
	default:
		if !sem.TryAcquire(1) {
			return nil, bundle.NewError(bundle.KindConcurrencyExceeded,
				fmt.Sprintf("tenant %s extension %s is at its concurrency limit", tenantID, extensionID))
		}
	}

	if err := l.global.Acquire(ctx, 1); err != nil {
		sem.Release(1)
		return nil, bundle.WrapError(bundle.KindConcurrencyExceeded,
			"canceled while waiting for global instance capacity", err)
	}

	return func() {
		l.global.Release(1)
		sem.Release(1)
	}, nil
}
