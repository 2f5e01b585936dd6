package gateway

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// requestID tags every response and log line. Inbound X-Request-ID is
// honored so the platform's edge can correlate.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r)
	})
}

// tenantRateLimiter bounds request rate per tenant, ahead of the
// engine's concurrency bound. Stale limiters are dropped periodically.
type tenantRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*tenantLimiter
	rps      rate.Limit
	burst    int
	done     chan struct{}
	stopOnce sync.Once
}

type tenantLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newTenantRateLimiter(rps int, burst int) *tenantRateLimiter {
	l := &tenantRateLimiter{
		limiters: make(map[string]*tenantLimiter),
		rps:      rate.Limit(rps),
		burst:    burst,
		done:     make(chan struct{}),
	}
	go l.cleanup()
	return l
}

// stop ends the cleanup goroutine. Safe to call more than once.
func (l *tenantRateLimiter) stop() {
	l.stopOnce.Do(func() { close(l.done) })
}

func (l *tenantRateLimiter) allow(tenantID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	t, ok := l.limiters[tenantID]
	if !ok {
		t = &tenantLimiter{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.limiters[tenantID] = t
	}
	t.lastSeen = time.Now()
	return t.limiter.Allow()
}

func (l *tenantRateLimiter) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
		}
		l.mu.Lock()
		for id, t := range l.limiters {
			if time.Since(t.lastSeen) > 3*time.Minute {
				delete(l.limiters, id)
			}
		}
		l.mu.Unlock()
	}
}
