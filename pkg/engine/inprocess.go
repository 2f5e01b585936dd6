package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/alga-io/runner/pkg/broker"
	"github.com/alga-io/runner/pkg/bundle"
	"github.com/alga-io/runner/pkg/resolver"
)

// Handler is a native Go extension handler, keyed by content hash in
// the InProcessInvoker. It receives the same binding a WASM guest
// would, so capability checks behave identically.
type Handler func(ctx context.Context, req GuestRequest, binding *broker.Binding) (*bundle.ExecuteResult, error)

// InProcessInvoker runs handlers natively, without a WASM instance.
// Dev mode and tests only: it preserves the broker boundary but not
// memory isolation. NOT for production tenant code.
type InProcessInvoker struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewInProcessInvoker creates an empty invoker.
func NewInProcessInvoker() *InProcessInvoker {
	return &InProcessInvoker{handlers: make(map[string]Handler)}
}

// Register maps a content hash to a native handler.
func (i *InProcessInvoker) Register(contentHash string, h Handler) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.handlers[contentHash] = h
}

func (i *InProcessInvoker) Invoke(ctx context.Context, artifact *resolver.ArtifactHandle, req GuestRequest, binding *broker.Binding, limits bundle.ResourceLimits) (*bundle.ExecuteResult, error) {
	i.mu.RLock()
	h, ok := i.handlers[artifact.ContentHash]
	i.mu.RUnlock()
	if !ok {
		return nil, bundle.NewError(bundle.KindInvalidEntrypoint,
			fmt.Sprintf("no in-process handler registered for %s", artifact.ContentHash))
	}

	type outcome struct {
		result *bundle.ExecuteResult
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := h(ctx, req, binding)
		done <- outcome{result, err}
	}()

	select {
	case <-ctx.Done():
		return nil, bundle.WrapError(bundle.KindResourceExceeded, "handler exceeded its deadline", ctx.Err())
	case o := <-done:
		return o.result, o.err
	}
}
