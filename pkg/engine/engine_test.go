package engine

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alga-io/runner/pkg/broker"
	"github.com/alga-io/runner/pkg/bundle"
	"github.com/alga-io/runner/pkg/capability"
	"github.com/alga-io/runner/pkg/resolver"
)

func testArtifact(hash string) *resolver.ArtifactHandle {
	return &resolver.ArtifactHandle{ContentHash: hash, Bytes: []byte(hash)}
}

func testRequest(tenantID, extensionID, idemKey string) bundle.ExecuteRequest {
	return bundle.ExecuteRequest{
		Context: bundle.InvocationContext{
			RequestID:   "req-1",
			TenantID:    tenantID,
			ExtensionID: extensionID,
			InstallID:   "inst-1",
		},
		HTTP:           bundle.HTTPPayload{Method: "GET", Path: "/x"},
		IdempotencyKey: idemKey,
	}
}

func testEngine(t *testing.T, cfg Config) (*Engine, *InProcessInvoker) {
	t.Helper()
	inv := NewInProcessInvoker()
	brk := broker.New(broker.NewMemoryKV(), broker.NewMemorySecrets(), nil, nil)
	return New(inv, brk, cfg, nil), inv
}

func noCaps(t *testing.T) *capability.Set {
	t.Helper()
	s, err := capability.NewSet(nil, nil)
	require.NoError(t, err)
	return s
}

func TestExecuteReturnsHandlerResult(t *testing.T) {
	eng, inv := testEngine(t, Config{})
	inv.Register("sha256:a", func(ctx context.Context, req GuestRequest, binding *broker.Binding) (*bundle.ExecuteResult, error) {
		return &bundle.ExecuteResult{Status: 200, Body: []byte("hello " + req.TenantID)}, nil
	})

	out, err := eng.Execute(context.Background(), testArtifact("sha256:a"), testRequest("t1", "e1", ""), noCaps(t), nil)
	require.NoError(t, err)
	assert.Equal(t, 200, out.Result.Status)
	assert.Equal(t, []byte("hello t1"), out.Result.Body)
	assert.False(t, out.Replayed)
	assert.Positive(t, out.Usage.WallTime)
}

func TestExecuteUnknownArtifact(t *testing.T) {
	eng, _ := testEngine(t, Config{})
	_, err := eng.Execute(context.Background(), testArtifact("sha256:unknown"), testRequest("t1", "e1", ""), noCaps(t), nil)
	assert.Equal(t, bundle.KindInvalidEntrypoint, bundle.KindOf(err))
}

func TestIdempotentReplay(t *testing.T) {
	eng, inv := testEngine(t, Config{})
	var executions atomic.Int64
	inv.Register("sha256:a", func(ctx context.Context, req GuestRequest, binding *broker.Binding) (*bundle.ExecuteResult, error) {
		executions.Add(1)
		return &bundle.ExecuteResult{Status: 201, Body: []byte("created")}, nil
	})

	ctx := context.Background()
	first, err := eng.Execute(ctx, testArtifact("sha256:a"), testRequest("t1", "e1", "key-1"), noCaps(t), nil)
	require.NoError(t, err)
	assert.False(t, first.Replayed)

	second, err := eng.Execute(ctx, testArtifact("sha256:a"), testRequest("t1", "e1", "key-1"), noCaps(t), nil)
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.Result.Status, second.Result.Status)
	assert.Equal(t, first.Result.Body, second.Result.Body)

	assert.Equal(t, int64(1), executions.Load(), "the duplicate must not run the handler")
}

func TestIdempotencyKeysAreTenantScoped(t *testing.T) {
	eng, inv := testEngine(t, Config{})
	var executions atomic.Int64
	inv.Register("sha256:a", func(ctx context.Context, req GuestRequest, binding *broker.Binding) (*bundle.ExecuteResult, error) {
		executions.Add(1)
		return &bundle.ExecuteResult{Status: 200}, nil
	})

	ctx := context.Background()
	_, err := eng.Execute(ctx, testArtifact("sha256:a"), testRequest("t1", "e1", "shared-key"), noCaps(t), nil)
	require.NoError(t, err)
	_, err = eng.Execute(ctx, testArtifact("sha256:a"), testRequest("t2", "e1", "shared-key"), noCaps(t), nil)
	require.NoError(t, err)

	assert.Equal(t, int64(2), executions.Load())
}

func TestFailedResultsAreNotReplayed(t *testing.T) {
	eng, inv := testEngine(t, Config{})
	var executions atomic.Int64
	inv.Register("sha256:a", func(ctx context.Context, req GuestRequest, binding *broker.Binding) (*bundle.ExecuteResult, error) {
		executions.Add(1)
		return &bundle.ExecuteResult{Error: &bundle.ResultError{Code: bundle.KindInternal, Message: "boom"}}, nil
	})

	ctx := context.Background()
	_, err := eng.Execute(ctx, testArtifact("sha256:a"), testRequest("t1", "e1", "key-1"), noCaps(t), nil)
	require.NoError(t, err)
	out, err := eng.Execute(ctx, testArtifact("sha256:a"), testRequest("t1", "e1", "key-1"), noCaps(t), nil)
	require.NoError(t, err)

	assert.False(t, out.Replayed)
	assert.Equal(t, int64(2), executions.Load(), "failures execute fresh every time")
}

func TestConcurrencyOverflowRejects(t *testing.T) {
	eng, inv := testEngine(t, Config{MaxConcurrency: 1, Overflow: OverflowReject})

	release := make(chan struct{})
	started := make(chan struct{})
	inv.Register("sha256:a", func(ctx context.Context, req GuestRequest, binding *broker.Binding) (*bundle.ExecuteResult, error) {
		close(started)
		<-release
		return &bundle.ExecuteResult{Status: 200}, nil
	})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := eng.Execute(context.Background(), testArtifact("sha256:a"), testRequest("t1", "e1", ""), noCaps(t), nil)
		assert.NoError(t, err)
	}()

	<-started
	_, err := eng.Execute(context.Background(), testArtifact("sha256:a"), testRequest("t1", "e1", ""), noCaps(t), nil)
	assert.Equal(t, bundle.KindConcurrencyExceeded, bundle.KindOf(err))

	close(release)
	wg.Wait()
}

func TestConcurrencyIsPerTenant(t *testing.T) {
	eng, inv := testEngine(t, Config{MaxConcurrency: 1, Overflow: OverflowReject})

	release := make(chan struct{})
	started := make(chan struct{})
	inv.Register("sha256:a", func(ctx context.Context, req GuestRequest, binding *broker.Binding) (*bundle.ExecuteResult, error) {
		if req.TenantID == "t1" {
			close(started)
			<-release
		}
		return &bundle.ExecuteResult{Status: 200}, nil
	})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := eng.Execute(context.Background(), testArtifact("sha256:a"), testRequest("t1", "e1", ""), noCaps(t), nil)
		assert.NoError(t, err)
	}()

	<-started
	// Another tenant is unaffected by t1's saturated slot.
	_, err := eng.Execute(context.Background(), testArtifact("sha256:a"), testRequest("t2", "e1", ""), noCaps(t), nil)
	assert.NoError(t, err)

	close(release)
	wg.Wait()
}

func TestTimeoutBecomesResourceExceeded(t *testing.T) {
	eng, inv := testEngine(t, Config{})
	inv.Register("sha256:a", func(ctx context.Context, req GuestRequest, binding *broker.Binding) (*bundle.ExecuteResult, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Second):
			return &bundle.ExecuteResult{Status: 200}, nil
		}
	})

	req := testRequest("t1", "e1", "")
	req.Limits.TimeoutMS = 20

	out, err := eng.Execute(context.Background(), testArtifact("sha256:a"), req, noCaps(t), nil)
	assert.Equal(t, bundle.KindResourceExceeded, bundle.KindOf(err))
	assert.Positive(t, out.Usage.WallTime, "usage is recorded even on forced teardown")
}

func TestConfigFlowsToGuest(t *testing.T) {
	eng, inv := testEngine(t, Config{})
	var got map[string]string
	inv.Register("sha256:a", func(ctx context.Context, req GuestRequest, binding *broker.Binding) (*bundle.ExecuteResult, error) {
		got = req.Config
		return &bundle.ExecuteResult{Status: 200}, nil
	})

	_, err := eng.Execute(context.Background(), testArtifact("sha256:a"), testRequest("t1", "e1", ""),
		noCaps(t), map[string]string{"region": "eu"})
	require.NoError(t, err)
	assert.Equal(t, "eu", got["region"])
}

func TestEgressHostsFlowToBinding(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	t.Cleanup(srv.Close)
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)

	inv := NewInProcessInvoker()
	egress := broker.NewEgressClient(broker.EgressConfig{})
	brk := broker.New(broker.NewMemoryKV(), broker.NewMemorySecrets(), egress, nil)
	eng := New(inv, brk, Config{}, nil)

	var fetchErr error
	inv.Register("sha256:a", func(ctx context.Context, req GuestRequest, binding *broker.Binding) (*bundle.ExecuteResult, error) {
		_, fetchErr = binding.HTTPFetch(ctx, &broker.FetchRequest{URL: srv.URL})
		return &bundle.ExecuteResult{Status: 200}, nil
	})

	caps, err := capability.NewSet(
		[]capability.Capability{capability.HTTPFetch}, []string{string(capability.HTTPFetch)})
	require.NoError(t, err)

	req := testRequest("t1", "e1", "")
	_, err = eng.Execute(context.Background(), testArtifact("sha256:a"), req, caps, nil)
	require.NoError(t, err)
	assert.Equal(t, bundle.KindEgressDenied, bundle.KindOf(fetchErr),
		"host is not in the client allow-list")

	req.EgressHosts = []string{u.Hostname()}
	req.Context.RequestID = "req-2"
	_, err = eng.Execute(context.Background(), testArtifact("sha256:a"), req, caps, nil)
	require.NoError(t, err)
	assert.NoError(t, fetchErr, "request-scoped hosts widen the allow-list")
}
