package ledger

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alga-io/runner/pkg/bundle"
)

func openTestLedger(t *testing.T, budget Budget, window time.Duration) *SQLiteLedger {
	t.Helper()
	l, err := OpenSQLite(":memory:", budget, window)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func testEntry(requestID, tenantID, extensionID string, at time.Time) *Entry {
	return &Entry{
		RequestID:   requestID,
		TenantID:    tenantID,
		ExtensionID: extensionID,
		ContentHash: "sha256:abc",
		StartedAt:   at,
		FinishedAt:  at.Add(40 * time.Millisecond),
		Status:      StatusCompleted,
		Usage: bundle.ResourceUsage{
			WallTime:    40 * time.Millisecond,
			MemoryMB:    64,
			EgressBytes: 128,
		},
	}
}

func TestRecordAndRecent(t *testing.T) {
	l := openTestLedger(t, Budget{}, time.Hour)
	ctx := context.Background()
	now := time.Now().UTC()

	for i := 0; i < 3; i++ {
		e := testEntry(fmt.Sprintf("req-%d", i), "t1", "weather", now.Add(time.Duration(i)*time.Second))
		require.NoError(t, l.Record(ctx, e))
	}

	entries, err := l.Recent(ctx, "t1", "weather", 10)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	// Newest first.
	assert.Equal(t, "req-2", entries[0].RequestID)
	assert.Equal(t, "req-0", entries[2].RequestID)
	assert.Equal(t, StatusCompleted, entries[0].Status)
	assert.Equal(t, int64(128), entries[0].Usage.EgressBytes)

	limited, err := l.Recent(ctx, "t1", "weather", 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestRecentIsTenantScoped(t *testing.T) {
	l := openTestLedger(t, Budget{}, time.Hour)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, l.Record(ctx, testEntry("req-a", "t1", "weather", now)))
	require.NoError(t, l.Record(ctx, testEntry("req-b", "t2", "weather", now)))

	entries, err := l.Recent(ctx, "t1", "weather", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "req-a", entries[0].RequestID)
}

func TestRecordAccumulatesWindow(t *testing.T) {
	l := openTestLedger(t, Budget{}, time.Hour)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, l.Record(ctx, testEntry("req-0", "t1", "weather", now)))
	require.NoError(t, l.Record(ctx, testEntry("req-1", "t1", "weather", now.Add(time.Second))))

	w, err := l.CurrentWindow(ctx, "t1", "weather")
	require.NoError(t, err)
	assert.Equal(t, int64(2), w.InvocationCount)
	assert.Equal(t, int64(256), w.EgressBytes)
	assert.Equal(t, int64(80), w.CPUTimeMS)
}

func TestAllowEnforcesInvocationBudget(t *testing.T) {
	l := openTestLedger(t, Budget{MaxInvocations: 2}, time.Hour)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, l.Allow(ctx, "t1", "weather"))
	require.NoError(t, l.Record(ctx, testEntry("req-0", "t1", "weather", now)))
	require.NoError(t, l.Allow(ctx, "t1", "weather"))
	require.NoError(t, l.Record(ctx, testEntry("req-1", "t1", "weather", now)))

	err := l.Allow(ctx, "t1", "weather")
	assert.Equal(t, bundle.KindQuotaExceeded, bundle.KindOf(err))

	// The budget is per tenant+extension, not global.
	assert.NoError(t, l.Allow(ctx, "t2", "weather"))
	assert.NoError(t, l.Allow(ctx, "t1", "alerts"))
}

func TestTenantBudgetOverridesDefault(t *testing.T) {
	l := openTestLedger(t, Budget{MaxInvocations: 10}, time.Hour)
	l.WithTenantBudgets(map[string]Budget{"t1": {MaxInvocations: 1}})
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, l.Record(ctx, testEntry("req-0", "t1", "weather", now)))
	require.NoError(t, l.Record(ctx, testEntry("req-1", "t2", "weather", now)))

	// t1's tighter budget is spent; t2 still runs on the default.
	err := l.Allow(ctx, "t1", "weather")
	assert.Equal(t, bundle.KindQuotaExceeded, bundle.KindOf(err))
	assert.NoError(t, l.Allow(ctx, "t2", "weather"))
}

func TestEgressBudget(t *testing.T) {
	l := openTestLedger(t, Budget{MaxEgressBytes: 200}, time.Hour)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, l.Record(ctx, testEntry("req-0", "t1", "weather", now)))
	require.NoError(t, l.Allow(ctx, "t1", "weather")) // 128 < 200
	require.NoError(t, l.Record(ctx, testEntry("req-1", "t1", "weather", now)))

	err := l.Allow(ctx, "t1", "weather") // 256 >= 200
	assert.Equal(t, bundle.KindQuotaExceeded, bundle.KindOf(err))
}

func TestWindowRollsOver(t *testing.T) {
	l := openTestLedger(t, Budget{MaxInvocations: 1}, time.Minute)
	ctx := context.Background()

	now := time.Date(2026, 3, 1, 12, 0, 30, 0, time.UTC)
	l.WithClock(func() time.Time { return now })

	require.NoError(t, l.Record(ctx, testEntry("req-0", "t1", "weather", now)))
	err := l.Allow(ctx, "t1", "weather")
	require.Equal(t, bundle.KindQuotaExceeded, bundle.KindOf(err))

	// Step past the window boundary: a fresh window, a fresh budget.
	now = now.Add(time.Minute)
	assert.NoError(t, l.Allow(ctx, "t1", "weather"))

	w, err := l.CurrentWindow(ctx, "t1", "weather")
	require.NoError(t, err)
	assert.Equal(t, int64(0), w.InvocationCount)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, StatusCompleted, StatusFor(nil))
	assert.Equal(t, StatusResourceExceeded, StatusFor(bundle.NewError(bundle.KindResourceExceeded, "x")))
	assert.Equal(t, StatusResourceExceeded, StatusFor(bundle.NewError(bundle.KindQuotaExceeded, "x")))
	assert.Equal(t, StatusDenied, StatusFor(bundle.NewError(bundle.KindCapabilityDenied, "x")))
	assert.Equal(t, StatusDenied, StatusFor(bundle.NewError(bundle.KindEgressDenied, "x")))
	assert.Equal(t, StatusFailed, StatusFor(bundle.NewError(bundle.KindHashMismatch, "x")))
}
