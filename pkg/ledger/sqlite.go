package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/alga-io/runner/pkg/bundle"
)

// Ledger records invocations and enforces per-window quota budgets.
type Ledger interface {
	// Record appends an execution log entry and increments the quota
	// window in the same transaction. Exactly one call per invocation.
	Record(ctx context.Context, e *Entry) error

	// Allow reports whether the tenant+extension still has budget in
	// the current window. The gateway calls this before dispatching,
	// so exhausted tenants never reach the engine.
	Allow(ctx context.Context, tenantID, extensionID string) error

	// CurrentWindow returns the live counters for a tenant+extension.
	CurrentWindow(ctx context.Context, tenantID, extensionID string) (*Window, error)

	// Recent returns the newest entries for an extension, audit use.
	Recent(ctx context.Context, tenantID, extensionID string, limit int) ([]*Entry, error)
}

// SQLiteLedger is the durable Ledger.
type SQLiteLedger struct {
	db            *sql.DB
	budget        Budget
	tenantBudgets map[string]Budget
	window        time.Duration
	clock         func() time.Time
}

// OpenSQLite opens (or creates) the ledger database at path and applies
// the schema. Pass ":memory:" for tests.
func OpenSQLite(path string, budget Budget, window time.Duration) (*SQLiteLedger, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("ledger: open %s: %w", path, err)
	}
	// SQLite handles one writer at a time; serialize through a single
	// connection instead of racing on SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	l := &SQLiteLedger{db: db, budget: budget, window: window, clock: time.Now}
	if l.window <= 0 {
		l.window = time.Hour
	}
	if err := l.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return l, nil
}

// WithClock overrides the clock for tests.
func (l *SQLiteLedger) WithClock(clock func() time.Time) *SQLiteLedger {
	l.clock = clock
	return l
}

// WithTenantBudgets overlays per-tenant window budgets from the
// execution profiles. Tenants without an entry keep the default.
func (l *SQLiteLedger) WithTenantBudgets(budgets map[string]Budget) *SQLiteLedger {
	l.tenantBudgets = budgets
	return l
}

func (l *SQLiteLedger) budgetFor(tenantID string) Budget {
	if b, ok := l.tenantBudgets[tenantID]; ok {
		return b
	}
	return l.budget
}

// Close releases the database handle.
func (l *SQLiteLedger) Close() error {
	return l.db.Close()
}

func (l *SQLiteLedger) migrate() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS execution_log (
		request_id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		extension_id TEXT NOT NULL,
		content_hash TEXT NOT NULL,
		started_at DATETIME NOT NULL,
		finished_at DATETIME NOT NULL,
		status TEXT NOT NULL,
		error_kind TEXT NOT NULL DEFAULT '',
		wall_time_ms INTEGER NOT NULL,
		memory_mb INTEGER NOT NULL,
		egress_bytes INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_execution_log_tenant
		ON execution_log (tenant_id, extension_id, started_at);

	CREATE TABLE IF NOT EXISTS quota_windows (
		tenant_id TEXT NOT NULL,
		extension_id TEXT NOT NULL,
		window_start DATETIME NOT NULL,
		cpu_time_ms INTEGER NOT NULL DEFAULT 0,
		memory_mb_ms INTEGER NOT NULL DEFAULT 0,
		invocation_count INTEGER NOT NULL DEFAULT 0,
		egress_bytes INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (tenant_id, extension_id, window_start)
	);`
	if _, err := l.db.ExecContext(context.Background(), schema); err != nil {
		return fmt.Errorf("ledger: apply schema: %w", err)
	}
	return nil
}

// windowStart truncates now to the rolling window boundary.
func (l *SQLiteLedger) windowStart(now time.Time) time.Time {
	return now.UTC().Truncate(l.window)
}

func (l *SQLiteLedger) Record(ctx context.Context, e *Entry) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("ledger: begin record: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO execution_log
			(request_id, tenant_id, extension_id, content_hash,
			 started_at, finished_at, status, error_kind,
			 wall_time_ms, memory_mb, egress_bytes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.RequestID, e.TenantID, e.ExtensionID, e.ContentHash,
		e.StartedAt.UTC(), e.FinishedAt.UTC(), string(e.Status), string(e.ErrorKind),
		e.Usage.WallTime.Milliseconds(), e.Usage.MemoryMB, e.Usage.EgressBytes)
	if err != nil {
		return fmt.Errorf("ledger: append entry: %w", err)
	}

	wallMS := e.Usage.WallTime.Milliseconds()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO quota_windows
			(tenant_id, extension_id, window_start,
			 cpu_time_ms, memory_mb_ms, invocation_count, egress_bytes)
		VALUES (?, ?, ?, ?, ?, 1, ?)
		ON CONFLICT (tenant_id, extension_id, window_start) DO UPDATE SET
			cpu_time_ms = cpu_time_ms + excluded.cpu_time_ms,
			memory_mb_ms = memory_mb_ms + excluded.memory_mb_ms,
			invocation_count = invocation_count + 1,
			egress_bytes = egress_bytes + excluded.egress_bytes
	`, e.TenantID, e.ExtensionID, l.windowStart(e.FinishedAt),
		wallMS, e.Usage.MemoryMB*wallMS, e.Usage.EgressBytes)
	if err != nil {
		return fmt.Errorf("ledger: increment window: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("ledger: commit record: %w", err)
	}
	return nil
}

func (l *SQLiteLedger) Allow(ctx context.Context, tenantID, extensionID string) error {
	w, err := l.CurrentWindow(ctx, tenantID, extensionID)
	if err != nil {
		return err
	}
	if l.budgetFor(tenantID).Exceeded(w) {
		return bundle.NewError(bundle.KindQuotaExceeded,
			fmt.Sprintf("tenant %s extension %s exhausted its window budget", tenantID, extensionID))
	}
	return nil
}

func (l *SQLiteLedger) CurrentWindow(ctx context.Context, tenantID, extensionID string) (*Window, error) {
	start := l.windowStart(l.clock())
	w := &Window{TenantID: tenantID, ExtensionID: extensionID, WindowStart: start}

	err := l.db.QueryRowContext(ctx, `
		SELECT cpu_time_ms, memory_mb_ms, invocation_count, egress_bytes
		FROM quota_windows
		WHERE tenant_id = ? AND extension_id = ? AND window_start = ?
	`, tenantID, extensionID, start).Scan(
		&w.CPUTimeMS, &w.MemoryMBMS, &w.InvocationCount, &w.EgressBytes)
	if err == sql.ErrNoRows {
		return w, nil // fresh window, zero counters
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: read window: %w", err)
	}
	return w, nil
}

func (l *SQLiteLedger) Recent(ctx context.Context, tenantID, extensionID string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.db.QueryContext(ctx, `
		SELECT request_id, tenant_id, extension_id, content_hash,
		       started_at, finished_at, status, error_kind,
		       wall_time_ms, memory_mb, egress_bytes
		FROM execution_log
		WHERE tenant_id = ? AND extension_id = ?
		ORDER BY started_at DESC
		LIMIT ?
	`, tenantID, extensionID, limit)
	if err != nil {
		return nil, fmt.Errorf("ledger: query recent: %w", err)
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		var (
			e      Entry
			status string
			kind   string
			wallMS int64
		)
		if err := rows.Scan(&e.RequestID, &e.TenantID, &e.ExtensionID, &e.ContentHash,
			&e.StartedAt, &e.FinishedAt, &status, &kind,
			&wallMS, &e.Usage.MemoryMB, &e.Usage.EgressBytes); err != nil {
			return nil, fmt.Errorf("ledger: scan entry: %w", err)
		}
		e.Status = Status(status)
		e.ErrorKind = bundle.Kind(kind)
		e.Usage.WallTime = time.Duration(wallMS) * time.Millisecond
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: iterate entries: %w", err)
	}
	return out, nil
}
