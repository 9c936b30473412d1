// Package postgres provides a PostgreSQL-backed UsageLedger.
//
// Every instance has one row holding all of its window counters. Attempts
// lock that row (SELECT ... FOR UPDATE) so concurrent routers, in one or
// many processes, never reserve past a limit. Counters survive restarts.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	keyrouter "github.com/ineyio/keyrouter"
)

// Ledger is a PostgreSQL-backed UsageLedger.
type Ledger struct {
	pool        *pgxpool.Pool
	tablePrefix string
	now         func() time.Time
}

var (
	_ keyrouter.UsageLedger  = (*Ledger)(nil)
	_ keyrouter.LedgerPurger = (*Ledger)(nil)
)

// Option configures Ledger.
type Option func(*Ledger)

// WithTablePrefix sets the table name prefix (default "keyrouter_").
func WithTablePrefix(prefix string) Option {
	return func(l *Ledger) { l.tablePrefix = prefix }
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// New creates a new PostgreSQL-backed ledger.
func New(pool *pgxpool.Pool, opts ...Option) *Ledger {
	l := &Ledger{
		pool:        pool,
		tablePrefix: "keyrouter_",
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Ledger) usageTable() string { return l.tablePrefix + "usage" }

// EnsureSchema creates the required tables if they don't exist.
func (l *Ledger) EnsureSchema(ctx context.Context) error {
	q := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			credential_id TEXT NOT NULL,
			model TEXT NOT NULL,
			used_total BIGINT NOT NULL DEFAULT 0,
			start_total TIMESTAMPTZ NOT NULL,
			used_day BIGINT NOT NULL DEFAULT 0,
			start_day TIMESTAMPTZ NOT NULL,
			used_hour BIGINT NOT NULL DEFAULT 0,
			start_hour TIMESTAMPTZ NOT NULL,
			used_minute BIGINT NOT NULL DEFAULT 0,
			start_minute TIMESTAMPTZ NOT NULL,
			last_used_at TIMESTAMPTZ,
			limit_total BIGINT NOT NULL DEFAULT 0,
			limit_day BIGINT NOT NULL DEFAULT 0,
			limit_hour BIGINT NOT NULL DEFAULT 0,
			limit_minute BIGINT NOT NULL DEFAULT 0,
			total_reset_ms BIGINT NOT NULL DEFAULT 0,
			PRIMARY KEY (credential_id, model)
		);
		ALTER TABLE %[1]s ADD COLUMN IF NOT EXISTS limit_total BIGINT NOT NULL DEFAULT 0;
		ALTER TABLE %[1]s ADD COLUMN IF NOT EXISTS limit_day BIGINT NOT NULL DEFAULT 0;
		ALTER TABLE %[1]s ADD COLUMN IF NOT EXISTS limit_hour BIGINT NOT NULL DEFAULT 0;
		ALTER TABLE %[1]s ADD COLUMN IF NOT EXISTS limit_minute BIGINT NOT NULL DEFAULT 0;
		ALTER TABLE %[1]s ADD COLUMN IF NOT EXISTS total_reset_ms BIGINT NOT NULL DEFAULT 0;
	`, l.usageTable())
	_, err := l.pool.Exec(ctx, q)
	if err != nil {
		return fmt.Errorf("keyrouter/postgres: ensure schema: %w", err)
	}
	return nil
}

// usageRow mirrors one row; slices are indexed by keyrouter.Window.
type usageRow struct {
	used       [4]int64
	start      [4]time.Time
	lastUsedAt *time.Time
}

func (r *usageRow) roll(limits keyrouter.Limits, now time.Time) {
	for _, w := range keyrouter.CheckOrder {
		p := limits.Period(w)
		if p > 0 && now.Sub(r.start[w]) >= p {
			r.used[w] = 0
			r.start[w] = now
		}
	}
}

// locked runs fn on the row of inst inside a transaction holding its lock
// and writes the row back when fn returns. The returned error of fn is
// passed through after commit.
func (l *Ledger) locked(ctx context.Context, inst keyrouter.ModelInstance, fn func(r *usageRow, now time.Time) error) error {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("keyrouter/postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	now := l.now().UTC()

	_, err = tx.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (credential_id, model, start_total, start_day, start_hour, start_minute)
			VALUES ($1, $2, $3, $3, $3, $3)
			ON CONFLICT (credential_id, model) DO NOTHING`, l.usageTable()),
		inst.Key.CredentialID, inst.Key.Model, now,
	)
	if err != nil {
		return fmt.Errorf("keyrouter/postgres: init row: %w", err)
	}

	var r usageRow
	err = tx.QueryRow(ctx,
		fmt.Sprintf(`SELECT used_total, start_total, used_day, start_day, used_hour, start_hour,
				used_minute, start_minute, last_used_at
			FROM %s WHERE credential_id = $1 AND model = $2 FOR UPDATE`, l.usageTable()),
		inst.Key.CredentialID, inst.Key.Model,
	).Scan(
		&r.used[keyrouter.WindowTotal], &r.start[keyrouter.WindowTotal],
		&r.used[keyrouter.WindowDay], &r.start[keyrouter.WindowDay],
		&r.used[keyrouter.WindowHour], &r.start[keyrouter.WindowHour],
		&r.used[keyrouter.WindowMinute], &r.start[keyrouter.WindowMinute],
		&r.lastUsedAt,
	)
	if err != nil {
		return fmt.Errorf("keyrouter/postgres: lock row: %w", err)
	}

	r.roll(inst.Limits, now)
	fnErr := fn(&r, now)

	_, err = tx.Exec(ctx,
		fmt.Sprintf(`UPDATE %s SET used_total = $3, start_total = $4, used_day = $5, start_day = $6,
				used_hour = $7, start_hour = $8, used_minute = $9, start_minute = $10, last_used_at = $11,
				limit_total = $12, limit_day = $13, limit_hour = $14, limit_minute = $15, total_reset_ms = $16
			WHERE credential_id = $1 AND model = $2`, l.usageTable()),
		inst.Key.CredentialID, inst.Key.Model,
		r.used[keyrouter.WindowTotal], r.start[keyrouter.WindowTotal],
		r.used[keyrouter.WindowDay], r.start[keyrouter.WindowDay],
		r.used[keyrouter.WindowHour], r.start[keyrouter.WindowHour],
		r.used[keyrouter.WindowMinute], r.start[keyrouter.WindowMinute],
		r.lastUsedAt,
		inst.Limits.Total, inst.Limits.RPD, inst.Limits.RPH, inst.Limits.RPM,
		inst.Limits.TotalResetEvery.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("keyrouter/postgres: update row: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("keyrouter/postgres: commit: %w", err)
	}
	return fnErr
}

// RecordAttempt checks and reserves one unit in every window.
func (l *Ledger) RecordAttempt(ctx context.Context, inst keyrouter.ModelInstance) error {
	return l.locked(ctx, inst, func(r *usageRow, now time.Time) error {
		for _, w := range keyrouter.CheckOrder {
			limit := inst.Limits.Limit(w)
			if limit > 0 && r.used[w] >= limit {
				denied := &keyrouter.QuotaDeniedError{Key: inst.Key, Window: w}
				if p := inst.Limits.Period(w); p > 0 {
					denied.RetryAt = r.start[w].Add(p)
				}
				return denied
			}
		}
		for i := range r.used {
			r.used[i]++
		}
		r.lastUsedAt = &now
		return nil
	})
}

// RecordResult adds the units consumed beyond the reservation to the total.
func (l *Ledger) RecordResult(ctx context.Context, inst keyrouter.ModelInstance, units int64) error {
	extra := keyrouter.ExtraUnits(inst.Limits, units)
	if extra == 0 {
		return nil
	}
	return l.locked(ctx, inst, func(r *usageRow, _ time.Time) error {
		r.used[keyrouter.WindowTotal] += extra
		return nil
	})
}

// Snapshot reads the counters without locking or writing.
func (l *Ledger) Snapshot(ctx context.Context, inst keyrouter.ModelInstance) (keyrouter.UsageSnapshot, error) {
	now := l.now().UTC()

	var r usageRow
	err := l.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT used_total, start_total, used_day, start_day, used_hour, start_hour,
				used_minute, start_minute, last_used_at
			FROM %s WHERE credential_id = $1 AND model = $2`, l.usageTable()),
		inst.Key.CredentialID, inst.Key.Model,
	).Scan(
		&r.used[keyrouter.WindowTotal], &r.start[keyrouter.WindowTotal],
		&r.used[keyrouter.WindowDay], &r.start[keyrouter.WindowDay],
		&r.used[keyrouter.WindowHour], &r.start[keyrouter.WindowHour],
		&r.used[keyrouter.WindowMinute], &r.start[keyrouter.WindowMinute],
		&r.lastUsedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		for i := range r.start {
			r.start[i] = now
		}
	} else if err != nil {
		return keyrouter.UsageSnapshot{}, fmt.Errorf("keyrouter/postgres: snapshot: %w", err)
	}

	r.roll(inst.Limits, now)

	window := func(w keyrouter.Window) keyrouter.UsageWindow {
		return keyrouter.UsageWindow{
			Used:        r.used[w],
			Limit:       inst.Limits.Limit(w),
			WindowStart: r.start[w],
			Duration:    inst.Limits.Period(w),
		}
	}
	snap := keyrouter.UsageSnapshot{
		Minute: window(keyrouter.WindowMinute),
		Hour:   window(keyrouter.WindowHour),
		Day:    window(keyrouter.WindowDay),
		Total:  window(keyrouter.WindowTotal),
	}
	if r.lastUsedAt != nil {
		snap.LastUsedAt = *r.lastUsedAt
	}
	return snap, nil
}

// Purge removes rows that have not been used for idleFor and whose limited
// windows would all have rolled by now. A used, limited total that never
// resets is kept forever. The limits are the ones last written by an
// attempt or result.
func (l *Ledger) Purge(ctx context.Context, idleFor time.Duration) (int, error) {
	now := l.now().UTC()
	tag, err := l.pool.Exec(ctx,
		fmt.Sprintf(`DELETE FROM %s
			WHERE (last_used_at IS NULL OR last_used_at < $1::timestamptz)
			AND (used_total = 0 OR limit_total = 0
				OR (total_reset_ms > 0 AND start_total + total_reset_ms * interval '1 millisecond' <= $2::timestamptz))
			AND (used_day = 0 OR limit_day = 0 OR start_day <= $2::timestamptz - interval '1 day')
			AND (used_hour = 0 OR limit_hour = 0 OR start_hour <= $2::timestamptz - interval '1 hour')
			AND (used_minute = 0 OR limit_minute = 0 OR start_minute <= $2::timestamptz - interval '1 minute')`,
			l.usageTable()),
		now.Add(-idleFor), now,
	)
	if err != nil {
		return 0, fmt.Errorf("keyrouter/postgres: purge: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
