//go:build integration

package postgres_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	keyrouter "github.com/ineyio/keyrouter"
	ledgerpg "github.com/ineyio/keyrouter/ledger/postgres"
)

func newTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		dsn = "postgres://localhost:5432/keyrouter_test?sslmode=disable"
	}
	pool, err := pgxpool.New(context.Background(), dsn)
	if err != nil {
		t.Fatalf("pgxpool: %v", err)
	}
	if err := pool.Ping(context.Background()); err != nil {
		t.Fatalf("postgres not available: %v", err)
	}
	t.Cleanup(func() { pool.Close() })
	return pool
}

func newTestLedger(t *testing.T, pool *pgxpool.Pool, opts ...ledgerpg.Option) *ledgerpg.Ledger {
	t.Helper()
	// Use a unique prefix per test to avoid collisions.
	prefix := fmt.Sprintf("test_%s_", strings.ToLower(t.Name()))
	l := ledgerpg.New(pool, append([]ledgerpg.Option{ledgerpg.WithTablePrefix(prefix)}, opts...)...)

	ctx := context.Background()
	if err := l.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	t.Cleanup(func() {
		pool.Exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %susage", prefix))
	})
	return l
}

func testInstance(limits keyrouter.Limits) keyrouter.ModelInstance {
	return keyrouter.ModelInstance{
		Key:     keyrouter.InstanceKey{CredentialID: "cred-1", Model: "model-a"},
		Enabled: true,
		Limits:  limits,
	}
}

func TestRecordAttemptAndSnapshot(t *testing.T) {
	l := newTestLedger(t, newTestPool(t))
	ctx := context.Background()
	inst := testInstance(keyrouter.Limits{RPM: 10})

	for i := 0; i < 4; i++ {
		if err := l.RecordAttempt(ctx, inst); err != nil {
			t.Fatalf("attempt %d: %v", i, err)
		}
	}

	snap, err := l.Snapshot(ctx, inst)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.Minute.Used != 4 || snap.Hour.Used != 4 || snap.Total.Used != 4 {
		t.Fatalf("unexpected counters: %+v", snap)
	}
}

func TestRecordAttemptDenied(t *testing.T) {
	l := newTestLedger(t, newTestPool(t))
	ctx := context.Background()
	inst := testInstance(keyrouter.Limits{RPD: 2})

	for i := 0; i < 2; i++ {
		if err := l.RecordAttempt(ctx, inst); err != nil {
			t.Fatalf("attempt %d: %v", i, err)
		}
	}

	err := l.RecordAttempt(ctx, inst)
	var denied *keyrouter.QuotaDeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("expected QuotaDeniedError, got %v", err)
	}
	if denied.Window != keyrouter.WindowDay {
		t.Fatalf("expected rpd denial, got %s", denied.Window)
	}

	snap, err := l.Snapshot(ctx, inst)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.Day.Used != 2 {
		t.Fatalf("denied attempt must not reserve, got used=%d", snap.Day.Used)
	}
}

func TestWindowRoll(t *testing.T) {
	now := time.Now().UTC()
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	l := newTestLedger(t, newTestPool(t), ledgerpg.WithClock(clock))
	ctx := context.Background()
	inst := testInstance(keyrouter.Limits{RPM: 1})

	if err := l.RecordAttempt(ctx, inst); err != nil {
		t.Fatalf("attempt: %v", err)
	}
	if err := l.RecordAttempt(ctx, inst); err == nil {
		t.Fatal("expected denial")
	}

	mu.Lock()
	now = now.Add(time.Minute)
	mu.Unlock()

	if err := l.RecordAttempt(ctx, inst); err != nil {
		t.Fatalf("expected attempt after roll, got %v", err)
	}
}

func TestConcurrentAttemptsNoOverAllocation(t *testing.T) {
	l := newTestLedger(t, newTestPool(t))
	ctx := context.Background()
	inst := testInstance(keyrouter.Limits{RPM: 10})

	var wg sync.WaitGroup
	var successCount atomic.Int64

	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := l.RecordAttempt(ctx, inst); err == nil {
				successCount.Add(1)
			}
		}()
	}

	wg.Wait()

	if successCount.Load() != 10 {
		t.Fatalf("expected exactly 10 successful attempts, got %d", successCount.Load())
	}
}

func TestPurge(t *testing.T) {
	l := newTestLedger(t, newTestPool(t))
	ctx := context.Background()
	inst := testInstance(keyrouter.Limits{})

	if err := l.RecordAttempt(ctx, inst); err != nil {
		t.Fatalf("attempt: %v", err)
	}

	n, err := l.Purge(ctx, time.Hour)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected nothing purged, got %d", n)
	}

	n, err = l.Purge(ctx, -time.Hour)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 purged, got %d", n)
	}
}

func TestPurgeKeepsExhaustedTotal(t *testing.T) {
	now := time.Now().UTC()
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	l := newTestLedger(t, newTestPool(t), ledgerpg.WithClock(clock))
	ctx := context.Background()
	inst := testInstance(keyrouter.Limits{Total: 2})

	for i := 0; i < 2; i++ {
		if err := l.RecordAttempt(ctx, inst); err != nil {
			t.Fatalf("attempt %d: %v", i, err)
		}
	}
	if err := l.RecordAttempt(ctx, inst); !errors.Is(err, keyrouter.ErrQuotaDenied) {
		t.Fatalf("expected denial, got %v", err)
	}

	mu.Lock()
	now = now.Add(49 * time.Hour)
	mu.Unlock()

	n, err := l.Purge(ctx, 48*time.Hour)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if n != 0 {
		t.Fatalf("exhausted total must not be purged, got %d", n)
	}
	if err := l.RecordAttempt(ctx, inst); !errors.Is(err, keyrouter.ErrQuotaDenied) {
		t.Fatalf("total quota must stay exhausted, got %v", err)
	}
}

func TestPurgeWaitsForLimitedDayWindow(t *testing.T) {
	now := time.Now().UTC()
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	l := newTestLedger(t, newTestPool(t), ledgerpg.WithClock(clock))
	ctx := context.Background()
	inst := testInstance(keyrouter.Limits{RPD: 1})

	if err := l.RecordAttempt(ctx, inst); err != nil {
		t.Fatalf("attempt: %v", err)
	}

	mu.Lock()
	now = now.Add(2 * time.Hour)
	mu.Unlock()
	n, err := l.Purge(ctx, time.Hour)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if n != 0 {
		t.Fatalf("day window still holds usage, got %d purged", n)
	}

	mu.Lock()
	now = now.Add(24 * time.Hour)
	mu.Unlock()
	n, err = l.Purge(ctx, time.Hour)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 purged, got %d", n)
	}
}
