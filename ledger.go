package keyrouter

import (
	"context"
	"time"
)

// UsageLedger keeps the per-instance window counters.
type UsageLedger interface {
	// RecordAttempt checks total, RPD, RPH and RPM in that order and, when
	// every window has room, reserves one unit in each of them and stamps
	// LastUsedAt. It returns nil when allowed and a *QuotaDeniedError
	// otherwise.
	RecordAttempt(ctx context.Context, inst ModelInstance) error

	// RecordResult records the outcome of a provider call that succeeded.
	// The reservation already counted one unit against the total quota, so
	// only units-1 are added.
	RecordResult(ctx context.Context, inst ModelInstance, units int64) error

	// Snapshot returns the counters for an instance without mutating them.
	Snapshot(ctx context.Context, inst ModelInstance) (UsageSnapshot, error)
}

// LedgerPurger is implemented by ledgers that can drop idle counters.
type LedgerPurger interface {
	Purge(ctx context.Context, idleFor time.Duration) (int, error)
}

// ExtraUnits returns how many units RecordResult adds on top of the
// reservation.
func ExtraUnits(limits Limits, units int64) int64 {
	if limits.Unit != QuotaTokens || units <= 1 {
		return 0
	}
	return units - 1
}
