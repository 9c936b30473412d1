// Package redis provides a Redis-backed UsageLedger.
//
// Counters live in one Redis hash per instance and are checked and reserved
// by a single Lua script, which makes the ledger safe to share between
// several router processes.
package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	keyrouter "github.com/ineyio/keyrouter"
)

// Ledger is a Redis-backed UsageLedger.
type Ledger struct {
	client    goredis.Cmdable
	keyPrefix string
	idleTTL   time.Duration
	now       func() time.Time
}

var _ keyrouter.UsageLedger = (*Ledger)(nil)

// Option configures Ledger.
type Option func(*Ledger)

// WithKeyPrefix sets the Redis key prefix (default "keyrouter:ledger:").
func WithKeyPrefix(prefix string) Option {
	return func(l *Ledger) { l.keyPrefix = prefix }
}

// WithIdleTTL expires the counters of an instance after it has been idle
// for d, or after its longest limited window when that is longer. Counters
// of a limited total that never resets do not expire. Zero keeps them
// forever.
func WithIdleTTL(d time.Duration) Option {
	return func(l *Ledger) { l.idleTTL = d }
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// New creates a new Redis-backed ledger.
// The client must be a connected *goredis.Client or *goredis.ClusterClient.
func New(client goredis.Cmdable, opts ...Option) *Ledger {
	l := &Ledger{
		client:    client,
		keyPrefix: "keyrouter:ledger:",
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Ledger) key(k keyrouter.InstanceKey) string {
	return l.keyPrefix + k.CredentialID + "/" + k.Model
}

// attemptScript rolls expired windows, checks every window in order and
// reserves one unit in all of them when none is full.
// KEYS[1] = instance hash key
// ARGV[1] = now (unix ms)
// ARGV[2] = idle ttl (ms, 0 = none)
// ARGV[3..10] = limit, period (ms) for total, rpd, rph, rpm
//
// Returns {1} when allowed, {0, window, retry_at_ms} when denied.
var attemptScript = goredis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])
local denied = -1
local retry_at = 0

for i = 0, 3 do
    local limit = tonumber(ARGV[3 + i * 2])
    local period = tonumber(ARGV[4 + i * 2])
    local used = tonumber(redis.call("HGET", key, "used_" .. i) or "0")
    local start = tonumber(redis.call("HGET", key, "start_" .. i) or tostring(now))
    if period > 0 and now - start >= period then
        used = 0
        start = now
    end
    redis.call("HSET", key, "used_" .. i, used, "start_" .. i, start)
    if denied < 0 and limit > 0 and used >= limit then
        denied = i
        if period > 0 then
            retry_at = start + period
        end
    end
end

if denied >= 0 then
    return {0, denied, retry_at}
end

for i = 0, 3 do
    redis.call("HINCRBY", key, "used_" .. i, 1)
end
redis.call("HSET", key, "last_used", now)
if ttl > 0 then
    if tonumber(ARGV[3]) > 0 and tonumber(ARGV[4]) == 0 then
        -- a limited total that never resets must outlive any idle period
        redis.call("PERSIST", key)
    else
        local keep = ttl
        for i = 0, 3 do
            local period = tonumber(ARGV[4 + i * 2])
            if tonumber(ARGV[3 + i * 2]) > 0 and period > keep then
                keep = period
            end
        end
        redis.call("PEXPIRE", key, keep)
    end
end
return {1}
`)

// resultScript adds token usage to the total counter.
// KEYS[1] = instance hash key
// ARGV[1] = now (unix ms)
// ARGV[2] = total period (ms, 0 = never rolls)
// ARGV[3] = extra units
var resultScript = goredis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local period = tonumber(ARGV[2])
local start = tonumber(redis.call("HGET", key, "start_0") or tostring(now))
if period > 0 and now - start >= period then
    redis.call("HSET", key, "used_0", 0, "start_0", now)
end
redis.call("HINCRBY", key, "used_0", tonumber(ARGV[3]))
return 1
`)

// RecordAttempt checks and reserves one unit in every window.
func (l *Ledger) RecordAttempt(ctx context.Context, inst keyrouter.ModelInstance) error {
	now := l.now()
	args := []any{now.UnixMilli(), l.idleTTL.Milliseconds()}
	for _, w := range keyrouter.CheckOrder {
		args = append(args, inst.Limits.Limit(w), inst.Limits.Period(w).Milliseconds())
	}

	res, err := attemptScript.Run(ctx, l.client, []string{l.key(inst.Key)}, args...).Int64Slice()
	if err != nil {
		return fmt.Errorf("keyrouter/redis: record attempt: %w", err)
	}
	if len(res) == 0 {
		return fmt.Errorf("keyrouter/redis: empty attempt result")
	}
	if res[0] == 1 {
		return nil
	}
	if len(res) != 3 {
		return fmt.Errorf("keyrouter/redis: unexpected attempt result: %v", res)
	}

	denied := &keyrouter.QuotaDeniedError{Key: inst.Key, Window: keyrouter.Window(res[1])}
	if res[2] > 0 {
		denied.RetryAt = time.UnixMilli(res[2])
	}
	return denied
}

// RecordResult adds the units consumed beyond the reservation to the total.
func (l *Ledger) RecordResult(ctx context.Context, inst keyrouter.ModelInstance, units int64) error {
	extra := keyrouter.ExtraUnits(inst.Limits, units)
	if extra == 0 {
		return nil
	}
	_, err := resultScript.Run(ctx, l.client, []string{l.key(inst.Key)},
		l.now().UnixMilli(), inst.Limits.Period(keyrouter.WindowTotal).Milliseconds(), extra,
	).Result()
	if err != nil {
		return fmt.Errorf("keyrouter/redis: record result: %w", err)
	}
	return nil
}

// Snapshot reads the counters without writing. Expired windows are
// reported as empty.
func (l *Ledger) Snapshot(ctx context.Context, inst keyrouter.ModelInstance) (keyrouter.UsageSnapshot, error) {
	vals, err := l.client.HGetAll(ctx, l.key(inst.Key)).Result()
	if err != nil {
		return keyrouter.UsageSnapshot{}, fmt.Errorf("keyrouter/redis: snapshot: %w", err)
	}

	now := l.now()
	var snap keyrouter.UsageSnapshot
	if ms := parseInt(vals["last_used"]); ms > 0 {
		snap.LastUsedAt = time.UnixMilli(ms)
	}

	for _, w := range keyrouter.CheckOrder {
		idx := strconv.Itoa(int(w))
		used := parseInt(vals["used_"+idx])
		start := now
		if ms := parseInt(vals["start_"+idx]); ms > 0 {
			start = time.UnixMilli(ms)
		}
		period := inst.Limits.Period(w)
		if period > 0 && now.Sub(start) >= period {
			used, start = 0, now
		}
		uw := keyrouter.UsageWindow{
			Used:        used,
			Limit:       inst.Limits.Limit(w),
			WindowStart: start,
			Duration:    period,
		}
		switch w {
		case keyrouter.WindowTotal:
			snap.Total = uw
		case keyrouter.WindowDay:
			snap.Day = uw
		case keyrouter.WindowHour:
			snap.Hour = uw
		case keyrouter.WindowMinute:
			snap.Minute = uw
		}
	}
	return snap, nil
}

func parseInt(s string) int64 {
	v, _ := strconv.ParseInt(s, 10, 64)
	return v
}
