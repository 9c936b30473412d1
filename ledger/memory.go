// Package ledger provides UsageLedger implementations.
package ledger

import (
	"context"
	"sync"
	"time"

	keyrouter "github.com/ineyio/keyrouter"
)

// Memory is an in-memory UsageLedger. Each instance has its own lock, so
// attempts on different instances never contend.
type Memory struct {
	counters sync.Map // InstanceKey -> *counters
	now      func() time.Time
}

type counters struct {
	mu         sync.Mutex
	windows    [4]window // indexed by keyrouter.Window
	limits     keyrouter.Limits
	lastUsedAt time.Time
	removed    bool // set by Purge; holders must fetch a fresh entry
}

type window struct {
	used  int64
	start time.Time
}

var (
	_ keyrouter.UsageLedger  = (*Memory)(nil)
	_ keyrouter.LedgerPurger = (*Memory)(nil)
)

// Option configures Memory.
type Option func(*Memory)

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Memory) { m.now = now }
}

// NewMemory creates an empty in-memory ledger.
func NewMemory(opts ...Option) *Memory {
	m := &Memory{now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Memory) entry(key keyrouter.InstanceKey) *counters {
	if v, ok := m.counters.Load(key); ok {
		return v.(*counters)
	}
	now := m.now()
	c := &counters{}
	for i := range c.windows {
		c.windows[i].start = now
	}
	v, _ := m.counters.LoadOrStore(key, c)
	return v.(*counters)
}

// lock returns the live counters of inst with c.mu held.
func (m *Memory) lock(inst keyrouter.ModelInstance) *counters {
	for {
		c := m.entry(inst.Key)
		c.mu.Lock()
		if !c.removed {
			c.limits = inst.Limits
			return c
		}
		c.mu.Unlock()
	}
}

// RecordAttempt checks and reserves one unit in every window.
func (m *Memory) RecordAttempt(_ context.Context, inst keyrouter.ModelInstance) error {
	c := m.lock(inst)
	defer c.mu.Unlock()

	now := m.now()
	c.roll(inst.Limits, now)

	for _, w := range keyrouter.CheckOrder {
		limit := inst.Limits.Limit(w)
		if limit > 0 && c.windows[w].used >= limit {
			return &keyrouter.QuotaDeniedError{
				Key:     inst.Key,
				Window:  w,
				RetryAt: rollsAt(inst.Limits, w, c.windows[w].start),
			}
		}
	}

	for i := range c.windows {
		c.windows[i].used++
	}
	c.lastUsedAt = now
	return nil
}

// RecordResult adds the units consumed beyond the reservation to the total.
func (m *Memory) RecordResult(_ context.Context, inst keyrouter.ModelInstance, units int64) error {
	extra := keyrouter.ExtraUnits(inst.Limits, units)
	if extra == 0 {
		return nil
	}
	c := m.lock(inst)
	defer c.mu.Unlock()

	c.roll(inst.Limits, m.now())
	c.windows[keyrouter.WindowTotal].used += extra
	return nil
}

// Snapshot returns the counters as they would be seen by the next attempt.
// Expired windows are reported as empty but are not rolled.
func (m *Memory) Snapshot(_ context.Context, inst keyrouter.ModelInstance) (keyrouter.UsageSnapshot, error) {
	now := m.now()
	v, ok := m.counters.Load(inst.Key)
	if !ok {
		var snap keyrouter.UsageSnapshot
		for _, w := range keyrouter.CheckOrder {
			setWindow(&snap, w, keyrouter.UsageWindow{
				Limit:       inst.Limits.Limit(w),
				WindowStart: now,
				Duration:    inst.Limits.Period(w),
			})
		}
		return snap, nil
	}

	c := v.(*counters)
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := keyrouter.UsageSnapshot{LastUsedAt: c.lastUsedAt}
	for _, w := range keyrouter.CheckOrder {
		cur := c.windows[w]
		if expired(inst.Limits, w, cur.start, now) {
			cur = window{start: now}
		}
		setWindow(&snap, w, keyrouter.UsageWindow{
			Used:        cur.used,
			Limit:       inst.Limits.Limit(w),
			WindowStart: cur.start,
			Duration:    inst.Limits.Period(w),
		})
	}
	return snap, nil
}

// Purge drops counters that have not been used for idleFor and whose
// limited windows would all have rolled by now. A used, limited total that
// never resets is kept forever.
func (m *Memory) Purge(_ context.Context, idleFor time.Duration) (int, error) {
	now := m.now()
	cutoff := now.Add(-idleFor)
	n := 0
	m.counters.Range(func(k, v any) bool {
		c := v.(*counters)
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.removed || !c.lastUsedAt.Before(cutoff) || !c.disposable(now) {
			return true
		}
		if m.counters.CompareAndDelete(k, c) {
			c.removed = true
			n++
		}
		return true
	})
	return n, nil
}

// disposable reports whether a fresh entry would allow exactly what c
// allows.
func (c *counters) disposable(now time.Time) bool {
	for _, w := range keyrouter.CheckOrder {
		cur := c.windows[w]
		if cur.used == 0 || c.limits.Limit(w) == 0 {
			continue
		}
		d := c.limits.Period(w)
		if d <= 0 || now.Sub(cur.start) < d {
			return false
		}
	}
	return true
}

// roll resets every expired window. used and start change together under
// c.mu, so readers never observe one without the other.
func (c *counters) roll(limits keyrouter.Limits, now time.Time) {
	for _, w := range keyrouter.CheckOrder {
		if expired(limits, w, c.windows[w].start, now) {
			c.windows[w] = window{start: now}
		}
	}
}

func expired(limits keyrouter.Limits, w keyrouter.Window, start, now time.Time) bool {
	d := limits.Period(w)
	return d > 0 && now.Sub(start) >= d
}

func rollsAt(limits keyrouter.Limits, w keyrouter.Window, start time.Time) time.Time {
	d := limits.Period(w)
	if d <= 0 {
		return time.Time{}
	}
	return start.Add(d)
}

func setWindow(s *keyrouter.UsageSnapshot, w keyrouter.Window, uw keyrouter.UsageWindow) {
	switch w {
	case keyrouter.WindowTotal:
		s.Total = uw
	case keyrouter.WindowDay:
		s.Day = uw
	case keyrouter.WindowHour:
		s.Hour = uw
	case keyrouter.WindowMinute:
		s.Minute = uw
	}
}
