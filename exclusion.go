package keyrouter

import (
	"sort"
	"sync"
	"time"
)

const (
	defaultBackoffBase    = 30 * time.Second
	defaultBackoffCeiling = 30 * time.Minute
)

// ExclusionRecord is the quarantine state of an instance.
type ExclusionRecord struct {
	Key         InstanceKey `json:"key"`
	Reason      FailureKind `json:"reason"`
	ExcludedAt  time.Time   `json:"excluded_at"`
	RetryAt     time.Time   `json:"retry_at"`
	RetryCount  int         `json:"retry_count"`
	LastRetryAt time.Time   `json:"last_retry_at,omitempty"`
}

// Backoff returns the cooldown for the n-th consecutive exclusion (n >= 1).
type Backoff func(n int) time.Duration

// ExponentialBackoff doubles base on every retry, capped at ceiling.
func ExponentialBackoff(base, ceiling time.Duration) Backoff {
	return func(n int) time.Duration {
		if n < 1 {
			n = 1
		}
		d := base
		for i := 1; i < n; i++ {
			d *= 2
			if d >= ceiling {
				return ceiling
			}
		}
		if d > ceiling {
			return ceiling
		}
		return d
	}
}

// ExclusionManager quarantines instances after quota or rate-limit failures.
// Records are only cleared by a success (MaybeRecover) or an explicit
// ClearExclusion, never by time passing.
type ExclusionManager struct {
	entries sync.Map // InstanceKey -> *exclusionEntry
	backoff Backoff
	now     func() time.Time
}

type exclusionEntry struct {
	mu     sync.Mutex
	rec    ExclusionRecord
	active bool
}

// ExclusionOption configures an ExclusionManager.
type ExclusionOption func(*ExclusionManager)

// WithBackoff sets the backoff curve.
func WithBackoff(b Backoff) ExclusionOption {
	return func(m *ExclusionManager) { m.backoff = b }
}

// WithExclusionClock sets the time source.
func WithExclusionClock(now func() time.Time) ExclusionOption {
	return func(m *ExclusionManager) { m.now = now }
}

// NewExclusionManager creates an ExclusionManager.
func NewExclusionManager(opts ...ExclusionOption) *ExclusionManager {
	m := &ExclusionManager{
		backoff: ExponentialBackoff(defaultBackoffBase, defaultBackoffCeiling),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// IsExcluded reports whether the instance is still cooling down.
func (m *ExclusionManager) IsExcluded(key InstanceKey) bool {
	_, excluded := m.RetryAt(key)
	return excluded
}

// RetryAt returns the end of the cooldown and whether it is still running.
func (m *ExclusionManager) RetryAt(key InstanceKey) (time.Time, bool) {
	v, ok := m.entries.Load(key)
	if !ok {
		return time.Time{}, false
	}
	e := v.(*exclusionEntry)
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.active {
		return time.Time{}, false
	}
	return e.rec.RetryAt, m.now().Before(e.rec.RetryAt)
}

// Exclude creates or extends the exclusion of an instance.
func (m *ExclusionManager) Exclude(key InstanceKey, reason FailureKind) ExclusionRecord {
	v, _ := m.entries.LoadOrStore(key, &exclusionEntry{})
	e := v.(*exclusionEntry)
	e.mu.Lock()
	defer e.mu.Unlock()

	now := m.now()
	if e.active {
		e.rec.LastRetryAt = e.rec.ExcludedAt
	} else {
		e.rec = ExclusionRecord{Key: key}
	}
	e.active = true
	e.rec.Reason = reason
	e.rec.RetryCount++
	e.rec.ExcludedAt = now
	e.rec.RetryAt = now.Add(m.backoff(e.rec.RetryCount))
	return e.rec
}

// MaybeRecover clears the record after a successful call. It reports whether
// a record existed.
func (m *ExclusionManager) MaybeRecover(key InstanceKey) bool {
	v, ok := m.entries.Load(key)
	if !ok {
		return false
	}
	e := v.(*exclusionEntry)
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.active {
		return false
	}
	e.active = false
	e.rec = ExclusionRecord{}
	return true
}

// ClearExclusion drops a record on operator request.
func (m *ExclusionManager) ClearExclusion(key InstanceKey) bool {
	return m.MaybeRecover(key)
}

// Record returns the record of an instance, if any.
func (m *ExclusionManager) Record(key InstanceKey) (ExclusionRecord, bool) {
	v, ok := m.entries.Load(key)
	if !ok {
		return ExclusionRecord{}, false
	}
	e := v.(*exclusionEntry)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rec, e.active
}

// Records returns every standing record, ordered by RetryAt.
func (m *ExclusionManager) Records() []ExclusionRecord {
	var out []ExclusionRecord
	m.entries.Range(func(_, v any) bool {
		e := v.(*exclusionEntry)
		e.mu.Lock()
		if e.active {
			out = append(out, e.rec)
		}
		e.mu.Unlock()
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].RetryAt.Before(out[j].RetryAt) })
	return out
}
