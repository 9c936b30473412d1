package keyrouter_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kr "github.com/ineyio/keyrouter"
)

func TestExponentialBackoff(t *testing.T) {
	b := kr.ExponentialBackoff(30*time.Second, 30*time.Minute)
	assert.Equal(t, 30*time.Second, b(0))
	assert.Equal(t, 30*time.Second, b(1))
	assert.Equal(t, time.Minute, b(2))
	assert.Equal(t, 2*time.Minute, b(3))
	assert.Equal(t, 16*time.Minute, b(6))
	assert.Equal(t, 30*time.Minute, b(7))
	assert.Equal(t, 30*time.Minute, b(100))
}

func TestExclusionManager_Lifecycle(t *testing.T) {
	clock := newFakeClock()
	m := kr.NewExclusionManager(kr.WithExclusionClock(clock.Now))
	k := key("k1")

	assert.False(t, m.IsExcluded(k))
	assert.False(t, m.MaybeRecover(k))

	rec := m.Exclude(k, kr.FailureRateLimited)
	assert.Equal(t, 1, rec.RetryCount)
	assert.Equal(t, clock.Now(), rec.ExcludedAt)
	assert.Equal(t, clock.Now().Add(30*time.Second), rec.RetryAt)
	assert.True(t, m.IsExcluded(k))

	clock.Advance(30 * time.Second)
	assert.False(t, m.IsExcluded(k), "eligible again once RetryAt has passed")
	_, standing := m.Record(k)
	assert.True(t, standing, "the record stays until a success")

	first := rec.ExcludedAt
	rec = m.Exclude(k, kr.FailureQuotaExceeded)
	assert.Equal(t, 2, rec.RetryCount)
	assert.Equal(t, kr.FailureQuotaExceeded, rec.Reason)
	assert.Equal(t, first, rec.LastRetryAt)
	assert.Equal(t, clock.Now().Add(time.Minute), rec.RetryAt)

	assert.True(t, m.MaybeRecover(k))
	assert.False(t, m.IsExcluded(k))
	_, standing = m.Record(k)
	assert.False(t, standing)

	// A fresh exclusion starts the curve again.
	rec = m.Exclude(k, kr.FailureRateLimited)
	assert.Equal(t, 1, rec.RetryCount)
}

func TestExclusionManager_Records(t *testing.T) {
	clock := newFakeClock()
	m := kr.NewExclusionManager(
		kr.WithExclusionClock(clock.Now),
		kr.WithBackoff(func(n int) time.Duration { return time.Duration(n) * time.Minute }),
	)

	m.Exclude(key("k1"), kr.FailureRateLimited)
	m.Exclude(key("k2"), kr.FailureRateLimited)
	m.Exclude(key("k2"), kr.FailureRateLimited)
	m.Exclude(key("k3"), kr.FailureRateLimited)
	require.True(t, m.ClearExclusion(key("k3")))

	recs := m.Records()
	require.Len(t, recs, 2)
	assert.Equal(t, key("k1"), recs[0].Key)
	assert.Equal(t, key("k2"), recs[1].Key)
	assert.Equal(t, clock.Now().Add(2*time.Minute), recs[1].RetryAt)
}
