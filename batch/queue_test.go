package batch_test

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	keyrouter "github.com/ineyio/keyrouter"
	"github.com/ineyio/keyrouter/batch"
)

// fakeScheduler fires timers only when the test advances its clock.
type fakeScheduler struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	s       *fakeScheduler
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
}

func (s *fakeScheduler) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

func (s *fakeScheduler) AfterFunc(d time.Duration, f func()) batch.Stopper {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &fakeTimer{s: s, at: s.now.Add(d), f: f}
	s.timers = append(s.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

// Advance moves the clock and runs every due timer in deadline order.
func (s *fakeScheduler) Advance(d time.Duration) {
	s.mu.Lock()
	s.now = s.now.Add(d)
	var due []*fakeTimer
	for _, t := range s.timers {
		if !t.stopped && !t.fired && !t.at.After(s.now) {
			t.fired = true
			due = append(due, t)
		}
	}
	s.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
	for _, t := range due {
		t.f()
	}
}

// Active returns the number of armed timers.
func (s *fakeScheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

type collector struct {
	mu      sync.Mutex
	batches []batch.Batch
	ch      chan batch.Batch
}

func newCollector() *collector {
	return &collector{ch: make(chan batch.Batch, 100)}
}

func (c *collector) deliver(_ context.Context, b batch.Batch) {
	c.mu.Lock()
	c.batches = append(c.batches, b)
	c.mu.Unlock()
	c.ch <- b
}

func (c *collector) next(t *testing.T) batch.Batch {
	t.Helper()
	select {
	case b := <-c.ch:
		return b
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for batch")
		return batch.Batch{}
	}
}

func (c *collector) none(t *testing.T) {
	t.Helper()
	select {
	case b := <-c.ch:
		t.Fatalf("unexpected batch: %+v", b)
	case <-time.After(50 * time.Millisecond):
	}
}

func texts(b batch.Batch) []string {
	out := make([]string, len(b.Messages))
	for i, m := range b.Messages {
		out[i] = m.Text
	}
	return out
}

func msg(conv, text string) batch.Message {
	return batch.Message{TenantID: "acme", ConversationID: conv, Text: text}
}

func newQueue(t *testing.T, s batch.Settings) (*batch.Queue, *fakeScheduler, *collector) {
	t.Helper()
	sched := newFakeScheduler()
	col := newCollector()
	q := batch.New(col.deliver, batch.Static(s),
		batch.WithScheduler(sched),
		batch.WithClock(sched.Now),
	)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = q.Close(ctx)
	})
	return q, sched, col
}

func TestQueue_BurstWithinWaitIsOneBatch(t *testing.T) {
	q, sched, col := newQueue(t, batch.Settings{Enabled: true, WaitTime: 5 * time.Second, MaxBatchSize: 10})

	require.NoError(t, q.OnMessage(msg("c1", "a")))
	sched.Advance(time.Second)
	require.NoError(t, q.OnMessage(msg("c1", "b")))
	sched.Advance(time.Second)
	require.NoError(t, q.OnMessage(msg("c1", "c")))
	assert.Equal(t, 3, q.Pending("acme", "c1"))
	assert.Equal(t, 1, sched.Active(), "each message replaces the timer")

	// 4s after the last message: still buffering.
	sched.Advance(4 * time.Second)
	col.none(t)

	sched.Advance(time.Second)
	b := col.next(t)
	assert.Equal(t, []string{"a", "b", "c"}, texts(b))
	assert.Equal(t, batch.FlushTimer, b.Reason)
	assert.Equal(t, "acme", b.TenantID)
	assert.Equal(t, "c1", b.ConversationID)
	assert.Equal(t, 0, q.Pending("acme", "c1"))
	col.none(t)
}

func TestQueue_SpacedMessagesAreSeparateBatches(t *testing.T) {
	q, sched, col := newQueue(t, batch.Settings{Enabled: true, WaitTime: 2 * time.Second, MaxBatchSize: 10})

	for _, text := range []string{"a", "b", "c"} {
		require.NoError(t, q.OnMessage(msg("c1", text)))
		sched.Advance(3 * time.Second)
		b := col.next(t)
		assert.Equal(t, []string{text}, texts(b))
	}
}

func TestQueue_MaxBatchSizeFlushesImmediately(t *testing.T) {
	q, sched, col := newQueue(t, batch.Settings{Enabled: true, WaitTime: 5 * time.Second, MaxBatchSize: 2})

	require.NoError(t, q.OnMessage(msg("c1", "a")))
	require.NoError(t, q.OnMessage(msg("c1", "b")))

	b := col.next(t)
	assert.Equal(t, []string{"a", "b"}, texts(b))
	assert.Equal(t, batch.FlushSize, b.Reason)
	assert.Equal(t, 0, sched.Active())

	require.NoError(t, q.OnMessage(msg("c1", "c")))
	col.none(t)
	sched.Advance(5 * time.Second)
	b = col.next(t)
	assert.Equal(t, []string{"c"}, texts(b))
	assert.Equal(t, batch.FlushTimer, b.Reason)
}

func TestQueue_DisabledFlushesEveryMessage(t *testing.T) {
	q, sched, col := newQueue(t, batch.Settings{Enabled: false})

	for _, text := range []string{"a", "b", "c"} {
		require.NoError(t, q.OnMessage(msg("c1", text)))
	}
	for _, text := range []string{"a", "b", "c"} {
		b := col.next(t)
		assert.Equal(t, []string{text}, texts(b))
		assert.Equal(t, batch.FlushDisabled, b.Reason)
	}
	assert.Equal(t, 0, sched.Active())
	assert.Equal(t, 0, q.Pending("acme", "c1"))
}

func TestQueue_ConversationsAreIndependent(t *testing.T) {
	q, sched, col := newQueue(t, batch.Settings{Enabled: true, WaitTime: 2 * time.Second, MaxBatchSize: 10})

	require.NoError(t, q.OnMessage(msg("c1", "a1")))
	sched.Advance(time.Second)
	require.NoError(t, q.OnMessage(msg("c2", "b1")))
	sched.Advance(time.Second)

	b := col.next(t)
	assert.Equal(t, "c1", b.ConversationID)
	assert.Equal(t, 1, q.Pending("acme", "c2"))

	sched.Advance(time.Second)
	b = col.next(t)
	assert.Equal(t, "c2", b.ConversationID)
}

func TestQueue_SameConversationIDAcrossTenants(t *testing.T) {
	q, sched, col := newQueue(t, batch.Settings{Enabled: true, WaitTime: time.Second, MaxBatchSize: 10})

	require.NoError(t, q.OnMessage(batch.Message{TenantID: "acme", ConversationID: "c1", Text: "x"}))
	require.NoError(t, q.OnMessage(batch.Message{TenantID: "globex", ConversationID: "c1", Text: "y"}))
	assert.Equal(t, 1, q.Pending("acme", "c1"))
	assert.Equal(t, 1, q.Pending("globex", "c1"))

	sched.Advance(time.Second)
	got := map[string][]string{}
	for i := 0; i < 2; i++ {
		b := col.next(t)
		got[b.TenantID] = texts(b)
	}
	assert.Equal(t, map[string][]string{"acme": {"x"}, "globex": {"y"}}, got)
}

func TestQueue_DeliveriesKeepArrivalOrder(t *testing.T) {
	sched := newFakeScheduler()
	release := make(chan struct{})
	var mu sync.Mutex
	var order []string
	done := make(chan struct{}, 10)

	deliver := func(_ context.Context, b batch.Batch) {
		if b.Messages[0].Text == "first" {
			<-release
		}
		mu.Lock()
		order = append(order, texts(b)...)
		mu.Unlock()
		done <- struct{}{}
	}
	q := batch.New(deliver, batch.Static(batch.Settings{Enabled: false}), batch.WithScheduler(sched))

	require.NoError(t, q.OnMessage(msg("c1", "first")))
	require.NoError(t, q.OnMessage(msg("c1", "second")))
	require.NoError(t, q.OnMessage(msg("c1", "third")))

	// The slow first delivery must not be overtaken.
	select {
	case <-done:
		t.Fatal("a later batch overtook a pending delivery")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	for i := 0; i < 3; i++ {
		<-done
	}

	mu.Lock()
	assert.Equal(t, []string{"first", "second", "third"}, order)
	mu.Unlock()

	require.NoError(t, q.Close(context.Background()))
}

func TestQueue_OnMessageDoesNotWaitForDelivery(t *testing.T) {
	sched := newFakeScheduler()
	block := make(chan struct{})
	q := batch.New(func(context.Context, batch.Batch) { <-block },
		batch.Static(batch.Settings{Enabled: false}), batch.WithScheduler(sched))

	finished := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			_ = q.OnMessage(msg("c1", "m"))
		}
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("OnMessage blocked on delivery")
	}
	close(block)
	require.NoError(t, q.Close(context.Background()))
}

func TestQueue_ConcurrentConversations(t *testing.T) {
	sched := newFakeScheduler()
	var mu sync.Mutex
	got := map[string][]string{}
	q := batch.New(func(_ context.Context, b batch.Batch) {
		mu.Lock()
		got[b.ConversationID] = append(got[b.ConversationID], texts(b)...)
		mu.Unlock()
	}, batch.Static(batch.Settings{Enabled: true, WaitTime: time.Second, MaxBatchSize: 5}),
		batch.WithScheduler(sched))

	const convs, perConv = 8, 23
	var wg sync.WaitGroup
	for c := 0; c < convs; c++ {
		wg.Add(1)
		go func(conv string) {
			defer wg.Done()
			for i := 0; i < perConv; i++ {
				assert.NoError(t, q.OnMessage(msg(conv, fmt.Sprintf("%03d", i))))
			}
		}(fmt.Sprintf("c%d", c))
	}
	wg.Wait()
	require.NoError(t, q.Close(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, convs)
	for conv, list := range got {
		require.Len(t, list, perConv, conv)
		assert.True(t, sort.StringsAreSorted(list), "%s delivered out of order", conv)
	}
	assert.Equal(t, 0, q.Conversations())
}

func TestQueue_FlushAndClose(t *testing.T) {
	q, _, col := newQueue(t, batch.Settings{Enabled: true, WaitTime: 10 * time.Second, MaxBatchSize: 10})

	assert.False(t, q.Flush("acme", "c1"))

	require.NoError(t, q.OnMessage(msg("c1", "a")))
	assert.True(t, q.Flush("acme", "c1"))
	b := col.next(t)
	assert.Equal(t, batch.FlushManual, b.Reason)

	require.NoError(t, q.OnMessage(msg("c2", "b")))
	require.NoError(t, q.Close(context.Background()))
	b = col.next(t)
	assert.Equal(t, batch.FlushClose, b.Reason)
	assert.Equal(t, []string{"b"}, texts(b))

	assert.ErrorIs(t, q.OnMessage(msg("c3", "late")), batch.ErrClosed)
}

func TestQueue_StaleTimerIsIgnored(t *testing.T) {
	q, sched, col := newQueue(t, batch.Settings{Enabled: true, WaitTime: 3 * time.Second, MaxBatchSize: 2})

	// The first timer is stopped by the size flush; a new batch starts.
	require.NoError(t, q.OnMessage(msg("c1", "a")))
	require.NoError(t, q.OnMessage(msg("c1", "b")))
	col.next(t)

	sched.Advance(2 * time.Second)
	require.NoError(t, q.OnMessage(msg("c1", "c")))
	sched.Advance(time.Second)
	col.none(t)
	assert.Equal(t, 1, q.Pending("acme", "c1"))

	sched.Advance(2 * time.Second)
	b := col.next(t)
	assert.Equal(t, []string{"c"}, texts(b))
}

func TestQueue_IdleConversationsAreForgotten(t *testing.T) {
	q, sched, col := newQueue(t, batch.Settings{Enabled: true, WaitTime: time.Second, MaxBatchSize: 10})

	require.NoError(t, q.OnMessage(msg("c1", "a")))
	assert.Equal(t, 1, q.Conversations())
	sched.Advance(time.Second)
	col.next(t)

	require.Eventually(t, func() bool { return q.Conversations() == 0 }, time.Second, time.Millisecond)
}

func TestQueue_MessagesAreStamped(t *testing.T) {
	q, sched, col := newQueue(t, batch.Settings{Enabled: false})

	require.NoError(t, q.OnMessage(msg("c1", "a")))
	b := col.next(t)
	require.Len(t, b.Messages, 1)
	assert.NotEmpty(t, b.Messages[0].ID)
	assert.NotEmpty(t, b.ID)
	assert.Equal(t, sched.Now(), b.Messages[0].ReceivedAt)

	assert.Error(t, q.OnMessage(batch.Message{TenantID: "acme", Text: "no conversation"}))
}

func TestSettings_Normalize(t *testing.T) {
	tests := []struct {
		name string
		in   batch.Settings
		want batch.Settings
	}{
		{"defaults", batch.Settings{}, batch.Settings{WaitTime: keyrouter.DefaultBatchWait, MaxBatchSize: keyrouter.DefaultBatchSize}},
		{"clamp low", batch.Settings{WaitTime: 100 * time.Millisecond, MaxBatchSize: 3}, batch.Settings{WaitTime: time.Second, MaxBatchSize: 3}},
		{"clamp high", batch.Settings{WaitTime: time.Minute, MaxBatchSize: 3}, batch.Settings{WaitTime: 30 * time.Second, MaxBatchSize: 3}},
		{"keep", batch.Settings{Enabled: true, WaitTime: 7 * time.Second, MaxBatchSize: 1}, batch.Settings{Enabled: true, WaitTime: 7 * time.Second, MaxBatchSize: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.in.Normalize())
		})
	}
}

func TestFromConfig(t *testing.T) {
	s := batch.FromConfig(keyrouter.BatchingConfig{})
	assert.Equal(t, batch.DefaultSettings(), s)

	s = batch.FromConfig(keyrouter.BatchingConfig{Enabled: keyrouter.BoolPtr(false), WaitTime: 2 * time.Second})
	assert.False(t, s.Enabled)
	assert.Equal(t, 2*time.Second, s.WaitTime)
}
