// Package batch coalesces bursts of customer messages into batches before
// they reach the router.
//
// Every conversation is either idle or buffering. The first message starts a
// buffer and arms a debounce timer; each further message re-arms it. The
// buffer is flushed when the timer fires, when it reaches MaxBatchSize, or on
// Flush/Close. With batching disabled each message is flushed on its own.
// Flushed batches are handed to the DeliverFunc on one goroutine per
// conversation, so batches of a conversation are delivered in arrival order
// and OnMessage never waits for a delivery.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ErrClosed is returned by OnMessage after Close.
var ErrClosed = errors.New("keyrouter/batch: queue closed")

// Message is one raw inbound customer message.
type Message struct {
	ID             string    `json:"id"`
	TenantID       string    `json:"tenant_id"`
	ConversationID string    `json:"conversation_id"`
	Text           string    `json:"text"`
	ReceivedAt     time.Time `json:"received_at"`
}

// FlushReason says why a batch was flushed.
type FlushReason string

const (
	FlushTimer    FlushReason = "timer"
	FlushSize     FlushReason = "max_size"
	FlushDisabled FlushReason = "disabled"
	FlushManual   FlushReason = "manual"
	FlushClose    FlushReason = "close"
)

// Batch is a flushed group of messages of one conversation, oldest first.
type Batch struct {
	ID             string
	TenantID       string
	ConversationID string
	Messages       []Message
	Reason         FlushReason
}

// DeliverFunc receives flushed batches.
type DeliverFunc func(ctx context.Context, b Batch)

// Stopper cancels a scheduled function.
type Stopper interface {
	Stop() bool
}

// Scheduler runs f once after d.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Stopper
}

type realScheduler struct{}

func (realScheduler) AfterFunc(d time.Duration, f func()) Stopper { return time.AfterFunc(d, f) }

// Queue is the message batching queue.
//
// Lock order is conversation mu, then Queue.mu. Queue.mu only guards the
// conversation map.
type Queue struct {
	deliver  DeliverFunc
	settings SettingsSource
	sched    Scheduler
	logger   *slog.Logger
	now      func() time.Time
	ctx      context.Context

	mu     sync.Mutex
	convs  map[string]*conversation
	closed atomic.Bool
	wg     sync.WaitGroup
}

type conversation struct {
	key            string
	tenantID       string
	conversationID string

	mu       sync.Mutex
	removed  bool
	pending  []Message
	settings Settings
	timer    Stopper
	gen      uint64
	outbox   []Batch
	draining bool
}

// Option configures a Queue.
type Option func(*Queue)

// WithScheduler replaces time.AfterFunc.
func WithScheduler(s Scheduler) Option {
	return func(q *Queue) { q.sched = s }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) { q.logger = l }
}

// WithClock sets the time source used to stamp messages.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// WithContext sets the context passed to DeliverFunc (default
// context.Background()).
func WithContext(ctx context.Context) Option {
	return func(q *Queue) { q.ctx = ctx }
}

// New creates a Queue. settings may be nil, in which case DefaultSettings
// apply to every tenant.
func New(deliver DeliverFunc, settings SettingsSource, opts ...Option) *Queue {
	q := &Queue{
		deliver:  deliver,
		settings: settings,
		convs:    make(map[string]*conversation),
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.settings == nil {
		q.settings = Static(DefaultSettings())
	}
	if q.sched == nil {
		q.sched = realScheduler{}
	}
	if q.logger == nil {
		q.logger = slog.Default()
	}
	if q.now == nil {
		q.now = time.Now
	}
	if q.ctx == nil {
		q.ctx = context.Background()
	}
	return q
}

func conversationKey(tenantID, conversationID string) string {
	return tenantID + "\x00" + conversationID
}

// OnMessage buffers msg. It never blocks on timers or deliveries.
func (q *Queue) OnMessage(msg Message) error {
	if msg.ConversationID == "" {
		return fmt.Errorf("keyrouter/batch: conversation id is required")
	}
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = q.now()
	}
	// Looked up before locking; only used if this message starts a batch.
	settings := q.settings.BatchSettings(q.ctx, msg.TenantID).Normalize()

	c, err := q.acquire(msg.TenantID, msg.ConversationID)
	if err != nil {
		return err
	}
	defer c.mu.Unlock()

	if len(c.pending) == 0 {
		c.settings = settings
	}

	if !c.settings.Enabled {
		q.enqueue(c, Batch{
			ID:             uuid.New().String(),
			TenantID:       c.tenantID,
			ConversationID: c.conversationID,
			Messages:       []Message{msg},
			Reason:         FlushDisabled,
		})
		return nil
	}

	c.pending = append(c.pending, msg)
	if len(c.pending) >= c.settings.MaxBatchSize {
		q.flushLocked(c, FlushSize)
		return nil
	}
	q.arm(c)
	return nil
}

// acquire returns the live conversation for the key with its mu held.
func (q *Queue) acquire(tenantID, conversationID string) (*conversation, error) {
	key := conversationKey(tenantID, conversationID)
	for {
		if q.closed.Load() {
			return nil, ErrClosed
		}
		q.mu.Lock()
		c, ok := q.convs[key]
		if !ok {
			c = &conversation{key: key, tenantID: tenantID, conversationID: conversationID}
			q.convs[key] = c
		}
		q.mu.Unlock()

		c.mu.Lock()
		if c.removed {
			// Forgotten by its drainer in the meantime.
			c.mu.Unlock()
			continue
		}
		if q.closed.Load() {
			c.mu.Unlock()
			return nil, ErrClosed
		}
		return c, nil
	}
}

// lookup returns the conversation for the key with its mu held, or nil.
func (q *Queue) lookup(tenantID, conversationID string) *conversation {
	q.mu.Lock()
	c, ok := q.convs[conversationKey(tenantID, conversationID)]
	q.mu.Unlock()
	if !ok {
		return nil
	}
	c.mu.Lock()
	if c.removed {
		c.mu.Unlock()
		return nil
	}
	return c
}

// arm replaces the debounce timer of c.
func (q *Queue) arm(c *conversation) {
	if c.timer != nil {
		c.timer.Stop()
	}
	c.gen++
	gen := c.gen
	c.timer = q.sched.AfterFunc(c.settings.WaitTime, func() { q.onTimer(c, gen) })
}

func (q *Queue) onTimer(c *conversation, gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// A timer replaced or stopped after it already fired still runs; its
	// generation no longer matches.
	if c.gen != gen || len(c.pending) == 0 {
		return
	}
	q.flushLocked(c, FlushTimer)
}

func (q *Queue) flushLocked(c *conversation, reason FlushReason) {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.gen++

	msgs := c.pending
	c.pending = nil
	q.enqueue(c, Batch{
		ID:             uuid.New().String(),
		TenantID:       c.tenantID,
		ConversationID: c.conversationID,
		Messages:       msgs,
		Reason:         reason,
	})
}

func (q *Queue) enqueue(c *conversation, b Batch) {
	c.outbox = append(c.outbox, b)
	if c.draining {
		return
	}
	c.draining = true
	q.wg.Add(1)
	go q.drain(c)
}

func (q *Queue) drain(c *conversation) {
	defer q.wg.Done()
	for {
		c.mu.Lock()
		if len(c.outbox) == 0 {
			c.draining = false
			if len(c.pending) == 0 {
				c.removed = true
				q.mu.Lock()
				if q.convs[c.key] == c {
					delete(q.convs, c.key)
				}
				q.mu.Unlock()
			}
			c.mu.Unlock()
			return
		}
		b := c.outbox[0]
		c.outbox = c.outbox[1:]
		c.mu.Unlock()

		q.deliverOne(b)
	}
}

func (q *Queue) deliverOne(b Batch) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("batch delivery panicked",
				"tenant", b.TenantID,
				"conversation", b.ConversationID,
				"batch_id", b.ID,
				"panic", r,
			)
		}
	}()
	q.logger.Debug("batch flushed",
		"tenant", b.TenantID,
		"conversation", b.ConversationID,
		"batch_id", b.ID,
		"size", len(b.Messages),
		"reason", string(b.Reason),
	)
	q.deliver(q.ctx, b)
}

// Flush immediately flushes the buffer of a conversation. It reports whether
// anything was pending.
func (q *Queue) Flush(tenantID, conversationID string) bool {
	c := q.lookup(tenantID, conversationID)
	if c == nil {
		return false
	}
	defer c.mu.Unlock()

	if len(c.pending) == 0 {
		return false
	}
	q.flushLocked(c, FlushManual)
	return true
}

// Pending returns the number of buffered messages of a conversation.
func (q *Queue) Pending(tenantID, conversationID string) int {
	c := q.lookup(tenantID, conversationID)
	if c == nil {
		return 0
	}
	defer c.mu.Unlock()
	return len(c.pending)
}

// Conversations returns the number of conversations buffering or
// delivering.
func (q *Queue) Conversations() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.convs)
}

// Close flushes every buffer, rejects new messages and waits for deliveries
// to finish or ctx to end.
func (q *Queue) Close(ctx context.Context) error {
	if !q.closed.Swap(true) {
		q.mu.Lock()
		convs := make([]*conversation, 0, len(q.convs))
		for _, c := range q.convs {
			convs = append(convs, c)
		}
		q.mu.Unlock()

		for _, c := range convs {
			c.mu.Lock()
			if !c.removed && len(c.pending) > 0 {
				q.flushLocked(c, FlushClose)
			}
			c.mu.Unlock()
		}
	}

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
