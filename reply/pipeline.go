// Package reply turns flushed message batches into AI replies.
package reply

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	keyrouter "github.com/ineyio/keyrouter"
	"github.com/ineyio/keyrouter/batch"
)

// FallbackText is sent to the customer when no reply could be produced.
const FallbackText = "The assistant is temporarily unavailable, please try again shortly."

// Reply is the outcome of one batch.
type Reply struct {
	BatchID        string                `json:"batch_id"`
	TenantID       string                `json:"tenant_id"`
	ConversationID string                `json:"conversation_id"`
	MessageIDs     []string              `json:"message_ids"`
	Text           string                `json:"text"`
	Fallback       bool                  `json:"fallback"`
	Routing        keyrouter.RoutingInfo `json:"routing"`
	Error          string                `json:"error,omitempty"`
	CreatedAt      time.Time             `json:"created_at"`
}

// Sink receives replies.
type Sink interface {
	Send(ctx context.Context, r Reply) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, r Reply) error

func (f SinkFunc) Send(ctx context.Context, r Reply) error { return f(ctx, r) }

// FamilyResolver returns the model family a tenant is served by.
type FamilyResolver interface {
	Family(ctx context.Context, tenantID string) (string, error)
}

// Executor runs one request through the router.
type Executor interface {
	Execute(ctx context.Context, tenantID, family string, req keyrouter.Request) (keyrouter.Response, error)
}

// Pipeline delivers batches to the router and replies to a Sink.
type Pipeline struct {
	router   Executor
	families FamilyResolver
	sink     Sink
	logger   *slog.Logger
	timeout  time.Duration
	prompt   string
	now      func() time.Time
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// WithTimeout bounds each Execute call. Zero means no bound.
func WithTimeout(d time.Duration) Option {
	return func(p *Pipeline) { p.timeout = d }
}

// WithSystemPrompt prepends a system message to every request.
func WithSystemPrompt(s string) Option {
	return func(p *Pipeline) { p.prompt = s }
}

// WithClock sets the time source used to stamp replies.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// New creates a Pipeline.
func New(router Executor, families FamilyResolver, sink Sink, opts ...Option) (*Pipeline, error) {
	if router == nil {
		return nil, fmt.Errorf("keyrouter/reply: router is required")
	}
	if families == nil {
		return nil, fmt.Errorf("keyrouter/reply: family resolver is required")
	}
	if sink == nil {
		return nil, fmt.Errorf("keyrouter/reply: sink is required")
	}
	p := &Pipeline{
		router:   router,
		families: families,
		sink:     sink,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	if p.now == nil {
		p.now = time.Now
	}
	return p, nil
}

// Request builds the router request for a batch: one user message per
// buffered message, oldest first.
func (p *Pipeline) Request(b batch.Batch) keyrouter.Request {
	msgs := make([]keyrouter.Message, 0, len(b.Messages)+1)
	if p.prompt != "" {
		msgs = append(msgs, keyrouter.Message{Role: "system", Content: p.prompt})
	}
	for _, m := range b.Messages {
		if strings.TrimSpace(m.Text) == "" {
			continue
		}
		msgs = append(msgs, keyrouter.Message{Role: "user", Content: m.Text})
	}
	return keyrouter.Request{Messages: msgs}
}

// Deliver is a batch.DeliverFunc.
func (p *Pipeline) Deliver(ctx context.Context, b batch.Batch) {
	r := p.Handle(ctx, b)
	if err := p.sink.Send(ctx, r); err != nil {
		p.logger.Error("reply not delivered",
			"tenant", b.TenantID,
			"conversation", b.ConversationID,
			"batch_id", b.ID,
			"error", err,
		)
	}
}

// Handle produces the reply for b without sending it.
func (p *Pipeline) Handle(ctx context.Context, b batch.Batch) Reply {
	r := Reply{
		BatchID:        b.ID,
		TenantID:       b.TenantID,
		ConversationID: b.ConversationID,
		MessageIDs:     make([]string, len(b.Messages)),
	}
	for i, m := range b.Messages {
		r.MessageIDs[i] = m.ID
	}

	resp, err := p.execute(ctx, b)
	r.CreatedAt = p.now()
	if err != nil {
		r.Text = FallbackText
		r.Fallback = true
		r.Error = err.Error()
		p.logFailure(b, err)
		return r
	}

	r.Text = resp.Content
	r.Routing = resp.Routing
	p.logger.Info("reply produced",
		"tenant", b.TenantID,
		"conversation", b.ConversationID,
		"batch_id", b.ID,
		"messages", len(b.Messages),
		"credential", resp.Routing.CredentialID,
		"model", resp.Routing.Model,
		"attempts", resp.Routing.Attempts,
	)
	return r
}

func (p *Pipeline) execute(ctx context.Context, b batch.Batch) (keyrouter.Response, error) {
	req := p.Request(b)
	if len(req.Messages) == 0 {
		return keyrouter.Response{}, fmt.Errorf("keyrouter/reply: batch %s has no text", b.ID)
	}

	family, err := p.families.Family(ctx, b.TenantID)
	if err != nil {
		return keyrouter.Response{}, fmt.Errorf("keyrouter/reply: resolve family: %w", err)
	}

	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	return p.router.Execute(ctx, b.TenantID, family, req)
}

func (p *Pipeline) logFailure(b batch.Batch, err error) {
	attrs := []any{
		"tenant", b.TenantID,
		"conversation", b.ConversationID,
		"batch_id", b.ID,
		"error", err,
	}
	var exhausted *keyrouter.ExhaustedError
	if errors.As(err, &exhausted) && !exhausted.EarliestRetryAt.IsZero() {
		attrs = append(attrs, "retry_at", exhausted.EarliestRetryAt)
	}
	if errors.Is(err, keyrouter.ErrAllInstancesExhausted) {
		p.logger.Warn("no instance available, sent fallback", attrs...)
		return
	}
	p.logger.Error("reply failed, sent fallback", attrs...)
}
