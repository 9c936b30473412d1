package keyrouter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
)

const defaultMaxAttempts = 3

// Router selects a (credential, model) instance for every AI-reply request
// and executes it against the provider.
type Router struct {
	registry    Registry
	provider    Provider
	ledger      UsageLedger
	exclusions  *ExclusionManager
	rotator     *RoundRobin
	meter       Meter
	logger      *slog.Logger
	maxAttempts int
}

// Option configures a Router.
type Option func(*Router)

// WithLedger sets the usage ledger.
func WithLedger(l UsageLedger) Option {
	return func(r *Router) { r.ledger = l }
}

// WithExclusionManager sets the exclusion manager.
func WithExclusionManager(m *ExclusionManager) Option {
	return func(r *Router) { r.exclusions = m }
}

// WithRoundRobin sets the tie-break rotator.
func WithRoundRobin(rr *RoundRobin) Option {
	return func(r *Router) { r.rotator = rr }
}

// WithMeter sets the meter.
func WithMeter(m Meter) Option {
	return func(r *Router) { r.meter = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Router) { r.logger = l }
}

// WithMaxAttempts bounds the number of distinct instances tried by Execute.
func WithMaxAttempts(n int) Option {
	return func(r *Router) { r.maxAttempts = n }
}

// NewRouter creates a new Router. Default components (unlimited ledger,
// exponential exclusion backoff, no-op meter) are used unless overridden via
// options.
func NewRouter(registry Registry, provider Provider, opts ...Option) (*Router, error) {
	if registry == nil {
		return nil, fmt.Errorf("keyrouter: registry is required")
	}
	if provider == nil {
		return nil, fmt.Errorf("keyrouter: provider is required")
	}

	r := &Router{
		registry: registry,
		provider: provider,
	}

	for _, opt := range opts {
		opt(r)
	}

	// Apply defaults after options.
	if r.ledger == nil {
		r.ledger = noopLedger{}
	}
	if r.exclusions == nil {
		r.exclusions = NewExclusionManager()
	}
	if r.rotator == nil {
		r.rotator = NewRoundRobin()
	}
	if r.meter == nil {
		r.meter = noopMeter{}
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.maxAttempts <= 0 {
		r.maxAttempts = defaultMaxAttempts
	}

	return r, nil
}

// Exclusions returns the router's exclusion manager.
func (r *Router) Exclusions() *ExclusionManager { return r.exclusions }

// Registry returns the router's registry.
func (r *Router) Registry() Registry { return r.registry }

// Selection is the result of SelectInstance.
type Selection struct {
	RequestID string
	Instance  ModelInstance
}

// SelectInstance picks the best available instance of family for tenantID
// and reserves one unit of its capacity. When nothing can serve the request
// it returns an *ExhaustedError carrying the earliest retry time.
func (r *Router) SelectInstance(ctx context.Context, tenantID, family string) (Selection, error) {
	inst, err := r.selectInstance(ctx, tenantID, family, nil)
	if err != nil {
		return Selection{}, err
	}
	sel := Selection{RequestID: uuid.New().String(), Instance: inst}
	r.meter.OnRoute(RouteEvent{
		RequestID:    sel.RequestID,
		TenantID:     tenantID,
		CredentialID: inst.Key.CredentialID,
		Model:        inst.Key.Model,
		Family:       family,
		Priority:     inst.Priority,
		AttemptNum:   1,
	})
	return sel, nil
}

func (r *Router) selectInstance(ctx context.Context, tenantID, family string, skip map[InstanceKey]bool) (ModelInstance, error) {
	candidates, err := r.registry.ListCandidates(ctx, tenantID, family)
	if err != nil {
		return ModelInstance{}, fmt.Errorf("keyrouter: list candidates: %w", err)
	}
	if len(candidates) == 0 {
		return ModelInstance{}, &ExhaustedError{Family: family, Cause: ErrNoCandidates}
	}

	var earliest time.Time
	noteRetry := func(t time.Time) {
		if !t.IsZero() && (earliest.IsZero() || t.Before(earliest)) {
			earliest = t
		}
	}

	survivors := make([]ModelInstance, 0, len(candidates))
	for _, c := range candidates {
		if !c.Enabled || skip[c.Key] {
			continue
		}
		if retryAt, excluded := r.exclusions.RetryAt(c.Key); excluded {
			noteRetry(retryAt)
			continue
		}
		survivors = append(survivors, c)
	}

	sort.SliceStable(survivors, func(i, j int) bool {
		return survivors[i].Priority < survivors[j].Priority
	})

	// Walk the priority tiers; within a tier the rotator decides the order
	// and the first instance whose reservation succeeds wins.
	for i := 0; i < len(survivors); {
		j := i + 1
		for j < len(survivors) && survivors[j].Priority == survivors[i].Priority {
			j++
		}
		for _, c := range r.rotator.Order(tenantID, family, survivors[i:j]) {
			err := r.ledger.RecordAttempt(ctx, c)
			if err == nil {
				r.rotator.Advance(tenantID, family, c.Key)
				return c, nil
			}
			var denied *QuotaDeniedError
			if !errors.As(err, &denied) {
				return ModelInstance{}, fmt.Errorf("keyrouter: record attempt %s: %w", c.Key, err)
			}
			r.logger.Debug("quota denied",
				"tenant", tenantID,
				"instance", c.Key.String(),
				"window", denied.Window.String(),
				"retry_at", denied.RetryAt,
			)
			noteRetry(denied.RetryAt)
		}
		i = j
	}

	return ModelInstance{}, &ExhaustedError{Family: family, EarliestRetryAt: earliest}
}

// Execute runs one logical request: it selects an instance, calls the
// provider outside of any lock and feeds the outcome back into the ledger
// and the exclusion manager. Transient and quota failures are retried on a
// different instance, up to the attempt budget.
func (r *Router) Execute(ctx context.Context, tenantID, family string, req Request) (Response, error) {
	requestID := uuid.New().String()
	tried := make(map[InstanceKey]bool)
	var lastErr error

	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return Response{}, err
		}

		inst, err := r.selectInstance(ctx, tenantID, family, tried)
		if err != nil {
			var exhausted *ExhaustedError
			if errors.As(err, &exhausted) {
				exhausted.Attempts = attempt - 1
				if lastErr != nil {
					exhausted.Cause = lastErr
				}
				r.noteExcluded(exhausted, tried)
				r.logger.Warn("all instances exhausted",
					"request_id", requestID,
					"tenant", tenantID,
					"family", family,
					"retry_at", exhausted.EarliestRetryAt,
				)
			}
			return Response{}, err
		}
		tried[inst.Key] = true

		r.meter.OnRoute(RouteEvent{
			RequestID:    requestID,
			TenantID:     tenantID,
			CredentialID: inst.Key.CredentialID,
			Model:        inst.Key.Model,
			Family:       family,
			Priority:     inst.Priority,
			AttemptNum:   attempt,
		})

		start := time.Now()
		resp, err := r.provider.Complete(ctx, ProviderRequest{
			Credential:  inst.Credential,
			Model:       inst.Key.Model,
			Messages:    req.Messages,
			Temperature: req.Temperature,
			MaxTokens:   req.MaxTokens,
		})
		duration := time.Since(start)

		if err == nil {
			return r.onSuccess(ctx, requestID, tenantID, family, inst, attempt, resp, duration), nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Response{}, ctxErr
		}

		kind := Classify(err)
		r.meter.OnResult(ResultEvent{
			RequestID:    requestID,
			TenantID:     tenantID,
			CredentialID: inst.Key.CredentialID,
			Model:        inst.Key.Model,
			Failure:      kind,
			Duration:     duration,
			Error:        err,
		})

		switch kind {
		case FailureQuotaExceeded, FailureRateLimited:
			rec := r.exclusions.Exclude(inst.Key, kind)
			r.meter.OnExclusion(ExclusionEvent{
				Key:        inst.Key,
				Reason:     kind,
				RetryCount: rec.RetryCount,
				RetryAt:    rec.RetryAt,
			})
			r.logger.Warn("instance excluded",
				"request_id", requestID,
				"instance", inst.Key.String(),
				"reason", string(kind),
				"retry_count", rec.RetryCount,
				"retry_at", rec.RetryAt,
			)
		case FailureAuthInvalid:
			r.onAuthInvalid(ctx, tenantID, inst, err)
			return Response{}, &RouterError{
				Err:          err,
				CredentialID: inst.Key.CredentialID,
				Model:        inst.Key.Model,
				Attempts:     attempt,
			}
		default:
			r.logger.Warn("transient provider failure",
				"request_id", requestID,
				"instance", inst.Key.String(),
				"attempt", attempt,
				"error", err,
			)
		}
		lastErr = err
	}

	exhausted := &ExhaustedError{Family: family, Attempts: r.maxAttempts, Cause: lastErr}
	r.noteExcluded(exhausted, tried)
	return Response{}, exhausted
}

// noteExcluded lowers EarliestRetryAt to the cooldown end of any instance
// excluded during this request.
func (r *Router) noteExcluded(e *ExhaustedError, tried map[InstanceKey]bool) {
	for key := range tried {
		retryAt, excluded := r.exclusions.RetryAt(key)
		if !excluded {
			continue
		}
		if e.EarliestRetryAt.IsZero() || retryAt.Before(e.EarliestRetryAt) {
			e.EarliestRetryAt = retryAt
		}
	}
}

func (r *Router) onSuccess(ctx context.Context, requestID, tenantID, family string, inst ModelInstance, attempt int, resp ProviderResponse, duration time.Duration) Response {
	if err := r.ledger.RecordResult(ctx, inst, resp.Units(inst.Limits.Unit)); err != nil {
		r.logger.Error("record result failed", "instance", inst.Key.String(), "error", err)
	}
	if r.exclusions.MaybeRecover(inst.Key) {
		r.meter.OnExclusion(ExclusionEvent{Key: inst.Key, Recovered: true})
		r.logger.Info("instance recovered", "instance", inst.Key.String())
	}
	r.meter.OnResult(ResultEvent{
		RequestID:    requestID,
		TenantID:     tenantID,
		CredentialID: inst.Key.CredentialID,
		Model:        inst.Key.Model,
		Success:      true,
		Duration:     duration,
		Usage:        resp.Usage,
	})

	return Response{
		ID:      resp.ID,
		Content: resp.Content,
		Usage:   resp.Usage,
		Routing: RoutingInfo{
			RequestID:    requestID,
			CredentialID: inst.Key.CredentialID,
			Model:        inst.Key.Model,
			Family:       family,
			Priority:     inst.Priority,
			Attempts:     attempt,
		},
	}
}

func (r *Router) onAuthInvalid(ctx context.Context, tenantID string, inst ModelInstance, cause error) {
	r.meter.OnAlert(AlertEvent{
		TenantID:     tenantID,
		CredentialID: inst.Key.CredentialID,
		Model:        inst.Key.Model,
		Kind:         FailureAuthInvalid,
		Error:        cause,
	})
	r.logger.Error("credential rejected by provider",
		"credential", inst.Key.CredentialID,
		"model", inst.Key.Model,
		"error", cause,
	)

	d, ok := r.registry.(CredentialDisabler)
	if !ok {
		return
	}
	if err := d.DisableCredential(ctx, inst.Key.CredentialID, string(FailureAuthInvalid)); err != nil {
		r.logger.Error("disable credential failed", "credential", inst.Key.CredentialID, "error", err)
	}
}

// noopLedger is a ledger that allows everything (no limits).
type noopLedger struct{}

func (noopLedger) RecordAttempt(context.Context, ModelInstance) error             { return nil }
func (noopLedger) RecordResult(context.Context, ModelInstance, int64) error       { return nil }
func (noopLedger) Snapshot(context.Context, ModelInstance) (UsageSnapshot, error) { return UsageSnapshot{}, nil }

// noopMeter is a meter that does nothing.
type noopMeter struct{}

func (noopMeter) OnRoute(RouteEvent)         {}
func (noopMeter) OnResult(ResultEvent)       {}
func (noopMeter) OnExclusion(ExclusionEvent) {}
func (noopMeter) OnAlert(AlertEvent)         {}
