package keyrouter

import "time"

// Meter observes routing events for monitoring/logging.
type Meter interface {
	// OnRoute is called when an instance has been selected and reserved.
	OnRoute(event RouteEvent)

	// OnResult is called when a provider returns a result.
	OnResult(event ResultEvent)

	// OnExclusion is called when an instance is quarantined or recovers.
	OnExclusion(event ExclusionEvent)

	// OnAlert is called for conditions that need an operator, such as a
	// credential the provider rejected.
	OnAlert(event AlertEvent)
}

// RouteEvent describes a routing decision.
type RouteEvent struct {
	RequestID    string
	TenantID     string
	CredentialID string
	Model        string
	Family       string
	Priority     int
	AttemptNum   int
}

// ResultEvent describes the outcome of a provider call.
type ResultEvent struct {
	RequestID    string
	TenantID     string
	CredentialID string
	Model        string
	Success      bool
	Failure      FailureKind
	Duration     time.Duration
	Usage        Usage
	Error        error
}

// ExclusionEvent describes a change to an instance's exclusion record.
type ExclusionEvent struct {
	Key        InstanceKey
	Recovered  bool
	Reason     FailureKind
	RetryCount int
	RetryAt    time.Time
}

// AlertEvent describes an operator-facing condition.
type AlertEvent struct {
	TenantID     string
	CredentialID string
	Model        string
	Kind         FailureKind
	Error        error
}
