package meter

import (
	"github.com/prometheus/client_golang/prometheus"

	keyrouter "github.com/ineyio/keyrouter"
)

// PrometheusMeter exports routing events as Prometheus metrics.
type PrometheusMeter struct {
	routes     *prometheus.CounterVec
	results    *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	tokens     *prometheus.CounterVec
	exclusions *prometheus.CounterVec
	recoveries *prometheus.CounterVec
	alerts     *prometheus.CounterVec
}

var _ keyrouter.Meter = (*PrometheusMeter)(nil)

// NewPrometheusMeter creates the collectors and registers them with reg.
func NewPrometheusMeter(reg prometheus.Registerer) (*PrometheusMeter, error) {
	m := &PrometheusMeter{
		routes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "keyrouter",
			Name:      "routes_total",
			Help:      "Instances selected, by credential, model and attempt.",
		}, []string{"credential", "model", "attempt"}),
		results: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "keyrouter",
			Name:      "results_total",
			Help:      "Provider call outcomes.",
		}, []string{"credential", "model", "outcome"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "keyrouter",
			Name:      "provider_duration_seconds",
			Help:      "Provider call latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"credential", "model"}),
		tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "keyrouter",
			Name:      "tokens_total",
			Help:      "Tokens consumed, by direction.",
		}, []string{"credential", "model", "direction"}),
		exclusions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "keyrouter",
			Name:      "exclusions_total",
			Help:      "Instances quarantined, by reason.",
		}, []string{"credential", "model", "reason"}),
		recoveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "keyrouter",
			Name:      "recoveries_total",
			Help:      "Quarantined instances that served a request again.",
		}, []string{"credential", "model"}),
		alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "keyrouter",
			Name:      "alerts_total",
			Help:      "Operator alerts raised.",
		}, []string{"credential", "kind"}),
	}

	for _, c := range []prometheus.Collector{
		m.routes, m.results, m.latency, m.tokens, m.exclusions, m.recoveries, m.alerts,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *PrometheusMeter) OnRoute(e keyrouter.RouteEvent) {
	attempt := "first"
	if e.AttemptNum > 1 {
		attempt = "retry"
	}
	m.routes.WithLabelValues(e.CredentialID, e.Model, attempt).Inc()
}

func (m *PrometheusMeter) OnResult(e keyrouter.ResultEvent) {
	outcome := "success"
	if !e.Success {
		outcome = string(e.Failure)
	}
	m.results.WithLabelValues(e.CredentialID, e.Model, outcome).Inc()
	m.latency.WithLabelValues(e.CredentialID, e.Model).Observe(e.Duration.Seconds())
	if e.Success {
		m.tokens.WithLabelValues(e.CredentialID, e.Model, "prompt").Add(float64(e.Usage.PromptTokens))
		m.tokens.WithLabelValues(e.CredentialID, e.Model, "completion").Add(float64(e.Usage.CompletionTokens))
	}
}

func (m *PrometheusMeter) OnExclusion(e keyrouter.ExclusionEvent) {
	if e.Recovered {
		m.recoveries.WithLabelValues(e.Key.CredentialID, e.Key.Model).Inc()
		return
	}
	m.exclusions.WithLabelValues(e.Key.CredentialID, e.Key.Model, string(e.Reason)).Inc()
}

func (m *PrometheusMeter) OnAlert(e keyrouter.AlertEvent) {
	m.alerts.WithLabelValues(e.CredentialID, string(e.Kind)).Inc()
}

// Routes exposes the routes counter.
func (m *PrometheusMeter) Routes() *prometheus.CounterVec { return m.routes }

// Results exposes the results counter.
func (m *PrometheusMeter) Results() *prometheus.CounterVec { return m.results }

// Exclusions exposes the exclusions counter.
func (m *PrometheusMeter) Exclusions() *prometheus.CounterVec { return m.exclusions }
