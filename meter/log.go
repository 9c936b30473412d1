// Package meter provides Meter implementations for logging and metrics.
package meter

import (
	"log/slog"

	keyrouter "github.com/ineyio/keyrouter"
)

// LogMeter logs routing events using slog.
type LogMeter struct {
	Logger *slog.Logger
}

var _ keyrouter.Meter = (*LogMeter)(nil)

// NewLogMeter creates a LogMeter with the given logger.
// If logger is nil, slog.Default() is used.
func NewLogMeter(logger *slog.Logger) *LogMeter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogMeter{Logger: logger}
}

func (m *LogMeter) OnRoute(e keyrouter.RouteEvent) {
	m.Logger.Info("route",
		"request_id", e.RequestID,
		"tenant", e.TenantID,
		"credential", e.CredentialID,
		"model", e.Model,
		"family", e.Family,
		"priority", e.Priority,
		"attempt", e.AttemptNum,
	)
}

func (m *LogMeter) OnResult(e keyrouter.ResultEvent) {
	if e.Success {
		m.Logger.Info("result",
			"request_id", e.RequestID,
			"tenant", e.TenantID,
			"credential", e.CredentialID,
			"model", e.Model,
			"duration_ms", e.Duration.Milliseconds(),
			"prompt_tokens", e.Usage.PromptTokens,
			"completion_tokens", e.Usage.CompletionTokens,
		)
	} else {
		m.Logger.Warn("result_error",
			"request_id", e.RequestID,
			"tenant", e.TenantID,
			"credential", e.CredentialID,
			"model", e.Model,
			"failure", string(e.Failure),
			"duration_ms", e.Duration.Milliseconds(),
			"error", e.Error,
		)
	}
}

func (m *LogMeter) OnExclusion(e keyrouter.ExclusionEvent) {
	if e.Recovered {
		m.Logger.Info("exclusion_cleared", "instance", e.Key.String())
		return
	}
	m.Logger.Warn("exclusion",
		"instance", e.Key.String(),
		"reason", string(e.Reason),
		"retry_count", e.RetryCount,
		"retry_at", e.RetryAt,
	)
}

func (m *LogMeter) OnAlert(e keyrouter.AlertEvent) {
	m.Logger.Error("alert",
		"tenant", e.TenantID,
		"credential", e.CredentialID,
		"model", e.Model,
		"kind", string(e.Kind),
		"error", e.Error,
	)
}
