package meter

import keyrouter "github.com/ineyio/keyrouter"

// NoopMeter is a meter that does nothing.
type NoopMeter struct{}

var _ keyrouter.Meter = (*NoopMeter)(nil)

func (m *NoopMeter) OnRoute(keyrouter.RouteEvent)         {}
func (m *NoopMeter) OnResult(keyrouter.ResultEvent)       {}
func (m *NoopMeter) OnExclusion(keyrouter.ExclusionEvent) {}
func (m *NoopMeter) OnAlert(keyrouter.AlertEvent)         {}
