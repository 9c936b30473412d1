package meter

import keyrouter "github.com/ineyio/keyrouter"

// Multi fans every event out to several meters, in order.
type Multi []keyrouter.Meter

var _ keyrouter.Meter = Multi(nil)

func (m Multi) OnRoute(e keyrouter.RouteEvent) {
	for _, mm := range m {
		mm.OnRoute(e)
	}
}

func (m Multi) OnResult(e keyrouter.ResultEvent) {
	for _, mm := range m {
		mm.OnResult(e)
	}
}

func (m Multi) OnExclusion(e keyrouter.ExclusionEvent) {
	for _, mm := range m {
		mm.OnExclusion(e)
	}
}

func (m Multi) OnAlert(e keyrouter.AlertEvent) {
	for _, mm := range m {
		mm.OnAlert(e)
	}
}
