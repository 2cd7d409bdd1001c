package brokermetrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rt_requests_total",
		Help: "Real-time data requests, by feed, kind (direct/continuous) and result",
	}, []string{"feed", "kind", "result"})

	CancelsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rt_cancels_total",
		Help: "Cancel requests, by result (released/unknown)",
	}, []string{"result"})

	PhysicalSubs = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "rt_physical_subscriptions",
		Help: "Active upstream subscriptions per feed",
	}, []string{"feed"})

	UpstreamCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rt_upstream_calls_total",
		Help: "Adapter subscribe/cancel calls",
	}, []string{"feed", "op", "status"})

	EventsInTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rt_events_in_total",
		Help: "Bars received from adapters",
	}, []string{"feed"})

	EventsOutTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rt_events_out_total",
		Help: "Bars forwarded to listeners (one per alias)",
	}, []string{"feed"})

	DroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rt_dropped_total",
		Help: "Events dropped before delivery, by reason",
	}, []string{"why"})

	ResolutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rt_resolutions_total",
		Help: "Continuous future resolutions by result (found/not_found/timeout/late)",
	}, []string{"result"})

	RolloversTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rt_rollovers_total",
		Help: "Front contract rollovers applied",
	})

	PendingResolutions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rt_pending_resolutions",
		Help: "Continuous futures waiting for a front contract",
	})

	SourceConnected = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "rt_source_connected",
		Help: "1 if the adapter reports connected",
	}, []string{"feed"})

	PublishTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rt_gateway_publish_total",
		Help: "Gateway publish attempts",
	}, []string{"type", "status"})

	PublishBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rt_gateway_publish_bytes_total",
		Help: "Gateway bytes published",
	})
)

func OnRequest(feed, kind string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	RequestsTotal.WithLabelValues(feed, kind, result).Inc()
}

func OnUpstream(feed, op string, err error) {
	st := "ok"
	if err != nil {
		st = "error"
	}
	UpstreamCallsTotal.WithLabelValues(feed, op, st).Inc()
}

func OnConnection(feed string, connected bool) {
	v := 0.0
	if connected {
		v = 1
	}
	SourceConnected.WithLabelValues(feed).Set(v)
}

func ObservePublish(typ string, bytes int, err error) {
	st := "ok"
	if err != nil {
		st = "error"
	}
	PublishTotal.WithLabelValues(typ, st).Inc()
	if err == nil && bytes > 0 {
		PublishBytes.Add(float64(bytes))
	}
}
