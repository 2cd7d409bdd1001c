// Package wsmetrics /ws 推送相关的指标
package wsmetrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Conns = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "quotehub_ws_conns",
		Help: "Open client connections",
	})
	ConnCloseTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quotehub_ws_conn_close_total",
		Help: "Closed client connections by close code and reason",
	}, []string{"code", "reason"})

	// op: sub/unsub; result: ok/rejected，rejected 按 topic 计数
	TopicOpsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quotehub_ws_topic_ops_total",
		Help: "Topic subscribe/unsubscribe operations by result",
	}, []string{"op", "result"})

	BridgeTopics = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "quotehub_ws_bridge_topics",
		Help: "Bus topics currently subscribed on behalf of websocket clients",
	})
	BridgeErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quotehub_ws_bridge_errors_total",
		Help: "Failed bus subscriptions from the websocket bridge",
	})

	// superseded: LatestOnly 队列里被同 topic 新消息覆盖
	DroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quotehub_ws_dropped_total",
		Help: "Messages dropped before reaching a client",
	}, []string{"why"})

	HeartbeatTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quotehub_ws_heartbeat_total",
		Help: "Ping/pong events",
	}, []string{"event"})

	MsgsOutTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quotehub_ws_msgs_out_total",
		Help: "Envelopes written to clients",
	})
	BytesOutTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quotehub_ws_bytes_out_total",
		Help: "Bytes written to clients",
	})
	WriteErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quotehub_ws_write_errors_total",
		Help: "Failed frame writes",
	})
	WriteDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "quotehub_ws_write_duration_seconds",
		Help:    "Time to write one batched frame",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
	})
	BatchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "quotehub_ws_batch_size",
		Help:    "Envelopes per frame",
		Buckets: []float64{1, 2, 4, 8, 16, 32, 64, 128, 256},
	})
)

func OnOpen() { Conns.Inc() }

func OnClose(code int, reason string) {
	Conns.Dec()
	ConnCloseTotal.WithLabelValues(strconv.Itoa(code), reason).Inc()
}

// ObserveTopics accepted 个成功，rejected 个被拒
func ObserveTopics(op string, accepted, rejected int) {
	if accepted > 0 {
		TopicOpsTotal.WithLabelValues(op, "ok").Add(float64(accepted))
	}
	if rejected > 0 {
		TopicOpsTotal.WithLabelValues(op, "rejected").Add(float64(rejected))
	}
}

func Heartbeat(event string) { HeartbeatTotal.WithLabelValues(event).Inc() }

func ObserveWrite(batchN int, bytes int, dur time.Duration, err error) {
	if batchN > 0 {
		MsgsOutTotal.Add(float64(batchN))
		BatchSize.Observe(float64(batchN))
	}
	if bytes > 0 {
		BytesOutTotal.Add(float64(bytes))
	}
	WriteDuration.Observe(dur.Seconds())
	if err != nil {
		WriteErrorsTotal.Inc()
	}
}
