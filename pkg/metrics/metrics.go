// Package metrics 定义了中继服务暴露给 Prometheus 的指标。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	EventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "neora_events_published_total",
			Help: "Stream events published to user groups, by event type.",
		},
		[]string{"type"},
	)

	GatewayConnections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "neora_gateway_connections",
			Help: "Open WebSocket connections, by gateway mode.",
		},
		[]string{"mode"},
	)

	GatewayDroppedFrames = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "neora_gateway_dropped_frames_total",
			Help: "Relayed frames dropped because a connection's send buffer was full.",
		},
	)

	WorkflowRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "neora_workflow_requests_total",
			Help: "Calls to the reply-generation workflow, by outcome.",
		},
		[]string{"outcome"},
	)

	WorkflowDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "neora_workflow_request_duration_seconds",
			Help:    "Latency of reply-generation workflow calls.",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 45, 65},
		},
	)

	Replies = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "neora_replies_total",
			Help: "Assistant replies that reached a terminal status.",
		},
		[]string{"status"},
	)
)

func init() {
	prometheus.MustRegister(EventsPublished)
	prometheus.MustRegister(GatewayConnections)
	prometheus.MustRegister(GatewayDroppedFrames)
	prometheus.MustRegister(WorkflowRequests)
	prometheus.MustRegister(WorkflowDuration)
	prometheus.MustRegister(Replies)
}

// ObserveWorkflow 记录一次上游调用的结果与耗时。
func ObserveWorkflow(outcome string, started time.Time) {
	WorkflowRequests.WithLabelValues(outcome).Inc()
	WorkflowDuration.Observe(time.Since(started).Seconds())
}

// Handler 返回 /metrics 使用的 HTTP handler。
func Handler() http.Handler {
	return promhttp.Handler()
}
