package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"cdproute/pkg/model"
)

// Metrics 路由相关的 Prometheus 指标，注册在独立的 registry 上
type Metrics struct {
	registry *prometheus.Registry

	RoutesTotal     *prometheus.CounterVec
	WebSocketsTotal *prometheus.CounterVec
	DegradedTotal   prometheus.Counter
	TargetsClosed   prometheus.Counter
	SessionsActive  prometheus.Gauge
}

// New 创建指标集合
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		RoutesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cdproute_routes_total",
				Help: "Total number of resolved routes",
			},
			[]string{"action", "outcome"},
		),
		WebSocketsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cdproute_websockets_total",
				Help: "Total number of dispatched websocket connections",
			},
			[]string{"result"},
		),
		DegradedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "cdproute_degraded_total",
				Help: "Requests continued directly after a dispatch failure",
			},
		),
		TargetsClosed: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "cdproute_targets_closed_total",
				Help: "Targets whose event streams ended",
			},
		),
		SessionsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "cdproute_sessions_active",
				Help: "Number of running sessions",
			},
		),
	}
}

// Observe 按事件类型累加指标
func (m *Metrics) Observe(evt model.Event) {
	switch evt.Type {
	case model.EventRouted:
		action := evt.Action
		if action == "" {
			action = "none"
		}
		m.RoutesTotal.WithLabelValues(action, evt.Outcome).Inc()
	case model.EventWebSocket:
		result := "ok"
		if evt.Error != nil {
			result = "error"
		}
		m.WebSocketsTotal.WithLabelValues(result).Inc()
	case model.EventDegraded:
		m.DegradedTotal.Inc()
	case model.EventTargetGone:
		m.TargetsClosed.Inc()
	}
}

// Registry 底层 registry
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler 暴露指标的 HTTP 处理器
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
