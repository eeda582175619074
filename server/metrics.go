package server

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// 入站消息处理结果（messages_total 的 result 标签）
const (
	resultAccepted      = "accepted"
	resultRejected      = "rejected"
	resultRateLimited   = "rate_limited"
	resultUnknownEntity = "unknown_entity"
	resultQueueFull     = "queue_full"
	resultDecodeError   = "decode_error"
)

// Metrics 记录房间运行期的关键指标（Prometheus）
type Metrics struct {
	ticks          prometheus.Counter
	tickDuration   prometheus.Histogram
	connections    prometheus.Gauge
	entities       prometheus.Gauge
	messages       *prometheus.CounterVec
	framesDropped  prometheus.Counter
	encodeErrors   *prometheus.CounterVec
	reaped         prometheus.Counter
	broadcastBytes prometheus.Counter
}

// NewMetrics 在给定 Registerer 上注册指标；reg 为 nil 时使用默认注册表
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	const ns = "wesworld"

	return &Metrics{
		ticks: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "ticks_total",
			Help:      "Broadcast ticks executed",
		}),
		tickDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "tick_duration_seconds",
			Help:      "Time spent reaping and broadcasting per tick",
			Buckets:   []float64{.0001, .0005, .001, .0025, .005, .01, .025, .05},
		}),
		connections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "connections",
			Help:      "Currently registered connections",
		}),
		entities: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "entities",
			Help:      "Entities in the store",
		}),
		messages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "messages_total",
			Help:      "Inbound client messages by type and result",
		}, []string{"type", "result"}),
		framesDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "frames_dropped_total",
			Help:      "Outbound frames dropped because a send queue was full",
		}),
		encodeErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "encode_errors_total",
			Help:      "Snapshot encoding failures by codec",
		}, []string{"codec"}),
		reaped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "reaped_total",
			Help:      "Entities removed by the idle reaper",
		}),
		broadcastBytes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "broadcast_bytes_total",
			Help:      "Snapshot bytes enqueued to clients",
		}),
	}
}

func (m *Metrics) message(kind, result string) {
	m.messages.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) observeTick(d time.Duration) {
	m.ticks.Inc()
	m.tickDuration.Observe(d.Seconds())
}

func (m *Metrics) setPopulation(entities, connections int) {
	m.entities.Set(float64(entities))
	m.connections.Set(float64(connections))
}
