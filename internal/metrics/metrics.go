package metrics

import (
	"github.com/dkeye/Stream/internal/app"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "stream"

// Metrics is nil-safe: every method is a no-op on a nil receiver.
type Metrics struct {
	requests     *prometheus.CounterVec
	chat         *prometheus.CounterVec
	chatDegraded *prometheus.CounterVec
	dropped      prometheus.Counter
}

// New registers the collectors on reg. stats feeds the directory gauges and may be nil.
func New(reg prometheus.Registerer, stats func() app.Stats) *Metrics {
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signal_requests_total",
			Help:      "Signaling requests by type and result code.",
		}, []string{"type", "code"}),
		chat: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chat_messages_total",
			Help:      "Chat messages relayed by delivery path.",
		}, []string{"path"}),
		chatDegraded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chat_degraded_total",
			Help:      "Chat data-channel deliveries that fell back to broadcast only.",
		}, []string{"reason"}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signal_frames_dropped_total",
			Help:      "Control frames dropped because a send buffer was full.",
		}),
	}
	reg.MustRegister(m.requests, m.chat, m.chatDegraded, m.dropped)

	if stats != nil {
		gauge := func(name, help string, pick func(app.Stats) int) prometheus.GaugeFunc {
			return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      name,
				Help:      help,
			}, func() float64 { return float64(pick(stats())) })
		}
		reg.MustRegister(
			gauge("connections", "Live signaling connections.", func(s app.Stats) int { return s.Connections }),
			gauge("transports", "Live transports.", func(s app.Stats) int { return s.Transports }),
			gauge("producers", "Live media producers.", func(s app.Stats) int { return s.Producers }),
			gauge("consumers", "Live media consumers.", func(s app.Stats) int { return s.Consumers }),
			gauge("data_producers", "Live data producers.", func(s app.Stats) int { return s.DataProducers }),
			gauge("data_consumers", "Live data consumers.", func(s app.Stats) int { return s.DataConsumers }),
		)
	}
	return m
}

func (m *Metrics) Request(typ, code string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(typ, code).Inc()
}

func (m *Metrics) Chat(path string) {
	if m == nil {
		return
	}
	m.chat.WithLabelValues(path).Inc()
}

func (m *Metrics) ChatDegraded(reason string) {
	if m == nil {
		return
	}
	m.chatDegraded.WithLabelValues(reason).Inc()
}

func (m *Metrics) Dropped() {
	if m == nil {
		return
	}
	m.dropped.Inc()
}
