package convsync

import "github.com/prometheus/client_golang/prometheus"

// Metrics exposes sync health. A nil *Metrics records nothing.
type Metrics struct {
	EventsApplied   *prometheus.CounterVec
	EventsDropped   *prometheus.CounterVec
	Reconciled      prometheus.Counter
	UpdatesBuffered prometheus.Gauge
	OutboxDepth     *prometheus.GaugeVec
	Sends           *prometheus.CounterVec
	Refetches       prometheus.Counter
}

// NewMetrics creates the collectors and registers them on reg when non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EventsApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "convsync",
			Name:      "events_applied_total",
			Help:      "Realtime events merged into a conversation store.",
		}, []string{"kind"}),
		EventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "convsync",
			Name:      "events_dropped_total",
			Help:      "Realtime events discarded without changing the store.",
		}, []string{"reason"}),
		Reconciled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "convsync",
			Name:      "reconciled_total",
			Help:      "Provisional messages replaced by their confirmed record.",
		}),
		UpdatesBuffered: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "convsync",
			Name:      "updates_buffered",
			Help:      "Updates waiting for their insert event.",
		}),
		OutboxDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "convsync",
			Name:      "outbox_depth",
			Help:      "Messages waiting in the offline queue.",
		}, []string{"conversation"}),
		Sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "convsync",
			Name:      "sends_total",
			Help:      "Message send attempts by result.",
		}, []string{"result"}),
		Refetches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "convsync",
			Name:      "refetches_total",
			Help:      "Full latest-page refetches after a stale reconnect.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.EventsApplied, m.EventsDropped, m.Reconciled, m.UpdatesBuffered,
			m.OutboxDepth, m.Sends, m.Refetches)
	}
	return m
}

func (m *Metrics) applied(kind string) {
	if m != nil {
		m.EventsApplied.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) dropped(reason string) {
	if m != nil {
		m.EventsDropped.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) reconciled() {
	if m != nil {
		m.Reconciled.Inc()
	}
}

func (m *Metrics) buffered(delta int) {
	if m != nil {
		m.UpdatesBuffered.Add(float64(delta))
	}
}

func (m *Metrics) outboxDepth(conv ConversationKey, n int) {
	if m != nil {
		m.OutboxDepth.WithLabelValues(conv.String()).Set(float64(n))
	}
}

func (m *Metrics) send(result string) {
	if m != nil {
		m.Sends.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) refetched() {
	if m != nil {
		m.Refetches.Inc()
	}
}
