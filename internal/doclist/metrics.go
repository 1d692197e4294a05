package doclist

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "doclist"

// Metrics instruments one engine. A nil *Metrics records nothing.
type Metrics struct {
	// EventsTotal counts feed events by outcome: applied, deleted, queued,
	// echo, stale, unhydrated, dropped.
	EventsTotal *prometheus.CounterVec
	// MutationsTotal counts local mutations by action and outcome.
	MutationsTotal *prometheus.CounterVec
	PageLoadsTotal *prometheus.CounterVec
	ResyncsTotal   prometheus.Counter
	ConnectsTotal  prometheus.Counter
	RefreshesTotal prometheus.Counter
	FeedState      prometheus.Gauge
	Rows           prometheus.Gauge
	QueueDepth     prometheus.Gauge
}

// NewMetrics registers the engine collectors with reg. A nil reg yields
// working, unregistered collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		EventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "feed",
			Name:      "events_total",
			Help:      "Change feed events by routing outcome.",
		}, []string{"outcome"}),
		MutationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "mutations",
			Name:      "total",
			Help:      "Local optimistic mutations by action and outcome.",
		}, []string{"action", "outcome"}),
		PageLoadsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "snapshot",
			Name:      "page_loads_total",
			Help:      "Snapshot page loads by outcome.",
		}, []string{"outcome"}),
		ResyncsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "feed",
			Name:      "resyncs_total",
			Help:      "Full resyncs triggered by a gone cursor.",
		}),
		ConnectsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "feed",
			Name:      "connects_total",
			Help:      "Successful change feed subscriptions.",
		}),
		RefreshesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "snapshot",
			Name:      "refreshes_total",
			Help:      "Full snapshot refreshes.",
		}),
		FeedState: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "feed",
			Name:      "state",
			Help:      "Consumer state: 0 idle, 1 connecting, 2 streaming, 3 backoff, 4 resyncing.",
		}),
		Rows: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "view",
			Name:      "rows",
			Help:      "Rows currently matching the view.",
		}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "view",
			Name:      "queued_changes",
			Help:      "Changes withheld while scrolled away from the head.",
		}),
	}
}

func (m *Metrics) event(outcome string) {
	if m == nil {
		return
	}
	m.EventsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) mutation(action MutationAction, outcome string) {
	if m == nil {
		return
	}
	m.MutationsTotal.WithLabelValues(string(action), outcome).Inc()
}

func (m *Metrics) pageLoad(outcome string) {
	if m == nil {
		return
	}
	m.PageLoadsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) resync() {
	if m == nil {
		return
	}
	m.ResyncsTotal.Inc()
}

func (m *Metrics) connected() {
	if m == nil {
		return
	}
	m.ConnectsTotal.Inc()
}

func (m *Metrics) refresh() {
	if m == nil {
		return
	}
	m.RefreshesTotal.Inc()
}

func (m *Metrics) feedState(state FeedState) {
	if m == nil {
		return
	}
	m.FeedState.Set(float64(state))
}

func (m *Metrics) observe(state ViewState) {
	if m == nil {
		return
	}
	m.Rows.Set(float64(len(state.OrderedIDs)))
	m.QueueDepth.Set(float64(len(state.QueuedChanges)))
}
