package docstore

import "github.com/prometheus/client_golang/prometheus"

const (
	mergeApplied   = "applied"
	mergeUnchanged = "unchanged"
	mergeConflict  = "conflict"
	mergeInvalid   = "invalid"
	mergeError     = "error"
)

// Metrics counts store activity. A nil *Metrics records nothing.
type Metrics struct {
	merges      *prometheus.CounterVec
	subscribers prometheus.Gauge
	lagged      prometheus.Counter
}

// NewMetrics creates the store collectors and registers them with reg when
// reg is not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		merges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "propsync",
			Subsystem: "docstore",
			Name:      "merges_total",
			Help:      "Document merges by result.",
		}, []string{"result"}),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "propsync",
			Subsystem: "docstore",
			Name:      "subscribers",
			Help:      "Active document subscriptions.",
		}),
		lagged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "propsync",
			Subsystem: "docstore",
			Name:      "subscribers_lagged_total",
			Help:      "Subscriptions dropped because their buffer was full.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.merges, m.subscribers, m.lagged)
	}
	return m
}

func (m *Metrics) observeMerge(result string) {
	if m == nil {
		return
	}
	m.merges.WithLabelValues(result).Inc()
}

func (m *Metrics) subscriberAdded() {
	if m == nil {
		return
	}
	m.subscribers.Inc()
}

func (m *Metrics) subscriberRemoved() {
	if m == nil {
		return
	}
	m.subscribers.Dec()
}

func (m *Metrics) subscriberLagged() {
	if m == nil {
		return
	}
	m.lagged.Inc()
}
