package statesync

import "github.com/prometheus/client_golang/prometheus"

const (
	writeAcked        = "acked"
	writeFailed       = "failed"
	writeDeadLettered = "dead_lettered"
	writeRetried      = "retried"
)

type Metrics struct {
	writes        *prometheus.CounterVec
	remoteUpdates prometheus.Counter
	syncErrors    prometheus.Counter
	outboxDepth   prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		writes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "propsync",
			Subsystem: "statesync",
			Name:      "remote_writes_total",
			Help:      "Remote write attempts by outcome.",
		}, []string{"result"}),
		remoteUpdates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "propsync",
			Subsystem: "statesync",
			Name:      "remote_updates_total",
			Help:      "Remote snapshots applied to the local cache.",
		}),
		syncErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "propsync",
			Subsystem: "statesync",
			Name:      "sync_errors_total",
			Help:      "Errors reported to the sync error callback.",
		}),
		outboxDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "propsync",
			Subsystem: "statesync",
			Name:      "outbox_depth",
			Help:      "Writes waiting in the outbox.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.writes, m.remoteUpdates, m.syncErrors, m.outboxDepth)
	}
	return m
}

func (m *Metrics) observeWrite(result string) {
	if m == nil {
		return
	}
	m.writes.WithLabelValues(result).Inc()
}

func (m *Metrics) remoteUpdate() {
	if m == nil {
		return
	}
	m.remoteUpdates.Inc()
}

func (m *Metrics) syncError() {
	if m == nil {
		return
	}
	m.syncErrors.Inc()
}

func (m *Metrics) setOutboxDepth(depth int) {
	if m == nil {
		return
	}
	m.outboxDepth.Set(float64(depth))
}
