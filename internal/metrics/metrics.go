package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "commentsync"

// Metrics holds all application metrics. A nil *Metrics records nothing.
type Metrics struct {
	// Gateway
	StoreOperationsTotal *prometheus.CounterVec
	ReplyConflictsTotal  prometheus.Counter

	// View model
	SnapshotsTotal prometheus.Counter

	// Replication
	ReplicationActive       prometheus.Gauge
	ReplicationErrorsTotal  prometheus.Counter
	ReplicatedDocsTotal     *prometheus.CounterVec
	ReplicationRestartTotal prometheus.Counter
}

// New creates and registers all metrics with the default registry
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates and registers all metrics with a custom registry
func NewWithRegistry(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)

	return &Metrics{
		StoreOperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "store_operations_total",
				Help:      "Comment store gateway operations by result",
			},
			[]string{"operation", "result"},
		),
		ReplyConflictsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reply_conflicts_total",
			Help:      "Reply appends rejected by the revision check and retried",
		}),
		SnapshotsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "view_snapshots_total",
			Help:      "Change feed snapshots applied to the view model",
		}),
		ReplicationActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "replication_active",
			Help:      "1 while a replication session with the remote is running",
		}),
		ReplicationErrorsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replication_errors_total",
			Help:      "Replication sessions ended by an error",
		}),
		ReplicatedDocsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "replicated_documents_total",
				Help:      "Documents moved by replication",
			},
			[]string{"direction"},
		),
		ReplicationRestartTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replication_restarts_total",
			Help:      "Replication sessions started",
		}),
	}
}

func (m *Metrics) StoreOperation(op string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.StoreOperationsTotal.WithLabelValues(op, result).Inc()
}

func (m *Metrics) ReplyConflict() {
	if m == nil {
		return
	}
	m.ReplyConflictsTotal.Inc()
}

func (m *Metrics) Snapshot() {
	if m == nil {
		return
	}
	m.SnapshotsTotal.Inc()
}

func (m *Metrics) SetReplicationActive(active bool) {
	if m == nil {
		return
	}
	if active {
		m.ReplicationActive.Set(1)
		return
	}
	m.ReplicationActive.Set(0)
}

func (m *Metrics) ReplicationError() {
	if m == nil {
		return
	}
	m.ReplicationErrorsTotal.Inc()
}

func (m *Metrics) ReplicationRestart() {
	if m == nil {
		return
	}
	m.ReplicationRestartTotal.Inc()
}

// Replicated counts documents; direction is "push" or "pull".
func (m *Metrics) Replicated(direction string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.ReplicatedDocsTotal.WithLabelValues(direction).Add(float64(n))
}
