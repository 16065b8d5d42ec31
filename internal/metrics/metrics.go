package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics records backup subsystem activity.
type Metrics interface {
	ObserveOperation(op, kind, status string, durationSeconds float64)
	AddSkippedObjects(n int)
	AddRestoredObjects(n int)
	AddExpired(n int)
}

// Noop implements Metrics without emitting anything.
type Noop struct{}

func (Noop) ObserveOperation(string, string, string, float64) {}
func (Noop) AddSkippedObjects(int)                            {}
func (Noop) AddRestoredObjects(int)                           {}
func (Noop) AddExpired(int)                                   {}

// Prom implements Metrics backed by Prometheus collectors.
type Prom struct {
	operations *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	skipped    prometheus.Counter
	restored   prometheus.Counter
	expired    prometheus.Counter
}

// NewProm builds the collectors and registers them with reg. A nil reg uses
// the default registerer.
func NewProm(namespace string, reg prometheus.Registerer) (*Prom, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	p := &Prom{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backup_operations_total",
			Help:      "Backup operations by operation, artifact kind and status",
		}, []string{"op", "kind", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "backup_operation_duration_seconds",
			Help:      "Duration of backup operations",
			Buckets:   []float64{1, 5, 15, 60, 300, 900, 1800, 3600},
		}, []string{"op", "kind"}),
		skipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backup_skipped_objects_total",
			Help:      "Referenced objects left out of file archives",
		}),
		restored: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backup_restored_objects_total",
			Help:      "Objects re-uploaded to the canonical store during restores",
		}),
		expired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backup_expired_total",
			Help:      "Artifacts deleted by the retention sweep",
		}),
	}
	for _, c := range []prometheus.Collector{p.operations, p.duration, p.skipped, p.restored, p.expired} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *Prom) ObserveOperation(op, kind, status string, durationSeconds float64) {
	p.operations.WithLabelValues(op, kind, status).Inc()
	p.duration.WithLabelValues(op, kind).Observe(durationSeconds)
}

func (p *Prom) AddSkippedObjects(n int) {
	p.skipped.Add(float64(n))
}

func (p *Prom) AddRestoredObjects(n int) {
	p.restored.Add(float64(n))
}

func (p *Prom) AddExpired(n int) {
	p.expired.Add(float64(n))
}
