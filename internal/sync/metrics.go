package sync

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the batch run's Prometheus collectors. They live on a
// private registry so that a batch process can export them as a
// node-exporter textfile without touching the global default registry.
type Metrics struct {
	registry *prometheus.Registry

	// targetsTotal counts finished targets by outcome.
	targetsTotal *prometheus.CounterVec

	// targetDuration tracks per-target pipeline latency.
	targetDuration *prometheus.HistogramVec

	// planFiles counts planned file changes by kind.
	planFiles *prometheus.CounterVec

	// retriesTotal counts retried remote operations.
	retriesTotal *prometheus.CounterVec

	// auditDropped counts audit events that were not persisted.
	auditDropped prometheus.Gauge

	// lastRun is the completion time of the last batch.
	lastRun prometheus.Gauge
}

// NewMetrics registers the batch collectors on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		targetsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fleetsync_targets_total",
			Help: "Targets processed by outcome",
		}, []string{"outcome"}),
		targetDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fleetsync_target_duration_seconds",
			Help:    "Per-target pipeline duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~100s
		}, []string{"outcome"}),
		planFiles: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fleetsync_plan_files_total",
			Help: "Planned file changes by kind",
		}, []string{"kind"}),
		retriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fleetsync_remote_retries_total",
			Help: "Retried remote operations by operation name",
		}, []string{"op"}),
		auditDropped: factory.NewGauge(prometheus.GaugeOpts{
			Name: "fleetsync_audit_dropped_events",
			Help: "Audit events dropped in the last batch",
		}),
		lastRun: factory.NewGauge(prometheus.GaugeOpts{
			Name: "fleetsync_last_run_timestamp_seconds",
			Help: "Unix time the last batch finished",
		}),
	}
}

// Registry exposes the private registry as a Gatherer.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) observeTarget(outcome Outcome, d time.Duration) {
	if m == nil {
		return
	}

	m.targetsTotal.WithLabelValues(string(outcome)).Inc()
	m.targetDuration.WithLabelValues(string(outcome)).Observe(d.Seconds())
}

func (m *Metrics) observePlan(p *Plan) {
	if m == nil || p == nil {
		return
	}

	adds, updates := 0, 0

	for _, w := range p.writes {
		if w.Update {
			updates++
		} else {
			adds++
		}
	}

	m.planFiles.WithLabelValues("add").Add(float64(adds))
	m.planFiles.WithLabelValues("update").Add(float64(updates))
	m.planFiles.WithLabelValues("delete").Add(float64(len(p.deletes)))
}

func (m *Metrics) observeRetry(op string) {
	if m == nil {
		return
	}

	m.retriesTotal.WithLabelValues(op).Inc()
}

func (m *Metrics) finishBatch(dropped int64, at time.Time) {
	if m == nil {
		return
	}

	m.auditDropped.Set(float64(dropped))
	m.lastRun.Set(float64(at.Unix()))
}

// WriteTextfile writes the collected metrics in the node-exporter textfile
// format, atomically replacing path.
func (m *Metrics) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("sync: writing metrics textfile: %w", err)
	}

	return nil
}
