// Package metrics exports loop counters through a private Prometheus registry.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"flint/internal/search"
)

// Collector implements search.Recorder. Each run gets its own registry so
// runs in one process never share series.
type Collector struct {
	registry *prometheus.Registry

	OracleCalls    *prometheus.CounterVec
	OracleDuration prometheus.Histogram
	Iterations     prometheus.Counter
	Proposed       prometheus.Counter
	Dropped        prometheus.Counter
	Duplicates     prometheus.Counter
	Failures       prometheus.Counter
	Inserted       prometheus.Counter
	ArchiveSize    prometheus.Gauge
	BestAffinity   prometheus.Gauge
	Outcomes       *prometheus.CounterVec
}

var _ search.Recorder = (*Collector)(nil)

func NewCollector(namespace string) *Collector {
	registry := prometheus.NewRegistry()

	c := &Collector{
		registry: registry,
		OracleCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "oracle_calls_total",
				Help:      "Docking oracle invocations by outcome",
			},
			[]string{"outcome"},
		),
		OracleDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "oracle_call_duration_seconds",
				Help:      "Docking oracle call duration in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
			},
		),
		Iterations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "iterations_total",
			Help:      "Completed proposal rounds",
		}),
		Proposed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "candidates_proposed_total",
			Help:      "Candidates yielded by the proposer",
		}),
		Dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "candidates_dropped_total",
			Help:      "Candidates dropped for naming an unknown parent or matching their parent",
		}),
		Duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "candidates_duplicate_total",
			Help:      "Candidates skipped because their fingerprint was known",
		}),
		Failures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "candidates_failed_total",
			Help:      "Candidates the oracle could not score",
		}),
		Inserted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "candidates_archived_total",
			Help:      "Candidates inserted into the archive",
		}),
		ArchiveSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "archive_entries",
			Help:      "Retained archive entries including the original receptor",
		}),
		BestAffinity: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "best_affinity_kcal_per_mol",
			Help:      "Best affinity in the archive",
		}),
		Outcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "run_outcomes_total",
				Help:      "Finished runs by outcome and reason",
			},
			[]string{"outcome", "reason"},
		),
	}

	registry.MustRegister(
		c.OracleCalls,
		c.OracleDuration,
		c.Iterations,
		c.Proposed,
		c.Dropped,
		c.Duplicates,
		c.Failures,
		c.Inserted,
		c.ArchiveSize,
		c.BestAffinity,
		c.Outcomes,
	)
	return c
}

func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

func (c *Collector) ObserveOracleCall(outcome string, elapsed time.Duration) {
	c.OracleCalls.WithLabelValues(outcome).Inc()
	c.OracleDuration.Observe(elapsed.Seconds())
}

func (c *Collector) ObserveIteration(diag search.IterationDiagnostics) {
	c.Iterations.Inc()
	c.Proposed.Add(float64(diag.Proposed))
	c.Dropped.Add(float64(diag.Dropped))
	c.Duplicates.Add(float64(diag.Duplicates))
	c.Failures.Add(float64(diag.Failures))
	c.Inserted.Add(float64(diag.Inserted))
	c.ArchiveSize.Set(float64(diag.ArchiveSize))
	if diag.Best != nil {
		c.BestAffinity.Set(*diag.Best)
	}
}

func (c *Collector) ObserveOutcome(outcome search.State, reason string) {
	c.Outcomes.WithLabelValues(string(outcome), reason).Inc()
}

// WriteTextfile writes the registry in the text exposition format, for the
// node exporter textfile collector or plain inspection.
func (c *Collector) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, c.registry); err != nil {
		return fmt.Errorf("write metrics %s: %w", path, err)
	}
	return nil
}
