// Package metrics holds the per-run Prometheus collectors of a tiling run.
// Runs are batch jobs, so the registry is written once to a node-exporter
// textfile instead of being served.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/kilupskalvis/hsipatch/internal/models"
)

const namespace = "hsipatch"

// Run collects the counters of one run. A nil *Run is valid and records
// nothing.
type Run struct {
	reg *prometheus.Registry

	Candidates  prometheus.Counter
	Accepted    prometheus.Counter
	Rejected    prometheus.Counter
	Written     prometheus.Counter
	Flushes     prometheus.Counter
	TaskSeconds prometheus.Histogram
}

// New registers the run collectors on a fresh registry, labelled with the
// variant and run id.
func New(variant models.Variant, runID string) *Run {
	reg := prometheus.NewRegistry()
	labels := prometheus.Labels{"variant": string(variant), "run_id": runID}
	f := promauto.With(reg)

	return &Run{
		reg: reg,
		Candidates: f.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "candidate_patches_total",
			Help:        "Windows read from rasters",
			ConstLabels: labels,
		}),
		Accepted: f.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "accepted_patches_total",
			Help:        "Windows that passed the acceptance predicate",
			ConstLabels: labels,
		}),
		Rejected: f.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "rejected_patches_total",
			Help:        "Windows dropped by the acceptance predicate",
			ConstLabels: labels,
		}),
		Written: f.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "store_entries_written_total",
			Help:        "Entries durably committed to the store",
			ConstLabels: labels,
		}),
		Flushes: f.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "store_flushes_total",
			Help:        "Committed store batches",
			ConstLabels: labels,
		}),
		TaskSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Name:        "task_duration_seconds",
			Help:        "Wall time of one raster or raster pair task",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
	}
}

// ObserveTask records one finished task.
func (r *Run) ObserveTask(candidates, accepted int, took time.Duration) {
	if r == nil {
		return
	}
	r.Candidates.Add(float64(candidates))
	r.Accepted.Add(float64(accepted))
	r.Rejected.Add(float64(candidates - accepted))
	r.TaskSeconds.Observe(took.Seconds())
}

// ObserveFlush records a committed batch of n entries.
func (r *Run) ObserveFlush(n int) {
	if r == nil {
		return
	}
	r.Written.Add(float64(n))
	r.Flushes.Inc()
}

// Registry exposes the underlying registry.
func (r *Run) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.reg
}

// WriteTextfile writes the registry atomically in the text exposition format.
// An empty path is a no-op.
func (r *Run) WriteTextfile(path string) error {
	if r == nil || path == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, r.reg); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
