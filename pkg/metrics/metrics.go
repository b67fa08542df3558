// Package metrics records per-activity Prometheus metrics.
package metrics

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder owns the activity counters and duration histogram of one processor.
// Every instrument carries the processor name and version as constant labels.
type Recorder struct {
	processed prometheus.Counter
	succeeded prometheus.Counter
	failed    prometheus.Counter
	duration  prometheus.Histogram
}

// NewRecorder creates the instruments and registers them on reg. Instruments
// already registered by an identical recorder are reused.
func NewRecorder(reg prometheus.Registerer, processorName, processorVersion string) (*Recorder, error) {
	if reg == nil {
		return nil, fmt.Errorf("registerer cannot be nil")
	}
	labels := prometheus.Labels{
		"processor_name":    processorName,
		"processor_version": processorVersion,
	}

	r := &Recorder{
		processed: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "activities_processed_total",
			Help:        "Total number of activities processed",
			ConstLabels: labels,
		}),
		succeeded: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "activities_succeeded_total",
			Help:        "Total number of activities that completed",
			ConstLabels: labels,
		}),
		failed: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "activities_failed_total",
			Help:        "Total number of activities that failed",
			ConstLabels: labels,
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "activity_duration_seconds",
			Help:        "Wall-clock duration of activity processing",
			ConstLabels: labels,
			Buckets:     []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),
	}

	var err error
	if r.processed, err = register(reg, r.processed); err != nil {
		return nil, err
	}
	if r.succeeded, err = register(reg, r.succeeded); err != nil {
		return nil, err
	}
	if r.failed, err = register(reg, r.failed); err != nil {
		return nil, err
	}
	if r.duration, err = register(reg, r.duration); err != nil {
		return nil, err
	}
	return r, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, fmt.Errorf("failed to register metric: %w", err)
	}
	return c, nil
}

// Record counts one finished activity. processed always moves; exactly one of
// succeeded or failed moves with it.
func (r *Recorder) Record(success bool, d time.Duration) {
	r.processed.Inc()
	if success {
		r.succeeded.Inc()
	} else {
		r.failed.Inc()
	}
	r.duration.Observe(d.Seconds())
}

// Handler serves the metrics gathered by g
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
