// Package metrics exposes the sync core's prometheus counters. A nil
// *Recorder is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "shellsync"

type Recorder struct {
	registry *prometheus.Registry

	eventsApplied     *prometheus.CounterVec
	eventsRejected    prometheus.Counter
	renders           prometheus.Counter
	enrichmentFailed  prometheus.Counter
	staleDiscarded    prometheus.Counter
	flagWrites        *prometheus.CounterVec
	reloads           *prometheus.CounterVec
	enrichmentSeconds prometheus.Histogram
}

func New() *Recorder {
	return NewWithRegistry(prometheus.NewRegistry())
}

func NewWithRegistry(reg *prometheus.Registry) *Recorder {
	factory := promauto.With(reg)
	return &Recorder{
		registry: reg,
		eventsApplied: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "download_events_applied_total",
			Help:      "Download events applied to the store, by kind.",
		}, []string{"kind"}),
		eventsRejected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "download_events_rejected_total",
			Help:      "Download events dropped as malformed.",
		}),
		renders: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "renders_total",
			Help:      "Change notifications delivered to listeners.",
		}),
		enrichmentFailed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "archive_enrichment_failures_total",
			Help:      "Per-archive stats fetches that failed.",
		}),
		staleDiscarded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_results_discarded_total",
			Help:      "Async results dropped because the view was no longer current.",
		}),
		flagWrites: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flag_writes_total",
			Help:      "Archive flag writebacks, by outcome.",
		}, []string{"outcome"}),
		reloads: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "view_reloads_total",
			Help:      "Archive view reloads, by trigger.",
		}, []string{"trigger"}),
		enrichmentSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "archive_enrichment_duration_seconds",
			Help:      "Wall time of one enrichment pass.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

func (r *Recorder) EventApplied(kind string) {
	if r == nil {
		return
	}
	r.eventsApplied.WithLabelValues(kind).Inc()
}

func (r *Recorder) EventRejected() {
	if r == nil {
		return
	}
	r.eventsRejected.Inc()
}

func (r *Recorder) Render() {
	if r == nil {
		return
	}
	r.renders.Inc()
}

func (r *Recorder) EnrichmentFailed() {
	if r == nil {
		return
	}
	r.enrichmentFailed.Inc()
}

func (r *Recorder) StaleDiscarded() {
	if r == nil {
		return
	}
	r.staleDiscarded.Inc()
}

// FlagWrite records a writeback outcome: "ok", "retried" or "failed".
func (r *Recorder) FlagWrite(outcome string) {
	if r == nil {
		return
	}
	r.flagWrites.WithLabelValues(outcome).Inc()
}

func (r *Recorder) Reload(trigger string) {
	if r == nil {
		return
	}
	r.reloads.WithLabelValues(trigger).Inc()
}

func (r *Recorder) ObserveEnrichment(d time.Duration) {
	if r == nil {
		return
	}
	r.enrichmentSeconds.Observe(d.Seconds())
}

func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// Handler serves the recorder's registry in the prometheus text format.
func (r *Recorder) Handler() http.Handler {
	if r == nil || r.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
