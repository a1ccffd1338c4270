// Package metrics exposes prometheus collectors for the normalization and
// detection pipeline.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Normalization paths.
const (
	PathUpright     = "upright"
	PathRotated     = "rotated"
	PathPassthrough = "passthrough"
	PathFailed      = "failed"
)

// Recorder owns a private registry so tests can create as many as they like.
type Recorder struct {
	registry       *prometheus.Registry
	normalizations *prometheus.CounterVec
	detections     *prometheus.HistogramVec
}

func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		normalizations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "facecontour",
			Name:      "normalize_total",
			Help:      "Image normalizations by source kind, path taken and outcome.",
		}, []string{"source", "path", "outcome"}),
		detections: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "facecontour",
			Name:      "detect_duration_seconds",
			Help:      "Latency of face detector calls.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"backend", "outcome"}),
	}
	r.registry.MustRegister(
		r.normalizations,
		r.detections,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// ObserveNormalization counts one Normalize call. outcome is "ok" or an
// error kind.
func (r *Recorder) ObserveNormalization(source, path, outcome string) {
	if r == nil {
		return
	}
	r.normalizations.WithLabelValues(source, path, outcome).Inc()
}

func (r *Recorder) ObserveDetection(backend, outcome string, elapsed time.Duration) {
	if r == nil {
		return
	}
	r.detections.WithLabelValues(backend, outcome).Observe(elapsed.Seconds())
}

// Handler serves the registry in the prometheus text format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// Registry is exposed for tests.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}
