// Package metrics exposes admission and upload metrics to Prometheus.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/JonMunkholm/x11mirror/internal/admission"
	"github.com/JonMunkholm/x11mirror/internal/core"
)

const namespace = "x11mirror"

// Collector counts admission decisions and finished uploads. It implements
// admission.Observer and core.Recorder.
type Collector struct {
	registry *prometheus.Registry

	admitted  prometheus.Counter
	suspended prometheus.Counter
	resumed   prometheus.Counter
	released  prometheus.Counter
	position  prometheus.Histogram

	uploads  *prometheus.CounterVec
	aborted  prometheus.Counter
	bytes    prometheus.Counter
	waited   prometheus.Histogram
	duration prometheus.Histogram
}

// New creates a Collector with its own registry, including the Go runtime
// and process collectors.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		admitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "admission", Name: "admitted_total",
			Help: "Connections granted the upload slot.",
		}),
		suspended: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "admission", Name: "suspended_total",
			Help: "Connections parked because the upload slot was taken.",
		}),
		resumed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "admission", Name: "resumed_total",
			Help: "Parked connections resumed after a release.",
		}),
		released: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "admission", Name: "released_total",
			Help: "Upload slot releases.",
		}),
		position: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "admission", Name: "queue_position",
			Help:    "Queue position of a connection when it was parked.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}),
		uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "upload", Name: "requests_total",
			Help: "Finished upload requests by response page.",
		}, []string{"page"}),
		aborted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "upload", Name: "aborted_total",
			Help: "Upload requests that ended before a response was sent.",
		}),
		bytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "upload", Name: "received_bytes_total",
			Help: "Bytes written to the staging file.",
		}),
		waited: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "upload", Name: "wait_seconds",
			Help:    "Time spent parked before admission.",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "upload", Name: "duration_seconds",
			Help:    "Wall time of upload requests, waiting included.",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
		}),
	}

	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.admitted, c.suspended, c.resumed, c.released, c.position,
		c.uploads, c.aborted, c.bytes, c.waited, c.duration,
	)
	return c
}

// WatchController exports the live state of ctrl as gauges.
func (c *Collector) WatchController(ctrl *admission.Controller) {
	c.registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "admission", Name: "waiting",
			Help: "Connections currently parked.",
		}, func() float64 { return float64(ctrl.Status().Waiting) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "admission", Name: "busy",
			Help: "1 while an upload holds the slot.",
		}, func() float64 {
			if ctrl.Status().Busy {
				return 1
			}
			return 0
		}),
	)
}

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Admitted implements admission.Observer.
func (c *Collector) Admitted(admission.Conn) { c.admitted.Inc() }

// Suspended implements admission.Observer.
func (c *Collector) Suspended(_ admission.Conn, position int) {
	c.suspended.Inc()
	c.position.Observe(float64(position + 1))
}

// Resumed implements admission.Observer.
func (c *Collector) Resumed(admission.Conn) { c.resumed.Inc() }

// Released implements admission.Observer.
func (c *Collector) Released(admission.Conn) { c.released.Inc() }

// RecordUpload implements core.Recorder.
func (c *Collector) RecordUpload(_ context.Context, rec core.UploadRecord) error {
	page := rec.Page
	if page == "" {
		page = "none"
	}
	c.uploads.WithLabelValues(page).Inc()
	if rec.Aborted {
		c.aborted.Inc()
	}
	if rec.Bytes > 0 {
		c.bytes.Add(float64(rec.Bytes))
	}
	c.waited.Observe(rec.Waited.Seconds())
	if d := rec.Duration(); d > 0 {
		c.duration.Observe(d.Seconds())
	}
	return nil
}
