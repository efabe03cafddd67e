// Package metrics records check and session counters in a Prometheus registry.
package metrics

import (
	"errors"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "vrs"

// Collector owns the counters for one process. A nil Collector records nothing.
type Collector struct {
	registry     *prometheus.Registry
	checks       *prometheus.CounterVec
	uploads      prometheus.Counter
	verdicts     *prometheus.CounterVec
	blinking     prometheus.Counter
	pollAttempts prometheus.Histogram
}

// New registers all vrs metrics on a fresh registry.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		checks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checks_total",
			Help:      "Check submissions by phase and returned status.",
		}, []string{"phase", "status"}),
		uploads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "image_uploads_total",
			Help:      "Checks that required the image bytes to be uploaded.",
		}),
		verdicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_verdicts_total",
			Help:      "Session verdicts reported on stop.",
		}, []string{"verdict"}),
		blinking: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blinking_groups_total",
			Help:      "Blinking check groups seen at session stop.",
		}),
		pollAttempts: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stop_poll_attempts",
			Help:      "Status fetches made while finalizing a session.",
			Buckets:   prometheus.LinearBuckets(1, 1, 10),
		}),
	}
	c.registry.MustRegister(c.checks, c.uploads, c.verdicts, c.blinking, c.pollAttempts)
	return c
}

// Registry exposes the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// ObserveCheck counts one check response.
func (c *Collector) ObserveCheck(phase, status string) {
	if c == nil {
		return
	}
	c.checks.WithLabelValues(strings.TrimSpace(phase), strings.TrimSpace(status)).Inc()
}

// ObserveUpload counts one image upload.
func (c *Collector) ObserveUpload() {
	if c == nil {
		return
	}
	c.uploads.Inc()
}

// ObserveVerdict counts one reported session verdict.
func (c *Collector) ObserveVerdict(verdict string, blinking int) {
	if c == nil {
		return
	}
	c.verdicts.WithLabelValues(verdict).Inc()
	if blinking > 0 {
		c.blinking.Add(float64(blinking))
	}
}

// ObservePoll records how many fetches a stop poll needed.
func (c *Collector) ObservePoll(attempts int) {
	if c == nil {
		return
	}
	c.pollAttempts.Observe(float64(attempts))
}

// WriteTextfile writes the registry in the node-exporter textfile format.
func (c *Collector) WriteTextfile(path string) error {
	if c == nil {
		return errors.New("metrics collector is nil")
	}
	if strings.TrimSpace(path) == "" {
		return errors.New("metrics path must not be empty")
	}
	return prometheus.WriteToTextfile(path, c.registry)
}
