// Package metrics exposes download activity as Prometheus metrics.
package metrics

import (
	"net/http"
	"strings"

	"github.com/cwygoda/downlee/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const mib = 1024 * 1024

// Recorder keeps the download metrics on its own registry. It observes hub
// events, so every update runs on the fanout dispatcher.
type Recorder struct {
	registry *prometheus.Registry

	started    *prometheus.CounterVec
	finished   *prometheus.CounterVec
	inProgress *prometheus.GaugeVec
	speed      prometheus.Gauge
	pending    prometheus.Gauge
	bytes      *prometheus.CounterVec
	size       *prometheus.HistogramVec
	duration   *prometheus.HistogramVec
	errors     *prometheus.CounterVec
	retries    *prometheus.CounterVec
	jobs       *prometheus.GaugeVec
}

// New creates a recorder with process and Go runtime collectors attached.
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		started: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "downlee_downloads_started_total",
			Help: "Total number of downloads started.",
		}, []string{"source"}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "downlee_downloads_total",
			Help: "Total number of downloads that left the downloading state.",
		}, []string{"source", "status"}),
		inProgress: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "downlee_downloads_in_progress",
			Help: "Number of currently active downloads.",
		}, []string{"source"}),
		speed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "downlee_download_speed_bytes",
			Help: "Current total download speed in bytes per second.",
		}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "downlee_bytes_pending",
			Help: "Total bytes pending download.",
		}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "downlee_bytes_downloaded_total",
			Help: "Total bytes of completed downloads.",
		}, []string{"source"}),
		size: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "downlee_download_size_bytes",
			Help:    "Size of completed downloads in bytes.",
			Buckets: []float64{1 * mib, 10 * mib, 50 * mib, 100 * mib, 500 * mib, 1024 * mib, 5 * 1024 * mib},
		}, []string{"source"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "downlee_download_duration_seconds",
			Help:    "Duration of completed downloads in seconds.",
			Buckets: []float64{10, 30, 60, 120, 300, 600, 1800, 3600},
		}, []string{"source"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "downlee_download_errors_total",
			Help: "Total number of failed downloads.",
		}, []string{"source", "error_type"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "downlee_download_retries_total",
			Help: "Total number of repeated transfer attempts.",
		}, []string{"source"}),
		jobs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "downlee_db_downloads_count",
			Help: "Jobs known to the dashboard by status.",
		}, []string{"status"}),
	}

	r.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.started, r.finished, r.inProgress, r.speed, r.pending, r.bytes,
		r.size, r.duration, r.errors, r.retries, r.jobs,
	)
	return r
}

// Handler serves the registry in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Observe updates the metrics for one applied event.
func (r *Recorder) Observe(ev domain.Event, prev *domain.Job, stats domain.Stats) {
	r.speed.Set(stats.TotalSpeed)
	r.pending.Set(float64(stats.PendingBytes))
	for _, st := range domain.Statuses {
		r.jobs.WithLabelValues(string(st)).Set(float64(stats.Counts[st]))
	}

	j := ev.Job
	source := label(j.SourceID)
	wasActive := prev != nil && prev.Status == domain.StatusDownloading

	if ev.Kind == domain.EventDeleted {
		if wasActive {
			r.inProgress.WithLabelValues(source).Dec()
		}
		return
	}

	isActive := j.Status == domain.StatusDownloading
	switch {
	case isActive && !wasActive:
		r.started.WithLabelValues(source).Inc()
		r.inProgress.WithLabelValues(source).Inc()
	case !isActive && wasActive:
		r.inProgress.WithLabelValues(source).Dec()
		r.finished.WithLabelValues(source, string(j.Status)).Inc()
		switch j.Status {
		case domain.StatusDone:
			r.bytes.WithLabelValues(source).Add(float64(j.DownloadedBytes))
			r.size.WithLabelValues(source).Observe(float64(j.DownloadedBytes))
			if d := j.UpdatedAt.Sub(j.CreatedAt).Seconds(); d > 0 {
				r.duration.WithLabelValues(source).Observe(d)
			}
		case domain.StatusFailed:
			r.errors.WithLabelValues(source, ErrorType(j.Error)).Inc()
		}
	}
}

// ObserveRetry counts a repeated transfer attempt. Its signature matches
// the orchestrator's OnAttemptFailed hook.
func (r *Recorder) ObserveRetry(job domain.Job, attempt int, err error) {
	r.retries.WithLabelValues(label(job.SourceID)).Inc()
}

// ErrorType buckets a failure message for the error_type label.
func ErrorType(msg string) string {
	m := strings.ToLower(msg)
	switch {
	case msg == domain.InterruptedMessage:
		return "interrupted"
	case strings.Contains(m, "timed out"), strings.Contains(m, "timeout"), strings.Contains(m, "deadline"):
		return "timeout"
	case strings.Contains(m, "connection"), strings.Contains(m, "network"), strings.Contains(m, "bridge returned"):
		return "network"
	case strings.Contains(m, "persistence"):
		return "storage"
	case strings.Contains(m, "canceled"), strings.Contains(m, "cancelled"):
		return "cancelled"
	}
	return "unknown"
}

func label(sourceID string) string {
	if sourceID == "" {
		return "unknown"
	}
	return sourceID
}
