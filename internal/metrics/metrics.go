// Package metrics declares the Prometheus collectors shared by the API and the
// worker. Collectors register on the default registry through promauto.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	jobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "redesign_jobs_total",
		Help: "Generation jobs by outcome (completed, timeout, worker_failed, malformed_result, config, canceled).",
	}, []string{"outcome"})

	jobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "redesign_job_duration_seconds",
		Help:    "Wall-clock duration of generation jobs.",
		Buckets: []float64{5, 15, 30, 60, 120, 180, 300, 450, 600},
	}, []string{"outcome"})

	jobsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "redesign_jobs_in_flight",
		Help: "Generation jobs currently running.",
	})

	uploadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "redesign_uploads_total",
		Help: "Upload attempts by result.",
	}, []string{"result"})

	verificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "redesign_verifications_total",
		Help: "Magic-link resolutions by outcome.",
	}, []string{"outcome"})

	feedbackTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "redesign_feedback_total",
		Help: "Feedback submissions by outcome.",
	}, []string{"outcome"})

	notificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "redesign_notifications_total",
		Help: "Notification deliveries by kind and result.",
	}, []string{"kind", "result"})
)

// JobStarted marks a job as running and returns the function that records
// its end.
func JobStarted() func(outcome string, elapsed time.Duration) {
	jobsInFlight.Inc()
	return func(outcome string, elapsed time.Duration) {
		jobsInFlight.Dec()
		jobsTotal.WithLabelValues(outcome).Inc()
		jobDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())
	}
}

// Upload counts an upload attempt.
func Upload(result string) {
	uploadsTotal.WithLabelValues(result).Inc()
}

// Verification counts a token resolution.
func Verification(outcome string) {
	verificationsTotal.WithLabelValues(outcome).Inc()
}

// Feedback counts a feedback submission.
func Feedback(outcome string) {
	feedbackTotal.WithLabelValues(outcome).Inc()
}

// Notification counts a notification attempt.
func Notification(kind string, err error) {
	result := "sent"
	if err != nil {
		result = "error"
	}
	notificationsTotal.WithLabelValues(kind, result).Inc()
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
