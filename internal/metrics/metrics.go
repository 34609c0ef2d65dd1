// Package metrics exposes the Prometheus collectors shared by the worker
// and scheduler binaries. All are registered on the default registry and
// scraped from the /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	JobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crashlake_jobs_processed_total",
		Help: "Stage messages consumed, by stage and outcome.",
	}, []string{"stage", "outcome"})

	JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "crashlake_job_duration_seconds",
		Help:    "Time spent processing one stage message.",
		Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	}, []string{"stage"})

	RowsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crashlake_rows_processed_total",
		Help: "Rows a stage accepted, by stage.",
	}, []string{"stage"})

	RowsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crashlake_rows_rejected_total",
		Help: "Rows a stage rejected as invalid, by stage.",
	}, []string{"stage"})

	Retries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crashlake_message_retries_total",
		Help: "Messages republished for another attempt, by queue.",
	}, []string{"queue"})

	DeadLetters = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crashlake_dead_letters_total",
		Help: "Messages parked on a dead-letter queue, by queue and category.",
	}, []string{"queue", "category"})

	SchedulesFired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crashlake_schedules_fired_total",
		Help: "Scheduled activations that minted a run.",
	})

	SchedulesSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crashlake_schedules_skipped_total",
		Help: "Activations skipped because the previous run was in flight.",
	})
)
