// Package metrics provides Prometheus instrumentation for the moderation
// pipeline: queue depth and throughput, URL check outcomes, arbitration
// sources and enforcement actions.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// QueueSize tracks the number of tasks waiting to run.
	QueueSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "guardian_queue_size",
		Help: "Number of moderation tasks waiting in the queue",
	})

	// QueueProcessing tracks the number of tasks currently running.
	QueueProcessing = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "guardian_queue_processing",
		Help: "Number of moderation tasks currently running",
	})

	// TasksTotal counts finished task attempts, labeled by outcome:
	// "done", "retry" or "failed".
	TasksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "guardian_tasks_total",
		Help: "Moderation task attempts by outcome",
	}, []string{"outcome"})

	// TaskLatency records the duration of one task attempt in seconds.
	TaskLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "guardian_task_latency_seconds",
		Help:    "Duration of a moderation task attempt in seconds",
		Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
	})

	// MessagesTotal counts ingested messages, labeled by result:
	// "queued", "bypassed", "empty", "violation", "false_positive" or "clean".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "guardian_messages_total",
		Help: "Messages seen by the ingestion gate by result",
	}, []string{"result"})

	// URLChecks counts per-URL outcomes: "blacklisted", "skipped",
	// "impersonation", "unsafe", "safe" or "error".
	URLChecks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "guardian_url_checks_total",
		Help: "URL safety check outcomes",
	}, []string{"outcome"})

	// Verdicts counts arbitration results by source and decision.
	Verdicts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "guardian_verdicts_total",
		Help: "Arbitration verdicts by source and decision",
	}, []string{"source", "decision"})

	// Enforcement counts platform actions by kind and result.
	Enforcement = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "guardian_enforcement_total",
		Help: "Platform enforcement actions by kind and result",
	}, []string{"action", "result"})

	// MutesApplied records the punishment durations applied, in seconds.
	MutesApplied = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "guardian_mute_duration_seconds",
		Help:    "Durations of applied mutes in seconds",
		Buckets: []float64{300, 43200, 604800, 2419200},
	})
)

func init() {
	prometheus.MustRegister(
		QueueSize,
		QueueProcessing,
		TasksTotal,
		TaskLatency,
		MessagesTotal,
		URLChecks,
		Verdicts,
		Enforcement,
		MutesApplied,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
