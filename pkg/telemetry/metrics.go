package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "fitflow"

var (
	// ─── Sync ────────────────────────────────────────────────────────────────────

	SyncPulls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sync",
		Name:      "pulls_total",
		Help:      "Health source pulls, labelled by mode and result.",
	}, []string{"mode", "result"})

	WorkoutsFetched = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sync",
		Name:      "workouts_fetched_total",
		Help:      "Workout records returned by the health source.",
	})

	WorkoutsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sync",
		Name:      "workouts_dropped_total",
		Help:      "Workouts dropped before scoring, labelled by reason.",
	}, []string{"reason"})

	// ─── Scoring ─────────────────────────────────────────────────────────────────

	XPAwarded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "xp",
		Name:      "awarded_total",
		Help:      "XP awarded, labelled by activity type.",
	}, []string{"activity_type"})

	// ─── Queue ───────────────────────────────────────────────────────────────────

	QueueItemsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "queue",
		Name:      "items_processed_total",
		Help:      "Queue item attempts, labelled by outcome (succeeded, retry, failed, cancelled).",
	}, []string{"outcome"})

	QueueItems = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "queue",
		Name:      "items",
		Help:      "Queue items by state after the last drain.",
	}, []string{"state"})

	QueueWriteDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "queue",
		Name:      "write_duration_seconds",
		Help:      "Cloud sub-write latency in seconds.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
	}, []string{"step"})

	// ─── Notifications ───────────────────────────────────────────────────────────

	NotificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "notify",
		Name:      "notifications_total",
		Help:      "Notifications, labelled by result (delivered, suppressed, dropped, error).",
	}, []string{"result"})

	UnlocksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "unlock",
		Name:      "unlocks_total",
		Help:      "Threshold crossings recorded, labelled by kind (reward, level) and silent.",
	}, []string{"kind", "silent"})

	// ─── Pipeline & scheduler ────────────────────────────────────────────────────

	PassDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "pipeline",
		Name:      "pass_duration_seconds",
		Help:      "End-to-end pipeline pass time in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"result"})

	SchedulerNextIntervalSeconds = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "next_interval_seconds",
		Help:      "Interval chosen for the next background window.",
	})

	SyncRateLimitedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "api",
		Name:      "sync_rate_limited_total",
		Help:      "Manual sync triggers rejected by the rate limiter.",
	})
)
