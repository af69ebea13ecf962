package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Rate limiting metrics
	RateLimitWaits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fieldsync_rate_limit_waits_total",
			Help: "Total number of rejected rate limit attempts that caused a wait",
		},
		[]string{"bucket"},
	)

	RateLimitWaitDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fieldsync_rate_limit_wait_duration_seconds",
			Help:    "Total time spent blocked in Acquire per call",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"bucket"},
	)

	// Poll metrics
	PollsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fieldsync_polls_total",
			Help: "Total number of source polls by outcome",
		},
		[]string{"source_type", "outcome"},
	)

	PollDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fieldsync_poll_duration_seconds",
			Help:    "Duration of a single source poll in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"source_type"},
	)

	ReservationConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fieldsync_poll_reservation_conflicts_total",
			Help: "Total number of sources claimed by another executor first",
		},
	)

	// Change detection metrics
	FieldsChecked = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fieldsync_fields_checked_total",
			Help: "Total number of field observations by result",
		},
		[]string{"result"},
	)

	BaselinesPruned = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fieldsync_baselines_pruned_total",
			Help: "Total number of stale baselines deleted",
		},
	)

	RowsIgnored = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fieldsync_rows_ignored_total",
			Help: "Total number of rows skipped by ignore rules",
		},
	)

	IgnoreMatchTimeouts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fieldsync_ignore_match_timeouts_total",
			Help: "Total number of ignore pattern evaluations that exceeded their budget",
		},
	)

	// Outbox metrics
	EnvelopesEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fieldsync_envelopes_enqueued_total",
			Help: "Total number of envelopes enqueued by provenance kind",
		},
		[]string{"kind"},
	)

	EnvelopesCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fieldsync_envelopes_completed_total",
			Help: "Total number of envelopes reaching a terminal status",
		},
		[]string{"status"},
	)

	DispatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fieldsync_dispatch_duration_seconds",
			Help:    "Duration of a single envelope delivery in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ExpiredClaims = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fieldsync_envelope_claims_expired_total",
			Help: "Total number of dispatching envelopes failed after their claim expired",
		},
	)

	// Consistency verification metrics
	VerificationRounds = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fieldsync_verification_rounds_total",
			Help: "Total number of redundant computation rounds by result",
		},
		[]string{"result"},
	)
)
