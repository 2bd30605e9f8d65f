package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	chatSessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "healthup_chat_sessions_active",
			Help: "Current number of live chat sessions in the registry.",
		},
	)
	chatSessionsCreatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "healthup_chat_sessions_created_total",
			Help: "Total number of chat sessions created.",
		},
	)
	chatSessionsEvictedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "healthup_chat_sessions_evicted_total",
			Help: "Total number of chat sessions evicted to make room at capacity.",
		},
	)
	chatSessionsExpiredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "healthup_chat_sessions_expired_total",
			Help: "Total number of chat sessions reaped by the idle-TTL sweeper.",
		},
	)
	chatTurnsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "healthup_chat_turns_total",
			Help: "Total number of completed chat turns by outcome.",
		},
		[]string{"outcome"},
	)
	chatTurnDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "healthup_chat_turn_duration_seconds",
			Help:    "Wall-clock duration of a chat turn from user message to terminal event.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
	)
	chatToolCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "healthup_chat_tool_calls_total",
			Help: "Total number of tool invocations by tool and outcome.",
		},
		[]string{"tool", "outcome"},
	)
	chatToolDurationMs = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "healthup_chat_tool_duration_ms",
			Help:    "Tool invocation latency in milliseconds.",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		},
		[]string{"tool"},
	)
	modelRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "healthup_model_requests_total",
			Help: "Total number of chat model requests by outcome.",
		},
		[]string{"outcome"},
	)
	modelRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "healthup_model_retries_total",
			Help: "Total number of retried chat model requests.",
		},
	)
	validationRejectsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "healthup_validation_rejects_total",
			Help: "Total number of statements rejected by the safety validator, by violation code.",
		},
		[]string{"code"},
	)
	validationProbeFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "healthup_validation_probe_failures_total",
			Help: "Total number of plan/shape probe failures that degraded to a warning.",
		},
	)
	streamSubscribersDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "healthup_stream_subscribers_dropped_total",
			Help: "Total number of stream subscribers dropped because their buffer filled.",
		},
	)
	auditEventsArchivedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "healthup_audit_events_archived_total",
			Help: "Total number of audit events archived to the object store.",
		},
	)
	auditFilesWrittenTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "healthup_audit_files_written_total",
			Help: "Total number of audit parquet files written.",
		},
	)
	auditArchiveFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "healthup_audit_archive_failures_total",
			Help: "Total number of failed audit archive cycles.",
		},
	)
	auditRetentionDeletedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "healthup_audit_retention_deleted_total",
			Help: "Total number of audit files pruned by retention.",
		},
	)
	auditRetentionFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "healthup_audit_retention_failures_total",
			Help: "Total number of failed audit retention cycles.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		chatSessionsActive,
		chatSessionsCreatedTotal,
		chatSessionsEvictedTotal,
		chatSessionsExpiredTotal,
		chatTurnsTotal,
		chatTurnDurationSeconds,
		chatToolCallsTotal,
		chatToolDurationMs,
		modelRequestsTotal,
		modelRetriesTotal,
		validationRejectsTotal,
		validationProbeFailuresTotal,
		streamSubscribersDroppedTotal,
		auditEventsArchivedTotal,
		auditFilesWrittenTotal,
		auditArchiveFailuresTotal,
		auditRetentionDeletedTotal,
		auditRetentionFailuresTotal,
	)
}

func SetActiveSessions(count int) {
	if count < 0 {
		count = 0
	}
	chatSessionsActive.Set(float64(count))
}

func SessionCreated() {
	chatSessionsCreatedTotal.Inc()
}

func SessionEvicted() {
	chatSessionsEvictedTotal.Inc()
}

func SessionExpired() {
	chatSessionsExpiredTotal.Inc()
}

func ObserveTurn(outcome string, elapsed time.Duration) {
	chatTurnsTotal.WithLabelValues(outcome).Inc()
	chatTurnDurationSeconds.Observe(elapsed.Seconds())
}

func ObserveToolCall(tool, outcome string, elapsed time.Duration) {
	chatToolCallsTotal.WithLabelValues(tool, outcome).Inc()
	chatToolDurationMs.WithLabelValues(tool).Observe(float64(elapsed.Milliseconds()))
}

func ObserveModelRequest(outcome string) {
	modelRequestsTotal.WithLabelValues(outcome).Inc()
}

func ModelRetry() {
	modelRetriesTotal.Inc()
}

func ValidationRejected(code string) {
	validationRejectsTotal.WithLabelValues(code).Inc()
}

func ValidationProbeFailure() {
	validationProbeFailuresTotal.Inc()
}

func StreamSubscriberDropped() {
	streamSubscribersDroppedTotal.Inc()
}

func ObserveAuditArchive(events, files int) {
	if events > 0 {
		auditEventsArchivedTotal.Add(float64(events))
	}
	if files > 0 {
		auditFilesWrittenTotal.Add(float64(files))
	}
}

func AuditArchiveFailure() {
	auditArchiveFailuresTotal.Inc()
}

func ObserveAuditRetention(deleted int) {
	if deleted > 0 {
		auditRetentionDeletedTotal.Add(float64(deleted))
	}
}

func AuditRetentionFailure() {
	auditRetentionFailuresTotal.Inc()
}
