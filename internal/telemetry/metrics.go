package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ClaimsProposed — предложения claim от воркеров и orchestrator.
	ClaimsProposed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "meshwork_claims_proposed_total",
		Help: "Total claim proposals",
	})

	// ClaimsAccepted — принятые claim.
	ClaimsAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "meshwork_claims_accepted_total",
		Help: "Total accepted claims",
	})

	// ClaimsRejected — отклонённые claim (проигранная гонка CAS).
	ClaimsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "meshwork_claims_rejected_total",
		Help: "Total rejected claim proposals",
	})

	// LeaseExpirations — истёкшие lease по причине.
	LeaseExpirations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meshwork_lease_expirations_total",
		Help: "Total expired leases by reason",
	}, []string{"reason"})

	// TasksFinished — задачи, достигшие финального состояния.
	TasksFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meshwork_tasks_finished_total",
		Help: "Total tasks reaching a terminal state",
	}, []string{"state"})

	// TasksSubmitted — принятые submit по режиму.
	TasksSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meshwork_tasks_submitted_total",
		Help: "Total submitted tasks by execution mode",
	}, []string{"mode"})

	// StaleResults — отброшенные результаты с устаревшим epoch.
	StaleResults = promauto.NewCounter(prometheus.CounterOpts{
		Name: "meshwork_stale_results_total",
		Help: "Total results discarded because of a stale claim epoch",
	})

	// StreamInvocations — запуски stream-задач по триггеру.
	StreamInvocations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meshwork_stream_invocations_total",
		Help: "Total stream task invocations by trigger",
	}, []string{"trigger"})

	// StreamDropped — сообщения, отброшенные rate limiter или coalescing.
	StreamDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meshwork_stream_dropped_total",
		Help: "Total stream trigger events dropped",
	}, []string{"trigger"})

	// ActiveStreams — число активных stream-задач на узле.
	ActiveStreams = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "meshwork_active_streams",
		Help: "Number of active stream tasks",
	})

	// ExecutionDuration — длительность выполнения задач воркером.
	ExecutionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "meshwork_execution_duration_seconds",
		Help:    "Task execution duration",
		Buckets: prometheus.DefBuckets,
	}, []string{"language", "state"})

	// HTTPRequests — запросы к API по маршруту и коду ответа.
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meshwork_api_http_requests_total",
		Help: "Total HTTP requests handled by meshwork api",
	}, []string{"method", "route", "code"})

	// HTTPDuration — время обработки запросов API.
	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "meshwork_api_http_request_duration_seconds",
		Help:    "HTTP request handling duration",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})
)
