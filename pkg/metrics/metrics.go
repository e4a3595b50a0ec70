package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "contextgraph_build_info",
			Help: "Build information of the context graph",
		},
		[]string{"version", "commit", "date"},
	)

	PermissionUnknownTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "contextgraph_permission_unknown_records_total",
		Help: "Total number of records excluded because their permission state is unknown",
	})

	PatternsPublishedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "contextgraph_patterns_published_total",
		Help: "Total number of context patterns published",
	})

	PatternsDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "contextgraph_patterns_dropped_k_anon_total",
		Help: "Total number of context patterns withheld by the k-anonymity gate",
	})

	AbstractTracesCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "contextgraph_abstract_traces_created_total",
		Help: "Total number of abstract traces created",
	})

	AggregationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "contextgraph_aggregation_duration_seconds",
		Help:    "Duration of pattern clustering and publication",
		Buckets: prometheus.DefBuckets,
	})

	ConnectorFetchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "contextgraph_connector_fetch_duration_seconds",
		Help:    "Duration of connector fetches",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	}, []string{"tool"})

	ConnectorErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "contextgraph_connector_errors_total",
		Help: "Total number of connector errors",
	}, []string{"tool", "reason"})

	ConnectorRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "contextgraph_connector_retries_total",
		Help: "Total number of retried connector calls",
	}, []string{"tool"})

	IngestEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "contextgraph_ingest_events_total",
		Help: "Total number of trace events ingested",
	}, []string{"tool"})

	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "contextgraph_queue_depth",
		Help: "Number of jobs waiting in each queue",
	}, []string{"queue"})

	WorkerJobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "contextgraph_worker_jobs_total",
		Help: "Total number of worker jobs by final status",
	}, []string{"job", "status"})

	WorkerJobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "contextgraph_worker_job_duration_seconds",
		Help:    "Duration of worker jobs",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
	}, []string{"job"})

	SchedulerCyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "contextgraph_scheduler_cycles_total",
		Help: "Total number of scheduler cycles",
	}, []string{"result"})

	StoreTxConflictRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "contextgraph_store_tx_conflict_retries_total",
		Help: "Total number of transactions retried after a write conflict",
	}, []string{"operation"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "contextgraph_http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "contextgraph_http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	AuthFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "contextgraph_auth_failures_total",
		Help: "Total number of rejected API requests",
	})
)
