package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Task metrics
	TasksLoaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "parallelctl_tasks_loaded_total",
			Help: "Total number of tasks loaded into the DAG",
		},
	)

	TasksCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parallelctl_tasks_completed_total",
			Help: "Total number of tasks completed, by terminal status",
		},
		[]string{"status"},
	)

	TaskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "parallelctl_task_duration_seconds",
			Help:    "Task execution duration in seconds, from running to terminal",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 15), // 10ms to ~160s
		},
		[]string{"status"},
	)

	TaskRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "parallelctl_task_retries_total",
			Help: "Total number of task retries issued by the pool",
		},
	)

	ReadyQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "parallelctl_ready_queue_depth",
			Help: "Current number of tasks in StatusReady awaiting dispatch",
		},
	)

	// Worker pool metrics
	WorkersByState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "parallelctl_workers_by_state",
			Help: "Current number of workers in each lifecycle state",
		},
		[]string{"state"},
	)

	WorkerBusyTime = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parallelctl_worker_busy_seconds_total",
			Help: "Total time a worker spent executing tasks",
		},
		[]string{"worker_id"},
	)

	WorkerCrashesDetected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parallelctl_worker_crashes_detected_total",
			Help: "Total number of worker crashes detected by missed heartbeats",
		},
		[]string{"worker_id"},
	)

	WorktreesProvisioned = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "parallelctl_worktrees_provisioned_total",
			Help: "Total number of git worktrees provisioned for task execution",
		},
	)

	// RPC transport metrics
	RPCRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "parallelctl_rpc_request_duration_seconds",
			Help:    "RPC round-trip duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 16),
		},
		[]string{"method"},
	)

	RPCErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parallelctl_rpc_errors_total",
			Help: "Total number of RPC errors by kind",
		},
		[]string{"method", "kind"},
	)

	RPCReconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parallelctl_rpc_reconnects_total",
			Help: "Total number of RPC transport reconnect attempts",
		},
		[]string{"worker_id"},
	)

	// Control API / HTTP metrics
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "parallelctl_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parallelctl_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	WebSocketConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "parallelctl_websocket_connections",
			Help: "Current number of control API event stream connections",
		},
	)

	WebSocketMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parallelctl_websocket_messages_total",
			Help: "Total number of control API event stream messages sent",
		},
		[]string{"type"},
	)

	// Event bus metrics
	EventBusPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parallelctl_event_bus_published_total",
			Help: "Total number of events published on the event bus",
		},
		[]string{"type"},
	)
)

// RecordTaskLoaded records one task being loaded into the DAG.
func RecordTaskLoaded() {
	TasksLoaded.Inc()
}

// RecordTaskCompletion records a task reaching a terminal status.
func RecordTaskCompletion(status string, duration float64) {
	TasksCompleted.WithLabelValues(status).Inc()
	TaskDuration.WithLabelValues(status).Observe(duration)
}

// RecordTaskRetry records the pool issuing a retry for a failed task.
func RecordTaskRetry() {
	TaskRetries.Inc()
}

// SetReadyQueueDepth sets the current ready-queue depth gauge.
func SetReadyQueueDepth(depth float64) {
	ReadyQueueDepth.Set(depth)
}

// SetWorkersByState sets the gauge for the given worker lifecycle state.
func SetWorkersByState(state string, count float64) {
	WorkersByState.WithLabelValues(state).Set(count)
}

// RecordWorkerBusyTime records time a worker spent processing a task.
func RecordWorkerBusyTime(workerID string, duration float64) {
	WorkerBusyTime.WithLabelValues(workerID).Add(duration)
}

// RecordWorkerCrash records a detected worker crash.
func RecordWorkerCrash(workerID string) {
	WorkerCrashesDetected.WithLabelValues(workerID).Inc()
}

// RecordWorktreeProvisioned records a successfully provisioned worktree.
func RecordWorktreeProvisioned() {
	WorktreesProvisioned.Inc()
}

// RecordRPCRequest records an RPC round trip's duration.
func RecordRPCRequest(method string, duration float64) {
	RPCRequestDuration.WithLabelValues(method).Observe(duration)
}

// RecordRPCError records an RPC error of the given kind.
func RecordRPCError(method, kind string) {
	RPCErrors.WithLabelValues(method, kind).Inc()
}

// RecordRPCReconnect records a reconnect attempt for a worker's transport.
func RecordRPCReconnect(workerID string) {
	RPCReconnects.WithLabelValues(workerID).Inc()
}

// RecordHTTPRequest records an HTTP request against the control API.
func RecordHTTPRequest(method, path, status string, duration float64) {
	HTTPRequestDuration.WithLabelValues(method, path, status).Observe(duration)
	HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
}

// SetWebSocketConnections sets the event stream connection gauge.
func SetWebSocketConnections(count float64) {
	WebSocketConnections.Set(count)
}

// RecordWebSocketMessage records an event stream message being sent.
func RecordWebSocketMessage(msgType string) {
	WebSocketMessages.WithLabelValues(msgType).Inc()
}

// RecordEventPublished records an event published on the event bus.
func RecordEventPublished(eventType string) {
	EventBusPublished.WithLabelValues(eventType).Inc()
}
