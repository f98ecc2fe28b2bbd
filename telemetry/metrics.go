package telemetry

// Histogram bucket definitions for different latency profiles
var (
	// QueryBuckets for local SQLite query executions
	QueryBuckets = []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1}

	// SnapshotSizeBuckets for rows per emitted snapshot
	SnapshotSizeBuckets = []float64{0, 1, 10, 100, 1000, 10000, 100000}
)

// Cursor Metrics
var (
	// CursorsOpen tracks cursors whose underlying source is currently open
	CursorsOpen Gauge = NoopStat{}

	// CursorSourceErrorsTotal counts cursors terminated by a source failure
	CursorSourceErrorsTotal Counter = NoopStat{}

	// CursorCancelledTotal counts cursors released by consumer cancellation
	CursorCancelledTotal Counter = NoopStat{}
)

// Commit Bus Metrics
var (
	// BusEventsPublishedTotal counts commit events published
	BusEventsPublishedTotal Counter = NoopStat{}

	// BusEventsDroppedTotal counts events dropped from full subscriber queues
	BusEventsDroppedTotal Counter = NoopStat{}

	// BusSubscribers tracks live bus subscriptions
	BusSubscribers Gauge = NoopStat{}
)

// Observer Metrics
var (
	// ObserversActive tracks self-observing results that are not closed
	ObserversActive Gauge = NoopStat{}

	// ObserverExecutionsTotal counts query executions by result (success, failed, cancelled)
	ObserverExecutionsTotal CounterVec = noopCounterVec{}

	// ObserverCoalescedTotal counts relevant events folded into an already pending re-execution
	ObserverCoalescedTotal Counter = NoopStat{}

	// ObserverExecutionSeconds measures re-execution latency
	ObserverExecutionSeconds Histogram = NoopStat{}

	// SnapshotRows measures rows per emitted snapshot
	SnapshotRows Histogram = NoopStat{}
)

// Store and Forwarder Metrics
var (
	// StoreCommitsTotal counts write transactions by result (success, failed)
	StoreCommitsTotal CounterVec = noopCounterVec{}

	// StoreQuerySeconds measures time to open a query's row set
	StoreQuerySeconds Histogram = NoopStat{}

	// ForwardPublishTotal counts forwarded commit events by sink and result
	ForwardPublishTotal CounterVec = noopCounterVec{}

	// ForwardBacklog is the number of outbox records each sink has not consumed
	ForwardBacklog GaugeVec = noopGaugeVec{}
)

// InitMetrics initializes all Prometheus metrics.
// Must be called after InitializeTelemetry().
func InitMetrics() {
	CursorsOpen = NewGauge(
		"cursors_open",
		"Number of cursors with an open underlying source",
	)
	CursorSourceErrorsTotal = NewCounter(
		"cursor_source_errors_total",
		"Cursors terminated by a source failure",
	)
	CursorCancelledTotal = NewCounter(
		"cursor_cancelled_total",
		"Cursors released by consumer cancellation",
	)

	BusEventsPublishedTotal = NewCounter(
		"bus_events_published_total",
		"Total commit events published",
	)
	BusEventsDroppedTotal = NewCounter(
		"bus_events_dropped_total",
		"Commit events dropped from full subscriber queues",
	)
	BusSubscribers = NewGauge(
		"bus_subscribers",
		"Number of live commit bus subscriptions",
	)

	ObserversActive = NewGauge(
		"observers_active",
		"Number of self-observing results not yet closed",
	)
	ObserverExecutionsTotal = NewCounterVec(
		"observer_executions_total",
		"Self-observing query executions by result",
		[]string{"result"},
	)
	ObserverCoalescedTotal = NewCounter(
		"observer_coalesced_total",
		"Relevant commit events coalesced into a pending re-execution",
	)
	ObserverExecutionSeconds = NewHistogramWithBuckets(
		"observer_execution_seconds",
		"Self-observing re-execution duration in seconds",
		QueryBuckets,
	)
	SnapshotRows = NewHistogramWithBuckets(
		"snapshot_rows",
		"Rows per emitted snapshot",
		SnapshotSizeBuckets,
	)

	StoreCommitsTotal = NewCounterVec(
		"store_commits_total",
		"Write transactions by result",
		[]string{"result"},
	)
	StoreQuerySeconds = NewHistogramWithBuckets(
		"store_query_seconds",
		"Time to open a query row set in seconds",
		QueryBuckets,
	)
	ForwardPublishTotal = NewCounterVec(
		"forward_publish_total",
		"Forwarded commit events by sink and result",
		[]string{"sink", "result"},
	)
	ForwardBacklog = NewGaugeVec(
		"forward_backlog",
		"Outbox records not yet consumed by a sink",
		[]string{"sink"},
	)
}
