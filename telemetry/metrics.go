package telemetry

// Histogram bucket definitions for different latency profiles
var (
	// PublishBuckets for distributed log publishes (network + broker ack)
	PublishBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

	// ApplyBuckets for destination row writes
	ApplyBuckets = []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1}

	// FetchBuckets for change log poll queries
	FetchBuckets = []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1}
)

// Forwarder Metrics
var (
	// RecordsFetchedTotal counts records read from the change log
	RecordsFetchedTotal Counter = NoopStat{}

	// RecordsPublishedTotal counts records durably acknowledged by the stream
	RecordsPublishedTotal Counter = NoopStat{}

	// PublishRetriesTotal counts publish attempts that failed and were retried
	PublishRetriesTotal Counter = NoopStat{}

	// PublishDurationSeconds measures publish latency including broker ack
	PublishDurationSeconds Histogram = NoopStat{}

	// FetchDurationSeconds measures change log poll query latency
	FetchDurationSeconds Histogram = NoopStat{}

	// CursorPosition tracks the forwarder's durable cursor
	CursorPosition Gauge = NoopStat{}

	// ChangelogLatestSeq tracks the highest sequence present in the change log
	ChangelogLatestSeq Gauge = NoopStat{}

	// ChangelogLagRecords tracks how far the cursor trails the change log head
	ChangelogLagRecords Gauge = NoopStat{}
)

// Applier Metrics
var (
	// RecordsAppliedTotal counts applied records by operation and result (applied, noop)
	RecordsAppliedTotal CounterVec = noopCounterVec{}

	// ApplyRetriesTotal counts destination writes that failed and were retried
	ApplyRetriesTotal Counter = NoopStat{}

	// ApplyDurationSeconds measures destination write latency by operation
	ApplyDurationSeconds HistogramVec = noopHistogramVec{}

	// MalformedRecordsTotal counts records that failed decode or validation
	MalformedRecordsTotal Counter = NoopStat{}

	// PartitionOffset tracks the last applied log offset per partition
	PartitionOffset GaugeVec = noopGaugeVec{}
)

// InitMetrics initializes all Prometheus metrics.
// Must be called after InitializeTelemetry().
func InitMetrics() {
	// Forwarder Metrics
	RecordsFetchedTotal = NewCounter(
		"records_fetched_total",
		"Total records read from the change log",
	)
	RecordsPublishedTotal = NewCounter(
		"records_published_total",
		"Total records durably acknowledged by the stream",
	)
	PublishRetriesTotal = NewCounter(
		"publish_retries_total",
		"Total publish attempts that failed and were retried",
	)
	PublishDurationSeconds = NewHistogramWithBuckets(
		"publish_duration_seconds",
		"Publish latency including broker acknowledgment in seconds",
		PublishBuckets,
	)
	FetchDurationSeconds = NewHistogramWithBuckets(
		"fetch_duration_seconds",
		"Change log poll query latency in seconds",
		FetchBuckets,
	)
	CursorPosition = NewGauge(
		"cursor_position",
		"Durable forwarder cursor position",
	)
	ChangelogLatestSeq = NewGauge(
		"changelog_latest_seq",
		"Highest log sequence present in the change log",
	)
	ChangelogLagRecords = NewGauge(
		"changelog_lag_records",
		"Records between the forwarder cursor and the change log head",
	)

	// Applier Metrics
	RecordsAppliedTotal = NewCounterVec(
		"records_applied_total",
		"Applied records by operation and result",
		[]string{"op", "result"},
	)
	ApplyRetriesTotal = NewCounter(
		"apply_retries_total",
		"Total destination writes that failed and were retried",
	)
	ApplyDurationSeconds = NewHistogramVec(
		"apply_duration_seconds",
		"Destination write latency by operation in seconds",
		[]string{"op"},
		ApplyBuckets,
	)
	MalformedRecordsTotal = NewCounter(
		"malformed_records_total",
		"Records that failed decode or validation",
	)
	PartitionOffset = NewGaugeVec(
		"partition_offset",
		"Last applied log offset per partition",
		[]string{"partition"},
	)
}
