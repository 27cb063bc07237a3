package telemetry

// PollBatchBuckets for rows discovered per poll cycle
var PollBatchBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000}

// Feed metrics
var (
	// ActiveSessions tracks live subscriber sessions per source
	ActiveSessions GaugeVec = noopGaugeVec{}

	// SessionsTotal counts registration attempts by source and result
	// (accepted, limit, expired, unauthorized)
	SessionsTotal CounterVec = noopCounterVec{}

	// EventsBroadcast counts events handed to the hub per source
	EventsBroadcast CounterVec = noopCounterVec{}

	// EventsDropped counts per-session queue evictions per source
	EventsDropped CounterVec = noopCounterVec{}

	// EventsDelivered counts events written to clients per source
	EventsDelivered CounterVec = noopCounterVec{}

	// PollErrors counts failed poll cycles per source
	PollErrors CounterVec = noopCounterVec{}

	// PollBatchSize measures rows discovered per successful poll cycle
	PollBatchSize Histogram = NoopStat{}

	// SinkPublished counts downstream sink publishes by sink and result
	SinkPublished CounterVec = noopCounterVec{}
)

// InitMetrics initializes all Prometheus metrics.
// Called by InitializeTelemetry once the registry exists.
func InitMetrics() {
	ActiveSessions = NewGaugeVec(
		"active_sessions",
		"Number of live subscriber sessions",
		[]string{"source"},
	)
	SessionsTotal = NewCounterVec(
		"sessions_total",
		"Session registration attempts by result",
		[]string{"source", "result"},
	)
	EventsBroadcast = NewCounterVec(
		"events_broadcast_total",
		"Events handed to the fan-out hub",
		[]string{"source"},
	)
	EventsDropped = NewCounterVec(
		"events_dropped_total",
		"Per-session queue evictions due to overflow",
		[]string{"source"},
	)
	EventsDelivered = NewCounterVec(
		"events_delivered_total",
		"Events written to subscribers",
		[]string{"source"},
	)
	PollErrors = NewCounterVec(
		"poll_errors_total",
		"Failed change discovery cycles",
		[]string{"source"},
	)
	PollBatchSize = NewHistogramWithBuckets(
		"poll_batch_size",
		"Rows discovered per successful poll cycle",
		PollBatchBuckets,
	)
	SinkPublished = NewCounterVec(
		"sink_published_total",
		"Downstream sink publishes by result",
		[]string{"sink", "result"},
	)
}
