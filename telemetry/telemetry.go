// ============================================================================
// TELEMETRY - DISPATCH AND FENCE INSTRUMENTATION
// ============================================================================
//
// Prometheus collectors for the measurement runtime. Counters are
// incremented from cold or per-block paths, except DroppedBins: the
// counter adds to it at each bin completion that evicts, which can happen
// inside its per-tag loop.

package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// BlocksDispatched counts blocks fanned out to the measurement set.
	BlocksDispatched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tagstream_blocks_dispatched_total",
		Help: "Blocks pulled from the producer and dispatched.",
	})

	// TagsProcessed counts tags contained in dispatched blocks.
	TagsProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tagstream_tags_processed_total",
		Help: "Tags contained in dispatched blocks.",
	})

	// FenceCompletions counts fence sentinels fully processed.
	FenceCompletions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tagstream_fence_completions_total",
		Help: "Fence sentinels processed by the dispatcher.",
	})

	// FenceWaitTimeouts counts waitForFence calls that returned false.
	FenceWaitTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tagstream_fence_wait_timeouts_total",
		Help: "Fence waits that exceeded their timeout.",
	})

	// MeasurementFaults counts measurements stopped by an on-block fault.
	MeasurementFaults = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tagstream_measurement_faults_total",
		Help: "Measurements stopped by a fault raised in block processing.",
	})

	// Aborts counts cooperative measurement aborts.
	Aborts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tagstream_measurement_aborts_total",
		Help: "Measurements torn down via abort.",
	})

	// DroppedBins counts completed counter bins evicted before a reader
	// could take them.
	DroppedBins = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tagstream_counter_dropped_bins_total",
		Help: "Completed counter bins evicted by ring pressure.",
	})

	// DispatchBusySeconds accumulates time spent inside measurement
	// callbacks, the original runtime's per-measurement telemetry hook.
	DispatchBusySeconds = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tagstream_dispatch_busy_seconds_total",
		Help: "Wall time spent inside measurement block callbacks.",
	})

	// LiveMeasurements tracks the currently registered measurement count.
	LiveMeasurements = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tagstream_live_measurements",
		Help: "Measurements currently registered for dispatch.",
	})
)
