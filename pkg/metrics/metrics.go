package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	Namespace = "ledgersync"

	// Status label values for success/error metrics
	StatusSuccess = "success"
	StatusError   = "error"

	Ingestion = "ingestion"
	Finality  = "finality"
	Reconcile = "reconcile"
	Sink      = "sink"
)

// Batch skip reasons.
const (
	SkipFailedTx  = "failed_tx"
	SkipDuplicate = "duplicate"
	SkipNoEvents  = "no_events"
)

// Finality outcomes.
const (
	FinalityFinalized = "finalized"
	FinalityReorg     = "potential_reorg"
)

// Reconciliation outcomes.
const (
	ReconcileInSync    = "in_sync"
	ReconcileCorrected = "corrected"
	ReconcileOrphaned  = "orphaned"
	ReconcileFailed    = "failed"
)

// Error type constants for non-RPC errors (RPC errors are tracked via rpcCalls{status="error"}).
const (
	ErrTypeParse      = "parse"
	ErrTypeDispatch   = "dispatch"
	ErrTypeCheckpoint = "checkpoint"
	ErrTypeLiveness   = "liveness"
	ErrTypeSubscribe  = "subscribe"
	ErrTypeBackfill   = "backfill"
)

// Labels holds constant labels applied to all metrics.
// These are useful for distinguishing metrics from multiple sync instances.
type Labels struct {
	Program       string // Program address being followed
	Environment   string // Deployment environment (e.g., "production", "staging", "development")
	Region        string // Cloud region (e.g., "us-east-1", "eu-west-1")
	CloudProvider string // Cloud provider (e.g., "aws", "oci", "gcp")
}

// toPrometheusLabels converts Labels to prometheus.Labels map.
// Only non-empty labels are included to avoid empty label values.
func (l Labels) toPrometheusLabels() prometheus.Labels {
	labels := prometheus.Labels{}
	if l.Program != "" {
		labels["program"] = l.Program
	}
	if l.Environment != "" {
		labels["environment"] = l.Environment
	}
	if l.Region != "" {
		labels["region"] = l.Region
	}
	if l.CloudProvider != "" {
		labels["cloud_provider"] = l.CloudProvider
	}
	return labels
}

type Metrics struct {
	// Ingestion
	batchesReceived    prometheus.Counter
	batchesSkipped     *prometheus.CounterVec
	eventsDispatched   *prometheus.CounterVec
	handlerFailures    *prometheus.CounterVec
	parseErrors        prometheus.Counter
	dedupWindowSize    prometheus.Gauge
	checkpointPosition prometheus.Gauge
	ledgerLag          prometheus.Gauge
	reconnectAttempts  prometheus.Counter
	subscriptionUp     prometheus.Gauge
	errors             *prometheus.CounterVec

	// Finality
	finalityChecks   *prometheus.CounterVec
	finalityInFlight prometheus.Gauge

	// Reconciliation
	reconciled           *prometheus.CounterVec
	reconcilePassSeconds *prometheus.HistogramVec

	// RPC metrics
	rpcCalls    *prometheus.CounterVec
	rpcDuration *prometheus.HistogramVec
	rpcInFlight prometheus.Gauge

	// Downstream sinks
	sinkPublished *prometheus.CounterVec
}

// New creates a new Metrics instance and registers all metrics with the provided registerer.
// Returns an error if any metric registration fails.
// For metrics with constant labels (e.g., program), use NewWithLabels instead.
func New(reg prometheus.Registerer) (*Metrics, error) {
	return NewWithLabels(reg, Labels{})
}

// NewWithLabels creates a new Metrics instance with constant labels applied to all metrics.
func NewWithLabels(reg prometheus.Registerer, labels Labels) (*Metrics, error) {
	promLabels := labels.toPrometheusLabels()
	if len(promLabels) > 0 {
		reg = prometheus.WrapRegistererWith(promLabels, reg)
	}

	return newMetrics(reg)
}

func newMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		batchesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Ingestion,
			Name:      "batches_received_total",
			Help:      "Total log batches delivered by the ledger subscription or backfill",
		}),
		batchesSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Ingestion,
			Name:      "batches_skipped_total",
			Help:      "Total log batches skipped by reason",
		}, []string{"reason"}),
		eventsDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Ingestion,
			Name:      "events_dispatched_total",
			Help:      "Total events dispatched to consumers by event name",
		}, []string{"event"}),
		handlerFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Ingestion,
			Name:      "handler_failures_total",
			Help:      "Total handler calls that failed every attempt, by signal",
		}, []string{"signal"}),
		parseErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Ingestion,
			Name:      "parse_errors_total",
			Help:      "Total log batches that could not be decoded",
		}),
		dedupWindowSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: Ingestion,
			Name:      "dedup_window_size",
			Help:      "Number of transaction identifiers held by the deduplication window",
		}),
		checkpointPosition: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "checkpoint_position",
			Help:      "Last processed ledger position persisted in the checkpoint",
		}),
		ledgerLag: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "ledger_lag",
			Help:      "Ledger head position minus the checkpoint position",
		}),
		reconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Ingestion,
			Name:      "reconnect_attempts_total",
			Help:      "Total subscription reconnect attempts",
		}),
		subscriptionUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: Ingestion,
			Name:      "subscription_up",
			Help:      "1 when the log subscription is open, 0 otherwise",
		}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "errors_total",
			Help:      "Total errors by type",
		}, []string{"type"}),
		finalityChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Finality,
			Name:      "checks_total",
			Help:      "Total finality checks by outcome",
		}, []string{"outcome"}),
		finalityInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: Finality,
			Name:      "pending",
			Help:      "Number of finality checks scheduled or running",
		}),
		reconciled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Reconcile,
			Name:      "entities_total",
			Help:      "Total entities reconciled by entity type and outcome",
		}, []string{"entity", "outcome"}),
		reconcilePassSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: Reconcile,
			Name:      "pass_duration_seconds",
			Help:      "Duration of a reconciliation pass by pass type",
			Buckets:   []float64{.1, .5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		}, []string{"pass"}),
		rpcCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "rpc",
			Name:      "calls_total",
			Help:      "Total RPC calls by method and status",
		}, []string{"method", "status"}),
		rpcDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "rpc",
			Name:      "duration_seconds",
			Help:      "RPC call duration in seconds",
			// Buckets cover typical RPC latencies: 1ms, 5ms, 10ms, 25ms, 50ms,
			// 100ms, 250ms, 500ms, 1s, 2.5s, 5s, 10s
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"method"}),
		rpcInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "rpc",
			Name:      "in_flight",
			Help:      "Number of RPC calls currently in progress",
		}),
		sinkPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Sink,
			Name:      "published_total",
			Help:      "Total messages published to downstream sinks by sink and status",
		}, []string{"sink", "status"}),
	}

	err := errors.Join(
		reg.Register(m.batchesReceived),
		reg.Register(m.batchesSkipped),
		reg.Register(m.eventsDispatched),
		reg.Register(m.handlerFailures),
		reg.Register(m.parseErrors),
		reg.Register(m.dedupWindowSize),
		reg.Register(m.checkpointPosition),
		reg.Register(m.ledgerLag),
		reg.Register(m.reconnectAttempts),
		reg.Register(m.subscriptionUp),
		reg.Register(m.errors),
		reg.Register(m.finalityChecks),
		reg.Register(m.finalityInFlight),
		reg.Register(m.reconciled),
		reg.Register(m.reconcilePassSeconds),
		reg.Register(m.rpcCalls),
		reg.Register(m.rpcDuration),
		reg.Register(m.rpcInFlight),
		reg.Register(m.sinkPublished),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// IncError increments the error counter for the given error type.
func (m *Metrics) IncError(errType string) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(errType).Inc()
}

// IncBatchReceived counts a log batch entering the pipeline.
func (m *Metrics) IncBatchReceived() {
	if m == nil {
		return
	}
	m.batchesReceived.Inc()
}

// IncBatchSkipped counts a batch that produced no dispatch.
func (m *Metrics) IncBatchSkipped(reason string) {
	if m == nil {
		return
	}
	m.batchesSkipped.WithLabelValues(reason).Inc()
}

// IncEventsDispatched counts an event delivered to consumers.
func (m *Metrics) IncEventsDispatched(event string) {
	if m == nil {
		return
	}
	m.eventsDispatched.WithLabelValues(event).Inc()
}

// IncHandlerFailure counts a handler call that failed every attempt.
func (m *Metrics) IncHandlerFailure(signal string) {
	if m == nil {
		return
	}
	m.handlerFailures.WithLabelValues(signal).Inc()
}

// IncParseError counts a batch that failed to decode.
func (m *Metrics) IncParseError() {
	if m == nil {
		return
	}
	m.parseErrors.Inc()
}

// SetDedupWindowSize updates the dedup window gauge.
func (m *Metrics) SetDedupWindowSize(n int) {
	if m == nil {
		return
	}
	m.dedupWindowSize.Set(float64(n))
}

// SetCheckpointPosition updates the checkpoint position gauge.
func (m *Metrics) SetCheckpointPosition(position uint64) {
	if m == nil {
		return
	}
	m.checkpointPosition.Set(float64(position))
}

// SetLedgerLag updates the gap between the ledger head and the checkpoint.
func (m *Metrics) SetLedgerLag(lag uint64) {
	if m == nil {
		return
	}
	m.ledgerLag.Set(float64(lag))
}

// IncReconnectAttempt counts a scheduled reconnect.
func (m *Metrics) IncReconnectAttempt() {
	if m == nil {
		return
	}
	m.reconnectAttempts.Inc()
}

// SetSubscriptionUp records whether the live subscription is open.
func (m *Metrics) SetSubscriptionUp(up bool) {
	if m == nil {
		return
	}
	if up {
		m.subscriptionUp.Set(1)
		return
	}
	m.subscriptionUp.Set(0)
}

// IncFinalityCheck counts a completed finality check by outcome.
func (m *Metrics) IncFinalityCheck(outcome string) {
	if m == nil {
		return
	}
	m.finalityChecks.WithLabelValues(outcome).Inc()
}

// IncFinalityPending increments the pending finality checks gauge.
func (m *Metrics) IncFinalityPending() {
	if m == nil {
		return
	}
	m.finalityInFlight.Inc()
}

// DecFinalityPending decrements the pending finality checks gauge.
func (m *Metrics) DecFinalityPending() {
	if m == nil {
		return
	}
	m.finalityInFlight.Dec()
}

// RecordReconciled counts one entity outcome of a reconciliation pass.
func (m *Metrics) RecordReconciled(entity, outcome string) {
	if m == nil {
		return
	}
	m.reconciled.WithLabelValues(entity, outcome).Inc()
}

// ObserveReconcilePass records the duration of a reconciliation pass.
func (m *Metrics) ObserveReconcilePass(pass string, seconds float64) {
	if m == nil {
		return
	}
	m.reconcilePassSeconds.WithLabelValues(pass).Observe(seconds)
}

// IncRPCInFlight increments the in-flight RPC gauge.
func (m *Metrics) IncRPCInFlight() {
	if m == nil {
		return
	}
	m.rpcInFlight.Inc()
}

// DecRPCInFlight decrements the in-flight RPC gauge.
func (m *Metrics) DecRPCInFlight() {
	if m == nil {
		return
	}
	m.rpcInFlight.Dec()
}

// RecordRPCCall records an RPC call outcome.
func (m *Metrics) RecordRPCCall(method string, err error, durationSeconds float64) {
	if m == nil {
		return
	}
	status := StatusSuccess
	if err != nil {
		status = StatusError
	}
	m.rpcCalls.WithLabelValues(method, status).Inc()
	m.rpcDuration.WithLabelValues(method).Observe(durationSeconds)
}

// RecordSinkPublish records a publish attempt to a downstream sink.
func (m *Metrics) RecordSinkPublish(sink string, err error) {
	if m == nil {
		return
	}
	status := StatusSuccess
	if err != nil {
		status = StatusError
	}
	m.sinkPublished.WithLabelValues(sink, status).Inc()
}
