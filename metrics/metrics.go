package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Event queue

var (
	EventsEnqueued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "castellan_queue_events_enqueued_total",
			Help: "Total number of events accepted by the event queue",
		},
	)

	EventsDequeued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "castellan_queue_events_dequeued_total",
			Help: "Total number of events handed to consumers",
		},
	)

	EnqueueRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "castellan_queue_enqueue_rejected_total",
			Help: "Total number of enqueue attempts rejected",
		},
		[]string{"reason"},
	)

	EventsDeadLettered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "castellan_queue_events_dead_lettered_total",
			Help: "Total number of events moved to the dead-letter store",
		},
		[]string{"reason"},
	)

	DeadLetterInsertFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "castellan_dead_letter_insert_failures_total",
			Help: "Total number of dead letter persistence failures",
		},
	)

	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "castellan_queue_depth",
			Help: "Number of events currently buffered",
		},
	)
)

// Shared state store

var (
	StateOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "castellan_state_operations_total",
			Help: "Shared state operations by type and result",
		},
		[]string{"op", "result"},
	)

	StateConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "castellan_state_conflicts_total",
			Help: "Compare-and-swap conflicts observed by the shared state store",
		},
	)

	StateSyncDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "castellan_state_sync_duration_seconds",
			Help:    "Time spent persisting shared state writes",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		},
	)

	StateNotificationsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "castellan_state_notifications_dropped_total",
			Help: "Change notifications dropped because a subscriber buffer was full",
		},
	)
)

// Instance registry

var (
	InstanceStatusTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "castellan_registry_status_transitions_total",
			Help: "Pipeline instance health transitions",
		},
		[]string{"from", "to"},
	)

	InstanceCommands = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "castellan_registry_commands_total",
			Help: "Commands dispatched to pipeline instances",
		},
		[]string{"type", "result"},
	)
)

// Load balancer

var (
	BalancerDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "castellan_balancer_decisions_total",
			Help: "Instance selection decisions by strategy",
		},
		[]string{"strategy"},
	)

	BalancerNoCapacity = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "castellan_balancer_no_capacity_total",
			Help: "Selections that found no eligible instance",
		},
	)

	BalancerDecisionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "castellan_balancer_decision_duration_seconds",
			Help:    "Time taken to select an instance",
			Buckets: []float64{0.000001, 0.000005, 0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.01},
		},
	)
)

// Correlation engine

var (
	EventsAnalyzed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "castellan_correlation_events_analyzed_total",
			Help: "Events evaluated by the correlation engine",
		},
	)

	CorrelationsDetected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "castellan_correlations_detected_total",
			Help: "Correlations emitted by rule and type",
		},
		[]string{"rule_id", "type"},
	)

	CorrelationRuleErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "castellan_correlation_rule_errors_total",
			Help: "Rule evaluation failures isolated by the engine",
		},
		[]string{"rule_id"},
	)

	AttackChainsDetected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "castellan_attack_chains_detected_total",
			Help: "Attack chains assembled from correlations",
		},
	)

	CorrelationAnalysisDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "castellan_correlation_analysis_duration_seconds",
			Help:    "Time taken to analyse one event",
			Buckets: prometheus.DefBuckets,
		},
	)
)

// Dispatcher and API

var (
	DispatchAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "castellan_dispatch_attempts_total",
			Help: "Claim attempts made by the dispatcher by result",
		},
		[]string{"result"},
	)

	EventProcessingDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "castellan_event_processing_duration_seconds",
			Help:    "Time from dequeue to acknowledged claim",
			Buckets: prometheus.DefBuckets,
		},
	)

	APIRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "castellan_api_requests_total",
			Help: "HTTP API requests by route and status code",
		},
		[]string{"route", "code"},
	)
)
