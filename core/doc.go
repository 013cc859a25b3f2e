// Package core defines the domain model shared by the Castellan coordination layer.
//
// # Architecture Overview
//
// The core package provides:
//   - Event types (LogEvent, QueuedEvent, DeadLetter)
//   - Pipeline instance types (PipelineInstance, InstancePerformanceMetrics, HealthCheckResult)
//   - Correlation types (CorrelationRule, EventCorrelation, AttackChain)
//   - The error taxonomy used across packages (Capacity, Conflict, Validation, Transient, Fatal)
//   - Small reusable primitives such as the per-instance CircuitBreaker
//
// # Design Principles
//
//  1. Types here carry no behaviour that depends on other Castellan packages
//  2. Snapshots handed to other components are deep copies (see Clone methods)
//  3. Expected conditions are typed results, exceptional conditions are *Error values
//  4. context.Context is the first parameter of every blocking operation in consumer packages
package core
