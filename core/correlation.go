package core

import (
	"time"
)

// CorrelationType defines the kind of correlation rule
type CorrelationType string

const (
	// CorrelationTypeSequence matches an ordered list of event types on one entity
	CorrelationTypeSequence CorrelationType = "sequence"
	// CorrelationTypeThreshold matches N or more qualifying events on one entity
	CorrelationTypeThreshold CorrelationType = "threshold"
	// CorrelationTypeCrossEntity matches one actor touching N or more distinct targets
	CorrelationTypeCrossEntity CorrelationType = "cross_entity"
)

// ConditionOperator is a field predicate operator.
type ConditionOperator string

const (
	OpEquals    ConditionOperator = "equals"
	OpNotEquals ConditionOperator = "not_equals"
	OpIn        ConditionOperator = "in"
	OpContains  ConditionOperator = "contains"
	OpRegex     ConditionOperator = "regex"
	OpExists    ConditionOperator = "exists"
)

// RuleCondition is a single field predicate. All conditions of a rule must hold.
type RuleCondition struct {
	Field    string            `json:"field" yaml:"field" validate:"required"`
	Operator ConditionOperator `json:"operator" yaml:"operator" validate:"required,oneof=equals not_equals in contains regex exists"`
	Value    string            `json:"value,omitempty" yaml:"value,omitempty"`
	Values   []string          `json:"values,omitempty" yaml:"values,omitempty"`
}

// CorrelationRule is a declarative matcher over events sharing an entity
// inside a time window.
type CorrelationRule struct {
	ID          string          `json:"id" yaml:"id" validate:"required,max=128"`
	Name        string          `json:"name" yaml:"name" validate:"required"`
	Description string          `json:"description,omitempty" yaml:"description,omitempty"`
	Type        CorrelationType `json:"type" yaml:"type" validate:"required,oneof=sequence threshold cross_entity"`
	Enabled     bool            `json:"enabled" yaml:"enabled"`
	// EventTypes is the ordered stage list for sequence rules and the
	// qualifying set for threshold and cross_entity rules.
	EventTypes []string        `json:"event_types" yaml:"event_types" validate:"required,min=1,dive,required"`
	Conditions []RuleCondition `json:"conditions,omitempty" yaml:"conditions,omitempty" validate:"dive"`
	// GroupBy is the entity field events must share: host, user or source_ip.
	GroupBy string `json:"group_by" yaml:"group_by" validate:"required,oneof=host user source_ip"`
	// DistinctField is counted by cross_entity rules.
	DistinctField  string        `json:"distinct_field,omitempty" yaml:"distinct_field,omitempty"`
	Window         time.Duration `json:"window" yaml:"window" validate:"required,gt=0"`
	Threshold      int           `json:"threshold,omitempty" yaml:"threshold,omitempty" validate:"gte=0"`
	Weight         float64       `json:"weight" yaml:"weight" validate:"gte=0,lte=1"`
	MitreTechnique string        `json:"mitre_technique,omitempty" yaml:"mitre_technique,omitempty"`
	Severity       string        `json:"severity,omitempty" yaml:"severity,omitempty"`
	Version        int           `json:"version" yaml:"-"`
	UpdatedAt      time.Time     `json:"updated_at" yaml:"-"`
}

// Clone returns a deep copy of the rule.
func (r CorrelationRule) Clone() CorrelationRule {
	c := r
	c.EventTypes = append([]string(nil), r.EventTypes...)
	if r.Conditions != nil {
		c.Conditions = make([]RuleCondition, len(r.Conditions))
		for i, cond := range r.Conditions {
			cond.Values = append([]string(nil), cond.Values...)
			c.Conditions[i] = cond
		}
	}
	return c
}

// EventCorrelation links two or more events matched by a rule.
// Immutable once emitted except for Confirmed, which analysts set externally.
type EventCorrelation struct {
	ID              string          `json:"id"`
	RuleID          string          `json:"rule_id"`
	Type            CorrelationType `json:"type"`
	Reason          string          `json:"reason"`
	EventIDs        []string        `json:"event_ids"`
	Score           float64         `json:"score"`
	EntityKey       string          `json:"entity_key"`
	Entities        []string        `json:"entities"`
	WindowStart     time.Time       `json:"window_start"`
	WindowEnd       time.Time       `json:"window_end"`
	DetectedAt      time.Time       `json:"detected_at"`
	MitreTechniques []string        `json:"mitre_techniques,omitempty"`
	Confirmed       bool            `json:"confirmed"`
}

// AttackStage is one step of an attack chain.
type AttackStage struct {
	Sequence       int       `json:"sequence"`
	EventID        string    `json:"event_id"`
	EventType      string    `json:"event_type"`
	Timestamp      time.Time `json:"timestamp"`
	MitreTechnique string    `json:"mitre_technique,omitempty"`
	CorrelationID  string    `json:"correlation_id"`
}

// AttackChain is an ordered, correlated sequence of events inferred to be
// one adversarial campaign.
type AttackChain struct {
	ID             string        `json:"id"`
	Stages         []AttackStage `json:"stages"`
	Confidence     float64       `json:"confidence"`
	StartTime      time.Time     `json:"start_time"`
	EndTime        time.Time     `json:"end_time"`
	AffectedAssets []string      `json:"affected_assets"`
	CorrelationIDs []string      `json:"correlation_ids"`
}

// RuleError records a rule that failed to evaluate for one event.
type RuleError struct {
	RuleID string `json:"rule_id"`
	Error  string `json:"error"`
}

// CorrelationResult is the outcome of analysing one event.
type CorrelationResult struct {
	EventID        string             `json:"event_id"`
	Correlations   []EventCorrelation `json:"correlations"`
	RulesEvaluated int                `json:"rules_evaluated"`
	RuleErrors     []RuleError        `json:"rule_errors,omitempty"`
	Duration       time.Duration      `json:"duration"`
}

// Empty reports whether no correlation was produced.
func (r *CorrelationResult) Empty() bool {
	return r == nil || len(r.Correlations) == 0
}
