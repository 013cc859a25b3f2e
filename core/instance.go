package core

import (
	"time"
)

// HealthStatus is the health state of a pipeline instance.
type HealthStatus string

const (
	// HealthUnknown is the state of a freshly registered instance.
	HealthUnknown HealthStatus = "unknown"
	// HealthHealthy instances are eligible for selection.
	HealthHealthy HealthStatus = "healthy"
	// HealthDegraded instances are eligible but penalised by weighted strategies.
	HealthDegraded HealthStatus = "degraded"
	// HealthUnhealthy instances are excluded from selection.
	HealthUnhealthy HealthStatus = "unhealthy"
)

// String returns the string representation
func (s HealthStatus) String() string {
	return string(s)
}

// IsValid checks if the status is valid
func (s HealthStatus) IsValid() bool {
	switch s {
	case HealthUnknown, HealthHealthy, HealthDegraded, HealthUnhealthy:
		return true
	default:
		return false
	}
}

// Selectable reports whether instances in this state may receive work.
func (s HealthStatus) Selectable() bool {
	return s == HealthHealthy || s == HealthDegraded
}

// HealthCheckResult is produced by external dependency checks (connection pools,
// HTTP clients, vector stores) and aggregated by the registry.
type HealthCheckResult struct {
	Status      HealthStatus           `json:"status" validate:"required"`
	Description string                 `json:"description,omitempty"`
	Data        map[string]interface{} `json:"data,omitempty"`
	CheckedAt   time.Time              `json:"checked_at"`
}

// InstancePerformanceMetrics is the gauge set an instance reports with each heartbeat.
type InstancePerformanceMetrics struct {
	Throughput        float64       `json:"throughput"`         // events per second
	AvgLatency        time.Duration `json:"avg_latency"`        // mean processing latency
	ErrorRate         float64       `json:"error_rate"`         // 0..1
	QueueDepth        int           `json:"queue_depth"`        // local backlog
	ActiveConnections int           `json:"active_connections"` // in-flight claims
	CPUUsage          float64       `json:"cpu_usage"`          // 0..1
	MemoryUsage       float64       `json:"memory_usage"`       // 0..1
	ReportedAt        time.Time     `json:"reported_at"`
}

// PipelineInstance is a worker process able to claim and process queued events.
// The registry owns instances; everyone else receives Clone()d snapshots.
type PipelineInstance struct {
	ID                  string                     `json:"id" validate:"required,max=128"`
	Address             string                     `json:"address" validate:"required"`
	Capacity            int                        `json:"capacity" validate:"gte=0"`
	Status              HealthStatus               `json:"status"`
	LastSeen            time.Time                  `json:"last_seen"`
	RegisteredAt        time.Time                  `json:"registered_at"`
	StatusChangedAt     time.Time                  `json:"status_changed_at"`
	ConsecutiveFailures int                        `json:"consecutive_failures"`
	Metrics             InstancePerformanceMetrics `json:"metrics"`
	LastHealthCheck     *HealthCheckResult         `json:"last_health_check,omitempty"`
	Tags                map[string]string          `json:"tags,omitempty"`
}

// Clone returns a deep copy of the instance.
func (p *PipelineInstance) Clone() *PipelineInstance {
	if p == nil {
		return nil
	}
	c := *p
	if p.Tags != nil {
		c.Tags = make(map[string]string, len(p.Tags))
		for k, v := range p.Tags {
			c.Tags[k] = v
		}
	}
	if p.LastHealthCheck != nil {
		hc := *p.LastHealthCheck
		if p.LastHealthCheck.Data != nil {
			hc.Data = make(map[string]interface{}, len(p.LastHealthCheck.Data))
			for k, v := range p.LastHealthCheck.Data {
				hc.Data[k] = v
			}
		}
		c.LastHealthCheck = &hc
	}
	return &c
}

// Load returns the utilisation of the instance in [0,1] based on reported
// connections against declared capacity. Instances without capacity report 0.
func (p *PipelineInstance) Load() float64 {
	if p.Capacity <= 0 {
		return 0
	}
	l := float64(p.Metrics.ActiveConnections) / float64(p.Capacity)
	if l > 1 {
		return 1
	}
	return l
}

// CommandType names a control operation pushed to instances.
type CommandType string

const (
	CommandPause       CommandType = "pause"
	CommandResume      CommandType = "resume"
	CommandDrain       CommandType = "drain"
	CommandReloadRules CommandType = "reload_rules"
	CommandCustom      CommandType = "custom"
)

// InstanceCommand is a control operation sent to one or all instances.
type InstanceCommand struct {
	ID     string                 `json:"id"`
	Type   CommandType            `json:"type" validate:"required,oneof=pause resume drain reload_rules custom"`
	Params map[string]interface{} `json:"params,omitempty"`
}

// CommandResponse is one instance's answer to a command.
type CommandResponse struct {
	InstanceID string                 `json:"instance_id"`
	CommandID  string                 `json:"command_id"`
	Success    bool                   `json:"success"`
	Error      string                 `json:"error,omitempty"`
	Data       map[string]interface{} `json:"data,omitempty"`
	Duration   time.Duration          `json:"duration"`
}

// ClaimRequest hands a dequeued event to an instance.
type ClaimRequest struct {
	ClaimToken string       `json:"claim_token"`
	InstanceID string       `json:"instance_id"`
	EventID    string       `json:"event_id"`
	Event      *QueuedEvent `json:"event"`

	// LeaseExpires is set on pulled claims, which must be acknowledged
	// before it passes
	LeaseExpires time.Time `json:"lease_expires,omitempty"`
}

// ClaimResponse is the instance's acknowledgement of a claim.
type ClaimResponse struct {
	ClaimToken string `json:"claim_token"`
	InstanceID string `json:"instance_id"`
	EventID    string `json:"event_id"`
	Accepted   bool   `json:"accepted"`
	Error      string `json:"error,omitempty"`
}
