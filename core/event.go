package core

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// LogEvent is the normalized event shape produced by collectors.
type LogEvent struct {
	ID        string                 `json:"id" msgpack:"id" validate:"required,max=128"`
	Timestamp time.Time              `json:"timestamp" msgpack:"timestamp" validate:"required"`
	Source    string                 `json:"source" msgpack:"source" validate:"required,max=256"`
	EventType string                 `json:"event_type" msgpack:"event_type" validate:"required,max=128"`
	Host      string                 `json:"host,omitempty" msgpack:"host,omitempty" validate:"max=256"`
	User      string                 `json:"user,omitempty" msgpack:"user,omitempty" validate:"max=256"`
	SourceIP  string                 `json:"source_ip,omitempty" msgpack:"source_ip,omitempty" validate:"omitempty,ip"`
	Severity  string                 `json:"severity,omitempty" msgpack:"severity,omitempty" validate:"omitempty,oneof=info low medium high critical"`
	Payload   map[string]interface{} `json:"payload,omitempty" msgpack:"payload,omitempty"`
}

// NewLogEvent creates an event with a generated id and the current time.
func NewLogEvent(source, eventType string) *LogEvent {
	return &LogEvent{
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC(),
		Source:    source,
		EventType: eventType,
		Payload:   make(map[string]interface{}),
	}
}

// Field returns a named attribute, looking at first-class fields before the payload.
func (e *LogEvent) Field(name string) (interface{}, bool) {
	switch name {
	case "id":
		return e.ID, true
	case "source":
		return e.Source, true
	case "event_type":
		return e.EventType, true
	case "host":
		return e.Host, e.Host != ""
	case "user":
		return e.User, e.User != ""
	case "source_ip":
		return e.SourceIP, e.SourceIP != ""
	case "severity":
		return e.Severity, e.Severity != ""
	}
	if e.Payload == nil {
		return nil, false
	}
	v, ok := e.Payload[name]
	return v, ok
}

// Entities returns the entity identifiers the event refers to, prefixed by kind
// ("host:web-1", "user:alice", "ip:10.0.0.1"), sorted.
func (e *LogEvent) Entities() []string {
	out := make([]string, 0, 3)
	if e.Host != "" {
		out = append(out, "host:"+e.Host)
	}
	if e.User != "" {
		out = append(out, "user:"+e.User)
	}
	if e.SourceIP != "" {
		out = append(out, "ip:"+e.SourceIP)
	}
	sort.Strings(out)
	return out
}

// Clone returns a copy whose payload map can be mutated independently.
func (e *LogEvent) Clone() *LogEvent {
	if e == nil {
		return nil
	}
	c := *e
	if e.Payload != nil {
		c.Payload = make(map[string]interface{}, len(e.Payload))
		for k, v := range e.Payload {
			c.Payload[k] = v
		}
	}
	return &c
}

// EventBefore orders events by timestamp, ties broken by id.
func EventBefore(a, b *LogEvent) bool {
	if a.Timestamp.Equal(b.Timestamp) {
		return a.ID < b.ID
	}
	return a.Timestamp.Before(b.Timestamp)
}

// QueuedEvent wraps a LogEvent while it sits in the event queue.
// Only RetryCount and LastError change after creation.
type QueuedEvent struct {
	Event      *LogEvent `json:"event" msgpack:"event"`
	Priority   int       `json:"priority" msgpack:"priority"`
	EnqueuedAt time.Time `json:"enqueued_at" msgpack:"enqueued_at"`
	Sequence   uint64    `json:"sequence" msgpack:"sequence"`
	RetryCount int       `json:"retry_count" msgpack:"retry_count"`
	LastError  string    `json:"last_error,omitempty" msgpack:"last_error,omitempty"`
}

// EventID is a nil-safe accessor for the wrapped event id.
func (q *QueuedEvent) EventID() string {
	if q == nil || q.Event == nil {
		return ""
	}
	return q.Event.ID
}

// Clone returns a deep copy.
func (q *QueuedEvent) Clone() *QueuedEvent {
	if q == nil {
		return nil
	}
	c := *q
	c.Event = q.Event.Clone()
	return &c
}

// DeadLetter is a queued event that exhausted its processing attempts.
type DeadLetter struct {
	ID             string       `json:"id"`
	Event          *QueuedEvent `json:"event"`
	Reason         string       `json:"reason"`
	DeadLetteredAt time.Time    `json:"dead_lettered_at"`
}
