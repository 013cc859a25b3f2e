package core

import (
	"errors"
	"fmt"
)

// ErrorKind classifies how callers should react to an error.
type ErrorKind int

const (
	// KindCapacity: queue full or no healthy instance. Retry with backoff.
	KindCapacity ErrorKind = iota + 1
	// KindConflict: version mismatch. Re-read and retry, never escalate.
	KindConflict
	// KindValidation: malformed event or rule. Never retried automatically.
	KindValidation
	// KindTransient: network or timeout talking to a remote instance. Bounded retries.
	KindTransient
	// KindFatal: corrupted or unrecoverable state. Surface to operators.
	KindFatal
)

// String returns the kind name
func (k ErrorKind) String() string {
	switch k {
	case KindCapacity:
		return "capacity"
	case KindConflict:
		return "conflict"
	case KindValidation:
		return "validation"
	case KindTransient:
		return "transient"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Sentinel errors
var (
	// ErrQueueFull is returned when the queue stays full for the whole enqueue wait
	ErrQueueFull = errors.New("event queue is full")
	// ErrNoHealthyInstance is returned when no instance can take work
	ErrNoHealthyInstance = errors.New("no healthy pipeline instance available")
	// ErrVersionConflict is returned when a compare-and-swap loses
	ErrVersionConflict = errors.New("version conflict")
	// ErrInvalidEvent is returned for malformed events
	ErrInvalidEvent = errors.New("invalid event")
	// ErrInvalidRule is returned for malformed correlation rules
	ErrInvalidRule = errors.New("invalid correlation rule")
	// ErrInvalidInstance is returned for malformed instance registrations
	ErrInvalidInstance = errors.New("invalid pipeline instance")
	// ErrInstanceNotFound is returned for unknown instance ids
	ErrInstanceNotFound = errors.New("pipeline instance not found")
	// ErrInstanceUnreachable wraps transport failures to remote instances
	ErrInstanceUnreachable = errors.New("pipeline instance unreachable")
	// ErrKeyNotFound is returned for missing or expired shared-state keys
	ErrKeyNotFound = errors.New("shared state key not found")
	// ErrStateCorrupted is returned when persisted state cannot be decoded
	ErrStateCorrupted = errors.New("shared state corrupted")
	// ErrClosed is returned by components used after Close/Stop
	ErrClosed = errors.New("component is closed")
	// ErrDeadLettered is returned when an event id was already dead-lettered
	ErrDeadLettered = errors.New("event was dead-lettered")
	// ErrClaimNotFound is returned when acking an unknown or expired pull claim
	ErrClaimNotFound = errors.New("claim not found")
)

// Error carries an ErrorKind and the failing operation.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: %v (%s)", e.Op, e.Err, e.Kind)
	}
	return fmt.Sprintf("%v (%s)", e.Err, e.Kind)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError wraps err with a kind and operation name.
func NewError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// CapacityError creates a capacity error.
func CapacityError(op string, err error) *Error { return NewError(KindCapacity, op, err) }

// ConflictError creates a conflict error.
func ConflictError(op string, err error) *Error { return NewError(KindConflict, op, err) }

// ValidationError creates a validation error.
func ValidationError(op string, err error) *Error { return NewError(KindValidation, op, err) }

// TransientError creates a transient error.
func TransientError(op string, err error) *Error { return NewError(KindTransient, op, err) }

// FatalError creates a fatal error.
func FatalError(op string, err error) *Error { return NewError(KindFatal, op, err) }

// KindOf returns the kind of the first *Error in err's chain. Sentinels
// without a wrapper are classified by identity; anything else is Transient
// when it is a context deadline and 0 otherwise.
func KindOf(err error) ErrorKind {
	if err == nil {
		return 0
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	switch {
	case errors.Is(err, ErrQueueFull), errors.Is(err, ErrNoHealthyInstance):
		return KindCapacity
	case errors.Is(err, ErrVersionConflict):
		return KindConflict
	case errors.Is(err, ErrInvalidEvent), errors.Is(err, ErrInvalidRule), errors.Is(err, ErrInvalidInstance):
		return KindValidation
	case errors.Is(err, ErrInstanceUnreachable), errors.Is(err, ErrCircuitBreakerOpen):
		return KindTransient
	case errors.Is(err, ErrStateCorrupted):
		return KindFatal
	}
	return 0
}

// IsCapacity reports whether err is a capacity error.
func IsCapacity(err error) bool { return KindOf(err) == KindCapacity }

// IsConflict reports whether err is a conflict error.
func IsConflict(err error) bool { return KindOf(err) == KindConflict }

// IsValidation reports whether err is a validation error.
func IsValidation(err error) bool { return KindOf(err) == KindValidation }

// IsTransient reports whether err is a transient error.
func IsTransient(err error) bool { return KindOf(err) == KindTransient }

// IsFatal reports whether err is a fatal error.
func IsFatal(err error) bool { return KindOf(err) == KindFatal }

// IsRetryable reports whether a caller may retry the operation.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindCapacity, KindConflict, KindTransient:
		return true
	default:
		return false
	}
}
