package core

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"nil", nil, 0},
		{"wrapped capacity", CapacityError("enqueue", ErrQueueFull), KindCapacity},
		{"bare queue full", fmt.Errorf("outer: %w", ErrQueueFull), KindCapacity},
		{"conflict sentinel", ErrVersionConflict, KindConflict},
		{"validation wrapper", ValidationError("validate", errors.New("bad")), KindValidation},
		{"invalid rule sentinel", fmt.Errorf("x: %w", ErrInvalidRule), KindValidation},
		{"transient wrapper", TransientError("claim", context.DeadlineExceeded), KindTransient},
		{"breaker open", ErrCircuitBreakerOpen, KindTransient},
		{"fatal sentinel", ErrStateCorrupted, KindFatal},
		{"plain error", errors.New("plain"), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestErrorWrapping(t *testing.T) {
	err := fmt.Errorf("dispatch: %w", CapacityError("enqueue", ErrQueueFull))

	assert.True(t, IsCapacity(err))
	assert.True(t, IsRetryable(err))
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Contains(t, err.Error(), "enqueue")
	assert.Contains(t, err.Error(), "capacity")

	assert.False(t, IsRetryable(ValidationError("v", ErrInvalidEvent)))
	assert.False(t, IsRetryable(FatalError("load", ErrStateCorrupted)))
	assert.True(t, IsRetryable(ConflictError("cas", ErrVersionConflict)))
}
