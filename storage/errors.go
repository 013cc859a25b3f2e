package storage

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is a generic "not found" error
	ErrNotFound = errors.New("not found")

	// ErrDeadLetterNotFound is returned when a dead letter is not found
	ErrDeadLetterNotFound = fmt.Errorf("dead letter %w", ErrNotFound)

	// ErrCorrelationNotFound is returned when a correlation is not found
	ErrCorrelationNotFound = fmt.Errorf("correlation %w", ErrNotFound)
)
