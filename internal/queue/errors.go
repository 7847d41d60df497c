package queue

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotPending is returned by MarkInFlight when the entry is not pending
	ErrNotPending = errors.New("queue entry is not pending")
	// ErrNotInFlight is returned by Release when the entry is not in flight
	ErrNotInFlight = errors.New("queue entry is not in flight")
	// ErrNotFailed is returned by Retry and Discard for entries that have not
	// terminally failed
	ErrNotFailed = errors.New("queue entry has not failed")
	// ErrInsufficientSpace is returned by Enqueue when the database volume is
	// below the configured free space floor
	ErrInsufficientSpace = errors.New("insufficient disk space")
)

// FieldError describes one invalid field of a payload
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError is returned synchronously by Enqueue. Nothing is persisted
// when it is returned.
type ValidationError struct {
	Fields []FieldError `json:"fields"`
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Message)
	}
	return "invalid payload: " + strings.Join(parts, "; ")
}

func (e *ValidationError) add(field, format string, args ...any) {
	e.Fields = append(e.Fields, FieldError{Field: field, Message: fmt.Sprintf(format, args...)})
}

func (e *ValidationError) errOrNil() error {
	if len(e.Fields) == 0 {
		return nil
	}
	return e
}
