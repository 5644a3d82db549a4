package errors

import (
	"errors"
	"fmt"
	"time"
)

// Base error types
var (
	ErrMalformed      = errors.New("malformed input")
	ErrUnclassifiable = errors.New("unclassifiable input")
	ErrInvalidConfig  = errors.New("invalid configuration")
	ErrProcessing     = errors.New("processing failed")
)

// ErrorType represents the category of error
type ErrorType string

const (
	ErrorTypeMalformed      ErrorType = "malformed"
	ErrorTypeUnclassifiable ErrorType = "unclassifiable"
	ErrorTypeProcessing     ErrorType = "processing"
	ErrorTypeConfig         ErrorType = "config"
)

// PipelineError is a structured error raised while handling one record.
type PipelineError struct {
	Type      ErrorType
	Stage     string // Stage that failed (e.g., "fanout", "stats")
	Op        string // Operation that failed (e.g., "parse_payload")
	Key       string // Stream key or event id if applicable
	Err       error  // Underlying error
	Timestamp time.Time
}

func (e *PipelineError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("%s/%s failed for %s: %v", e.Stage, e.Op, e.Key, e.Err)
	}
	if e.Stage != "" {
		return fmt.Sprintf("%s/%s failed: %v", e.Stage, e.Op, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *PipelineError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is interface
func (e *PipelineError) Is(target error) bool {
	if target == nil {
		return false
	}

	switch target {
	case ErrMalformed:
		return e.Type == ErrorTypeMalformed
	case ErrUnclassifiable:
		return e.Type == ErrorTypeUnclassifiable
	case ErrInvalidConfig:
		return e.Type == ErrorTypeConfig
	case ErrProcessing:
		return e.Type == ErrorTypeProcessing
	}

	return errors.Is(e.Err, target)
}

// NewPipelineError creates a new PipelineError
func NewPipelineError(errorType ErrorType, stage, op string, err error) *PipelineError {
	return &PipelineError{
		Type:      errorType,
		Stage:     stage,
		Op:        op,
		Err:       err,
		Timestamp: time.Now(),
	}
}

// WithKey adds the record key to the error
func (e *PipelineError) WithKey(key string) *PipelineError {
	e.Key = key
	return e
}

// Helper functions

// Malformed wraps a missing or mistyped input field
func Malformed(stage, op string, err error) error {
	return NewPipelineError(ErrorTypeMalformed, stage, op, err)
}

// Unclassifiable reports input the stage does not recognize
func Unclassifiable(stage, op string, err error) error {
	return NewPipelineError(ErrorTypeUnclassifiable, stage, op, err)
}

// Processing wraps an unexpected failure while handling a record
func Processing(stage, op, key string, err error) error {
	return NewPipelineError(ErrorTypeProcessing, stage, op, err).WithKey(key)
}

// Config wraps a configuration problem detected at startup
func Config(op string, err error) error {
	return NewPipelineError(ErrorTypeConfig, "config", op, err)
}

// IsDroppable reports whether the error only affects the record at hand and
// processing should continue with the next one.
func IsDroppable(err error) bool {
	var pipeErr *PipelineError
	if errors.As(err, &pipeErr) {
		return pipeErr.Type != ErrorTypeConfig
	}
	return err != nil
}
