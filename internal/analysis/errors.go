package analysis

import (
	"context"
	"errors"
	"fmt"

	"github.com/23skdu/longbow-surprisal/internal/rank"
)

var (
	// ErrEmptyInput is returned before any token is processed when the sequence is empty.
	ErrEmptyInput = errors.New("empty input: nothing to analyze")
	// ErrConcurrentAnalysis is returned when Analyze is called while a run is in flight.
	ErrConcurrentAnalysis = errors.New("analysis already in progress")
	// ErrCancelled is wrapped together with the context error when a run is stopped early.
	ErrCancelled = errors.New("analysis cancelled")
	// ErrInvalidConfig wraps a rejected analysis configuration.
	ErrInvalidConfig = errors.New("invalid analysis config")
)

// InferenceError is a per-token predictor failure. The analyzer records it as a
// result with no prediction and keeps scanning; it never aborts a run.
type InferenceError struct {
	Position int
	Reason   string
	Err      error
}

func (e *InferenceError) Error() string {
	return fmt.Sprintf("inference failed at position %d (%s): %v", e.Position, e.Reason, e.Err)
}

func (e *InferenceError) Unwrap() error { return e.Err }

func newInferenceError(pos int, err error) *InferenceError {
	reason := "error"
	var p *panicError
	switch {
	case errors.As(err, &p):
		reason = "panic"
	case errors.Is(err, rank.ErrMalformedDistribution):
		reason = "malformed"
	case errors.Is(err, context.DeadlineExceeded):
		reason = "timeout"
	}
	return &InferenceError{Position: pos, Reason: reason, Err: err}
}

type panicError struct {
	value interface{}
}

func (e *panicError) Error() string {
	return fmt.Sprintf("predictor panicked: %v", e.value)
}

func cancelled(cause error) error {
	return fmt.Errorf("%w: %w", ErrCancelled, cause)
}
