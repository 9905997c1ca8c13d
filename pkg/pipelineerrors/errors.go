// Package pipelineerrors defines the pipeline's error taxonomy (spec §7):
// sentinel errors callers can match with errors.Is, and a StageError
// wrapper that records which stage produced a terminal error so the Run
// Manager can record it against the right PipelineStage row.
package pipelineerrors

import (
	"errors"
	"fmt"
)

var (
	// ErrInputValidation marks a malformed job payload.
	ErrInputValidation = errors.New("input validation failed")

	// ErrConcurrentRunInProgress marks a failed advisory-lock acquisition.
	ErrConcurrentRunInProgress = errors.New("a run is already in progress for this source")

	// ErrUpstreamFetch marks a non-2xx remote response after retries.
	ErrUpstreamFetch = errors.New("upstream fetch failed")

	// ErrExtractionParse marks an LLM response that never became schema-conformant.
	ErrExtractionParse = errors.New("extraction failed to produce schema-conformant opportunities")

	// ErrDetectionQuery marks a persistence error during duplicate-detection batch fetch.
	ErrDetectionQuery = errors.New("duplicate detection query failed")

	// ErrAnalysisFailure marks a terminal content-enhancement failure.
	ErrAnalysisFailure = errors.New("analysis content enhancement failed")

	// ErrTimeout marks a run-watchdog expiry.
	ErrTimeout = errors.New("run timed out")

	// ErrInternal is the defensive catch-all.
	ErrInternal = errors.New("internal pipeline error")
)

// StageError wraps a terminal error with the stage and sentinel kind that
// produced it, so the Run Manager can populate PipelineStage.ErrorMessage
// and Run.Error without string-matching.
type StageError struct {
	Stage string
	Kind  error
	Cause error
}

func (e *StageError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v: %v", e.Stage, e.Kind, e.Cause)
	}
	return fmt.Sprintf("%s: %v", e.Stage, e.Kind)
}

func (e *StageError) Unwrap() error {
	if e.Cause != nil {
		return e.Cause
	}
	return e.Kind
}

// Is lets errors.Is(err, pipelineerrors.ErrX) match through the Kind field,
// in addition to the normal Unwrap chain through Cause.
func (e *StageError) Is(target error) bool {
	return errors.Is(e.Kind, target)
}

// NewStageError builds a StageError for the given stage/kind/cause.
func NewStageError(stage string, kind error, cause error) *StageError {
	return &StageError{Stage: stage, Kind: kind, Cause: cause}
}
