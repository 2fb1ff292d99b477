package domain

import (
	"errors"
	"fmt"
)

// Completion failure kinds. Match them with errors.Is.
var (
	ErrModelUnavailable  = errors.New("model unavailable")
	ErrCompletionTimeout = errors.New("completion timed out")
	ErrCompletionBackend = errors.New("completion backend error")
)

// Stage names a step of the query pipeline.
type Stage string

const (
	StageRetrieval   Stage = "retrieval"
	StagePrompting   Stage = "prompting"
	StageCompletion  Stage = "completion"
	StageAttribution Stage = "attribution"
)

// RetrievalError reports that the chunk store was unreachable or rejected the
// query.
type RetrievalError struct {
	Backend string
	Err     error
}

func (e *RetrievalError) Error() string {
	if e.Backend == "" {
		return fmt.Sprintf("retrieval failed: %v", e.Err)
	}
	return fmt.Sprintf("retrieval from %s failed: %v", e.Backend, e.Err)
}

func (e *RetrievalError) Unwrap() error { return e.Err }

// CompletionError reports a completion failure. Kind is one of
// ErrModelUnavailable, ErrCompletionTimeout or ErrCompletionBackend.
type CompletionError struct {
	Kind  error
	Model ModelSelection
	Err   error
}

func (e *CompletionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%v (model %q)", e.Kind, e.Model)
	}
	return fmt.Sprintf("%v (model %q): %v", e.Kind, e.Model, e.Err)
}

func (e *CompletionError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// NewCompletionError builds a CompletionError of the given kind.
func NewCompletionError(kind error, model ModelSelection, err error) *CompletionError {
	return &CompletionError{Kind: kind, Model: model, Err: err}
}

// PipelineError wraps any failure with the stage at which it occurred.
type PipelineError struct {
	Stage Stage
	Err   error
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("%s stage failed: %v", e.Stage, e.Err)
}

func (e *PipelineError) Unwrap() error { return e.Err }

// FailedStage returns the stage carried by err, if any.
func FailedStage(err error) (Stage, bool) {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Stage, true
	}
	return "", false
}
