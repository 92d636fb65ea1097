package router

import (
	"errors"
	"fmt"
	"strings"
)

// ErrRoutingExhausted matches any error returned after every candidate failed.
var ErrRoutingExhausted = errors.New("routing exhausted")

// ErrNoCandidates is returned when the agent names no model.
var ErrNoCandidates = errors.New("no candidate models")

// AllModelsFailedError is returned when every candidate model failed.
type AllModelsFailedError struct {
	Agent    string
	Attempts []Attempt
}

func (e *AllModelsFailedError) Error() string {
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, fmt.Sprintf("%s: %s", a.Model, a.Error))
	}
	return fmt.Sprintf("all models failed for agent %s (%s)", e.Agent, strings.Join(parts, "; "))
}

// Is reports ErrRoutingExhausted.
func (e *AllModelsFailedError) Is(target error) bool {
	return target == ErrRoutingExhausted
}

// Unwrap exposes the per-attempt errors.
func (e *AllModelsFailedError) Unwrap() []error {
	errs := make([]error, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		if a.Err != nil {
			errs = append(errs, a.Err)
		}
	}
	return errs
}

// NewAllModelsFailedError creates a new AllModelsFailedError.
func NewAllModelsFailedError(agent string, attempts []Attempt) *AllModelsFailedError {
	return &AllModelsFailedError{Agent: agent, Attempts: attempts}
}
