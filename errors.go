// SPDX-FileCopyrightText: 2024 NOI Techpark <digital@noi.bz.it>
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package jsonbatch

import (
	"errors"
	"fmt"

	"github.com/noi-techpark/go-jsonbatch/builder"
	"github.com/noi-techpark/go-jsonbatch/function"
	"github.com/noi-techpark/go-jsonbatch/parser"
	"github.com/noi-techpark/go-jsonbatch/types"
)

var (
	ErrMalformedSchema       = parser.ErrMalformedSchema
	ErrUnknownFunction       = function.ErrUnknownFunction
	ErrTypeMismatch          = types.ErrTypeMismatch
	ErrMissingArrayDirective = builder.ErrMissingArrayDirective

	ErrDispatchFailure        = errors.New("dispatch failure")
	ErrResponseParsingFailure = errors.New("response parsing failure")
)

// Phase names the part of an execution that failed.
type Phase string

const (
	PhaseTokenizing  Phase = "tokenizing"
	PhaseEvaluating  Phase = "evaluating"
	PhaseDispatching Phase = "dispatching"
)

// ExecutionError is the terminal error of Engine.Execute.
type ExecutionError struct {
	Phase    Phase
	Location string
	Err      error
}

func (e *ExecutionError) Error() string {
	if e.Location == "" {
		return fmt.Sprintf("%s: %v", e.Phase, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Phase, e.Location, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// phaseOf classifies a builder error.
func phaseOf(err error) Phase {
	switch {
	case errors.Is(err, ErrMalformedSchema):
		return PhaseTokenizing
	case errors.Is(err, ErrDispatchFailure), errors.Is(err, ErrResponseParsingFailure):
		return PhaseDispatching
	}
	return PhaseEvaluating
}

func newExecutionError(location string, err error) *ExecutionError {
	var ee *ExecutionError
	if errors.As(err, &ee) {
		return ee
	}
	return &ExecutionError{Phase: phaseOf(err), Location: location, Err: err}
}
