// SPDX-FileCopyrightText: 2024 NOI Techpark <digital@noi.bz.it>
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package function holds the functions callable from schemas as
// __name(arg, ...). A function is either plain, receiving its evaluated
// arguments at once, or a reduce function fed one argument at a time.
package function

import (
	"errors"
	"fmt"
	"sort"

	"github.com/noi-techpark/go-jsonbatch/types"
)

var ErrUnknownFunction = errors.New("unknown function")

type Function interface {
	Name() string
}

type PlainFunction interface {
	Function
	Invoke(t types.Type, args []any) (any, error)
}

// Result is the accumulator of a reduce function. Value is always the
// current result; State is private to the function.
type Result struct {
	Value any
	Done  bool
	State any
}

type ReduceFunction interface {
	Function
	// Identity is the result of a call without arguments.
	Identity(t types.Type) (any, error)
	// Handle folds one argument into acc, which is nil for the first one.
	// Remaining arguments are not evaluated once the result is Done.
	Handle(t types.Type, argument any, acc *Result) (*Result, error)
}

// Finisher is implemented by reduce functions that reject some final
// accumulators, such as one that saw no numbers at all.
type Finisher interface {
	Finish(t types.Type, acc *Result) (any, error)
}

// Finish returns the result of a reduce call: the identity when no argument
// was handled, otherwise the accumulated value as checked by a Finisher.
func Finish(fn ReduceFunction, t types.Type, acc *Result) (any, error) {
	if acc == nil {
		return fn.Identity(t)
	}
	if f, ok := fn.(Finisher); ok {
		return f.Finish(t, acc)
	}
	return acc.Value, nil
}

// Aliased functions are also registered under their aliases.
type Aliased interface {
	Aliases() []string
}

type Logger interface {
	Warning(msg string, args ...any)
}

// Registry maps names to functions. It is read-only once built.
type Registry struct {
	functions map[string]Function
}

// NewRegistry registers functions by name and alias; later ones win.
func NewRegistry(functions ...Function) *Registry {
	r := &Registry{functions: make(map[string]Function, len(functions))}
	for _, fn := range functions {
		r.functions[fn.Name()] = fn
		if a, ok := fn.(Aliased); ok {
			for _, alias := range a.Aliases() {
				r.functions[alias] = fn
			}
		}
	}
	return r
}

func (r *Registry) Lookup(name string) (Function, error) {
	fn, ok := r.functions[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownFunction, name)
	}
	return fn, nil
}

func (r *Registry) Has(name string) bool {
	_, ok := r.functions[name]
	return ok
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.functions))
	for name := range r.functions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Basic returns the built-in catalog.
func Basic(logger Logger) []Function {
	return []Function{
		SumFunction{},
		AverageFunction{},
		MinFunction{},
		MaxFunction{},
		AndFunction{},
		OrFunction{},
		CompareFunction{},
		NewRegexFunction(logger),
	}
}

// Scripting returns the jq, expr and js functions.
func Scripting() []Function {
	return []Function{
		NewJQFunction(),
		NewExprFunction(),
		NewJSFunction(DefaultScriptTimeout),
	}
}

// All returns Basic followed by Scripting.
func All(logger Logger) []Function {
	return append(Basic(logger), Scripting()...)
}

func mismatch(format string, args ...any) error {
	return fmt.Errorf("%w: %s", types.ErrTypeMismatch, fmt.Sprintf(format, args...))
}
