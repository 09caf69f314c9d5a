// SPDX-FileCopyrightText: 2024 NOI Techpark <digital@noi.bz.it>
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package function

import "github.com/noi-techpark/go-jsonbatch/types"

// eachBool visits boolean leaves until visit returns false.
func eachBool(arg any, visit func(b bool) bool) (bool, error) {
	if list, ok := arg.([]any); ok {
		for _, item := range list {
			more, err := eachBool(item, visit)
			if err != nil || !more {
				return more, err
			}
		}
		return true, nil
	}
	b, ok := arg.(bool)
	if !ok {
		return false, mismatch("expected boolean, got %T", arg)
	}
	return visit(b), nil
}

// shortCircuit folds booleans and stops on the first stop value.
func shortCircuit(identity bool, stop bool, argument any, acc *Result) (*Result, error) {
	if acc == nil {
		acc = &Result{Value: identity}
	}
	_, err := eachBool(argument, func(b bool) bool {
		if b == stop {
			acc.Value = stop
			acc.Done = true
			return false
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	return acc, nil
}

type AndFunction struct{}

func (AndFunction) Name() string { return "and" }

func (AndFunction) Identity(types.Type) (any, error) { return true, nil }

func (AndFunction) Handle(_ types.Type, argument any, acc *Result) (*Result, error) {
	return shortCircuit(true, false, argument, acc)
}

type OrFunction struct{}

func (OrFunction) Name() string { return "or" }

func (OrFunction) Identity(types.Type) (any, error) { return false, nil }

func (OrFunction) Handle(_ types.Type, argument any, acc *Result) (*Result, error) {
	return shortCircuit(false, true, argument, acc)
}
