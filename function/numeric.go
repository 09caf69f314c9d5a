// SPDX-FileCopyrightText: 2024 NOI Techpark <digital@noi.bz.it>
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package function

import (
	"math/big"

	"github.com/shopspring/decimal"

	"github.com/noi-techpark/go-jsonbatch/types"
)

// Numeric functions compute on *big.Int for integer types and on
// decimal.Decimal otherwise. Nested lists are flattened.

func integerMode(t types.Type) bool {
	return t.Elem() == types.Integer
}

func eachNumber(t types.Type, arg any, visit func(n any)) error {
	if list, ok := arg.([]any); ok {
		for _, item := range list {
			if err := eachNumber(t, item, visit); err != nil {
				return err
			}
		}
		return nil
	}
	if integerMode(t) {
		i, err := types.ToBigInt(arg)
		if err != nil {
			return err
		}
		visit(i)
		return nil
	}
	d, err := types.ToDecimal(arg)
	if err != nil {
		return err
	}
	visit(d)
	return nil
}

func zero(t types.Type) any {
	if integerMode(t) {
		return big.NewInt(0)
	}
	return decimal.Zero
}

func add(a, b any) any {
	if ai, ok := a.(*big.Int); ok {
		return new(big.Int).Add(ai, b.(*big.Int))
	}
	return a.(decimal.Decimal).Add(b.(decimal.Decimal))
}

func compareNumbers(a, b any) int {
	if ai, ok := a.(*big.Int); ok {
		return ai.Cmp(b.(*big.Int))
	}
	return a.(decimal.Decimal).Cmp(b.(decimal.Decimal))
}

type SumFunction struct{}

func (SumFunction) Name() string { return "sum" }

func (SumFunction) Identity(t types.Type) (any, error) {
	return zero(t), nil
}

func (SumFunction) Handle(t types.Type, argument any, acc *Result) (*Result, error) {
	if acc == nil {
		acc = &Result{Value: zero(t)}
	}
	err := eachNumber(t, argument, func(n any) {
		acc.Value = add(acc.Value, n)
	})
	if err != nil {
		return nil, err
	}
	return acc, nil
}

type averageState struct {
	sum   any
	count int64
}

type AverageFunction struct{}

func (AverageFunction) Name() string { return "average" }

func (AverageFunction) Aliases() []string { return []string{"avg"} }

func (AverageFunction) Identity(t types.Type) (any, error) {
	return nil, mismatch("average of no arguments")
}

func (AverageFunction) Handle(t types.Type, argument any, acc *Result) (*Result, error) {
	if acc == nil {
		acc = &Result{State: &averageState{sum: zero(t)}}
	}
	state := acc.State.(*averageState)
	err := eachNumber(t, argument, func(n any) {
		state.sum = add(state.sum, n)
		state.count++
	})
	if err != nil {
		return nil, err
	}
	if state.count == 0 {
		return acc, nil
	}
	// big.Int.Quo truncates toward zero
	if sum, ok := state.sum.(*big.Int); ok {
		acc.Value = new(big.Int).Quo(sum, big.NewInt(state.count))
	} else {
		acc.Value = state.sum.(decimal.Decimal).Div(decimal.NewFromInt(state.count))
	}
	return acc, nil
}

func (AverageFunction) Finish(t types.Type, acc *Result) (any, error) {
	if acc.State.(*averageState).count == 0 {
		return nil, mismatch("average of no numbers")
	}
	return acc.Value, nil
}

// extremum keeps the element for which compareNumbers has the wanted sign.
type extremum struct {
	name string
	sign int
}

func (e extremum) Name() string { return e.name }

func (e extremum) Identity(t types.Type) (any, error) {
	return nil, mismatch("%s of no arguments", e.name)
}

func (e extremum) Handle(t types.Type, argument any, acc *Result) (*Result, error) {
	if acc == nil {
		acc = &Result{}
	}
	err := eachNumber(t, argument, func(n any) {
		if acc.Value == nil || compareNumbers(n, acc.Value)*e.sign > 0 {
			acc.Value = n
		}
	})
	if err != nil {
		return nil, err
	}
	return acc, nil
}

func (e extremum) Finish(t types.Type, acc *Result) (any, error) {
	if acc.Value == nil {
		return nil, mismatch("%s of no numbers", e.name)
	}
	return acc.Value, nil
}

type MinFunction struct{}

func (MinFunction) Name() string { return "min" }

func (MinFunction) Identity(t types.Type) (any, error) {
	return extremum{name: "min", sign: -1}.Identity(t)
}

func (MinFunction) Handle(t types.Type, argument any, acc *Result) (*Result, error) {
	return extremum{name: "min", sign: -1}.Handle(t, argument, acc)
}

func (MinFunction) Finish(t types.Type, acc *Result) (any, error) {
	return extremum{name: "min", sign: -1}.Finish(t, acc)
}

type MaxFunction struct{}

func (MaxFunction) Name() string { return "max" }

func (MaxFunction) Identity(t types.Type) (any, error) {
	return extremum{name: "max", sign: 1}.Identity(t)
}

func (MaxFunction) Handle(t types.Type, argument any, acc *Result) (*Result, error) {
	return extremum{name: "max", sign: 1}.Handle(t, argument, acc)
}

func (MaxFunction) Finish(t types.Type, acc *Result) (any, error) {
	return extremum{name: "max", sign: 1}.Finish(t, acc)
}
