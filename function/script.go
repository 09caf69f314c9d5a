// SPDX-FileCopyrightText: 2024 NOI Techpark <digital@noi.bz.it>
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package function

import (
	"errors"
	"fmt"
	"math"
	"math/big"
	"sync"
	"time"

	"github.com/dop251/goja"
	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/itchyny/gojq"
	"github.com/shopspring/decimal"

	"github.com/noi-techpark/go-jsonbatch/document"
	"github.com/noi-techpark/go-jsonbatch/types"
)

const DefaultScriptTimeout = 2 * time.Second

var ErrScriptTimeout = errors.New("script timeout")

// scriptValue converts context values for the script engines, which do not
// know decimal.Decimal and disagree on integer widths.
func scriptValue(v any, intConv func(int64) any) any {
	switch val := v.(type) {
	case int64:
		return intConv(val)
	case *big.Int:
		if val.IsInt64() {
			return intConv(val.Int64())
		}
		f, _ := new(big.Float).SetInt(val).Float64()
		return f
	case decimal.Decimal:
		return val.InexactFloat64()
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = scriptValue(item, intConv)
		}
		return out
	case *document.Object:
		out := make(map[string]any, val.Len())
		for _, k := range val.Keys() {
			item, _ := val.ValueForKey(k)
			out[k] = scriptValue(item, intConv)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = scriptValue(item, intConv)
		}
		return out
	}
	return document.Normalize(v)
}

func asInt(i int64) any {
	if i >= math.MinInt && i <= math.MaxInt {
		return int(i)
	}
	return big.NewInt(i)
}

func asInt64(i int64) any { return i }

func programArg(name string, args []any) (string, []any, error) {
	if len(args) == 0 {
		return "", nil, mismatch("%s expects a program argument", name)
	}
	program, ok := args[0].(string)
	if !ok {
		return "", nil, mismatch("%s program must be a string, got %T", name, args[0])
	}
	return program, args[1:], nil
}

// JQFunction runs a jq program: __jq(".items | length", "$.body"). Without an
// input argument the program runs against null. Several outputs become a
// list.
type JQFunction struct {
	cache sync.Map
}

func NewJQFunction() *JQFunction {
	return &JQFunction{}
}

func (f *JQFunction) Name() string { return "jq" }

func (f *JQFunction) Invoke(_ types.Type, args []any) (any, error) {
	program, rest, err := programArg("jq", args)
	if err != nil {
		return nil, err
	}
	if len(rest) > 1 {
		return nil, mismatch("jq expects at most one input, got %d", len(rest))
	}
	var input any
	if len(rest) == 1 {
		input = scriptValue(rest[0], asInt)
	}

	code, err := f.compile(program)
	if err != nil {
		return nil, err
	}

	var results []any
	iter := code.Run(input)
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := v.(error); isErr {
			return nil, fmt.Errorf("jq error in '%s': %w", program, err)
		}
		results = append(results, document.Normalize(v))
	}

	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	}
	return results, nil
}

func (f *JQFunction) compile(program string) (*gojq.Code, error) {
	if cached, ok := f.cache.Load(program); ok {
		return cached.(*gojq.Code), nil
	}
	query, err := gojq.Parse(program)
	if err != nil {
		return nil, mismatch("invalid jq expression '%s': %v", program, err)
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return nil, mismatch("failed to compile jq expression '%s': %v", program, err)
	}
	f.cache.Store(program, code)
	return code, nil
}

// ExprFunction evaluates an expr-lang expression with the remaining
// arguments bound to args: __expr("args[0] * 2", "$.count").
type ExprFunction struct {
	cache sync.Map
}

func NewExprFunction() *ExprFunction {
	return &ExprFunction{}
}

func (f *ExprFunction) Name() string { return "expr" }

func (f *ExprFunction) Invoke(_ types.Type, args []any) (any, error) {
	source, rest, err := programArg("expr", args)
	if err != nil {
		return nil, err
	}
	program, err := f.compile(source)
	if err != nil {
		return nil, err
	}
	env := map[string]any{"args": scriptValue(rest, asInt64)}
	out, err := expr.Run(program, env)
	if err != nil {
		return nil, fmt.Errorf("expr error in '%s': %w", source, err)
	}
	return document.Normalize(out), nil
}

func (f *ExprFunction) compile(source string) (*vm.Program, error) {
	if cached, ok := f.cache.Load(source); ok {
		return cached.(*vm.Program), nil
	}
	program, err := expr.Compile(source)
	if err != nil {
		return nil, mismatch("invalid expression '%s': %v", source, err)
	}
	f.cache.Store(source, program)
	return program, nil
}

// JSFunction runs javascript with the remaining arguments bound to the
// global args; the completion value is the result:
// __js("args[0].toUpperCase()", "$.name"). Each call gets a fresh runtime
// that is interrupted after the timeout.
type JSFunction struct {
	timeout time.Duration
	cache   sync.Map
}

func NewJSFunction(timeout time.Duration) *JSFunction {
	return &JSFunction{timeout: timeout}
}

func (f *JSFunction) Name() string { return "js" }

func (f *JSFunction) Invoke(_ types.Type, args []any) (any, error) {
	source, rest, err := programArg("js", args)
	if err != nil {
		return nil, err
	}
	program, err := f.compile(source)
	if err != nil {
		return nil, err
	}

	rt := goja.New()
	if err := rt.Set("args", scriptValue(rest, asInt64)); err != nil {
		return nil, fmt.Errorf("js error: %w", err)
	}
	if f.timeout > 0 {
		timer := time.AfterFunc(f.timeout, func() {
			rt.Interrupt(ErrScriptTimeout)
		})
		defer timer.Stop()
	}

	v, err := rt.RunProgram(program)
	if err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			return nil, fmt.Errorf("js error in '%s': %w", source, ErrScriptTimeout)
		}
		return nil, fmt.Errorf("js error in '%s': %w", source, err)
	}
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil, nil
	}
	return document.Normalize(v.Export()), nil
}

func (f *JSFunction) compile(source string) (*goja.Program, error) {
	if cached, ok := f.cache.Load(source); ok {
		return cached.(*goja.Program), nil
	}
	program, err := goja.Compile("", source, true)
	if err != nil {
		return nil, mismatch("invalid script '%s': %v", source, err)
	}
	f.cache.Store(source, program)
	return program, nil
}
