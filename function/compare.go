// SPDX-FileCopyrightText: 2024 NOI Techpark <digital@noi.bz.it>
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package function

import (
	"regexp"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/noi-techpark/go-jsonbatch/types"
)

var operatorPattern = regexp.MustCompile(`(<=|>=|==|!=|>|<)`)

// CompareFunction evaluates "<left> <op> <right>". The left operand decides
// the type: a number, a boolean literal, or otherwise a string.
type CompareFunction struct{}

func (CompareFunction) Name() string { return "compare" }

func (CompareFunction) Aliases() []string { return []string{"cmp"} }

func (CompareFunction) Invoke(_ types.Type, args []any) (any, error) {
	if len(args) != 1 {
		return nil, mismatch("compare expects 1 argument, got %d", len(args))
	}
	expression, ok := args[0].(string)
	if !ok {
		return nil, mismatch("compare expects a string, got %T", args[0])
	}
	loc := operatorPattern.FindStringIndex(expression)
	if loc == nil {
		return nil, mismatch("no operator in %q", expression)
	}
	left := strings.TrimSpace(expression[:loc[0]])
	op := expression[loc[0]:loc[1]]
	right := strings.TrimSpace(expression[loc[1]:])

	if l, err := decimal.NewFromString(left); err == nil {
		r, err := decimal.NewFromString(right)
		if err != nil {
			return nil, mismatch("cannot compare number %s with %q", left, right)
		}
		return compareOrdered(l.Cmp(r), op), nil
	}

	if l, ok := parseBool(left); ok {
		r, ok := parseBool(right)
		if !ok {
			return nil, mismatch("cannot compare boolean %s with %q", left, right)
		}
		return compareEquality(l == r, op, "boolean")
	}

	return compareEquality(left == right, op, "string")
}

func parseBool(s string) (bool, bool) {
	switch {
	case strings.EqualFold(s, "true"):
		return true, true
	case strings.EqualFold(s, "false"):
		return false, true
	}
	return false, false
}

func compareOrdered(c int, op string) bool {
	switch op {
	case "<":
		return c < 0
	case "<=":
		return c <= 0
	case ">":
		return c > 0
	case ">=":
		return c >= 0
	case "==":
		return c == 0
	}
	return c != 0
}

func compareEquality(equal bool, op string, kind string) (any, error) {
	switch op {
	case "==":
		return equal, nil
	case "!=":
		return !equal, nil
	}
	return nil, mismatch("operator %s is not supported for %s", op, kind)
}
