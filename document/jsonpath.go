// SPDX-FileCopyrightText: 2024 NOI Techpark <digital@noi.bz.it>
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package document

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/ohler55/ojg/jp"
)

var ErrInvalidPath = errors.New("invalid path")

const lengthSuffix = ".length()"

type compiledPath struct {
	expr     jp.Expr
	definite bool
}

var pathCache sync.Map

func compilePath(path string) (*compiledPath, error) {
	if cached, ok := pathCache.Load(path); ok {
		return cached.(*compiledPath), nil
	}
	expr, err := jp.ParseString(path)
	if err != nil {
		return nil, fmt.Errorf("%w %q: %v", ErrInvalidPath, path, err)
	}
	compiled := &compiledPath{expr: expr, definite: isDefinite(expr)}
	pathCache.Store(path, compiled)
	return compiled, nil
}

// isDefinite reports whether expr can select at most one node.
func isDefinite(expr jp.Expr) bool {
	for _, frag := range expr {
		switch frag.(type) {
		case jp.Root, jp.At, jp.Child, jp.Nth, jp.Bracket:
		default:
			return false
		}
	}
	return true
}

// Read evaluates a JSONPath expression against data. A definite path returns
// the node or nil; wildcards, filters, slices, unions and descents return a
// list of matches. A trailing ".length()" returns the size of the result.
func Read(data any, path string) (any, error) {
	path = strings.TrimSpace(path)
	if strings.HasSuffix(path, lengthSuffix) {
		v, err := Read(data, strings.TrimSuffix(path, lengthSuffix))
		if err != nil {
			return nil, err
		}
		return length(v), nil
	}

	compiled, err := compilePath(path)
	if err != nil {
		return nil, err
	}
	results := compiled.expr.Get(data)
	if compiled.definite {
		if len(results) == 0 {
			return nil, nil
		}
		return results[0], nil
	}
	if results == nil {
		results = []any{}
	}
	return results, nil
}

func length(v any) any {
	switch val := v.(type) {
	case []any:
		return int64(len(val))
	case map[string]any:
		return int64(len(val))
	case *Object:
		return int64(val.Len())
	case string:
		return int64(utf8.RuneCountInString(val))
	}
	return nil
}
