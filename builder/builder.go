// SPDX-FileCopyrightText: 2024 NOI Techpark <digital@noi.bz.it>
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package builder evaluates schemas into JSON values against a context.
//
// A string schema is an optional type prefix followed by a path ("$.a.b",
// "$$" for the root context), a function call ("__sum(...)") or raw text
// with @{ }@ interpolation markers. Mappings and sequences are built
// recursively; a mapping carrying the "__array_schema" key is built once per
// item of the collection that key selects.
package builder

import (
	"errors"
	"fmt"
	"math/big"
	"regexp"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/noi-techpark/go-jsonbatch/document"
	"github.com/noi-techpark/go-jsonbatch/function"
	"github.com/noi-techpark/go-jsonbatch/parser"
	"github.com/noi-techpark/go-jsonbatch/types"
)

const (
	ArraySchemaKey  = "__array_schema"
	ObjectSchemaKey = "__object_schema"
	RootPrefix      = "$$"
)

var ErrMissingArrayDirective = errors.New("missing array directive")

var numericPattern = regexp.MustCompile(`^-?[0-9.]*$`)

type Builder struct {
	registry *function.Registry
	tokens   sync.Map
}

func New(registry *function.Registry) *Builder {
	return &Builder{registry: registry}
}

func (b *Builder) Registry() *function.Registry {
	return b.registry
}

// Build evaluates schema against ctx. Paths starting with "$$" read root.
func (b *Builder) Build(schema Node, ctx, root any) (any, error) {
	switch n := schema.(type) {
	case nil:
		return nil, nil
	case StringNode:
		return b.buildString(string(n), ctx, root)
	case LiteralNode:
		return n.Value, nil
	case MapNode:
		return b.buildMap(n, ctx, root)
	case SeqNode:
		return b.buildSeq(n, ctx, root)
	}
	return nil, fmt.Errorf("unknown schema node %T", schema)
}

// Tokenize returns the token stream of a string schema without its type
// prefix. Streams are cached per schema text.
func (b *Builder) Tokenize(schema string) (types.Type, []parser.Token, error) {
	t, rest := types.ParsePrefix(schema)
	if cached, ok := b.tokens.Load(rest); ok {
		return t, cached.([]parser.Token), nil
	}
	tokens, err := parser.Tokenize(rest)
	if err != nil {
		return t, nil, err
	}
	b.tokens.Store(rest, tokens)
	return t, tokens, nil
}

func (b *Builder) buildString(schema string, ctx, root any) (any, error) {
	t, tokens, err := b.Tokenize(schema)
	if err != nil {
		return nil, err
	}
	cur := parser.NewCursor(tokens)
	tok, _ := cur.Peek()
	switch tok.Kind {
	case parser.PATH:
		cur.Next()
		v, err := b.readPath(tok.Value, ctx, root)
		if err != nil {
			return nil, err
		}
		return types.Apply(v, t)
	case parser.FUNC:
		v, err := b.call(t, cur, ctx, root)
		if err != nil {
			return nil, err
		}
		return types.Apply(v, t)
	}
	return b.buildRaw(t, tok.Value, ctx, root)
}

func (b *Builder) readPath(path string, ctx, root any) (any, error) {
	path, err := b.interpolate(path, ctx, root)
	if err != nil {
		return nil, err
	}
	target := ctx
	if strings.HasPrefix(path, RootPrefix) {
		path = path[1:]
		target = root
	}
	v, err := document.Read(target, path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", parser.ErrMalformedSchema, err)
	}
	return v, nil
}

func (b *Builder) buildRaw(t types.Type, raw string, ctx, root any) (any, error) {
	switch t {
	case types.None, types.String:
		return b.interpolate(raw, ctx, root)
	case types.Integer, types.Number, types.Boolean:
		s, err := b.interpolate(raw, ctx, root)
		if err != nil {
			return nil, err
		}
		return types.Coerce(s, t)
	}
	v, err := document.Decode([]byte(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: cannot parse %q as %s: %v", types.ErrTypeMismatch, raw, t, err)
	}
	return types.Coerce(v, t)
}

// call consumes a FUNC token, its arguments and its END_FUNC.
func (b *Builder) call(t types.Type, cur *parser.Cursor, ctx, root any) (any, error) {
	head, _ := cur.Next()
	fn, err := b.registry.Lookup(head.Value)
	if err != nil {
		return nil, err
	}

	switch f := fn.(type) {
	case function.ReduceFunction:
		var acc *function.Result
		for {
			end, err := b.atEnd(cur)
			if err != nil {
				return nil, err
			}
			if end {
				break
			}
			arg, err := b.argument(cur, ctx, root)
			if err != nil {
				return nil, err
			}
			if acc, err = f.Handle(t, arg, acc); err != nil {
				return nil, fmt.Errorf("function %s: %w", head.Value, err)
			}
			if acc.Done {
				if err := cur.SkipCall(); err != nil {
					return nil, err
				}
				break
			}
		}
		v, err := function.Finish(f, t, acc)
		if err != nil {
			return nil, fmt.Errorf("function %s: %w", head.Value, err)
		}
		return v, nil

	case function.PlainFunction:
		var args []any
		for {
			end, err := b.atEnd(cur)
			if err != nil {
				return nil, err
			}
			if end {
				break
			}
			arg, err := b.argument(cur, ctx, root)
			if err != nil {
				return nil, err
			}
			args = append(args, arg)
		}
		v, err := f.Invoke(t, args)
		if err != nil {
			return nil, fmt.Errorf("function %s: %w", head.Value, err)
		}
		return v, nil
	}
	return nil, fmt.Errorf("%w: %q is neither plain nor reduce", function.ErrUnknownFunction, head.Value)
}

// atEnd consumes the END_FUNC of the current call if it is next.
func (b *Builder) atEnd(cur *parser.Cursor) (bool, error) {
	tok, ok := cur.Peek()
	if !ok {
		return false, fmt.Errorf("%w: expect ')' character but not found", parser.ErrMalformedSchema)
	}
	if tok.Kind == parser.END_FUNC {
		cur.Next()
		return true, nil
	}
	return false, nil
}

func (b *Builder) argument(cur *parser.Cursor, ctx, root any) (any, error) {
	tok, _ := cur.Peek()
	switch tok.Kind {
	case parser.PATH:
		cur.Next()
		return b.readPath(tok.Value, ctx, root)
	case parser.FUNC:
		return b.call(types.None, cur, ctx, root)
	}
	cur.Next()
	return b.rawArgument(tok.Value, ctx, root)
}

// rawArgument reads numeric and boolean literals; anything else is
// interpolated text.
func (b *Builder) rawArgument(raw string, ctx, root any) (any, error) {
	if numericPattern.MatchString(raw) {
		if strings.Contains(raw, ".") {
			if d, err := decimal.NewFromString(raw); err == nil {
				return d, nil
			}
		} else if i, ok := new(big.Int).SetString(raw, 10); ok {
			return i, nil
		}
	}
	if strings.EqualFold(raw, "true") || strings.EqualFold(raw, "false") {
		return strings.EqualFold(raw, "true"), nil
	}
	return b.interpolate(raw, ctx, root)
}

func (b *Builder) buildMap(m MapNode, ctx, root any) (any, error) {
	if directive, ok := m.Get(ArraySchemaKey); ok {
		items, err := b.items(directive, ctx, root)
		if err != nil {
			return nil, err
		}
		out := make([]any, 0, len(items))
		for _, item := range items {
			v, err := b.buildFields(m, item, root)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	}

	if directive, ok := m.Get(ObjectSchemaKey); ok {
		items, err := b.items(directive, ctx, root)
		if err != nil {
			return nil, err
		}
		if len(items) == 0 {
			return nil, nil
		}
		ctx = items[0]
	}

	out, err := b.buildFields(m, ctx, root)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (b *Builder) items(directive Node, ctx, root any) ([]any, error) {
	switch d := directive.(type) {
	case nil:
		return nil, ErrMissingArrayDirective
	case LiteralNode:
		if d.Value == nil {
			return nil, ErrMissingArrayDirective
		}
	case StringNode:
		if strings.TrimSpace(string(d)) == "" {
			return nil, ErrMissingArrayDirective
		}
	}
	v, err := b.Build(directive, ctx, root)
	if err != nil {
		return nil, err
	}
	switch list := v.(type) {
	case nil:
		return nil, nil
	case []any:
		return list, nil
	}
	return []any{v}, nil
}

func (b *Builder) buildFields(m MapNode, ctx, root any) (*document.Object, error) {
	out := document.NewObject(len(m))
	for _, e := range m {
		if e.Key == ArraySchemaKey || e.Key == ObjectSchemaKey {
			continue
		}
		key := e.Key
		if strings.Contains(key, markerOpen) {
			var err error
			if key, err = b.interpolate(key, ctx, root); err != nil {
				return nil, fmt.Errorf("key %q: %w", e.Key, err)
			}
		}
		v, err := b.Build(e.Value, ctx, root)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", e.Key, err)
		}
		out.SetValueForKey(key, v)
	}
	return out, nil
}

// buildSeq splices the lists produced by string schemas and array
// directives; nested sequences stay nested.
func (b *Builder) buildSeq(s SeqNode, ctx, root any) ([]any, error) {
	out := make([]any, 0, len(s))
	for i, el := range s {
		v, err := b.Build(el, ctx, root)
		if err != nil {
			return nil, fmt.Errorf("[%d]: %w", i, err)
		}
		if list, ok := v.([]any); ok && splices(el) {
			out = append(out, list...)
			continue
		}
		out = append(out, v)
	}
	return out, nil
}

func splices(n Node) bool {
	switch node := n.(type) {
	case StringNode:
		return true
	case MapNode:
		_, ok := node.Get(ArraySchemaKey)
		return ok
	}
	return false
}
