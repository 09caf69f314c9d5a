// SPDX-FileCopyrightText: 2024 NOI Techpark <digital@noi.bz.it>
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package document holds the JSON context a batch execution accumulates:
// segment paths for the engine's writes and JSONPath queries for reads.
package document

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var ErrNoNode = errors.New("no node at path")

// Path addresses a node by segments: string keys for mappings, int indexes
// for lists.
type Path []any

func (p Path) Child(segment any) Path {
	out := make(Path, len(p), len(p)+1)
	copy(out, p)
	return append(out, segment)
}

func (p Path) String() string {
	var b strings.Builder
	b.WriteString("$")
	for _, seg := range p {
		switch s := seg.(type) {
		case int:
			b.WriteString("[" + strconv.Itoa(s) + "]")
		default:
			b.WriteString(fmt.Sprintf(".%v", s))
		}
	}
	return b.String()
}

// Document is an in-place mutable JSON tree rooted at a mapping.
type Document struct {
	root map[string]any
}

func New(root map[string]any) *Document {
	if root == nil {
		root = make(map[string]any)
	}
	return &Document{root: root}
}

func (d *Document) Root() map[string]any {
	return d.root
}

func (d *Document) Get(p Path) (any, bool) {
	var node any = d.root
	for _, seg := range p {
		next, ok := child(node, seg)
		if !ok {
			return nil, false
		}
		node = next
	}
	return node, true
}

// Set replaces the node at p. The parent must exist; a missing key of a
// mapping parent is created.
func (d *Document) Set(p Path, value any) error {
	if len(p) == 0 {
		m, ok := value.(map[string]any)
		if !ok {
			return fmt.Errorf("root must be a mapping, got %T", value)
		}
		d.root = m
		return nil
	}
	parent, ok := d.Get(p[:len(p)-1])
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoNode, p[:len(p)-1])
	}
	return assign(parent, p[len(p)-1], value, p)
}

// Append adds value to the list at p, creating the list when the node is
// missing, and returns the new element's index.
func (d *Document) Append(p Path, value any) (int, error) {
	current, _ := d.Get(p)
	var list []any
	switch l := current.(type) {
	case nil:
	case []any:
		list = l
	default:
		return 0, fmt.Errorf("node at %s is %T, not a list", p, current)
	}
	list = append(list, value)
	if err := d.Set(p, list); err != nil {
		return 0, err
	}
	return len(list) - 1, nil
}

func child(node any, seg any) (any, bool) {
	switch n := node.(type) {
	case map[string]any:
		key, ok := seg.(string)
		if !ok {
			return nil, false
		}
		v, ok := n[key]
		return v, ok
	case *Object:
		key, ok := seg.(string)
		if !ok {
			return nil, false
		}
		return n.ValueForKey(key)
	case []any:
		idx, ok := seg.(int)
		if !ok || idx < 0 || idx >= len(n) {
			return nil, false
		}
		return n[idx], true
	}
	return nil, false
}

func assign(parent any, seg any, value any, p Path) error {
	switch n := parent.(type) {
	case map[string]any:
		key, ok := seg.(string)
		if !ok {
			return fmt.Errorf("%w: %s: index on a mapping", ErrNoNode, p)
		}
		n[key] = value
		return nil
	case *Object:
		key, ok := seg.(string)
		if !ok {
			return fmt.Errorf("%w: %s: index on a mapping", ErrNoNode, p)
		}
		n.SetValueForKey(key, value)
		return nil
	case []any:
		idx, ok := seg.(int)
		if !ok || idx < 0 || idx >= len(n) {
			return fmt.Errorf("%w: %s: index out of range", ErrNoNode, p)
		}
		n[idx] = value
		return nil
	}
	return fmt.Errorf("%w: %s: parent is %T", ErrNoNode, p, parent)
}
