// SPDX-FileCopyrightText: 2024 NOI Techpark <digital@noi.bz.it>
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package types holds the target type tags of the schema language and the
// coercion rules between native JSON values and those tags.
//
// INTEGER values are represented as *big.Int and NUMBER values as
// decimal.Decimal, so coercions never lose precision.
package types

import (
	"errors"
	"fmt"
	"strings"
)

var ErrTypeMismatch = errors.New("type mismatch")

func mismatch(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrTypeMismatch, fmt.Sprintf(format, args...))
}

type Type int

const (
	// None means no coercion: the native value is returned
	None Type = iota
	String
	Integer
	Number
	Boolean
	Object
	StringArray
	IntegerArray
	NumberArray
	BooleanArray
	ObjectArray
)

const arrayOffset = StringArray - String

var prefixes = []struct {
	t     Type
	names []string
}{
	{String, []string{"str", "string"}},
	{Integer, []string{"int", "integer"}},
	{Number, []string{"num", "number"}},
	{Boolean, []string{"bool", "boolean"}},
	{Object, []string{"obj", "object"}},
	{StringArray, []string{"str[]", "string[]"}},
	{IntegerArray, []string{"int[]", "integer[]"}},
	{NumberArray, []string{"num[]", "number[]"}},
	{BooleanArray, []string{"bool[]", "boolean[]"}},
	{ObjectArray, []string{"obj[]", "object[]"}},
}

func (t Type) IsArray() bool {
	return t >= StringArray && t <= ObjectArray
}

// Elem returns the element type of an array type, or t itself.
func (t Type) Elem() Type {
	if t.IsArray() {
		return t - arrayOffset
	}
	return t
}

func (t Type) String() string {
	if t == None {
		return "none"
	}
	for _, p := range prefixes {
		if p.t == t {
			return p.names[0]
		}
	}
	return fmt.Sprintf("Type(%d)", int(t))
}

// ParsePrefix strips a leading type prefix ("int ", "str[] ", ...) from a
// schema string. It returns None and the unchanged schema when there is none.
func ParsePrefix(schema string) (Type, string) {
	s := strings.TrimLeft(schema, " \t\r\n")
	for _, p := range prefixes {
		for _, name := range p.names {
			if strings.HasPrefix(s, name+" ") {
				return p.t, s[len(name)+1:]
			}
		}
	}
	return None, schema
}
