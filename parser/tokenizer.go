// SPDX-FileCopyrightText: 2024 NOI Techpark <digital@noi.bz.it>
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package parser splits a single schema string into PATH, FUNC, RAW and
// END_FUNC tokens. Nested calls are emitted inline, so a FUNC is always
// followed by its argument tokens and exactly one END_FUNC.
package parser

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var ErrMalformedSchema = errors.New("malformed schema")

var funcPattern = regexp.MustCompile(`(?s)^__(\w*)\((.*)$`)

const (
	PathPrefix = "$"
	FuncPrefix = "__"
)

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedSchema, fmt.Sprintf(format, args...))
}

type tokenizer struct {
	tokens []Token
}

func (t *tokenizer) emit(kind Kind, value string) {
	t.tokens = append(t.tokens, Token{Kind: kind, Value: value})
}

// Tokenize splits text into its token stream.
func Tokenize(text string) ([]Token, error) {
	s := strings.TrimSpace(text)
	switch {
	case strings.HasPrefix(s, PathPrefix):
		return []Token{{Kind: PATH, Value: s}}, nil
	case strings.HasPrefix(s, FuncPrefix):
		t := &tokenizer{}
		rest, err := t.function(s)
		if err != nil {
			return nil, err
		}
		if rest = strings.TrimSpace(rest); rest != "" {
			return nil, malformed("unexpected %q after function call", rest)
		}
		return t.tokens, nil
	default:
		return []Token{{Kind: RAW, Value: s}}, nil
	}
}

func (t *tokenizer) function(s string) (string, error) {
	m := funcPattern.FindStringSubmatch(s)
	if m == nil {
		return "", malformed("invalid format %q", s)
	}
	t.emit(FUNC, m[1])
	return t.arguments(m[2])
}

func (t *tokenizer) arguments(rest string) (string, error) {
	rest = strings.TrimLeft(rest, " \t\r\n")
	if strings.HasPrefix(rest, ")") {
		t.emit(END_FUNC, "")
		return rest[1:], nil
	}

	for {
		var err error
		switch {
		case strings.HasPrefix(rest, `"`):
			rest, err = t.quoted(rest[1:])
		case strings.HasPrefix(rest, FuncPrefix):
			rest, err = t.function(rest)
		default:
			rest, err = t.raw(rest)
		}
		if err != nil {
			return "", err
		}

		rest = strings.TrimLeft(rest, " \t\r\n")
		switch {
		case strings.HasPrefix(rest, ","):
			rest = strings.TrimLeft(rest[1:], " \t\r\n")
		case strings.HasPrefix(rest, ")"):
			t.emit(END_FUNC, "")
			return rest[1:], nil
		case rest == "":
			return "", malformed("expect ')' character but not found")
		default:
			return "", malformed("expect ',' or ')' character but not found")
		}
	}
}

// quoted reads a quoted argument; s starts right after the opening quote.
// Only \" and \\ are escapes, any other backslash is kept as is.
func (t *tokenizer) quoted(s string) (string, error) {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '\\' && i+1 < len(s) && (s[i+1] == '"' || s[i+1] == '\\') {
			b.WriteByte(s[i+1])
			i++
			continue
		}
		if c == '"' {
			if strings.HasPrefix(strings.TrimSpace(s[:i]), PathPrefix) {
				t.emit(PATH, strings.TrimSpace(b.String()))
			} else {
				t.emit(RAW, b.String())
			}
			return s[i+1:], nil
		}
		b.WriteByte(c)
	}
	return "", malformed(`expect '"' character but not found`)
}

func (t *tokenizer) raw(s string) (string, error) {
	idx := strings.IndexAny(s, ",)")
	if idx < 0 {
		return "", malformed("expect ',' or ')' character but not found")
	}
	t.emit(RAW, strings.TrimSpace(s[:idx]))
	return s[idx:], nil
}
