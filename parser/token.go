// SPDX-FileCopyrightText: 2024 NOI Techpark <digital@noi.bz.it>
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package parser

import "fmt"

type Kind int

const (
	// PATH carries a path expression
	PATH Kind = iota
	// FUNC carries a function name, followed by its arguments and one END_FUNC
	FUNC
	// RAW carries an unparsed literal
	RAW
	// END_FUNC terminates the arguments of the closest open FUNC
	END_FUNC
)

func (k Kind) String() string {
	switch k {
	case PATH:
		return "PATH"
	case FUNC:
		return "FUNC"
	case RAW:
		return "RAW"
	case END_FUNC:
		return "END_FUNC"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

type Token struct {
	Kind  Kind
	Value string
}

func (t Token) String() string {
	if t.Kind == END_FUNC {
		return t.Kind.String()
	}
	return fmt.Sprintf("%s(%s)", t.Kind, t.Value)
}

// Cursor walks a token stream. Nested calls share the cursor, so every
// consumer sees the position left by the previous one.
type Cursor struct {
	tokens []Token
	pos    int
}

func NewCursor(tokens []Token) *Cursor {
	return &Cursor{tokens: tokens}
}

func (c *Cursor) Peek() (Token, bool) {
	if c.pos >= len(c.tokens) {
		return Token{}, false
	}
	return c.tokens[c.pos], true
}

func (c *Cursor) Next() (Token, bool) {
	tok, ok := c.Peek()
	if ok {
		c.pos++
	}
	return tok, ok
}

func (c *Cursor) Done() bool {
	return c.pos >= len(c.tokens)
}

// SkipCall consumes the remaining arguments of the current call, including
// nested calls, up to and including its END_FUNC.
func (c *Cursor) SkipCall() error {
	depth := 0
	for {
		tok, ok := c.Next()
		if !ok {
			return fmt.Errorf("%w: expect ')' character but not found", ErrMalformedSchema)
		}
		switch tok.Kind {
		case FUNC:
			depth++
		case END_FUNC:
			if depth == 0 {
				return nil
			}
			depth--
		}
	}
}
