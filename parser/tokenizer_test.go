// SPDX-FileCopyrightText: 2024 NOI Techpark <digital@noi.bz.it>
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package parser

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenize(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		tokens []Token
	}{
		{
			name:   "path",
			input:  "  $.body.key  ",
			tokens: []Token{{PATH, "$.body.key"}},
		},
		{
			name:   "raw",
			input:  "  asd @{$.a}@ ",
			tokens: []Token{{RAW, "asd @{$.a}@"}},
		},
		{
			name:  "function with path raw and quoted args",
			input: `__sum("$.body.key", 123 , "abc")`,
			tokens: []Token{
				{FUNC, "sum"},
				{PATH, "$.body.key"},
				{RAW, "123"},
				{RAW, "abc"},
				{END_FUNC, ""},
			},
		},
		{
			name:  "nested function with escaped quote",
			input: `__sum("qwe\"abc", __avg("$.body  "))`,
			tokens: []Token{
				{FUNC, "sum"},
				{RAW, `qwe"abc`},
				{FUNC, "avg"},
				{PATH, "$.body"},
				{END_FUNC, ""},
				{END_FUNC, ""},
			},
		},
		{
			name:   "no arguments",
			input:  "__and( )",
			tokens: []Token{{FUNC, "and"}, {END_FUNC, ""}},
		},
		{
			name:  "escaped backslash and literal backslash",
			input: `__regex("$.a", "^a\\b(\d)$", 1)`,
			tokens: []Token{
				{FUNC, "regex"},
				{PATH, "$.a"},
				{RAW, `^a\b(\d)$`},
				{RAW, "1"},
				{END_FUNC, ""},
			},
		},
		{
			name:  "quoted raw keeps surrounding spaces",
			input: `__cmp(" 1 < 2 ")`,
			tokens: []Token{
				{FUNC, "cmp"},
				{RAW, " 1 < 2 "},
				{END_FUNC, ""},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tokens, err := Tokenize(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.tokens, tokens)
		})
	}
}

func TestTokenize_Malformed(t *testing.T) {
	inputs := map[string]string{
		"missing close paren":   `__sum("$.a", 1`,
		"missing close quote":   `__sum("$.a, 1)`,
		"missing separator":     `__sum("$.a" 1)`,
		"no function pattern":   `__sum`,
		"trailing text":         `__sum(1) x`,
		"nested missing paren":  `__and(__or(true)`,
		"raw arg without close": `__sum(1`,
	}

	for name, input := range inputs {
		t.Run(name, func(t *testing.T) {
			_, err := Tokenize(input)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrMalformedSchema)
		})
	}
}

func TestCursor_SkipCall(t *testing.T) {
	tokens, err := Tokenize(`__and(false, __or(__x(1), true), "z")`)
	require.NoError(t, err)

	cur := NewCursor(tokens)
	tok, ok := cur.Next()
	require.True(t, ok)
	assert.Equal(t, FUNC, tok.Kind)

	tok, _ = cur.Next()
	assert.Equal(t, Token{RAW, "false"}, tok)

	require.NoError(t, cur.SkipCall())
	assert.True(t, cur.Done())
}

func TestCursor_SkipCallUnterminated(t *testing.T) {
	cur := NewCursor([]Token{{FUNC, "a"}, {RAW, "1"}})
	cur.Next()
	err := cur.SkipCall()
	assert.ErrorIs(t, err, ErrMalformedSchema)
}
