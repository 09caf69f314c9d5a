// SPDX-FileCopyrightText: 2024 NOI Techpark <digital@noi.bz.it>
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package builder

import (
	"strings"

	"github.com/noi-techpark/go-jsonbatch/types"
)

const (
	markerOpen  = "@{"
	markerClose = "}@"
)

func escapable(c byte) bool {
	return c == '@' || c == '{' || c == '}' || c == '\\'
}

// interpolate replaces every balanced @{schema}@ in text with the string
// form of the built schema. A backslash before @, {, } or \ makes that
// character literal; other backslashes are kept. The text of an
// unterminated marker is kept verbatim.
func (b *Builder) interpolate(text string, ctx, root any) (string, error) {
	if !strings.Contains(text, markerOpen) && !strings.Contains(text, `\`) {
		return text, nil
	}

	var out, inner strings.Builder
	depth := 0
	for i := 0; i < len(text); i++ {
		c := text[i]
		w := &out
		if depth > 0 {
			w = &inner
		}
		next := byte(0)
		if i+1 < len(text) {
			next = text[i+1]
		}

		switch {
		case c == '\\' && escapable(next):
			w.WriteByte(next)
			i++
		case c == '@' && next == '{':
			if depth > 0 {
				inner.WriteString(markerOpen)
			}
			depth++
			i++
		case c == '}' && next == '@' && depth > 0:
			depth--
			i++
			if depth > 0 {
				inner.WriteString(markerClose)
				continue
			}
			v, err := b.Build(StringNode(inner.String()), ctx, root)
			if err != nil {
				return "", err
			}
			out.WriteString(types.ToString(v))
			inner.Reset()
		default:
			w.WriteByte(c)
		}
	}

	if depth > 0 {
		out.WriteString(markerOpen)
		out.WriteString(inner.String())
	}
	return out.String(), nil
}
