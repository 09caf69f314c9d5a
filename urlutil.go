// SPDX-FileCopyrightText: 2024 NOI Techpark <digital@noi.bz.it>
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package jsonbatch

import (
	"net/url"
	"strings"
)

// NormalizeURL percent-encodes the characters of a built URL's query that
// cannot appear on the wire, such as spaces and '#' coming from interpolated
// values. Existing %XX escapes and '+' are kept. An unparsable URL is
// returned unchanged.
func NormalizeURL(rawURL string) string {
	if idx := strings.IndexByte(rawURL, '?'); idx >= 0 {
		rawURL = rawURL[:idx] + "?" + normalizeRawQuery(rawURL[idx+1:])
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	return u.String()
}

// queryKeep marks the bytes RFC 3986 allows unescaped in a query.
var queryKeep [256]bool

func init() {
	for _, r := range "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-._~:@!$'()*,;+&=/?" {
		queryKeep[r] = true
	}
}

const hexDigits = "0123456789ABCDEF"

func escapedAt(raw string, i int) bool {
	return i+2 < len(raw) &&
		strings.IndexByte(hexDigits, upper(raw[i+1])) >= 0 &&
		strings.IndexByte(hexDigits, upper(raw[i+2])) >= 0
}

func upper(c byte) byte {
	if c >= 'a' && c <= 'z' {
		return c - 'a' + 'A'
	}
	return c
}

func normalizeRawQuery(raw string) string {
	var buf strings.Builder
	buf.Grow(len(raw))
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		switch {
		case c == '%' && escapedAt(raw, i):
			buf.WriteString(raw[i : i+3])
			i += 2
		case queryKeep[c]:
			buf.WriteByte(c)
		default:
			buf.WriteByte('%')
			buf.WriteByte(hexDigits[c>>4])
			buf.WriteByte(hexDigits[c&0x0f])
		}
	}
	return buf.String()
}
