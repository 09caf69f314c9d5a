// SPDX-FileCopyrightText: 2024 NOI Techpark <digital@noi.bz.it>
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package jsonbatch

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	batch_testing "github.com/noi-techpark/go-jsonbatch/testing"
)

func TestNormalizeURL(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"no query", "https://api.example.com/items", "https://api.example.com/items"},
		{"space in value", "https://api.example.com/items?q=new york", "https://api.example.com/items?q=new%20york"},
		{"hash in value", "https://api.example.com/items?tag=#go", "https://api.example.com/items?tag=%23go"},
		{"plus kept", "https://api.example.com/items?cursor=ab+c==", "https://api.example.com/items?cursor=ab+c=="},
		{"escapes kept", "https://api.example.com/items?q=a%20b%2B", "https://api.example.com/items?q=a%20b%2B"},
		{"non ascii", "https://api.example.com/items?city=bozen bolzano café", "https://api.example.com/items?city=bozen%20bolzano%20caf%C3%A9"},
		{"lone percent", "https://api.example.com/items?rate=50%", "https://api.example.com/items?rate=50%25"},
		{"invalid url", "://not-a-url", "://not-a-url"},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, NormalizeURL(tt.input))
		})
	}
}

func TestExecute_InterpolatedQueryIsEncoded(t *testing.T) {
	mock := batch_testing.NewMockRoundTripperWithResponse(map[string]any{
		"https://api.example.com/search": map[string]any{},
	})
	tmpl := parseYAML(t, `
requests:
  - http_method: GET
    url: "https://api.example.com/search?q=@{$.original.body.q}@"
`)

	resp, err := newTestEngine(t, mock).Execute(context.Background(), Request{Body: map[string]any{"q": "rock & roll #1"}}, tmpl)
	require.NoError(t, err)

	requests := mock.Requests()
	require.Len(t, requests, 1)
	assert.Equal(t, "https://api.example.com/search?q=rock%20&%20roll%20%231", requests[0].URL)
	assert.Equal(t, "https://api.example.com/search?q=rock & roll #1", read(t, resp.Body, "$.requests[0].url"))
}
