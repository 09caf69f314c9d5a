// SPDX-FileCopyrightText: 2024 NOI Techpark <digital@noi.bz.it>
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package jsonbatch

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noi-techpark/go-jsonbatch/document"
	batch_testing "github.com/noi-techpark/go-jsonbatch/testing"
)

func newTestEngine(t *testing.T, mock *batch_testing.MockRoundTripper) *Engine {
	t.Helper()
	return NewEngine(NewDefaultBuilder(nil), NewHTTPDispatcher(mock.Client()))
}

func parseYAML(t *testing.T, src string) *BatchTemplate {
	t.Helper()
	tmpl, err := ParseTemplate([]byte(src), FormatYAML)
	require.NoError(t, err)
	return tmpl
}

func read(t *testing.T, v any, path string) any {
	t.Helper()
	out, err := document.Read(v, path)
	require.NoError(t, err)
	return document.Plain(out)
}

func TestExecute_SequentialRequests(t *testing.T) {
	mock := batch_testing.NewMockRoundTripperWithResponse(map[string]any{
		"https://api.example.com/users":      map[string]any{"id": 7},
		"https://api.example.com/users/7/cv": map[string]any{"title": "engineer"},
	})
	tmpl := parseYAML(t, `
requests:
  - http_method: GET
    url: https://api.example.com/users
    requests:
      - http_method: POST
        url: "https://api.example.com/users/@{$.responses[0].body.id}@/cv"
        headers:
          X-User: "$.responses[0].body.id"
        body:
          id: "int $.responses[0].body.id"
          n: 5
`)

	resp, err := newTestEngine(t, mock).Execute(context.Background(), Request{}, tmpl)
	require.NoError(t, err)

	requests := mock.Requests()
	require.Len(t, requests, 2)
	assert.Equal(t, "https://api.example.com/users/7/cv", requests[1].URL)
	assert.Equal(t, "POST", requests[1].Method)
	assert.Equal(t, "7", requests[1].Header.Get("X-User"))
	assert.JSONEq(t, `{"id": 7, "n": 5}`, string(requests[1].Body))

	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, "engineer", read(t, resp.Body, "$.responses[1].body.title"))
	assert.Equal(t, "https://api.example.com/users", read(t, resp.Body, "$.requests[0].url"))
	assert.Equal(t, int64(200), read(t, resp.Body, "$.responses[0].status"))
}

func TestExecute_BreakResponse(t *testing.T) {
	mock := &batch_testing.MockRoundTripper{
		Expectations: []batch_testing.MockExpectation{{
			Request:  batch_testing.MockRequest{URL: "https://api.example.com/users"},
			Response: batch_testing.MockResponse{StatusCode: 404, BodyJSON: map[string]any{"message": "no such user"}},
		}},
	}
	tmpl := parseYAML(t, `
requests:
  - http_method: GET
    url: https://api.example.com/users
    responses:
      - predicate: '__cmp("@{$.responses[0].status}@ == 404")'
        status: 502
        headers:
          X-Reason: upstream
        body:
          error: "$.responses[0].body.message"
    requests:
      - http_method: GET
        url: https://api.example.com/never
`)

	resp, err := newTestEngine(t, mock).Execute(context.Background(), Request{}, tmpl)
	require.NoError(t, err)

	assert.Len(t, mock.Requests(), 1)
	assert.Equal(t, 502, resp.Status)
	assert.Equal(t, map[string][]string{"X-Reason": {"upstream"}}, resp.Headers)
	assert.Equal(t, map[string]any{"error": "no such user"}, document.Plain(resp.Body))
}

func TestExecute_BreakResponseDefaultStatus(t *testing.T) {
	mock := &batch_testing.MockRoundTripper{
		Expectations: []batch_testing.MockExpectation{{
			Request:  batch_testing.MockRequest{URL: "https://api.example.com/a"},
			Response: batch_testing.MockResponse{StatusCode: 404, BodyJSON: map[string]any{"ok": true}},
		}},
	}
	tmpl := parseYAML(t, `
requests:
  - http_method: GET
    url: https://api.example.com/a
    responses:
      - body: "$.responses[0].body.ok"
`)

	resp, err := newTestEngine(t, mock).Execute(context.Background(), Request{}, tmpl)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)
	assert.Equal(t, true, resp.Body)
}

func TestExecute_FinalResponse(t *testing.T) {
	mock := batch_testing.NewMockRoundTripperWithResponse(map[string]any{
		"https://api.example.com/a": map[string]any{"v": 1},
		"https://api.example.com/b": map[string]any{"v": 2},
	})
	tmpl := parseYAML(t, `
requests:
  - http_method: GET
    url: https://api.example.com/a
    requests:
      - http_method: GET
        url: https://api.example.com/b
responses:
  - predicate: '__cmp("@{$.responses[0].body.v}@ == 2")'
    status: 500
  - status: "int 201"
    headers:
      X-Count: "$.requests.length()"
    body:
      total: "__sum($.responses[*].body.v)"
`)

	resp, err := newTestEngine(t, mock).Execute(context.Background(), Request{}, tmpl)
	require.NoError(t, err)

	assert.Equal(t, 201, resp.Status)
	assert.Equal(t, map[string][]string{"X-Count": {"2"}}, resp.Headers)
	body, ok := document.Plain(resp.Body).(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "3", body["total"].(interface{ String() string }).String())
}

func TestExecute_NoApplicableRequest(t *testing.T) {
	mock := batch_testing.NewMockRoundTripperWithResponse(map[string]any{})
	tmpl := parseYAML(t, `
requests:
  - predicate: false
    http_method: GET
    url: https://api.example.com/a
`)

	resp, err := newTestEngine(t, mock).Execute(context.Background(), Request{URL: "/batch"}, tmpl)
	require.NoError(t, err)

	assert.Empty(t, mock.Requests())
	assert.Equal(t, 200, resp.Status)
	assert.Empty(t, resp.Headers)
	assert.Equal(t, []any{}, read(t, resp.Body, "$.requests"))
	assert.Equal(t, []any{}, read(t, resp.Body, "$.responses"))
	assert.Equal(t, "/batch", read(t, resp.Body, "$.original.url"))
}

func TestExecute_PredicateSelection(t *testing.T) {
	mock := batch_testing.NewMockRoundTripperWithResponse(map[string]any{
		"https://api.example.com/a": map[string]any{},
		"https://api.example.com/b": map[string]any{},
	})
	tmpl := parseYAML(t, `
requests:
  - predicate: '__cmp("@{$.original.body.kind}@ == a")'
    http_method: GET
    url: https://api.example.com/a
  - predicate: "not a boolean"
    http_method: GET
    url: https://api.example.com/b
  - http_method: GET
    url: https://api.example.com/a
`)

	original := Request{HTTPMethod: "POST", URL: "/batch", Body: map[string]any{"kind": "b"}}
	_, err := newTestEngine(t, mock).Execute(context.Background(), original, tmpl)
	require.NoError(t, err)

	requests := mock.Requests()
	require.Len(t, requests, 1)
	assert.Equal(t, "https://api.example.com/b", requests[0].URL)
}

func TestExecute_Loop(t *testing.T) {
	mock := batch_testing.NewMockRoundTripperWithResponse(map[string]any{
		"https://api.example.com/items": map[string]any{"items": []any{"x"}},
		"https://api.example.com/done":  map[string]any{},
	})
	tmpl := parseYAML(t, `
requests:
  - loop:
      counter_init: int 0
      counter_predicate: '__cmp("@{$.requests[0].counter}@ < 3")'
      counter_update: int $.requests[0].times.length()
      requests:
        - http_method: GET
          url: "https://api.example.com/items?page=@{$.requests[0].counter}@"
    requests:
      - http_method: POST
        url: https://api.example.com/done
        body:
          pages: "$.responses[0].times.length()"
`)

	resp, err := newTestEngine(t, mock).Execute(context.Background(), Request{}, tmpl)
	require.NoError(t, err)

	requests := mock.Requests()
	require.Len(t, requests, 4)
	assert.Equal(t, "https://api.example.com/items?page=0", requests[0].URL)
	assert.Equal(t, "https://api.example.com/items?page=1", requests[1].URL)
	assert.Equal(t, "https://api.example.com/items?page=2", requests[2].URL)
	assert.Equal(t, "https://api.example.com/done", requests[3].URL)
	assert.JSONEq(t, `{"pages": 3}`, string(requests[3].Body))

	assert.Equal(t, int64(3), read(t, resp.Body, "$.requests[0].counter"))
	assert.Equal(t, int64(3), read(t, resp.Body, "$.requests[0].times.length()"))
	assert.Equal(t, "https://api.example.com/items?page=1", read(t, resp.Body, "$.requests[0].times[1][0].url"))
	assert.Equal(t, []any{"x"}, read(t, resp.Body, "$.responses[0].times[2][0].body.items"))
	assert.Equal(t, "https://api.example.com/done", read(t, resp.Body, "$.requests[1].url"))
}

func TestExecute_LoopNestedChildren(t *testing.T) {
	mock := batch_testing.NewMockRoundTripperWithResponse(map[string]any{
		"https://api.example.com/a": map[string]any{"id": 1},
		"https://api.example.com/b": map[string]any{"id": 2},
	})
	tmpl := parseYAML(t, `
requests:
  - loop:
      counter_init: int 0
      counter_predicate: '__cmp("@{$.requests[0].counter}@ < 2")'
      counter_update: int $.requests[0].times.length()
      requests:
        - http_method: GET
          url: https://api.example.com/a
          requests:
            - http_method: GET
              url: https://api.example.com/b
`)

	resp, err := newTestEngine(t, mock).Execute(context.Background(), Request{}, tmpl)
	require.NoError(t, err)

	assert.Len(t, mock.Requests(), 4)
	assert.Equal(t, int64(2), read(t, resp.Body, "$.responses[0].times[1].length()"))
	assert.Equal(t, int64(2), read(t, resp.Body, "$.responses[0].times[1][1].body.id"))
}

func TestExecute_MaxLoopTime(t *testing.T) {
	loop := `
requests:
  - loop:
      counter_init: int 0
      counter_update: int $.requests[0].times.length()
      requests:
        - http_method: GET
          url: https://api.example.com/items
`
	newMock := func() *batch_testing.MockRoundTripper {
		return batch_testing.NewMockRoundTripperWithResponse(map[string]any{
			"https://api.example.com/items": map[string]any{},
		})
	}

	t.Run("engine limit", func(t *testing.T) {
		mock := newMock()
		engine := newTestEngine(t, mock)
		engine.SetMaxLoopTime(2)

		resp, err := engine.Execute(context.Background(), Request{}, parseYAML(t, loop))
		require.NoError(t, err)
		assert.Len(t, mock.Requests(), 2)
		assert.Equal(t, int64(2), read(t, resp.Body, "$.requests[0].counter"))
	})

	t.Run("template limit", func(t *testing.T) {
		mock := newMock()
		engine := newTestEngine(t, mock)
		engine.SetMaxLoopTime(2)

		_, err := engine.Execute(context.Background(), Request{}, parseYAML(t, loop+`
loop_options:
  max_loop_time: 4
`))
		require.NoError(t, err)
		assert.Len(t, mock.Requests(), 4)
	})

	t.Run("default limit", func(t *testing.T) {
		mock := newMock()
		_, err := newTestEngine(t, mock).Execute(context.Background(), Request{}, parseYAML(t, loop))
		require.NoError(t, err)
		assert.Len(t, mock.Requests(), DefaultMaxLoopTime)
	})
}

func TestExecute_Transformers(t *testing.T) {
	mock := batch_testing.NewMockRoundTripperWithResponse(map[string]any{
		"https://api.example.com/a": map[string]any{"data": []any{1, 2}},
		"https://api.example.com/b": map[string]any{},
	})
	tmpl := parseYAML(t, `
requests:
  - http_method: GET
    url: https://api.example.com/a
    transformers:
      - predicate: '__cmp("@{$.status}@ == 500")'
        status: 500
      - headers:
          X-Source: a
        body:
          items: "$.body.data"
    requests:
      - http_method: POST
        url: https://api.example.com/b
        body: "$.responses[0].body.items"
`)

	resp, err := newTestEngine(t, mock).Execute(context.Background(), Request{}, tmpl)
	require.NoError(t, err)

	assert.Equal(t, int64(200), read(t, resp.Body, "$.responses[0].status"))
	assert.Equal(t, map[string]any{"X-Source": []any{"a"}}, read(t, resp.Body, "$.responses[0].headers"))
	assert.Equal(t, map[string]any{"items": []any{int64(1), int64(2)}}, read(t, resp.Body, "$.responses[0].body"))
	assert.JSONEq(t, `[1, 2]`, string(mock.Requests()[1].Body))
}

func TestExecute_Vars(t *testing.T) {
	mock := batch_testing.NewMockRoundTripperWithResponse(map[string]any{
		"https://api.example.com/login": map[string]any{"token": "secret"},
		"https://api.example.com/data":  map[string]any{},
	})
	tmpl := parseYAML(t, `
requests:
  - http_method: POST
    url: https://api.example.com/login
    vars:
      - vars:
          token: "$.responses[0].body.token"
          user: admin
      - predicate: false
        vars:
          user: nobody
      - vars:
          scope: "@{$.vars.user}@-scope"
    requests:
      - http_method: GET
        url: https://api.example.com/data
        headers:
          Authorization: "Bearer @{$.vars.token}@"
`)

	resp, err := newTestEngine(t, mock).Execute(context.Background(), Request{}, tmpl)
	require.NoError(t, err)

	requests := mock.Requests()
	require.Len(t, requests, 2)
	assert.Equal(t, "Bearer secret", requests[1].Header.Get("Authorization"))
	assert.Equal(t, map[string]any{
		"token": "secret",
		"user":  "admin",
		"scope": "admin-scope",
	}, read(t, resp.Body, "$.vars"))
}

func TestExecute_BodiesKeepKeyOrder(t *testing.T) {
	mock := batch_testing.NewMockRoundTripperWithResponse(map[string]any{
		"https://api.example.com/a": map[string]any{"n": 1},
	})
	tmpl := parseYAML(t, `
requests:
  - http_method: POST
    url: https://api.example.com/a
    body:
      zeta: a
      alpha: b
    vars:
      - vars:
          second: 2
          first: 1
responses:
  - body:
      zeta: "$.requests[0].body.zeta"
      alpha: "$.vars"
      mid: "$.responses[0].body.n"
`)

	resp, err := newTestEngine(t, mock).Execute(context.Background(), Request{}, tmpl)
	require.NoError(t, err)

	assert.Equal(t, `{"zeta":"a","alpha":"b"}`, string(mock.Requests()[0].Body))
	data, err := document.Encode(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, `{"zeta":"a","alpha":{"second":2,"first":1},"mid":1}`, string(data))
}

func TestExecute_BreakSkipsVars(t *testing.T) {
	mock := batch_testing.NewMockRoundTripperWithResponse(map[string]any{
		"https://api.example.com/a": map[string]any{},
	})
	tmpl := parseYAML(t, `
requests:
  - http_method: GET
    url: https://api.example.com/a
    vars:
      - vars:
          seen: true
    responses:
      - body: "$.vars"
`)

	resp, err := newTestEngine(t, mock).Execute(context.Background(), Request{}, tmpl)
	require.NoError(t, err)
	assert.Nil(t, resp.Body)
}

func TestExecute_DispatchOptions(t *testing.T) {
	newMock := func() *batch_testing.MockRoundTripper {
		return textMock("https://api.example.com/a", http.StatusOK, "not json")
	}
	step := `
requests:
  - http_method: GET
    url: https://api.example.com/a
`

	t.Run("parsing failure", func(t *testing.T) {
		_, err := newTestEngine(t, newMock()).Execute(context.Background(), Request{}, parseYAML(t, step))
		var ee *ExecutionError
		require.ErrorAs(t, err, &ee)
		assert.Equal(t, PhaseDispatching, ee.Phase)
		assert.Equal(t, "requests[0]", ee.Location)
		assert.ErrorIs(t, err, ErrResponseParsingFailure)
	})

	t.Run("fail back as string", func(t *testing.T) {
		resp, err := newTestEngine(t, newMock()).Execute(context.Background(), Request{}, parseYAML(t, step+`
dispatch_options:
  fail_back_as_string: true
`))
		require.NoError(t, err)
		assert.Equal(t, "not json", read(t, resp.Body, "$.responses[0].body"))
	})

	t.Run("ignore parsing error", func(t *testing.T) {
		resp, err := newTestEngine(t, newMock()).Execute(context.Background(), Request{}, parseYAML(t, step+`
dispatch_options:
  ignore_parsing_error: true
`))
		require.NoError(t, err)
		assert.Nil(t, read(t, resp.Body, "$.responses[0].body"))
		assert.Equal(t, int64(1), read(t, resp.Body, "$.responses.length()"))
	})

	t.Run("request options override", func(t *testing.T) {
		_, err := newTestEngine(t, newMock()).Execute(context.Background(), Request{}, parseYAML(t, `
requests:
  - http_method: GET
    url: https://api.example.com/a
    dispatch_options: {}
dispatch_options:
  fail_back_as_string: true
`))
		assert.ErrorIs(t, err, ErrResponseParsingFailure)
	})
}

func TestExecute_Errors(t *testing.T) {
	tests := []struct {
		name     string
		template string
		mockErr  error
		phase    Phase
		location string
		target   error
	}{
		{
			name: "malformed url",
			template: `
requests:
  - http_method: GET
    url: "__sum(1"
`,
			phase:    PhaseTokenizing,
			location: "requests[0].url",
			target:   ErrMalformedSchema,
		},
		{
			name: "unknown function in body",
			template: `
requests:
  - http_method: POST
    url: https://api.example.com/a
    body:
      v: "__nope()"
`,
			phase:    PhaseEvaluating,
			location: "requests[0].body",
			target:   ErrUnknownFunction,
		},
		{
			name: "bad predicate in nested request",
			template: `
requests:
  - http_method: GET
    url: https://api.example.com/a
    requests:
      - predicate: "__and(1"
        http_method: GET
        url: https://api.example.com/a
`,
			phase:    PhaseTokenizing,
			location: "requests[0].requests[0].predicate",
			target:   ErrMalformedSchema,
		},
		{
			name: "status is not an integer",
			template: `
requests:
  - http_method: GET
    url: https://api.example.com/a
responses:
  - status: abc
`,
			phase:    PhaseEvaluating,
			location: "responses[0].status",
			target:   ErrTypeMismatch,
		},
		{
			name: "transport failure",
			template: `
requests:
  - http_method: GET
    url: https://api.example.com/a
`,
			mockErr:  errors.New("connection reset"),
			phase:    PhaseDispatching,
			location: "requests[0]",
			target:   ErrDispatchFailure,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := batch_testing.NewMockRoundTripperWithResponse(map[string]any{
				"https://api.example.com/a": map[string]any{},
			})
			mock.Err = tt.mockErr

			resp, err := newTestEngine(t, mock).Execute(context.Background(), Request{}, parseYAML(t, tt.template))
			assert.Nil(t, resp)

			var ee *ExecutionError
			require.ErrorAs(t, err, &ee)
			assert.Equal(t, tt.phase, ee.Phase)
			assert.Equal(t, tt.location, ee.Location)
			assert.ErrorIs(t, err, tt.target)
		})
	}
}

func TestExecute_CanceledContext(t *testing.T) {
	mock := batch_testing.NewMockRoundTripperWithResponse(map[string]any{
		"https://api.example.com/a": map[string]any{},
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newTestEngine(t, mock).Execute(ctx, Request{}, parseYAML(t, `
requests:
  - http_method: GET
    url: https://api.example.com/a
`))
	var ee *ExecutionError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, PhaseDispatching, ee.Phase)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, mock.Requests())
}

func TestExecute_Profiler(t *testing.T) {
	mock := batch_testing.NewMockRoundTripperWithResponse(map[string]any{
		"https://api.example.com/a": map[string]any{},
	})
	engine := newTestEngine(t, mock)
	events := engine.EnableProfiler()

	_, err := engine.Execute(context.Background(), Request{}, parseYAML(t, `
requests:
  - http_method: GET
    url: https://api.example.com/a
`))
	require.NoError(t, err)
	engine.CloseProfiler()

	var seen []ProfilerEvent
	for e := range events {
		seen = append(seen, e)
	}
	require.NotEmpty(t, seen)

	first, last := seen[0], seen[len(seen)-1]
	assert.Equal(t, EVENT_BATCH_START, first.Type)
	assert.Equal(t, EVENT_BATCH_END, last.Type)
	assert.Equal(t, first.ID, last.ID)

	var kinds []ProfileEventType
	for _, e := range seen {
		kinds = append(kinds, e.Type)
	}
	assert.Contains(t, kinds, EVENT_STEP_SELECT)
	assert.Contains(t, kinds, EVENT_REQUEST_BUILT)
	assert.Contains(t, kinds, EVENT_RESPONSE_RECEIVED)
	assert.Contains(t, kinds, EVENT_FINAL_RESPONSE)
}

func TestExecute_Concurrent(t *testing.T) {
	mock := batch_testing.NewMockRoundTripperWithResponse(map[string]any{
		"https://api.example.com/a": map[string]any{"n": 1},
	})
	engine := newTestEngine(t, mock)
	tmpl := parseYAML(t, `
requests:
  - http_method: GET
    url: https://api.example.com/a
responses:
  - body: "$.original.body"
`)

	results := make(chan any, 8)
	for i := 0; i < 8; i++ {
		go func(i int) {
			resp, err := engine.Execute(context.Background(), Request{Body: int64(i)}, tmpl)
			if err != nil {
				results <- err
				return
			}
			results <- resp.Body
		}(i)
	}

	seen := map[any]bool{}
	for i := 0; i < 8; i++ {
		seen[<-results] = true
	}
	for i := 0; i < 8; i++ {
		assert.True(t, seen[int64(i)], "missing result %d", i)
	}
}
