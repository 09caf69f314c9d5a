// SPDX-FileCopyrightText: 2024 NOI Techpark <digital@noi.bz.it>
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noi-techpark/go-jsonbatch"
	batch_testing "github.com/noi-techpark/go-jsonbatch/testing"
)

type fixture struct {
	server  *httptest.Server
	mock    *batch_testing.MockRoundTripper
	metrics *Metrics
}

func newFixture(t *testing.T, withStore bool) *fixture {
	t.Helper()
	mock := batch_testing.NewMockRoundTripperWithResponse(map[string]any{
		"https://api.example.com/users/42": map[string]any{"name": "ada"},
	})
	metrics := NewMetrics(prometheus.NewRegistry())
	builder := jsonbatch.NewDefaultBuilder(nil)
	engine := jsonbatch.NewEngine(builder, InstrumentDispatcher(jsonbatch.NewHTTPDispatcher(mock.Client()), metrics))

	cfg := Config{Engine: engine, Metrics: metrics, Logger: zerolog.Nop()}
	if withStore {
		store, err := NewTemplateStore("testdata/templates", builder.Registry(), zerolog.Nop())
		require.NoError(t, err)
		cfg.Store = store
	}

	srv := httptest.NewServer(NewRouter(cfg))
	t.Cleanup(srv.Close)
	return &fixture{server: srv, mock: mock, metrics: metrics}
}

func (f *fixture) do(t *testing.T, method, path, contentType, body string) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(method, f.server.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(data)
}

func TestHealthz(t *testing.T) {
	f := newFixture(t, false)
	resp, body := f.do(t, http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status": "ok"}`, body)
}

func TestRunBatch_JSON(t *testing.T) {
	f := newFixture(t, false)
	tmpl := `{
		"requests": [{"http_method": "GET", "url": "https://api.example.com/users/42"}],
		"responses": [{"status": 201, "headers": {"X-Path": "$.original.url"}, "body": {"name": "$.responses[0].body.name"}}]
	}`

	resp, body := f.do(t, http.MethodPost, "/batch?x=1", "application/json", tmpl)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "/batch?x=1", resp.Header.Get("X-Path"))
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.JSONEq(t, `{"name": "ada"}`, body)

	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.Executions.WithLabelValues("success")))
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.Dispatches.WithLabelValues("GET", "200")))
}

func TestRunBatch_YAML(t *testing.T) {
	f := newFixture(t, false)
	tmpl := `
requests:
  - http_method: GET
    url: https://api.example.com/users/42
`
	resp, body := f.do(t, http.MethodPost, "/batch", "application/yaml", tmpl)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(body), &out))
	assert.Contains(t, out, "original")
	assert.Len(t, out["responses"], 1)
}

func TestRunBatch_BadRequests(t *testing.T) {
	f := newFixture(t, false)

	resp, _ := f.do(t, http.MethodPost, "/batch", "application/json", `{"requests": [`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body := f.do(t, http.MethodPost, "/batch", "application/json", `{"requests": [{"url": "https://api.example.com"}]}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body, "requests[0].http_method")
	assert.Empty(t, f.mock.Requests())
}

func TestRunBatch_ExecutionErrors(t *testing.T) {
	f := newFixture(t, false)

	resp, body := f.do(t, http.MethodPost, "/batch", "application/json",
		`{"requests": [{"http_method": "GET", "url": "https://api.example.com/users/42"}], "responses": [{"status": "abc"}]}`)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	var out errorBody
	require.NoError(t, json.Unmarshal([]byte(body), &out))
	assert.Equal(t, "evaluating", out.Error.Phase)
	assert.Equal(t, "responses[0].status", out.Error.Location)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.Executions.WithLabelValues("evaluating")))

	f.mock.Err = io.ErrUnexpectedEOF
	resp, _ = f.do(t, http.MethodPost, "/batch", "application/json",
		`{"requests": [{"http_method": "GET", "url": "https://api.example.com/users/42"}]}`)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.Dispatches.WithLabelValues("GET", "error")))
}

func TestTemplates(t *testing.T) {
	f := newFixture(t, true)

	resp, body := f.do(t, http.MethodGet, "/templates", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"templates": ["user"]}`, body)

	resp, body = f.do(t, http.MethodPost, "/templates/user", "application/json", `{"id": 42}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "42", resp.Header.Get("X-User"))
	assert.JSONEq(t, `{"name": "ada"}`, body)

	resp, _ = f.do(t, http.MethodPost, "/templates/broken", "application/json", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/templates/user", "application/json", "not json")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestTemplates_NoStore(t *testing.T) {
	f := newFixture(t, false)

	resp, body := f.do(t, http.MethodGet, "/templates", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"templates": []}`, body)

	resp, _ = f.do(t, http.MethodPost, "/templates/user", "", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, false)
	f.do(t, http.MethodPost, "/batch", "application/json",
		`{"requests": [{"http_method": "GET", "url": "https://api.example.com/users/42"}]}`)

	resp, body := f.do(t, http.MethodGet, "/metrics", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, `jsonbatch_executions_total{outcome="success"} 1`)
	assert.Contains(t, body, "jsonbatch_dispatch_duration_seconds")
}

func TestRunBatch_BodyTooLarge(t *testing.T) {
	mock := batch_testing.NewMockRoundTripperWithResponse(map[string]any{})
	engine := jsonbatch.NewEngine(jsonbatch.NewDefaultBuilder(nil), jsonbatch.NewHTTPDispatcher(mock.Client()))
	srv := httptest.NewServer(NewRouter(Config{Engine: engine, Logger: zerolog.Nop(), MaxBodyBytes: 8}))
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/batch", "application/json", strings.NewReader(`{"requests": []}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
}
