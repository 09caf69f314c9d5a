// SPDX-FileCopyrightText: 2024 NOI Techpark <digital@noi.bz.it>
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package jsonbatch_testing

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/goccy/go-json"
	"gopkg.in/yaml.v3"
)

// MockExpectation pairs a request matcher with the response it answers.
type MockExpectation struct {
	Request  MockRequest  `yaml:"request"`
	Response MockResponse `yaml:"response"`
}

// MockRequest matches by URL without query; the other fields are optional
// checks.
type MockRequest struct {
	Method      string            `yaml:"method,omitempty"`
	URL         string            `yaml:"url"`
	Headers     map[string]string `yaml:"headers,omitempty"`
	Body        map[string]any    `yaml:"body,omitempty"`
	QueryParams map[string]string `yaml:"query_params,omitempty"`
}

// MockResponse defines the mock response to return. BodyText is sent as is,
// BodyJSON is encoded, BodyFile is read from disk.
type MockResponse struct {
	StatusCode int               `yaml:"status_code,omitempty"`
	Headers    map[string]string `yaml:"headers,omitempty"`
	BodyFile   string            `yaml:"body_file,omitempty"`
	BodyJSON   any               `yaml:"body_json,omitempty"`
	BodyText   string            `yaml:"body_text,omitempty"`
}

// MockConfig is the YAML layout read by NewMockRoundTripperFromYAML.
type MockConfig struct {
	Mocks []MockExpectation `yaml:"mocks"`
}

// RecordedRequest is a request seen by the round tripper.
type RecordedRequest struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

type MockRoundTripper struct {
	MockMap      map[string]string // normalized URL => filepath
	Expectations []MockExpectation
	Errors       []string
	// Err, when set, fails every round trip as a transport error.
	Err error

	mu       sync.Mutex
	requests []RecordedRequest
}

func NewMockRoundTripper(config map[string]string) *MockRoundTripper {
	return &MockRoundTripper{MockMap: indexByURL(config)}
}

func NewMockRoundTripperWithResponse(responses map[string]any) *MockRoundTripper {
	urls := make([]string, 0, len(responses))
	for u := range responses {
		urls = append(urls, u)
	}
	sort.Strings(urls)

	expectations := make([]MockExpectation, 0, len(urls))
	for _, u := range urls {
		expectations = append(expectations, MockExpectation{
			Request:  MockRequest{URL: u},
			Response: MockResponse{StatusCode: http.StatusOK, BodyJSON: responses[u]},
		})
	}
	return &MockRoundTripper{Expectations: expectations}
}

func NewMockRoundTripperFromYAML(yamlPath string) (*MockRoundTripper, error) {
	data, err := os.ReadFile(yamlPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read mock config: %w", err)
	}

	var config MockConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse mock config: %w", err)
	}
	return &MockRoundTripper{Expectations: config.Mocks}, nil
}

// Client returns an http.Client using m as transport.
func (m *MockRoundTripper) Client() *http.Client {
	return &http.Client{Transport: m}
}

// Requests returns the recorded requests in arrival order.
func (m *MockRoundTripper) Requests() []RecordedRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]RecordedRequest(nil), m.requests...)
}

func (m *MockRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	var body []byte
	if req.Body != nil {
		body, _ = io.ReadAll(req.Body)
		req.Body = io.NopCloser(bytes.NewReader(body))
	}
	m.mu.Lock()
	m.requests = append(m.requests, RecordedRequest{
		Method: req.Method,
		URL:    req.URL.String(),
		Header: req.Header.Clone(),
		Body:   body,
	})
	m.mu.Unlock()

	if m.Err != nil {
		return nil, m.Err
	}
	if len(m.Expectations) > 0 {
		return m.roundTripWithExpectations(req, body)
	}

	filePath, ok := m.MockMap[normalizeURL(req.URL)]
	if !ok {
		return jsonResponse(req, http.StatusNotFound, `{"error": "mock not found"}`), nil
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return jsonResponse(req, http.StatusInternalServerError, `{"error": "failed to read mock"}`), nil
	}
	return jsonResponse(req, http.StatusOK, string(data)), nil
}

func (m *MockRoundTripper) roundTripWithExpectations(req *http.Request, body []byte) (*http.Response, error) {
	var validationErrors []string
	for i := range m.Expectations {
		exp := &m.Expectations[i]
		if !matchesURL(req, exp.Request.URL) {
			continue
		}
		if err := validateRequest(req, body, &exp.Request); err != nil {
			validationErrors = append(validationErrors, fmt.Sprintf("Expectation %d: %s", i, err.Error()))
			continue
		}
		return buildResponse(req, &exp.Response), nil
	}

	errMsg := fmt.Sprintf("No mock expectation found for %s %s", req.Method, req.URL.String())
	if len(validationErrors) > 0 {
		errMsg = fmt.Sprintf("No matching expectation for %s %s. Validation errors: %v", req.Method, req.URL.String(), validationErrors)
	}
	m.mu.Lock()
	m.Errors = append(m.Errors, errMsg)
	m.mu.Unlock()

	msg, _ := json.Marshal(map[string]string{"error": errMsg})
	return jsonResponse(req, http.StatusBadRequest, string(msg)), nil
}

func matchesURL(req *http.Request, expected string) bool {
	expectedURL, err := url.Parse(expected)
	if err != nil {
		return false
	}
	reqBase := req.URL.Scheme + "://" + req.URL.Host + strings.TrimRight(req.URL.Path, "/")
	expBase := expectedURL.Scheme + "://" + expectedURL.Host + strings.TrimRight(expectedURL.Path, "/")
	return reqBase == expBase
}

func validateRequest(req *http.Request, body []byte, expected *MockRequest) error {
	if expected.Method != "" && req.Method != expected.Method {
		return fmt.Errorf("method mismatch: expected %s, got %s", expected.Method, req.Method)
	}
	for key, expectedValue := range expected.Headers {
		if actual := req.Header.Get(key); actual != expectedValue {
			return fmt.Errorf("header %s mismatch: expected %q, got %q", key, expectedValue, actual)
		}
	}
	for key, expectedValue := range expected.QueryParams {
		if actual := req.URL.Query().Get(key); actual != expectedValue {
			return fmt.Errorf("query param %s mismatch: expected %q, got %q", key, expectedValue, actual)
		}
	}
	if len(expected.Body) == 0 {
		return nil
	}

	var actualBody map[string]any
	if err := json.Unmarshal(body, &actualBody); err != nil {
		return fmt.Errorf("failed to parse JSON body: %w", err)
	}
	for key, expectedValue := range expected.Body {
		actualValue, ok := actualBody[key]
		if !ok {
			return fmt.Errorf("body field %s missing", key)
		}
		if !sameJSON(expectedValue, actualValue) {
			return fmt.Errorf("body field %s mismatch: expected %v, got %v", key, expectedValue, actualValue)
		}
	}
	return nil
}

func buildResponse(req *http.Request, response *MockResponse) *http.Response {
	statusCode := response.StatusCode
	if statusCode == 0 {
		statusCode = http.StatusOK
	}

	var data []byte
	var err error
	switch {
	case response.BodyFile != "":
		data, err = os.ReadFile(response.BodyFile)
	case response.BodyText != "":
		data = []byte(response.BodyText)
	case response.BodyJSON != nil:
		data, err = json.Marshal(response.BodyJSON)
	}
	if err != nil {
		return jsonResponse(req, http.StatusInternalServerError, fmt.Sprintf(`{"error": %q}`, err.Error()))
	}

	resp := jsonResponse(req, statusCode, string(data))
	for key, value := range response.Headers {
		resp.Header.Set(key, value)
	}
	return resp
}

func jsonResponse(req *http.Request, status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(bytes.NewBufferString(body)),
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Request:    req,
	}
}

// sameJSON compares values by their JSON encoding, so 1 and 1.0 match.
func sameJSON(expected, actual any) bool {
	e, errE := json.Marshal(expected)
	a, errA := json.Marshal(actual)
	return errE == nil && errA == nil && bytes.Equal(e, a)
}

func indexByURL(files map[string]string) map[string]string {
	index := make(map[string]string, len(files))
	for raw, path := range files {
		if u, err := url.Parse(raw); err == nil {
			index[normalizeURL(u)] = path
		}
	}
	return index
}

// normalizeURL drops a trailing slash and orders the query by key.
func normalizeURL(u *url.URL) string {
	base := u.Scheme + "://" + u.Host + strings.TrimRight(u.Path, "/")
	if query := u.Query().Encode(); query != "" {
		return base + "?" + query
	}
	return base
}
