// SPDX-FileCopyrightText: 2024 NOI Techpark <digital@noi.bz.it>
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package jsonbatch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"

	"github.com/noi-techpark/go-jsonbatch/document"
	"github.com/noi-techpark/go-jsonbatch/types"
)

type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Dispatcher sends one built request and returns its response.
type Dispatcher interface {
	Dispatch(ctx context.Context, req Request, opts DispatchOptions) (*Response, error)
}

type Request struct {
	HTTPMethod string              `json:"http_method"`
	URL        string              `json:"url"`
	Headers    map[string][]string `json:"headers"`
	Body       any                 `json:"body"`
}

// ToMap is the representation stored in the execution context.
func (r Request) ToMap() map[string]any {
	return map[string]any{
		"http_method": r.HTTPMethod,
		"url":         r.URL,
		"headers":     headersToMap(r.Headers),
		"body":        document.Normalize(r.Body),
	}
}

type Response struct {
	Status  int                 `json:"status"`
	Headers map[string][]string `json:"headers"`
	Body    any                 `json:"body"`
}

func (r Response) ToMap() map[string]any {
	return map[string]any{
		"status":  int64(r.Status),
		"headers": headersToMap(r.Headers),
		"body":    document.Normalize(r.Body),
	}
}

func headersToMap(headers map[string][]string) map[string]any {
	out := make(map[string]any, len(headers))
	for k, vs := range headers {
		values := make([]any, len(vs))
		for i, v := range vs {
			values[i] = v
		}
		out[k] = values
	}
	return out
}

// RequestFromMap reads a request decoded from JSON or YAML. Header values
// may be strings or lists.
func RequestFromMap(m map[string]any) Request {
	req := Request{Headers: map[string][]string{}}
	if m == nil {
		return req
	}
	if v, ok := m["http_method"].(string); ok {
		req.HTTPMethod = v
	}
	if v, ok := m["url"].(string); ok {
		req.URL = v
	}
	if h, ok := m["headers"].(map[string]any); ok {
		req.Headers = toHeaders(h)
	}
	req.Body = document.Normalize(m["body"])
	return req
}

// ParseRequest decodes a JSON request document.
func ParseRequest(data []byte) (Request, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return RequestFromMap(nil), nil
	}
	v, err := document.Decode(data)
	if err != nil {
		return Request{}, fmt.Errorf("could not parse request: %w", err)
	}
	m, ok := v.(map[string]any)
	if !ok {
		return Request{}, fmt.Errorf("could not parse request: expected an object, got %T", v)
	}
	return RequestFromMap(m), nil
}

// LoadRequest reads an original request from a JSON or YAML file.
func LoadRequest(path string) (Request, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Request{}, err
	}
	if FormatOf(path) != FormatYAML {
		return ParseRequest(data)
	}
	var m map[string]any
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Request{}, fmt.Errorf("could not parse request: %w", err)
	}
	return RequestFromMap(m), nil
}

// toHeaders turns built header values into header lists. Lists keep every
// element; any other value becomes a single entry.
func toHeaders(values map[string]any) map[string][]string {
	headers := make(map[string][]string, len(values))
	for k, v := range values {
		switch val := v.(type) {
		case []any:
			list := make([]string, len(val))
			for i, item := range val {
				list[i] = types.ToString(item)
			}
			headers[k] = list
		case []string:
			headers[k] = val
		default:
			headers[k] = []string{types.ToString(val)}
		}
	}
	return headers
}

// HTTPDispatcher dispatches requests over an HTTPClient.
type HTTPDispatcher struct {
	client        HTTPClient
	authenticator Authenticator
	limiter       *rate.Limiter
	timeout       time.Duration
	logger        Logger
}

func NewHTTPDispatcher(client HTTPClient) *HTTPDispatcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPDispatcher{
		client:        client,
		authenticator: NewNoopAuthenticator(),
		logger:        NewNoopLogger(),
	}
}

func (d *HTTPDispatcher) SetAuthenticator(authenticator Authenticator) {
	d.authenticator = authenticator
}

// SetRateLimit bounds the dispatch rate. A non-positive rps removes the limit.
func (d *HTTPDispatcher) SetRateLimit(rps float64, burst int) {
	if rps <= 0 {
		d.limiter = nil
		return
	}
	if burst <= 0 {
		burst = 1
	}
	d.limiter = rate.NewLimiter(rate.Limit(rps), burst)
}

func (d *HTTPDispatcher) SetTimeout(timeout time.Duration) {
	d.timeout = timeout
}

func (d *HTTPDispatcher) SetLogger(logger Logger) {
	d.logger = logger
}

// SetProfiler forwards authentication events to p.
func (d *HTTPDispatcher) SetProfiler(p *Profiler) {
	d.authenticator.SetProfiler(p)
}

func (d *HTTPDispatcher) Dispatch(ctx context.Context, req Request, opts DispatchOptions) (*Response, error) {
	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%w: rate limiter: %w", ErrDispatchFailure, err)
		}
	}
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	httpReq, err := d.newRequest(ctx, req)
	if err != nil {
		return nil, err
	}

	requestID := uuid.New().String()
	if err := d.authenticator.PrepareRequest(httpReq, requestID); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDispatchFailure, err)
	}

	d.logger.Debug("Request %s: %s", httpReq.Method, httpReq.URL)
	resp, err := d.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %w", ErrDispatchFailure, httpReq.Method, req.URL, err)
	}
	defer resp.Body.Close()

	body, err := d.readBody(resp.Body, opts)
	if err != nil {
		return nil, err
	}
	d.logger.Debug("Response %s: %d", req.URL, resp.StatusCode)

	return &Response{
		Status:  resp.StatusCode,
		Headers: map[string][]string(resp.Header.Clone()),
		Body:    body,
	}, nil
}

func (d *HTTPDispatcher) newRequest(ctx context.Context, req Request) (*http.Request, error) {
	method := strings.ToUpper(strings.TrimSpace(req.HTTPMethod))
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if req.Body != nil {
		data, err := document.Encode(req.Body)
		if err != nil {
			return nil, fmt.Errorf("%w: error encoding JSON body: %w", ErrDispatchFailure, err)
		}
		body = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, NormalizeURL(req.URL), body)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDispatchFailure, err)
	}
	for k, vs := range req.Headers {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if body != nil && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	return httpReq, nil
}

// readBody decodes a response body. With FailBackAsString a body that is not
// JSON is kept as text; IgnoreParsingError turns any parsing failure into a
// null body.
func (d *HTTPDispatcher) readBody(r io.Reader, opts DispatchOptions) (any, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		d.logger.Warning("Cannot read response body: %v", err)
		if opts.IgnoreParsingError {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %w", ErrResponseParsingFailure, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}

	v, err := document.Decode(data)
	if err == nil {
		return v, nil
	}
	d.logger.Warning("Cannot parse response body as JSON: %v", err)
	if opts.FailBackAsString {
		return string(data), nil
	}
	if opts.IgnoreParsingError {
		return nil, nil
	}
	return nil, fmt.Errorf("%w: %w", ErrResponseParsingFailure, err)
}
