// SPDX-FileCopyrightText: 2024 NOI Techpark <digital@noi.bz.it>
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package server exposes a batch engine over HTTP.
package server

import (
	"bytes"
	"context"
	"errors"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/noi-techpark/go-jsonbatch"
	"github.com/noi-techpark/go-jsonbatch/document"
)

const defaultMaxBodyBytes = 10 << 20

type Config struct {
	Engine *jsonbatch.Engine
	// Store is optional; without it the template routes answer 404.
	Store   *TemplateStore
	Metrics *Metrics
	Logger  zerolog.Logger

	MaxBodyBytes int64
	Timeout      time.Duration
}

type Handler struct {
	engine       *jsonbatch.Engine
	store        *TemplateStore
	metrics      *Metrics
	logger       zerolog.Logger
	maxBodyBytes int64
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Message  string   `json:"message"`
	Phase    string   `json:"phase,omitempty"`
	Location string   `json:"location,omitempty"`
	Details  []string `json:"details,omitempty"`
}

// NewRouter builds the server routes.
func NewRouter(cfg Config) chi.Router {
	h := &Handler{
		engine:       cfg.Engine,
		store:        cfg.Store,
		metrics:      cfg.Metrics,
		logger:       cfg.Logger,
		maxBodyBytes: cfg.MaxBodyBytes,
	}
	if h.maxBodyBytes <= 0 {
		h.maxBodyBytes = defaultMaxBodyBytes
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(NewLoggingMiddleware(cfg.Logger))
	r.Use(middleware.Recoverer)
	if cfg.Timeout > 0 {
		r.Use(middleware.Timeout(cfg.Timeout))
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if cfg.Metrics != nil {
		r.Handle("/metrics", cfg.Metrics.Handler())
	}

	r.Post("/batch", h.RunBatch)
	r.Get("/templates", h.ListTemplates)
	r.Post("/templates/{name}", h.RunTemplate)
	return r
}

// RunBatch executes the template sent as request body. The inbound request
// without its body is the original request.
func (h *Handler) RunBatch(w http.ResponseWriter, r *http.Request) {
	data, ok := h.readBody(w, r)
	if !ok {
		return
	}

	format := jsonbatch.FormatJSON
	if mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type")); strings.Contains(mediaType, "yaml") {
		format = jsonbatch.FormatYAML
	}
	tmpl, err := jsonbatch.ParseTemplate(data, format)
	if err != nil {
		writeError(w, http.StatusBadRequest, errorDetail{Message: err.Error()})
		return
	}
	if errs := jsonbatch.ValidateTemplate(tmpl, h.engine.Builder().Registry()); len(errs) > 0 {
		details := make([]string, len(errs))
		for i, e := range errs {
			details[i] = e.Error()
		}
		writeError(w, http.StatusBadRequest, errorDetail{Message: "invalid template", Details: details})
		return
	}

	h.execute(w, r, originalRequest(r, nil), tmpl)
}

func (h *Handler) RunTemplate(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if h.store == nil {
		writeError(w, http.StatusNotFound, errorDetail{Message: "template not found: " + name})
		return
	}
	tmpl, ok := h.store.Get(name)
	if !ok {
		writeError(w, http.StatusNotFound, errorDetail{Message: "template not found: " + name})
		return
	}

	data, ok := h.readBody(w, r)
	if !ok {
		return
	}
	var body any
	if len(bytes.TrimSpace(data)) > 0 {
		var err error
		if body, err = document.Decode(data); err != nil {
			writeError(w, http.StatusBadRequest, errorDetail{Message: "request body is not JSON: " + err.Error()})
			return
		}
	}

	h.execute(w, r, originalRequest(r, body), tmpl)
}

func (h *Handler) ListTemplates(w http.ResponseWriter, r *http.Request) {
	names := []string{}
	if h.store != nil {
		names = h.store.Names()
	}
	writeJSON(w, http.StatusOK, map[string]any{"templates": names})
}

func (h *Handler) execute(w http.ResponseWriter, r *http.Request, original jsonbatch.Request, tmpl *jsonbatch.BatchTemplate) {
	start := time.Now()
	resp, err := h.engine.Execute(r.Context(), original, tmpl)
	if h.metrics != nil {
		h.metrics.ObserveExecution(start, err)
	}
	if err != nil {
		h.logger.Error().
			Err(err).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("batch execution failed")
		writeExecutionError(w, err)
		return
	}

	body, err := document.Encode(resp.Body)
	if err != nil {
		writeError(w, http.StatusInternalServerError, errorDetail{Message: err.Error()})
		return
	}
	for k, vs := range resp.Headers {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	if w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "application/json")
	}
	w.WriteHeader(resp.Status)
	if resp.Body != nil {
		if _, err := w.Write(body); err != nil {
			h.logger.Error().Err(err).Msg("failed to write response body")
		}
	}
}

func (h *Handler) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	data, err := io.ReadAll(io.LimitReader(r.Body, h.maxBodyBytes+1))
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to read request body")
		writeError(w, http.StatusBadRequest, errorDetail{Message: "failed to read request body"})
		return nil, false
	}
	if int64(len(data)) > h.maxBodyBytes {
		writeError(w, http.StatusRequestEntityTooLarge, errorDetail{Message: "request body too large"})
		return nil, false
	}
	return data, true
}

func originalRequest(r *http.Request, body any) jsonbatch.Request {
	return jsonbatch.Request{
		HTTPMethod: r.Method,
		URL:        r.URL.RequestURI(),
		Headers:    map[string][]string(r.Header.Clone()),
		Body:       body,
	}
}

// writeExecutionError maps dispatch failures to 502, canceled executions to
// 503 and template failures to 422.
func writeExecutionError(w http.ResponseWriter, err error) {
	var ee *jsonbatch.ExecutionError
	if !errors.As(err, &ee) {
		writeError(w, http.StatusInternalServerError, errorDetail{Message: err.Error()})
		return
	}
	status := http.StatusUnprocessableEntity
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusServiceUnavailable
	case ee.Phase == jsonbatch.PhaseDispatching:
		status = http.StatusBadGateway
	}
	writeError(w, status, errorDetail{
		Message:  ee.Err.Error(),
		Phase:    string(ee.Phase),
		Location: ee.Location,
	})
}

func writeError(w http.ResponseWriter, status int, detail errorDetail) {
	writeJSON(w, status, errorBody{Error: detail})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// NewLoggingMiddleware logs every request except health checks and metrics.
func NewLoggingMiddleware(logger zerolog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			if r.URL.Path == "/healthz" || r.URL.Path == "/metrics" {
				return
			}
			logger.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(start)).
				Str("request_id", middleware.GetReqID(r.Context())).
				Msg("http request")
		})
	}
}
