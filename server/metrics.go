// SPDX-FileCopyrightText: 2024 NOI Techpark <digital@noi.bz.it>
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/noi-techpark/go-jsonbatch"
)

// Metrics holds the collectors of the batch server.
type Metrics struct {
	Executions        *prometheus.CounterVec
	ExecutionDuration prometheus.Histogram
	Dispatches        *prometheus.CounterVec
	DispatchDuration  *prometheus.HistogramVec
	TemplateReloads   *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// NewMetrics registers the collectors on reg.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		Executions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "jsonbatch",
				Name:      "executions_total",
				Help:      "Total number of batch executions",
			},
			[]string{"outcome"},
		),
		ExecutionDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "jsonbatch",
				Name:      "execution_duration_seconds",
				Help:      "Batch execution duration in seconds",
				Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
		),
		Dispatches: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "jsonbatch",
				Name:      "dispatches_total",
				Help:      "Total number of dispatched requests",
			},
			[]string{"method", "status"},
		),
		DispatchDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "jsonbatch",
				Name:      "dispatch_duration_seconds",
				Help:      "Dispatched request duration in seconds",
				Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"method"},
		),
		TemplateReloads: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "jsonbatch",
				Name:      "template_reloads_total",
				Help:      "Total number of template directory reloads",
			},
			[]string{"outcome"},
		),
		gatherer: reg,
	}
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// ObserveExecution records one finished execution.
func (m *Metrics) ObserveExecution(start time.Time, err error) {
	m.ExecutionDuration.Observe(time.Since(start).Seconds())
	m.Executions.WithLabelValues(outcome(err)).Inc()
}

func outcome(err error) string {
	var ee *jsonbatch.ExecutionError
	switch {
	case err == nil:
		return "success"
	case errors.As(err, &ee):
		return string(ee.Phase)
	}
	return "error"
}

// InstrumentedDispatcher counts and times the requests of the wrapped
// dispatcher.
type InstrumentedDispatcher struct {
	next    jsonbatch.Dispatcher
	metrics *Metrics
}

func InstrumentDispatcher(next jsonbatch.Dispatcher, m *Metrics) *InstrumentedDispatcher {
	return &InstrumentedDispatcher{next: next, metrics: m}
}

func (d *InstrumentedDispatcher) Dispatch(ctx context.Context, req jsonbatch.Request, opts jsonbatch.DispatchOptions) (*jsonbatch.Response, error) {
	method := strings.ToUpper(req.HTTPMethod)
	if method == "" {
		method = http.MethodGet
	}
	start := time.Now()
	resp, err := d.next.Dispatch(ctx, req, opts)
	d.metrics.DispatchDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())

	status := "error"
	if err == nil {
		status = strconv.Itoa(resp.Status)
	}
	d.metrics.Dispatches.WithLabelValues(method, status).Inc()
	return resp, err
}

func (d *InstrumentedDispatcher) SetProfiler(p *jsonbatch.Profiler) {
	if s, ok := d.next.(interface{ SetProfiler(*jsonbatch.Profiler) }); ok {
		s.SetProfiler(p)
	}
}
