// SPDX-FileCopyrightText: 2024 NOI Techpark <digital@noi.bz.it>
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package jsonbatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/noi-techpark/go-jsonbatch/builder"
	"github.com/noi-techpark/go-jsonbatch/document"
	"github.com/noi-techpark/go-jsonbatch/function"
	"github.com/noi-techpark/go-jsonbatch/types"
)

const DefaultMaxLoopTime = 100

// Root context keys.
const (
	KeyOriginal  = "original"
	KeyRequests  = "requests"
	KeyResponses = "responses"
	KeyVars      = "vars"
	KeyCounter   = "counter"
	KeyTimes     = "times"
)

// Engine executes batch templates. An Engine holds no per-execution state
// and may run several executions at once.
type Engine struct {
	builder     *builder.Builder
	dispatcher  Dispatcher
	logger      Logger
	profiler    *Profiler
	maxLoopTime int
}

func NewEngine(b *builder.Builder, dispatcher Dispatcher) *Engine {
	return &Engine{
		builder:     b,
		dispatcher:  dispatcher,
		logger:      NewNoopLogger(),
		maxLoopTime: DefaultMaxLoopTime,
	}
}

// NewDefaultBuilder returns a builder with every built-in function.
func NewDefaultBuilder(logger Logger) *builder.Builder {
	return builder.New(function.NewRegistry(function.All(logger)...))
}

func (e *Engine) Builder() *builder.Builder {
	return e.builder
}

func (e *Engine) SetLogger(logger Logger) {
	e.logger = logger
}

func (e *Engine) SetMaxLoopTime(max int) {
	e.maxLoopTime = max
}

func (e *Engine) EnableProfiler() chan ProfilerEvent {
	e.profiler = NewProfiler(256)
	if p, ok := e.dispatcher.(interface{ SetProfiler(*Profiler) }); ok {
		p.SetProfiler(e.profiler)
	}
	return e.profiler.Channel()
}

// CloseProfiler closes the channel returned by EnableProfiler.
func (e *Engine) CloseProfiler() {
	e.profiler.Close()
	e.profiler = nil
	if p, ok := e.dispatcher.(interface{ SetProfiler(*Profiler) }); ok {
		p.SetProfiler(nil)
	}
}

type state int

const (
	stateSelectStep state = iota
	stateRunLoopIteration
	stateDispatch
	stateCheckBreak
	stateAdvance
	stateDone
)

// step is a stack frame: the selected template and the lists its requests
// and responses are appended to.
type step struct {
	template  *RequestTemplate
	requests  document.Path
	responses document.Path
	index     int
	location  string
	loop      *loopState
	eventID   string
}

// loopState exists once a loop step has installed its accumulator nodes.
type loopState struct {
	request    document.Path
	response   document.Path
	iterations int
}

type execution struct {
	engine   *Engine
	ctx      context.Context
	template *BatchTemplate
	doc      *document.Document
	stack    []*step
	current  *step
	state    state
	result   *Response
	maxLoop  int
	batchID  string
}

// Execute runs tmpl with original as the original request. The returned
// error is an *ExecutionError.
func (e *Engine) Execute(ctx context.Context, original Request, tmpl *BatchTemplate) (*Response, error) {
	e.logger.Info("Start executing batch %s %s", original.HTTPMethod, original.URL)
	start := time.Now()

	x := &execution{
		engine:   e,
		ctx:      ctx,
		template: tmpl,
		doc: document.New(map[string]any{
			KeyOriginal:  original.ToMap(),
			KeyRequests:  []any{},
			KeyResponses: []any{},
		}),
		maxLoop: e.maxLoopTime,
	}
	if tmpl.LoopOptions.MaxLoopTime > 0 {
		x.maxLoop = tmpl.LoopOptions.MaxLoopTime
	}
	x.batchID = e.profiler.Emit(EVENT_BATCH_START, "Batch Start", "", "", map[string]any{
		"executionId": uuid.New().String(),
		"original":    original.ToMap(),
	})

	resp, err := x.run()
	if err != nil {
		e.logger.Error("Batch failed: %v", err)
		e.profiler.EmitError("Batch Failed", x.batchID, locationOf(err), err)
		e.profiler.EmitEnd(EVENT_BATCH_END, "Batch End", x.batchID, "", start, map[string]any{"error": err.Error()})
		return nil, err
	}

	e.logger.Info("Done executing batch %s %s with status %d", original.HTTPMethod, original.URL, resp.Status)
	e.profiler.EmitEnd(EVENT_BATCH_END, "Batch End", x.batchID, "", start, map[string]any{"status": resp.Status})
	return resp, nil
}

func locationOf(err error) string {
	var ee *ExecutionError
	if errors.As(err, &ee) {
		return ee.Location
	}
	return ""
}

func (x *execution) run() (*Response, error) {
	root := document.Path{}
	if err := x.selectChild(x.template.Requests, root.Child(KeyRequests), root.Child(KeyResponses), 0, "requests"); err != nil {
		return nil, err
	}

	for x.state != stateDone {
		if err := x.ctx.Err(); err != nil {
			loc := ""
			if x.current != nil {
				loc = x.current.location
			}
			return nil, &ExecutionError{Phase: PhaseDispatching, Location: loc, Err: err}
		}

		var err error
		switch x.state {
		case stateSelectStep:
			err = x.selectStep()
		case stateRunLoopIteration:
			err = x.runLoopIteration()
		case stateDispatch:
			err = x.dispatch()
		case stateCheckBreak:
			err = x.checkBreak()
		case stateAdvance:
			err = x.advance()
		}
		if err != nil {
			return nil, err
		}
	}
	return x.result, nil
}

func (x *execution) push(s *step) {
	x.stack = append(x.stack, s)
}

func (x *execution) pop() *step {
	if len(x.stack) == 0 {
		return nil
	}
	s := x.stack[len(x.stack)-1]
	x.stack = x.stack[:len(x.stack)-1]
	return s
}

func (x *execution) selectStep() error {
	s := x.pop()
	if s == nil {
		return x.finish()
	}
	x.current = s
	if s.template.Loop != nil {
		x.state = stateRunLoopIteration
	} else {
		x.state = stateDispatch
	}
	return nil
}

// selectChild pushes a step for the first applicable candidate.
func (x *execution) selectChild(candidates []*RequestTemplate, requests, responses document.Path, index int, location string) error {
	i, tmpl, err := x.selectRequest(candidates, location)
	if err != nil {
		return err
	}
	if tmpl != nil {
		loc := fmt.Sprintf("%s[%d]", location, i)
		s := &step{
			template:  tmpl,
			requests:  requests,
			responses: responses,
			index:     index,
			location:  loc,
		}
		s.eventID = x.engine.profiler.Emit(EVENT_STEP_SELECT, "Step Selected", x.batchID, loc, map[string]any{
			"index": index,
			"loop":  tmpl.Loop != nil,
		})
		x.push(s)
	}
	x.state = stateSelectStep
	return nil
}

func (x *execution) runLoopIteration() error {
	s := x.current
	lt := s.template.Loop
	root := x.doc.Root()

	if s.loop == nil {
		counter, err := x.build(lt.CounterInit, root, s.location+".loop.counter_init")
		if err != nil {
			return err
		}
		reqIdx, err := x.doc.Append(s.requests, map[string]any{
			KeyCounter: document.Normalize(counter),
			KeyTimes:   []any{},
		})
		if err != nil {
			return x.fail(s.location, err)
		}
		respIdx, err := x.doc.Append(s.responses, map[string]any{KeyTimes: []any{}})
		if err != nil {
			return x.fail(s.location, err)
		}
		s.loop = &loopState{request: s.requests.Child(reqIdx), response: s.responses.Child(respIdx)}
	} else {
		counter, err := x.build(lt.CounterUpdate, root, s.location+".loop.counter_update")
		if err != nil {
			return err
		}
		if err := x.doc.Set(s.loop.request.Child(KeyCounter), document.Normalize(counter)); err != nil {
			return x.fail(s.location, err)
		}
	}

	if s.loop.iterations >= x.maxLoop {
		x.engine.logger.Warning("Loop %s reached max loop time %d", s.location, x.maxLoop)
		x.endLoop(s, "max loop time")
		return nil
	}

	proceed, err := x.predicate(lt.CounterPredicate, root, s.location+".loop.counter_predicate")
	if err != nil {
		return err
	}
	if !proceed {
		x.endLoop(s, "predicate")
		return nil
	}

	location := s.location + ".loop.requests"
	i, inner, err := x.selectRequest(lt.Requests, location)
	if err != nil {
		return err
	}
	if inner == nil {
		x.endLoop(s, "no applicable request")
		return nil
	}

	times := s.loop.request.Child(KeyTimes)
	j, err := x.doc.Append(times, []any{})
	if err != nil {
		return x.fail(s.location, err)
	}
	if _, err := x.doc.Append(s.loop.response.Child(KeyTimes), []any{}); err != nil {
		return x.fail(s.location, err)
	}

	x.engine.logger.Debug("Loop %s iteration %d", s.location, s.loop.iterations)
	x.engine.profiler.Emit(EVENT_LOOP_ITERATION, "Loop Iteration", s.eventID, s.location, map[string]any{
		"iteration": s.loop.iterations,
	})

	x.push(s)
	x.push(&step{
		template:  inner,
		requests:  times.Child(j),
		responses: s.loop.response.Child(KeyTimes).Child(j),
		location:  fmt.Sprintf("%s[%d]", location, i),
		eventID:   s.eventID,
	})
	s.loop.iterations++
	x.state = stateSelectStep
	return nil
}

func (x *execution) endLoop(s *step, reason string) {
	x.engine.profiler.Emit(EVENT_LOOP_END, "Loop End", s.eventID, s.location, map[string]any{
		"iterations": s.loop.iterations,
		"reason":     reason,
	})
	x.state = stateCheckBreak
}

func (x *execution) dispatch() error {
	s := x.current
	x.engine.logger.Debug("Start executing request %s", s.location)

	req, err := x.buildRequest(s)
	if err != nil {
		return err
	}
	x.engine.profiler.Emit(EVENT_REQUEST_BUILT, "Request Built", s.eventID, s.location, map[string]any{
		"request": req.ToMap(),
	})

	opts := x.template.DispatchOptions
	if s.template.DispatchOptions != nil {
		opts = *s.template.DispatchOptions
	}

	start := time.Now()
	resp, err := x.engine.dispatcher.Dispatch(x.ctx, req, opts)
	if err != nil {
		if !errors.Is(err, ErrDispatchFailure) && !errors.Is(err, ErrResponseParsingFailure) {
			err = fmt.Errorf("%w: %w", ErrDispatchFailure, err)
		}
		return &ExecutionError{Phase: PhaseDispatching, Location: s.location, Err: err}
	}
	x.engine.logger.Debug("Done executing request %s with status %d", s.location, resp.Status)
	x.engine.profiler.Emit(EVENT_RESPONSE_RECEIVED, "Response Received", s.eventID, s.location, map[string]any{
		"response":   resp.ToMap(),
		"durationMs": time.Since(start).Milliseconds(),
	})

	resp, err = x.transform(s, resp)
	if err != nil {
		return err
	}

	if _, err := x.doc.Append(s.requests, req.ToMap()); err != nil {
		return x.fail(s.location, err)
	}
	if _, err := x.doc.Append(s.responses, resp.ToMap()); err != nil {
		return x.fail(s.location, err)
	}
	x.state = stateCheckBreak
	return nil
}

func (x *execution) buildRequest(s *step) (Request, error) {
	t := s.template
	root := x.doc.Root()

	method, err := x.build(t.HTTPMethod, root, s.location+".http_method")
	if err != nil {
		return Request{}, err
	}
	url, err := x.build(t.URL, root, s.location+".url")
	if err != nil {
		return Request{}, err
	}
	req := Request{
		HTTPMethod: stringOf(method),
		URL:        stringOf(url),
		Headers:    map[string][]string{},
	}

	if !t.Body.IsZero() {
		if req.Body, err = x.build(t.Body, root, s.location+".body"); err != nil {
			return Request{}, err
		}
	}
	if !t.Headers.IsZero() {
		if req.Headers, err = x.buildHeaders(t.Headers, root, s.location+".headers"); err != nil {
			return Request{}, err
		}
	}
	return req, nil
}

// transform rebuilds resp with the first applicable transformer, evaluated
// against the response itself.
func (x *execution) transform(s *step, resp *Response) (*Response, error) {
	if len(s.template.Transformers) == 0 {
		return resp, nil
	}
	ctx := resp.ToMap()
	location := s.location + ".transformers"
	i, tmpl, err := x.selectResponse(s.template.Transformers, ctx, location)
	if err != nil || tmpl == nil {
		return resp, err
	}
	x.engine.profiler.Emit(EVENT_RESPONSE_TRANSFORM, "Response Transform", s.eventID, s.location, map[string]any{
		"transformer": i,
	})
	return x.buildResponse(tmpl, ctx, resp.Status, fmt.Sprintf("%s[%d]", location, i))
}

func (x *execution) checkBreak() error {
	s := x.current
	location := s.location + ".responses"
	i, tmpl, err := x.selectResponse(s.template.Responses, x.doc.Root(), location)
	if err != nil {
		return err
	}
	if tmpl == nil {
		x.state = stateAdvance
		return nil
	}

	x.engine.logger.Info("Found break response %s[%d]", location, i)
	resp, err := x.buildResponse(tmpl, x.doc.Root(), 200, fmt.Sprintf("%s[%d]", location, i))
	if err != nil {
		return err
	}
	x.engine.profiler.Emit(EVENT_BREAK_RESPONSE, "Break Response", s.eventID, s.location, map[string]any{
		"status": resp.Status,
	})
	x.result = resp
	x.state = stateDone
	return nil
}

func (x *execution) advance() error {
	s := x.current
	if err := x.mergeVars(s); err != nil {
		return err
	}
	return x.selectChild(s.template.Requests, s.requests, s.responses, s.index+1, s.location+".requests")
}

// mergeVars applies every applicable var template in order.
func (x *execution) mergeVars(s *step) error {
	root := x.doc.Root()
	for i, vt := range s.template.Vars {
		location := fmt.Sprintf("%s.vars[%d]", s.location, i)
		ok, err := x.predicate(vt.Predicate, root, location+".predicate")
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		built, err := x.build(vt.Vars, root, location+".vars")
		if err != nil {
			return err
		}
		if built == nil {
			continue
		}
		values, isMap := document.AsObject(built)
		if !isMap {
			return x.fail(location, fmt.Errorf("%w: vars must build to a mapping, got %T", ErrTypeMismatch, built))
		}

		vars, _ := document.AsObject(root[KeyVars])
		if vars == nil {
			vars = document.NewObject(values.Len())
		}
		for _, k := range values.Keys() {
			v, _ := values.ValueForKey(k)
			vars.SetValueForKey(k, document.Normalize(v))
		}
		if err := x.doc.Set(document.Path{KeyVars}, vars); err != nil {
			return x.fail(location, err)
		}
		x.engine.profiler.Emit(EVENT_VARS_MERGE, "Vars Merged", s.eventID, location, map[string]any{
			"vars": values,
		})
	}
	return nil
}

// finish selects the final response once no step is left.
func (x *execution) finish() error {
	root := x.doc.Root()
	i, tmpl, err := x.selectResponse(x.template.Responses, root, "responses")
	if err != nil {
		return err
	}
	if tmpl != nil {
		x.engine.logger.Info("Found final response responses[%d]", i)
		if x.result, err = x.buildResponse(tmpl, root, 200, fmt.Sprintf("responses[%d]", i)); err != nil {
			return err
		}
	} else {
		x.engine.logger.Info("Not found final response. Return all batch responses")
		x.result = &Response{Status: 200, Headers: map[string][]string{}, Body: root}
	}
	x.engine.profiler.Emit(EVENT_FINAL_RESPONSE, "Final Response", x.batchID, "responses", map[string]any{
		"status": x.result.Status,
	})
	x.state = stateDone
	return nil
}

func (x *execution) selectRequest(candidates []*RequestTemplate, location string) (int, *RequestTemplate, error) {
	root := x.doc.Root()
	for i, c := range candidates {
		ok, err := x.predicate(c.Predicate, root, fmt.Sprintf("%s[%d].predicate", location, i))
		if err != nil {
			return -1, nil, err
		}
		if ok {
			return i, c, nil
		}
	}
	return -1, nil, nil
}

func (x *execution) selectResponse(candidates []*ResponseTemplate, ctx any, location string) (int, *ResponseTemplate, error) {
	for i, c := range candidates {
		ok, err := x.predicate(c.Predicate, ctx, fmt.Sprintf("%s[%d].predicate", location, i))
		if err != nil {
			return -1, nil, err
		}
		if ok {
			return i, c, nil
		}
	}
	return -1, nil, nil
}

func (x *execution) buildResponse(tmpl *ResponseTemplate, ctx any, defaultStatus int, location string) (*Response, error) {
	resp := &Response{Status: defaultStatus, Headers: map[string][]string{}}

	if !tmpl.Status.IsZero() {
		v, err := x.build(tmpl.Status, ctx, location+".status")
		if err != nil {
			return nil, err
		}
		status, err := types.ToBigInt(v)
		if err != nil || !status.IsInt64() {
			return nil, x.fail(location+".status", fmt.Errorf("%w: status %v is not an integer", ErrTypeMismatch, v))
		}
		resp.Status = int(status.Int64())
	}

	var err error
	if !tmpl.Body.IsZero() {
		if resp.Body, err = x.build(tmpl.Body, ctx, location+".body"); err != nil {
			return nil, err
		}
	}
	if !tmpl.Headers.IsZero() {
		if resp.Headers, err = x.buildHeaders(tmpl.Headers, ctx, location+".headers"); err != nil {
			return nil, err
		}
	}
	return resp, nil
}

func (x *execution) buildHeaders(schema builder.Schema, ctx any, location string) (map[string][]string, error) {
	v, err := x.build(schema, ctx, location)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return map[string][]string{}, nil
	}
	values, ok := document.Plain(v).(map[string]any)
	if !ok {
		return nil, x.fail(location, fmt.Errorf("%w: headers must build to a mapping, got %T", ErrTypeMismatch, v))
	}
	return toHeaders(values), nil
}

// predicate builds a selection predicate. A missing predicate, or one that
// does not build to a boolean, selects.
func (x *execution) predicate(schema builder.Schema, ctx any, location string) (bool, error) {
	if schema.IsZero() {
		return true, nil
	}
	v, err := x.build(schema, ctx, location)
	if err != nil {
		return false, err
	}
	return types.BoolOr(v, true), nil
}

// build evaluates schema with ctx as both local and root context.
func (x *execution) build(schema builder.Schema, ctx any, location string) (any, error) {
	v, err := x.engine.builder.Build(schema.Node, ctx, ctx)
	if err != nil {
		return nil, x.fail(location, err)
	}
	return v, nil
}

func (x *execution) fail(location string, err error) error {
	return newExecutionError(location, err)
}

func stringOf(v any) string {
	if v == nil {
		return ""
	}
	return types.ToString(v)
}
