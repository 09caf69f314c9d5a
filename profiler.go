// SPDX-FileCopyrightText: 2024 NOI Techpark <digital@noi.bz.it>
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package jsonbatch

import (
	"time"

	"github.com/google/uuid"
)

type ProfileEventType int

const (
	// Batch container
	EVENT_BATCH_START ProfileEventType = iota
	EVENT_BATCH_END

	// Step events
	EVENT_STEP_SELECT
	EVENT_REQUEST_BUILT
	EVENT_RESPONSE_RECEIVED
	EVENT_RESPONSE_TRANSFORM
	EVENT_VARS_MERGE

	// Loop events
	EVENT_LOOP_ITERATION
	EVENT_LOOP_END

	// Authentication events
	EVENT_AUTH_START
	EVENT_AUTH_CACHED
	EVENT_AUTH_LOGIN_START
	EVENT_AUTH_LOGIN_END
	EVENT_AUTH_TOKEN_INJECT
	EVENT_AUTH_END

	// Result events
	EVENT_BREAK_RESPONSE
	EVENT_FINAL_RESPONSE

	// Errors
	EVENT_ERROR
)

var eventTypeNames = [...]string{
	EVENT_BATCH_START:        "batch_start",
	EVENT_BATCH_END:          "batch_end",
	EVENT_STEP_SELECT:        "step_select",
	EVENT_REQUEST_BUILT:      "request_built",
	EVENT_RESPONSE_RECEIVED:  "response_received",
	EVENT_RESPONSE_TRANSFORM: "response_transform",
	EVENT_VARS_MERGE:         "vars_merge",
	EVENT_LOOP_ITERATION:     "loop_iteration",
	EVENT_LOOP_END:           "loop_end",
	EVENT_AUTH_START:         "auth_start",
	EVENT_AUTH_CACHED:        "auth_cached",
	EVENT_AUTH_LOGIN_START:   "auth_login_start",
	EVENT_AUTH_LOGIN_END:     "auth_login_end",
	EVENT_AUTH_TOKEN_INJECT:  "auth_token_inject",
	EVENT_AUTH_END:           "auth_end",
	EVENT_BREAK_RESPONSE:     "break_response",
	EVENT_FINAL_RESPONSE:     "final_response",
	EVENT_ERROR:              "error",
}

func (t ProfileEventType) String() string {
	if int(t) < len(eventTypeNames) {
		return eventTypeNames[t]
	}
	return "unknown"
}

type ProfilerEvent struct {
	// Core identification
	ID       string           `json:"id"`
	ParentID string           `json:"parentId,omitempty"`
	Type     ProfileEventType `json:"type"`
	Name     string           `json:"name"`
	Location string           `json:"location,omitempty"`

	// Timeline
	Timestamp time.Time `json:"timestamp"`
	Duration  int64     `json:"durationMs,omitempty"` // Only in END events

	Data map[string]any `json:"data"`
}

// Profiler sends events on a buffered channel. A nil Profiler drops every
// event, so callers never check for it.
type Profiler struct {
	events chan ProfilerEvent
}

func NewProfiler(buffer int) *Profiler {
	return &Profiler{events: make(chan ProfilerEvent, buffer)}
}

func (p *Profiler) Channel() chan ProfilerEvent {
	if p == nil {
		return nil
	}
	return p.events
}

// Close ends the event stream.
func (p *Profiler) Close() {
	if p != nil {
		close(p.events)
	}
}

// Emit sends an event and returns its id.
func (p *Profiler) Emit(eventType ProfileEventType, name, parentID, location string, data map[string]any) string {
	if p == nil {
		return ""
	}
	event := newProfilerEvent(eventType, name, parentID, location)
	for k, v := range data {
		event.Data[k] = v
	}
	p.events <- event
	return event.ID
}

// EmitEnd closes the container event id started at start.
func (p *Profiler) EmitEnd(eventType ProfileEventType, name, id, parentID string, start time.Time, data map[string]any) {
	if p == nil {
		return
	}
	event := newProfilerEvent(eventType, name, parentID, "")
	event.ID = id
	event.Duration = time.Since(start).Milliseconds()
	for k, v := range data {
		event.Data[k] = v
	}
	p.events <- event
}

func (p *Profiler) EmitError(name, parentID, location string, err error) {
	p.Emit(EVENT_ERROR, name, parentID, location, map[string]any{"error": err.Error()})
}

// Helper to create profiler events with UUID4
func newProfilerEvent(eventType ProfileEventType, name, parentID, location string) ProfilerEvent {
	return ProfilerEvent{
		ID:        uuid.New().String(),
		ParentID:  parentID,
		Type:      eventType,
		Name:      name,
		Location:  location,
		Timestamp: time.Now(),
		Data:      make(map[string]any),
	}
}
