package api

import "encoding/json"

type (
	// TraceEventType names a step runtime lifecycle notification
	TraceEventType string

	// TraceEvent is an observability record published for every
	// invocation, emit, state mutation, and dead letter
	TraceEvent struct {
		Data      json.RawMessage `json:"data,omitempty"`
		Type      TraceEventType  `json:"type"`
		TraceID   TraceID         `json:"trace_id"`
		Step      StepName        `json:"step,omitempty"`
		Topic     Topic           `json:"topic,omitempty"`
		Error     string          `json:"error,omitempty"`
		Timestamp int64           `json:"timestamp"`
	}

	// SubscribeRequest is sent by clients to subscribe to trace events
	SubscribeRequest struct {
		Type string             `json:"type"`
		Data ClientSubscription `json:"data"`
	}

	// SubscribedResult acknowledges a subscription with the filter now in
	// effect
	SubscribedResult struct {
		Type string             `json:"type"`
		Data ClientSubscription `json:"data"`
	}

	// ClientSubscription configures which events a WebSocket client
	// receives. Empty fields match everything
	ClientSubscription struct {
		TraceID    TraceID          `json:"trace_id,omitempty"`
		Steps      []StepName       `json:"steps,omitempty"`
		EventTypes []TraceEventType `json:"event_types,omitempty"`
	}
)

const (
	TraceInvokeStarted   TraceEventType = "invoke_started"
	TraceInvokeSucceeded TraceEventType = "invoke_succeeded"
	TraceInvokeFailed    TraceEventType = "invoke_failed"
	TraceConditionFailed TraceEventType = "condition_failed"
	TraceEmitted         TraceEventType = "emitted"
	TraceStateChanged    TraceEventType = "state_changed"
	TraceDeadLettered    TraceEventType = "dead_lettered"
	TraceCronSkipped     TraceEventType = "cron_skipped"
)
