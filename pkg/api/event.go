package api

import (
	"errors"
	"fmt"
	"time"
)

type (
	// Event is a message published to a topic
	Event struct {
		Data           any       `json:"data"`
		CreatedAt      time.Time `json:"created_at"`
		ID             string    `json:"id"`
		Topic          Topic     `json:"topic"`
		TraceID        TraceID   `json:"trace_id"`
		MessageGroupID string    `json:"message_group_id,omitempty"`
		Flows          []string  `json:"flows,omitempty"`
	}

	// EmitRequest is what a running handler sends to publish an event
	EmitRequest struct {
		Data           any    `json:"data"`
		Topic          Topic  `json:"topic"`
		MessageGroupID string `json:"message_group_id,omitempty"`
	}

	// Invocation is the payload of a handler-invocation request
	Invocation struct {
		Input   *TriggerInput  `json:"input"`
		Trigger TriggerContext `json:"trigger"`
		Step    StepName       `json:"step"`
		TraceID TraceID        `json:"trace_id"`
		Flows   []string       `json:"flows,omitempty"`
	}
)

var ErrEventTopicEmpty = errors.New("event topic empty")

// Validate rejects events that can never be delivered
func (e *Event) Validate() error {
	if e.Topic == "" {
		return fmt.Errorf("%w: %w", ErrValidation, ErrEventTopicEmpty)
	}
	return nil
}

// Normalize fills in the id, trace id, and creation time when missing
func (e *Event) Normalize(now time.Time) {
	if e.ID == "" {
		e.ID = NewID()
	}
	if e.TraceID == "" {
		e.TraceID = NewTraceID()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
}

// Clone returns a shallow copy of the event so subscribers can hold their
// own delivery record
func (e *Event) Clone() *Event {
	res := *e
	return &res
}
