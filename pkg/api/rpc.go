package api

import (
	"encoding/json"
	"errors"
	"fmt"
)

type (
	// MessageType discriminates requests from responses on an RPC channel
	MessageType string

	// Message is one frame of the duplex RPC protocol. A request carries
	// Method and Args; a response carries Result or Error. Parent names
	// the peer's request on whose behalf a request is made
	Message struct {
		Error  *RPCError       `json:"error,omitempty"`
		ID     string          `json:"id,omitempty"`
		Type   MessageType     `json:"type"`
		Method string          `json:"method,omitempty"`
		Parent string          `json:"parent,omitempty"`
		Args   json.RawMessage `json:"args,omitempty"`
		Result json.RawMessage `json:"result,omitempty"`
	}

	// RPCError is the error payload of a failed response
	RPCError struct {
		Message string `json:"message"`
		Code    string `json:"code,omitempty"`
		Stack   string `json:"stack,omitempty"`
	}

	// FileRef replaces a payload that was spilled to a temporary file
	FileRef struct {
		File string `json:"$file"`
	}

	// LogRequest is the argument of the log method
	LogRequest struct {
		Attrs   map[string]any `json:"attrs,omitempty"`
		Level   string         `json:"level"`
		Message string         `json:"message"`
	}

	// RegisterRequest announces the steps a socket worker can serve
	RegisterRequest struct {
		WorkerID string     `json:"worker_id"`
		Steps    []StepName `json:"steps"`
	}
)

const (
	MessageTypeRequest  MessageType = "request"
	MessageTypeResponse MessageType = "response"
)

const (
	MethodInvoke   = "invoke"
	MethodClose    = "close"
	MethodLog      = "log"
	MethodEmit     = "emit"
	MethodRegister = "register"
	MethodReady    = "ready"

	MethodStateGet            = "state.get"
	MethodStateSet            = "state.set"
	MethodStateDelete         = "state.delete"
	MethodStateClear          = "state.clear"
	MethodStateGetGroup       = "state.getGroup"
	MethodStateKeys           = "state.keys"
	MethodStateItems          = "state.items"
	MethodStateIncrement      = "state.increment"
	MethodStateDecrement      = "state.decrement"
	MethodStatePush           = "state.push"
	MethodStatePop            = "state.pop"
	MethodStateShift          = "state.shift"
	MethodStateUnshift        = "state.unshift"
	MethodStateSetField       = "state.setField"
	MethodStateDeleteField    = "state.deleteField"
	MethodStateCompareAndSwap = "state.compareAndSwap"
	MethodStateExists         = "state.exists"
	MethodStateTransaction    = "state.transaction"
	MethodStateBatch          = "state.batch"
)

var (
	ErrMessageType   = errors.New("message type must be request or response")
	ErrMessageMethod = errors.New("request requires a method")
	ErrMessageID     = errors.New("response requires an id")
)

// Validate checks that the message is a well-formed protocol frame
func (m *Message) Validate() error {
	switch m.Type {
	case MessageTypeRequest:
		if m.Method == "" {
			return ErrMessageMethod
		}
	case MessageTypeResponse:
		if m.ID == "" {
			return ErrMessageID
		}
	default:
		return fmt.Errorf("%w: %q", ErrMessageType, m.Type)
	}
	return nil
}

// IsNotification reports whether a request expects no response
func (m *Message) IsNotification() bool {
	return m.Type == MessageTypeRequest && m.ID == ""
}

// Error implements the error interface
func (e *RPCError) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}
