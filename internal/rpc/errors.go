package rpc

import (
	"errors"
	"fmt"

	"github.com/kode4food/switchyard/pkg/api"
)

// HandlerError is a failure reported by the peer's handler. It carries the
// peer's message, error code, and optional stack trace
type HandlerError struct {
	Message string
	Code    string
	Stack   string
}

const (
	CodeHandler        = "handler_error"
	CodeValidation     = "validation"
	CodeMethodNotFound = "method_not_found"
	CodePanic          = "panic"
)

var (
	ErrChannelClosed = errors.New("rpc channel closed")
	ErrCallTimeout   = fmt.Errorf("%w: call timed out", ErrChannelClosed)
	ErrSpawnTimeout  = fmt.Errorf("%w: worker spawn timed out", ErrChannelClosed)
	ErrProcessExited = fmt.Errorf("%w: worker process exited", ErrChannelClosed)

	ErrHandler        = errors.New("handler failed")
	ErrMethodNotFound = errors.New("method not found")
	ErrNoInvoker      = errors.New("no invoker for worker kind")
	ErrNoWorker       = errors.New("no worker registered for step")
	ErrNoServices     = errors.New("no invocation bound to request")
	ErrFrameTooLarge  = errors.New("frame exceeds maximum size")
)

// Error implements error
func (e *HandlerError) Error() string {
	if e.Code != "" && e.Code != CodeHandler {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return e.Message
}

// Is matches ErrHandler, and api.ErrValidation when the peer rejected the
// request as invalid
func (e *HandlerError) Is(target error) bool {
	switch target {
	case ErrHandler:
		return true
	case api.ErrValidation:
		return e.Code == CodeValidation
	case ErrMethodNotFound:
		return e.Code == CodeMethodNotFound
	}
	return false
}

func toRPCError(err error) *api.RPCError {
	var he *HandlerError
	if errors.As(err, &he) {
		return &api.RPCError{Message: he.Message, Code: he.Code, Stack: he.Stack}
	}
	code := CodeHandler
	switch {
	case api.IsValidation(err):
		code = CodeValidation
	case errors.Is(err, ErrMethodNotFound):
		code = CodeMethodNotFound
	}
	return &api.RPCError{Message: err.Error(), Code: code}
}

func fromRPCError(e *api.RPCError) *HandlerError {
	return &HandlerError{Message: e.Message, Code: e.Code, Stack: e.Stack}
}
