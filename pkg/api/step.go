package api

import (
	"errors"
	"fmt"
	"slices"

	"github.com/kode4food/switchyard/pkg/util"
)

type (
	// WorkerKind selects the Invoker used to run a step's handler
	WorkerKind string

	// Step is a registered unit of work with one or more triggers and one
	// handler
	Step struct {
		Handler     *HandlerConfig `json:"handler" yaml:"handler"`
		Name        StepName       `json:"name" yaml:"name"`
		Description string         `json:"description,omitempty" yaml:"description,omitempty"`
		Triggers    []*Trigger     `json:"triggers" yaml:"triggers"`
		Enqueues    []Topic        `json:"enqueues,omitempty" yaml:"enqueues,omitempty"`
		Flows       []string       `json:"flows,omitempty" yaml:"flows,omitempty"`
		TimeoutMs   int64          `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty"`
	}

	// HandlerConfig is the opaque handler reference the Invoker resolves
	HandlerConfig struct {
		Script  *ScriptConfig     `json:"script,omitempty" yaml:"script,omitempty"`
		Env     map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
		Kind    WorkerKind        `json:"kind" yaml:"kind"`
		Dir     string            `json:"dir,omitempty" yaml:"dir,omitempty"`
		Command []string          `json:"command,omitempty" yaml:"command,omitempty"`
	}

	// ScriptConfig holds source code for an embedded script
	ScriptConfig struct {
		Language string `json:"language" yaml:"language"`
		Script   string `json:"script" yaml:"script"`
	}
)

const (
	WorkerProcess WorkerKind = "process"
	WorkerSocket  WorkerKind = "socket"
	WorkerLua     WorkerKind = "lua"
	WorkerNative  WorkerKind = "native"

	ScriptLangLua  = "lua"
	ScriptLangAle  = "ale"
	ScriptLangPath = "path"
)

const (
	Second int64 = 1000
	Minute       = Second * 60
	Hour         = Minute * 60
	Day          = Hour * 24
)

var (
	ErrStepNameEmpty       = errors.New("step name empty")
	ErrStepNameInvalid     = errors.New("step name contains invalid characters")
	ErrStepNoTriggers      = errors.New("step has no triggers")
	ErrTriggerNil          = errors.New("trigger has nil definition")
	ErrHandlerRequired     = errors.New("handler required")
	ErrInvalidWorkerKind   = errors.New("invalid worker kind")
	ErrCommandRequired     = errors.New("process handler requires a command")
	ErrScriptRequired      = errors.New("script required")
	ErrScriptLanguageEmpty = errors.New("script language empty")
	ErrScriptEmpty         = errors.New("script empty")
	ErrNegativeTimeout     = errors.New("timeout_ms cannot be negative")
	ErrEnqueueTopicEmpty   = errors.New("enqueue topic empty")
)

var validWorkerKinds = util.SetOf(
	WorkerProcess,
	WorkerSocket,
	WorkerLua,
	WorkerNative,
)

// Validate checks the step's identity, handler reference, and triggers
func (s *Step) Validate() error {
	if s.Name == "" {
		return ErrStepNameEmpty
	}
	if InvalidIDChars.MatchString(string(s.Name)) {
		return fmt.Errorf("%w: %s", ErrStepNameInvalid, s.Name)
	}
	if s.TimeoutMs < 0 {
		return ErrNegativeTimeout
	}
	if err := s.validateHandler(); err != nil {
		return err
	}
	if len(s.Triggers) == 0 {
		return ErrStepNoTriggers
	}
	for i, tr := range s.Triggers {
		if tr == nil {
			return fmt.Errorf("%w: trigger %d", ErrTriggerNil, i)
		}
		if err := tr.Validate(); err != nil {
			return fmt.Errorf("trigger %d: %w", i, err)
		}
	}
	for _, topic := range s.Enqueues {
		if topic == "" {
			return ErrEnqueueTopicEmpty
		}
	}
	return nil
}

func (s *Step) validateHandler() error {
	h := s.Handler
	if h == nil {
		return ErrHandlerRequired
	}
	if !validWorkerKinds.Contains(h.Kind) {
		return fmt.Errorf("%w: %s", ErrInvalidWorkerKind, h.Kind)
	}
	switch h.Kind {
	case WorkerProcess:
		if len(h.Command) == 0 || h.Command[0] == "" {
			return ErrCommandRequired
		}
	case WorkerLua:
		if h.Script == nil {
			return ErrScriptRequired
		}
		return h.Script.Validate()
	}
	return nil
}

// CanEmit reports whether the step declared topic in its enqueues
func (s *Step) CanEmit(topic Topic) bool {
	return slices.Contains(s.Enqueues, topic)
}

// TriggersOf returns the indexes of the step's triggers of the given kind
func (s *Step) TriggersOf(kind TriggerKind) []int {
	var res []int
	for i, tr := range s.Triggers {
		if tr.Kind == kind {
			res = append(res, i)
		}
	}
	return res
}

// Validate checks that the script has both a language and a body
func (sc *ScriptConfig) Validate() error {
	if sc.Language == "" {
		return ErrScriptLanguageEmpty
	}
	if sc.Script == "" {
		return ErrScriptEmpty
	}
	return nil
}

// Equal reports whether both script configs hold the same source
func (sc *ScriptConfig) Equal(other *ScriptConfig) bool {
	if sc == nil && other == nil {
		return true
	}
	if sc == nil || other == nil {
		return false
	}
	return sc.Language == other.Language && sc.Script == other.Script
}
