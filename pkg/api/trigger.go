package api

import (
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"

	"github.com/kode4food/switchyard/pkg/util"
)

type (
	// TriggerKind discriminates the Trigger tagged union
	TriggerKind string

	// Trigger is the condition that causes a step's handler to run. The
	// static matcher fields used depend on Kind
	Trigger struct {
		Queue     *QueueConfig  `json:"queue,omitempty" yaml:"queue,omitempty"`
		Condition *ScriptConfig `json:"condition,omitempty" yaml:"condition,omitempty"`
		Predicate Predicate     `json:"-" yaml:"-"`
		Kind      TriggerKind   `json:"kind" yaml:"kind"`
		Method    string        `json:"method,omitempty" yaml:"method,omitempty"`
		Path      string        `json:"path,omitempty" yaml:"path,omitempty"`
		Topic     Topic         `json:"topic,omitempty" yaml:"topic,omitempty"`
		Schedule  string        `json:"schedule,omitempty" yaml:"schedule,omitempty"`
		Group     string        `json:"group,omitempty" yaml:"group,omitempty"`
		Key       string        `json:"key,omitempty" yaml:"key,omitempty"`
	}

	// Predicate is a condition evaluated against a normalized trigger input
	// after the static matcher has matched
	Predicate func(*TriggerInput) (bool, error)

	// TriggerInput is the normalized, kind-specific payload of a firing
	TriggerInput struct {
		Data     any               `json:"data,omitempty"`
		New      any               `json:"new,omitempty"`
		Old      any               `json:"old,omitempty"`
		Params   map[string]string `json:"params,omitempty"`
		Query    map[string]string `json:"query,omitempty"`
		Headers  map[string]string `json:"headers,omitempty"`
		Kind     TriggerKind       `json:"kind"`
		TraceID  TraceID           `json:"trace_id"`
		Topic    Topic             `json:"topic,omitempty"`
		EventID  string            `json:"event_id,omitempty"`
		Group    string            `json:"group,omitempty"`
		Key      string            `json:"key,omitempty"`
		Op       StateOpType       `json:"op,omitempty"`
		Method   string            `json:"method,omitempty"`
		Path     string            `json:"path,omitempty"`
		Schedule string            `json:"schedule,omitempty"`
		Flows    []string          `json:"flows,omitempty"`
		Attempt  int               `json:"attempt,omitempty"`
	}

	// TriggerContext tells a handler which of its triggers fired
	TriggerContext struct {
		Kind     TriggerKind `json:"kind"`
		Topic    Topic       `json:"topic,omitempty"`
		Method   string      `json:"method,omitempty"`
		Path     string      `json:"path,omitempty"`
		Schedule string      `json:"schedule,omitempty"`
		Key      string      `json:"key,omitempty"`
		Index    int         `json:"index"`
	}
)

const (
	TriggerAPI   TriggerKind = "api"
	TriggerQueue TriggerKind = "queue"
	TriggerCron  TriggerKind = "cron"
	TriggerState TriggerKind = "state"
)

var (
	ErrInvalidTriggerKind = errors.New("invalid trigger kind")
	ErrTriggerMethod      = errors.New("api trigger requires a valid method")
	ErrTriggerPath        = errors.New("api trigger path must start with /")
	ErrTriggerTopic       = errors.New("queue trigger requires a topic")
	ErrTriggerSchedule    = errors.New("cron trigger requires a schedule")
	ErrTriggerKey         = errors.New("state trigger requires a key pattern")
	ErrTriggerKeyPattern  = errors.New("invalid state key pattern")
)

var (
	validTriggerKinds = util.SetOf(
		TriggerAPI,
		TriggerQueue,
		TriggerCron,
		TriggerState,
	)

	validMethods = util.SetOf(
		http.MethodGet,
		http.MethodPost,
		http.MethodPut,
		http.MethodPatch,
		http.MethodDelete,
	)
)

// Validate checks the trigger's static matcher for its kind
func (t *Trigger) Validate() error {
	if !validTriggerKinds.Contains(t.Kind) {
		return fmt.Errorf("%w: %s", ErrInvalidTriggerKind, t.Kind)
	}
	if t.Condition != nil {
		if err := t.Condition.Validate(); err != nil {
			return err
		}
	}
	switch t.Kind {
	case TriggerAPI:
		if !validMethods.Contains(strings.ToUpper(t.Method)) {
			return fmt.Errorf("%w: %s", ErrTriggerMethod, t.Method)
		}
		if !strings.HasPrefix(t.Path, "/") {
			return fmt.Errorf("%w: %s", ErrTriggerPath, t.Path)
		}
	case TriggerQueue:
		if t.Topic == "" {
			return ErrTriggerTopic
		}
		if t.Queue != nil {
			return t.Queue.Validate()
		}
	case TriggerCron:
		if strings.TrimSpace(t.Schedule) == "" {
			return ErrTriggerSchedule
		}
	case TriggerState:
		if t.Key == "" {
			return ErrTriggerKey
		}
		if _, err := path.Match(t.Key, ""); err != nil {
			return fmt.Errorf("%w: %s", ErrTriggerKeyPattern, t.Key)
		}
	}
	return nil
}

// Context builds the discriminated context handed to a handler when the
// trigger at index fires
func (t *Trigger) Context(index int) TriggerContext {
	return TriggerContext{
		Kind:     t.Kind,
		Index:    index,
		Topic:    t.Topic,
		Method:   strings.ToUpper(t.Method),
		Path:     t.Path,
		Schedule: t.Schedule,
		Key:      t.Key,
	}
}

// MatchesState reports whether a mutation of group/key hits this trigger's
// key pattern and optional group pattern
func (t *Trigger) MatchesState(group, key string) bool {
	if t.Group != "" && !MatchKey(t.Group, group) {
		return false
	}
	return MatchKey(t.Key, key)
}

// MatchesRequest reports whether an already-routed request hits this
// trigger, returning any bound path parameters
func (t *Trigger) MatchesRequest(
	method, reqPath string,
) (map[string]string, bool) {
	if !strings.EqualFold(t.Method, method) {
		return nil, false
	}
	return MatchPath(t.Path, reqPath)
}

// MatchKey matches a state key against a glob pattern (path.Match syntax).
// Malformed patterns never match
func MatchKey(pattern, key string) bool {
	ok, err := path.Match(pattern, key)
	return err == nil && ok
}

// MatchPath matches a request path against a pattern whose segments may be
// literals, :name parameters, or a trailing * wildcard
func MatchPath(pattern, reqPath string) (map[string]string, bool) {
	ps := splitPath(pattern)
	rs := splitPath(reqPath)
	params := map[string]string{}
	for i, seg := range ps {
		if seg == "*" && i == len(ps)-1 {
			params["*"] = strings.Join(rs[min(i, len(rs)):], "/")
			return params, true
		}
		if i >= len(rs) {
			return nil, false
		}
		if name, ok := strings.CutPrefix(seg, ":"); ok {
			params[name] = rs[i]
			continue
		}
		if seg != rs[i] {
			return nil, false
		}
	}
	if len(ps) != len(rs) {
		return nil, false
	}
	return params, true
}

// StateCondition adapts a (new, old) value test into a Predicate. old is nil
// when the key did not exist before the mutation
func StateCondition(fn func(newValue, oldValue any) bool) Predicate {
	return func(in *TriggerInput) (bool, error) {
		return fn(in.New, in.Old), nil
	}
}

// DataCondition adapts a test over the input's data payload into a
// Predicate
func DataCondition(fn func(data any) bool) Predicate {
	return func(in *TriggerInput) (bool, error) {
		return fn(in.Data), nil
	}
}

func splitPath(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}
