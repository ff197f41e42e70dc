package script

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/kode4food/ale"
	"github.com/kode4food/ale/core/bootstrap"
	"github.com/kode4food/ale/data"
	"github.com/kode4food/ale/env"
	"github.com/kode4food/ale/eval"

	"github.com/kode4food/switchyard/internal/util"
	"github.com/kode4food/switchyard/pkg/api"
)

// AleEnv compiles Ale condition scripts. A script is the body of a lambda
// over input, value, old, and kind. Objects arrive with keyword keys, so
// (:total value) reads a field
type AleEnv struct {
	env     *env.Environment
	scripts *util.Cache[string, data.Procedure]
	mu      sync.Mutex
}

const (
	aleLambdaTemplate  = "(lambda (%s) %s)"
	aleScriptCacheSize = 1024
)

var (
	ErrAleCompile      = errors.New("ale compile error")
	ErrAleCall         = errors.New("ale call error")
	ErrAleNotProcedure = errors.New("ale script is not a procedure")
)

// NewAleEnv creates an Ale environment with the core bootstrapped
func NewAleEnv() *AleEnv {
	e := env.NewEnvironment()
	bootstrap.Into(e)
	return &AleEnv{
		env:     e,
		scripts: util.NewCache[string, data.Procedure](aleScriptCacheSize),
	}
}

// Validate implements Env
func (e *AleEnv) Validate(src string) error {
	_, err := e.compile(src)
	return err
}

// Predicate implements Env. The condition holds unless the script returns
// false or null
func (e *AleEnv) Predicate(src string) (api.Predicate, error) {
	proc, err := e.scripts.Get(src, func() (data.Procedure, error) {
		return e.compile(src)
	})
	if err != nil {
		return nil, err
	}
	return func(in *api.TriggerInput) (bool, error) {
		vals, err := predicateValues(in)
		if err != nil {
			return false, err
		}
		args := make(data.Vector, len(vals))
		for i, v := range vals {
			args[i] = jsonToAle(v)
		}
		res, err := catchPanic(ErrAleCall, func() (ale.Value, error) {
			return proc.Call(args...), nil
		})
		if err != nil {
			return false, err
		}
		return res != data.False && res != data.Null, nil
	}, nil
}

func (e *AleEnv) compile(src string) (data.Procedure, error) {
	lambda := fmt.Sprintf(aleLambdaTemplate,
		strings.Join(predicateArgs, " "), src,
	)

	e.mu.Lock()
	defer e.mu.Unlock()
	return catchPanic(ErrAleCompile, func() (data.Procedure, error) {
		ns := e.env.GetAnonymous()
		res, err := eval.String(ns, data.String(lambda))
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrAleCompile, err)
		}
		proc, ok := res.(data.Procedure)
		if !ok {
			return nil, fmt.Errorf("%w, got: %T", ErrAleNotProcedure, res)
		}
		return proc, nil
	})
}

func jsonToAle(value any) ale.Value {
	switch v := value.(type) {
	case string:
		return data.String(v)
	case bool:
		return data.Bool(v)
	case float64:
		return data.Float(v)
	case int:
		return data.Integer(v)
	case []any:
		vec := make(data.Vector, len(v))
		for i, item := range v {
			vec[i] = jsonToAle(item)
		}
		return vec
	case map[string]any:
		obj := data.NewObject()
		for k, item := range v {
			pair := data.NewCons(data.Keyword(k), jsonToAle(item))
			obj = obj.Put(pair).(*data.Object)
		}
		return obj
	case nil:
		return data.Null
	default:
		return data.String(fmt.Sprintf("%v", v))
	}
}

func catchPanic[T any](
	base error, fn func() (T, error),
) (res T, err error) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok {
				err = fmt.Errorf("%w: %w", base, e)
				return
			}
			err = fmt.Errorf("%w: %v", base, r)
		}
	}()
	return fn()
}
