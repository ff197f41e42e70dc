package script

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/kode4food/switchyard/pkg/api"
)

type (
	// Registry holds the script environments available to trigger
	// conditions, keyed by language
	Registry struct {
		envs map[string]Env
	}

	// Env compiles condition scripts of one language into predicates
	Env interface {
		// Validate checks that a script compiles without running it
		Validate(src string) error

		// Predicate compiles src into a condition over trigger inputs
		Predicate(src string) (api.Predicate, error)
	}
)

var ErrUnsupportedLanguage = errors.New("unsupported script language")

// NewRegistry creates a registry with the Lua, Ale, and path environments
func NewRegistry() *Registry {
	return &Registry{
		envs: map[string]Env{
			api.ScriptLangLua:  NewLuaEnv(),
			api.ScriptLangAle:  NewAleEnv(),
			api.ScriptLangPath: NewPathEnv(),
		},
	}
}

// Get returns the script environment for the given language
func (r *Registry) Get(language string) (Env, error) {
	env, ok := r.envs[language]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedLanguage, language)
	}
	return env, nil
}

// Lua returns the registry's Lua environment, which also runs handler
// scripts for the lua worker kind
func (r *Registry) Lua() *LuaEnv {
	return r.envs[api.ScriptLangLua].(*LuaEnv)
}

// Validate checks a script config against its language's environment.
// Failures wrap api.ErrValidation
func (r *Registry) Validate(sc *api.ScriptConfig) error {
	if err := sc.Validate(); err != nil {
		return fmt.Errorf("%w: %w", api.ErrValidation, err)
	}
	env, err := r.Get(sc.Language)
	if err != nil {
		return fmt.Errorf("%w: %w", api.ErrValidation, err)
	}
	if err := env.Validate(sc.Script); err != nil {
		return fmt.Errorf("%w: %w", api.ErrValidation, err)
	}
	return nil
}

// Predicate compiles a condition script config. Compile failures wrap
// api.ErrValidation
func (r *Registry) Predicate(sc *api.ScriptConfig) (api.Predicate, error) {
	if err := sc.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", api.ErrValidation, err)
	}
	env, err := r.Get(sc.Language)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", api.ErrValidation, err)
	}
	pred, err := env.Predicate(sc.Script)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", api.ErrValidation, err)
	}
	return pred, nil
}

// toGeneric reshapes a typed value into the JSON-generic form (maps,
// slices, float64) that both environments consume
func toGeneric(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var res any
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, err
	}
	return res, nil
}
