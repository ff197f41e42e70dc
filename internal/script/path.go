package script

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/kode4food/switchyard/pkg/api"
)

// PathEnv evaluates gjson paths against the JSON form of a trigger input.
// A condition holds when its path resolves to a truthy value
type PathEnv struct{}

var ErrPathEmpty = errors.New("path expression empty")

// NewPathEnv creates a path environment
func NewPathEnv() *PathEnv {
	return &PathEnv{}
}

// Validate implements Env
func (*PathEnv) Validate(src string) error {
	if strings.TrimSpace(src) == "" {
		return ErrPathEmpty
	}
	return nil
}

// Predicate implements Env
func (e *PathEnv) Predicate(src string) (api.Predicate, error) {
	if err := e.Validate(src); err != nil {
		return nil, err
	}
	path := strings.TrimSpace(src)
	return func(in *api.TriggerInput) (bool, error) {
		data, err := json.Marshal(in)
		if err != nil {
			return false, err
		}
		return Truthy(gjson.GetBytes(data, path)), nil
	}, nil
}

// Truthy reports whether a resolved path holds a value other than null,
// false, zero, or the empty string. Objects and arrays are truthy
func Truthy(r gjson.Result) bool {
	switch r.Type {
	case gjson.True, gjson.JSON:
		return true
	case gjson.Number:
		return r.Num != 0
	case gjson.String:
		return r.Str != ""
	default:
		return false
	}
}
