package state

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/kode4food/switchyard/pkg/api"
)

// Matches reports whether value satisfies every filter. Field paths use
// gjson syntax; an empty field or "." addresses the value itself
func Matches(value any, filters []*api.StateFilter) bool {
	if len(filters) == 0 {
		return true
	}
	data, err := json.Marshal(value)
	if err != nil {
		return false
	}
	root := gjson.ParseBytes(data)
	for _, f := range filters {
		if !matchFilter(fieldOf(root, f.Field), f) {
			return false
		}
	}
	return true
}

func fieldOf(root gjson.Result, field string) gjson.Result {
	if field == "" || field == "." {
		return root
	}
	return root.Get(field)
}

func matchFilter(res gjson.Result, f *api.StateFilter) bool {
	missing := !res.Exists() || res.Type == gjson.Null
	switch f.Op {
	case api.FilterIsNull:
		return missing
	case api.FilterIsNotNull:
		return !missing
	case api.FilterNotContains:
		return missing || !contains(res, f.Value)
	}
	if missing {
		return f.Op == api.FilterNeq
	}
	switch f.Op {
	case api.FilterEq:
		return compare(res, f.Value) == 0
	case api.FilterNeq:
		return compare(res, f.Value) != 0
	case api.FilterGt:
		return compare(res, f.Value) > 0
	case api.FilterGte:
		return compare(res, f.Value) >= 0
	case api.FilterLt:
		return compare(res, f.Value) < 0
	case api.FilterLte:
		return compare(res, f.Value) <= 0
	case api.FilterContains:
		return contains(res, f.Value)
	case api.FilterStartsWith:
		return strings.HasPrefix(res.String(), f.Value)
	case api.FilterEndsWith:
		return strings.HasSuffix(res.String(), f.Value)
	default:
		return false
	}
}

// compare orders a stored field against a filter operand, numerically when
// both sides are numbers and lexically otherwise
func compare(res gjson.Result, operand string) int {
	if res.Type == gjson.Number {
		if n, err := strconv.ParseFloat(operand, 64); err == nil {
			switch f := res.Float(); {
			case f < n:
				return -1
			case f > n:
				return 1
			default:
				return 0
			}
		}
	}
	return strings.Compare(res.String(), operand)
}

func contains(res gjson.Result, operand string) bool {
	if res.IsArray() {
		for _, e := range res.Array() {
			if compare(e, operand) == 0 {
				return true
			}
		}
		return false
	}
	return strings.Contains(res.String(), operand)
}
