package state

import (
	"encoding/json"
	"reflect"
)

// Normalize converts v to the JSON shape it would have after a round trip
// through storage, so that comparisons see what readers will see
func Normalize(v any) (any, error) {
	switch v := v.(type) {
	case nil, string, bool, float64:
		return v, nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	}
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

// Equal compares two normalized values structurally
func Equal(l, r any) bool {
	return reflect.DeepEqual(l, r)
}

// clone deep-copies a normalized value so callers never alias stored data
func clone(v any) any {
	switch v := v.(type) {
	case map[string]any:
		res := make(map[string]any, len(v))
		for k, e := range v {
			res[k] = clone(e)
		}
		return res
	case []any:
		res := make([]any, len(v))
		for i, e := range v {
			res[i] = clone(e)
		}
		return res
	default:
		return v
	}
}

func cloneRecord(rec *Record) *Record {
	if rec == nil {
		return nil
	}
	res := *rec
	res.Value = clone(rec.Value)
	return &res
}
