package hub

import (
	"github.com/kode4food/switchyard/pkg/api"
	"github.com/kode4food/switchyard/pkg/util"
)

// Filter selects trace events
type Filter func(*api.TraceEvent) bool

// None matches nothing
func None(*api.TraceEvent) bool { return false }

// All matches everything
func All(*api.TraceEvent) bool { return true }

// ForTrace matches events of one trace
func ForTrace(id api.TraceID) Filter {
	return func(ev *api.TraceEvent) bool {
		return ev.TraceID == id
	}
}

// ForSteps matches events attributed to any of the named steps
func ForSteps(names ...api.StepName) Filter {
	lookup := util.SetOf(names...)
	return func(ev *api.TraceEvent) bool {
		return lookup.Contains(ev.Step)
	}
}

// ForTypes matches events of any of the given types
func ForTypes(types ...api.TraceEventType) Filter {
	lookup := util.SetOf(types...)
	return func(ev *api.TraceEvent) bool {
		return lookup.Contains(ev.Type)
	}
}

// And matches when every filter matches
func And(filters ...Filter) Filter {
	return func(ev *api.TraceEvent) bool {
		for _, f := range filters {
			if !f(ev) {
				return false
			}
		}
		return true
	}
}

// BuildFilter builds the filter for a client subscription. Empty fields
// of the subscription match everything
func BuildFilter(sub *api.ClientSubscription) Filter {
	var filters []Filter
	if sub.TraceID != "" {
		filters = append(filters, ForTrace(sub.TraceID))
	}
	if len(sub.Steps) > 0 {
		filters = append(filters, ForSteps(sub.Steps...))
	}
	if len(sub.EventTypes) > 0 {
		filters = append(filters, ForTypes(sub.EventTypes...))
	}
	switch len(filters) {
	case 0:
		return All
	case 1:
		return filters[0]
	default:
		return And(filters...)
	}
}
