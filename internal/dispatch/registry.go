package dispatch

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/kode4food/switchyard/internal/scheduler"
	"github.com/kode4food/switchyard/internal/script"
	"github.com/kode4food/switchyard/pkg/api"
)

type (
	// Registry holds the registered steps and their compiled triggers. It is
	// built once at startup and shared by the Dispatcher and the server
	Registry struct {
		scripts   *script.Registry
		steps     map[api.StepName]*entry
		byKind    map[api.TriggerKind][]*Binding
		listeners []Listener
		mu        sync.RWMutex
	}

	// Listener observes registry changes. step is nil when name was
	// unregistered
	Listener func(name api.StepName, step *api.Step)

	// Binding is one trigger of a registered step together with its
	// compiled condition
	Binding struct {
		Step      *api.Step
		Trigger   *api.Trigger
		Predicate api.Predicate
		Index     int
	}

	entry struct {
		step     *api.Step
		bindings []*Binding
	}
)

var (
	ErrStepNotFound = errors.New("step not found")
	ErrStepNil      = errors.New("step is nil")
)

// NewRegistry creates an empty registry. Trigger conditions are compiled
// with scripts
func NewRegistry(scripts *script.Registry) *Registry {
	return &Registry{
		scripts: scripts,
		steps:   map[api.StepName]*entry{},
		byKind:  map[api.TriggerKind][]*Binding{},
	}
}

// Register validates step, compiles its trigger conditions, and stores it,
// fully replacing any step with the same name. Failures wrap
// api.ErrValidation
func (r *Registry) Register(step *api.Step) error {
	if step == nil {
		return fmt.Errorf("%w: %w", api.ErrValidation, ErrStepNil)
	}
	if err := step.Validate(); err != nil {
		return fmt.Errorf("%w: %w", api.ErrValidation, err)
	}
	bindings, err := r.compile(step)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.steps[step.Name] = &entry{step: step, bindings: bindings}
	r.reindexLocked()
	listeners := slices.Clone(r.listeners)
	r.mu.Unlock()

	for _, l := range listeners {
		l(step.Name, step)
	}
	return nil
}

// Unregister removes the named step
func (r *Registry) Unregister(name api.StepName) error {
	r.mu.Lock()
	if _, ok := r.steps[name]; !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrStepNotFound, name)
	}
	delete(r.steps, name)
	r.reindexLocked()
	listeners := slices.Clone(r.listeners)
	r.mu.Unlock()

	for _, l := range listeners {
		l(name, nil)
	}
	return nil
}

// Get returns the named step
func (r *Registry) Get(name api.StepName) (*api.Step, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.steps[name]
	if !ok {
		return nil, false
	}
	return e.step, true
}

// Steps returns every registered step ordered by name
func (r *Registry) Steps() []*api.Step {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res := make([]*api.Step, 0, len(r.steps))
	for _, name := range slices.Sorted(maps.Keys(r.steps)) {
		res = append(res, r.steps[name].step)
	}
	return res
}

// Bindings returns the triggers of kind across all steps, ordered by step
// name and trigger index
func (r *Registry) Bindings(kind api.TriggerKind) []*Binding {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byKind[kind]
}

// StepBindings returns the triggers of the named step
func (r *Registry) StepBindings(name api.StepName) []*Binding {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.steps[name]; ok {
		return e.bindings
	}
	return nil
}

// OnChange registers l to observe every later Register and Unregister
func (r *Registry) OnChange(l Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, l)
}

// Accepts evaluates the binding's condition against in. A binding without
// a condition accepts everything
func (b *Binding) Accepts(in *api.TriggerInput) (bool, error) {
	if b.Predicate == nil {
		return true, nil
	}
	return b.Predicate(in)
}

func (r *Registry) compile(step *api.Step) ([]*Binding, error) {
	res := make([]*Binding, len(step.Triggers))
	for i, tr := range step.Triggers {
		b := &Binding{Step: step, Trigger: tr, Index: i}
		if tr.Kind == api.TriggerCron {
			if _, err := scheduler.ParseCron(tr.Schedule); err != nil {
				return nil, fmt.Errorf("%w: trigger %d: %w",
					api.ErrValidation, i, err)
			}
		}
		var preds []api.Predicate
		if tr.Predicate != nil {
			preds = append(preds, tr.Predicate)
		}
		if tr.Condition != nil {
			p, err := r.scripts.Predicate(tr.Condition)
			if err != nil {
				return nil, fmt.Errorf("trigger %d condition: %w", i, err)
			}
			preds = append(preds, p)
		}
		b.Predicate = allOf(preds)
		res[i] = b
	}
	return res, nil
}

func (r *Registry) reindexLocked() {
	byKind := map[api.TriggerKind][]*Binding{}
	for _, name := range slices.Sorted(maps.Keys(r.steps)) {
		for _, b := range r.steps[name].bindings {
			byKind[b.Trigger.Kind] = append(byKind[b.Trigger.Kind], b)
		}
	}
	r.byKind = byKind
}

func allOf(preds []api.Predicate) api.Predicate {
	switch len(preds) {
	case 0:
		return nil
	case 1:
		return preds[0]
	}
	return func(in *api.TriggerInput) (bool, error) {
		for _, p := range preds {
			ok, err := p(in)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	}
}
