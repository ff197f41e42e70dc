package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/kode4food/switchyard/internal/config"
	"github.com/kode4food/switchyard/internal/hub"
	"github.com/kode4food/switchyard/internal/queue"
	"github.com/kode4food/switchyard/internal/rpc"
	"github.com/kode4food/switchyard/internal/scheduler"
	"github.com/kode4food/switchyard/internal/state"
	"github.com/kode4food/switchyard/pkg/api"
	"github.com/kode4food/switchyard/pkg/log"
)

type (
	// Dispatcher turns trigger firings into handler invocations. It binds
	// queue triggers to subscriptions, cron triggers to the scheduler, and
	// state triggers to the state store's watchers
	Dispatcher struct {
		registry *Registry
		invoker  rpc.Invoker
		queue    queue.Adapter
		state    *state.Store
		hub      *hub.Hub
		cron     *scheduler.Cron
		cfg      *config.Config
		subs     map[api.StepName][]*queue.Subscription
		jobs     map[api.StepName][]string
		unwatch  func()
		now      func() time.Time
		mu       sync.Mutex
		started  bool
	}

	// Deps are the collaborators a Dispatcher is built from. Hub and Cron
	// are optional
	Deps struct {
		Registry *Registry
		Invoker  rpc.Invoker
		Queue    queue.Adapter
		State    *state.Store
		Hub      *hub.Hub
		Cron     *scheduler.Cron
		Config   *config.Config
	}

	// Request is an api trigger firing, already routed to the runtime by
	// the HTTP layer
	Request struct {
		Body    any
		Query   map[string]string
		Headers map[string]string
		Method  string
		Path    string
	}
)

var (
	ErrNoRoute           = errors.New("no step handles request")
	ErrConditionRejected = errors.New("trigger condition rejected request")
	ErrInvalidEmit       = errors.New("topic not declared in enqueues")
)

// New creates a Dispatcher. It observes the registry immediately but binds
// nothing until Start
func New(d Deps) *Dispatcher {
	cfg := d.Config
	if cfg == nil {
		cfg = config.NewDefaultConfig()
	}
	res := &Dispatcher{
		registry: d.Registry,
		invoker:  d.Invoker,
		queue:    d.Queue,
		state:    d.State,
		hub:      d.Hub,
		cron:     d.Cron,
		cfg:      cfg,
		subs:     map[api.StepName][]*queue.Subscription{},
		jobs:     map[api.StepName][]string{},
		now:      time.Now,
	}
	d.Registry.OnChange(res.rebind)
	return res
}

// Start binds every registered step's queue and cron triggers and begins
// watching state mutations. Steps registered later are bound as they
// arrive
func (d *Dispatcher) Start() error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return nil
	}
	d.started = true
	d.mu.Unlock()

	if d.cron != nil {
		d.cron.OnSkip(d.cronSkipped)
	}
	var errs []error
	steps := d.registry.Steps()
	for _, step := range steps {
		if err := d.bind(step.Name); err != nil {
			errs = append(errs, err)
		}
	}
	if d.state != nil {
		d.unwatch = d.state.Watch(d.onMutation)
	}
	slog.Info("Dispatcher started", slog.Int("steps", len(steps)))
	return errors.Join(errs...)
}

// Stop releases every queue subscription, cron job, and state watcher
func (d *Dispatcher) Stop() error {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return nil
	}
	d.started = false
	names := make([]api.StepName, 0, len(d.subs)+len(d.jobs))
	for name := range d.subs {
		names = append(names, name)
	}
	for name := range d.jobs {
		names = append(names, name)
	}
	d.mu.Unlock()

	if d.unwatch != nil {
		d.unwatch()
	}
	var errs []error
	slices.Sort(names)
	for _, name := range slices.Compact(names) {
		errs = append(errs, d.unbind(name))
	}
	slog.Info("Dispatcher stopped")
	return errors.Join(errs...)
}

// Fire finds every trigger of kind whose static matcher and condition
// accept in, invokes those steps in registry order, and returns their
// names. Invocation failures are joined into the returned error; a failing
// step never prevents the others from running
func (d *Dispatcher) Fire(
	ctx context.Context, kind api.TriggerKind, in *api.TriggerInput,
) ([]api.StepName, error) {
	in = prepareInput(ctx, kind, in)
	ctx = api.WithTraceID(ctx, in.TraceID)

	var names []api.StepName
	var errs []error
	for _, b := range d.registry.Bindings(kind) {
		bin, ok := matchStatic(b, in)
		if !ok || !d.accepts(b, bin) {
			continue
		}
		names = append(names, b.Step.Name)
		if _, err := d.invoke(ctx, b, bin); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", b.Step.Name, err))
		}
	}
	return names, errors.Join(errs...)
}

// HandleRequest invokes the first api trigger, in registry order, whose
// method, path pattern, and condition accept req, and returns its result
func (d *Dispatcher) HandleRequest(
	ctx context.Context, req *Request,
) (any, error) {
	in := prepareInput(ctx, api.TriggerAPI, &api.TriggerInput{
		Data:    req.Body,
		Query:   req.Query,
		Headers: req.Headers,
		Method:  strings.ToUpper(req.Method),
		Path:    req.Path,
	})
	ctx = api.WithTraceID(ctx, in.TraceID)

	routed := false
	for _, b := range d.registry.Bindings(api.TriggerAPI) {
		bin, ok := matchStatic(b, in)
		if !ok {
			continue
		}
		routed = true
		if d.accepts(b, bin) {
			return d.invoke(ctx, b, bin)
		}
	}
	if routed {
		return nil, fmt.Errorf("%w: %w: %s %s",
			api.ErrValidation, ErrConditionRejected, in.Method, in.Path)
	}
	return nil, fmt.Errorf("%w: %s %s", ErrNoRoute, in.Method, in.Path)
}

// Publish admits ev to the queue, assigning its id and trace id first so
// they can be reported to the caller
func (d *Dispatcher) Publish(
	ctx context.Context, ev *api.Event,
) (*api.PublishResponse, error) {
	if ev == nil {
		return nil, fmt.Errorf("%w: %w",
			api.ErrValidation, api.ErrEventTopicEmpty)
	}
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	ev = ev.Clone()
	if ev.TraceID == "" {
		ev.TraceID = api.TraceIDFrom(ctx)
	}
	ev.Normalize(d.now())
	if err := d.queue.Publish(ctx, ev); err != nil {
		return nil, err
	}
	return &api.PublishResponse{ID: ev.ID, TraceID: ev.TraceID}, nil
}

// Registry returns the registry the dispatcher serves
func (d *Dispatcher) Registry() *Registry {
	return d.registry
}

func (d *Dispatcher) invoke(
	ctx context.Context, b *Binding, in *api.TriggerInput,
) (any, error) {
	step := b.Step
	flows := mergeFlows(in.Flows, step.Flows)
	inv := &api.Invocation{
		Input:   in,
		Trigger: b.Trigger.Context(b.Index),
		Step:    step.Name,
		TraceID: in.TraceID,
		Flows:   flows,
	}
	svc := &hostServices{
		d:     d,
		step:  step,
		trace: in.TraceID,
		flows: flows,
		depth: stateDepth(ctx),
	}

	d.record(&hub.Record{
		Type:    api.TraceInvokeStarted,
		TraceID: in.TraceID,
		Step:    step.Name,
		Topic:   in.Topic,
		Data:    inv.Trigger,
	})
	start := time.Now()
	res, err := d.invoker.Invoke(ctx, step, inv, svc)
	invocationSeconds.WithLabelValues(string(step.Name)).
		Observe(time.Since(start).Seconds())

	if err != nil {
		invocations.WithLabelValues(
			string(step.Name), string(in.Kind), outcomeFailed,
		).Inc()
		d.record(&hub.Record{
			Type:    api.TraceInvokeFailed,
			TraceID: in.TraceID,
			Step:    step.Name,
			Topic:   in.Topic,
			Err:     err,
		})
		d.logFailure(step, in, err)
		return nil, err
	}
	invocations.WithLabelValues(
		string(step.Name), string(in.Kind), outcomeSucceeded,
	).Inc()
	d.record(&hub.Record{
		Type:    api.TraceInvokeSucceeded,
		TraceID: in.TraceID,
		Step:    step.Name,
		Topic:   in.Topic,
		Data:    res,
	})
	return res, nil
}

// accepts evaluates b's condition. A condition that errors is logged and
// treated as a rejection
func (d *Dispatcher) accepts(b *Binding, in *api.TriggerInput) bool {
	ok, err := b.Accepts(in)
	if err != nil {
		slog.Warn("Trigger condition failed",
			log.StepName(b.Step.Name),
			log.Trigger(in.Kind),
			log.TraceID(in.TraceID),
			log.Error(err))
	}
	if err != nil || !ok {
		d.skipped(b, in, err)
		return false
	}
	return true
}

func (d *Dispatcher) skipped(b *Binding, in *api.TriggerInput, err error) {
	invocations.WithLabelValues(
		string(b.Step.Name), string(in.Kind), outcomeSkipped,
	).Inc()
	d.record(&hub.Record{
		Type:    api.TraceConditionFailed,
		TraceID: in.TraceID,
		Step:    b.Step.Name,
		Topic:   in.Topic,
		Err:     err,
	})
}

func (d *Dispatcher) logFailure(
	step *api.Step, in *api.TriggerInput, err error,
) {
	attrs := []any{
		log.StepName(step.Name),
		log.Trigger(in.Kind),
		log.TraceID(in.TraceID),
		log.Error(err),
	}
	switch in.Kind {
	case api.TriggerState, api.TriggerCron:
		slog.Error("Step invocation failed", attrs...)
	default:
		slog.Debug("Step invocation failed", attrs...)
	}
}

func (d *Dispatcher) record(r *hub.Record) {
	if d.hub != nil {
		d.hub.Record(r)
	}
}

func prepareInput(
	ctx context.Context, kind api.TriggerKind, in *api.TriggerInput,
) *api.TriggerInput {
	var res api.TriggerInput
	if in != nil {
		res = *in
	}
	res.Kind = kind
	if res.TraceID == "" {
		res.TraceID = api.TraceIDFrom(ctx)
	}
	if res.TraceID == "" {
		res.TraceID = api.NewTraceID()
	}
	return &res
}

// matchStatic applies a trigger's static matcher, returning the input the
// binding sees. api triggers get their bound path parameters
func matchStatic(b *Binding, in *api.TriggerInput) (*api.TriggerInput, bool) {
	tr := b.Trigger
	switch tr.Kind {
	case api.TriggerAPI:
		params, ok := tr.MatchesRequest(in.Method, in.Path)
		if !ok {
			return nil, false
		}
		res := *in
		res.Params = params
		return &res, true
	case api.TriggerQueue:
		return in, tr.Topic == in.Topic
	case api.TriggerCron:
		return in, tr.Schedule == in.Schedule
	case api.TriggerState:
		return in, tr.MatchesState(in.Group, in.Key)
	default:
		return nil, false
	}
}

func mergeFlows(a, b []string) []string {
	if len(b) == 0 {
		return a
	}
	res := slices.Concat(a, b)
	slices.Sort(res)
	return slices.Compact(res)
}
