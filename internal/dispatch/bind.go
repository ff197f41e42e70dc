package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kode4food/switchyard/internal/hub"
	"github.com/kode4food/switchyard/internal/queue"
	"github.com/kode4food/switchyard/internal/scheduler"
	"github.com/kode4food/switchyard/pkg/api"
	"github.com/kode4food/switchyard/pkg/log"
)

var ErrNoCron = errors.New("cron trigger without a scheduler")

func (d *Dispatcher) rebind(name api.StepName, step *api.Step) {
	d.mu.Lock()
	started := d.started
	d.mu.Unlock()
	if !started {
		return
	}
	if err := d.unbind(name); err != nil {
		slog.Warn("Step unbind failed", log.StepName(name), log.Error(err))
	}
	if step == nil {
		return
	}
	if err := d.bind(name); err != nil {
		slog.Error("Step bind failed", log.StepName(name), log.Error(err))
	}
}

// bind subscribes the step's queue triggers and schedules its cron
// triggers. Each queue trigger subscribes under the step's name, so dead
// letters are kept per topic and step
func (d *Dispatcher) bind(name api.StepName) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var errs []error
	topics := map[api.Topic]int{}
	for _, b := range d.registry.StepBindings(name) {
		tr := b.Trigger
		switch tr.Kind {
		case api.TriggerQueue:
			sub := subscriberName(name, topics[tr.Topic], b.Index)
			topics[tr.Topic]++
			cfg := d.cfg.QueueSettings(tr.Queue)
			s, err := d.queue.Subscribe(tr.Topic, sub, d.deliver(b), cfg)
			if err != nil {
				errs = append(errs, triggerError(b, err))
				continue
			}
			d.subs[name] = append(d.subs[name], s)
		case api.TriggerCron:
			if d.cron == nil {
				errs = append(errs, triggerError(b, ErrNoCron))
				continue
			}
			job := CronJobName(name, b.Index)
			if err := d.cron.Add(job, tr.Schedule, d.cronFire(b)); err != nil {
				errs = append(errs, triggerError(b, err))
				continue
			}
			d.jobs[name] = append(d.jobs[name], job)
		}
	}
	return errors.Join(errs...)
}

func (d *Dispatcher) unbind(name api.StepName) error {
	d.mu.Lock()
	subs := d.subs[name]
	jobs := d.jobs[name]
	delete(d.subs, name)
	delete(d.jobs, name)
	d.mu.Unlock()

	var errs []error
	for _, s := range subs {
		if err := d.queue.Unsubscribe(s); err != nil {
			errs = append(errs, err)
		}
	}
	for _, job := range jobs {
		d.cron.Remove(job)
	}
	return errors.Join(errs...)
}

// deliver adapts a queue trigger to a queue handler. A rejected condition
// acknowledges the event; a condition that errors is a validation failure
func (d *Dispatcher) deliver(b *Binding) queue.Handler {
	return func(ctx context.Context, ev *api.Event) error {
		in := &api.TriggerInput{
			Kind:    api.TriggerQueue,
			Topic:   ev.Topic,
			Data:    ev.Data,
			EventID: ev.ID,
			TraceID: ev.TraceID,
			Flows:   ev.Flows,
		}
		ctx = api.WithTraceID(ctx, ev.TraceID)
		ok, err := b.Accepts(in)
		if err != nil {
			d.skipped(b, in, err)
			return fmt.Errorf("%w: %w", api.ErrValidation, err)
		}
		if !ok {
			d.skipped(b, in, nil)
			return nil
		}
		_, err = d.invoke(ctx, b, in)
		return err
	}
}

func (d *Dispatcher) cronFire(b *Binding) scheduler.CronFunc {
	return func(ctx context.Context, at time.Time) error {
		ctx, trace := api.EnsureTraceID(ctx)
		in := &api.TriggerInput{
			Kind:     api.TriggerCron,
			Schedule: b.Trigger.Schedule,
			TraceID:  trace,
			Data: map[string]any{
				"scheduled_at": at.UTC().Format(time.RFC3339Nano),
			},
		}
		if !d.accepts(b, in) {
			return nil
		}
		_, err := d.invoke(ctx, b, in)
		return err
	}
}

func (d *Dispatcher) cronSkipped(job string, at time.Time) {
	d.record(&hub.Record{
		Type:    api.TraceCronSkipped,
		TraceID: api.NewTraceID(),
		Data: map[string]any{
			"job":          job,
			"scheduled_at": at.UTC().Format(time.RFC3339Nano),
		},
	})
}

// CronJobName names the scheduler job, and so the lock, of one cron
// trigger
func CronJobName(step api.StepName, index int) string {
	return fmt.Sprintf("%s#%d", step, index)
}

func triggerError(b *Binding, err error) error {
	return fmt.Errorf("%s trigger %d: %w", b.Step.Name, b.Index, err)
}

func subscriberName(step api.StepName, seen, index int) string {
	if seen == 0 {
		return string(step)
	}
	return fmt.Sprintf("%s#%d", step, index)
}
