package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/kode4food/switchyard/internal/scheduler"
	"github.com/kode4food/switchyard/pkg/api"
	"github.com/kode4food/switchyard/pkg/log"
)

type (
	// Handler processes one delivery of an event. A returned error, a
	// panic, or overrunning the visibility timeout counts as a failure
	Handler func(ctx context.Context, e *api.Event) error

	// Adapter is the contract any topic broker satisfies
	Adapter interface {
		Publish(ctx context.Context, e *api.Event) error
		Subscribe(
			topic api.Topic, name string, h Handler, cfg api.QueueConfig,
		) (*Subscription, error)
		Unsubscribe(sub *Subscription) error
	}

	// DeadLetterSink receives events that exhausted their attempts
	DeadLetterSink interface {
		Put(ctx context.Context, dl *api.DeadLetter) error
	}

	// Engine is an in-process Adapter. Every subscriber (or consumer group)
	// on a topic receives its own copy of each event and keeps its own
	// FIFO, concurrency slots, retries, and dead-letter accounting
	Engine struct {
		ctx     context.Context
		cancel  context.CancelFunc
		sched   *scheduler.Scheduler
		sink    DeadLetterSink
		topics  map[api.Topic]map[string]*consumer
		metrics map[api.Topic]*api.QueueMetrics
		running sync.WaitGroup
		mu      sync.Mutex
		stopped bool
	}

	// Subscription is the handle returned by Subscribe
	Subscription struct {
		handler  Handler
		consumer *consumer
		ID       string
		Name     string
		Topic    api.Topic
	}

	consumer struct {
		cfg      api.QueueConfig
		topic    api.Topic
		name     string
		subs     []*Subscription
		pending  []*message
		inflight int
		next     int
	}

	message struct {
		event     *api.Event
		visibleAt time.Time
		id        string
		group     string
		attempts  int
		inflight  bool
	}

	wake struct {
		at   time.Time
		c    *consumer
		path []string
	}
)

var (
	ErrStopped             = errors.New("queue engine stopped")
	ErrTopicRequired       = errors.New("subscription topic required")
	ErrNameRequired        = errors.New("subscription name required")
	ErrHandlerRequired     = errors.New("subscription handler required")
	ErrUnknownSubscription = errors.New("unknown subscription")
	ErrVisibilityTimeout   = errors.New("visibility timeout exceeded")
	ErrHandlerPanic        = errors.New("handler panicked")
)

var _ Adapter = (*Engine)(nil)

// New creates an Engine that times delays and redeliveries on sched,
// which the caller runs. Dead letters go to sink; with a nil sink they are
// only logged
func New(sched *scheduler.Scheduler, sink DeadLetterSink) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		ctx:     ctx,
		cancel:  cancel,
		sched:   sched,
		sink:    sink,
		topics:  map[api.Topic]map[string]*consumer{},
		metrics: map[api.Topic]*api.QueueMetrics{},
	}
}

// Publish admits e for delivery to every current subscriber of its topic
// and returns without waiting for any handler. A missing trace id is taken
// from ctx, or generated
func (e *Engine) Publish(ctx context.Context, ev *api.Event) error {
	ev, now, err := e.admit(ctx, ev)
	if err != nil {
		return err
	}

	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return ErrStopped
	}
	var wakes []wake
	targets := e.activeLocked(ev.Topic)
	for _, c := range targets {
		if w, ok := e.enqueueLocked(c, ev, now); ok {
			wakes = append(wakes, w)
		}
	}
	e.mu.Unlock()

	if len(targets) == 0 {
		slog.Debug("No subscribers for topic",
			log.Topic(ev.Topic), log.TraceID(ev.TraceID))
		return nil
	}
	queuePublished.WithLabelValues(string(ev.Topic)).Inc()
	e.schedule(wakes)
	return nil
}

// Redeliver admits ev for the single subscriber (or consumer group) called
// name, leaving the topic's other subscribers untouched
func (e *Engine) Redeliver(
	ctx context.Context, name string, ev *api.Event,
) error {
	ev, now, err := e.admit(ctx, ev)
	if err != nil {
		return err
	}

	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return ErrStopped
	}
	c, ok := e.topics[ev.Topic][name]
	if !ok || len(c.subs) == 0 {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s.%s", ErrUnknownSubscription, ev.Topic, name)
	}
	w, delayed := e.enqueueLocked(c, ev, now)
	e.mu.Unlock()

	queuePublished.WithLabelValues(string(ev.Topic)).Inc()
	if delayed {
		e.schedule([]wake{w})
	}
	return nil
}

// Enqueue is Publish under the name the dispatcher uses
func (e *Engine) Enqueue(ctx context.Context, ev *api.Event) error {
	return e.Publish(ctx, ev)
}

// Subscribe attaches h to topic as the subscriber called name. A new
// subscription under an existing name replaces the previous handler and
// takes over its pending events with their attempts reset. Subscribers
// that share cfg.ConsumerGroup compete for a single copy of each event
func (e *Engine) Subscribe(
	topic api.Topic, name string, h Handler, cfg api.QueueConfig,
) (*Subscription, error) {
	switch {
	case topic == "":
		return nil, ErrTopicRequired
	case name == "":
		return nil, ErrNameRequired
	case h == nil:
		return nil, ErrHandlerRequired
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", api.ErrValidation, err)
	}
	key := name
	if cfg.ConsumerGroup != "" {
		key = cfg.ConsumerGroup
	}
	sub := &Subscription{
		ID:      api.NewID(),
		Name:    name,
		Topic:   topic,
		handler: h,
	}

	e.mu.Lock()
	consumers, ok := e.topics[topic]
	if !ok {
		consumers = map[string]*consumer{}
		e.topics[topic] = consumers
	}
	c, ok := consumers[key]
	switch {
	case !ok:
		c = &consumer{topic: topic, name: key, cfg: cfg}
		consumers[key] = c
	case len(c.subs) == 0 || cfg.ConsumerGroup == "":
		e.takeOverLocked(c, cfg)
	}
	sub.consumer = c
	c.subs = append(c.subs, sub)
	e.metricsLocked(topic)
	e.pumpLocked(c)
	e.mu.Unlock()
	return sub, nil
}

// Unsubscribe detaches sub. Events still pending for a subscriber that has
// no remaining handlers are retained for a later subscriber of the same
// name
func (e *Engine) Unsubscribe(sub *Subscription) error {
	if sub == nil {
		return ErrUnknownSubscription
	}
	e.mu.Lock()
	c := sub.consumer
	if c == nil {
		e.mu.Unlock()
		return ErrUnknownSubscription
	}
	idx := slices.Index(c.subs, sub)
	if idx < 0 {
		e.mu.Unlock()
		return ErrUnknownSubscription
	}
	c.subs = slices.Delete(c.subs, idx, idx+1)
	sub.consumer = nil
	dropped := e.dropIfIdleLocked(c)
	e.mu.Unlock()

	if dropped {
		e.sched.CancelPrefix(e.ctx, c.pathPrefix())
	}
	return nil
}

// Subscribers lists the subscriber (or consumer group) names with active
// handlers on topic
func (e *Engine) Subscribers(topic api.Topic) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	var res []string
	for _, c := range e.activeLocked(topic) {
		res = append(res, c.name)
	}
	return res
}

// Metrics returns the counters of one topic
func (e *Engine) Metrics(topic api.Topic) (api.QueueMetrics, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.metrics[topic]
	if !ok {
		return api.QueueMetrics{}, false
	}
	return *m, true
}

// AllMetrics returns the counters of every topic seen so far
func (e *Engine) AllMetrics() map[api.Topic]api.QueueMetrics {
	e.mu.Lock()
	defer e.mu.Unlock()
	res := make(map[api.Topic]api.QueueMetrics, len(e.metrics))
	for t, m := range e.metrics {
		res[t] = *m
	}
	return res
}

// Stop refuses further publishes and waits for in-flight deliveries to
// finish, or for ctx to end. Handlers still running when ctx ends see
// their context cancelled
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	e.stopped = true
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.running.Wait()
		close(done)
	}()
	defer e.cancel()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) admit(
	ctx context.Context, ev *api.Event,
) (*api.Event, time.Time, error) {
	if ev == nil {
		return nil, time.Time{}, fmt.Errorf("%w: %w",
			api.ErrValidation, api.ErrEventTopicEmpty)
	}
	if err := ev.Validate(); err != nil {
		return nil, time.Time{}, err
	}
	ev = ev.Clone()
	if ev.TraceID == "" {
		ev.TraceID = api.TraceIDFrom(ctx)
	}
	now := e.sched.Now()
	ev.Normalize(now)
	return ev, now, nil
}

func (e *Engine) enqueueLocked(
	c *consumer, ev *api.Event, now time.Time,
) (wake, bool) {
	m := &message{
		id:        api.NewID(),
		event:     ev.Clone(),
		group:     c.cfg.GroupIDFor(ev),
		visibleAt: now,
	}
	var w wake
	delayed := c.cfg.DelayMs > 0
	if delayed {
		m.visibleAt = now.Add(time.Duration(c.cfg.DelayMs) * time.Millisecond)
		w = c.wakeFor(m)
	}
	c.pending = append(c.pending, m)
	e.metricsLocked(ev.Topic).QueueDepth++
	queueDepth.WithLabelValues(string(ev.Topic)).Inc()
	e.pumpLocked(c)
	return w, delayed
}

func (e *Engine) takeOverLocked(c *consumer, cfg api.QueueConfig) {
	for _, s := range c.subs {
		s.consumer = nil
	}
	if len(c.subs) > 0 {
		slog.Info("Subscriber replaced",
			log.Topic(c.topic), log.Subscriber(c.name))
	}
	c.subs = nil
	c.cfg = cfg
	now := e.sched.Now()
	for _, m := range c.pending {
		if m.inflight || m.attempts == 0 {
			continue
		}
		m.attempts = 0
		m.visibleAt = now
	}
}

func (e *Engine) activeLocked(topic api.Topic) []*consumer {
	consumers := e.topics[topic]
	var res []*consumer
	for _, key := range slices.Sorted(maps.Keys(consumers)) {
		if c := consumers[key]; len(c.subs) > 0 {
			res = append(res, c)
		}
	}
	return res
}

// pumpLocked starts every delivery the consumer's slots and group
// ordering allow. An event whose group has an earlier event still pending
// or in flight never starts
func (e *Engine) pumpLocked(c *consumer) {
	if e.stopped || len(c.subs) == 0 {
		return
	}
	limit := max(c.cfg.Concurrency, 1)
	now := e.sched.Now()
	busy := map[string]bool{}
	for _, m := range c.pending {
		if c.inflight >= limit {
			break
		}
		if m.group != "" {
			if busy[m.group] {
				continue
			}
			busy[m.group] = true
		}
		if m.inflight || m.visibleAt.After(now) {
			continue
		}
		e.startLocked(c, m)
	}
}

func (e *Engine) startLocked(c *consumer, m *message) {
	m.inflight = true
	c.inflight++
	sub := c.subs[c.next%len(c.subs)]
	c.next++

	met := e.metricsLocked(c.topic)
	met.QueueDepth--
	met.ProcessingCount++
	queueDepth.WithLabelValues(string(c.topic)).Dec()
	queueProcessing.WithLabelValues(string(c.topic)).Inc()

	timeout := time.Duration(c.cfg.VisibilityTimeoutMs) * time.Millisecond
	ev := m.event.Clone()
	e.running.Go(func() {
		start := time.Now()
		err := e.invoke(sub.handler, ev, timeout)
		queueDeliverySeconds.WithLabelValues(string(c.topic)).
			Observe(time.Since(start).Seconds())
		if dl := e.complete(c, m, err); dl != nil {
			e.deadLetter(dl)
		}
	})
}

func (e *Engine) invoke(h Handler, ev *api.Event, timeout time.Duration) error {
	ctx := api.WithTraceID(e.ctx, ev.TraceID)
	if timeout <= 0 {
		return safeCall(ctx, h, ev)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- safeCall(ctx, h, ev)
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: %s", ErrVisibilityTimeout, timeout)
		}
		return ctx.Err()
	}
}

func (e *Engine) complete(c *consumer, m *message, err error) *api.DeadLetter {
	e.mu.Lock()
	m.inflight = false
	c.inflight--
	topic := string(c.topic)
	met := e.metricsLocked(c.topic)
	met.ProcessingCount--
	queueProcessing.WithLabelValues(topic).Dec()

	var dl *api.DeadLetter
	var wakes []wake
	if err != nil {
		m.attempts++
	}
	switch {
	case err == nil:
		c.remove(m)
		queueDeliveries.WithLabelValues(topic, outcomeSucceeded).Inc()
	case api.IsValidation(err) || m.attempts >= Attempts(&c.cfg):
		c.remove(m)
		met.DeadLettered++
		queueDeliveries.WithLabelValues(topic, outcomeDeadLettered).Inc()
		dl = &api.DeadLetter{
			ID:         m.id,
			Event:      m.event,
			Topic:      c.topic,
			Subscriber: c.name,
			Error:      err.Error(),
			Attempts:   m.attempts,
			FailedAt:   e.sched.Now(),
		}
	default:
		met.Retried++
		met.QueueDepth++
		queueDepth.WithLabelValues(topic).Inc()
		queueDeliveries.WithLabelValues(topic, outcomeRetried).Inc()
		delay := Backoff(&c.cfg, m.attempts)
		slog.Warn("Delivery failed, will retry",
			log.Topic(c.topic),
			log.Subscriber(c.name),
			log.TraceID(m.event.TraceID),
			log.Attempt(m.attempts),
			log.Delay(delay),
			log.Error(err))
		if delay > 0 {
			m.visibleAt = e.sched.Now().Add(delay)
			wakes = append(wakes, c.wakeFor(m))
		}
	}

	e.pumpLocked(c)
	e.dropIfIdleLocked(c)
	e.mu.Unlock()

	e.schedule(wakes)
	return dl
}

func (e *Engine) deadLetter(dl *api.DeadLetter) {
	slog.Error("Event dead-lettered",
		log.Topic(dl.Topic),
		log.Subscriber(dl.Subscriber),
		log.TraceID(dl.Event.TraceID),
		log.Attempt(dl.Attempts),
		log.ErrorString(dl.Error))
	if e.sink == nil {
		return
	}
	if err := e.sink.Put(e.ctx, dl); err != nil {
		slog.Error("Dead letter not stored",
			log.Topic(dl.Topic),
			log.Subscriber(dl.Subscriber),
			log.Error(err))
	}
}

func (e *Engine) dropIfIdleLocked(c *consumer) bool {
	if len(c.subs) > 0 || len(c.pending) > 0 {
		return false
	}
	consumers := e.topics[c.topic]
	if consumers[c.name] != c {
		return false
	}
	delete(consumers, c.name)
	if len(consumers) == 0 {
		delete(e.topics, c.topic)
	}
	return true
}

func (e *Engine) metricsLocked(topic api.Topic) *api.QueueMetrics {
	m, ok := e.metrics[topic]
	if !ok {
		m = &api.QueueMetrics{}
		e.metrics[topic] = m
	}
	return m
}

func (e *Engine) schedule(wakes []wake) {
	for _, w := range wakes {
		c := w.c
		e.sched.Schedule(e.ctx, w.path, w.at, func() error {
			e.mu.Lock()
			defer e.mu.Unlock()
			e.pumpLocked(c)
			return nil
		})
	}
}

func (c *consumer) remove(m *message) {
	if idx := slices.Index(c.pending, m); idx >= 0 {
		c.pending = slices.Delete(c.pending, idx, idx+1)
	}
}

func (c *consumer) wakeFor(m *message) wake {
	return wake{
		at:   m.visibleAt,
		c:    c,
		path: append(c.pathPrefix(), m.id),
	}
}

func (c *consumer) pathPrefix() []string {
	return []string{"queue", string(c.topic), c.name}
}

func safeCall(ctx context.Context, h Handler, ev *api.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
		}
	}()
	return h(ctx, ev)
}
