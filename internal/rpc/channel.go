package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/kode4food/switchyard/pkg/api"
	"github.com/kode4food/switchyard/pkg/log"
)

type (
	// HandlerFunc serves one request method. The returned value becomes
	// the response result
	HandlerFunc func(ctx context.Context, args json.RawMessage) (any, error)

	// Channel is a duplex request/response endpoint over a Transport.
	// Either peer may call methods the other has registered, and every
	// request with an id gets exactly one response
	Channel struct {
		transport Transport
		ctx       context.Context
		cancel    context.CancelFunc
		handlers  map[string]HandlerFunc
		pending   map[string]chan *api.Message
		scopes    map[string]any
		done      chan struct{}
		err       error
		onClose   []func()
		spill     spiller
		running   sync.WaitGroup
		mu        sync.Mutex
		closeOnce sync.Once
	}

	// Option configures a Channel
	Option func(*Channel)

	requestKey struct{}
	scopeKey   struct{}
)

// WithPayloadThreshold sets the payload size above which args and results
// are spilled to a temporary file. Zero or less disables spilling
func WithPayloadThreshold(n int) Option {
	return func(c *Channel) {
		c.spill.threshold = n
	}
}

// WithSpillDir sets where spilled payloads are written
func WithSpillDir(dir string) Option {
	return func(c *Channel) {
		c.spill.dir = dir
	}
}

// NewChannel starts serving t
func NewChannel(t Transport, opts ...Option) *Channel {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Channel{
		transport: t,
		ctx:       ctx,
		cancel:    cancel,
		handlers:  map[string]HandlerFunc{},
		pending:   map[string]chan *api.Message{},
		scopes:    map[string]any{},
		done:      make(chan struct{}),
		spill:     spiller{threshold: DefaultPayloadThreshold},
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.loop()
	return c
}

// WithScope attaches a value to ctx that stays bound to any request Call
// makes with it. Requests the peer makes on behalf of that request see the
// value through ScopeFrom
func WithScope(ctx context.Context, scope any) context.Context {
	return context.WithValue(ctx, scopeKey{}, scope)
}

// ScopeFrom returns the value bound by WithScope, or nil
func ScopeFrom(ctx context.Context) any {
	return ctx.Value(scopeKey{})
}

// Handle registers fn as the server for method, replacing any previous one
func (c *Channel) Handle(method string, fn HandlerFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[method] = fn
}

// OnClose registers fn to run once the channel is closed
func (c *Channel) OnClose(fn func()) {
	c.mu.Lock()
	select {
	case <-c.done:
		c.mu.Unlock()
		fn()
		return
	default:
	}
	c.onClose = append(c.onClose, fn)
	c.mu.Unlock()
}

// Call sends a request and waits for its response, decoding the result
// into result when it is not nil. A failed handler on the peer yields a
// *HandlerError. When the channel closes first, every waiting Call fails
// with an error matching ErrChannelClosed. A spilled argument file never
// outlives the call
func (c *Channel) Call(ctx context.Context, method string, args, result any) error {
	data, path, err := c.spill.encode(args)
	if err != nil {
		return err
	}
	defer removeSpill(path)

	id := api.NewID()
	resp := make(chan *api.Message, 1)
	c.mu.Lock()
	if c.isDone() {
		c.mu.Unlock()
		return c.Err()
	}
	c.pending[id] = resp
	if scope := ScopeFrom(ctx); scope != nil {
		c.scopes[id] = scope
	}
	c.mu.Unlock()

	err = c.transport.Send(&api.Message{
		ID:     id,
		Type:   api.MessageTypeRequest,
		Method: method,
		Parent: parentFrom(ctx),
		Args:   data,
	})
	if err != nil {
		c.abandon(id, resp)
		return closedError(err)
	}

	select {
	case r := <-resp:
		c.forget(id)
		return decodeResponse(r, result)
	case <-ctx.Done():
		c.abandon(id, resp)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: %s", ErrCallTimeout, method)
		}
		return ctx.Err()
	case <-c.done:
		select {
		case r := <-resp:
			c.forget(id)
			return decodeResponse(r, result)
		default:
			c.abandon(id, resp)
			return c.Err()
		}
	}
}

// Notify sends a request that expects no response
func (c *Channel) Notify(ctx context.Context, method string, args any) error {
	if c.isDone() {
		return c.Err()
	}
	data, path, err := c.spill.encode(args)
	if err != nil {
		return err
	}
	err = c.transport.Send(&api.Message{
		Type:   api.MessageTypeRequest,
		Method: method,
		Parent: parentFrom(ctx),
		Args:   data,
	})
	if err != nil {
		removeSpill(path)
		return closedError(err)
	}
	return nil
}

// Close asks the peer to shut down, then closes the transport. Waiting
// calls fail with ErrChannelClosed
func (c *Channel) Close() error {
	if !c.isDone() {
		_ = c.transport.Send(&api.Message{
			Type:   api.MessageTypeRequest,
			Method: api.MethodClose,
		})
	}
	c.shutdown(nil)
	return c.transport.Close()
}

// Done is closed once the channel can no longer carry calls
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// Err reports why the channel closed, or nil while it is open. The error
// always matches ErrChannelClosed
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Wait blocks until handlers started by the channel have returned
func (c *Channel) Wait() {
	c.running.Wait()
}

func (c *Channel) loop() {
	t := c.transport
	for {
		select {
		case m := <-t.Receive():
			c.dispatch(m)
		case <-t.Done():
			for {
				select {
				case m := <-t.Receive():
					c.dispatch(m)
					continue
				default:
				}
				break
			}
			c.shutdown(t.Err())
			return
		}
	}
}

func (c *Channel) dispatch(m *api.Message) {
	if m.Type == api.MessageTypeResponse {
		c.mu.Lock()
		resp, ok := c.pending[m.ID]
		delete(c.pending, m.ID)
		if ok {
			resp <- m
		}
		c.mu.Unlock()
		if !ok {
			slog.Debug("Unmatched response dropped", slog.String("id", m.ID))
			discard(m.Result)
		}
		return
	}

	if m.Method == api.MethodClose {
		discard(m.Args)
		c.shutdown(nil)
		_ = c.transport.Close()
		return
	}

	c.mu.Lock()
	h, ok := c.handlers[m.Method]
	c.mu.Unlock()
	if !ok {
		discard(m.Args)
		if !m.IsNotification() {
			c.respond(m.ID, nil,
				fmt.Errorf("%w: %s", ErrMethodNotFound, m.Method))
			return
		}
		slog.Debug("Notification for unknown method dropped",
			log.Method(m.Method))
		return
	}
	ctx := c.ctx
	if m.ID != "" {
		ctx = context.WithValue(ctx, requestKey{}, m.ID)
	}
	if m.Parent != "" {
		c.mu.Lock()
		scope, ok := c.scopes[m.Parent]
		c.mu.Unlock()
		if ok {
			ctx = WithScope(ctx, scope)
		}
	}
	c.running.Go(func() {
		c.serve(ctx, m, h)
	})
}

func (c *Channel) serve(ctx context.Context, m *api.Message, h HandlerFunc) {
	args, err := resolve(m.Args)
	var res any
	if err == nil {
		res, err = safeHandle(ctx, h, args)
	}
	if m.IsNotification() {
		if err != nil {
			slog.Warn("Notification handler failed",
				log.Method(m.Method), log.Error(err))
		}
		return
	}
	c.respond(m.ID, res, err)
}

func (c *Channel) respond(id string, res any, err error) {
	m := &api.Message{ID: id, Type: api.MessageTypeResponse}
	var path string
	if err == nil {
		m.Result, path, err = c.spill.encode(res)
	}
	if err != nil {
		m.Error = toRPCError(err)
		m.Result = nil
	}
	if serr := c.transport.Send(m); serr != nil {
		removeSpill(path)
		slog.Debug("Response not sent", slog.String("id", id), log.Error(serr))
	}
}

func (c *Channel) forget(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, id)
	delete(c.scopes, id)
}

// abandon forgets a call that will not read its response. A response that
// was delivered before the call was forgotten has its spilled result
// removed
func (c *Channel) abandon(id string, resp chan *api.Message) {
	c.forget(id)
	select {
	case r := <-resp:
		discard(r.Result)
	default:
	}
}

func (c *Channel) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = closedError(err)
		close(c.done)
		hooks := c.onClose
		c.onClose = nil
		c.mu.Unlock()

		c.cancel()
		for _, fn := range hooks {
			fn()
		}
	})
}

func (c *Channel) isDone() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func decodeResponse(r *api.Message, result any) error {
	if r.Error != nil {
		return fromRPCError(r.Error)
	}
	raw, err := resolve(r.Result)
	if err != nil {
		return err
	}
	if result == nil || len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, result)
}

func safeHandle(
	ctx context.Context, h HandlerFunc, args json.RawMessage,
) (res any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &HandlerError{
				Message: fmt.Sprint(r),
				Code:    CodePanic,
				Stack:   string(debug.Stack()),
			}
		}
	}()
	return h(ctx, args)
}

func parentFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestKey{}).(string)
	return id
}

func closedError(err error) error {
	switch {
	case err == nil:
		return ErrChannelClosed
	case errors.Is(err, ErrChannelClosed):
		return err
	default:
		return fmt.Errorf("%w: %w", ErrChannelClosed, err)
	}
}
