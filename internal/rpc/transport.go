package rpc

import (
	"sync"

	"github.com/kode4food/switchyard/pkg/api"
)

type (
	// Transport moves protocol messages between two peers. Receive is
	// never closed; Done is closed once the transport can carry no more
	// messages, after which Err reports why (nil for a local Close)
	Transport interface {
		Send(m *api.Message) error
		Receive() <-chan *api.Message
		Done() <-chan struct{}
		Err() error
		Close() error
	}

	// ChatterFunc receives lines a peer wrote that are not protocol
	// messages
	ChatterFunc func(line string)

	stream struct {
		msgs chan *api.Message
		done chan struct{}
		err  error
		once sync.Once
		mu   sync.Mutex
	}

	pipeEnd struct {
		*stream
		peer *pipeEnd
	}
)

const receiveBuffer = 64

func newStream() *stream {
	return &stream{
		msgs: make(chan *api.Message, receiveBuffer),
		done: make(chan struct{}),
	}
}

// Receive implements Transport
func (s *stream) Receive() <-chan *api.Message {
	return s.msgs
}

// Done implements Transport
func (s *stream) Done() <-chan struct{} {
	return s.done
}

// Err implements Transport
func (s *stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *stream) finish(err error) bool {
	first := false
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.done)
		first = true
	})
	return first
}

func (s *stream) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *stream) deliver(m *api.Message) bool {
	select {
	case s.msgs <- m:
		return true
	case <-s.done:
		return false
	}
}

// Pipe returns two connected in-memory transports. Closing either end
// finishes both
func Pipe() (Transport, Transport) {
	l := &pipeEnd{stream: newStream()}
	r := &pipeEnd{stream: newStream(), peer: l}
	l.peer = r
	return l, r
}

func (p *pipeEnd) Send(m *api.Message) error {
	if p.closed() || p.peer.closed() {
		return ErrChannelClosed
	}
	cp := *m
	if !p.peer.deliver(&cp) {
		return ErrChannelClosed
	}
	return nil
}

func (p *pipeEnd) Close() error {
	p.finish(nil)
	p.peer.finish(ErrChannelClosed)
	return nil
}
