package rpc

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/kode4food/switchyard/pkg/api"
)

// FrameTransport carries length-prefixed JSON frames: a 4-byte big-endian
// payload length followed by the payload. Workers use it over a dedicated
// descriptor pair so their stdio stays free for logging
type FrameTransport struct {
	*stream
	in     io.Reader
	out    io.Writer
	closer io.Closer
	mu     sync.Mutex
}

// MaxFrameSize bounds a single frame's payload (16 MiB)
const MaxFrameSize = 16 << 20

var _ Transport = (*FrameTransport)(nil)

// NewFrameTransport starts reading frames from in. closer, when not nil,
// is closed with the transport
func NewFrameTransport(
	in io.Reader, out io.Writer, closer io.Closer,
) *FrameTransport {
	t := &FrameTransport{
		stream: newStream(),
		in:     in,
		out:    out,
		closer: closer,
	}
	go t.readLoop()
	return t
}

// WriteFrame writes v to w as one length-prefixed JSON frame
func WriteFrame(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	if len(data) > MaxFrameSize {
		return fmt.Errorf("%w: %d", ErrFrameTooLarge, len(data))
	}
	buf := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(buf, uint32(len(data)))
	copy(buf[4:], data)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed JSON frame from r into v
func ReadFrame(r io.Reader, v any) error {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return fmt.Errorf("read length prefix: %w", err)
	}
	if length > MaxFrameSize {
		return fmt.Errorf("%w: %d", ErrFrameTooLarge, length)
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return fmt.Errorf("read payload: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal frame: %w", err)
	}
	return nil
}

// Send implements Transport
func (t *FrameTransport) Send(m *api.Message) error {
	if t.closed() {
		return ErrChannelClosed
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return WriteFrame(t.out, m)
}

// Close implements Transport
func (t *FrameTransport) Close() error {
	if !t.finish(nil) || t.closer == nil {
		return nil
	}
	return t.closer.Close()
}

func (t *FrameTransport) readLoop() {
	for {
		var m api.Message
		if err := ReadFrame(t.in, &m); err != nil {
			t.finish(errors.Join(ErrChannelClosed, err))
			return
		}
		if err := m.Validate(); err != nil {
			t.finish(errors.Join(ErrChannelClosed, err))
			return
		}
		if !t.deliver(&m) {
			return
		}
	}
}
