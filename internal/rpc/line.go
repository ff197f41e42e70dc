package rpc

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"sync"

	"github.com/kode4food/switchyard/pkg/api"
)

// LineTransport carries newline-delimited JSON messages over a reader and
// writer pair, usually a worker's stdio. Lines that aren't protocol
// messages are handed to the chatter callback
type LineTransport struct {
	*stream
	in      io.Reader
	out     *bufio.Writer
	closer  io.Closer
	chatter ChatterFunc
	mu      sync.Mutex
}

const maxLineSize = 16 << 20

var _ Transport = (*LineTransport)(nil)

// NewLineTransport starts reading messages from in. closer, when not nil,
// is closed with the transport
func NewLineTransport(
	in io.Reader, out io.Writer, closer io.Closer, chatter ChatterFunc,
) *LineTransport {
	if chatter == nil {
		chatter = func(string) {}
	}
	t := &LineTransport{
		stream:  newStream(),
		in:      in,
		out:     bufio.NewWriter(out),
		closer:  closer,
		chatter: chatter,
	}
	go t.readLoop()
	return t
}

// Send implements Transport
func (t *LineTransport) Send(m *api.Message) error {
	if t.closed() {
		return ErrChannelClosed
	}
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, err := t.out.Write(data); err != nil {
		return err
	}
	if err := t.out.WriteByte('\n'); err != nil {
		return err
	}
	return t.out.Flush()
}

// Close implements Transport
func (t *LineTransport) Close() error {
	if !t.finish(nil) || t.closer == nil {
		return nil
	}
	return t.closer.Close()
}

func (t *LineTransport) readLoop() {
	sc := bufio.NewScanner(t.in)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for sc.Scan() {
		line := sc.Bytes()
		m, ok := parseLine(line)
		if !ok {
			if len(bytes.TrimSpace(line)) > 0 {
				t.chatter(string(line))
			}
			continue
		}
		if !t.deliver(m) {
			return
		}
	}
	err := sc.Err()
	if err == nil {
		err = io.EOF
	}
	t.finish(errors.Join(ErrChannelClosed, err))
}

func parseLine(line []byte) (*api.Message, bool) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 || line[0] != '{' {
		return nil, false
	}
	var m api.Message
	if err := json.Unmarshal(line, &m); err != nil {
		return nil, false
	}
	if m.Validate() != nil {
		return nil, false
	}
	return &m, true
}
