package socket

import (
	"fmt"

	"github.com/fmq-go/fmq/pkg/transport"
)

// Message is a heap-backed message.
type Message struct {
	buf  []byte
	size int
	free transport.FreeFunc
}

// NewMessage allocates a message.
func NewMessage(opts ...transport.MessageOption) (*Message, error) {
	m := &Message{}
	if err := m.Rebuild(opts...); err != nil {
		return nil, err
	}
	return m, nil
}

// Data implements transport.Message.
func (m *Message) Data() []byte {
	return m.buf[:m.size]
}

// Size implements transport.Message.
func (m *Message) Size() int {
	return m.size
}

// SetUsedSize implements transport.Message.
func (m *Message) SetUsedSize(n int) error {
	if n < 0 || n > len(m.buf) {
		return fmt.Errorf("%w: %d (capacity %d)", transport.ErrInvalidSize, n, len(m.buf))
	}
	m.size = n
	return nil
}

// Rebuild implements transport.Message.
func (m *Message) Rebuild(opts ...transport.MessageOption) error {
	o := transport.ResolveOptions(opts...)
	if err := o.Validate(); err != nil {
		return err
	}
	m.release()

	switch {
	case o.Buffer != nil:
		m.buf = o.Buffer
		m.free = o.Free
	case o.Size > 0:
		m.buf = transport.Aligned(o.Size, o.Alignment)
	}
	m.size = len(m.buf)
	return nil
}

// Copy implements transport.Message.
func (m *Message) Copy(src transport.Message) error {
	data := src.Data()
	buf := make([]byte, len(data))
	copy(buf, data)
	m.adopt(buf)
	return nil
}

// Kind implements transport.Message.
func (m *Message) Kind() transport.Kind {
	return transport.KindSocket
}

// Close implements transport.Message.
func (m *Message) Close() error {
	m.release()
	return nil
}

func (m *Message) release() {
	if m.free != nil {
		m.free(m.buf)
	}
	m.buf, m.size, m.free = nil, 0, nil
}

// adopt takes ownership of buf without copying.
func (m *Message) adopt(buf []byte) {
	m.release()
	m.buf = buf
	m.size = len(buf)
}

// detach empties the message and returns a func that releases what it
// held. The bytes stay valid until that func runs.
func (m *Message) detach() func() {
	buf, free := m.buf, m.free
	m.buf, m.size, m.free = nil, 0, nil
	if free == nil {
		return nil
	}
	return func() { free(buf) }
}

var _ transport.Message = (*Message)(nil)
