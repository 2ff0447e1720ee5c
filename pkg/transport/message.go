package transport

import "fmt"

// Message is a byte buffer owned by one transport backend.
//
// A message handed to Send belongs to the transport afterwards: on success
// the caller's Message is left empty and may be rebuilt or closed. Close
// releases the buffer; it is safe to call more than once.
type Message interface {
	// Data returns the used portion of the buffer.
	Data() []byte

	// Size returns the number of used bytes.
	Size() int

	// SetUsedSize shrinks the used portion to n bytes.
	SetUsedSize(n int) error

	// Rebuild releases the current buffer and allocates a new one.
	Rebuild(opts ...MessageOption) error

	// Copy replaces the contents with a copy of src.
	Copy(src Message) error

	// Kind returns the backend that allocated the message.
	Kind() Kind

	// Close releases the buffer.
	Close() error
}

// FreeFunc releases an external buffer adopted by a message.
type FreeFunc func(buf []byte)

// MessageOptions are the resolved CreateMessage options.
type MessageOptions struct {
	Size      int
	Alignment int
	Buffer    []byte
	Free      FreeFunc
}

// MessageOption configures CreateMessage or Rebuild.
type MessageOption func(*MessageOptions)

// WithSize allocates a buffer of n bytes.
func WithSize(n int) MessageOption {
	return func(o *MessageOptions) { o.Size = n }
}

// WithAlignment aligns the buffer start to a bytes (a power of two).
func WithAlignment(a int) MessageOption {
	return func(o *MessageOptions) { o.Alignment = a }
}

// WithBuffer adopts buf without copying. free, if set, is called once the
// transport no longer needs buf.
func WithBuffer(buf []byte, free FreeFunc) MessageOption {
	return func(o *MessageOptions) {
		o.Buffer = buf
		o.Free = free
		o.Size = len(buf)
	}
}

// ResolveOptions applies opts in order.
func ResolveOptions(opts ...MessageOption) MessageOptions {
	var o MessageOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Validate checks the options before a backend allocates.
func (o MessageOptions) Validate() error {
	if o.Size < 0 {
		return fmt.Errorf("%w: negative size %d", ErrAllocFailed, o.Size)
	}
	if o.Alignment < 0 || o.Alignment&(o.Alignment-1) != 0 {
		return fmt.Errorf("%w: alignment %d is not a power of two", ErrInvalidArgument, o.Alignment)
	}
	return nil
}

// Aligned returns a slice of n bytes whose first element is aligned to a,
// which must be a power of two.
func Aligned(n, a int) []byte {
	if a <= 1 {
		return make([]byte, n)
	}
	buf := make([]byte, n+a-1)
	off := alignOffset(buf, a)
	return buf[off : off+n : off+n]
}

// Parts is an ordered group of messages sent and received as one unit.
type Parts struct {
	msgs []Message
}

// NewParts groups msgs.
func NewParts(msgs ...Message) *Parts {
	return &Parts{msgs: msgs}
}

// Add appends a message.
func (p *Parts) Add(m Message) {
	p.msgs = append(p.msgs, m)
}

// Len returns the number of parts.
func (p *Parts) Len() int {
	return len(p.msgs)
}

// At returns part i.
func (p *Parts) At(i int) Message {
	return p.msgs[i]
}

// Messages returns the parts in order.
func (p *Parts) Messages() []Message {
	return p.msgs
}

// Size returns the total number of used bytes.
func (p *Parts) Size() int64 {
	var n int64
	for _, m := range p.msgs {
		n += int64(m.Size())
	}
	return n
}

// Reset closes and drops every part.
func (p *Parts) Reset() {
	for _, m := range p.msgs {
		_ = m.Close()
	}
	p.msgs = p.msgs[:0]
}

// Close closes every part.
func (p *Parts) Close() error {
	var first error
	for _, m := range p.msgs {
		if err := m.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
