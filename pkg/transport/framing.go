package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/fmq-go/fmq/pkg/log"
)

// Framing constants.
const (
	// LengthPrefixSize is the size of the length prefix in bytes.
	LengthPrefixSize = 4

	// FlagSize is the size of the per-frame flag field.
	FlagSize = 1

	// DefaultMaxFrameSize bounds a single frame (256 MiB).
	DefaultMaxFrameSize = 256 << 20
)

// Frame flags.
const (
	// FlagMore marks a part that is followed by another part of the same
	// transmission.
	FlagMore byte = 1 << 0

	// FlagRegion marks a payload that is an encoded RegionRef rather than
	// the part's bytes.
	FlagRegion byte = 1 << 1

	// FlagPing and FlagPong are peer liveness control frames. They never
	// carry parts.
	FlagPing byte = 1 << 2
	FlagPong byte = 1 << 3
)

// Framing errors.
var (
	ErrFrameTooLarge  = errors.New("frame too large")
	ErrFrameEmpty     = errors.New("frame is empty")
	ErrFrameTruncated = errors.New("frame truncated")
	ErrNoFrames       = errors.New("no frames to write")
)

// Frame is one part on the wire: a flag byte and a payload.
type Frame struct {
	Flags   byte
	Payload []byte
}

// More reports whether another part follows.
func (f Frame) More() bool { return f.Flags&FlagMore != 0 }

// IsRegion reports whether the payload is a region reference.
func (f Frame) IsRegion() bool { return f.Flags&FlagRegion != 0 }

// IsControl reports whether the frame is a liveness control frame.
func (f Frame) IsControl() bool { return f.Flags&(FlagPing|FlagPong) != 0 }

// FrameWriter writes length-prefixed frames.
type FrameWriter struct {
	w            io.Writer
	maxFrameSize uint32
	mu           sync.Mutex

	logger log.Logger
	connID string
}

// NewFrameWriter creates a frame writer with the default size bound.
func NewFrameWriter(w io.Writer) *FrameWriter {
	return NewFrameWriterWithMaxSize(w, DefaultMaxFrameSize)
}

// NewFrameWriterWithMaxSize creates a frame writer with a custom bound.
func NewFrameWriterWithMaxSize(w io.Writer, maxSize uint32) *FrameWriter {
	return &FrameWriter{w: w, maxFrameSize: maxSize}
}

// SetLogger configures frame logging. Pass nil to disable it.
func (fw *FrameWriter) SetLogger(logger log.Logger, connID string) {
	fw.logger = logger
	fw.connID = connID
}

// WriteFrame writes a single frame.
func (fw *FrameWriter) WriteFrame(f Frame) error {
	return fw.WriteFrames([]Frame{f})
}

// WriteFrames writes frames as one transmission: FlagMore is set on every
// frame but the last and no other writer can interleave.
func (fw *FrameWriter) WriteFrames(frames []Frame) error {
	if len(frames) == 0 {
		return ErrNoFrames
	}
	for _, f := range frames {
		if uint64(len(f.Payload))+FlagSize > uint64(fw.maxFrameSize) {
			return fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, len(f.Payload)+FlagSize, fw.maxFrameSize)
		}
	}

	fw.mu.Lock()
	defer fw.mu.Unlock()

	var hdr [LengthPrefixSize + FlagSize]byte
	for i, f := range frames {
		flags := f.Flags &^ FlagMore
		if i < len(frames)-1 {
			flags |= FlagMore
		}
		binary.BigEndian.PutUint32(hdr[:LengthPrefixSize], uint32(len(f.Payload)+FlagSize))
		hdr[LengthPrefixSize] = flags

		if _, err := fw.w.Write(hdr[:]); err != nil {
			return fmt.Errorf("failed to write frame header: %w", err)
		}
		if len(f.Payload) > 0 {
			if _, err := fw.w.Write(f.Payload); err != nil {
				return fmt.Errorf("failed to write payload: %w", err)
			}
		}

		if fw.logger != nil {
			fw.logger.Log(frameEvent(fw.connID, log.DirectionOut, f.Payload, flags))
		}
	}
	return nil
}

// FrameReader reads length-prefixed frames.
type FrameReader struct {
	r            io.Reader
	maxFrameSize uint32
	hdr          [LengthPrefixSize + FlagSize]byte

	logger log.Logger
	connID string
}

// NewFrameReader creates a frame reader with the default size bound.
func NewFrameReader(r io.Reader) *FrameReader {
	return NewFrameReaderWithMaxSize(r, DefaultMaxFrameSize)
}

// NewFrameReaderWithMaxSize creates a frame reader with a custom bound.
func NewFrameReaderWithMaxSize(r io.Reader, maxSize uint32) *FrameReader {
	return &FrameReader{r: r, maxFrameSize: maxSize}
}

// SetLogger configures frame logging. Pass nil to disable it.
func (fr *FrameReader) SetLogger(logger log.Logger, connID string) {
	fr.logger = logger
	fr.connID = connID
}

// ReadFrame reads one frame. io.EOF is returned only on a clean frame
// boundary.
func (fr *FrameReader) ReadFrame() (Frame, error) {
	if _, err := io.ReadFull(fr.r, fr.hdr[:LengthPrefixSize]); err != nil {
		if err == io.EOF {
			return Frame{}, err
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, ErrFrameTruncated
		}
		return Frame{}, fmt.Errorf("failed to read length prefix: %w", err)
	}

	length := binary.BigEndian.Uint32(fr.hdr[:LengthPrefixSize])
	if length == 0 {
		return Frame{}, ErrFrameEmpty
	}
	if length > fr.maxFrameSize {
		return Frame{}, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, length, fr.maxFrameSize)
	}

	if _, err := io.ReadFull(fr.r, fr.hdr[LengthPrefixSize:]); err != nil {
		return Frame{}, ErrFrameTruncated
	}
	f := Frame{Flags: fr.hdr[LengthPrefixSize], Payload: make([]byte, length-FlagSize)}
	if _, err := io.ReadFull(fr.r, f.Payload); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || err == io.EOF {
			return Frame{}, ErrFrameTruncated
		}
		return Frame{}, fmt.Errorf("failed to read payload: %w", err)
	}

	if fr.logger != nil {
		fr.logger.Log(frameEvent(fr.connID, log.DirectionIn, f.Payload, f.Flags))
	}
	return f, nil
}

// ReadTransmission reads frames up to and including the first one without
// FlagMore. Control frames are passed to onControl and skipped.
func (fr *FrameReader) ReadTransmission(onControl func(Frame)) ([]Frame, error) {
	var frames []Frame
	for {
		f, err := fr.ReadFrame()
		if err != nil {
			if err == io.EOF && len(frames) > 0 {
				return nil, ErrFrameTruncated
			}
			return nil, err
		}
		if f.IsControl() {
			if onControl != nil {
				onControl(f)
			}
			continue
		}
		frames = append(frames, f)
		if !f.More() {
			return frames, nil
		}
	}
}

func frameEvent(connID string, dir log.Direction, payload []byte, flags byte) log.Event {
	cat := log.CategoryMessage
	if flags&(FlagPing|FlagPong) != 0 {
		cat = log.CategoryControl
	}
	return log.Event{
		SocketID:  connID,
		Direction: dir,
		Layer:     log.LayerTransport,
		Category:  cat,
		Frame:     log.CaptureFrame(payload, FrameSize(len(payload)), flags&FlagMore != 0),
	}
}

// Framer combines frame reading and writing on one stream.
type Framer struct {
	*FrameReader
	*FrameWriter
}

// NewFramer creates a framer with the default size bound.
func NewFramer(rw io.ReadWriter) *Framer {
	return NewFramerWithMaxSize(rw, DefaultMaxFrameSize)
}

// NewFramerWithMaxSize creates a framer with a custom size bound.
func NewFramerWithMaxSize(rw io.ReadWriter, maxSize uint32) *Framer {
	return &Framer{
		FrameReader: NewFrameReaderWithMaxSize(rw, maxSize),
		FrameWriter: NewFrameWriterWithMaxSize(rw, maxSize),
	}
}

// SetLogger configures logging for both directions.
func (f *Framer) SetLogger(logger log.Logger, connID string) {
	f.FrameReader.SetLogger(logger, connID)
	f.FrameWriter.SetLogger(logger, connID)
}

// FrameSize returns the wire size of a frame carrying payloadSize bytes.
func FrameSize(payloadSize int) int {
	return LengthPrefixSize + FlagSize + payloadSize
}
