package transport

// FrameReadWriter provides framed I/O on one stream.
// Implemented by Framer.
type FrameReadWriter interface {
	ReadFrame() (Frame, error)
	ReadTransmission(onControl func(Frame)) ([]Frame, error)
	WriteFrame(f Frame) error
	WriteFrames(frames []Frame) error
}

var _ FrameReadWriter = (*Framer)(nil)
