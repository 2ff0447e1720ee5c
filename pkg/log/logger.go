package log

import "time"

// Logger receives device events. Implementations must be safe for
// concurrent use and should not block.
type Logger interface {
	Log(event Event)
}

// NoopLogger discards all events.
type NoopLogger struct{}

// Log discards the event.
func (NoopLogger) Log(Event) {}

// OrNoop returns l, or NoopLogger if l is nil.
func OrNoop(l Logger) Logger {
	if l == nil {
		return NoopLogger{}
	}
	return l
}

// MultiLogger fans events out to several loggers.
type MultiLogger struct {
	loggers []Logger
}

// NewMultiLogger creates a MultiLogger. Nil loggers are skipped.
func NewMultiLogger(loggers ...Logger) *MultiLogger {
	m := &MultiLogger{}
	for _, l := range loggers {
		if l != nil {
			m.loggers = append(m.loggers, l)
		}
	}
	return m
}

// Log sends the event to every logger in order.
func (m *MultiLogger) Log(event Event) {
	for _, l := range m.loggers {
		l.Log(event)
	}
}

// Tagged fills in identity fields a component knows about itself before
// forwarding events. Fields already set on the event win.
type Tagged struct {
	next      Logger
	deviceID  string
	channel   string
	transport string
	now       func() time.Time
}

// NewTagged wraps next. A nil next discards events.
func NewTagged(next Logger, deviceID string) *Tagged {
	return &Tagged{next: OrNoop(next), deviceID: deviceID, now: time.Now}
}

// WithChannel returns a copy that also stamps the channel name.
func (t *Tagged) WithChannel(channel string) *Tagged {
	c := *t
	c.channel = channel
	return &c
}

// WithTransport returns a copy that also stamps the transport kind.
func (t *Tagged) WithTransport(kind string) *Tagged {
	c := *t
	c.transport = kind
	return &c
}

// Log stamps and forwards the event.
func (t *Tagged) Log(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = t.now()
	}
	if event.DeviceID == "" {
		event.DeviceID = t.deviceID
	}
	if event.Channel == "" {
		event.Channel = t.channel
	}
	if event.Transport == "" {
		event.Transport = t.transport
	}
	t.next.Log(event)
}

var (
	_ Logger = NoopLogger{}
	_ Logger = (*MultiLogger)(nil)
	_ Logger = (*Tagged)(nil)
)
