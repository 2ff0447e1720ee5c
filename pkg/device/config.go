package device

import (
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/fmq-go/fmq/pkg/log"
	"github.com/fmq-go/fmq/pkg/property"
	"github.com/fmq-go/fmq/pkg/transport"
)

// Device property keys.
const (
	KeyID             = "id"
	KeyTransport      = "transport"
	KeySession        = "session"
	KeyShmDir         = "shm-dir"
	KeyShmSegmentSize = "shm-segment-size"
	KeyRate           = "rate"
	KeyInitTimeout    = "init-timeout"
)

// Defaults.
const (
	DefaultInitTimeout  = 120 * time.Second
	DefaultSndBufSize   = transport.DefaultSndBufSize
	DefaultRcvBufSize   = transport.DefaultRcvBufSize
	DefaultLinger       = 500 // ms
	DefaultRateLogging  = 1   // s
	DefaultPortRangeMin = 22000
	DefaultPortRangeMax = 23000
)

// Config configures a Device. Properties set in the store at
// INITIALIZING_DEVICE take precedence over these values.
type Config struct {
	// ID is the device id. Empty means the "id" property or, if that is
	// unset too, a random UUID.
	ID string

	// Transport is the default transport of channels that name none.
	Transport transport.Kind

	// Session scopes shared-memory names.
	Session string

	// ShmDir is where shared-memory segments live. Empty means /dev/shm.
	ShmDir string

	// SegmentSize is the managed shared-memory segment size.
	SegmentSize uint64

	// Rate limits ConditionalRun iterations per second; 0 is unlimited.
	Rate float64

	// InitTimeout bounds how long CONNECTING waits for connect addresses
	// to be configured.
	InitTimeout time.Duration

	// Properties is the property store. Nil creates an empty one.
	Properties *property.Store

	// Registry receives the device metrics. Nil creates a private one.
	Registry *prometheus.Registry

	// Logger for operational messages. Nil disables logging.
	Logger *slog.Logger

	// EventLogger captures device, channel and transport events.
	EventLogger log.Logger
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Transport:   transport.DefaultKind,
		Session:     "default",
		InitTimeout: DefaultInitTimeout,
	}
}

// Validate checks the config.
func (c *Config) Validate() error {
	if c.Transport != "" {
		if _, err := transport.ParseKind(string(c.Transport)); err != nil {
			return err
		}
	}
	if c.Rate < 0 {
		return fmt.Errorf("%w: negative rate %v", ErrInvalidConfig, c.Rate)
	}
	if c.InitTimeout < 0 {
		return fmt.Errorf("%w: negative init timeout", ErrInvalidConfig)
	}
	return nil
}

// Endpoint method prefixes of a channel address.
const (
	prefixBind     = '@'
	prefixConnect  = '+'
	prefixConnect2 = '>'
)

// ChannelConfig describes one sub-channel.
type ChannelConfig struct {
	// Type is push, pull, pub, sub, pair, req or rep.
	Type string

	// Method is bind or connect. It applies to endpoints without a method
	// prefix.
	Method string

	// Address lists endpoints separated by ';'. An endpoint prefixed
	// with '@' binds, one prefixed with '+' or '>' connects.
	Address string

	// Transport overrides the device transport.
	Transport transport.Kind

	SndBufSize    int
	RcvBufSize    int
	SndKernelSize int
	RcvKernelSize int

	// Linger is how long closing waits for queued data, in milliseconds.
	Linger int

	// RateLogging is the rate logging interval in seconds; 0 disables it.
	RateLogging int

	// RateLimit caps throughput in bytes per second; 0 is unlimited.
	RateLimit float64

	// AutoBind retries a failed TCP bind on random ports of the range.
	AutoBind     bool
	PortRangeMin int
	PortRangeMax int
}

// DefaultChannelConfig returns the channel defaults.
func DefaultChannelConfig() ChannelConfig {
	return ChannelConfig{
		SndBufSize:   DefaultSndBufSize,
		RcvBufSize:   DefaultRcvBufSize,
		Linger:       DefaultLinger,
		RateLogging:  DefaultRateLogging,
		AutoBind:     true,
		PortRangeMin: DefaultPortRangeMin,
		PortRangeMax: DefaultPortRangeMax,
	}
}

var illegalNameChar = regexp.MustCompile(`[^a-zA-Z0-9\-_\[\]#]`)

// Endpoint is one address of a channel with its resolved method.
type Endpoint struct {
	Bind    bool
	Address string
}

// String returns the endpoint with its method prefix.
func (e Endpoint) String() string {
	if e.Bind {
		return string(prefixBind) + e.Address
	}
	return string(prefixConnect) + e.Address
}

// Endpoints splits the address into endpoints.
func (c *ChannelConfig) Endpoints() ([]Endpoint, error) {
	if strings.TrimSpace(c.Address) == "" {
		return nil, nil
	}
	var out []Endpoint
	for raw := range strings.SplitSeq(c.Address, ";") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		var ep Endpoint
		switch raw[0] {
		case prefixBind:
			ep = Endpoint{Bind: true, Address: raw[1:]}
		case prefixConnect, prefixConnect2:
			ep = Endpoint{Address: raw[1:]}
		default:
			switch c.Method {
			case "bind":
				ep = Endpoint{Bind: true, Address: raw}
			case "connect":
				ep = Endpoint{Address: raw}
			default:
				return nil, fmt.Errorf("%w: invalid method %q for endpoint %s", ErrChannelConfig, c.Method, raw)
			}
		}
		if err := validateAddress(ep.Address); err != nil {
			return nil, err
		}
		out = append(out, ep)
	}
	return out, nil
}

func validateAddress(addr string) error {
	scheme, rest, ok := strings.Cut(addr, "://")
	if !ok {
		return fmt.Errorf("%w: address %q has no protocol", ErrChannelConfig, addr)
	}
	switch scheme {
	case "tcp":
		if !strings.Contains(rest, ":") {
			return fmt.Errorf("%w: address %q has no port", ErrChannelConfig, addr)
		}
	case "ipc", "inproc", "verbs":
		if rest == "" {
			return fmt.Errorf("%w: address %q is empty", ErrChannelConfig, addr)
		}
	default:
		return fmt.Errorf("%w: address %q has unknown protocol %q", ErrChannelConfig, addr, scheme)
	}
	return nil
}

// Validate checks the channel config. An empty address is valid; bind
// channels then get a random TCP port and connect channels wait for an
// address to be configured.
func (c *ChannelConfig) Validate(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty channel name", ErrChannelConfig)
	}
	if m := illegalNameChar.FindString(name); m != "" {
		return fmt.Errorf("%w: channel name %q contains illegal character %q", ErrChannelConfig, name, m)
	}
	if _, err := transport.ParseSocketType(c.Type); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrChannelConfig, name, err)
	}
	if c.Transport != "" {
		if _, err := transport.ParseKind(string(c.Transport)); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrChannelConfig, name, err)
		}
	}
	if c.Address == "" && c.Method != "bind" && c.Method != "connect" {
		return fmt.Errorf("%w: %s: invalid method %q", ErrChannelConfig, name, c.Method)
	}
	if _, err := c.Endpoints(); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}

	var errs []error
	for field, v := range map[string]int{
		"sndBufSize":    c.SndBufSize,
		"rcvBufSize":    c.RcvBufSize,
		"sndKernelSize": c.SndKernelSize,
		"rcvKernelSize": c.RcvKernelSize,
		"linger":        c.Linger,
		"rateLogging":   c.RateLogging,
	} {
		if v < 0 {
			errs = append(errs, fmt.Errorf("%w: %s: %s cannot be negative (%d)", ErrChannelConfig, name, field, v))
		}
	}
	if c.RateLimit < 0 {
		errs = append(errs, fmt.Errorf("%w: %s: rateLimit cannot be negative", ErrChannelConfig, name))
	}
	if c.AutoBind && (c.PortRangeMin <= 0 || c.PortRangeMax < c.PortRangeMin || c.PortRangeMax > 65535) {
		errs = append(errs, fmt.Errorf("%w: %s: invalid port range %d-%d", ErrChannelConfig, name, c.PortRangeMin, c.PortRangeMax))
	}
	return errors.Join(errs...)
}

// Properties returns the config as channel property fields.
func (c *ChannelConfig) Properties() map[string]any {
	props := map[string]any{
		"type":          c.Type,
		"method":        c.Method,
		"address":       c.Address,
		"sndBufSize":    c.SndBufSize,
		"rcvBufSize":    c.RcvBufSize,
		"sndKernelSize": c.SndKernelSize,
		"rcvKernelSize": c.RcvKernelSize,
		"linger":        c.Linger,
		"rateLogging":   c.RateLogging,
		"rateLimit":     c.RateLimit,
		"autoBind":      c.AutoBind,
		"portRangeMin":  c.PortRangeMin,
		"portRangeMax":  c.PortRangeMax,
	}
	if c.Transport != "" {
		props["transport"] = string(c.Transport)
	}
	return props
}

// channelConfigFromStore reads sub-channel index of name from the store.
func channelConfigFromStore(s *property.Store, name string, index int) (ChannelConfig, error) {
	c := DefaultChannelConfig()
	key := func(field string) string { return property.ChannelKey(name, index, field) }

	str := func(field string, dst *string) {
		if s.Has(key(field)) {
			*dst = s.GetAsString(key(field))
		}
	}
	var errs []error
	num := func(field string, dst *int) {
		if !s.Has(key(field)) {
			return
		}
		v, err := s.GetInt(key(field))
		if err != nil {
			errs = append(errs, fmt.Errorf("%w: %w", ErrChannelConfig, err))
			return
		}
		*dst = v
	}

	str("type", &c.Type)
	str("method", &c.Method)
	str("address", &c.Address)
	var kind string
	str("transport", &kind)
	if kind != "" {
		c.Transport = transport.Kind(kind)
	}
	num("sndBufSize", &c.SndBufSize)
	num("rcvBufSize", &c.RcvBufSize)
	num("sndKernelSize", &c.SndKernelSize)
	num("rcvKernelSize", &c.RcvKernelSize)
	num("linger", &c.Linger)
	num("rateLogging", &c.RateLogging)
	num("portRangeMin", &c.PortRangeMin)
	num("portRangeMax", &c.PortRangeMax)

	if s.Has(key("rateLimit")) {
		v, err := s.GetFloat(key("rateLimit"))
		if err != nil {
			errs = append(errs, fmt.Errorf("%w: %w", ErrChannelConfig, err))
		}
		c.RateLimit = v
	}
	if s.Has(key("autoBind")) {
		v, err := s.GetBool(key("autoBind"))
		if err != nil {
			errs = append(errs, fmt.Errorf("%w: %w", ErrChannelConfig, err))
		}
		c.AutoBind = v
	}

	if err := errors.Join(errs...); err != nil {
		return c, err
	}
	return c, nil
}
