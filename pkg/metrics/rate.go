package metrics

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultRateTick is how often the rate logger checks its channels.
const DefaultRateTick = time.Second

// Counters is the traffic counter set of a socket.
type Counters interface {
	BytesTx() uint64
	BytesRx() uint64
	MessagesTx() uint64
	MessagesRx() uint64
}

// Rate is the traffic of one channel over one logging interval.
type Rate struct {
	Name      string
	MsgsIn    float64 // per second
	MsgsOut   float64
	MBIn      float64 // megabytes per second
	MBOut     float64
	Interval  time.Duration
	Timestamp time.Time
}

type rateEntry struct {
	name  string
	src   Counters
	every time.Duration

	last    time.Time
	bytesTx uint64
	bytesRx uint64
	msgsTx  uint64
	msgsRx  uint64
}

// RateLogger periodically logs the throughput of registered channels.
type RateLogger struct {
	logger *slog.Logger
	tick   time.Duration

	mu      sync.Mutex
	entries []*rateEntry
}

// NewRateLogger creates a rate logger. A tick <= 0 uses DefaultRateTick.
func NewRateLogger(logger *slog.Logger, tick time.Duration) *RateLogger {
	if tick <= 0 {
		tick = DefaultRateTick
	}
	return &RateLogger{logger: logger, tick: tick}
}

// Add logs the rates of src every interval under name. A non-positive
// interval disables logging for src.
func (r *RateLogger) Add(name string, src Counters, every time.Duration) {
	if every <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, &rateEntry{
		name:    name,
		src:     src,
		every:   every,
		last:    time.Now(),
		bytesTx: src.BytesTx(),
		bytesRx: src.BytesRx(),
		msgsTx:  src.MessagesTx(),
		msgsRx:  src.MessagesRx(),
	})
}

// Len returns the number of logged channels.
func (r *RateLogger) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Run logs rates until ctx is done.
func (r *RateLogger) Run(ctx context.Context) {
	ticker := time.NewTicker(r.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, rate := range r.sample(now) {
				r.log(rate)
			}
		}
	}
}

// sample returns the rates of every entry whose interval elapsed by now.
func (r *RateLogger) sample(now time.Time) []Rate {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Rate
	for _, e := range r.entries {
		elapsed := now.Sub(e.last)
		if elapsed < e.every {
			continue
		}
		secs := elapsed.Seconds()
		bytesTx, bytesRx := e.src.BytesTx(), e.src.BytesRx()
		msgsTx, msgsRx := e.src.MessagesTx(), e.src.MessagesRx()

		out = append(out, Rate{
			Name:      e.name,
			MsgsIn:    float64(msgsRx-e.msgsRx) / secs,
			MsgsOut:   float64(msgsTx-e.msgsTx) / secs,
			MBIn:      float64(bytesRx-e.bytesRx) / 1e6 / secs,
			MBOut:     float64(bytesTx-e.bytesTx) / 1e6 / secs,
			Interval:  elapsed,
			Timestamp: now,
		})

		e.last = now
		e.bytesTx, e.bytesRx, e.msgsTx, e.msgsRx = bytesTx, bytesRx, msgsTx, msgsRx
	}
	return out
}

func (r *RateLogger) log(rate Rate) {
	if r.logger == nil {
		return
	}
	r.logger.Info("channel rate",
		"channel", rate.Name,
		"in_msg_s", rate.MsgsIn,
		"in_mb_s", rate.MBIn,
		"out_msg_s", rate.MsgsOut,
		"out_mb_s", rate.MBOut,
	)
}
