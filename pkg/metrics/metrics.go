// Package metrics records channel traffic as Prometheus metrics and logs
// periodic per-channel rates.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fmq"

// Direction labels.
const (
	DirectionIn  = "in"
	DirectionOut = "out"
)

// ChannelMetrics holds the traffic metrics of one device. A nil
// *ChannelMetrics records nothing.
type ChannelMetrics struct {
	messages *prometheus.CounterVec // channel, index, direction
	bytes    *prometheus.CounterVec // channel, index, direction
	errors   *prometheus.CounterVec // channel, index, code
	parts    *prometheus.HistogramVec
	state    *prometheus.GaugeVec // state
}

// NewChannelMetrics creates the metrics for deviceID and registers them
// with reg. A nil reg disables metrics and returns nil.
func NewChannelMetrics(reg prometheus.Registerer, deviceID string) (*ChannelMetrics, error) {
	if reg == nil {
		return nil, nil
	}
	constLabels := prometheus.Labels{"device": deviceID}

	m := &ChannelMetrics{
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "channel",
			Name:        "messages_total",
			Help:        "Messages transferred per channel",
			ConstLabels: constLabels,
		}, []string{"channel", "index", "direction"}),

		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "channel",
			Name:        "bytes_total",
			Help:        "Payload bytes transferred per channel",
			ConstLabels: constLabels,
		}, []string{"channel", "index", "direction"}),

		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "channel",
			Name:        "errors_total",
			Help:        "Failed transfers per channel by transfer code",
			ConstLabels: constLabels,
		}, []string{"channel", "index", "code"}),

		parts: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "channel",
			Name:        "parts_per_transmission",
			Help:        "Number of parts per multi-part transfer",
			ConstLabels: constLabels,
			Buckets:     []float64{1, 2, 4, 8, 16, 64, 256},
		}, []string{"channel", "direction"}),

		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "device",
			Name:        "state",
			Help:        "1 for the current device state, 0 otherwise",
			ConstLabels: constLabels,
		}, []string{"state"}),
	}

	for _, c := range []prometheus.Collector{m.messages, m.bytes, m.errors, m.parts, m.state} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// RecordTransfer counts one successful transfer of parts messages
// totalling size bytes.
func (m *ChannelMetrics) RecordTransfer(channel string, index int, direction string, parts int, size int64) {
	if m == nil {
		return
	}
	idx := strconv.Itoa(index)
	m.messages.WithLabelValues(channel, idx, direction).Add(float64(parts))
	if size > 0 {
		m.bytes.WithLabelValues(channel, idx, direction).Add(float64(size))
	}
	if parts > 1 {
		m.parts.WithLabelValues(channel, direction).Observe(float64(parts))
	}
}

// RecordError counts a failed transfer by its transfer code.
func (m *ChannelMetrics) RecordError(channel string, index int, code int64) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(channel, strconv.Itoa(index), strconv.FormatInt(code, 10)).Inc()
}

// SetState marks to as the current device state.
func (m *ChannelMetrics) SetState(from, to string) {
	if m == nil {
		return
	}
	if from != "" {
		m.state.WithLabelValues(from).Set(0)
	}
	m.state.WithLabelValues(to).Set(1)
}

// Handler serves the metrics of reg in the Prometheus text format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}
