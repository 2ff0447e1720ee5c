package metrics

import (
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannelMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewChannelMetrics(reg, "dev1")
	require.NoError(t, err)

	m.RecordTransfer("data", 0, DirectionOut, 3, 510)
	m.RecordTransfer("data", 0, DirectionOut, 1, 10)
	m.RecordError("data", 0, -2)
	m.SetState("", "IDLE")
	m.SetState("IDLE", "RUNNING")

	out := map[string]string{"channel": "data", "index": "0", "direction": DirectionOut}
	assert.Equal(t, 4.0, gather(t, reg, "fmq_channel_messages_total", out))
	assert.Equal(t, 520.0, gather(t, reg, "fmq_channel_bytes_total", out))
	assert.Equal(t, 1.0, gather(t, reg, "fmq_channel_errors_total", map[string]string{"code": "-2"}))
	assert.Equal(t, 0.0, gather(t, reg, "fmq_device_state", map[string]string{"state": "IDLE"}))
	assert.Equal(t, 1.0, gather(t, reg, "fmq_device_state", map[string]string{"state": "RUNNING"}))

	// Registering a second device's metrics on the same registry conflicts
	// only if the device id matches.
	_, err = NewChannelMetrics(reg, "dev1")
	assert.Error(t, err)
}

// gather returns the value of the first sample of family name whose labels
// include want.
func gather(t *testing.T, reg *prometheus.Registry, name string, want map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)

	for _, f := range families {
		if f.GetName() != name {
			continue
		}
	metrics:
		for _, m := range f.GetMetric() {
			labels := make(map[string]string)
			for _, lp := range m.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			for k, v := range want {
				if labels[k] != v {
					continue metrics
				}
			}
			if c := m.GetCounter(); c != nil {
				return c.GetValue()
			}
			return m.GetGauge().GetValue()
		}
	}
	t.Fatalf("no sample of %s with labels %v", name, want)
	return 0
}

func TestNilMetrics(t *testing.T) {
	m, err := NewChannelMetrics(nil, "dev")
	require.NoError(t, err)
	assert.Nil(t, m)

	// Must not panic.
	m.RecordTransfer("x", 0, DirectionIn, 1, 1)
	m.RecordError("x", 0, -1)
	m.SetState("", "IDLE")
}

func TestHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewChannelMetrics(reg, "dev1")
	require.NoError(t, err)
	m.RecordTransfer("data", 1, DirectionIn, 1, 100)

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `fmq_channel_bytes_total{channel="data",device="dev1",direction="in",index="1"} 100`), body)
}

type fakeCounters struct {
	bytesTx, bytesRx, msgsTx, msgsRx atomic.Uint64
}

func (f *fakeCounters) BytesTx() uint64    { return f.bytesTx.Load() }
func (f *fakeCounters) BytesRx() uint64    { return f.bytesRx.Load() }
func (f *fakeCounters) MessagesTx() uint64 { return f.msgsTx.Load() }
func (f *fakeCounters) MessagesRx() uint64 { return f.msgsRx.Load() }

func TestRateLoggerSample(t *testing.T) {
	r := NewRateLogger(nil, 0)
	c := &fakeCounters{}
	r.Add("data[0]", c, 2*time.Second)
	r.Add("off", c, 0)
	require.Equal(t, 1, r.Len())

	start := r.entries[0].last
	c.msgsTx.Store(100)
	c.bytesTx.Store(4_000_000)
	c.msgsRx.Store(10)

	assert.Empty(t, r.sample(start.Add(time.Second)), "interval not yet elapsed")

	rates := r.sample(start.Add(2 * time.Second))
	require.Len(t, rates, 1)
	assert.Equal(t, "data[0]", rates[0].Name)
	assert.InDelta(t, 50.0, rates[0].MsgsOut, 1e-9)
	assert.InDelta(t, 2.0, rates[0].MBOut, 1e-9)
	assert.InDelta(t, 5.0, rates[0].MsgsIn, 1e-9)

	// Counters are re-based after each sample.
	rates = r.sample(start.Add(4 * time.Second))
	require.Len(t, rates, 1)
	assert.Zero(t, rates[0].MsgsOut)
}
