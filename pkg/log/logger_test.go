package log

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
	"time"
)

type recordingLogger struct {
	events []Event
}

func (r *recordingLogger) Log(event Event) {
	r.events = append(r.events, event)
}

func TestMultiLoggerSkipsNil(t *testing.T) {
	a := &recordingLogger{}
	b := &recordingLogger{}
	multi := NewMultiLogger(a, nil, b)

	multi.Log(Event{Channel: "data[0]"})

	for i, r := range []*recordingLogger{a, b} {
		if len(r.events) != 1 {
			t.Fatalf("logger %d: got %d events, want 1", i, len(r.events))
		}
		if r.events[0].Channel != "data[0]" {
			t.Errorf("logger %d: Channel = %q", i, r.events[0].Channel)
		}
	}
}

func TestTaggedStampsIdentity(t *testing.T) {
	rec := &recordingLogger{}
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 6, time.UTC)

	base := NewTagged(rec, "sampler1")
	base.now = func() time.Time { return fixed }
	ch := base.WithChannel("data[0]").WithTransport("shmem")

	ch.Log(Event{Category: CategoryMessage})
	ch.Log(Event{DeviceID: "other", Channel: "ctl[1]"})
	base.Log(Event{})

	if len(rec.events) != 3 {
		t.Fatalf("got %d events, want 3", len(rec.events))
	}
	e := rec.events[0]
	if e.DeviceID != "sampler1" || e.Channel != "data[0]" || e.Transport != "shmem" {
		t.Errorf("stamped event = %+v", e)
	}
	if !e.Timestamp.Equal(fixed) {
		t.Errorf("Timestamp = %v, want %v", e.Timestamp, fixed)
	}
	if rec.events[1].DeviceID != "other" || rec.events[1].Channel != "ctl[1]" {
		t.Errorf("explicit fields overwritten: %+v", rec.events[1])
	}
	if rec.events[2].Channel != "" {
		t.Errorf("WithChannel leaked into parent: %q", rec.events[2].Channel)
	}
}

func TestTaggedNilNext(t *testing.T) {
	NewTagged(nil, "dev").Log(Event{})
}

func TestSlogAdapterAttributes(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	adapter := NewSlogAdapter(logger)

	adapter.Log(Event{
		DeviceID:    "dev1",
		Channel:     "data[0]",
		Layer:       LayerDevice,
		Category:    CategoryState,
		StateChange: &StateChangeEvent{
			Entity:     StateEntityDevice,
			OldState:   "READY",
			NewState:   "RUNNING",
			Transition: "RUN",
		},
	})

	out := buf.String()
	for _, want := range []string{
		"device_id=dev1",
		"channel=data[0]",
		"layer=DEVICE",
		"category=STATE",
		"old_state=READY",
		"new_state=RUNNING",
		"transition=RUN",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q: %s", want, out)
		}
	}
}

func TestSlogAdapterRegionAndError(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	adapter := NewSlogAdapter(logger)

	code := -2
	adapter.Log(Event{Category: CategoryRegion, Region: &RegionEventData{Kind: RegionDestroyed, Segment: "fmq_abcd1234_rg_3", RegionID: 3}})
	adapter.Log(Event{Category: CategoryError, Error: &ErrorEventData{Layer: LayerChannel, Message: "timed out", Code: &code}})

	out := buf.String()
	for _, want := range []string{"region_event=DESTROYED", "segment=fmq_abcd1234_rg_3", "error_msg=\"timed out\"", "error_code=-2"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q: %s", want, out)
		}
	}
}

func TestEnumStrings(t *testing.T) {
	tests := []struct {
		got, want string
	}{
		{DirectionIn.String(), "IN"},
		{Direction(9).String(), "UNKNOWN"},
		{LayerChannel.String(), "CHANNEL"},
		{Layer(9).String(), "UNKNOWN"},
		{CategoryRegion.String(), "REGION"},
		{Category(9).String(), "UNKNOWN"},
		{StateEntityPeer.String(), "PEER"},
		{RegionAttached.String(), "ATTACHED"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("got %q, want %q", tt.got, tt.want)
		}
	}
}
