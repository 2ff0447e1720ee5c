package log

import (
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTestLog(t *testing.T, events []Event) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.flog")

	logger, err := NewFileLogger(path)
	if err != nil {
		t.Fatalf("NewFileLogger: %v", err)
	}
	for _, e := range events {
		logger.Log(e)
	}
	if err := logger.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	return path
}

func readAll(t *testing.T, r *Reader) []Event {
	t.Helper()
	var out []Event
	for {
		e, err := r.Next()
		if err == io.EOF {
			return out
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		out = append(out, e)
	}
}

func TestReaderFilters(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	events := []Event{
		{Timestamp: base, DeviceID: "a", Channel: "data[0]", Direction: DirectionOut, Layer: LayerTransport, Category: CategoryMessage},
		{Timestamp: base.Add(time.Second), DeviceID: "a", Layer: LayerDevice, Category: CategoryState},
		{Timestamp: base.Add(2 * time.Second), DeviceID: "b", Channel: "data[0]", Direction: DirectionIn, Layer: LayerTransport, Category: CategoryMessage},
		{Timestamp: base.Add(3 * time.Second), DeviceID: "b", Layer: LayerDevice, Category: CategoryRegion},
	}
	path := writeTestLog(t, events)

	in := DirectionIn
	state := CategoryState
	transport := LayerTransport
	start := base.Add(time.Second)
	end := base.Add(3 * time.Second)

	tests := []struct {
		name   string
		filter Filter
		want   []string // device ids in order
	}{
		{"all", Filter{}, []string{"a", "a", "b", "b"}},
		{"device", Filter{DeviceID: "b"}, []string{"b", "b"}},
		{"channel", Filter{Channel: "data[0]"}, []string{"a", "b"}},
		{"direction", Filter{Direction: &in, Layer: &transport}, []string{"b"}},
		{"category", Filter{Category: &state}, []string{"a"}},
		{"time window", Filter{TimeStart: &start, TimeEnd: &end}, []string{"a", "b"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := NewFilteredReader(path, tt.filter)
			if err != nil {
				t.Fatalf("NewFilteredReader: %v", err)
			}
			defer r.Close()

			got := readAll(t, r)
			if len(got) != len(tt.want) {
				t.Fatalf("got %d events, want %d", len(got), len(tt.want))
			}
			for i, e := range got {
				if e.DeviceID != tt.want[i] {
					t.Errorf("event %d DeviceID = %q, want %q", i, e.DeviceID, tt.want[i])
				}
			}
		})
	}
}

func TestReaderTruncatedTail(t *testing.T) {
	path := writeTestLog(t, []Event{
		{DeviceID: "a", Category: CategoryMessage},
		{DeviceID: "b", Category: CategoryMessage},
	})
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data[:len(data)-2], 0o644); err != nil {
		t.Fatal(err)
	}

	r, err := NewReader(path)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	got := readAll(t, r)
	if len(got) != 1 || got[0].DeviceID != "a" {
		t.Errorf("got %+v, want only the complete first event", got)
	}
}

func TestReaderMissingFile(t *testing.T) {
	if _, err := NewReader(filepath.Join(t.TempDir(), "nope.flog")); err == nil {
		t.Error("expected error for missing file")
	}
}
