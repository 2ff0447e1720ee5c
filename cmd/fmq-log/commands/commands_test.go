package commands

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fmq-go/fmq/pkg/log"
)

var baseTime = time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)

func createTestLogFile(t *testing.T, events []log.Event) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "events.flog")
	logger, err := log.NewFileLogger(path)
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

func sampleEvents() []log.Event {
	code := -2
	return []log.Event{
		{
			Timestamp:   baseTime,
			DeviceID:    "sampler1",
			Layer:       log.LayerDevice,
			Category:    log.CategoryState,
			StateChange: &log.StateChangeEvent{
				Entity:     log.StateEntityDevice,
				OldState:   "READY",
				NewState:   "RUNNING",
				Transition: "RUN",
			},
		},
		{
			Timestamp:  baseTime.Add(time.Millisecond),
			DeviceID:   "sampler1",
			Channel:    "data[0]",
			SocketID:   "sampler1.data[0]",
			Transport:  "socket",
			RemoteAddr: "127.0.0.1:22001",
			Direction:  log.DirectionOut,
			Layer:      log.LayerTransport,
			Category:   log.CategoryMessage,
			Frame:      &log.FrameEvent{Size: 128, Data: []byte{0xde, 0xad}, Truncated: true, More: true},
		},
		{
			Timestamp: baseTime.Add(2 * time.Millisecond),
			DeviceID:  "sink1",
			Channel:   "data[0]",
			Direction: log.DirectionIn,
			Layer:     log.LayerTransport,
			Category:  log.CategoryMessage,
			Frame:     &log.FrameEvent{Size: 128},
		},
		{
			Timestamp: baseTime.Add(3 * time.Millisecond),
			DeviceID:  "sink1",
			Layer:     log.LayerDevice,
			Category:  log.CategoryRegion,
			Region:    &log.RegionEventData{Kind: log.RegionCreated, Segment: "fmq_default_main", RegionID: 1, Size: 4096},
		},
		{
			Timestamp: baseTime.Add(time.Second),
			DeviceID:  "sink1",
			Channel:   "data[0]",
			Layer:     log.LayerChannel,
			Category:  log.CategoryError,
			Error:     &log.ErrorEventData{Layer: log.LayerChannel, Message: "timed out", Code: &code, Context: "receive"},
		},
	}
}

func TestFormatEvent(t *testing.T) {
	events := sampleEvents()
	tests := []struct {
		name  string
		event log.Event
		want  []string
	}{
		{"state", events[0], []string{"2026-03-02T09:30:00.000000Z", "[sampler1]", "DEVICE State", "READY -> RUNNING", "Transition: RUN"}},
		{"frame", events[1], []string{"[sampler1/data[0]]", "OUT TRANSPORT Frame", "peer 127.0.0.1:22001", "128 bytes (more)", "dead (truncated)"}},
		{"region", events[3], []string{"Region", "CREATED fmq_default_main region 1, 4096 bytes"}},
		{"error", events[4], []string{"Message: timed out", "Code: -2", "Context: receive"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			formatEvent(&buf, tt.event)
			for _, s := range tt.want {
				if !strings.Contains(buf.String(), s) {
					t.Errorf("output missing %q:\n%s", s, buf.String())
				}
			}
		})
	}
}

func TestRunViewFilters(t *testing.T) {
	path := createTestLogFile(t, sampleEvents())

	dir := log.DirectionIn
	layer := log.LayerTransport
	var buf bytes.Buffer
	if err := RunView(path, log.Filter{Direction: &dir, Layer: &layer}, &buf); err != nil {
		t.Fatalf("RunView: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "[sink1/data[0]]") {
		t.Errorf("expected the incoming frame, got:\n%s", out)
	}
	if strings.Contains(out, "sampler1") {
		t.Errorf("outgoing events should be filtered, got:\n%s", out)
	}
}

func TestRunViewMissingFile(t *testing.T) {
	if err := RunView(filepath.Join(t.TempDir(), "nope.flog"), log.Filter{}, io.Discard); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestFilterOptionsBuild(t *testing.T) {
	f, err := FilterOptions{
		DeviceID:  "sink1",
		TimeStart: "2026-03-02T09:30:00Z",
		Layer:     "Channel",
		Direction: "IN",
		Category:  "region",
	}.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if f.DeviceID != "sink1" || *f.Layer != log.LayerChannel || *f.Direction != log.DirectionIn || *f.Category != log.CategoryRegion {
		t.Errorf("unexpected filter %+v", f)
	}
	if !f.TimeStart.Equal(baseTime) {
		t.Errorf("TimeStart = %v", f.TimeStart)
	}

	for _, bad := range []FilterOptions{
		{Layer: "wire"},
		{Direction: "sideways"},
		{Category: "snapshot"},
		{TimeEnd: "yesterday"},
	} {
		if _, err := bad.Build(); err == nil {
			t.Errorf("Build(%+v) should fail", bad)
		}
	}
}

func TestRunStats(t *testing.T) {
	path := createTestLogFile(t, sampleEvents())

	var buf bytes.Buffer
	if err := RunStats(path, &buf); err != nil {
		t.Fatalf("RunStats: %v", err)
	}
	out := buf.String()
	for _, want := range []string{
		"Total Events: 5",
		"TRANSPORT:   2",
		"REGION:      1",
		"Channels: 2",
		"[sampler1/data[0]] 1 events",
		"Out: 1 frames, 128 bytes",
		"[sink1/data[0]] 2 events, duration 998ms",
		"Errors: 1",
		"Duration:   1s",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("stats missing %q:\n%s", want, out)
		}
	}
}

func TestRunExport(t *testing.T) {
	path := createTestLogFile(t, sampleEvents())
	dir := t.TempDir()

	jsonPath := filepath.Join(dir, "out.jsonl")
	if err := RunExport(path, "jsonl", jsonPath, log.Filter{}); err != nil {
		t.Fatalf("RunExport jsonl: %v", err)
	}
	data, err := os.ReadFile(jsonPath)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 5 {
		t.Fatalf("got %d JSON lines, want 5", len(lines))
	}
	var first map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("line 0 is not JSON: %v", err)
	}
	if first["DeviceID"] != "sampler1" {
		t.Errorf("DeviceID = %v", first["DeviceID"])
	}

	csvPath := filepath.Join(dir, "out.csv")
	cat := log.CategoryMessage
	if err := RunExport(path, "csv", csvPath, log.Filter{Category: &cat}); err != nil {
		t.Fatalf("RunExport csv: %v", err)
	}
	f, err := os.Open(csvPath)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("parse csv: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("got %d rows, want header + 2", len(rows))
	}
	if rows[1][2] != "data[0]" || rows[1][8] != "frame" || rows[1][9] != "128" {
		t.Errorf("unexpected row %v", rows[1])
	}

	if err := RunExport(path, "xml", "", log.Filter{}); err == nil {
		t.Error("expected error for unknown format")
	}
}

func TestRunFilter(t *testing.T) {
	path := createTestLogFile(t, sampleEvents())
	out := filepath.Join(t.TempDir(), "sink.flog")

	n, err := RunFilter(path, out, log.Filter{DeviceID: "sink1"})
	if err != nil {
		t.Fatalf("RunFilter: %v", err)
	}
	if n != 3 {
		t.Errorf("filtered %d events, want 3", n)
	}

	r, err := log.NewReader(out)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	count := 0
	for {
		e, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		if e.DeviceID != "sink1" {
			t.Errorf("unexpected device %q", e.DeviceID)
		}
		count++
	}
	if count != 3 {
		t.Errorf("read back %d events, want 3", count)
	}
}
