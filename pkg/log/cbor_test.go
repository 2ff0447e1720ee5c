package log

import (
	"bytes"
	"testing"
	"time"
)

func TestEventEncodingPreservesPayload(t *testing.T) {
	ts := time.Date(2026, 5, 6, 7, 8, 9, 123456789, time.UTC)
	code := -1
	in := Event{
		Timestamp: ts,
		DeviceID:  "dev1",
		Direction: DirectionOut,
		Layer:     LayerTransport,
		Category:  CategoryMessage,
		Channel:   "data[1]",
		SocketID:  "dev1.data[1]",
		Frame:     CaptureFrame([]byte{1, 2, 3}, 8, true),
		Error:     &ErrorEventData{Layer: LayerTransport, Message: "boom", Code: &code},
	}

	data, err := EncodeEvent(in)
	if err != nil {
		t.Fatalf("EncodeEvent: %v", err)
	}
	out, err := DecodeEvent(data)
	if err != nil {
		t.Fatalf("DecodeEvent: %v", err)
	}

	if !out.Timestamp.Equal(ts) {
		t.Errorf("Timestamp = %v, want %v (nanoseconds must survive)", out.Timestamp, ts)
	}
	if out.Channel != "data[1]" || out.SocketID != "dev1.data[1]" {
		t.Errorf("identity = %q %q", out.Channel, out.SocketID)
	}
	if out.Frame == nil || out.Frame.Size != 8 || !out.Frame.More || !bytes.Equal(out.Frame.Data, []byte{1, 2, 3}) {
		t.Errorf("Frame = %+v", out.Frame)
	}
	if out.Error == nil || out.Error.Code == nil || *out.Error.Code != -1 {
		t.Errorf("Error = %+v", out.Error)
	}
	if out.StateChange != nil || out.Region != nil {
		t.Error("unset payloads decoded as non-nil")
	}
}

func TestEncodingIsDeterministic(t *testing.T) {
	e := Event{
		Timestamp: time.Unix(0, 42).UTC(),
		Category:  CategoryRegion,
		Region:    &RegionEventData{Kind: RegionCreated, Segment: "fmq_x_main", Size: 1024, Attachments: 1},
	}
	a, err := EncodeEvent(e)
	if err != nil {
		t.Fatal(err)
	}
	b, _ := EncodeEvent(e)
	if !bytes.Equal(a, b) {
		t.Error("two encodings of the same event differ")
	}
}

func TestCaptureFrameTruncates(t *testing.T) {
	data := make([]byte, MaxCapturedFrame+10)
	fe := CaptureFrame(data, len(data)+4, false)
	if !fe.Truncated {
		t.Error("Truncated = false for oversized frame")
	}
	if len(fe.Data) != MaxCapturedFrame {
		t.Errorf("len(Data) = %d, want %d", len(fe.Data), MaxCapturedFrame)
	}

	small := []byte{9}
	fe = CaptureFrame(small, 5, false)
	small[0] = 0
	if fe.Truncated || fe.Data[0] != 9 {
		t.Errorf("small frame = %+v, want an untruncated copy", fe)
	}
}
