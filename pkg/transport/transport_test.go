package transport

import (
	"errors"
	"fmt"
	"testing"
	"unsafe"
)

func TestTransferCode(t *testing.T) {
	tests := []struct {
		err  error
		want int64
	}{
		{nil, 0},
		{ErrWouldBlock, TransferTimeout},
		{fmt.Errorf("recv: %w", ErrTimedOut), TransferTimeout},
		{ErrInterrupted, TransferInterrupted},
		{fmt.Errorf("%w: broken pipe", ErrSocketError), TransferError},
	}
	for _, tt := range tests {
		if got := TransferCode(tt.err); got != tt.want {
			t.Errorf("TransferCode(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
	if IsFatal(ErrTimedOut) || IsFatal(ErrInterrupted) || !IsFatal(ErrSocketError) {
		t.Error("IsFatal classification wrong")
	}
}

func TestParseKindAndType(t *testing.T) {
	if k, err := ParseKind("zeromq"); err != nil || k != KindSocket {
		t.Errorf("ParseKind(zeromq) = %s, %v", k, err)
	}
	if k, _ := ParseKind(""); k != DefaultKind {
		t.Errorf("empty kind = %s", k)
	}
	if _, err := ParseKind("carrier-pigeon"); !errors.Is(err, ErrUnsupportedTransport) {
		t.Errorf("unknown kind err = %v", err)
	}
	typ, err := ParseSocketType("PUB")
	if err != nil || typ != Pub || !typ.CanSend() || typ.CanReceive() {
		t.Errorf("ParseSocketType(PUB) = %s, %v", typ, err)
	}
	if !Pair.CanSend() || !Pair.CanReceive() {
		t.Error("pair must send and receive")
	}
}

func TestOFIIsUnavailable(t *testing.T) {
	_, err := NewFactory(KindOFI, Config{})
	if !errors.Is(err, ErrUnsupportedTransport) {
		t.Errorf("NewFactory(ofi) = %v", err)
	}
	_, err = NewFactory(Kind("nope"), Config{})
	if !errors.Is(err, ErrUnsupportedTransport) {
		t.Errorf("NewFactory(nope) = %v", err)
	}
}

func TestAligned(t *testing.T) {
	for _, a := range []int{0, 1, 8, 64, 4096} {
		buf := Aligned(100, a)
		if len(buf) != 100 {
			t.Fatalf("len = %d", len(buf))
		}
		if a > 1 && uintptr(unsafe.Pointer(&buf[0]))%uintptr(a) != 0 {
			t.Errorf("buffer not aligned to %d", a)
		}
	}
}

func TestResolveOptions(t *testing.T) {
	buf := make([]byte, 12)
	o := ResolveOptions(WithSize(4), WithBuffer(buf, nil), WithAlignment(16))
	if o.Size != 12 || len(o.Buffer) != 12 || o.Alignment != 16 {
		t.Errorf("options = %+v", o)
	}
}

func TestRegionFrame(t *testing.T) {
	ref := RegionRef{Segment: "fmq_0a1b2c3d_main", Offset: 4096, Size: 500, Managed: true}
	f, err := RegionFrame(ref)
	if err != nil {
		t.Fatal(err)
	}
	if !f.IsRegion() || f.More() {
		t.Errorf("flags = %08b", f.Flags)
	}
	got, err := DecodeRegionRef(f)
	if err != nil {
		t.Fatal(err)
	}
	if got != ref {
		t.Errorf("decoded %+v, want %+v", got, ref)
	}

	if _, err := DecodeRegionRef(Frame{Payload: f.Payload}); !errors.Is(err, ErrSocketError) {
		t.Errorf("inline frame decoded as region: %v", err)
	}
}

func TestInterrupter(t *testing.T) {
	i := NewInterrupter()
	done := i.Done()
	select {
	case <-done:
		t.Fatal("fresh interrupter is interrupted")
	default:
	}

	i.Interrupt()
	i.Interrupt()
	<-done
	if !i.Interrupted() {
		t.Error("Interrupted = false")
	}

	i.Resume()
	select {
	case <-i.Done():
		t.Error("Done closed after Resume")
	default:
	}
}

func TestDeadline(t *testing.T) {
	d := NewDeadline(0)
	if !d.NonBlocking || !errors.Is(d.Expired(), ErrWouldBlock) {
		t.Error("zero timeout must be non-blocking")
	}
	d = NewDeadline(-1)
	if d.C != nil || d.NonBlocking {
		t.Error("-1 must wait forever")
	}
	d = NewDeadline(5)
	<-d.C
	if !errors.Is(d.Expired(), ErrTimedOut) {
		t.Error("positive timeout must report ErrTimedOut")
	}
	d.Stop()
}

func TestMessageOptionsValidate(t *testing.T) {
	for _, a := range []int{0, 1, 2, 64, 4096} {
		if err := ResolveOptions(WithSize(8), WithAlignment(a)).Validate(); err != nil {
			t.Errorf("alignment %d: %v", a, err)
		}
	}
	for _, a := range []int{-8, 3, 24, 100} {
		err := ResolveOptions(WithSize(8), WithAlignment(a)).Validate()
		if !errors.Is(err, ErrInvalidArgument) {
			t.Errorf("alignment %d: err = %v, want ErrInvalidArgument", a, err)
		}
	}
	if err := ResolveOptions(WithSize(-1)).Validate(); !errors.Is(err, ErrAllocFailed) {
		t.Errorf("negative size: err = %v, want ErrAllocFailed", err)
	}
}
