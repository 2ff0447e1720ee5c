package shm

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestShmID(t *testing.T) {
	a := ShmID("session", 1000)
	if len(a) != 8 {
		t.Errorf("ShmID length = %d, want 8", len(a))
	}
	if ShmID("session", 1000) != a {
		t.Error("ShmID is not deterministic")
	}
	if ShmID("session", 1001) == a || ShmID("other", 1000) == a {
		t.Error("ShmID does not depend on session and uid")
	}
	if got := MainName(a); got != "fmq_"+a+"_main" {
		t.Errorf("MainName = %q", got)
	}
	if got := RegionName(a, 3); got != "fmq_"+a+"_rg_3" {
		t.Errorf("RegionName = %q", got)
	}
}

func TestSegmentCounterAndRemoval(t *testing.T) {
	dir := t.TempDir()

	owner, err := CreateSegment(dir, "seg", 4096, 7)
	if err != nil {
		t.Fatalf("CreateSegment: %v", err)
	}
	if !owner.Created() {
		t.Error("creator should report Created")
	}
	if _, err := CreateSegment(dir, "seg", 4096, 0); !errors.Is(err, os.ErrExist) {
		t.Errorf("second create error = %v, want os.ErrExist", err)
	}

	other, err := OpenSegment(dir, "seg")
	if err != nil {
		t.Fatalf("OpenSegment: %v", err)
	}
	if other.Flags() != 7 {
		t.Errorf("Flags = %d, want 7", other.Flags())
	}
	if n := owner.Attachments(); n != 2 {
		t.Errorf("Attachments = %d, want 2", n)
	}
	if n, err := ReadCounter(dir, "seg"); err != nil || n != 2 {
		t.Errorf("ReadCounter = %d, %v; want 2", n, err)
	}

	// Writes through one mapping are visible through the other.
	b, err := owner.Alloc(16)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	data, _ := owner.Bytes(b.Offset, b.Size)
	copy(data, "shared payload!!")
	seen, err := other.Bytes(b.Offset, b.Size)
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}
	if string(seen) != "shared payload!!" {
		t.Errorf("remote view = %q", seen)
	}
	if err := other.Free(b); err != nil {
		t.Errorf("Free from the other mapping: %v", err)
	}

	left, err := owner.Close()
	if err != nil || left != 1 {
		t.Fatalf("owner Close = %d, %v; want 1", left, err)
	}
	if _, err := os.Stat(filepath.Join(dir, "seg")); err != nil {
		t.Errorf("file removed while still attached: %v", err)
	}
	left, err = other.Close()
	if err != nil || left != 0 {
		t.Fatalf("last Close = %d, %v; want 0", left, err)
	}
	if _, err := os.Stat(filepath.Join(dir, "seg")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("file still present after last detach: %v", err)
	}
	if _, err := other.Close(); !errors.Is(err, ErrSegmentClosed) {
		t.Errorf("double Close error = %v, want ErrSegmentClosed", err)
	}
}

func TestOpenRejectsForeignFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "junk"), make([]byte, 4096), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := OpenSegment(dir, "junk"); !errors.Is(err, ErrBadSegment) {
		t.Errorf("OpenSegment error = %v, want ErrBadSegment", err)
	}
	if _, err := OpenSegment(dir, "missing"); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("OpenSegment error = %v, want os.ErrNotExist", err)
	}
}

func TestCreateOrOpen(t *testing.T) {
	dir := t.TempDir()
	a, err := CreateOrOpen(dir, "main", 8192, 0)
	if err != nil {
		t.Fatalf("CreateOrOpen: %v", err)
	}
	b, err := CreateOrOpen(dir, "main", 8192, 0)
	if err != nil {
		t.Fatalf("CreateOrOpen: %v", err)
	}
	if !a.Created() || b.Created() {
		t.Errorf("Created = %v, %v; want true, false", a.Created(), b.Created())
	}
	b.Close()
	a.Close()
}

func TestPinnedSegmentOutlivesClose(t *testing.T) {
	dir := t.TempDir()
	seg, err := CreateSegment(dir, "pinned", 4096, 0)
	if err != nil {
		t.Fatalf("CreateSegment: %v", err)
	}
	if err := seg.Pin(); err != nil {
		t.Fatalf("Pin: %v", err)
	}
	b, err := seg.Alloc(32)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}

	if left, err := seg.Close(); err != nil || left != 0 {
		t.Fatalf("Close = %d, %v", left, err)
	}
	if _, err := os.Stat(filepath.Join(dir, "pinned")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("backing file still present: %v", err)
	}
	if err := seg.Pin(); !errors.Is(err, ErrSegmentClosed) {
		t.Errorf("Pin after Close = %v, want ErrSegmentClosed", err)
	}

	// The view still owns a mapping.
	if err := seg.Free(b); err != nil {
		t.Errorf("Free after Close: %v", err)
	}
	if n := seg.Pinned(); n != 1 {
		t.Errorf("Pinned = %d, want 1", n)
	}
	if err := seg.Unpin(); err != nil {
		t.Errorf("Unpin: %v", err)
	}
	if err := seg.Unpin(); !errors.Is(err, ErrSegmentClosed) {
		t.Errorf("extra Unpin = %v, want ErrSegmentClosed", err)
	}
}
