package slicefile

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func openTemp(t *testing.T, maxSliceSize int64) (*Accessor, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "store.dat")
	a := New(path, maxSliceSize)
	if err := a.Open(false); err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a, path
}

func TestAccessor_WriteReadRoundTrip(t *testing.T) {
	a, _ := openTemp(t, 0)
	if err := a.SetSize(64); err != nil {
		t.Fatalf("set size: %v", err)
	}
	want := []byte("hello, scattering file accessor")
	if _, err := a.Write(0, want); err != nil {
		t.Fatalf("write: %v", err)
	}
	got := make([]byte, len(want))
	n, err := a.Read(0, got)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if n != len(want) {
		t.Fatalf("short read: got %d bytes, want %d", n, len(want))
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("roundtrip mismatch: got %q, want %q", got, want)
	}
}

func TestAccessor_ReadPastTrueSizeIsShort(t *testing.T) {
	a, _ := openTemp(t, 0)
	if err := a.SetSize(8); err != nil {
		t.Fatalf("set size: %v", err)
	}
	buf := make([]byte, 32)
	n, err := a.Read(0, buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if n != 8 {
		t.Fatalf("expected short read of 8 bytes, got %d", n)
	}
}

func TestAccessor_SetSizeRejectsShrink(t *testing.T) {
	a, _ := openTemp(t, 0)
	if err := a.SetSize(64); err != nil {
		t.Fatalf("grow: %v", err)
	}
	if err := a.SetSize(32); !errors.Is(err, ErrShrink) {
		t.Fatalf("expected ErrShrink, got %v", err)
	}
}

func TestAccessor_GrowSpansMultipleSlices(t *testing.T) {
	const maxSlice = 64
	a, path := openTemp(t, maxSlice)
	if err := a.SetSize(200); err != nil {
		t.Fatalf("set size: %v", err)
	}
	if a.TrueSize() != 200 {
		t.Fatalf("true size = %d, want 200", a.TrueSize())
	}
	for n := 1; n <= 3; n++ {
		p := a.slicePath(n)
		if _, err := os.Stat(p); err != nil {
			t.Fatalf("expected slice %d to exist at %s: %v", n, p, err)
		}
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected slice 0 to exist: %v", err)
	}

	pattern := make([]byte, 200)
	for i := range pattern {
		pattern[i] = byte(i)
	}
	if _, err := a.Write(0, pattern); err != nil {
		t.Fatalf("write across slices: %v", err)
	}
	got := make([]byte, 200)
	if _, err := a.Read(0, got); err != nil {
		t.Fatalf("read across slices: %v", err)
	}
	if !bytes.Equal(got, pattern) {
		t.Fatalf("cross-slice roundtrip mismatch")
	}
}

func TestAccessor_ReopenPicksUpExistingSlices(t *testing.T) {
	const maxSlice = 32
	dir := t.TempDir()
	path := filepath.Join(dir, "store.dat")

	a := New(path, maxSlice)
	if err := a.Open(false); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := a.SetSize(100); err != nil {
		t.Fatalf("set size: %v", err)
	}
	if _, err := a.Write(0, bytes.Repeat([]byte{0xAB}, 100)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	b := New(path, maxSlice)
	if err := b.Open(false); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer b.Close()
	if b.TrueSize() != 100 {
		t.Fatalf("reopened true size = %d, want 100", b.TrueSize())
	}
	got := make([]byte, 100)
	if _, err := b.Read(0, got); err != nil {
		t.Fatalf("read after reopen: %v", err)
	}
	if !bytes.Equal(got, bytes.Repeat([]byte{0xAB}, 100)) {
		t.Fatalf("data lost across reopen")
	}
}

func TestAccessor_ReadOnlyRejectsWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "store.dat")
	rw := New(path, 0)
	if err := rw.Open(false); err != nil {
		t.Fatalf("open rw: %v", err)
	}
	if err := rw.SetSize(16); err != nil {
		t.Fatalf("set size: %v", err)
	}
	if err := rw.Close(); err != nil {
		t.Fatalf("close rw: %v", err)
	}

	ro := New(path, 0)
	if err := ro.Open(true); err != nil {
		t.Fatalf("open ro: %v", err)
	}
	defer ro.Close()
	if _, err := ro.Write(0, []byte{1}); err == nil {
		t.Fatal("expected write on read-only accessor to fail")
	}
	if err := ro.SetSize(32); err == nil {
		t.Fatal("expected set_size on read-only accessor to fail")
	}
}

func TestAccessor_DeleteRemovesAllSlices(t *testing.T) {
	const maxSlice = 32
	a, path := openTemp(t, maxSlice)
	if err := a.SetSize(100); err != nil {
		t.Fatalf("set size: %v", err)
	}
	slicePaths := []string{path, a.slicePath(1), a.slicePath(2), a.slicePath(3)}
	if err := a.Delete(); err != nil {
		t.Fatalf("delete: %v", err)
	}
	for _, p := range slicePaths {
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Fatalf("expected %s to be removed, stat err = %v", p, err)
		}
	}
}

func TestAccessor_OversizedSlice0IsSplitOnOpen(t *testing.T) {
	const maxSlice = 64
	dir := t.TempDir()
	path := filepath.Join(dir, "store.dat")

	pattern := bytes.Repeat([]byte{0x5A}, 150)
	if err := os.WriteFile(path, pattern, 0o644); err != nil {
		t.Fatalf("seed oversized slice 0: %v", err)
	}

	a := New(path, maxSlice)
	if err := a.Open(false); err != nil {
		t.Fatalf("open: %v", err)
	}
	defer a.Close()

	if a.TrueSize() != 150 {
		t.Fatalf("true size after split = %d, want 150", a.TrueSize())
	}
	got := make([]byte, 150)
	if _, err := a.Read(0, got); err != nil {
		t.Fatalf("read after split: %v", err)
	}
	if !bytes.Equal(got, pattern) {
		t.Fatalf("data corrupted by split")
	}
}
