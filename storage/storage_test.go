package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
)

func TestFSStoreRoundTrip(t *testing.T) {
	s := NewFSStore(t.TempDir())
	ctx := context.Background()

	data := []byte("not really dicom")
	err := s.Put(ctx, "temp", "corr-1/a.dcm", bytes.NewReader(data), int64(len(data)),
		"application/dicom", map[string]string{"Source": "CT01"})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	rc, err := s.Get(ctx, "temp", "corr-1/a.dcm")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	got, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("got %q", got)
	}
}

func TestFSStoreMissingObject(t *testing.T) {
	s := NewFSStore(t.TempDir())
	if _, err := s.Get(context.Background(), "temp", "nope"); !errors.Is(err, ErrObjectNotFound) {
		t.Fatalf("got %v, want ErrObjectNotFound", err)
	}
}

func TestFSStoreMove(t *testing.T) {
	s := NewFSStore(t.TempDir())
	ctx := context.Background()

	err := s.Put(ctx, "temp", "corr-1/a.dcm", strings.NewReader("x"), 1, "application/dicom", nil)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Move(ctx, "temp", "corr-1/a.dcm", "payloads", "pay-1/a.dcm"); err != nil {
		t.Fatalf("Move: %v", err)
	}

	if _, err := s.Get(ctx, "temp", "corr-1/a.dcm"); !errors.Is(err, ErrObjectNotFound) {
		t.Fatal("source survived move")
	}
	rc, err := s.Get(ctx, "payloads", "pay-1/a.dcm")
	if err != nil {
		t.Fatalf("Get after move: %v", err)
	}
	rc.Close()
}

func TestFSStoreRejectsEscapingKeys(t *testing.T) {
	s := NewFSStore(t.TempDir())
	err := s.Put(context.Background(), "temp", "../../etc/passwd", strings.NewReader("x"), 1, "", nil)
	if err == nil {
		t.Fatal("path traversal accepted")
	}
}

func fakeSpace(total, avail uint64) SpaceProbe {
	return func(string) (uint64, uint64, error) { return total, avail, nil }
}

func TestInfoWatermark(t *testing.T) {
	const gb = 1_000_000_000
	info := NewInfo(InfoConfig{WatermarkPercent: 75, ReserveSpaceGB: 5})

	// 50% used, plenty free.
	info.statfs = fakeSpace(100*gb, 50*gb)
	if !info.HasSpaceToStore() || !info.HasSpaceToExport() {
		t.Fatal("healthy volume refused")
	}

	// 80% used: store refused, export still fine.
	info.statfs = fakeSpace(100*gb, 20*gb)
	if info.HasSpaceToStore() {
		t.Fatal("store allowed above watermark")
	}
	if !info.HasSpaceToExport() {
		t.Fatal("export refused with reserve available")
	}

	// Under reserve: both refused.
	info.statfs = fakeSpace(100*gb, 3*gb)
	if info.HasSpaceToStore() || info.HasSpaceToExport() {
		t.Fatal("reserve floor not enforced")
	}
}

func TestInfoStatfsErrorFailsClosed(t *testing.T) {
	info := NewInfo(InfoConfig{})
	info.statfs = func(string) (uint64, uint64, error) { return 0, 0, errors.New("boom") }
	if info.HasSpaceToStore() || info.HasSpaceToExport() {
		t.Fatal("statfs error treated as space available")
	}
}
