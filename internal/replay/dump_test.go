package replay

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"
)

func TestDumpName(t *testing.T) {
	now := time.Date(2024, 3, 9, 7, 5, 1, 0, time.Local)
	if got := DumpName("rover", now); got != "rover_20240309_070501.gps" {
		t.Fatalf("unexpected name %q", got)
	}
}

func TestOpenDump_DisabledWithoutPrefix(t *testing.T) {
	w, path, err := OpenDump(context.Background(), DumpConfig{Dir: t.TempDir()}, time.Now())
	if err != nil || w != nil || path != "" {
		t.Fatalf("expected disabled dump, got %v %q %v", w, path, err)
	}
}

func TestOpenDump_RawAppends(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.Local)
	cfg := DumpConfig{Dir: dir, Prefix: "gps"}

	for _, chunk := range []string{"$GPGGA", ",1\r\n"} {
		w, path, err := OpenDump(context.Background(), cfg, now)
		if err != nil {
			t.Fatalf("OpenDump() error: %v", err)
		}
		if path != filepath.Join(dir, "gps_20240102_030405.gps") {
			t.Fatalf("unexpected path %q", path)
		}
		if _, err := io.WriteString(w, chunk); err != nil {
			t.Fatalf("write: %v", err)
		}
		if err := w.Close(); err != nil {
			t.Fatalf("close: %v", err)
		}
	}

	b, err := os.ReadFile(filepath.Join(dir, "gps_20240102_030405.gps"))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(b) != "$GPGGA,1\r\n" {
		t.Fatalf("unexpected dump contents %q", b)
	}
}

func TestOpenDump_Timed(t *testing.T) {
	dir := t.TempDir()
	w, path, err := OpenDump(context.Background(), DumpConfig{Dir: dir, Prefix: "cap", Format: "TIMED"}, time.Now())
	if err != nil {
		t.Fatalf("OpenDump() error: %v", err)
	}
	if _, ok := w.(*Writer); !ok {
		t.Fatalf("expected capture writer, got %T", w)
	}
	if _, err := w.Write([]byte{0xAA}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !IsTimedCapture(b) {
		t.Fatalf("expected timed capture, got %q", b)
	}
}

func TestOpenDump_Errors(t *testing.T) {
	dir := t.TempDir()
	if _, _, err := OpenDump(context.Background(), DumpConfig{Dir: dir, Prefix: "x", Format: "pcap"}, time.Now()); err == nil {
		t.Fatalf("expected error for unknown format")
	}
	if _, _, err := OpenDump(context.Background(), DumpConfig{Dir: dir, Prefix: "x", Format: FormatTimed, FIFO: true}, time.Now()); err == nil {
		t.Fatalf("expected error for timed fifo")
	}
	if _, _, err := OpenDump(context.Background(), DumpConfig{Dir: filepath.Join(dir, "missing"), Prefix: "x"}, time.Now()); err == nil {
		t.Fatalf("expected error for missing directory")
	}
}

func TestOpenFIFO_RejectsRegularFile(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("named pipes are unix only")
	}
	path := filepath.Join(t.TempDir(), "plain")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := openFIFO(context.Background(), path); err == nil {
		t.Fatalf("expected error when path is a regular file")
	}
}
