package sink

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/phonecam/relay/internal/frameproto"
)

func readRecord(t *testing.T, path string) (status byte, payload []byte) {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile(%s): %v", path, err)
	}
	if len(data) < 5 {
		t.Fatalf("record too short: %d bytes", len(data))
	}
	length := binary.LittleEndian.Uint32(data[1:5])
	if int(length) != len(data)-5 {
		t.Fatalf("declared length %d, actual payload %d", length, len(data)-5)
	}
	return data[0], data[5:]
}

func TestSharedMemorySinkWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "frame")
	s, err := NewSharedMemorySink(path)
	if err != nil {
		t.Fatalf("NewSharedMemorySink: %v", err)
	}

	payload := []byte("jpeg bytes")
	if err := s.Write(frameproto.Frame{Encoding: frameproto.EncodingJPEG, Sequence: 1, Payload: payload}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	status, got := readRecord(t, path)
	if status != statusLive {
		t.Fatalf("status=%#x, want %#x", status, statusLive)
	}
	if string(got) != string(payload) {
		t.Fatalf("payload=%q, want %q", got, payload)
	}
}

func TestSharedMemorySinkOverwrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "frame")
	s, err := NewSharedMemorySink(path)
	if err != nil {
		t.Fatalf("NewSharedMemorySink: %v", err)
	}

	if err := s.Write(frameproto.Frame{Payload: []byte("a much longer first frame")}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := s.Write(frameproto.Frame{Payload: []byte("second")}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	_, got := readRecord(t, path)
	if string(got) != "second" {
		t.Fatalf("payload=%q, want %q", got, "second")
	}

	// The rename leaves no temp files behind.
	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("directory has %d entries, want 1", len(entries))
	}
}

func TestSharedMemorySinkSignalLost(t *testing.T) {
	path := filepath.Join(t.TempDir(), "frame")
	s, err := NewSharedMemorySink(path)
	if err != nil {
		t.Fatalf("NewSharedMemorySink: %v", err)
	}

	if err := s.SignalLost(); err != nil {
		t.Fatalf("SignalLost: %v", err)
	}

	status, payload := readRecord(t, path)
	if status != statusNoSignal {
		t.Fatalf("status=%#x, want %#x", status, statusNoSignal)
	}
	if len(payload) != 0 {
		t.Fatalf("payload length=%d, want 0", len(payload))
	}
}

func TestSharedMemorySinkClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "frame")
	s, err := NewSharedMemorySink(path)
	if err != nil {
		t.Fatalf("NewSharedMemorySink: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close with no file: %v", err)
	}

	if err := s.Write(frameproto.Frame{Payload: []byte("x")}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("Stat after Close err=%v, want not-exist", err)
	}
}

func TestSharedMemorySinkMissingDir(t *testing.T) {
	if _, err := NewSharedMemorySink(filepath.Join(t.TempDir(), "missing", "frame")); err == nil {
		t.Fatalf("NewSharedMemorySink with missing directory succeeded")
	}
}
