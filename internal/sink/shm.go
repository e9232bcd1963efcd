package sink

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"github.com/phonecam/relay/internal/frameproto"
)

const (
	statusLive     byte = 0x00
	statusNoSignal byte = 0xFF // int8 -1
)

// SharedMemorySink publishes frames for the virtual camera bridge through a
// single file, typically under /dev/shm.
//
// Record layout:
//
//	0    status (int8; 0 = live frame, -1 = no signal)
//	1-4  payload length (uint32, little endian)
//	5-   payload (one encoded image; absent when no signal)
//
// Each record replaces the file via rename so the bridge never reads a
// half-written frame.
type SharedMemorySink struct {
	path string
	buf  []byte
}

func NewSharedMemorySink(path string) (*SharedMemorySink, error) {
	dir := filepath.Dir(path)
	if info, err := os.Stat(dir); err != nil {
		return nil, fmt.Errorf("sink directory %s: %w", dir, err)
	} else if !info.IsDir() {
		return nil, fmt.Errorf("sink directory %s is not a directory", dir)
	}
	return &SharedMemorySink{path: path}, nil
}

func (s *SharedMemorySink) Write(f frameproto.Frame) error {
	return s.publish(statusLive, f.Payload)
}

func (s *SharedMemorySink) SignalLost() error {
	return s.publish(statusNoSignal, nil)
}

func (s *SharedMemorySink) Close() error {
	err := os.Remove(s.path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (s *SharedMemorySink) publish(status byte, payload []byte) error {
	n := 5 + len(payload)
	if cap(s.buf) < n {
		s.buf = make([]byte, n)
	}
	record := s.buf[:n]
	record[0] = status
	binary.LittleEndian.PutUint32(record[1:5], uint32(len(payload)))
	copy(record[5:], payload)

	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(record); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return nil
}
