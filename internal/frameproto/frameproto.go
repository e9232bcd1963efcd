// Package frameproto defines the binary frame format the capture page sends
// over the stream WebSocket.
//
// Layout (big endian):
//
//	0-1   magic 0xCA 0x7F
//	2     version (1)
//	3     encoding (1 = JPEG)
//	4-11  sequence number (monotonic per producer session)
//	12-19 capture timestamp, microseconds since the Unix epoch
//	20-   payload (one encoded image)
package frameproto

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

const (
	// HeaderLen is the number of bytes preceding the payload.
	HeaderLen = 20

	Version = 1

	magic0 = 0xCA
	magic1 = 0x7F

	// DefaultMaxPayload bounds a single encoded frame. A 1080p JPEG at high
	// quality stays well under this.
	DefaultMaxPayload = 4 << 20
)

// Encoding identifies the payload codec.
type Encoding byte

const (
	EncodingJPEG Encoding = 1
)

var (
	ErrTooShort        = errors.New("frameproto: frame too short")
	ErrBadMagic        = errors.New("frameproto: bad magic")
	ErrBadVersion      = errors.New("frameproto: unsupported version")
	ErrBadEncoding     = errors.New("frameproto: unsupported encoding")
	ErrPayloadTooLarge = errors.New("frameproto: payload too large")
)

// Frame is a single encoded image from the producer. Frames are ephemeral:
// the relay holds at most a queue depth's worth per destination.
type Frame struct {
	Encoding  Encoding
	Sequence  uint64
	Timestamp time.Time
	Payload   []byte
}

// Codec validates and encodes/decodes frames.
type Codec struct {
	// MaxPayload is the maximum number of payload bytes allowed in a frame.
	MaxPayload int
}

var DefaultCodec = Codec{MaxPayload: DefaultMaxPayload}

func NewCodec(maxPayload int) (Codec, error) {
	if maxPayload <= 0 {
		return Codec{}, fmt.Errorf("frameproto: max payload must be positive")
	}
	return Codec{MaxPayload: maxPayload}, nil
}

func (c Codec) Encode(f Frame, dst []byte) ([]byte, error) {
	if len(f.Payload) > c.MaxPayload {
		return nil, fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, len(f.Payload), c.MaxPayload)
	}
	if f.Encoding != EncodingJPEG {
		return nil, fmt.Errorf("%w: %d", ErrBadEncoding, f.Encoding)
	}

	n := HeaderLen + len(f.Payload)
	start := len(dst)
	if cap(dst) < start+n {
		grown := make([]byte, start, start+n)
		copy(grown, dst)
		dst = grown
	}
	dst = dst[:start+n]

	dst[start] = magic0
	dst[start+1] = magic1
	dst[start+2] = Version
	dst[start+3] = byte(f.Encoding)
	binary.BigEndian.PutUint64(dst[start+4:start+12], f.Sequence)
	binary.BigEndian.PutUint64(dst[start+12:start+20], uint64(f.Timestamp.UnixMicro()))
	copy(dst[start+HeaderLen:], f.Payload)

	return dst, nil
}

func (c Codec) Decode(b []byte) (Frame, error) {
	if len(b) < HeaderLen {
		return Frame{}, ErrTooShort
	}
	if b[0] != magic0 || b[1] != magic1 {
		return Frame{}, ErrBadMagic
	}
	if b[2] != Version {
		return Frame{}, fmt.Errorf("%w: %d", ErrBadVersion, b[2])
	}
	enc := Encoding(b[3])
	if enc != EncodingJPEG {
		return Frame{}, fmt.Errorf("%w: %d", ErrBadEncoding, b[3])
	}
	payload := b[HeaderLen:]
	if len(payload) > c.MaxPayload {
		return Frame{}, fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, len(payload), c.MaxPayload)
	}

	return Frame{
		Encoding:  enc,
		Sequence:  binary.BigEndian.Uint64(b[4:12]),
		Timestamp: time.UnixMicro(int64(binary.BigEndian.Uint64(b[12:20]))),
		Payload:   payload,
	}, nil
}
