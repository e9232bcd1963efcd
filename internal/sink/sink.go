// Package sink delivers relayed frames to the virtual camera bridge process
// on the PC side.
package sink

import "github.com/phonecam/relay/internal/frameproto"

// Sink is the boundary to a virtual camera backend. Implementations must not
// block for long: the pacer calls Write on its cadence and treats errors as
// per-frame, never fatal.
type Sink interface {
	// Write publishes one frame.
	Write(f frameproto.Frame) error
	// SignalLost tells the backend there is no live producer, so it can show
	// an explicit no-signal state instead of a stale frame.
	SignalLost() error
	Close() error
}

// NullSink discards everything.
type NullSink struct{}

func (NullSink) Write(frameproto.Frame) error { return nil }
func (NullSink) SignalLost() error            { return nil }
func (NullSink) Close() error                 { return nil }
