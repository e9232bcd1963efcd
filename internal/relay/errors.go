package relay

import "errors"

var (
	// ErrProducerBusy is returned when a session requests the producer role
	// under PRODUCER_POLICY=reject while another producer is active.
	ErrProducerBusy = errors.New("producer busy")
	// ErrNoProducer is returned when a frame arrives from a session that is not
	// the active producer.
	ErrNoProducer = errors.New("no active producer")
	// ErrStaleFrame is returned for frames whose sequence number is not
	// strictly greater than the last accepted one. Stale frames are dropped,
	// never reordered.
	ErrStaleFrame    = errors.New("stale frame")
	ErrSessionClosed = errors.New("session closed")
)
