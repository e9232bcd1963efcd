package relay

import (
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/phonecam/relay/internal/config"
	"github.com/phonecam/relay/internal/frameproto"
	"github.com/phonecam/relay/internal/metrics"
)

// FrameRelay forwards frames from the active producer to the sink queue and
// to consumer sessions. It reads the producer through the Manager but never
// mutates session state; per-producer sequence bookkeeping lives here.
type FrameRelay struct {
	cfg     config.Config
	log     *slog.Logger
	metrics *metrics.Metrics
	manager *Manager

	sinkQueue *Queue

	mu         sync.Mutex
	producerID string
	lastSeq    uint64
	haveSeq    bool
}

func NewFrameRelay(cfg config.Config, manager *Manager, logger *slog.Logger, m *metrics.Metrics) *FrameRelay {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if m == nil {
		m = metrics.New()
	}
	sinkQueue := NewQueue(cfg.SinkQueueDepth)
	sinkQueue.SetOnDrop(func() { m.Inc(metrics.SinkFramesDropped) })
	return &FrameRelay{
		cfg:       cfg,
		log:       logger,
		metrics:   m,
		manager:   manager,
		sinkQueue: sinkQueue,
	}
}

// SinkQueue is the bounded hand-off point to the virtual camera sink worker.
func (r *FrameRelay) SinkQueue() *Queue { return r.sinkQueue }

// Relay accepts one frame from sess.
//
// Frames are rejected with ErrNoProducer when sess is not the active
// producer, and with ErrStaleFrame when the sequence number is not strictly
// greater than the last accepted one. Both are per-frame conditions: the
// frame is dropped and counted, the session keeps running.
func (r *FrameRelay) Relay(sess *Session, f frameproto.Frame) error {
	producer := r.manager.Producer()
	if producer == nil || producer.ID() != sess.ID() {
		r.metrics.Inc(metrics.FramesDroppedNoProducer)
		return ErrNoProducer
	}

	r.mu.Lock()
	if r.producerID != sess.ID() {
		// New producer session: sequence numbering restarts.
		r.producerID = sess.ID()
		r.haveSeq = false
	}
	if r.haveSeq && f.Sequence <= r.lastSeq {
		lastSeq := r.lastSeq
		r.mu.Unlock()
		r.metrics.Inc(metrics.FramesDroppedStale)
		return fmt.Errorf("%w: sequence %d <= %d", ErrStaleFrame, f.Sequence, lastSeq)
	}
	r.lastSeq = f.Sequence
	r.haveSeq = true
	r.mu.Unlock()

	r.sinkQueue.Push(f)
	for _, consumer := range r.manager.Consumers() {
		if q := consumer.Queue(); q != nil {
			q.Push(f)
		}
	}

	r.metrics.Inc(metrics.FramesRelayed)
	return nil
}
