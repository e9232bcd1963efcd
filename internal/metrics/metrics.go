package metrics

import "sync"

// Counter names used across the relay. Names are intentionally simple; the
// Prometheus handler exposes them all under a single counter family with an
// `event` label.
const (
	FramesRelayed             = "frames_relayed"
	FramesDroppedStale        = "frames_dropped_stale"
	FramesDroppedNoProducer   = "frames_dropped_no_producer"
	FramesDroppedMalformed    = "frames_dropped_malformed"
	FramesDroppedOversized    = "frames_dropped_oversized"
	SinkFramesDropped         = "sink_frames_dropped_backpressure"
	SinkWriteErrors           = "sink_write_errors"
	SinkNoSignal              = "sink_no_signal"
	ConsumerFramesDropped     = "consumer_frames_dropped_backpressure"
	SessionsOpened            = "sessions_opened"
	SessionsSwept             = "sessions_swept"
	ProducerEvicted           = "producer_evicted"
	ProducerRejected          = "producer_rejected"
	ProtocolErrors            = "protocol_errors"
	UpgradeErrors             = "upgrade_errors"
	ControlRateLimited        = "control_rate_limited"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// A production deployment would plug into a real metrics backend; this type
// exists to keep relay behavior observable and testable without one.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	m.mu.Lock()
	m.m[name]++
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
