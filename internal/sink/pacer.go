package sink

import (
	"context"
	"io"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/phonecam/relay/internal/config"
	"github.com/phonecam/relay/internal/frameproto"
	"github.com/phonecam/relay/internal/metrics"
	"github.com/phonecam/relay/internal/ratelimit"
)

// FrameSource is the pacer's view of the relay's sink queue. SetOnPush lets
// the pacer observe frames as they arrive, independent of its own pop cadence.
type FrameSource interface {
	TryPop() (frameproto.Frame, bool)
	SetOnPush(fn func())
}

const (
	// fpsSampleWindow is how many inter-frame intervals feed the estimate.
	fpsSampleWindow = 30
	// fpsMinSamples must accumulate before the estimate is trusted.
	fpsMinSamples = 10
	// fpsAdaptThreshold is the minimum change (in FPS) worth re-pacing for.
	fpsAdaptThreshold = 2
	// minInterval filters out bursts of frames flushed in one batch, which
	// would otherwise skew the estimate toward absurd rates.
	minInterval = time.Millisecond

	statsInterval = 2 * time.Second
)

// Pacer turns the bursty network arrival of frames into steady output for the
// virtual camera: it writes at a fixed cadence, repeating the last frame when
// no new one arrived, and adapts the cadence to the producer's measured rate.
type Pacer struct {
	cfg     config.Config
	log     *slog.Logger
	metrics *metrics.Metrics
	clock   ratelimit.Clock

	source       FrameSource
	sink         Sink
	producerLive func() bool

	// The rate estimator is fed from the producer's read goroutine (via the
	// source's push hook) while the pacing loop reads it, hence the mutex.
	mu        sync.Mutex
	fps       int
	intervals []time.Duration
	lastSeen  time.Time
	haveSeen  bool

	last     frameproto.Frame
	haveLast bool
	blanked  bool

	written  uint64
	repeated uint64
}

// NewPacer wires source to sink. producerLive reports whether an active
// producer session exists; it drives the no-signal transition.
func NewPacer(cfg config.Config, source FrameSource, s Sink, producerLive func() bool, logger *slog.Logger, m *metrics.Metrics) *Pacer {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if m == nil {
		m = metrics.New()
	}
	if producerLive == nil {
		producerLive = func() bool { return false }
	}
	p := &Pacer{
		cfg:          cfg,
		log:          logger,
		metrics:      m,
		clock:        ratelimit.RealClock{},
		source:       source,
		sink:         s,
		producerLive: producerLive,
		fps:          cfg.SinkInitialFPS,
	}
	source.SetOnPush(p.frameArrived)
	return p
}

// FPS returns the current output rate.
func (p *Pacer) FPS() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fps
}

// Run writes to the sink until ctx is canceled.
func (p *Pacer) Run(ctx context.Context) error {
	timer := time.NewTimer(p.interval())
	defer timer.Stop()
	stats := time.NewTicker(statsInterval)
	defer stats.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-stats.C:
			p.logStats()
		case <-timer.C:
			p.tick()
			timer.Reset(p.interval())
		}
	}
}

func (p *Pacer) interval() time.Duration {
	return time.Second / time.Duration(p.FPS())
}

func (p *Pacer) tick() {
	if f, ok := p.source.TryPop(); ok {
		p.last = f
		p.haveLast = true
		p.blanked = false
		p.write(f)
		p.written++
		return
	}

	if p.haveLast && (p.producerLive() || p.cfg.NoSignalMode == config.NoSignalHold) {
		p.write(p.last)
		p.repeated++
		return
	}

	if !p.blanked && !p.producerLive() && p.cfg.NoSignalMode == config.NoSignalBlank {
		if err := p.sink.SignalLost(); err != nil {
			p.metrics.Inc(metrics.SinkWriteErrors)
			p.log.Warn("sink_signal_lost_failed", "err", err)
			return
		}
		p.metrics.Inc(metrics.SinkNoSignal)
		p.log.Info("sink_no_signal")
		p.blanked = true
		p.haveLast = false
		p.last = frameproto.Frame{}
	}
}

func (p *Pacer) write(f frameproto.Frame) {
	if err := p.sink.Write(f); err != nil {
		p.metrics.Inc(metrics.SinkWriteErrors)
		p.log.Warn("sink_write_failed", "sequence", f.Sequence, "err", err)
	}
}

// frameArrived records the interval since the previous frame and re-paces once
// the measured rate settles on a meaningfully different value. It runs on push
// into the source queue, so intervals reflect the producer's real send rate
// even when the pacing loop pops slower than frames arrive.
func (p *Pacer) frameArrived() {
	now := p.clock.Now()
	p.mu.Lock()
	defer p.mu.Unlock()
	defer func() {
		p.lastSeen = now
		p.haveSeen = true
	}()
	if !p.haveSeen {
		return
	}
	d := now.Sub(p.lastSeen)
	if d < minInterval {
		return
	}

	p.intervals = append(p.intervals, d)
	if len(p.intervals) > fpsSampleWindow {
		p.intervals = p.intervals[1:]
	}
	if len(p.intervals) < fpsMinSamples {
		return
	}

	var total time.Duration
	for _, iv := range p.intervals {
		total += iv
	}
	mean := total / time.Duration(len(p.intervals))
	detected := int(math.Round(float64(time.Second) / float64(mean)))
	if detected < p.cfg.SinkMinFPS {
		detected = p.cfg.SinkMinFPS
	}
	if detected > p.cfg.SinkMaxFPS {
		detected = p.cfg.SinkMaxFPS
	}

	if abs(detected-p.fps) > fpsAdaptThreshold {
		p.log.Info("sink_fps_adapted", "old_fps", p.fps, "new_fps", detected)
		p.fps = detected
	}
}

func (p *Pacer) logStats() {
	p.log.Debug("sink_stats",
		"fps", p.FPS(),
		"written", p.written,
		"repeated", p.repeated,
		"producer_live", p.producerLive(),
	)
	p.written = 0
	p.repeated = 0
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
