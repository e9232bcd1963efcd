package relay

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/phonecam/relay/internal/config"
	"github.com/phonecam/relay/internal/metrics"
	"github.com/phonecam/relay/internal/ratelimit"
)

// Manager is the sole owner of the active session set and of the single
// producer slot. Other components read the current producer through it but
// never mutate session state directly.
type Manager struct {
	cfg     config.Config
	log     *slog.Logger
	metrics *metrics.Metrics
	clock   ratelimit.Clock

	mu       sync.Mutex
	sessions map[string]*Session
	producer *Session
}

func NewManager(cfg config.Config, logger *slog.Logger, m *metrics.Metrics, clock ratelimit.Clock) *Manager {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if m == nil {
		m = metrics.New()
	}
	if clock == nil {
		clock = ratelimit.RealClock{}
	}
	return &Manager{
		cfg:      cfg,
		log:      logger,
		metrics:  m,
		clock:    clock,
		sessions: make(map[string]*Session),
	}
}

func (m *Manager) Metrics() *metrics.Metrics { return m.metrics }

// Connect creates a session in Connecting state for a freshly upgraded
// connection. The role is assigned later, on the client's hello.
func (m *Manager) Connect() *Session {
	var sess *Session
	sess = newSession(m.clock, func() {
		m.remove(sess)
	})

	m.mu.Lock()
	m.sessions[sess.ID()] = sess
	m.mu.Unlock()

	m.metrics.Inc(metrics.SessionsOpened)
	return sess
}

// Assign moves sess from Connecting to Active with the declared role.
//
// For producers the configured uniqueness policy applies: reject refuses the
// new session with ErrProducerBusy; evict closes the prior producer with an
// explicit "evicted" message and promotes the new one. Either way the outcome
// is observable to both parties, never a silent drop.
func (m *Manager) Assign(sess *Session, role Role) error {
	if role == RoleConsumer {
		queue := NewQueue(m.cfg.ConsumerQueueDepth)
		queue.SetOnDrop(func() { m.metrics.Inc(metrics.ConsumerFramesDropped) })
		return sess.activate(role, queue)
	}

	m.mu.Lock()
	prev := m.producer
	if prev != nil && prev.State() >= StateClosing {
		prev = nil
		m.producer = nil
	}
	if prev != nil && m.cfg.ProducerPolicy == config.ProducerPolicyReject {
		m.mu.Unlock()
		m.metrics.Inc(metrics.ProducerRejected)
		return ErrProducerBusy
	}
	if err := sess.activate(role, nil); err != nil {
		m.mu.Unlock()
		return err
	}
	m.producer = sess
	m.mu.Unlock()

	if prev != nil {
		m.metrics.Inc(metrics.ProducerEvicted)
		m.log.Info("producer_evicted", "old_session_id", prev.ID(), "new_session_id", sess.ID())
		prev.BeginClose(&ControlMessage{
			Type:    controlTypeError,
			Code:    "evicted",
			Message: "a new producer connected",
		}, websocket.ClosePolicyViolation, "evicted")
	}
	return nil
}

// Producer returns the active producer session, or nil.
func (m *Manager) Producer() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.producer != nil && m.producer.State() != StateActive {
		return nil
	}
	return m.producer
}

// Consumers returns the active consumer sessions.
func (m *Manager) Consumers() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		if sess.Role() == RoleConsumer && sess.State() == StateActive {
			out = append(out, sess)
		}
	}
	return out
}

func (m *Manager) ActiveSessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *Manager) remove(sess *Session) {
	m.mu.Lock()
	delete(m.sessions, sess.ID())
	if m.producer == sess {
		m.producer = nil
	}
	m.mu.Unlock()
}

// RunSweeper periodically closes sessions that exceeded the inactivity bound.
// It is the relay's only timeout mechanism; it returns when ctx is canceled.
func (m *Manager) RunSweeper(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.sweep(m.clock.Now())
		}
	}
}

func (m *Manager) sweep(now time.Time) {
	m.mu.Lock()
	var idle []*Session
	for _, sess := range m.sessions {
		if sess.State() >= StateClosing {
			continue
		}
		if now.Sub(sess.LastActivity()) > m.cfg.SessionIdleTimeout {
			idle = append(idle, sess)
		}
	}
	m.mu.Unlock()

	for _, sess := range idle {
		m.metrics.Inc(metrics.SessionsSwept)
		m.log.Info("session_swept", "session_id", sess.ID(), "role", string(sess.Role()))
		sess.BeginClose(&ControlMessage{
			Type:    controlTypeError,
			Code:    "idle_timeout",
			Message: "no traffic within the inactivity bound",
		}, websocket.CloseGoingAway, "idle timeout")
	}
}

// CloseAll begins a graceful close of every session; used on shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		sessions = append(sessions, sess)
	}
	m.mu.Unlock()

	for _, sess := range sessions {
		sess.BeginClose(nil, websocket.CloseGoingAway, "server shutting down")
	}
}
