package relay

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/phonecam/relay/internal/ratelimit"
)

// Role identifies the direction of a stream session.
type Role string

const (
	// RoleProducer is the phone browser supplying live frames.
	RoleProducer Role = "producer"
	// RoleConsumer receives a copy of the stream but supplies nothing.
	RoleConsumer Role = "consumer"
)

func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleProducer:
		return RoleProducer, nil
	case RoleConsumer:
		return RoleConsumer, nil
	default:
		return "", fmt.Errorf("unknown role %q", s)
	}
}

// State is a session's lifecycle phase. Transitions only move forward:
// Connecting -> Active -> Closing -> Closed.
type State int

const (
	StateConnecting State = iota
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Session is one upgraded stream connection. The Manager owns the session set;
// the connection gateway owns the underlying conn and watches Done to tear the
// transport down when the session is closed from elsewhere (sweep, eviction,
// shutdown).
type Session struct {
	id    string
	clock ratelimit.Clock

	mu           sync.Mutex
	role         Role
	state        State
	createdAt    time.Time
	lastActivity time.Time

	queue *Queue // consumer outbound queue; nil for producers

	closeCode   int
	closeReason string
	closeNotice *ControlMessage

	done    chan struct{}
	onClose func()
}

func newSession(clock ratelimit.Clock, onClose func()) *Session {
	now := clock.Now()
	return &Session{
		id:           uuid.NewString(),
		clock:        clock,
		state:        StateConnecting,
		createdAt:    now,
		lastActivity: now,
		done:         make(chan struct{}),
		onClose:      onClose,
	}
}

func (s *Session) ID() string { return s.id }

func (s *Session) Role() Role {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.role
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) CreatedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createdAt
}

func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Touch records traffic (data or ping) for the liveness sweep.
func (s *Session) Touch() {
	now := s.clock.Now()
	s.mu.Lock()
	s.lastActivity = now
	s.mu.Unlock()
}

// Queue returns the consumer's outbound frame queue, nil for producers.
func (s *Session) Queue() *Queue {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue
}

// Done is closed when the session enters Closing or Closed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// CloseStatus returns the WebSocket close code/reason to send to the peer,
// and the explicit control message (if any) that must precede the close frame
// so the close cause is observable rather than a silent drop.
func (s *Session) CloseStatus() (code int, reason string, notice *ControlMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	code = s.closeCode
	if code == 0 {
		code = websocket.CloseNormalClosure
	}
	return code, s.closeReason, s.closeNotice
}

func (s *Session) activate(role Role, queue *Queue) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConnecting {
		return ErrSessionClosed
	}
	s.state = StateActive
	s.role = role
	s.queue = queue
	s.lastActivity = s.clock.Now()
	return nil
}

// BeginClose moves the session to Closing and wakes the gateway's watcher,
// which sends notice (when non-nil) and a close frame, then releases the
// connection. Reports false if the session was already past Active.
func (s *Session) BeginClose(notice *ControlMessage, code int, reason string) bool {
	s.mu.Lock()
	if s.state >= StateClosing {
		s.mu.Unlock()
		return false
	}
	s.state = StateClosing
	s.closeNotice = notice
	s.closeCode = code
	s.closeReason = reason
	s.lastActivity = s.clock.Now()
	s.mu.Unlock()

	close(s.done)
	return true
}

// Finish marks the session Closed once the underlying connection is released
// and removes it from the manager. Safe to call multiple times and regardless
// of whether BeginClose ran first (ungraceful peer drops skip Closing).
func (s *Session) Finish() {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	beganClose := s.state == StateClosing
	s.state = StateClosed
	queue := s.queue
	onClose := s.onClose
	s.onClose = nil
	s.mu.Unlock()

	if !beganClose {
		close(s.done)
	}
	if queue != nil {
		queue.Close()
	}
	if onClose != nil {
		onClose()
	}
}
