package relay

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/phonecam/relay/internal/config"
	"github.com/phonecam/relay/internal/frameproto"
	"github.com/phonecam/relay/internal/metrics"
	"github.com/phonecam/relay/internal/origin"
	"github.com/phonecam/relay/internal/ratelimit"
)

const wsWriteWait = 1 * time.Second

// StreamServer implements GET /stream, the persistent channel between the
// relay and phone/monitor browsers.
//
// Protocol: the first client message must be a hello declaring the session
// role within the configured grace period. After the server's ready reply, a
// producer sends binary frameproto frames; a consumer sends nothing and
// receives binary frames. A close control message requests graceful close,
// distinct from a raw connection drop.
type StreamServer struct {
	cfg     config.Config
	log     *slog.Logger
	metrics *metrics.Metrics
	clock   ratelimit.Clock

	manager *Manager
	relay   *FrameRelay
	codec   frameproto.Codec

	upgrader websocket.Upgrader
}

func NewStreamServer(cfg config.Config, manager *Manager, relay *FrameRelay, logger *slog.Logger) *StreamServer {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	codec, err := frameproto.NewCodec(cfg.MaxFrameBytes)
	if err != nil {
		codec = frameproto.DefaultCodec
	}
	originPolicy := origin.Policy{Allowed: cfg.AllowedOrigins}
	return &StreamServer{
		cfg:     cfg,
		log:     logger,
		metrics: manager.Metrics(),
		clock:   ratelimit.RealClock{},
		manager: manager,
		relay:   relay,
		codec:   codec,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return originPolicy.Allow(r.Header.Get("Origin"), r.Host)
			},
		},
	}
}

func (s *StreamServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader already wrote a generic 400; don't leak details.
		s.metrics.Inc(metrics.UpgradeErrors)
		return
	}
	defer conn.Close()

	var writeMu sync.Mutex
	sendControl := func(msg ControlMessage) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		return conn.WriteJSON(msg)
	}
	closeConn := func(code int, reason string) {
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
		_ = conn.Close()
	}
	sendErrorAndClose := func(wsCloseCode int, code, message string) {
		_ = sendControl(ControlMessage{Type: controlTypeError, Code: code, Message: message})
		closeConn(wsCloseCode, code)
	}

	// Until the role handshake completes, only a small control message is
	// acceptable.
	conn.SetReadLimit(s.cfg.MaxControlMessageBytes)
	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.RoleGracePeriod))

	msgType, data, err := conn.ReadMessage()
	if err != nil {
		if isTimeout(err) {
			s.metrics.Inc(metrics.ProtocolErrors)
			sendErrorAndClose(websocket.ClosePolicyViolation, "role_timeout", "no role declared within grace period")
		}
		return
	}
	if msgType != websocket.TextMessage {
		s.metrics.Inc(metrics.ProtocolErrors)
		sendErrorAndClose(websocket.ClosePolicyViolation, "bad_message", "expected hello message")
		return
	}
	hello, err := parseControlMessage(data)
	if err != nil || hello.Type != controlTypeHello {
		s.metrics.Inc(metrics.ProtocolErrors)
		sendErrorAndClose(websocket.ClosePolicyViolation, "bad_message", "expected hello message")
		return
	}
	role, err := ParseRole(hello.Role)
	if err != nil {
		s.metrics.Inc(metrics.ProtocolErrors)
		sendErrorAndClose(websocket.ClosePolicyViolation, "bad_message", err.Error())
		return
	}

	sess := s.manager.Connect()
	defer sess.Finish()

	if err := s.manager.Assign(sess, role); err != nil {
		if errors.Is(err, ErrProducerBusy) {
			sendErrorAndClose(websocket.CloseTryAgainLater, "producer_busy", "another producer is active")
			return
		}
		sendErrorAndClose(websocket.CloseInternalServerErr, "internal_error", "failed to activate session")
		return
	}

	s.log.Info("stream_connected", "session_id", sess.ID(), "role", string(role), "remote_addr", r.RemoteAddr)
	defer s.log.Info("stream_disconnected", "session_id", sess.ID(), "role", string(role), "remote_addr", r.RemoteAddr)

	if err := sendControl(ControlMessage{Type: controlTypeReady, SessionID: sess.ID(), Role: string(role)}); err != nil {
		return
	}

	// Teardown driven from elsewhere (liveness sweep, producer eviction,
	// shutdown): surface the explicit cause, then release the connection.
	go func() {
		<-sess.Done()
		code, reason, notice := sess.CloseStatus()
		if notice != nil {
			_ = sendControl(*notice)
		}
		closeConn(code, reason)
	}()

	_ = conn.SetReadDeadline(time.Time{})
	conn.SetPongHandler(func(string) error {
		sess.Touch()
		return nil
	})

	if role == RoleProducer {
		conn.SetReadLimit(int64(s.cfg.MaxFrameBytes) + frameproto.HeaderLen)
	}

	if role == RoleConsumer {
		go s.writeConsumer(sess, conn, &writeMu)
	}

	perSecond := int64(s.cfg.MaxControlMessagesPerSecond)
	limiter := ratelimit.NewTokenBucket(s.clock, perSecond, perSecond)

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		sess.Touch()

		switch msgType {
		case websocket.TextMessage:
			if !limiter.Allow(1) {
				s.metrics.Inc(metrics.ControlRateLimited)
				sendErrorAndClose(websocket.ClosePolicyViolation, "rate_limited", "control message rate limit exceeded")
				return
			}
			msg, err := parseControlMessage(data)
			if err != nil {
				s.metrics.Inc(metrics.ProtocolErrors)
				sendErrorAndClose(websocket.ClosePolicyViolation, "bad_message", err.Error())
				return
			}
			switch msg.Type {
			case controlTypeClose:
				if sess.BeginClose(nil, websocket.CloseNormalClosure, "client closed") {
					closeConn(websocket.CloseNormalClosure, "client closed")
				}
				return
			default:
				s.metrics.Inc(metrics.ProtocolErrors)
				sendErrorAndClose(websocket.ClosePolicyViolation, "unexpected_message", "unexpected control message")
				return
			}

		case websocket.BinaryMessage:
			if role != RoleProducer {
				s.metrics.Inc(metrics.ProtocolErrors)
				sendErrorAndClose(websocket.ClosePolicyViolation, "unexpected_message", "consumers do not send frames")
				return
			}
			frame, err := s.codec.Decode(data)
			if err != nil {
				// Malformed frames are dropped, never fatal to the session.
				if errors.Is(err, frameproto.ErrPayloadTooLarge) {
					s.metrics.Inc(metrics.FramesDroppedOversized)
				} else {
					s.metrics.Inc(metrics.FramesDroppedMalformed)
				}
				s.log.Debug("frame_dropped", "session_id", sess.ID(), "err", err)
				continue
			}
			if err := s.relay.Relay(sess, frame); err != nil {
				// Already counted by the relay; stale frames are routine when the
				// capture page retries after a hiccup.
				s.log.Debug("frame_not_relayed", "session_id", sess.ID(), "err", err)
			}
		}
	}
}

// writeConsumer drains the consumer's bounded queue onto the socket. A slow
// consumer hits the write deadline and is disconnected rather than ever
// backing up the producer.
func (s *StreamServer) writeConsumer(sess *Session, conn *websocket.Conn, writeMu *sync.Mutex) {
	q := sess.Queue()
	if q == nil {
		return
	}

	var buf []byte
	for {
		f, ok := q.Pop()
		if !ok {
			return
		}
		wire, err := s.codec.Encode(f, buf[:0])
		if err != nil {
			continue
		}
		buf = wire

		writeMu.Lock()
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		err = conn.WriteMessage(websocket.BinaryMessage, wire)
		writeMu.Unlock()
		if err != nil {
			sess.BeginClose(nil, websocket.CloseAbnormalClosure, "write failed")
			return
		}
		// Outbound delivery is the only traffic a healthy consumer generates;
		// it must keep the session out of the idle sweep.
		sess.Touch()
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
