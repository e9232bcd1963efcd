package relay

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/phonecam/relay/internal/config"
	"github.com/phonecam/relay/internal/frameproto"
	"github.com/phonecam/relay/internal/metrics"
	"github.com/phonecam/relay/internal/ratelimit"
)

func wsTestConfig() config.Config {
	cfg := testConfig()
	cfg.RoleGracePeriod = 2 * time.Second
	cfg.MaxControlMessageBytes = 4096
	cfg.MaxControlMessagesPerSecond = 100
	return cfg
}

type wsTestEnv struct {
	cfg     config.Config
	manager *Manager
	relay   *FrameRelay
	metrics *metrics.Metrics
	url     string
}

func newWSTestEnv(t *testing.T, cfg config.Config) *wsTestEnv {
	return newWSTestEnvWithClock(t, cfg, nil)
}

func newWSTestEnvWithClock(t *testing.T, cfg config.Config, clock ratelimit.Clock) *wsTestEnv {
	t.Helper()
	reg := metrics.New()
	manager := NewManager(cfg, nil, reg, clock)
	relay := NewFrameRelay(cfg, manager, nil, reg)
	server := NewStreamServer(cfg, manager, relay, nil)

	srv := httptest.NewServer(server)
	t.Cleanup(srv.Close)

	return &wsTestEnv{
		cfg:     cfg,
		manager: manager,
		relay:   relay,
		metrics: reg,
		url:     "ws" + strings.TrimPrefix(srv.URL, "http"),
	}
}

func (env *wsTestEnv) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(env.url, nil)
	if err != nil {
		t.Fatalf("Dial(%s): %v", env.url, err)
	}
	t.Cleanup(func() { conn.Close() })
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	return conn
}

func (env *wsTestEnv) handshake(t *testing.T, conn *websocket.Conn, role string) ControlMessage {
	t.Helper()
	if err := conn.WriteJSON(ControlMessage{Type: controlTypeHello, Role: role}); err != nil {
		t.Fatalf("WriteJSON hello: %v", err)
	}
	var reply ControlMessage
	if err := conn.ReadJSON(&reply); err != nil {
		t.Fatalf("ReadJSON reply: %v", err)
	}
	return reply
}

func encodeFrame(t *testing.T, f frameproto.Frame) []byte {
	t.Helper()
	wire, err := frameproto.DefaultCodec.Encode(f, nil)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	return wire
}

func popFrame(t *testing.T, q *Queue) frameproto.Frame {
	t.Helper()
	type result struct {
		f  frameproto.Frame
		ok bool
	}
	got := make(chan result, 1)
	go func() {
		f, ok := q.Pop()
		got <- result{f, ok}
	}()
	select {
	case res := <-got:
		if !res.ok {
			t.Fatalf("queue closed before a frame arrived")
		}
		return res.f
	case <-time.After(5 * time.Second):
		t.Fatalf("no frame arrived within 5s")
		return frameproto.Frame{}
	}
}

func TestStreamProducerFramesReachSink(t *testing.T) {
	env := newWSTestEnv(t, wsTestConfig())
	conn := env.dial(t)

	ready := env.handshake(t, conn, "producer")
	if ready.Type != controlTypeReady {
		t.Fatalf("reply type=%q, want ready", ready.Type)
	}
	if ready.SessionID == "" || ready.Role != "producer" {
		t.Fatalf("ready=%+v, want session id and producer role", ready)
	}

	for seq := uint64(1); seq <= 2; seq++ {
		if err := conn.WriteMessage(websocket.BinaryMessage, encodeFrame(t, testFrame(seq))); err != nil {
			t.Fatalf("WriteMessage frame %d: %v", seq, err)
		}
	}

	for seq := uint64(1); seq <= 2; seq++ {
		f := popFrame(t, env.relay.SinkQueue())
		if f.Sequence != seq {
			t.Fatalf("sink frame sequence=%d, want %d", f.Sequence, seq)
		}
	}
}

func TestStreamConsumerReceivesFrames(t *testing.T) {
	env := newWSTestEnv(t, wsTestConfig())

	producer := env.dial(t)
	if reply := env.handshake(t, producer, "producer"); reply.Type != controlTypeReady {
		t.Fatalf("producer reply=%+v, want ready", reply)
	}

	consumer := env.dial(t)
	if reply := env.handshake(t, consumer, "consumer"); reply.Type != controlTypeReady {
		t.Fatalf("consumer reply=%+v, want ready", reply)
	}

	// The consumer registration must be visible to the relay before the frame.
	deadline := time.Now().Add(5 * time.Second)
	for len(env.manager.Consumers()) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("consumer never became active")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := producer.WriteMessage(websocket.BinaryMessage, encodeFrame(t, testFrame(42))); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	msgType, data, err := consumer.ReadMessage()
	if err != nil {
		t.Fatalf("consumer ReadMessage: %v", err)
	}
	if msgType != websocket.BinaryMessage {
		t.Fatalf("message type=%d, want binary", msgType)
	}
	f, err := frameproto.DefaultCodec.Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if f.Sequence != 42 {
		t.Fatalf("Sequence=%d, want 42", f.Sequence)
	}
}

func TestStreamConsumerReceivingFramesSurvivesSweep(t *testing.T) {
	clock := newFakeClock()
	env := newWSTestEnvWithClock(t, wsTestConfig(), clock)

	producer := env.dial(t)
	if reply := env.handshake(t, producer, "producer"); reply.Type != controlTypeReady {
		t.Fatalf("producer reply=%+v, want ready", reply)
	}
	consumer := env.dial(t)
	if reply := env.handshake(t, consumer, "consumer"); reply.Type != controlTypeReady {
		t.Fatalf("consumer reply=%+v, want ready", reply)
	}

	deadline := time.Now().Add(5 * time.Second)
	for len(env.manager.Consumers()) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("consumer never became active")
		}
		time.Sleep(5 * time.Millisecond)
	}
	sess := env.manager.Consumers()[0]
	before := sess.LastActivity()

	// Past the idle timeout, but frames are still flowing: the consumer never
	// sends anything, so delivery is all the activity it has.
	clock.Advance(31 * time.Second)
	if err := producer.WriteMessage(websocket.BinaryMessage, encodeFrame(t, testFrame(1))); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	if _, _, err := consumer.ReadMessage(); err != nil {
		t.Fatalf("consumer ReadMessage: %v", err)
	}
	for !sess.LastActivity().After(before) {
		if time.Now().After(deadline) {
			t.Fatalf("delivery did not register as session activity")
		}
		time.Sleep(5 * time.Millisecond)
	}

	env.manager.sweep(clock.Now())

	select {
	case <-sess.Done():
		t.Fatalf("consumer closed by sweep while receiving frames")
	default:
	}

	// The stream keeps working after the sweep.
	if err := producer.WriteMessage(websocket.BinaryMessage, encodeFrame(t, testFrame(2))); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	_, data, err := consumer.ReadMessage()
	if err != nil {
		t.Fatalf("consumer ReadMessage after sweep: %v", err)
	}
	f, err := frameproto.DefaultCodec.Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if f.Sequence != 2 {
		t.Fatalf("Sequence=%d, want 2", f.Sequence)
	}
}

func TestStreamRejectsBadHello(t *testing.T) {
	env := newWSTestEnv(t, wsTestConfig())
	conn := env.dial(t)

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"hello","role":"spectator"}`)); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	var reply ControlMessage
	if err := conn.ReadJSON(&reply); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if reply.Type != controlTypeError || reply.Code != "bad_message" {
		t.Fatalf("reply=%+v, want bad_message error", reply)
	}
	if _, _, err := conn.ReadMessage(); !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("err=%v, want policy violation close", err)
	}
	if got := env.metrics.Get(metrics.ProtocolErrors); got != 1 {
		t.Fatalf("%s=%d, want 1", metrics.ProtocolErrors, got)
	}
}

func TestStreamRoleTimeout(t *testing.T) {
	cfg := wsTestConfig()
	cfg.RoleGracePeriod = 100 * time.Millisecond
	env := newWSTestEnv(t, cfg)
	conn := env.dial(t)

	// Say nothing; the grace period expires.
	var reply ControlMessage
	if err := conn.ReadJSON(&reply); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if reply.Type != controlTypeError || reply.Code != "role_timeout" {
		t.Fatalf("reply=%+v, want role_timeout error", reply)
	}
}

func TestStreamProducerBusy(t *testing.T) {
	cfg := wsTestConfig()
	cfg.ProducerPolicy = config.ProducerPolicyReject
	env := newWSTestEnv(t, cfg)

	first := env.dial(t)
	if reply := env.handshake(t, first, "producer"); reply.Type != controlTypeReady {
		t.Fatalf("first reply=%+v, want ready", reply)
	}

	second := env.dial(t)
	reply := env.handshake(t, second, "producer")
	if reply.Type != controlTypeError || reply.Code != "producer_busy" {
		t.Fatalf("second reply=%+v, want producer_busy error", reply)
	}
	if _, _, err := second.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseTryAgainLater) {
		t.Fatalf("err=%v, want try-again-later close", err)
	}
}

func TestStreamProducerEviction(t *testing.T) {
	env := newWSTestEnv(t, wsTestConfig())

	first := env.dial(t)
	if reply := env.handshake(t, first, "producer"); reply.Type != controlTypeReady {
		t.Fatalf("first reply=%+v, want ready", reply)
	}

	second := env.dial(t)
	if reply := env.handshake(t, second, "producer"); reply.Type != controlTypeReady {
		t.Fatalf("second reply=%+v, want ready", reply)
	}

	// The displaced producer learns why it was closed.
	var notice ControlMessage
	if err := first.ReadJSON(&notice); err != nil {
		t.Fatalf("first ReadJSON: %v", err)
	}
	if notice.Type != controlTypeError || notice.Code != "evicted" {
		t.Fatalf("notice=%+v, want evicted error", notice)
	}
	if _, _, err := first.ReadMessage(); !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("err=%v, want policy violation close", err)
	}

	// Frames from the new producer still flow.
	if err := second.WriteMessage(websocket.BinaryMessage, encodeFrame(t, testFrame(1))); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	if f := popFrame(t, env.relay.SinkQueue()); f.Sequence != 1 {
		t.Fatalf("sink frame sequence=%d, want 1", f.Sequence)
	}
}

func TestStreamClientClose(t *testing.T) {
	env := newWSTestEnv(t, wsTestConfig())
	conn := env.dial(t)
	if reply := env.handshake(t, conn, "producer"); reply.Type != controlTypeReady {
		t.Fatalf("reply=%+v, want ready", reply)
	}

	if err := conn.WriteJSON(ControlMessage{Type: controlTypeClose}); err != nil {
		t.Fatalf("WriteJSON close: %v", err)
	}
	if _, _, err := conn.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("err=%v, want normal close", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for env.manager.ActiveSessions() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("session not removed after client close")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStreamMalformedFramesAreDropped(t *testing.T) {
	env := newWSTestEnv(t, wsTestConfig())
	conn := env.dial(t)
	if reply := env.handshake(t, conn, "producer"); reply.Type != controlTypeReady {
		t.Fatalf("reply=%+v, want ready", reply)
	}

	if err := conn.WriteMessage(websocket.BinaryMessage, []byte{0xde, 0xad, 0xbe, 0xef}); err != nil {
		t.Fatalf("WriteMessage garbage: %v", err)
	}
	// The session survives; a valid frame still goes through.
	if err := conn.WriteMessage(websocket.BinaryMessage, encodeFrame(t, testFrame(1))); err != nil {
		t.Fatalf("WriteMessage frame: %v", err)
	}
	if f := popFrame(t, env.relay.SinkQueue()); f.Sequence != 1 {
		t.Fatalf("sink frame sequence=%d, want 1", f.Sequence)
	}
	if got := env.metrics.Get(metrics.FramesDroppedMalformed); got != 1 {
		t.Fatalf("%s=%d, want 1", metrics.FramesDroppedMalformed, got)
	}
}

func TestStreamRejectsCrossOrigin(t *testing.T) {
	env := newWSTestEnv(t, wsTestConfig())

	header := http.Header{"Origin": []string{"https://evil.example.com"}}
	if _, resp, err := websocket.DefaultDialer.Dial(env.url, header); err == nil {
		t.Fatalf("cross-origin dial succeeded")
	} else if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("dial err=%v resp=%+v, want 403", err, resp)
	}
	if got := env.metrics.Get(metrics.UpgradeErrors); got != 1 {
		t.Fatalf("%s=%d, want 1", metrics.UpgradeErrors, got)
	}

	// The same-host origin the capture page itself sends is accepted.
	host := strings.TrimPrefix(env.url, "ws://")
	sameHost := http.Header{"Origin": []string{"http://" + host}}
	conn, _, err := websocket.DefaultDialer.Dial(env.url, sameHost)
	if err != nil {
		t.Fatalf("same-host dial: %v", err)
	}
	conn.Close()
}

func TestStreamConsumerMayNotSendFrames(t *testing.T) {
	env := newWSTestEnv(t, wsTestConfig())
	conn := env.dial(t)
	if reply := env.handshake(t, conn, "consumer"); reply.Type != controlTypeReady {
		t.Fatalf("reply=%+v, want ready", reply)
	}

	if err := conn.WriteMessage(websocket.BinaryMessage, encodeFrame(t, testFrame(1))); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	var reply ControlMessage
	if err := conn.ReadJSON(&reply); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if reply.Type != controlTypeError || reply.Code != "unexpected_message" {
		t.Fatalf("reply=%+v, want unexpected_message error", reply)
	}
}
