package realtime

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fasthttp/websocket"

	"github.com/spec-kit/conversation-engine/internal/domain"
	"github.com/spec-kit/conversation-engine/internal/events"
	"github.com/spec-kit/conversation-engine/internal/observability"
	apperrors "github.com/spec-kit/conversation-engine/pkg/util/errorutil"
)

type inboundFrame struct {
	messageType int
	data        []byte
}

type fakeSocket struct {
	mu         sync.Mutex
	frames     [][]byte
	pings      int
	closeCodes []int
	closeCalls int
	failWrites bool
	block      chan struct{}
	pong       func(string) error
	writeDelay time.Duration
	released   bool
	lateWrites int

	inbound   chan inboundFrame
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{inbound: make(chan inboundFrame, 16), closed: make(chan struct{})}
}

func (s *fakeSocket) NextReader() (int, io.Reader, error) {
	select {
	case f := <-s.inbound:
		return f.messageType, bytes.NewReader(f.data), nil
	case <-s.closed:
		return 0, nil, errors.New("use of closed connection")
	}
}

func (s *fakeSocket) WriteMessage(messageType int, data []byte) error {
	if s.block != nil {
		<-s.block
	}
	if s.writeDelay > 0 {
		time.Sleep(s.writeDelay)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		s.lateWrites++
	}
	if s.failWrites {
		return errors.New("broken pipe")
	}
	if messageType == websocket.PingMessage {
		s.pings++
		return nil
	}
	s.frames = append(s.frames, append([]byte(nil), data...))
	return nil
}

func (s *fakeSocket) WriteControl(messageType int, data []byte, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if messageType == websocket.CloseMessage && len(data) >= 2 {
		s.closeCodes = append(s.closeCodes, int(binary.BigEndian.Uint16(data)))
	}
	return nil
}

func (s *fakeSocket) SetWriteDeadline(time.Time) error { return nil }

func (s *fakeSocket) SetPongHandler(h func(string) error) { s.pong = h }

func (s *fakeSocket) Close() error {
	s.mu.Lock()
	s.closeCalls++
	s.mu.Unlock()
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

// release marks the socket as handed back by the handler. Writes after this are counted.
func (s *fakeSocket) release() {
	s.mu.Lock()
	s.released = true
	s.mu.Unlock()
}

func (s *fakeSocket) lateWriteCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lateWrites
}

func (s *fakeSocket) send(t *testing.T, data string) {
	t.Helper()
	s.inbound <- inboundFrame{messageType: websocket.TextMessage, data: []byte(data)}
}

func (s *fakeSocket) decoded() []ServerFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ServerFrame, 0, len(s.frames))
	for _, raw := range s.frames {
		var f ServerFrame
		_ = json.Unmarshal(raw, &f)
		out = append(out, f)
	}
	return out
}

func (s *fakeSocket) framesOfType(frameType string) []ServerFrame {
	var out []ServerFrame
	for _, f := range s.decoded() {
		if f.Type == frameType {
			out = append(out, f)
		}
	}
	return out
}

func (s *fakeSocket) pingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pings
}

func (s *fakeSocket) codes() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.closeCodes...)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type fakeCommands struct {
	mu      sync.Mutex
	reads   []string
	typing  []events.TypingPayload
	origins []string
	readErr error
}

func (f *fakeCommands) MarkRead(_ context.Context, conversationID, _ string) (*domain.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readErr != nil {
		return nil, f.readErr
	}
	f.reads = append(f.reads, conversationID)
	return &domain.Conversation{ID: conversationID}, nil
}

func (f *fakeCommands) PublishTyping(_ context.Context, payload events.TypingPayload, origin string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typing = append(f.typing, payload)
	f.origins = append(f.origins, origin)
}

func newTestGateway(commands CommandHandler) (*Gateway, *observability.Metrics) {
	metrics := observability.NewMetrics()
	return NewGateway(Options{SendBuffer: 32, MaxFrameBytes: 256}, commands, nil, metrics), metrics
}

func attach(t *testing.T, g *Gateway, advisorID string) (*Connection, *fakeSocket) {
	t.Helper()
	socket := newFakeSocket()
	conn, err := g.Attach(socket, advisorID)
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	go g.Serve(context.Background(), conn)
	waitFor(t, "welcome", func() bool { return len(socket.framesOfType(FrameWelcome)) == 1 })
	return conn, socket
}

func conversationEvent(id string, status domain.ConversationStatus, reason string) events.Event {
	return events.Event{
		Type:           events.EventConversationUpdated,
		ConversationID: id,
		Payload: events.ConversationUpdatedPayload{
			Conversation: events.ConversationView{ID: id, Status: status},
			Reason:       reason,
		},
	}
}

func TestAttachSendsWelcomeAndHelloResends(t *testing.T) {
	g, _ := newTestGateway(nil)
	conn, socket := attach(t, g, "adv-1")

	welcome := socket.framesOfType(FrameWelcome)[0]
	payload := welcome.Payload.(map[string]interface{})
	if payload["connectionId"] != conn.ID() || payload["advisorId"] != "adv-1" {
		t.Fatalf("unexpected welcome payload %v", payload)
	}
	if welcome.ServerTime.IsZero() {
		t.Fatalf("serverTime missing")
	}
	if conn.State() != StateOpen {
		t.Fatalf("expected OPEN, got %s", conn.State())
	}

	socket.send(t, `{"type":"hello"}`)
	waitFor(t, "second welcome", func() bool { return len(socket.framesOfType(FrameWelcome)) == 2 })
}

// One archive reaches every console once; a broken socket only loses itself.
func TestBroadcastIsolatesFailingConnection(t *testing.T) {
	g, metrics := newTestGateway(nil)
	sockets := make([]*fakeSocket, 0, 50)
	for i := 0; i < 50; i++ {
		_, socket := attach(t, g, "")
		sockets = append(sockets, socket)
	}
	broken := sockets[17]
	broken.mu.Lock()
	broken.failWrites = true
	broken.mu.Unlock()

	if err := g.Deliver(context.Background(), conversationEvent("conv-1", domain.ConversationStatusArchived, "archived")); err != nil {
		t.Fatalf("deliver: %v", err)
	}

	waitFor(t, "broken connection dropped", func() bool { return g.Count() == 49 })
	for i, socket := range sockets {
		if socket == broken {
			continue
		}
		socket := socket
		waitFor(t, "event delivery", func() bool { return len(socket.framesOfType(FrameEvent)) == 1 })
		got := socket.framesOfType(FrameEvent)
		if len(got) != 1 || got[0].Event != EventConversationUpdate {
			t.Fatalf("socket %d: expected exactly one %s, got %+v", i, EventConversationUpdate, got)
		}
	}
	if metrics.Counter(observability.CounterConnectionDropped) != 1 {
		t.Fatalf("expected one dropped connection")
	}
}

func TestBroadcastPreservesOrder(t *testing.T) {
	g, _ := newTestGateway(nil)
	_, socket := attach(t, g, "")

	g.Deliver(context.Background(), conversationEvent("c", domain.ConversationStatusAttending, "accepted"))
	g.Deliver(context.Background(), conversationEvent("c", domain.ConversationStatusActive, "released"))

	waitFor(t, "two events", func() bool { return len(socket.framesOfType(FrameEvent)) == 2 })
	got := socket.framesOfType(FrameEvent)
	first := got[0].Payload.(map[string]interface{})["conversation"].(map[string]interface{})
	second := got[1].Payload.(map[string]interface{})["conversation"].(map[string]interface{})
	if first["status"] != "ATTENDING" || second["status"] != "ACTIVE" {
		t.Fatalf("events out of order: %v then %v", first["status"], second["status"])
	}
}

func TestBroadcastSkipsExcludedConnection(t *testing.T) {
	g, _ := newTestGateway(nil)
	sender, senderSocket := attach(t, g, "adv-1")
	_, otherSocket := attach(t, g, "adv-2")

	if n := g.Broadcast(EventTyping, events.TypingPayload{ConversationID: "c", Typing: true}, sender.ID()); n != 1 {
		t.Fatalf("expected 1 recipient, got %d", n)
	}
	waitFor(t, "typing relay", func() bool { return len(otherSocket.framesOfType(FrameEvent)) == 1 })
	if len(senderSocket.framesOfType(FrameEvent)) != 0 {
		t.Fatalf("sender received its own relay")
	}
}

func TestMalformedFrameKeepsConnectionOpen(t *testing.T) {
	g, _ := newTestGateway(nil)
	conn, socket := attach(t, g, "")

	for _, raw := range []string{`not json`, `{"type":"dance"}`, `{"type":"read"}`, `{"type":"read","payload":{"convId":""}}`} {
		socket.send(t, raw)
	}
	waitFor(t, "error frames", func() bool { return len(socket.framesOfType(FrameError)) == 4 })
	if conn.State() != StateOpen {
		t.Fatalf("malformed frames must not close the connection")
	}
	errPayload := socket.framesOfType(FrameError)[0].Payload.(map[string]interface{})
	if errPayload["code"] != "MALFORMED_FRAME" {
		t.Fatalf("unexpected error payload %v", errPayload)
	}
}

func TestOversizedFrameIsDropped(t *testing.T) {
	g, metrics := newTestGateway(nil)
	conn, socket := attach(t, g, "")

	socket.send(t, `{"type":"hello","payload":"`+strings.Repeat("x", 512)+`"}`)
	socket.send(t, `{"type":"hello"}`)

	waitFor(t, "welcome after oversize", func() bool { return len(socket.framesOfType(FrameWelcome)) == 2 })
	if metrics.Counter(observability.CounterFrameRejected) != 1 {
		t.Fatalf("expected one rejected frame")
	}
	if len(socket.framesOfType(FrameError)) != 0 {
		t.Fatalf("oversize frames are dropped silently")
	}
	if conn.State() != StateOpen {
		t.Fatalf("connection should stay open")
	}
}

func TestReadCommandMarksReadAndAcks(t *testing.T) {
	commands := &fakeCommands{}
	g, _ := newTestGateway(commands)
	_, socket := attach(t, g, "adv-9")

	socket.send(t, `{"type":"read","payload":{"convId":"conv-42"}}`)
	waitFor(t, "ack", func() bool { return len(socket.framesOfType(FrameAck)) == 1 })
	commands.mu.Lock()
	reads := append([]string(nil), commands.reads...)
	commands.mu.Unlock()
	if len(reads) != 1 || reads[0] != "conv-42" {
		t.Fatalf("unexpected reads %v", reads)
	}
	if ack := socket.framesOfType(FrameAck)[0]; ack.Event != CommandRead {
		t.Fatalf("ack should name the command, got %q", ack.Event)
	}
}

func TestReadCommandSurfacesServiceError(t *testing.T) {
	commands := &fakeCommands{readErr: apperrors.NewNotFound("conversation", nil)}
	g, _ := newTestGateway(commands)
	conn, socket := attach(t, g, "adv-9")

	socket.send(t, `{"type":"read","payload":{"convId":"missing"}}`)
	waitFor(t, "error", func() bool { return len(socket.framesOfType(FrameError)) == 1 })
	payload := socket.framesOfType(FrameError)[0].Payload.(map[string]interface{})
	if payload["code"] != apperrors.CodeNotFound {
		t.Fatalf("unexpected error %v", payload)
	}
	if conn.State() != StateOpen {
		t.Fatalf("service errors must not close the connection")
	}
}

func TestTypingIsRelayedWithOrigin(t *testing.T) {
	commands := &fakeCommands{}
	g, _ := newTestGateway(commands)
	conn, socket := attach(t, g, "adv-3")

	socket.send(t, `{"type":"typing","payload":{"convId":"c-1","typing":true}}`)
	waitFor(t, "typing relay", func() bool {
		commands.mu.Lock()
		defer commands.mu.Unlock()
		return len(commands.typing) == 1
	})
	commands.mu.Lock()
	defer commands.mu.Unlock()
	if commands.origins[0] != conn.ID() || commands.typing[0].AdvisorID != "adv-3" || !commands.typing[0].Typing {
		t.Fatalf("unexpected typing relay %+v from %s", commands.typing[0], commands.origins[0])
	}
}

func TestHeartbeatClosesUnresponsiveConnection(t *testing.T) {
	g, _ := newTestGateway(nil)
	responsive, responsiveSocket := attach(t, g, "")
	silent, silentSocket := attach(t, g, "")

	g.Heartbeat()
	waitFor(t, "pings", func() bool { return responsiveSocket.pingCount() == 1 && silentSocket.pingCount() == 1 })
	_ = responsiveSocket.pong("")

	g.Heartbeat()
	if silent.State() != StateClosed {
		t.Fatalf("silent connection should be closed, got %s", silent.State())
	}
	if responsive.State() != StateOpen {
		t.Fatalf("responsive connection should stay open, got %s", responsive.State())
	}
	if codes := silentSocket.codes(); len(codes) != 1 || codes[0] != websocket.CloseGoingAway {
		t.Fatalf("unexpected close codes %v", codes)
	}
	if g.Count() != 1 {
		t.Fatalf("expected one remaining connection, got %d", g.Count())
	}
}

func TestDoubleCloseIsNoop(t *testing.T) {
	g, _ := newTestGateway(nil)
	conn, socket := attach(t, g, "")

	conn.Close(nil)
	conn.Close(nil)
	conn.Close(ErrConnectionWriteFailed)

	waitFor(t, "serve exit", func() bool { return g.Count() == 0 })
	socket.mu.Lock()
	defer socket.mu.Unlock()
	if socket.closeCalls != 1 || len(socket.closeCodes) != 1 {
		t.Fatalf("expected a single close, got %d calls and codes %v", socket.closeCalls, socket.closeCodes)
	}
	if conn.enqueue(websocket.TextMessage, []byte("late")) {
		t.Fatalf("closed connection accepted a frame")
	}
}

func TestServeReturnsOnlyAfterWriterStops(t *testing.T) {
	for round := 0; round < 20; round++ {
		g := NewGateway(Options{SendBuffer: 128, MaxFrameBytes: 256}, nil, nil, nil)
		socket := newFakeSocket()
		socket.writeDelay = time.Millisecond
		conn, err := g.Attach(socket, "")
		if err != nil {
			t.Fatalf("attach: %v", err)
		}
		for i := 0; i < 100; i++ {
			g.Broadcast(EventMessageNew, map[string]int{"n": i}, "")
		}

		served := make(chan struct{})
		go func() {
			g.Serve(context.Background(), conn)
			socket.release()
			close(served)
		}()
		// Peer goes away while the writer still has frames queued.
		socket.Close()

		select {
		case <-served:
		case <-time.After(2 * time.Second):
			t.Fatalf("round %d: serve did not return", round)
		}
		time.Sleep(5 * time.Millisecond)
		if late := socket.lateWriteCount(); late != 0 {
			t.Fatalf("round %d: %d writes after serve returned", round, late)
		}
		if conn.State() != StateClosed {
			t.Fatalf("round %d: expected CLOSED, got %s", round, conn.State())
		}
	}
}

func TestFullBufferDropsSlowConsumerWithoutBlocking(t *testing.T) {
	metrics := observability.NewMetrics()
	g := NewGateway(Options{SendBuffer: 2, MaxFrameBytes: 256}, nil, nil, metrics)
	socket := newFakeSocket()
	socket.block = make(chan struct{})
	defer close(socket.block)

	conn, err := g.Attach(socket, "")
	if err != nil {
		t.Fatalf("attach: %v", err)
	}

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			g.Broadcast(EventMessageNew, map[string]int{"n": i}, "")
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("broadcast blocked on a stalled connection")
	}
	waitFor(t, "slow consumer closed", func() bool { return conn.State() == StateClosed })
	if metrics.Counter(observability.CounterConnectionDropped) != 1 {
		t.Fatalf("expected drop counter 1")
	}
}

func TestDisallowedOriginClosedWithPolicyViolation(t *testing.T) {
	g := NewGateway(Options{AllowedOrigins: []string{"https://console.example.com/"}}, nil, nil, nil)
	if !g.OriginAllowed("https://Console.example.com") {
		t.Fatalf("allow-listed origin rejected")
	}
	if g.OriginAllowed("https://evil.example.com") || g.OriginAllowed("") {
		t.Fatalf("unknown origin accepted")
	}

	socket := newFakeSocket()
	g.Reject(socket, "https://evil.example.com")
	if codes := socket.codes(); len(codes) != 1 || codes[0] != websocket.ClosePolicyViolation {
		t.Fatalf("expected close 1008, got %v", codes)
	}
	if g.Count() != 0 {
		t.Fatalf("rejected socket must not be registered")
	}
}

func TestShutdownClosesEverythingAndRefusesNewConnections(t *testing.T) {
	g, _ := newTestGateway(nil)
	first, _ := attach(t, g, "")
	second, _ := attach(t, g, "")

	g.Shutdown()
	if first.State() != StateClosed || second.State() != StateClosed {
		t.Fatalf("shutdown left connections open")
	}
	if _, err := g.Attach(newFakeSocket(), ""); err == nil {
		t.Fatalf("attach after shutdown should fail")
	}
}

func TestParseCommand(t *testing.T) {
	cases := map[string]bool{
		`{"type":"hello"}`:                           true,
		`{"type":"read","payload":{"convId":"c"}}`:   true,
		`{"type":"typing","payload":{"convId":"c"}}`: true,
		`{"type":"typing"}`:                          false,
		`{"type":""}`:                                false,
		`[]`:                                         false,
	}
	for raw, ok := range cases {
		_, err := ParseCommand([]byte(raw))
		if (err == nil) != ok {
			t.Errorf("%s: ok=%v err=%v", raw, ok, err)
		}
		if err != nil && !errors.Is(err, ErrMalformedFrame) {
			t.Errorf("%s: expected ErrMalformedFrame, got %v", raw, err)
		}
	}
}
