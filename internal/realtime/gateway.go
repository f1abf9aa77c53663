package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/spec-kit/conversation-engine/internal/domain"
	"github.com/spec-kit/conversation-engine/internal/events"
	"github.com/spec-kit/conversation-engine/internal/observability"
	apperrors "github.com/spec-kit/conversation-engine/pkg/util/errorutil"
)

// CommandHandler applies console commands. *service.DistributionService satisfies it.
type CommandHandler interface {
	MarkRead(ctx context.Context, conversationID, advisorID string) (*domain.Conversation, error)
	PublishTyping(ctx context.Context, payload events.TypingPayload, originConnectionID string)
}

// Options tune the gateway.
type Options struct {
	AllowedOrigins    []string
	HeartbeatInterval time.Duration
	SendBuffer        int
	MaxFrameBytes     int64
	WriteTimeout      time.Duration
}

// Gateway keeps every attached console in sync with conversation state.
type Gateway struct {
	opts     Options
	origins  map[string]struct{}
	anyOrig  bool
	commands CommandHandler
	logger   *zap.Logger
	metrics  *observability.Metrics
	clock    func() time.Time

	mu     sync.RWMutex
	conns  map[string]*Connection
	closed bool
}

// NewGateway builds a gateway. An empty origin list accepts any origin.
func NewGateway(opts Options, commands CommandHandler, logger *zap.Logger, metrics *observability.Metrics) *Gateway {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 30 * time.Second
	}
	if opts.MaxFrameBytes <= 0 {
		opts.MaxFrameBytes = 64 * 1024
	}
	g := &Gateway{
		opts:     opts,
		origins:  make(map[string]struct{}, len(opts.AllowedOrigins)),
		anyOrig:  len(opts.AllowedOrigins) == 0,
		commands: commands,
		logger:   observability.OrNop(logger).Named("gateway"),
		metrics:  metrics,
		clock:    time.Now,
		conns:    make(map[string]*Connection),
	}
	for _, origin := range opts.AllowedOrigins {
		origin = strings.TrimRight(strings.ToLower(strings.TrimSpace(origin)), "/")
		if origin == "*" {
			g.anyOrig = true
			continue
		}
		g.origins[origin] = struct{}{}
	}
	return g
}

// OriginAllowed reports whether a handshake from origin may proceed.
func (g *Gateway) OriginAllowed(origin string) bool {
	if g.anyOrig {
		return true
	}
	_, ok := g.origins[strings.TrimRight(strings.ToLower(strings.TrimSpace(origin)), "/")]
	return ok
}

// Reject closes a freshly upgraded socket with policy violation (1008).
func (g *Gateway) Reject(socket Socket, origin string) {
	g.logger.Warn("rejected connection from disallowed origin", zap.String("origin", origin))
	_ = socket.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "origin not allowed"),
		time.Now().Add(time.Second))
	_ = socket.Close()
}

// Attach registers socket, sends the welcome frame and starts the writer. The caller must
// then run Serve on the returned connection.
func (g *Gateway) Attach(socket Socket, advisorID string) (*Connection, error) {
	conn := newConnection(uuid.NewString(), advisorID, socket, g.opts.SendBuffer, g.opts.WriteTimeout, g.logger, g.detach)

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		conn.Close(errGatewayClosed)
		return nil, errGatewayClosed
	}
	g.conns[conn.id] = conn
	g.mu.Unlock()

	conn.open()
	go conn.writeLoop()
	g.sendWelcome(conn)
	g.logger.Info("connection opened",
		zap.String("connection_id", conn.id),
		zap.String("advisor_id", advisorID),
		zap.Int("connections", g.Count()))
	return conn, nil
}

// Serve reads inbound frames until the peer goes away or the connection is closed.
// It returns only after the writer has stopped, so the socket can be released.
func (g *Gateway) Serve(ctx context.Context, conn *Connection) {
	defer func() {
		conn.Close(errPeerClosed)
		conn.waitWriter()
	}()
	for {
		messageType, reader, err := conn.socket.NextReader()
		if err != nil {
			return
		}
		conn.alive.Store(true)
		if messageType != websocket.TextMessage {
			g.sendError(conn, "", ErrMalformedFrame, "only text frames are accepted")
			continue
		}
		data, err := readLimited(reader, g.opts.MaxFrameBytes)
		if errors.Is(err, ErrFrameTooLarge) {
			g.metrics.Inc(observability.CounterFrameRejected)
			g.logger.Warn("dropped oversized frame",
				zap.String("connection_id", conn.id),
				zap.Int64("limit_bytes", g.opts.MaxFrameBytes))
			continue
		}
		if err != nil {
			return
		}
		g.handleFrame(ctx, conn, data)
	}
}

func readLimited(r io.Reader, limit int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, ErrFrameTooLarge
	}
	return data, nil
}

func (g *Gateway) handleFrame(ctx context.Context, conn *Connection, data []byte) {
	cmd, err := ParseCommand(data)
	if err != nil {
		g.sendError(conn, cmd.Type, err, "unrecognized or incomplete command")
		return
	}
	switch cmd.Type {
	case CommandHello:
		g.sendWelcome(conn)
	case CommandRead:
		var read ReadCommand
		_ = json.Unmarshal(cmd.Payload, &read)
		if g.commands == nil {
			g.sendAck(conn, cmd.Type, read)
			return
		}
		if _, err := g.commands.MarkRead(ctx, read.ConversationID, conn.advisorID); err != nil {
			domainErr := apperrors.ToDomainError(err)
			g.send(conn, FrameError, "", ErrorPayload{Code: domainErr.Code, Message: domainErr.Message, Command: cmd.Type})
			return
		}
		g.sendAck(conn, cmd.Type, read)
	case CommandTyping:
		var typing TypingCommand
		_ = json.Unmarshal(cmd.Payload, &typing)
		if g.commands != nil {
			g.commands.PublishTyping(ctx, events.TypingPayload{
				ConversationID: typing.ConversationID,
				AdvisorID:      conn.advisorID,
				Typing:         typing.Typing,
			}, conn.id)
		}
	}
}

// Deliver broadcasts a domain event. It implements service.EventSink.
func (g *Gateway) Deliver(_ context.Context, event events.Event) error {
	name, ok := wireEventName(event.Type)
	if !ok {
		return nil
	}
	g.Broadcast(name, wirePayload(event), event.ExcludeConnectionID)
	return nil
}

// Broadcast sends one event frame to every open connection except exclude. It returns
// the number of connections the frame was queued for.
func (g *Gateway) Broadcast(eventName string, payload interface{}, exclude string) int {
	data, err := json.Marshal(ServerFrame{
		Type:       FrameEvent,
		Event:      eventName,
		Payload:    payload,
		ServerTime: g.clock().UTC(),
	})
	if err != nil {
		g.logger.Error("failed to encode event frame", zap.String("event", eventName), zap.Error(err))
		return 0
	}

	delivered := 0
	for _, conn := range g.snapshot() {
		if conn.id == exclude {
			continue
		}
		if conn.enqueue(websocket.TextMessage, data) {
			delivered++
		}
	}
	g.metrics.Add(observability.CounterBroadcastSent, int64(delivered))
	return delivered
}

// Heartbeat closes connections that did not answer the previous ping and pings the rest.
func (g *Gateway) Heartbeat() {
	for _, conn := range g.snapshot() {
		if !conn.alive.Swap(false) {
			g.logger.Info("closing unresponsive connection", zap.String("connection_id", conn.id))
			conn.Close(errHeartbeatTimeout)
			continue
		}
		conn.enqueue(websocket.PingMessage, nil)
	}
}

// Run drives the heartbeat until ctx is cancelled, then closes every connection.
func (g *Gateway) Run(ctx context.Context) {
	ticker := time.NewTicker(g.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			g.Shutdown()
			return
		case <-ticker.C:
			g.Heartbeat()
		}
	}
}

// Shutdown closes every connection and refuses new ones.
func (g *Gateway) Shutdown() {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()
	for _, conn := range g.snapshot() {
		conn.Close(errGatewayClosed)
	}
}

// Count returns the number of registered connections.
func (g *Gateway) Count() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.conns)
}

func (g *Gateway) snapshot() []*Connection {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*Connection, 0, len(g.conns))
	for _, conn := range g.conns {
		out = append(out, conn)
	}
	return out
}

func (g *Gateway) detach(conn *Connection, reason error) {
	if reason == ErrConnectionWriteFailed {
		g.metrics.Inc(observability.CounterConnectionDropped)
	}
	g.mu.Lock()
	delete(g.conns, conn.id)
	g.mu.Unlock()
	g.logger.Info("connection closed",
		zap.String("connection_id", conn.id),
		zap.NamedError("reason", reason))
}

func (g *Gateway) sendWelcome(conn *Connection) {
	g.send(conn, FrameWelcome, "", WelcomePayload{ConnectionID: conn.id, AdvisorID: conn.advisorID})
}

func (g *Gateway) sendAck(conn *Connection, command string, payload interface{}) {
	g.send(conn, FrameAck, command, payload)
}

func (g *Gateway) sendError(conn *Connection, command string, err error, message string) {
	g.logger.Debug("rejected inbound frame", zap.String("connection_id", conn.id), zap.Error(err))
	g.send(conn, FrameError, "", ErrorPayload{Code: "MALFORMED_FRAME", Message: message, Command: command})
}

func (g *Gateway) send(conn *Connection, frameType, event string, payload interface{}) {
	data, err := json.Marshal(ServerFrame{Type: frameType, Event: event, Payload: payload, ServerTime: g.clock().UTC()})
	if err != nil {
		g.logger.Error("failed to encode frame", zap.String("type", frameType), zap.Error(err))
		return
	}
	conn.enqueue(websocket.TextMessage, data)
}
