package realtime

import (
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fasthttp/websocket"
	"go.uber.org/zap"
)

// Socket is the subset of a websocket connection the gateway uses.
// *websocket.Conn from gofiber/contrib satisfies it.
type Socket interface {
	NextReader() (messageType int, r io.Reader, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// ConnectionState tracks the lifecycle of one console connection.
type ConnectionState int32

const (
	StateConnecting ConnectionState = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateOpen:
		return "OPEN"
	case StateClosing:
		return "CLOSING"
	default:
		return "CLOSED"
	}
}

type outbound struct {
	messageType int
	data        []byte
}

// Connection is one attached console. All socket writes except the final close frame
// happen on the connection's writer goroutine.
type Connection struct {
	id         string
	advisorID  string
	socket     Socket
	send       chan outbound
	done       chan struct{}
	writerDone chan struct{}
	state      atomic.Int32
	alive      atomic.Bool
	closeOnce  sync.Once

	writeTimeout time.Duration
	logger       *zap.Logger
	onClose      func(*Connection, error)
}

func newConnection(id, advisorID string, socket Socket, buffer int, writeTimeout time.Duration, logger *zap.Logger, onClose func(*Connection, error)) *Connection {
	if buffer <= 0 {
		buffer = 64
	}
	c := &Connection{
		id:           id,
		advisorID:    advisorID,
		socket:       socket,
		send:         make(chan outbound, buffer),
		done:         make(chan struct{}),
		writerDone:   make(chan struct{}),
		writeTimeout: writeTimeout,
		logger:       logger.With(zap.String("connection_id", id)),
		onClose:      onClose,
	}
	c.state.Store(int32(StateConnecting))
	c.alive.Store(true)
	socket.SetPongHandler(func(string) error {
		c.alive.Store(true)
		return nil
	})
	return c
}

// ID returns the connection identifier sent in the welcome frame.
func (c *Connection) ID() string { return c.id }

// AdvisorID returns the authenticated advisor, if any.
func (c *Connection) AdvisorID() string { return c.advisorID }

// State returns the current lifecycle state.
func (c *Connection) State() ConnectionState {
	return ConnectionState(c.state.Load())
}

// Done is closed once the connection starts closing.
func (c *Connection) Done() <-chan struct{} { return c.done }

func (c *Connection) open() bool {
	return c.state.CompareAndSwap(int32(StateConnecting), int32(StateOpen))
}

// enqueue never blocks. A full buffer drops the connection.
func (c *Connection) enqueue(messageType int, data []byte) bool {
	if c.State() != StateOpen {
		return false
	}
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- outbound{messageType: messageType, data: data}:
		return true
	default:
		go c.Close(ErrConnectionWriteFailed)
		return false
	}
}

func (c *Connection) writeLoop() {
	defer close(c.writerDone)
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			select {
			case <-c.done:
				return
			default:
			}
			if c.writeTimeout > 0 {
				_ = c.socket.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			}
			if err := c.socket.WriteMessage(msg.messageType, msg.data); err != nil {
				c.logger.Debug("socket write failed", zap.Error(err))
				c.Close(ErrConnectionWriteFailed)
				return
			}
		}
	}
}

// waitWriter blocks until the writer goroutine has returned. The socket is not
// touched again after that.
func (c *Connection) waitWriter() {
	<-c.writerDone
}

// Close releases the connection. Calling it more than once is a no-op.
func (c *Connection) Close(reason error) {
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosing))
		close(c.done)

		code := websocket.CloseNormalClosure
		text := "bye"
		switch reason {
		case errHeartbeatTimeout:
			code, text = websocket.CloseGoingAway, "heartbeat timeout"
		case ErrConnectionWriteFailed:
			code, text = websocket.CloseTryAgainLater, "slow consumer"
		case errGatewayClosed:
			code, text = websocket.CloseGoingAway, "server shutdown"
		}
		if reason != errPeerClosed {
			_ = c.socket.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(code, text), time.Now().Add(time.Second))
		}
		_ = c.socket.Close()
		if c.onClose != nil {
			c.onClose(c, reason)
		}
		c.state.Store(int32(StateClosed))
	})
}
