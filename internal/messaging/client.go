package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/spec-kit/conversation-engine/internal/config"
)

var errClientClosed = errors.New("amqp client closed")

// Client owns one broker connection and a publishing channel.
type Client struct {
	cfg    config.AMQPConfig
	logger *zap.Logger

	mu     sync.Mutex
	conn   *amqp.Connection
	pubCh  *amqp.Channel
	closed bool
}

// NewClient dials the broker and declares the topic exchange.
func NewClient(ctx context.Context, cfg config.AMQPConfig, logger *zap.Logger) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("amqp URL is required")
	}
	c := &Client{cfg: cfg, logger: logger}
	if err := c.connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) connect(ctx context.Context) error {
	timeout := time.Duration(c.cfg.ConnTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < timeout {
		timeout = time.Until(deadline)
	}
	if timeout <= 0 {
		return fmt.Errorf("context deadline exceeded before connection attempt")
	}

	host := ""
	if u, err := url.Parse(c.cfg.URL); err == nil {
		host = u.Host
	}
	c.logger.Info("connecting to broker", zap.String("host", host))

	conn, err := amqp.DialConfig(c.cfg.URL, amqp.Config{Dial: amqp.DefaultDial(timeout)})
	if err != nil {
		return fmt.Errorf("failed to connect to broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(c.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return fmt.Errorf("declare exchange: %w", err)
	}

	c.mu.Lock()
	c.conn, c.pubCh = conn, ch
	c.mu.Unlock()
	return nil
}

// Publish sends env as persistent JSON. A dead channel triggers one reconnect attempt.
func (c *Client) Publish(ctx context.Context, routingKey string, env Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	ch, err := c.channel(ctx)
	if err != nil {
		return err
	}
	correlation := ""
	if env.Meta.CorrelationID != nil {
		correlation = *env.Meta.CorrelationID
	}
	return ch.PublishWithContext(ctx, c.cfg.Exchange, routingKey, false, false, amqp.Publishing{
		ContentType:   "application/json",
		Body:          body,
		DeliveryMode:  amqp.Persistent,
		MessageId:     env.Meta.ID,
		CorrelationId: correlation,
		Type:          env.Meta.Type,
		Timestamp:     env.Meta.Time,
		AppId:         c.cfg.Producer,
	})
}

func (c *Client) channel(ctx context.Context) (*amqp.Channel, error) {
	c.mu.Lock()
	closed := c.closed
	ch := c.pubCh
	conn := c.conn
	c.mu.Unlock()
	if closed {
		return nil, errClientClosed
	}
	if conn != nil && !conn.IsClosed() && ch != nil && !ch.IsClosed() {
		return ch, nil
	}
	if conn != nil {
		_ = conn.Close()
	}
	if err := c.connect(ctx); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pubCh, nil
}

// Connection returns the live connection for consumers.
func (c *Client) Connection() *amqp.Connection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// Close closes the channel and connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	if c.pubCh != nil {
		_ = c.pubCh.Close()
	}
	if c.conn != nil {
		_ = c.conn.Close()
	}
}
