package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/spec-kit/conversation-engine/internal/domain"
	"github.com/spec-kit/conversation-engine/internal/observability"
	"github.com/spec-kit/conversation-engine/internal/service"
	apperrors "github.com/spec-kit/conversation-engine/pkg/util/errorutil"
)

// ErrPoison marks a delivery that can never succeed (e.g. undecodable JSON).
var ErrPoison = errors.New("poison message")

// JSONHandler wraps a typed handler and turns JSON decode failure into ErrPoison.
func JSONHandler[T any](h func(context.Context, T) error) func(context.Context, []byte) error {
	return func(ctx context.Context, body []byte) error {
		var v T
		if err := json.Unmarshal(body, &v); err != nil {
			return ErrPoison
		}
		return h(ctx, v)
	}
}

// Disposition says what to do with a delivery after handling.
type Disposition int

const (
	Ack Disposition = iota
	Requeue
)

// Dispose maps a handler result to an ack decision. Only store outages are retried;
// poison and business rejections are acknowledged so they do not loop.
func Dispose(err error) Disposition {
	switch {
	case err == nil:
		return Ack
	case errors.Is(err, ErrPoison):
		return Ack
	case apperrors.HasCode(err, apperrors.CodeStoreUnavailable):
		return Requeue
	default:
		var domainErr *apperrors.DomainError
		if errors.As(err, &domainErr) {
			return Ack
		}
		return Requeue
	}
}

// InboundPayload is the data of an inbound.message.v1 envelope.
type InboundPayload struct {
	CustomerKey         string    `json:"customer_key"`
	Channel             string    `json:"channel"`
	ChannelConnectionID string    `json:"channel_connection_id"`
	QueueID             *string   `json:"queue_id,omitempty"`
	MessageID           string    `json:"message_id"`
	Body                string    `json:"body"`
	ReceivedAt          time.Time `json:"received_at"`
	Attachment          *struct {
		URL      string `json:"url"`
		MimeType string `json:"mime_type"`
		FileName string `json:"file_name,omitempty"`
	} `json:"attachment,omitempty"`
}

type inboundEnvelope struct {
	Meta Meta           `json:"meta"`
	Data InboundPayload `json:"data"`
}

// InboundRecorder is implemented by *service.DistributionService.
type InboundRecorder interface {
	RecordInbound(ctx context.Context, msg service.InboundMessage) (*domain.Conversation, *domain.Message, error)
}

// InboundHandler decodes inbound envelopes and records them.
func InboundHandler(recorder InboundRecorder, logger *zap.Logger) func(context.Context, []byte) error {
	logger = observability.OrNop(logger)
	return JSONHandler(func(ctx context.Context, env inboundEnvelope) error {
		data := env.Data
		if strings.TrimSpace(data.CustomerKey) == "" || strings.TrimSpace(data.Channel) == "" {
			logger.Warn("inbound message without natural key", zap.String("event_id", env.Meta.ID))
			return ErrPoison
		}
		msg := service.InboundMessage{
			Key: domain.NaturalKey{
				CustomerKey:         data.CustomerKey,
				Channel:             data.Channel,
				ChannelConnectionID: data.ChannelConnectionID,
			},
			QueueID:    data.QueueID,
			MessageID:  data.MessageID,
			Body:       data.Body,
			ReceivedAt: data.ReceivedAt,
		}
		if data.Attachment != nil {
			msg.Attachment = &domain.Attachment{
				URL:      data.Attachment.URL,
				MimeType: data.Attachment.MimeType,
				FileName: data.Attachment.FileName,
			}
		}
		_, _, err := recorder.RecordInbound(ctx, msg)
		return err
	})
}

// ConsumerSpec defines a single consumer.
type ConsumerSpec struct {
	Name       string
	Exchange   string
	Queue      string
	BindingKey string
	Prefetch   int
	Consume    func(ctx context.Context, body []byte) error
}

// RunConsumer consumes until ctx is cancelled, reopening the channel with backoff when
// the broker closes it.
func (c *Client) RunConsumer(ctx context.Context, spec ConsumerSpec, metrics *observability.Metrics) error {
	backoff := time.Second
	for {
		err := c.consumeOnce(ctx, spec, metrics)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Error("consumer stopped, restarting",
			zap.String("name", spec.Name),
			zap.Duration("retry_in", backoff),
			zap.Error(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
		if _, err := c.channel(ctx); err != nil {
			c.logger.Error("broker reconnect failed", zap.Error(err))
		}
	}
}

func (c *Client) consumeOnce(ctx context.Context, spec ConsumerSpec, metrics *observability.Metrics) error {
	conn := c.Connection()
	if conn == nil || conn.IsClosed() {
		return errClientClosed
	}
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	prefetch := spec.Prefetch
	if prefetch <= 0 {
		prefetch = 1
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		return err
	}
	if err := ch.ExchangeDeclare(spec.Exchange, "topic", true, false, false, false, nil); err != nil {
		return err
	}
	if _, err := ch.QueueDeclare(spec.Queue, true, false, false, false, nil); err != nil {
		return err
	}
	if err := ch.QueueBind(spec.Queue, spec.BindingKey, spec.Exchange, false, nil); err != nil {
		return err
	}
	msgs, err := ch.Consume(spec.Queue, "", false, false, false, false, nil)
	if err != nil {
		return err
	}
	closeCh := ch.NotifyClose(make(chan *amqp.Error, 1))
	c.logger.Info("consumer started",
		zap.String("name", spec.Name),
		zap.String("queue", spec.Queue),
		zap.Int("prefetch", prefetch))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case amqpErr := <-closeCh:
			if amqpErr == nil {
				return errors.New("channel closed")
			}
			return amqpErr
		case d, ok := <-msgs:
			if !ok {
				return errors.New("delivery channel closed")
			}
			err := spec.Consume(ctx, d.Body)
			switch Dispose(err) {
			case Ack:
				if err != nil {
					c.logger.Warn("discarding inbound delivery",
						zap.String("name", spec.Name),
						zap.String("message_id", d.MessageId),
						zap.Error(err))
				} else {
					metrics.Inc(observability.CounterInboundConsumed)
				}
				_ = d.Ack(false)
			case Requeue:
				c.logger.Warn("requeueing inbound delivery",
					zap.String("name", spec.Name),
					zap.String("message_id", d.MessageId),
					zap.Error(err))
				_ = d.Nack(false, true)
			}
		}
	}
}
