package messaging

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/spec-kit/conversation-engine/internal/events"
	"github.com/spec-kit/conversation-engine/internal/observability"
)

// Publisher sends one envelope. *Client satisfies it.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, env Envelope) error
}

type relayItem struct {
	routingKey string
	envelope   Envelope
}

// Relay forwards domain events to the broker from a single worker goroutine. Deliver
// never blocks: when the buffer is full the event is dropped and counted.
type Relay struct {
	publisher Publisher
	producer  string
	queue     chan relayItem
	logger    *zap.Logger
	metrics   *observability.Metrics
	timeout   time.Duration
	wg        sync.WaitGroup
}

// NewRelay builds a relay with a bounded buffer.
func NewRelay(publisher Publisher, producer string, buffer int, logger *zap.Logger, metrics *observability.Metrics) *Relay {
	if buffer <= 0 {
		buffer = 1024
	}
	return &Relay{
		publisher: publisher,
		producer:  producer,
		queue:     make(chan relayItem, buffer),
		logger:    observability.OrNop(logger).Named("relay"),
		metrics:   metrics,
		timeout:   5 * time.Second,
	}
}

// Deliver enqueues an event. It implements service.EventSink.
func (r *Relay) Deliver(_ context.Context, event events.Event) error {
	key, ok := RoutingKeyFor(event.Type)
	if !ok {
		return nil
	}
	select {
	case r.queue <- relayItem{routingKey: key, envelope: NewEnvelope(event, key, r.producer)}:
	default:
		r.metrics.Inc(observability.CounterRelayDropped)
		r.logger.Warn("relay buffer full, dropping event",
			zap.String("routing_key", key),
			zap.String("conversation_id", event.ConversationID))
	}
	return nil
}

// Start runs the publishing worker until ctx is cancelled. Items still buffered at
// cancellation are flushed with a short deadline.
func (r *Relay) Start(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			select {
			case <-ctx.Done():
				r.drain()
				return
			case item := <-r.queue:
				r.publish(ctx, item)
			}
		}
	}()
}

// Wait blocks until the worker has exited.
func (r *Relay) Wait() {
	r.wg.Wait()
}

func (r *Relay) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	for {
		select {
		case item := <-r.queue:
			r.publish(ctx, item)
		default:
			return
		}
	}
}

func (r *Relay) publish(ctx context.Context, item relayItem) {
	pubCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	if err := r.publisher.Publish(pubCtx, item.routingKey, item.envelope); err != nil {
		r.metrics.Inc(observability.CounterRelayDropped)
		r.logger.Error("broker publish failed",
			zap.String("routing_key", item.routingKey),
			zap.String("event_id", item.envelope.Meta.ID),
			zap.Error(err))
		return
	}
	r.metrics.Inc(observability.CounterRelayPublished)
}
