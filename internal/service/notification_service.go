package service

import (
	"context"

	"go.uber.org/zap"

	"github.com/spec-kit/conversation-engine/internal/events"
)

// EventSink receives every dispatched event. Sinks must not block on external I/O.
type EventSink interface {
	Deliver(ctx context.Context, event events.Event) error
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(ctx context.Context, event events.Event) error

// Deliver calls f.
func (f EventSinkFunc) Deliver(ctx context.Context, event events.Event) error {
	return f(ctx, event)
}

// NotificationService fans domain events out to the websocket gateway and the broker relay.
type NotificationService struct {
	dispatcher events.Dispatcher
	logger     *zap.Logger
	sinks      []EventSink
}

// NewNotificationService creates the service. Nil sinks are ignored.
func NewNotificationService(dispatcher events.Dispatcher, logger *zap.Logger, sinks ...EventSink) *NotificationService {
	if logger == nil {
		logger = zap.NewNop()
	}
	kept := make([]EventSink, 0, len(sinks))
	for _, sink := range sinks {
		if sink != nil {
			kept = append(kept, sink)
		}
	}
	return &NotificationService{
		dispatcher: dispatcher,
		logger:     logger,
		sinks:      kept,
	}
}

// RegisterHandlers subscribes to events.
func (n *NotificationService) RegisterHandlers() {
	if n.dispatcher == nil {
		return
	}
	n.dispatcher.Subscribe(events.EventConversationUpdated, n.handleConversationUpdated)
	n.dispatcher.Subscribe(events.EventMessageCreated, n.handleMessage)
	n.dispatcher.Subscribe(events.EventMessageUpdated, n.handleMessage)
	n.dispatcher.Subscribe(events.EventTyping, n.fanOut)
}

func (n *NotificationService) handleConversationUpdated(ctx context.Context, event events.Event) error {
	if payload, ok := event.Payload.(events.ConversationUpdatedPayload); ok {
		n.logger.Debug("ConversationUpdated",
			zap.String("conversation_id", event.ConversationID),
			zap.String("reason", payload.Reason),
			zap.String("status", string(payload.Conversation.Status)))
	}
	return n.fanOut(ctx, event)
}

func (n *NotificationService) handleMessage(ctx context.Context, event events.Event) error {
	n.logger.Debug("MessageRelayed",
		zap.String("conversation_id", event.ConversationID),
		zap.String("event_type", string(event.Type)))
	return n.fanOut(ctx, event)
}

// fanOut delivers to every sink; one failing sink never starves the rest.
func (n *NotificationService) fanOut(ctx context.Context, event events.Event) error {
	for _, sink := range n.sinks {
		if err := sink.Deliver(ctx, event); err != nil {
			n.logger.Warn("event sink failed",
				zap.String("event_type", string(event.Type)),
				zap.String("conversation_id", event.ConversationID),
				zap.Error(err))
		}
	}
	return nil
}
