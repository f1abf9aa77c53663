package messaging

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/spec-kit/conversation-engine/internal/domain"
	"github.com/spec-kit/conversation-engine/internal/events"
	"github.com/spec-kit/conversation-engine/internal/observability"
	"github.com/spec-kit/conversation-engine/internal/service"
	apperrors "github.com/spec-kit/conversation-engine/pkg/util/errorutil"
)

type capturePublisher struct {
	mu    sync.Mutex
	keys  []string
	envs  []Envelope
	block chan struct{}
	err   error
}

func (p *capturePublisher) Publish(_ context.Context, key string, env Envelope) error {
	if p.block != nil {
		<-p.block
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.keys = append(p.keys, key)
	p.envs = append(p.envs, env)
	return nil
}

func (p *capturePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.keys)
}

func TestNewEnvelopeCarriesMeta(t *testing.T) {
	ts := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	env := NewEnvelope(events.Event{
		ID:             "evt-1",
		Type:           events.EventConversationUpdated,
		ConversationID: "conv-1",
		Actor:          events.SystemActor,
		Timestamp:      ts,
	}, RoutingConversationUpdated, "conversation-engine")

	if env.Meta.ID != "evt-1" || env.Meta.Type != RoutingConversationUpdated || !env.Meta.Time.Equal(ts) {
		t.Fatalf("unexpected meta %+v", env.Meta)
	}
	if env.Meta.CorrelationID == nil || *env.Meta.CorrelationID != "conv-1" {
		t.Fatalf("conversation id should correlate events")
	}
	if env.Meta.Producer == nil || *env.Meta.Producer != "conversation-engine" {
		t.Fatalf("producer missing")
	}
}

func TestRoutingKeys(t *testing.T) {
	if _, ok := RoutingKeyFor(events.EventTyping); ok {
		t.Fatalf("typing must not reach the broker")
	}
	if key, _ := RoutingKeyFor(events.EventMessageCreated); key != RoutingMessageCreated {
		t.Fatalf("unexpected key %s", key)
	}
}

func TestRelayPublishesInOrder(t *testing.T) {
	pub := &capturePublisher{}
	metrics := observability.NewMetrics()
	relay := NewRelay(pub, "engine", 8, nil, metrics)
	ctx, cancel := context.WithCancel(context.Background())
	relay.Start(ctx)

	_ = relay.Deliver(ctx, events.Event{ID: "1", Type: events.EventConversationUpdated, ConversationID: "c"})
	_ = relay.Deliver(ctx, events.Event{ID: "2", Type: events.EventMessageCreated, ConversationID: "c"})
	_ = relay.Deliver(ctx, events.Event{ID: "3", Type: events.EventTyping, ConversationID: "c"})

	deadline := time.Now().Add(2 * time.Second)
	for pub.count() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	relay.Wait()

	if pub.count() != 2 || pub.keys[0] != RoutingConversationUpdated || pub.keys[1] != RoutingMessageCreated {
		t.Fatalf("unexpected publishes %v", pub.keys)
	}
	if metrics.Counter(observability.CounterRelayPublished) != 2 {
		t.Fatalf("expected 2 published")
	}
}

func TestRelayDropsWhenBufferFull(t *testing.T) {
	pub := &capturePublisher{block: make(chan struct{})}
	metrics := observability.NewMetrics()
	relay := NewRelay(pub, "engine", 1, nil, metrics)

	// No worker running: the first event fills the buffer, the rest are dropped.
	for i := 0; i < 3; i++ {
		if err := relay.Deliver(context.Background(), events.Event{Type: events.EventMessageUpdated}); err != nil {
			t.Fatalf("deliver must not fail: %v", err)
		}
	}
	if metrics.Counter(observability.CounterRelayDropped) != 2 {
		t.Fatalf("expected 2 drops, got %d", metrics.Counter(observability.CounterRelayDropped))
	}
	close(pub.block)
}

func TestDispose(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Disposition
	}{
		{"success", nil, Ack},
		{"poison", ErrPoison, Ack},
		{"store down", apperrors.NewStoreUnavailable(errors.New("dial tcp")), Requeue},
		{"validation", apperrors.NewValidationError("body required", nil), Ack},
		{"unknown", errors.New("boom"), Requeue},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Dispose(tc.err); got != tc.want {
				t.Fatalf("Dispose(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

type recordingInbound struct {
	got []service.InboundMessage
	err error
}

func (r *recordingInbound) RecordInbound(_ context.Context, msg service.InboundMessage) (*domain.Conversation, *domain.Message, error) {
	r.got = append(r.got, msg)
	return nil, nil, r.err
}

func TestInboundHandler(t *testing.T) {
	rec := &recordingInbound{}
	handle := InboundHandler(rec, nil)

	body := []byte(`{"meta":{"id":"e1","type":"inbound.message.v1","time":"2024-01-01T00:00:00Z"},
		"data":{"customer_key":"cust","channel":"whatsapp","channel_connection_id":"line","message_id":"m1","body":"hi",
		"attachment":{"url":"https://cdn/x.png","mime_type":"image/png"}}}`)
	if err := handle(context.Background(), body); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(rec.got) != 1 {
		t.Fatalf("expected one recorded message")
	}
	msg := rec.got[0]
	if msg.Key.CustomerKey != "cust" || msg.MessageID != "m1" || msg.Attachment == nil || msg.Attachment.MimeType != "image/png" {
		t.Fatalf("unexpected message %+v", msg)
	}

	if err := handle(context.Background(), []byte(`{not json`)); !errors.Is(err, ErrPoison) {
		t.Fatalf("expected poison, got %v", err)
	}
	if err := handle(context.Background(), []byte(`{"data":{"body":"no key"}}`)); !errors.Is(err, ErrPoison) {
		t.Fatalf("expected poison for missing key, got %v", err)
	}
}
