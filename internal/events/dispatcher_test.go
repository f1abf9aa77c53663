package events

import (
	"context"
	"errors"
	"testing"
)

func TestDispatcherDeliversInOrderDespiteHandlerErrors(t *testing.T) {
	d := NewInMemoryDispatcher(nil)
	var seen []string
	d.Subscribe(EventConversationUpdated, func(context.Context, Event) error {
		seen = append(seen, "typed")
		return errors.New("boom")
	})
	d.SubscribeAll(func(_ context.Context, e Event) error {
		seen = append(seen, "all:"+e.ID)
		return nil
	})

	for _, id := range []string{"1", "2"} {
		if err := d.Publish(context.Background(), Event{ID: id, Type: EventConversationUpdated}); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	_ = d.Publish(context.Background(), Event{ID: "3", Type: EventTyping})

	want := []string{"typed", "all:1", "typed", "all:2", "all:3"}
	if len(seen) != len(want) {
		t.Fatalf("got %v want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("got %v want %v", seen, want)
		}
	}
}
