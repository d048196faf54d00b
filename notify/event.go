package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/rbaliyan/event/v3"
)

// EventNameChanged is the default event name for owner wake-ups.
const EventNameChanged = "mailhost.mailbox.changed"

// ChangedEvent is published on the event bus when an owner's mailboxes changed.
type ChangedEvent struct {
	Owner   string    `json:"owner"`
	FiredAt time.Time `json:"fired_at"`
}

// EventBroadcaster publishes wake-ups as typed events on an event bus.
type EventBroadcaster struct {
	ev event.Event[ChangedEvent]
}

// NewEventBroadcaster creates the event name on bus and registers it.
// Each broadcaster needs a unique name per bus.
func NewEventBroadcaster(ctx context.Context, bus *event.Bus, name string) (*EventBroadcaster, error) {
	if name == "" {
		name = EventNameChanged
	}
	ev := event.New[ChangedEvent](name)
	if err := event.Register(ctx, bus, ev); err != nil {
		return nil, fmt.Errorf("register %s: %w", name, err)
	}
	return &EventBroadcaster{ev: ev}, nil
}

// Event returns the underlying event for subscribers.
func (b *EventBroadcaster) Event() event.Event[ChangedEvent] {
	return b.ev
}

// Broadcast publishes a ChangedEvent for owner.
func (b *EventBroadcaster) Broadcast(ctx context.Context, owner string) error {
	return b.ev.Publish(ctx, ChangedEvent{Owner: owner, FiredAt: time.Now().UTC()})
}
