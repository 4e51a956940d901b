package controlapi

import (
	"context"

	"github.com/parallelctl/parallelctl/internal/controlapi/websocket"
	"github.com/parallelctl/parallelctl/internal/events"
)

// EventBridge implements events.Publisher by broadcasting every
// published event straight into the Control API's websocket Hub, in
// addition to forwarding it to an optional upstream Publisher (e.g. a
// Redis-backed one, for consumers outside this process).
type EventBridge struct {
	hub   *websocket.Hub
	inner events.Publisher
}

// NewEventBridge builds a bridge feeding hub. inner may be nil.
func NewEventBridge(hub *websocket.Hub, inner events.Publisher) *EventBridge {
	return &EventBridge{hub: hub, inner: inner}
}

// Publish broadcasts event to connected dashboards and, if configured,
// forwards it to the upstream publisher.
func (b *EventBridge) Publish(ctx context.Context, event *events.Event) error {
	b.hub.Broadcast(event)
	if b.inner != nil {
		return b.inner.Publish(ctx, event)
	}
	return nil
}

// Subscribe delegates to the upstream publisher; the bridge itself has
// no subscription model beyond the websocket Hub.
func (b *EventBridge) Subscribe(ctx context.Context, eventTypes ...events.EventType) (<-chan *events.Event, error) {
	if b.inner != nil {
		return b.inner.Subscribe(ctx, eventTypes...)
	}
	ch := make(chan *events.Event)
	close(ch)
	return ch, nil
}

// Close closes the upstream publisher, if any. The Hub is stopped
// separately by its owner.
func (b *EventBridge) Close() error {
	if b.inner != nil {
		return b.inner.Close()
	}
	return nil
}
