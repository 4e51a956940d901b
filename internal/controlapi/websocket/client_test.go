package websocket

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/parallelctl/parallelctl/internal/events"
)

func TestClient_IsSubscribed_NoSubscriptionsReceivesAll(t *testing.T) {
	c := &Client{subscriptions: make(map[events.EventType]bool)}
	assert.True(t, c.IsSubscribed(events.EventTaskCompleted))
}

func TestClient_SubscribeAll(t *testing.T) {
	c := &Client{subscriptions: make(map[events.EventType]bool)}
	c.SubscribeAll()
	assert.True(t, c.IsSubscribed(events.EventTaskCompleted))
	assert.True(t, c.IsSubscribed(events.EventWorkerCrashed))
	assert.True(t, c.IsSubscribed(events.EventRunFailed))
}

func TestHub_ClientCount(t *testing.T) {
	h := NewHub()
	assert.Equal(t, 0, h.ClientCount())
}
