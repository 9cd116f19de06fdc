package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"transfer-orchestrator/backend/internal/logging"
)

func receive(t *testing.T, s *Subscription) Event {
	t.Helper()
	select {
	case e, ok := <-s.C:
		require.True(t, ok, "subscription closed")
		return e
	case <-time.After(time.Second):
		t.Fatal("no event received")
		return Event{}
	}
}

func TestPublishScopesByOwner(t *testing.T) {
	h := NewHub(4, logging.NewNop())
	u1 := h.Subscribe("u1")
	defer u1.Close()
	u2 := h.Subscribe("u2")
	defer u2.Close()
	all := h.Subscribe("")
	defer all.Close()

	sent := h.Publish(Event{Name: NameNotification, OwnerID: "u1"})
	assert.NotEmpty(t, sent.ID)
	assert.False(t, sent.Timestamp.IsZero())

	got := receive(t, u1)
	assert.Equal(t, sent.ID, got.ID)
	assert.Equal(t, sent.ID, receive(t, all).ID)

	select {
	case e := <-u2.C:
		t.Fatalf("u2 received %v", e)
	default:
	}
}

func TestSlowSubscriberIsEvicted(t *testing.T) {
	h := NewHub(2, logging.NewNop())
	slow := h.Subscribe("u1")
	fast := h.Subscribe("u1")
	defer fast.Close()

	for i := 0; i < 3; i++ {
		h.Publish(Event{Name: NameNotification, OwnerID: "u1"})
		receive(t, fast)
	}

	assert.Equal(t, 1, h.Subscribers())
	// the two buffered events drain, then the channel reports closed
	<-slow.C
	<-slow.C
	_, ok := <-slow.C
	assert.False(t, ok)

	slow.Close()
}

func TestCloseIsIdempotent(t *testing.T) {
	h := NewHub(1, logging.NewNop())
	s := h.Subscribe("u1")
	s.Close()
	s.Close()
	assert.Equal(t, 0, h.Subscribers())
	h.Publish(Event{Name: NameNotification, OwnerID: "u1"})
}
