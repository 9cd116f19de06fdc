// Package events fans control-plane events out to connected operator sessions.
package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event names carried on the push channel.
const (
	NameConnected          = "connected"
	NameNotification       = "notification"
	NameVerificationMethod = "choose_verification_method"
	NameVerificationCode   = "submit_verification_code"
	NameConfirmTransfer    = "confirm_transfer"
	NameProgressSnapshot   = "progress_snapshot"
	NameChallengeClosed    = "challenge_closed"
)

const defaultBuffer = 64

// Event is one message on the push channel. Every event carries its own id,
// thread id and timestamp so receivers can drop duplicates.
type Event struct {
	ID        string          `json:"id"`
	Name      string          `json:"event"`
	OwnerID   string          `json:"owner_id"`
	ProcessID string          `json:"process_id,omitempty"`
	ThreadID  string          `json:"thread_id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Logger defines the logging interface compatible with the application logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type subscriber struct {
	owner string
	ch    chan Event
}

// Subscription receives events for one owner. C is closed when the
// subscription ends, either by Close or because the hub evicted a slow reader.
type Subscription struct {
	C <-chan Event

	hub *Hub
	sub *subscriber
}

// Close ends the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	s.hub.remove(s.sub)
}

// Hub is an in-process publish/subscribe fan-out.
type Hub struct {
	mu     sync.RWMutex
	subs   map[*subscriber]struct{}
	buffer int
	logger Logger
}

// NewHub creates a Hub whose subscribers buffer up to buffer events.
func NewHub(buffer int, logger Logger) *Hub {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Hub{
		subs:   make(map[*subscriber]struct{}),
		buffer: buffer,
		logger: logger,
	}
}

// Subscribe registers a reader for ownerID's events. An empty ownerID receives
// every owner's events.
func (h *Hub) Subscribe(ownerID string) *Subscription {
	s := &subscriber{owner: ownerID, ch: make(chan Event, h.buffer)}
	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()
	return &Subscription{C: s.ch, hub: h, sub: s}
}

// Publish delivers e to every matching subscriber without blocking. Subscribers
// whose buffer is full are evicted. The filled-in event is returned.
func (h *Hub) Publish(e Event) Event {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	var slow []*subscriber
	h.mu.RLock()
	for s := range h.subs {
		if s.owner != "" && s.owner != e.OwnerID {
			continue
		}
		select {
		case s.ch <- e:
		default:
			slow = append(slow, s)
		}
	}
	h.mu.RUnlock()

	for _, s := range slow {
		h.logger.Warn("evicting slow event subscriber", "owner_id", s.owner, "event", e.Name)
		h.remove(s)
	}
	return e
}

// Subscribers returns the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (h *Hub) remove(s *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[s]; !ok {
		return
	}
	delete(h.subs, s)
	close(s.ch)
}
