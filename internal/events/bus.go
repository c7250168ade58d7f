// Package events provides the in-process pub/sub bus that carries session
// lifecycle and memory activity notifications to subscribers, including
// the SSE layer.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Event types published on the bus.
const (
	TypeSessionCreated      = "session_created"
	TypeSessionTerminated   = "session_terminated"
	TypeSessionStatus       = "session_status"
	TypeSessionCrashed      = "session_crashed"
	TypeConversationAdded   = "conversation_added"
	TypeConversationCleared = "conversation_cleared"
	TypeMemoryPromoted      = "memory_promoted"
	TypeMemoryStored        = "memory_stored"
)

// Event is one bus notification. SessionID is empty for system-wide
// events.
type Event struct {
	Type      string         `json:"type"`
	SessionID string         `json:"session_id,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// subscriberBuffer is the channel depth per subscriber. Delivery is
// non-blocking: a subscriber that falls this far behind loses events
// rather than stalling publishers.
const subscriberBuffer = 64

type subscriber struct {
	id        string
	sessionID string // empty subscribes to everything
	ch        chan Event
}

// Bus fans events out to global and per-session subscribers. Publish
// never blocks on a slow consumer.
type Bus struct {
	mu   sync.RWMutex
	subs map[string]*subscriber
	now  func() time.Time
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{
		subs: make(map[string]*subscriber),
		now:  time.Now,
	}
}

// Subscribe registers a global subscriber receiving every event. The
// returned cancel func must be called to release the subscription; the
// channel is closed by cancel.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	return b.subscribe("")
}

// SubscribeSession registers a subscriber receiving only events for one
// session.
func (b *Bus) SubscribeSession(sessionID string) (<-chan Event, func()) {
	return b.subscribe(sessionID)
}

func (b *Bus) subscribe(sessionID string) (<-chan Event, func()) {
	sub := &subscriber{
		id:        uuid.NewString(),
		sessionID: sessionID,
		ch:        make(chan Event, subscriberBuffer),
	}

	b.mu.Lock()
	b.subs[sub.id] = sub
	total := len(b.subs)
	b.mu.Unlock()

	log.Debug().
		Str("subscriberId", sub.id).
		Str("sessionId", sessionID).
		Int("totalSubscribers", total).
		Msg("Event subscriber added")

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, sub.id)
			b.mu.Unlock()
			close(sub.ch)
		})
	}
	return sub.ch, cancel
}

// Publish delivers an event to every matching subscriber. The timestamp
// is stamped here when unset.
func (b *Bus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = b.now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if sub.sessionID != "" && sub.sessionID != ev.SessionID {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			log.Warn().
				Str("subscriberId", sub.id).
				Str("eventType", ev.Type).
				Msg("Event dropped for slow subscriber")
		}
	}
}

// SubscriberCount returns the registered subscriber count.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
