package stream

import (
	"context"
	"sync"
	"time"

	"chatguard.org/internal/chat"
)

// EventMessageCreated is emitted for every persisted message.
const EventMessageCreated = "message.created"

// Event is a live update for a chat.
type Event struct {
	Type      string       `json:"type"`
	ChatID    string       `json:"chatId"`
	Message   chat.Message `json:"message"`
	Timestamp time.Time    `json:"timestamp"`
}

// Publisher accepts events for fan-out. Publish never blocks.
type Publisher interface {
	Publish(evt Event)
}

// ReadFilter decides whether a subscriber may see a message.
type ReadFilter func(chat.Message) bool

type subscriber struct {
	chatID  string
	canRead ReadFilter
	ch      chan Event
}

// Hub fans out chat events to subscribers of that chat (WebSocket clients).
type Hub struct {
	mu   sync.RWMutex
	subs map[int]subscriber
	next int
}

// New initialises an empty hub.
func New() *Hub {
	return &Hub{subs: make(map[int]subscriber)}
}

// Subscribe registers a subscriber for chatID and returns a channel which will
// receive the events canRead accepts. The channel is closed when ctx ends.
func (h *Hub) Subscribe(ctx context.Context, chatID string, canRead ReadFilter) <-chan Event {
	ch := make(chan Event, 16)

	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = subscriber{chatID: chatID, canRead: canRead, ch: ch}
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.mu.Lock()
		delete(h.subs, id)
		close(ch)
		h.mu.Unlock()
	}()

	return ch
}

// Publish delivers evt to every subscriber of its chat allowed to read it.
func (h *Hub) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, s := range h.subs {
		if s.chatID != evt.ChatID {
			continue
		}
		if s.canRead != nil && !s.canRead(evt.Message) {
			continue
		}
		select {
		case s.ch <- evt:
		default:
			// Drop when subscriber is slow to avoid blocking.
		}
	}
}

// Subscribers returns the number of active subscribers.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// MessageCreated builds the event for a persisted message.
func MessageCreated(m chat.Message) Event {
	return Event{Type: EventMessageCreated, ChatID: m.ChatID, Message: m, Timestamp: time.Now().UTC()}
}
