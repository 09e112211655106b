package event

import (
	"strings"
	"sync"

	"github.com/google/uuid"
)

// DefaultBufferSize is the default per-subscriber channel buffer.
const DefaultBufferSize = 64

// Publisher publishes events to a user's subscribers.
type Publisher interface {
	Publish(userID string, event Event)
}

// Subscriber subscribes to user-scoped events.
type Subscriber interface {
	Subscribe(userID string, buffer int) (string, <-chan Event, func())
}

// Hub is an in-process pub/sub dispatcher. Streams are keyed by user id:
// an event published for one user is never visible to another user's
// subscribers.
type Hub struct {
	mu      sync.RWMutex
	streams map[string]map[string]chan Event
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		streams: map[string]map[string]chan Event{},
	}
}

// Publish delivers one event to all subscribers of the given user.
// Slow subscribers are skipped in a non-blocking way so a stalled client
// cannot hold up the download pipeline.
func (h *Hub) Publish(userID string, event Event) {
	if h == nil {
		return
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return
	}
	event.UserID = userID
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.streams[userID] {
		select {
		case ch <- event:
		default:
		}
	}
}

// Subscribe registers one subscriber for a user's events.
// It returns a stream ID, a read-only event channel, and a cancel function.
// Events published before the subscription are not replayed.
func (h *Hub) Subscribe(userID string, buffer int) (string, <-chan Event, func()) {
	userID = strings.TrimSpace(userID)
	if h == nil || userID == "" {
		ch := make(chan Event)
		close(ch)
		return "", ch, func() {}
	}
	if buffer <= 0 {
		buffer = DefaultBufferSize
	}

	streamID := uuid.NewString()
	ch := make(chan Event, buffer)

	h.mu.Lock()
	streams, ok := h.streams[userID]
	if !ok {
		streams = map[string]chan Event{}
		h.streams[userID] = streams
	}
	streams[streamID] = ch
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			streams := h.streams[userID]
			if streams != nil {
				if current, ok := streams[streamID]; ok {
					delete(streams, streamID)
					close(current)
				}
				if len(streams) == 0 {
					delete(h.streams, userID)
				}
			}
			h.mu.Unlock()
		})
	}

	return streamID, ch, cancel
}

// SubscriberCount reports the number of live streams for a user.
func (h *Hub) SubscriberCount(userID string) int {
	if h == nil {
		return 0
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.streams[strings.TrimSpace(userID)])
}
