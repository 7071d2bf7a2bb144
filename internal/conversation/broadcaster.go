// ABOUTME: In-memory fan-out event broadcaster for cross-client awareness.
// ABOUTME: Publishes stream events to all observers of a conversation ID.

package conversation

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// observerBufferSize is the channel buffer for each observer.
const observerBufferSize = 64

// EventBroadcaster provides in-memory pub/sub for stream events. Observers
// register for a conversation ID and receive events as they are forwarded.
// This enables cross-client awareness without polling.
type EventBroadcaster struct {
	mu        sync.RWMutex
	observers map[string]map[string]chan *Event // conversationID -> subID -> ch
	logger    *slog.Logger
}

// NewEventBroadcaster creates a broadcaster. Pass nil logger for default.
func NewEventBroadcaster(logger *slog.Logger) *EventBroadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventBroadcaster{
		observers: make(map[string]map[string]chan *Event),
		logger:    logger.With("component", "broadcaster"),
	}
}

// Subscribe registers an observer for events on the given conversation.
// Returns a channel that receives events and a subscription ID for later
// unsubscription. The subscription is automatically cleaned up when ctx is
// cancelled.
func (b *EventBroadcaster) Subscribe(ctx context.Context, conversationID string) (<-chan *Event, string) {
	subID := uuid.New().String()
	ch := make(chan *Event, observerBufferSize)

	b.mu.Lock()
	if _, ok := b.observers[conversationID]; !ok {
		b.observers[conversationID] = make(map[string]chan *Event)
	}
	b.observers[conversationID][subID] = ch
	b.mu.Unlock()

	b.logger.Debug("observer added",
		"conversation_id", conversationID,
		"sub_id", subID)

	// Auto-cleanup on context cancellation
	go func() {
		<-ctx.Done()
		b.Unsubscribe(conversationID, subID)
	}()

	return ch, subID
}

// Publish sends an event to all observers of the given conversation. If
// excludeSubID is non-empty, that observer is skipped (used to avoid
// echoing events back to the originating client).
// Non-blocking: events are dropped for observers whose channels are full.
func (b *EventBroadcaster) Publish(conversationID string, event *Event, excludeSubID string) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	subs, ok := b.observers[conversationID]
	if !ok || len(subs) == 0 {
		return
	}

	// Sends stay under the read lock: Unsubscribe closes channels under
	// the write lock, so no channel can be closed mid-send. The default
	// case keeps the lock hold time bounded.
	for id, ch := range subs {
		if excludeSubID != "" && id == excludeSubID {
			continue
		}
		select {
		case ch <- event:
			// Sent
		default:
			// Observer channel full, drop event for this observer
			b.logger.Debug("dropped event for slow observer",
				"conversation_id", conversationID,
				"event_kind", event.Kind)
		}
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (b *EventBroadcaster) Unsubscribe(conversationID, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.observers[conversationID]
	if !ok {
		return
	}

	ch, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(ch)

	// Clean up empty conversation entries
	if len(subs) == 0 {
		delete(b.observers, conversationID)
	}

	b.logger.Debug("observer removed",
		"conversation_id", conversationID,
		"sub_id", subID)
}

// Close shuts down the broadcaster and closes all observer channels.
func (b *EventBroadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for convID, subs := range b.observers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(b.observers, convID)
	}

	b.logger.Debug("broadcaster closed")
}
