// Package broadcast fans session events out to every subscriber of a
// session. Delivery is ordered per session and at-least-once: a reconnecting
// subscriber may receive chunks it already has and deduplicates by chunk
// index. Publishing never blocks on a slow subscriber; a subscriber whose
// buffer is full is disconnected instead of stalling the session.
package broadcast

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"aidm-server/internal/domain"
)

// Subscriber is one connected client's handle on a session's event stream.
type Subscriber struct {
	ID        uuid.UUID
	SessionID uuid.UUID
	ch        chan domain.SessionEvent
	closed    bool
}

// C returns the channel events are delivered on. It is closed when the
// subscriber is disconnected or the session's channel shuts down.
func (s *Subscriber) C() <-chan domain.SessionEvent {
	return s.ch
}

type topic struct {
	subscribers map[uuid.UUID]*Subscriber
	// replay holds the events of the current turn, reset on turn_start, so a
	// reconnecting client can be caught up mid-turn.
	replay []domain.SessionEvent
}

// Hub routes events to per-session topics.
type Hub struct {
	mu      sync.RWMutex
	topics  map[uuid.UUID]*topic
	bufSize int
	logger  *zap.Logger
}

// NewHub creates a Hub with the given per-subscriber buffer size.
func NewHub(bufSize int, logger *zap.Logger) *Hub {
	if bufSize <= 0 {
		bufSize = 256
	}
	return &Hub{
		topics:  make(map[uuid.UUID]*topic),
		bufSize: bufSize,
		logger:  logger.Named("Hub"),
	}
}

// Subscribe attaches a new subscriber to a session. fromChunk is the last
// chunk index the client has already seen (-1 for none); buffered events of
// the current turn beyond that index are replayed before live delivery.
func (h *Hub) Subscribe(sessionID uuid.UUID, fromChunk int) *Subscriber {
	sub := &Subscriber{
		ID:        uuid.New(),
		SessionID: sessionID,
		ch:        make(chan domain.SessionEvent, h.bufSize),
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	t, ok := h.topics[sessionID]
	if !ok {
		t = &topic{subscribers: make(map[uuid.UUID]*Subscriber)}
		h.topics[sessionID] = t
	}

	for _, ev := range t.replay {
		if ev.Type == domain.EventChunk && ev.ChunkIndex <= fromChunk {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			// Replay overflow: the client is too far behind to catch up.
			h.logger.Warn("Subscriber buffer overflow during replay",
				zap.String("sessionID", sessionID.String()))
		}
	}

	t.subscribers[sub.ID] = sub
	h.logger.Debug("Subscriber attached",
		zap.String("sessionID", sessionID.String()),
		zap.String("subscriberID", sub.ID.String()))
	return sub
}

// Unsubscribe detaches a subscriber. Idempotent.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	if sub == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(sub)
}

func (h *Hub) removeLocked(sub *Subscriber) {
	t, ok := h.topics[sub.SessionID]
	if !ok {
		return
	}
	if _, ok := t.subscribers[sub.ID]; !ok {
		return
	}
	delete(t.subscribers, sub.ID)
	if !sub.closed {
		sub.closed = true
		close(sub.ch)
	}
}

// Publish delivers an event to every current subscriber of the session, in
// publish order. Fire-and-forget: a subscriber that cannot keep up is
// disconnected.
func (h *Hub) Publish(sessionID uuid.UUID, ev domain.SessionEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	t, ok := h.topics[sessionID]
	if !ok {
		t = &topic{subscribers: make(map[uuid.UUID]*Subscriber)}
		h.topics[sessionID] = t
	}

	if ev.Type == domain.EventTurnStart {
		t.replay = t.replay[:0]
	}
	t.replay = append(t.replay, ev)

	for _, sub := range t.subscribers {
		select {
		case sub.ch <- ev:
		default:
			h.logger.Warn("Subscriber too slow, disconnecting",
				zap.String("sessionID", sessionID.String()),
				zap.String("subscriberID", sub.ID.String()))
			h.removeLocked(sub)
		}
	}
}

// CloseSession disconnects all subscribers of a session and drops its topic.
func (h *Hub) CloseSession(sessionID uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()

	t, ok := h.topics[sessionID]
	if !ok {
		return
	}
	for _, sub := range t.subscribers {
		h.removeLocked(sub)
	}
	delete(h.topics, sessionID)
}
