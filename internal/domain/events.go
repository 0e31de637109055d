package domain

import "github.com/google/uuid"

// EventType identifies a session event on the realtime transport.
type EventType string

const (
	EventTurnStart   EventType = "turn_start"
	EventChunk       EventType = "chunk"
	EventRollRequest EventType = "roll_request"
	EventTurnEnd     EventType = "turn_end"
	EventError       EventType = "error"
)

// SessionEvent is one ordered event on a session's broadcast channel.
// Delivery is at-least-once; clients deduplicate chunk events by ChunkIndex.
type SessionEvent struct {
	Type      EventType `json:"type"`
	SessionID uuid.UUID `json:"session_id"`
	TurnSeq   int       `json:"turn_seq"`

	// Chunk fields. ChunkIndex is contiguous from 0 within a turn and the
	// final chunk is uniquely marked.
	ChunkIndex int    `json:"chunk_index"`
	Text       string `json:"text,omitempty"`
	IsFinal    bool   `json:"is_final,omitempty"`

	// roll_request payload
	Roll *RollRequest `json:"roll,omitempty"`

	// turn_end payload: the full assembled narration.
	FullText string `json:"full_text,omitempty"`

	// error payload
	Reason string `json:"reason,omitempty"`
}
