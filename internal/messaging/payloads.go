package messaging

import (
	"time"

	"github.com/google/uuid"
)

// Event kinds published to the turn-events queue.
const (
	EventKindSessionStarted = "session.started"
	EventKindTurnCompleted  = "turn.completed"
	EventKindSessionEnded   = "session.ended"
)

// SessionEventPayload is the envelope for session lifecycle events consumed
// by out-of-process services (analytics, notifications).
type SessionEventPayload struct {
	Kind       string    `json:"kind"`
	SessionID  uuid.UUID `json:"session_id"`
	CampaignID uuid.UUID `json:"campaign_id"`
	TurnSeq    int       `json:"turn_seq,omitempty"`
	PlayerID   string    `json:"player_id,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}
