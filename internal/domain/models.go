package domain

import (
	"time"

	"github.com/google/uuid"
)

// SessionStatus represents the lifecycle state of a stored session.
type SessionStatus string

const (
	SessionStatusOpen  SessionStatus = "open"
	SessionStatusEnded SessionStatus = "ended"
)

// World describes a game world a campaign takes place in.
type World struct {
	ID          uuid.UUID `json:"id" db:"id"`
	Name        string    `json:"name" db:"name"`
	Description string    `json:"description" db:"description"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// Campaign is a long-running game within a world.
type Campaign struct {
	ID          uuid.UUID `json:"id" db:"id"`
	WorldID     uuid.UUID `json:"world_id" db:"world_id"`
	Title       string    `json:"title" db:"title"`
	Description string    `json:"description" db:"description"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// Player is a participant of a campaign together with their character sheet summary.
type Player struct {
	ID            uuid.UUID `json:"id" db:"id"`
	CampaignID    uuid.UUID `json:"campaign_id" db:"campaign_id"`
	Name          string    `json:"name" db:"name"`
	CharacterName string    `json:"character_name" db:"character_name"`
	Race          string    `json:"race" db:"race"`
	Class         string    `json:"class" db:"class"`
	Level         int       `json:"level" db:"level"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
}

// RollRequest instructs a specific player to make a dice roll. The server only
// transports roll requests, it never resolves them.
type RollRequest struct {
	TurnSeq        int       `json:"turn_seq" db:"turn_seq"`
	TargetPlayerID uuid.UUID `json:"target_player_id" db:"target_player_id"`
	CheckType      string    `json:"check_type" db:"check_type"`
	Advantage      bool      `json:"advantage" db:"advantage"`
	Disadvantage   bool      `json:"disadvantage" db:"disadvantage"`
}

// Turn is one player-input-to-narration exchange. Immutable once finalized.
type Turn struct {
	Seq         int           `json:"seq" db:"seq"`
	PlayerID    *uuid.UUID    `json:"player_id,omitempty" db:"player_id"` // nil for system turns
	PlayerLabel string        `json:"player_label" db:"player_label"`
	Input       string        `json:"input" db:"input"`
	Narration   string        `json:"narration" db:"narration"`
	Speaker     string        `json:"speaker" db:"speaker"` // character name or "narrator"
	Rolls       []RollRequest `json:"rolls,omitempty" db:"-"`
	CreatedAt   time.Time     `json:"created_at" db:"created_at"`
}

// SessionRecord is the persisted view of a session.
type SessionRecord struct {
	ID         uuid.UUID     `json:"id" db:"id"`
	CampaignID uuid.UUID     `json:"campaign_id" db:"campaign_id"`
	Status     SessionStatus `json:"status" db:"status"`
	Recap      string        `json:"recap,omitempty" db:"recap"`
	CreatedAt  time.Time     `json:"created_at" db:"created_at"`
	EndedAt    *time.Time    `json:"ended_at,omitempty" db:"ended_at"`
}

// SpeakerNarrator is the attribution used when no valid player speaker is known.
const SpeakerNarrator = "narrator"

// DefaultCheckType replaces an empty roll-request label during validation.
const DefaultCheckType = "Ability Check"
