package http

import (
	"time"

	"aidm-server/internal/domain"
)

// APIError is the standardized error response body.
type APIError struct {
	Message string `json:"message"`
}

type createWorldRequest struct {
	Name        string `json:"name" binding:"required"`
	Description string `json:"description"`
}

type createCampaignRequest struct {
	WorldID     string `json:"world_id" binding:"required"`
	Title       string `json:"title" binding:"required"`
	Description string `json:"description"`
}

type createPlayerRequest struct {
	Name          string `json:"name" binding:"required"`
	CharacterName string `json:"character_name" binding:"required"`
	Race          string `json:"race"`
	Class         string `json:"class"`
	Level         int    `json:"level"`
}

type createSessionRequest struct {
	CampaignID string `json:"campaign_id" binding:"required"`
}

type sessionResponse struct {
	ID         string     `json:"id"`
	CampaignID string     `json:"campaign_id"`
	Status     string     `json:"status"`
	TurnCount  int        `json:"turn_count"`
	Recap      string     `json:"recap,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
}

type endSessionResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Recap  string `json:"recap"`
}

func sessionResponseFromRecord(record *domain.SessionRecord, turnCount int) sessionResponse {
	return sessionResponse{
		ID:         record.ID.String(),
		CampaignID: record.CampaignID.String(),
		Status:     string(record.Status),
		TurnCount:  turnCount,
		Recap:      record.Recap,
		CreatedAt:  record.CreatedAt,
		EndedAt:    record.EndedAt,
	}
}
