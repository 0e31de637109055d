package service

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"aidm-server/internal/domain"
)

// dmMeta is the structured trailer the model appends after the narration.
type dmMeta struct {
	SpeakerPlayerID string            `json:"speaker_player_id"`
	RollRequests    []metaRollRequest `json:"roll_requests"`
}

type metaRollRequest struct {
	TargetPlayerID string `json:"target_player_id"`
	CheckType      string `json:"check_type"`
	Advantage      bool   `json:"advantage"`
	Disadvantage   bool   `json:"disadvantage"`
}

// ValidatedTurn is the accepted (possibly repaired) result of one model turn.
type ValidatedTurn struct {
	Narration string
	Speaker   string // character name, or "narrator"
	Rolls     []domain.RollRequest
}

// validateResponse checks the model output against the session roster.
// Per-field problems are repaired (wrong speaker downgraded to narrator,
// roll requests naming unknown players dropped, empty check labels
// substituted); the whole turn fails only on empty narration or on a
// metadata block that cannot be parsed at all. Narration is kept verbatim,
// surrounding whitespace included, so the assembled text stays identical to
// what was already streamed chunk by chunk.
func validateResponse(narration, rawMeta string, turnSeq int, roster []domain.Player, logger *zap.Logger) (*ValidatedTurn, error) {
	if strings.TrimSpace(narration) == "" {
		return nil, domain.ErrEmptyNarration
	}

	result := &ValidatedTurn{
		Narration: narration,
		Speaker:   domain.SpeakerNarrator,
	}

	if rawMeta == "" {
		// The model omitted the trailer entirely. The narration is still
		// usable, so repair to a narrator-attributed turn with no rolls.
		logger.Warn("Model response has no metadata block, defaulting to narrator",
			zap.Int("turnSeq", turnSeq))
		return result, nil
	}

	var meta dmMeta
	if err := json.Unmarshal([]byte(rawMeta), &meta); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMalformedResponse, err)
	}

	byID := make(map[uuid.UUID]domain.Player, len(roster))
	for _, p := range roster {
		byID[p.ID] = p
	}

	if meta.SpeakerPlayerID != "" {
		speakerID, err := uuid.Parse(meta.SpeakerPlayerID)
		if speaker, ok := byID[speakerID]; err == nil && ok {
			result.Speaker = speaker.CharacterName
		} else {
			// Misattributed speaker is cosmetic, not a correctness violation.
			logger.Warn("Speaker attribution references unknown player, downgrading to narrator",
				zap.Int("turnSeq", turnSeq),
				zap.String("speakerPlayerID", meta.SpeakerPlayerID))
		}
	}

	for _, req := range meta.RollRequests {
		targetID, err := uuid.Parse(req.TargetPlayerID)
		if err != nil {
			logger.Warn("Dropping roll request with unparseable target",
				zap.Int("turnSeq", turnSeq),
				zap.String("targetPlayerID", req.TargetPlayerID))
			continue
		}
		if _, ok := byID[targetID]; !ok {
			logger.Warn("Dropping roll request naming player outside the roster",
				zap.Int("turnSeq", turnSeq),
				zap.String("targetPlayerID", req.TargetPlayerID))
			continue
		}

		checkType := strings.TrimSpace(req.CheckType)
		if checkType == "" {
			checkType = domain.DefaultCheckType
		}

		result.Rolls = append(result.Rolls, domain.RollRequest{
			TurnSeq:        turnSeq,
			TargetPlayerID: targetID,
			CheckType:      checkType,
			Advantage:      req.Advantage,
			Disadvantage:   req.Disadvantage,
		})
	}

	return result, nil
}
