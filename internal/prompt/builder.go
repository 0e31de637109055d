// Package prompt assembles the bounded context window for a session turn.
// Build is a pure function of its input: identical session state always
// produces an identical prompt, so a turn can be replayed after a transient
// model failure without re-deriving different context.
package prompt

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pkoukk/tiktoken-go"

	"aidm-server/internal/domain"
)

// Builder renders the per-turn prompt context within a token budget.
type Builder struct {
	maxTokens int
	maxTurns  int
	enc       *tiktoken.Tiktoken
}

// Input is a snapshot of session state for one turn.
type Input struct {
	World     *domain.World
	Campaign  *domain.Campaign
	Roster    []domain.Player
	History   []domain.Turn
	Speaker   *domain.Player
	UserInput string
}

type rosterEntry struct {
	PlayerID      string `json:"player_id"`
	CharacterName string `json:"character_name"`
	Race          string `json:"race,omitempty"`
	Class         string `json:"class,omitempty"`
	Level         int    `json:"level"`
}

// NewBuilder creates a Builder. The recent-turn tail is bounded both by the
// token budget and by maxTurns; oldest turns are dropped first.
func NewBuilder(maxTokens, maxTurns int) *Builder {
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	if maxTurns <= 0 {
		maxTurns = 30
	}
	// Tokenizer download can fail in offline environments; counting then
	// falls back to a chars/4 heuristic.
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		enc = nil
	}
	return &Builder{maxTokens: maxTokens, maxTurns: maxTurns, enc: enc}
}

// Build renders the user message for the model call: world/campaign preamble,
// roster, a bounded tail of recent turns and the current player input.
func (b *Builder) Build(in Input) string {
	var sb strings.Builder

	sb.WriteString(worldSummary(in.World))
	sb.WriteString("\n\n")
	sb.WriteString(campaignSummary(in.Campaign))
	sb.WriteString("\n\n")
	sb.WriteString(rosterSection(in.Roster))

	if in.Speaker != nil {
		sb.WriteString(fmt.Sprintf("\n\nCURRENT SPEAKER: %s (ID: %s)",
			in.Speaker.CharacterName, in.Speaker.ID.String()))
	}

	fixed := sb.String()
	tail := b.recentTail(in, b.maxTokens-b.countTokens(fixed)-b.countTokens(in.UserInput))
	if tail != "" {
		sb.WriteString("\n\nRECENT EVENTS:\n")
		sb.WriteString(tail)
	}

	sb.WriteString("\n\nPLAYER ACTION:\n")
	sb.WriteString(in.UserInput)
	return sb.String()
}

// RecapInput renders the full session log for recap generation. Unlike Build
// it is not bounded: the recap runs over the whole turn history.
func RecapInput(history []domain.Turn) string {
	var sb strings.Builder
	for _, turn := range history {
		sb.WriteString(renderTurn(turn))
	}
	return sb.String()
}

func worldSummary(world *domain.World) string {
	if world == nil {
		return "World: Unknown\nDescription: No data."
	}
	return fmt.Sprintf("World: %s\nDescription: %s", world.Name, world.Description)
}

func campaignSummary(campaign *domain.Campaign) string {
	if campaign == nil {
		return "Campaign: Unknown\nDescription: No data."
	}
	return fmt.Sprintf("Campaign: %s\nDescription: %s", campaign.Title, campaign.Description)
}

func rosterSection(roster []domain.Player) string {
	entries := make([]rosterEntry, 0, len(roster))
	for _, p := range roster {
		entries = append(entries, rosterEntry{
			PlayerID:      p.ID.String(),
			CharacterName: p.CharacterName,
			Race:          p.Race,
			Class:         p.Class,
			Level:         p.Level,
		})
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return "ACTIVE PLAYERS:\n[]"
	}
	return "ACTIVE PLAYERS:\n" + string(data)
}

// recentTail renders the newest turns that fit the remaining budget, oldest
// first in the output, dropping from the oldest end when over budget.
func (b *Builder) recentTail(in Input, budget int) string {
	if len(in.History) == 0 || budget <= 0 {
		return ""
	}

	start := len(in.History)
	used := 0
	for i := len(in.History) - 1; i >= 0 && len(in.History)-i <= b.maxTurns; i-- {
		cost := b.countTokens(renderTurn(in.History[i]))
		if used+cost > budget {
			break
		}
		used += cost
		start = i
	}

	var sb strings.Builder
	for _, turn := range in.History[start:] {
		sb.WriteString(renderTurn(turn))
	}
	return sb.String()
}

func renderTurn(turn domain.Turn) string {
	label := turn.PlayerLabel
	if label == "" {
		label = "Player"
	}
	return fmt.Sprintf("%s: %s\nDM: %s\n", label, turn.Input, turn.Narration)
}

func (b *Builder) countTokens(text string) int {
	if text == "" {
		return 0
	}
	if b.enc == nil {
		return len(text) / 4
	}
	return len(b.enc.Encode(text, nil, nil))
}
