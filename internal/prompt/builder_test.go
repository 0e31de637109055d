package prompt

import (
	"fmt"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aidm-server/internal/domain"
)

func sampleInput() Input {
	worldID := uuid.New()
	campaignID := uuid.New()
	return Input{
		World:    &domain.World{ID: worldID, Name: "Eldra", Description: "A realm of floating isles."},
		Campaign: &domain.Campaign{ID: campaignID, WorldID: worldID, Title: "Ashfall", Description: "Volcanic intrigue."},
		Roster: []domain.Player{
			{ID: uuid.New(), CharacterName: "Yara", Race: "Elf", Class: "Ranger", Level: 3},
			{ID: uuid.New(), CharacterName: "Brom", Race: "Dwarf", Class: "Fighter", Level: 4},
		},
		UserInput: "I scan the horizon",
	}
}

func TestBuild(t *testing.T) {
	t.Run("Renders all context sections", func(t *testing.T) {
		b := NewBuilder(4096, 30)
		in := sampleInput()
		in.Speaker = &in.Roster[0]
		in.History = []domain.Turn{
			{Seq: 1, PlayerLabel: "Yara", Input: "I climb the ridge", Narration: "Loose rock shifts underfoot."},
		}

		out := b.Build(in)

		assert.Contains(t, out, "World: Eldra")
		assert.Contains(t, out, "Campaign: Ashfall")
		assert.Contains(t, out, "ACTIVE PLAYERS:")
		assert.Contains(t, out, in.Roster[0].ID.String())
		assert.Contains(t, out, "CURRENT SPEAKER: Yara")
		assert.Contains(t, out, "RECENT EVENTS:")
		assert.Contains(t, out, "Yara: I climb the ridge")
		assert.Contains(t, out, "DM: Loose rock shifts underfoot.")
		assert.True(t, strings.HasSuffix(out, "PLAYER ACTION:\nI scan the horizon"))
	})

	t.Run("Is deterministic for identical input", func(t *testing.T) {
		b := NewBuilder(4096, 30)
		in := sampleInput()
		assert.Equal(t, b.Build(in), b.Build(in))
	})

	t.Run("Missing world and campaign fall back to placeholders", func(t *testing.T) {
		b := NewBuilder(4096, 30)
		out := b.Build(Input{UserInput: "hello"})
		assert.Contains(t, out, "World: Unknown")
		assert.Contains(t, out, "Campaign: Unknown")
	})

	t.Run("Oldest turns are dropped first when over budget", func(t *testing.T) {
		// A tight budget keeps only the newest turns.
		b := NewBuilder(300, 30)
		in := sampleInput()
		for i := 1; i <= 40; i++ {
			in.History = append(in.History, domain.Turn{
				Seq:         i,
				PlayerLabel: "Yara",
				Input:       fmt.Sprintf("action number %d with some padding text", i),
				Narration:   fmt.Sprintf("narration number %d with some padding text", i),
			})
		}

		out := b.Build(in)
		assert.NotContains(t, out, "action number 1 ")
		assert.Contains(t, out, "action number 40")
	})

	t.Run("Turn count cap bounds the tail even with a large token budget", func(t *testing.T) {
		b := NewBuilder(1_000_000, 5)
		in := sampleInput()
		for i := 1; i <= 20; i++ {
			in.History = append(in.History, domain.Turn{Seq: i, PlayerLabel: "Brom",
				Input: fmt.Sprintf("in-%d", i), Narration: fmt.Sprintf("out-%d", i)})
		}

		out := b.Build(in)
		assert.NotContains(t, out, "in-15\n")
		for i := 16; i <= 20; i++ {
			assert.Contains(t, out, fmt.Sprintf("in-%d", i))
		}
	})

	t.Run("Tail keeps chronological order", func(t *testing.T) {
		b := NewBuilder(4096, 30)
		in := sampleInput()
		in.History = []domain.Turn{
			{Seq: 1, PlayerLabel: "A", Input: "first", Narration: "one"},
			{Seq: 2, PlayerLabel: "B", Input: "second", Narration: "two"},
		}

		out := b.Build(in)
		require.Less(t, strings.Index(out, "first"), strings.Index(out, "second"))
	})
}

func TestRecapInput(t *testing.T) {
	history := []domain.Turn{
		{Seq: 1, PlayerLabel: "Yara", Input: "go", Narration: "You go."},
		{Seq: 2, Input: "wait", Narration: "You wait."},
	}
	out := RecapInput(history)

	assert.Contains(t, out, "Yara: go\nDM: You go.\n")
	// Turns without a player label fall back to a generic one.
	assert.Contains(t, out, "Player: wait\nDM: You wait.\n")
}
