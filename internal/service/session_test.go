package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"aidm-server/internal/broadcast"
	"aidm-server/internal/domain"
	messagingMocks "aidm-server/internal/messaging/mocks"
	"aidm-server/internal/prompt"
	repoMocks "aidm-server/internal/repository/mocks"
	aiMocks "aidm-server/pkg/ai/mocks"
)

type sessionFixture struct {
	worlds    *repoMocks.WorldRepository
	campaigns *repoMocks.CampaignRepository
	players   *repoMocks.PlayerRepository
	sessions  *repoMocks.SessionRepository
	aiClient  *aiMocks.MockAIClient
	publisher *messagingMocks.EventPublisher
	hub       *broadcast.Hub

	campaignID uuid.UUID
	roster     []domain.Player
	session    *Session
}

func newSessionFixture(t *testing.T) *sessionFixture {
	t.Helper()

	f := &sessionFixture{
		worlds:     new(repoMocks.WorldRepository),
		campaigns:  new(repoMocks.CampaignRepository),
		players:    new(repoMocks.PlayerRepository),
		sessions:   new(repoMocks.SessionRepository),
		aiClient:   new(aiMocks.MockAIClient),
		publisher:  new(messagingMocks.EventPublisher),
		hub:        broadcast.NewHub(64, zap.NewNop()),
		campaignID: uuid.New(),
	}
	f.roster = []domain.Player{
		{ID: uuid.New(), CampaignID: f.campaignID, CharacterName: "Yara", Class: "Ranger", Level: 3},
		{ID: uuid.New(), CampaignID: f.campaignID, CharacterName: "Brom", Class: "Fighter", Level: 4},
	}

	world := &domain.World{ID: uuid.New(), Name: "Eldra", Description: "A fractured realm."}
	campaign := &domain.Campaign{ID: f.campaignID, WorldID: world.ID, Title: "Ashfall"}

	f.worlds.On("GetByID", mock.Anything, world.ID).Return(world, nil).Maybe()
	f.campaigns.On("GetByID", mock.Anything, f.campaignID).Return(campaign, nil).Maybe()
	f.players.On("ListByCampaign", mock.Anything, f.campaignID).Return(f.roster, nil).Maybe()
	f.publisher.On("PublishSessionEvent", mock.Anything, mock.Anything).Return(nil).Maybe()

	deps := &sessionDeps{
		worlds:          f.worlds,
		campaigns:       f.campaigns,
		players:         f.players,
		sessions:        f.sessions,
		aiClient:        f.aiClient,
		builder:         prompt.NewBuilder(4096, 30),
		hub:             f.hub,
		publisher:       f.publisher,
		logger:          zap.NewNop(),
		narratorPrompt:  "You are the narrator.",
		recapPrompt:     "Summarize the session.",
		turnHardTimeout: 5 * time.Second,
		endGraceTimeout: 300 * time.Millisecond,
	}
	f.session = newSession(uuid.New(), f.campaignID, nil, deps)
	return f
}

// collectEvents drains the subscriber until stop returns true or the
// deadline expires.
func collectEvents(t *testing.T, sub *broadcast.Subscriber, stop func(domain.SessionEvent) bool) []domain.SessionEvent {
	t.Helper()
	var events []domain.SessionEvent
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-sub.C():
			if !ok {
				return events
			}
			events = append(events, ev)
			if stop(ev) {
				return events
			}
		case <-deadline:
			t.Fatalf("timed out waiting for events, got %d so far", len(events))
		}
	}
}

func isTerminalEvent(ev domain.SessionEvent) bool {
	return ev.Type == domain.EventTurnEnd || ev.Type == domain.EventError
}

func TestSessionSubmitInput(t *testing.T) {
	t.Run("Successful turn streams chunks that concatenate to the full narration", func(t *testing.T) {
		f := newSessionFixture(t)
		meta := fmt.Sprintf(`{"speaker_player_id":"%s","roll_requests":[{"target_player_id":"%s","check_type":"Perception"}]}`,
			f.roster[0].ID, f.roster[1].ID)
		f.aiClient.On("GenerateTextStream", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
			Return(aiMocks.StreamChunks([]string{"The door ", "creaks open.", "<dm-meta>" + meta + "</dm-meta>"}, nil)).Once()
		f.sessions.On("AppendTurn", mock.Anything, f.session.ID, mock.Anything).Return(nil).Once()

		sub := f.hub.Subscribe(f.session.ID, -1)
		defer f.hub.Unsubscribe(sub)

		seq, err := f.session.SubmitInput(context.Background(), f.roster[0].ID, "I open the door")
		require.NoError(t, err)
		assert.Equal(t, 1, seq)

		events := collectEvents(t, sub, isTerminalEvent)

		require.Equal(t, domain.EventTurnStart, events[0].Type)
		last := events[len(events)-1]
		require.Equal(t, domain.EventTurnEnd, last.Type)
		assert.Equal(t, 1, last.TurnSeq)

		var streamed strings.Builder
		sawFinal := false
		rolls := 0
		for _, ev := range events {
			switch ev.Type {
			case domain.EventChunk:
				streamed.WriteString(ev.Text)
				if ev.IsFinal {
					sawFinal = true
				}
			case domain.EventRollRequest:
				rolls++
				require.NotNil(t, ev.Roll)
				assert.Equal(t, f.roster[1].ID, ev.Roll.TargetPlayerID)
				assert.Equal(t, "Perception", ev.Roll.CheckType)
			}
		}
		assert.True(t, sawFinal, "final chunk must be emitted")
		assert.Equal(t, 1, rolls)
		assert.Equal(t, "The door creaks open.", streamed.String())
		assert.Equal(t, last.FullText, streamed.String())

		history := f.session.History()
		require.Len(t, history, 1)
		assert.Equal(t, "Yara", history[0].Speaker)
		assert.Equal(t, "I open the door", history[0].Input)

		f.aiClient.AssertExpectations(t)
		f.sessions.AssertExpectations(t)
	})

	t.Run("Trailing newline before the metadata block survives into the full text", func(t *testing.T) {
		f := newSessionFixture(t)
		f.aiClient.On("GenerateTextStream", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
			Return(aiMocks.StreamChunks([]string{"The door creaks open.\n", "<dm-meta>{}</dm-meta>"}, nil)).Once()
		f.sessions.On("AppendTurn", mock.Anything, f.session.ID, mock.Anything).Return(nil).Once()

		sub := f.hub.Subscribe(f.session.ID, -1)
		defer f.hub.Unsubscribe(sub)

		_, err := f.session.SubmitInput(context.Background(), f.roster[0].ID, "I open the door")
		require.NoError(t, err)

		events := collectEvents(t, sub, isTerminalEvent)
		last := events[len(events)-1]
		require.Equal(t, domain.EventTurnEnd, last.Type)

		var streamed strings.Builder
		for _, ev := range events {
			if ev.Type == domain.EventChunk {
				streamed.WriteString(ev.Text)
			}
		}
		assert.Equal(t, "The door creaks open.\n", streamed.String())
		assert.Equal(t, streamed.String(), last.FullText)

		history := f.session.History()
		require.Len(t, history, 1)
		assert.Equal(t, "The door creaks open.\n", history[0].Narration)
	})

	t.Run("Concurrent submit is rejected with busy", func(t *testing.T) {
		f := newSessionFixture(t)
		release := make(chan struct{})
		f.aiClient.On("GenerateTextStream", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
			Return(func(handler func(string) error) error {
				_ = handler("The fog thickens...")
				<-release
				return nil
			}).Once()
		f.sessions.On("AppendTurn", mock.Anything, f.session.ID, mock.Anything).Return(nil).Once()

		sub := f.hub.Subscribe(f.session.ID, -1)
		defer f.hub.Unsubscribe(sub)

		_, err := f.session.SubmitInput(context.Background(), f.roster[0].ID, "I press on")
		require.NoError(t, err)

		// Wait until the first chunk proves the turn is in flight.
		collectEvents(t, sub, func(ev domain.SessionEvent) bool { return ev.Type == domain.EventChunk })

		_, err = f.session.SubmitInput(context.Background(), f.roster[1].ID, "Me too")
		assert.ErrorIs(t, err, domain.ErrSessionBusy)

		close(release)
		collectEvents(t, sub, isTerminalEvent)
	})

	t.Run("Stream failure after delivered chunks emits error and keeps no history", func(t *testing.T) {
		f := newSessionFixture(t)
		f.aiClient.On("GenerateTextStream", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
			Return(aiMocks.StreamChunks(
				[]string{"You wade into ", "the river and "},
				fmt.Errorf("%w: connection reset", domain.ErrStreamInterrupted))).Once()

		sub := f.hub.Subscribe(f.session.ID, -1)
		defer f.hub.Unsubscribe(sub)

		seq, err := f.session.SubmitInput(context.Background(), f.roster[0].ID, "I cross the river")
		require.NoError(t, err)
		assert.Equal(t, 1, seq)

		events := collectEvents(t, sub, isTerminalEvent)
		last := events[len(events)-1]
		require.Equal(t, domain.EventError, last.Type)
		assert.Equal(t, reasonPartialStream, last.Reason)

		chunks := 0
		for _, ev := range events {
			if ev.Type == domain.EventChunk {
				chunks++
			}
		}
		assert.Equal(t, 2, chunks, "delivered chunks stay delivered")

		// The failed turn consumed nothing: the next turn reuses seq 1.
		assert.Empty(t, f.session.History())
		f.aiClient.On("GenerateTextStream", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
			Return(aiMocks.StreamChunks([]string{"Second try."}, nil)).Once()
		f.sessions.On("AppendTurn", mock.Anything, f.session.ID, mock.Anything).Return(nil).Once()

		seq, err = f.session.SubmitInput(context.Background(), f.roster[0].ID, "I try again")
		require.NoError(t, err)
		assert.Equal(t, 1, seq)
		collectEvents(t, sub, isTerminalEvent)
	})

	t.Run("Empty narration fails the turn", func(t *testing.T) {
		f := newSessionFixture(t)
		f.aiClient.On("GenerateTextStream", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
			Return(aiMocks.StreamChunks([]string{"<dm-meta>{}</dm-meta>"}, nil)).Once()

		sub := f.hub.Subscribe(f.session.ID, -1)
		defer f.hub.Unsubscribe(sub)

		_, err := f.session.SubmitInput(context.Background(), f.roster[0].ID, "Hello?")
		require.NoError(t, err)

		events := collectEvents(t, sub, func(ev domain.SessionEvent) bool { return ev.Type == domain.EventError })
		assert.Equal(t, reasonMalformed, events[len(events)-1].Reason)
		assert.Empty(t, f.session.History())
	})

	t.Run("Unknown player is rejected and the machine returns to idle", func(t *testing.T) {
		f := newSessionFixture(t)
		_, err := f.session.SubmitInput(context.Background(), uuid.New(), "I sneak in")
		assert.ErrorIs(t, err, domain.ErrUnknownPlayer)

		// The reservation must have been rolled back.
		f.aiClient.On("GenerateTextStream", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
			Return(aiMocks.StreamChunks([]string{"Fine."}, nil)).Once()
		f.sessions.On("AppendTurn", mock.Anything, f.session.ID, mock.Anything).Return(nil).Once()

		sub := f.hub.Subscribe(f.session.ID, -1)
		defer f.hub.Unsubscribe(sub)
		_, err = f.session.SubmitInput(context.Background(), f.roster[0].ID, "I sneak in")
		require.NoError(t, err)
		collectEvents(t, sub, isTerminalEvent)
	})

	t.Run("Blank input is rejected", func(t *testing.T) {
		f := newSessionFixture(t)
		_, err := f.session.SubmitInput(context.Background(), f.roster[0].ID, "   ")
		assert.ErrorIs(t, err, domain.ErrInvalidInput)
	})

	t.Run("Persistence failure does not lose the turn for participants", func(t *testing.T) {
		f := newSessionFixture(t)
		f.aiClient.On("GenerateTextStream", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
			Return(aiMocks.StreamChunks([]string{"It is done."}, nil)).Once()
		f.sessions.On("AppendTurn", mock.Anything, f.session.ID, mock.Anything).
			Return(errors.New("db down")).Once()

		sub := f.hub.Subscribe(f.session.ID, -1)
		defer f.hub.Unsubscribe(sub)

		_, err := f.session.SubmitInput(context.Background(), f.roster[0].ID, "Finish it")
		require.NoError(t, err)

		events := collectEvents(t, sub, isTerminalEvent)
		assert.Equal(t, domain.EventTurnEnd, events[len(events)-1].Type)
		// Memory keeps the turn so the prompt context stays coherent.
		assert.Len(t, f.session.History(), 1)
	})
}

func TestSessionEnd(t *testing.T) {
	t.Run("End generates recap and marks the session ended", func(t *testing.T) {
		f := newSessionFixture(t)
		f.aiClient.On("GenerateTextStream", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
			Return(aiMocks.StreamChunks([]string{"The quest begins."}, nil)).Once()
		f.sessions.On("AppendTurn", mock.Anything, f.session.ID, mock.Anything).Return(nil).Once()

		sub := f.hub.Subscribe(f.session.ID, -1)
		_, err := f.session.SubmitInput(context.Background(), f.roster[0].ID, "We set out")
		require.NoError(t, err)
		collectEvents(t, sub, isTerminalEvent)

		f.aiClient.On("GenerateText", mock.Anything, mock.Anything, mock.Anything).
			Return("The party set out on their quest.", nil).Once()
		f.sessions.On("MarkEnded", mock.Anything, f.session.ID, "The party set out on their quest.").Return(nil).Once()

		recap, err := f.session.End(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "The party set out on their quest.", recap)

		_, err = f.session.SubmitInput(context.Background(), f.roster[0].ID, "One more")
		assert.ErrorIs(t, err, domain.ErrSessionEnded)

		f.aiClient.AssertExpectations(t)
		f.sessions.AssertExpectations(t)
	})

	t.Run("End of empty session skips recap generation", func(t *testing.T) {
		f := newSessionFixture(t)
		f.sessions.On("MarkEnded", mock.Anything, f.session.ID, "").Return(nil).Once()

		recap, err := f.session.End(context.Background())
		require.NoError(t, err)
		assert.Empty(t, recap)
		f.aiClient.AssertNotCalled(t, "GenerateText", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("Recap failure still ends the session", func(t *testing.T) {
		f := newSessionFixture(t)
		f.aiClient.On("GenerateTextStream", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
			Return(aiMocks.StreamChunks([]string{"A short adventure."}, nil)).Once()
		f.sessions.On("AppendTurn", mock.Anything, f.session.ID, mock.Anything).Return(nil).Once()

		sub := f.hub.Subscribe(f.session.ID, -1)
		_, err := f.session.SubmitInput(context.Background(), f.roster[0].ID, "Go")
		require.NoError(t, err)
		collectEvents(t, sub, isTerminalEvent)

		f.aiClient.On("GenerateText", mock.Anything, mock.Anything, mock.Anything).
			Return("", errors.New("model unavailable")).Once()
		f.sessions.On("MarkEnded", mock.Anything, f.session.ID, "").Return(nil).Once()

		recap, err := f.session.End(context.Background())
		require.NoError(t, err)
		assert.Empty(t, recap)
	})

	t.Run("End waits for the in-flight turn", func(t *testing.T) {
		f := newSessionFixture(t)
		release := make(chan struct{})
		f.aiClient.On("GenerateTextStream", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
			Return(func(handler func(string) error) error {
				_ = handler("Almost there")
				<-release
				return nil
			}).Once()
		f.sessions.On("AppendTurn", mock.Anything, f.session.ID, mock.Anything).Return(nil).Once()
		f.aiClient.On("GenerateText", mock.Anything, mock.Anything, mock.Anything).
			Return("Recap.", nil).Once()
		f.sessions.On("MarkEnded", mock.Anything, f.session.ID, "Recap.").Return(nil).Once()

		sub := f.hub.Subscribe(f.session.ID, -1)
		_, err := f.session.SubmitInput(context.Background(), f.roster[0].ID, "Run")
		require.NoError(t, err)
		collectEvents(t, sub, func(ev domain.SessionEvent) bool { return ev.Type == domain.EventChunk })

		go func() {
			time.Sleep(50 * time.Millisecond)
			close(release)
		}()

		recap, err := f.session.End(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "Recap.", recap)
		// The turn that was in flight completed before the session closed.
		assert.Len(t, f.session.History(), 1)
	})

	t.Run("End force-fails a hung turn after the grace timeout", func(t *testing.T) {
		f := newSessionFixture(t)
		f.aiClient.On("GenerateTextStream", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
			Return(func(ctx context.Context, handler func(string) error) error {
				<-ctx.Done()
				return ctx.Err()
			}).Once()
		f.sessions.On("MarkEnded", mock.Anything, f.session.ID, "").Return(nil).Once()

		sub := f.hub.Subscribe(f.session.ID, -1)
		_, err := f.session.SubmitInput(context.Background(), f.roster[0].ID, "Anyone there?")
		require.NoError(t, err)

		recap, err := f.session.End(context.Background())
		require.NoError(t, err)
		assert.Empty(t, recap)

		events := collectEvents(t, sub, func(domain.SessionEvent) bool { return false })
		last := events[len(events)-1]
		require.Equal(t, domain.EventError, last.Type)
		assert.Equal(t, reasonSessionEnding, last.Reason)

		// The force-failed turn left no trace and the session is closed.
		assert.Empty(t, f.session.History())
		_, err = f.session.SubmitInput(context.Background(), f.roster[0].ID, "One more")
		assert.ErrorIs(t, err, domain.ErrSessionEnded)
		f.sessions.AssertExpectations(t)
	})
}

func TestSessionDrain(t *testing.T) {
	t.Run("Force-fails a hung turn and leaves the record open", func(t *testing.T) {
		f := newSessionFixture(t)
		f.aiClient.On("GenerateTextStream", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
			Return(func(ctx context.Context, handler func(string) error) error {
				<-ctx.Done()
				return ctx.Err()
			}).Once()

		sub := f.hub.Subscribe(f.session.ID, -1)
		_, err := f.session.SubmitInput(context.Background(), f.roster[0].ID, "Hold the line")
		require.NoError(t, err)

		f.session.drain()

		events := collectEvents(t, sub, func(domain.SessionEvent) bool { return false })
		last := events[len(events)-1]
		require.Equal(t, domain.EventError, last.Type)
		assert.Equal(t, reasonSessionEnding, last.Reason)
		assert.Empty(t, f.session.History())

		// No recap, no status change: the session can be rehydrated later.
		f.aiClient.AssertNotCalled(t, "GenerateText", mock.Anything, mock.Anything, mock.Anything)
		f.sessions.AssertNotCalled(t, "MarkEnded", mock.Anything, mock.Anything, mock.Anything)
	})
}
