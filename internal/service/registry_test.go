package service

import (
	"context"
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

type registryFixture struct {
	campaigns  *repoMocks.CampaignRepository
	sessions   *repoMocks.SessionRepository
	recapCache *repoMocks.RecapCache
	aiClient   *aiMocks.MockAIClient
	registry   *Registry
	campaignID uuid.UUID
}

func newRegistryFixture(t *testing.T) *registryFixture {
	t.Helper()

	f := &registryFixture{
		campaigns:  new(repoMocks.CampaignRepository),
		sessions:   new(repoMocks.SessionRepository),
		recapCache: new(repoMocks.RecapCache),
		aiClient:   new(aiMocks.MockAIClient),
		campaignID: uuid.New(),
	}
	publisher := new(messagingMocks.EventPublisher)
	publisher.On("PublishSessionEvent", mock.Anything, mock.Anything).Return(nil).Maybe()

	f.registry = NewRegistry(
		new(repoMocks.WorldRepository),
		f.campaigns,
		new(repoMocks.PlayerRepository),
		f.sessions,
		f.recapCache,
		f.aiClient,
		prompt.NewBuilder(4096, 30),
		broadcast.NewHub(64, zap.NewNop()),
		publisher,
		RegistryConfig{
			NarratorPrompt:  "narrate",
			RecapPrompt:     "recap",
			TurnHardTimeout: time.Second,
			EndGraceTimeout: 100 * time.Millisecond,
		},
		zap.NewNop(),
	)
	return f
}

func TestRegistryCreate(t *testing.T) {
	t.Run("Creates and registers a session", func(t *testing.T) {
		f := newRegistryFixture(t)
		f.campaigns.On("GetByID", mock.Anything, f.campaignID).
			Return(&domain.Campaign{ID: f.campaignID}, nil).Once()
		f.sessions.On("Create", mock.Anything, mock.MatchedBy(func(rec *domain.SessionRecord) bool {
			return rec.CampaignID == f.campaignID && rec.Status == domain.SessionStatusOpen
		})).Return(nil).Once()

		session, err := f.registry.Create(context.Background(), f.campaignID)
		require.NoError(t, err)
		assert.Equal(t, f.campaignID, session.CampaignID)

		got, err := f.registry.Get(context.Background(), session.ID)
		require.NoError(t, err)
		assert.Same(t, session, got)
		f.sessions.AssertExpectations(t)
	})

	t.Run("Unknown campaign is rejected", func(t *testing.T) {
		f := newRegistryFixture(t)
		f.campaigns.On("GetByID", mock.Anything, f.campaignID).
			Return(nil, domain.ErrNotFound).Once()

		_, err := f.registry.Create(context.Background(), f.campaignID)
		assert.ErrorIs(t, err, domain.ErrInvalidCampaign)
	})
}

func TestRegistryGet(t *testing.T) {
	t.Run("Rehydrates an open session from storage", func(t *testing.T) {
		f := newRegistryFixture(t)
		sessionID := uuid.New()
		history := []domain.Turn{{Seq: 1, Input: "hello", Narration: "A greeting echoes."}}

		f.sessions.On("GetByID", mock.Anything, sessionID).Return(&domain.SessionRecord{
			ID:         sessionID,
			CampaignID: f.campaignID,
			Status:     domain.SessionStatusOpen,
		}, nil).Once()
		f.sessions.On("ListTurns", mock.Anything, sessionID).Return(history, nil).Once()

		session, err := f.registry.Get(context.Background(), sessionID)
		require.NoError(t, err)
		assert.Equal(t, history, session.History())

		// Second lookup hits the live map, not storage.
		again, err := f.registry.Get(context.Background(), sessionID)
		require.NoError(t, err)
		assert.Same(t, session, again)
		f.sessions.AssertExpectations(t)
	})

	t.Run("Ended session is not rehydrated", func(t *testing.T) {
		f := newRegistryFixture(t)
		sessionID := uuid.New()
		f.sessions.On("GetByID", mock.Anything, sessionID).Return(&domain.SessionRecord{
			ID:     sessionID,
			Status: domain.SessionStatusEnded,
		}, nil).Once()

		_, err := f.registry.Get(context.Background(), sessionID)
		assert.ErrorIs(t, err, domain.ErrSessionEnded)
	})

	t.Run("Missing session returns not found", func(t *testing.T) {
		f := newRegistryFixture(t)
		sessionID := uuid.New()
		f.sessions.On("GetByID", mock.Anything, sessionID).Return(nil, domain.ErrNotFound).Once()

		_, err := f.registry.Get(context.Background(), sessionID)
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})
}

func TestRegistryEnd(t *testing.T) {
	t.Run("Ends a live session and caches the recap", func(t *testing.T) {
		f := newRegistryFixture(t)
		f.campaigns.On("GetByID", mock.Anything, f.campaignID).
			Return(&domain.Campaign{ID: f.campaignID}, nil).Once()
		f.sessions.On("Create", mock.Anything, mock.Anything).Return(nil).Once()

		session, err := f.registry.Create(context.Background(), f.campaignID)
		require.NoError(t, err)

		// Empty history: no recap model call, empty recap stored.
		f.sessions.On("MarkEnded", mock.Anything, session.ID, "").Return(nil).Once()

		recap, err := f.registry.End(context.Background(), session.ID)
		require.NoError(t, err)
		assert.Empty(t, recap)

		// The session left the live map; a fresh end resolves via storage.
		f.recapCache.On("Get", mock.Anything, session.ID).Return("", domain.ErrNotFound).Once()
		f.sessions.On("GetByID", mock.Anything, session.ID).Return(&domain.SessionRecord{
			ID:     session.ID,
			Status: domain.SessionStatusEnded,
			Recap:  "",
		}, nil).Once()
		_, err = f.registry.End(context.Background(), session.ID)
		require.NoError(t, err)
	})

	t.Run("Ended session served from the recap cache", func(t *testing.T) {
		f := newRegistryFixture(t)
		sessionID := uuid.New()
		f.recapCache.On("Get", mock.Anything, sessionID).Return("A cached recap.", nil).Once()

		recap, err := f.registry.End(context.Background(), sessionID)
		require.NoError(t, err)
		assert.Equal(t, "A cached recap.", recap)
		f.sessions.AssertNotCalled(t, "GetByID", mock.Anything, sessionID)
	})
}
