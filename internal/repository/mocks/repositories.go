package mocks

import (
	"context"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"

	"aidm-server/internal/domain"
	"aidm-server/internal/repository"
)

// Mock WorldRepository
type WorldRepository struct {
	mock.Mock
}

func (m *WorldRepository) Create(ctx context.Context, world *domain.World) error {
	args := m.Called(ctx, world)
	return args.Error(0)
}
func (m *WorldRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.World, error) {
	args := m.Called(ctx, id)
	world, _ := args.Get(0).(*domain.World)
	return world, args.Error(1)
}

var _ repository.WorldRepository = (*WorldRepository)(nil)

// Mock CampaignRepository
type CampaignRepository struct {
	mock.Mock
}

func (m *CampaignRepository) Create(ctx context.Context, campaign *domain.Campaign) error {
	args := m.Called(ctx, campaign)
	return args.Error(0)
}
func (m *CampaignRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Campaign, error) {
	args := m.Called(ctx, id)
	campaign, _ := args.Get(0).(*domain.Campaign)
	return campaign, args.Error(1)
}

var _ repository.CampaignRepository = (*CampaignRepository)(nil)

// Mock PlayerRepository
type PlayerRepository struct {
	mock.Mock
}

func (m *PlayerRepository) Create(ctx context.Context, player *domain.Player) error {
	args := m.Called(ctx, player)
	return args.Error(0)
}
func (m *PlayerRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Player, error) {
	args := m.Called(ctx, id)
	player, _ := args.Get(0).(*domain.Player)
	return player, args.Error(1)
}
func (m *PlayerRepository) ListByCampaign(ctx context.Context, campaignID uuid.UUID) ([]domain.Player, error) {
	args := m.Called(ctx, campaignID)
	roster, _ := args.Get(0).([]domain.Player)
	return roster, args.Error(1)
}

var _ repository.PlayerRepository = (*PlayerRepository)(nil)

// Mock SessionRepository
type SessionRepository struct {
	mock.Mock
}

func (m *SessionRepository) Create(ctx context.Context, session *domain.SessionRecord) error {
	args := m.Called(ctx, session)
	return args.Error(0)
}
func (m *SessionRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.SessionRecord, error) {
	args := m.Called(ctx, id)
	record, _ := args.Get(0).(*domain.SessionRecord)
	return record, args.Error(1)
}
func (m *SessionRepository) ListTurns(ctx context.Context, sessionID uuid.UUID) ([]domain.Turn, error) {
	args := m.Called(ctx, sessionID)
	turns, _ := args.Get(0).([]domain.Turn)
	return turns, args.Error(1)
}
func (m *SessionRepository) AppendTurn(ctx context.Context, sessionID uuid.UUID, turn *domain.Turn) error {
	args := m.Called(ctx, sessionID, turn)
	return args.Error(0)
}
func (m *SessionRepository) MarkEnded(ctx context.Context, sessionID uuid.UUID, recap string) error {
	args := m.Called(ctx, sessionID, recap)
	return args.Error(0)
}

var _ repository.SessionRepository = (*SessionRepository)(nil)

// Mock RecapCache
type RecapCache struct {
	mock.Mock
}

func (m *RecapCache) Get(ctx context.Context, sessionID uuid.UUID) (string, error) {
	args := m.Called(ctx, sessionID)
	return args.String(0), args.Error(1)
}
func (m *RecapCache) Set(ctx context.Context, sessionID uuid.UUID, recap string) error {
	args := m.Called(ctx, sessionID, recap)
	return args.Error(0)
}

var _ repository.RecapCache = (*RecapCache)(nil)
