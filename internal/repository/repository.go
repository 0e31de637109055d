// Package repository contains the data-access layer: PostgreSQL-backed
// repositories for worlds, campaigns, players and sessions, plus a Redis
// recap cache. All calls are treated as possibly-failing remote operations.
package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"aidm-server/internal/domain"
)

// DBTX abstracts a pgx pool or transaction.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// WorldRepository manages world records.
type WorldRepository interface {
	Create(ctx context.Context, world *domain.World) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.World, error)
}

// CampaignRepository manages campaign records.
type CampaignRepository interface {
	Create(ctx context.Context, campaign *domain.Campaign) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Campaign, error)
}

// PlayerRepository manages player records. ListByCampaign is the roster read
// used both by the context builder and by response validation.
type PlayerRepository interface {
	Create(ctx context.Context, player *domain.Player) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Player, error)
	ListByCampaign(ctx context.Context, campaignID uuid.UUID) ([]domain.Player, error)
}

// SessionRepository manages session records and their turn history.
type SessionRepository interface {
	Create(ctx context.Context, session *domain.SessionRecord) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.SessionRecord, error)
	ListTurns(ctx context.Context, sessionID uuid.UUID) ([]domain.Turn, error)
	// AppendTurn persists a finalized turn together with its roll requests.
	AppendTurn(ctx context.Context, sessionID uuid.UUID, turn *domain.Turn) error
	MarkEnded(ctx context.Context, sessionID uuid.UUID, recap string) error
}

// RecapCache caches generated recaps so repeated reads skip the model call.
type RecapCache interface {
	Get(ctx context.Context, sessionID uuid.UUID) (string, error)
	Set(ctx context.Context, sessionID uuid.UUID, recap string) error
}
