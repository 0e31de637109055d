package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"aidm-server/internal/domain"
)

var _ PlayerRepository = (*pgPlayerRepository)(nil)

type pgPlayerRepository struct {
	db     DBTX
	logger *zap.Logger
}

// NewPgPlayerRepository creates a PostgreSQL-backed PlayerRepository.
func NewPgPlayerRepository(db DBTX, logger *zap.Logger) PlayerRepository {
	return &pgPlayerRepository{db: db, logger: logger.Named("PgPlayerRepo")}
}

const createPlayerQuery = `
INSERT INTO players (id, campaign_id, name, character_name, race, class, level, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

const getPlayerByIDQuery = `
SELECT id, campaign_id, name, character_name, race, class, level, created_at
FROM players
WHERE id = $1`

const listPlayersByCampaignQuery = `
SELECT id, campaign_id, name, character_name, race, class, level, created_at
FROM players
WHERE campaign_id = $1
ORDER BY created_at`

func (r *pgPlayerRepository) Create(ctx context.Context, player *domain.Player) error {
	if player.ID == uuid.Nil {
		player.ID = uuid.New()
	}
	if player.Level <= 0 {
		player.Level = 1
	}
	if player.CreatedAt.IsZero() {
		player.CreatedAt = time.Now().UTC()
	}

	_, err := r.db.Exec(ctx, createPlayerQuery,
		player.ID, player.CampaignID, player.Name, player.CharacterName,
		player.Race, player.Class, player.Level, player.CreatedAt)
	if err != nil {
		r.logger.Error("Failed to create player", zap.Error(err), zap.String("playerID", player.ID.String()))
		return fmt.Errorf("failed to create player: %w", err)
	}
	r.logger.Info("Player created",
		zap.String("playerID", player.ID.String()),
		zap.String("campaignID", player.CampaignID.String()))
	return nil
}

func (r *pgPlayerRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Player, error) {
	player := &domain.Player{}
	err := pgxscan.Get(ctx, r.db, player, getPlayerByIDQuery, id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		r.logger.Error("Failed to get player", zap.Error(err), zap.String("playerID", id.String()))
		return nil, fmt.Errorf("failed to get player: %w", err)
	}
	return player, nil
}

func (r *pgPlayerRepository) ListByCampaign(ctx context.Context, campaignID uuid.UUID) ([]domain.Player, error) {
	var players []domain.Player
	err := pgxscan.Select(ctx, r.db, &players, listPlayersByCampaignQuery, campaignID)
	if err != nil {
		r.logger.Error("Failed to list players", zap.Error(err), zap.String("campaignID", campaignID.String()))
		return nil, fmt.Errorf("failed to list players: %w", err)
	}
	return players, nil
}
