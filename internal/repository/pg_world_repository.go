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

var _ WorldRepository = (*pgWorldRepository)(nil)

type pgWorldRepository struct {
	db     DBTX
	logger *zap.Logger
}

// NewPgWorldRepository creates a PostgreSQL-backed WorldRepository.
func NewPgWorldRepository(db DBTX, logger *zap.Logger) WorldRepository {
	return &pgWorldRepository{db: db, logger: logger.Named("PgWorldRepo")}
}

const createWorldQuery = `
INSERT INTO worlds (id, name, description, created_at)
VALUES ($1, $2, $3, $4)`

const getWorldByIDQuery = `
SELECT id, name, description, created_at
FROM worlds
WHERE id = $1`

func (r *pgWorldRepository) Create(ctx context.Context, world *domain.World) error {
	if world.ID == uuid.Nil {
		world.ID = uuid.New()
	}
	if world.CreatedAt.IsZero() {
		world.CreatedAt = time.Now().UTC()
	}

	_, err := r.db.Exec(ctx, createWorldQuery, world.ID, world.Name, world.Description, world.CreatedAt)
	if err != nil {
		r.logger.Error("Failed to create world", zap.Error(err), zap.String("worldID", world.ID.String()))
		return fmt.Errorf("failed to create world: %w", err)
	}
	r.logger.Info("World created", zap.String("worldID", world.ID.String()))
	return nil
}

func (r *pgWorldRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.World, error) {
	world := &domain.World{}
	err := pgxscan.Get(ctx, r.db, world, getWorldByIDQuery, id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		r.logger.Error("Failed to get world", zap.Error(err), zap.String("worldID", id.String()))
		return nil, fmt.Errorf("failed to get world: %w", err)
	}
	return world, nil
}
