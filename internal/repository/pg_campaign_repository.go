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

var _ CampaignRepository = (*pgCampaignRepository)(nil)

type pgCampaignRepository struct {
	db     DBTX
	logger *zap.Logger
}

// NewPgCampaignRepository creates a PostgreSQL-backed CampaignRepository.
func NewPgCampaignRepository(db DBTX, logger *zap.Logger) CampaignRepository {
	return &pgCampaignRepository{db: db, logger: logger.Named("PgCampaignRepo")}
}

const createCampaignQuery = `
INSERT INTO campaigns (id, world_id, title, description, created_at)
VALUES ($1, $2, $3, $4, $5)`

const getCampaignByIDQuery = `
SELECT id, world_id, title, description, created_at
FROM campaigns
WHERE id = $1`

func (r *pgCampaignRepository) Create(ctx context.Context, campaign *domain.Campaign) error {
	if campaign.ID == uuid.Nil {
		campaign.ID = uuid.New()
	}
	if campaign.CreatedAt.IsZero() {
		campaign.CreatedAt = time.Now().UTC()
	}

	_, err := r.db.Exec(ctx, createCampaignQuery,
		campaign.ID, campaign.WorldID, campaign.Title, campaign.Description, campaign.CreatedAt)
	if err != nil {
		r.logger.Error("Failed to create campaign", zap.Error(err), zap.String("campaignID", campaign.ID.String()))
		return fmt.Errorf("failed to create campaign: %w", err)
	}
	r.logger.Info("Campaign created", zap.String("campaignID", campaign.ID.String()))
	return nil
}

func (r *pgCampaignRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Campaign, error) {
	campaign := &domain.Campaign{}
	err := pgxscan.Get(ctx, r.db, campaign, getCampaignByIDQuery, id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		r.logger.Error("Failed to get campaign", zap.Error(err), zap.String("campaignID", id.String()))
		return nil, fmt.Errorf("failed to get campaign: %w", err)
	}
	return campaign, nil
}
