package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"aidm-server/internal/domain"
)

var _ SessionRepository = (*pgSessionRepository)(nil)

// pgSessionRepository needs the pool rather than DBTX because AppendTurn
// writes the turn and its roll requests in one transaction.
type pgSessionRepository struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPgSessionRepository creates a PostgreSQL-backed SessionRepository.
func NewPgSessionRepository(pool *pgxpool.Pool, logger *zap.Logger) SessionRepository {
	return &pgSessionRepository{pool: pool, logger: logger.Named("PgSessionRepo")}
}

const createSessionQuery = `
INSERT INTO sessions (id, campaign_id, status, recap, created_at)
VALUES ($1, $2, $3, $4, $5)`

const getSessionByIDQuery = `
SELECT id, campaign_id, status, recap, created_at, ended_at
FROM sessions
WHERE id = $1`

const listTurnsQuery = `
SELECT seq, player_id, player_label, input, narration, speaker, created_at
FROM turns
WHERE session_id = $1
ORDER BY seq`

const listRollRequestsQuery = `
SELECT turn_seq, target_player_id, check_type, advantage, disadvantage
FROM roll_requests
WHERE session_id = $1
ORDER BY turn_seq`

const insertTurnQuery = `
INSERT INTO turns (session_id, seq, player_id, player_label, input, narration, speaker, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

const insertRollRequestQuery = `
INSERT INTO roll_requests (session_id, turn_seq, target_player_id, check_type, advantage, disadvantage)
VALUES ($1, $2, $3, $4, $5, $6)`

const markSessionEndedQuery = `
UPDATE sessions
SET status = $2, recap = $3, ended_at = $4
WHERE id = $1`

func (r *pgSessionRepository) Create(ctx context.Context, session *domain.SessionRecord) error {
	if session.ID == uuid.Nil {
		session.ID = uuid.New()
	}
	if session.Status == "" {
		session.Status = domain.SessionStatusOpen
	}
	if session.CreatedAt.IsZero() {
		session.CreatedAt = time.Now().UTC()
	}

	_, err := r.pool.Exec(ctx, createSessionQuery,
		session.ID, session.CampaignID, session.Status, session.Recap, session.CreatedAt)
	if err != nil {
		r.logger.Error("Failed to create session", zap.Error(err), zap.String("sessionID", session.ID.String()))
		return fmt.Errorf("failed to create session: %w", err)
	}
	r.logger.Info("Session created",
		zap.String("sessionID", session.ID.String()),
		zap.String("campaignID", session.CampaignID.String()))
	return nil
}

func (r *pgSessionRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.SessionRecord, error) {
	session := &domain.SessionRecord{}
	err := pgxscan.Get(ctx, r.pool, session, getSessionByIDQuery, id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		r.logger.Error("Failed to get session", zap.Error(err), zap.String("sessionID", id.String()))
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return session, nil
}

func (r *pgSessionRepository) ListTurns(ctx context.Context, sessionID uuid.UUID) ([]domain.Turn, error) {
	var turns []domain.Turn
	if err := pgxscan.Select(ctx, r.pool, &turns, listTurnsQuery, sessionID); err != nil {
		r.logger.Error("Failed to list turns", zap.Error(err), zap.String("sessionID", sessionID.String()))
		return nil, fmt.Errorf("failed to list turns: %w", err)
	}

	var rolls []domain.RollRequest
	if err := pgxscan.Select(ctx, r.pool, &rolls, listRollRequestsQuery, sessionID); err != nil {
		r.logger.Error("Failed to list roll requests", zap.Error(err), zap.String("sessionID", sessionID.String()))
		return nil, fmt.Errorf("failed to list roll requests: %w", err)
	}

	rollsBySeq := make(map[int][]domain.RollRequest, len(rolls))
	for _, roll := range rolls {
		rollsBySeq[roll.TurnSeq] = append(rollsBySeq[roll.TurnSeq], roll)
	}
	for i := range turns {
		turns[i].Rolls = rollsBySeq[turns[i].Seq]
	}
	return turns, nil
}

func (r *pgSessionRepository) AppendTurn(ctx context.Context, sessionID uuid.UUID, turn *domain.Turn) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now().UTC()
	}

	_, err = tx.Exec(ctx, insertTurnQuery,
		sessionID, turn.Seq, turn.PlayerID, turn.PlayerLabel,
		turn.Input, turn.Narration, turn.Speaker, turn.CreatedAt)
	if err != nil {
		r.logger.Error("Failed to insert turn", zap.Error(err),
			zap.String("sessionID", sessionID.String()), zap.Int("seq", turn.Seq))
		return fmt.Errorf("failed to insert turn: %w", err)
	}

	for _, roll := range turn.Rolls {
		_, err = tx.Exec(ctx, insertRollRequestQuery,
			sessionID, turn.Seq, roll.TargetPlayerID, roll.CheckType, roll.Advantage, roll.Disadvantage)
		if err != nil {
			r.logger.Error("Failed to insert roll request", zap.Error(err),
				zap.String("sessionID", sessionID.String()), zap.Int("seq", turn.Seq))
			return fmt.Errorf("failed to insert roll request: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit turn: %w", err)
	}
	return nil
}

func (r *pgSessionRepository) MarkEnded(ctx context.Context, sessionID uuid.UUID, recap string) error {
	tag, err := r.pool.Exec(ctx, markSessionEndedQuery,
		sessionID, domain.SessionStatusEnded, recap, time.Now().UTC())
	if err != nil {
		r.logger.Error("Failed to mark session ended", zap.Error(err), zap.String("sessionID", sessionID.String()))
		return fmt.Errorf("failed to mark session ended: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	r.logger.Info("Session marked ended", zap.String("sessionID", sessionID.String()))
	return nil
}
