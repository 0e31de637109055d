package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"aidm-server/internal/broadcast"
	"aidm-server/internal/domain"
	"aidm-server/internal/messaging"
	"aidm-server/internal/prompt"
	"aidm-server/internal/repository"
	"aidm-server/pkg/ai"
)

// RegistryConfig carries the tunables the Registry passes down to sessions.
type RegistryConfig struct {
	NarratorPrompt  string
	RecapPrompt     string
	TurnHardTimeout time.Duration
	EndGraceTimeout time.Duration
}

// Registry owns all live sessions in the process. It creates sessions,
// rehydrates open ones from storage on demand and drains everything at
// shutdown.
type Registry struct {
	deps       *sessionDeps
	recapCache repository.RecapCache
	logger     *zap.Logger

	mu       sync.RWMutex
	sessions map[uuid.UUID]*Session
}

// NewRegistry wires the session orchestration core.
func NewRegistry(
	worlds repository.WorldRepository,
	campaigns repository.CampaignRepository,
	players repository.PlayerRepository,
	sessions repository.SessionRepository,
	recapCache repository.RecapCache,
	aiClient ai.Client,
	builder *prompt.Builder,
	hub *broadcast.Hub,
	publisher messaging.EventPublisher,
	cfg RegistryConfig,
	logger *zap.Logger,
) *Registry {
	return &Registry{
		deps: &sessionDeps{
			worlds:          worlds,
			campaigns:       campaigns,
			players:         players,
			sessions:        sessions,
			aiClient:        aiClient,
			builder:         builder,
			hub:             hub,
			publisher:       publisher,
			logger:          logger,
			narratorPrompt:  cfg.NarratorPrompt,
			recapPrompt:     cfg.RecapPrompt,
			turnHardTimeout: cfg.TurnHardTimeout,
			endGraceTimeout: cfg.EndGraceTimeout,
		},
		recapCache: recapCache,
		logger:     logger.Named("SessionRegistry"),
		sessions:   make(map[uuid.UUID]*Session),
	}
}

// Create opens a new session for the campaign and registers it as live.
func (r *Registry) Create(ctx context.Context, campaignID uuid.UUID) (*Session, error) {
	if _, err := r.deps.campaigns.GetByID(ctx, campaignID); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, domain.ErrInvalidCampaign
		}
		return nil, fmt.Errorf("failed to verify campaign: %w", err)
	}

	record := &domain.SessionRecord{
		ID:         uuid.New(),
		CampaignID: campaignID,
		Status:     domain.SessionStatusOpen,
		CreatedAt:  time.Now().UTC(),
	}
	if err := r.deps.sessions.Create(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to create session record: %w", err)
	}

	session := newSession(record.ID, campaignID, nil, r.deps)

	r.mu.Lock()
	r.sessions[session.ID] = session
	r.mu.Unlock()

	if err := r.deps.publisher.PublishSessionEvent(ctx, messaging.SessionEventPayload{
		Kind:       messaging.EventKindSessionStarted,
		SessionID:  session.ID,
		CampaignID: campaignID,
		OccurredAt: time.Now().UTC(),
	}); err != nil {
		r.logger.Warn("Failed to publish session-started event", zap.Error(err))
	}

	r.logger.Info("Session created",
		zap.String("sessionID", session.ID.String()),
		zap.String("campaignID", campaignID.String()))
	return session, nil
}

// Get returns the live session, rehydrating an open session from storage if
// the process restarted since it was created. Ended sessions are not
// rehydrated; they only exist as records.
func (r *Registry) Get(ctx context.Context, id uuid.UUID) (*Session, error) {
	r.mu.RLock()
	session, ok := r.sessions[id]
	r.mu.RUnlock()
	if ok {
		return session, nil
	}

	record, err := r.deps.sessions.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if record.Status == domain.SessionStatusEnded {
		return nil, domain.ErrSessionEnded
	}

	history, err := r.deps.sessions.ListTurns(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load session history: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// Another caller may have hydrated the same session while we read.
	if existing, ok := r.sessions[id]; ok {
		return existing, nil
	}
	session = newSession(record.ID, record.CampaignID, history, r.deps)
	r.sessions[id] = session
	r.logger.Info("Session rehydrated",
		zap.String("sessionID", id.String()),
		zap.Int("turns", len(history)))
	return session, nil
}

// End closes the session and returns the recap. A session that has already
// ended returns its stored recap; the cache is checked first so repeated
// reads skip storage.
func (r *Registry) End(ctx context.Context, id uuid.UUID) (string, error) {
	r.mu.RLock()
	session, live := r.sessions[id]
	r.mu.RUnlock()

	if !live {
		if recap, err := r.recapCache.Get(ctx, id); err == nil {
			return recap, nil
		}
		record, err := r.deps.sessions.GetByID(ctx, id)
		if err != nil {
			return "", err
		}
		if record.Status == domain.SessionStatusEnded {
			return record.Recap, nil
		}
		if session, err = r.Get(ctx, id); err != nil {
			return "", err
		}
	}

	recap, err := session.End(ctx)

	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()

	if recap != "" {
		if cerr := r.recapCache.Set(ctx, id, recap); cerr != nil {
			r.logger.Warn("Failed to cache recap", zap.Error(cerr))
		}
	}
	return recap, err
}

// Record returns the stored view of a session regardless of liveness.
func (r *Registry) Record(ctx context.Context, id uuid.UUID) (*domain.SessionRecord, error) {
	return r.deps.sessions.GetByID(ctx, id)
}

// Shutdown drains every live session without generating recaps. Open
// sessions stay open in storage and are rehydrated on the next start.
func (r *Registry) Shutdown(ctx context.Context) {
	r.mu.Lock()
	live := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		live = append(live, s)
	}
	r.sessions = make(map[uuid.UUID]*Session)
	r.mu.Unlock()

	r.logger.Info("Draining live sessions", zap.Int("count", len(live)))
	var wg sync.WaitGroup
	for _, s := range live {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			s.drain()
		}(s)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		r.logger.Warn("Shutdown deadline reached before all sessions drained")
	}
}
