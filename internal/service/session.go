// Package service contains the session orchestration core: the per-session
// state machine driving the turn lifecycle, the response validator and the
// process-wide session registry.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
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

type sessionState int

const (
	stateIdle sessionState = iota
	stateAwaitingModel
	stateStreaming
	stateFinalizing
	stateEnded
)

func (s sessionState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateAwaitingModel:
		return "awaiting_model"
	case stateStreaming:
		return "streaming"
	case stateFinalizing:
		return "finalizing"
	case stateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// Error event reason codes on the realtime transport.
const (
	reasonModelUnavailable = "model_unavailable"
	reasonPartialStream    = "partial_stream_failure"
	reasonMalformed        = "malformed_response"
	reasonTurnTimeout      = "turn_timeout"
	reasonSessionEnding    = "session_ending"
	reasonInternal         = "internal_error"
)

// sessionDeps bundles the collaborators shared by all sessions. Owned by the
// Registry and treated as read-only by sessions.
type sessionDeps struct {
	worlds    repository.WorldRepository
	campaigns repository.CampaignRepository
	players   repository.PlayerRepository
	sessions  repository.SessionRepository
	aiClient  ai.Client
	builder   *prompt.Builder
	hub       *broadcast.Hub
	publisher messaging.EventPublisher
	logger    *zap.Logger

	narratorPrompt  string
	recapPrompt     string
	turnHardTimeout time.Duration
	endGraceTimeout time.Duration
}

// Session is the long-lived per-session state machine. All mutation of its
// internal state happens under its own mutex, never from another session.
type Session struct {
	ID         uuid.UUID
	CampaignID uuid.UUID

	deps   *sessionDeps
	logger *zap.Logger

	mu           sync.Mutex
	state        sessionState
	endRequested bool
	history      []domain.Turn
	turnDone     chan struct{}
	turnCancel   context.CancelFunc
	recap        string
}

func newSession(id, campaignID uuid.UUID, history []domain.Turn, deps *sessionDeps) *Session {
	return &Session{
		ID:         id,
		CampaignID: campaignID,
		deps:       deps,
		logger:     deps.logger.Named("Session").With(zap.String("sessionID", id.String())),
		state:      stateIdle,
		history:    history,
	}
}

// SubmitInput starts a new turn for the given player. It returns the turn
// sequence number the in-flight turn will use on success. Exactly one turn
// can be in flight per session; concurrent submissions get ErrSessionBusy
// instead of queueing.
func (s *Session) SubmitInput(ctx context.Context, playerID uuid.UUID, text string) (int, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return 0, fmt.Errorf("%w: input text is empty", domain.ErrInvalidInput)
	}

	s.mu.Lock()
	if s.state == stateEnded || s.endRequested {
		s.mu.Unlock()
		return 0, domain.ErrSessionEnded
	}
	if s.state != stateIdle {
		s.mu.Unlock()
		return 0, domain.ErrSessionBusy
	}

	// Reserve the turn before the roster read so a concurrent submit fails
	// fast with ErrSessionBusy instead of racing the same sequence number.
	seq := len(s.history) + 1
	s.state = stateAwaitingModel
	done := make(chan struct{})
	s.turnDone = done
	turnCtx, cancel := context.WithTimeout(context.Background(), s.deps.turnHardTimeout)
	s.turnCancel = cancel
	s.mu.Unlock()

	roster, err := s.deps.players.ListByCampaign(ctx, s.CampaignID)
	if err != nil {
		s.abortTurn(done, cancel)
		return 0, fmt.Errorf("failed to load roster: %w", err)
	}
	speaker := findPlayer(roster, playerID)
	if speaker == nil {
		s.abortTurn(done, cancel)
		return 0, domain.ErrUnknownPlayer
	}

	s.publish(domain.SessionEvent{
		Type:      domain.EventTurnStart,
		SessionID: s.ID,
		TurnSeq:   seq,
	})
	go s.runTurn(turnCtx, cancel, done, seq, speaker, roster, text)
	return seq, nil
}

// abortTurn rolls back a reserved turn that failed before the model call.
func (s *Session) abortTurn(done chan struct{}, cancel context.CancelFunc) {
	s.mu.Lock()
	s.state = stateIdle
	s.turnDone = nil
	s.turnCancel = nil
	s.mu.Unlock()
	cancel()
	close(done)
}

// runTurn drives one turn from AwaitingModel through Streaming and
// Finalizing back to Idle. It owns the only goroutine that mutates session
// state while the turn is in flight.
func (s *Session) runTurn(ctx context.Context, cancel context.CancelFunc, done chan struct{}, seq int, speaker *domain.Player, roster []domain.Player, input string) {
	defer cancel()
	defer s.finishTurn(done)

	log := s.logger.With(zap.Int("turnSeq", seq))

	campaign, err := s.deps.campaigns.GetByID(ctx, s.CampaignID)
	if err != nil {
		log.Error("Failed to load campaign for context", zap.Error(err))
		s.failTurn(seq, reasonInternal)
		return
	}
	world, err := s.deps.worlds.GetByID(ctx, campaign.WorldID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		log.Error("Failed to load world for context", zap.Error(err))
		s.failTurn(seq, reasonInternal)
		return
	}

	userMsg := s.deps.builder.Build(prompt.Input{
		World:     world,
		Campaign:  campaign,
		Roster:    roster,
		History:   s.historySnapshot(),
		Speaker:   speaker,
		UserInput: input,
	})

	splitter := newMetaSplitter()
	chunkIdx := 0
	emitChunk := func(text string, final bool) {
		s.publish(domain.SessionEvent{
			Type:       domain.EventChunk,
			SessionID:  s.ID,
			TurnSeq:    seq,
			ChunkIndex: chunkIdx,
			Text:       text,
			IsFinal:    final,
		})
		chunkIdx++
	}

	err = s.deps.aiClient.GenerateTextStream(ctx, s.deps.narratorPrompt, userMsg, func(delta string) error {
		visible := splitter.Feed(delta)
		if visible == "" {
			return nil
		}
		s.enterStreaming()
		emitChunk(visible, false)
		return nil
	})
	if err != nil {
		log.Error("Model stream failed", zap.Error(err), zap.Int("chunksDelivered", chunkIdx))
		s.failTurn(seq, streamFailureReason(ctx, err))
		return
	}

	s.setState(stateFinalizing)
	tail, rawMeta := splitter.Finish()
	// The final chunk is always emitted, possibly with empty text, so the
	// end of the narration stream is uniquely marked.
	emitChunk(tail, true)

	// Point-in-time roster for referential integrity. A player removed
	// mid-turn must not receive roll requests; fall back to the turn-start
	// roster only when the fresh read fails.
	rosterNow, rerr := s.deps.players.ListByCampaign(ctx, s.CampaignID)
	if rerr != nil {
		log.Warn("Roster refresh failed at validation, using turn-start roster", zap.Error(rerr))
		rosterNow = roster
	}

	validated, err := validateResponse(splitter.Narration(), rawMeta, seq, rosterNow, log)
	if err != nil {
		log.Error("Model response rejected", zap.Error(err))
		s.failTurn(seq, reasonMalformed)
		return
	}

	for i := range validated.Rolls {
		roll := validated.Rolls[i]
		s.publish(domain.SessionEvent{
			Type:      domain.EventRollRequest,
			SessionID: s.ID,
			TurnSeq:   seq,
			Roll:      &roll,
		})
	}

	turn := domain.Turn{
		Seq:         seq,
		PlayerID:    &speaker.ID,
		PlayerLabel: speaker.CharacterName,
		Input:       input,
		Narration:   validated.Narration,
		Speaker:     validated.Speaker,
		Rolls:       validated.Rolls,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.deps.sessions.AppendTurn(ctx, s.ID, &turn); err != nil {
		// Participants already saw the narration; keep the turn in memory
		// and surface the persistence failure in logs only.
		log.Error("Failed to persist turn", zap.Error(err))
	}

	s.mu.Lock()
	s.history = append(s.history, turn)
	s.mu.Unlock()

	s.publish(domain.SessionEvent{
		Type:      domain.EventTurnEnd,
		SessionID: s.ID,
		TurnSeq:   seq,
		FullText:  validated.Narration,
	})

	if err := s.deps.publisher.PublishSessionEvent(context.Background(), messaging.SessionEventPayload{
		Kind:       messaging.EventKindTurnCompleted,
		SessionID:  s.ID,
		CampaignID: s.CampaignID,
		TurnSeq:    seq,
		PlayerID:   speaker.ID.String(),
		OccurredAt: time.Now().UTC(),
	}); err != nil {
		log.Warn("Failed to publish turn event", zap.Error(err))
	}

	log.Info("Turn completed",
		zap.Int("chunks", chunkIdx),
		zap.Int("rollRequests", len(validated.Rolls)),
		zap.String("speaker", validated.Speaker))
}

// failTurn emits the error event for an aborted turn. The turn is not added
// to history, so its sequence number is reused by the next successful turn.
func (s *Session) failTurn(seq int, reason string) {
	s.publish(domain.SessionEvent{
		Type:      domain.EventError,
		SessionID: s.ID,
		TurnSeq:   seq,
		Reason:    reason,
	})
}

// finishTurn returns the machine to Idle (unless the session ended) and
// signals waiters that the in-flight turn is over.
func (s *Session) finishTurn(done chan struct{}) {
	s.mu.Lock()
	if s.state != stateEnded {
		s.state = stateIdle
	}
	s.turnDone = nil
	s.turnCancel = nil
	s.mu.Unlock()
	close(done)
}

func (s *Session) enterStreaming() {
	s.mu.Lock()
	if s.state == stateAwaitingModel {
		s.state = stateStreaming
	}
	s.mu.Unlock()
}

func (s *Session) setState(state sessionState) {
	s.mu.Lock()
	if s.state != stateEnded {
		s.state = state
	}
	s.mu.Unlock()
}

func (s *Session) historySnapshot() []domain.Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot := make([]domain.Turn, len(s.history))
	copy(snapshot, s.history)
	return snapshot
}

// History returns a copy of the finalized turn history.
func (s *Session) History() []domain.Turn {
	return s.historySnapshot()
}

func (s *Session) publish(ev domain.SessionEvent) {
	s.deps.hub.Publish(s.ID, ev)
}

// End closes the session and generates the recap. Ending while Idle is
// immediate; ending while a turn is in flight waits for that turn, with a
// grace timeout after which the turn is force-failed. Terminal: no further
// turns are accepted once End has been called.
func (s *Session) End(ctx context.Context) (string, error) {
	s.mu.Lock()
	if s.state == stateEnded {
		recap := s.recap
		s.mu.Unlock()
		return recap, nil
	}
	if s.endRequested {
		s.mu.Unlock()
		return "", domain.ErrSessionEnded
	}
	s.endRequested = true
	done := s.turnDone
	cancel := s.turnCancel
	s.mu.Unlock()

	s.waitForTurn(done, cancel)

	s.mu.Lock()
	s.state = stateEnded
	history := make([]domain.Turn, len(s.history))
	copy(history, s.history)
	s.mu.Unlock()

	// Recap failure does not block ending: the session still closes, the
	// recap just stays empty.
	var recap string
	if len(history) > 0 {
		generated, err := s.deps.aiClient.GenerateText(ctx, s.deps.recapPrompt, prompt.RecapInput(history))
		if err != nil {
			s.logger.Error("Recap generation failed", zap.Error(err))
		} else {
			recap = generated
		}
	}

	if err := s.deps.sessions.MarkEnded(ctx, s.ID, recap); err != nil {
		s.logger.Error("Failed to mark session ended", zap.Error(err))
	}

	s.mu.Lock()
	s.recap = recap
	s.mu.Unlock()

	if err := s.deps.publisher.PublishSessionEvent(context.Background(), messaging.SessionEventPayload{
		Kind:       messaging.EventKindSessionEnded,
		SessionID:  s.ID,
		CampaignID: s.CampaignID,
		OccurredAt: time.Now().UTC(),
	}); err != nil {
		s.logger.Warn("Failed to publish session-ended event", zap.Error(err))
	}

	s.deps.hub.CloseSession(s.ID)
	s.logger.Info("Session ended", zap.Int("turns", len(history)))
	return recap, nil
}

// drain force-ends an in-flight turn without generating a recap. Used at
// process shutdown; the session record stays open so it can be rehydrated
// after a restart.
func (s *Session) drain() {
	s.mu.Lock()
	if s.state == stateEnded {
		s.mu.Unlock()
		return
	}
	s.endRequested = true
	done := s.turnDone
	cancel := s.turnCancel
	s.mu.Unlock()

	s.waitForTurn(done, cancel)
	s.deps.hub.CloseSession(s.ID)
}

// waitForTurn blocks until the in-flight turn (if any) reaches Idle,
// force-failing it past the grace timeout.
func (s *Session) waitForTurn(done chan struct{}, cancel context.CancelFunc) {
	if done == nil {
		return
	}
	select {
	case <-done:
	case <-time.After(s.deps.endGraceTimeout):
		s.logger.Warn("Grace timeout expired, force-failing in-flight turn")
		if cancel != nil {
			cancel()
		}
		<-done
	}
}

// streamFailureReason maps a gateway error to the error-event reason code.
func streamFailureReason(ctx context.Context, err error) string {
	switch {
	case errors.Is(err, domain.ErrStreamInterrupted):
		return reasonPartialStream
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return reasonTurnTimeout
	case errors.Is(ctx.Err(), context.Canceled):
		return reasonSessionEnding
	default:
		return reasonModelUnavailable
	}
}

func findPlayer(roster []domain.Player, id uuid.UUID) *domain.Player {
	for i := range roster {
		if roster[i].ID == id {
			return &roster[i]
		}
	}
	return nil
}
