package domain

import "errors"

// Application-wide standard errors
var (
	// Resource errors
	ErrNotFound        = errors.New("resource not found")
	ErrInvalidCampaign = errors.New("campaign does not exist")

	// Caller-state errors. Surfaced immediately, never retried internally.
	ErrSessionBusy   = errors.New("a turn is already in flight for this session")
	ErrSessionEnded  = errors.New("session has ended")
	ErrUnknownPlayer = errors.New("player is not on the session roster")
	ErrInvalidInput  = errors.New("invalid input data")

	// Model gateway errors
	ErrAIGenerationFailed = errors.New("AI generation failed")
	ErrStreamInterrupted  = errors.New("model stream failed after partial delivery")

	// Validator errors. Both fail the whole turn; per-field problems are repaired instead.
	ErrMalformedResponse = errors.New("model response is structurally malformed")
	ErrEmptyNarration    = errors.New("model produced no narration text")
)
