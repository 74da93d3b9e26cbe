package model

import "github.com/rotisserie/eris"

// Domain error taxonomy. Callers wrap these with eris and match with errors.Is.
var (
	ErrNotFound          = eris.New("not found")
	ErrInvalidTransition = eris.New("invalid transition")
	ErrAlreadyReviewed   = eris.New("update already reviewed")
	ErrValidation        = eris.New("validation failed")
	ErrPermanentFailure  = eris.New("verification retry budget exhausted")
	ErrCallActive        = eris.New("verification call already active for specialist")
	ErrLeaseHeld         = eris.New("call lease held by another owner")
)
