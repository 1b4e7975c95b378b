package domain

import "errors"

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrRateLimited   = errors.New("rate limited")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrLockHeld      = errors.New("lock already held")

	// Engine errors.
	ErrAlreadyCommitted      = errors.New("product already committed")
	ErrRandomnessUnavailable = errors.New("secure randomness unavailable")
	ErrNotCommitted          = errors.New("product not committed")
	ErrOutOfStock            = errors.New("out of stock")
	ErrConflictExceeded      = errors.New("stock contention retry budget exhausted")
	ErrFairnessViolation     = errors.New("fairness violation")

	// Lifecycle errors.
	ErrInvalidState = errors.New("invalid product state")
	ErrNoStartTime  = errors.New("product has no start time")
	ErrSaleEnded    = errors.New("sale has ended")
	ErrNotRevealed  = errors.New("seed not revealed")
	ErrInvalidTier  = errors.New("invalid prize tier")
	ErrInvalidInput = errors.New("invalid input")
)
