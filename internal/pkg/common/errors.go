package common

import "errors"

// Per-match failure classes. Package-level errors wrap one of these so callers
// can decide how a failure ends (or doesn't end) a match with errors.Is.
var (
	ErrValidation          = errors.New("validation failed")
	ErrResourceUnavailable = errors.New("resource unavailable")
	ErrOpponentLost        = errors.New("opponent lost")
	ErrWagerTimeout        = errors.New("wager timeout")
	ErrLedgerFailure       = errors.New("ledger failure")
)
