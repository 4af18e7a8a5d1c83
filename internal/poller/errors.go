package poller

import "errors"

var (
	// ErrInvalidArgument rejects a registration with empty or zero fields.
	ErrInvalidArgument = errors.New("invalid registration parameters")

	// ErrAlreadyTracked rejects a registration for an id that is already known.
	ErrAlreadyTracked = errors.New("shift already tracked")

	// errSettlementMismatch marks a settled snapshot whose amount or address
	// does not match what was registered. Routed to the retry path, never
	// confirmed.
	errSettlementMismatch = errors.New("settlement amount or address mismatch")
)
