package store

import "errors"

// Domain error kinds surfaced by the Store. These bubble up unchanged
// through the Query Evaluator to the HTTP boundary (pkg/server), which is
// the only place that maps them to status codes.
var (
	// ErrNotFound means a read's target does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrCorrupted means stored bytes failed to rehydrate into a valid
	// Strand or Tixel. This indicates corruption and is surfaced as 500.
	ErrCorrupted = errors.New("store: corrupted block")

	// ErrVerification means a block failed the Block Library's verify().
	ErrVerification = errors.New("store: verification failed")

	// ErrSaving means the backend refused a write for a reason other than
	// the append-invariant predicates (e.g. a connection failure).
	ErrSaving = errors.New("store: save failed")

	// ErrBadRequest means the client's input was rejected: a range request
	// exceeded the configured ceiling, or a body was malformed (bad CAR, an
	// undecodable block, a wrong content type).
	ErrBadRequest = errors.New("store: bad request")
)
