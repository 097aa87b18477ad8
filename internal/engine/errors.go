package engine

import "errors"

// Error taxonomy for round operations. Handlers branch on these with
// errors.Is; the wrapped message is safe to return to the caller.
var (
	// ErrValidation marks synchronously rejected input. No state change.
	ErrValidation = errors.New("validation error")

	// ErrConflict marks requests that lost against the round lifecycle:
	// a bet on a non-waiting round, a second cashout, a cashout after
	// the crash. No state change, safe to retry with corrected intent.
	ErrConflict = errors.New("conflict")

	// ErrStaleRound marks a round that outlived the stale threshold
	// without reaching a terminal state. Recovered by the watchdog,
	// never surfaced to players.
	ErrStaleRound = errors.New("stale round")

	// ErrSettlementFailure marks a ledger write that failed mid
	// transaction. Retried with the round id as idempotency key.
	ErrSettlementFailure = errors.New("settlement failure")

	// ErrSeedRotationConflict marks a rotation attempted while a round
	// is open. The operator retries after the round closes.
	ErrSeedRotationConflict = errors.New("seed rotation conflict")
)
