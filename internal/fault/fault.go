// Package fault defines the four error classes every ledger operation can
// fail with. All of them abort the whole call with no partial effect;
// callers retry externally once preconditions can hold.
package fault

import "errors"

var (
	// ErrValidation covers malformed parameters: bad leverage, zero
	// amounts, invalid stop/take-profit ordering.
	ErrValidation = errors.New("validation failed")

	// ErrState covers operations attempted from a trade/run/epoch state
	// that does not permit them.
	ErrState = errors.New("invalid state")

	// ErrStale covers oracle proofs that are future-dated or too old, and
	// runs/epochs that are not yet mature.
	ErrStale = errors.New("stale input")

	// ErrSolvency covers insufficient free balance or LP capital, unmet
	// liquidation conditions, and unfunded withdrawal claims.
	ErrSolvency = errors.New("solvency check failed")
)
