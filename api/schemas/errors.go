// File: api/schemas/errors.go
package schemas

import "errors"

// Error taxonomy for step execution. The retry controller absorbs the soft
// failures up to its bound; ErrUnsafe and the fatal class bypass retry
// entirely.
var (
	// ErrNotFound: target resolution (including rebind) produced no element.
	// Soft, retriable.
	ErrNotFound = errors.New("target not found")

	// ErrNoEffect: a resolver tier completed without an observable effect.
	// Soft, triggers tier escalation within the same attempt budget.
	ErrNoEffect = errors.New("no observable effect")

	// ErrMismatch: the verifier observed a post-state that contradicts the
	// expected outcome. Soft, retriable.
	ErrMismatch = errors.New("verification mismatch")

	// ErrTimeout: an attempt-scoped wait expired. Soft, retriable; the
	// attempt that timed out counts as an error for its tier.
	ErrTimeout = errors.New("attempt timed out")

	// ErrUnsafe: safety gate denial. Non-retriable, plan-halting by default.
	ErrUnsafe = errors.New("blocked by safety policy")

	// ErrNoBoundRoot: a coordinate-tier or scoped resolution was requested
	// with no activated window binding. Resolution fails closed rather than
	// searching the whole desktop.
	ErrNoBoundRoot = errors.New("no bound window root")

	// Fatal class: engine-level failures that halt immediately without
	// consuming a retry budget.
	ErrUnknownAction = errors.New("unknown action")
	ErrMalformedPlan = errors.New("malformed plan")
)

// IsFatal reports whether err belongs to the fatal class.
func IsFatal(err error) bool {
	return errors.Is(err, ErrUnknownAction) || errors.Is(err, ErrMalformedPlan)
}

// IsRetriable reports whether the retry controller may absorb err.
func IsRetriable(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrNoEffect) ||
		errors.Is(err, ErrMismatch) ||
		errors.Is(err, ErrTimeout)
}
