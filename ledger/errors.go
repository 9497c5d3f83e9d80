/*
errors.go - Error sentinels for ledger persistence

ERROR CATEGORIES:
  1. Infrastructure - the store could not be reached or timed out
  2. Conditional writes - the reward predicate no longer held, or the
     write lost a race against another writer
  3. Idempotency - a keyed event was already recorded

USAGE:
  Store implementations wrap driver errors with ErrStorageUnavailable so the
  engine and transport can branch on errors.Is without knowing the driver:

    if errors.Is(err, ledger.ErrStorageUnavailable) {
        // transient, caller may retry a read
    }

SEE ALSO:
  - store.go: Uses these errors
  - rewards/errors.go: Business-rule errors built on top
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrStorageUnavailable is returned when the store fails or a call
	// exceeds its deadline.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrDuplicateIdempotencyKey is returned when an event with the same
	// idempotency key already exists.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrPredicateFailed is returned by AppendReward when the re-verified
	// purchase/reward counts do not allow another reward.
	ErrPredicateFailed = errors.New("reward predicate not satisfied")

	// ErrRedemptionRaceLost is returned by AppendReward when the store
	// reported a write conflict. The whole read-check-append may be retried.
	ErrRedemptionRaceLost = errors.New("redemption race lost")

	// ErrInvalidEvent is returned when an event is missing required fields.
	ErrInvalidEvent = errors.New("invalid ledger event")
)

// Unavailable wraps err as ErrStorageUnavailable, keeping the cause visible.
func Unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrStorageUnavailable, op, err)
}

// FromContext maps a cancelled or expired context to ErrStorageUnavailable.
// Returns nil for a live context.
func FromContext(ctx context.Context, op string) error {
	if err := ctx.Err(); err != nil {
		return Unavailable(op, err)
	}
	return nil
}

// IsRetryable returns true if the conditional write may succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrRedemptionRaceLost)
}
