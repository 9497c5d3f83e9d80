/*
Package rewards implements the stamp-card accrual and redemption rules.

PURPOSE:
  Turns a customer's ledger (purchase and reward events) into a point
  balance and a redemption flag, and appends reward events without ever
  letting rewards outpace earned blocks of purchases.

THE ACCRUAL RULE:
  Let P = purchases, R = rewards, K = Threshold (4 by default).

    CurrentPoints         = P mod K
    Eligible              = P >= K AND P mod K == 0
    RemainingToNextReward = K - CurrentPoints

  With K=4, after the 4th purchase CurrentPoints is 0, Eligible is true and
  RemainingToNextReward is 4: the customer can take a reward now, and the
  next one is a full cycle away.

ELIGIBILITY AND REWARDS ALREADY TAKEN:
  The default rule looks at P only, so Eligible stays true after a reward
  is taken at the same P. A second redemption at that P is rejected by the
  store's conditional write, not by the flag. StrictEligibility adds
  R < P / K to the flag so it turns false once the block is consumed.

SEE ALSO:
  - engine.go: Operations
  - errors.go: InsufficientPointsError
  - ledger/store.go: Conditional reward write
*/
package rewards

import (
	"fmt"
	"time"
)

// =============================================================================
// POLICY
// =============================================================================

const (
	DefaultThreshold         = 4
	DefaultStorageTimeout    = 5 * time.Second
	DefaultMaxRedeemAttempts = 3
)

// Policy configures the engine.
type Policy struct {
	// Threshold is K, the purchases needed to unlock one reward.
	Threshold int

	// StrictEligibility makes Eligible false once the current block has
	// been redeemed.
	StrictEligibility bool

	// StorageTimeout bounds every store and directory call.
	StorageTimeout time.Duration

	// MaxRedeemAttempts bounds the read-check-append loop when the store
	// reports a write conflict.
	MaxRedeemAttempts int
}

func DefaultPolicy() Policy {
	return Policy{
		Threshold:         DefaultThreshold,
		StorageTimeout:    DefaultStorageTimeout,
		MaxRedeemAttempts: DefaultMaxRedeemAttempts,
	}
}

func (p Policy) Validate() error {
	if p.Threshold < 1 {
		return fmt.Errorf("threshold must be >= 1, got %d", p.Threshold)
	}
	if p.StorageTimeout <= 0 {
		return fmt.Errorf("storage timeout must be positive, got %s", p.StorageTimeout)
	}
	if p.MaxRedeemAttempts < 1 {
		return fmt.Errorf("max redeem attempts must be >= 1, got %d", p.MaxRedeemAttempts)
	}
	return nil
}

// =============================================================================
// STATS - Derived view of a customer's ledger
// =============================================================================

type Stats struct {
	TotalPurchases        int
	TotalRewards          int
	CurrentPoints         int
	Eligible              bool
	RemainingToNextReward int
}

// Stats derives the customer's view from raw counts. Pure.
func (p Policy) Stats(purchases, rewards int) Stats {
	k := p.Threshold
	current := purchases % k
	eligible := purchases >= k && current == 0
	if p.StrictEligibility {
		eligible = eligible && rewards < purchases/k
	}
	return Stats{
		TotalPurchases:        purchases,
		TotalRewards:          rewards,
		CurrentPoints:         current,
		Eligible:              eligible,
		RemainingToNextReward: k - current,
	}
}

// shortfall reports what a customer with the given purchases still needs.
func (p Policy) shortfall(purchases int) (current, needed int) {
	current = purchases % p.Threshold
	return current, p.Threshold - current
}
