/*
engine.go - Reward engine operations

OPERATIONS:
  ComputeStats(customer)               Read-only balance and eligibility
  ComputeStatsByCredential(qrToken)    Same, resolved from a scanned QR token
  Profile(customer)                    Customer record with stats
  RecordPurchase(customer, merchant)   Append one purchase, always allowed
  RedeemReward(customer, merchant)     Append one reward if earned
  History(customer, limit)             Most recent events with business names

REDEMPTION FLOW:
  1. Resolve customer and merchant
  2. Count P and R
  3. Reject with InsufficientPointsError unless Eligible
  4. AppendReward: the store re-verifies the counts and inserts atomically
  5. ErrPredicateFailed    -> InsufficientPointsError from a fresh read
     ErrRedemptionRaceLost -> repeat from step 2, at most MaxRedeemAttempts

  Purchases never touch R, and the only constraint is on R relative to P,
  so RecordPurchase needs no serialization.

TIMEOUTS:
  Every store and directory call runs under Policy.StorageTimeout. An
  expired deadline surfaces as ledger.ErrStorageUnavailable.

SEE ALSO:
  - policy.go: Accrual rule
  - ledger/store.go: Conditional write contract
*/
package rewards

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/warp/loyalty-engine/identity"
	"github.com/warp/loyalty-engine/ledger"
)

// Engine applies the accrual rule to a ledger.Store.
type Engine struct {
	store     ledger.Store
	directory identity.Directory
	policy    Policy
	logger    *slog.Logger
}

// NewEngine returns an engine. A nil logger uses slog.Default().
func NewEngine(store ledger.Store, directory identity.Directory, policy Policy, logger *slog.Logger) (*Engine, error) {
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid reward policy: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:     store,
		directory: directory,
		policy:    policy,
		logger:    logger.With("component", "rewards"),
	}, nil
}

// Policy returns the policy the engine was built with.
func (e *Engine) Policy() Policy { return e.policy }

// =============================================================================
// RESULTS
// =============================================================================

type PurchaseResult struct {
	TransactionID ledger.EventID
	EligibleAfter bool
}

type RedeemResult struct {
	TransactionID ledger.EventID
}

type HistoryEntry struct {
	Event        ledger.Event
	BusinessName string
}

// =============================================================================
// READS
// =============================================================================

// ComputeStats returns the customer's balance and eligibility. No side effects.
func (e *Engine) ComputeStats(ctx context.Context, customerID ledger.CustomerID) (Stats, error) {
	if _, err := e.resolveCustomer(ctx, customerID); err != nil {
		return Stats{}, err
	}
	return e.stats(ctx, customerID)
}

// Profile returns the customer record together with their stats.
func (e *Engine) Profile(ctx context.Context, customerID ledger.CustomerID) (identity.Customer, Stats, error) {
	customer, err := e.resolveCustomer(ctx, customerID)
	if err != nil {
		return identity.Customer{}, Stats{}, err
	}
	stats, err := e.stats(ctx, customerID)
	if err != nil {
		return identity.Customer{}, Stats{}, err
	}
	return customer, stats, nil
}

// ResolveMerchant looks up a merchant under the storage deadline.
func (e *Engine) ResolveMerchant(ctx context.Context, merchantID ledger.MerchantID) (identity.Merchant, error) {
	return e.resolveMerchant(ctx, merchantID)
}

// ComputeStatsByCredential resolves a scanned QR token and returns the
// customer with their stats.
func (e *Engine) ComputeStatsByCredential(ctx context.Context, qrToken string) (identity.Customer, Stats, error) {
	customer, err := withTimeout(ctx, e, "resolve credential", func(ctx context.Context) (identity.Customer, error) {
		return e.directory.ResolveCustomerByCredential(ctx, qrToken)
	})
	if err != nil {
		return identity.Customer{}, Stats{}, err
	}
	stats, err := e.stats(ctx, customer.ID)
	if err != nil {
		return identity.Customer{}, Stats{}, err
	}
	return customer, stats, nil
}

// History returns up to limit events, most recent first. limit <= 0 uses
// ledger.DefaultHistoryLimit.
func (e *Engine) History(ctx context.Context, customerID ledger.CustomerID, limit int) ([]HistoryEntry, error) {
	if _, err := e.resolveCustomer(ctx, customerID); err != nil {
		return nil, err
	}
	events, err := withTimeout(ctx, e, "list events", func(ctx context.Context) ([]ledger.Event, error) {
		return e.store.ListByCustomer(ctx, customerID, limit)
	})
	if err != nil {
		return nil, err
	}

	names := make(map[ledger.MerchantID]string)
	entries := make([]HistoryEntry, len(events))
	for i, ev := range events {
		name, ok := names[ev.MerchantID]
		if !ok {
			m, err := e.resolveMerchant(ctx, ev.MerchantID)
			switch {
			case errors.Is(err, identity.ErrMerchantNotFound):
			case err != nil:
				return nil, err
			default:
				name = m.BusinessName
			}
			names[ev.MerchantID] = name
		}
		entries[i] = HistoryEntry{Event: ev, BusinessName: name}
	}
	return entries, nil
}

// =============================================================================
// WRITES
// =============================================================================

// RecordPurchase appends one purchase. Calling it twice records two
// purchases; there is no deduplication.
func (e *Engine) RecordPurchase(ctx context.Context, customerID ledger.CustomerID, merchantID ledger.MerchantID) (PurchaseResult, error) {
	return e.RecordPurchaseWithKey(ctx, customerID, merchantID, "")
}

// RecordPurchaseWithKey is RecordPurchase with an optional idempotency key.
// A repeated non-empty key fails with ledger.ErrDuplicateIdempotencyKey.
func (e *Engine) RecordPurchaseWithKey(ctx context.Context, customerID ledger.CustomerID, merchantID ledger.MerchantID, idempotencyKey string) (PurchaseResult, error) {
	if err := e.resolveBoth(ctx, customerID, merchantID); err != nil {
		return PurchaseResult{}, err
	}

	event := ledger.NewPurchase(customerID, merchantID)
	event.IdempotencyKey = idempotencyKey
	if _, err := withTimeout(ctx, e, "append purchase", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, e.store.Append(ctx, event)
	}); err != nil {
		return PurchaseResult{}, err
	}

	stats, err := e.stats(ctx, customerID)
	if err != nil {
		return PurchaseResult{}, err
	}

	e.logger.Debug("purchase recorded",
		"customer_id", customerID,
		"merchant_id", merchantID,
		"transaction_id", event.ID,
		"purchases", stats.TotalPurchases)

	return PurchaseResult{TransactionID: event.ID, EligibleAfter: stats.Eligible}, nil
}

// RedeemReward appends one reward event if the customer has earned it.
// Returns *InsufficientPointsError otherwise.
func (e *Engine) RedeemReward(ctx context.Context, customerID ledger.CustomerID, merchantID ledger.MerchantID) (RedeemResult, error) {
	if err := e.resolveBoth(ctx, customerID, merchantID); err != nil {
		return RedeemResult{}, err
	}

	for attempt := 1; ; attempt++ {
		stats, err := e.stats(ctx, customerID)
		if err != nil {
			return RedeemResult{}, err
		}
		if !stats.Eligible {
			return RedeemResult{}, e.rejected(customerID, merchantID, stats.TotalPurchases)
		}

		event := ledger.NewReward(customerID, merchantID)
		_, err = withTimeout(ctx, e, "append reward", func(ctx context.Context) (struct{}, error) {
			return struct{}{}, e.store.AppendReward(ctx, event, e.policy.Threshold)
		})

		switch {
		case err == nil:
			e.logger.Info("reward redeemed",
				"customer_id", customerID,
				"merchant_id", merchantID,
				"transaction_id", event.ID,
				"purchases", stats.TotalPurchases,
				"rewards", stats.TotalRewards+1)
			return RedeemResult{TransactionID: event.ID}, nil

		case errors.Is(err, ledger.ErrPredicateFailed):
			fresh, err := e.stats(ctx, customerID)
			if err != nil {
				return RedeemResult{}, err
			}
			return RedeemResult{}, e.rejected(customerID, merchantID, fresh.TotalPurchases)

		case ledger.IsRetryable(err):
			if attempt >= e.policy.MaxRedeemAttempts {
				return RedeemResult{}, ledger.Unavailable("append reward", err)
			}
			e.logger.Warn("reward write conflict, retrying",
				"customer_id", customerID,
				"attempt", attempt)

		default:
			return RedeemResult{}, err
		}
	}
}

// =============================================================================
// HELPERS
// =============================================================================

func (e *Engine) rejected(customerID ledger.CustomerID, merchantID ledger.MerchantID, purchases int) error {
	current, needed := e.policy.shortfall(purchases)
	e.logger.Info("redemption rejected",
		"customer_id", customerID,
		"merchant_id", merchantID,
		"current_points", current,
		"needed", needed)
	return &InsufficientPointsError{CustomerID: customerID, CurrentPoints: current, Needed: needed}
}

func (e *Engine) stats(ctx context.Context, customerID ledger.CustomerID) (Stats, error) {
	purchases, err := e.count(ctx, customerID, ledger.KindPurchase)
	if err != nil {
		return Stats{}, err
	}
	rewards, err := e.count(ctx, customerID, ledger.KindReward)
	if err != nil {
		return Stats{}, err
	}
	return e.policy.Stats(purchases, rewards), nil
}

func (e *Engine) count(ctx context.Context, customerID ledger.CustomerID, kind ledger.Kind) (int, error) {
	return withTimeout(ctx, e, "count "+string(kind), func(ctx context.Context) (int, error) {
		return e.store.CountByCustomerAndKind(ctx, customerID, kind)
	})
}

func (e *Engine) resolveBoth(ctx context.Context, customerID ledger.CustomerID, merchantID ledger.MerchantID) error {
	if _, err := e.resolveCustomer(ctx, customerID); err != nil {
		return err
	}
	_, err := e.resolveMerchant(ctx, merchantID)
	return err
}

func (e *Engine) resolveCustomer(ctx context.Context, id ledger.CustomerID) (identity.Customer, error) {
	return withTimeout(ctx, e, "resolve customer", func(ctx context.Context) (identity.Customer, error) {
		return e.directory.ResolveCustomer(ctx, id)
	})
}

func (e *Engine) resolveMerchant(ctx context.Context, id ledger.MerchantID) (identity.Merchant, error) {
	return withTimeout(ctx, e, "resolve merchant", func(ctx context.Context) (identity.Merchant, error) {
		return e.directory.ResolveMerchant(ctx, id)
	})
}

// withTimeout runs fn under the storage deadline and classifies its error.
func withTimeout[T any](ctx context.Context, e *Engine, op string, fn func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, e.policy.StorageTimeout)
	defer cancel()
	v, err := fn(ctx)
	return v, storageErr(op, err)
}
