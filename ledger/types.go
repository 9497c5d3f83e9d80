/*
Package ledger defines the append-only record of purchase and reward events.

PURPOSE:
  Every stamp a merchant gives a customer, and every free reward a customer
  takes, is one immutable Event. Balances are never stored; they are always
  derived by counting events. There is no running counter that concurrent
  scans could corrupt.

KEY CONCEPTS IN THIS FILE (types.go):
  - Event: An immutable ledger entry (purchase or reward)
  - Kind: Which of the two event kinds an entry is
  - Weight: Point weight of an event (1 for purchase, 0 for reward)

DESIGN PRINCIPLES:
  1. Immutability: Events are never modified or deleted
  2. Precision: Weights use decimal.Decimal, the same as every other amount
  3. Type Safety: Customer and merchant IDs are distinct types

USAGE:
  event := ledger.NewPurchase("cust-123", "merch-1")
  err := store.Append(ctx, event)

SEE ALSO:
  - store.go: Persistence interface
  - errors.go: Error sentinels
  - rewards/engine.go: Accrual and redemption rules built on top
*/
package ledger

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type EventID string
type CustomerID string
type MerchantID string

// NewEventID returns a fresh random event identifier.
func NewEventID() EventID {
	return EventID(uuid.NewString())
}

// =============================================================================
// EVENT KIND
// =============================================================================

type Kind string

const (
	KindPurchase Kind = "purchase" // One stamp earned at a merchant
	KindReward   Kind = "reward"   // One free reward taken, consumes a block of stamps
)

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	return k == KindPurchase || k == KindReward
}

// DefaultWeight is the point weight recorded for an event of kind k.
func (k Kind) DefaultWeight() decimal.Decimal {
	if k == KindPurchase {
		return decimal.NewFromInt(1)
	}
	return decimal.Zero
}

// =============================================================================
// EVENT - Immutable ledger entry
// =============================================================================

type Event struct {
	ID         EventID
	CustomerID CustomerID
	MerchantID MerchantID
	Kind       Kind
	Weight     decimal.Decimal

	// IdempotencyKey is optional. When set, a second event with the same key
	// is rejected with ErrDuplicateIdempotencyKey.
	IdempotencyKey string

	CreatedAt time.Time
}

// NewPurchase builds a purchase event with a fresh ID and the current time.
func NewPurchase(customerID CustomerID, merchantID MerchantID) Event {
	return newEvent(customerID, merchantID, KindPurchase)
}

// NewReward builds a reward event with a fresh ID and the current time.
func NewReward(customerID CustomerID, merchantID MerchantID) Event {
	return newEvent(customerID, merchantID, KindReward)
}

func newEvent(customerID CustomerID, merchantID MerchantID, kind Kind) Event {
	return Event{
		ID:         NewEventID(),
		CustomerID: customerID,
		MerchantID: merchantID,
		Kind:       kind,
		Weight:     kind.DefaultWeight(),
		CreatedAt:  time.Now().UTC(),
	}
}

// WithDefaults fills in ID, weight and timestamp when the caller left them empty.
func (e Event) WithDefaults() Event {
	if e.ID == "" {
		e.ID = NewEventID()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if e.Weight.IsZero() && e.Kind == KindPurchase {
		e.Weight = e.Kind.DefaultWeight()
	}
	return e
}
