/*
store.go - Persistence interface for ledger events

PURPOSE:
  Defines the boundary between the reward rules and the database.
  The Store keeps ledger events append-only and answers the two count
  queries the accrual rule needs.

APPEND-ONLY CONTRACT:
  - Append(): Unconditional write (purchases only)
  - AppendReward(): Conditional write (rewards)
  - NO Update() or Delete() methods exist

CONDITIONAL REWARD WRITE:
  AppendReward inserts a reward event only if, at the moment of the write,
  the customer's purchase count P and reward count R satisfy

      P >= K  AND  P mod K == 0  AND  R < P / K

  The predicate is evaluated by the store in the same atomic step as the
  insert. Two merchants redeeming the same block concurrently cannot both
  succeed, even when they run in different processes sharing one database.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: INSERT ... SELECT ... WHERE in one statement
  - ledger/store/memory.go: predicate + append under a mutex

SEE ALSO:
  - rewards/engine.go: The only caller of AppendReward
*/
package ledger

import "context"

// DefaultHistoryLimit bounds ListByCustomer when the caller passes limit <= 0.
const DefaultHistoryLimit = 50

// Store handles persistence of ledger events.
// IMPORTANT: Store is APPEND-ONLY. No Update, No Delete. Ever.
type Store interface {
	// Append persists a purchase event. Visible to every query issued after
	// it returns. Reward events are rejected with ErrInvalidEvent.
	Append(ctx context.Context, event Event) error

	// AppendReward persists a reward event only if the reward predicate holds
	// for threshold. Returns ErrPredicateFailed when it does not.
	AppendReward(ctx context.Context, event Event, threshold int) error

	// CountByCustomerAndKind returns the number of committed events of kind.
	CountByCustomerAndKind(ctx context.Context, customerID CustomerID, kind Kind) (int, error)

	// ListByCustomer returns at most limit events, most recent first.
	ListByCustomer(ctx context.Context, customerID CustomerID, limit int) ([]Event, error)
}

// RewardAllowed is the conditional-write predicate shared by every Store.
func RewardAllowed(purchases, rewards, threshold int) bool {
	if threshold < 1 || purchases < threshold {
		return false
	}
	return purchases%threshold == 0 && rewards < purchases/threshold
}
