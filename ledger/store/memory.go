// Package store provides in-memory ledger.Store and identity.Registry
// implementations.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/warp/loyalty-engine/identity"
	"github.com/warp/loyalty-engine/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory keeps every event and identity record in process memory.
// A single RWMutex guards all maps, so AppendReward's predicate check and
// insert happen as one step.
type Memory struct {
	mu          sync.RWMutex
	events      map[ledger.CustomerID][]ledger.Event
	idempotency map[string]bool

	customers map[ledger.CustomerID]identity.Customer
	qrTokens  map[string]ledger.CustomerID
	merchants map[ledger.MerchantID]identity.Merchant
	emails    map[string]bool
}

func NewMemory() *Memory {
	return &Memory{
		events:      make(map[ledger.CustomerID][]ledger.Event),
		idempotency: make(map[string]bool),
		customers:   make(map[ledger.CustomerID]identity.Customer),
		qrTokens:    make(map[string]ledger.CustomerID),
		merchants:   make(map[ledger.MerchantID]identity.Merchant),
		emails:      make(map[string]bool),
	}
}

var (
	_ ledger.Store      = (*Memory)(nil)
	_ identity.Registry = (*Memory)(nil)
)

// Append adds a single purchase. Rewards go through AppendReward.
func (m *Memory) Append(ctx context.Context, event ledger.Event) error {
	if err := ledger.FromContext(ctx, "append"); err != nil {
		return err
	}
	if event.Kind != ledger.KindPurchase {
		return ledger.ErrInvalidEvent
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendLocked(event.WithDefaults())
}

// AppendReward adds a reward event if the reward predicate still holds.
func (m *Memory) AppendReward(ctx context.Context, event ledger.Event, threshold int) error {
	if err := ledger.FromContext(ctx, "append reward"); err != nil {
		return err
	}
	if event.Kind != ledger.KindReward {
		return ledger.ErrInvalidEvent
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	purchases := m.countLocked(event.CustomerID, ledger.KindPurchase)
	rewards := m.countLocked(event.CustomerID, ledger.KindReward)
	if !ledger.RewardAllowed(purchases, rewards, threshold) {
		return ledger.ErrPredicateFailed
	}
	return m.appendLocked(event.WithDefaults())
}

func (m *Memory) appendLocked(event ledger.Event) error {
	if event.CustomerID == "" || !event.Kind.Valid() {
		return ledger.ErrInvalidEvent
	}
	if event.IdempotencyKey != "" && m.idempotency[event.IdempotencyKey] {
		return ledger.ErrDuplicateIdempotencyKey
	}

	events := m.events[event.CustomerID]

	// Insert after every event with CreatedAt <= the new one, so equal
	// timestamps keep insertion order.
	i := sort.Search(len(events), func(i int) bool {
		return events[i].CreatedAt.After(event.CreatedAt)
	})
	events = append(events, ledger.Event{})
	copy(events[i+1:], events[i:])
	events[i] = event
	m.events[event.CustomerID] = events

	if event.IdempotencyKey != "" {
		m.idempotency[event.IdempotencyKey] = true
	}
	return nil
}

func (m *Memory) CountByCustomerAndKind(ctx context.Context, customerID ledger.CustomerID, kind ledger.Kind) (int, error) {
	if err := ledger.FromContext(ctx, "count"); err != nil {
		return 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.countLocked(customerID, kind), nil
}

func (m *Memory) countLocked(customerID ledger.CustomerID, kind ledger.Kind) int {
	n := 0
	for _, e := range m.events[customerID] {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

func (m *Memory) ListByCustomer(ctx context.Context, customerID ledger.CustomerID, limit int) ([]ledger.Event, error) {
	if err := ledger.FromContext(ctx, "list"); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = ledger.DefaultHistoryLimit
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	events := m.events[customerID]
	result := make([]ledger.Event, 0, min(limit, len(events)))
	for i := len(events) - 1; i >= 0 && len(result) < limit; i-- {
		result = append(result, events[i])
	}
	return result, nil
}

// =============================================================================
// IDENTITY REGISTRY
// =============================================================================

func (m *Memory) SaveCustomer(ctx context.Context, c identity.Customer) error {
	if err := ledger.FromContext(ctx, "save customer"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.emails["c:"+c.Email] {
		return identity.ErrEmailTaken
	}
	m.customers[c.ID] = c
	m.qrTokens[c.QRToken] = c.ID
	m.emails["c:"+c.Email] = true
	return nil
}

func (m *Memory) SaveMerchant(ctx context.Context, mer identity.Merchant) error {
	if err := ledger.FromContext(ctx, "save merchant"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.emails["m:"+mer.Email] {
		return identity.ErrEmailTaken
	}
	m.merchants[mer.ID] = mer
	m.emails["m:"+mer.Email] = true
	return nil
}

func (m *Memory) ResolveCustomer(ctx context.Context, id ledger.CustomerID) (identity.Customer, error) {
	if err := ledger.FromContext(ctx, "resolve customer"); err != nil {
		return identity.Customer{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.customers[id]
	if !ok {
		return identity.Customer{}, identity.ErrCustomerNotFound
	}
	return c, nil
}

func (m *Memory) ResolveMerchant(ctx context.Context, id ledger.MerchantID) (identity.Merchant, error) {
	if err := ledger.FromContext(ctx, "resolve merchant"); err != nil {
		return identity.Merchant{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	mer, ok := m.merchants[id]
	if !ok {
		return identity.Merchant{}, identity.ErrMerchantNotFound
	}
	return mer, nil
}

func (m *Memory) ResolveCustomerByCredential(ctx context.Context, qrToken string) (identity.Customer, error) {
	if err := ledger.FromContext(ctx, "resolve credential"); err != nil {
		return identity.Customer{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.qrTokens[qrToken]
	if !ok {
		return identity.Customer{}, identity.ErrCustomerNotFound
	}
	return m.customers[id], nil
}
