package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/loyalty-engine/identity"
	"github.com/warp/loyalty-engine/ledger"
	"github.com/warp/loyalty-engine/ledger/store"
)

func TestMemory_AppendRewardPredicate(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		require.NoError(t, mem.Append(ctx, ledger.NewPurchase("c1", "m1")))
	}

	require.NoError(t, mem.AppendReward(ctx, ledger.NewReward("c1", "m1"), 4))
	assert.ErrorIs(t, mem.AppendReward(ctx, ledger.NewReward("c1", "m1"), 4), ledger.ErrPredicateFailed)

	n, err := mem.CountByCustomerAndKind(ctx, "c1", ledger.KindReward)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestMemory_ListOrdersByTimeThenInsertion(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()
	at := time.Date(2025, time.March, 10, 9, 0, 0, 0, time.UTC)

	late := ledger.NewPurchase("c1", "m1")
	late.CreatedAt = at.Add(time.Hour)
	require.NoError(t, mem.Append(ctx, late))

	var tied []ledger.EventID
	for i := 0; i < 2; i++ {
		e := ledger.NewPurchase("c1", "m1")
		e.CreatedAt = at
		require.NoError(t, mem.Append(ctx, e))
		tied = append(tied, e.ID)
	}

	events, err := mem.ListByCustomer(ctx, "c1", 10)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, late.ID, events[0].ID)
	assert.Equal(t, tied[1], events[1].ID)
	assert.Equal(t, tied[0], events[2].ID)

	limited, err := mem.ListByCustomer(ctx, "c1", 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestMemory_IdempotencyAndValidation(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()

	e := ledger.NewPurchase("c1", "m1")
	e.IdempotencyKey = "k"
	require.NoError(t, mem.Append(ctx, e))

	again := ledger.NewPurchase("c1", "m1")
	again.IdempotencyKey = "k"
	assert.ErrorIs(t, mem.Append(ctx, again), ledger.ErrDuplicateIdempotencyKey)

	assert.ErrorIs(t, mem.Append(ctx, ledger.Event{Kind: ledger.KindPurchase}), ledger.ErrInvalidEvent)
	assert.ErrorIs(t, mem.AppendReward(ctx, ledger.NewPurchase("c1", "m1"), 4), ledger.ErrInvalidEvent)
	assert.ErrorIs(t, mem.Append(ctx, ledger.NewReward("c1", "m1")), ledger.ErrInvalidEvent, "rewards only via AppendReward")
}

func TestMemory_CancelledContext(t *testing.T) {
	mem := store.NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := mem.CountByCustomerAndKind(ctx, "c1", ledger.KindPurchase)
	assert.ErrorIs(t, err, ledger.ErrStorageUnavailable)
}

func TestMemory_Identity(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()

	c, err := identity.NewCustomer("Ana", "ana@example.com")
	require.NoError(t, err)
	require.NoError(t, mem.SaveCustomer(ctx, c))

	got, err := mem.ResolveCustomerByCredential(ctx, c.QRToken)
	require.NoError(t, err)
	assert.Equal(t, c.ID, got.ID)

	dup, err := identity.NewCustomer("Ana", "ANA@example.com ")
	require.NoError(t, err)
	assert.ErrorIs(t, mem.SaveCustomer(ctx, dup), identity.ErrEmailTaken)

	_, err = mem.ResolveMerchant(ctx, "missing")
	assert.ErrorIs(t, err, identity.ErrMerchantNotFound)

	_, err = identity.NewMerchant("Luis", "luis@example.com", " ")
	assert.ErrorIs(t, err, identity.ErrInvalidInput)
}
