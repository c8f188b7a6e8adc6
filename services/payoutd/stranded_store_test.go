package payoutd

import (
	"context"
	"math/big"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"whitelistpayouts/native/payouts"
)

func openTestStore(t *testing.T) *StrandedStore {
	t.Helper()
	store, err := OpenStrandedStore(filepath.Join(t.TempDir(), "stranded.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStrandedStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	recorded := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	first := payouts.StrandedEntry{
		ID:         "b",
		Payer:      "dao.sputnik",
		Receiver:   "alice",
		Amount:     big.NewInt(500),
		Reason:     payouts.ReasonIneligible,
		RecordedAt: recorded,
	}
	second := first
	second.ID = "a"
	second.Amount = big.NewInt(7)
	second.RecordedAt = recorded.Add(time.Minute)
	require.NoError(t, store.Record(ctx, first))
	require.NoError(t, store.Record(ctx, second))
	require.Error(t, store.Record(ctx, payouts.StrandedEntry{}))

	got, err := store.Get(ctx, "b")
	require.NoError(t, err)
	require.Equal(t, "500", got.Amount.String())
	require.Equal(t, first.Payer, got.Payer)
	require.False(t, got.Resolved())

	_, err = store.Get(ctx, "missing")
	require.ErrorIs(t, err, payouts.ErrStrandedNotFound)

	entries, err := store.List(ctx, false)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "b", entries[0].ID)

	require.NoError(t, store.MarkResolved(ctx, "b", "dao.sputnik", "tx-1", recorded.Add(time.Hour)))
	require.ErrorIs(t, store.MarkResolved(ctx, "b", "dao.sputnik", "tx-2", recorded), payouts.ErrStrandedResolved)
	require.ErrorIs(t, store.MarkResolved(ctx, "missing", "dao.sputnik", "tx-2", recorded), payouts.ErrStrandedNotFound)

	open, err := store.List(ctx, false)
	require.NoError(t, err)
	require.Len(t, open, 1)
	require.Equal(t, "a", open[0].ID)

	all, err := store.List(ctx, true)
	require.NoError(t, err)
	require.Len(t, all, 2)

	resolved, err := store.Get(ctx, "b")
	require.NoError(t, err)
	require.True(t, resolved.Resolved())
	require.Equal(t, "tx-1", resolved.ResolveTx)
}

func TestStrandedStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "stranded.db")
	store, err := OpenStrandedStore(path, nil)
	require.NoError(t, err)
	require.NoError(t, store.Record(ctx, payouts.StrandedEntry{
		ID:         "x",
		Payer:      "dao.sputnik",
		Receiver:   "alice",
		Amount:     big.NewInt(1),
		RecordedAt: time.Now().UTC(),
	}))
	require.NoError(t, store.Close())

	reopened, err := OpenStrandedStore(path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.Close() })
	entry, err := reopened.Get(ctx, "x")
	require.NoError(t, err)
	require.Equal(t, "1", entry.Amount.String())
}
