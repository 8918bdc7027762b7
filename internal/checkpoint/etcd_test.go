package checkpoint

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orders-etl/internal/models"
	"orders-etl/internal/testutil"
)

func newTestEtcdStore(t *testing.T) *EtcdStore {
	t.Helper()
	endpoints := testutil.StartEmbeddedEtcd(t)
	store, err := NewEtcdStore(endpoints, "/test/checkpoints/", 5*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestEtcdStoreRoundTrip(t *testing.T) {
	store := newTestEtcdStore(t)
	ctx := context.Background()

	cp, err := store.Load(ctx, "group-0")
	require.NoError(t, err)
	assert.Equal(t, models.Checkpoint{Worker: "group-0"}, cp)

	want := models.Checkpoint{
		Worker:                "group-0",
		LastCommittedPosition: 42,
		LastBatchID:           3,
		UpdatedAt:             time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	require.NoError(t, store.Commit(ctx, want))
	want.LastCommittedPosition = 50
	want.LastBatchID = 4
	require.NoError(t, store.Commit(ctx, want))

	got, err := store.Load(ctx, "group-0")
	require.NoError(t, err)
	assert.Equal(t, want, got)

	other, err := store.Load(ctx, "group-1")
	require.NoError(t, err)
	assert.Zero(t, other.LastCommittedPosition)

	resp, err := store.client.Get(ctx, "/test/checkpoints/group-0")
	require.NoError(t, err)
	assert.Len(t, resp.Kvs, 1, "trailing slash is trimmed from the prefix")
}

func TestEtcdStoreLeases(t *testing.T) {
	store := newTestEtcdStore(t)
	ctx := context.Background()

	a, err := store.ClaimLease(ctx, "group-0", "a", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "a", a.Owner)
	assert.True(t, a.ExpiresAt.After(time.Now()))

	_, err = store.ClaimLease(ctx, "group-0", "b", 5*time.Second)
	assert.ErrorIs(t, err, ErrLeaseHeld)

	// Another worker key is independent
	other, err := store.ClaimLease(ctx, "group-1", "b", 5*time.Second)
	require.NoError(t, err)
	require.NoError(t, store.ReleaseLease(ctx, other))

	renewed, err := store.RenewLease(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, a.Token, renewed.Token)

	// The same owner takes its key back after a restart and the old handle stops renewing
	again, err := store.ClaimLease(ctx, "group-0", "a", 5*time.Second)
	require.NoError(t, err)
	assert.NotEqual(t, a.Token, again.Token)
	_, err = store.RenewLease(ctx, a)
	assert.ErrorIs(t, err, ErrLeaseLost)

	require.NoError(t, store.ReleaseLease(ctx, again))
	_, err = store.RenewLease(ctx, again)
	assert.ErrorIs(t, err, ErrLeaseLost)

	b, err := store.ClaimLease(ctx, "group-0", "b", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "b", b.Owner)
}
