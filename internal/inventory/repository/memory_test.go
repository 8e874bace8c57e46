package repository_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pharmapos/pharmapos-backend/internal/inventory/domain"
	"github.com/pharmapos/pharmapos-backend/internal/inventory/repository"
	"github.com/pharmapos/pharmapos-backend/pkg/testutil"
)

func TestMemoryStore(t *testing.T) {
	runStoreContract(t, func(t *testing.T) (repository.Store, string) {
		return repository.NewMemoryStore(), "store-1"
	})
}

func TestMemorySessionRepository(t *testing.T) {
	runSessionContract(t, func(t *testing.T) (repository.Store, repository.SessionRepository, string) {
		return repository.NewMemoryStore(), repository.NewMemorySessionRepository(), "store-1"
	})
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	store := repository.NewMemoryStore()
	f := testutil.NewFixtureFactory()
	receive(t, store, "s", f.Batch(testutil.WithBatchID("B1")))
	ctx := context.Background()

	_, history, err := store.BatchHistory(ctx, "s", "B1")
	require.NoError(t, err)
	history[0].Delta = 1000

	b, again, err := store.BatchHistory(ctx, "s", "B1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), again[0].Delta)
	assert.Equal(t, int64(10), b.QtyOnHand)
}

func TestMemoryStore_RejectsNonReceiptCreate(t *testing.T) {
	store := repository.NewMemoryStore()
	nb := testutil.NewFixtureFactory().Batch()
	entry := nb.ReceiptEntry(now)
	entry.Kind = domain.KindSale

	_, err := store.CreateBatch(context.Background(), "s", nb.Batch(), entry)
	assert.Error(t, err)

	scopes, err := store.Scopes(context.Background())
	require.NoError(t, err)
	assert.Empty(t, scopes)
}

func TestMemorySessionRepository_ClonesCounts(t *testing.T) {
	store := repository.NewMemoryStore()
	sessions := repository.NewMemorySessionRepository()
	receive(t, store, "s", testutil.NewFixtureFactory().Batch(testutil.WithBatchID("B1")))
	ctx := context.Background()

	snap, err := store.Snapshot(ctx, "s", "prod-1")
	require.NoError(t, err)
	s := domain.NewOpnameSession(snap, now)
	require.NoError(t, sessions.Create(ctx, "s", s))

	updated, err := sessions.Update(ctx, "s", s.ID, func(ctx context.Context, s *domain.OpnameSession) error {
		if err := s.StartCounting("t", snap, now); err != nil {
			return err
		}
		return s.RecordCount("B1", 4, now)
	})
	require.NoError(t, err)

	// mutating the returned session must not leak into the repository
	*updated.Lines[0].Counted = 99

	got, err := sessions.Get(ctx, "s", s.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(4), got.Counted()["B1"])
}
