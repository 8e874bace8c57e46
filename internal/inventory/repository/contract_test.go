package repository_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pharmapos/pharmapos-backend/internal/inventory/domain"
	"github.com/pharmapos/pharmapos-backend/internal/inventory/repository"
	"github.com/pharmapos/pharmapos-backend/pkg/errors"
	"github.com/pharmapos/pharmapos-backend/pkg/testutil"
)

// storeFactory returns a store and a scope no other test writes to
type storeFactory func(t *testing.T) (repository.Store, string)

var now = testutil.FixtureDate

func receive(t *testing.T, store repository.Store, scope string, nb domain.NewBatch) domain.Batch {
	t.Helper()
	b, err := store.CreateBatch(context.Background(), scope, nb.Batch(), nb.ReceiptEntry(now))
	require.NoError(t, err)
	return b
}

func sale(batchID, productID, reference string, qty int64) domain.LedgerEntry {
	return domain.LedgerEntry{
		ID:          uuid.New().String(),
		BatchID:     batchID,
		ProductID:   productID,
		Delta:       -qty,
		Kind:        domain.KindSale,
		ReferenceID: reference,
		Quantity:    qty,
		CreatedAt:   now,
	}
}

func runStoreContract(t *testing.T, newStore storeFactory) {
	t.Run("CreateAndSnapshot", func(t *testing.T) {
		store, scope := newStore(t)
		f := testutil.NewFixtureFactory()

		late := receive(t, store, scope, f.Batch(testutil.WithBatchID("B-LATE"), testutil.WithExpiry(testutil.Day(200))))
		early := receive(t, store, scope, f.Batch(testutil.WithBatchID("B-EARLY"), testutil.WithExpiry(testutil.Day(100)), testutil.WithQuantity(5)))

		assert.Equal(t, int64(10), late.QtyOnHand)
		assert.Equal(t, int64(5), early.QtyOnHand)
		assert.Positive(t, late.LastSeq)

		snap, err := store.Snapshot(context.Background(), scope, "prod-1")
		require.NoError(t, err)
		require.Len(t, snap.Batches, 2)
		assert.Equal(t, "B-EARLY", snap.Batches[0].ID)
		assert.Equal(t, "B-LATE", snap.Batches[1].ID)
		assert.Equal(t, early.LastSeq, snap.Version)
		assert.Equal(t, int64(15), snap.OnHand())
	})

	t.Run("EmptySnapshot", func(t *testing.T) {
		store, scope := newStore(t)

		snap, err := store.Snapshot(context.Background(), scope, "unknown")
		require.NoError(t, err)
		assert.Empty(t, snap.Batches)
		assert.Equal(t, int64(0), snap.Version)
	})

	t.Run("DuplicateBatch", func(t *testing.T) {
		store, scope := newStore(t)
		f := testutil.NewFixtureFactory()
		nb := f.Batch(testutil.WithBatchID("B1"))
		receive(t, store, scope, nb)

		again := nb
		again.Quantity = 99
		_, err := store.CreateBatch(context.Background(), scope, again.Batch(), again.ReceiptEntry(now))
		require.Error(t, err)
		assert.True(t, errors.Is(err, errors.ErrDuplicateBatch), "got %v", err)

		b, err := store.GetBatch(context.Background(), scope, "B1")
		require.NoError(t, err)
		assert.Equal(t, int64(10), b.QtyOnHand)
	})

	t.Run("AppendAdvancesVersion", func(t *testing.T) {
		store, scope := newStore(t)
		f := testutil.NewFixtureFactory()
		receive(t, store, scope, f.Batch(testutil.WithBatchID("B1")))
		ctx := context.Background()

		snap, err := store.Snapshot(ctx, scope, "prod-1")
		require.NoError(t, err)

		committed, err := store.Append(ctx, scope, snap.Version, []domain.LedgerEntry{sale("B1", "prod-1", "S-1", 3)})
		require.NoError(t, err)
		assert.Greater(t, committed, snap.Version)

		b, err := store.GetBatch(ctx, scope, "B1")
		require.NoError(t, err)
		assert.Equal(t, int64(7), b.QtyOnHand)
		assert.Equal(t, committed, b.LastSeq)

		after, err := store.Snapshot(ctx, scope, "prod-1")
		require.NoError(t, err)
		assert.Equal(t, committed, after.Version)
	})

	t.Run("StaleVersionConflicts", func(t *testing.T) {
		store, scope := newStore(t)
		f := testutil.NewFixtureFactory()
		receive(t, store, scope, f.Batch(testutil.WithBatchID("B1")))
		ctx := context.Background()

		snap, err := store.Snapshot(ctx, scope, "prod-1")
		require.NoError(t, err)
		_, err = store.Append(ctx, scope, snap.Version, []domain.LedgerEntry{sale("B1", "prod-1", "S-1", 3)})
		require.NoError(t, err)

		_, err = store.Append(ctx, scope, snap.Version, []domain.LedgerEntry{sale("B1", "prod-1", "S-2", 3)})
		require.Error(t, err)
		assert.True(t, errors.Is(err, errors.ErrConcurrencyConflict), "got %v", err)
		assert.True(t, errors.IsRetryable(err))

		b, err := store.GetBatch(ctx, scope, "B1")
		require.NoError(t, err)
		assert.Equal(t, int64(7), b.QtyOnHand)
	})

	t.Run("GuardSeesCurrentSnapshotAndAbortsAppend", func(t *testing.T) {
		store, scope := newStore(t)
		f := testutil.NewFixtureFactory()
		receive(t, store, scope, f.Batch(testutil.WithBatchID("B1")))
		ctx := context.Background()

		snap, err := store.Snapshot(ctx, scope, "prod-1")
		require.NoError(t, err)

		var seen domain.Snapshot
		_, err = store.Append(ctx, scope, snap.Version, []domain.LedgerEntry{sale("B1", "prod-1", "S-1", 3)},
			func(_ context.Context, current domain.Snapshot) error {
				seen = current
				return errors.OpnameLocked("prod-1")
			})
		require.Error(t, err)
		assert.True(t, errors.Is(err, errors.ErrOpnameLocked), "got %v", err)
		assert.Equal(t, snap.Version, seen.Version)
		require.Len(t, seen.Batches, 1)
		assert.Equal(t, int64(10), seen.Batches[0].QtyOnHand)

		b, err := store.GetBatch(ctx, scope, "B1")
		require.NoError(t, err)
		assert.Equal(t, int64(10), b.QtyOnHand)
		assert.Equal(t, snap.Version, b.LastSeq)

		fenced, err := store.FencedSnapshot(ctx, scope, "prod-1")
		require.NoError(t, err)
		assert.Equal(t, snap.Version, fenced.Version)

		committed, err := store.Append(ctx, scope, snap.Version, []domain.LedgerEntry{sale("B1", "prod-1", "S-1", 3)},
			func(context.Context, domain.Snapshot) error { return nil })
		require.NoError(t, err)
		assert.Greater(t, committed, snap.Version)
	})

	t.Run("UntouchedBatchesDoNotConflict", func(t *testing.T) {
		store, scope := newStore(t)
		f := testutil.NewFixtureFactory()
		receive(t, store, scope, f.Batch(testutil.WithBatchID("B1")))
		receive(t, store, scope, f.Batch(testutil.WithBatchID("B2")))
		ctx := context.Background()

		snap, err := store.Snapshot(ctx, scope, "prod-1")
		require.NoError(t, err)
		_, err = store.Append(ctx, scope, snap.Version, []domain.LedgerEntry{sale("B1", "prod-1", "S-1", 1)})
		require.NoError(t, err)

		_, err = store.Append(ctx, scope, snap.Version, []domain.LedgerEntry{sale("B2", "prod-1", "S-2", 1)})
		assert.NoError(t, err)
	})

	t.Run("AppendIsAllOrNothing", func(t *testing.T) {
		store, scope := newStore(t)
		f := testutil.NewFixtureFactory()
		receive(t, store, scope, f.Batch(testutil.WithBatchID("B1")))
		receive(t, store, scope, f.Batch(testutil.WithBatchID("B2"), testutil.WithQuantity(2)))
		ctx := context.Background()

		snap, err := store.Snapshot(ctx, scope, "prod-1")
		require.NoError(t, err)

		_, err = store.Append(ctx, scope, snap.Version, []domain.LedgerEntry{
			sale("B1", "prod-1", "S-1", 4),
			sale("B2", "prod-1", "S-1", 3),
		})
		require.Error(t, err)
		assert.True(t, errors.Is(err, errors.ErrValidation), "got %v", err)

		after, err := store.Snapshot(ctx, scope, "prod-1")
		require.NoError(t, err)
		assert.Equal(t, snap.Version, after.Version)
		assert.Equal(t, int64(12), after.OnHand())
	})

	t.Run("UnknownBatch", func(t *testing.T) {
		store, scope := newStore(t)

		_, err := store.Append(context.Background(), scope, 0, []domain.LedgerEntry{sale("NOPE", "prod-1", "S-1", 1)})
		require.Error(t, err)
		assert.True(t, errors.Is(err, errors.ErrBatchNotFound), "got %v", err)

		_, err = store.GetBatch(context.Background(), scope, "NOPE")
		assert.True(t, errors.Is(err, errors.ErrBatchNotFound))
	})

	t.Run("MixedProductsRejected", func(t *testing.T) {
		store, scope := newStore(t)
		f := testutil.NewFixtureFactory()
		receive(t, store, scope, f.Batch(testutil.WithBatchID("B1")))
		receive(t, store, scope, f.Batch(testutil.WithBatchID("B2"), testutil.WithProduct("prod-2")))
		ctx := context.Background()

		_, err := store.Append(ctx, scope, 1<<40, []domain.LedgerEntry{
			sale("B1", "prod-1", "S-1", 1),
			sale("B2", "prod-2", "S-1", 1),
		})
		assert.True(t, errors.Is(err, errors.ErrValidation), "got %v", err)

		// entry claims prod-1 but the batch belongs to prod-2
		_, err = store.Append(ctx, scope, 1<<40, []domain.LedgerEntry{sale("B2", "prod-1", "S-1", 1)})
		assert.True(t, errors.Is(err, errors.ErrValidation), "got %v", err)
	})

	t.Run("ReturnsAndQuarantine", func(t *testing.T) {
		store, scope := newStore(t)
		f := testutil.NewFixtureFactory()
		receive(t, store, scope, f.Batch(testutil.WithBatchID("B1")))
		ctx := context.Background()

		snap, err := store.Snapshot(ctx, scope, "prod-1")
		require.NoError(t, err)
		v, err := store.Append(ctx, scope, snap.Version, []domain.LedgerEntry{sale("B1", "prod-1", "S-1", 4)})
		require.NoError(t, err)

		writeoff := domain.LedgerEntry{
			ID:              uuid.New().String(),
			BatchID:         "B1",
			ProductID:       "prod-1",
			Kind:            domain.KindReturnWriteoff,
			ReferenceID:     "R-1",
			OriginReference: "S-1",
			Quantity:        1,
			Quarantine:      true,
			Reason:          "damaged",
			CreatedAt:       now,
		}
		_, err = store.Append(ctx, scope, v, []domain.LedgerEntry{writeoff})
		require.NoError(t, err)

		b, history, err := store.BatchHistory(ctx, scope, "B1")
		require.NoError(t, err)
		assert.Equal(t, int64(6), b.QtyOnHand)
		assert.True(t, b.Quarantined)
		assert.Equal(t, domain.StatusQuarantined, b.StatusAt(now))
		require.Len(t, history, 3)
		assert.Equal(t, int64(3), domain.Returnable(history, "S-1", "B1"))

		snap, err = store.Snapshot(ctx, scope, "prod-1")
		require.NoError(t, err)
		assert.Empty(t, snap.Sellable())
	})

	t.Run("LedgerSumMatchesProjection", func(t *testing.T) {
		store, scope := newStore(t)
		f := testutil.NewFixtureFactory()
		receive(t, store, scope, f.Batch(testutil.WithBatchID("B1")))
		receive(t, store, scope, f.Batch(testutil.WithBatchID("B2"), testutil.WithQuantity(6)))
		ctx := context.Background()

		ops := [][]domain.LedgerEntry{
			{sale("B1", "prod-1", "S-1", 3), sale("B2", "prod-1", "S-1", 2)},
			{{ID: uuid.New().String(), BatchID: "B1", ProductID: "prod-1", Delta: 2, Kind: domain.KindReturnRestock,
				ReferenceID: "R-1", OriginReference: "S-1", Quantity: 2, CreatedAt: now}},
			{{ID: uuid.New().String(), BatchID: "B2", ProductID: "prod-1", Delta: -1, Kind: domain.KindOpnameAdjustment,
				ReferenceID: "OP-1", Quantity: 1, CreatedAt: now}},
		}
		for _, entries := range ops {
			snap, err := store.Snapshot(ctx, scope, "prod-1")
			require.NoError(t, err)
			_, err = store.Append(ctx, scope, snap.Version, entries)
			require.NoError(t, err)
		}

		for _, id := range []string{"B1", "B2"} {
			entries, err := store.QueryEntries(ctx, scope, repository.EntryFilter{BatchID: id})
			require.NoError(t, err)
			var sum int64
			for _, e := range entries {
				sum += e.Delta
			}
			b, err := store.GetBatch(ctx, scope, id)
			require.NoError(t, err)
			assert.Equal(t, sum, b.QtyOnHand, "batch %s", id)
		}
	})

	t.Run("QueryEntriesFilters", func(t *testing.T) {
		store, scope := newStore(t)
		f := testutil.NewFixtureFactory()
		receive(t, store, scope, f.Batch(testutil.WithBatchID("B1")))
		ctx := context.Background()

		snap, err := store.Snapshot(ctx, scope, "prod-1")
		require.NoError(t, err)
		v, err := store.Append(ctx, scope, snap.Version, []domain.LedgerEntry{sale("B1", "prod-1", "S-1", 1)})
		require.NoError(t, err)
		_, err = store.Append(ctx, scope, v, []domain.LedgerEntry{sale("B1", "prod-1", "S-2", 2)})
		require.NoError(t, err)

		byRef, err := store.QueryEntries(ctx, scope, repository.EntryFilter{ReferenceID: "S-2"})
		require.NoError(t, err)
		require.Len(t, byRef, 1)
		assert.Equal(t, int64(-2), byRef[0].Delta)

		byKind, err := store.QueryEntries(ctx, scope, repository.EntryFilter{Kind: domain.KindSale})
		require.NoError(t, err)
		require.Len(t, byKind, 2)
		assert.Less(t, byKind[0].Seq, byKind[1].Seq)

		limited, err := store.QueryEntries(ctx, scope, repository.EntryFilter{ProductID: "prod-1", Limit: 1})
		require.NoError(t, err)
		require.Len(t, limited, 1)
		assert.Equal(t, domain.KindReceipt, limited[0].Kind)

		later := now.Add(time.Hour)
		none, err := store.QueryEntries(ctx, scope, repository.EntryFilter{From: &later})
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("ListBatchesFilters", func(t *testing.T) {
		store, scope := newStore(t)
		f := testutil.NewFixtureFactory()
		receive(t, store, scope, f.Batch(testutil.WithBatchID("B1"), testutil.WithExpiry(testutil.Day(30))))
		receive(t, store, scope, f.Batch(testutil.WithBatchID("B2"), testutil.WithExpiry(testutil.Day(300))))
		receive(t, store, scope, f.Batch(testutil.WithBatchID("B3"), testutil.WithProduct("prod-2"), testutil.WithQuantity(1)))
		ctx := context.Background()

		snap, err := store.Snapshot(ctx, scope, "prod-2")
		require.NoError(t, err)
		_, err = store.Append(ctx, scope, snap.Version, []domain.LedgerEntry{sale("B3", "prod-2", "S-1", 1)})
		require.NoError(t, err)

		all, err := store.ListBatches(ctx, scope, repository.BatchFilter{})
		require.NoError(t, err)
		assert.Len(t, all, 3)

		inStock, err := store.ListBatches(ctx, scope, repository.BatchFilter{InStockOnly: true})
		require.NoError(t, err)
		assert.Len(t, inStock, 2)

		by := testutil.Day(60)
		soon, err := store.ListBatches(ctx, scope, repository.BatchFilter{ProductID: "prod-1", ExpiresBy: &by})
		require.NoError(t, err)
		require.Len(t, soon, 1)
		assert.Equal(t, "B1", soon[0].ID)
	})

	t.Run("ScopesAreIsolated", func(t *testing.T) {
		store, scope := newStore(t)
		f := testutil.NewFixtureFactory()
		receive(t, store, scope, f.Batch(testutil.WithBatchID("B1")))
		other := scope + "-other"
		ctx := context.Background()

		snap, err := store.Snapshot(ctx, other, "prod-1")
		require.NoError(t, err)
		assert.Empty(t, snap.Batches)

		// the same batch id is free in another scope
		receive(t, store, other, f.Batch(testutil.WithBatchID("B1"), testutil.WithQuantity(3)))
		b, err := store.GetBatch(ctx, scope, "B1")
		require.NoError(t, err)
		assert.Equal(t, int64(10), b.QtyOnHand)

		scopes, err := store.Scopes(ctx)
		require.NoError(t, err)
		assert.Contains(t, scopes, scope)
		assert.Contains(t, scopes, other)
	})

	t.Run("ConcurrentAppendsAtOneVersion", func(t *testing.T) {
		store, scope := newStore(t)
		f := testutil.NewFixtureFactory()
		receive(t, store, scope, f.Batch(testutil.WithBatchID("B1"), testutil.WithQuantity(100)))
		ctx := context.Background()

		snap, err := store.Snapshot(ctx, scope, "prod-1")
		require.NoError(t, err)

		const workers = 8
		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			wins      int
			conflicts int
		)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := store.Append(ctx, scope, snap.Version, []domain.LedgerEntry{sale("B1", "prod-1", uuid.New().String(), 1)})
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					wins++
				case errors.Is(err, errors.ErrConcurrencyConflict):
					conflicts++
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}(i)
		}
		wg.Wait()

		assert.Equal(t, 1, wins)
		assert.Equal(t, workers-1, conflicts)

		b, err := store.GetBatch(ctx, scope, "B1")
		require.NoError(t, err)
		assert.Equal(t, int64(99), b.QtyOnHand)
	})
}

// sessionFactory returns a ledger store and session repository sharing one backend
type sessionFactory func(t *testing.T) (repository.Store, repository.SessionRepository, string)

func runSessionContract(t *testing.T, newRepos sessionFactory) {
	t.Run("CreateGetList", func(t *testing.T) {
		store, sessions, scope := newRepos(t)
		f := testutil.NewFixtureFactory()
		receive(t, store, scope, f.Batch(testutil.WithBatchID("B1")))
		ctx := context.Background()

		snap, err := store.Snapshot(ctx, scope, "prod-1")
		require.NoError(t, err)

		first := domain.NewOpnameSession(snap, now)
		second := domain.NewOpnameSession(snap, now.Add(time.Minute))
		require.NoError(t, sessions.Create(ctx, scope, first))
		require.NoError(t, sessions.Create(ctx, scope, second))

		got, err := sessions.Get(ctx, scope, first.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.OpnameDraft, got.Status)
		assert.Equal(t, map[string]int64{"B1": 10}, got.Expected())
		assert.Equal(t, snap.Version, got.SnapshotVersion)

		list, err := sessions.List(ctx, scope, "prod-1")
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, second.ID, list[0].ID)

		none, err := sessions.List(ctx, scope, "prod-9")
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("GetMissing", func(t *testing.T) {
		_, sessions, scope := newRepos(t)

		_, err := sessions.Get(context.Background(), scope, uuid.New().String())
		assert.True(t, errors.Is(err, errors.ErrNotFound), "got %v", err)
	})

	t.Run("UpdatePersists", func(t *testing.T) {
		store, sessions, scope := newRepos(t)
		f := testutil.NewFixtureFactory()
		receive(t, store, scope, f.Batch(testutil.WithBatchID("B1")))
		ctx := context.Background()

		snap, err := store.Snapshot(ctx, scope, "prod-1")
		require.NoError(t, err)
		s := domain.NewOpnameSession(snap, now)
		require.NoError(t, sessions.Create(ctx, scope, s))

		updated, err := sessions.Update(ctx, scope, s.ID, func(ctx context.Context, s *domain.OpnameSession) error {
			if err := s.StartCounting("token-1", snap, now); err != nil {
				return err
			}
			return s.RecordCount("B1", 8, now)
		})
		require.NoError(t, err)
		assert.Equal(t, domain.OpnameCounting, updated.Status)

		got, err := sessions.Get(ctx, scope, s.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.OpnameCounting, got.Status)
		assert.Equal(t, "token-1", got.LockToken)
		assert.Equal(t, map[string]int64{"B1": 8}, got.Counted())
	})

	t.Run("UpdateErrorKeepsSession", func(t *testing.T) {
		store, sessions, scope := newRepos(t)
		f := testutil.NewFixtureFactory()
		receive(t, store, scope, f.Batch(testutil.WithBatchID("B1")))
		ctx := context.Background()

		snap, err := store.Snapshot(ctx, scope, "prod-1")
		require.NoError(t, err)
		s := domain.NewOpnameSession(snap, now)
		require.NoError(t, sessions.Create(ctx, scope, s))

		_, err = sessions.Update(ctx, scope, s.ID, func(ctx context.Context, s *domain.OpnameSession) error {
			// reconciling a draft is not allowed
			return s.Reconcile(now)
		})
		assert.True(t, errors.Is(err, errors.ErrInvalidTransition), "got %v", err)

		got, err := sessions.Get(ctx, scope, s.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.OpnameDraft, got.Status)
	})
}
