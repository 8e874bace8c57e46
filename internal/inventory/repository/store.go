package repository

import (
	"context"
	"sort"
	"time"

	"github.com/pharmapos/pharmapos-backend/internal/inventory/domain"
	"github.com/pharmapos/pharmapos-backend/pkg/errors"
)

// Store is the ledger store: the only writer of stock state.
// Every method takes the opaque tenant scope the data is partitioned by.
type Store interface {
	// CreateBatch registers a batch together with its receipt entry.
	// Fails with DuplicateBatch when the id is taken in the scope.
	CreateBatch(ctx context.Context, scope string, batch domain.Batch, receipt domain.LedgerEntry) (domain.Batch, error)

	// Append commits entries atomically. Every touched batch must not have
	// changed after expectedVersion, otherwise ConcurrencyConflict is returned
	// and nothing is written. Entries must all belong to one product.
	// Guards run first, inside the same critical section as the write, and
	// any guard error aborts the append.
	Append(ctx context.Context, scope string, expectedVersion int64, entries []domain.LedgerEntry, guards ...Guard) (int64, error)

	// Snapshot reads every batch of a product at one ledger version
	Snapshot(ctx context.Context, scope, productID string) (domain.Snapshot, error)

	// FencedSnapshot is Snapshot taken after every in-flight append of the
	// product has finished, so an append whose guards already passed is
	// either visible in it or not committed at all.
	FencedSnapshot(ctx context.Context, scope, productID string) (domain.Snapshot, error)

	GetBatch(ctx context.Context, scope, batchID string) (domain.Batch, error)

	// BatchHistory returns a batch and its entries in ledger order. The batch
	// projection is folded from exactly the returned entries.
	BatchHistory(ctx context.Context, scope, batchID string) (domain.Batch, []domain.LedgerEntry, error)

	ListBatches(ctx context.Context, scope string, filter BatchFilter) ([]domain.Batch, error)
	QueryEntries(ctx context.Context, scope string, filter EntryFilter) ([]domain.LedgerEntry, error)

	// Scopes lists every scope holding stock data
	Scopes(ctx context.Context) ([]string, error)
}

// Guard checks the product state an append is about to change. snap is read
// inside the append's critical section. Guards must not call back into the Store.
type Guard func(ctx context.Context, snap domain.Snapshot) error

// runGuards runs guards in order and stops at the first error
func runGuards(ctx context.Context, snap domain.Snapshot, guards []Guard) error {
	for _, g := range guards {
		if err := g(ctx, snap); err != nil {
			return err
		}
	}
	return nil
}

// BatchFilter narrows ListBatches
type BatchFilter struct {
	ProductID   string
	InStockOnly bool
	ExpiresBy   *time.Time
}

// EntryFilter narrows QueryEntries. Zero values match everything.
type EntryFilter struct {
	BatchID         string
	ProductID       string
	ReferenceID     string
	OriginReference string
	Kind            domain.EntryKind
	From            *time.Time
	To              *time.Time
	Limit           int
}

const defaultEntryLimit = 500

func (f EntryFilter) limit() int {
	if f.Limit <= 0 || f.Limit > defaultEntryLimit {
		return defaultEntryLimit
	}
	return f.Limit
}

// SessionRepository persists opname sessions
type SessionRepository interface {
	Create(ctx context.Context, scope string, s *domain.OpnameSession) error
	Get(ctx context.Context, scope, id string) (*domain.OpnameSession, error)
	List(ctx context.Context, scope, productID string) ([]*domain.OpnameSession, error)

	// Update loads the session exclusively, applies fn and saves the result
	// when fn returns nil. The ctx handed to fn carries the same unit of work,
	// so ledger appends made inside fn commit together with the session.
	Update(ctx context.Context, scope, id string, fn func(ctx context.Context, s *domain.OpnameSession) error) (*domain.OpnameSession, error)
}

// validateEntries checks an append batch and returns the product it belongs to
func validateEntries(entries []domain.LedgerEntry) (string, error) {
	if len(entries) == 0 {
		return "", errors.Validation(map[string]string{"entries": "must not be empty"})
	}
	product := entries[0].ProductID
	if product == "" {
		return "", errors.Validation(map[string]string{"product_id": "is required"})
	}
	for _, e := range entries {
		if err := e.Validate(); err != nil {
			return "", err
		}
		if e.ProductID != product {
			return "", errors.Validation(map[string]string{"entries": "must all belong to one product"})
		}
	}
	return product, nil
}

// touchedBatches returns the distinct batch ids of entries in sorted order
func touchedBatches(entries []domain.LedgerEntry) []string {
	seen := make(map[string]bool, len(entries))
	var ids []string
	for _, e := range entries {
		if !seen[e.BatchID] {
			seen[e.BatchID] = true
			ids = append(ids, e.BatchID)
		}
	}
	sort.Strings(ids)
	return ids
}
