package repository

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/pharmapos/pharmapos-backend/internal/inventory/domain"
	"github.com/pharmapos/pharmapos-backend/pkg/database"
	"github.com/pharmapos/pharmapos-backend/pkg/errors"
)

const (
	batchColumns = "id, product_id, supplier_id, received_at, expire_date, unit_cost, qty_on_hand, quarantined, last_seq"
	entryColumns = "seq, id, batch_id, product_id, delta, kind, reference_id, origin_reference, quantity, quarantine, reason, created_at"
)

const (
	lockProductSQL = `SELECT pg_advisory_xact_lock(hashtext($1))`

	lockBatchSQL = `SELECT product_id, last_seq FROM stock_batches WHERE scope = $1 AND id = $2 FOR UPDATE`

	insertBatchSQL = `
		INSERT INTO stock_batches (scope, id, product_id, supplier_id, received_at, expire_date, unit_cost)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	insertEntrySQL = `
		INSERT INTO stock_ledger_entries (
			id, scope, batch_id, product_id, delta, kind, reference_id,
			origin_reference, quantity, quarantine, reason, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING seq
	`

	// the projection is always recomputed from the entries, never incremented
	refreshBatchSQL = `
		UPDATE stock_batches b SET
			qty_on_hand = agg.qty,
			quarantined = agg.quarantined,
			last_seq = agg.last_seq
		FROM (
			SELECT COALESCE(SUM(delta), 0) AS qty,
				COALESCE(BOOL_OR(quarantine), FALSE) AS quarantined,
				COALESCE(MAX(seq), 0) AS last_seq
			FROM stock_ledger_entries
			WHERE scope = $1 AND batch_id = $2
		) agg
		WHERE b.scope = $1 AND b.id = $2
	`
)

// PostgresStore is the ledger store backed by PostgreSQL.
//
// Appends for one product are serialized with a transaction-scoped advisory
// lock, so ledger sequence numbers of a product commit in order and the
// largest last_seq of a snapshot is a sound version token.
type PostgresStore struct {
	db      *database.DB
	builder sq.StatementBuilderType
}

// NewPostgresStore creates a new Postgres ledger store
func NewPostgresStore(db *database.DB) *PostgresStore {
	return &PostgresStore{
		db:      db,
		builder: sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
	}
}

type lockedBatch struct {
	ProductID string `db:"product_id"`
	LastSeq   int64  `db:"last_seq"`
}

// CreateBatch inserts the batch row and its receipt entry in one transaction
func (r *PostgresStore) CreateBatch(ctx context.Context, scope string, batch domain.Batch, receipt domain.LedgerEntry) (domain.Batch, error) {
	if receipt.Kind != domain.KindReceipt {
		return domain.Batch{}, errors.Validation(map[string]string{"kind": "batches are created by a receipt entry"})
	}
	receipt.BatchID = batch.ID
	receipt.ProductID = batch.ProductID
	if err := receipt.Validate(); err != nil {
		return domain.Batch{}, err
	}

	var created domain.Batch
	err := r.db.WithScope(ctx, scope, func(ctx context.Context, tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, lockProductSQL, productLockKey(scope, batch.ProductID)); err != nil {
			return fmt.Errorf("failed to lock product: %w", err)
		}

		_, err := tx.ExecContext(ctx, insertBatchSQL,
			scope, batch.ID, batch.ProductID, batch.SupplierID,
			batch.ReceivedAt, batch.ExpireDate, batch.UnitCost,
		)
		if err != nil {
			if isUniqueViolation(err, "stock_batches_pkey") {
				return errors.DuplicateBatch(batch.ID)
			}
			return mapError(err)
		}

		if _, err := insertEntry(ctx, tx, scope, receipt); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, refreshBatchSQL, scope, batch.ID); err != nil {
			return mapError(err)
		}

		query := `SELECT ` + batchColumns + ` FROM stock_batches WHERE scope = $1 AND id = $2`
		return tx.GetContext(ctx, &created, query, scope, batch.ID)
	})
	if err != nil {
		return domain.Batch{}, err
	}
	return created, nil
}

// Append checks every touched batch under FOR UPDATE and writes the entries
func (r *PostgresStore) Append(ctx context.Context, scope string, expectedVersion int64, entries []domain.LedgerEntry, guards ...Guard) (int64, error) {
	product, err := validateEntries(entries)
	if err != nil {
		return 0, err
	}

	var committed int64
	err = r.db.WithScope(ctx, scope, func(ctx context.Context, tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, lockProductSQL, productLockKey(scope, product)); err != nil {
			return fmt.Errorf("failed to lock product: %w", err)
		}
		if len(guards) > 0 {
			snap, err := r.Snapshot(ctx, scope, product)
			if err != nil {
				return err
			}
			if err := runGuards(ctx, snap, guards); err != nil {
				return err
			}
		}

		batchIDs := touchedBatches(entries)
		for _, id := range batchIDs {
			var locked lockedBatch
			if err := tx.GetContext(ctx, &locked, lockBatchSQL, scope, id); err != nil {
				if err == sql.ErrNoRows {
					return errors.BatchNotFound(id)
				}
				return mapError(err)
			}
			if locked.ProductID != product {
				return errors.Validation(map[string]string{"batch_id": "batch " + id + " belongs to another product"})
			}
			if locked.LastSeq > expectedVersion {
				return errors.ConcurrencyConflict(id)
			}
		}

		for _, e := range entries {
			seq, err := insertEntry(ctx, tx, scope, e)
			if err != nil {
				return err
			}
			if seq > committed {
				committed = seq
			}
		}

		for _, id := range batchIDs {
			if _, err := tx.ExecContext(ctx, refreshBatchSQL, scope, id); err != nil {
				return mapError(err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return committed, nil
}

func insertEntry(ctx context.Context, tx *sqlx.Tx, scope string, e domain.LedgerEntry) (int64, error) {
	var seq int64
	err := tx.QueryRowxContext(ctx, insertEntrySQL,
		e.ID, scope, e.BatchID, e.ProductID, e.Delta, string(e.Kind), e.ReferenceID,
		e.OriginReference, e.Quantity, e.Quarantine, e.Reason, e.CreatedAt,
	).Scan(&seq)
	if err != nil {
		return 0, mapError(err)
	}
	return seq, nil
}

// FencedSnapshot takes the product's advisory lock before reading, which waits
// out any append in flight. Inside an enclosing unit of work the lock is held
// until that work commits.
func (r *PostgresStore) FencedSnapshot(ctx context.Context, scope, productID string) (domain.Snapshot, error) {
	var snap domain.Snapshot
	err := r.db.WithScope(ctx, scope, func(ctx context.Context, tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, lockProductSQL, productLockKey(scope, productID)); err != nil {
			return fmt.Errorf("failed to lock product: %w", err)
		}
		var err error
		snap, err = r.Snapshot(ctx, scope, productID)
		return err
	})
	return snap, err
}

// Snapshot reads every batch of a product in one statement
func (r *PostgresStore) Snapshot(ctx context.Context, scope, productID string) (domain.Snapshot, error) {
	snap := domain.Snapshot{ProductID: productID, Batches: []domain.Batch{}}

	query := `
		SELECT ` + batchColumns + ` FROM stock_batches
		WHERE scope = $1 AND product_id = $2
		ORDER BY expire_date, received_at, id
	`
	if err := sqlx.SelectContext(ctx, r.db.Querier(ctx), &snap.Batches, query, scope, productID); err != nil {
		return snap, err
	}
	for _, b := range snap.Batches {
		if b.LastSeq > snap.Version {
			snap.Version = b.LastSeq
		}
	}
	return snap, nil
}

// GetBatch gets a batch by ID
func (r *PostgresStore) GetBatch(ctx context.Context, scope, batchID string) (domain.Batch, error) {
	var b domain.Batch
	query := `SELECT ` + batchColumns + ` FROM stock_batches WHERE scope = $1 AND id = $2`
	if err := sqlx.GetContext(ctx, r.db.Querier(ctx), &b, query, scope, batchID); err != nil {
		if err == sql.ErrNoRows {
			return b, errors.BatchNotFound(batchID)
		}
		return b, err
	}
	return b, nil
}

// BatchHistory reads a batch and its entries; the projection is folded from the entries read
func (r *PostgresStore) BatchHistory(ctx context.Context, scope, batchID string) (domain.Batch, []domain.LedgerEntry, error) {
	var (
		b       domain.Batch
		history []domain.LedgerEntry
	)
	err := r.db.WithScope(ctx, scope, func(ctx context.Context, tx *sqlx.Tx) error {
		query := `SELECT ` + batchColumns + ` FROM stock_batches WHERE scope = $1 AND id = $2`
		if err := tx.GetContext(ctx, &b, query, scope, batchID); err != nil {
			if err == sql.ErrNoRows {
				return errors.BatchNotFound(batchID)
			}
			return err
		}

		query = `SELECT ` + entryColumns + ` FROM stock_ledger_entries WHERE scope = $1 AND batch_id = $2 ORDER BY seq`
		return tx.SelectContext(ctx, &history, query, scope, batchID)
	})
	if err != nil {
		return domain.Batch{}, nil, err
	}

	b.QtyOnHand, b.Quarantined, b.LastSeq = domain.Fold(history)
	return b, history, nil
}

// ListBatches lists batches in FEFO order
func (r *PostgresStore) ListBatches(ctx context.Context, scope string, filter BatchFilter) ([]domain.Batch, error) {
	q := r.builder.Select(batchColumns).
		From("stock_batches").
		Where(sq.Eq{"scope": scope})

	if filter.ProductID != "" {
		q = q.Where(sq.Eq{"product_id": filter.ProductID})
	}
	if filter.InStockOnly {
		q = q.Where(sq.Gt{"qty_on_hand": 0})
	}
	if filter.ExpiresBy != nil {
		q = q.Where(sq.LtOrEq{"expire_date": *filter.ExpiresBy})
	}
	q = q.OrderBy("expire_date", "received_at", "id")

	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build batch query: %w", err)
	}

	batches := []domain.Batch{}
	if err := sqlx.SelectContext(ctx, r.db.Querier(ctx), &batches, query, args...); err != nil {
		return nil, err
	}
	return batches, nil
}

// QueryEntries runs an audit query over the ledger
func (r *PostgresStore) QueryEntries(ctx context.Context, scope string, filter EntryFilter) ([]domain.LedgerEntry, error) {
	q := r.builder.Select(entryColumns).
		From("stock_ledger_entries").
		Where(sq.Eq{"scope": scope})

	if filter.BatchID != "" {
		q = q.Where(sq.Eq{"batch_id": filter.BatchID})
	}
	if filter.ProductID != "" {
		q = q.Where(sq.Eq{"product_id": filter.ProductID})
	}
	if filter.ReferenceID != "" {
		q = q.Where(sq.Eq{"reference_id": filter.ReferenceID})
	}
	if filter.OriginReference != "" {
		q = q.Where(sq.Eq{"origin_reference": filter.OriginReference})
	}
	if filter.Kind != "" {
		q = q.Where(sq.Eq{"kind": string(filter.Kind)})
	}
	if filter.From != nil {
		q = q.Where(sq.GtOrEq{"created_at": *filter.From})
	}
	if filter.To != nil {
		q = q.Where(sq.LtOrEq{"created_at": *filter.To})
	}
	q = q.OrderBy("seq").Limit(uint64(filter.limit()))

	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build ledger query: %w", err)
	}

	entries := []domain.LedgerEntry{}
	if err := sqlx.SelectContext(ctx, r.db.Querier(ctx), &entries, query, args...); err != nil {
		return nil, err
	}
	return entries, nil
}

// Scopes lists every scope with batches
func (r *PostgresStore) Scopes(ctx context.Context) ([]string, error) {
	var scopes []string
	query := `SELECT DISTINCT scope FROM stock_batches ORDER BY scope`
	if err := r.db.SelectContext(ctx, &scopes, query); err != nil {
		return nil, err
	}
	return scopes, nil
}

func productLockKey(scope, productID string) string {
	return "stock:" + scope + ":" + productID
}

func isUniqueViolation(err error, constraint string) bool {
	var pqErr *pq.Error
	if stderrors.As(err, &pqErr) {
		return pqErr.Code == "23505" && pqErr.Constraint == constraint
	}
	return false
}

// mapError converts driver errors into application errors where a mapping exists
func mapError(err error) error {
	if appErr := database.MapPQError(err); appErr != nil {
		return appErr
	}
	return err
}
