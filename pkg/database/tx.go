package database

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

type txKey struct{}

// WithScope runs fn in a transaction tagged with the stock scope. The scope is
// exposed to the session as app.current_scope (transaction local) so row-level
// policies can sit on top of the explicit scope column filters. A ctx that
// already carries a transaction reuses it, which lets the session repository
// book ledger entries inside its own update.
//
//	err = r.db.WithScope(ctx, scope, func(ctx context.Context, tx *sqlx.Tx) error {
//	    return tx.GetContext(ctx, &b, "SELECT * FROM stock_batches WHERE scope = $1 AND id = $2", scope, id)
//	})
func (db *DB) WithScope(ctx context.Context, scope string, fn func(context.Context, *sqlx.Tx) error) error {
	if tx := txFrom(ctx); tx != nil {
		return fn(ctx, tx)
	}

	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	// set_config with is_local=true behaves like SET LOCAL but accepts parameters
	if _, err := tx.ExecContext(ctx, "SELECT set_config('app.current_scope', $1, true)", scope); err != nil {
		db.rollback(tx)
		return fmt.Errorf("failed to set app.current_scope to %s: %w", scope, err)
	}

	if err := fn(context.WithValue(ctx, txKey{}, tx), tx); err != nil {
		db.rollback(tx)
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Querier returns the transaction carried by ctx, falling back to the pool
func (db *DB) Querier(ctx context.Context) sqlx.ExtContext {
	if tx := txFrom(ctx); tx != nil {
		return tx
	}
	return db.DB
}

func (db *DB) rollback(tx *sqlx.Tx) {
	if err := tx.Rollback(); err != nil {
		db.logger.Error().Err(err).Msg("failed to rollback transaction")
	}
}

func txFrom(ctx context.Context) *sqlx.Tx {
	tx, _ := ctx.Value(txKey{}).(*sqlx.Tx)
	return tx
}
