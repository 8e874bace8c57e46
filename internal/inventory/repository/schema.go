package repository

import (
	"context"
	"fmt"

	"github.com/pharmapos/pharmapos-backend/pkg/database"
)

// Schema is the DDL of the stock ledger tables
const Schema = `
CREATE TABLE IF NOT EXISTS stock_batches (
	scope        TEXT NOT NULL,
	id           TEXT NOT NULL,
	product_id   TEXT NOT NULL,
	supplier_id  TEXT NOT NULL,
	received_at  TIMESTAMPTZ NOT NULL,
	expire_date  DATE NOT NULL,
	unit_cost    NUMERIC(18,4) NOT NULL DEFAULT 0,
	qty_on_hand  BIGINT NOT NULL DEFAULT 0,
	quarantined  BOOLEAN NOT NULL DEFAULT FALSE,
	last_seq     BIGINT NOT NULL DEFAULT 0,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	CONSTRAINT stock_batches_pkey PRIMARY KEY (scope, id),
	CONSTRAINT stock_batches_qty_non_negative CHECK (qty_on_hand >= 0)
);

CREATE INDEX IF NOT EXISTS idx_stock_batches_fefo
	ON stock_batches (scope, product_id, expire_date, received_at, id);

CREATE TABLE IF NOT EXISTS stock_ledger_entries (
	seq              BIGSERIAL PRIMARY KEY,
	id               TEXT NOT NULL UNIQUE,
	scope            TEXT NOT NULL,
	batch_id         TEXT NOT NULL,
	product_id       TEXT NOT NULL,
	delta            BIGINT NOT NULL,
	kind             TEXT NOT NULL,
	reference_id     TEXT NOT NULL DEFAULT '',
	origin_reference TEXT NOT NULL DEFAULT '',
	quantity         BIGINT NOT NULL DEFAULT 0,
	quarantine       BOOLEAN NOT NULL DEFAULT FALSE,
	reason           TEXT NOT NULL DEFAULT '',
	created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	CONSTRAINT stock_ledger_entries_batch_fkey FOREIGN KEY (scope, batch_id) REFERENCES stock_batches (scope, id),
	CONSTRAINT stock_ledger_entries_kind_valid CHECK (kind IN ('receipt', 'sale', 'return_restock', 'return_writeoff', 'opname_adjustment'))
);

CREATE INDEX IF NOT EXISTS idx_stock_ledger_entries_batch ON stock_ledger_entries (scope, batch_id, seq);
CREATE INDEX IF NOT EXISTS idx_stock_ledger_entries_reference ON stock_ledger_entries (scope, reference_id);
CREATE INDEX IF NOT EXISTS idx_stock_ledger_entries_origin ON stock_ledger_entries (scope, origin_reference) WHERE origin_reference <> '';

CREATE OR REPLACE FUNCTION stock_ledger_entries_append_only()
RETURNS TRIGGER AS $$
BEGIN
	RAISE EXCEPTION 'stock_ledger_entries is append-only';
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS trg_stock_ledger_entries_append_only ON stock_ledger_entries;
CREATE TRIGGER trg_stock_ledger_entries_append_only
	BEFORE UPDATE OR DELETE ON stock_ledger_entries
	FOR EACH ROW EXECUTE FUNCTION stock_ledger_entries_append_only();

CREATE TABLE IF NOT EXISTS opname_sessions (
	scope             TEXT NOT NULL,
	id                TEXT NOT NULL,
	product_id        TEXT NOT NULL,
	status            TEXT NOT NULL,
	snapshot_version  BIGINT NOT NULL DEFAULT 0,
	lines             JSONB NOT NULL DEFAULT '[]',
	lock_token        TEXT NOT NULL DEFAULT '',
	committed_version BIGINT NOT NULL DEFAULT 0,
	adjustments       INT NOT NULL DEFAULT 0,
	opened_at         TIMESTAMPTZ NOT NULL,
	counting_at       TIMESTAMPTZ,
	reconciled_at     TIMESTAMPTZ,
	closed_at         TIMESTAMPTZ,
	updated_at        TIMESTAMPTZ NOT NULL,
	CONSTRAINT opname_sessions_pkey PRIMARY KEY (scope, id),
	CONSTRAINT opname_sessions_status_valid CHECK (status IN ('draft', 'counting', 'reconciled', 'closed', 'abandoned'))
);

CREATE INDEX IF NOT EXISTS idx_opname_sessions_product ON opname_sessions (scope, product_id, opened_at DESC);
`

// Migrate applies Schema. It is idempotent.
func Migrate(ctx context.Context, db *database.DB) error {
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("failed to apply stock schema: %w", err)
	}
	return nil
}
