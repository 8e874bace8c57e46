package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/pharmapos/pharmapos-backend/internal/inventory/domain"
	"github.com/pharmapos/pharmapos-backend/pkg/database"
	"github.com/pharmapos/pharmapos-backend/pkg/errors"
)

const sessionColumns = `id, product_id, status, snapshot_version, lines, lock_token, committed_version,
	adjustments, opened_at, counting_at, reconciled_at, closed_at, updated_at`

// sessionRow is the persisted shape of an opname session
type sessionRow struct {
	ID               string     `db:"id"`
	ProductID        string     `db:"product_id"`
	Status           string     `db:"status"`
	SnapshotVersion  int64      `db:"snapshot_version"`
	Lines            []byte     `db:"lines"`
	LockToken        string     `db:"lock_token"`
	CommittedVersion int64      `db:"committed_version"`
	Adjustments      int        `db:"adjustments"`
	OpenedAt         time.Time  `db:"opened_at"`
	CountingAt       *time.Time `db:"counting_at"`
	ReconciledAt     *time.Time `db:"reconciled_at"`
	ClosedAt         *time.Time `db:"closed_at"`
	UpdatedAt        time.Time  `db:"updated_at"`
}

func (row sessionRow) toDomain() (*domain.OpnameSession, error) {
	s := &domain.OpnameSession{
		ID:               row.ID,
		ProductID:        row.ProductID,
		Status:           domain.OpnameStatus(row.Status),
		SnapshotVersion:  row.SnapshotVersion,
		LockToken:        row.LockToken,
		CommittedVersion: row.CommittedVersion,
		Adjustments:      row.Adjustments,
		OpenedAt:         row.OpenedAt,
		CountingAt:       row.CountingAt,
		ReconciledAt:     row.ReconciledAt,
		ClosedAt:         row.ClosedAt,
		UpdatedAt:        row.UpdatedAt,
	}
	if err := json.Unmarshal(row.Lines, &s.Lines); err != nil {
		return nil, fmt.Errorf("failed to decode opname lines for %s: %w", row.ID, err)
	}
	return s, nil
}

// PostgresSessionRepository handles opname session persistence
type PostgresSessionRepository struct {
	db *database.DB
}

// NewPostgresSessionRepository creates a new session repository
func NewPostgresSessionRepository(db *database.DB) *PostgresSessionRepository {
	return &PostgresSessionRepository{db: db}
}

// Create creates a new session
func (r *PostgresSessionRepository) Create(ctx context.Context, scope string, s *domain.OpnameSession) error {
	lines, err := json.Marshal(s.Lines)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO opname_sessions (
			scope, id, product_id, status, snapshot_version, lines, lock_token,
			committed_version, adjustments, opened_at, counting_at, reconciled_at, closed_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`
	_, err = r.db.Querier(ctx).ExecContext(ctx, query,
		scope, s.ID, s.ProductID, string(s.Status), s.SnapshotVersion, lines, s.LockToken,
		s.CommittedVersion, s.Adjustments, s.OpenedAt, s.CountingAt, s.ReconciledAt, s.ClosedAt, s.UpdatedAt,
	)
	return mapError(err)
}

// Get gets a session by ID
func (r *PostgresSessionRepository) Get(ctx context.Context, scope, id string) (*domain.OpnameSession, error) {
	var row sessionRow
	query := `SELECT ` + sessionColumns + ` FROM opname_sessions WHERE scope = $1 AND id = $2`
	if err := sqlx.GetContext(ctx, r.db.Querier(ctx), &row, query, scope, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.NotFound("opname session")
		}
		return nil, err
	}
	return row.toDomain()
}

// List lists sessions, newest first
func (r *PostgresSessionRepository) List(ctx context.Context, scope, productID string) ([]*domain.OpnameSession, error) {
	var rows []sessionRow
	query := `
		SELECT ` + sessionColumns + ` FROM opname_sessions
		WHERE scope = $1 AND ($2 = '' OR product_id = $2)
		ORDER BY opened_at DESC, id
	`
	if err := sqlx.SelectContext(ctx, r.db.Querier(ctx), &rows, query, scope, productID); err != nil {
		return nil, err
	}

	sessions := make([]*domain.OpnameSession, 0, len(rows))
	for _, row := range rows {
		s, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, nil
}

// Update locks the session row, applies fn and writes it back in the same transaction
func (r *PostgresSessionRepository) Update(ctx context.Context, scope, id string, fn func(context.Context, *domain.OpnameSession) error) (*domain.OpnameSession, error) {
	var updated *domain.OpnameSession
	err := r.db.WithScope(ctx, scope, func(ctx context.Context, tx *sqlx.Tx) error {
		var row sessionRow
		query := `SELECT ` + sessionColumns + ` FROM opname_sessions WHERE scope = $1 AND id = $2 FOR UPDATE`
		if err := tx.GetContext(ctx, &row, query, scope, id); err != nil {
			if err == sql.ErrNoRows {
				return errors.NotFound("opname session")
			}
			return err
		}

		s, err := row.toDomain()
		if err != nil {
			return err
		}
		if err := fn(ctx, s); err != nil {
			return err
		}

		lines, err := json.Marshal(s.Lines)
		if err != nil {
			return err
		}
		query = `
			UPDATE opname_sessions SET
				status = $3, snapshot_version = $4, lines = $5, lock_token = $6,
				committed_version = $7, adjustments = $8, counting_at = $9,
				reconciled_at = $10, closed_at = $11, updated_at = $12
			WHERE scope = $1 AND id = $2
		`
		if _, err := tx.ExecContext(ctx, query,
			scope, s.ID, string(s.Status), s.SnapshotVersion, lines, s.LockToken,
			s.CommittedVersion, s.Adjustments, s.CountingAt,
			s.ReconciledAt, s.ClosedAt, s.UpdatedAt,
		); err != nil {
			return mapError(err)
		}

		updated = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}
