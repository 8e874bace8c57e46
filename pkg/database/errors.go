package database

import (
	"strings"

	"github.com/lib/pq"
	"github.com/pharmapos/pharmapos-backend/pkg/errors"
)

// MapPQError converts a PostgreSQL error to an AppError with meaningful messages.
// Returns nil if the error is not a pq.Error.
func MapPQError(err error) *errors.AppError {
	pqErr, ok := err.(*pq.Error)
	if !ok {
		return nil
	}

	switch pqErr.Code {
	// Check constraint violation (23514)
	case "23514":
		return mapCheckConstraint(pqErr)

	// Unique constraint violation (23505)
	case "23505":
		if strings.Contains(pqErr.Constraint, "stock_batches_pkey") {
			return errors.DuplicateBatch(pqErr.Detail)
		}
		return errors.Conflict("a record with these values already exists")

	// Foreign key violation (23503)
	case "23503":
		if strings.Contains(pqErr.Constraint, "batch") {
			return errors.BatchNotFound(pqErr.Detail)
		}
		return errors.BadRequest("referenced record does not exist")

	// Serialization failure (40001) and deadlock (40P01)
	case "40001", "40P01":
		return errors.ConcurrencyConflict("")

	// Not null violation (23502)
	case "23502":
		col := pqErr.Column
		if col == "" {
			col = "required field"
		}
		return errors.Validation(map[string]string{
			col: "must not be empty",
		})

	default:
		return nil
	}
}

// mapCheckConstraint maps specific CHECK constraint names to user-friendly messages.
func mapCheckConstraint(pqErr *pq.Error) *errors.AppError {
	constraint := pqErr.Constraint

	switch {
	case strings.Contains(constraint, "kind_valid"):
		return errors.Validation(map[string]string{
			"kind": "must be one of: receipt, sale, return_restock, return_writeoff, opname_adjustment",
		})

	case strings.Contains(constraint, "qty_non_negative"):
		return errors.Validation(map[string]string{
			"qty_on_hand": "must not become negative",
		})

	case strings.Contains(constraint, "status_valid"):
		return errors.Validation(map[string]string{
			"status": "must be one of: draft, counting, reconciled, closed, abandoned",
		})

	default:
		return errors.BadRequest("data validation failed: " + constraint)
	}
}
