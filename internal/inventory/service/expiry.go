package service

import (
	"context"
	"time"

	"github.com/pharmapos/pharmapos-backend/internal/inventory/domain"
	"github.com/pharmapos/pharmapos-backend/internal/inventory/repository"
	"github.com/pharmapos/pharmapos-backend/pkg/errors"
	"github.com/pharmapos/pharmapos-backend/pkg/tenant"
)

// ExpiryService is the read-only near-expiry view over the registry
type ExpiryService struct {
	store repository.Store
	now   Clock
}

// NewExpiryService creates a new expiry service
func NewExpiryService(store repository.Store) *ExpiryService {
	return &ExpiryService{store: store, now: systemClock}
}

// WithClock replaces the time source
func (s *ExpiryService) WithClock(now Clock) *ExpiryService {
	s.now = now
	return s
}

// NearExpiry lists batches with stock expiring within thresholdDays of asOf,
// soonest first. A zero asOf means now.
func (s *ExpiryService) NearExpiry(ctx context.Context, thresholdDays int, asOf time.Time) ([]domain.ExpiringBatch, error) {
	if thresholdDays < 0 {
		return nil, errors.Validation(map[string]string{"threshold_days": "must not be negative"})
	}
	if asOf.IsZero() {
		asOf = s.now()
	}

	// one spare day so the store cut-off never drops a row the day count keeps
	expiresBy := asOf.AddDate(0, 0, thresholdDays+1)
	batches, err := s.store.ListBatches(ctx, tenant.Scope(ctx), repository.BatchFilter{
		InStockOnly: true,
		ExpiresBy:   &expiresBy,
	})
	if err != nil {
		return nil, err
	}
	return domain.NearExpiry(batches, thresholdDays, asOf), nil
}
