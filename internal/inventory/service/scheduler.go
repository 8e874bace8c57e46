package service

import (
	"context"
	"time"

	"github.com/pharmapos/pharmapos-backend/internal/inventory/events"
	"github.com/pharmapos/pharmapos-backend/internal/inventory/repository"
	"github.com/pharmapos/pharmapos-backend/pkg/logger"
	"github.com/pharmapos/pharmapos-backend/pkg/tenant"
)

// ExpiryScheduler publishes near-expiry batches periodically across all scopes
type ExpiryScheduler struct {
	expiry        *ExpiryService
	store         repository.Store
	publisher     *events.StockEventPublisher
	thresholdDays int
	interval      time.Duration
	logger        *logger.Logger
	cancel        context.CancelFunc
}

// NewExpiryScheduler creates a new expiry scheduler
func NewExpiryScheduler(
	expiry *ExpiryService,
	store repository.Store,
	publisher *events.StockEventPublisher,
	thresholdDays int,
	interval time.Duration,
	log *logger.Logger,
) *ExpiryScheduler {
	return &ExpiryScheduler{
		expiry:        expiry,
		store:         store,
		publisher:     publisher,
		thresholdDays: thresholdDays,
		interval:      interval,
		logger:        log.WithComponent("expiry_scheduler"),
	}
}

// Start runs a scan right away and then on every tick, in a background goroutine
func (s *ExpiryScheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	go func() {
		s.logger.Info().Dur("interval", s.interval).Int("threshold_days", s.thresholdDays).Msg("expiry scheduler started")

		s.runScanCycle(ctx)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				s.logger.Info().Msg("expiry scheduler stopped")
				return
			case <-ticker.C:
				s.runScanCycle(ctx)
			}
		}
	}()
}

// Stop stops the scheduler goroutine
func (s *ExpiryScheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *ExpiryScheduler) runScanCycle(ctx context.Context) {
	start := time.Now()
	published, err := s.ScanOnce(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("expiry scan cycle failed")
		return
	}
	s.logger.Info().
		Dur("duration", time.Since(start)).
		Int("published", published).
		Msg("expiry scan cycle completed")
}

// ScanOnce publishes one batch.expiring event per near-expiry batch of every
// scope and returns how many were published. A failing scope is logged and skipped.
func (s *ExpiryScheduler) ScanOnce(ctx context.Context) (int, error) {
	scopes, err := s.store.Scopes(ctx)
	if err != nil {
		return 0, err
	}

	published := 0
	for _, scope := range scopes {
		scopeCtx := tenant.WithTenantID(ctx, scope)

		rows, err := s.expiry.NearExpiry(scopeCtx, s.thresholdDays, time.Time{})
		if err != nil {
			s.logger.Error().Err(err).Str("scope", scope).Msg("expiry scan failed for scope")
			continue
		}
		for _, row := range rows {
			s.publisher.PublishBatchExpiring(scopeCtx, row)
			published++
		}
	}
	return published, nil
}
