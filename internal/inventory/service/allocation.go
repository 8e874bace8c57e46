package service

import (
	"context"

	"go.opentelemetry.io/otel/attribute"

	"github.com/pharmapos/pharmapos-backend/internal/inventory/domain"
	"github.com/pharmapos/pharmapos-backend/internal/inventory/events"
	"github.com/pharmapos/pharmapos-backend/internal/inventory/lock"
	"github.com/pharmapos/pharmapos-backend/internal/inventory/repository"
	"github.com/pharmapos/pharmapos-backend/pkg/errors"
	"github.com/pharmapos/pharmapos-backend/pkg/logger"
	"github.com/pharmapos/pharmapos-backend/pkg/tenant"
)

// AllocationService picks and books outgoing stock in FEFO order
type AllocationService struct {
	store     repository.Store
	locker    lock.Locker
	catalog   Catalog
	publisher *events.StockEventPublisher
	logger    *logger.Logger
	now       Clock
}

// NewAllocationService creates a new allocation service
func NewAllocationService(
	store repository.Store,
	locker lock.Locker,
	catalog Catalog,
	publisher *events.StockEventPublisher,
	log *logger.Logger,
) *AllocationService {
	return &AllocationService{
		store:     store,
		locker:    locker,
		catalog:   catalog,
		publisher: publisher,
		logger:    log.WithComponent("allocation"),
		now:       systemClock,
	}
}

// WithClock replaces the time source
func (s *AllocationService) WithClock(now Clock) *AllocationService {
	s.now = now
	return s
}

// Allocation is a committed plan and the ledger version it produced
type Allocation struct {
	Plan        *domain.AllocationPlan `json:"plan"`
	ReferenceID string                 `json:"reference_id"`
	Version     int64                  `json:"version"`
}

// Allocate computes a plan from a fresh snapshot without booking anything
func (s *AllocationService) Allocate(ctx context.Context, productID string, qty int64, policy domain.AllocationPolicy) (plan *domain.AllocationPlan, err error) {
	scope := tenant.Scope(ctx)
	ctx, span := startSpan(ctx, "allocation.Allocate",
		attribute.String("scope", scope),
		attribute.String("product_id", productID),
		attribute.Int64("qty", qty),
	)
	defer func() { endSpan(span, err) }()

	if productID == "" {
		return nil, errors.Validation(map[string]string{"product_id": "is required"})
	}

	snap, err := s.store.Snapshot(ctx, scope, productID)
	if err != nil {
		return nil, err
	}
	return domain.Allocate(snap, qty, policy, s.now())
}

// Commit books a plan as sale entries under reference.
// The plan's version is the token: if any picked batch moved since, nothing is
// written and ConcurrencyConflict is returned. The plan is re-checked against
// the ledger inside the append, so only the exact FEFO pick for its quantity
// and policy is booked. The caller re-allocates; Commit never retries on its own.
func (s *AllocationService) Commit(ctx context.Context, plan *domain.AllocationPlan, reference string) (version int64, err error) {
	scope := tenant.Scope(ctx)
	ctx, span := startSpan(ctx, "allocation.Commit",
		attribute.String("scope", scope),
		attribute.String("product_id", plan.ProductID),
		attribute.String("reference_id", reference),
		attribute.Int64("expected_version", plan.Version),
	)
	defer func() { endSpan(span, err) }()

	if reference == "" {
		return 0, errors.Validation(map[string]string{"reference_id": "is required"})
	}
	if plan.IsEmpty() {
		if plan.Quantity != 0 {
			return 0, errors.Validation(map[string]string{"plan.lines": "must cover the plan quantity"})
		}
		return plan.Version, nil
	}

	now := s.now()
	entries := plan.Entries(reference, now)
	version, err = s.store.Append(ctx, scope, plan.Version, entries,
		unlockedGuard(s.locker, scope, plan.ProductID),
		func(_ context.Context, snap domain.Snapshot) error {
			return domain.VerifyPlan(snap, plan, now)
		},
	)
	if err != nil {
		if errors.Is(err, errors.ErrConcurrencyConflict) {
			s.logger.Warn().
				Str("scope", scope).
				Str("product_id", plan.ProductID).
				Str("reference_id", reference).
				Int64("expected_version", plan.Version).
				Msg("allocation commit conflicted")
		}
		return 0, err
	}

	s.logger.Info().
		Str("scope", scope).
		Str("product_id", plan.ProductID).
		Str("reference_id", reference).
		Int("entries", len(entries)).
		Int64("version", version).
		Msg("allocation committed")

	s.publisher.PublishStockAllocated(ctx, plan, reference, version)
	s.checkLowStock(ctx, scope, plan.ProductID)
	return version, nil
}

// Dispense allocates and commits in one call
func (s *AllocationService) Dispense(ctx context.Context, productID string, qty int64, reference string, policy domain.AllocationPolicy) (*Allocation, error) {
	if reference == "" {
		return nil, errors.Validation(map[string]string{"reference_id": "is required"})
	}
	plan, err := s.Allocate(ctx, productID, qty, policy)
	if err != nil {
		return nil, err
	}
	version, err := s.Commit(ctx, plan, reference)
	if err != nil {
		return nil, err
	}
	return &Allocation{Plan: plan, ReferenceID: reference, Version: version}, nil
}

// checkLowStock publishes stock.low once usable stock drops under the catalog threshold
func (s *AllocationService) checkLowStock(ctx context.Context, scope, productID string) {
	if s.catalog == nil {
		return
	}
	product, err := s.catalog.GetProduct(ctx, productID)
	if err != nil {
		s.logger.Warn().Err(err).Str("product_id", productID).Msg("reorder threshold lookup failed")
		return
	}
	if product.ReorderThreshold <= 0 {
		return
	}

	snap, err := s.store.Snapshot(ctx, scope, productID)
	if err != nil {
		s.logger.Warn().Err(err).Str("product_id", productID).Msg("stock level check failed")
		return
	}
	var usable int64
	for _, b := range snap.Sellable() {
		usable += b.QtyOnHand
	}
	if usable < product.ReorderThreshold {
		s.publisher.PublishStockLow(ctx, productID, usable, product.ReorderThreshold)
	}
}
