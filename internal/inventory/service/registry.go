package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/pharmapos/pharmapos-backend/internal/inventory/domain"
	"github.com/pharmapos/pharmapos-backend/internal/inventory/events"
	"github.com/pharmapos/pharmapos-backend/internal/inventory/repository"
	"github.com/pharmapos/pharmapos-backend/pkg/errors"
	"github.com/pharmapos/pharmapos-backend/pkg/logger"
	"github.com/pharmapos/pharmapos-backend/pkg/tenant"
)

// RegistryService registers batches and serves the derived batch views
type RegistryService struct {
	store     repository.Store
	catalog   Catalog
	publisher *events.StockEventPublisher
	logger    *logger.Logger
	now       Clock
}

// NewRegistryService creates a new registry service
func NewRegistryService(store repository.Store, catalog Catalog, publisher *events.StockEventPublisher, log *logger.Logger) *RegistryService {
	return &RegistryService{
		store:     store,
		catalog:   catalog,
		publisher: publisher,
		logger:    log.WithComponent("registry"),
		now:       systemClock,
	}
}

// WithClock replaces the time source
func (s *RegistryService) WithClock(now Clock) *RegistryService {
	s.now = now
	return s
}

// Create registers a batch and books its receipt entry
func (s *RegistryService) Create(ctx context.Context, nb domain.NewBatch) (b domain.Batch, err error) {
	scope := tenant.Scope(ctx)
	ctx, span := startSpan(ctx, "registry.Create",
		attribute.String("scope", scope),
		attribute.String("product_id", nb.ProductID),
		attribute.String("batch_id", nb.ID),
	)
	defer func() { endSpan(span, err) }()

	now := s.now()
	if nb.ID == "" {
		nb.ID = uuid.New().String()
	}
	if nb.ReceivedAt.IsZero() {
		nb.ReceivedAt = now
	}
	if nb.Reference == "" {
		nb.Reference = nb.ID
	}
	if err := nb.Validate(); err != nil {
		return domain.Batch{}, err
	}

	if s.catalog != nil {
		if _, err := s.catalog.GetProduct(ctx, nb.ProductID); err != nil {
			if errors.Is(err, errors.ErrNotFound) {
				return domain.Batch{}, errors.Validation(map[string]string{"product_id": "unknown product"})
			}
			return domain.Batch{}, err
		}
	}

	b, err = s.store.CreateBatch(ctx, scope, nb.Batch(), nb.ReceiptEntry(now))
	if err != nil {
		return domain.Batch{}, err
	}

	s.logger.Info().
		Str("scope", scope).
		Str("product_id", b.ProductID).
		Str("batch_id", b.ID).
		Int64("quantity", nb.Quantity).
		Int64("version", b.LastSeq).
		Msg("batch received")

	s.publisher.PublishBatchReceived(ctx, b, nb.Quantity)
	return b.WithStatus(now), nil
}

// GetBatch returns a batch with its status derived at the current time
func (s *RegistryService) GetBatch(ctx context.Context, batchID string) (domain.Batch, error) {
	b, err := s.store.GetBatch(ctx, tenant.Scope(ctx), batchID)
	if err != nil {
		return domain.Batch{}, err
	}
	return b.WithStatus(s.now()), nil
}

// ListActive returns the batches of a product that still hold stock, in FEFO order
func (s *RegistryService) ListActive(ctx context.Context, productID string, asOf time.Time) ([]domain.Batch, error) {
	if asOf.IsZero() {
		asOf = s.now()
	}
	batches, err := s.store.ListBatches(ctx, tenant.Scope(ctx), repository.BatchFilter{
		ProductID:   productID,
		InStockOnly: true,
	})
	if err != nil {
		return nil, err
	}

	domain.SortFEFO(batches)
	for i := range batches {
		batches[i] = batches[i].WithStatus(asOf)
	}
	return batches, nil
}

// Snapshot returns every batch of a product at one ledger version
func (s *RegistryService) Snapshot(ctx context.Context, productID string) (domain.Snapshot, error) {
	snap, err := s.store.Snapshot(ctx, tenant.Scope(ctx), productID)
	if err != nil {
		return domain.Snapshot{}, err
	}
	now := s.now()
	for i := range snap.Batches {
		snap.Batches[i] = snap.Batches[i].WithStatus(now)
	}
	return snap, nil
}

// BatchEntries returns the ledger history of a batch
func (s *RegistryService) BatchEntries(ctx context.Context, batchID string) ([]domain.LedgerEntry, error) {
	_, entries, err := s.store.BatchHistory(ctx, tenant.Scope(ctx), batchID)
	return entries, err
}

// QueryLedger runs an audit query over the ledger
func (s *RegistryService) QueryLedger(ctx context.Context, filter repository.EntryFilter) ([]domain.LedgerEntry, error) {
	if filter.Kind != "" && !filter.Kind.IsValid() {
		return nil, errors.Validation(map[string]string{"kind": "unknown entry kind"})
	}
	if filter.From != nil && filter.To != nil && filter.To.Before(*filter.From) {
		return nil, errors.Validation(map[string]string{"to": "must not be before from"})
	}
	return s.store.QueryEntries(ctx, tenant.Scope(ctx), filter)
}
