package service

import (
	"context"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/pharmapos/pharmapos-backend/internal/inventory/domain"
	"github.com/pharmapos/pharmapos-backend/internal/inventory/events"
	"github.com/pharmapos/pharmapos-backend/internal/inventory/lock"
	"github.com/pharmapos/pharmapos-backend/internal/inventory/repository"
	"github.com/pharmapos/pharmapos-backend/pkg/errors"
	"github.com/pharmapos/pharmapos-backend/pkg/logger"
	"github.com/pharmapos/pharmapos-backend/pkg/tenant"
)

// ReturnService posts customer returns against earlier sales
type ReturnService struct {
	store     repository.Store
	locker    lock.Locker
	policies  domain.ReturnPolicies
	publisher *events.StockEventPublisher
	logger    *logger.Logger
	now       Clock
}

// NewReturnService creates a new return service
func NewReturnService(
	store repository.Store,
	locker lock.Locker,
	policies domain.ReturnPolicies,
	publisher *events.StockEventPublisher,
	log *logger.Logger,
) *ReturnService {
	return &ReturnService{
		store:     store,
		locker:    locker,
		policies:  policies,
		publisher: publisher,
		logger:    log.WithComponent("returns"),
		now:       systemClock,
	}
}

// WithClock replaces the time source
func (s *ReturnService) WithClock(now Clock) *ReturnService {
	s.now = now
	return s
}

// Process validates a return against the batch history and books its entry.
// The batch's own version is the token, so two returns racing on one sale
// cannot both pass the returnable check.
func (s *ReturnService) Process(ctx context.Context, rec domain.ReturnRecord) (entry domain.LedgerEntry, err error) {
	scope := tenant.Scope(ctx)
	ctx, span := startSpan(ctx, "returns.Process",
		attribute.String("scope", scope),
		attribute.String("batch_id", rec.BatchID),
		attribute.String("original_reference", rec.OriginalReference),
		attribute.Int64("qty", rec.QtyReturned),
	)
	defer func() { endSpan(span, err) }()

	details := map[string]string{}
	if rec.OriginalReference == "" {
		details["original_sale_reference"] = "is required"
	}
	if rec.BatchID == "" {
		details["batch_id"] = "is required"
	}
	if len(details) > 0 {
		return domain.LedgerEntry{}, errors.Validation(details)
	}
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}

	policy, err := s.policies.Resolve(rec.Reason)
	if err != nil {
		return domain.LedgerEntry{}, err
	}

	batch, history, err := s.store.BatchHistory(ctx, scope, rec.BatchID)
	if err != nil {
		return domain.LedgerEntry{}, err
	}

	entry, err = domain.BuildReturnEntry(rec, policy, batch, history, s.now())
	if err != nil {
		return domain.LedgerEntry{}, err
	}
	version, err := s.store.Append(ctx, scope, batch.LastSeq, []domain.LedgerEntry{entry},
		unlockedGuard(s.locker, scope, batch.ProductID))
	if err != nil {
		if errors.Is(err, errors.ErrConcurrencyConflict) {
			s.logger.Warn().
				Str("scope", scope).
				Str("batch_id", rec.BatchID).
				Str("reference_id", rec.ID).
				Msg("return commit conflicted")
		}
		return domain.LedgerEntry{}, err
	}
	entry.Seq = version

	s.logger.Info().
		Str("scope", scope).
		Str("product_id", entry.ProductID).
		Str("reference_id", entry.ReferenceID).
		Str("kind", string(entry.Kind)).
		Int("entries", 1).
		Int64("version", version).
		Msg("return processed")

	s.publisher.PublishReturnProcessed(ctx, entry, version)
	return entry, nil
}
