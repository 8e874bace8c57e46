package events

import (
	"context"

	"github.com/pharmapos/pharmapos-backend/internal/inventory/domain"
	"github.com/pharmapos/pharmapos-backend/pkg/errors"
	"github.com/pharmapos/pharmapos-backend/pkg/logger"
	"github.com/pharmapos/pharmapos-backend/pkg/messaging"
)

// Publisher is the transport the stock events go out on.
// *messaging.Publisher implements it.
type Publisher interface {
	Publish(ctx context.Context, eventType string, data interface{}) error
}

// StockEventPublisher publishes stock ledger events.
// Events are sent after the ledger commit; a failed publish is logged and never
// undoes the commit. A nil publisher is a no-op.
type StockEventPublisher struct {
	publisher Publisher
	logger    *logger.Logger
}

// NewStockEventPublisher declares the inventory exchange and returns a publisher on it
func NewStockEventPublisher(rmq *messaging.RabbitMQ, log *logger.Logger) (*StockEventPublisher, error) {
	publisher, err := messaging.NewPublisher(rmq, messaging.ExchangeInventoryEvents, "inventory-service", log)
	if err != nil {
		return nil, err
	}
	return NewStockEventPublisherWith(publisher, log), nil
}

// NewStockEventPublisherWith wraps an existing transport
func NewStockEventPublisherWith(publisher Publisher, log *logger.Logger) *StockEventPublisher {
	return &StockEventPublisher{
		publisher: publisher,
		logger:    log,
	}
}

func (p *StockEventPublisher) publish(ctx context.Context, eventType, subject string, data interface{}) {
	if err := p.publisher.Publish(ctx, eventType, data); err != nil {
		p.logger.Error().Err(err).
			Str("event_type", eventType).
			Str("subject", subject).
			Msg("failed to publish stock event")
	}
}

// PublishBatchReceived publishes a batch received event
func (p *StockEventPublisher) PublishBatchReceived(ctx context.Context, b domain.Batch, qty int64) {
	if p == nil {
		return
	}
	p.publish(ctx, messaging.EventBatchReceived, b.ID, messaging.BatchReceivedEvent{
		BatchID:    b.ID,
		ProductID:  b.ProductID,
		SupplierID: b.SupplierID,
		Quantity:   qty,
		ExpireDate: b.ExpireDate,
		UnitCost:   b.UnitCost.String(),
		Version:    b.LastSeq,
	})
}

// PublishStockAllocated publishes a committed allocation
func (p *StockEventPublisher) PublishStockAllocated(ctx context.Context, plan *domain.AllocationPlan, reference string, version int64) {
	if p == nil {
		return
	}
	lines := make([]messaging.AllocatedLine, 0, len(plan.Lines))
	for _, l := range plan.Lines {
		lines = append(lines, messaging.AllocatedLine{BatchID: l.BatchID, Qty: l.Qty})
	}
	p.publish(ctx, messaging.EventStockAllocated, reference, messaging.StockAllocatedEvent{
		ProductID:   plan.ProductID,
		ReferenceID: reference,
		Quantity:    plan.Quantity,
		Lines:       lines,
		Version:     version,
	})
}

// PublishReturnProcessed publishes a posted return
func (p *StockEventPublisher) PublishReturnProcessed(ctx context.Context, entry domain.LedgerEntry, version int64) {
	if p == nil {
		return
	}
	p.publish(ctx, messaging.EventReturnProcessed, entry.ReferenceID, messaging.ReturnProcessedEvent{
		ReturnID:          entry.ReferenceID,
		OriginalReference: entry.OriginReference,
		BatchID:           entry.BatchID,
		ProductID:         entry.ProductID,
		Quantity:          entry.Quantity,
		Reason:            entry.Reason,
		Restocked:         entry.Kind == domain.KindReturnRestock,
		Quarantined:       entry.Quarantine,
		Version:           version,
	})
}

// PublishOpnameClosed publishes the variances a closed opname applied
func (p *StockEventPublisher) PublishOpnameClosed(ctx context.Context, s *domain.OpnameSession) {
	if p == nil {
		return
	}
	p.publish(ctx, messaging.EventOpnameClosed, s.ID, messaging.OpnameClosedEvent{
		SessionID: s.ID,
		ProductID: s.ProductID,
		Variances: s.Variances(),
		Version:   s.CommittedVersion,
	})
}

// PublishBatchExpiring publishes one near-expiry row
func (p *StockEventPublisher) PublishBatchExpiring(ctx context.Context, row domain.ExpiringBatch) {
	if p == nil {
		return
	}
	p.publish(ctx, messaging.EventBatchExpiring, row.Batch.ID, messaging.BatchExpiringEvent{
		BatchID:       row.Batch.ID,
		ProductID:     row.Batch.ProductID,
		ExpireDate:    row.Batch.ExpireDate,
		DaysRemaining: row.DaysRemaining,
		QtyOnHand:     row.Batch.QtyOnHand,
		ValueAtRisk:   row.ValueAtRisk.String(),
	})
}

// PublishStockLow publishes that on-hand stock fell below the reorder threshold
func (p *StockEventPublisher) PublishStockLow(ctx context.Context, productID string, onHand, threshold int64) {
	if p == nil {
		return
	}
	p.publish(ctx, messaging.EventStockLow, productID, messaging.StockLowEvent{
		ProductID:        productID,
		OnHand:           onHand,
		ReorderThreshold: threshold,
	})
}

// PublishAllocationRejected reports a sale from the feed that could not be booked
func (p *StockEventPublisher) PublishAllocationRejected(ctx context.Context, reference, productID string, cause error) {
	if p == nil {
		return
	}
	p.publish(ctx, messaging.EventAllocationRejected, reference, rejection(reference, productID, "", cause))
}

// PublishReturnRejected reports a return from the feed that could not be booked
func (p *StockEventPublisher) PublishReturnRejected(ctx context.Context, reference, batchID string, cause error) {
	if p == nil {
		return
	}
	p.publish(ctx, messaging.EventReturnRejected, reference, rejection(reference, "", batchID, cause))
}

func rejection(reference, productID, batchID string, cause error) messaging.RejectionEvent {
	ev := messaging.RejectionEvent{
		ReferenceID: reference,
		ProductID:   productID,
		BatchID:     batchID,
		Code:        "INTERNAL_ERROR",
		Message:     cause.Error(),
	}
	var appErr *errors.AppError
	if errors.As(cause, &appErr) {
		ev.Code = appErr.Code
		ev.Message = appErr.Message
		ev.Details = appErr.Details
	}
	return ev
}
