package consumers

import (
	"context"

	"github.com/pharmapos/pharmapos-backend/internal/inventory/domain"
	"github.com/pharmapos/pharmapos-backend/internal/inventory/events"
	"github.com/pharmapos/pharmapos-backend/internal/inventory/repository"
	"github.com/pharmapos/pharmapos-backend/internal/inventory/service"
	"github.com/pharmapos/pharmapos-backend/pkg/errors"
	"github.com/pharmapos/pharmapos-backend/pkg/logger"
	"github.com/pharmapos/pharmapos-backend/pkg/messaging"
)

// SalesConsumer books dispensed sales and customer returns from the POS feed.
//
// Retryable failures (stale version, opname lock, unavailable store) go back to
// the queue. Business rejections are acknowledged and reported as rejection
// events so the POS can reconcile.
type SalesConsumer struct {
	consumer   *messaging.Consumer
	registry   *service.RegistryService
	allocation *service.AllocationService
	returns    *service.ReturnService
	publisher  *events.StockEventPublisher
	logger     *logger.Logger
}

// NewSalesConsumer creates a new sales feed consumer
func NewSalesConsumer(
	rmq *messaging.RabbitMQ,
	registry *service.RegistryService,
	allocation *service.AllocationService,
	returns *service.ReturnService,
	publisher *events.StockEventPublisher,
	log *logger.Logger,
) (*SalesConsumer, error) {
	consumer, err := messaging.NewConsumer(rmq, "inventory-service.sales", log)
	if err != nil {
		return nil, err
	}

	if err := consumer.Subscribe(messaging.ExchangeSalesEvents, "sale.#"); err != nil {
		return nil, err
	}

	c := &SalesConsumer{
		consumer:   consumer,
		registry:   registry,
		allocation: allocation,
		returns:    returns,
		publisher:  publisher,
		logger:     log.WithComponent("sales_consumer"),
	}

	consumer.RegisterHandler(messaging.EventSaleDispensed, c.handleSaleDispensed)
	consumer.RegisterHandler(messaging.EventSaleReturned, c.handleSaleReturned)

	return c, nil
}

// Start starts consuming messages
func (c *SalesConsumer) Start(ctx context.Context) error {
	return c.consumer.Start(ctx)
}

func (c *SalesConsumer) handleSaleDispensed(ctx context.Context, event *messaging.Event) error {
	var data messaging.SaleDispensedEvent
	if err := event.UnmarshalData(&data); err != nil {
		return errors.BadRequest("malformed sale: " + err.Error())
	}

	log := c.logger.WithCorrelationID(event.CorrelationID)
	log.Info().
		Str("reference_id", data.ReferenceID).
		Str("product_id", data.ProductID).
		Int64("quantity", data.Quantity).
		Msg("received sale")

	if data.ReferenceID != "" {
		booked, err := c.alreadyBooked(ctx, repository.EntryFilter{
			ReferenceID: data.ReferenceID,
			ProductID:   data.ProductID,
			Kind:        domain.KindSale,
		})
		if err != nil {
			return err
		}
		if booked {
			log.Debug().Str("reference_id", data.ReferenceID).Msg("sale already booked, skipping")
			return nil
		}
	}

	_, err := c.allocation.Dispense(ctx, data.ProductID, data.Quantity, data.ReferenceID,
		domain.AllocationPolicy{AllowExpired: data.AllowExpired})
	if err == nil || !isTerminal(err) {
		return err
	}

	log.Warn().Err(err).Str("reference_id", data.ReferenceID).Msg("sale rejected")
	c.publisher.PublishAllocationRejected(ctx, data.ReferenceID, data.ProductID, err)
	return nil
}

func (c *SalesConsumer) handleSaleReturned(ctx context.Context, event *messaging.Event) error {
	var data messaging.SaleReturnedEvent
	if err := event.UnmarshalData(&data); err != nil {
		return errors.BadRequest("malformed return: " + err.Error())
	}

	log := c.logger.WithCorrelationID(event.CorrelationID)
	log.Info().
		Str("return_id", data.ReturnID).
		Str("original_reference", data.OriginalReference).
		Str("batch_id", data.BatchID).
		Int64("quantity", data.Quantity).
		Msg("received return")

	if data.ReturnID == "" {
		err := errors.Validation(map[string]string{"return_id": "is required"})
		c.publisher.PublishReturnRejected(ctx, data.ReturnID, data.BatchID, err)
		return nil
	}

	booked, err := c.alreadyBooked(ctx, repository.EntryFilter{ReferenceID: data.ReturnID, BatchID: data.BatchID})
	if err != nil {
		return err
	}
	if booked {
		log.Debug().Str("return_id", data.ReturnID).Msg("return already booked, skipping")
		return nil
	}

	_, err = c.returns.Process(ctx, domain.ReturnRecord{
		ID:                data.ReturnID,
		OriginalReference: data.OriginalReference,
		BatchID:           data.BatchID,
		QtyReturned:       data.Quantity,
		Reason:            data.Reason,
		Restock:           data.Restock,
	})
	if err == nil || !isTerminal(err) {
		return err
	}

	log.Warn().Err(err).Str("return_id", data.ReturnID).Msg("return rejected")
	c.publisher.PublishReturnRejected(ctx, data.ReturnID, data.BatchID, err)
	return nil
}

// alreadyBooked reports whether a redelivered message was committed before
func (c *SalesConsumer) alreadyBooked(ctx context.Context, filter repository.EntryFilter) (bool, error) {
	filter.Limit = 1
	entries, err := c.registry.QueryLedger(ctx, filter)
	if err != nil {
		return false, err
	}
	return len(entries) > 0, nil
}

// isTerminal reports a typed business failure that retrying cannot fix
func isTerminal(err error) bool {
	var appErr *errors.AppError
	return errors.As(err, &appErr) && !appErr.Retryable
}
