package consumers

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/pharmapos/pharmapos-backend/internal/inventory/domain"
	"github.com/pharmapos/pharmapos-backend/internal/inventory/service"
	"github.com/pharmapos/pharmapos-backend/pkg/errors"
	"github.com/pharmapos/pharmapos-backend/pkg/logger"
	"github.com/pharmapos/pharmapos-backend/pkg/messaging"
)

// GoodsReceiptConsumer turns posted goods receipts into batches
type GoodsReceiptConsumer struct {
	consumer *messaging.Consumer
	registry *service.RegistryService
	logger   *logger.Logger
}

// NewGoodsReceiptConsumer creates a new goods receipt consumer
func NewGoodsReceiptConsumer(rmq *messaging.RabbitMQ, registry *service.RegistryService, log *logger.Logger) (*GoodsReceiptConsumer, error) {
	consumer, err := messaging.NewConsumer(rmq, "inventory-service.goods-receipts", log)
	if err != nil {
		return nil, err
	}

	if err := consumer.Subscribe(messaging.ExchangeProcurementEvents, "goods_receipt.#"); err != nil {
		return nil, err
	}

	c := &GoodsReceiptConsumer{
		consumer: consumer,
		registry: registry,
		logger:   log.WithComponent("goods_receipt_consumer"),
	}

	consumer.RegisterHandler(messaging.EventGoodsReceiptPosted, c.handleGoodsReceiptPosted)

	return c, nil
}

// Start starts consuming messages
func (c *GoodsReceiptConsumer) Start(ctx context.Context) error {
	return c.consumer.Start(ctx)
}

// handleGoodsReceiptPosted creates one batch per receipt line.
// Lines whose batch already exists were booked by an earlier delivery and are skipped.
func (c *GoodsReceiptConsumer) handleGoodsReceiptPosted(ctx context.Context, event *messaging.Event) error {
	var data messaging.GoodsReceiptPostedEvent
	if err := event.UnmarshalData(&data); err != nil {
		return errors.BadRequest("malformed goods receipt: " + err.Error())
	}

	c.logger.Info().
		Str("receipt_id", data.ReceiptID).
		Int("lines", len(data.Lines)).
		Msg("received goods receipt")

	var failed error
	for _, line := range data.Lines {
		cost := decimal.Zero
		if line.UnitCost != "" {
			parsed, err := decimal.NewFromString(line.UnitCost)
			if err != nil {
				failed = firstErr(failed, errors.Validation(map[string]string{"unit_cost": "must be a decimal"}))
				continue
			}
			cost = parsed
		}

		_, err := c.registry.Create(ctx, domain.NewBatch{
			ID:         line.BatchID,
			ProductID:  line.ProductID,
			SupplierID: data.SupplierID,
			ReceivedAt: data.ReceivedAt,
			ExpireDate: line.ExpireDate,
			UnitCost:   cost,
			Quantity:   line.Quantity,
			Reference:  data.ReceiptID,
		})
		switch {
		case err == nil:
		case errors.Is(err, errors.ErrDuplicateBatch):
			c.logger.Debug().Str("batch_id", line.BatchID).Msg("batch already received, skipping")
		case errors.IsRetryable(err):
			// later lines are retried with the whole message
			return err
		default:
			c.logger.Error().Err(err).
				Str("receipt_id", data.ReceiptID).
				Str("batch_id", line.BatchID).
				Msg("goods receipt line rejected")
			failed = firstErr(failed, err)
		}
	}
	return failed
}

func firstErr(current, next error) error {
	if current != nil {
		return current
	}
	return next
}
