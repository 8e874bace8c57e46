package events_test

import (
	"context"
	stderrors "errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pharmapos/pharmapos-backend/internal/inventory/domain"
	"github.com/pharmapos/pharmapos-backend/internal/inventory/events"
	"github.com/pharmapos/pharmapos-backend/pkg/errors"
	"github.com/pharmapos/pharmapos-backend/pkg/logger"
	"github.com/pharmapos/pharmapos-backend/pkg/messaging"
	"github.com/pharmapos/pharmapos-backend/pkg/testutil"
)

func TestPublishStockAllocated(t *testing.T) {
	mock := testutil.NewMockPublisher()
	p := events.NewStockEventPublisherWith(mock, logger.Nop())

	plan := &domain.AllocationPlan{
		ProductID: "prod-1",
		Quantity:  6,
		Lines: []domain.AllocationLine{
			{BatchID: "B1", Qty: 5},
			{BatchID: "B2", Qty: 1},
		},
	}
	p.PublishStockAllocated(context.Background(), plan, "S-1", 42)

	got := mock.Events(messaging.EventStockAllocated)
	require.Len(t, got, 1)
	ev := got[0].(messaging.StockAllocatedEvent)
	assert.Equal(t, "S-1", ev.ReferenceID)
	assert.Equal(t, int64(42), ev.Version)
	assert.Equal(t, []messaging.AllocatedLine{{BatchID: "B1", Qty: 5}, {BatchID: "B2", Qty: 1}}, ev.Lines)
}

func TestPublishReturnProcessed_Writeoff(t *testing.T) {
	mock := testutil.NewMockPublisher()
	p := events.NewStockEventPublisherWith(mock, logger.Nop())

	p.PublishReturnProcessed(context.Background(), domain.LedgerEntry{
		BatchID:         "B1",
		ProductID:       "prod-1",
		Kind:            domain.KindReturnWriteoff,
		ReferenceID:     "R-1",
		OriginReference: "S-1",
		Quantity:        2,
		Quarantine:      true,
		Reason:          "damaged",
	}, 9)

	got := mock.Events(messaging.EventReturnProcessed)
	require.Len(t, got, 1)
	ev := got[0].(messaging.ReturnProcessedEvent)
	assert.False(t, ev.Restocked)
	assert.True(t, ev.Quarantined)
	assert.Equal(t, "S-1", ev.OriginalReference)
}

func TestPublishBatchExpiring_CarriesValue(t *testing.T) {
	mock := testutil.NewMockPublisher()
	p := events.NewStockEventPublisherWith(mock, logger.Nop())

	p.PublishBatchExpiring(context.Background(), domain.ExpiringBatch{
		Batch:         domain.Batch{ID: "B1", ProductID: "prod-1", QtyOnHand: 4},
		DaysRemaining: 12,
		ValueAtRisk:   decimal.RequireFromString("4800.50"),
	})

	ev := mock.Events(messaging.EventBatchExpiring)[0].(messaging.BatchExpiringEvent)
	assert.Equal(t, "4800.5", ev.ValueAtRisk)
	assert.Equal(t, 12, ev.DaysRemaining)
}

func TestPublishAllocationRejected_UsesErrorCode(t *testing.T) {
	mock := testutil.NewMockPublisher()
	p := events.NewStockEventPublisherWith(mock, logger.Nop())

	p.PublishAllocationRejected(context.Background(), "S-9", "prod-1", errors.InsufficientStock("prod-1", 10, 3))
	p.PublishAllocationRejected(context.Background(), "S-10", "prod-1", stderrors.New("boom"))

	got := mock.Events(messaging.EventAllocationRejected)
	require.Len(t, got, 2)
	first := got[0].(messaging.RejectionEvent)
	assert.Equal(t, "INSUFFICIENT_STOCK", first.Code)
	assert.Equal(t, "3", first.Details["available"])
	assert.Equal(t, "INTERNAL_ERROR", got[1].(messaging.RejectionEvent).Code)
}

func TestPublishFailureIsSwallowed(t *testing.T) {
	mock := testutil.NewMockPublisher()
	mock.Err = stderrors.New("broker down")
	p := events.NewStockEventPublisherWith(mock, logger.Nop())

	assert.NotPanics(t, func() {
		p.PublishStockLow(context.Background(), "prod-1", 2, 5)
	})
	mock.AssertNoEventsPublished(t)
}

func TestNilPublisherIsNoop(t *testing.T) {
	var p *events.StockEventPublisher
	assert.NotPanics(t, func() {
		p.PublishOpnameClosed(context.Background(), &domain.OpnameSession{ID: "x"})
	})
}
