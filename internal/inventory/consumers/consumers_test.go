package consumers

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pharmapos/pharmapos-backend/internal/inventory/domain"
	"github.com/pharmapos/pharmapos-backend/internal/inventory/events"
	"github.com/pharmapos/pharmapos-backend/internal/inventory/lock"
	"github.com/pharmapos/pharmapos-backend/internal/inventory/repository"
	"github.com/pharmapos/pharmapos-backend/internal/inventory/service"
	"github.com/pharmapos/pharmapos-backend/pkg/errors"
	"github.com/pharmapos/pharmapos-backend/pkg/logger"
	"github.com/pharmapos/pharmapos-backend/pkg/messaging"
	"github.com/pharmapos/pharmapos-backend/pkg/testutil"
)

var receivedAt = time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)

type fixture struct {
	store    *repository.MemoryStore
	locker   *lock.MemoryLocker
	pub      *testutil.MockPublisher
	registry *service.RegistryService
	receipts *GoodsReceiptConsumer
	sales    *SalesConsumer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:  repository.NewMemoryStore(),
		locker: lock.NewMemoryLocker(),
		pub:    testutil.NewMockPublisher(),
	}
	log := logger.Nop()
	clock := func() time.Time { return receivedAt.Add(time.Hour) }
	publisher := events.NewStockEventPublisherWith(f.pub, log)

	f.registry = service.NewRegistryService(f.store, nil, publisher, log).WithClock(clock)
	allocation := service.NewAllocationService(f.store, f.locker, nil, publisher, log).WithClock(clock)
	returns := service.NewReturnService(f.store, f.locker, domain.ReturnPolicies{
		"customer_return": {Restock: true},
		"damaged":         {Quarantine: true},
	}, publisher, log).WithClock(clock)

	f.receipts = &GoodsReceiptConsumer{registry: f.registry, logger: log}
	f.sales = &SalesConsumer{
		registry:   f.registry,
		allocation: allocation,
		returns:    returns,
		publisher:  publisher,
		logger:     log,
	}
	return f
}

func event(t *testing.T, eventType string, data interface{}) *messaging.Event {
	t.Helper()
	ev, err := messaging.NewEvent(eventType, "test", "corr-1", data)
	require.NoError(t, err)
	return ev
}

func (f *fixture) qty(t *testing.T, batchID string) int64 {
	t.Helper()
	b, err := f.store.GetBatch(context.Background(), "default", batchID)
	require.NoError(t, err)
	return b.QtyOnHand
}

func (f *fixture) receipt(t *testing.T, lines ...messaging.GoodsReceiptLine) *messaging.Event {
	return event(t, messaging.EventGoodsReceiptPosted, messaging.GoodsReceiptPostedEvent{
		ReceiptID:  "GR-1",
		SupplierID: "sup-1",
		ReceivedAt: receivedAt,
		Lines:      lines,
	})
}

func line(batchID string, qty int64) messaging.GoodsReceiptLine {
	return messaging.GoodsReceiptLine{
		BatchID:    batchID,
		ProductID:  "prod-1",
		Quantity:   qty,
		ExpireDate: receivedAt.AddDate(1, 0, 0),
		UnitCost:   "1250.50",
	}
}

func TestGoodsReceipt_CreatesBatchesIdempotently(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ev := f.receipt(t, line("B1", 10), line("B2", 5))

	require.NoError(t, f.receipts.handleGoodsReceiptPosted(ctx, ev))
	require.NoError(t, f.receipts.handleGoodsReceiptPosted(ctx, ev), "redelivery is acknowledged")

	assert.Equal(t, int64(10), f.qty(t, "B1"))
	assert.Equal(t, int64(5), f.qty(t, "B2"))
	assert.Len(t, f.pub.Events(messaging.EventBatchReceived), 2)

	b, err := f.store.GetBatch(ctx, "default", "B1")
	require.NoError(t, err)
	assert.Equal(t, "1250.5", b.UnitCost.String())
}

func TestGoodsReceipt_BadLineIsParked(t *testing.T) {
	f := newFixture(t)
	ev := f.receipt(t, line("B1", 0), line("B2", 5))

	err := f.receipts.handleGoodsReceiptPosted(context.Background(), ev)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrValidation))
	assert.Equal(t, messaging.DeadLetter, messaging.DispositionFor(err, 0))

	// the good line is still booked
	assert.Equal(t, int64(5), f.qty(t, "B2"))
}

func TestSaleDispensed_BooksOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.receipts.handleGoodsReceiptPosted(ctx, f.receipt(t, line("B1", 10))))

	ev := event(t, messaging.EventSaleDispensed, messaging.SaleDispensedEvent{
		ReferenceID: "S-1", ProductID: "prod-1", Quantity: 3,
	})
	require.NoError(t, f.sales.handleSaleDispensed(ctx, ev))
	require.NoError(t, f.sales.handleSaleDispensed(ctx, ev))

	assert.Equal(t, int64(7), f.qty(t, "B1"))
	assert.Len(t, f.pub.Events(messaging.EventStockAllocated), 1)
}

func TestSaleDispensed_InsufficientStockIsRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.receipts.handleGoodsReceiptPosted(ctx, f.receipt(t, line("B1", 2))))

	err := f.sales.handleSaleDispensed(ctx, event(t, messaging.EventSaleDispensed, messaging.SaleDispensedEvent{
		ReferenceID: "S-1", ProductID: "prod-1", Quantity: 3,
	}))
	require.NoError(t, err)
	assert.Equal(t, messaging.Ack, messaging.DispositionFor(err, 0))

	rejected := f.pub.Events(messaging.EventAllocationRejected)
	require.Len(t, rejected, 1)
	assert.Equal(t, "INSUFFICIENT_STOCK", rejected[0].(messaging.RejectionEvent).Code)
	assert.Equal(t, "S-1", rejected[0].(messaging.RejectionEvent).ReferenceID)
	assert.Equal(t, int64(2), f.qty(t, "B1"))
}

func TestSaleDispensed_LockedProductIsRequeued(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.receipts.handleGoodsReceiptPosted(ctx, f.receipt(t, line("B1", 2))))

	_, err := f.locker.Acquire(ctx, lock.OpnameKey("default", "prod-1"), time.Hour)
	require.NoError(t, err)

	err = f.sales.handleSaleDispensed(ctx, event(t, messaging.EventSaleDispensed, messaging.SaleDispensedEvent{
		ReferenceID: "S-1", ProductID: "prod-1", Quantity: 1,
	}))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrOpnameLocked))
	assert.Equal(t, messaging.Requeue, messaging.DispositionFor(err, 0))
	f.pub.AssertEventNotPublished(t, messaging.EventAllocationRejected)
}

func TestSaleReturned(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.receipts.handleGoodsReceiptPosted(ctx, f.receipt(t, line("B1", 10))))
	require.NoError(t, f.sales.handleSaleDispensed(ctx, event(t, messaging.EventSaleDispensed, messaging.SaleDispensedEvent{
		ReferenceID: "S-1", ProductID: "prod-1", Quantity: 4,
	})))

	ret := event(t, messaging.EventSaleReturned, messaging.SaleReturnedEvent{
		ReturnID: "R-1", OriginalReference: "S-1", BatchID: "B1", Quantity: 2, Reason: "customer_return",
	})
	require.NoError(t, f.sales.handleSaleReturned(ctx, ret))
	require.NoError(t, f.sales.handleSaleReturned(ctx, ret))
	assert.Equal(t, int64(8), f.qty(t, "B1"))
	assert.Len(t, f.pub.Events(messaging.EventReturnProcessed), 1)

	over := event(t, messaging.EventSaleReturned, messaging.SaleReturnedEvent{
		ReturnID: "R-2", OriginalReference: "S-1", BatchID: "B1", Quantity: 3, Reason: "customer_return",
	})
	require.NoError(t, f.sales.handleSaleReturned(ctx, over))

	rejected := f.pub.Events(messaging.EventReturnRejected)
	require.Len(t, rejected, 1)
	assert.Equal(t, "INVALID_RETURN_QUANTITY", rejected[0].(messaging.RejectionEvent).Code)
	assert.Equal(t, "2", rejected[0].(messaging.RejectionEvent).Details["returnable"])
	assert.Equal(t, int64(8), f.qty(t, "B1"))
}

func TestSaleReturned_MissingReturnID(t *testing.T) {
	f := newFixture(t)

	err := f.sales.handleSaleReturned(context.Background(), event(t, messaging.EventSaleReturned, messaging.SaleReturnedEvent{
		OriginalReference: "S-1", BatchID: "B1", Quantity: 1, Reason: "customer_return",
	}))
	require.NoError(t, err)
	f.pub.AssertEventPublished(t, messaging.EventReturnRejected)
}
