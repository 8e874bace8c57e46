package testutil

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pharmapos/pharmapos-backend/internal/inventory/domain"
)

// FixtureDate is the reference "today" used by stock fixtures
var FixtureDate = time.Date(2025, time.March, 1, 9, 0, 0, 0, time.UTC)

// Day returns FixtureDate shifted by n days, truncated to midnight UTC
func Day(n int) time.Time {
	d := FixtureDate.AddDate(0, 0, n)
	return time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC)
}

// FixtureFactory creates test fixtures with sensible defaults
type FixtureFactory struct {
	sequence int
}

// NewFixtureFactory creates a new fixture factory
func NewFixtureFactory() *FixtureFactory {
	return &FixtureFactory{sequence: 0}
}

// nextSeq returns the next sequence number for unique values
func (f *FixtureFactory) nextSeq() int {
	f.sequence++
	return f.sequence
}

// Batch creates a goods-receipt fixture: 10 units of prod-1 expiring in 180 days
func (f *FixtureFactory) Batch(opts ...func(*domain.NewBatch)) domain.NewBatch {
	seq := f.nextSeq()

	nb := domain.NewBatch{
		ID:         fmt.Sprintf("B%03d", seq),
		ProductID:  "prod-1",
		SupplierID: "sup-1",
		ReceivedAt: FixtureDate.Add(time.Duration(seq) * time.Minute),
		ExpireDate: Day(180),
		UnitCost:   decimal.NewFromInt(1000),
		Quantity:   10,
		Reference:  fmt.Sprintf("GR-%03d", seq),
	}

	for _, opt := range opts {
		opt(&nb)
	}

	return nb
}

// WithBatchID sets the batch ID
func WithBatchID(id string) func(*domain.NewBatch) {
	return func(nb *domain.NewBatch) {
		nb.ID = id
	}
}

// WithProduct sets the product ID
func WithProduct(productID string) func(*domain.NewBatch) {
	return func(nb *domain.NewBatch) {
		nb.ProductID = productID
	}
}

// WithQuantity sets the received quantity
func WithQuantity(qty int64) func(*domain.NewBatch) {
	return func(nb *domain.NewBatch) {
		nb.Quantity = qty
	}
}

// WithExpiry sets the expire date
func WithExpiry(expire time.Time) func(*domain.NewBatch) {
	return func(nb *domain.NewBatch) {
		nb.ExpireDate = expire
	}
}

