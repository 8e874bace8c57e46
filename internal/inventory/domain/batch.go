package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/pharmapos/pharmapos-backend/pkg/errors"
)

// BatchStatus is the derived lifecycle state of a batch
type BatchStatus string

const (
	StatusActive      BatchStatus = "active"
	StatusDepleted    BatchStatus = "depleted"
	StatusExpired     BatchStatus = "expired"
	StatusQuarantined BatchStatus = "quarantined"
)

// Batch is a read-only projection over the ledger entries of one receipt.
// QtyOnHand, Quarantined and LastSeq are maintained by the ledger store and
// never written directly.
type Batch struct {
	ID          string          `db:"id" json:"id"`
	ProductID   string          `db:"product_id" json:"product_id"`
	SupplierID  string          `db:"supplier_id" json:"supplier_id"`
	ReceivedAt  time.Time       `db:"received_at" json:"received_at"`
	ExpireDate  time.Time       `db:"expire_date" json:"expire_date"`
	UnitCost    decimal.Decimal `db:"unit_cost" json:"unit_cost"`
	QtyOnHand   int64           `db:"qty_on_hand" json:"qty_on_hand"`
	Quarantined bool            `db:"quarantined" json:"quarantined"`
	LastSeq     int64           `db:"last_seq" json:"version"`
	Status      BatchStatus     `db:"-" json:"status"`
}

// StatusAt derives the batch status at asOf.
// Quarantine wins over everything, then depletion, then expiry.
func (b Batch) StatusAt(asOf time.Time) BatchStatus {
	switch {
	case b.Quarantined:
		return StatusQuarantined
	case b.QtyOnHand == 0:
		return StatusDepleted
	case b.IsExpired(asOf):
		return StatusExpired
	default:
		return StatusActive
	}
}

// WithStatus returns a copy of the batch with Status filled for asOf
func (b Batch) WithStatus(asOf time.Time) Batch {
	b.Status = b.StatusAt(asOf)
	return b
}

// IsExpired reports whether the expiry date lies before the calendar day of asOf.
// A batch stays usable through its expiry date.
func (b Batch) IsExpired(asOf time.Time) bool {
	return dateOf(b.ExpireDate).Before(dateOf(asOf))
}

// DaysUntilExpiry returns whole days from asOf to the expiry date; negative once expired
func (b Batch) DaysUntilExpiry(asOf time.Time) int {
	return int(dateOf(b.ExpireDate).Sub(dateOf(asOf)).Hours() / 24)
}

// Sellable reports whether the batch can be picked by allocation at all
func (b Batch) Sellable() bool {
	return b.QtyOnHand > 0 && !b.Quarantined
}

// NewBatch describes a goods receipt that creates a batch
type NewBatch struct {
	ID         string          `json:"id"`
	ProductID  string          `json:"product_id" validate:"required"`
	SupplierID string          `json:"supplier_id" validate:"required"`
	ReceivedAt time.Time       `json:"received_at"`
	ExpireDate time.Time       `json:"expire_date" validate:"required"`
	UnitCost   decimal.Decimal `json:"unit_cost"`
	Quantity   int64           `json:"quantity" validate:"required,gt=0"`
	Reference  string          `json:"reference_id"`
}

// Validate checks the receipt fields that struct tags cannot express
func (n NewBatch) Validate() error {
	details := map[string]string{}
	if n.ProductID == "" {
		details["product_id"] = "is required"
	}
	if n.SupplierID == "" {
		details["supplier_id"] = "is required"
	}
	if n.ExpireDate.IsZero() {
		details["expire_date"] = "is required"
	}
	if n.Quantity <= 0 {
		details["quantity"] = "must be greater than 0"
	}
	if n.UnitCost.IsNegative() {
		details["unit_cost"] = "must not be negative"
	}
	if !n.ReceivedAt.IsZero() && !n.ExpireDate.IsZero() && dateOf(n.ExpireDate).Before(dateOf(n.ReceivedAt)) {
		details["expire_date"] = "must not be before received_at"
	}
	if len(details) > 0 {
		return errors.Validation(details)
	}
	return nil
}

// Batch builds the empty projection for the receipt; quantities come from the receipt entry
func (n NewBatch) Batch() Batch {
	return Batch{
		ID:         n.ID,
		ProductID:  n.ProductID,
		SupplierID: n.SupplierID,
		ReceivedAt: n.ReceivedAt,
		ExpireDate: dateOf(n.ExpireDate),
		UnitCost:   n.UnitCost,
	}
}

// ReceiptEntry builds the entry that brings the received quantity onto the batch
func (n NewBatch) ReceiptEntry(now time.Time) LedgerEntry {
	return LedgerEntry{
		ID:          uuid.New().String(),
		BatchID:     n.ID,
		ProductID:   n.ProductID,
		Delta:       n.Quantity,
		Kind:        KindReceipt,
		ReferenceID: n.Reference,
		Quantity:    n.Quantity,
		CreatedAt:   now,
	}
}

func dateOf(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
