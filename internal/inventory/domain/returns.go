package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pharmapos/pharmapos-backend/pkg/errors"
)

// ReturnPolicy is the configured handling of one return reason code
type ReturnPolicy struct {
	Restock    bool `json:"restock"`
	Quarantine bool `json:"quarantine"`
}

// ReturnPolicies maps reason codes to their handling
type ReturnPolicies map[string]ReturnPolicy

// Resolve looks up the policy for a reason code. Unknown codes are rejected.
func (p ReturnPolicies) Resolve(reason string) (ReturnPolicy, error) {
	policy, ok := p[reason]
	if !ok {
		return ReturnPolicy{}, errors.Validation(map[string]string{
			"reason": fmt.Sprintf("unknown return reason %q", reason),
		})
	}
	return policy, nil
}

// ReturnRecord is a customer return against an earlier sale reference.
// ID becomes the reference of the ledger entry that records it.
type ReturnRecord struct {
	ID                string `json:"id"`
	OriginalReference string `json:"original_sale_reference" validate:"required"`
	BatchID           string `json:"batch_id" validate:"required"`
	QtyReturned       int64  `json:"qty_returned"`
	Reason            string `json:"reason" validate:"required"`
	// Restock overrides the policy default when set
	Restock *bool `json:"restock,omitempty"`
}

// Returnable is the quantity of a batch sold under reference that has not been returned yet
func Returnable(history []LedgerEntry, reference, batchID string) int64 {
	var sold, returned int64
	for _, e := range history {
		if e.BatchID != batchID {
			continue
		}
		switch {
		case e.Kind == KindSale && e.ReferenceID == reference:
			sold += -e.Delta
		case e.Kind.IsReturn() && e.OriginReference == reference:
			returned += e.Quantity
		}
	}
	return sold - returned
}

// BuildReturnEntry validates a return against the batch history and produces
// the single entry that records it. Restocked returns add stock back; others
// are written off with a zero delta and may quarantine the batch.
func BuildReturnEntry(rec ReturnRecord, policy ReturnPolicy, batch Batch, history []LedgerEntry, now time.Time) (LedgerEntry, error) {
	returnable := Returnable(history, rec.OriginalReference, rec.BatchID)
	if rec.QtyReturned <= 0 || rec.QtyReturned > returnable {
		return LedgerEntry{}, errors.InvalidReturnQuantity(rec.OriginalReference, rec.BatchID, rec.QtyReturned, returnable)
	}

	restock := policy.Restock
	if rec.Restock != nil {
		restock = *rec.Restock
	}
	if restock && policy.Quarantine {
		return LedgerEntry{}, errors.Validation(map[string]string{
			"restock": fmt.Sprintf("returns with reason %q cannot be restocked", rec.Reason),
		})
	}

	entry := LedgerEntry{
		ID:              uuid.New().String(),
		BatchID:         batch.ID,
		ProductID:       batch.ProductID,
		ReferenceID:     rec.ID,
		OriginReference: rec.OriginalReference,
		Quantity:        rec.QtyReturned,
		Reason:          rec.Reason,
		CreatedAt:       now,
	}
	if restock {
		entry.Kind = KindReturnRestock
		entry.Delta = rec.QtyReturned
	} else {
		entry.Kind = KindReturnWriteoff
		entry.Quarantine = policy.Quarantine
	}
	return entry, nil
}
