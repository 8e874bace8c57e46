package domain

import (
	"fmt"
	"sort"
	"time"

	"github.com/pharmapos/pharmapos-backend/pkg/errors"
)

// EntryKind classifies a ledger entry
type EntryKind string

const (
	KindReceipt          EntryKind = "receipt"
	KindSale             EntryKind = "sale"
	KindReturnRestock    EntryKind = "return_restock"
	KindReturnWriteoff   EntryKind = "return_writeoff"
	KindOpnameAdjustment EntryKind = "opname_adjustment"
)

// IsValid checks if the kind is known
func (k EntryKind) IsValid() bool {
	switch k {
	case KindReceipt, KindSale, KindReturnRestock, KindReturnWriteoff, KindOpnameAdjustment:
		return true
	}
	return false
}

// IsReturn reports whether the kind settles part of an earlier sale
func (k EntryKind) IsReturn() bool {
	return k == KindReturnRestock || k == KindReturnWriteoff
}

// LedgerEntry is an immutable signed quantity change applied to one batch.
//
// Quantity is the number of units the entry covers. It equals |Delta| except for
// write-offs, which carry Delta 0 and the returned quantity.
// OriginReference links return entries to the sale reference they settle.
type LedgerEntry struct {
	ID              string    `db:"id" json:"id"`
	BatchID         string    `db:"batch_id" json:"batch_id"`
	ProductID       string    `db:"product_id" json:"product_id"`
	Delta           int64     `db:"delta" json:"delta"`
	Kind            EntryKind `db:"kind" json:"kind"`
	ReferenceID     string    `db:"reference_id" json:"reference_id"`
	OriginReference string    `db:"origin_reference" json:"origin_reference,omitempty"`
	Quantity        int64     `db:"quantity" json:"quantity"`
	Quarantine      bool      `db:"quarantine" json:"quarantine,omitempty"`
	Reason          string    `db:"reason" json:"reason,omitempty"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
	Seq             int64     `db:"seq" json:"seq"`
}

// Validate checks the sign rules of each entry kind
func (e LedgerEntry) Validate() error {
	if e.BatchID == "" {
		return errors.Validation(map[string]string{"batch_id": "is required"})
	}
	if !e.Kind.IsValid() {
		return errors.Validation(map[string]string{"kind": fmt.Sprintf("unknown entry kind %q", e.Kind)})
	}

	var ok bool
	switch e.Kind {
	case KindReceipt, KindReturnRestock:
		ok = e.Delta > 0
	case KindSale:
		ok = e.Delta < 0
	case KindReturnWriteoff:
		ok = e.Delta == 0 && e.Quantity > 0
	case KindOpnameAdjustment:
		ok = e.Delta != 0
	}
	if !ok {
		return errors.Validation(map[string]string{
			"delta": fmt.Sprintf("delta %d not allowed for %s entry", e.Delta, e.Kind),
		})
	}
	if e.Kind.IsReturn() && e.OriginReference == "" {
		return errors.Validation(map[string]string{"origin_reference": "is required for return entries"})
	}
	return nil
}

// Fold recomputes the projection fields from a batch's entry history
func Fold(entries []LedgerEntry) (qty int64, quarantined bool, lastSeq int64) {
	for _, e := range entries {
		qty += e.Delta
		if e.Quarantine {
			quarantined = true
		}
		if e.Seq > lastSeq {
			lastSeq = e.Seq
		}
	}
	return qty, quarantined, lastSeq
}

// Snapshot is a consistent read of every batch of one product.
// Version is the ledger position the read reflects and is the token
// commits must present.
type Snapshot struct {
	ProductID string  `json:"product_id"`
	Version   int64   `json:"version"`
	Batches   []Batch `json:"batches"`
}

// Sellable returns the batches with stock that are not quarantined, in FEFO order
func (s Snapshot) Sellable() []Batch {
	out := make([]Batch, 0, len(s.Batches))
	for _, b := range s.Batches {
		if b.Sellable() {
			out = append(out, b)
		}
	}
	SortFEFO(out)
	return out
}

// OnHand returns the summed quantity of all batches with stock
func (s Snapshot) OnHand() int64 {
	var total int64
	for _, b := range s.Batches {
		if b.QtyOnHand > 0 {
			total += b.QtyOnHand
		}
	}
	return total
}

// Find returns the batch with the given id
func (s Snapshot) Find(batchID string) (Batch, bool) {
	for _, b := range s.Batches {
		if b.ID == batchID {
			return b, true
		}
	}
	return Batch{}, false
}

// SortFEFO orders batches by expiry date, then received time, then id
func SortFEFO(batches []Batch) {
	sort.SliceStable(batches, func(i, j int) bool {
		bi, bj := batches[i], batches[j]
		if !bi.ExpireDate.Equal(bj.ExpireDate) {
			return bi.ExpireDate.Before(bj.ExpireDate)
		}
		if !bi.ReceivedAt.Equal(bj.ReceivedAt) {
			return bi.ReceivedAt.Before(bj.ReceivedAt)
		}
		return bi.ID < bj.ID
	})
}
