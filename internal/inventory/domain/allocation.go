package domain

import (
	"time"

	"github.com/google/uuid"

	"github.com/pharmapos/pharmapos-backend/pkg/errors"
)

// AllocationPolicy tunes which batches the picker may consume
type AllocationPolicy struct {
	AllowExpired bool `json:"allow_expired"`
}

// AllocationLine is one (batch, qty) pick of a plan
type AllocationLine struct {
	BatchID    string    `json:"batch_id"`
	ExpireDate time.Time `json:"expire_date"`
	Qty        int64     `json:"qty"`
}

// AllocationPlan is the ordered FEFO pick for one sale line.
// It is only valid against the snapshot version it was computed from.
type AllocationPlan struct {
	ProductID string           `json:"product_id"`
	Quantity  int64            `json:"quantity"`
	Version   int64            `json:"version"`
	Policy    AllocationPolicy `json:"policy"`
	Lines     []AllocationLine `json:"lines"`
}

// IsEmpty reports whether the plan consumes nothing
func (p *AllocationPlan) IsEmpty() bool {
	return len(p.Lines) == 0
}

// Allocate picks qty units from the snapshot in FEFO order.
// Expired batches are skipped unless the policy allows them. The plan is all
// or nothing: when usable stock cannot cover qty, InsufficientStock is returned
// and no plan exists.
func Allocate(snap Snapshot, qty int64, policy AllocationPolicy, asOf time.Time) (*AllocationPlan, error) {
	if qty < 0 {
		return nil, errors.Validation(map[string]string{"qty": "must not be negative"})
	}

	plan := &AllocationPlan{
		ProductID: snap.ProductID,
		Quantity:  qty,
		Version:   snap.Version,
		Policy:    policy,
		Lines:     []AllocationLine{},
	}
	if qty == 0 {
		return plan, nil
	}

	var available int64
	candidates := make([]Batch, 0, len(snap.Batches))
	for _, b := range snap.Sellable() {
		if !policy.AllowExpired && b.IsExpired(asOf) {
			continue
		}
		candidates = append(candidates, b)
		available += b.QtyOnHand
	}
	if available < qty {
		return nil, errors.InsufficientStock(snap.ProductID, qty, available)
	}

	remaining := qty
	for _, b := range candidates {
		if remaining == 0 {
			break
		}
		take := b.QtyOnHand
		if take > remaining {
			take = remaining
		}
		plan.Lines = append(plan.Lines, AllocationLine{
			BatchID:    b.ID,
			ExpireDate: b.ExpireDate,
			Qty:        take,
		})
		remaining -= take
	}

	return plan, nil
}

// VerifyPlan checks a submitted plan against the current snapshot: its
// lines must be exactly what Allocate picks from snap for the plan's quantity
// and policy. A version the ledger has not reached, or an older version whose
// plan no longer matches, is a ConcurrencyConflict. A plan that does not match
// at the current version is invalid.
func VerifyPlan(snap Snapshot, plan *AllocationPlan, asOf time.Time) error {
	if plan.Version > snap.Version {
		return errors.ConcurrencyConflict("")
	}
	stale := plan.Version < snap.Version

	want, err := Allocate(snap, plan.Quantity, plan.Policy, asOf)
	if err != nil {
		if stale {
			return errors.ConcurrencyConflict("")
		}
		return err
	}
	if !sameLines(want.Lines, plan.Lines) {
		if stale {
			return errors.ConcurrencyConflict("")
		}
		return errors.Validation(map[string]string{
			"plan.lines": "do not match the FEFO allocation at this version",
		})
	}
	return nil
}

func sameLines(a, b []AllocationLine) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].BatchID != b[i].BatchID || a[i].Qty != b[i].Qty {
			return false
		}
	}
	return true
}

// Entries converts the plan into sale entries under the given reference
func (p *AllocationPlan) Entries(reference string, now time.Time) []LedgerEntry {
	entries := make([]LedgerEntry, 0, len(p.Lines))
	for _, line := range p.Lines {
		entries = append(entries, LedgerEntry{
			ID:          uuid.New().String(),
			BatchID:     line.BatchID,
			ProductID:   p.ProductID,
			Delta:       -line.Qty,
			Kind:        KindSale,
			ReferenceID: reference,
			Quantity:    line.Qty,
			CreatedAt:   now,
		})
	}
	return entries
}
