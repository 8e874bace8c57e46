package domain

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// ExpiringBatch is a near-expiry row with the stock value it puts at risk
type ExpiringBatch struct {
	Batch         Batch           `json:"batch"`
	DaysRemaining int             `json:"days_remaining"`
	ValueAtRisk   decimal.Decimal `json:"value_at_risk"`
}

// NearExpiry selects batches with stock whose expiry lies within thresholdDays
// of asOf, already expired ones included with negative days. Quarantined stock
// is listed too, with its quarantined status, since its value is still at risk.
// Rows are sorted by days remaining, then FEFO tie-breaks.
func NearExpiry(batches []Batch, thresholdDays int, asOf time.Time) []ExpiringBatch {
	candidates := make([]Batch, 0, len(batches))
	for _, b := range batches {
		if b.QtyOnHand <= 0 {
			continue
		}
		if b.DaysUntilExpiry(asOf) > thresholdDays {
			continue
		}
		candidates = append(candidates, b)
	}
	SortFEFO(candidates)

	out := make([]ExpiringBatch, 0, len(candidates))
	for _, b := range candidates {
		out = append(out, ExpiringBatch{
			Batch:         b.WithStatus(asOf),
			DaysRemaining: b.DaysUntilExpiry(asOf),
			ValueAtRisk:   b.UnitCost.Mul(decimal.NewFromInt(b.QtyOnHand)),
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].DaysRemaining < out[j].DaysRemaining
	})
	return out
}
