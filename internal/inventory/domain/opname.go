package domain

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/pharmapos/pharmapos-backend/pkg/errors"
)

// OpnameStatus represents the state of a physical count session
type OpnameStatus string

const (
	OpnameDraft      OpnameStatus = "draft"
	OpnameCounting   OpnameStatus = "counting"
	OpnameReconciled OpnameStatus = "reconciled"
	OpnameClosed     OpnameStatus = "closed"
	OpnameAbandoned  OpnameStatus = "abandoned"
)

// IsValid checks if the status is a valid OpnameStatus
func (s OpnameStatus) IsValid() bool {
	switch s {
	case OpnameDraft, OpnameCounting, OpnameReconciled, OpnameClosed, OpnameAbandoned:
		return true
	}
	return false
}

// CanTransitionTo checks if the status can transition to the target status
func (s OpnameStatus) CanTransitionTo(target OpnameStatus) bool {
	switch s {
	case OpnameDraft:
		return target == OpnameCounting || target == OpnameAbandoned
	case OpnameCounting:
		return target == OpnameReconciled || target == OpnameAbandoned
	case OpnameReconciled:
		return target == OpnameClosed
	case OpnameClosed, OpnameAbandoned:
		return false
	}
	return false
}

// IsTerminal reports whether no further transition is possible
func (s OpnameStatus) IsTerminal() bool {
	return s == OpnameClosed || s == OpnameAbandoned
}

// HoldsLock reports whether a session in this status owns the product scope lock
func (s OpnameStatus) HoldsLock() bool {
	return s == OpnameCounting || s == OpnameReconciled
}

// OpnameLine is the expected and counted quantity of one batch
type OpnameLine struct {
	BatchID    string    `json:"batch_id"`
	ExpireDate time.Time `json:"expire_date"`
	Expected   int64     `json:"expected"`
	Counted    *int64    `json:"counted,omitempty"`
	Variance   int64     `json:"variance"`
	// Stale marks a counted batch that dropped out of a refreshed snapshot; it produces no adjustment
	Stale bool `json:"stale,omitempty"`
}

// OpnameSession is a physical count of one product reconciled against the ledger
type OpnameSession struct {
	ID               string       `json:"id"`
	ProductID        string       `json:"product_id"`
	Status           OpnameStatus `json:"status"`
	SnapshotVersion  int64        `json:"snapshot_version"`
	Lines            []OpnameLine `json:"lines"`
	LockToken        string       `json:"-"`
	CommittedVersion int64        `json:"committed_version,omitempty"`
	Adjustments      int          `json:"adjustments"`
	OpenedAt         time.Time    `json:"opened_at"`
	CountingAt       *time.Time   `json:"counting_at,omitempty"`
	ReconciledAt     *time.Time   `json:"reconciled_at,omitempty"`
	ClosedAt         *time.Time   `json:"closed_at,omitempty"`
	UpdatedAt        time.Time    `json:"updated_at"`
}

// NewOpnameSession opens a draft session with the expected quantities of snap
func NewOpnameSession(snap Snapshot, now time.Time) *OpnameSession {
	s := &OpnameSession{
		ID:        uuid.New().String(),
		ProductID: snap.ProductID,
		Status:    OpnameDraft,
		OpenedAt:  now,
		UpdatedAt: now,
	}
	s.refresh(snap)
	return s
}

func (s *OpnameSession) transition(target OpnameStatus, now time.Time) error {
	if !s.Status.CanTransitionTo(target) {
		return errors.InvalidTransition(string(s.Status), string(target))
	}
	s.Status = target
	s.UpdatedAt = now
	return nil
}

// StartCounting moves a draft into counting under the acquired lock token.
// The expected quantities are re-read from snap, taken after the lock was granted.
func (s *OpnameSession) StartCounting(token string, snap Snapshot, now time.Time) error {
	if err := s.transition(OpnameCounting, now); err != nil {
		return err
	}
	s.LockToken = token
	s.CountingAt = &now
	s.refresh(snap)
	return nil
}

// RecordCount stores the physical count of a batch in the session
func (s *OpnameSession) RecordCount(batchID string, qty int64, now time.Time) error {
	if s.Status != OpnameCounting {
		return errors.InvalidTransition(string(s.Status), "record_count")
	}
	if qty < 0 {
		return errors.Validation(map[string]string{"counted": "must not be negative"})
	}

	line := s.line(batchID)
	if line == nil || line.Stale {
		return errors.BatchNotFound(batchID)
	}
	counted := qty
	line.Counted = &counted
	s.UpdatedAt = now
	return nil
}

// Reconcile closes counting and computes counted - expected per batch.
// Batches never counted are taken as matching the ledger.
func (s *OpnameSession) Reconcile(now time.Time) error {
	if err := s.transition(OpnameReconciled, now); err != nil {
		return err
	}
	s.ReconciledAt = &now
	s.computeVariances()
	return nil
}

// AdjustmentEntries returns one opname_adjustment entry per non-zero variance
func (s *OpnameSession) AdjustmentEntries(now time.Time) []LedgerEntry {
	var entries []LedgerEntry
	for _, l := range s.Lines {
		if l.Variance == 0 {
			continue
		}
		qty := l.Variance
		if qty < 0 {
			qty = -qty
		}
		entries = append(entries, LedgerEntry{
			ID:          uuid.New().String(),
			BatchID:     l.BatchID,
			ProductID:   s.ProductID,
			Delta:       l.Variance,
			Kind:        KindOpnameAdjustment,
			ReferenceID: s.ID,
			Quantity:    qty,
			CreatedAt:   now,
		})
	}
	return entries
}

// Close marks a reconciled session as applied at the committed ledger version
func (s *OpnameSession) Close(committedVersion int64, adjustments int, now time.Time) error {
	if err := s.transition(OpnameClosed, now); err != nil {
		return err
	}
	s.CommittedVersion = committedVersion
	s.Adjustments = adjustments
	s.ClosedAt = &now
	s.LockToken = ""
	return nil
}

// Rebase keeps a reconciled session reconciled after a failed close, re-reading
// the expected quantities from snap. Operator counts are kept.
func (s *OpnameSession) Rebase(snap Snapshot, now time.Time) error {
	if s.Status != OpnameReconciled {
		return errors.InvalidTransition(string(s.Status), string(OpnameReconciled))
	}
	s.refresh(snap)
	s.computeVariances()
	s.UpdatedAt = now
	return nil
}

// Abandon discards the session and its counts
func (s *OpnameSession) Abandon(now time.Time) error {
	if err := s.transition(OpnameAbandoned, now); err != nil {
		return err
	}
	for i := range s.Lines {
		s.Lines[i].Counted = nil
		s.Lines[i].Variance = 0
	}
	s.LockToken = ""
	s.ClosedAt = &now
	return nil
}

// Expected returns the expected snapshot keyed by batch id
func (s *OpnameSession) Expected() map[string]int64 {
	out := make(map[string]int64, len(s.Lines))
	for _, l := range s.Lines {
		if !l.Stale {
			out[l.BatchID] = l.Expected
		}
	}
	return out
}

// Counted returns the counted snapshot keyed by batch id
func (s *OpnameSession) Counted() map[string]int64 {
	out := make(map[string]int64, len(s.Lines))
	for _, l := range s.Lines {
		if l.Counted != nil {
			out[l.BatchID] = *l.Counted
		}
	}
	return out
}

// Variances returns the non-zero variances keyed by batch id
func (s *OpnameSession) Variances() map[string]int64 {
	out := make(map[string]int64)
	for _, l := range s.Lines {
		if l.Variance != 0 {
			out[l.BatchID] = l.Variance
		}
	}
	return out
}

func (s *OpnameSession) line(batchID string) *OpnameLine {
	for i := range s.Lines {
		if s.Lines[i].BatchID == batchID {
			return &s.Lines[i]
		}
	}
	return nil
}

// refresh rebuilds the expected side from snap. Only batches with stock are
// expected, so a count can never resurrect a depleted batch.
func (s *OpnameSession) refresh(snap Snapshot) {
	counts := s.Counted()

	batches := make([]Batch, 0, len(snap.Batches))
	for _, b := range snap.Batches {
		if b.QtyOnHand > 0 {
			batches = append(batches, b)
		}
	}
	SortFEFO(batches)

	lines := make([]OpnameLine, 0, len(batches))
	seen := make(map[string]bool, len(batches))
	for _, b := range batches {
		line := OpnameLine{BatchID: b.ID, ExpireDate: b.ExpireDate, Expected: b.QtyOnHand}
		if c, ok := counts[b.ID]; ok {
			c := c
			line.Counted = &c
		}
		lines = append(lines, line)
		seen[b.ID] = true
	}

	// counts whose batch is no longer expected stay visible but inert
	var stale []string
	for id := range counts {
		if !seen[id] {
			stale = append(stale, id)
		}
	}
	sort.Strings(stale)
	for _, id := range stale {
		c := counts[id]
		lines = append(lines, OpnameLine{BatchID: id, Counted: &c, Stale: true})
	}

	s.Lines = lines
	s.SnapshotVersion = snap.Version
}

func (s *OpnameSession) computeVariances() {
	for i := range s.Lines {
		l := &s.Lines[i]
		if l.Stale || l.Counted == nil {
			l.Variance = 0
			continue
		}
		l.Variance = *l.Counted - l.Expected
	}
}
