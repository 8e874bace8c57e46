package repository

import (
	"context"
	"sort"
	"sync"

	"github.com/pharmapos/pharmapos-backend/internal/inventory/domain"
	"github.com/pharmapos/pharmapos-backend/pkg/errors"
)

// MemoryStore is an in-process ledger store for tests and single-node development.
// A single mutex makes every append linearizable.
type MemoryStore struct {
	mu     sync.RWMutex
	seq    int64
	scopes map[string]*memoryScope
}

type memoryScope struct {
	batches map[string]*memoryBatch
	entries []domain.LedgerEntry
}

type memoryBatch struct {
	batch   domain.Batch
	history []domain.LedgerEntry
}

// NewMemoryStore creates an empty in-memory ledger store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{scopes: make(map[string]*memoryScope)}
}

func (s *MemoryStore) scope(name string) *memoryScope {
	sc, ok := s.scopes[name]
	if !ok {
		sc = &memoryScope{batches: make(map[string]*memoryBatch)}
		s.scopes[name] = sc
	}
	return sc
}

// CreateBatch registers a batch with its receipt entry
func (s *MemoryStore) CreateBatch(ctx context.Context, scope string, batch domain.Batch, receipt domain.LedgerEntry) (domain.Batch, error) {
	if receipt.Kind != domain.KindReceipt {
		return domain.Batch{}, errors.Validation(map[string]string{"kind": "batches are created by a receipt entry"})
	}
	receipt.BatchID = batch.ID
	receipt.ProductID = batch.ProductID
	if err := receipt.Validate(); err != nil {
		return domain.Batch{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sc := s.scope(scope)
	if _, exists := sc.batches[batch.ID]; exists {
		return domain.Batch{}, errors.DuplicateBatch(batch.ID)
	}

	s.seq++
	receipt.Seq = s.seq
	mb := &memoryBatch{batch: batch}
	mb.apply(receipt)
	sc.batches[batch.ID] = mb
	sc.entries = append(sc.entries, receipt)

	return mb.batch, nil
}

// Append commits entries after checking every touched batch against expectedVersion
func (s *MemoryStore) Append(ctx context.Context, scope string, expectedVersion int64, entries []domain.LedgerEntry, guards ...Guard) (int64, error) {
	product, err := validateEntries(entries)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sc := s.scope(scope)
	if len(guards) > 0 {
		if err := runGuards(ctx, sc.snapshot(product), guards); err != nil {
			return 0, err
		}
	}
	resulting := make(map[string]int64)
	for _, id := range touchedBatches(entries) {
		mb, ok := sc.batches[id]
		if !ok {
			return 0, errors.BatchNotFound(id)
		}
		if mb.batch.ProductID != product {
			return 0, errors.Validation(map[string]string{"batch_id": "batch " + id + " belongs to another product"})
		}
		if mb.batch.LastSeq > expectedVersion {
			return 0, errors.ConcurrencyConflict(id)
		}
		resulting[id] = mb.batch.QtyOnHand
	}
	for _, e := range entries {
		resulting[e.BatchID] += e.Delta
		if resulting[e.BatchID] < 0 {
			return 0, errors.Validation(map[string]string{"qty_on_hand": "batch " + e.BatchID + " would become negative"})
		}
	}

	for _, e := range entries {
		s.seq++
		e.Seq = s.seq
		sc.batches[e.BatchID].apply(e)
		sc.entries = append(sc.entries, e)
	}
	return s.seq, nil
}

func (mb *memoryBatch) apply(e domain.LedgerEntry) {
	mb.history = append(mb.history, e)
	mb.batch.QtyOnHand, mb.batch.Quarantined, mb.batch.LastSeq = domain.Fold(mb.history)
}

// Snapshot reads every batch of a product
func (s *MemoryStore) Snapshot(ctx context.Context, scope, productID string) (domain.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sc, ok := s.scopes[scope]
	if !ok {
		return domain.Snapshot{ProductID: productID, Batches: []domain.Batch{}}, nil
	}
	return sc.snapshot(productID), nil
}

// FencedSnapshot is Snapshot: appends hold the write lock for their whole run
func (s *MemoryStore) FencedSnapshot(ctx context.Context, scope, productID string) (domain.Snapshot, error) {
	return s.Snapshot(ctx, scope, productID)
}

// snapshot must be called with mu held
func (sc *memoryScope) snapshot(productID string) domain.Snapshot {
	snap := domain.Snapshot{ProductID: productID, Batches: []domain.Batch{}}
	for _, mb := range sc.batches {
		if mb.batch.ProductID != productID {
			continue
		}
		snap.Batches = append(snap.Batches, mb.batch)
		if mb.batch.LastSeq > snap.Version {
			snap.Version = mb.batch.LastSeq
		}
	}
	domain.SortFEFO(snap.Batches)
	return snap
}

// GetBatch returns one batch projection
func (s *MemoryStore) GetBatch(ctx context.Context, scope, batchID string) (domain.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if sc, ok := s.scopes[scope]; ok {
		if mb, ok := sc.batches[batchID]; ok {
			return mb.batch, nil
		}
	}
	return domain.Batch{}, errors.BatchNotFound(batchID)
}

// BatchHistory returns a batch and its entries
func (s *MemoryStore) BatchHistory(ctx context.Context, scope, batchID string) (domain.Batch, []domain.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if sc, ok := s.scopes[scope]; ok {
		if mb, ok := sc.batches[batchID]; ok {
			history := make([]domain.LedgerEntry, len(mb.history))
			copy(history, mb.history)
			return mb.batch, history, nil
		}
	}
	return domain.Batch{}, nil, errors.BatchNotFound(batchID)
}

// ListBatches lists batches of a scope in FEFO order
func (s *MemoryStore) ListBatches(ctx context.Context, scope string, filter BatchFilter) ([]domain.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []domain.Batch{}
	sc, ok := s.scopes[scope]
	if !ok {
		return out, nil
	}
	for _, mb := range sc.batches {
		b := mb.batch
		if filter.ProductID != "" && b.ProductID != filter.ProductID {
			continue
		}
		if filter.InStockOnly && b.QtyOnHand <= 0 {
			continue
		}
		if filter.ExpiresBy != nil && b.ExpireDate.After(*filter.ExpiresBy) {
			continue
		}
		out = append(out, b)
	}
	domain.SortFEFO(out)
	return out, nil
}

// QueryEntries returns matching entries in ledger order
func (s *MemoryStore) QueryEntries(ctx context.Context, scope string, filter EntryFilter) ([]domain.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []domain.LedgerEntry{}
	sc, ok := s.scopes[scope]
	if !ok {
		return out, nil
	}
	limit := filter.limit()
	for _, e := range sc.entries {
		if !filter.matches(e) {
			continue
		}
		out = append(out, e)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f EntryFilter) matches(e domain.LedgerEntry) bool {
	switch {
	case f.BatchID != "" && e.BatchID != f.BatchID:
		return false
	case f.ProductID != "" && e.ProductID != f.ProductID:
		return false
	case f.ReferenceID != "" && e.ReferenceID != f.ReferenceID:
		return false
	case f.OriginReference != "" && e.OriginReference != f.OriginReference:
		return false
	case f.Kind != "" && e.Kind != f.Kind:
		return false
	case f.From != nil && e.CreatedAt.Before(*f.From):
		return false
	case f.To != nil && e.CreatedAt.After(*f.To):
		return false
	}
	return true
}

// Scopes lists scopes with data
func (s *MemoryStore) Scopes(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	scopes := make([]string, 0, len(s.scopes))
	for name, sc := range s.scopes {
		if len(sc.batches) > 0 {
			scopes = append(scopes, name)
		}
	}
	sort.Strings(scopes)
	return scopes, nil
}

// MemorySessionRepository keeps opname sessions in memory
type MemorySessionRepository struct {
	mu       sync.Mutex
	sessions map[string]map[string]*domain.OpnameSession
}

// NewMemorySessionRepository creates an empty session repository
func NewMemorySessionRepository() *MemorySessionRepository {
	return &MemorySessionRepository{sessions: make(map[string]map[string]*domain.OpnameSession)}
}

// Create stores a new session
func (r *MemorySessionRepository) Create(ctx context.Context, scope string, s *domain.OpnameSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	byID, ok := r.sessions[scope]
	if !ok {
		byID = make(map[string]*domain.OpnameSession)
		r.sessions[scope] = byID
	}
	if _, exists := byID[s.ID]; exists {
		return errors.Conflict("opname session already exists")
	}
	byID[s.ID] = cloneSession(s)
	return nil
}

// Get returns a copy of a session
func (r *MemorySessionRepository) Get(ctx context.Context, scope, id string) (*domain.OpnameSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[scope][id]
	if !ok {
		return nil, errors.NotFound("opname session")
	}
	return cloneSession(s), nil
}

// List returns the sessions of a product, newest first
func (r *MemorySessionRepository) List(ctx context.Context, scope, productID string) ([]*domain.OpnameSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := []*domain.OpnameSession{}
	for _, s := range r.sessions[scope] {
		if productID == "" || s.ProductID == productID {
			out = append(out, cloneSession(s))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].OpenedAt.Equal(out[j].OpenedAt) {
			return out[i].OpenedAt.After(out[j].OpenedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Update applies fn to a working copy while holding the repository lock
func (r *MemorySessionRepository) Update(ctx context.Context, scope, id string, fn func(context.Context, *domain.OpnameSession) error) (*domain.OpnameSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.sessions[scope][id]
	if !ok {
		return nil, errors.NotFound("opname session")
	}

	working := cloneSession(current)
	if err := fn(ctx, working); err != nil {
		return nil, err
	}
	r.sessions[scope][id] = cloneSession(working)
	return working, nil
}

func cloneSession(s *domain.OpnameSession) *domain.OpnameSession {
	c := *s
	c.Lines = make([]domain.OpnameLine, len(s.Lines))
	for i, l := range s.Lines {
		if l.Counted != nil {
			v := *l.Counted
			l.Counted = &v
		}
		c.Lines[i] = l
	}
	return &c
}
