package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pharmapos/pharmapos-backend/pkg/errors"
)

type memoryLease struct {
	token   string
	expires time.Time
}

// MemoryLocker is a process-local Locker for single-node deployments and tests
type MemoryLocker struct {
	mu     sync.Mutex
	leases map[string]memoryLease
	now    func() time.Time
}

// NewMemoryLocker creates an empty MemoryLocker
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{
		leases: make(map[string]memoryLease),
		now:    time.Now,
	}
}

// WithClock replaces the time source, for tests
func (l *MemoryLocker) WithClock(now func() time.Time) *MemoryLocker {
	l.now = now
	return l
}

// Acquire takes key unless a live lease exists
func (l *MemoryLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, held := l.live(key); held {
		return "", errors.OpnameLocked(productOf(key))
	}

	token := uuid.New().String()
	l.leases[key] = memoryLease{token: token, expires: l.now().Add(ttl)}
	return token, nil
}

// Release drops the lease if token owns it
func (l *MemoryLocker) Release(ctx context.Context, key, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if lease, ok := l.leases[key]; ok && lease.token == token {
		delete(l.leases, key)
	}
	return nil
}

// Holder returns the live lease token of key
func (l *MemoryLocker) Holder(ctx context.Context, key string) (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	lease, ok := l.live(key)
	return lease.token, ok, nil
}

// live returns the unexpired lease of key, dropping an expired one
func (l *MemoryLocker) live(key string) (memoryLease, bool) {
	lease, ok := l.leases[key]
	if !ok {
		return memoryLease{}, false
	}
	if !l.now().Before(lease.expires) {
		delete(l.leases, key)
		return memoryLease{}, false
	}
	return lease, true
}

// productOf recovers the product id from an OpnameKey for error details
func productOf(key string) string {
	for i := len(key) - 1; i >= 0; i-- {
		if key[i] == ':' {
			return key[i+1:]
		}
	}
	return key
}
