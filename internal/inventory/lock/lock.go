// Package lock provides the per-product opname lock.
//
// While a product is being counted the lock is held under a key derived from
// the tenant scope and product; stock-moving commits check the holder and are
// refused with OpnameLocked. The TTL is a safeguard against a crashed counter,
// not the normal release path.
package lock

import (
	"context"
	"time"
)

// Locker grants exclusive, expiring locks identified by an opaque token
type Locker interface {
	// Acquire takes key for ttl and returns the holder token.
	// Fails with errors.ErrOpnameLocked when the key is already held.
	Acquire(ctx context.Context, key string, ttl time.Duration) (string, error)

	// Release frees key if token still holds it. Releasing a lock that expired
	// or was never held is not an error.
	Release(ctx context.Context, key, token string) error

	// Holder returns the token currently holding key
	Holder(ctx context.Context, key string) (string, bool, error)
}

// OpnameKey is the lock key guarding one product in one scope
func OpnameKey(scope, productID string) string {
	return "opname:" + scope + ":" + productID
}
