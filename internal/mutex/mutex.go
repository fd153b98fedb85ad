// Package mutex implements the session mutex: a mutual-exclusion lock keyed
// by serialized SessionKey, with a bounded lease, bounded acquisition wait,
// renewal, and idempotent release. It is the strongest guarantee in the
// runtime: it prevents two concurrent turn executions for one conversation.
package mutex

import (
	"context"
	"time"

	"acf/internal/types"
)

// Mutex is the distributed lock contract. Production deployments back this
// with a shared store; the in-memory implementation in this package serves
// single-process deployments and tests.
type Mutex interface {
	// Acquire blocks up to wait for the lock. ok=false means another turn
	// is in flight and the wait timed out; that is a signal, not an error.
	// The returned lease auto-expires server-side after the lease duration
	// unless extended.
	Acquire(ctx context.Context, key string, lease, wait time.Duration) (Lease, bool, error)
}

// Lease is one successful acquisition. Extend and Release act only on this
// acquisition: releasing an expired lease whose key has since been acquired
// by another holder never disturbs that holder.
type Lease interface {
	Key() string
	// Extend renews the lease for another lease duration from now.
	// ok=false means the lease already expired or was released.
	Extend(ctx context.Context, lease time.Duration) (bool, error)
	// Release frees the lock. Idempotent; safe on an expired lease.
	Release(ctx context.Context) error
}

// Emitter publishes mutex lifecycle events. Nil-safe.
type Emitter func(ev types.Event)

func (e Emitter) emit(eventType, key string) {
	if e == nil {
		return
	}
	e(types.Event{
		Type:       eventType,
		SessionKey: key,
		Timestamp:  time.Now().UTC(),
	})
}
