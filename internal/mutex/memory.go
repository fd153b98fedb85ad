package mutex

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"acf/internal/logging"
	"acf/internal/types"
)

// Memory is an in-process Mutex with full lease semantics: hard expiry,
// bounded waits, renewal, and token-scoped release. Waiters park on a
// per-entry channel that is closed on release, so a release wakes all
// waiters and exactly one wins the next acquisition.
type Memory struct {
	mu    sync.Mutex
	locks map[string]*entry

	// now is swappable for tests.
	now func() time.Time

	emit Emitter
}

type entry struct {
	token     string
	expiresAt time.Time
	released  chan struct{}
}

// NewMemory creates an in-memory session mutex. The emitter may be nil.
func NewMemory(emit Emitter) *Memory {
	return &Memory{
		locks: make(map[string]*entry),
		now:   time.Now,
		emit:  emit,
	}
}

// Acquire implements Mutex.
func (m *Memory) Acquire(ctx context.Context, key string, lease, wait time.Duration) (Lease, bool, error) {
	deadline := m.now().Add(wait)
	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		if l, ok := m.tryAcquire(key, lease); ok {
			logging.MutexDebug("acquired %s (lease %s)", key, lease)
			m.emit.emit(types.EventMutexAcquired, key)
			return l, true, nil
		}

		remaining := deadline.Sub(m.now())
		if remaining <= 0 {
			logging.MutexDebug("acquire %s timed out after %s", key, wait)
			return nil, false, nil
		}

		released, holderExpiry := m.waitTarget(key)
		sleep := remaining
		if until := holderExpiry.Sub(m.now()); until > 0 && until < sleep {
			// Wake when the holder's lease would expire, even if it
			// never releases.
			sleep = until
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(sleep)

		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case <-released:
		case <-timer.C:
		}
	}
}

// tryAcquire takes the lock if it is free or its holder's lease expired.
func (m *Memory) tryAcquire(key string, lease time.Duration) (Lease, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if e, held := m.locks[key]; held {
		if now.Before(e.expiresAt) {
			return nil, false
		}
		// Holder crashed or stalled past its lease; the lock is free.
		delete(m.locks, key)
		close(e.released)
		logging.Mutex("lease for %s expired; reclaiming", key)
	}

	e := &entry{
		token:     uuid.NewString(),
		expiresAt: now.Add(lease),
		released:  make(chan struct{}),
	}
	m.locks[key] = e
	return &memoryLease{m: m, key: key, token: e.token}, true
}

// waitTarget returns the current holder's release channel and expiry time.
// When the lock is free it returns a closed channel so the caller retries
// immediately.
func (m *Memory) waitTarget(key string) (chan struct{}, time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, held := m.locks[key]; held {
		return e.released, e.expiresAt
	}
	ch := make(chan struct{})
	close(ch)
	return ch, m.now()
}

// Held reports whether a live (unexpired) lease exists for key.
func (m *Memory) Held(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, held := m.locks[key]
	return held && m.now().Before(e.expiresAt)
}

type memoryLease struct {
	m     *Memory
	key   string
	token string
}

func (l *memoryLease) Key() string { return l.key }

func (l *memoryLease) Extend(ctx context.Context, lease time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	l.m.mu.Lock()
	defer l.m.mu.Unlock()

	e, held := l.m.locks[l.key]
	if !held || e.token != l.token {
		return false, nil
	}
	now := l.m.now()
	if !now.Before(e.expiresAt) {
		// Expired but not yet reclaimed; renewal after expiry is refused
		// because another worker may already be acquiring.
		return false, nil
	}
	e.expiresAt = now.Add(lease)
	logging.MutexDebug("extended %s (lease %s)", l.key, lease)
	l.m.emit.emit(types.EventMutexExtended, l.key)
	return true, nil
}

func (l *memoryLease) Release(ctx context.Context) error {
	l.m.mu.Lock()
	e, held := l.m.locks[l.key]
	if !held || e.token != l.token {
		// Already released, or expired and reclaimed by another holder.
		// Release is idempotent and must never disturb the new holder.
		l.m.mu.Unlock()
		return nil
	}
	delete(l.m.locks, l.key)
	close(e.released)
	l.m.mu.Unlock()

	logging.MutexDebug("released %s", l.key)
	l.m.emit.emit(types.EventMutexReleased, l.key)
	return nil
}
