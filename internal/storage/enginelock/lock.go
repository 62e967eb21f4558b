// Package enginelock implements the single, owner-aware reader/writer
// lock that serializes access to one DOM storage file. Acquisition is
// timeout-bounded and reentrant: an owner that already holds the lock
// in a compatible mode may acquire it again without blocking on
// itself.
package enginelock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sushant-115/domstore/internal/storage/storeerr"
)

// OwnerID identifies the acquisition context (one per active session).
type OwnerID = uuid.UUID

// NewOwnerID issues a fresh owner handle for a new session.
func NewOwnerID() OwnerID { return uuid.New() }

// Mode is the lock discipline requested by an acquisition.
type Mode int

const (
	Shared Mode = iota
	Exclusive
)

type holder struct {
	mode  Mode
	count int // reentrant acquisition count for this owner
}

// RWLock is a single advisory reader/writer lock keyed by owner. It
// does not itself prevent mutation without acquisition; callers must
// acquire before touching engine state.
type RWLock struct {
	mu      sync.Mutex
	cond    *sync.Cond
	holders map[OwnerID]*holder
	// exclusiveHeld is true while any holder has Exclusive; sharedCount
	// counts active Shared holders. Both are derived from holders but
	// kept denormalized for O(1) compatibility checks.
	exclusiveHeld bool
	sharedCount   int

	timeout time.Duration
}

// New returns a lock with the given default acquisition timeout.
func New(timeout time.Duration) *RWLock {
	l := &RWLock{
		holders: make(map[OwnerID]*holder),
		timeout: timeout,
	}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// Acquire blocks until owner can hold mode, or until the lock's
// configured timeout elapses, returning storeerr.ErrLockTimeout.
// Re-entrant: an owner already holding a compatible mode may acquire
// again immediately, incrementing its hold count.
func (l *RWLock) Acquire(owner OwnerID, mode Mode) error {
	ctx, cancel := context.WithTimeout(context.Background(), l.timeout)
	defer cancel()
	return l.AcquireContext(ctx, owner, mode)
}

// AcquireContext is Acquire bounded by ctx instead of the lock's
// default timeout.
func (l *RWLock) AcquireContext(ctx context.Context, owner OwnerID, mode Mode) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if h, ok := l.holders[owner]; ok && l.compatibleWithSelf(h, mode) {
		h.count++
		if mode == Exclusive && h.mode == Shared {
			h.mode = Exclusive
			l.sharedCount--
			l.exclusiveHeld = true
		}
		return nil
	}

	done := make(chan struct{})
	timedOut := false
	go func() {
		select {
		case <-ctx.Done():
			l.mu.Lock()
			timedOut = true
			l.mu.Unlock()
			l.cond.Broadcast()
		case <-done:
		}
	}()
	defer close(done)

	for !l.compatible(mode) {
		if timedOut {
			return storeerr.ErrLockTimeout
		}
		l.cond.Wait()
		if timedOut {
			return storeerr.ErrLockTimeout
		}
	}

	l.holders[owner] = &holder{mode: mode, count: 1}
	if mode == Exclusive {
		l.exclusiveHeld = true
	} else {
		l.sharedCount++
	}
	return nil
}

// compatibleWithSelf reports whether owner, already holding h, may
// acquire mode again without waiting. An exclusive holder may
// re-acquire in either mode, and a shared holder may re-acquire Shared.
// A shared holder may upgrade itself to Exclusive only while it is the
// sole shared holder; otherwise it waits like any other acquirer, and
// since its own shared hold keeps the lock incompatible, that wait ends
// in ErrLockTimeout.
func (l *RWLock) compatibleWithSelf(h *holder, mode Mode) bool {
	if h.mode == Exclusive {
		return true
	}
	if mode == Shared {
		return true
	}
	// Requesting Exclusive while self holds Shared: only safe if no
	// other owner also holds Shared.
	return l.sharedCount <= 1
}

// compatible reports whether mode may be granted given current holders.
func (l *RWLock) compatible(mode Mode) bool {
	if len(l.holders) == 0 {
		return true
	}
	if mode == Shared {
		return !l.exclusiveHeld
	}
	return !l.exclusiveHeld && l.sharedCount == 0
}

// Release drops one acquisition by owner. The final release for an
// owner clears its holder entry and wakes waiters.
func (l *RWLock) Release(owner OwnerID) {
	l.mu.Lock()
	defer l.mu.Unlock()

	h, ok := l.holders[owner]
	if !ok {
		return
	}
	h.count--
	if h.count > 0 {
		return
	}
	if h.mode == Exclusive {
		l.exclusiveHeld = false
	} else {
		l.sharedCount--
	}
	delete(l.holders, owner)
	l.cond.Broadcast()
}

// Enter marks owner as active without changing lock state, mirroring
// the source's session-registration hook. It is a no-op here; sessions
// are tracked by the owner handle itself.
func (l *RWLock) Enter(owner OwnerID) {}

// HoldsExclusive reports whether any owner currently holds the lock in
// Exclusive mode. Intended for tests and diagnostics.
func (l *RWLock) HoldsExclusive() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.exclusiveHeld
}
