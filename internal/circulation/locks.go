// internal/circulation/locks.go
package circulation

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultLockTimeout bounds how long a transition waits for its book.
const DefaultLockTimeout = 5 * time.Second

// LockArena hands out one mutual-exclusion scope per book.
// Transitions on different books never wait on each other; waiters on the
// same book are served in arrival order. Entries are dropped once no goroutine
// holds or waits for them.
type LockArena struct {
	mu      sync.Mutex
	locks   map[uuid.UUID]*bookLock
	timeout time.Duration
}

type bookLock struct {
	sem  chan struct{}
	refs int
}

// NewLockArena creates an arena whose acquisitions give up after timeout.
func NewLockArena(timeout time.Duration) *LockArena {
	if timeout <= 0 {
		timeout = DefaultLockTimeout
	}
	return &LockArena{
		locks:   make(map[uuid.UUID]*bookLock),
		timeout: timeout,
	}
}

// Acquire blocks until the book is free, the context ends, or the arena
// timeout elapses (ErrBusy). The returned release func is safe to call twice.
func (a *LockArena) Acquire(ctx context.Context, bookID uuid.UUID) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l := a.ref(bookID)

	timer := time.NewTimer(a.timeout)
	defer timer.Stop()

	select {
	case l.sem <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-l.sem
				a.unref(bookID, l)
			})
		}, nil
	case <-ctx.Done():
		a.unref(bookID, l)
		return nil, ctx.Err()
	case <-timer.C:
		a.unref(bookID, l)
		return nil, ErrBusy
	}
}

// Len reports how many books currently have a holder or waiter.
func (a *LockArena) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.locks)
}

func (a *LockArena) ref(bookID uuid.UUID) *bookLock {
	a.mu.Lock()
	defer a.mu.Unlock()

	l, ok := a.locks[bookID]
	if !ok {
		l = &bookLock{sem: make(chan struct{}, 1)}
		a.locks[bookID] = l
	}
	l.refs++
	return l
}

func (a *LockArena) unref(bookID uuid.UUID, l *bookLock) {
	a.mu.Lock()
	defer a.mu.Unlock()

	l.refs--
	if l.refs == 0 {
		delete(a.locks, bookID)
	}
}
