package circulation_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"librarycirc/internal/circulation"
)

func TestLockArenaTimesOut(t *testing.T) {
	arena := circulation.NewLockArena(10 * time.Millisecond)
	bookID := uuid.New()

	release, err := arena.Acquire(context.Background(), bookID)
	require.NoError(t, err)

	_, err = arena.Acquire(context.Background(), bookID)
	require.ErrorIs(t, err, circulation.ErrBusy)

	release()
	release()

	again, err := arena.Acquire(context.Background(), bookID)
	require.NoError(t, err)
	again()
	assert.Equal(t, 0, arena.Len())
}

func TestLockArenaHonoursContext(t *testing.T) {
	arena := circulation.NewLockArena(time.Minute)
	bookID := uuid.New()

	release, err := arena.Acquire(context.Background(), bookID)
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = arena.Acquire(ctx, bookID)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, arena.Len())
}

func TestLockArenaSeparatesBooks(t *testing.T) {
	arena := circulation.NewLockArena(10 * time.Millisecond)

	first, err := arena.Acquire(context.Background(), uuid.New())
	require.NoError(t, err)
	defer first()
	second, err := arena.Acquire(context.Background(), uuid.New())
	require.NoError(t, err)
	defer second()

	assert.Equal(t, 2, arena.Len())
}

func TestLockArenaServesWaitersInOrder(t *testing.T) {
	arena := circulation.NewLockArena(time.Second)
	bookID := uuid.New()

	release, err := arena.Acquire(context.Background(), bookID)
	require.NoError(t, err)

	const waiters = 5
	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			unlock, err := arena.Acquire(context.Background(), bookID)
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			unlock()
		}(i)
		// Let each waiter park on the semaphore before the next one arrives.
		time.Sleep(5 * time.Millisecond)
	}

	release()
	wg.Wait()
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
	assert.Equal(t, 0, arena.Len())
}

func TestLockArenaCancelledContext(t *testing.T) {
	arena := circulation.NewLockArena(time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := arena.Acquire(ctx, uuid.New())
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, arena.Len())
}
