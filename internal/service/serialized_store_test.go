package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/infusion/internal/domain"
	"github.com/alanyoungcy/infusion/internal/store/memory"
)

// localLocks is a process-local domain.LockManager.
type localLocks struct {
	mu       sync.Mutex
	held     map[string]bool
	attempts atomic.Int64
	err      error
}

func newLocalLocks() *localLocks { return &localLocks{held: make(map[string]bool)} }

func (l *localLocks) Acquire(_ context.Context, key string, _ time.Duration) (func(), error) {
	l.attempts.Add(1)
	if l.err != nil {
		return nil, l.err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] {
		return nil, domain.ErrLockHeld
	}
	l.held[key] = true
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.held, key)
	}, nil
}

func TestSerializedStoreRunsUpdatesOneAtATime(t *testing.T) {
	locks := newLocalLocks()
	s := NewSerializedStore(memory.NewLedgerStore(), locks, time.Second, quietLogger())

	var inside, maxInside atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Update(context.Background(), func(ctx context.Context, tx domain.LedgerTx) error {
				n := inside.Add(1)
				for {
					m := maxInside.Load()
					if n <= m || maxInside.CompareAndSwap(m, n) {
						break
					}
				}
				time.Sleep(2 * time.Millisecond)
				inside.Add(-1)
				_, err := tx.NextPositionID(ctx)
				return err
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), maxInside.Load())
	assert.Greater(t, locks.attempts.Load(), int64(8), "contended callers retried")
}

func TestSerializedStoreGivesUpWhenLockStaysBusy(t *testing.T) {
	locks := newLocalLocks()
	unlock, err := locks.Acquire(context.Background(), ledgerLockKey, time.Second)
	require.NoError(t, err)
	defer unlock()

	s := NewSerializedStore(memory.NewLedgerStore(), locks, time.Second, quietLogger())
	s.maxWait = 30 * time.Millisecond

	_, err = s.Update(context.Background(), func(context.Context, domain.LedgerTx) error {
		t.Fatal("update ran without the lock")
		return nil
	})
	require.ErrorIs(t, err, domain.ErrLockHeld)
}

func TestSerializedStoreHonoursContext(t *testing.T) {
	locks := newLocalLocks()
	unlock, err := locks.Acquire(context.Background(), ledgerLockKey, time.Second)
	require.NoError(t, err)
	defer unlock()

	s := NewSerializedStore(memory.NewLedgerStore(), locks, time.Second, quietLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = s.Update(ctx, func(context.Context, domain.LedgerTx) error { return nil })
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSerializedStoreSurfacesBackendErrors(t *testing.T) {
	locks := newLocalLocks()
	locks.err = errors.New("redis unavailable")
	s := NewSerializedStore(memory.NewLedgerStore(), locks, time.Second, quietLogger())

	_, err := s.Update(context.Background(), func(context.Context, domain.LedgerTx) error { return nil })
	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrLockHeld)
	assert.Equal(t, int64(1), locks.attempts.Load())
}
