package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/infusion/internal/domain"
)

const (
	ledgerLockKey      = "ledger"
	lockRetryInitial   = 5 * time.Millisecond
	lockRetryMax       = 200 * time.Millisecond
	defaultLockMaxWait = 5 * time.Second
)

// SerializedStore wraps a LedgerStore so that updates from every instance
// sharing the lock manager run one at a time. Reads pass through.
type SerializedStore struct {
	inner   domain.LedgerStore
	locks   domain.LockManager
	ttl     time.Duration
	maxWait time.Duration
	logger  *slog.Logger
}

// NewSerializedStore wraps inner. ttl bounds how long a crashed holder can
// block others; it must exceed the slowest update.
func NewSerializedStore(inner domain.LedgerStore, locks domain.LockManager, ttl time.Duration, logger *slog.Logger) *SerializedStore {
	return &SerializedStore{
		inner:   inner,
		locks:   locks,
		ttl:     ttl,
		maxWait: defaultLockMaxWait,
		logger:  logger.With(slog.String("component", "serialized_store")),
	}
}

// View reads through without locking.
func (s *SerializedStore) View(ctx context.Context, fn func(ctx context.Context, r domain.LedgerReader) error) error {
	return s.inner.View(ctx, fn)
}

// Update takes the ledger lock, retrying with backoff for up to maxWait, and
// then runs the inner update. It fails with domain.ErrLockHeld when the lock
// stays busy.
func (s *SerializedStore) Update(ctx context.Context, fn func(ctx context.Context, tx domain.LedgerTx) error) ([]domain.Event, error) {
	unlock, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return s.inner.Update(ctx, fn)
}

func (s *SerializedStore) acquire(ctx context.Context) (func(), error) {
	deadline := time.Now().Add(s.maxWait)
	wait := lockRetryInitial
	for attempt := 1; ; attempt++ {
		unlock, err := s.locks.Acquire(ctx, ledgerLockKey, s.ttl)
		if err == nil {
			if attempt > 1 {
				s.logger.DebugContext(ctx, "ledger lock acquired", slog.Int("attempts", attempt))
			}
			return unlock, nil
		}
		if !errors.Is(err, domain.ErrLockHeld) {
			return nil, fmt.Errorf("service: ledger lock: %w", err)
		}
		if time.Now().Add(wait).After(deadline) {
			s.logger.WarnContext(ctx, "ledger lock busy", slog.Int("attempts", attempt))
			return nil, fmt.Errorf("service: ledger lock after %d attempts: %w", attempt, domain.ErrLockHeld)
		}

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, fmt.Errorf("service: ledger lock: %w", ctx.Err())
		case <-t.C:
		}
		wait = min(wait*2, lockRetryMax)
	}
}

var _ domain.LedgerStore = (*SerializedStore)(nil)
