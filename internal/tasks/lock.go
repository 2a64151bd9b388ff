package tasks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/desertthunder/tracksync/internal/catalog"
	"github.com/desertthunder/tracksync/internal/models"
	"github.com/desertthunder/tracksync/internal/shared"
)

// LockManager implements lease locks on catalog items using only read and conditional patch.
//
// Every write is followed by a settle delay and a re-read: a store that evaluates conditions against a stale read
// can let two writers through, and only the one whose nonce survived holds the lock.
type LockManager struct {
	store    catalog.Store
	selector *Selector
	settle   time.Duration
	timeout  time.Duration
	pageSize int
	clock    Clock
	logger   *log.Logger
}

// LockOption configures a [LockManager].
type LockOption func(*LockManager)

// WithLockClock replaces the wall clock.
func WithLockClock(c Clock) LockOption {
	return func(m *LockManager) { m.clock = c }
}

// WithLockLogger sets the logger.
func WithLockLogger(l *log.Logger) LockOption {
	return func(m *LockManager) { m.logger = l }
}

// WithStoreTimeout bounds every store call made by the manager.
func WithStoreTimeout(d time.Duration) LockOption {
	return func(m *LockManager) { m.timeout = d }
}

// WithSweepPageSize sets the page size used by [LockManager.SweepStale].
func WithSweepPageSize(n int) LockOption {
	return func(m *LockManager) { m.pageSize = n }
}

// NewLockManager creates a lock manager waiting settle between each lock write and its verification.
func NewLockManager(store catalog.Store, settle time.Duration, opts ...LockOption) *LockManager {
	m := &LockManager{
		store:    store,
		selector: NewSelector(store),
		settle:   settle,
		pageSize: 50,
		clock:    realClock{},
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = defaultLogger(m.logger)
	return m
}

func (m *LockManager) get(ctx context.Context, id string) (*models.CatalogItem, error) {
	ctx, cancel := withTimeout(ctx, m.timeout)
	defer cancel()
	return m.store.Get(ctx, id)
}

func (m *LockManager) patch(ctx context.Context, id string, p *catalog.Patch) error {
	ctx, cancel := withTimeout(ctx, m.timeout)
	defer cancel()
	return m.store.Patch(ctx, id, p)
}

// Acquire tries to take the lease on itemID for holder.
//
// Losing to another holder returns (nil, false, nil). Errors are store failures.
func (m *LockManager) Acquire(ctx context.Context, itemID, holder string, ttl time.Duration) (*models.LockToken, bool, error) {
	item, err := m.get(ctx, itemID)
	if err != nil {
		return nil, false, fmt.Errorf("failed to read %s before locking: %w", itemID, err)
	}

	now := m.clock.Now()
	if item.Lock.Live(now) && item.Lock.Holder != holder {
		return nil, false, nil
	}

	tok := &models.LockToken{Holder: holder, Nonce: uuid.NewString(), AcquiredAt: now, ExpiresAt: now.Add(ttl)}
	err = m.patch(ctx, itemID, catalog.NewPatch().SetLock(tok).When(catalog.LockFree(holder, now)))
	switch {
	case errors.Is(err, shared.ErrConditionFailed):
		return nil, false, nil
	case err != nil:
		return nil, false, fmt.Errorf("failed to write lock on %s: %w", itemID, err)
	}

	held, err := m.settleAndCheck(ctx, itemID, tok)
	if err != nil || !held {
		if err != nil {
			m.releaseDetached(ctx, itemID, tok)
		}
		return nil, false, err
	}
	return tok, true, nil
}

func (m *LockManager) settleAndCheck(ctx context.Context, itemID string, tok *models.LockToken) (bool, error) {
	if err := m.clock.Sleep(ctx, m.settle); err != nil {
		return false, err
	}
	cur, err := m.get(ctx, itemID)
	if err != nil {
		return false, fmt.Errorf("failed to re-read lock on %s: %w", itemID, err)
	}
	return cur.Lock.Owns(tok.Holder, tok.Nonce), nil
}

// Renew extends a held lease, returning the replacement token. A lease that is no longer ours returns
// [shared.ErrLockLost].
func (m *LockManager) Renew(ctx context.Context, itemID string, tok *models.LockToken, ttl time.Duration) (*models.LockToken, error) {
	if tok == nil {
		return nil, fmt.Errorf("%w: no token for %s", shared.ErrLockLost, itemID)
	}

	item, err := m.get(ctx, itemID)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s before renewing: %w", itemID, err)
	}
	if !item.Lock.Owns(tok.Holder, tok.Nonce) {
		return nil, fmt.Errorf("%w: %s now held by %s", shared.ErrLockLost, itemID, item.Lock)
	}

	now := m.clock.Now()
	next := &models.LockToken{Holder: tok.Holder, Nonce: uuid.NewString(), AcquiredAt: now, ExpiresAt: now.Add(ttl)}
	err = m.patch(ctx, itemID, catalog.NewPatch().SetLock(next).When(catalog.HeldBy(tok.Holder, tok.Nonce)))
	switch {
	case errors.Is(err, shared.ErrConditionFailed):
		return nil, fmt.Errorf("%w: %s changed hands while renewing", shared.ErrLockLost, itemID)
	case err != nil:
		return nil, fmt.Errorf("failed to renew lock on %s: %w", itemID, err)
	}

	held, err := m.settleAndCheck(ctx, itemID, next)
	if err != nil {
		return nil, err
	}
	if !held {
		return nil, fmt.Errorf("%w: %s taken over after renewal", shared.ErrLockLost, itemID)
	}
	return next, nil
}

// Release clears the lock if tok still holds it. Releasing a lock that is gone or owned by someone else is a no-op.
func (m *LockManager) Release(ctx context.Context, itemID string, tok *models.LockToken) error {
	if tok == nil {
		return nil
	}
	err := m.patch(ctx, itemID, catalog.NewPatch().SetLock(nil).When(catalog.HeldBy(tok.Holder, tok.Nonce)))
	if err == nil || errors.Is(err, shared.ErrConditionFailed) || errors.Is(err, shared.ErrItemNotFound) {
		return nil
	}
	return fmt.Errorf("failed to release lock on %s: %w", itemID, err)
}

func (m *LockManager) releaseDetached(ctx context.Context, itemID string, tok *models.LockToken) {
	ctx, cancel := detached(ctx, m.timeout)
	defer cancel()
	if err := m.Release(ctx, itemID, tok); err != nil {
		m.logger.Warn("lock release failed, leaving it to expire", "item", itemID, "error", err)
	}
}

// Verify reports whether tok still holds a live lock on itemID.
func (m *LockManager) Verify(ctx context.Context, itemID string, tok *models.LockToken) (bool, error) {
	item, err := m.get(ctx, itemID)
	if err != nil {
		return false, fmt.Errorf("failed to verify lock on %s: %w", itemID, err)
	}
	return tok != nil && item.Lock.Owns(tok.Holder, tok.Nonce) && item.Lock.Live(m.clock.Now()), nil
}

// SweepResult counts what one sweep did.
type SweepResult struct {
	Scanned int // items carrying any lock
	Cleared int // stale locks removed
	Reset   int // crashed items returned to discovered
	Errors  int // writes that failed for reasons other than a lost race
}

// SweepStale clears every lock that expired or was acquired more than ttl ago, and returns items left in
// processing by a crashed worker to discovered. Each clear is conditional on the stale holder, so a lock renewed
// or retaken meanwhile is left alone. Only failing to enumerate the store is an error.
func (m *LockManager) SweepStale(ctx context.Context, ttl time.Duration) (SweepResult, error) {
	var res SweepResult
	now := m.clock.Now()

	for item, err := range m.selector.Items(ctx, catalog.FilterLocked, m.pageSize) {
		if err != nil {
			return res, fmt.Errorf("%w: sweep query failed: %v", shared.ErrStoreUnreachable, err)
		}
		res.Scanned++
		if !item.Lock.Stale(now, ttl) {
			continue
		}

		p := catalog.NewPatch().SetLock(nil).When(catalog.HeldBy(item.Lock.Holder, item.Lock.Nonce))
		reset := item.State == models.StateProcessing || item.State == models.StateLocked
		if reset {
			p.SetState(models.StateDiscovered)
		}

		err := m.patch(ctx, item.ID, p)
		switch {
		case errors.Is(err, shared.ErrConditionFailed), errors.Is(err, shared.ErrItemNotFound):
			continue
		case err != nil:
			res.Errors++
			m.logger.Error("failed to clear stale lock", "item", item.ID, "holder", item.Lock.Holder, "error", err)
			continue
		}

		res.Cleared++
		if reset {
			res.Reset++
		}
		m.logger.Info("cleared stale lock", "item", item.ID, "holder", item.Lock.Holder, "acquired", item.Lock.AcquiredAt)
	}
	return res, nil
}
