package tasks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/desertthunder/tracksync/internal/catalog"
	"github.com/desertthunder/tracksync/internal/models"
	"github.com/desertthunder/tracksync/internal/shared"
)

func TestLockManager(t *testing.T) {
	ctx := context.Background()

	t.Run("Acquire", func(t *testing.T) {
		t.Run("free item", func(t *testing.T) {
			f := newFixture(track(1))
			tok, ok, err := f.locks().Acquire(ctx, "item-01", "p1", ttl)
			if err != nil || !ok {
				t.Fatalf("expected lock, got ok=%v err=%v", ok, err)
			}
			if tok.Nonce == "" {
				t.Error("expected a nonce")
			}
			if !tok.AcquiredAt.Equal(t0) || !tok.ExpiresAt.Equal(t0.Add(ttl)) {
				t.Errorf("unexpected lease %v - %v", tok.AcquiredAt, tok.ExpiresAt)
			}
			if stored := f.store.Item("item-01"); !stored.Lock.Owns("p1", tok.Nonce) {
				t.Errorf("expected stored lock for p1, got %v", stored.Lock)
			}
		})

		t.Run("held by another live holder", func(t *testing.T) {
			f := newFixture(track(1))
			m := f.locks()
			if _, ok, _ := m.Acquire(ctx, "item-01", "p1", ttl); !ok {
				t.Fatal("expected p1 to lock")
			}
			tok, ok, err := m.Acquire(ctx, "item-01", "p2", ttl)
			if err != nil {
				t.Fatalf("expected no error, got %v", err)
			}
			if ok || tok != nil {
				t.Error("expected p2 to be refused")
			}
		})

		t.Run("same holder takes a new nonce", func(t *testing.T) {
			f := newFixture(track(1))
			m := f.locks()
			first, _, _ := m.Acquire(ctx, "item-01", "p1", ttl)
			second, ok, err := m.Acquire(ctx, "item-01", "p1", ttl)
			if err != nil || !ok {
				t.Fatalf("expected relock, got ok=%v err=%v", ok, err)
			}
			if first.Nonce == second.Nonce {
				t.Error("expected a fresh nonce")
			}
		})

		t.Run("expired lock is free", func(t *testing.T) {
			f := newFixture(track(1))
			m := f.locks()
			m.Acquire(ctx, "item-01", "p1", ttl)
			f.clock.Advance(ttl + time.Second)
			if _, ok, err := m.Acquire(ctx, "item-01", "p2", ttl); err != nil || !ok {
				t.Fatalf("expected p2 to take the expired lock, got ok=%v err=%v", ok, err)
			}
		})

		t.Run("overwritten before settle", func(t *testing.T) {
			f := newFixture(track(1))
			f.store.Atomic = false
			fired := false
			f.store.OnPatch = func(id string, p *catalog.Patch) {
				if fired {
					return
				}
				fired = true
				rival := &models.LockToken{Holder: "p2", Nonce: "rival", AcquiredAt: t0, ExpiresAt: t0.Add(ttl)}
				f.store.Patch(ctx, id, catalog.NewPatch().SetLock(rival))
			}

			tok, ok, err := f.locks().Acquire(ctx, "item-01", "p1", ttl)
			if err != nil {
				t.Fatalf("expected no error, got %v", err)
			}
			if ok || tok != nil {
				t.Error("expected p1 to lose after re-reading")
			}
			if stored := f.store.Item("item-01"); stored.Lock.Holder != "p2" {
				t.Errorf("expected p2 to keep the lock, got %v", stored.Lock)
			}
		})

		t.Run("missing item", func(t *testing.T) {
			f := newFixture()
			_, _, err := f.locks().Acquire(ctx, "nope", "p1", ttl)
			if !errors.Is(err, shared.ErrItemNotFound) {
				t.Errorf("expected ErrItemNotFound, got %v", err)
			}
		})
	})

	t.Run("Renew", func(t *testing.T) {
		f := newFixture(track(1))
		m := f.locks()
		tok, _, _ := m.Acquire(ctx, "item-01", "p1", ttl)

		f.clock.Advance(10 * time.Minute)
		next, err := m.Renew(ctx, "item-01", tok, ttl)
		if err != nil {
			t.Fatalf("expected renewal, got %v", err)
		}
		if next.Nonce == tok.Nonce {
			t.Error("expected renewal to rotate the nonce")
		}
		if !next.ExpiresAt.After(tok.ExpiresAt) {
			t.Errorf("expected later expiry, got %v", next.ExpiresAt)
		}

		if _, err := m.Renew(ctx, "item-01", tok, ttl); !errors.Is(err, shared.ErrLockLost) {
			t.Errorf("expected the superseded token to be rejected, got %v", err)
		}
		if _, err := m.Renew(ctx, "item-01", nil, ttl); !errors.Is(err, shared.ErrLockLost) {
			t.Errorf("expected nil token to be rejected, got %v", err)
		}
	})

	t.Run("Release", func(t *testing.T) {
		f := newFixture(track(1))
		m := f.locks()
		tok, _, _ := m.Acquire(ctx, "item-01", "p1", ttl)

		if err := m.Release(ctx, "item-01", tok); err != nil {
			t.Fatalf("expected release, got %v", err)
		}
		if err := m.Release(ctx, "item-01", tok); err != nil {
			t.Errorf("expected second release to be a no-op, got %v", err)
		}
		if stored := f.store.Item("item-01"); stored.Lock != nil {
			t.Errorf("expected lock cleared, got %v", stored.Lock)
		}

		other, _, _ := m.Acquire(ctx, "item-01", "p2", ttl)
		if err := m.Release(ctx, "item-01", tok); err != nil {
			t.Errorf("expected stale release to be a no-op, got %v", err)
		}
		if stored := f.store.Item("item-01"); !stored.Lock.Owns("p2", other.Nonce) {
			t.Errorf("expected p2 to keep its lock, got %v", stored.Lock)
		}
		if err := m.Release(ctx, "gone", tok); err != nil {
			t.Errorf("expected releasing a missing item to be a no-op, got %v", err)
		}
	})

	t.Run("Verify", func(t *testing.T) {
		f := newFixture(track(1))
		m := f.locks()
		tok, _, _ := m.Acquire(ctx, "item-01", "p1", ttl)

		if held, err := m.Verify(ctx, "item-01", tok); err != nil || !held {
			t.Errorf("expected held lock, got held=%v err=%v", held, err)
		}
		f.clock.Advance(ttl)
		if held, _ := m.Verify(ctx, "item-01", tok); held {
			t.Error("expected expired lock to fail verification")
		}
	})
}

func TestSweepStale(t *testing.T) {
	ctx := context.Background()

	t.Run("reclaims a lock acquired more than ttl ago", func(t *testing.T) {
		f := newFixture(track(1), track(2))
		m := f.locks()
		m.Acquire(ctx, "item-01", "crashed", ttl)
		f.store.Patch(ctx, "item-01", catalog.NewPatch().SetState(models.StateProcessing))

		f.clock.Set(t0.Add(31 * time.Minute))
		res, err := m.SweepStale(ctx, ttl)
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if res.Scanned != 1 || res.Cleared != 1 || res.Reset != 1 {
			t.Errorf("unexpected sweep result %+v", res)
		}

		stored := f.store.Item("item-01")
		if stored.Lock != nil {
			t.Errorf("expected lock cleared, got %v", stored.Lock)
		}
		if stored.State != models.StateDiscovered {
			t.Errorf("expected item returned to discovered, got %s", stored.State)
		}
	})

	t.Run("leaves live locks alone", func(t *testing.T) {
		f := newFixture(track(1))
		m := f.locks()
		tok, _, _ := m.Acquire(ctx, "item-01", "p1", ttl)

		f.clock.Advance(5 * time.Minute)
		res, err := m.SweepStale(ctx, ttl)
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if res.Scanned != 1 || res.Cleared != 0 {
			t.Errorf("unexpected sweep result %+v", res)
		}
		if stored := f.store.Item("item-01"); !stored.Lock.Owns("p1", tok.Nonce) {
			t.Errorf("expected lock kept, got %v", stored.Lock)
		}
	})

	t.Run("completed items keep their state", func(t *testing.T) {
		item := track(1)
		item.State = models.StateComplete
		item.Lock = &models.LockToken{Holder: "crashed", Nonce: "n", AcquiredAt: t0.Add(-time.Hour), ExpiresAt: t0.Add(-30 * time.Minute)}
		f := newFixture(item)

		res, err := f.locks().SweepStale(ctx, ttl)
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if res.Cleared != 1 || res.Reset != 0 {
			t.Errorf("unexpected sweep result %+v", res)
		}
		if stored := f.store.Item("item-01"); stored.State != models.StateComplete {
			t.Errorf("expected complete, got %s", stored.State)
		}
	})

	t.Run("write failures are counted", func(t *testing.T) {
		item := track(1)
		item.Lock = &models.LockToken{Holder: "crashed", Nonce: "n", ExpiresAt: t0.Add(-time.Minute)}
		f := newFixture(item)
		f.store.FailPatch = func(string, *catalog.Patch) error { return shared.ErrStoreUnreachable }

		res, err := f.locks().SweepStale(ctx, ttl)
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if res.Errors != 1 || res.Cleared != 0 {
			t.Errorf("unexpected sweep result %+v", res)
		}
	})

	t.Run("query failure", func(t *testing.T) {
		f := newFixture(track(1))
		f.store.FailQuery = errors.New("connection refused")
		if _, err := f.locks().SweepStale(ctx, ttl); !errors.Is(err, shared.ErrStoreUnreachable) {
			t.Errorf("expected ErrStoreUnreachable, got %v", err)
		}
	})

	t.Run("takeover after sweep", func(t *testing.T) {
		f := newFixture(track(1))
		m := f.locks()
		if _, ok, _ := m.Acquire(ctx, "item-01", "P1", ttl); !ok {
			t.Fatal("expected P1 to lock")
		}

		f.clock.Set(t0.Add(ttl + time.Second))
		res, err := m.SweepStale(ctx, ttl)
		if err != nil || res.Cleared != 1 {
			t.Fatalf("expected P1's lock cleared, got %+v err=%v", res, err)
		}

		tok, ok, err := m.Acquire(ctx, "item-01", "P2", ttl)
		if err != nil || !ok {
			t.Fatalf("expected P2 to lock, got ok=%v err=%v", ok, err)
		}
		if stored := f.store.Item("item-01"); !stored.Lock.Owns("P2", tok.Nonce) {
			t.Errorf("expected P2 to hold the lock, got %v", stored.Lock)
		}
	})
}
