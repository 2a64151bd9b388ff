package tasks

import (
	"context"
	"errors"
	"testing"

	"github.com/desertthunder/tracksync/internal/catalog"
	"github.com/desertthunder/tracksync/internal/models"
	"github.com/desertthunder/tracksync/internal/services"
	"github.com/desertthunder/tracksync/internal/shared"
)

func TestRecorder(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T) (*fixture, *Recorder, *models.CatalogItem, *models.LockToken) {
		t.Helper()
		f := newFixture(track(1))
		locks := f.locks()
		tok, ok, err := locks.Acquire(ctx, "item-01", "p1", ttl)
		if err != nil || !ok {
			t.Fatalf("failed to lock: ok=%v err=%v", ok, err)
		}
		item := f.store.Item("item-01")
		return f, NewRecorder(f.store, locks, services.NewVerifier(f.library), 0, quietLogger()), item, tok
	}

	libraryArtifact := func(id string) []models.ArtifactRef {
		return []models.ArtifactRef{{Kind: models.ArtifactPrimary, Type: models.ArtifactLibrary, Location: id}}
	}

	t.Run("Complete writes the flag last", func(t *testing.T) {
		f, rec, item, tok := setup(t)
		f.library.Add(&models.LibraryEntry{ID: "lib-1"})

		if err := rec.Start(ctx, item, tok); err != nil {
			t.Fatalf("failed to start: %v", err)
		}
		if err := rec.Complete(ctx, item, tok, libraryArtifact("lib-1"), "abcd", 1); err != nil {
			t.Fatalf("failed to complete: %v", err)
		}

		stored := f.store.Item("item-01")
		if stored.State != models.StateComplete || !stored.Completed {
			t.Errorf("expected complete, got %s completed=%v", stored.State, stored.Completed)
		}
		if stored.Signals.Fingerprint != "abcd" || stored.Attempts != 1 || len(stored.Artifacts) != 1 {
			t.Errorf("expected derived fields, got %+v", stored)
		}
		if item.State != models.StateComplete {
			t.Errorf("expected in-memory item updated, got %s", item.State)
		}
		history := f.store.History("item-01")
		if got := history[len(history)-1]; got != models.StateComplete {
			t.Errorf("expected complete last, got %v", history)
		}
	})

	t.Run("Complete refuses unverified artifacts", func(t *testing.T) {
		f, rec, item, tok := setup(t)
		rec.Start(ctx, item, tok)

		err := rec.Complete(ctx, item, tok, libraryArtifact("lib-missing"), "", 1)
		if !errors.Is(err, shared.ErrArtifactMissing) {
			t.Fatalf("expected ErrArtifactMissing, got %v", err)
		}
		stored := f.store.Item("item-01")
		if stored.Completed || stored.State != models.StateProcessing {
			t.Errorf("expected item left in processing, got %s completed=%v", stored.State, stored.Completed)
		}
	})

	t.Run("Complete after losing the lock", func(t *testing.T) {
		f, rec, item, tok := setup(t)
		f.library.Add(&models.LibraryEntry{ID: "lib-1"})
		rec.Start(ctx, item, tok)

		stolen := *tok
		stolen.Holder, stolen.Nonce = "p2", "other"
		f.store.Patch(ctx, "item-01", catalog.NewPatch().SetLock(&stolen))

		err := rec.Complete(ctx, item, tok, libraryArtifact("lib-1"), "", 1)
		if !errors.Is(err, shared.ErrLockLost) {
			t.Fatalf("expected ErrLockLost, got %v", err)
		}
		if category, _ := shared.Classify(err); category != models.CategoryCoordinationWrite {
			t.Errorf("expected coordination failure, got %s", category)
		}
		if stored := f.store.Item("item-01"); stored.Completed {
			t.Error("expected no completion flag")
		}
	})

	t.Run("Retry and Fail", func(t *testing.T) {
		f, rec, item, tok := setup(t)
		rec.Start(ctx, item, tok)

		if err := rec.Retry(ctx, item, tok, 1, shared.ErrRateLimited); err != nil {
			t.Fatalf("failed to retry: %v", err)
		}
		stored := f.store.Item("item-01")
		if stored.State != models.StateDiscovered || stored.Attempts != 1 {
			t.Errorf("expected discovered after 1 attempt, got %s/%d", stored.State, stored.Attempts)
		}
		if stored.LastError == nil || stored.LastError.Reason != models.ReasonRateLimited {
			t.Errorf("expected rate limit recorded, got %+v", stored.LastError)
		}

		rec.Start(ctx, item, tok)
		if err := rec.Fail(ctx, item, tok, 2, shared.ErrRateLimited, true); err != nil {
			t.Fatalf("failed to fail: %v", err)
		}
		stored = f.store.Item("item-01")
		if stored.State != models.StateFailed || !stored.DeadLetter || stored.Attempts != 2 {
			t.Errorf("expected dead-lettered failure, got %+v", stored)
		}
	})

	t.Run("Duplicate", func(t *testing.T) {
		f, rec, item, tok := setup(t)
		if err := rec.Duplicate(ctx, item, tok, "lib-9"); err != nil {
			t.Fatalf("failed to mark duplicate: %v", err)
		}
		stored := f.store.Item("item-01")
		if stored.State != models.StateSkippedDuplicate || stored.RedirectTarget != "lib-9" {
			t.Errorf("expected redirect to lib-9, got %s %q", stored.State, stored.RedirectTarget)
		}
	})

	t.Run("rejects invalid transitions", func(t *testing.T) {
		f, rec, item, tok := setup(t)
		rec.Duplicate(ctx, item, tok, "lib-9")
		before := f.store.PatchCount()

		if err := rec.Start(ctx, item, tok); !errors.Is(err, shared.ErrInvalidPatch) {
			t.Errorf("expected ErrInvalidPatch, got %v", err)
		}
		if f.store.PatchCount() != before {
			t.Error("expected no write")
		}
	})

	t.Run("Requeue only moves processing items", func(t *testing.T) {
		f, rec, item, tok := setup(t)
		before := f.store.PatchCount()
		if err := rec.Requeue(ctx, item, tok); err != nil || f.store.PatchCount() != before {
			t.Errorf("expected discovered item untouched, err=%v", err)
		}

		rec.Start(ctx, item, tok)
		if err := rec.Requeue(ctx, item, tok); err != nil {
			t.Fatalf("failed to requeue: %v", err)
		}
		if stored := f.store.Item("item-01"); stored.State != models.StateDiscovered {
			t.Errorf("expected discovered, got %s", stored.State)
		}
	})
}
