package tasks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"

	"github.com/desertthunder/tracksync/internal/catalog"
	"github.com/desertthunder/tracksync/internal/models"
	"github.com/desertthunder/tracksync/internal/shared"
)

// Recorder writes state transitions for items the caller holds a lock on.
//
// Every write is conditional on the caller's token and checked against the transition table, and the in-memory
// item is updated only after the store accepted the write.
type Recorder struct {
	store    catalog.Store
	locks    *LockManager
	verifier ArtifactVerifier
	timeout  time.Duration
	logger   *log.Logger
}

// NewRecorder creates a recorder. verifier may be nil, in which case completion is never recorded.
func NewRecorder(store catalog.Store, locks *LockManager, verifier ArtifactVerifier, timeout time.Duration, logger *log.Logger) *Recorder {
	return &Recorder{store: store, locks: locks, verifier: verifier, timeout: timeout, logger: defaultLogger(logger)}
}

// coordination marks err as a failed write to the catalog.
func coordination(err error) error {
	var itemErr *shared.ItemError
	if errors.As(err, &itemErr) {
		return err
	}
	return shared.NewItemError(models.CategoryCoordinationWrite, "", err)
}

func (r *Recorder) write(ctx context.Context, item *models.CatalogItem, tok *models.LockToken, to models.ProcessingState, p *catalog.Patch) error {
	if to != "" {
		if !models.CanTransition(item.State, to) {
			return fmt.Errorf("%w: %s cannot move from %s to %s", shared.ErrInvalidPatch, item.ID, item.State, to)
		}
		p.SetState(to)
	}
	p.When(catalog.HeldBy(tok.Holder, tok.Nonce))

	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()
	if err := r.store.Patch(ctx, item.ID, p); err != nil {
		if errors.Is(err, shared.ErrConditionFailed) {
			err = fmt.Errorf("%w: %v", shared.ErrLockLost, err)
		}
		return coordination(fmt.Errorf("failed to record %s on %s: %w", stateLabel(to), item.ID, err))
	}
	p.Apply(item)
	return nil
}

func stateLabel(s models.ProcessingState) string {
	if s == "" {
		return "fields"
	}
	return string(s)
}

// Start moves a locked item into processing.
func (r *Recorder) Start(ctx context.Context, item *models.CatalogItem, tok *models.LockToken) error {
	return r.write(ctx, item, tok, models.StateProcessing, catalog.NewPatch())
}

// Enrich writes identity signals and rating folded in from duplicates of the item.
func (r *Recorder) Enrich(ctx context.Context, item *models.CatalogItem, tok *models.LockToken, signals models.IdentitySignals, rating float64) error {
	return r.write(ctx, item, tok, "", catalog.NewPatch().SetSignals(signals).SetRating(rating))
}

// Reopen moves a completed item whose artifacts disappeared back into processing.
func (r *Recorder) Reopen(ctx context.Context, item *models.CatalogItem, tok *models.LockToken) error {
	return r.write(ctx, item, tok, models.StateProcessing, catalog.NewPatch().SetCompleted(false))
}

// Complete records a successful outcome.
//
// Derived fields are written first, then the artifacts are verified independently of what the pipeline reported,
// then the lock is re-verified, and only then are the completion flag and the complete state written. A
// verification failure is returned unclassified so the caller can retry or fail the item.
func (r *Recorder) Complete(ctx context.Context, item *models.CatalogItem, tok *models.LockToken, artifacts []models.ArtifactRef, fingerprint string, attempts int) error {
	derived := catalog.NewPatch().SetArtifacts(artifacts).SetError(nil).SetAttempts(attempts)
	if fingerprint != "" {
		derived.SetFingerprint(fingerprint)
	}
	if err := r.write(ctx, item, tok, "", derived); err != nil {
		return err
	}

	if r.verifier == nil {
		return fmt.Errorf("%w: no verifier configured", shared.ErrArtifactMissing)
	}
	vctx, cancel := withTimeout(ctx, r.timeout)
	err := r.verifier.Verify(vctx, artifacts)
	cancel()
	if err != nil {
		return err
	}

	held, err := r.locks.Verify(ctx, item.ID, tok)
	if err != nil {
		return coordination(err)
	}
	if !held {
		return coordination(fmt.Errorf("%w: %s before completion", shared.ErrLockLost, item.ID))
	}

	if err := r.write(ctx, item, tok, models.StateComplete, catalog.NewPatch().SetCompleted(true)); err != nil {
		return err
	}
	r.logger.Debug("recorded completion", "item", item.ID, "artifacts", len(artifacts), "attempts", attempts)
	return nil
}

// Retry records a transient failure and returns the item to discovered.
func (r *Recorder) Retry(ctx context.Context, item *models.CatalogItem, tok *models.LockToken, attempts int, cause error) error {
	p := catalog.NewPatch().SetAttempts(attempts).SetError(itemError(cause))
	return r.write(ctx, item, tok, models.StateDiscovered, p)
}

// Requeue returns an interrupted item to discovered without touching its attempts or error.
func (r *Recorder) Requeue(ctx context.Context, item *models.CatalogItem, tok *models.LockToken) error {
	if item.State != models.StateProcessing {
		return nil
	}
	return r.write(ctx, item, tok, models.StateDiscovered, catalog.NewPatch())
}

// Fail records a terminal failure. deadLetter parks the item for manual review.
func (r *Recorder) Fail(ctx context.Context, item *models.CatalogItem, tok *models.LockToken, attempts int, cause error, deadLetter bool) error {
	p := catalog.NewPatch().SetAttempts(attempts).SetError(itemError(cause)).SetDeadLetter(deadLetter)
	return r.write(ctx, item, tok, models.StateFailed, p)
}

// Duplicate marks the item as a duplicate of target.
func (r *Recorder) Duplicate(ctx context.Context, item *models.CatalogItem, tok *models.LockToken, target string) error {
	p := catalog.NewPatch().SetRedirect(target).SetError(nil)
	return r.write(ctx, item, tok, models.StateSkippedDuplicate, p)
}

// itemError converts any error into the persisted failure record.
func itemError(err error) *models.ItemError {
	if err == nil {
		return nil
	}
	category, reason := shared.Classify(err)
	return &models.ItemError{Category: category, Reason: reason, Message: err.Error()}
}
