package tasks

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"github.com/desertthunder/tracksync/internal/catalog"
	"github.com/desertthunder/tracksync/internal/dedupe"
	"github.com/desertthunder/tracksync/internal/models"
	"github.com/desertthunder/tracksync/internal/shared"
)

// Engine drives candidate items through lock, re-verify, dedupe, pipeline and record.
//
// An engine is safe to reuse across runs; each [Engine.Run] builds its own library index and metrics.
type Engine struct {
	cfg      EngineConfig
	store    catalog.Store
	library  dedupe.LibrarySource
	pipeline Pipeline
	verifier ArtifactVerifier
	matcher  *dedupe.Engine
	selector *Selector
	locks    *LockManager
	recorder *Recorder
	clock    Clock
	logger   *log.Logger
	progress chan<- ProgressUpdate
	jitter   func(time.Duration) time.Duration
}

// EngineOption configures an [Engine].
type EngineOption func(*Engine)

// WithClock replaces the wall clock used for leases and backoff.
func WithClock(c Clock) EngineOption {
	return func(e *Engine) { e.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *log.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// WithProgress sends progress updates to ch. Updates are dropped when ch is full.
func WithProgress(ch chan<- ProgressUpdate) EngineOption {
	return func(e *Engine) { e.progress = ch }
}

// WithJitter replaces the random jitter added to retry backoff.
func WithJitter(fn func(time.Duration) time.Duration) EngineOption {
	return func(e *Engine) { e.jitter = fn }
}

// NewEngine wires an engine over store. library feeds the duplicate index, verifier confirms artifacts before
// anything is marked complete.
func NewEngine(cfg EngineConfig, store catalog.Store, library dedupe.LibrarySource, pipeline Pipeline, verifier ArtifactVerifier, opts ...EngineOption) *Engine {
	cfg.normalize()
	e := &Engine{
		cfg:      cfg,
		store:    store,
		library:  library,
		pipeline: pipeline,
		verifier: verifier,
		matcher:  dedupe.NewEngine(cfg.Dedupe),
		selector: NewSelector(store),
		clock:    realClock{},
		jitter:   halfJitter,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = defaultLogger(e.logger)
	e.locks = NewLockManager(store, cfg.SettleDelay,
		WithLockClock(e.clock),
		WithLockLogger(e.logger),
		WithStoreTimeout(cfg.StoreTimeout),
		WithSweepPageSize(cfg.PageSize),
	)
	e.recorder = NewRecorder(store, e.locks, verifier, cfg.StoreTimeout, e.logger)
	return e
}

// Config returns the normalized configuration.
func (e *Engine) Config() EngineConfig { return e.cfg }

// Locks exposes the lock manager for maintenance commands.
func (e *Engine) Locks() *LockManager { return e.locks }

func halfJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return rand.N(d/2 + 1)
}

// backoff returns the wait before attempt n+1: base doubled per attempt, capped, plus jitter.
func (e *Engine) backoff(attempt int) time.Duration {
	d := e.cfg.BackoffBase
	for i := 1; i < attempt && d < e.cfg.BackoffMax; i++ {
		d *= 2
	}
	d = min(d, e.cfg.BackoffMax)
	return d + e.jitter(d)
}

// RunOptions select what a run works on.
type RunOptions struct {
	Filter catalog.FilterName
	Limit  int // maximum items handed to workers; 0 is unlimited
}

// run is the state of one [Engine.Run].
type run struct {
	*Engine
	filter catalog.FilterName
	index  *dedupe.Index
	m      *metrics
}

// Run sweeps stale locks, builds the library index and processes every candidate matching opts.Filter.
//
// Per-item failures are recorded on the items and never abort the run. The returned error is non-nil only when
// the catalog became unreachable, coordination writes kept failing, or ctx was cancelled; the summary is always
// returned.
func (e *Engine) Run(ctx context.Context, opts RunOptions) (*Summary, error) {
	filter := cmp.Or(opts.Filter, catalog.FilterUnprocessed)
	r := &run{Engine: e, filter: filter, m: &metrics{}}
	started := e.clock.Now()
	var swept SweepResult

	finish := func(err error) (*Summary, error) {
		s := r.m.summary(e.cfg.Holder, filter, started, e.clock.Now(), swept)
		sendProgress(e.progress, doneUpdate(s))
		if err != nil {
			e.logger.Error("run aborted", "holder", e.cfg.Holder, "error", err)
		} else {
			e.logger.Info("run finished", "holder", e.cfg.Holder, "filter", filter, "found", s.Found,
				"processed", s.Processed(), "failed", s.Failed, "skipped_locked", s.SkippedLocked,
				"skipped_duplicate", s.SkippedDuplicate, "elapsed", s.Elapsed())
		}
		return s, err
	}

	e.logger.Info("starting run", "holder", e.cfg.Holder, "filter", filter, "workers", e.cfg.Workers, "limit", opts.Limit)

	var err error
	if swept, err = e.locks.SweepStale(ctx, e.cfg.LockTTL); err != nil {
		return finish(err)
	}
	sendProgress(e.progress, sweepUpdate(swept))

	if r.index, err = dedupe.BuildIndex(ctx, e.library, e.matcher); err != nil {
		return finish(fmt.Errorf("failed to build library index: %w", err))
	}
	sendProgress(e.progress, indexUpdate(r.index.Len()))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Workers)

	var queryErr error
pages:
	for page, err := range e.selector.Pages(gctx, filter, e.cfg.PageSize) {
		if err != nil {
			if gctx.Err() == nil {
				queryErr = fmt.Errorf("%w: candidate query failed: %v", shared.ErrStoreUnreachable, err)
			}
			break
		}
		found := r.m.found.Add(int64(len(page.Items)))
		sendProgress(e.progress, pageUpdate(r.m.done(), int(found), len(page.Items)))

		survivors, duplicates, final := r.partition(page.Items)

		for _, item := range final {
			r.unchanged(item)
		}
		for _, dup := range duplicates {
			g.Go(func() error { return r.duplicate(gctx, dup.item, dup.match) })
		}
		for _, item := range survivors {
			if opts.Limit > 0 && r.m.dispatched.Load() >= int64(opts.Limit) {
				break pages
			}
			if gctx.Err() != nil {
				break pages
			}
			r.m.dispatched.Add(1)
			g.Go(func() error { return r.process(gctx, item) })
		}
	}

	if err := g.Wait(); err != nil {
		return finish(err)
	}
	if queryErr != nil {
		return finish(queryErr)
	}
	if err := ctx.Err(); err != nil {
		return finish(fmt.Errorf("run interrupted: %w", err))
	}
	return finish(nil)
}

type pageDuplicate struct {
	item  *models.CatalogItem
	match models.DuplicateMatch
}

// partition splits a page into items to process, in-page duplicates to mark, and items already final.
//
// Completed items stay candidates under the all and missing-secondary filters: their artifacts are re-checked.
func (r *run) partition(items []*models.CatalogItem) (survivors []*models.CatalogItem, dups []pageDuplicate, final []*models.CatalogItem) {
	var open []*models.CatalogItem
	byID := make(map[string]*models.CatalogItem, len(items))
	for _, item := range items {
		byID[item.ID] = item
		switch item.State {
		case models.StateComplete:
			survivors = append(survivors, item)
		case models.StateFailed, models.StateSkippedDuplicate:
			final = append(final, item)
		default:
			open = append(open, item)
		}
	}

	merged, skipped := r.matcher.PreMerge(open)
	for _, match := range skipped {
		dups = append(dups, pageDuplicate{item: byID[match.CandidateID], match: match})
	}
	return append(merged, survivors...), dups, final
}

// finished records an outcome in the metrics and reports it. changed is false for items left as they were found.
func (r *run) finished(item *models.CatalogItem, res *models.ProcessingResult, changed bool) {
	switch {
	case res.ErrorCategory == models.CategoryLockConflict:
		r.m.skippedLocked.Add(1)
	case res.ErrorCategory == models.CategoryCoordinationWrite:
	case !changed:
		r.m.alreadyFinal.Add(1)
	case res.FinalState == models.StateFailed:
		r.m.failed.Add(1)
	case res.FinalState == models.StateSkippedDuplicate:
		r.m.skippedDuplicate.Add(1)
	case res.FinalState == models.StateComplete:
		r.m.completed.Add(1)
	}
	if res.ErrorCategory != models.CategoryCoordinationWrite && res.ErrorCategory != models.CategoryLockConflict {
		r.m.consecutiveFailures.Store(0)
	}
	r.m.record(*res)
	sendProgress(r.progress, itemUpdate(r.m.done(), int(r.m.found.Load()), item, res))
}

// unchanged reports an item that needed no work.
func (r *run) unchanged(item *models.CatalogItem) {
	r.finished(item, &models.ProcessingResult{ItemID: item.ID, FinalState: item.State, Attempts: item.Attempts}, false)
}

// coordinationFailure counts a failed catalog write. Enough consecutive failures abort the run.
func (r *run) coordinationFailure(item *models.CatalogItem, started time.Time, err error) error {
	r.m.coordinationFailures.Add(1)
	n := r.m.consecutiveFailures.Add(1)
	r.logger.Error("catalog write failed", "item", item.ID, "consecutive", n, "error", err)

	category, reason := shared.Classify(coordination(err))
	r.finished(item, &models.ProcessingResult{
		ItemID:        item.ID,
		ErrorCategory: category,
		ErrorReason:   reason,
		ErrorMessage:  err.Error(),
		Duration:      r.clock.Now().Sub(started),
		Attempts:      item.Attempts,
	}, true)

	if n >= int64(r.cfg.MaxCoordinationFailures) {
		return fmt.Errorf("%w: %d consecutive catalog write failures, last: %v", shared.ErrStoreUnreachable, n, err)
	}
	return nil
}

// lock acquires the item's lease. A nil token with a nil error means the item was skipped.
func (r *run) lock(ctx context.Context, item *models.CatalogItem, started time.Time) (*models.LockToken, error) {
	tok, ok, err := r.locks.Acquire(ctx, item.ID, r.cfg.Holder, r.cfg.LockTTL)
	switch {
	case ctx.Err() != nil:
		if tok != nil {
			r.locks.releaseDetached(ctx, item.ID, tok)
		}
		return nil, nil
	case err != nil:
		return nil, r.coordinationFailure(item, started, err)
	case !ok:
		r.logger.Debug("item locked elsewhere, skipping", "item", item.ID)
		r.finished(item, &models.ProcessingResult{
			ItemID:        item.ID,
			ErrorCategory: models.CategoryLockConflict,
			ErrorMessage:  shared.ErrLockConflict.Error(),
			Attempts:      item.Attempts,
		}, true)
		return nil, nil
	}
	return tok, nil
}

func (r *run) refetch(ctx context.Context, id string) (*models.CatalogItem, error) {
	ctx, cancel := withTimeout(ctx, r.cfg.StoreTimeout)
	defer cancel()
	return r.store.Get(ctx, id)
}

// duplicate marks an in-page duplicate as skipped.
func (r *run) duplicate(ctx context.Context, candidate *models.CatalogItem, match models.DuplicateMatch) error {
	started := r.clock.Now()
	tok, err := r.lock(ctx, candidate, started)
	if tok == nil {
		return err
	}
	defer func() { r.locks.releaseDetached(ctx, candidate.ID, tok) }()

	item, err := r.refetch(ctx, candidate.ID)
	if err != nil {
		return r.coordinationFailure(candidate, started, err)
	}
	if item.State.Terminal() {
		r.unchanged(item)
		return nil
	}

	before := item.Clone()
	if err := r.recorder.Duplicate(ctx, item, tok, match.MatchedID); err != nil {
		return r.coordinationFailure(before, started, err)
	}
	r.logger.Info("skipped duplicate", "item", item.ID, "of", match.MatchedID, "method", match.Method, "confidence", match.Confidence)
	r.finished(before, &models.ProcessingResult{
		ItemID:         item.ID,
		FinalState:     models.StateSkippedDuplicate,
		RedirectTarget: match.MatchedID,
		Duration:       r.clock.Now().Sub(started),
		Attempts:       item.Attempts,
	}, true)
	return nil
}

// needsRework reports whether a completed item must be processed again.
func (r *run) needsRework(ctx context.Context, item *models.CatalogItem) bool {
	if r.filter == catalog.FilterMissingSecondary && !item.HasArtifact(models.ArtifactSecondary) {
		return true
	}
	if r.verifier == nil {
		return false
	}
	vctx, cancel := withTimeout(ctx, r.cfg.StoreTimeout)
	defer cancel()
	return r.verifier.Verify(vctx, item.Artifacts) != nil
}

// process runs one candidate through the full per-item sequence.
func (r *run) process(ctx context.Context, candidate *models.CatalogItem) error {
	started := r.clock.Now()
	if candidate.State == models.StateComplete && !r.needsRework(ctx, candidate) {
		r.unchanged(candidate)
		return nil
	}

	tok, err := r.lock(ctx, candidate, started)
	if tok == nil {
		return err
	}
	defer func() { r.locks.releaseDetached(ctx, candidate.ID, tok) }()

	item, err := r.refetch(ctx, candidate.ID)
	if err != nil {
		return r.coordinationFailure(candidate, started, err)
	}
	before := item.Clone()

	reopen := false
	switch item.State {
	case models.StateFailed, models.StateSkippedDuplicate:
		r.unchanged(item)
		return nil
	case models.StateComplete:
		if r.filter == catalog.FilterUnprocessed || !r.needsRework(ctx, item) {
			r.unchanged(item)
			return nil
		}
		reopen = true
	}

	work := item.Clone()
	if candidate.Signals.Completeness() >= item.Signals.Completeness() {
		work.Signals = candidate.Signals.Clone()
	}
	if candidate.Signals.Completeness() > item.Signals.Completeness() || candidate.Rating > item.Rating {
		if err := r.recorder.Enrich(ctx, item, tok, work.Signals, max(item.Rating, candidate.Rating)); err != nil {
			return r.coordinationFailure(before, started, err)
		}
		work.Rating = item.Rating
	}

	if reopen {
		if err := r.recorder.Reopen(ctx, item, tok); err != nil {
			return r.coordinationFailure(before, started, err)
		}
		r.m.reopened.Add(1)
		r.logger.Warn("reopening completed item", "item", item.ID)
	} else {
		// A worker that crashed between writing artifacts and the completion flag left verifiable artifacts behind.
		if len(item.Artifacts) > 0 && r.verifier != nil && r.verifier.Verify(ctx, item.Artifacts) == nil {
			return r.resume(ctx, before, item, &tok, started)
		}
		if match, ok := r.index.Lookup(work); ok {
			if err := r.recorder.Duplicate(ctx, item, tok, match.MatchedID); err != nil {
				return r.coordinationFailure(before, started, err)
			}
			r.logger.Info("already in library", "item", item.ID, "entry", match.MatchedID, "method", match.Method, "confidence", match.Confidence)
			r.finished(before, &models.ProcessingResult{
				ItemID:         item.ID,
				FinalState:     models.StateSkippedDuplicate,
				RedirectTarget: match.MatchedID,
				Duration:       r.clock.Now().Sub(started),
				Attempts:       item.Attempts,
			}, true)
			return nil
		}
		if err := r.recorder.Start(ctx, item, tok); err != nil {
			return r.coordinationFailure(before, started, err)
		}
	}

	return r.attempts(ctx, before, item, work, &tok, started)
}

// resume completes an item whose artifacts were written by an earlier, interrupted attempt.
func (r *run) resume(ctx context.Context, before, item *models.CatalogItem, tok **models.LockToken, started time.Time) error {
	if err := r.recorder.Start(ctx, item, *tok); err != nil {
		return r.coordinationFailure(before, started, err)
	}
	if err := r.recorder.Complete(ctx, item, *tok, item.Artifacts, item.Signals.Fingerprint, item.Attempts); err != nil {
		return r.coordinationFailure(before, started, err)
	}
	r.logger.Info("resumed interrupted completion", "item", item.ID)
	r.finished(before, r.result(item, started), true)
	return nil
}

// attempts calls the pipeline until the item completes, fails or runs out of attempts.
func (r *run) attempts(ctx context.Context, before, item, work *models.CatalogItem, tok **models.LockToken, started time.Time) error {
	attempt := item.Attempts
	for {
		attempt++
		err := r.attempt(ctx, item, work, *tok, attempt)
		if err == nil {
			r.logger.Info("completed", "item", item.ID, "attempts", attempt, "artifacts", len(item.Artifacts))
			r.finished(before, r.result(item, started), true)
			return nil
		}

		if ctx.Err() != nil {
			r.requeue(ctx, item, *tok)
			return nil
		}
		var itemErr *shared.ItemError
		if errors.As(err, &itemErr) && itemErr.Category == models.CategoryCoordinationWrite {
			return r.coordinationFailure(before, started, err)
		}

		transient := shared.IsTransient(err)
		if transient && attempt < r.cfg.MaxAttempts {
			r.m.retries.Add(1)
			wait := r.backoff(attempt)
			r.logger.Warn("transient failure, retrying", "item", item.ID, "attempt", attempt, "wait", wait, "error", err)
			if err := r.recorder.Retry(ctx, item, *tok, attempt, err); err != nil {
				return r.coordinationFailure(before, started, err)
			}
			if err := r.clock.Sleep(ctx, wait); err != nil {
				return nil
			}
			next, err := r.locks.Renew(ctx, item.ID, *tok, r.cfg.LockTTL)
			if err != nil {
				return r.coordinationFailure(before, started, err)
			}
			*tok = next
			if err := r.recorder.Start(ctx, item, next); err != nil {
				return r.coordinationFailure(before, started, err)
			}
			continue
		}

		if err := r.recorder.Fail(ctx, item, *tok, attempt, err, transient); err != nil {
			return r.coordinationFailure(before, started, err)
		}
		if transient {
			r.logger.Error("retries exhausted, dead-lettered", "item", item.ID, "attempts", attempt, "error", err)
		} else {
			r.logger.Warn("failed", "item", item.ID, "attempts", attempt, "error", err)
		}
		r.finished(before, r.result(item, started), true)
		return nil
	}
}

// attempt runs the pipeline once and records completion on success.
func (r *run) attempt(ctx context.Context, item, work *models.CatalogItem, tok *models.LockToken, attempt int) error {
	pctx, cancel := withTimeout(ctx, r.cfg.PipelineTimeout)
	out, err := r.pipeline.Process(pctx, work)
	cancel()
	switch {
	case err != nil:
		return err
	case out == nil:
		return shared.PipelineError("", "pipeline returned no result")
	case !out.Success:
		return shared.PipelineError(out.ErrorCode, out.ErrorMessage)
	}
	return r.recorder.Complete(ctx, item, tok, out.Artifacts, out.Fingerprint, attempt)
}

// requeue hands an interrupted item back to discovered so the next run picks it up before its lease expires.
func (r *run) requeue(ctx context.Context, item *models.CatalogItem, tok *models.LockToken) {
	dctx, cancel := detached(ctx, r.cfg.StoreTimeout)
	defer cancel()
	if err := r.recorder.Requeue(dctx, item, tok); err != nil {
		r.logger.Warn("failed to requeue interrupted item", "item", item.ID, "error", err)
	}
}

func (r *run) result(item *models.CatalogItem, started time.Time) *models.ProcessingResult {
	res := &models.ProcessingResult{
		ItemID:         item.ID,
		FinalState:     item.State,
		Artifacts:      item.Artifacts,
		Fingerprint:    item.Signals.Fingerprint,
		Duration:       r.clock.Now().Sub(started),
		RedirectTarget: item.RedirectTarget,
		Attempts:       item.Attempts,
		DeadLetter:     item.DeadLetter,
	}
	if item.LastError != nil {
		res.ErrorCategory = item.LastError.Category
		res.ErrorReason = item.LastError.Reason
		res.ErrorMessage = item.LastError.Message
	}
	return res
}
