package tasks

import (
	"context"
	"fmt"
	"time"

	"github.com/desertthunder/tracksync/internal/catalog"
	"github.com/desertthunder/tracksync/internal/models"
	"github.com/desertthunder/tracksync/internal/shared"
)

// StatusReport is a point-in-time census of the catalog.
type StatusReport struct {
	Total       int                            `json:"total"`
	ByState     map[models.ProcessingState]int `json:"by_state"`
	LiveLocks   int                            `json:"live_locks"`
	StaleLocks  int                            `json:"stale_locks"`
	DeadLetters int                            `json:"dead_letters"`
	Failures    map[string]int                 `json:"failures"` // keyed by category or category(reason)
	Holders     map[string]int                 `json:"holders"`  // live locks per holder
	TakenAt     time.Time                      `json:"taken_at"`
}

// Pending counts items that a run would still pick up.
func (r *StatusReport) Pending() int {
	n := 0
	for state, count := range r.ByState {
		if !state.Terminal() {
			n += count
		}
	}
	return n
}

// Status walks every item through the selector, so it works on any store.
func (e *Engine) Status(ctx context.Context) (*StatusReport, error) {
	now := e.clock.Now()
	report := &StatusReport{
		ByState:  make(map[models.ProcessingState]int, len(models.States)),
		Failures: make(map[string]int),
		Holders:  make(map[string]int),
		TakenAt:  now,
	}

	for item, err := range e.selector.Items(ctx, catalog.FilterAny, e.cfg.PageSize) {
		if err != nil {
			return nil, fmt.Errorf("%w: status query failed: %v", shared.ErrStoreUnreachable, err)
		}
		report.Total++
		report.ByState[item.EffectiveState(now)]++

		switch {
		case item.Lock == nil:
		case item.Lock.Stale(now, e.cfg.LockTTL):
			report.StaleLocks++
		default:
			report.LiveLocks++
			report.Holders[item.Lock.Holder]++
		}

		if item.DeadLetter {
			report.DeadLetters++
		}
		if item.State == models.StateFailed && item.LastError != nil {
			key := string(item.LastError.Category)
			if item.LastError.Reason != "" {
				key = fmt.Sprintf("%s(%s)", key, item.LastError.Reason)
			}
			report.Failures[key]++
		}
	}
	return report, nil
}
