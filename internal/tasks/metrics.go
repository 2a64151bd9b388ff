package tasks

import (
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/desertthunder/tracksync/internal/catalog"
	"github.com/desertthunder/tracksync/internal/models"
)

// Exit codes of a run.
const (
	ExitOK     = 0 // at least one item reached a final outcome
	ExitFatal  = 1 // the run aborted
	ExitNoWork = 2 // nothing eligible was processed
)

// metrics are the only mutable state shared between workers.
type metrics struct {
	found                atomic.Int64
	dispatched           atomic.Int64
	completed            atomic.Int64
	failed               atomic.Int64
	skippedLocked        atomic.Int64
	skippedDuplicate     atomic.Int64
	alreadyFinal         atomic.Int64
	reopened             atomic.Int64
	retries              atomic.Int64
	coordinationFailures atomic.Int64
	consecutiveFailures  atomic.Int64

	mu      sync.Mutex
	results []models.ProcessingResult
}

func (m *metrics) record(res models.ProcessingResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results = append(m.results, res)
}

// done counts items that reached an outcome, for progress reporting.
func (m *metrics) done() int {
	return int(m.completed.Load() + m.failed.Load() + m.skippedDuplicate.Load() +
		m.skippedLocked.Load() + m.alreadyFinal.Load())
}

// Summary is the end-of-run report.
type Summary struct {
	Holder               string                    `json:"holder"`
	Filter               catalog.FilterName        `json:"filter"`
	Found                int                       `json:"found"`
	Dispatched           int                       `json:"dispatched"`
	Completed            int                       `json:"completed"`
	Failed               int                       `json:"failed"`
	SkippedLocked        int                       `json:"skipped_locked"`
	SkippedDuplicate     int                       `json:"skipped_duplicate"`
	AlreadyFinal         int                       `json:"already_final"`
	Reopened             int                       `json:"reopened"`
	Retries              int                       `json:"retries"`
	CoordinationFailures int                       `json:"coordination_failures"`
	Swept                SweepResult               `json:"swept"`
	Started              time.Time                 `json:"started"`
	Finished             time.Time                 `json:"finished"`
	Results              []models.ProcessingResult `json:"results,omitempty"`
}

// Processed counts items this run moved to a final state.
func (s *Summary) Processed() int {
	return s.Completed + s.Failed + s.SkippedDuplicate
}

// Elapsed is the wall time of the run.
func (s *Summary) Elapsed() time.Duration {
	return s.Finished.Sub(s.Started)
}

// ExitCode maps a run outcome onto the process exit status.
func ExitCode(s *Summary, err error) int {
	switch {
	case err != nil:
		return ExitFatal
	case s == nil || s.Processed() == 0:
		return ExitNoWork
	default:
		return ExitOK
	}
}

func (m *metrics) summary(holder string, filter catalog.FilterName, started, finished time.Time, swept SweepResult) *Summary {
	m.mu.Lock()
	results := slices.Clone(m.results)
	m.mu.Unlock()
	slices.SortStableFunc(results, func(a, b models.ProcessingResult) int {
		switch {
		case a.ItemID < b.ItemID:
			return -1
		case a.ItemID > b.ItemID:
			return 1
		}
		return 0
	})

	return &Summary{
		Holder:               holder,
		Filter:               filter,
		Found:                int(m.found.Load()),
		Dispatched:           int(m.dispatched.Load()),
		Completed:            int(m.completed.Load()),
		Failed:               int(m.failed.Load()),
		SkippedLocked:        int(m.skippedLocked.Load()),
		SkippedDuplicate:     int(m.skippedDuplicate.Load()),
		AlreadyFinal:         int(m.alreadyFinal.Load()),
		Reopened:             int(m.reopened.Load()),
		Retries:              int(m.retries.Load()),
		CoordinationFailures: int(m.coordinationFailures.Load()),
		Swept:                swept,
		Started:              started,
		Finished:             finished,
		Results:              results,
	}
}
