package tasks

import (
	"fmt"

	"github.com/desertthunder/tracksync/internal/models"
)

// ProgressUpdate represents a progress event during a run.
//
// Used to send real-time updates to the CLI or UI layer for display.
type ProgressUpdate struct {
	Phase   Phase  // Operation phase
	Step    int    // Items with an outcome so far
	Total   int    // Items found so far; grows as pages arrive
	Message string // Human-readable message for display
	Data    any    // *models.ProcessingResult for item outcomes, *Summary when done
}

// Operation phase enumeration
type Phase int

const (
	PhaseSweep Phase = iota
	PhaseIndex
	PhaseSelect
	PhaseProcess
	PhaseDone
)

func (p Phase) String() string {
	switch p {
	case PhaseSweep:
		return "sweep"
	case PhaseIndex:
		return "index"
	case PhaseSelect:
		return "select"
	case PhaseProcess:
		return "process"
	case PhaseDone:
		return "done"
	default:
		return ""
	}
}

func sweepUpdate(res SweepResult) ProgressUpdate {
	return ProgressUpdate{
		Phase:   PhaseSweep,
		Message: fmt.Sprintf("Swept stale locks: %d cleared, %d reset", res.Cleared, res.Reset),
		Data:    res,
	}
}

func indexUpdate(entries int) ProgressUpdate {
	return ProgressUpdate{
		Phase:   PhaseIndex,
		Total:   entries,
		Message: fmt.Sprintf("Indexed %d library entries", entries),
	}
}

func pageUpdate(step, total, size int) ProgressUpdate {
	return ProgressUpdate{
		Phase:   PhaseSelect,
		Step:    step,
		Total:   total,
		Message: fmt.Sprintf("Fetched page of %d candidates", size),
	}
}

func itemUpdate(step, total int, item *models.CatalogItem, res *models.ProcessingResult) ProgressUpdate {
	mark := "✓"
	switch res.FinalState {
	case models.StateFailed:
		mark = "✗"
	case models.StateSkippedDuplicate:
		mark = "="
	case "":
		mark = "·"
	}
	return ProgressUpdate{
		Phase:   PhaseProcess,
		Step:    step,
		Total:   total,
		Message: fmt.Sprintf("[%d/%d] %s %s - %s", step, total, mark, item.Signals.Artist, item.Signals.Title),
		Data:    res,
	}
}

func doneUpdate(s *Summary) ProgressUpdate {
	return ProgressUpdate{
		Phase:   PhaseDone,
		Step:    s.Processed(),
		Total:   s.Found,
		Message: fmt.Sprintf("Done: %d processed, %d failed, %d skipped (locked), %d skipped (duplicate)", s.Processed(), s.Failed, s.SkippedLocked, s.SkippedDuplicate),
		Data:    s,
	}
}
