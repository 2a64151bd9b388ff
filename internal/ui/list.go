package ui

import (
	"fmt"

	"github.com/charmbracelet/bubbles/list"

	"github.com/desertthunder/tracksync/internal/models"
)

var (
	_ list.Item = resultItem{}
)

// resultItem wraps [models.ProcessingResult] to implement [list.Item].
type resultItem struct {
	result models.ProcessingResult
}

func (i resultItem) FilterValue() string { return i.result.ItemID }
func (i resultItem) Title() string       { return i.result.ItemID }
func (i resultItem) Description() string {
	r := i.result
	switch r.FinalState {
	case models.StateSkippedDuplicate:
		return fmt.Sprintf("duplicate of %s", r.RedirectTarget)
	case models.StateFailed:
		desc := string(r.ErrorCategory)
		if r.ErrorReason != "" {
			desc = fmt.Sprintf("%s(%s)", desc, r.ErrorReason)
		}
		if r.DeadLetter {
			desc += " • dead-letter"
		}
		if r.ErrorMessage != "" {
			desc = fmt.Sprintf("%s • %s", desc, r.ErrorMessage)
		}
		return desc
	default:
		return fmt.Sprintf("%s after %d attempt(s)", r.FinalState, r.Attempts)
	}
}

// notable keeps the outcomes worth browsing after a run.
func notable(results []models.ProcessingResult) []list.Item {
	var items []list.Item
	for _, r := range results {
		if r.FinalState == models.StateFailed || r.FinalState == models.StateSkippedDuplicate {
			items = append(items, resultItem{result: r})
		}
	}
	return items
}
