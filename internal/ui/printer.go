package ui

import (
	"fmt"
	"io"
	"os"

	"github.com/mattn/go-isatty"

	"github.com/desertthunder/tracksync/internal/models"
	"github.com/desertthunder/tracksync/internal/tasks"
)

// Printer writes progress updates as plain lines.
type Printer struct {
	w     io.Writer
	color bool
}

// NewPrinter creates a printer. Colors are used only when w is a terminal.
func NewPrinter(w io.Writer) *Printer {
	return &Printer{w: w, color: IsTerminal(w)}
}

// IsTerminal reports whether w is an interactive terminal.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// Consume prints updates until the channel is closed.
func (p *Printer) Consume(updates <-chan tasks.ProgressUpdate) {
	for update := range updates {
		p.Print(update)
	}
}

// Print writes a single update. Item updates are only printed for items that changed or failed.
func (p *Printer) Print(update tasks.ProgressUpdate) {
	line := update.Message
	switch update.Phase {
	case tasks.PhaseSelect, tasks.PhaseDone:
		return
	case tasks.PhaseProcess:
		res, ok := update.Data.(*models.ProcessingResult)
		if !ok || res.FinalState == "" && res.ErrorCategory == "" {
			return
		}
		if p.color {
			line = styles.outcome(res.FinalState).Render(line)
		}
	}
	fmt.Fprintln(p.w, line)
}
