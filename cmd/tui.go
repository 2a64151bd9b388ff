package main

import (
	"context"
	"fmt"
	"io"
	"path/filepath"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/desertthunder/tracksync/internal/shared"
	"github.com/desertthunder/tracksync/internal/tasks"
	"github.com/desertthunder/tracksync/internal/ui"
)

// useFileLogger redirects logs to a rotated file so they do not interfere with TUI rendering.
func (r *Runner) useFileLogger(cfg shared.LogConfig) {
	if cfg.File == "" {
		cfg.File = filepath.Join("tmp", "tracksync-tui.log")
	}
	r.SetLogger(shared.NewLoggerFromConfig(cfg, io.Discard))
}

// runTUI drives the engine from the interactive progress view. The engine reports to progress, which is forwarded
// to the model's own channel.
func (r *Runner) runTUI(ctx context.Context, engine *tasks.Engine, opts tasks.RunOptions, progress chan tasks.ProgressUpdate, info ui.RunInfo, confirm bool) (*tasks.Summary, error) {
	run := func(ctx context.Context, updates chan<- tasks.ProgressUpdate) (*tasks.Summary, error) {
		done := make(chan struct{})
		go func() {
			defer close(done)
			for update := range progress {
				updates <- update
			}
		}()
		summary, err := engine.Run(ctx, opts)
		close(progress)
		<-done
		return summary, err
	}

	model := ui.NewModel(ctx, run, info, confirm)
	p := tea.NewProgram(model, tea.WithContext(ctx))
	if _, err := p.Run(); err != nil {
		return nil, fmt.Errorf("error running TUI: %w", err)
	}

	if model.Summary() == nil && model.Err() == nil {
		r.logger.Info("run declined")
	}
	return model.Summary(), model.Err()
}
