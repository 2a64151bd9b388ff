package main

import (
	"context"
	"fmt"
	"io"

	"github.com/urfave/cli/v3"

	"github.com/desertthunder/tracksync/internal/catalog"
	"github.com/desertthunder/tracksync/internal/formatter"
	"github.com/desertthunder/tracksync/internal/services"
	"github.com/desertthunder/tracksync/internal/shared"
	"github.com/desertthunder/tracksync/internal/tasks"
	"github.com/desertthunder/tracksync/internal/ui"
)

// SyncAll processes every eligible item.
func (r *Runner) SyncAll(ctx context.Context, cmd *cli.Command) error {
	return r.sync(ctx, cmd, 0)
}

// Batch processes at most --limit eligible items.
func (r *Runner) Batch(ctx context.Context, cmd *cli.Command) error {
	limit := cmd.Int("limit")
	if limit <= 0 {
		return fmt.Errorf("%w: --limit must be positive", shared.ErrInvalidFlag)
	}
	return r.sync(ctx, cmd, limit)
}

// session is an opened backend with an engine wired to it.
type session struct {
	cfg     *shared.Config
	backend *services.Backend
	engine  *tasks.Engine
}

func (s *session) Close() error {
	return s.backend.Close()
}

// prepare loads the config for cmd and applies any run flags present on it.
func (r *Runner) prepare(cmd *cli.Command) (*shared.Config, error) {
	cfg, err := r.loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	if err := applyOverrides(cfg, cmd); err != nil {
		return nil, err
	}
	return cfg, nil
}

// openSession connects to the catalog and builds an engine. Commands that never process items pass
// withPipeline=false and get an engine without one.
func (r *Runner) openSession(ctx context.Context, cfg *shared.Config, withPipeline bool, opts ...tasks.EngineOption) (*session, error) {
	var pipeline tasks.Pipeline
	if withPipeline {
		pipeline = r.pipeline
		if pipeline == nil {
			p, err := services.NewCommandPipeline(cfg.Pipeline, r.logger)
			if err != nil {
				return nil, err
			}
			pipeline = p
		}
	}

	backend, err := r.open(ctx, cfg, r.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s catalog: %w", cfg.Catalog.Driver, err)
	}

	opts = append([]tasks.EngineOption{tasks.WithLogger(r.logger)}, opts...)
	engine := tasks.NewEngine(tasks.EngineConfigFrom(cfg), backend.Store, backend.Library, pipeline,
		services.NewVerifier(backend.Library), opts...)

	return &session{cfg: cfg, backend: backend, engine: engine}, nil
}

func (r *Runner) sync(ctx context.Context, cmd *cli.Command, limit int) error {
	r.exitCode = tasks.ExitFatal

	filter, err := catalog.ParseFilter(cmd.String("filter"))
	if err != nil {
		return err
	}
	switch filter {
	case catalog.FilterUnprocessed, catalog.FilterAll, catalog.FilterMissingSecondary:
	default:
		return fmt.Errorf("%w: filter %q is not a sync filter", shared.ErrInvalidFlag, filter)
	}
	format, err := formatter.ParseFormat(cmd.String("format"))
	if err != nil {
		return err
	}

	cfg, err := r.prepare(cmd)
	if err != nil {
		return err
	}

	useTUI := cmd.Bool("tui") && ui.IsTerminal(r.output)
	if cmd.Bool("tui") && !useTUI {
		r.logger.Warn("output is not a terminal, falling back to plain progress")
	}
	if useTUI {
		r.useFileLogger(cfg.Log)
	}

	progress := make(chan tasks.ProgressUpdate, 64)
	s, err := r.openSession(ctx, cfg, true, tasks.WithProgress(progress))
	if err != nil {
		return err
	}
	defer s.Close()

	opts := tasks.RunOptions{Filter: filter, Limit: limit}
	var summary *tasks.Summary
	if useTUI {
		info := ui.RunInfo{
			Driver:  s.cfg.Catalog.Driver,
			Filter:  string(filter),
			Limit:   limit,
			Workers: s.engine.Config().Workers,
			Holder:  s.engine.Config().Holder,
		}
		summary, err = r.runTUI(ctx, s.engine, opts, progress, info, !cmd.Bool("yes"))
	} else {
		out := r.output
		if format == formatter.FormatJSON {
			out = io.Discard
		}
		summary, err = r.runPlain(ctx, s.engine, opts, progress, out)
	}

	r.exitCode = tasks.ExitCode(summary, err)
	if summary != nil {
		if werr := formatter.WriteSummary(r.output, summary, format); werr != nil {
			r.logger.Error("failed to write summary", "error", werr)
		}
		if path := cmd.String("report"); path != "" {
			if werr := formatter.WriteReport(summary, path); werr != nil {
				r.logger.Error("failed to write report", "path", path, "error", werr)
			} else {
				r.logger.Info("report written", "path", path, "items", len(summary.Results))
			}
		}
	}
	if err != nil {
		return err
	}
	if r.exitCode == tasks.ExitNoWork {
		r.logger.Info("no eligible items processed")
	}
	return nil
}

// runPlain runs the engine while a [ui.Printer] drains progress updates into out.
func (r *Runner) runPlain(ctx context.Context, engine *tasks.Engine, opts tasks.RunOptions, progress chan tasks.ProgressUpdate, out io.Writer) (*tasks.Summary, error) {
	printer := ui.NewPrinter(out)
	done := make(chan struct{})
	go func() {
		defer close(done)
		printer.Consume(progress)
	}()

	summary, err := engine.Run(ctx, opts)
	close(progress)
	<-done
	return summary, err
}
