package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"github.com/urfave/cli/v3"

	"github.com/desertthunder/tracksync/internal/formatter"
	"github.com/desertthunder/tracksync/internal/tasks"
)

// Status prints item counts per state, lock counts and failures per reason.
func (r *Runner) Status(ctx context.Context, cmd *cli.Command) error {
	r.exitCode = tasks.ExitFatal

	cfg, err := r.prepare(cmd)
	if err != nil {
		return err
	}
	s, err := r.openSession(ctx, cfg, false)
	if err != nil {
		return err
	}
	defer s.Close()

	report, err := s.engine.Status(ctx)
	if err != nil {
		return fmt.Errorf("failed to read catalog status: %w", err)
	}

	r.exitCode = tasks.ExitOK
	if cmd.Bool("json") {
		return r.writeJSON(report, true)
	}
	return r.writePlain("%s\n", formatter.StatusTable(report))
}

// CleanupLocks clears lock tokens older than the lock TTL.
//
// A host-local file lock keeps overlapping invocations (e.g. from cron) from sweeping at the same time. The sweep
// itself only uses conditional writes, so cleanups on different hosts are still safe.
func (r *Runner) CleanupLocks(ctx context.Context, cmd *cli.Command) error {
	r.exitCode = tasks.ExitFatal

	cfg, err := r.prepare(cmd)
	if err != nil {
		return err
	}

	lockPath := cmd.String("lock-file")
	if err := os.MkdirAll(filepath.Dir(lockPath), 0755); err != nil {
		return fmt.Errorf("failed to create lock directory: %w", err)
	}
	guard := flock.New(lockPath)
	locked, err := guard.TryLock()
	if err != nil {
		return fmt.Errorf("failed to lock %s: %w", lockPath, err)
	}
	if !locked {
		r.logger.Warn("another cleanup is running on this host", "lock", lockPath)
		r.exitCode = tasks.ExitNoWork
		return nil
	}
	defer func() {
		if err := guard.Unlock(); err != nil {
			r.logger.Warn("failed to release cleanup lock", "lock", lockPath, "error", err)
		}
	}()

	s, err := r.openSession(ctx, cfg, false)
	if err != nil {
		return err
	}
	defer s.Close()

	ttl := s.engine.Config().LockTTL
	res, err := s.engine.Locks().SweepStale(ctx, ttl)
	if err != nil {
		return fmt.Errorf("failed to sweep stale locks: %w", err)
	}

	r.logger.Info("stale lock sweep finished", "cleared", res.Cleared, "reset", res.Reset, "errors", res.Errors)
	if err := r.writePlain("✓ Cleared %d stale lock(s), %d item(s) returned to discovered\n", res.Cleared, res.Reset); err != nil {
		return err
	}

	r.exitCode = tasks.ExitOK
	if res.Cleared == 0 {
		r.exitCode = tasks.ExitNoWork
	}
	return nil
}
