package tasks

import (
	"context"
	"time"

	"github.com/charmbracelet/log"

	"github.com/desertthunder/tracksync/internal/dedupe"
	"github.com/desertthunder/tracksync/internal/models"
	"github.com/desertthunder/tracksync/internal/shared"
)

// Pipeline is the external processing step. A nil error with Success=false is a failure reported by the pipeline.
type Pipeline interface {
	Process(ctx context.Context, item *models.CatalogItem) (*models.PipelineOutput, error)
}

// ArtifactVerifier confirms that artifact references resolve.
type ArtifactVerifier interface {
	Verify(ctx context.Context, refs []models.ArtifactRef) error
}

// Clock supplies time and waiting so tests can run the lock protocol without real delays.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now().UTC() }

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// EngineConfig is everything the engine needs, resolved once from [shared.Config].
type EngineConfig struct {
	Workers                 int
	PageSize                int
	LockTTL                 time.Duration
	SettleDelay             time.Duration
	MaxAttempts             int
	BackoffBase             time.Duration
	BackoffMax              time.Duration
	PipelineTimeout         time.Duration
	StoreTimeout            time.Duration
	MaxCoordinationFailures int
	Holder                  string
	Dedupe                  dedupe.Config
}

// EngineConfigFrom builds the engine config and a fresh holder id for this run.
func EngineConfigFrom(cfg *shared.Config) EngineConfig {
	s := cfg.Sync
	return EngineConfig{
		Workers:                 s.Workers,
		PageSize:                s.PageSize,
		LockTTL:                 s.LockTTL.Duration,
		SettleDelay:             s.SettleDelay.Duration,
		MaxAttempts:             s.MaxAttempts,
		BackoffBase:             s.BackoffBase.Duration,
		BackoffMax:              s.BackoffMax.Duration,
		PipelineTimeout:         s.PipelineTimeout.Duration,
		StoreTimeout:            s.StoreTimeout.Duration,
		MaxCoordinationFailures: s.MaxCoordinationFailures,
		Holder:                  shared.HolderID(s.HolderPrefix),
		Dedupe:                  dedupe.ConfigFrom(cfg.Dedupe),
	}
}

// DefaultEngineConfig returns the engine config for the embedded defaults.
func DefaultEngineConfig() EngineConfig {
	return EngineConfigFrom(shared.DefaultConfig())
}

func (c *EngineConfig) normalize() {
	c.Workers = max(c.Workers, 1)
	if c.PageSize <= 0 {
		c.PageSize = 50
	}
	c.MaxAttempts = max(c.MaxAttempts, 1)
	c.MaxCoordinationFailures = max(c.MaxCoordinationFailures, 1)
	if c.LockTTL <= 0 {
		c.LockTTL = 30 * time.Minute
	}
	if c.PipelineTimeout <= 0 || c.PipelineTimeout >= c.LockTTL {
		c.PipelineTimeout = c.LockTTL * 2 / 3
	}
	if c.BackoffMax < c.BackoffBase {
		c.BackoffMax = c.BackoffBase
	}
	if c.Holder == "" {
		c.Holder = shared.HolderID("")
	}
	if c.Dedupe == (dedupe.Config{}) {
		c.Dedupe = dedupe.DefaultConfig()
	}
}

// withTimeout bounds one remote call. A non-positive d leaves ctx unbounded.
func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// detached outlives ctx's cancellation so cleanup writes still reach the store.
func detached(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		d = 30 * time.Second
	}
	return context.WithTimeout(context.WithoutCancel(ctx), d)
}

// sendProgress sends a progress update through the channel without blocking.
// Uses select with default to ensure progress reporting never blocks execution.
func sendProgress(progress chan<- ProgressUpdate, update ProgressUpdate) {
	if progress == nil {
		return
	}
	select {
	case progress <- update:
	default:
	}
}

func defaultLogger(l *log.Logger) *log.Logger {
	if l == nil {
		return log.Default()
	}
	return l
}
