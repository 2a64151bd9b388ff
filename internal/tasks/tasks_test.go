package tasks

import (
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/charmbracelet/log"

	"github.com/desertthunder/tracksync/internal/dedupe"
	"github.com/desertthunder/tracksync/internal/models"
	"github.com/desertthunder/tracksync/internal/services"
	tu "github.com/desertthunder/tracksync/internal/testing"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

const ttl = 30 * time.Minute

func quietLogger() *log.Logger {
	return log.New(io.Discard)
}

func track(n int) *models.CatalogItem {
	return &models.CatalogItem{
		ID: fmt.Sprintf("item-%02d", n),
		Signals: models.IdentitySignals{
			Title:  fmt.Sprintf("Song %02d", n),
			Artist: fmt.Sprintf("Band %02d", n),
		},
	}
}

func tracks(n int) []*models.CatalogItem {
	items := make([]*models.CatalogItem, n)
	for i := range items {
		items[i] = track(i + 1)
	}
	return items
}

func testConfig() EngineConfig {
	return EngineConfig{
		Workers:                 1,
		PageSize:                5,
		LockTTL:                 ttl,
		SettleDelay:             10 * time.Millisecond,
		MaxAttempts:             3,
		BackoffBase:             time.Second,
		BackoffMax:              10 * time.Second,
		PipelineTimeout:         time.Minute,
		MaxCoordinationFailures: 3,
		Holder:                  "test-holder",
		Dedupe:                  dedupe.DefaultConfig(),
	}
}

type fixture struct {
	clock    *tu.FakeClock
	store    *tu.MemoryStore
	library  *tu.MemoryLibrary
	pipeline *tu.MockPipeline
}

func newFixture(items ...*models.CatalogItem) *fixture {
	clock := tu.NewFakeClock(t0)
	store := tu.NewMemoryStore(clock.Now)
	store.Add(items...)
	lib := tu.NewMemoryLibrary()
	return &fixture{clock: clock, store: store, library: lib, pipeline: tu.NewMockPipeline(lib)}
}

func (f *fixture) engine(t *testing.T, cfg EngineConfig, opts ...EngineOption) *Engine {
	t.Helper()
	opts = append([]EngineOption{
		WithClock(f.clock),
		WithLogger(quietLogger()),
		WithJitter(func(time.Duration) time.Duration { return 0 }),
	}, opts...)
	return NewEngine(cfg, f.store, f.library, f.pipeline, services.NewVerifier(f.library), opts...)
}

func (f *fixture) locks() *LockManager {
	return NewLockManager(f.store, 10*time.Millisecond, WithLockClock(f.clock), WithLockLogger(quietLogger()))
}
