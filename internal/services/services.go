package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/charmbracelet/log"

	"github.com/desertthunder/tracksync/internal/catalog"
	"github.com/desertthunder/tracksync/internal/models"
	"github.com/desertthunder/tracksync/internal/repositories"
	"github.com/desertthunder/tracksync/internal/shared"
)

// Library is the target library: enumerated once per run for deduplication and checked to verify artifacts.
type Library interface {
	ListEntries(ctx context.Context) ([]*models.LibraryEntry, error)
	Exists(ctx context.Context, id string) (bool, error)
}

// Backend is the catalog store and target library selected by the configured driver.
type Backend struct {
	Driver  string
	Store   catalog.Store
	Library Library

	// Items and Entries are set for the SQL drivers and used by bulk import.
	Items   *repositories.CatalogRepository
	Entries *repositories.LibraryRepository

	closers []func() error
}

// Close releases every connection the backend opened.
func (b *Backend) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		errs = append(errs, b.closers[i]())
	}
	return errors.Join(errs...)
}

// OpenBackend connects to the configured catalog driver.
//
// The Notion driver keeps its library in a second Notion database when one is configured and falls back to the
// local SQLite library otherwise.
func OpenBackend(ctx context.Context, cfg *shared.Config, logger *log.Logger) (*Backend, error) {
	b := &Backend{Driver: cfg.Catalog.Driver}

	switch cfg.Catalog.Driver {
	case shared.DriverSQLite:
		if err := b.openSQLite(ctx, cfg); err != nil {
			return nil, err
		}
		b.Store, b.Library = b.Items, b.Entries

	case shared.DriverPostgres:
		pg, err := repositories.NewPostgresDB(cfg.Postgres.DSN)
		if err != nil {
			return nil, err
		}
		db, err := pg.DB()
		if err != nil {
			_ = pg.Close()
			return nil, err
		}
		b.closers = append(b.closers, pg.Close)
		b.Items = repositories.NewPostgresCatalogRepository(db)
		b.Entries = repositories.NewPostgresLibraryRepository(db)
		b.Store, b.Library = b.Items, b.Entries

	case shared.DriverNotion:
		opts := NotionOptionsFrom(cfg.Notion)
		opts.Logger = logger
		store, err := NewNotionStore(ctx, opts)
		if err != nil {
			return nil, err
		}
		b.Store = store

		if cfg.Notion.LibraryDatabaseID != "" {
			lib, err := NewNotionLibrary(ctx, opts)
			if err != nil {
				return nil, err
			}
			b.Library = lib
		} else {
			if err := b.openSQLite(ctx, cfg); err != nil {
				return nil, err
			}
			b.Library = b.Entries
			b.Items = nil
		}

	default:
		return nil, fmt.Errorf("%w: unknown catalog driver %q", shared.ErrInvalidConfig, cfg.Catalog.Driver)
	}

	return b, nil
}

func (b *Backend) openSQLite(ctx context.Context, cfg *shared.Config) error {
	db, err := shared.NewDatabase(cfg.Database.Path)
	if err != nil {
		return err
	}
	shared.ConfigureDatabase(db, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns)
	if err := shared.RunMigrations(ctx, db, shared.SQLite); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to migrate %s: %w", cfg.Database.Path, err)
	}
	b.closers = append(b.closers, db.Close)
	b.Items = repositories.NewCatalogRepository(db)
	b.Entries = repositories.NewLibraryRepository(db)
	return nil
}
