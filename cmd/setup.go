package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/desertthunder/tracksync/internal/models"
	"github.com/desertthunder/tracksync/internal/services"
	"github.com/desertthunder/tracksync/internal/shared"
	"github.com/desertthunder/tracksync/internal/tasks"
)

// SetupConfig writes the configuration template to --config.
func (r *Runner) SetupConfig(ctx context.Context, cmd *cli.Command) error {
	path := cmd.String("config")
	if err := shared.CreateConfigFile(path); err != nil {
		return err
	}
	r.logger.Info("config file created", "path", path)
	return r.writePlain("✓ Configuration written to %s\n", path)
}

// SetupDatabase initializes the SQL catalog and runs migrations.
func (r *Runner) SetupDatabase(ctx context.Context, cmd *cli.Command) error {
	r.exitCode = tasks.ExitFatal

	cfg, err := r.prepare(cmd)
	if err != nil {
		return err
	}

	r.logger.Info("initializing catalog", "driver", cfg.Catalog.Driver)
	backend, err := r.open(ctx, cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to set up %s catalog: %w", cfg.Catalog.Driver, err)
	}
	defer backend.Close()

	if backend.Items == nil {
		r.exitCode = tasks.ExitOK
		if backend.Entries == nil {
			return r.writePlain("✓ Catalog and library live in notion, nothing to initialize\n")
		}
		r.logger.Info("catalog lives in notion, only the local library was initialized", "path", cfg.Database.Path)
		return r.writePlain("✓ Library database ready\n")
	}

	count, err := backend.Items.Count(ctx)
	if err != nil {
		return fmt.Errorf("failed to count catalog items: %w", err)
	}
	r.logger.Infof("setup complete for %s catalog (%d items)", cfg.Catalog.Driver, count)

	r.exitCode = tasks.ExitOK
	return r.writePlain("✓ Catalog ready (%s, %d items)\n", cfg.Catalog.Driver, count)
}

// importRecord is one line of an import file.
type importRecord struct {
	ID          string            `json:"id"`
	Title       string            `json:"title"`
	Artist      string            `json:"artist"`
	Album       string            `json:"album"`
	DurationMS  int64             `json:"duration_ms"`
	Fingerprint string            `json:"fingerprint"`
	SourceIDs   map[string]string `json:"source_ids"`
	Rating      float64           `json:"rating"`
	Location    string            `json:"location"`
}

func (rec importRecord) signals() models.IdentitySignals {
	return models.IdentitySignals{
		SourceIDs:   rec.SourceIDs,
		Fingerprint: rec.Fingerprint,
		Title:       rec.Title,
		Artist:      rec.Artist,
		Album:       rec.Album,
		Duration:    time.Duration(rec.DurationMS) * time.Millisecond,
	}
}

// readRecords decodes a JSON Lines stream, calling fn for every non-blank line.
func readRecords(rd io.Reader, fn func(line int, rec importRecord) error) error {
	scanner := bufio.NewScanner(rd)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}

		var rec importRecord
		if err := json.Unmarshal([]byte(text), &rec); err != nil {
			return fmt.Errorf("%w: line %d: %v", shared.ErrInvalidInput, line, err)
		}
		if rec.signals().Completeness() == 0 {
			return fmt.Errorf("%w: line %d: record has no identity fields", shared.ErrInvalidInput, line)
		}
		if err := fn(line, rec); err != nil {
			return err
		}
	}
	return scanner.Err()
}

func importFile(path string, fn func(line int, rec importRecord) error) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()
	if err := readRecords(f, fn); err != nil {
		return fmt.Errorf("failed to import %s: %w", path, err)
	}
	return nil
}

// SetupImport loads catalog items (--items) and library entries (--library) into the SQL stores.
func (r *Runner) SetupImport(ctx context.Context, cmd *cli.Command) error {
	r.exitCode = tasks.ExitFatal

	itemsPath, libraryPath := cmd.String("items"), cmd.String("library")
	if itemsPath == "" && libraryPath == "" {
		return fmt.Errorf("%w: either --items or --library must be provided", shared.ErrMissingArgument)
	}

	cfg, err := r.prepare(cmd)
	if err != nil {
		return err
	}
	backend, err := r.open(ctx, cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open %s catalog: %w", cfg.Catalog.Driver, err)
	}
	defer backend.Close()

	var items, entries int
	if itemsPath != "" {
		if items, err = r.importItems(ctx, backend, itemsPath); err != nil {
			return err
		}
	}
	if libraryPath != "" {
		if entries, err = r.importLibrary(ctx, backend, libraryPath); err != nil {
			return err
		}
	}

	r.exitCode = tasks.ExitOK
	return r.writePlain("✓ Imported %d catalog item(s) and %d library entr(ies)\n", items, entries)
}

func (r *Runner) importItems(ctx context.Context, backend *services.Backend, path string) (int, error) {
	if backend.Items == nil {
		return 0, fmt.Errorf("%w: items can only be imported into the sqlite or postgres catalog", shared.ErrInvalidConfig)
	}

	count := 0
	err := importFile(path, func(line int, rec importRecord) error {
		item := &models.CatalogItem{
			ID:      rec.ID,
			Signals: rec.signals(),
			Rating:  rec.Rating,
			State:   models.StateDiscovered,
		}
		if err := backend.Items.Create(ctx, item); err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
		r.logger.Debug("imported catalog item", "item", item.ID, "line", line)
		count++
		return nil
	})
	if err != nil {
		return count, err
	}
	r.logger.Info("imported catalog items", "path", path, "count", count)
	return count, nil
}

func (r *Runner) importLibrary(ctx context.Context, backend *services.Backend, path string) (int, error) {
	if backend.Entries == nil {
		return 0, fmt.Errorf("%w: library entries can only be imported into the local library", shared.ErrInvalidConfig)
	}

	count := 0
	err := importFile(path, func(line int, rec importRecord) error {
		entry := &models.LibraryEntry{ID: rec.ID, Signals: rec.signals(), Location: rec.Location}
		if err := backend.Entries.Create(ctx, entry); err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
		count++
		return nil
	})
	if err != nil {
		return count, err
	}
	r.logger.Info("imported library entries", "path", path, "count", count)
	return count, nil
}
