package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/desertthunder/tracksync/internal/models"
	"github.com/desertthunder/tracksync/internal/shared"
)

// LibraryRepository reads and registers entries of the target library.
type LibraryRepository struct {
	db      *sql.DB
	dialect shared.Dialect
}

// NewLibraryRepository creates a LibraryRepository over a SQLite database.
func NewLibraryRepository(db *sql.DB) *LibraryRepository {
	return &LibraryRepository{db: db, dialect: shared.SQLite}
}

// NewPostgresLibraryRepository creates a LibraryRepository over a Postgres database.
func NewPostgresLibraryRepository(db *sql.DB) *LibraryRepository {
	return &LibraryRepository{db: db, dialect: shared.Postgres}
}

// Create inserts a new [models.LibraryEntry] with a generated ID (when empty) and the next sequence.
func (r *LibraryRepository) Create(ctx context.Context, entry *models.LibraryEntry) error {
	sequence, err := NextSequence(ctx, r.db, "library_entries")
	if err != nil {
		return fmt.Errorf("failed to generate sequence: %w", err)
	}

	if entry.ID == "" {
		entry.ID = shared.GenerateID()
	}
	entry.Sequence = sequence
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	sourceIDs, err := json.Marshal(entry.Signals.SourceIDs)
	if err != nil {
		return fmt.Errorf("failed to encode source ids: %w", err)
	}

	query := `
		INSERT INTO library_entries (id, sequence, title, artist, album, duration_ms, fingerprint, source_ids, location, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = r.db.ExecContext(ctx, r.dialect.Rebind(query),
		entry.ID,
		entry.Sequence,
		entry.Signals.Title,
		entry.Signals.Artist,
		entry.Signals.Album,
		entry.Signals.Duration.Milliseconds(),
		entry.Signals.Fingerprint,
		string(sourceIDs),
		entry.Location,
		entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert library entry: %w", err)
	}

	return nil
}

// ListEntries enumerates the whole library in registration order.
func (r *LibraryRepository) ListEntries(ctx context.Context) ([]*models.LibraryEntry, error) {
	query := `
		SELECT id, sequence, title, artist, album, duration_ms, fingerprint, source_ids, location, created_at
		FROM library_entries
		ORDER BY sequence ASC
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query library entries: %w", err)
	}
	defer rows.Close()

	var entries []*models.LibraryEntry
	for rows.Next() {
		var (
			entry      models.LibraryEntry
			durationMS int64
			sourceIDs  string
		)
		err := rows.Scan(&entry.ID, &entry.Sequence, &entry.Signals.Title, &entry.Signals.Artist, &entry.Signals.Album,
			&durationMS, &entry.Signals.Fingerprint, &sourceIDs, &entry.Location, &entry.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan library entry: %w", err)
		}
		entry.Signals.Duration = time.Duration(durationMS) * time.Millisecond
		if sourceIDs != "" && sourceIDs != "null" {
			if err := json.Unmarshal([]byte(sourceIDs), &entry.Signals.SourceIDs); err != nil {
				return nil, fmt.Errorf("library entry %s: bad source ids: %w", entry.ID, err)
			}
		}
		entries = append(entries, &entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	return entries, nil
}

// Exists reports whether the library holds an entry with the given id.
func (r *LibraryRepository) Exists(ctx context.Context, id string) (bool, error) {
	var exists bool
	query := r.dialect.Rebind("SELECT EXISTS(SELECT 1 FROM library_entries WHERE id = ?)")
	if err := r.db.QueryRowContext(ctx, query, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check library entry: %w", err)
	}
	return exists, nil
}
