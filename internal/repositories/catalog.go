package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/desertthunder/tracksync/internal/catalog"
	"github.com/desertthunder/tracksync/internal/models"
	"github.com/desertthunder/tracksync/internal/shared"
)

const catalogColumns = `id, sequence, title, artist, album, duration_ms, fingerprint, source_ids, rating, state, completed,
	artifacts, lock_holder, lock_nonce, lock_acquired_at, lock_expires_at, attempts, error_category, error_reason,
	error_message, dead_letter, redirect_target, created_at, updated_at`

// CatalogRepository implements [catalog.Store] over the catalog_items table.
//
// Conditional patches are evaluated inside the UPDATE's WHERE clause, so the lock precondition and the write are a
// single statement.
type CatalogRepository struct {
	db      *sql.DB
	dialect shared.Dialect
	now     func() time.Time
}

// NewCatalogRepository creates a CatalogRepository over a SQLite database.
func NewCatalogRepository(db *sql.DB) *CatalogRepository {
	return &CatalogRepository{db: db, dialect: shared.SQLite, now: time.Now}
}

// NewPostgresCatalogRepository creates a CatalogRepository over a Postgres database.
func NewPostgresCatalogRepository(db *sql.DB) *CatalogRepository {
	return &CatalogRepository{db: db, dialect: shared.Postgres, now: time.Now}
}

// Create inserts a new [models.CatalogItem] with a generated ID (when empty) and the next sequence.
func (r *CatalogRepository) Create(ctx context.Context, item *models.CatalogItem) error {
	sequence, err := NextSequence(ctx, r.db, "catalog_items")
	if err != nil {
		return fmt.Errorf("failed to generate sequence: %w", err)
	}

	if item.ID == "" {
		item.ID = shared.GenerateID()
	}
	if item.State == "" {
		item.State = models.StateDiscovered
	}
	if err := item.Validate(); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	now := r.now().UTC()
	item.Sequence = sequence
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	item.UpdatedAt = now

	sourceIDs, err := json.Marshal(item.Signals.SourceIDs)
	if err != nil {
		return fmt.Errorf("failed to encode source ids: %w", err)
	}
	artifacts, err := encodeArtifacts(item.Artifacts)
	if err != nil {
		return err
	}

	holder, nonce, acquired, expires := lockColumns(item.Lock)
	category, reason, message := errorColumns(item.LastError)

	query := `
		INSERT INTO catalog_items (id, sequence, title, artist, album, duration_ms, fingerprint, source_ids, rating,
			state, completed, artifacts, has_secondary, lock_holder, lock_nonce, lock_acquired_at, lock_expires_at,
			attempts, error_category, error_reason, error_message, dead_letter, redirect_target, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = r.db.ExecContext(ctx, r.dialect.Rebind(query),
		item.ID,
		item.Sequence,
		item.Signals.Title,
		item.Signals.Artist,
		item.Signals.Album,
		item.Signals.Duration.Milliseconds(),
		item.Signals.Fingerprint,
		string(sourceIDs),
		item.Rating,
		string(item.State),
		boolToInt(item.Completed),
		artifacts,
		boolToInt(item.HasArtifact(models.ArtifactSecondary)),
		holder, nonce, acquired, expires,
		item.Attempts,
		category, reason, message,
		boolToInt(item.DeadLetter),
		item.RedirectTarget,
		item.CreatedAt,
		item.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert catalog item: %w", err)
	}

	return nil
}

// Get retrieves a catalog item by ID.
func (r *CatalogRepository) Get(ctx context.Context, id string) (*models.CatalogItem, error) {
	query := "SELECT " + catalogColumns + " FROM catalog_items WHERE id = ?"

	item, err := scanCatalogItem(r.db.QueryRowContext(ctx, r.dialect.Rebind(query), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", shared.ErrItemNotFound, id)
	}
	return item, err
}

// Query returns one keyset page of items matching the filter, ordered by sequence.
//
// The cursor is the last sequence returned; rows mutated or inserted behind the cursor by other writers never
// shift the next page.
func (r *CatalogRepository) Query(ctx context.Context, q catalog.Query) (*catalog.Page, error) {
	after := int64(0)
	if q.Cursor != "" {
		parsed, err := strconv.ParseInt(q.Cursor, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: bad cursor %q", shared.ErrInvalidInput, q.Cursor)
		}
		after = parsed
	}

	pageSize := q.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}

	where, err := filterClause(q.Filter)
	if err != nil {
		return nil, err
	}

	query := "SELECT " + catalogColumns + " FROM catalog_items WHERE sequence > ? AND " + where +
		" ORDER BY sequence ASC LIMIT ?"

	rows, err := r.db.QueryContext(ctx, r.dialect.Rebind(query), after, pageSize+1)
	if err != nil {
		return nil, fmt.Errorf("failed to query catalog items: %w", err)
	}
	defer rows.Close()

	var items []*models.CatalogItem
	for rows.Next() {
		item, err := scanCatalogItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	page := &catalog.Page{Items: items}
	if len(items) > pageSize {
		page.Items = items[:pageSize]
		page.HasMore = true
		page.NextCursor = strconv.FormatInt(page.Items[pageSize-1].Sequence, 10)
	}
	return page, nil
}

// Patch writes the patch's fields in a single UPDATE, guarded by its condition.
func (r *CatalogRepository) Patch(ctx context.Context, id string, p *catalog.Patch) error {
	if p == nil || p.Empty() {
		return fmt.Errorf("%w: empty patch for %s", shared.ErrInvalidPatch, id)
	}

	v := p.Values()
	var (
		sets []string
		args []any
	)
	set := func(col string, val any) {
		sets = append(sets, col+" = ?")
		args = append(args, val)
	}

	for _, f := range p.Fields() {
		switch f {
		case catalog.FieldState:
			set("state", string(v.State))
		case catalog.FieldLock:
			holder, nonce, acquired, expires := lockColumns(v.Lock)
			set("lock_holder", holder)
			set("lock_nonce", nonce)
			set("lock_acquired_at", acquired)
			set("lock_expires_at", expires)
		case catalog.FieldArtifacts:
			artifacts, err := encodeArtifacts(v.Artifacts)
			if err != nil {
				return err
			}
			set("artifacts", artifacts)
			set("has_secondary", boolToInt(v.HasArtifact(models.ArtifactSecondary)))
		case catalog.FieldFingerprint:
			set("fingerprint", v.Signals.Fingerprint)
		case catalog.FieldError:
			category, reason, message := errorColumns(v.LastError)
			set("error_category", category)
			set("error_reason", reason)
			set("error_message", message)
		case catalog.FieldAttempts:
			set("attempts", v.Attempts)
		case catalog.FieldCompleted:
			set("completed", boolToInt(v.Completed))
		case catalog.FieldRedirect:
			set("redirect_target", v.RedirectTarget)
		case catalog.FieldDeadLetter:
			set("dead_letter", boolToInt(v.DeadLetter))
		case catalog.FieldSignals:
			sourceIDs, err := json.Marshal(v.Signals.SourceIDs)
			if err != nil {
				return fmt.Errorf("failed to encode source ids: %w", err)
			}
			set("title", v.Signals.Title)
			set("artist", v.Signals.Artist)
			set("album", v.Signals.Album)
			set("duration_ms", v.Signals.Duration.Milliseconds())
			set("fingerprint", v.Signals.Fingerprint)
			set("source_ids", string(sourceIDs))
		case catalog.FieldRating:
			set("rating", v.Rating)
		default:
			return fmt.Errorf("%w: unknown field %q", shared.ErrInvalidPatch, f)
		}
	}
	set("updated_at", r.now().UTC())

	query := "UPDATE catalog_items SET " + strings.Join(sets, ", ") + " WHERE id = ?"
	args = append(args, id)

	if cond := p.Condition(); cond != nil {
		switch cond.Kind {
		case catalog.CondLockFree:
			query += " AND (lock_holder IS NULL OR lock_expires_at IS NULL OR lock_expires_at <= ? OR lock_holder = ?)"
			args = append(args, cond.At.UnixMilli(), cond.Holder)
		case catalog.CondHeldBy:
			query += " AND lock_holder = ? AND lock_nonce = ?"
			args = append(args, cond.Holder, cond.Nonce)
		}
	}

	result, err := r.db.ExecContext(ctx, r.dialect.Rebind(query), args...)
	if err != nil {
		return fmt.Errorf("failed to update catalog item: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if rows > 0 {
		return nil
	}

	var count int
	if err := r.db.QueryRowContext(ctx, r.dialect.Rebind("SELECT COUNT(*) FROM catalog_items WHERE id = ?"), id).Scan(&count); err != nil {
		return fmt.Errorf("failed to check catalog item: %w", err)
	}
	if count == 0 {
		return fmt.Errorf("%w: %s", shared.ErrItemNotFound, id)
	}
	return fmt.Errorf("%w: %s on %s", shared.ErrConditionFailed, p.Condition(), id)
}

// Count returns the number of catalog items.
func (r *CatalogRepository) Count(ctx context.Context) (int, error) {
	var count int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM catalog_items").Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count catalog items: %w", err)
	}
	return count, nil
}

func filterClause(f catalog.FilterName) (string, error) {
	switch f {
	case catalog.FilterUnprocessed, "":
		return "state IN ('discovered', 'locked', 'processing')", nil
	case catalog.FilterMissingSecondary:
		return "state = 'complete' AND has_secondary = 0", nil
	case catalog.FilterLocked:
		return "lock_holder IS NOT NULL", nil
	case catalog.FilterAll, catalog.FilterAny:
		return "1 = 1", nil
	default:
		return "", fmt.Errorf("%w: unknown filter %q", shared.ErrInvalidInput, f)
	}
}

func lockColumns(tok *models.LockToken) (holder, nonce sql.NullString, acquired, expires sql.NullInt64) {
	if tok == nil {
		return
	}
	holder = sql.NullString{String: tok.Holder, Valid: true}
	nonce = sql.NullString{String: tok.Nonce, Valid: true}
	acquired = sql.NullInt64{Int64: tok.AcquiredAt.UnixMilli(), Valid: true}
	expires = sql.NullInt64{Int64: tok.ExpiresAt.UnixMilli(), Valid: true}
	return
}

func errorColumns(e *models.ItemError) (category, reason, message string) {
	if e == nil {
		return "", "", ""
	}
	return string(e.Category), e.Reason, e.Message
}

func encodeArtifacts(refs []models.ArtifactRef) (string, error) {
	if refs == nil {
		refs = []models.ArtifactRef{}
	}
	data, err := json.Marshal(refs)
	if err != nil {
		return "", fmt.Errorf("failed to encode artifacts: %w", err)
	}
	return string(data), nil
}

// scanCatalogItem scans one row selected with catalogColumns.
func scanCatalogItem(row scanner) (*models.CatalogItem, error) {
	var (
		item          models.CatalogItem
		durationMS    int64
		sourceIDs     string
		state         string
		completed     int
		artifacts     string
		lockHolder    sql.NullString
		lockNonce     sql.NullString
		lockAcquired  sql.NullInt64
		lockExpires   sql.NullInt64
		errorCategory string
		errorReason   string
		errorMessage  string
		deadLetter    int
	)

	err := row.Scan(
		&item.ID, &item.Sequence, &item.Signals.Title, &item.Signals.Artist, &item.Signals.Album, &durationMS,
		&item.Signals.Fingerprint, &sourceIDs, &item.Rating, &state, &completed, &artifacts,
		&lockHolder, &lockNonce, &lockAcquired, &lockExpires, &item.Attempts,
		&errorCategory, &errorReason, &errorMessage, &deadLetter, &item.RedirectTarget,
		&item.CreatedAt, &item.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan catalog item: %w", err)
	}

	parsed, ok := models.ParseState(state)
	if !ok {
		return nil, fmt.Errorf("catalog item %s: unknown state %q", item.ID, state)
	}
	item.State = parsed
	item.Completed = completed != 0
	item.DeadLetter = deadLetter != 0
	item.Signals.Duration = time.Duration(durationMS) * time.Millisecond

	if sourceIDs != "" && sourceIDs != "null" {
		if err := json.Unmarshal([]byte(sourceIDs), &item.Signals.SourceIDs); err != nil {
			return nil, fmt.Errorf("catalog item %s: bad source ids: %w", item.ID, err)
		}
	}
	if artifacts != "" {
		if err := json.Unmarshal([]byte(artifacts), &item.Artifacts); err != nil {
			return nil, fmt.Errorf("catalog item %s: bad artifacts: %w", item.ID, err)
		}
		if len(item.Artifacts) == 0 {
			item.Artifacts = nil
		}
	}

	if lockHolder.Valid {
		item.Lock = &models.LockToken{
			Holder:     lockHolder.String,
			Nonce:      lockNonce.String,
			AcquiredAt: time.UnixMilli(lockAcquired.Int64).UTC(),
			ExpiresAt:  time.UnixMilli(lockExpires.Int64).UTC(),
		}
	}

	if errorCategory != "" {
		item.LastError = &models.ItemError{
			Category: models.ErrorCategory(errorCategory),
			Reason:   errorReason,
			Message:  errorMessage,
		}
	}

	return &item, nil
}
