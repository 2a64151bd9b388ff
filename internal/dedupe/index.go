package dedupe

import (
	"context"
	"fmt"

	"github.com/desertthunder/tracksync/internal/models"
)

// LibrarySource enumerates the target library.
type LibrarySource interface {
	ListEntries(ctx context.Context) ([]*models.LibraryEntry, error)
}

// Index is a read-only snapshot of the target library, built once per run and safe for concurrent lookups.
type Index struct {
	engine   *Engine
	entries  []Identity
	bySource map[string][]int // source + "\x00" + normalized id
	keyed    []int
	withFP   []int
}

// BuildIndex enumerates src once and indexes every entry by its identity signals.
func BuildIndex(ctx context.Context, src LibrarySource, engine *Engine) (*Index, error) {
	entries, err := src.ListEntries(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list library entries: %w", err)
	}

	ix := &Index{
		engine:   engine,
		entries:  make([]Identity, 0, len(entries)),
		bySource: make(map[string][]int),
	}

	for _, entry := range entries {
		ident := FromEntry(entry)
		n := len(ix.entries)
		ix.entries = append(ix.entries, ident)

		for source, value := range ident.ids {
			ix.bySource[source+"\x00"+value] = append(ix.bySource[source+"\x00"+value], n)
		}
		if ident.key != "" {
			ix.keyed = append(ix.keyed, n)
		}
		if ident.Signals.Fingerprint != "" {
			ix.withFP = append(ix.withFP, n)
		}
	}

	return ix, nil
}

// Len returns the number of indexed entries.
func (ix *Index) Len() int { return len(ix.entries) }

// Lookup returns the top-ranked library match for item.
//
// Exact ids are hash lookups. The fingerprint stage scans entries carrying a fingerprint and the fuzzy stage scans
// every entry with a title, so a lookup ranks the same as [Engine.IsDuplicate] over the whole library.
func (ix *Index) Lookup(item *models.CatalogItem) (*models.DuplicateMatch, bool) {
	candidate := FromItem(item)

	seen := make(map[int]bool)
	var pool []Identity
	add := func(idx []int) {
		for _, i := range idx {
			if !seen[i] {
				seen[i] = true
				pool = append(pool, ix.entries[i])
			}
		}
	}

	for source, value := range candidate.ids {
		add(ix.bySource[source+"\x00"+value])
	}
	if candidate.Signals.Fingerprint != "" {
		add(ix.withFP)
	}
	if candidate.key != "" {
		add(ix.keyed)
	}

	ok, match := ix.engine.IsDuplicate(candidate, pool)
	return match, ok
}
