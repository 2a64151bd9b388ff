package tasks

import (
	"context"
	"iter"

	"github.com/desertthunder/tracksync/internal/catalog"
	"github.com/desertthunder/tracksync/internal/models"
)

// Selector enumerates candidate items page by page.
//
// Pages are fetched lazily with the store's cursor; items changed by other workers between pages are simply seen
// in their new state, which is why every worker re-verifies an item after locking it.
type Selector struct {
	store catalog.Store
}

// NewSelector creates a selector over store.
func NewSelector(store catalog.Store) *Selector {
	return &Selector{store: store}
}

// Pages yields successive pages for filter. Iteration stops after the first error.
func (s *Selector) Pages(ctx context.Context, filter catalog.FilterName, pageSize int) iter.Seq2[*catalog.Page, error] {
	return func(yield func(*catalog.Page, error) bool) {
		cursor := ""
		for {
			page, err := s.store.Query(ctx, catalog.Query{Filter: filter, Cursor: cursor, PageSize: pageSize})
			if err != nil {
				yield(nil, err)
				return
			}
			if !yield(page, nil) {
				return
			}
			if !page.HasMore || page.NextCursor == "" || page.NextCursor == cursor {
				return
			}
			cursor = page.NextCursor
		}
	}
}

// Items flattens [Selector.Pages].
func (s *Selector) Items(ctx context.Context, filter catalog.FilterName, pageSize int) iter.Seq2[*models.CatalogItem, error] {
	return func(yield func(*models.CatalogItem, error) bool) {
		for page, err := range s.Pages(ctx, filter, pageSize) {
			if err != nil {
				yield(nil, err)
				return
			}
			for _, item := range page.Items {
				if !yield(item, nil) {
					return
				}
			}
		}
	}
}
