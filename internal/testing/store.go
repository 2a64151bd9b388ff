// Package testing provides in-memory doubles of the catalog store and its collaborators.
package testing

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/desertthunder/tracksync/internal/catalog"
	"github.com/desertthunder/tracksync/internal/models"
	"github.com/desertthunder/tracksync/internal/shared"
)

// MemoryStore is an in-memory [catalog.Store].
//
// With Atomic set, patch conditions are evaluated under the store mutex like the SQL stores do. Without it the
// condition is ignored and the last writer wins, which is how a store without conditional writes behaves.
type MemoryStore struct {
	Atomic bool

	// OnPatch runs after a successful patch, outside the store mutex.
	OnPatch func(id string, p *catalog.Patch)
	// FailPatch may veto a patch before it is applied.
	FailPatch func(id string, p *catalog.Patch) error
	// FailQuery, when set, is returned by every Query.
	FailQuery error

	mu      sync.Mutex
	items   map[string]*models.CatalogItem
	seq     int64
	now     func() time.Time
	patches int
	history map[string][]models.ProcessingState
}

// NewMemoryStore creates an empty atomic store; now defaults to [time.Now].
func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		Atomic:  true,
		items:   make(map[string]*models.CatalogItem),
		now:     now,
		history: make(map[string][]models.ProcessingState),
	}
}

// Add stores copies of items, assigning ids, sequences and the discovered state where missing.
func (s *MemoryStore) Add(items ...*models.CatalogItem) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, item := range items {
		c := item.Clone()
		if c.ID == "" {
			c.ID = shared.GenerateID()
			item.ID = c.ID
		}
		if c.Sequence == 0 {
			s.seq++
			c.Sequence = s.seq
			item.Sequence = c.Sequence
		} else if c.Sequence > s.seq {
			s.seq = c.Sequence
		}
		if c.State == "" {
			c.State = models.StateDiscovered
		}
		if c.CreatedAt.IsZero() {
			c.CreatedAt = s.now()
		}
		c.UpdatedAt = c.CreatedAt
		s.items[c.ID] = c
		s.history[c.ID] = []models.ProcessingState{c.State}
	}
}

// Query implements [catalog.Store].
func (s *MemoryStore) Query(ctx context.Context, q catalog.Query) (*catalog.Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.FailQuery != nil {
		return nil, s.FailQuery
	}

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

	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []*models.CatalogItem
	for _, item := range s.items {
		if item.Sequence > after && q.Filter.Matches(item) {
			matched = append(matched, item)
		}
	}
	slices.SortFunc(matched, func(a, b *models.CatalogItem) int { return int(a.Sequence - b.Sequence) })

	page := &catalog.Page{}
	for i, item := range matched {
		if i == pageSize {
			page.HasMore = true
			page.NextCursor = strconv.FormatInt(matched[i-1].Sequence, 10)
			break
		}
		page.Items = append(page.Items, item.Clone())
	}
	return page, nil
}

// Get implements [catalog.Store].
func (s *MemoryStore) Get(ctx context.Context, id string) (*models.CatalogItem, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", shared.ErrItemNotFound, id)
	}
	return item.Clone(), nil
}

// Patch implements [catalog.Store].
func (s *MemoryStore) Patch(ctx context.Context, id string, p *catalog.Patch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p == nil || p.Empty() {
		return fmt.Errorf("%w: empty patch for %s", shared.ErrInvalidPatch, id)
	}
	if s.FailPatch != nil {
		if err := s.FailPatch(id, p); err != nil {
			return err
		}
	}

	s.mu.Lock()
	item, ok := s.items[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", shared.ErrItemNotFound, id)
	}
	if cond := p.Condition(); s.Atomic && cond != nil && !cond.Satisfied(item) {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s on %s", shared.ErrConditionFailed, cond, id)
	}
	before := item.State
	p.Apply(item)
	item.UpdatedAt = s.now()
	if item.State != before {
		s.history[id] = append(s.history[id], item.State)
	}
	s.patches++
	s.mu.Unlock()

	if s.OnPatch != nil {
		s.OnPatch(id, p)
	}
	return nil
}

// Item returns a copy of the stored item, or nil.
func (s *MemoryStore) Item(id string) *models.CatalogItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.items[id].Clone()
}

// Items returns copies of every item in sequence order.
func (s *MemoryStore) Items() []*models.CatalogItem {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*models.CatalogItem, 0, len(s.items))
	for _, item := range s.items {
		out = append(out, item.Clone())
	}
	slices.SortFunc(out, func(a, b *models.CatalogItem) int { return int(a.Sequence - b.Sequence) })
	return out
}

// History returns the sequence of persisted states of an item.
func (s *MemoryStore) History(id string) []models.ProcessingState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.history[id])
}

// PatchCount returns the number of applied patches.
func (s *MemoryStore) PatchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.patches
}
