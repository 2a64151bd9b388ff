package testing

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/desertthunder/tracksync/internal/models"
	"github.com/desertthunder/tracksync/internal/shared"
)

// MemoryLibrary is an in-memory target library.
type MemoryLibrary struct {
	ListErr error

	mu      sync.Mutex
	entries []*models.LibraryEntry
	lists   int
}

// NewMemoryLibrary creates a library holding entries.
func NewMemoryLibrary(entries ...*models.LibraryEntry) *MemoryLibrary {
	l := &MemoryLibrary{}
	for _, e := range entries {
		l.Add(e)
	}
	return l
}

// Add registers an entry, assigning an id and sequence when missing.
func (l *MemoryLibrary) Add(e *models.LibraryEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e.ID == "" {
		e.ID = shared.GenerateID()
	}
	if e.Sequence == 0 {
		e.Sequence = int64(len(l.entries) + 1)
	}
	l.entries = append(l.entries, e)
}

// Remove drops the entry with the given id.
func (l *MemoryLibrary) Remove(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = slices.DeleteFunc(l.entries, func(e *models.LibraryEntry) bool { return e.ID == id })
}

// ListEntries returns every entry.
func (l *MemoryLibrary) ListEntries(ctx context.Context) ([]*models.LibraryEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lists++
	if l.ListErr != nil {
		return nil, l.ListErr
	}
	return slices.Clone(l.entries), nil
}

// Exists reports whether an entry with id is present.
func (l *MemoryLibrary) Exists(ctx context.Context, id string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.ContainsFunc(l.entries, func(e *models.LibraryEntry) bool { return e.ID == id }), nil
}

// ListCalls counts ListEntries calls.
func (l *MemoryLibrary) ListCalls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lists
}

// MockPipeline is a scripted processing pipeline.
//
// By default it succeeds and imports the item into Library, returning a library artifact. Fn replaces the default
// behaviour; Errors scripts per-item failures consumed one per call.
type MockPipeline struct {
	Library *MemoryLibrary
	Fn      func(ctx context.Context, item *models.CatalogItem) (*models.PipelineOutput, error)
	Errors  map[string][]error

	mu          sync.Mutex
	calls       map[string]int
	active      map[string]int
	overlaps    int
	maxParallel int
	running     int
}

// NewMockPipeline creates a pipeline importing into lib.
func NewMockPipeline(lib *MemoryLibrary) *MockPipeline {
	return &MockPipeline{Library: lib, Errors: make(map[string][]error)}
}

// FailWith scripts the next calls for id to return errs in order.
func (m *MockPipeline) FailWith(id string, errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Errors[id] = append(m.Errors[id], errs...)
}

// Process implements the pipeline contract.
func (m *MockPipeline) Process(ctx context.Context, item *models.CatalogItem) (*models.PipelineOutput, error) {
	m.mu.Lock()
	if m.calls == nil {
		m.calls = make(map[string]int)
		m.active = make(map[string]int)
	}
	m.calls[item.ID]++
	m.active[item.ID]++
	if m.active[item.ID] > 1 {
		m.overlaps++
	}
	m.running++
	m.maxParallel = max(m.maxParallel, m.running)
	var scripted error
	if errs := m.Errors[item.ID]; len(errs) > 0 {
		scripted = errs[0]
		m.Errors[item.ID] = errs[1:]
	}
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.active[item.ID]--
		m.running--
		m.mu.Unlock()
	}()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if scripted != nil {
		return nil, scripted
	}
	if m.Fn != nil {
		return m.Fn(ctx, item)
	}

	entryID := "lib-" + item.ID
	if m.Library != nil {
		if ok, _ := m.Library.Exists(ctx, entryID); !ok {
			m.Library.Add(&models.LibraryEntry{ID: entryID, Signals: item.Signals.Clone()})
		}
	}
	return &models.PipelineOutput{
		Success:     true,
		Artifacts:   []models.ArtifactRef{{Kind: models.ArtifactPrimary, Type: models.ArtifactLibrary, Location: entryID}},
		Fingerprint: item.Signals.Fingerprint,
	}, nil
}

// Calls returns how many times id was processed.
func (m *MockPipeline) Calls(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[id]
}

// TotalCalls returns the number of Process calls.
func (m *MockPipeline) TotalCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		n += c
	}
	return n
}

// Overlaps counts calls that started while the same item was already being processed.
func (m *MockPipeline) Overlaps() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.overlaps
}

// MaxParallel is the highest number of concurrent calls observed.
func (m *MockPipeline) MaxParallel() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxParallel
}

func (m *MockPipeline) String() string {
	return fmt.Sprintf("MockPipeline(calls=%d)", m.TotalCalls())
}
