// Package catalog defines the narrow contract every catalog store satisfies.
//
// A store offers three primitives: a paginated, filtered [Store.Query], a single item [Store.Get] and a
// multi-field [Store.Patch]. Patches may carry a [Condition]; stores that can evaluate it atomically (SQL, the
// in-memory store) do so, others evaluate it against a fresh read. All lock and state semantics are built on top
// of this contract in package tasks.
package catalog

import (
	"context"
	"fmt"
	"time"

	"github.com/desertthunder/tracksync/internal/models"
	"github.com/desertthunder/tracksync/internal/shared"
)

// Store is the typed read/query/patch interface over the external record store.
type Store interface {
	// Query returns one page of items matching q.Filter, ordered by registration sequence.
	Query(ctx context.Context, q Query) (*Page, error)
	// Get re-reads a single item. Missing items return [shared.ErrItemNotFound].
	Get(ctx context.Context, id string) (*models.CatalogItem, error)
	// Patch writes the fields set on p. A failed condition returns [shared.ErrConditionFailed].
	Patch(ctx context.Context, id string, p *Patch) error
}

// FilterName selects candidate items.
type FilterName string

const (
	FilterUnprocessed      FilterName = "unprocessed"
	FilterAll              FilterName = "all"
	FilterMissingSecondary FilterName = "missing-secondary-artifact"
	FilterLocked           FilterName = "locked" // items carrying any lock token, used by the sweep
	FilterAny              FilterName = "any"    // every item, used by status reports
)

// Filters lists the filters accepted on the command line.
var Filters = []FilterName{FilterUnprocessed, FilterAll, FilterMissingSecondary}

// ParseFilter validates a user supplied filter name.
func ParseFilter(s string) (FilterName, error) {
	switch f := FilterName(s); f {
	case FilterUnprocessed, FilterAll, FilterMissingSecondary, FilterLocked, FilterAny:
		return f, nil
	case "":
		return FilterUnprocessed, nil
	default:
		return "", fmt.Errorf("%w: unknown filter %q (want one of %v)", shared.ErrInvalidFlag, s, Filters)
	}
}

// Matches reports whether item belongs to the filter. Stores that cannot push a filter down evaluate it with this.
func (f FilterName) Matches(item *models.CatalogItem) bool {
	switch f {
	case FilterUnprocessed:
		return !item.State.Terminal()
	case FilterMissingSecondary:
		return item.State == models.StateComplete && !item.HasArtifact(models.ArtifactSecondary)
	case FilterLocked:
		return item.Lock != nil
	case FilterAll, FilterAny:
		return true
	default:
		return false
	}
}

// Query describes one page request.
type Query struct {
	Filter   FilterName
	Cursor   string // opaque; empty for the first page
	PageSize int
}

// Page is one page of query results.
type Page struct {
	Items      []*models.CatalogItem
	NextCursor string
	HasMore    bool
}

// ConditionKind identifies a patch precondition.
type ConditionKind int

const (
	// CondLockFree holds when the item has no live lock, or the live lock belongs to Holder.
	CondLockFree ConditionKind = iota + 1
	// CondHeldBy holds when the stored lock was written by Holder with Nonce.
	CondHeldBy
)

// Condition is a precondition evaluated against the stored item before a patch is applied.
type Condition struct {
	Kind   ConditionKind
	Holder string
	Nonce  string
	At     time.Time
}

// LockFree builds a [CondLockFree] condition evaluated at now.
func LockFree(holder string, now time.Time) Condition {
	return Condition{Kind: CondLockFree, Holder: holder, At: now}
}

// HeldBy builds a [CondHeldBy] condition.
func HeldBy(holder, nonce string) Condition {
	return Condition{Kind: CondHeldBy, Holder: holder, Nonce: nonce}
}

// Satisfied evaluates the condition against item.
func (c Condition) Satisfied(item *models.CatalogItem) bool {
	switch c.Kind {
	case CondLockFree:
		return !item.Lock.Live(c.At) || item.Lock.Holder == c.Holder
	case CondHeldBy:
		return item.Lock.Owns(c.Holder, c.Nonce)
	default:
		return true
	}
}

func (c Condition) String() string {
	switch c.Kind {
	case CondLockFree:
		return fmt.Sprintf("lock-free(%s)", c.Holder)
	case CondHeldBy:
		return fmt.Sprintf("held-by(%s)", c.Holder)
	default:
		return "none"
	}
}
