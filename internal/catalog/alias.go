package catalog

import (
	"fmt"
	"maps"
	"slices"

	"github.com/desertthunder/tracksync/internal/shared"
)

// Logical property names resolved through an [AliasTable].
const (
	PropTitle          = "title"
	PropArtist         = "artist"
	PropAlbum          = "album"
	PropDuration       = "duration"
	PropFingerprint    = "fingerprint"
	PropRating         = "rating"
	PropState          = "state"
	PropCompleted      = "completed"
	PropArtifacts      = "artifacts"
	PropAttempts       = "attempts"
	PropErrorCategory  = "error_category"
	PropErrorReason    = "error_reason"
	PropErrorMessage   = "error_message"
	PropDeadLetter     = "dead_letter"
	PropRedirect       = "redirect_target"
	PropLockHolder     = "lock_holder"
	PropLockNonce      = "lock_nonce"
	PropLockAcquiredAt = "lock_acquired_at"
	PropLockExpiresAt  = "lock_expires_at"
)

// RequiredProps must resolve for a store to act as a work queue and lock table.
var RequiredProps = []string{PropTitle, PropState, PropCompleted, PropLockHolder, PropLockNonce, PropLockExpiresAt}

// AliasTable maps logical field names onto the property names a concrete store actually uses.
//
// It is built once at startup from the store's schema and never changes afterwards.
type AliasTable struct {
	resolved map[string]string
}

// NewAliasTable picks, for every logical name, the first candidate present in available.
// Logical names listed in required must resolve.
func NewAliasTable(candidates map[string][]string, available []string, required ...string) (*AliasTable, error) {
	present := make(map[string]bool, len(available))
	for _, name := range available {
		present[name] = true
	}

	resolved := make(map[string]string, len(candidates))
	for logical, names := range candidates {
		for _, name := range names {
			if present[name] {
				resolved[logical] = name
				break
			}
		}
	}

	var missing []string
	for _, logical := range required {
		if _, ok := resolved[logical]; !ok {
			missing = append(missing, logical)
		}
	}
	if len(missing) > 0 {
		slices.Sort(missing)
		return nil, fmt.Errorf("%w: no property found for %v", shared.ErrInvalidConfig, missing)
	}

	return &AliasTable{resolved: resolved}, nil
}

// Resolve returns the concrete property name for a logical field.
func (t *AliasTable) Resolve(logical string) (string, bool) {
	if t == nil {
		return "", false
	}
	name, ok := t.resolved[logical]
	return name, ok
}

// Logical returns the resolved logical names in sorted order.
func (t *AliasTable) Logical() []string {
	return slices.Sorted(maps.Keys(t.resolved))
}

// Reverse maps concrete property names back to logical names.
func (t *AliasTable) Reverse() map[string]string {
	out := make(map[string]string, len(t.resolved))
	for logical, name := range t.resolved {
		out[name] = logical
	}
	return out
}
