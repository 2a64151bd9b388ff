// package models defines the data model for the track synchronization engine
package models

import (
	"fmt"
	"maps"
	"slices"
	"time"
)

// ArtifactKind distinguishes the main output of the pipeline from derived outputs.
type ArtifactKind string

const (
	ArtifactPrimary   ArtifactKind = "primary"
	ArtifactSecondary ArtifactKind = "secondary"
)

// ArtifactType says how an [ArtifactRef] location is resolved.
type ArtifactType string

const (
	ArtifactFile    ArtifactType = "file"    // path on a filesystem visible to the worker
	ArtifactLibrary ArtifactType = "library" // id of an entry in the target library
)

// ArtifactRef points at something the pipeline produced for an item.
type ArtifactRef struct {
	Kind     ArtifactKind `json:"kind"`
	Type     ArtifactType `json:"type"`
	Location string       `json:"location"`
}

// IdentitySignals are the fields used to decide whether two tracks are the same recording.
type IdentitySignals struct {
	SourceIDs   map[string]string `json:"source_ids,omitempty"` // source name (isrc, spotify, ...) -> id
	Fingerprint string            `json:"fingerprint,omitempty"`
	Title       string            `json:"title,omitempty"`
	Artist      string            `json:"artist,omitempty"`
	Album       string            `json:"album,omitempty"`
	Duration    time.Duration     `json:"duration,omitempty"` // zero when unknown
}

// Completeness counts the populated identity fields.
func (s IdentitySignals) Completeness() int {
	n := len(s.SourceIDs)
	for _, v := range []string{s.Fingerprint, s.Title, s.Artist, s.Album} {
		if v != "" {
			n++
		}
	}
	if s.Duration > 0 {
		n++
	}
	return n
}

// Clone returns a deep copy.
func (s IdentitySignals) Clone() IdentitySignals {
	c := s
	if s.SourceIDs != nil {
		c.SourceIDs = maps.Clone(s.SourceIDs)
	}
	return c
}

// LockToken is the lease a worker writes onto an item while it owns it.
type LockToken struct {
	Holder     string    `json:"holder"`
	Nonce      string    `json:"nonce"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Live reports whether the lease has not yet expired at now.
func (t *LockToken) Live(now time.Time) bool {
	return t != nil && now.Before(t.ExpiresAt)
}

// Stale reports whether the lease is reclaimable at now: either expired, or acquired more than ttl ago.
// Tokens without an acquisition time are judged by expiry alone.
func (t *LockToken) Stale(now time.Time, ttl time.Duration) bool {
	if t == nil {
		return false
	}
	if !t.Live(now) {
		return true
	}
	return !t.AcquiredAt.IsZero() && !now.Before(t.AcquiredAt.Add(ttl))
}

// Owns reports whether the token was written by holder with the given nonce.
func (t *LockToken) Owns(holder, nonce string) bool {
	return t != nil && t.Holder == holder && t.Nonce == nonce
}

func (t *LockToken) String() string {
	if t == nil {
		return "<none>"
	}
	return fmt.Sprintf("%s (until %s)", t.Holder, t.ExpiresAt.Format(time.RFC3339))
}

// ItemError is the last failure recorded on an item.
type ItemError struct {
	Category ErrorCategory `json:"category"`
	Reason   string        `json:"reason,omitempty"`
	Message  string        `json:"message"`
}

// CatalogItem is one record of the shared catalog store.
type CatalogItem struct {
	ID             string          `json:"id"`
	Sequence       int64           `json:"sequence"`
	Signals        IdentitySignals `json:"signals"`
	Rating         float64         `json:"rating,omitempty"`
	State          ProcessingState `json:"state"`
	Completed      bool            `json:"completed"`
	Artifacts      []ArtifactRef   `json:"artifacts,omitempty"`
	Lock           *LockToken      `json:"lock,omitempty"`
	Attempts       int             `json:"attempts"`
	LastError      *ItemError      `json:"last_error,omitempty"`
	DeadLetter     bool            `json:"dead_letter,omitempty"`
	RedirectTarget string          `json:"redirect_target,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Validate checks the fields every store requires.
func (i *CatalogItem) Validate() error {
	if i.ID == "" {
		return fmt.Errorf("catalog item: id is required")
	}
	if !i.State.Valid() {
		return fmt.Errorf("catalog item %s: unknown state %q", i.ID, i.State)
	}
	return nil
}

// Clone returns a deep copy so callers never share slices or maps with a store.
func (i *CatalogItem) Clone() *CatalogItem {
	if i == nil {
		return nil
	}
	c := *i
	c.Signals = i.Signals.Clone()
	c.Artifacts = slices.Clone(i.Artifacts)
	if i.Lock != nil {
		lock := *i.Lock
		c.Lock = &lock
	}
	if i.LastError != nil {
		e := *i.LastError
		c.LastError = &e
	}
	return &c
}

// HasLiveLock reports whether some worker currently holds the item.
func (i *CatalogItem) HasLiveLock(now time.Time) bool {
	return i.Lock.Live(now)
}

// EffectiveState is the persisted state, except that a non-terminal item carrying a live lock reads as [StateLocked].
func (i *CatalogItem) EffectiveState(now time.Time) ProcessingState {
	if i.State == StateDiscovered && i.HasLiveLock(now) {
		return StateLocked
	}
	return i.State
}

// HasArtifact reports whether an artifact of the given kind is referenced.
func (i *CatalogItem) HasArtifact(kind ArtifactKind) bool {
	return slices.ContainsFunc(i.Artifacts, func(a ArtifactRef) bool { return a.Kind == kind })
}

// Terminal reports whether the item's state is final.
func (i *CatalogItem) Terminal() bool {
	return i.State.Terminal()
}

// LibraryEntry is an item already present in the target library.
type LibraryEntry struct {
	ID        string          `json:"id"`
	Sequence  int64           `json:"sequence"`
	Signals   IdentitySignals `json:"signals"`
	Location  string          `json:"location,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// MatchMethod names the deduplication stage that produced a match.
type MatchMethod string

const (
	MatchExactID     MatchMethod = "exact_id"
	MatchFingerprint MatchMethod = "fingerprint"
	MatchFuzzy       MatchMethod = "fuzzy"
)

// Priority orders methods from strongest (0) to weakest.
func (m MatchMethod) Priority() int {
	switch m {
	case MatchExactID:
		return 0
	case MatchFingerprint:
		return 1
	case MatchFuzzy:
		return 2
	default:
		return 3
	}
}

// DuplicateMatch says that CandidateID is the same recording as MatchedID.
type DuplicateMatch struct {
	CandidateID string      `json:"candidate_id"`
	MatchedID   string      `json:"matched_id"`
	Method      MatchMethod `json:"method"`
	Confidence  float64     `json:"confidence"`
}

// PipelineOutput is the result contract of the external processing pipeline.
type PipelineOutput struct {
	Success      bool          `json:"success"`
	Artifacts    []ArtifactRef `json:"artifacts,omitempty"`
	Fingerprint  string        `json:"fingerprint,omitempty"`
	ErrorCode    string        `json:"error_code,omitempty"`
	ErrorMessage string        `json:"error,omitempty"`
}

// ProcessingResult is everything written back to the catalog when an item reaches a final outcome.
type ProcessingResult struct {
	ItemID         string          `json:"item_id"`
	FinalState     ProcessingState `json:"final_state"`
	Artifacts      []ArtifactRef   `json:"artifacts,omitempty"`
	Fingerprint    string          `json:"fingerprint,omitempty"`
	ErrorCategory  ErrorCategory   `json:"error_category,omitempty"`
	ErrorReason    string          `json:"error_reason,omitempty"`
	ErrorMessage   string          `json:"error_message,omitempty"`
	Duration       time.Duration   `json:"duration"`
	RedirectTarget string          `json:"redirect_target,omitempty"`
	Attempts       int             `json:"attempts"`
	DeadLetter     bool            `json:"dead_letter,omitempty"`
}

// Err returns the recorded failure, or nil for success-like outcomes.
func (r *ProcessingResult) Err() *ItemError {
	if r.ErrorCategory == "" {
		return nil
	}
	return &ItemError{Category: r.ErrorCategory, Reason: r.ErrorReason, Message: r.ErrorMessage}
}
