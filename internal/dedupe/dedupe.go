// Package dedupe decides whether two tracks are the same recording.
//
// Matching is a cascade evaluated in strict order, first match wins:
//
//  1. exact: any shared external source id (same source, same normalized value), confidence 1.0
//  2. fingerprint: bitwise similarity of the content fingerprints at or above the fingerprint threshold
//  3. fuzzy: normalized title and artist similarity at or above the fuzzy threshold, with durations within the window
//
// When either duration is unknown the fuzzy stage only accepts exact normalized key equality.
package dedupe

import (
	"cmp"
	"encoding/hex"
	"math/bits"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"

	"github.com/desertthunder/tracksync/internal/models"
	"github.com/desertthunder/tracksync/internal/shared"
)

// Config holds the matching thresholds.
type Config struct {
	FingerprintThreshold float64
	FuzzyThreshold       float64
	DurationWindow       time.Duration
}

// DefaultConfig returns the thresholds used when none are configured.
func DefaultConfig() Config {
	return Config{FingerprintThreshold: 0.95, FuzzyThreshold: 0.85, DurationWindow: 2 * time.Second}
}

// ConfigFrom reads thresholds from the application config.
func ConfigFrom(cfg shared.DedupeConfig) Config {
	return Config{
		FingerprintThreshold: cfg.FingerprintThreshold,
		FuzzyThreshold:       cfg.FuzzyThreshold,
		DurationWindow:       cfg.DurationWindow.Duration,
	}
}

// Similarity scores two normalized strings in [0, 1].
type Similarity func(a, b string) float64

// LevenshteinRatio is 1 - edit distance / length of the longer string.
func LevenshteinRatio(a, b string) float64 {
	if a == b {
		return 1
	}
	n := max(utf8.RuneCountInString(a), utf8.RuneCountInString(b))
	if n == 0 {
		return 1
	}
	return 1 - float64(levenshtein.ComputeDistance(a, b))/float64(n)
}

// FingerprintSimilarity is the fraction of equal bits between two hex fingerprints.
// Bits past the end of the shorter fingerprint count as different; unparseable input scores 0.
func FingerprintSimilarity(a, b string) float64 {
	x, errA := decodeFingerprint(a)
	y, errB := decodeFingerprint(b)
	if errA != nil || errB != nil || len(x) == 0 || len(y) == 0 {
		return 0
	}
	if len(x) < len(y) {
		x, y = y, x
	}

	different := 0
	for i := range x {
		if i < len(y) {
			different += bits.OnesCount8(x[i] ^ y[i])
		} else {
			different += 8
		}
	}
	total := 8 * len(x)
	return float64(total-different) / float64(total)
}

func decodeFingerprint(s string) ([]byte, error) {
	s = strings.Map(func(r rune) rune {
		switch r {
		case ' ', ':', '-', '\t', '\n':
			return -1
		}
		return r
	}, s)
	return hex.DecodeString(s)
}

// Identity is a comparable view over a catalog item or library entry, normalized once.
type Identity struct {
	ID      string
	Order   int64 // registration order; lower is earlier
	Signals models.IdentitySignals

	ids    map[string]string
	title  string
	artist string
	key    string
}

// NewIdentity normalizes signals for comparison.
func NewIdentity(id string, order int64, signals models.IdentitySignals) Identity {
	ident := Identity{ID: id, Order: order, Signals: signals}
	if len(signals.SourceIDs) > 0 {
		ident.ids = make(map[string]string, len(signals.SourceIDs))
		for source, value := range signals.SourceIDs {
			if v := shared.NormalizeSourceID(source, value); v != "" {
				ident.ids[strings.ToLower(source)] = v
			}
		}
	}
	ident.title = shared.NormalizeTitle(signals.Title)
	ident.artist = shared.NormalizeArtist(signals.Artist)
	if ident.title != "" {
		ident.key = ident.title + "|" + ident.artist
	}
	return ident
}

// FromItem builds the identity of a catalog item.
func FromItem(item *models.CatalogItem) Identity {
	return NewIdentity(item.ID, item.Sequence, item.Signals)
}

// FromEntry builds the identity of a library entry.
func FromEntry(entry *models.LibraryEntry) Identity {
	return NewIdentity(entry.ID, entry.Sequence, entry.Signals)
}

// Key is the normalized "title|artist" key, empty when the title is unknown.
func (i Identity) Key() string { return i.key }

// Engine evaluates the match cascade.
type Engine struct {
	cfg Config
	sim Similarity
}

// Option configures an [Engine].
type Option func(*Engine)

// WithSimilarity replaces the fuzzy string similarity.
func WithSimilarity(sim Similarity) Option {
	return func(e *Engine) { e.sim = sim }
}

// NewEngine creates an engine with the given thresholds.
func NewEngine(cfg Config, opts ...Option) *Engine {
	e := &Engine{cfg: cfg, sim: LevenshteinRatio}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Config returns the engine's thresholds.
func (e *Engine) Config() Config { return e.cfg }

// Compare runs the cascade on one pair.
func (e *Engine) Compare(candidate, existing Identity) (models.DuplicateMatch, bool) {
	match := models.DuplicateMatch{CandidateID: candidate.ID, MatchedID: existing.ID}

	for source, value := range candidate.ids {
		if existing.ids[source] == value {
			match.Method, match.Confidence = models.MatchExactID, 1
			return match, true
		}
	}

	if candidate.Signals.Fingerprint != "" && existing.Signals.Fingerprint != "" {
		if s := FingerprintSimilarity(candidate.Signals.Fingerprint, existing.Signals.Fingerprint); s >= e.cfg.FingerprintThreshold {
			match.Method, match.Confidence = models.MatchFingerprint, s
			return match, true
		}
	}

	if s, ok := e.fuzzy(candidate, existing); ok {
		match.Method, match.Confidence = models.MatchFuzzy, s
		return match, true
	}

	return match, false
}

func (e *Engine) fuzzy(a, b Identity) (float64, bool) {
	if a.key == "" || b.key == "" {
		return 0, false
	}

	exact := a.key == b.key
	da, db := a.Signals.Duration, b.Signals.Duration
	if da <= 0 || db <= 0 {
		return 1, exact
	}
	if delta := da - db; delta > e.cfg.DurationWindow || -delta > e.cfg.DurationWindow {
		return 0, false
	}
	if exact {
		return 1, true
	}

	score := (e.sim(a.title, b.title) + e.sim(a.artist, b.artist)) / 2
	return score, score >= e.cfg.FuzzyThreshold
}

// FindDuplicates returns every match of candidate among existing, ranked by method priority, then confidence
// descending, then earliest registered, then id.
func (e *Engine) FindDuplicates(candidate Identity, existing []Identity) []models.DuplicateMatch {
	type ranked struct {
		match models.DuplicateMatch
		order int64
	}

	var found []ranked
	for _, other := range existing {
		if other.ID == candidate.ID {
			continue
		}
		if m, ok := e.Compare(candidate, other); ok {
			found = append(found, ranked{match: m, order: other.Order})
		}
	}

	slices.SortFunc(found, func(a, b ranked) int {
		return cmp.Or(
			cmp.Compare(a.match.Method.Priority(), b.match.Method.Priority()),
			cmp.Compare(b.match.Confidence, a.match.Confidence),
			cmp.Compare(a.order, b.order),
			cmp.Compare(a.match.MatchedID, b.match.MatchedID),
		)
	})

	out := make([]models.DuplicateMatch, len(found))
	for i, r := range found {
		out[i] = r.match
	}
	return out
}

// IsDuplicate reports the top-ranked match of candidate among existing.
func (e *Engine) IsDuplicate(candidate Identity, existing []Identity) (bool, *models.DuplicateMatch) {
	matches := e.FindDuplicates(candidate, existing)
	if len(matches) == 0 {
		return false, nil
	}
	return true, &matches[0]
}
