package dedupe

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/desertthunder/tracksync/internal/models"
	tu "github.com/desertthunder/tracksync/internal/testing"
)

const (
	fpBase  = "0123456789abcdef0123456789abcdef"
	fpNear  = "f123456789abcdef0123456789abcdef" // 4 bits differ: 0.96875
	fpFar   = "fedcbaa789abcdef0123456789abcdef" // 26 bits differ: 0.796875
	minutes = time.Minute
)

func ident(id string, order int64, s models.IdentitySignals) Identity {
	return NewIdentity(id, order, s)
}

func TestFingerprintSimilarity(t *testing.T) {
	tc := []struct {
		name string
		a, b string
		want float64
	}{
		{name: "identical", a: fpBase, b: fpBase, want: 1},
		{name: "near", a: fpBase, b: fpNear, want: 0.96875},
		{name: "far", a: fpBase, b: fpFar, want: 0.796875},
		{name: "separators ignored", a: "01:23:45:67", b: "01234567", want: 1},
		{name: "length mismatch", a: "ffff", b: "ff", want: 0.5},
		{name: "invalid", a: "zz", b: "zz", want: 0},
		{name: "empty", a: "", b: fpBase, want: 0},
	}

	for _, tt := range tc {
		t.Run(tt.name, func(t *testing.T) {
			if got := FingerprintSimilarity(tt.a, tt.b); math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("FingerprintSimilarity() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLevenshteinRatio(t *testing.T) {
	if got := LevenshteinRatio("song title", "song titel"); math.Abs(got-0.8) > 1e-9 {
		t.Errorf("expected 0.8, got %v", got)
	}
	if got := LevenshteinRatio("", ""); got != 1 {
		t.Errorf("expected 1 for empty strings, got %v", got)
	}
}

func TestCompare(t *testing.T) {
	e := NewEngine(DefaultConfig())

	tc := []struct {
		name       string
		a, b       models.IdentitySignals
		wantMatch  bool
		wantMethod models.MatchMethod
	}{
		{
			name:       "shared isrc with different formatting",
			a:          models.IdentitySignals{SourceIDs: map[string]string{"isrc": "US-RC1-76-07839"}, Title: "A"},
			b:          models.IdentitySignals{SourceIDs: map[string]string{"ISRC": "usrc17607839"}, Title: "Completely different"},
			wantMatch:  true,
			wantMethod: models.MatchExactID,
		},
		{
			name:      "same id value under different sources",
			a:         models.IdentitySignals{SourceIDs: map[string]string{"spotify": "abc"}},
			b:         models.IdentitySignals{SourceIDs: map[string]string{"deezer": "abc"}},
			wantMatch: false,
		},
		{
			name:       "fingerprint above threshold",
			a:          models.IdentitySignals{Fingerprint: fpBase, Title: "One"},
			b:          models.IdentitySignals{Fingerprint: fpNear, Title: "Two"},
			wantMatch:  true,
			wantMethod: models.MatchFingerprint,
		},
		{
			name:      "fingerprint below threshold without fuzzy match",
			a:         models.IdentitySignals{Fingerprint: fpBase, Title: "One", Artist: "X", Duration: 3 * minutes},
			b:         models.IdentitySignals{Fingerprint: fpFar, Title: "Two", Artist: "Y", Duration: 3 * minutes},
			wantMatch: false,
		},
		{
			name:       "fingerprint below threshold falls through to fuzzy",
			a:          models.IdentitySignals{Fingerprint: fpBase, Title: "Song Title", Artist: "Artist", Duration: 200 * time.Second},
			b:          models.IdentitySignals{Fingerprint: fpFar, Title: "Song Titel", Artist: "Artist", Duration: 201 * time.Second},
			wantMatch:  true,
			wantMethod: models.MatchFuzzy,
		},
		{
			name:      "fuzzy outside duration window",
			a:         models.IdentitySignals{Title: "Song Title", Artist: "Artist", Duration: 200 * time.Second},
			b:         models.IdentitySignals{Title: "Song Title", Artist: "Artist", Duration: 205 * time.Second},
			wantMatch: false,
		},
		{
			name:       "unknown duration with exact key",
			a:          models.IdentitySignals{Title: "Heroes (2017 Remaster)", Artist: "David Bowie"},
			b:          models.IdentitySignals{Title: "Heroes", Artist: "David Bowie", Duration: 6 * minutes},
			wantMatch:  true,
			wantMethod: models.MatchFuzzy,
		},
		{
			name:      "unknown duration with near key",
			a:         models.IdentitySignals{Title: "Song Title", Artist: "Artist"},
			b:         models.IdentitySignals{Title: "Song Titel", Artist: "Artist", Duration: 3 * minutes},
			wantMatch: false,
		},
		{
			name:      "no title",
			a:         models.IdentitySignals{Artist: "Artist", Duration: 3 * minutes},
			b:         models.IdentitySignals{Artist: "Artist", Duration: 3 * minutes},
			wantMatch: false,
		},
	}

	for _, tt := range tc {
		t.Run(tt.name, func(t *testing.T) {
			m, ok := e.Compare(ident("a", 1, tt.a), ident("b", 2, tt.b))
			if ok != tt.wantMatch {
				t.Fatalf("Compare() matched = %v, want %v (%+v)", ok, tt.wantMatch, m)
			}
			if ok && m.Method != tt.wantMethod {
				t.Errorf("expected method %s, got %s", tt.wantMethod, m.Method)
			}
		})
	}
}

func TestThresholdsAreConfigurable(t *testing.T) {
	a := ident("a", 1, models.IdentitySignals{Fingerprint: fpBase})
	b := ident("b", 2, models.IdentitySignals{Fingerprint: fpFar})

	if _, ok := NewEngine(DefaultConfig()).Compare(a, b); ok {
		t.Fatal("0.80 should not match at the default threshold")
	}

	cfg := DefaultConfig()
	cfg.FingerprintThreshold = 0.75
	if _, ok := NewEngine(cfg).Compare(a, b); !ok {
		t.Error("0.80 should match at a 0.75 threshold")
	}
}

func TestWithSimilarity(t *testing.T) {
	e := NewEngine(DefaultConfig(), WithSimilarity(func(a, b string) float64 { return 1 }))
	a := ident("a", 1, models.IdentitySignals{Title: "One", Artist: "X", Duration: minutes})
	b := ident("b", 2, models.IdentitySignals{Title: "Two", Artist: "Y", Duration: minutes})

	if _, ok := e.Compare(a, b); !ok {
		t.Error("injected similarity should be used for the fuzzy stage")
	}
}

func TestFindDuplicatesRanking(t *testing.T) {
	e := NewEngine(DefaultConfig())
	candidate := ident("c", 10, models.IdentitySignals{
		SourceIDs:   map[string]string{"isrc": "X1"},
		Fingerprint: fpBase,
		Title:       "Song",
		Artist:      "Artist",
		Duration:    3 * minutes,
	})

	existing := []Identity{
		ident("fuzzy", 1, models.IdentitySignals{Title: "Song", Artist: "Artist", Duration: 3 * minutes}),
		ident("fp-exact", 5, models.IdentitySignals{Fingerprint: fpBase}),
		ident("fp-near", 2, models.IdentitySignals{Fingerprint: fpNear}),
		ident("exact-late", 9, models.IdentitySignals{SourceIDs: map[string]string{"isrc": "X1"}}),
		ident("exact-early", 3, models.IdentitySignals{SourceIDs: map[string]string{"isrc": "X1"}}),
		ident("c", 10, models.IdentitySignals{SourceIDs: map[string]string{"isrc": "X1"}}),
		ident("unrelated", 0, models.IdentitySignals{Title: "Other", Artist: "Else", Duration: minutes}),
	}

	got := e.FindDuplicates(candidate, existing)
	want := []string{"exact-early", "exact-late", "fp-exact", "fp-near", "fuzzy"}

	if len(got) != len(want) {
		t.Fatalf("expected %d matches, got %d: %+v", len(want), len(got), got)
	}
	for i, id := range want {
		if got[i].MatchedID != id {
			t.Errorf("rank %d: expected %s, got %s", i, id, got[i].MatchedID)
		}
	}

	for range 5 {
		again := e.FindDuplicates(candidate, existing)
		for i := range again {
			if again[i] != got[i] {
				t.Fatal("ranking must be deterministic")
			}
		}
	}

	ok, top := e.IsDuplicate(candidate, existing)
	if !ok || top.MatchedID != "exact-early" || top.Confidence != 1 {
		t.Errorf("unexpected top match %+v", top)
	}

	if ok, _ := e.IsDuplicate(candidate, existing[6:]); ok {
		t.Error("unrelated item should not be a duplicate")
	}
}

func TestMerge(t *testing.T) {
	e := NewEngine(DefaultConfig())
	items := []*models.CatalogItem{
		{ID: "first", Sequence: 1, Rating: 3, Signals: models.IdentitySignals{Title: "Song"}},
		{ID: "rich", Sequence: 2, Rating: 5, Signals: models.IdentitySignals{
			Title: "Song (Remastered)", Artist: "Artist", Album: "Album", Duration: 3 * minutes, Fingerprint: fpBase,
		}},
		{ID: "ids", Sequence: 3, Rating: 1, Signals: models.IdentitySignals{
			SourceIDs: map[string]string{"isrc": "X1"}, Artist: "The Artist",
		}},
	}

	merged := e.Merge(items)

	if merged.ID != "rich" {
		t.Errorf("base should be the most complete item, got %s", merged.ID)
	}
	if merged.Rating != 5 {
		t.Errorf("rating should be the maximum, got %v", merged.Rating)
	}
	if merged.Signals.Artist != "The Artist" {
		t.Errorf("items with external ids take priority, got artist %q", merged.Signals.Artist)
	}
	if merged.Signals.Title != "Song" {
		t.Errorf("then earliest registered, got title %q", merged.Signals.Title)
	}
	if merged.Signals.SourceIDs["isrc"] != "X1" || merged.Signals.Fingerprint != fpBase || merged.Signals.Album != "Album" {
		t.Errorf("empty fields should be filled from later items: %+v", merged.Signals)
	}

	items[2].Signals.SourceIDs["isrc"] = "mutated"
	if merged.Signals.SourceIDs["isrc"] != "X1" {
		t.Error("merge must not share maps with its inputs")
	}

	if e.Merge(nil) != nil {
		t.Error("merging nothing returns nil")
	}
}

func TestPreMerge(t *testing.T) {
	e := NewEngine(DefaultConfig())

	t.Run("shared id collapses into earliest", func(t *testing.T) {
		var page []*models.CatalogItem
		for i := 1; i <= 10; i++ {
			page = append(page, &models.CatalogItem{
				ID:       string(rune('a' + i - 1)),
				Sequence: int64(i),
				Signals: models.IdentitySignals{
					SourceIDs: map[string]string{"isrc": "ID" + string(rune('0'+i))},
					Title:     "Track " + string(rune('A'+i-1)),
					Artist:    "Band " + string(rune('A'+i-1)),
				},
			})
		}
		page[6].Signals.SourceIDs["isrc"] = page[2].Signals.SourceIDs["isrc"]
		page[6].Signals.Album = "From seven"
		page[6].Rating = 4

		survivors, skipped := e.PreMerge(page)

		if len(survivors) != 9 {
			t.Fatalf("expected 9 survivors, got %d", len(survivors))
		}
		if len(skipped) != 1 || skipped[0].CandidateID != "g" || skipped[0].MatchedID != "c" {
			t.Fatalf("expected #7 to redirect to #3, got %+v", skipped)
		}
		if skipped[0].Method != models.MatchExactID {
			t.Errorf("expected exact id method, got %s", skipped[0].Method)
		}
		if survivors[2].ID != "c" || survivors[2].Signals.Album != "From seven" {
			t.Errorf("survivor should carry merged signals, got %+v", survivors[2])
		}
		if survivors[2].Rating != 4 {
			t.Errorf("survivor should carry the group's highest rating, got %v", survivors[2].Rating)
		}
		if page[2].Signals.Album != "" {
			t.Error("pre-merge must not mutate the page")
		}
	})

	t.Run("transitive group", func(t *testing.T) {
		page := []*models.CatalogItem{
			{ID: "late", Sequence: 9, Signals: models.IdentitySignals{SourceIDs: map[string]string{"isrc": "A"}, Fingerprint: fpNear}},
			{ID: "mid", Sequence: 5, Signals: models.IdentitySignals{Fingerprint: fpBase}},
			{ID: "early", Sequence: 1, Signals: models.IdentitySignals{SourceIDs: map[string]string{"isrc": "A"}}},
		}

		survivors, skipped := e.PreMerge(page)
		if len(survivors) != 1 || survivors[0].ID != "early" {
			t.Fatalf("expected early to survive, got %+v", survivors)
		}
		if len(skipped) != 2 {
			t.Fatalf("expected 2 skipped, got %+v", skipped)
		}
		for _, m := range skipped {
			if m.MatchedID != "early" {
				t.Errorf("all duplicates should redirect to the survivor, got %+v", m)
			}
		}
		if skipped[1].CandidateID != "mid" || skipped[1].Method != models.MatchFingerprint {
			t.Errorf("mid only links through late's fingerprint, got %+v", skipped[1])
		}
	})

	t.Run("distinct page is untouched", func(t *testing.T) {
		page := []*models.CatalogItem{
			{ID: "x", Sequence: 1, Signals: models.IdentitySignals{Fingerprint: fpBase}},
			{ID: "y", Sequence: 2, Signals: models.IdentitySignals{Fingerprint: fpFar}},
		}
		survivors, skipped := e.PreMerge(page)
		if len(survivors) != 2 || len(skipped) != 0 {
			t.Errorf("expected no merges, got %d survivors and %+v", len(survivors), skipped)
		}
	})
}

func TestIndex(t *testing.T) {
	ctx := context.Background()
	lib := tu.NewMemoryLibrary(
		&models.LibraryEntry{ID: "lib-isrc", Signals: models.IdentitySignals{SourceIDs: map[string]string{"isrc": "USRC17607839"}}},
		&models.LibraryEntry{ID: "lib-fp", Signals: models.IdentitySignals{Fingerprint: fpBase}},
		&models.LibraryEntry{ID: "lib-meta", Signals: models.IdentitySignals{Title: "Café Del Mar", Artist: "Energy 52", Duration: 7 * minutes}},
		&models.LibraryEntry{ID: "lib-typo", Signals: models.IdentitySignals{Title: "Thunderstruck", Artist: "Radiohead", Duration: 292 * time.Second}},
	)

	ix, err := BuildIndex(ctx, lib, NewEngine(DefaultConfig()))
	if err != nil {
		t.Fatalf("BuildIndex failed: %v", err)
	}
	if ix.Len() != 4 {
		t.Fatalf("expected 4 entries, got %d", ix.Len())
	}

	tc := []struct {
		name   string
		item   *models.CatalogItem
		wantID string
	}{
		{name: "by id", item: &models.CatalogItem{ID: "1", Signals: models.IdentitySignals{SourceIDs: map[string]string{"isrc": "us-rc1-76-07839"}}}, wantID: "lib-isrc"},
		{name: "by fingerprint", item: &models.CatalogItem{ID: "2", Signals: models.IdentitySignals{Fingerprint: fpNear}}, wantID: "lib-fp"},
		{name: "by metadata", item: &models.CatalogItem{ID: "3", Signals: models.IdentitySignals{Title: "Cafe del Mar (Remastered)", Artist: "ENERGY 52", Duration: 7*minutes + time.Second}}, wantID: "lib-meta"},
		{name: "artist misspelled", item: &models.CatalogItem{ID: "5", Signals: models.IdentitySignals{Title: "Thunderstruck", Artist: "Radiohed", Duration: 292 * time.Second}}, wantID: "lib-typo"},
		{name: "no match", item: &models.CatalogItem{ID: "4", Signals: models.IdentitySignals{Fingerprint: fpFar, Title: "New", Artist: "Band"}}},
	}

	for _, tt := range tc {
		t.Run(tt.name, func(t *testing.T) {
			m, ok := ix.Lookup(tt.item)
			if tt.wantID == "" {
				if ok {
					t.Errorf("expected no match, got %+v", m)
				}
				return
			}
			if !ok || m.MatchedID != tt.wantID {
				t.Errorf("expected %s, got %+v", tt.wantID, m)
			}
		})
	}

	t.Run("list error", func(t *testing.T) {
		boom := errors.New("library offline")
		lib := tu.NewMemoryLibrary()
		lib.ListErr = boom
		if _, err := BuildIndex(ctx, lib, NewEngine(DefaultConfig())); !errors.Is(err, boom) {
			t.Errorf("expected list error, got %v", err)
		}
	})
}
