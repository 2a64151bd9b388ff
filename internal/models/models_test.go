package models

import (
	"testing"
	"time"
)

func TestCanTransition(t *testing.T) {
	tc := []struct {
		name string
		from ProcessingState
		to   ProcessingState
		want bool
	}{
		{name: "discovered to processing", from: StateDiscovered, to: StateProcessing, want: true},
		{name: "processing to complete", from: StateProcessing, to: StateComplete, want: true},
		{name: "transient retry", from: StateProcessing, to: StateDiscovered, want: true},
		{name: "reopen complete", from: StateComplete, to: StateProcessing, want: true},
		{name: "complete is not reset to discovered", from: StateComplete, to: StateDiscovered, want: false},
		{name: "failed is final", from: StateFailed, to: StateDiscovered, want: false},
		{name: "skipped is final", from: StateSkippedDuplicate, to: StateProcessing, want: false},
		{name: "complete requires processing", from: StateDiscovered, to: StateComplete, want: false},
		{name: "rewrite processing", from: StateProcessing, to: StateProcessing, want: true},
		{name: "rewrite complete", from: StateComplete, to: StateComplete, want: false},
		{name: "unknown state", from: ProcessingState("bogus"), to: StateFailed, want: false},
	}

	for _, tt := range tc {
		t.Run(tt.name, func(t *testing.T) {
			if got := CanTransition(tt.from, tt.to); got != tt.want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestParseState(t *testing.T) {
	if s, ok := ParseState(""); !ok || s != StateDiscovered {
		t.Errorf("empty state should read as discovered, got %q %v", s, ok)
	}
	if _, ok := ParseState("finished"); ok {
		t.Error("unknown state should not parse")
	}
	for _, s := range States {
		if got, ok := ParseState(string(s)); !ok || got != s {
			t.Errorf("ParseState(%q) = %q %v", s, got, ok)
		}
	}
}

func TestLockToken(t *testing.T) {
	t0 := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	tok := &LockToken{Holder: "a", Nonce: "n1", AcquiredAt: t0, ExpiresAt: t0.Add(30 * time.Minute)}

	t.Run("Live", func(t *testing.T) {
		if !tok.Live(t0.Add(29 * time.Minute)) {
			t.Error("token should be live before expiry")
		}
		if tok.Live(t0.Add(30 * time.Minute)) {
			t.Error("token should be expired at expiry")
		}
		var none *LockToken
		if none.Live(t0) {
			t.Error("nil token is never live")
		}
	})

	t.Run("Stale", func(t *testing.T) {
		if tok.Stale(t0.Add(10*time.Minute), 30*time.Minute) {
			t.Error("fresh token should not be stale")
		}
		if !tok.Stale(t0.Add(31*time.Minute), 30*time.Minute) {
			t.Error("token should be stale after ttl")
		}
		if !tok.Stale(t0.Add(11*time.Minute), 10*time.Minute) {
			t.Error("token older than a shorter ttl should be stale")
		}
	})

	t.Run("Owns", func(t *testing.T) {
		if !tok.Owns("a", "n1") {
			t.Error("token should be owned by its writer")
		}
		if tok.Owns("a", "n2") {
			t.Error("nonce mismatch should not own")
		}
	})
}

func TestCatalogItem(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	item := &CatalogItem{
		ID:    "item-1",
		State: StateDiscovered,
		Signals: IdentitySignals{
			SourceIDs: map[string]string{"isrc": "USRC17607839"},
			Title:     "Song",
		},
		Artifacts: []ArtifactRef{{Kind: ArtifactPrimary, Type: ArtifactFile, Location: "/tmp/a.flac"}},
		Lock:      &LockToken{Holder: "h", Nonce: "n", AcquiredAt: now, ExpiresAt: now.Add(time.Minute)},
	}

	t.Run("EffectiveState", func(t *testing.T) {
		if got := item.EffectiveState(now); got != StateLocked {
			t.Errorf("expected locked, got %s", got)
		}
		if got := item.EffectiveState(now.Add(2 * time.Minute)); got != StateDiscovered {
			t.Errorf("expected discovered after expiry, got %s", got)
		}
	})

	t.Run("Clone is deep", func(t *testing.T) {
		c := item.Clone()
		c.Signals.SourceIDs["isrc"] = "changed"
		c.Artifacts[0].Location = "changed"
		c.Lock.Holder = "changed"

		if item.Signals.SourceIDs["isrc"] != "USRC17607839" {
			t.Error("clone shares source ids")
		}
		if item.Artifacts[0].Location != "/tmp/a.flac" {
			t.Error("clone shares artifacts")
		}
		if item.Lock.Holder != "h" {
			t.Error("clone shares lock")
		}
	})

	t.Run("HasArtifact", func(t *testing.T) {
		if !item.HasArtifact(ArtifactPrimary) {
			t.Error("expected primary artifact")
		}
		if item.HasArtifact(ArtifactSecondary) {
			t.Error("did not expect secondary artifact")
		}
	})

	t.Run("Validate", func(t *testing.T) {
		if err := item.Validate(); err != nil {
			t.Errorf("unexpected error: %v", err)
		}
		if err := (&CatalogItem{State: StateDiscovered}).Validate(); err == nil {
			t.Error("expected error for missing id")
		}
	})

	t.Run("Completeness", func(t *testing.T) {
		if got := item.Signals.Completeness(); got != 2 {
			t.Errorf("expected completeness 2, got %d", got)
		}
	})
}

func TestMatchMethodPriority(t *testing.T) {
	if !(MatchExactID.Priority() < MatchFingerprint.Priority() && MatchFingerprint.Priority() < MatchFuzzy.Priority()) {
		t.Error("expected exact < fingerprint < fuzzy")
	}
}
