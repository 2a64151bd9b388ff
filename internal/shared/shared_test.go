package shared

import (
	"bytes"
	"strings"
	"testing"

	"github.com/charmbracelet/log"
)

func TestNormalizeTrackKey(t *testing.T) {
	tc := []struct {
		name   string
		title  string
		artist string
		want   string
	}{
		{
			name:   "basic normalization",
			title:  "Song Title",
			artist: "Artist Name",
			want:   "song title|artist name",
		},
		{
			name:   "extra whitespace",
			title:  "  Song   Title  ",
			artist: "  Artist   Name  ",
			want:   "song title|artist name",
		},
		{
			name:   "mixed case",
			title:  "SoNg TiTlE",
			artist: "ArTiSt NaMe",
			want:   "song title|artist name",
		},
		{
			name:   "diacritics",
			title:  "Café Del Mar",
			artist: "Energy 52",
			want:   "cafe del mar|energy 52",
		},
		{
			name:   "qualifiers",
			title:  "Café Del Mar (feat. Someone) [Remastered 2011]",
			artist: "Energy 52 feat. Someone",
			want:   "cafe del mar|energy 52",
		},
		{
			name:   "dash remaster",
			title:  "Heroes - 2017 Remaster",
			artist: "David Bowie",
			want:   "heroes|david bowie",
		},
		{
			name:   "ampersand",
			title:  "Rock & Roll",
			artist: "Simon & Garfunkel",
			want:   "rock and roll|simon and garfunkel",
		},
	}

	for _, tt := range tc {
		t.Run(tt.name, func(t *testing.T) {
			got := NormalizeTrackKey(tt.title, tt.artist)
			if got != tt.want {
				t.Errorf("NormalizeTrackKey() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNormalizeSourceID(t *testing.T) {
	tc := []struct {
		name   string
		source string
		id     string
		want   string
	}{
		{name: "isrc hyphens", source: "isrc", id: "us-rc1-76-07839", want: "USRC17607839"},
		{name: "url", source: "soundcloud", id: "HTTPS://SoundCloud.com/a/b/", want: "https://soundcloud.com/a/b"},
		{name: "opaque id keeps case", source: "spotify", id: " 4uLU6hMCjMI75M1A2tKUQC ", want: "4uLU6hMCjMI75M1A2tKUQC"},
	}

	for _, tt := range tc {
		t.Run(tt.name, func(t *testing.T) {
			if got := NormalizeSourceID(tt.source, tt.id); got != tt.want {
				t.Errorf("NormalizeSourceID() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestHolderID(t *testing.T) {
	a := HolderID("tracksync")
	b := HolderID("tracksync")

	if !strings.HasPrefix(a, "tracksync:") {
		t.Errorf("expected prefix, got %s", a)
	}
	if a == b {
		t.Error("holder ids must be unique per run")
	}
}

func TestNewLoggerFromConfig(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerFromConfig(LogConfig{Level: "warn"}, &buf)

	logger.Info("hidden")
	logger.Warn("shown")

	if strings.Contains(buf.String(), "hidden") {
		t.Error("info should be filtered at warn level")
	}
	if !strings.Contains(buf.String(), "shown") {
		t.Error("warn should be written")
	}
	if logger.GetLevel() != log.WarnLevel {
		t.Errorf("expected warn level, got %v", logger.GetLevel())
	}
}
