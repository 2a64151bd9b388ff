package services

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/desertthunder/tracksync/internal/models"
	"github.com/desertthunder/tracksync/internal/shared"
	tu "github.com/desertthunder/tracksync/internal/testing"
)

type failingLibrary struct{}

func (failingLibrary) Exists(context.Context, string) (bool, error) {
	return false, errors.New("connection reset")
}

func TestVerifier(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	file := filepath.Join(dir, "track.flac")
	if err := os.WriteFile(file, []byte("audio"), 0o644); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}

	lib := tu.NewMemoryLibrary(&models.LibraryEntry{ID: "lib-1"})
	v := NewVerifier(lib)

	primaryFile := models.ArtifactRef{Kind: models.ArtifactPrimary, Type: models.ArtifactFile, Location: file}
	libraryRef := models.ArtifactRef{Kind: models.ArtifactSecondary, Type: models.ArtifactLibrary, Location: "lib-1"}

	tc := []struct {
		name    string
		v       *Verifier
		refs    []models.ArtifactRef
		wantErr error
	}{
		{name: "file and library", v: v, refs: []models.ArtifactRef{primaryFile, libraryRef}},
		{name: "no refs", v: v, wantErr: shared.ErrArtifactMissing},
		{name: "missing file", v: v, refs: []models.ArtifactRef{{Kind: models.ArtifactPrimary, Type: models.ArtifactFile, Location: filepath.Join(dir, "gone.flac")}}, wantErr: shared.ErrArtifactMissing},
		{name: "directory", v: v, refs: []models.ArtifactRef{{Kind: models.ArtifactPrimary, Type: models.ArtifactFile, Location: dir}}, wantErr: shared.ErrArtifactMissing},
		{name: "missing library entry", v: v, refs: []models.ArtifactRef{{Kind: models.ArtifactPrimary, Type: models.ArtifactLibrary, Location: "lib-9"}}, wantErr: shared.ErrArtifactMissing},
		{name: "empty location", v: v, refs: []models.ArtifactRef{{Kind: models.ArtifactPrimary, Type: models.ArtifactFile}}, wantErr: shared.ErrArtifactMissing},
		{name: "unknown type", v: v, refs: []models.ArtifactRef{{Kind: models.ArtifactPrimary, Type: "s3", Location: "bucket/key"}}, wantErr: shared.ErrArtifactMissing},
		{name: "no library configured", v: NewVerifier(nil), refs: []models.ArtifactRef{libraryRef}, wantErr: shared.ErrArtifactMissing},
		{name: "library lookup fails", v: NewVerifier(failingLibrary{}), refs: []models.ArtifactRef{libraryRef}, wantErr: shared.ErrTransient},
	}

	for _, tt := range tc {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.v.Verify(ctx, tt.refs)
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("expected no error, got %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}
