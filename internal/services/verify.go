package services

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/desertthunder/tracksync/internal/models"
	"github.com/desertthunder/tracksync/internal/shared"
)

// LibraryChecker answers whether a library entry exists.
type LibraryChecker interface {
	Exists(ctx context.Context, id string) (bool, error)
}

// Verifier confirms that artifact references point at something real.
type Verifier struct {
	library LibraryChecker
	stat    func(name string) (fs.FileInfo, error)
}

// NewVerifier checks library refs against lib, which may be nil when no library is configured.
func NewVerifier(lib LibraryChecker) *Verifier {
	return &Verifier{library: lib, stat: os.Stat}
}

// Verify returns nil when every ref resolves. An empty ref list never verifies.
// Missing artifacts wrap [shared.ErrArtifactMissing]; lookup failures wrap [shared.ErrTransient].
func (v *Verifier) Verify(ctx context.Context, refs []models.ArtifactRef) error {
	if len(refs) == 0 {
		return fmt.Errorf("%w: no artifacts reported", shared.ErrArtifactMissing)
	}

	for _, ref := range refs {
		if ref.Location == "" {
			return fmt.Errorf("%w: %s artifact without location", shared.ErrArtifactMissing, ref.Kind)
		}

		switch ref.Type {
		case models.ArtifactFile:
			info, err := v.stat(ref.Location)
			switch {
			case errors.Is(err, fs.ErrNotExist):
				return fmt.Errorf("%w: file %s", shared.ErrArtifactMissing, ref.Location)
			case err != nil:
				return fmt.Errorf("%w: stat %s: %v", shared.ErrTransient, ref.Location, err)
			case info.IsDir():
				return fmt.Errorf("%w: %s is a directory", shared.ErrArtifactMissing, ref.Location)
			}
		case models.ArtifactLibrary:
			if v.library == nil {
				return fmt.Errorf("%w: no library to resolve %s", shared.ErrArtifactMissing, ref.Location)
			}
			ok, err := v.library.Exists(ctx, ref.Location)
			if err != nil {
				return fmt.Errorf("%w: library lookup %s: %v", shared.ErrTransient, ref.Location, err)
			}
			if !ok {
				return fmt.Errorf("%w: library entry %s", shared.ErrArtifactMissing, ref.Location)
			}
		default:
			return fmt.Errorf("%w: unknown artifact type %q", shared.ErrArtifactMissing, ref.Type)
		}
	}
	return nil
}
