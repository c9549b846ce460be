package rotator

import (
	"context"
	"errors"

	"github.com/kabegame/kabegame/internal/model"
	"github.com/kabegame/kabegame/internal/ports"
)

// loadSourceLocked resolves the configured RotationSource to the set of
// existing-on-disk images it can currently offer (§4.8's "existing-on-disk
// entries" qualifier on random selection, generalized to sequential too so
// a stale catalog row never gets applied to the backend).
func (r *Rotator) loadSourceLocked(ctx context.Context) ([]model.ImageInfo, error) {
	src := r.settings.RotationSource()
	switch src.Kind {
	case model.SourceAlbum:
		images, err := r.storage.GetAlbumImages(ctx, src.AlbumID)
		if errors.Is(err, ports.ErrAlbumNotFound) {
			return nil, ErrAlbumNotFound
		}
		if err != nil {
			return nil, err
		}
		return filterOnDisk(images), nil
	case model.SourceGallery:
		images, err := r.storage.GetAllImages(ctx)
		if err != nil {
			return nil, err
		}
		return filterOnDisk(images), nil
	default: // model.SourceNone
		return nil, nil
	}
}

func filterOnDisk(images []model.ImageInfo) []model.ImageInfo {
	out := make([]model.ImageInfo, 0, len(images))
	for _, img := range images {
		if img.LocalExists {
			out = append(out, img)
		}
	}
	return out
}

// ErrAlbumNotFound re-exports ports.ErrAlbumNotFound under the rotator's own
// name so callers distinguishing "album doesn't exist" from "album is
// empty" (§8 scenario 6) don't need to import ports directly.
var ErrAlbumNotFound = ports.ErrAlbumNotFound
