package rotator

import (
	"context"
	"errors"

	"github.com/kabegame/kabegame/internal/model"
)

// InitOnStartup runs the §4.8 startup policy once, during application
// bring-up. It never returns an error that should stop the application;
// every failure path degrades to a cleared current-image field instead, per
// the spec's "never stop the application" rule for the disabled-rotation
// branch (generalized here to every branch, since none of them name a
// fatal-to-the-process failure mode either).
func (r *Rotator) InitOnStartup() error {
	return r.do(r.initOnStartupLocked)
}

func (r *Rotator) initOnStartupLocked(ctx context.Context) error {
	if !r.settings.RotationEnabled() {
		r.reapplyLastLocked(ctx)
		return nil
	}

	src := r.settings.RotationSource()
	if src.Kind == model.SourceAlbum {
		images, err := r.loadSourceLocked(ctx)
		if err != nil || len(images) == 0 {
			// Missing or empty album: fall back to the full gallery and
			// persist the fallback.
			r.settings.SetRotationSource(model.RotationSource{Kind: model.SourceGallery})
			galleryImages, galleryErr := r.loadSourceLocked(ctx)
			if galleryErr != nil || len(galleryImages) == 0 {
				r.settings.SetRotationEnabled(false)
				r.settings.SetCurrentWallpaperImageID("")
				r.current = ""
				return nil
			}
		}
	}

	images, err := r.loadSourceLocked(ctx)
	if err != nil || len(images) == 0 {
		r.settings.SetRotationEnabled(false)
		r.settings.SetCurrentWallpaperImageID("")
		r.current = ""
		return nil
	}

	target, ok := r.pickStartupTargetLocked(images)
	if !ok {
		r.settings.SetCurrentWallpaperImageID("")
		r.current = ""
		return nil
	}
	if err := r.applyImageLocked(ctx, target); err != nil {
		// applyImageLocked already cleared current on failure.
		return nil
	}
	r.startLocked()
	return nil
}

// pickStartupTargetLocked prefers the saved current_id when it still
// exists in the resolved source; otherwise falls back to the rotation
// mode's selection rule (sequential = first of the ordered source, random
// = uniformly random).
func (r *Rotator) pickStartupTargetLocked(images []model.ImageInfo) (model.ImageInfo, bool) {
	saved := r.settings.CurrentWallpaperImageID()
	if idx := indexOfID(images, saved); idx >= 0 {
		return images[idx], true
	}
	switch r.settings.RotationMode() {
	case model.RotationRandom:
		return images[r.rng.Intn(len(images))], true
	default:
		sortByOrder(images)
		return images[0], true
	}
}

// reapplyLastLocked is the disabled-rotation startup branch: try to
// reapply the last current_wallpaper_image_id; clear the field on any
// failure (missing file, backend refusal) without stopping the
// application.
func (r *Rotator) reapplyLastLocked(ctx context.Context) {
	id := r.settings.CurrentWallpaperImageID()
	if id == "" {
		return
	}
	img, ok, err := r.storage.FindImageByID(ctx, id)
	if err != nil || !ok || !img.LocalExists {
		r.settings.SetCurrentWallpaperImageID("")
		r.current = ""
		return
	}
	if err := r.applyImageLocked(ctx, img); err != nil {
		// applyImageLocked already cleared current on failure.
		return
	}
}

// EnsureRunning is ensure_running(start_from_current) (§4.8): starts
// rotation if the current source can produce at least one image,
// otherwise returns a classified error the caller can use to decide
// whether to fall back (e.g. clear a dangling album id and retry against
// the gallery, §8 scenario 6).
func (r *Rotator) EnsureRunning(startFromCurrent bool) error {
	return r.do(func(ctx context.Context) error {
		images, err := r.loadSourceLocked(ctx)
		if err != nil {
			if errors.Is(err, ErrAlbumNotFound) {
				return ErrAlbumNotFound
			}
			return err
		}
		if len(images) == 0 {
			return ErrSourceEmpty
		}
		r.startLocked()
		if startFromCurrent && indexOfID(images, r.current) >= 0 {
			return nil
		}
		return r.rotateLocked(ctx)
	})
}
