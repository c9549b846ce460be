package rotator

import (
	"context"

	"github.com/kabegame/kabegame/internal/kerrors"
)

// Next advances the rotation pointer without waiting for the timer,
// re-arming the timer on success so a manual pick doesn't immediately get
// clobbered by a stale tick (§4.8, supplemented from the teacher's
// MonitorController.next()).
func (r *Rotator) Next() error {
	return r.do(func(ctx context.Context) error {
		if err := r.rotateLocked(ctx); err != nil {
			return err
		}
		r.rearmLocked()
		return nil
	})
}

// Prev rewinds to the previously applied image (§4.8, supplemented from
// MonitorController.prev()'s history stack). It is a no-op if there is no
// prior image to return to.
func (r *Rotator) Prev() error {
	return r.do(func(ctx context.Context) error {
		if len(r.history) <= 1 {
			return nil
		}
		r.history = r.history[:len(r.history)-1]
		prevID := r.history[len(r.history)-1]

		images, err := r.loadSourceLocked(ctx)
		if err != nil {
			return err
		}
		idx := indexOfID(images, prevID)
		if idx < 0 {
			return nil
		}
		if err := r.applyImageLocked(ctx, images[idx]); err != nil {
			return err
		}
		r.rearmLocked()
		return nil
	})
}

// DeleteCurrent removes the current image from Storage (Storage.DeleteImage)
// and advances to the next one (§4.8, supplemented from
// MonitorController.deleteCurrent()). The rotator itself does not delete the
// image file from disk.
func (r *Rotator) DeleteCurrent() error {
	return r.do(func(ctx context.Context) error {
		if r.current == "" {
			return nil
		}
		id := r.current
		if err := r.storage.DeleteImage(ctx, id); err != nil {
			return kerrors.New(kerrors.KindCatalog, "rotator.DeleteCurrent", err)
		}
		r.events.Emit("images-change", map[string]any{
			"reason":   "delete",
			"imageIds": []string{id},
		})
		return r.rotateLocked(ctx)
	})
}

// ToggleFavorite flips the favorite flag on the current image via Storage
// (§4.8, supplemented from MonitorController.toggleFavorite()).
func (r *Rotator) ToggleFavorite() error {
	return r.do(func(ctx context.Context) error {
		if r.current == "" {
			return nil
		}
		img, ok, err := r.storage.FindImageByID(ctx, r.current)
		if err != nil {
			return kerrors.New(kerrors.KindCatalog, "rotator.ToggleFavorite", err)
		}
		if !ok {
			return nil
		}
		if err := r.storage.SetFavorite(ctx, img.ID, !img.Favorite); err != nil {
			return kerrors.New(kerrors.KindCatalog, "rotator.ToggleFavorite", err)
		}
		r.events.Emit("images-change", map[string]any{
			"reason":   "favorite-add",
			"imageIds": []string{img.ID},
		})
		return nil
	})
}
