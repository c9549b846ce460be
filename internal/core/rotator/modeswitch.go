package rotator

import (
	"context"
	"fmt"

	"github.com/kabegame/kabegame/internal/kerrors"
	"github.com/kabegame/kabegame/internal/model"
)

// SetMode is set_mode(new_mode) (§4.8): pauses rotation, reads the current
// wallpaper path (falling back to a valid gallery image if the stored path
// is missing), re-initializes the new mode's backend with its own
// style/transition settings, then cleans up the previous backend.
// set_mode(m) twice in a row is a no-op the second time (§8 round-trip
// idempotence): no backend re-init is observed as a state change.
func (r *Rotator) SetMode(newMode model.WallpaperMode) error {
	return r.do(func(ctx context.Context) error {
		if newMode == r.mode && r.backend != nil {
			return nil
		}
		newBackend, ok := r.backends[newMode]
		if !ok || newBackend == nil {
			return kerrors.New(kerrors.KindInvalidInput, "rotator.SetMode", fmt.Errorf("no backend registered for mode %q", newMode))
		}

		wasRunning := r.running
		if wasRunning {
			r.stopLocked()
		}

		path := r.currentWallpaperPathLocked(ctx)

		if err := newBackend.Init(ctx, nil); err != nil {
			r.events.Emit("wallpaper-mode-switch-complete", map[string]any{
				"success": false, "mode": string(newMode), "error": err.Error(),
			})
			return kerrors.New(kerrors.KindBackend, "rotator.SetMode", err)
		}

		style, transition := r.modeSettingsLocked(newMode)
		if path != "" {
			if err := newBackend.SetWallpaperPath(ctx, path, true); err != nil {
				r.events.Emit("wallpaper-mode-switch-complete", map[string]any{
					"success": false, "mode": string(newMode), "error": err.Error(),
				})
				return kerrors.New(kerrors.KindBackend, "rotator.SetMode", err)
			}
		}
		_ = newBackend.SetStyle(ctx, style, true)
		_ = newBackend.SetTransition(ctx, transition, true)

		oldBackend := r.backend
		r.backend = newBackend
		r.mode = newMode
		if oldBackend != nil {
			_ = oldBackend.Cleanup(ctx)
		}
		if wasRunning {
			r.startLocked()
		}

		r.events.Emit("wallpaper-mode-switch-complete", map[string]any{
			"success": true, "mode": string(newMode),
		})
		return nil
	})
}

// currentWallpaperPathLocked reads the current wallpaper's local path,
// falling back to the first existing-on-disk gallery image if the stored
// current image is missing.
func (r *Rotator) currentWallpaperPathLocked(ctx context.Context) string {
	if r.current != "" {
		if img, ok, err := r.storage.FindImageByID(ctx, r.current); err == nil && ok && img.LocalExists {
			return img.LocalPath
		}
	}
	images, err := r.storage.GetAllImages(ctx)
	if err != nil {
		return ""
	}
	for _, img := range images {
		if img.LocalExists {
			return img.LocalPath
		}
	}
	return ""
}

// modeSettingsLocked reads newMode's cached style/transition, validating
// them against the mode's supported sets and falling back to a mode-valid
// default when the cache holds a value the new mode doesn't support.
func (r *Rotator) modeSettingsLocked(newMode model.WallpaperMode) (model.WallpaperStyle, model.WallpaperTransition) {
	support := model.ModeStyleSupport[newMode]

	style := r.settings.WallpaperStyleByMode()[newMode]
	if !support.Styles[style] {
		style = model.StyleFill
		for s := range support.Styles {
			style = s
			break
		}
	}

	transition := r.settings.WallpaperTransitionByMode()[newMode]
	if !support.Transitions[transition] {
		transition = model.TransitionNone
	}
	return style, transition
}

// SwapStyleTransitionForModeSwitch persists style/transition overrides for
// a pair of modes in one call, used by callers (e.g. a UI mode picker) that
// want to stage both mode-indexed caches atomically before calling SetMode.
// Swapping (a, b) then (b, a) restores both maps to their original
// contents (§8 round-trip property).
func (r *Rotator) SwapStyleTransitionForModeSwitch(a, b model.WallpaperMode, aStyle, bStyle model.WallpaperStyle, aTransition, bTransition model.WallpaperTransition) {
	styles := r.settings.WallpaperStyleByMode()
	styles[a] = aStyle
	styles[b] = bStyle
	r.settings.SetWallpaperStyleByMode(styles)

	transitions := r.settings.WallpaperTransitionByMode()
	transitions[a] = aTransition
	transitions[b] = bTransition
	r.settings.SetWallpaperTransitionByMode(transitions)
}
