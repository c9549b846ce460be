// Package postprocess implements the image post-processing pipeline
// (§4.4): hashing, dedup, thumbnailing, catalog insert, and album attach.
// It is the single code path both ordinary downloads and archive-extracted
// images run through (§4.5).
//
// Grounded on the teacher's smart_image_processor.go for the
// decode/fit/crop/encode shape (disintegration/imaging +
// muesli/smartcrop + esimov/pigo), generalized from "fit to desktop
// resolution" to "shrink to a ≤300px thumbnail" since that is what this
// spec's pipeline needs; the dedup-collapsing use of
// golang.org/x/sync/singleflight is new (the teacher has no concurrent
// dedup path to collapse) but grounded on the same package's general
// "collapse identical concurrent work" idiom used by CloudPull's
// rate limiter composition (see DESIGN.md).
package postprocess

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"time"

	_ "golang.org/x/image/webp"
	"golang.org/x/sync/singleflight"

	"github.com/kabegame/kabegame/internal/kerrors"
	"github.com/kabegame/kabegame/internal/model"
	"github.com/kabegame/kabegame/internal/ports"
	"github.com/kabegame/kabegame/internal/util/log"
)

// MinDownloadDuration is the §4.6 floor: every terminal path for a
// DownloadRequest waits until at least this much wall-clock time has
// elapsed since the request's StartTime, so the UI can show smooth state
// transitions instead of instantaneous flicker.
const MinDownloadDuration = 500 * time.Millisecond

// Mode selects how the thumbnail is framed (§4.4's face-aware variants).
type Mode string

const (
	ModePlain     Mode = "plain"
	ModeFaceCrop  Mode = "face-crop"
	ModeFaceBoost Mode = "face-boost"
)

const thumbnailMaxSide = 300

// Input gathers what the pipeline needs for one completed download.
type Input struct {
	LocalPath     string
	URL           string
	PluginID      string
	TaskID        string
	StartTime     time.Time
	OutputAlbumID string
	ArchiveOrigin bool // true when LocalPath came from archive expansion (§4.5)
}

// Result reports the terminal outcome so the caller can emit the matching
// download-state event.
type Result struct {
	Image   model.ImageInfo
	Reused  bool // true when an existing catalog entry was attached instead
	Failed  bool
	FailMsg string
}

// Processor runs §4.4 over one Input at a time (callers parallelize across
// workers; the Processor itself holds no per-call state beyond its
// dependencies).
type Processor struct {
	storage   ports.Storage
	events    ports.EventSink
	settings  ports.Settings
	thumbDir  string
	mode      Mode
	faceModel FaceDetector // nil disables face-aware variants

	hashGroup singleflight.Group
}

// FaceDetector abstracts esimov/pigo so tests can run without a cascade
// file loaded; when it is nil, ModeFaceCrop and ModeFaceBoost skip face
// detection and use the smartcrop window instead.
type FaceDetector interface {
	// DetectBestFace returns the bounding box of the most prominent face in
	// img, or ok=false if none was found.
	DetectBestFace(img image.Image) (box image.Rectangle, ok bool)
}

// New creates a Processor. thumbDir is the managed thumbnails directory
// (§6 filesystem layout); faceModel may be nil.
func New(storage ports.Storage, events ports.EventSink, settings ports.Settings, thumbDir string, mode Mode, faceModel FaceDetector) *Processor {
	return &Processor{
		storage:   storage,
		events:    events,
		settings:  settings,
		thumbDir:  thumbDir,
		mode:      mode,
		faceModel: faceModel,
	}
}

// Process runs the full §4.4 pipeline for one downloaded (or
// archive-extracted) file and enforces the §4.6 minimum-duration floor
// before returning.
func (p *Processor) Process(ctx context.Context, in Input) Result {
	defer p.enforceMinDuration(ctx, in.StartTime)

	hash, err := hashFile(in.LocalPath)
	if err != nil {
		return p.fail(ctx, in, "", fmt.Sprintf("hashing failed: %v", err))
	}

	if p.settings.AutoDeduplicate() {
		if _, reused, ok := p.tryDedup(ctx, in, hash); ok {
			return reused
		}
	}

	thumbPath, err := p.generateThumbnail(ctx, in.LocalPath)
	if err != nil {
		os.Remove(in.LocalPath)
		return p.fail(ctx, in, hash, fmt.Sprintf("thumbnail generation failed: %v", err))
	}

	img := model.ImageInfo{
		URL:           in.URL,
		LocalPath:     in.LocalPath,
		PluginID:      in.PluginID,
		TaskID:        in.TaskID,
		CrawledAt:     time.Now(),
		ThumbnailPath: thumbPath,
		Hash:          hash,
		Order:         in.StartTime.UnixMilli(),
		LocalExists:   true,
	}
	inserted, err := p.storage.AddImage(ctx, img)
	if err != nil {
		os.Remove(in.LocalPath)
		os.Remove(thumbPath)
		return p.fail(ctx, in, hash, fmt.Sprintf("catalog insert failed: %v", err))
	}

	p.events.Emit("images-change", map[string]any{
		"reason":   "add",
		"imageIds": []string{inserted.ID},
		"taskId":   in.TaskID,
	})

	p.attachToAlbum(ctx, in, inserted.ID)

	p.events.Emit("download-state", map[string]any{
		"taskId":    in.TaskID,
		"url":       in.URL,
		"startTime": in.StartTime.UnixMilli(),
		"pluginId":  in.PluginID,
		"state":     string(model.StateCompleted),
	})
	return Result{Image: inserted}
}

// tryDedup probes Storage for an existing image with the same content
// hash, collapsing concurrent probes for the same hash via singleflight so
// two workers racing to finish identical content only query Storage once
// (§8's dedup testable property). ok is true iff the content was a dup and
// the caller should return immediately with the returned Result.
func (p *Processor) tryDedup(ctx context.Context, in Input, hash string) (model.ImageInfo, Result, bool) {
	v, _, _ := p.hashGroup.Do(hash, func() (any, error) {
		existing, found, err := p.storage.FindImageByHash(ctx, hash)
		if err != nil || !found {
			return nil, nil
		}
		return existing, nil
	})
	existing, ok := v.(model.ImageInfo)
	if !ok {
		return model.ImageInfo{}, Result{}, false
	}

	// Only delete the new file if no catalog entry currently references it
	// (§4.4 step 2): since this is a freshly-downloaded temp path distinct
	// from existing.LocalPath, that condition always holds here unless the
	// two happen to coincide (e.g. a re-crawl writing to the same path).
	if in.LocalPath != existing.LocalPath {
		os.Remove(in.LocalPath)
	}

	p.attachToAlbum(ctx, in, existing.ID)
	p.events.Emit("images-change", map[string]any{
		"reason":   "add",
		"imageIds": []string{existing.ID},
		"taskId":   in.TaskID,
	})
	p.events.Emit("download-state", map[string]any{
		"taskId":    in.TaskID,
		"url":       in.URL,
		"startTime": in.StartTime.UnixMilli(),
		"pluginId":  in.PluginID,
		"state":     string(model.StateCompleted),
	})
	return existing, Result{Image: existing, Reused: true}, true
}

func (p *Processor) attachToAlbum(ctx context.Context, in Input, imageID string) {
	if in.OutputAlbumID == "" {
		return
	}
	added, err := p.storage.AddImagesToAlbumSilent(ctx, in.OutputAlbumID, []string{imageID})
	if err != nil {
		log.Printf("postprocess: failed to attach image %s to album %s: %v", imageID, in.OutputAlbumID, err)
		return
	}
	if added > 0 {
		p.events.Emit("images-change", map[string]any{
			"reason":   "album-add",
			"imageIds": []string{imageID},
			"albumId":  in.OutputAlbumID,
			"taskId":   in.TaskID,
		})
	}
}

func (p *Processor) fail(ctx context.Context, in Input, hash string, msg string) Result {
	if err := p.storage.AddTaskFailedImage(ctx, in.TaskID, in.PluginID, in.URL, in.StartTime.UnixMilli(), msg); err != nil {
		log.Printf("postprocess: failed to record failed-image row: %v", err)
	}
	p.events.Emit("download-state", map[string]any{
		"taskId":    in.TaskID,
		"url":       in.URL,
		"startTime": in.StartTime.UnixMilli(),
		"pluginId":  in.PluginID,
		"state":     string(model.StateFailed),
		"error":     msg,
	})
	log.Printf("postprocess: %s (task=%s url=%s)", msg, in.TaskID, in.URL)
	return Result{Failed: true, FailMsg: msg}
}

func (p *Processor) enforceMinDuration(ctx context.Context, startTime time.Time) {
	remaining := MinDownloadDuration - time.Since(startTime)
	if remaining <= 0 {
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(remaining):
	}
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", kerrors.New(kerrors.KindFilesystem, "postprocess.hashFile", err)
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", kerrors.New(kerrors.KindFilesystem, "postprocess.hashFile", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (p *Processor) generateThumbnail(ctx context.Context, srcPath string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", kerrors.New(kerrors.KindCanceled, "postprocess.generateThumbnail", err)
	}
	src, err := os.Open(srcPath)
	if err != nil {
		return "", kerrors.New(kerrors.KindFilesystem, "postprocess.generateThumbnail", err)
	}
	img, format, err := image.Decode(src)
	src.Close()
	if err != nil {
		return "", kerrors.New(kerrors.KindFilesystem, "postprocess.generateThumbnail", err)
	}

	framed := p.frame(img)
	thumb := resizeLongestSide(framed, thumbnailMaxSide)

	if err := os.MkdirAll(p.thumbDir, 0o755); err != nil {
		return "", kerrors.New(kerrors.KindFilesystem, "postprocess.generateThumbnail", err)
	}
	name := filepath.Base(srcPath)
	ext := filepath.Ext(name)
	thumbPath := filepath.Join(p.thumbDir, name[:len(name)-len(ext)]+"_thumb"+ext)

	out, err := os.Create(thumbPath)
	if err != nil {
		return "", kerrors.New(kerrors.KindFilesystem, "postprocess.generateThumbnail", err)
	}
	defer out.Close()

	switch format {
	case "png":
		err = png.Encode(out, thumb)
	default:
		err = jpeg.Encode(out, thumb, &jpeg.Options{Quality: 88})
	}
	if err != nil {
		return "", kerrors.New(kerrors.KindFilesystem, "postprocess.generateThumbnail", err)
	}
	return thumbPath, nil
}
