// Package ports declares the interfaces the core talks to but does not
// implement: the persistent catalog, the OS-specific wallpaper backends, the
// plugin store, the UI event stream, and durable settings. Production
// implementations of these live outside this repo's scope (§1 of the design
// document); this package exists so the core can be exercised against
// in-memory fakes (each test file defines its own) without depending on them.
package ports

import (
	"context"
	"errors"

	"github.com/kabegame/kabegame/internal/model"
)

// ErrAlbumNotFound is returned by GetAlbumImages/GetAlbumImageIDs when
// albumID does not name a known album, distinct from a known album that
// simply has no images in it (an empty, nil-error slice). The Wallpaper
// Rotator (§4.8) relies on this distinction to classify ensure_running
// failures as "album doesn't exist" vs "album has no images". The message
// itself (paired with rotator.ErrSourceEmpty's "画册内没有图片") is the wire
// contract callers classify on, matching §8 scenario 6.
var ErrAlbumNotFound = errors.New("画册不存在")

// Storage is the persistent catalog port.
type Storage interface {
	FindImageByURL(ctx context.Context, url string) (model.ImageInfo, bool, error)
	FindImageByHash(ctx context.Context, hash string) (model.ImageInfo, bool, error)
	FindImageByID(ctx context.Context, id string) (model.ImageInfo, bool, error)
	AddImage(ctx context.Context, img model.ImageInfo) (model.ImageInfo, error)
	AddImagesToAlbumSilent(ctx context.Context, albumID string, imageIDs []string) (int, error)
	GetAllImages(ctx context.Context) ([]model.ImageInfo, error)
	GetAlbumImages(ctx context.Context, albumID string) ([]model.ImageInfo, error)
	GetAlbumImageIDs(ctx context.Context, albumID string) ([]string, error)
	AddTaskFailedImage(ctx context.Context, taskID, pluginID, url string, startTime int64, errMsg string) error
	UpdateImageThumbnailPath(ctx context.Context, id, path string) error
	AddTempFile(ctx context.Context, path string) error
	RemoveTempFile(ctx context.Context, path string) error
	DeleteImage(ctx context.Context, id string) error
	SetFavorite(ctx context.Context, id string, favorite bool) error
}

// PluginMetadata describes a resolved plugin (manifest fields the crawler
// runtime needs; packaging/signing concerns live outside the core).
type PluginMetadata struct {
	PluginID string
	Name     string
	BaseURL  string
}

// VariableDefinition describes one plugin-declared script variable.
type VariableDefinition struct {
	Name    string
	Kind    string // "int", "float", "options", "boolean", "checkbox", "list"
	Default model.VariableValue
	Options []string // valid values for "options"/"checkbox" kinds
}

// PluginRegistry resolves a plugin id (optionally with an explicit script
// file override) to its metadata, script source, and variable definitions.
type PluginRegistry interface {
	ResolveForTask(ctx context.Context, pluginID string, scriptFilePath string) (PluginMetadata, string, []VariableDefinition, error)
}

// WallpaperBackend is the OS-facing implementation for one WallpaperMode.
type WallpaperBackend interface {
	Init(ctx context.Context, hostHandle any) error
	SetWallpaperPath(ctx context.Context, path string, force bool) error
	SetStyle(ctx context.Context, style model.WallpaperStyle, force bool) error
	SetTransition(ctx context.Context, transition model.WallpaperTransition, force bool) error
	Cleanup(ctx context.Context) error
}

// EventSink emits named JSON-payload events to the UI layer.
type EventSink interface {
	Emit(name string, payload map[string]any)
}

// Settings is the typed accessor surface for durable configuration.
type Settings interface {
	MaxConcurrentDownloads() int
	NetworkRetryCount() int
	AutoDeduplicate() bool
	DefaultDownloadDir() string
	CurrentWallpaperImageID() string
	SetCurrentWallpaperImageID(id string)
	WallpaperStyleByMode() map[model.WallpaperMode]model.WallpaperStyle
	WallpaperTransitionByMode() map[model.WallpaperMode]model.WallpaperTransition
	SetWallpaperStyleByMode(m map[model.WallpaperMode]model.WallpaperStyle)
	SetWallpaperTransitionByMode(m map[model.WallpaperMode]model.WallpaperTransition)
	RotationEnabled() bool
	RotationSource() model.RotationSource
	SetRotationSource(src model.RotationSource)
	SetRotationEnabled(enabled bool)
	RotationMode() model.RotationMode
	IntervalMinutes() int
	TaskRateLimit(taskID string) model.TaskRateLimit
}
