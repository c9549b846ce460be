// Package model holds the data shapes shared across the download scheduler,
// the crawler runtime, and the wallpaper rotator.
package model

import "time"

// TaskStatus is the lifecycle state of a Task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCanceled  TaskStatus = "canceled"
	TaskFailed    TaskStatus = "failed"
	TaskCompleted TaskStatus = "completed"
)

// VariableValue is a typed value supplied either by a plugin's declared
// defaults or by the user's configuration for a task.
type VariableValue struct {
	Kind  string // "int", "float", "string", "bool", "list"
	Int   int64
	Float float64
	Str   string
	Bool  bool
	List  []string
}

// Task is the durable record of one crawl invocation. Ownership of the
// backing row lives behind the Storage port; the core only holds the
// in-memory runtime projection of it.
type Task struct {
	TaskID          string
	PluginID        string
	SeedURL         string
	UserConfig      map[string]VariableValue
	OutputAlbumID   string
	Status          TaskStatus
	Progress        float64
	DownloadedCount int
	StartedAt       time.Time
	EndedAt         time.Time
	LastError       string
}

// ArchiveType classifies a DownloadRequest's payload.
type ArchiveType string

const (
	ArchiveNone ArchiveType = ""
	ArchiveZip  ArchiveType = "zip"
	ArchiveRar  ArchiveType = "rar"
)

// DownloadRequest is a transient unit of work submitted to the Dispatcher.
type DownloadRequest struct {
	URL           string
	ImagesDir     string
	PluginID      string
	TaskID        string
	StartTime     time.Time
	OutputAlbumID string
	HTTPHeaders   map[string]string
	ArchiveType   ArchiveType
	TempDirGuard  *TempDirGuard
}

// DownloadState is the lifecycle state of a single DownloadRequest.
type DownloadState string

const (
	StatePreparing   DownloadState = "preparing"
	StateDownloading DownloadState = "downloading"
	StateProcessing  DownloadState = "processing"
	StateCompleted   DownloadState = "completed"
	StateCanceled    DownloadState = "canceled"
	StateFailed      DownloadState = "failed"
)

// ActiveDownloadInfo mirrors an in-flight request for observers (UI).
type ActiveDownloadInfo struct {
	URL       string
	PluginID  string
	TaskID    string
	StartTime time.Time
	State     DownloadState
	Error     string
}

// TaskRateLimit holds per-task admission gates. A zero value for either field
// means "unbounded" for that gate.
type TaskRateLimit struct {
	MaxConcurrency int
	MinIntervalMS  int64
}

// DecompressionJob describes one archive awaiting expansion.
type DecompressionJob struct {
	ArchivePath   string
	ImagesDir     string
	URL           string
	TaskID        string
	PluginID      string
	StartTime     time.Time
	OutputAlbumID string
	HTTPHeaders   map[string]string
	ArchiveType   ArchiveType
	TempDirGuard  *TempDirGuard
}

// ImageInfo is the catalog row written into Storage for a completed download.
type ImageInfo struct {
	ID             string
	URL            string
	LocalPath      string
	PluginID       string
	TaskID         string
	CrawledAt      time.Time
	ThumbnailPath  string
	Hash           string
	Order          int64
	Favorite       bool
	LocalExists    bool
}

// WallpaperMode selects the OS-facing backend that applies a wallpaper.
type WallpaperMode string

const (
	ModeNative WallpaperMode = "native"
	ModeWindow WallpaperMode = "window"
	ModeGDI    WallpaperMode = "gdi"
)

// WallpaperStyle is how an image is fit to the screen.
type WallpaperStyle string

const (
	StyleFill    WallpaperStyle = "fill"
	StyleFit     WallpaperStyle = "fit"
	StyleStretch WallpaperStyle = "stretch"
	StyleCenter  WallpaperStyle = "center"
	StyleTile    WallpaperStyle = "tile"
)

// WallpaperTransition is a backend-specific transition effect; "none" and
// "fade" are the only two names the core itself understands, the rest pass
// through to the backend uninterpreted.
type WallpaperTransition string

const (
	TransitionNone WallpaperTransition = "none"
	TransitionFade WallpaperTransition = "fade"
)

// RotationMode selects how the rotator advances through its source.
type RotationMode string

const (
	RotationSequential RotationMode = "sequential"
	RotationRandom     RotationMode = "random"
)

// RotationSourceKind distinguishes between no rotation, a specific album, or
// the full gallery.
type RotationSourceKind string

const (
	SourceNone   RotationSourceKind = "none"
	SourceAlbum  RotationSourceKind = "album"
	SourceGallery RotationSourceKind = "gallery"
)

// RotationSource is a (kind, albumID) pair; albumID is only meaningful when
// Kind == SourceAlbum.
type RotationSource struct {
	Kind    RotationSourceKind
	AlbumID string
}

// ModeStyleSupport declares which styles and transitions a WallpaperMode
// accepts; set_mode normalizes Style/Transition against these.
var ModeStyleSupport = map[WallpaperMode]struct {
	Styles      map[WallpaperStyle]bool
	Transitions map[WallpaperTransition]bool
}{
	ModeNative: {
		Styles:      boolSet(StyleFill, StyleFit, StyleStretch, StyleCenter, StyleTile),
		Transitions: boolSetT(TransitionNone),
	},
	ModeWindow: {
		Styles:      boolSet(StyleFill, StyleFit, StyleStretch, StyleCenter),
		Transitions: boolSetT(TransitionNone, TransitionFade),
	},
	ModeGDI: {
		Styles:      boolSet(StyleFill, StyleFit, StyleStretch, StyleCenter, StyleTile),
		Transitions: boolSetT(TransitionNone),
	},
}

func boolSet(styles ...WallpaperStyle) map[WallpaperStyle]bool {
	m := make(map[WallpaperStyle]bool, len(styles))
	for _, s := range styles {
		m[s] = true
	}
	return m
}

func boolSetT(transitions ...WallpaperTransition) map[WallpaperTransition]bool {
	m := make(map[WallpaperTransition]bool, len(transitions))
	for _, t := range transitions {
		m[t] = true
	}
	return m
}
