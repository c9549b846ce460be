// Package settingsstore implements the Settings port (§6) as a standalone
// JSON file with debounced, atomic persistence — the teacher's
// pkg/wallpaper/store.go `scheduleSaveLocked`/`saveCacheInternal`
// debounce-timer idiom (reset on every mutation, firing a save at
// quiescence) and its `saveCacheInternalOriginalLocked` atomic
// temp-file-then-os.Rename write, generalized from the teacher's
// fyne.Preferences-backed Config to a plain JSON file since the UI layer
// (and its Fyne dependency) is out of this repo's scope (§1). Every
// successful write emits a `settings-change` event, per §6.
package settingsstore

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/kabegame/kabegame/internal/model"
	"github.com/kabegame/kabegame/internal/ports"
	"github.com/kabegame/kabegame/internal/util/log"
)

// DebounceQuiescence is the §6 minimum debounce window: writes to disk
// happen only after this much time has passed with no further mutation.
const DebounceQuiescence = 4 * time.Second

// document is the on-disk JSON shape. Field names are the public wire
// names kept stable across versions of this store.
type document struct {
	MaxConcurrentDownloads     int                     `json:"max_concurrent_downloads"`
	NetworkRetryCount          int                     `json:"network_retry_count"`
	AutoDeduplicate            bool                    `json:"auto_deduplicate"`
	DefaultDownloadDir         string                  `json:"default_download_dir"`
	CurrentWallpaperImageID    string                  `json:"current_wallpaper_image_id"`
	WallpaperStyleByMode       map[string]string        `json:"wallpaper_style_by_mode"`
	WallpaperTransitionByMode  map[string]string        `json:"wallpaper_transition_by_mode"`
	RotationEnabled            bool                    `json:"rotation_enabled"`
	RotationSourceKind         string                  `json:"rotation_source_kind"`
	RotationSourceAlbumID      string                  `json:"rotation_source_album_id"`
	RotationMode               string                  `json:"rotation_mode"`
	IntervalMinutes            int                     `json:"interval_minutes"`
	TaskRateLimits             map[string]taskRateLimit `json:"task_rate_limits"`
}

type taskRateLimit struct {
	MaxConcurrency int   `json:"max_concurrency"`
	MinIntervalMS  int64 `json:"min_interval_ms"`
}

func defaultDocument() document {
	return document{
		MaxConcurrentDownloads: 4,
		NetworkRetryCount:      2,
		AutoDeduplicate:        true,
		RotationSourceKind:     string(model.SourceNone),
		RotationMode:           string(model.RotationSequential),
		IntervalMinutes:        30,
		WallpaperStyleByMode:      map[string]string{},
		WallpaperTransitionByMode: map[string]string{},
		TaskRateLimits:            map[string]taskRateLimit{},
	}
}

// Store is a file-backed, debounce-persisted Settings port implementation.
type Store struct {
	path   string
	events ports.EventSink

	mu  sync.RWMutex
	doc document

	saveMu    sync.Mutex
	saveTimer *time.Timer
	debounce  time.Duration
}

// Load reads path if it exists, falling back to defaults if it doesn't
// (a fresh install). A malformed file is treated the same as missing: the
// store starts from defaults rather than failing startup.
func Load(path string, events ports.EventSink) *Store {
	s := &Store{path: path, events: events, doc: defaultDocument(), debounce: DebounceQuiescence}
	raw, err := os.ReadFile(path)
	if err != nil {
		return s
	}
	var doc document
	if err := json.Unmarshal(raw, &doc); err != nil {
		log.Printf("settingsstore: %s is not valid JSON, starting from defaults: %v", path, err)
		return s
	}
	if doc.WallpaperStyleByMode == nil {
		doc.WallpaperStyleByMode = map[string]string{}
	}
	if doc.WallpaperTransitionByMode == nil {
		doc.WallpaperTransitionByMode = map[string]string{}
	}
	if doc.TaskRateLimits == nil {
		doc.TaskRateLimits = map[string]taskRateLimit{}
	}
	s.doc = doc
	return s
}

// scheduleSave arms (or re-arms) the debounce timer. Grounded on the
// teacher's scheduleSaveLocked: the timer reset happens on a separate
// goroutine so a caller holding s.mu never blocks on the save-timer mutex.
func (s *Store) scheduleSave() {
	go func() {
		s.saveMu.Lock()
		defer s.saveMu.Unlock()
		if s.saveTimer != nil {
			s.saveTimer.Stop()
		}
		s.saveTimer = time.AfterFunc(s.debounce, s.flush)
	}()
}

// flush performs the atomic write-then-rename and, on success, emits
// settings-change (§6).
func (s *Store) flush() {
	s.mu.RLock()
	doc := s.doc
	s.mu.RUnlock()

	if s.path == "" {
		return
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		log.Printf("settingsstore: failed to create directory for %s: %v", s.path, err)
		return
	}
	tmp := s.path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		log.Printf("settingsstore: failed to create temp file: %v", err)
		return
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		f.Close()
		log.Printf("settingsstore: failed to encode settings: %v", err)
		return
	}
	if err := f.Sync(); err != nil {
		f.Close()
		log.Printf("settingsstore: failed to fsync settings: %v", err)
		return
	}
	f.Close()
	if err := os.Rename(tmp, s.path); err != nil {
		log.Printf("settingsstore: failed to rename settings into place: %v", err)
		return
	}
	if s.events != nil {
		s.events.Emit("settings-change", map[string]any{})
	}
}

// Flush forces an immediate save, bypassing the debounce window. Intended
// for shutdown paths that want to guarantee the last mutation landed on
// disk.
func (s *Store) Flush() {
	s.saveMu.Lock()
	if s.saveTimer != nil {
		s.saveTimer.Stop()
		s.saveTimer = nil
	}
	s.saveMu.Unlock()
	s.flush()
}

func (s *Store) MaxConcurrentDownloads() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.doc.MaxConcurrentDownloads < 1 {
		return 1
	}
	return s.doc.MaxConcurrentDownloads
}

func (s *Store) NetworkRetryCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.doc.NetworkRetryCount < 0 {
		return 0
	}
	return s.doc.NetworkRetryCount
}

func (s *Store) AutoDeduplicate() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc.AutoDeduplicate
}

func (s *Store) DefaultDownloadDir() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc.DefaultDownloadDir
}

func (s *Store) SetDefaultDownloadDir(dir string) {
	s.mu.Lock()
	s.doc.DefaultDownloadDir = dir
	s.mu.Unlock()
	s.scheduleSave()
}

func (s *Store) CurrentWallpaperImageID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc.CurrentWallpaperImageID
}

func (s *Store) SetCurrentWallpaperImageID(id string) {
	s.mu.Lock()
	s.doc.CurrentWallpaperImageID = id
	s.mu.Unlock()
	s.scheduleSave()
}

func (s *Store) WallpaperStyleByMode() map[model.WallpaperMode]model.WallpaperStyle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[model.WallpaperMode]model.WallpaperStyle, len(s.doc.WallpaperStyleByMode))
	for k, v := range s.doc.WallpaperStyleByMode {
		out[model.WallpaperMode(k)] = model.WallpaperStyle(v)
	}
	return out
}

func (s *Store) WallpaperTransitionByMode() map[model.WallpaperMode]model.WallpaperTransition {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[model.WallpaperMode]model.WallpaperTransition, len(s.doc.WallpaperTransitionByMode))
	for k, v := range s.doc.WallpaperTransitionByMode {
		out[model.WallpaperMode(k)] = model.WallpaperTransition(v)
	}
	return out
}

func (s *Store) SetWallpaperStyleByMode(m map[model.WallpaperMode]model.WallpaperStyle) {
	s.mu.Lock()
	raw := make(map[string]string, len(m))
	for k, v := range m {
		raw[string(k)] = string(v)
	}
	s.doc.WallpaperStyleByMode = raw
	s.mu.Unlock()
	s.scheduleSave()
}

func (s *Store) SetWallpaperTransitionByMode(m map[model.WallpaperMode]model.WallpaperTransition) {
	s.mu.Lock()
	raw := make(map[string]string, len(m))
	for k, v := range m {
		raw[string(k)] = string(v)
	}
	s.doc.WallpaperTransitionByMode = raw
	s.mu.Unlock()
	s.scheduleSave()
}

func (s *Store) RotationEnabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc.RotationEnabled
}

func (s *Store) SetRotationEnabled(enabled bool) {
	s.mu.Lock()
	s.doc.RotationEnabled = enabled
	s.mu.Unlock()
	s.scheduleSave()
}

func (s *Store) RotationSource() model.RotationSource {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return model.RotationSource{
		Kind:    model.RotationSourceKind(s.doc.RotationSourceKind),
		AlbumID: s.doc.RotationSourceAlbumID,
	}
}

func (s *Store) SetRotationSource(src model.RotationSource) {
	s.mu.Lock()
	s.doc.RotationSourceKind = string(src.Kind)
	s.doc.RotationSourceAlbumID = src.AlbumID
	s.mu.Unlock()
	s.scheduleSave()
}

func (s *Store) RotationMode() model.RotationMode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return model.RotationMode(s.doc.RotationMode)
}

func (s *Store) SetRotationMode(mode model.RotationMode) {
	s.mu.Lock()
	s.doc.RotationMode = string(mode)
	s.mu.Unlock()
	s.scheduleSave()
}

func (s *Store) IntervalMinutes() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.doc.IntervalMinutes < 1 {
		return 1
	}
	return s.doc.IntervalMinutes
}

func (s *Store) SetIntervalMinutes(minutes int) {
	s.mu.Lock()
	s.doc.IntervalMinutes = minutes
	s.mu.Unlock()
	s.scheduleSave()
}

func (s *Store) TaskRateLimit(taskID string) model.TaskRateLimit {
	s.mu.RLock()
	defer s.mu.RUnlock()
	limit := s.doc.TaskRateLimits[taskID]
	return model.TaskRateLimit{MaxConcurrency: limit.MaxConcurrency, MinIntervalMS: limit.MinIntervalMS}
}

func (s *Store) SetTaskRateLimit(taskID string, limit model.TaskRateLimit) {
	s.mu.Lock()
	s.doc.TaskRateLimits[taskID] = taskRateLimit{MaxConcurrency: limit.MaxConcurrency, MinIntervalMS: limit.MinIntervalMS}
	s.mu.Unlock()
	s.scheduleSave()
}
