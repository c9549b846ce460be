package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/kabegame/kabegame/internal/model"
	"github.com/kabegame/kabegame/internal/ports"
	"github.com/kabegame/kabegame/internal/util/log"
)

// memStorage is an in-memory Storage port for manually exercising the core
// end-to-end without a real catalog database (§10's cmd/kabegame-core
// harness). It is not meant to survive a restart.
type memStorage struct {
	mu        sync.Mutex
	byID      map[string]model.ImageInfo
	nextID    int
	albums    map[string][]string
	tempFiles map[string]bool
}

func newMemStorage() *memStorage {
	return &memStorage{
		byID:      map[string]model.ImageInfo{},
		albums:    map[string][]string{},
		tempFiles: map[string]bool{},
	}
}

func (s *memStorage) FindImageByURL(ctx context.Context, url string) (model.ImageInfo, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, img := range s.byID {
		if img.URL == url {
			return img, true, nil
		}
	}
	return model.ImageInfo{}, false, nil
}

func (s *memStorage) FindImageByHash(ctx context.Context, hash string) (model.ImageInfo, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, img := range s.byID {
		if img.Hash == hash {
			return img, true, nil
		}
	}
	return model.ImageInfo{}, false, nil
}

func (s *memStorage) FindImageByID(ctx context.Context, id string) (model.ImageInfo, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	img, ok := s.byID[id]
	return img, ok, nil
}

func (s *memStorage) AddImage(ctx context.Context, img model.ImageInfo) (model.ImageInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	img.ID = fmt.Sprintf("img-%d", s.nextID)
	img.Order = int64(s.nextID)
	img.LocalExists = true
	s.byID[img.ID] = img
	return img, nil
}

func (s *memStorage) AddImagesToAlbumSilent(ctx context.Context, albumID string, imageIDs []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.albums[albumID] = append(s.albums[albumID], imageIDs...)
	return len(imageIDs), nil
}

func (s *memStorage) GetAllImages(ctx context.Context) ([]model.ImageInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.ImageInfo, 0, len(s.byID))
	for _, img := range s.byID {
		out = append(out, img)
	}
	return out, nil
}

func (s *memStorage) GetAlbumImages(ctx context.Context, albumID string) ([]model.ImageInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids, ok := s.albums[albumID]
	if !ok {
		return nil, ports.ErrAlbumNotFound
	}
	out := make([]model.ImageInfo, 0, len(ids))
	for _, id := range ids {
		if img, ok := s.byID[id]; ok {
			out = append(out, img)
		}
	}
	return out, nil
}

func (s *memStorage) GetAlbumImageIDs(ctx context.Context, albumID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids, ok := s.albums[albumID]
	if !ok {
		return nil, ports.ErrAlbumNotFound
	}
	return ids, nil
}

func (s *memStorage) AddTaskFailedImage(ctx context.Context, taskID, pluginID, url string, startTime int64, errMsg string) error {
	log.Printf("kabegame-core: task %s failed image %s: %s", taskID, url, errMsg)
	return nil
}

func (s *memStorage) UpdateImageThumbnailPath(ctx context.Context, id, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if img, ok := s.byID[id]; ok {
		img.ThumbnailPath = path
		s.byID[id] = img
	}
	return nil
}

func (s *memStorage) AddTempFile(ctx context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tempFiles[path] = true
	return nil
}

func (s *memStorage) RemoveTempFile(ctx context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tempFiles, path)
	return nil
}

func (s *memStorage) DeleteImage(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byID, id)
	return nil
}

func (s *memStorage) SetFavorite(ctx context.Context, id string, favorite bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if img, ok := s.byID[id]; ok {
		img.Favorite = favorite
		s.byID[id] = img
	}
	return nil
}

// filePlugin resolves a single on-disk script file, standing in for the
// real plugin manifest store the UI layer owns (§1 Non-goals).
type filePlugin struct {
	pluginID string
	baseURL  string
	path     string
}

func (p *filePlugin) ResolveForTask(ctx context.Context, pluginID string, scriptFilePath string) (ports.PluginMetadata, string, []ports.VariableDefinition, error) {
	path := scriptFilePath
	if path == "" {
		path = p.path
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return ports.PluginMetadata{}, "", nil, fmt.Errorf("filePlugin: reading %s: %w", path, err)
	}
	meta := ports.PluginMetadata{PluginID: p.pluginID, Name: p.pluginID, BaseURL: p.baseURL}
	return meta, string(raw), nil, nil
}

// noopBackend logs every call instead of touching the OS desktop, so the
// harness runs identically on whatever platform it's built for.
type noopBackend struct {
	mode model.WallpaperMode
}

func (b *noopBackend) Init(ctx context.Context, hostHandle any) error {
	log.Printf("kabegame-core: backend[%s] init", b.mode)
	return nil
}

func (b *noopBackend) SetWallpaperPath(ctx context.Context, path string, force bool) error {
	log.Printf("kabegame-core: backend[%s] set wallpaper %s (force=%v)", b.mode, path, force)
	return nil
}

func (b *noopBackend) SetStyle(ctx context.Context, style model.WallpaperStyle, force bool) error {
	log.Printf("kabegame-core: backend[%s] set style %s (force=%v)", b.mode, style, force)
	return nil
}

func (b *noopBackend) SetTransition(ctx context.Context, transition model.WallpaperTransition, force bool) error {
	log.Printf("kabegame-core: backend[%s] set transition %s (force=%v)", b.mode, transition, force)
	return nil
}

func (b *noopBackend) Cleanup(ctx context.Context) error {
	log.Printf("kabegame-core: backend[%s] cleanup", b.mode)
	return nil
}

// logEvents prints every emitted event as a single JSON line, standing in
// for the UI event stream the real EventSink feeds (§6).
type logEvents struct{}

func (logEvents) Emit(name string, payload map[string]any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		log.Printf("event %s: <unmarshalable payload: %v>", name, err)
		return
	}
	log.Printf("event %s: %s", name, raw)
}
