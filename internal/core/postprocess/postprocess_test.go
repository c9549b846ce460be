package postprocess

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kabegame/kabegame/internal/model"
)

type fakeStorage struct {
	mu        sync.Mutex
	byHash    map[string]model.ImageInfo
	images    []model.ImageInfo
	failed    []string
	albumAdds map[string][]string
	nextID    int
	autoDedup bool
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{byHash: map[string]model.ImageInfo{}, albumAdds: map[string][]string{}}
}

func (f *fakeStorage) FindImageByURL(ctx context.Context, url string) (model.ImageInfo, bool, error) {
	return model.ImageInfo{}, false, nil
}
func (f *fakeStorage) FindImageByHash(ctx context.Context, hash string) (model.ImageInfo, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	img, ok := f.byHash[hash]
	return img, ok, nil
}
func (f *fakeStorage) FindImageByID(ctx context.Context, id string) (model.ImageInfo, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, img := range f.images {
		if img.ID == id {
			return img, true, nil
		}
	}
	return model.ImageInfo{}, false, nil
}
func (f *fakeStorage) AddImage(ctx context.Context, img model.ImageInfo) (model.ImageInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	img.ID = itoa(f.nextID)
	f.images = append(f.images, img)
	f.byHash[img.Hash] = img
	return img, nil
}
func (f *fakeStorage) AddImagesToAlbumSilent(ctx context.Context, albumID string, imageIDs []string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.albumAdds[albumID] = append(f.albumAdds[albumID], imageIDs...)
	return len(imageIDs), nil
}
func (f *fakeStorage) GetAllImages(ctx context.Context) ([]model.ImageInfo, error) { return f.images, nil }
func (f *fakeStorage) GetAlbumImages(ctx context.Context, albumID string) ([]model.ImageInfo, error) {
	return nil, nil
}
func (f *fakeStorage) GetAlbumImageIDs(ctx context.Context, albumID string) ([]string, error) {
	return f.albumAdds[albumID], nil
}
func (f *fakeStorage) AddTaskFailedImage(ctx context.Context, taskID, pluginID, url string, startTime int64, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = append(f.failed, url)
	return nil
}
func (f *fakeStorage) UpdateImageThumbnailPath(ctx context.Context, id, path string) error { return nil }
func (f *fakeStorage) AddTempFile(ctx context.Context, path string) error                  { return nil }
func (f *fakeStorage) RemoveTempFile(ctx context.Context, path string) error               { return nil }
func (f *fakeStorage) DeleteImage(ctx context.Context, id string) error                    { return nil }
func (f *fakeStorage) SetFavorite(ctx context.Context, id string, favorite bool) error     { return nil }

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}

type fakeEvents struct {
	mu     sync.Mutex
	events []map[string]any
}

func (e *fakeEvents) Emit(name string, payload map[string]any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p := map[string]any{"__event": name}
	for k, v := range payload {
		p[k] = v
	}
	e.events = append(e.events, p)
}

type fakeSettings struct{ dedup bool }

func (s *fakeSettings) MaxConcurrentDownloads() int { return 2 }
func (s *fakeSettings) NetworkRetryCount() int       { return 0 }
func (s *fakeSettings) AutoDeduplicate() bool        { return s.dedup }
func (s *fakeSettings) DefaultDownloadDir() string   { return "" }
func (s *fakeSettings) CurrentWallpaperImageID() string              { return "" }
func (s *fakeSettings) SetCurrentWallpaperImageID(id string)         {}
func (s *fakeSettings) WallpaperStyleByMode() map[model.WallpaperMode]model.WallpaperStyle {
	return nil
}
func (s *fakeSettings) WallpaperTransitionByMode() map[model.WallpaperMode]model.WallpaperTransition {
	return nil
}
func (s *fakeSettings) SetWallpaperStyleByMode(m map[model.WallpaperMode]model.WallpaperStyle)           {}
func (s *fakeSettings) SetWallpaperTransitionByMode(m map[model.WallpaperMode]model.WallpaperTransition) {}
func (s *fakeSettings) RotationEnabled() bool                                                            { return false }
func (s *fakeSettings) RotationSource() model.RotationSource {
	return model.RotationSource{}
}
func (s *fakeSettings) SetRotationSource(src model.RotationSource) {}
func (s *fakeSettings) SetRotationEnabled(enabled bool)            {}
func (s *fakeSettings) RotationMode() model.RotationMode           { return model.RotationSequential }
func (s *fakeSettings) IntervalMinutes() int                       { return 30 }
func (s *fakeSettings) TaskRateLimit(taskID string) model.TaskRateLimit {
	return model.TaskRateLimit{}
}

func writeTestJPEG(t *testing.T, path string, w, h int) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{uint8(x % 255), uint8(y % 255), 100, 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
}

func TestProcess_InsertsNewImage(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "photo.jpg")
	writeTestJPEG(t, src, 800, 600)

	storage := newFakeStorage()
	events := &fakeEvents{}
	settings := &fakeSettings{dedup: true}
	p := New(storage, events, settings, filepath.Join(dir, "thumbs"), ModePlain, nil)

	result := p.Process(context.Background(), Input{
		LocalPath: src,
		URL:       "https://example.com/photo.jpg",
		PluginID:  "plugin-a",
		TaskID:    "task-1",
		StartTime: time.Now(),
	})

	require.False(t, result.Failed)
	assert.NotEmpty(t, result.Image.ID)
	assert.FileExists(t, result.Image.ThumbnailPath)
	assert.Len(t, storage.images, 1)
}

func TestProcess_DedupReusesExistingEntry(t *testing.T) {
	dir := t.TempDir()
	src1 := filepath.Join(dir, "one.jpg")
	src2 := filepath.Join(dir, "two.jpg")
	writeTestJPEG(t, src1, 400, 400)
	// byte-identical content at a different path/name
	data, err := os.ReadFile(src1)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(src2, data, 0o644))

	storage := newFakeStorage()
	events := &fakeEvents{}
	settings := &fakeSettings{dedup: true}
	p := New(storage, events, settings, filepath.Join(dir, "thumbs"), ModePlain, nil)

	first := p.Process(context.Background(), Input{LocalPath: src1, URL: "https://a/one.jpg", TaskID: "t", StartTime: time.Now()})
	require.False(t, first.Failed)

	second := p.Process(context.Background(), Input{LocalPath: src2, URL: "https://b/two.jpg", TaskID: "t", StartTime: time.Now()})
	require.False(t, second.Failed)
	assert.True(t, second.Reused)
	assert.Equal(t, first.Image.ID, second.Image.ID)
	assert.Len(t, storage.images, 1)
	// second.LocalPath's file should have been removed as a duplicate.
	_, err = os.Stat(src2)
	assert.True(t, os.IsNotExist(err))
}

func TestProcess_EnforcesMinimumDuration(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "photo.jpg")
	writeTestJPEG(t, src, 100, 100)

	storage := newFakeStorage()
	events := &fakeEvents{}
	settings := &fakeSettings{}
	p := New(storage, events, settings, filepath.Join(dir, "thumbs"), ModePlain, nil)

	start := time.Now()
	p.Process(context.Background(), Input{LocalPath: src, URL: "https://x/p.jpg", TaskID: "t", StartTime: start})
	assert.GreaterOrEqual(t, time.Since(start), MinDownloadDuration)
}

func TestProcess_AttachesToAlbum(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "photo.jpg")
	writeTestJPEG(t, src, 200, 200)

	storage := newFakeStorage()
	events := &fakeEvents{}
	settings := &fakeSettings{}
	p := New(storage, events, settings, filepath.Join(dir, "thumbs"), ModePlain, nil)

	result := p.Process(context.Background(), Input{LocalPath: src, URL: "https://x/p.jpg", TaskID: "t", OutputAlbumID: "album-1", StartTime: time.Now()})
	require.False(t, result.Failed)
	assert.Equal(t, []string{result.Image.ID}, storage.albumAdds["album-1"])
}
