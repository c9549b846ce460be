package rotator

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kabegame/kabegame/internal/model"
	"github.com/kabegame/kabegame/internal/ports"
)

type fakeStorage struct {
	mu       sync.Mutex
	images   []model.ImageInfo
	albums   map[string][]string // albumID -> image ids; missing key = album doesn't exist
	deleted  []string
	favToggl []string
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{albums: map[string][]string{}}
}

func (f *fakeStorage) FindImageByURL(ctx context.Context, url string) (model.ImageInfo, bool, error) {
	return model.ImageInfo{}, false, nil
}
func (f *fakeStorage) FindImageByHash(ctx context.Context, hash string) (model.ImageInfo, bool, error) {
	return model.ImageInfo{}, false, nil
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
	f.images = append(f.images, img)
	return img, nil
}
func (f *fakeStorage) AddImagesToAlbumSilent(ctx context.Context, albumID string, imageIDs []string) (int, error) {
	return len(imageIDs), nil
}
func (f *fakeStorage) GetAllImages(ctx context.Context) ([]model.ImageInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.ImageInfo, len(f.images))
	copy(out, f.images)
	return out, nil
}
func (f *fakeStorage) GetAlbumImages(ctx context.Context, albumID string) ([]model.ImageInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids, ok := f.albums[albumID]
	if !ok {
		return nil, ports.ErrAlbumNotFound
	}
	var out []model.ImageInfo
	for _, id := range ids {
		for _, img := range f.images {
			if img.ID == id {
				out = append(out, img)
			}
		}
	}
	return out, nil
}
func (f *fakeStorage) GetAlbumImageIDs(ctx context.Context, albumID string) ([]string, error) {
	return f.albums[albumID], nil
}
func (f *fakeStorage) AddTaskFailedImage(ctx context.Context, taskID, pluginID, url string, startTime int64, errMsg string) error {
	return nil
}
func (f *fakeStorage) UpdateImageThumbnailPath(ctx context.Context, id, path string) error { return nil }
func (f *fakeStorage) AddTempFile(ctx context.Context, path string) error                  { return nil }
func (f *fakeStorage) RemoveTempFile(ctx context.Context, path string) error               { return nil }
func (f *fakeStorage) DeleteImage(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
	for i, img := range f.images {
		if img.ID == id {
			f.images = append(f.images[:i], f.images[i+1:]...)
			break
		}
	}
	return nil
}
func (f *fakeStorage) SetFavorite(ctx context.Context, id string, favorite bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.favToggl = append(f.favToggl, id)
	for i, img := range f.images {
		if img.ID == id {
			f.images[i].Favorite = favorite
		}
	}
	return nil
}

type fakeEvents struct {
	mu     sync.Mutex
	events []string
}

func (e *fakeEvents) Emit(name string, payload map[string]any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, name)
}

func (e *fakeEvents) count(name string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, ev := range e.events {
		if ev == name {
			n++
		}
	}
	return n
}

type fakeSettings struct {
	mu              sync.Mutex
	rotationEnabled bool
	rotationSource  model.RotationSource
	rotationMode    model.RotationMode
	intervalMin     int
	currentID       string
	styleByMode     map[model.WallpaperMode]model.WallpaperStyle
	transByMode     map[model.WallpaperMode]model.WallpaperTransition
}

func newFakeSettings() *fakeSettings {
	return &fakeSettings{
		rotationMode: model.RotationSequential,
		intervalMin:  30,
		styleByMode:  map[model.WallpaperMode]model.WallpaperStyle{},
		transByMode:  map[model.WallpaperMode]model.WallpaperTransition{},
	}
}

func (s *fakeSettings) MaxConcurrentDownloads() int { return 2 }
func (s *fakeSettings) NetworkRetryCount() int      { return 0 }
func (s *fakeSettings) AutoDeduplicate() bool       { return false }
func (s *fakeSettings) DefaultDownloadDir() string  { return "" }
func (s *fakeSettings) CurrentWallpaperImageID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentID
}
func (s *fakeSettings) SetCurrentWallpaperImageID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentID = id
}
func (s *fakeSettings) WallpaperStyleByMode() map[model.WallpaperMode]model.WallpaperStyle {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[model.WallpaperMode]model.WallpaperStyle, len(s.styleByMode))
	for k, v := range s.styleByMode {
		out[k] = v
	}
	return out
}
func (s *fakeSettings) WallpaperTransitionByMode() map[model.WallpaperMode]model.WallpaperTransition {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[model.WallpaperMode]model.WallpaperTransition, len(s.transByMode))
	for k, v := range s.transByMode {
		out[k] = v
	}
	return out
}
func (s *fakeSettings) SetWallpaperStyleByMode(m map[model.WallpaperMode]model.WallpaperStyle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.styleByMode = m
}
func (s *fakeSettings) SetWallpaperTransitionByMode(m map[model.WallpaperMode]model.WallpaperTransition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transByMode = m
}
func (s *fakeSettings) RotationEnabled() bool { s.mu.Lock(); defer s.mu.Unlock(); return s.rotationEnabled }
func (s *fakeSettings) RotationSource() model.RotationSource {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rotationSource
}
func (s *fakeSettings) SetRotationSource(src model.RotationSource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rotationSource = src
}
func (s *fakeSettings) SetRotationEnabled(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rotationEnabled = enabled
}
func (s *fakeSettings) RotationMode() model.RotationMode { s.mu.Lock(); defer s.mu.Unlock(); return s.rotationMode }
func (s *fakeSettings) IntervalMinutes() int             { s.mu.Lock(); defer s.mu.Unlock(); return s.intervalMin }
func (s *fakeSettings) TaskRateLimit(taskID string) model.TaskRateLimit {
	return model.TaskRateLimit{}
}

type fakeBackend struct {
	mu          sync.Mutex
	initErr     error
	setPathErr  error
	path        string
	style       model.WallpaperStyle
	transition  model.WallpaperTransition
	cleanupCnt  int
	initCnt     int
}

func (b *fakeBackend) Init(ctx context.Context, hostHandle any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.initCnt++
	return b.initErr
}
func (b *fakeBackend) SetWallpaperPath(ctx context.Context, path string, force bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.setPathErr != nil {
		return b.setPathErr
	}
	b.path = path
	return nil
}
func (b *fakeBackend) SetStyle(ctx context.Context, style model.WallpaperStyle, force bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.style = style
	return nil
}
func (b *fakeBackend) SetTransition(ctx context.Context, transition model.WallpaperTransition, force bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transition = transition
	return nil
}
func (b *fakeBackend) Cleanup(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cleanupCnt++
	return nil
}

func newTestRotator(t *testing.T, storage *fakeStorage, settings *fakeSettings, events *fakeEvents, backends BackendSet) *Rotator {
	t.Helper()
	r := New(Options{
		Storage:     storage,
		Settings:    settings,
		Events:      events,
		Backends:    backends,
		InitialMode: model.ModeNative,
	})
	go r.Run()
	t.Cleanup(r.Close)
	return r
}

func galleryWithOrders(storage *fakeStorage, orders ...int64) []model.ImageInfo {
	var out []model.ImageInfo
	for i, o := range orders {
		img := model.ImageInfo{ID: itoa(i + 1), LocalPath: "/img/" + itoa(i+1) + ".jpg", Order: o, LocalExists: true}
		storage.images = append(storage.images, img)
		out = append(out, img)
	}
	return out
}

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

func TestRotate_SequentialWrapsAround(t *testing.T) {
	storage := newFakeStorage()
	galleryWithOrders(storage, 10, 20, 30)
	settings := newFakeSettings()
	settings.rotationSource = model.RotationSource{Kind: model.SourceGallery}
	events := &fakeEvents{}
	backend := &fakeBackend{}
	r := newTestRotator(t, storage, settings, events, BackendSet{model.ModeNative: backend})

	require.NoError(t, r.Rotate())
	assert.Equal(t, "/img/1.jpg", backend.path) // current="" -> first in order

	require.NoError(t, r.Rotate())
	assert.Equal(t, "/img/2.jpg", backend.path)

	require.NoError(t, r.Rotate())
	assert.Equal(t, "/img/3.jpg", backend.path)

	require.NoError(t, r.Rotate())
	assert.Equal(t, "/img/1.jpg", backend.path) // wraps around
}

func TestRotate_EmptySourceReturnsError(t *testing.T) {
	storage := newFakeStorage()
	settings := newFakeSettings()
	settings.rotationSource = model.RotationSource{Kind: model.SourceGallery}
	events := &fakeEvents{}
	backend := &fakeBackend{}
	r := newTestRotator(t, storage, settings, events, BackendSet{model.ModeNative: backend})

	err := r.Rotate()
	assert.ErrorIs(t, err, ErrSourceEmpty)
}

func TestEnsureRunning_AlbumMissingFallsBackToGallery(t *testing.T) {
	storage := newFakeStorage()
	galleryWithOrders(storage, 10, 20)
	settings := newFakeSettings()
	settings.rotationSource = model.RotationSource{Kind: model.SourceAlbum, AlbumID: "X"}
	events := &fakeEvents{}
	backend := &fakeBackend{}
	r := newTestRotator(t, storage, settings, events, BackendSet{model.ModeNative: backend})

	err := r.EnsureRunning(false)
	assert.ErrorIs(t, err, ErrAlbumNotFound)
	assert.Equal(t, "画册不存在", err.Error(), "the original host classifies this error by exact message text, not typed identity")

	settings.SetRotationSource(model.RotationSource{Kind: model.SourceGallery})
	require.NoError(t, r.EnsureRunning(true))
	assert.Equal(t, "/img/1.jpg", backend.path)
}

func TestSetMode_IdempotentNoReinit(t *testing.T) {
	storage := newFakeStorage()
	galleryWithOrders(storage, 10)
	settings := newFakeSettings()
	events := &fakeEvents{}
	native := &fakeBackend{}
	win := &fakeBackend{}
	r := newTestRotator(t, storage, settings, events, BackendSet{model.ModeNative: native, model.ModeWindow: win})

	require.NoError(t, r.SetMode(model.ModeWindow))
	assert.Equal(t, 1, win.initCnt)

	require.NoError(t, r.SetMode(model.ModeWindow))
	assert.Equal(t, 1, win.initCnt, "repeating the same mode must not re-init the backend")
}

func TestSetMode_CleansUpPreviousBackend(t *testing.T) {
	storage := newFakeStorage()
	galleryWithOrders(storage, 10)
	settings := newFakeSettings()
	events := &fakeEvents{}
	native := &fakeBackend{}
	win := &fakeBackend{}
	r := newTestRotator(t, storage, settings, events, BackendSet{model.ModeNative: native, model.ModeWindow: win})

	require.NoError(t, r.SetMode(model.ModeWindow))
	assert.Equal(t, 1, native.cleanupCnt)
	assert.Equal(t, 1, events.count("wallpaper-mode-switch-complete"))
}

func TestSwapStyleTransitionRoundTrips(t *testing.T) {
	storage := newFakeStorage()
	settings := newFakeSettings()
	events := &fakeEvents{}
	backend := &fakeBackend{}
	r := newTestRotator(t, storage, settings, events, BackendSet{model.ModeNative: backend})

	settings.styleByMode[model.ModeNative] = model.StyleFill
	settings.styleByMode[model.ModeWindow] = model.StyleCenter
	settings.transByMode[model.ModeNative] = model.TransitionNone
	settings.transByMode[model.ModeWindow] = model.TransitionFade

	before := settings.WallpaperStyleByMode()
	beforeT := settings.WallpaperTransitionByMode()

	r.SwapStyleTransitionForModeSwitch(model.ModeNative, model.ModeWindow,
		model.StyleCenter, model.StyleFill, model.TransitionFade, model.TransitionNone)
	r.SwapStyleTransitionForModeSwitch(model.ModeWindow, model.ModeNative,
		model.StyleCenter, model.StyleFill, model.TransitionFade, model.TransitionNone)

	assert.Equal(t, before, settings.WallpaperStyleByMode())
	assert.Equal(t, beforeT, settings.WallpaperTransitionByMode())
}

func TestNextPrev(t *testing.T) {
	storage := newFakeStorage()
	galleryWithOrders(storage, 10, 20, 30)
	settings := newFakeSettings()
	settings.rotationSource = model.RotationSource{Kind: model.SourceGallery}
	events := &fakeEvents{}
	backend := &fakeBackend{}
	r := newTestRotator(t, storage, settings, events, BackendSet{model.ModeNative: backend})

	require.NoError(t, r.Next())
	assert.Equal(t, "/img/1.jpg", backend.path)
	require.NoError(t, r.Next())
	assert.Equal(t, "/img/2.jpg", backend.path)

	require.NoError(t, r.Prev())
	assert.Equal(t, "/img/1.jpg", backend.path)
}

func TestDeleteCurrent(t *testing.T) {
	storage := newFakeStorage()
	galleryWithOrders(storage, 10, 20)
	settings := newFakeSettings()
	settings.rotationSource = model.RotationSource{Kind: model.SourceGallery}
	events := &fakeEvents{}
	backend := &fakeBackend{}
	r := newTestRotator(t, storage, settings, events, BackendSet{model.ModeNative: backend})

	require.NoError(t, r.Rotate())
	require.NoError(t, r.DeleteCurrent())
	assert.Len(t, storage.deleted, 1)
	assert.Equal(t, 1, events.count("images-change"))
}

func TestToggleFavorite(t *testing.T) {
	storage := newFakeStorage()
	galleryWithOrders(storage, 10)
	settings := newFakeSettings()
	settings.rotationSource = model.RotationSource{Kind: model.SourceGallery}
	events := &fakeEvents{}
	backend := &fakeBackend{}
	r := newTestRotator(t, storage, settings, events, BackendSet{model.ModeNative: backend})

	require.NoError(t, r.Rotate())
	require.NoError(t, r.ToggleFavorite())
	img, _, _ := storage.FindImageByID(context.Background(), "1")
	assert.True(t, img.Favorite)
}

func TestStartStopReset(t *testing.T) {
	storage := newFakeStorage()
	galleryWithOrders(storage, 10)
	settings := newFakeSettings()
	settings.rotationSource = model.RotationSource{Kind: model.SourceGallery}
	settings.intervalMin = 1
	events := &fakeEvents{}
	backend := &fakeBackend{}
	r := newTestRotator(t, storage, settings, events, BackendSet{model.ModeNative: backend})

	require.NoError(t, r.StartRotation())
	require.NoError(t, r.StartRotation()) // idempotent
	require.NoError(t, r.Reset())
	require.NoError(t, r.StopRotation())
}

func TestInitOnStartup_DisabledReapplysLast(t *testing.T) {
	storage := newFakeStorage()
	galleryWithOrders(storage, 10)
	settings := newFakeSettings()
	settings.currentID = "1"
	events := &fakeEvents{}
	backend := &fakeBackend{}
	r := newTestRotator(t, storage, settings, events, BackendSet{model.ModeNative: backend})

	require.NoError(t, r.InitOnStartup())
	assert.Equal(t, "/img/1.jpg", backend.path)
}

func TestInitOnStartup_DisabledMissingFileClearsField(t *testing.T) {
	storage := newFakeStorage()
	settings := newFakeSettings()
	settings.currentID = "missing"
	events := &fakeEvents{}
	backend := &fakeBackend{}
	r := newTestRotator(t, storage, settings, events, BackendSet{model.ModeNative: backend})

	require.NoError(t, r.InitOnStartup())
	assert.Equal(t, "", settings.CurrentWallpaperImageID())
}

func TestInitOnStartup_EnabledAlbumFallsBackAndDisablesIfGalleryEmpty(t *testing.T) {
	storage := newFakeStorage()
	settings := newFakeSettings()
	settings.rotationEnabled = true
	settings.rotationSource = model.RotationSource{Kind: model.SourceAlbum, AlbumID: "gone"}
	events := &fakeEvents{}
	backend := &fakeBackend{}
	r := newTestRotator(t, storage, settings, events, BackendSet{model.ModeNative: backend})

	require.NoError(t, r.InitOnStartup())
	assert.False(t, settings.RotationEnabled())
	assert.Equal(t, model.SourceGallery, settings.RotationSource().Kind)
}

