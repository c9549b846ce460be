package settingsstore

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kabegame/kabegame/internal/model"
)

type fakeEvents struct {
	mu     sync.Mutex
	events []string
}

func (e *fakeEvents) Emit(name string, payload map[string]any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, name)
}

func (e *fakeEvents) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.events)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	dir := t.TempDir()
	s := Load(filepath.Join(dir, "settings.json"), nil)
	assert.Equal(t, 4, s.MaxConcurrentDownloads())
	assert.Equal(t, 2, s.NetworkRetryCount())
	assert.True(t, s.AutoDeduplicate())
	assert.Equal(t, model.RotationSequential, s.RotationMode())
}

func TestFlush_WritesAtomicallyAndEmitsEvent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.json")
	events := &fakeEvents{}
	s := Load(path, events)
	s.debounce = 10 * time.Millisecond

	s.SetCurrentWallpaperImageID("img-1")
	require.Eventually(t, func() bool {
		_, err := os.Stat(path)
		return err == nil
	}, time.Second, 5*time.Millisecond)

	_, err := os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err), "temp file must be renamed away, not left behind")

	reloaded := Load(path, nil)
	assert.Equal(t, "img-1", reloaded.CurrentWallpaperImageID())
	assert.Equal(t, 1, events.count())
}

func TestScheduleSave_DebouncesRapidMutations(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.json")
	events := &fakeEvents{}
	s := Load(path, events)
	s.debounce = 50 * time.Millisecond

	for i := 0; i < 5; i++ {
		s.SetIntervalMinutes(i + 1)
	}

	require.Eventually(t, func() bool { return events.count() >= 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, events.count(), "rapid mutations within the debounce window must coalesce into one write")
}

func TestFlush_ForcesImmediateSave(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.json")
	s := Load(path, nil)
	s.debounce = time.Hour

	s.SetRotationEnabled(true)
	s.Flush()

	_, err := os.Stat(path)
	require.NoError(t, err)
}

func TestRoundTripTaskRateLimit(t *testing.T) {
	dir := t.TempDir()
	s := Load(filepath.Join(dir, "settings.json"), nil)
	s.SetTaskRateLimit("T1", model.TaskRateLimit{MaxConcurrency: 2, MinIntervalMS: 1000})
	got := s.TaskRateLimit("T1")
	assert.Equal(t, 2, got.MaxConcurrency)
	assert.Equal(t, int64(1000), got.MinIntervalMS)
}
