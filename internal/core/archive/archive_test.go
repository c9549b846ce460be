package archive

import (
	"archive/zip"
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kabegame/kabegame/internal/model"
)

func writeTestZip(t *testing.T, path string, files map[string]string) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	w := zip.NewWriter(f)
	for name, content := range files {
		fw, err := w.Create(name)
		require.NoError(t, err)
		_, err = fw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
}

func TestDetectType_ByMagicBytes(t *testing.T) {
	dir := t.TempDir()
	zipPath := filepath.Join(dir, "a.bin")
	writeTestZip(t, zipPath, map[string]string{"x.jpg": "data"})

	typ, err := DetectType(zipPath, "http://example.com/a.bin")
	require.NoError(t, err)
	assert.Equal(t, model.ArchiveZip, typ)
}

func TestDetectType_FallsBackToExtension(t *testing.T) {
	dir := t.TempDir()
	empty := filepath.Join(dir, "empty.zip")
	require.NoError(t, os.WriteFile(empty, nil, 0o644))

	typ, err := DetectType(empty, "http://example.com/empty.zip")
	require.NoError(t, err)
	assert.Equal(t, model.ArchiveZip, typ)
}

func TestPipeline_ExpandsZipAndHandlesEachImage(t *testing.T) {
	dir := t.TempDir()
	zipPath := filepath.Join(dir, "photos.zip")
	writeTestZip(t, zipPath, map[string]string{
		"a.jpg":       "image-a",
		"b.png":       "image-b",
		"readme.txt":  "not an image",
		"../evil.jpg": "traversal attempt",
	})

	imagesDir := filepath.Join(dir, "images")

	var mu sync.Mutex
	var handled []string
	done := make(chan struct{}, 10)

	p := New(func(ctx context.Context, job model.DecompressionJob, extractedPath string) {
		mu.Lock()
		handled = append(handled, extractedPath)
		mu.Unlock()
		done <- struct{}{}
	}, 4, nil)
	go p.Run()
	defer p.Stop()

	p.Enqueue(model.DecompressionJob{
		ArchivePath: zipPath,
		ImagesDir:   imagesDir,
		URL:         "http://example.com/photos.zip",
		ArchiveType: model.ArchiveZip,
	})

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for extracted images to be handled")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, handled, 2)
	for _, p := range handled {
		assert.True(t, filepath.Ext(p) == ".jpg" || filepath.Ext(p) == ".png")
	}
}

func TestPipeline_ReleasesTempDirGuardAfterExpansion(t *testing.T) {
	dir := t.TempDir()
	zipPath := filepath.Join(dir, "one.zip")
	writeTestZip(t, zipPath, map[string]string{"a.jpg": "data"})

	tempDir := filepath.Join(dir, "temp-owned")
	require.NoError(t, os.MkdirAll(tempDir, 0o755))
	guard := model.NewTempDirGuard(tempDir)

	done := make(chan struct{}, 1)
	p := New(func(ctx context.Context, job model.DecompressionJob, extractedPath string) {
		done <- struct{}{}
	}, 1, nil)
	go p.Run()
	defer p.Stop()

	p.Enqueue(model.DecompressionJob{
		ArchivePath:  zipPath,
		ImagesDir:    filepath.Join(dir, "images"),
		ArchiveType:  model.ArchiveZip,
		TempDirGuard: guard,
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
	}

	require.Eventually(t, func() bool {
		_, err := os.Stat(tempDir)
		return os.IsNotExist(err)
	}, time.Second, 10*time.Millisecond)
}

// TestPipeline_StopsExpandingWhenOwningTaskIsCanceled covers §5's "Archive
// decompression... is canceled when the owning task is canceled": a
// canceled func returning true for the job's task_id must stop expand()
// from handing any further extracted files to the handler.
func TestPipeline_StopsExpandingWhenOwningTaskIsCanceled(t *testing.T) {
	dir := t.TempDir()
	zipPath := filepath.Join(dir, "many.zip")
	writeTestZip(t, zipPath, map[string]string{
		"a.jpg": "image-a",
		"b.jpg": "image-b",
		"c.jpg": "image-c",
	})

	var handledCount int32
	var canceled int32
	done := make(chan struct{}, 1)

	p := New(func(ctx context.Context, job model.DecompressionJob, extractedPath string) {
		atomic.AddInt32(&handledCount, 1)
		atomic.StoreInt32(&canceled, 1) // cancel as soon as the first file is handled
		done <- struct{}{}
	}, 1, func(taskID string) bool {
		return taskID == "t1" && atomic.LoadInt32(&canceled) == 1
	})
	go p.Run()
	defer p.Stop()

	p.Enqueue(model.DecompressionJob{
		ArchivePath: zipPath,
		ImagesDir:   filepath.Join(dir, "images"),
		ArchiveType: model.ArchiveZip,
		TaskID:      "t1",
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the first extracted image to be handled")
	}

	// Give expand's loop a chance to observe the cancellation before the
	// remaining files would otherwise be handled.
	time.Sleep(50 * time.Millisecond)
	assert.Less(t, atomic.LoadInt32(&handledCount), int32(3), "expansion must stop once the owning task is canceled")
}

// TestPipeline_SkipsExpansionForAlreadyCanceledTask covers the entry check:
// a task canceled before expand() ever runs must not extract at all.
func TestPipeline_SkipsExpansionForAlreadyCanceledTask(t *testing.T) {
	dir := t.TempDir()
	zipPath := filepath.Join(dir, "one.zip")
	writeTestZip(t, zipPath, map[string]string{"a.jpg": "data"})

	var handledCount int32
	p := New(func(ctx context.Context, job model.DecompressionJob, extractedPath string) {
		atomic.AddInt32(&handledCount, 1)
	}, 1, func(taskID string) bool { return true })
	go p.Run()
	defer p.Stop()

	p.Enqueue(model.DecompressionJob{
		ArchivePath: zipPath,
		ImagesDir:   filepath.Join(dir, "images"),
		ArchiveType: model.ArchiveZip,
		TaskID:      "t1",
	})

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&handledCount))
}
