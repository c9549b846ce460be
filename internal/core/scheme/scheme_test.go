package scheme

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildFilename_ClampsToTotalLength(t *testing.T) {
	hint := strings.Repeat("a", 1000) + ".jpeg"
	name := BuildFilename(hint, "hash-source")
	assert.LessOrEqual(t, len(name), maxTotalFilenameLength)
	// 8-char hash suffix must survive the clamp.
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	parts := strings.Split(stem, "_")
	assert.Len(t, parts[len(parts)-1], hashSuffixLength)
}

func TestBuildFilename_SanitizesReservedNames(t *testing.T) {
	name := BuildFilename("CON.jpg", "x")
	assert.True(t, strings.HasPrefix(name, "_CON_"))
}

func TestBuildFilename_DefaultsMissingExtension(t *testing.T) {
	name := BuildFilename("no-extension-here", "x")
	assert.True(t, strings.HasSuffix(name, ".jpg"))
}

func TestUniquePath_Disambiguates(t *testing.T) {
	dir := t.TempDir()
	name := "pic.jpg"
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644))

	p := UniquePath(dir, name)
	assert.Equal(t, filepath.Join(dir, "pic(1).jpg"), p)
}

func TestValidateHeaderName_RejectsNewline(t *testing.T) {
	assert.False(t, ValidateHeaderName("X-Evil\r\nHeader"))
	assert.True(t, ValidateHeaderName("X-Fine-Header"))
}

func TestHTTPDownloader_RetriesOn503ThenSucceeds(t *testing.T) {
	var attempts int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("bytes"))
	}))
	defer srv.Close()

	reg := NewRegistry(2, nil)
	d, _, err := reg.Lookup(srv.URL + "/img.jpg")
	require.NoError(t, err)

	dir := t.TempDir()
	dest := filepath.Join(dir, "out.jpg")

	start := time.Now()
	final, err := d.Download(context.Background(), DownloadContext{TaskID: "t1"}, srv.URL+"/img.jpg", dest)
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.NotEmpty(t, final)
	assert.Greater(t, time.Since(start), 1400*time.Millisecond) // 500ms + 1000ms backoffs

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "bytes", string(data))
}

func TestHTTPDownloader_PermanentErrorDoesNotRetry(t *testing.T) {
	var attempts int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	reg := NewRegistry(5, nil)
	d, _, err := reg.Lookup(srv.URL + "/missing.jpg")
	require.NoError(t, err)

	dir := t.TempDir()
	_, err = d.Download(context.Background(), DownloadContext{}, srv.URL+"/missing.jpg", filepath.Join(dir, "out.jpg"))
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestFileDownloader_CopiesLocalFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "source.png")
	require.NoError(t, os.WriteFile(src, []byte("hello"), 0o644))

	reg := NewRegistry(0, nil)
	d, _, err := reg.Lookup("file://" + src)
	require.NoError(t, err)

	dest := filepath.Join(dir, "dest.png")
	_, err = d.Download(context.Background(), DownloadContext{}, "file://"+src, dest)
	require.NoError(t, err)

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestFileDownloader_RejectsPathTraversal(t *testing.T) {
	reg := NewRegistry(0, nil)
	d, _, err := reg.Lookup("file:///tmp/../etc/passwd")
	require.NoError(t, err)
	_, err = d.Download(context.Background(), DownloadContext{}, "file:///tmp/../etc/passwd", "/tmp/out")
	require.Error(t, err)
}

func TestContentDownloader_NoResolverFailsFast(t *testing.T) {
	reg := NewRegistry(0, nil)
	d, _, err := reg.Lookup("content://media/external/images/1")
	require.NoError(t, err)
	_, err = d.Download(context.Background(), DownloadContext{}, "content://media/external/images/1", "/tmp/out")
	require.Error(t, err)
}

func TestRegistry_UnsupportedScheme(t *testing.T) {
	reg := NewRegistry(0, nil)
	_, _, err := reg.Lookup("ftp://example.com/x")
	require.Error(t, err)
}
