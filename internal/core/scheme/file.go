package scheme

import (
	"context"
	"net/url"
	"os"
	"strings"

	"github.com/kabegame/kabegame/internal/kerrors"
)

// fileDownloader implements the file:// scheme (§4.3): "the path itself is
// the download." No bytes are copied for compute-destination purposes, but
// Download still materializes a copy under dest so downstream code (the
// thumbnailer, the hasher) can treat every scheme uniformly as "bytes at a
// path under images_dir."
type fileDownloader struct{}

func newFileDownloader() *fileDownloader { return &fileDownloader{} }

func (f *fileDownloader) SupportedSchemes() []string { return []string{"file"} }
func (f *fileDownloader) DownloadKind() string        { return "file" }

func (f *fileDownloader) ComputeDestinationPath(rawURL string, baseDir string) (string, error) {
	src, err := filePathFromURL(rawURL)
	if err != nil {
		return "", err
	}
	name := BuildFilename(src, src)
	return UniquePath(baseDir, name), nil
}

func (f *fileDownloader) Download(ctx context.Context, dq DownloadContext, rawURL string, dest string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", kerrors.New(kerrors.KindCanceled, "scheme.file.Download", err)
	}
	src, err := filePathFromURL(rawURL)
	if err != nil {
		return "", err
	}

	in, err := os.Open(src)
	if err != nil {
		return "", kerrors.New(kerrors.KindFilesystem, "scheme.file.Download", err)
	}
	defer in.Close()

	info, _ := in.Stat()
	var total int64 = -1
	if info != nil {
		total = info.Size()
	}

	out, err := os.Create(dest)
	if err != nil {
		return "", kerrors.New(kerrors.KindFilesystem, "scheme.file.Download", err)
	}
	defer out.Close()

	if err := streamWithProgress(ctx, in, out, total, dq.Progress); err != nil {
		os.Remove(dest)
		return "", err
	}
	return rawURL, nil
}

func filePathFromURL(rawURL string) (string, error) {
	if !strings.HasPrefix(rawURL, "file://") {
		return "", kerrors.New(kerrors.KindInvalidInput, "scheme.file", errNotFileURL)
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", kerrors.New(kerrors.KindInvalidInput, "scheme.file", err)
	}
	p := u.Path
	if p == "" {
		p = strings.TrimPrefix(rawURL, "file://")
	}
	if strings.Contains(p, "..") {
		return "", kerrors.New(kerrors.KindInvalidInput, "scheme.file", errPathTraversal)
	}
	return p, nil
}

var (
	errNotFileURL    = kerrorsSentinel("not a file:// URL")
	errPathTraversal = kerrorsSentinel("path traversal rejected")
)

type kerrorsSentinel string

func (e kerrorsSentinel) Error() string { return string(e) }
