package scheme

import (
	"context"
	"os"

	"github.com/kabegame/kabegame/internal/kerrors"
)

// contentDownloader implements the content:// scheme (§4.3): an
// Android-style opaque URI that requires a host-provided resolver. On hosts
// that never register one (desktop builds), content:// URLs fail fast with
// an invalid-input error rather than a nil-pointer panic.
type contentDownloader struct {
	resolver ContentURIResolver
}

func newContentDownloader(resolver ContentURIResolver) *contentDownloader {
	return &contentDownloader{resolver: resolver}
}

func (c *contentDownloader) SupportedSchemes() []string { return []string{"content"} }
func (c *contentDownloader) DownloadKind() string        { return "content" }

func (c *contentDownloader) ComputeDestinationPath(rawURL string, baseDir string) (string, error) {
	name := BuildFilename(rawURL, rawURL)
	return UniquePath(baseDir, name), nil
}

func (c *contentDownloader) Download(ctx context.Context, dq DownloadContext, rawURL string, dest string) (string, error) {
	if c.resolver == nil {
		return "", kerrors.New(kerrors.KindInvalidInput, "scheme.content.Download", errNoResolver)
	}
	if err := ctx.Err(); err != nil {
		return "", kerrors.New(kerrors.KindCanceled, "scheme.content.Download", err)
	}

	rc, err := c.resolver.Open(ctx, rawURL)
	if err != nil {
		return "", kerrors.New(kerrors.KindFilesystem, "scheme.content.Download", err)
	}
	defer rc.Close()

	out, err := os.Create(dest)
	if err != nil {
		return "", kerrors.New(kerrors.KindFilesystem, "scheme.content.Download", err)
	}
	defer out.Close()

	if err := streamWithProgress(ctx, rc, out, rc.Len(), dq.Progress); err != nil {
		os.Remove(dest)
		return "", err
	}
	return rawURL, nil
}

var errNoResolver = kerrorsSentinel("content:// requires a host-provided resolver; none registered")
