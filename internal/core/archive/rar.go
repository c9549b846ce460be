package archive

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	rardecode "github.com/nwaples/rardecode/v2"
)

// extractRar expands a rar archive (including multi-volume and
// solid archives, which rardecode/v2 handles transparently) into destDir.
// Returns the list of extracted regular image file paths.
func extractRar(archivePath, destDir string) ([]string, error) {
	rc, err := rardecode.OpenReader(archivePath)
	if err != nil {
		return nil, fmt.Errorf("archive.extractRar: %w", err)
	}
	defer rc.Close()

	var extracted []string
	for {
		hdr, err := rc.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return extracted, fmt.Errorf("archive.extractRar: %w", err)
		}
		if hdr.IsDir {
			continue
		}
		target, err := safeJoin(destDir, hdr.Name)
		if err != nil || !isImageFile(target) {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			continue
		}
		out, err := os.Create(target)
		if err != nil {
			continue
		}
		_, copyErr := io.Copy(out, rc)
		out.Close()
		if copyErr != nil {
			os.Remove(target)
			continue
		}
		extracted = append(extracted, target)
	}
	return extracted, nil
}
