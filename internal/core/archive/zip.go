package archive

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// extractZip expands a zip archive into destDir using the standard
// library's archive/zip, rejecting entries that would escape destDir
// ("zip-slip") the same way §4.7's list_local_files rejects path traversal.
// Returns the list of extracted regular image file paths.
func extractZip(archivePath, destDir string) ([]string, error) {
	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return nil, fmt.Errorf("archive.extractZip: %w", err)
	}
	defer r.Close()

	var extracted []string
	for _, f := range r.File {
		if f.FileInfo().IsDir() {
			continue
		}
		target, err := safeJoin(destDir, f.Name)
		if err != nil {
			continue
		}
		if !isImageFile(target) {
			continue
		}
		if err := extractZipEntry(f, target); err != nil {
			continue
		}
		extracted = append(extracted, target)
	}
	return extracted, nil
}

func extractZipEntry(f *zip.File, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	src, err := f.Open()
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(target)
	if err != nil {
		return err
	}
	defer dst.Close()

	_, err = io.Copy(dst, src)
	return err
}

// safeJoin joins base and name, rejecting any result that escapes base
// (a malicious archive entry like "../../etc/passwd").
func safeJoin(base, name string) (string, error) {
	cleaned := filepath.Clean(strings.ReplaceAll(name, "\\", "/"))
	if strings.HasPrefix(cleaned, "..") || filepath.IsAbs(cleaned) {
		return "", fmt.Errorf("archive: entry %q escapes destination", name)
	}
	return filepath.Join(base, cleaned), nil
}
