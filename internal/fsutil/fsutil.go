package fsutil

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

var imageExts = map[string]struct{}{
	".jpg":  {},
	".jpeg": {},
	".png":  {},
	".tif":  {},
	".tiff": {},
	".bmp":  {},
	".webp": {},
}

// IsImageFile checks if a file has a still-image extension.
func IsImageFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	_, isImage := imageExts[ext]
	return isImage
}

// ListImages returns the image files directly inside dir in lexicographic order.
func ListImages(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || !IsImageFile(e.Name()) {
			continue
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	sort.Strings(files)
	return files, nil
}

// IsDir reports whether path names an existing directory.
func IsDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// SplitPattern returns the directory holding a glob pattern and the pattern's base.
// The directory part must be literal.
func SplitPattern(pattern string) (dir, base string) {
	dir, base = filepath.Split(pattern)
	if dir == "" {
		dir = "."
	}
	return filepath.Clean(dir), base
}

// MatchesPattern reports whether path is matched by the glob pattern.
func MatchesPattern(pattern, path string) bool {
	ok, err := filepath.Match(filepath.Clean(pattern), filepath.Clean(path))
	return err == nil && ok
}
