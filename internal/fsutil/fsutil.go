package fsutil

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

var imageExts = map[string]struct{}{
	".jpg":  {},
	".jpeg": {},
	".png":  {},
	".tif":  {},
	".tiff": {},
	".bmp":  {},
	".nii":  {},
	".gz":   {}, // .nii.gz
	".nrrd": {},
	".mha":  {},
	".mhd":  {},
}

// ListImages returns all section image files directly under root, sorted.
func ListImages(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || !IsImageFile(e.Name()) {
			continue
		}
		files = append(files, filepath.Join(root, e.Name()))
	}
	return files, nil
}

// IsImageFile checks if a file has a supported section image extension.
func IsImageFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	_, ok := imageExts[ext]
	return ok
}

// SlicePath renders the image path of slice index under dir.
func SlicePath(dir, template string, index int) string {
	return filepath.Join(dir, fmt.Sprintf(template, index))
}

// Exists reports whether path exists.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// ModTime returns the modification time of path, or the zero time if it is missing.
func ModTime(path string) time.Time {
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}
	}
	return info.ModTime()
}

// Stale reports whether target is missing or older than any of sources.
// Missing sources do not make target stale.
func Stale(target string, sources ...string) bool {
	info, err := os.Stat(target)
	if errors.Is(err, os.ErrNotExist) || err != nil {
		return true
	}
	for _, s := range sources {
		if ModTime(s).After(info.ModTime()) {
			return true
		}
	}
	return false
}

// EnsureDirs creates every directory in dirs.
func EnsureDirs(dirs ...string) error {
	for _, d := range dirs {
		if d == "" {
			continue
		}
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", d, err)
		}
	}
	return nil
}
