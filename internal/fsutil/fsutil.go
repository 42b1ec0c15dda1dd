package fsutil

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

var frameExts = []string{
	".fits",
	".fits.gz",
	".fts",
	".fts.gz",
	".fit",
	".fit.gz",
}

// IsFrameFile reports whether path has a FITS extension, optionally gzipped.
func IsFrameFile(path string) bool {
	name := strings.ToLower(filepath.Base(path))
	if strings.HasPrefix(name, ".") {
		return false
	}
	for _, ext := range frameExts {
		if strings.HasSuffix(name, ext) {
			return true
		}
	}
	return false
}

// ListFrames returns all FITS files under root in lexical order.
func ListFrames(root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if IsFrameFile(d.Name()) {
			files = append(files, path)
		}
		return nil
	})
	sort.Strings(files)
	return files, err
}

// FirstExisting returns the first path that exists.
func FirstExisting(paths ...string) string {
	for _, p := range paths {
		if p == "" {
			continue
		}
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}
