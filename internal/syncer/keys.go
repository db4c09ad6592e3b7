package syncer

import (
	"fmt"
	"path/filepath"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// IsDirKey reports whether key names a directory marker.
func IsDirKey(key string) bool {
	return strings.HasSuffix(key, "/")
}

// BaseKey strips the directory suffix, so "x" and "x/" share a base.
func BaseKey(key string) string {
	return strings.TrimSuffix(key, "/")
}

// DirKey returns the directory form of key.
func DirKey(key string) string {
	return BaseKey(key) + "/"
}

// normalizeKey converts a relative OS path into a sync key: forward
// slashes, NFC form. macOS reports decomposed (NFD) filenames while
// other clients write composed ones; without normalization the same
// name would appear as two keys on the bucket.
func normalizeKey(rel string) string {
	return norm.NFC.String(filepath.ToSlash(rel))
}

// keyFor converts an absolute path under root into a sync key.
func keyFor(root, abs string, isDir bool) (string, error) {
	rel, err := filepath.Rel(root, abs)
	if err != nil {
		return "", fmt.Errorf("computing relative path: %w", err)
	}

	if rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %s is outside %s", abs, root)
	}

	key := normalizeKey(rel)
	if isDir {
		key += "/"
	}

	return key, nil
}
