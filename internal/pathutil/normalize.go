package pathutil

import (
	"path/filepath"
	"strings"
)

// Normalize returns a canonical filesystem path string.
// It removes trailing slashes, collapses "." and "..", and
// preserves relative paths when provided.
func Normalize(path string) string {
	if path == "" {
		return path
	}
	return filepath.Clean(path)
}

// Depth returns the level of a canonicalized path within the
// directory tree, counted as the number of '/' separators.
func Depth(path string) int {
	return strings.Count(path, "/")
}
