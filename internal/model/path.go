package model

import (
	"path/filepath"
	"strings"
)

// NormalizePath returns the identity key for a file ref path. Paths that
// differ only in case or separator style map to the same key, so the
// scanner, staging cache and store all agree on what "the same entry" is.
func NormalizePath(path string) string {
	p := filepath.ToSlash(filepath.Clean(path))
	return strings.ToLower(p)
}

// RelativePath strips the volume name and leading separators from an
// absolute path, e.g. "/home/user/a.txt" -> "home/user/a.txt" and
// `C:\data\a.txt` -> `data\a.txt`. The result is used to mirror a source
// entry under a staging or archive root.
func RelativePath(path string) string {
	p := filepath.Clean(path)
	p = strings.TrimPrefix(p, filepath.VolumeName(p))
	return strings.TrimLeft(p, `/\`)
}

// SlashRelativePath is RelativePath with forward slashes, for object keys.
func SlashRelativePath(path string) string {
	return filepath.ToSlash(RelativePath(path))
}
