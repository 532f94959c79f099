// SPDX-License-Identifier: MIT
// Copyright (c) 2026 WoozyMasta
// Source: github.com/woozymasta/dat

package dat

import (
	"fmt"
	"path"
	"strings"
)

// NormalizePath converts a caller-supplied virtual path to lenient slash-separated
// lookup form. It trims spaces, accepts both "/" and "\", removes leading "./" and
// "/", and cleans "." segments. Lookup helpers use it so platform-flavored paths
// still find their entries; archive mutation goes through the strict form instead.
func NormalizePath(raw string) string {
	raw = normalizePathForMatching(raw)
	raw = strings.TrimPrefix(raw, "/")
	raw = path.Clean("/" + raw)
	raw = strings.TrimPrefix(raw, "/")
	if raw == "." {
		return ""
	}

	return strings.TrimSuffix(raw, "/")
}

// normalizePathForMatching normalizes user/input paths for matcher use.
func normalizePathForMatching(path string) string {
	path = strings.TrimSpace(path)
	path = strings.ReplaceAll(path, `\`, `/`)
	path = strings.TrimPrefix(path, "./")
	return path
}

// normalizeEntryPath converts a caller-supplied path to canonical archive form.
// Parent-directory segments, absolute paths, drive prefixes and NUL bytes are
// rejected rather than resolved: silently folding ".." away would turn a
// traversal attempt into a valid-looking entry.
func normalizeEntryPath(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	trimmed = strings.ReplaceAll(trimmed, `\`, `/`)

	if strings.ContainsRune(trimmed, 0) {
		return "", fmt.Errorf("%w: NUL byte in %q", ErrInvalidEntryPath, raw)
	}
	if strings.HasPrefix(trimmed, "/") {
		return "", fmt.Errorf("%w: absolute path %q", ErrInvalidEntryPath, raw)
	}
	if hasWindowsDrivePrefix(trimmed) {
		return "", fmt.Errorf("%w: drive-prefixed path %q", ErrInvalidEntryPath, raw)
	}

	segments := strings.Split(trimmed, "/")
	cleaned := make([]string, 0, len(segments))
	for _, segment := range segments {
		switch segment {
		case "", ".":
			continue
		case "..":
			return "", fmt.Errorf("%w: parent-directory segment in %q", ErrInvalidEntryPath, raw)
		default:
			cleaned = append(cleaned, segment)
		}
	}

	if len(cleaned) == 0 {
		return "", fmt.Errorf("%w: %q", ErrInvalidEntryPath, raw)
	}

	normalized := strings.Join(cleaned, "/")
	if len(normalized) > maxNameLen {
		return "", fmt.Errorf("%w: %d bytes", ErrFileNameTooLong, len(normalized))
	}

	return normalized, nil
}

// validateArchiveEntryPath checks that a path is already in canonical archive
// form. Paths parsed from an existing index must pass as-is: rewriting them
// would break byte-exact repacks.
func validateArchiveEntryPath(p string) error {
	if p == "" {
		return fmt.Errorf("%w: empty path", ErrInvalidEntryPath)
	}
	if len(p) > maxNameLen {
		return fmt.Errorf("%w: %d bytes", ErrFileNameTooLong, len(p))
	}
	if strings.ContainsRune(p, 0) {
		return fmt.Errorf("%w: NUL byte in %q", ErrInvalidEntryPath, p)
	}
	if strings.ContainsRune(p, '\\') {
		return fmt.Errorf("%w: backslash separator in %q", ErrInvalidEntryPath, p)
	}
	if strings.HasPrefix(p, "/") {
		return fmt.Errorf("%w: absolute path %q", ErrInvalidEntryPath, p)
	}
	if hasWindowsDrivePrefix(p) {
		return fmt.Errorf("%w: drive-prefixed path %q", ErrInvalidEntryPath, p)
	}

	for _, segment := range strings.Split(p, "/") {
		switch segment {
		case "":
			return fmt.Errorf("%w: empty segment in %q", ErrInvalidEntryPath, p)
		case ".", "..":
			return fmt.Errorf("%w: %q segment in %q", ErrInvalidEntryPath, segment, p)
		}
	}

	return nil
}

// hasWindowsDrivePrefix reports whether the path starts with a "C:" style drive marker.
func hasWindowsDrivePrefix(p string) bool {
	if len(p) < 2 || p[1] != ':' {
		return false
	}

	c := p[0]
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

// pathTable is the in-memory archive index: an insertion-ordered set of entry
// paths with exact, case-sensitive lookup. Entry metadata lives in a slice
// aligned with the slot numbers insert hands out.
type pathTable struct {
	slots map[string]int
	paths []string
}

// newPathTable allocates a table sized for the expected entry count.
func newPathTable(capacity int) *pathTable {
	if capacity < 0 {
		capacity = 0
	}

	return &pathTable{
		slots: make(map[string]int, capacity),
		paths: make([]string, 0, capacity),
	}
}

// insert validates the path, appends it and returns its slot number.
func (t *pathTable) insert(p string) (int, error) {
	if err := validateArchiveEntryPath(p); err != nil {
		return 0, err
	}

	if slot, ok := t.slots[p]; ok {
		return slot, fmt.Errorf("%w: %q", ErrDuplicateEntryPath, p)
	}

	slot := len(t.paths)
	t.paths = append(t.paths, p)
	t.slots[p] = slot

	return slot, nil
}

// lookup returns the slot number for an exact path match.
func (t *pathTable) lookup(p string) (int, bool) {
	slot, ok := t.slots[p]
	return slot, ok
}

// len returns the number of inserted paths.
func (t *pathTable) len() int {
	return len(t.paths)
}

// at returns the path stored at the given slot.
func (t *pathTable) at(slot int) string {
	return t.paths[slot]
}

// all returns a copy of the paths in insertion order.
func (t *pathTable) all() []string {
	out := make([]string, len(t.paths))
	copy(out, t.paths)
	return out
}
