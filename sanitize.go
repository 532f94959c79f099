// SPDX-License-Identifier: MIT
// Copyright (c) 2026 WoozyMasta
// Source: github.com/woozymasta/dat

package dat

import (
	"fmt"
	"hash/fnv"
	"path"
	"strconv"
	"strings"
	"unicode"
)

// maxSanitizedSegmentLen caps one path segment at a length safe on common filesystems.
const maxSanitizedSegmentLen = 240

// unsafeNameRunes are characters rejected by at least one target filesystem.
const unsafeNameRunes = `<>:"/\|?*`

// reservedDeviceNames are case-insensitive DOS/Windows device identifiers
// that cannot be used as file names regardless of extension.
var reservedDeviceNames = map[string]struct{}{
	"aux":  {},
	"con":  {},
	"nul":  {},
	"prn":  {},
	"com1": {}, "com2": {}, "com3": {}, "com4": {}, "com5": {},
	"com6": {}, "com7": {}, "com8": {}, "com9": {},
	"lpt1": {}, "lpt2": {}, "lpt3": {}, "lpt4": {}, "lpt5": {},
	"lpt6": {}, "lpt7": {}, "lpt8": {}, "lpt9": {},
	"clock$": {},
}

// SanitizePath rewrites one virtual entry path into a slash-separated form
// that is safe to create on disk. The rewrite is deterministic: the same
// input always yields the same output.
func SanitizePath(entryPath string) (string, error) {
	normalized := NormalizePath(entryPath)
	if normalized == "" {
		return "", nil
	}

	safe, err := sanitizeSlashPath(normalized)
	if err != nil {
		return "", err
	}
	if _, err := normalizeExtractEntryPath(safe); err != nil {
		return "", err
	}

	return safe, nil
}

// sanitizeEntryInfoPaths returns a copy of entries with every path rewritten
// to a filesystem-safe name. Names that collide after sanitization (including
// case-insensitive collisions) receive a deterministic "~N" suffix.
func sanitizeEntryInfoPaths(entries []EntryInfo) ([]EntryInfo, error) {
	out := make([]EntryInfo, len(entries))
	taken := make(map[string]struct{}, len(entries))
	suffixAt := make(map[string]int, len(entries))

	for i, entry := range entries {
		candidate, err := normalizeExtractEntryPath(entry.Path)
		if err != nil {
			// Mangled names still get the per-segment treatment rather
			// than failing the whole extraction.
			candidate = strings.ReplaceAll(entry.Path, `\`, `/`)
		}

		safe, err := sanitizeSlashPath(candidate)
		if err != nil {
			return nil, fmt.Errorf("sanitize path %s: %w", entry.Path, err)
		}

		safe, err = claimSanitizedPath(safe, taken, suffixAt)
		if err != nil {
			return nil, fmt.Errorf("sanitize path %s: %w", entry.Path, err)
		}
		if _, err := normalizeExtractEntryPath(safe); err != nil {
			return nil, fmt.Errorf("sanitize path %s: %w", entry.Path, err)
		}

		out[i] = entry
		out[i].Path = safe
	}

	return out, nil
}

// sanitizeSlashPath sanitizes a slash-separated path segment by segment,
// dropping empty and "." segments along the way.
func sanitizeSlashPath(slashPath string) (string, error) {
	var safe []string
	for _, raw := range strings.Split(slashPath, "/") {
		raw = strings.TrimSpace(raw)
		if raw == "" || raw == "." {
			continue
		}

		segment, err := sanitizePathSegment(raw)
		if err != nil {
			return "", err
		}
		safe = append(safe, segment)
	}
	if len(safe) == 0 {
		return "_", nil
	}

	return strings.Join(safe, "/"), nil
}

// sanitizePathSegment rewrites one segment for broad filesystem compatibility:
// disallowed runes become "_", trailing dots and spaces are trimmed, reserved
// device names get a "_" prefix and overlong names are shortened.
func sanitizePathSegment(segment string) (string, error) {
	segment = strings.TrimSpace(segment)
	if segment == "" {
		return "_", nil
	}

	var b strings.Builder
	b.Grow(len(segment))
	for _, r := range segment {
		if isDisallowedNameRune(r) {
			b.WriteRune('_')
			continue
		}
		b.WriteRune(r)
	}

	safe := strings.TrimRight(b.String(), ". ")
	if safe == "" {
		safe = "_"
	}
	if isReservedDeviceName(safe) {
		safe = "_" + safe
	}
	if len(safe) > maxSanitizedSegmentLen {
		safe = clampSegment(safe, maxSanitizedSegmentLen)
	}
	if safe == "" {
		return "", ErrInvalidExtractPath
	}

	return safe, nil
}

// isDisallowedNameRune reports whether a rune must not appear in a file name.
func isDisallowedNameRune(r rune) bool {
	if strings.ContainsRune(unsafeNameRunes, r) {
		return true
	}
	if unicode.IsControl(r) || unicode.In(r, unicode.Cf) {
		return true
	}

	// U+FFFD is what mangled byte sequences decode to.
	return r == '�'
}

// isReservedDeviceName reports whether the name, stripped of any extension,
// matches a reserved device identifier.
func isReservedDeviceName(name string) bool {
	base := strings.ToLower(strings.TrimSpace(name))
	if dot := strings.IndexByte(base, '.'); dot >= 0 {
		base = base[:dot]
	}
	base = strings.TrimRight(base, ". :")
	if base == "" {
		return false
	}

	_, reserved := reservedDeviceNames[base]
	return reserved
}

// claimSanitizedPath registers the path in taken, resolving collisions with
// a "~N" suffix. Lookup keys are lowercased so the result stays unique on
// case-insensitive filesystems too.
func claimSanitizedPath(safePath string, taken map[string]struct{}, suffixAt map[string]int) (string, error) {
	key := strings.ToLower(safePath)
	if _, clash := taken[key]; !clash {
		taken[key] = struct{}{}
		return safePath, nil
	}

	dir, name := path.Dir(safePath), path.Base(safePath)
	next := suffixAt[key]
	if next < 2 {
		next = 2
	}

	for n := next; n < 1000000; n++ {
		variant := numberedSegment(name, n)
		if dir != "." {
			variant = dir + "/" + variant
		}

		variantKey := strings.ToLower(variant)
		if _, clash := taken[variantKey]; clash {
			continue
		}

		taken[variantKey] = struct{}{}
		suffixAt[key] = n + 1
		return variant, nil
	}

	return "", ErrInvalidExtractPath
}

// numberedSegment inserts "~N" before the extension, shortening the base so
// the segment stays within maxSanitizedSegmentLen.
func numberedSegment(name string, n int) string {
	ext := path.Ext(name)
	base := strings.TrimSuffix(name, ext)
	tag := "~" + strconv.Itoa(n)
	room := max(maxSanitizedSegmentLen-len(ext)-len(tag), 1)
	if len(base) > room {
		base = clampSegment(base, room)
	}

	return base + tag + ext
}

// clampSegment shortens an overlong segment, replacing the cut tail with a
// hash of the full value so distinct inputs stay distinct.
func clampSegment(segment string, maxLen int) string {
	if len(segment) <= maxLen {
		return segment
	}
	if maxLen <= 10 {
		return segment[:maxLen]
	}

	h := fnv.New32a()
	_, _ = h.Write([]byte(segment))
	tag := fmt.Sprintf("~%08x", h.Sum32())

	return segment[:max(maxLen-len(tag), 1)] + tag
}
