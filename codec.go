// SPDX-License-Identifier: MIT
// Copyright (c) 2026 WoozyMasta
// Source: github.com/woozymasta/dat

package dat

import (
	"bytes"
	"fmt"
	"io"
	"math"

	"github.com/woozymasta/lzss"
	"github.com/woozymasta/pathrules"
)

// compressMatcher holds compiled allow-list rules for compression.
type compressMatcher struct {
	matcher *pathrules.Matcher
}

// newCompressMatcher compiles compression path rules.
func newCompressMatcher(rules []pathrules.Rule, opts pathrules.MatcherOptions) (*compressMatcher, error) {
	rules = normalizeCompressRules(rules)
	if len(rules) == 0 {
		return nil, nil
	}

	matcher, err := pathrules.NewMatcher(rules, opts)
	if err != nil {
		return nil, fmt.Errorf("%w: compile rules: %w", ErrInvalidCompressPattern, err)
	}

	return &compressMatcher{matcher: matcher}, nil
}

// normalizeCompressRules normalizes rule patterns and drops empty patterns.
func normalizeCompressRules(rules []pathrules.Rule) []pathrules.Rule {
	normalized := make([]pathrules.Rule, 0, len(rules))
	for _, rule := range rules {
		pattern := normalizePathForMatching(rule.Pattern)
		if pattern == "" {
			continue
		}

		normalized = append(normalized, pathrules.Rule{
			Action:  rule.Action,
			Pattern: pattern,
		})
	}

	return normalized
}

// Match reports whether path is included by at least one compress rule.
func (m *compressMatcher) Match(path string) bool {
	if m == nil || m.matcher == nil {
		return false
	}

	candidate := NormalizePath(path)
	if candidate == "" {
		return false
	}

	return m.matcher.Included(candidate, false)
}

// shouldCompress returns true if path and size pass compression policy.
func shouldCompress(opts PackOptions, matcher *compressMatcher, path string, size uint32) bool {
	if !shouldCompressBySize(opts, size) {
		return false
	}

	if matcher == nil {
		return false
	}

	return matcher.Match(path)
}

// shouldCompressBySize reports whether payload size fits compression boundaries.
func shouldCompressBySize(opts PackOptions, size uint32) bool {
	if size > opts.MaxCompressSize || size < opts.MinCompressSize {
		return false
	}

	return true
}

// encodeEntryPayload encodes one raw payload for storage. Compression
// candidates get an LZSS pass; the compressed form is kept only when it is
// strictly smaller than the raw bytes, so the choice is deterministic for
// identical input and options.
func encodeEntryPayload(raw []byte, compressCandidate bool) ([]byte, Encoding, error) {
	if !compressCandidate || len(raw) == 0 {
		return raw, EncodingRaw, nil
	}

	compressed, err := lzss.Compress(raw, lzss.DefaultCompressOptions())
	if err != nil {
		return nil, EncodingRaw, fmt.Errorf("compress payload: %w", err)
	}

	if len(compressed) >= len(raw) {
		return raw, EncodingRaw, nil
	}

	return compressed, EncodingLZSS, nil
}

// decodeEntryPayload decodes stored bytes back to the raw payload.
// A decoded length that differs from the declared original size is a
// corrupt entry, never a truncated or padded result.
func decodeEntryPayload(stored []byte, enc Encoding, originalSize uint32) ([]byte, error) {
	switch enc {
	case EncodingRaw:
		if uint32(len(stored)) != originalSize {
			return nil, fmt.Errorf("%w: raw entry is %d bytes, index declares %d",
				ErrCorruptEntry, len(stored), originalSize)
		}
		return stored, nil

	case EncodingLZSS:
		outLen, err := checkedUint32ToInt(originalSize)
		if err != nil {
			return nil, fmt.Errorf("%w: resolve output size: %w", ErrCorruptEntry, err)
		}

		var out bytes.Buffer
		out.Grow(outLen)
		if _, err := lzss.DecompressToWriter(&out, bytes.NewReader(stored), outLen, nil); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrCorruptEntry, err)
		}
		if out.Len() != outLen {
			return nil, fmt.Errorf("%w: decoded %d bytes, index declares %d",
				ErrCorruptEntry, out.Len(), outLen)
		}

		return out.Bytes(), nil

	default:
		return nil, fmt.Errorf("%w: unknown encoding flag %d", ErrCorruptEntry, enc)
	}
}

// checkedUint32ToInt converts uint32 to int with platform-safe overflow check.
func checkedUint32ToInt(v uint32) (int, error) {
	if uint64(v) > uint64(math.MaxInt) {
		return 0, ErrSizeOverflow
	}

	return int(v), nil
}

// streamDecodeEntry decodes one compressed entry stream into the pipe writer.
func streamDecodeEntry(name string, dst *io.PipeWriter, src io.Reader, outLen int) {
	_, err := lzss.DecompressToWriter(dst, src, outLen, nil)
	if err != nil {
		_ = dst.CloseWithError(fmt.Errorf("%w: decode entry %s: %w", ErrCorruptEntry, name, err))
		return
	}

	_ = dst.Close()
}
