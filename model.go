// SPDX-License-Identifier: MIT
// Copyright (c) 2026 WoozyMasta
// Source: github.com/woozymasta/dat

package dat

import (
	"bytes"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/woozymasta/pathrules"
)

// Binary layout constants for the DAT container.
const (
	datMagic       = "DAT\x1a" // 4-byte archive signature
	formatVersion  = 1         // current DAT format version
	headerSize     = 12        // magic + version + entry count
	indexEntryBase = 15        // per-entry index size without the path bytes
	maxNameLen     = 512       // max entry path length in bytes
	maxArchiveData = 1 << 32   // max addressable archive size (4 GiB)
)

// Default packer tuning values.
const (
	DefaultWriteBuffer     = 16 * 1024 * 1024
	DefaultMinCompressSize = 512
	DefaultMaxCompressSize = 16 * 1024 * 1024
)

// Encoding is the 1-byte per-entry payload encoding flag.
type Encoding uint8

// DAT entry encoding constants.
const (
	// EncodingRaw marks verbatim payload bytes.
	EncodingRaw Encoding = 0
	// EncodingLZSS marks LZSS-compressed payload bytes.
	EncodingLZSS Encoding = 1
)

// String returns the encoding name for logs and error messages.
func (e Encoding) String() string {
	switch e {
	case EncodingRaw:
		return "raw"
	case EncodingLZSS:
		return "lzss"
	default:
		return "unknown"
	}
}

// EntryInfo describes a single parsed DAT entry.
type EntryInfo struct {
	// Path is the virtual path recorded in the archive index.
	Path string `json:"path" yaml:"path"`
	// Offset is the payload byte offset relative to the payload section start.
	Offset uint32 `json:"offset" yaml:"offset"`
	// DataSize is the size of the stored payload in bytes.
	DataSize uint32 `json:"data_size" yaml:"data_size"`
	// OriginalSize is the decoded payload size; equals DataSize for raw entries.
	OriginalSize uint32 `json:"original_size" yaml:"original_size"`
	// Encoding stores the entry payload encoding flag.
	Encoding Encoding `json:"encoding,omitempty" yaml:"encoding,omitempty"`
}

// IsCompressed reports whether the entry payload is LZSS-encoded.
func (e *EntryInfo) IsCompressed() bool {
	return e.Encoding == EncodingLZSS
}

// Input describes one source stream to be packed into a DAT entry.
type Input struct {
	// Open returns the raw source stream for this entry.
	Open func() (io.ReadCloser, error) `json:"-" yaml:"-"`
	// Path is the destination virtual path inside the archive.
	Path string `json:"path" yaml:"path"`
	// SizeHint is the expected stream size in bytes, zero when unknown.
	SizeHint int64 `json:"size_hint,omitempty" yaml:"size_hint,omitempty"`
}

// BytesInput builds an Input serving the given byte slice.
// The slice must stay unmodified until the pack call returns.
func BytesInput(path string, data []byte) Input {
	return Input{
		Path: path,
		Open: func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(data)), nil
		},
		SizeHint: int64(len(data)),
	}
}

// StringInput builds an Input serving the given string content.
func StringInput(path, content string) Input {
	return Input{
		Path: path,
		Open: func() (io.ReadCloser, error) {
			return io.NopCloser(strings.NewReader(content)), nil
		},
		SizeHint: int64(len(content)),
	}
}

// PackEntryProgress describes one entry after its payload has been written.
type PackEntryProgress struct {
	// Path is the archived entry path.
	Path string `json:"path" yaml:"path"`
	// Offset is payload offset in resulting archive, relative to payload section start.
	Offset uint32 `json:"offset" yaml:"offset"`
	// DataSize is the size of the stored payload in bytes.
	DataSize uint32 `json:"data_size" yaml:"data_size"`
	// OriginalSize is the decoded payload size; equals DataSize for raw entries.
	OriginalSize uint32 `json:"original_size" yaml:"original_size"`
	// Encoding is the stored entry encoding flag.
	Encoding Encoding `json:"encoding,omitempty" yaml:"encoding,omitempty"`
	// CompressionCandidate reports whether the entry matched the compression rules.
	CompressionCandidate bool `json:"compression_candidate,omitempty" yaml:"compression_candidate,omitempty"`
	// Compressed reports whether the compressed form was actually kept.
	Compressed bool `json:"compressed,omitempty" yaml:"compressed,omitempty"`
}

// PackOptions configures pack behavior.
type PackOptions struct {
	// OnEntryDone is invoked once per entry after its payload lands in the archive.
	OnEntryDone func(entry PackEntryProgress) `json:"-" yaml:"-"`
	// Logger receives pack progress events; nil discards them.
	Logger *slog.Logger `json:"-" yaml:"-"`
	// Compress holds ordered path rules selecting compression candidates.
	Compress []pathrules.Rule `json:"compress,omitempty" yaml:"compress,omitempty"`
	// CompressMatcherOptions tune how Compress rules are matched.
	CompressMatcherOptions pathrules.MatcherOptions `json:"compress_matcher_options,omitzero" yaml:"compress_matcher_options,omitzero"`
	// WriterBufferSize sets the buffered writer size in bytes.
	WriterBufferSize int `json:"writer_buffer_size,omitempty" yaml:"writer_buffer_size,omitempty"`
	// MinCompressSize skips compression for entries below this size.
	// Default is 512 bytes.
	MinCompressSize uint32 `json:"min_compress_size,omitempty" yaml:"min_compress_size,omitempty"`
	// MaxCompressSize skips compression for entries above this size.
	// Default is 16 MiB; it also bounds the in-memory compression buffer.
	MaxCompressSize uint32 `json:"max_compress_size,omitempty" yaml:"max_compress_size,omitempty"`
}

// PackResult reports what a pack call wrote.
type PackResult struct {
	// WrittenEntries is the count of entries placed in the archive.
	WrittenEntries int `json:"written_entries" yaml:"written_entries"`
	// DataSize is the total payload bytes written.
	DataSize int64 `json:"data_size" yaml:"data_size"`
	// IndexSize is the total index bytes written.
	IndexSize int64 `json:"index_size" yaml:"index_size"`
	// RawBytes counts payload bytes stored verbatim.
	RawBytes int64 `json:"raw_bytes,omitempty" yaml:"raw_bytes,omitempty"`
	// CompressedBytes counts payload bytes stored LZSS-encoded.
	CompressedBytes int64 `json:"compressed_bytes,omitempty" yaml:"compressed_bytes,omitempty"`
	// CompressedEntries is the count of entries stored LZSS-encoded.
	CompressedEntries int `json:"compressed_entries,omitempty" yaml:"compressed_entries,omitempty"`
	// SkippedCompressionEntries counts candidates whose compressed form was not smaller.
	SkippedCompressionEntries int `json:"skipped_compression_entries,omitempty" yaml:"skipped_compression_entries,omitempty"`
	// Duration is the wall time of the pack core.
	Duration time.Duration `json:"duration,omitempty" yaml:"duration,omitempty"`
}

// EditOptions configures an Editor session over an archive file.
type EditOptions struct {
	// PackOptions apply to entries added or replaced during commit.
	PackOptions PackOptions `json:"pack_options,omitzero" yaml:"pack_options,omitzero"`
	// BackupKeep is the number of backup generations kept after a commit.
	// 0 means no backup, 1 keeps only `<archive>.bak`, N keeps `.bak` + `.bak.1..N-1`.
	BackupKeep int `json:"backup_keep,omitempty" yaml:"backup_keep,omitempty"`
}

// ReaderOptions configures reader parse behavior.
type ReaderOptions struct {
	// Logger receives parse events; nil discards them.
	Logger *slog.Logger `json:"-" yaml:"-"`
	// PathPrefix limits visible entries to paths under the given virtual prefix.
	PathPrefix string `json:"path_prefix,omitempty" yaml:"path_prefix,omitempty"`
	// MaxEntries fails parsing when the index declares more entries (zero means no limit).
	MaxEntries uint32 `json:"max_entries,omitempty" yaml:"max_entries,omitempty"`
}

// ExtractOptions configures archive extraction into a sandbox.
type ExtractOptions struct {
	// OnEntryDone is invoked once per entry after its file is fully written.
	OnEntryDone func(entry EntryInfo, written int64, outputPath string) `json:"-" yaml:"-"`
	// Logger receives extract events; nil discards them.
	Logger *slog.Logger `json:"-" yaml:"-"`
	// FileMode selects the output file creation policy.
	FileMode ExtractFileMode `json:"file_mode,omitempty" yaml:"file_mode,omitempty"`
	// Entries restricts extraction to the listed metadata; nil extracts everything.
	Entries []EntryInfo `json:"-" yaml:"-"`
	// MaxWorkers caps the extraction worker pool, zero means GOMAXPROCS.
	MaxWorkers int `json:"max_workers,omitempty" yaml:"max_workers,omitempty"`
	// SanitizeNames rewrites hostile entry paths to filesystem-safe output names
	// instead of failing the extraction.
	SanitizeNames bool `json:"sanitize_names,omitempty" yaml:"sanitize_names,omitempty"`
}

// ExtractFileMode is the policy used to open output files during extraction.
type ExtractFileMode string

// Extraction output policies.
const (
	// ExtractFileModeAuto tries create-only first and falls back to truncate.
	ExtractFileModeAuto ExtractFileMode = "auto"
	// ExtractFileModeOverwriteSmart rewrites in place, truncating only a longer existing file.
	ExtractFileModeOverwriteSmart ExtractFileMode = "overwrite_smart"
	// ExtractFileModeTruncate truncates existing files and creates missing ones.
	ExtractFileModeTruncate ExtractFileMode = "truncate"
	// ExtractFileModeCreateOnly creates new files and fails on existing ones.
	ExtractFileModeCreateOnly ExtractFileMode = "create_only"
)

// applyDefaults replaces zero-valued pack options with package defaults.
func (opts *PackOptions) applyDefaults() {
	if opts.WriterBufferSize < 4096 {
		opts.WriterBufferSize = DefaultWriteBuffer
	}

	if opts.MinCompressSize == 0 {
		opts.MinCompressSize = DefaultMinCompressSize
	}

	if opts.MaxCompressSize == 0 || opts.MaxCompressSize <= opts.MinCompressSize {
		opts.MaxCompressSize = DefaultMaxCompressSize
	}

	if opts.CompressMatcherOptions == (pathrules.MatcherOptions{}) {
		opts.CompressMatcherOptions = pathrules.MatcherOptions{
			CaseInsensitive: true,
			DefaultAction:   pathrules.ActionExclude,
		}
	}

	if opts.CompressMatcherOptions.DefaultAction == pathrules.ActionUnknown {
		opts.CompressMatcherOptions.DefaultAction = pathrules.ActionExclude
	}
}

// applyDefaults normalizes reader options in place.
func (opts *ReaderOptions) applyDefaults() {
	if opts.PathPrefix != "" {
		opts.PathPrefix = strings.Trim(strings.ReplaceAll(opts.PathPrefix, "\\", "/"), "/")
	}
}

// applyDefaults replaces zero-valued edit options with package defaults.
func (opts *EditOptions) applyDefaults() {
	opts.PackOptions.applyDefaults()

	if opts.BackupKeep < 0 {
		opts.BackupKeep = 0
	}
}

// logOrDiscard returns the given logger or a discard logger when nil.
func logOrDiscard(l *slog.Logger) *slog.Logger {
	if l != nil {
		return l
	}
	return slog.New(slog.DiscardHandler)
}
