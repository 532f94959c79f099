// SPDX-License-Identifier: MIT
// Copyright (c) 2026 WoozyMasta
// Source: github.com/woozymasta/dat

package dat

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strings"
	"sync"
)

const (
	// readerIndexBufferSize is a sequential read buffer for index table parsing.
	readerIndexBufferSize = 64 * 1024
	// minIndexRecordSize is the smallest legal index record (one-byte path).
	minIndexRecordSize = indexEntryBase + 1
)

var (
	// indexTableReaderPool reuses buffered readers for sequential index parsing.
	indexTableReaderPool = sync.Pool{
		New: func() any {
			return bufio.NewReaderSize(bytes.NewReader(nil), readerIndexBufferSize)
		},
	}
)

// Reader provides read-only access to a parsed DAT archive.
type Reader struct {
	// ra is the underlying random-access reader used for payload reads.
	ra io.ReaderAt
	// file is set when Reader owns an *os.File opened via Open.
	file *os.File
	// table maps entry paths to slots in entries.
	table *pathTable
	// entries stores parsed immutable entry metadata, aligned with table slots.
	entries []EntryInfo
	// prefix limits visible entries when ReaderOptions.PathPrefix is set.
	prefix string
	// size is total source size in bytes.
	size int64
	// dataStart is absolute offset of the first payload byte.
	dataStart int64
	// version is the parsed format version.
	version uint32
	// mu guards closed state and close operation.
	mu sync.Mutex
	// closed reports whether Close was already called.
	closed bool
}

// Open opens a DAT archive by path and parses header and index structures.
func Open(path string) (*Reader, error) {
	return OpenWithOptions(path, ReaderOptions{})
}

// OpenWithOptions opens a DAT archive by path and parses header and index structures
// using explicit reader options.
func OpenWithOptions(path string, opts ReaderOptions) (*Reader, error) {
	opts.applyDefaults()

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open DAT: %w", err)
	}

	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("stat: %w", err)
	}

	r, err := NewReaderFromReaderAtWithOptions(f, fi.Size(), opts)
	if err != nil {
		_ = f.Close()
		return nil, err
	}

	r.file = f
	return r, nil
}

// NewReaderFromReaderAt parses a DAT archive from an existing ReaderAt and known size.
func NewReaderFromReaderAt(ra io.ReaderAt, size int64) (*Reader, error) {
	return NewReaderFromReaderAtWithOptions(ra, size, ReaderOptions{})
}

// NewReaderFromReaderAtWithOptions parses a DAT archive from an existing ReaderAt
// and known size using explicit reader options.
func NewReaderFromReaderAtWithOptions(ra io.ReaderAt, size int64, opts ReaderOptions) (*Reader, error) {
	opts.applyDefaults()

	if ra == nil {
		return nil, ErrNilReader
	}

	r := &Reader{ra: ra, size: size, prefix: opts.PathPrefix}
	if err := r.parse(ra, size, opts); err != nil {
		return nil, err
	}

	logOrDiscard(opts.Logger).Debug("archive parsed",
		"entries", len(r.entries),
		"data_start", r.dataStart,
		"size", size)

	return r, nil
}

// NewReaderFromBytes parses a DAT archive held fully in memory.
func NewReaderFromBytes(data []byte) (*Reader, error) {
	return NewReaderFromReaderAt(bytes.NewReader(data), int64(len(data)))
}

// Entries returns a copy of parsed entries in index order.
func (r *Reader) Entries() []EntryInfo {
	if r == nil {
		return nil
	}

	if r.prefix == "" {
		entries := make([]EntryInfo, len(r.entries))
		copy(entries, r.entries)
		return entries
	}

	entries := make([]EntryInfo, 0, len(r.entries))
	for i := range r.entries {
		if underPrefix(r.entries[i].Path, r.prefix) {
			entries = append(entries, r.entries[i])
		}
	}

	return entries
}

// List returns entry paths in index order.
func (r *Reader) List() []string {
	if r == nil {
		return nil
	}

	if r.prefix == "" {
		return r.table.all()
	}

	paths := make([]string, 0, len(r.entries))
	for i := range r.entries {
		if underPrefix(r.entries[i].Path, r.prefix) {
			paths = append(paths, r.entries[i].Path)
		}
	}

	return paths
}

// Len returns the number of parsed entries.
func (r *Reader) Len() int {
	if r == nil {
		return 0
	}

	return len(r.entries)
}

// Exists reports whether the named entry is present.
func (r *Reader) Exists(name string) bool {
	if r == nil {
		return false
	}

	_, ok := r.table.lookup(NormalizePath(name))
	return ok
}

// Entry returns metadata for the named entry.
func (r *Reader) Entry(name string) (EntryInfo, bool) {
	if r == nil {
		return EntryInfo{}, false
	}

	slot, ok := r.table.lookup(NormalizePath(name))
	if !ok {
		return EntryInfo{}, false
	}

	return r.entries[slot], true
}

// Version returns the parsed archive format version.
func (r *Reader) Version() uint32 {
	if r == nil {
		return 0
	}

	return r.version
}

// Close closes the underlying file if reader owns one.
func (r *Reader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}

	r.closed = true
	if r.file != nil {
		return r.file.Close()
	}

	return nil
}

// underPrefix reports whether path sits under the given virtual directory prefix.
func underPrefix(path, prefix string) bool {
	if !strings.HasPrefix(path, prefix) {
		return false
	}

	return len(path) == len(prefix) || path[len(prefix)] == '/'
}

// parse reads and validates DAT structure from ReaderAt.
func (r *Reader) parse(ra io.ReaderAt, size int64, opts ReaderOptions) error {
	version, count, err := parseHeader(ra, size)
	if err != nil {
		return err
	}
	r.version = version

	if opts.MaxEntries != 0 && count > opts.MaxEntries {
		return fmt.Errorf("%w: %d > %d", ErrTooManyEntries, count, opts.MaxEntries)
	}

	// Each record carries at least a one-byte path, which bounds both the
	// declared count and the entry slice allocation before any read happens.
	minIndexSize := int64(count) * minIndexRecordSize
	if minIndexSize > size-headerSize {
		return fmt.Errorf("%w: %d entries cannot fit in %d bytes", ErrTruncated, count, size)
	}

	indexSize, err := r.parseIndex(ra, count, size)
	if err != nil {
		return err
	}

	r.dataStart = headerSize + indexSize
	return validateEntryBounds(r.entries, r.dataStart, size)
}

// parseHeader reads the fixed header and returns format version and entry count.
func parseHeader(ra io.ReaderAt, size int64) (uint32, uint32, error) {
	var header [headerSize]byte
	if _, err := ra.ReadAt(header[:], 0); err != nil {
		if errors.Is(err, io.EOF) {
			return 0, 0, fmt.Errorf("%w: short header (%d bytes)", ErrBadMagic, size)
		}

		return 0, 0, fmt.Errorf("read header: %w", err)
	}

	if !bytes.Equal(header[0:4], []byte(datMagic)) {
		return 0, 0, ErrBadMagic
	}

	version := binary.LittleEndian.Uint32(header[4:8])
	if version != formatVersion {
		return 0, 0, fmt.Errorf("%w: %d", ErrUnsupportedVersion, version)
	}

	count := binary.LittleEndian.Uint32(header[8:12])
	return version, count, nil
}

// parseIndex parses entry records with sequential buffered reads and returns
// total index size in bytes.
func (r *Reader) parseIndex(ra io.ReaderAt, count uint32, size int64) (int64, error) {
	if count == 0 {
		r.table = newPathTable(0)
		r.entries = nil
		return 0, nil
	}

	sr := io.NewSectionReader(ra, headerSize, size-headerSize)
	br := indexTableReaderPool.Get().(*bufio.Reader) //nolint:forcetypeassert // pool contains only *bufio.Reader
	br.Reset(sr)
	defer indexTableReaderPool.Put(br)

	r.table = newPathTable(int(count))
	r.entries = make([]EntryInfo, 0, count)

	var indexSize int64
	var pathBuf [maxNameLen]byte
	for i := uint32(0); i < count; i++ {
		var lenField [2]byte
		if _, err := io.ReadFull(br, lenField[:]); err != nil {
			return 0, indexReadError("path length", i, count, err)
		}

		pathLen := binary.LittleEndian.Uint16(lenField[:])
		if pathLen == 0 {
			return 0, fmt.Errorf("%w: entry %d has empty path", ErrMalformed, i)
		}
		if int(pathLen) > maxNameLen {
			return 0, fmt.Errorf("%w: %w: entry %d path is %d bytes", ErrMalformed, ErrFileNameTooLong, i, pathLen)
		}

		path := pathBuf[:pathLen]
		if _, err := io.ReadFull(br, path); err != nil {
			return 0, indexReadError("path", i, count, err)
		}

		var fields [indexEntryBase - 2]byte
		if _, err := io.ReadFull(br, fields[:]); err != nil {
			return 0, indexReadError("fields", i, count, err)
		}

		entry := EntryInfo{
			Path:         string(path),
			Offset:       binary.LittleEndian.Uint32(fields[0:4]),
			DataSize:     binary.LittleEndian.Uint32(fields[4:8]),
			OriginalSize: binary.LittleEndian.Uint32(fields[8:12]),
			Encoding:     Encoding(fields[12]),
		}

		if entry.Encoding > EncodingLZSS {
			return 0, fmt.Errorf("%w: entry %q has unknown encoding flag %d", ErrMalformed, entry.Path, fields[12])
		}
		if entry.Encoding == EncodingRaw && entry.OriginalSize != entry.DataSize {
			return 0, fmt.Errorf("%w: raw entry %q declares original size %d with stored size %d",
				ErrMalformed, entry.Path, entry.OriginalSize, entry.DataSize)
		}

		if _, err := r.table.insert(entry.Path); err != nil {
			return 0, fmt.Errorf("%w: %w", ErrMalformed, err)
		}

		r.entries = append(r.entries, entry)
		indexSize += int64(indexEntryBase) + int64(pathLen)
	}

	return indexSize, nil
}

// indexReadError maps short index reads to the truncation sentinel.
func indexReadError(what string, i, count uint32, err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: index ends at entry %d of %d (%s)", ErrTruncated, i, count, what)
	}

	return fmt.Errorf("read entry %s: %w", what, err)
}

// validateEntryBounds checks that declared payload ranges are monotonic,
// non-overlapping and inside the file.
func validateEntryBounds(entries []EntryInfo, dataStart, totalSize int64) error {
	payloadLen := totalSize - dataStart
	if payloadLen < 0 {
		return fmt.Errorf("%w: index extends past end of file", ErrTruncated)
	}
	if totalSize > maxArchiveData {
		return fmt.Errorf("%w: archive is %d bytes", ErrSizeOverflow, totalSize)
	}

	var prevEnd int64
	for i := range entries {
		offset := int64(entries[i].Offset)
		end := offset + int64(entries[i].DataSize)
		if end > math.MaxUint32 {
			return fmt.Errorf("%w: entry %s payload end", ErrSizeOverflow, entries[i].Path)
		}

		if offset < prevEnd {
			return fmt.Errorf("%w: entry %s overlaps previous payload", ErrMalformed, entries[i].Path)
		}
		if end > payloadLen {
			return fmt.Errorf("%w: entry %s payload ends at %d of %d available bytes",
				ErrTruncated, entries[i].Path, end, payloadLen)
		}

		prevEnd = end
	}

	return nil
}
