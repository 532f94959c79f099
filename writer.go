// SPDX-License-Identifier: MIT
// Copyright (c) 2026 WoozyMasta
// Source: github.com/woozymasta/dat

package dat

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"
)

var (
	// defaultPackWriterPool recycles default-sized bufio writers across Pack calls.
	defaultPackWriterPool = sync.Pool{
		New: func() any {
			return bufio.NewWriterSize(io.Discard, DefaultWriteBuffer)
		},
	}
	// defaultPackCopyBufferPool recycles payload copy buffers across Pack calls.
	defaultPackCopyBufferPool = sync.Pool{
		New: func() any {
			return new([packCopyBufferSize]byte)
		},
	}
)

const (
	// packCopyBufferSize sizes the temporary buffer for streaming payload copies.
	packCopyBufferSize = 64 * 1024
)

// writtenEntry carries the final index values produced by one payload write.
type writtenEntry struct {
	path                 string
	offset               uint32
	dataSize             uint32
	originalSize         uint32
	encoding             Encoding
	compressionCandidate bool
}

// packPlanEntry describes one payload source for the archive write core.
// Exactly one of input and source is set: input-backed entries are encoded
// fresh, source-backed entries are copied stored-bytes verbatim from an
// existing archive so unmodified payloads stay byte-identical.
type packPlanEntry struct {
	input  *Input
	source *EntryInfo
	path   string
}

// Pack writes a DAT archive to out from the given inputs.
// Input order is preserved: the index lists entries exactly as given.
func Pack(ctx context.Context, out io.WriteSeeker, inputs []Input, opts PackOptions) (*PackResult, error) {
	opts.applyDefaults()

	plan, err := preparePackPlan(inputs)
	if err != nil {
		return nil, err
	}

	return writeArchive(ctx, out, nil, 0, plan, opts)
}

// PackFile writes a DAT archive to outPath through a staged temporary file.
// The temporary file is renamed over outPath only after a fully successful
// write, so a failed pack never leaves a partial archive behind.
func PackFile(ctx context.Context, outPath string, inputs []Input, opts PackOptions) (*PackResult, error) {
	opts.applyDefaults()

	plan, err := preparePackPlan(inputs)
	if err != nil {
		return nil, err
	}

	var res *PackResult
	err = stageArchiveFile(outPath, func(tmp *os.File) error {
		var werr error
		res, werr = writeArchive(ctx, tmp, nil, 0, plan, opts)
		return werr
	})
	if err != nil {
		return nil, err
	}

	logOrDiscard(opts.Logger).Info("archive packed",
		"path", outPath,
		"entries", res.WrittenEntries,
		"data_size", res.DataSize,
		"duration", res.Duration)

	return res, nil
}

// BuildArchive builds a DAT archive fully in memory and returns its bytes.
// This is the plain-buffer boundary for embedding hosts; file flows should
// prefer PackFile.
func BuildArchive(ctx context.Context, inputs []Input, opts PackOptions) ([]byte, error) {
	opts.applyDefaults()

	plan, err := preparePackPlan(inputs)
	if err != nil {
		return nil, err
	}

	var mem memFile
	if _, err := writeArchive(ctx, &mem, nil, 0, plan, opts); err != nil {
		return nil, err
	}

	return mem.buf, nil
}

// stageArchiveFile runs write against a temporary file in outPath's directory
// and renames it over outPath on success. On any failure the temporary file
// is removed and outPath is left untouched.
func stageArchiveFile(outPath string, write func(tmp *os.File) error) error {
	dir := filepath.Dir(outPath)
	tmp, err := os.CreateTemp(dir, filepath.Base(outPath)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create staged file: %w", err)
	}

	tmpPath := tmp.Name()
	discard := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}

	if err := write(tmp); err != nil {
		discard()
		return err
	}

	if err := tmp.Sync(); err != nil {
		discard()
		return fmt.Errorf("sync staged file: %w", err)
	}

	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close staged file: %w", err)
	}

	if err := os.Rename(tmpPath, outPath); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename staged file: %w", err)
	}

	return nil
}

// acquirePackWriter hands out a buffered writer sized for packing with its release func.
func acquirePackWriter(out io.Writer, size int) (*bufio.Writer, func()) {
	if size == DefaultWriteBuffer {
		w := defaultPackWriterPool.Get().(*bufio.Writer) //nolint:forcetypeassert // pool contains only *bufio.Writer
		w.Reset(out)

		return w, func() {
			w.Reset(io.Discard)
			defaultPackWriterPool.Put(w)
		}
	}

	return bufio.NewWriterSize(out, size), func() {}
}

// acquirePackCopyBuffer hands out a pooled payload copy buffer with its release func.
func acquirePackCopyBuffer() ([]byte, func()) {
	arr := defaultPackCopyBufferPool.Get().(*[packCopyBufferSize]byte) //nolint:forcetypeassert // pool contains only fixed-size buffers
	buf := arr[:]

	return buf, func() {
		defaultPackCopyBufferPool.Put(arr)
	}
}

// preparePackPlan normalizes input paths and validates them through a fresh
// path table. Any duplicate or invalid path aborts the whole pack before a
// single byte is written.
func preparePackPlan(inputs []Input) ([]packPlanEntry, error) {
	prepared := make([]Input, len(inputs))
	copy(prepared, inputs)

	table := newPathTable(len(prepared))
	var estimated int64
	for i := range prepared {
		normalized, err := normalizeEntryPath(prepared[i].Path)
		if err != nil {
			return nil, err
		}

		prepared[i].Path = normalized
		if _, err := table.insert(normalized); err != nil {
			return nil, err
		}

		if prepared[i].SizeHint > 0 {
			estimated += prepared[i].SizeHint
		}
	}

	if estimated > maxArchiveData {
		return nil, fmt.Errorf("%w: estimated data %d exceeds 4 GiB", ErrSizeOverflow, estimated)
	}

	plan := make([]packPlanEntry, len(prepared))
	for i := range prepared {
		plan[i] = packPlanEntry{
			path:  prepared[i].Path,
			input: &prepared[i],
		}
	}

	return plan, nil
}

// openInputReader opens the source stream behind one input.
func openInputReader(in Input) (io.ReadCloser, error) {
	if in.Open == nil {
		return nil, fmt.Errorf("input %s: Open is nil", in.Path)
	}

	rc, err := in.Open()
	if err != nil {
		return nil, fmt.Errorf("open input %s: %w", in.Path, err)
	}

	return rc, nil
}

// planIndexSize returns the exact index section size for the plan.
func planIndexSize(plan []packPlanEntry) int64 {
	var size int64
	for i := range plan {
		size += int64(indexEntryBase) + int64(len(plan[i].path))
	}

	return size
}

// writeArchive is the shared writer core for Pack, BuildArchive and editor
// commit flows. It writes the header, an index skeleton with placeholder
// numeric fields, then streams payloads and patches the index with final
// offsets and sizes. Source-backed plan entries are copied from src starting
// at srcDataStart.
func writeArchive(
	ctx context.Context,
	out io.WriteSeeker,
	src io.ReaderAt,
	srcDataStart int64,
	plan []packPlanEntry,
	opts PackOptions,
) (*PackResult, error) {
	startedAt := time.Now()

	if out == nil {
		return nil, ErrNilWriter
	}

	if ctx == nil {
		ctx = context.Background()
	}

	opts.applyDefaults()

	// Every write pass revalidates the full entry set before any output.
	table := newPathTable(len(plan))
	for i := range plan {
		if _, err := table.insert(plan[i].path); err != nil {
			return nil, err
		}
	}

	compressMatcher, err := newCompressMatcher(opts.Compress, opts.CompressMatcherOptions)
	if err != nil {
		return nil, fmt.Errorf("compile compress rules: %w", err)
	}

	indexSize := planIndexSize(plan)
	dataStart := int64(headerSize) + indexSize
	if dataStart > maxArchiveData {
		return nil, fmt.Errorf("%w: index ends at %d", ErrSizeOverflow, dataStart)
	}
	if uint64(len(plan)) > uint64(math.MaxUint32) {
		return nil, fmt.Errorf("%w: %d entries", ErrSizeOverflow, len(plan))
	}

	w, releaseWriter := acquirePackWriter(out, opts.WriterBufferSize)
	defer releaseWriter()

	var header [headerSize]byte
	copy(header[0:4], datMagic)
	binary.LittleEndian.PutUint32(header[4:8], formatVersion)
	binary.LittleEndian.PutUint32(header[8:12], uint32(len(plan)))
	if _, err := w.Write(header[:]); err != nil {
		return nil, fmt.Errorf("write header: %w", err)
	}

	// Index skeleton: paths now, numeric fields patched after the payload pass.
	patchAt := make([]int64, len(plan))
	recordPos := int64(headerSize)
	var placeholder [indexEntryBase - 2]byte
	for i := range plan {
		path := plan[i].path
		if err := binary.Write(w, binary.LittleEndian, uint16(len(path))); err != nil {
			return nil, fmt.Errorf("write entry path length: %w", err)
		}

		if _, err := w.WriteString(path); err != nil {
			return nil, fmt.Errorf("write entry path: %w", err)
		}

		if _, err := w.Write(placeholder[:]); err != nil {
			return nil, fmt.Errorf("write entry placeholder: %w", err)
		}

		patchAt[i] = recordPos + 2 + int64(len(path))
		recordPos += int64(indexEntryBase) + int64(len(path))
	}

	if err := w.Flush(); err != nil {
		return nil, fmt.Errorf("flush index: %w", err)
	}

	written := make([]writtenEntry, 0, len(plan))
	currentOffset := uint32(0)
	var (
		rawBytes                  int64
		compressedBytes           int64
		compressedEntries         int
		skippedCompressionEntries int
	)

	copyBuf, releaseCopyBuffer := acquirePackCopyBuffer()
	defer releaseCopyBuffer()

	appendWrittenEntry := func(record writtenEntry) {
		record.offset = currentOffset
		written = append(written, record)

		if record.encoding == EncodingLZSS {
			compressedEntries++
			compressedBytes += int64(record.dataSize)
		} else {
			rawBytes += int64(record.dataSize)
		}

		if record.compressionCandidate && record.encoding != EncodingLZSS {
			skippedCompressionEntries++
		}

		if opts.OnEntryDone != nil {
			opts.OnEntryDone(PackEntryProgress{
				Path:                 record.path,
				Offset:               record.offset,
				DataSize:             record.dataSize,
				OriginalSize:         record.originalSize,
				Encoding:             record.encoding,
				CompressionCandidate: record.compressionCandidate,
				Compressed:           record.encoding == EncodingLZSS,
			})
		}

		currentOffset += record.dataSize
	}

	for _, item := range plan {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if item.source != nil {
			if src == nil {
				return nil, ErrNilReader
			}

			record, err := writeSourcePayload(w, src, srcDataStart, item.path, *item.source, currentOffset, copyBuf)
			if err != nil {
				return nil, err
			}

			appendWrittenEntry(record)

			continue
		}

		record, err := writePlanInputPayload(w, item, opts, compressMatcher, currentOffset, copyBuf)
		if err != nil {
			return nil, err
		}

		appendWrittenEntry(record)
	}

	if dataStart+int64(currentOffset) > maxArchiveData {
		return nil, fmt.Errorf("%w: archive would be %d bytes", ErrSizeOverflow, dataStart+int64(currentOffset))
	}

	if err := w.Flush(); err != nil {
		return nil, fmt.Errorf("flush payloads: %w", err)
	}

	var fields [indexEntryBase - 2]byte
	for i := range written {
		if _, err := out.Seek(patchAt[i], io.SeekStart); err != nil {
			return nil, fmt.Errorf("seek to entry %d: %w", i, err)
		}

		record := written[i]
		binary.LittleEndian.PutUint32(fields[0:4], record.offset)
		binary.LittleEndian.PutUint32(fields[4:8], record.dataSize)
		binary.LittleEndian.PutUint32(fields[8:12], record.originalSize)
		fields[12] = byte(record.encoding)
		if _, err := out.Write(fields[:]); err != nil {
			return nil, fmt.Errorf("patch entry %d: %w", i, err)
		}
	}

	res := &PackResult{
		WrittenEntries:            len(written),
		DataSize:                  int64(currentOffset),
		IndexSize:                 indexSize,
		RawBytes:                  rawBytes,
		CompressedBytes:           compressedBytes,
		CompressedEntries:         compressedEntries,
		SkippedCompressionEntries: skippedCompressionEntries,
		Duration:                  time.Since(startedAt),
	}

	logOrDiscard(opts.Logger).Debug("archive written",
		"entries", res.WrittenEntries,
		"index_size", res.IndexSize,
		"data_size", res.DataSize,
		"duration", res.Duration)

	return res, nil
}

// writePlanInputPayload opens and writes one input-backed plan item.
func writePlanInputPayload(
	dst io.Writer,
	item packPlanEntry,
	opts PackOptions,
	matcher *compressMatcher,
	currentOffset uint32,
	copyBuf []byte,
) (writtenEntry, error) {
	if item.input == nil {
		return writtenEntry{}, fmt.Errorf("entry %s: missing input/source", item.path)
	}

	useCompression := shouldUseCompressionForInput(opts, matcher, *item.input)

	rc, err := openInputReader(*item.input)
	if err != nil {
		return writtenEntry{}, err
	}

	var record writtenEntry
	var writeErr error
	if useCompression {
		record, writeErr = writeCompressedCandidatePayload(dst, rc, *item.input, opts, currentOffset, copyBuf)
	} else {
		record, writeErr = writeUncompressedPayload(dst, rc, *item.input, currentOffset, copyBuf)
	}

	closeErr := rc.Close()
	if writeErr != nil {
		return writtenEntry{}, writeErr
	}
	if closeErr != nil {
		return writtenEntry{}, fmt.Errorf("close input %s: %w", item.input.Path, closeErr)
	}

	record.compressionCandidate = useCompression

	return record, nil
}

// shouldUseCompressionForInput reports whether an input is a compression candidate.
func shouldUseCompressionForInput(opts PackOptions, matcher *compressMatcher, in Input) bool {
	if matcher == nil {
		return false
	}

	if shouldSkipCompressBySizeHint(opts, in.SizeHint) {
		return false
	}

	if in.SizeHint > int64(^uint32(0)) {
		return false
	}

	if in.SizeHint > 0 {
		return shouldCompress(opts, matcher, in.Path, uint32(in.SizeHint))
	}

	return matcher.Match(in.Path)
}

// shouldSkipCompressBySizeHint reports whether the size hint alone rules out compression.
func shouldSkipCompressBySizeHint(opts PackOptions, sizeHint int64) bool {
	if sizeHint <= 0 {
		return false
	}

	return sizeHint < int64(opts.MinCompressSize) || sizeHint > int64(opts.MaxCompressSize)
}

// shouldUseInMemoryCompressPath reports whether a candidate fits the in-memory path.
func shouldUseInMemoryCompressPath(opts PackOptions, sizeHint int64, maxEntrySize int64) bool {
	if sizeHint <= 0 {
		return false
	}
	if sizeHint > maxEntrySize {
		return false
	}
	if sizeHint > int64(opts.MaxCompressSize) {
		return false
	}

	return true
}

// writeUncompressedPayload streams payload directly into destination and records raw metadata.
func writeUncompressedPayload(
	dst io.Writer,
	src io.Reader,
	in Input,
	currentOffset uint32,
	copyBuf []byte,
) (writtenEntry, error) {
	maxEntrySize := int64(^uint32(0)) - int64(currentOffset)
	streamed, err := copyPayloadBounded(dst, src, maxEntrySize, copyBuf)
	if err != nil {
		return writtenEntry{}, fmt.Errorf("stream input %s: %w", in.Path, err)
	}

	dataSize, err := checkedDataSize(in.Path, streamed, currentOffset)
	if err != nil {
		return writtenEntry{}, err
	}

	return writtenEntry{
		path:         in.Path,
		dataSize:     dataSize,
		originalSize: dataSize,
		encoding:     EncodingRaw,
	}, nil
}

// writeCompressedCandidatePayload encodes a candidate, keeping the raw form when smaller.
// Candidates with unknown or out-of-range sizes are streamed raw.
func writeCompressedCandidatePayload(
	dst io.Writer,
	src io.Reader,
	in Input,
	opts PackOptions,
	currentOffset uint32,
	copyBuf []byte,
) (writtenEntry, error) {
	maxEntrySize := int64(^uint32(0)) - int64(currentOffset)
	if !shouldUseInMemoryCompressPath(opts, in.SizeHint, maxEntrySize) {
		return writeUncompressedPayload(dst, src, in, currentOffset, copyBuf)
	}

	raw, err := readPayloadBounded(src, maxEntrySize, in.SizeHint, int64(opts.MaxCompressSize), copyBuf)
	if err != nil {
		return writtenEntry{}, fmt.Errorf("stream input %s: %w", in.Path, err)
	}

	originalSize, err := checkedDataSize(in.Path, int64(len(raw)), currentOffset)
	if err != nil {
		return writtenEntry{}, err
	}

	stored, encoding, err := encodeEntryPayload(raw, shouldCompressBySize(opts, originalSize))
	if err != nil {
		return writtenEntry{}, fmt.Errorf("encode %s: %w", in.Path, err)
	}

	dataSize, err := checkedDataSize(in.Path, int64(len(stored)), currentOffset)
	if err != nil {
		return writtenEntry{}, err
	}

	if _, err := dst.Write(stored); err != nil {
		return writtenEntry{}, fmt.Errorf("write payload %s: %w", in.Path, err)
	}

	return writtenEntry{
		path:         in.Path,
		dataSize:     dataSize,
		originalSize: originalSize,
		encoding:     encoding,
	}, nil
}

// readPayloadBounded slurps a payload into memory, failing past the size limit.
func readPayloadBounded(src io.Reader, limit int64, sizeHint int64, inMemoryLimit int64, copyBuf []byte) ([]byte, error) {
	var dst bytes.Buffer
	if sizeHint > 0 && sizeHint <= inMemoryLimit {
		dst.Grow(int(sizeHint))
	}

	written, err := copyPayloadBounded(&dst, src, limit, copyBuf)
	if err != nil {
		return nil, err
	}
	if int64(dst.Len()) != written {
		return nil, fmt.Errorf("short read into memory (%d/%d)", dst.Len(), written)
	}

	return dst.Bytes(), nil
}

// writeSourcePayload copies already stored bytes from a source archive.
func writeSourcePayload(
	dst io.Writer,
	src io.ReaderAt,
	srcDataStart int64,
	path string,
	entry EntryInfo,
	currentOffset uint32,
	copyBuf []byte,
) (writtenEntry, error) {
	size := int64(entry.DataSize)
	dataSize, err := checkedDataSize(path, size, currentOffset)
	if err != nil {
		return writtenEntry{}, err
	}

	sr := io.NewSectionReader(src, srcDataStart+int64(entry.Offset), size)
	written, err := copyPayloadBounded(dst, sr, size, copyBuf)
	if err != nil {
		return writtenEntry{}, fmt.Errorf("copy stored entry %s: %w", path, err)
	}
	if written != size {
		return writtenEntry{}, fmt.Errorf("copy stored entry %s: short read (%d/%d)", path, written, size)
	}

	return writtenEntry{
		path:         path,
		dataSize:     dataSize,
		originalSize: entry.OriginalSize,
		encoding:     entry.Encoding,
	}, nil
}

// copyPayloadBounded streams src to dst, failing once limit would be exceeded.
func copyPayloadBounded(dst io.Writer, src io.Reader, limit int64, buf []byte) (int64, error) {
	if dst == nil {
		return 0, ErrNilWriter
	}
	if src == nil {
		return 0, ErrNilReader
	}
	if limit < 0 {
		return 0, ErrSizeOverflow
	}
	if len(buf) == 0 {
		buf = make([]byte, 32*1024)
	}

	var written int64
	emptyReads := 0
	for written < limit {
		chunkSize := len(buf)
		remaining := limit - written
		if int64(chunkSize) > remaining {
			chunkSize = int(remaining)
		}

		n, readErr := src.Read(buf[:chunkSize])
		if n > 0 {
			emptyReads = 0
			nw, writeErr := dst.Write(buf[:n])
			written += int64(nw)

			if writeErr != nil {
				return written, writeErr
			}
			if nw != n {
				return written, io.ErrShortWrite
			}
		}
		if n == 0 && readErr == nil {
			emptyReads++
			if emptyReads > 100 {
				return written, io.ErrNoProgress
			}

			continue
		}

		if readErr != nil {
			if readErr == io.EOF {
				break
			}

			return written, readErr
		}
	}

	// Reading exactly limit bytes is fine only when the source ends there.
	if written == limit {
		var probe [1]byte
		n, err := src.Read(probe[:])
		if n > 0 {
			return written, ErrSizeOverflow
		}
		if err != nil && err != io.EOF {
			return written, err
		}
	}

	return written, nil
}

// checkedDataSize validates entry size for uint32-based DAT fields and running offset.
func checkedDataSize(path string, size int64, currentOffset uint32) (uint32, error) {
	if size < 0 || size > int64(^uint32(0)) {
		return 0, fmt.Errorf("%w: entry %s size %d is out of uint32 range", ErrSizeOverflow, path, size)
	}

	maxEntrySize := int64(^uint32(0)) - int64(currentOffset)
	if size > maxEntrySize {
		return 0, fmt.Errorf("%w: entry %s size would exceed 4 GiB", ErrSizeOverflow, path)
	}

	return uint32(size), nil
}

// memFile is a growable in-memory io.WriteSeeker used by BuildArchive.
type memFile struct {
	buf []byte
	off int64
}

// Write copies p at the current position, growing the buffer when needed.
func (m *memFile) Write(p []byte) (int, error) {
	end := m.off + int64(len(p))
	if end > maxArchiveData {
		return 0, fmt.Errorf("%w: in-memory archive would be %d bytes", ErrSizeOverflow, end)
	}

	if grow := end - int64(len(m.buf)); grow > 0 {
		m.buf = append(m.buf, make([]byte, grow)...)
	}

	copy(m.buf[m.off:end], p)
	m.off = end

	return len(p), nil
}

// Seek moves the write position.
func (m *memFile) Seek(offset int64, whence int) (int64, error) {
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = m.off + offset
	case io.SeekEnd:
		abs = int64(len(m.buf)) + offset
	default:
		return 0, fmt.Errorf("seek: invalid whence %d", whence)
	}

	if abs < 0 {
		return 0, fmt.Errorf("seek: negative position %d", abs)
	}

	m.off = abs

	return abs, nil
}

// ReadAt serves random-access reads of the written bytes.
func (m *memFile) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off > int64(len(m.buf)) {
		return 0, io.EOF
	}

	n := copy(p, m.buf[off:])
	if n < len(p) {
		return n, io.EOF
	}

	return n, nil
}
