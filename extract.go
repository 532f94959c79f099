// SPDX-License-Identifier: MIT
// Copyright (c) 2026 WoozyMasta
// Source: github.com/woozymasta/dat

package dat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"runtime"
	"strings"

	"golang.org/x/sync/errgroup"
)

// extractCopyBufferSize sizes the per-worker copy buffer.
const extractCopyBufferSize = 64 * 1024

// extractWorkItem stores one selected entry with its resolved destination.
type extractWorkItem struct {
	relPath string
	relDir  string
	outPath string
	entry   EntryInfo
}

// Extract writes selected entries to disk through the given sandbox. Every
// destination is resolved by the sandbox exactly once before any file is
// opened; opens themselves also go through the sandbox root, so entry names
// can never escape it. Extraction fans out across MaxWorkers; the first
// failure cancels the remaining work.
func (r *Reader) Extract(ctx context.Context, box *Sandbox, opts ExtractOptions) error {
	if r == nil || r.ra == nil {
		return ErrNilReader
	}
	if box == nil {
		return ErrNilSandbox
	}

	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return ErrClosed
	}

	if ctx == nil {
		ctx = context.Background()
	}

	workers := opts.MaxWorkers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	if workers < 1 {
		workers = 1
	}

	entries := r.entries
	if opts.Entries != nil {
		entries = opts.Entries
	}

	if len(entries) == 0 {
		return nil
	}

	if opts.SanitizeNames {
		sanitized, err := sanitizeEntryInfoPaths(entries)
		if err != nil {
			return err
		}

		entries = sanitized
	}

	fileMode := opts.FileMode
	if fileMode == "" {
		fileMode = ExtractFileModeAuto
	}

	workItems, err := prepareExtractWorkItems(box, entries)
	if err != nil {
		return err
	}

	if len(workItems) == 0 {
		return nil
	}

	if err := prepareExtractDirs(box, workItems); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, task := range workItems {
		g.Go(func() error {
			copyBuf := make([]byte, extractCopyBufferSize)
			return r.extractPreparedEntry(gctx, box, task, fileMode, copyBuf, opts.OnEntryDone)
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	logOrDiscard(opts.Logger).Info("archive extracted",
		"entries", len(workItems),
		"root", box.Root())

	return nil
}

// prepareExtractWorkItems validates selected entries and resolves their
// destinations through the sandbox.
func prepareExtractWorkItems(box *Sandbox, entries []EntryInfo) ([]extractWorkItem, error) {
	workItems := make([]extractWorkItem, 0, len(entries))
	for _, entry := range entries {
		if strings.TrimSpace(entry.Path) == "" {
			continue
		}

		relPath, err := normalizeExtractEntryPath(entry.Path)
		if err != nil {
			return nil, fmt.Errorf("normalize entry path %s: %w", entry.Path, err)
		}

		outPath, err := box.Resolve(relPath)
		if err != nil {
			return nil, fmt.Errorf("resolve destination for %s: %w", entry.Path, err)
		}

		relDir := ""
		if i := strings.LastIndexByte(relPath, '/'); i >= 0 {
			relDir = relPath[:i]
		}

		workItems = append(workItems, extractWorkItem{
			entry:   entry,
			relPath: relPath,
			relDir:  relDir,
			outPath: outPath,
		})
	}

	return workItems, nil
}

// prepareExtractDirs creates every distinct parent directory the work items need.
func prepareExtractDirs(box *Sandbox, workItems []extractWorkItem) error {
	seen := make(map[string]struct{}, len(workItems))
	for _, task := range workItems {
		if task.relDir == "" {
			continue
		}

		if _, exists := seen[task.relDir]; exists {
			continue
		}

		seen[task.relDir] = struct{}{}
		if err := box.MkdirAll(task.relDir); err != nil {
			return err
		}
	}

	return nil
}

// extractPreparedEntry writes one prepared work item through the sandbox.
func (r *Reader) extractPreparedEntry(
	ctx context.Context,
	box *Sandbox,
	task extractWorkItem,
	fileMode ExtractFileMode,
	copyBuf []byte,
	onEntryDone func(entry EntryInfo, written int64, outputPath string),
) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	rc, err := r.openEntryByInfo(&task.entry, task.entry.Path)
	if err != nil {
		return err
	}
	defer func() { _ = rc.Close() }()

	expectedSize := int64(task.entry.DataSize)
	if task.entry.OriginalSize > 0 {
		expectedSize = int64(task.entry.OriginalSize)
	}

	file, needsTruncate, err := openExtractFile(box, task.relPath, fileMode, expectedSize)
	if err != nil {
		return fmt.Errorf("open %s: %w", task.entry.Path, err)
	}

	written, copyErr := copyExtractData(file, rc, copyBuf)
	if copyErr == nil && needsTruncate {
		if truncErr := file.Truncate(written); truncErr != nil {
			_ = file.Close()
			return fmt.Errorf("truncate %s: %w", task.entry.Path, truncErr)
		}
	}

	closeErr := file.Close()
	if copyErr != nil {
		return fmt.Errorf("write %s: %w", task.entry.Path, copyErr)
	}

	if closeErr != nil {
		return fmt.Errorf("close %s: %w", task.entry.Path, closeErr)
	}

	if onEntryDone != nil {
		onEntryDone(task.entry, written, task.outPath)
	}

	return nil
}

// openExtractFile opens the destination through the sandbox according to the
// selected extract file mode.
func openExtractFile(box *Sandbox, relPath string, mode ExtractFileMode, expectedSize int64) (*os.File, bool, error) {
	switch mode {
	case ExtractFileModeAuto:
		file, err := box.OpenFile(relPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
		if err == nil {
			return file, false, nil
		}

		if !errors.Is(err, fs.ErrExist) {
			return nil, false, err
		}

		file, truncErr := box.OpenFile(relPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
		return file, false, truncErr
	case ExtractFileModeOverwriteSmart:
		file, err := box.OpenFile(relPath, os.O_WRONLY|os.O_CREATE, 0o600)
		if err != nil {
			return nil, false, err
		}

		info, err := file.Stat()
		if err != nil {
			_ = file.Close()
			return nil, false, err
		}

		needsTruncate := info.Size() > expectedSize
		return file, needsTruncate, nil
	case ExtractFileModeTruncate:
		file, err := box.OpenFile(relPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
		return file, false, err
	case ExtractFileModeCreateOnly:
		file, err := box.OpenFile(relPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
		return file, false, err
	default:
		return nil, false, fmt.Errorf("unknown extract file mode %q", mode)
	}
}

// copyExtractData drains one entry stream into its output file.
func copyExtractData(dst *os.File, src io.Reader, buf []byte) (int64, error) {
	if len(buf) == 0 {
		return 0, io.ErrShortBuffer
	}

	var total int64
	for {
		readN, readErr := src.Read(buf)
		if readN > 0 {
			writeN, writeErr := dst.Write(buf[:readN])
			total += int64(writeN)

			if writeErr != nil {
				return total, writeErr
			}

			if writeN != readN {
				return total, io.ErrShortWrite
			}
		}

		if readErr == nil {
			continue
		}

		if readErr == io.EOF {
			return total, nil
		}

		return total, readErr
	}
}

// normalizeExtractEntryPath cleans an entry path for extraction, rejecting
// absolute paths and traversal segments.
func normalizeExtractEntryPath(entryPath string) (string, error) {
	raw := strings.TrimSpace(entryPath)
	if raw == "" {
		return "", ErrInvalidExtractPath
	}
	if strings.ContainsRune(raw, 0) {
		return "", ErrInvalidExtractPath
	}
	if strings.HasPrefix(raw, `/`) || strings.HasPrefix(raw, `\`) {
		return "", ErrInvalidExtractPath
	}

	raw = strings.ReplaceAll(raw, `\`, `/`)
	if hasWindowsDrivePrefix(raw) {
		return "", ErrInvalidExtractPath
	}

	parts := strings.Split(raw, `/`)
	cleanParts := make([]string, 0, len(parts))
	for _, part := range parts {
		switch part {
		case "", ".":
			continue
		case "..":
			return "", ErrInvalidExtractPath
		default:
			cleanParts = append(cleanParts, part)
		}
	}
	if len(cleanParts) == 0 {
		return "", ErrInvalidExtractPath
	}

	return strings.Join(cleanParts, `/`), nil
}
