// SPDX-License-Identifier: MIT
// Copyright (c) 2026 WoozyMasta
// Source: github.com/woozymasta/dat

package dat

import (
	"context"
	"errors"
	"fmt"
	"os"
)

// Editor is an edit session over one existing DAT archive. It keeps a
// working table seeded from the source index and rewrites the archive on
// Commit, copying untouched payloads byte-for-byte from the source file.
//
// A session is single-owner: methods must not be called concurrently, and
// at most one editor should be active against a given archive file.
type Editor struct {
	src    *os.File
	reader *Reader
	index  map[string]int
	path   string
	slots  []editorSlot
	opts   EditOptions
	closed bool
}

// editorSlot is one working-table position. Source-backed slots copy stored
// bytes verbatim at commit; input-backed slots are encoded fresh. Deleted
// slots stay in place as tombstones so surviving entries keep their original
// relative order.
type editorSlot struct {
	source  *EntryInfo
	input   *Input
	path    string
	deleted bool
}

// OpenEditor opens an existing archive for editing. The archive file stays
// open for the whole session and is only replaced by a successful Commit.
func OpenEditor(path string, opts EditOptions) (*Editor, error) {
	opts.applyDefaults()

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}

	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("stat archive: %w", err)
	}

	r, err := NewReaderFromReaderAtWithOptions(f, fi.Size(), ReaderOptions{
		Logger: opts.PackOptions.Logger,
	})
	if err != nil {
		_ = f.Close()
		return nil, err
	}

	e := &Editor{
		path:   path,
		opts:   opts,
		src:    f,
		reader: r,
		slots:  make([]editorSlot, 0, r.Len()),
		index:  make(map[string]int, r.Len()),
	}

	for _, entry := range r.entries {
		source := entry
		e.slots = append(e.slots, editorSlot{
			path:   entry.Path,
			source: &source,
		})
		e.index[entry.Path] = len(e.slots) - 1
	}

	return e, nil
}

// Len returns the number of live entries in the working table.
func (e *Editor) Len() int {
	if e == nil {
		return 0
	}

	return len(e.index)
}

// Paths returns live entry paths in working-table order: source entries
// first in their original order, then added entries in insertion order.
func (e *Editor) Paths() []string {
	if e == nil {
		return nil
	}

	out := make([]string, 0, len(e.index))
	for i := range e.slots {
		if e.slots[i].deleted {
			continue
		}

		out = append(out, e.slots[i].path)
	}

	return out
}

// Exists reports whether the working table holds the given path.
func (e *Editor) Exists(path string) bool {
	if e == nil {
		return false
	}

	normalized, err := normalizeEntryPath(path)
	if err != nil {
		return false
	}

	_, ok := e.index[normalized]

	return ok
}

// Add inserts new entries and fails with ErrDuplicateEntryPath when any
// path is already present. The call is all-or-nothing: on error the working
// table is unchanged.
func (e *Editor) Add(inputs ...Input) error {
	if e == nil {
		return ErrNilReader
	}
	if e.closed {
		return ErrClosed
	}

	staged, err := normalizeEditorInputs(inputs)
	if err != nil {
		return err
	}

	seen := make(map[string]struct{}, len(staged))
	for i := range staged {
		if _, dup := seen[staged[i].Path]; dup {
			return fmt.Errorf("%w: %q", ErrDuplicateEntryPath, staged[i].Path)
		}

		seen[staged[i].Path] = struct{}{}
		if _, exists := e.index[staged[i].Path]; exists {
			return fmt.Errorf("%w: %q", ErrDuplicateEntryPath, staged[i].Path)
		}
	}

	for i := range staged {
		e.appendSlot(staged[i].Path, &staged[i])
	}

	return nil
}

// Put upserts entries: an existing path gets its payload replaced in place
// (keeping the entry's position), a new path is appended.
func (e *Editor) Put(inputs ...Input) error {
	if e == nil {
		return ErrNilReader
	}
	if e.closed {
		return ErrClosed
	}

	staged, err := normalizeEditorInputs(inputs)
	if err != nil {
		return err
	}

	for i := range staged {
		if slot, ok := e.index[staged[i].Path]; ok {
			e.slots[slot].input = &staged[i]
			e.slots[slot].source = nil

			continue
		}

		e.appendSlot(staged[i].Path, &staged[i])
	}

	return nil
}

// Remove deletes exact paths from the working table. Missing paths are
// ignored; invalid paths abort the call before anything is removed.
func (e *Editor) Remove(paths ...string) error {
	if e == nil {
		return ErrNilReader
	}
	if e.closed {
		return ErrClosed
	}

	normalized, err := normalizeEditorPaths(paths)
	if err != nil {
		return err
	}

	for _, path := range normalized {
		if slot, ok := e.index[path]; ok {
			e.tombstone(slot)
		}
	}

	return nil
}

// RemoveDir deletes all entries equal to or under the given directory
// prefixes.
func (e *Editor) RemoveDir(prefixes ...string) error {
	if e == nil {
		return ErrNilReader
	}
	if e.closed {
		return ErrClosed
	}

	normalized, err := normalizeEditorPaths(prefixes)
	if err != nil {
		return err
	}

	for _, prefix := range normalized {
		for i := range e.slots {
			if e.slots[i].deleted {
				continue
			}

			if e.slots[i].path == prefix || hasDirPrefix(e.slots[i].path, prefix) {
				e.tombstone(i)
			}
		}
	}

	return nil
}

// Rename moves an entry's payload under a new path. The renamed entry is
// appended at the end of the working table; renaming a path onto itself is
// a no-op.
func (e *Editor) Rename(oldPath, newPath string) error {
	if e == nil {
		return ErrNilReader
	}
	if e.closed {
		return ErrClosed
	}

	from, err := normalizeEntryPath(oldPath)
	if err != nil {
		return err
	}

	to, err := normalizeEntryPath(newPath)
	if err != nil {
		return err
	}

	slot, ok := e.index[from]
	if !ok {
		return fmt.Errorf("%w: %q", ErrEntryNotFound, from)
	}

	if from == to {
		return nil
	}

	if _, exists := e.index[to]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateEntryPath, to)
	}

	moved := e.slots[slot]
	e.tombstone(slot)

	if moved.input != nil {
		in := *moved.input
		in.Path = to
		e.appendSlot(to, &in)

		return nil
	}

	e.slots = append(e.slots, editorSlot{
		path:   to,
		source: moved.source,
	})
	e.index[to] = len(e.slots) - 1

	return nil
}

// Clear empties the working table. A following Commit writes an archive
// with zero entries.
func (e *Editor) Clear() error {
	if e == nil {
		return ErrNilReader
	}
	if e.closed {
		return ErrClosed
	}

	for i := range e.slots {
		if !e.slots[i].deleted {
			e.tombstone(i)
		}
	}

	return nil
}

// appendSlot adds a live slot at the end of the working table.
func (e *Editor) appendSlot(path string, in *Input) {
	e.slots = append(e.slots, editorSlot{
		path:  path,
		input: in,
	})
	e.index[path] = len(e.slots) - 1
}

// tombstone marks one slot deleted and drops it from the path index.
func (e *Editor) tombstone(slot int) {
	delete(e.index, e.slots[slot].path)
	e.slots[slot].deleted = true
	e.slots[slot].input = nil
	e.slots[slot].source = nil
}

// Commit rewrites the archive with all working-table changes applied and
// finishes the session. Output is staged to a temporary file next to the
// archive and swapped in only after a fully successful write, so any
// failure leaves the original file untouched.
func (e *Editor) Commit(ctx context.Context) (*PackResult, error) {
	if e == nil {
		return nil, ErrNilReader
	}
	if e.closed {
		return nil, ErrClosed
	}

	if ctx == nil {
		ctx = context.Background()
	}

	plan := e.buildCommitPlan()

	var res *PackResult
	stageErr := stageArchiveFile(e.stagePath(), func(tmp *os.File) error {
		var werr error
		res, werr = writeArchive(ctx, tmp, e.src, e.reader.dataStart, plan, e.opts.PackOptions)
		return werr
	})
	if stageErr != nil {
		return nil, stageErr
	}

	// The staged archive is complete; release the source before the swap.
	closeErr := e.closeSession()

	if err := e.swapStaged(); err != nil {
		return nil, err
	}
	if closeErr != nil {
		return nil, closeErr
	}

	logOrDiscard(e.opts.PackOptions.Logger).Info("archive committed",
		"path", e.path,
		"entries", res.WrittenEntries,
		"data_size", res.DataSize,
		"duration", res.Duration)

	return res, nil
}

// Close discards the session without touching the archive. Safe to call
// after Commit.
func (e *Editor) Close() error {
	if e == nil || e.closed {
		return nil
	}

	return e.closeSession()
}

// stagePath returns the fixed staged-output path used by Commit. A stable
// name keeps a crashed commit's leftovers visible next to the archive.
func (e *Editor) stagePath() string {
	return e.path + ".staged"
}

// closeSession releases the source reader and file and marks the session done.
func (e *Editor) closeSession() error {
	e.closed = true
	e.slots = nil
	e.index = nil

	if err := e.reader.Close(); err != nil {
		return fmt.Errorf("close source reader: %w", err)
	}

	if err := e.src.Close(); err != nil {
		return fmt.Errorf("close source archive: %w", err)
	}

	return nil
}

// swapStaged moves the staged archive over the original, rotating backup
// generations first when configured. On swap failure the original is
// restored from the fresh backup.
func (e *Editor) swapStaged() error {
	staged := e.stagePath()

	if e.opts.BackupKeep == 0 {
		if err := os.Rename(staged, e.path); err != nil {
			_ = os.Remove(staged)
			return fmt.Errorf("swap staged archive: %w", err)
		}

		return nil
	}

	backupPath := e.path + ".bak"
	if err := prepareBackupSlot(backupPath, e.opts.BackupKeep); err != nil {
		_ = os.Remove(staged)
		return err
	}

	if err := os.Rename(e.path, backupPath); err != nil {
		_ = os.Remove(staged)
		return fmt.Errorf("move archive to backup: %w", err)
	}

	if err := os.Rename(staged, e.path); err != nil {
		restoreErr := rollbackFromBackup(e.path, backupPath)
		_ = os.Remove(staged)
		if restoreErr != nil {
			return fmt.Errorf("swap staged archive: %w (restore failed: %v)", err, restoreErr)
		}

		return fmt.Errorf("swap staged archive: %w", err)
	}

	return nil
}

// buildCommitPlan resolves the working table into an ordered write plan.
func (e *Editor) buildCommitPlan() []packPlanEntry {
	plan := make([]packPlanEntry, 0, len(e.index))
	for i := range e.slots {
		slot := &e.slots[i]
		if slot.deleted {
			continue
		}

		item := packPlanEntry{path: slot.path}
		if slot.input != nil {
			in := *slot.input
			in.Path = slot.path
			item.input = &in
		} else {
			source := *slot.source
			item.source = &source
		}

		plan = append(plan, item)
	}

	return plan
}

// normalizeEditorInputs canonicalizes input paths into fresh Input copies.
func normalizeEditorInputs(inputs []Input) ([]Input, error) {
	if len(inputs) == 0 {
		return nil, nil
	}

	normalized := make([]Input, 0, len(inputs))
	for i := range inputs {
		canonical, err := normalizeEntryPath(inputs[i].Path)
		if err != nil {
			return nil, err
		}

		item := inputs[i]
		item.Path = canonical
		normalized = append(normalized, item)
	}

	return normalized, nil
}

// normalizeEditorPaths canonicalizes a path list.
func normalizeEditorPaths(paths []string) ([]string, error) {
	if len(paths) == 0 {
		return nil, nil
	}

	out := make([]string, 0, len(paths))
	for _, raw := range paths {
		canonical, err := normalizeEntryPath(raw)
		if err != nil {
			return nil, err
		}

		out = append(out, canonical)
	}

	return out, nil
}

// hasDirPrefix reports whether path lies under the given directory prefix.
func hasDirPrefix(path, prefix string) bool {
	return len(path) > len(prefix)+1 &&
		path[len(prefix)] == '/' &&
		path[:len(prefix)] == prefix
}

// prepareBackupSlot rotates existing backup generations before a new commit.
// keep==1 keeps only `<archive>.bak`; larger values keep `.bak` plus
// numbered older generations up to `.bak.<keep-1>`.
func prepareBackupSlot(backupPath string, keep int) error {
	if keep <= 1 {
		return removeIfExists(backupPath)
	}

	oldest := fmt.Sprintf("%s.%d", backupPath, keep-1)
	if err := removeIfExists(oldest); err != nil {
		return err
	}

	for i := keep - 2; i >= 1; i-- {
		from := fmt.Sprintf("%s.%d", backupPath, i)
		to := fmt.Sprintf("%s.%d", backupPath, i+1)
		if err := renameIfExists(from, to); err != nil {
			return err
		}
	}

	return renameIfExists(backupPath, backupPath+".1")
}

// renameIfExists renames source to destination when source exists.
func renameIfExists(from string, to string) error {
	_, err := os.Stat(from)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat %s: %w", from, err)
	}

	if err := removeIfExists(to); err != nil {
		return err
	}

	if err := os.Rename(from, to); err != nil {
		return fmt.Errorf("rename %s to %s: %w", from, to, err)
	}

	return nil
}

// removeIfExists removes a file when present.
func removeIfExists(path string) error {
	err := os.Remove(path)
	if err == nil || errors.Is(err, os.ErrNotExist) {
		return nil
	}

	return fmt.Errorf("remove %s: %w", path, err)
}

// rollbackFromBackup restores the backup copy over a failed swap target.
func rollbackFromBackup(path string, backupPath string) error {
	_ = os.Remove(path)

	if err := os.Rename(backupPath, path); err != nil {
		return fmt.Errorf("restore backup: %w", err)
	}

	return nil
}
