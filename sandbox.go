// SPDX-License-Identifier: MIT
// Copyright (c) 2026 WoozyMasta
// Source: github.com/woozymasta/dat

package dat

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
)

// Sandbox is a rooted filesystem accessor. Every path it accepts is relative
// to the root directory; traversal outside the root is rejected both
// syntactically (no "..", no absolute paths) and at the OS level through an
// os.Root handle, so even a symlink swapped in after validation cannot
// escape.
//
// The archive engine extracts through a Sandbox, and mod-script file
// operations are exposed as its methods.
type Sandbox struct {
	root *os.Root
	dir  string
	mu   sync.Mutex
	// closed reports whether Close was already called.
	closed bool
}

// NewSandbox opens a sandbox rooted at dir. The directory is created when
// missing. The caller must Close the sandbox to release the root handle.
func NewSandbox(dir string) (*Sandbox, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve sandbox root: %w", err)
	}

	if err := os.MkdirAll(abs, 0o750); err != nil {
		return nil, fmt.Errorf("create sandbox root: %w", err)
	}

	root, err := os.OpenRoot(abs)
	if err != nil {
		return nil, fmt.Errorf("open sandbox root: %w", err)
	}

	return &Sandbox{root: root, dir: abs}, nil
}

// Root returns the absolute host path of the sandbox root directory.
func (s *Sandbox) Root() string {
	if s == nil {
		return ""
	}

	return s.dir
}

// Close releases the sandbox root handle. Safe to call twice.
func (s *Sandbox) Close() error {
	if s == nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true

	return s.root.Close()
}

// guard returns ErrClosed after Close and ErrNilSandbox on a nil receiver.
func (s *Sandbox) guard() error {
	if s == nil {
		return ErrNilSandbox
	}

	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}

	return nil
}

// Resolve validates rel against the sandbox and returns the absolute host
// path it denotes. The target does not have to exist, but an existing
// symlink chain that leaves the root fails with ErrPathOutsideRoot.
// Callers that open files should still do so through the sandbox's own
// Open/Create/OpenFile so the check holds at open time.
func (s *Sandbox) Resolve(rel string) (string, error) {
	if err := s.guard(); err != nil {
		return "", err
	}

	p, err := sandboxRelPath(rel)
	if err != nil {
		return "", err
	}

	if p != "." {
		if _, err := s.root.Lstat(filepath.FromSlash(p)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return "", s.wrapPathError("resolve", rel, err)
		}
	}

	return filepath.Join(s.dir, filepath.FromSlash(p)), nil
}

// sandboxRelPath canonicalizes a sandbox-relative path. Empty and "." denote
// the root itself; everything else must pass entry-path validation, which
// rejects "..", absolute paths, drive prefixes and NUL bytes.
func sandboxRelPath(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	trimmed = strings.ReplaceAll(trimmed, `\`, `/`)
	trimmed = strings.Trim(trimmed, "/")
	if trimmed == "" || trimmed == "." {
		return ".", nil
	}

	return normalizeEntryPath(raw)
}

// wrapPathError maps os.Root escape failures to ErrPathOutsideRoot and wraps
// everything else with the failed operation.
func (s *Sandbox) wrapPathError(op, rel string, err error) error {
	if isRootEscapeError(err) {
		return fmt.Errorf("%w: %s", ErrPathOutsideRoot, rel)
	}

	return fmt.Errorf("%s %s: %w", op, rel, err)
}

// isRootEscapeError reports whether err is os.Root's traversal rejection.
// The stdlib keeps that error unexported, so the message is the contract.
func isRootEscapeError(err error) bool {
	var pe *fs.PathError
	if !errors.As(err, &pe) {
		return false
	}

	return strings.Contains(pe.Err.Error(), "escapes from parent")
}

// mkParents creates the parent directories of a canonical relative path.
func (s *Sandbox) mkParents(p string) error {
	dir := path.Dir(p)
	if dir == "." || dir == "/" {
		return nil
	}

	if err := s.root.MkdirAll(filepath.FromSlash(dir), 0o750); err != nil {
		return s.wrapPathError("create directories", dir, err)
	}

	return nil
}

// Open opens an existing file inside the sandbox for reading.
func (s *Sandbox) Open(rel string) (*os.File, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}

	p, err := sandboxRelPath(rel)
	if err != nil {
		return nil, err
	}

	f, err := s.root.Open(filepath.FromSlash(p))
	if err != nil {
		return nil, s.wrapPathError("open", rel, err)
	}

	return f, nil
}

// Create creates or truncates a file inside the sandbox, creating parent
// directories as needed.
func (s *Sandbox) Create(rel string) (*os.File, error) {
	return s.OpenFile(rel, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
}

// OpenFile opens a file inside the sandbox with explicit flags. Write flags
// get parent directories created first.
func (s *Sandbox) OpenFile(rel string, flag int, perm os.FileMode) (*os.File, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}

	p, err := sandboxRelPath(rel)
	if err != nil {
		return nil, err
	}

	if flag&(os.O_WRONLY|os.O_RDWR|os.O_CREATE) != 0 {
		if err := s.mkParents(p); err != nil {
			return nil, err
		}
	}

	f, err := s.root.OpenFile(filepath.FromSlash(p), flag, perm)
	if err != nil {
		return nil, s.wrapPathError("open", rel, err)
	}

	return f, nil
}

// ReadFile reads the whole named file.
func (s *Sandbox) ReadFile(rel string) ([]byte, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}

	p, err := sandboxRelPath(rel)
	if err != nil {
		return nil, err
	}

	data, err := s.root.ReadFile(filepath.FromSlash(p))
	if err != nil {
		return nil, s.wrapPathError("read", rel, err)
	}

	return data, nil
}

// ReadFileString reads the whole named file as a string.
func (s *Sandbox) ReadFileString(rel string) (string, error) {
	data, err := s.ReadFile(rel)
	if err != nil {
		return "", err
	}

	return string(data), nil
}

// WriteFile writes data to the named file, creating parent directories and
// the file itself as needed and truncating an existing file.
func (s *Sandbox) WriteFile(rel string, data []byte) error {
	if err := s.guard(); err != nil {
		return err
	}

	p, err := sandboxRelPath(rel)
	if err != nil {
		return err
	}

	if err := s.mkParents(p); err != nil {
		return err
	}

	if err := s.root.WriteFile(filepath.FromSlash(p), data, 0o644); err != nil {
		return s.wrapPathError("write", rel, err)
	}

	return nil
}

// WriteFileString writes string content to the named file.
func (s *Sandbox) WriteFileString(rel, content string) error {
	return s.WriteFile(rel, []byte(content))
}

// AppendFile appends data to the named file, creating it (and parents) when
// missing.
func (s *Sandbox) AppendFile(rel string, data []byte) error {
	f, err := s.OpenFile(rel, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}

	_, writeErr := f.Write(data)
	closeErr := f.Close()
	if writeErr != nil {
		return fmt.Errorf("append %s: %w", rel, writeErr)
	}
	if closeErr != nil {
		return fmt.Errorf("close %s: %w", rel, closeErr)
	}

	return nil
}

// AppendFileString appends string content to the named file.
func (s *Sandbox) AppendFileString(rel, content string) error {
	return s.AppendFile(rel, []byte(content))
}

// CopyFile copies one sandbox file to another sandbox path, creating the
// destination's parent directories.
func (s *Sandbox) CopyFile(srcRel, dstRel string) error {
	src, err := s.Open(srcRel)
	if err != nil {
		return err
	}
	defer func() { _ = src.Close() }()

	dst, err := s.Create(dstRel)
	if err != nil {
		return err
	}

	_, copyErr := io.Copy(dst, src)
	closeErr := dst.Close()
	if copyErr != nil {
		return fmt.Errorf("copy %s to %s: %w", srcRel, dstRel, copyErr)
	}
	if closeErr != nil {
		return fmt.Errorf("close %s: %w", dstRel, closeErr)
	}

	return nil
}

// MoveFile renames one sandbox path to another, creating the destination's
// parent directories.
func (s *Sandbox) MoveFile(srcRel, dstRel string) error {
	if err := s.guard(); err != nil {
		return err
	}

	from, err := sandboxRelPath(srcRel)
	if err != nil {
		return err
	}

	to, err := sandboxRelPath(dstRel)
	if err != nil {
		return err
	}

	if err := s.mkParents(to); err != nil {
		return err
	}

	if err := s.root.Rename(filepath.FromSlash(from), filepath.FromSlash(to)); err != nil {
		return s.wrapPathError("move", srcRel, err)
	}

	return nil
}

// RemoveFile deletes the named file. A missing file is not an error.
func (s *Sandbox) RemoveFile(rel string) error {
	if err := s.guard(); err != nil {
		return err
	}

	p, err := sandboxRelPath(rel)
	if err != nil {
		return err
	}

	err = s.root.Remove(filepath.FromSlash(p))
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}

	return s.wrapPathError("remove", rel, err)
}

// Exists reports whether the named path exists inside the sandbox.
func (s *Sandbox) Exists(rel string) bool {
	if err := s.guard(); err != nil {
		return false
	}

	p, err := sandboxRelPath(rel)
	if err != nil {
		return false
	}
	if p == "." {
		return true
	}

	_, err = s.root.Stat(filepath.FromSlash(p))

	return err == nil
}

// IsDir reports whether the named path exists and is a directory.
func (s *Sandbox) IsDir(rel string) bool {
	if err := s.guard(); err != nil {
		return false
	}

	p, err := sandboxRelPath(rel)
	if err != nil {
		return false
	}
	if p == "." {
		return true
	}

	fi, err := s.root.Stat(filepath.FromSlash(p))

	return err == nil && fi.IsDir()
}

// MkdirAll creates the named directory and all missing parents.
func (s *Sandbox) MkdirAll(rel string) error {
	if err := s.guard(); err != nil {
		return err
	}

	p, err := sandboxRelPath(rel)
	if err != nil {
		return err
	}
	if p == "." {
		return nil
	}

	if err := s.root.MkdirAll(filepath.FromSlash(p), 0o750); err != nil {
		return s.wrapPathError("create directories", rel, err)
	}

	return nil
}

// RemoveDir deletes the named directory and everything under it. A missing
// directory is not an error; an existing non-directory is.
func (s *Sandbox) RemoveDir(rel string) error {
	if err := s.guard(); err != nil {
		return err
	}

	p, err := sandboxRelPath(rel)
	if err != nil {
		return err
	}

	fi, err := s.root.Stat(filepath.FromSlash(p))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return s.wrapPathError("stat", rel, err)
	}
	if !fi.IsDir() {
		return fmt.Errorf("%w: %s", ErrNotDirectory, rel)
	}

	if err := s.root.RemoveAll(filepath.FromSlash(p)); err != nil {
		return s.wrapPathError("remove directory", rel, err)
	}

	return nil
}

// ListFiles returns the names of regular files directly inside the named
// directory, as slash-separated paths relative to the sandbox root, sorted
// by name.
func (s *Sandbox) ListFiles(rel string) ([]string, error) {
	return s.listDir(rel, false)
}

// ListDirs returns the names of directories directly inside the named
// directory, relative to the sandbox root, each with a trailing "/".
func (s *Sandbox) ListDirs(rel string) ([]string, error) {
	return s.listDir(rel, true)
}

// listDir performs one depth-1 directory scan.
func (s *Sandbox) listDir(rel string, dirs bool) ([]string, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}

	p, err := sandboxRelPath(rel)
	if err != nil {
		return nil, err
	}

	d, err := s.root.Open(filepath.FromSlash(p))
	if err != nil {
		return nil, s.wrapPathError("open", rel, err)
	}
	defer func() { _ = d.Close() }()

	fi, err := d.Stat()
	if err != nil {
		return nil, s.wrapPathError("stat", rel, err)
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrNotDirectory, rel)
	}

	items, err := d.ReadDir(-1)
	if err != nil {
		return nil, s.wrapPathError("list", rel, err)
	}

	out := make([]string, 0, len(items))
	for _, item := range items {
		if item.IsDir() != dirs {
			continue
		}

		name := item.Name()
		if p != "." {
			name = p + "/" + name
		}
		if dirs {
			name += "/"
		}

		out = append(out, name)
	}

	return out, nil
}

// Rel converts an absolute host path back to a sandbox-relative,
// slash-separated path. Paths outside the root fail with ErrPathOutsideRoot.
func (s *Sandbox) Rel(hostPath string) (string, error) {
	if err := s.guard(); err != nil {
		return "", err
	}

	abs, err := filepath.Abs(hostPath)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", hostPath, err)
	}

	rel, err := filepath.Rel(s.dir, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrPathOutsideRoot, hostPath)
	}

	return filepath.ToSlash(rel), nil
}

// FileInput builds a pack Input whose payload is read from a sandbox file at
// pack time. The size hint is taken from the file when it already exists.
func (s *Sandbox) FileInput(entryPath, rel string) Input {
	in := Input{
		Path: entryPath,
		Open: func() (io.ReadCloser, error) {
			f, err := s.Open(rel)
			if err != nil {
				return nil, err
			}

			return f, nil
		},
	}

	if p, err := sandboxRelPath(rel); err == nil && s.guard() == nil {
		if fi, err := s.root.Stat(filepath.FromSlash(p)); err == nil && fi.Mode().IsRegular() {
			in.SizeHint = fi.Size()
		}
	}

	return in
}
