// SPDX-License-Identifier: MIT
// Copyright (c) 2026 WoozyMasta
// Source: github.com/woozymasta/dat

package dat

import "errors"

// Sentinel errors for DAT operations. Use errors.Is in callers.
var (
	// ErrBadMagic means the file does not start with the DAT magic bytes.
	ErrBadMagic = errors.New("not a DAT archive: bad magic")
	// ErrUnsupportedVersion means the archive declares a format version this package does not handle.
	ErrUnsupportedVersion = errors.New("unsupported DAT format version")
	// ErrTruncated means declared index or payload ranges extend past the end of the file.
	ErrTruncated = errors.New("truncated DAT archive")
	// ErrMalformed means the index cannot be parsed into a consistent entry table.
	ErrMalformed = errors.New("malformed DAT index")
	// ErrCorruptEntry means decoding a stored entry did not reproduce the declared uncompressed length.
	ErrCorruptEntry = errors.New("corrupt entry payload")
	// ErrEntryNotFound means the entry is not found.
	ErrEntryNotFound = errors.New("entry not found")
	// ErrInvalidEntryPath means an entry path is empty or invalid after normalization.
	ErrInvalidEntryPath = errors.New("invalid entry path")
	// ErrDuplicateEntryPath means two entries resolve to the same virtual path.
	ErrDuplicateEntryPath = errors.New("duplicate entry path")
	// ErrFileNameTooLong means the entry path exceeds the maximum length.
	ErrFileNameTooLong = errors.New("entry path exceeds maximum length")
	// ErrSizeOverflow means the size exceeds the uint32 or 4 GiB archive limit.
	ErrSizeOverflow = errors.New("size exceeds uint32 or 4 GiB archive limit")
	// ErrNilReader means the reader is nil.
	ErrNilReader = errors.New("reader is nil")
	// ErrNilWriter means the writer is nil.
	ErrNilWriter = errors.New("writer is nil")
	// ErrNilSandbox means the sandbox is nil.
	ErrNilSandbox = errors.New("sandbox is nil")
	// ErrClosed means the reader, editor or sandbox is already closed.
	ErrClosed = errors.New("resource already closed")
	// ErrInvalidCompressPattern means one or more compression rules are invalid.
	ErrInvalidCompressPattern = errors.New("invalid compress rules")
	// ErrInvalidExtractPath means an archive entry path is invalid as an extraction destination.
	ErrInvalidExtractPath = errors.New("invalid extract path")
	// ErrPathOutsideRoot means a resolved host path escapes the sandbox root.
	ErrPathOutsideRoot = errors.New("path escapes sandbox root")
	// ErrNotDirectory means the sandbox path exists but is not a directory.
	ErrNotDirectory = errors.New("not a directory")
	// ErrTooManyEntries means the index declares more entries than the configured limit.
	ErrTooManyEntries = errors.New("entry count exceeds configured limit")
)
