// SPDX-License-Identifier: MIT
// Copyright (c) 2026 WoozyMasta
// Source: github.com/woozymasta/dat

package dat

import (
	"fmt"
	"io"
)

// VerifyResult contains whole-archive verification counters.
type VerifyResult struct {
	// Entries is the number of entries decoded.
	Entries int `json:"entries" yaml:"entries"`
	// StoredBytes is total stored payload bytes covered.
	StoredBytes int64 `json:"stored_bytes" yaml:"stored_bytes"`
	// OriginalBytes is total decoded payload bytes produced.
	OriginalBytes int64 `json:"original_bytes" yaml:"original_bytes"`
}

// VerifyFile opens a DAT archive and fully decodes every entry, checking
// each declared length against the bytes actually produced. The archive is
// never modified; the first corrupt entry fails verification.
func VerifyFile(path string) (*VerifyResult, error) {
	r, err := Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = r.Close() }()

	return VerifyReader(r)
}

// VerifyReader fully decodes every entry of an open reader and checks the
// declared lengths. Structural index errors are already rejected at open,
// so this covers payload-level corruption the index cannot express.
func VerifyReader(r *Reader) (*VerifyResult, error) {
	if r == nil || r.ra == nil {
		return nil, ErrNilReader
	}

	res := &VerifyResult{}
	for _, entry := range r.Entries() {
		rc, err := r.OpenEntryInfo(entry)
		if err != nil {
			return nil, fmt.Errorf("verify %s: %w", entry.Path, err)
		}

		decoded, copyErr := io.Copy(io.Discard, rc)
		closeErr := rc.Close()
		if copyErr != nil {
			return nil, fmt.Errorf("verify %s: %w", entry.Path, copyErr)
		}
		if closeErr != nil {
			return nil, fmt.Errorf("verify %s: %w", entry.Path, closeErr)
		}

		if decoded != int64(entry.OriginalSize) {
			return nil, fmt.Errorf("%w: entry %s decoded %d bytes, index declares %d",
				ErrCorruptEntry, entry.Path, decoded, entry.OriginalSize)
		}

		res.Entries++
		res.StoredBytes += int64(entry.DataSize)
		res.OriginalBytes += decoded
	}

	return res, nil
}
