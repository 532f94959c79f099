// SPDX-License-Identifier: MIT
// Copyright (c) 2026 WoozyMasta
// Source: github.com/woozymasta/dat

/*
Package dat provides read, extract, pack, verify, and edit operations for
DAT archives, plus a rooted Sandbox for safe filesystem access by embedding
hosts. It is designed for streaming workflows: packing accepts
caller-provided streams (Input.Open), and reading/extracting works without
loading the full archive payload into memory.

Compression rules (summary):
  - path decision must include the entry via PackOptions.Compress rules;
  - final entry size must be within [MinCompressSize, MaxCompressSize];
  - known-size inputs use the in-memory compression path (bounded by MaxCompressSize);
  - unknown-size inputs are streamed raw;
  - compression is written only when the result is smaller than the source.

# Reading

Open a DAT archive and list or read entries:

	r, err := dat.Open("resource.dat")
	if err != nil {
	    return err
	}
	defer r.Close()
	for _, e := range r.Entries() {
	    data, _ := r.ReadEntry(e.Path)
	    // use data
	}

For metadata-only scans, use fast helpers without keeping a reader open:

	entries, err := dat.ListEntries("resource.dat")
	if err != nil {
	    return err
	}
	count, err := dat.EntryCount("resource.dat")
	if err != nil {
	    return err
	}
	_, _ = entries, count

Archives held fully in memory parse the same way:

	r, err := dat.NewReaderFromBytes(buf)

# Extracting

Extraction goes through a Sandbox, a rooted accessor that rejects any
destination escaping its root directory:

	box, err := dat.NewSandbox("out")
	if err != nil {
	    return err
	}
	defer box.Close()
	if err := r.Extract(ctx, box, dat.ExtractOptions{MaxWorkers: 4}); err != nil {
	    return err
	}

The Sandbox also carries the file operations exposed to mod scripts:
ReadFile, WriteFile, AppendFile, CopyFile, MoveFile, RemoveFile, MkdirAll,
ListFiles, ListDirs and friends. Writes create parent directories; removing
a missing file is not an error.

# Packing

Pack from stream-oriented inputs (index order follows input order):
examples below use github.com/woozymasta/pathrules for compression filters:

	inputs := []dat.Input{
	    dat.StringInput("data/blueprints.xml", xml),
	    box.FileInput("img/ship.png", "assets/ship.png"),
	}
	res, err := dat.PackFile(ctx, "resource.dat", inputs, dat.PackOptions{
	    // Empty rule set means no compression.
	    Compress: []pathrules.Rule{
	        {Action: pathrules.ActionInclude, Pattern: "*.xml"},
	        {Action: pathrules.ActionInclude, Pattern: "data/**"},
	    },
	    CompressMatcherOptions: pathrules.MatcherOptions{
	        CaseInsensitive: true,
	        DefaultAction:   pathrules.ActionExclude,
	    },
	})
	_ = res

Output is always staged: PackFile writes to a temporary file and renames it
over the destination only after a fully successful write. For embedding
hosts that deal in plain buffers, BuildArchive returns the archive bytes:

	buf, err := dat.BuildArchive(ctx, inputs, dat.PackOptions{})

# Editing

Edit an existing archive in one transaction. Entries that keep their path
keep their original relative order and their exact stored bytes; a commit
with zero changes writes a byte-identical archive:

	editor, err := dat.OpenEditor("resource.dat", dat.EditOptions{BackupKeep: 1})
	if err != nil {
	    return err
	}
	if err := editor.Put(dat.StringInput("data/events.xml", patched)); err != nil {
	    return err
	}
	if err := editor.Remove("data/old.xml"); err != nil {
	    return err
	}
	if _, err := editor.Commit(ctx); err != nil {
	    return err
	}

# Verification

Decode every entry and check the declared lengths without touching the file:

	if _, err := dat.VerifyFile("resource.dat"); err != nil {
	    return err
	}
*/
package dat
