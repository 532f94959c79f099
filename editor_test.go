package dat

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestEditorCommit_NoOpsIsByteIdentical(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "archive.dat")
	err := createTestArchive(path, map[string][]byte{
		"a/b.txt":      []byte("hello"),
		"c.txt":        []byte("world"),
		"data/big.xml": bytes.Repeat([]byte("<x/>"), 2048),
	}, PackOptions{
		Compress:        includeRules("*.xml"),
		MinCompressSize: 1,
	})
	if err != nil {
		t.Fatalf("createTestArchive: %v", err)
	}

	before, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}

	editor, err := OpenEditor(path, EditOptions{})
	if err != nil {
		t.Fatalf("OpenEditor: %v", err)
	}

	if _, err := editor.Commit(context.Background()); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	after, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(before, after) {
		t.Fatal("zero-op commit must produce a byte-identical archive")
	}
}

func TestEditorCommit_EditScenario(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "archive.dat")
	inputs := []Input{
		BytesInput("a/b.txt", []byte("hello")),
		BytesInput("c.txt", []byte("world")),
	}
	if _, err := PackFile(context.Background(), path, inputs, PackOptions{}); err != nil {
		t.Fatalf("PackFile: %v", err)
	}

	beforeEntries, err := ListEntries(path)
	if err != nil {
		t.Fatal(err)
	}
	untouchedBefore := *findEntry(beforeEntries, "a/b.txt")

	editor, err := OpenEditor(path, EditOptions{})
	if err != nil {
		t.Fatalf("OpenEditor: %v", err)
	}

	if err := editor.Remove("c.txt"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := editor.Put(BytesInput("d.txt", []byte("new"))); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, err := editor.Commit(context.Background()); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	r, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() { _ = r.Close() }()

	got := r.List()
	want := []string{"a/b.txt", "d.txt"}
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("List=%v, want %v", got, want)
	}

	data, err := r.ReadEntry("a/b.txt")
	if err != nil || string(data) != "hello" {
		t.Fatalf("ReadEntry(a/b.txt)=%q err=%v", data, err)
	}

	// The untouched entry must keep its exact stored bytes and metadata.
	untouchedAfter, ok := r.Entry("a/b.txt")
	if !ok {
		t.Fatal("a/b.txt missing after edit")
	}
	if untouchedAfter.Offset != untouchedBefore.Offset ||
		untouchedAfter.DataSize != untouchedBefore.DataSize ||
		untouchedAfter.OriginalSize != untouchedBefore.OriginalSize ||
		untouchedAfter.Encoding != untouchedBefore.Encoding {
		t.Fatalf("untouched entry changed: before=%+v after=%+v", untouchedBefore, untouchedAfter)
	}
}

func TestEditor_AddVsPut(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "archive.dat")
	if err := createTestArchive(path, map[string][]byte{"a.txt": []byte("old")}, PackOptions{}); err != nil {
		t.Fatalf("createTestArchive: %v", err)
	}

	editor, err := OpenEditor(path, EditOptions{})
	if err != nil {
		t.Fatalf("OpenEditor: %v", err)
	}
	defer func() { _ = editor.Close() }()

	if err := editor.Add(BytesInput("a.txt", []byte("clash"))); !errors.Is(err, ErrDuplicateEntryPath) {
		t.Fatalf("Add over existing err=%v, want ErrDuplicateEntryPath", err)
	}

	if err := editor.Add(BytesInput("b.txt", []byte("fresh"))); err != nil {
		t.Fatalf("Add: %v", err)
	}

	// A failed Add batch must leave the table untouched.
	err = editor.Add(
		BytesInput("c.txt", []byte("one")),
		BytesInput("b.txt", []byte("clash")),
	)
	if !errors.Is(err, ErrDuplicateEntryPath) {
		t.Fatalf("batched Add err=%v, want ErrDuplicateEntryPath", err)
	}
	if editor.Exists("c.txt") {
		t.Fatal("failed Add batch must not stage any entry")
	}

	if err := editor.Put(BytesInput("a.txt", []byte("replaced"))); err != nil {
		t.Fatalf("Put: %v", err)
	}

	if _, err := editor.Commit(context.Background()); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	r, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() { _ = r.Close() }()

	data, err := r.ReadEntry("a.txt")
	if err != nil || string(data) != "replaced" {
		t.Fatalf("ReadEntry(a.txt)=%q err=%v", data, err)
	}

	// Replaced payloads keep their position; added paths append.
	got := r.List()
	want := []string{"a.txt", "b.txt"}
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("List=%v, want %v", got, want)
	}
}

func TestEditor_Rename(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "archive.dat")
	inputs := []Input{
		BytesInput("a.txt", []byte("A")),
		BytesInput("b.txt", []byte("B")),
		BytesInput("c.txt", []byte("C")),
	}
	if _, err := PackFile(context.Background(), path, inputs, PackOptions{}); err != nil {
		t.Fatalf("PackFile: %v", err)
	}

	editor, err := OpenEditor(path, EditOptions{})
	if err != nil {
		t.Fatalf("OpenEditor: %v", err)
	}

	if err := editor.Rename("missing.txt", "x.txt"); !errors.Is(err, ErrEntryNotFound) {
		t.Fatalf("Rename(missing) err=%v, want ErrEntryNotFound", err)
	}

	if err := editor.Rename("a.txt", "b.txt"); !errors.Is(err, ErrDuplicateEntryPath) {
		t.Fatalf("Rename onto existing err=%v, want ErrDuplicateEntryPath", err)
	}

	// Renaming a path onto itself is a no-op.
	if err := editor.Rename("a.txt", "a.txt"); err != nil {
		t.Fatalf("self Rename: %v", err)
	}

	if err := editor.Rename("a.txt", "renamed/a.txt"); err != nil {
		t.Fatalf("Rename: %v", err)
	}

	if _, err := editor.Commit(context.Background()); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	r, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() { _ = r.Close() }()

	// Renamed entries append after the surviving originals.
	got := r.List()
	want := []string{"b.txt", "c.txt", "renamed/a.txt"}
	if len(got) != 3 || got[0] != want[0] || got[1] != want[1] || got[2] != want[2] {
		t.Fatalf("List=%v, want %v", got, want)
	}

	data, err := r.ReadEntry("renamed/a.txt")
	if err != nil || string(data) != "A" {
		t.Fatalf("ReadEntry(renamed/a.txt)=%q err=%v", data, err)
	}
}

func TestEditor_RemoveDirAndClear(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "archive.dat")
	err := createTestArchive(path, map[string][]byte{
		"dir/a.txt":     []byte("a"),
		"dir/sub/b.txt": []byte("b"),
		"dirother.txt":  []byte("c"),
		"top.txt":       []byte("d"),
	}, PackOptions{})
	if err != nil {
		t.Fatalf("createTestArchive: %v", err)
	}

	editor, err := OpenEditor(path, EditOptions{})
	if err != nil {
		t.Fatalf("OpenEditor: %v", err)
	}

	if err := editor.RemoveDir("dir"); err != nil {
		t.Fatalf("RemoveDir: %v", err)
	}

	paths := editor.Paths()
	if len(paths) != 2 || editor.Exists("dir/a.txt") || editor.Exists("dir/sub/b.txt") {
		t.Fatalf("Paths=%v after RemoveDir, want [dirother.txt top.txt]", paths)
	}
	if !editor.Exists("dirother.txt") {
		t.Fatal("RemoveDir must respect the directory boundary")
	}

	if err := editor.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if editor.Len() != 0 {
		t.Fatalf("Len=%d after Clear, want 0", editor.Len())
	}

	if _, err := editor.Commit(context.Background()); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	count, err := EntryCount(path)
	if err != nil || count != 0 {
		t.Fatalf("EntryCount=%d err=%v, want 0", count, err)
	}
}

func TestEditor_CloseDiscards(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "archive.dat")
	if err := createTestArchive(path, map[string][]byte{"keep.txt": []byte("keep")}, PackOptions{}); err != nil {
		t.Fatalf("createTestArchive: %v", err)
	}

	before, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}

	editor, err := OpenEditor(path, EditOptions{})
	if err != nil {
		t.Fatalf("OpenEditor: %v", err)
	}

	if err := editor.Put(BytesInput("discard.txt", []byte("gone"))); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := editor.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if _, err := editor.Commit(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("Commit after Close err=%v, want ErrClosed", err)
	}

	after, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(before, after) {
		t.Fatal("discarded session must leave the archive untouched")
	}
}

func TestEditor_BackupRotation(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "archive.dat")
	if err := createTestArchive(path, map[string][]byte{"v.txt": []byte("v1")}, PackOptions{}); err != nil {
		t.Fatalf("createTestArchive: %v", err)
	}

	commit := func(content string) {
		t.Helper()
		editor, err := OpenEditor(path, EditOptions{BackupKeep: 2})
		if err != nil {
			t.Fatalf("OpenEditor: %v", err)
		}
		if err := editor.Put(BytesInput("v.txt", []byte(content))); err != nil {
			t.Fatalf("Put: %v", err)
		}
		if _, err := editor.Commit(context.Background()); err != nil {
			t.Fatalf("Commit: %v", err)
		}
	}

	commit("v2")
	commit("v3")

	r, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() { _ = r.Close() }()

	data, err := r.ReadEntry("v.txt")
	if err != nil || string(data) != "v3" {
		t.Fatalf("ReadEntry=%q err=%v, want v3", data, err)
	}

	// .bak holds v2, .bak.1 holds the original v1 archive.
	bak, err := Open(path + ".bak")
	if err != nil {
		t.Fatalf("Open .bak: %v", err)
	}
	defer func() { _ = bak.Close() }()
	if data, err := bak.ReadEntry("v.txt"); err != nil || string(data) != "v2" {
		t.Fatalf(".bak ReadEntry=%q err=%v, want v2", data, err)
	}

	bak1, err := Open(path + ".bak.1")
	if err != nil {
		t.Fatalf("Open .bak.1: %v", err)
	}
	defer func() { _ = bak1.Close() }()
	if data, err := bak1.ReadEntry("v.txt"); err != nil || string(data) != "v1" {
		t.Fatalf(".bak.1 ReadEntry=%q err=%v, want v1", data, err)
	}
}
