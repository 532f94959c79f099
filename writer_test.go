package dat

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"testing"
)

// createTestArchive packs files (sorted by path for determinism) into a DAT
// archive at path.
func createTestArchive(path string, files map[string][]byte, opts PackOptions) error {
	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	inputs := make([]Input, 0, len(paths))
	for _, p := range paths {
		inputs = append(inputs, BytesInput(p, files[p]))
	}

	_, err := PackFile(context.Background(), path, inputs, opts)

	return err
}

// findEntry returns the entry with the given path or nil.
func findEntry(entries []EntryInfo, path string) *EntryInfo {
	for i := range entries {
		if entries[i].Path == path {
			return &entries[i]
		}
	}

	return nil
}

func TestBuildArchive_RoundTrip(t *testing.T) {
	t.Parallel()

	inputs := []Input{
		BytesInput("a/b.txt", []byte("hello")),
		BytesInput("c.txt", []byte("world")),
		BytesInput("empty.bin", nil),
	}

	data, err := BuildArchive(context.Background(), inputs, PackOptions{})
	if err != nil {
		t.Fatalf("BuildArchive: %v", err)
	}

	r, err := NewReaderFromBytes(data)
	if err != nil {
		t.Fatalf("NewReaderFromBytes: %v", err)
	}

	for _, in := range inputs {
		got, err := r.ReadEntry(in.Path)
		if err != nil {
			t.Fatalf("ReadEntry(%s): %v", in.Path, err)
		}

		rc, _ := in.Open()
		want, _ := io.ReadAll(rc)
		_ = rc.Close()

		if !bytes.Equal(got, want) {
			t.Fatalf("ReadEntry(%s)=%q, want %q", in.Path, got, want)
		}
	}
}

func TestBuildArchive_PreservesInputOrder(t *testing.T) {
	t.Parallel()

	inputs := []Input{
		BytesInput("z.txt", []byte("3")),
		BytesInput("a.txt", []byte("1")),
		BytesInput("m/n.txt", []byte("2")),
	}

	data, err := BuildArchive(context.Background(), inputs, PackOptions{})
	if err != nil {
		t.Fatalf("BuildArchive: %v", err)
	}

	r, err := NewReaderFromBytes(data)
	if err != nil {
		t.Fatalf("NewReaderFromBytes: %v", err)
	}

	want := []string{"z.txt", "a.txt", "m/n.txt"}
	got := r.List()
	if len(got) != len(want) {
		t.Fatalf("List len=%d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("List[%d]=%q, want %q (input order must hold)", i, got[i], want[i])
		}
	}
}

func TestBuildArchive_Deterministic(t *testing.T) {
	t.Parallel()

	inputs := []Input{
		BytesInput("data/a.xml", bytes.Repeat([]byte("<xml/>"), 512)),
		BytesInput("img/b.png", []byte{0x89, 0x50, 0x4e, 0x47}),
	}
	opts := PackOptions{
		Compress:        includeRules("*.xml"),
		MinCompressSize: 1,
	}

	first, err := BuildArchive(context.Background(), inputs, opts)
	if err != nil {
		t.Fatalf("BuildArchive: %v", err)
	}

	second, err := BuildArchive(context.Background(), inputs, opts)
	if err != nil {
		t.Fatalf("BuildArchive: %v", err)
	}

	if !bytes.Equal(first, second) {
		t.Fatal("identical inputs and options must produce byte-identical archives")
	}
}

func TestBuildArchive_DuplicatePath(t *testing.T) {
	t.Parallel()

	inputs := []Input{
		BytesInput("x", []byte("b1")),
		BytesInput("x", []byte("b2")),
	}

	if _, err := BuildArchive(context.Background(), inputs, PackOptions{}); !errors.Is(err, ErrDuplicateEntryPath) {
		t.Fatalf("err=%v, want ErrDuplicateEntryPath", err)
	}

	// Platform-flavored variants of one path are duplicates as well.
	inputs = []Input{
		BytesInput("a/b.txt", []byte("b1")),
		BytesInput(`a\b.txt`, []byte("b2")),
	}

	if _, err := BuildArchive(context.Background(), inputs, PackOptions{}); !errors.Is(err, ErrDuplicateEntryPath) {
		t.Fatalf("normalized duplicate err=%v, want ErrDuplicateEntryPath", err)
	}
}

func TestBuildArchive_InvalidPath(t *testing.T) {
	t.Parallel()

	for _, path := range []string{"../secret", "/etc/passwd"} {
		inputs := []Input{BytesInput(path, []byte("x"))}
		if _, err := BuildArchive(context.Background(), inputs, PackOptions{}); !errors.Is(err, ErrInvalidEntryPath) {
			t.Fatalf("path %q err=%v, want ErrInvalidEntryPath", path, err)
		}
	}
}

func TestBuildArchive_Empty(t *testing.T) {
	t.Parallel()

	data, err := BuildArchive(context.Background(), nil, PackOptions{})
	if err != nil {
		t.Fatalf("BuildArchive(nil): %v", err)
	}
	if len(data) != headerSize {
		t.Fatalf("empty archive is %d bytes, want header-only %d", len(data), headerSize)
	}

	r, err := NewReaderFromBytes(data)
	if err != nil {
		t.Fatalf("NewReaderFromBytes: %v", err)
	}
	if r.Len() != 0 {
		t.Fatalf("Len=%d, want 0", r.Len())
	}
}

func TestBuildArchive_SequentialOffsets(t *testing.T) {
	t.Parallel()

	inputs := []Input{
		BytesInput("a", []byte("12345")),
		BytesInput("b", []byte("678")),
		BytesInput("c", []byte("90")),
	}

	data, err := BuildArchive(context.Background(), inputs, PackOptions{})
	if err != nil {
		t.Fatalf("BuildArchive: %v", err)
	}

	r, err := NewReaderFromBytes(data)
	if err != nil {
		t.Fatalf("NewReaderFromBytes: %v", err)
	}

	var next uint32
	for _, e := range r.Entries() {
		if e.Offset != next {
			t.Fatalf("entry %s offset=%d, want %d (offsets must be sequential)", e.Path, e.Offset, next)
		}

		next += e.DataSize
	}
}

func TestPack_CompressionPolicy(t *testing.T) {
	t.Parallel()

	compressible := bytes.Repeat([]byte("pattern "), 1024)
	inputs := []Input{
		BytesInput("data/big.xml", compressible),
		BytesInput("data/tiny.xml", []byte("<x/>")),
		BytesInput("img/photo.bin", compressible),
	}

	var buf memFile
	res, err := Pack(context.Background(), &buf, inputs, PackOptions{
		Compress:        includeRules("*.xml"),
		MinCompressSize: 16,
	})
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}
	if res.CompressedEntries != 1 {
		t.Fatalf("CompressedEntries=%d, want 1", res.CompressedEntries)
	}

	r, err := NewReaderFromBytes(buf.buf)
	if err != nil {
		t.Fatalf("NewReaderFromBytes: %v", err)
	}

	entries := r.Entries()
	if e := findEntry(entries, "data/big.xml"); e == nil || !e.IsCompressed() {
		t.Fatal("data/big.xml must be stored compressed")
	}
	if e := findEntry(entries, "data/tiny.xml"); e == nil || e.IsCompressed() {
		t.Fatal("data/tiny.xml is under the size window, must stay raw")
	}
	if e := findEntry(entries, "img/photo.bin"); e == nil || e.IsCompressed() {
		t.Fatal("img/photo.bin matches no rule, must stay raw")
	}

	got, err := r.ReadEntry("data/big.xml")
	if err != nil || !bytes.Equal(got, compressible) {
		t.Fatalf("compressed entry round-trip failed: %v", err)
	}
}

func TestPack_ProgressCallback(t *testing.T) {
	t.Parallel()

	inputs := []Input{
		BytesInput("a.txt", []byte("one")),
		BytesInput("b.txt", []byte("two")),
	}

	var seen []string
	var buf memFile
	_, err := Pack(context.Background(), &buf, inputs, PackOptions{
		OnEntryDone: func(entry PackEntryProgress) {
			seen = append(seen, entry.Path)
		},
	})
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}

	if len(seen) != 2 || seen[0] != "a.txt" || seen[1] != "b.txt" {
		t.Fatalf("OnEntryDone order=%v, want [a.txt b.txt]", seen)
	}
}

func TestPackFile_FailureLeavesNoOutput(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	outPath := filepath.Join(dir, "broken.dat")

	inputs := []Input{
		BytesInput("good.txt", []byte("fine")),
		{
			Path: "bad.txt",
			Open: func() (io.ReadCloser, error) {
				return nil, fmt.Errorf("source unavailable")
			},
		},
	}

	if _, err := PackFile(context.Background(), outPath, inputs, PackOptions{}); err == nil {
		t.Fatal("PackFile must fail when an input cannot be opened")
	}

	if _, err := os.Stat(outPath); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("failed pack must not leave output, stat err=%v", err)
	}

	leftovers, err := filepath.Glob(filepath.Join(dir, "*.tmp-*"))
	if err != nil {
		t.Fatal(err)
	}
	if len(leftovers) != 0 {
		t.Fatalf("staged files must be removed on failure, found %v", leftovers)
	}
}

func TestPackFile_ReplacesExisting(t *testing.T) {
	t.Parallel()

	outPath := filepath.Join(t.TempDir(), "out.dat")
	if err := createTestArchive(outPath, map[string][]byte{"old.txt": []byte("old")}, PackOptions{}); err != nil {
		t.Fatalf("createTestArchive: %v", err)
	}

	if err := createTestArchive(outPath, map[string][]byte{"new.txt": []byte("new")}, PackOptions{}); err != nil {
		t.Fatalf("repack: %v", err)
	}

	r, err := Open(outPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() { _ = r.Close() }()

	if r.Exists("old.txt") || !r.Exists("new.txt") {
		t.Fatalf("List=%v, want only new.txt", r.List())
	}
}

func TestPack_ContextCancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var buf memFile
	_, err := Pack(ctx, &buf, []Input{BytesInput("a.txt", []byte("x"))}, PackOptions{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v, want context.Canceled", err)
	}
}
