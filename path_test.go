package dat

import (
	"errors"
	"strings"
	"testing"
)

func TestNormalizeEntryPath(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want string
	}{
		{"a/b.txt", "a/b.txt"},
		{`a\b.txt`, "a/b.txt"},
		{"./a/./b.txt", "a/b.txt"},
		{"a//b.txt", "a/b.txt"},
		{"  a/b.txt  ", "a/b.txt"},
		{"a/b/", "a/b"},
	}

	for _, tc := range cases {
		got, err := normalizeEntryPath(tc.in)
		if err != nil {
			t.Fatalf("normalizeEntryPath(%q): %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("normalizeEntryPath(%q)=%q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestNormalizeEntryPath_Rejects(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want error
	}{
		{"../secret", ErrInvalidEntryPath},
		{"a/../b.txt", ErrInvalidEntryPath},
		{"/etc/passwd", ErrInvalidEntryPath},
		{`\windows\system32`, ErrInvalidEntryPath},
		{"C:/boot.ini", ErrInvalidEntryPath},
		{"a/b\x00c", ErrInvalidEntryPath},
		{"", ErrInvalidEntryPath},
		{".", ErrInvalidEntryPath},
		{"//", ErrInvalidEntryPath},
		{strings.Repeat("x", maxNameLen+1), ErrFileNameTooLong},
	}

	for _, tc := range cases {
		if _, err := normalizeEntryPath(tc.in); !errors.Is(err, tc.want) {
			t.Fatalf("normalizeEntryPath(%q) err=%v, want %v", tc.in, err, tc.want)
		}
	}
}

func TestValidateArchiveEntryPath(t *testing.T) {
	t.Parallel()

	valid := []string{"a.txt", "a/b.txt", "a/b/c/d.bin", "UPPER/Case.TXT"}
	for _, p := range valid {
		if err := validateArchiveEntryPath(p); err != nil {
			t.Fatalf("validateArchiveEntryPath(%q): %v", p, err)
		}
	}

	// Parsed index paths must already be canonical: no rewriting, hard errors.
	invalid := []string{"", "/abs", "a//b", "a/./b", "a/../b", `a\b`, "x:" + "/y", "a\x00b"}
	for _, p := range invalid {
		if err := validateArchiveEntryPath(p); !errors.Is(err, ErrInvalidEntryPath) {
			t.Fatalf("validateArchiveEntryPath(%q) err=%v, want ErrInvalidEntryPath", p, err)
		}
	}
}

func TestPathTable_InsertOrderAndLookup(t *testing.T) {
	t.Parallel()

	table := newPathTable(4)
	paths := []string{"c.txt", "a/b.txt", "a/a.txt"}
	for i, p := range paths {
		slot, err := table.insert(p)
		if err != nil {
			t.Fatalf("insert(%q): %v", p, err)
		}
		if slot != i {
			t.Fatalf("insert(%q) slot=%d, want %d", p, slot, i)
		}
	}

	got := table.all()
	if len(got) != len(paths) {
		t.Fatalf("all() len=%d, want %d", len(got), len(paths))
	}
	for i := range paths {
		if got[i] != paths[i] {
			t.Fatalf("all()[%d]=%q, want %q (insertion order must hold)", i, got[i], paths[i])
		}
		if table.at(i) != paths[i] {
			t.Fatalf("at(%d)=%q, want %q", i, table.at(i), paths[i])
		}
	}

	slot, ok := table.lookup("a/b.txt")
	if !ok || slot != 1 {
		t.Fatalf("lookup(a/b.txt)=(%d,%v), want (1,true)", slot, ok)
	}

	// Lookups are exact and case-sensitive.
	if _, ok := table.lookup("A/B.TXT"); ok {
		t.Fatal("lookup must be case-sensitive")
	}
	if _, ok := table.lookup("missing"); ok {
		t.Fatal("lookup(missing) must miss")
	}
}

func TestPathTable_RejectsDuplicatesAndInvalid(t *testing.T) {
	t.Parallel()

	table := newPathTable(2)
	if _, err := table.insert("x"); err != nil {
		t.Fatalf("insert(x): %v", err)
	}

	if _, err := table.insert("x"); !errors.Is(err, ErrDuplicateEntryPath) {
		t.Fatalf("duplicate insert err=%v, want ErrDuplicateEntryPath", err)
	}

	if _, err := table.insert("../secret"); !errors.Is(err, ErrInvalidEntryPath) {
		t.Fatalf("traversal insert err=%v, want ErrInvalidEntryPath", err)
	}

	if _, err := table.insert("/etc/passwd"); !errors.Is(err, ErrInvalidEntryPath) {
		t.Fatalf("absolute insert err=%v, want ErrInvalidEntryPath", err)
	}

	if table.len() != 1 {
		t.Fatalf("len=%d after rejected inserts, want 1", table.len())
	}
}

func TestNormalizePath_Lenient(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want string
	}{
		{`data\scripts\main.lua`, "data/scripts/main.lua"},
		{"/data/a.xml", "data/a.xml"},
		{"./data/a.xml", "data/a.xml"},
		{"", ""},
		{".", ""},
	}

	for _, tc := range cases {
		if got := NormalizePath(tc.in); got != tc.want {
			t.Fatalf("NormalizePath(%q)=%q, want %q", tc.in, got, tc.want)
		}
	}
}
