package dat

import (
	"strings"
	"testing"
)

func TestSanitizePath(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want string
	}{
		{"data/a.txt", "data/a.txt"},
		{`data\a.txt`, "data/a.txt"},
		{"data/bad:name?.txt", "data/bad_name_.txt"},
		{"data/trailing. ", "data/trailing"},
		{"con.txt", "_con.txt"},
		{"dir/LPT1", "dir/_LPT1"},
		{"dir/aux.cfg.bak", "dir/_aux.cfg.bak"},
		{"tab\there.txt", "tab_here.txt"},
		{"", ""},
	}

	for _, tc := range cases {
		got, err := SanitizePath(tc.in)
		if err != nil {
			t.Fatalf("SanitizePath(%q): %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("SanitizePath(%q)=%q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestSanitizeEntryInfoPaths_Collisions(t *testing.T) {
	t.Parallel()

	entries := []EntryInfo{
		{Path: "dir/name?.txt"},
		{Path: "dir/name*.txt"},
		{Path: "dir/NAME_.txt"},
	}

	out, err := sanitizeEntryInfoPaths(entries)
	if err != nil {
		t.Fatalf("sanitizeEntryInfoPaths: %v", err)
	}

	seen := make(map[string]struct{}, len(out))
	for i, e := range out {
		key := strings.ToLower(e.Path)
		if _, dup := seen[key]; dup {
			t.Fatalf("entry %d collides after sanitize: %q", i, e.Path)
		}
		seen[key] = struct{}{}
	}

	if out[0].Path != "dir/name_.txt" {
		t.Fatalf("first sanitized path=%q, want dir/name_.txt", out[0].Path)
	}
	if !strings.HasPrefix(out[1].Path, "dir/name_~") {
		t.Fatalf("second sanitized path=%q, want deterministic ~N suffix", out[1].Path)
	}
}

func TestSanitizePathSegment_LongNames(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("x", maxSanitizedSegmentLen+100)
	got, err := sanitizePathSegment(long)
	if err != nil {
		t.Fatalf("sanitizePathSegment: %v", err)
	}
	if len(got) > maxSanitizedSegmentLen {
		t.Fatalf("sanitized segment is %d bytes, cap is %d", len(got), maxSanitizedSegmentLen)
	}

	again, err := sanitizePathSegment(long)
	if err != nil || got != again {
		t.Fatal("long-name shortening must be deterministic")
	}
}
