package safepath

import (
	"path/filepath"
	"testing"
)

func TestIsPathSafeContainment(t *testing.T) {
	base := t.TempDir()

	cases := []struct {
		target string
		want   bool
	}{
		{base, true},
		{filepath.Join(base, "a"), true},
		{filepath.Join(base, "a", "b", "c.log"), true},
		{filepath.Join(base, ".."), false},
		{filepath.Join(base, "..", "other"), false},
		{filepath.Join(base, "a", "..", "..", "escape"), false},
		{"/etc/passwd", false},
	}
	for _, c := range cases {
		if got := IsPathSafe(c.target, base); got != c.want {
			t.Fatalf("IsPathSafe(%q) = %v, want %v", c.target, got, c.want)
		}
	}
}

func TestIsPathSafeSiblingPrefix(t *testing.T) {
	// /tmp/base-evil must not count as inside /tmp/base.
	base := filepath.Join(t.TempDir(), "base")
	if IsPathSafe(base+"-evil", base) {
		t.Fatal("sibling with shared prefix must not be contained")
	}
}

func TestIsValidFilename(t *testing.T) {
	valid := []string{
		"analysis.js",
		"My Analysis 2",
		"a-b_c.d",
		"0123",
	}
	for _, name := range valid {
		if !IsValidFilename(name) {
			t.Fatalf("expected %q to be valid", name)
		}
	}

	invalid := []string{
		"",
		".",
		"..",
		"a/b",
		`a\b`,
		"a(b)",
		"a[b]",
		"a@b",
		"a#b",
		"a$b",
		"a\x00b",
		"a\nb",
		string(make([]byte, 256)),
	}
	for _, name := range invalid {
		if IsValidFilename(name) {
			t.Fatalf("expected %q to be invalid", name)
		}
	}
}

func TestAnalysisFilePath(t *testing.T) {
	root := t.TempDir()

	p, ok := AnalysisFilePath(root, "abc-123", "analysis.log")
	if !ok {
		t.Fatal("expected valid path")
	}
	want := filepath.Join(root, "abc-123", "analysis.log")
	if p != want {
		t.Fatalf("got %q, want %q", p, want)
	}
	if !IsPathSafe(p, root) {
		t.Fatal("produced path must satisfy IsPathSafe")
	}
}

func TestAnalysisFilePathRejectsEscape(t *testing.T) {
	root := t.TempDir()

	bad := [][]string{
		{"../escape", "x"},
		{"ok", "../x"},
		{"ok", "a/../../x"},
		{"ok", "/abs"},
		{"ok", ""},
		{"a/b", "x"},
	}
	for _, c := range bad {
		if _, ok := AnalysisFilePath(root, c[0], c[1:]...); ok {
			t.Fatalf("expected rejection for id=%q segs=%v", c[0], c[1:])
		}
	}
}

func TestAnalysisFilePathVersionsSubdir(t *testing.T) {
	root := t.TempDir()
	p, ok := AnalysisFilePath(root, "abc", "versions", "3-deadbeef.js")
	if !ok {
		t.Fatal("expected valid nested path")
	}
	if !IsPathSafe(p, root) {
		t.Fatalf("nested path %q escapes root", p)
	}
}

func TestIsAbsolutePathSafe(t *testing.T) {
	if !IsAbsolutePathSafe("/etc/ssl/cert.pem") {
		t.Fatal("plain absolute path should be safe")
	}
	if IsAbsolutePathSafe("relative/path") {
		t.Fatal("relative path should be rejected")
	}
	if IsAbsolutePathSafe("/etc/../etc/passwd") {
		t.Fatal("absolute path with .. should be rejected")
	}
}
