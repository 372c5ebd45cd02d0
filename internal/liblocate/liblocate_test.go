package liblocate

import (
	"os"
	"path/filepath"
	"testing"
)

func TestStem(t *testing.T) {
	cases := map[string]struct {
		stem  string
		match bool
	}{
		"libc.so.6":      {"libc", true},
		"libfoo.so.1.2":  {"libfoo", true},
		"ld-linux.so.2":  {"ld-linux", true},
		"notalib.txt":    {"", false},
		"readme.so.file": {"", false},
	}
	for in, want := range cases {
		stem, ok := Stem(in)
		if ok != want.match || (ok && stem != want.stem) {
			t.Errorf("Stem(%q) = (%q, %v), want (%q, %v)", in, stem, ok, want.stem, want.match)
		}
	}
}

func TestFindSearchesInOrder(t *testing.T) {
	a := t.TempDir()
	b := t.TempDir()
	if err := os.WriteFile(filepath.Join(b, "libfoo.so.1"), []byte{}, 0o644); err != nil {
		t.Fatal(err)
	}

	loc := New([]string{a, b}, true, nil)
	got := loc.Find("libfoo.so.1")
	want := filepath.Join(b, "libfoo.so.1")
	if got != want {
		t.Errorf("Find() = %q, want %q", got, want)
	}

	if got := loc.Find("libmissing.so.1"); got != "" {
		t.Errorf("Find() = %q, want empty", got)
	}
}

func TestFindPIC(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "libfoo_pic.a"), []byte{}, 0o644); err != nil {
		t.Fatal(err)
	}
	loc := New([]string{dir}, true, nil)
	got := loc.FindPIC("libfoo.so.1")
	want := filepath.Join(dir, "libfoo_pic.a")
	if got != want {
		t.Errorf("FindPIC() = %q, want %q", got, want)
	}
}

func TestDefaultPathSuppressed(t *testing.T) {
	loc := New(nil, true, nil)
	for _, d := range DefaultPath {
		for _, p := range loc.Path {
			if p == d {
				t.Errorf("default path %q present despite noDefault", d)
			}
		}
	}
}

func TestResolveSymlinkRelative(t *testing.T) {
	dir := t.TempDir()
	real := filepath.Join(dir, "libfoo.so.1.2.3")
	if err := os.WriteFile(real, []byte{}, 0o644); err != nil {
		t.Fatal(err)
	}
	link := filepath.Join(dir, "libfoo.so.1")
	if err := os.Symlink("libfoo.so.1.2.3", link); err != nil {
		t.Skipf("symlink not supported: %v", err)
	}
	got := ResolveSymlink(link)
	if got != real {
		t.Errorf("ResolveSymlink() = %q, want %q", got, real)
	}
}
