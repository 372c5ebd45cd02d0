// Package liblocate resolves a library basename to an absolute path by
// searching an ordered library path, and locates the companion
// position-independent archive and linker version-script artifacts a
// library may ship alongside its shared object.
package liblocate

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
)

// SOPattern matches a shared-object basename; capture group 1 is the
// stem used to find a library's PIC archive and map file.
var SOPattern = regexp.MustCompile(`^((lib|ld).*)\.so(\..+)*$`)

// DefaultPath is the default library search path appended unless
// suppressed by -D/--no-default-lib.
var DefaultPath = []string{"/lib/", "/usr/lib/", "/usr/X11R6/lib/"}

// Stem returns the PIC-archive stem of a shared-object basename (the
// portion before ".so"), and whether basename matched the
// shared-object pattern at all.
func Stem(basename string) (string, bool) {
	m := SOPattern.FindStringSubmatch(basename)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// Locator searches an ordered list of directories for libraries and
// their companion artifacts.
type Locator struct {
	// Path is the ordered library search path: -L entries, then
	// defaults (unless suppressed), then discovered rpaths.
	Path []string
}

// New builds a Locator's search path per spec.md §4.2: userPaths (-L,
// in order), then DefaultPath unless noDefault, then rpaths (only
// meaningful when the caller has a filesystem root configured).
func New(userPaths []string, noDefault bool, rpaths []string) *Locator {
	var path []string
	path = append(path, userPaths...)
	if !noDefault {
		path = append(path, DefaultPath...)
	}
	path = append(path, rpaths...)
	return &Locator{Path: path}
}

// Find returns the absolute path of basename, searching Path in
// order, or "" if not found anywhere on the path.
func (l *Locator) Find(basename string) string {
	for _, dir := range l.Path {
		candidate := filepath.Join(dir, basename)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return ""
}

// FindPIC returns the path to basename's PIC archive
// (<stem>_pic.a), or "" if none exists or basename doesn't match the
// shared-object pattern.
func (l *Locator) FindPIC(basename string) string {
	return l.findCompanion(basename, "_pic.a")
}

// FindPICMap returns the path to basename's linker version script
// (<stem>_pic.map), or "" if none exists.
func (l *Locator) FindPICMap(basename string) string {
	return l.findCompanion(basename, "_pic.map")
}

func (l *Locator) findCompanion(basename, suffix string) string {
	stem, ok := Stem(basename)
	if !ok {
		return ""
	}
	name := stem + suffix
	for _, dir := range l.Path {
		candidate := filepath.Join(dir, name)
		if _, err := os.Stat(candidate); err == nil {
			return ResolveSymlink(candidate)
		}
	}
	return ""
}

// ResolveSymlink follows a chain of symlinks to its final target.
// Relative link targets resolve against the link's own directory.
func ResolveSymlink(path string) string {
	for i := 0; i < 40; i++ { // bound the chain against a pathological loop
		info, err := os.Lstat(path)
		if err != nil || info.Mode()&os.ModeSymlink == 0 {
			return path
		}
		target, err := os.Readlink(path)
		if err != nil {
			return path
		}
		if !filepath.IsAbs(target) {
			target = filepath.Join(filepath.Dir(path), target)
		}
		path = target
	}
	return path
}

// Error is LibraryNotFound from spec.md §7.
type Error struct {
	Library string
	Path    []string
}

func (e *Error) Error() string {
	return fmt.Sprintf("library not found: %s (searched: %v)", e.Library, e.Path)
}
