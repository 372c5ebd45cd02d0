// Package classify partitions the input file set into the working set
// of objects the closure engine analyzes, hardlink duplicates, scripts,
// and libraries, and auto-detects the dynamic loader when the caller
// didn't supply one.
package classify

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"regexp"
	"syscall"

	"github.com/mklibs-go/mklibs/internal/liblocate"
)

// scriptPattern matches a shebang naming an absolute interpreter path,
// the "is this a script" test of spec.md §4.3.
var scriptPattern = regexp.MustCompile(`^#!\s*/`)

// Interp resolves PT_INTERP for a path; satisfied by *elfinspect.Inspector.
type Interp interface {
	Interp(ctx context.Context, path string) (string, error)
}

// Classification records how each input path was classified, for
// --verbose reporting.
type Classification struct {
	Objects   map[uint64]string // inode -> path, the WorkingSet seed
	Hardlinks map[string]string // path -> the path it hardlinks to
	Scripts   []string
	Libraries []string
}

// Classify partitions paths per spec.md §4.3. Order of objects in
// Classification.Objects is not itself meaningful (it's a map); callers
// needing deterministic order should sort the resulting paths.
func Classify(paths []string) (*Classification, error) {
	c := &Classification{
		Objects:   make(map[uint64]string),
		Hardlinks: make(map[string]string),
	}
	seen := make(map[uint64]string)

	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", p, err)
		}
		stat, ok := info.Sys().(*syscall.Stat_t)
		if !ok {
			return nil, fmt.Errorf("stat %s: no inode information available", p)
		}
		inode := uint64(stat.Ino)

		if existing, dup := seen[inode]; dup {
			c.Hardlinks[p] = existing
			continue
		}

		if _, isLib := liblocate.Stem(info.Name()); isLib {
			c.Libraries = append(c.Libraries, p)
			continue
		}

		if isScript(p) {
			c.Scripts = append(c.Scripts, p)
			continue
		}

		seen[inode] = p
		c.Objects[inode] = p
	}

	return c, nil
}

// isScript reports whether the first 256 bytes of path begin with a
// shebang naming an absolute interpreter path.
func isScript(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	buf := make([]byte, 256)
	n, _ := f.Read(buf)
	r := bufio.NewReader(bytes.NewReader(buf[:n]))
	line, _ := r.ReadString('\n')
	return scriptPattern.MatchString(line)
}

// ErrLoaderNotFound is spec.md's LoaderNotFound: no --ldlib, no ldlib
// env, and no input object yields a PT_INTERP.
var ErrLoaderNotFound = fmt.Errorf("dynamic linker not found")

// DetectLoader probes objects (in the given, stable order) for the
// first non-empty PT_INTERP, as spec.md §4.3 specifies. Callers that
// already have an explicit loader path should skip calling this.
func DetectLoader(ctx context.Context, insp Interp, objects []string) (string, error) {
	for _, obj := range objects {
		interp, err := insp.Interp(ctx, obj)
		if err != nil {
			return "", err
		}
		if interp != "" {
			return interp, nil
		}
	}
	return "", ErrLoaderNotFound
}
