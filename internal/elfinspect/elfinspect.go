// Package elfinspect wraps the mklibs-readelf companion program: the
// single external ELF reader the closure engine shells out to for
// every fact it needs about a binary's dynamic section and symbol
// tables. spec.md places the actual ELF parsing out of scope for this
// system; this package only runs the sub-process and parses its
// whitespace-separated stdout.
package elfinspect

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/mklibs-go/mklibs/internal/symbol"
	"github.com/mklibs-go/mklibs/internal/toolchain"
)

// Error is InspectionError from spec.md §7: the path is absent, or the
// reader sub-process failed or produced unparseable output.
type Error struct {
	Path string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("inspect %s: %v", e.Path, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Header is the subset of ELF header fields spec.md §4.1 names.
type Header struct {
	Class   int
	Data    int
	Machine int
	Flags   int
}

// Inspector runs mklibs-readelf through a Toolchain.
type Inspector struct {
	tc *toolchain.Toolchain
}

// New creates an Inspector that runs mklibs-readelf via tc.
func New(tc *toolchain.Toolchain) *Inspector {
	return &Inspector{tc: tc}
}

const readelf = "mklibs-readelf"

func (i *Inspector) run(ctx context.Context, path string, flag string) ([]string, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, &Error{Path: path, Err: err}
	}
	out, err := i.tc.Run(ctx, readelf, flag, path)
	if err != nil {
		return nil, &Error{Path: path, Err: err}
	}
	var lines []string
	s := bufio.NewScanner(strings.NewReader(out))
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines, nil
}

// Header returns the ELF header fields of path.
func (i *Inspector) Header(ctx context.Context, path string) (Header, error) {
	lines, err := i.run(ctx, path, "--print-elf-header")
	if err != nil {
		return Header{}, err
	}
	if len(lines) == 0 {
		return Header{}, &Error{Path: path, Err: fmt.Errorf("empty elf header output")}
	}
	fields := strings.Fields(lines[0])
	if len(fields) < 4 {
		return Header{}, &Error{Path: path, Err: fmt.Errorf("malformed elf header line %q", lines[0])}
	}
	vals := make([]int, 4)
	for idx, f := range fields[:4] {
		n, err := strconv.Atoi(f)
		if err != nil {
			return Header{}, &Error{Path: path, Err: fmt.Errorf("parse elf header field %q: %w", f, err)}
		}
		vals[idx] = n
	}
	return Header{Class: vals[0], Data: vals[1], Machine: vals[2], Flags: vals[3]}, nil
}

// RPath returns the raw rpath/runpath entries of path, in the order
// reported by mklibs-readelf (spec.md's Open Question on DT_RPATH vs
// DT_RUNPATH is left to that sub-process's combined stream, per
// DESIGN.md). Entries are plain directory strings as recorded in the
// dynamic section; joining them with the configured root prefix is
// the caller's job, since this package has no notion of --root.
func (i *Inspector) RPath(ctx context.Context, path string) ([]string, error) {
	return i.run(ctx, path, "--print-rpath")
}

// Needed returns the ordered DT_NEEDED basenames of path.
func (i *Inspector) Needed(ctx context.Context, path string) ([]string, error) {
	return i.run(ctx, path, "--print-needed")
}

// Interp returns the PT_INTERP loader path of path, or "" if absent.
func (i *Inspector) Interp(ctx context.Context, path string) (string, error) {
	lines, err := i.run(ctx, path, "--print-interp")
	if err != nil {
		return "", err
	}
	if len(lines) == 0 {
		return "", nil
	}
	return lines[0], nil
}

// SONAME returns the DT_SONAME of path, or "" if absent.
func (i *Inspector) SONAME(ctx context.Context, path string) (string, error) {
	lines, err := i.run(ctx, path, "--print-soname")
	if err != nil {
		return "", err
	}
	if len(lines) == 0 {
		return "", nil
	}
	return lines[len(lines)-1], nil
}

func parseBool(s string) bool {
	switch strings.ToLower(s) {
	case "1", "true", "yes":
		return true
	default:
		return false
	}
}

// Undefined returns the undefined symbols referenced by path.
func (i *Inspector) Undefined(ctx context.Context, path string) ([]symbol.Undefined, error) {
	lines, err := i.run(ctx, path, "--print-symbols-undefined")
	if err != nil {
		return nil, err
	}
	out := make([]symbol.Undefined, 0, len(lines))
	for _, line := range lines {
		f := strings.Fields(line)
		if len(f) < 2 {
			return nil, &Error{Path: path, Err: fmt.Errorf("malformed undefined-symbol line %q", line)}
		}
		u := symbol.Undefined{
			Name: f[0],
			Weak: parseBool(f[1]),
		}
		if len(f) > 2 {
			u.Version = f[2] // an unversioned reference has no third field
		}
		out = append(out, u)
	}
	return out, nil
}

// Defined returns the symbols path defines/exports.
func (i *Inspector) Defined(ctx context.Context, path string) ([]symbol.Symbol, error) {
	lines, err := i.run(ctx, path, "--print-symbols-provided")
	if err != nil {
		return nil, err
	}
	out := make([]symbol.Symbol, 0, len(lines))
	for _, line := range lines {
		f := strings.Fields(line)
		if len(f) < 4 {
			return nil, &Error{Path: path, Err: fmt.Errorf("malformed provided-symbol line %q", line)}
		}
		out = append(out, symbol.Symbol{
			Name:           f[0],
			Version:        f[2],
			DefaultVersion: parseBool(f[3]),
		})
	}
	return out, nil
}
