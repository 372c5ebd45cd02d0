// Package reduce implements the per-library reduction step of the
// closure engine: re-linking a library from its position-independent
// archive restricted to the symbols actually referenced, or falling
// back to a plain strip-copy when no PIC archive is available.
package reduce

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/mklibs-go/mklibs/internal/liblocate"
	"github.com/mklibs-go/mklibs/internal/symbol"
	"github.com/mklibs-go/mklibs/internal/toolchain"
)

// Inspector is the subset of *elfinspect.Inspector the reducer needs:
// reading the original library's SONAME and DT_NEEDED before re-linking it.
type Inspector interface {
	SONAME(ctx context.Context, path string) (string, error)
	Needed(ctx context.Context, path string) ([]string, error)
}

// libcSonames are the SONAMEs that trigger the soinit.o/sofini.o/
// __dso_handle special case of spec.md §4.6.
var libcSonames = map[string]bool{
	"libc.so.6":   true,
	"libc.so.6.1": true,
}

// Request describes one library to reduce in the current pass.
type Request struct {
	Library     string // DT_NEEDED basename, e.g. "libfoo.so.1"
	Path        string // absolute path, resolved by the Locator
	UsedSymbols []symbol.Symbol
}

// Result reports what a reduction actually did.
type Result struct {
	// Skipped is true when no new artifact was produced this pass
	// (root passthrough, or a soft MissingSoname failure).
	Skipped bool
	// AvailableLibrary is set on root passthrough: the absolute path
	// to record in available_libraries so its symbols count as
	// provided, per spec.md §4.6 step 2.
	AvailableLibrary string
	// StrippedPath is the produced "<dest>/<basename>-so-stripped"
	// artifact, set whenever Skipped is false.
	StrippedPath string
}

// MissingSonameError is the soft MissingSoname failure of spec.md §7:
// the library has no SONAME, so it cannot be safely renamed, and
// reduction of it is skipped this pass.
type MissingSonameError struct {
	Library string
}

func (e *MissingSonameError) Error() string {
	return fmt.Sprintf("library %s has no SONAME, skipping reduction", e.Library)
}

// Reducer re-links or strip-copies libraries into a destination
// directory.
type Reducer struct {
	Dest          string
	Root          string // filesystem root prefix, "" if unconfigured
	LibcExtrasDir string
	LibPath       []string // -L search path passed through to the linker
	Loc           *liblocate.Locator
	Insp          Inspector
	TC            *toolchain.Toolchain
}

// Reduce performs spec.md §4.6 for a single library.
func (r *Reducer) Reduce(ctx context.Context, req Request) (Result, error) {
	if r.Root != "" && strings.HasPrefix(req.Path, r.Root) {
		return Result{Skipped: true, AvailableLibrary: req.Path}, nil
	}

	basename := filepath.Base(req.Path)
	strippedPath := filepath.Join(r.Dest, basename+"-so-stripped")

	picFile := r.Loc.FindPIC(req.Library)
	if picFile == "" {
		if _, err := r.TC.Run(ctx, "objcopy",
			"--strip-unneeded", "-R", ".note", "-R", ".comment",
			req.Path, strippedPath); err != nil {
			return Result{}, fmt.Errorf("strip-copy %s: %w", req.Library, err)
		}
		return Result{StrippedPath: strippedPath}, nil
	}

	soname, err := r.Insp.SONAME(ctx, req.Path)
	if err != nil {
		return Result{}, fmt.Errorf("read soname of %s: %w", req.Library, err)
	}
	if soname == "" {
		return Result{Skipped: true}, &MissingSonameError{Library: req.Library}
	}

	symbols := append([]symbol.Symbol(nil), req.UsedSymbols...)
	var preObjs, postObjs []string
	if libcSonames[soname] {
		preObjs = append(preObjs, filepath.Join(r.LibcExtrasDir, "soinit.o"))
		postObjs = append(postObjs, filepath.Join(r.LibcExtrasDir, "sofini.o"))
		symbols = append(symbols, symbol.Symbol{Name: "__dso_handle", Version: symbol.Base, DefaultVersion: true})
	}

	linkInputs, err := r.linkInputs(ctx, req.Path)
	if err != nil {
		return Result{}, err
	}

	linkedPath := filepath.Join(r.Dest, basename+"-so")
	args := []string{"-shared", "-nostdlib", "-nostartfiles", "-Wl,-soname=" + soname}
	for _, s := range symbols {
		args = append(args, "-u"+s.LinkerName())
	}
	args = append(args, "-o", linkedPath)
	args = append(args, preObjs...)
	args = append(args, picFile)
	args = append(args, postObjs...)
	if mapFile := r.Loc.FindPICMap(req.Library); mapFile != "" {
		args = append(args, "-Wl,--version-script="+mapFile)
	}
	args = append(args, "-L"+r.Dest)
	for _, p := range r.LibPath {
		args = append(args, "-L"+p)
	}
	args = append(args, linkInputs...)
	args = append(args, "-lgcc")

	if _, err := r.TC.Run(ctx, "gcc", args...); err != nil {
		return Result{}, fmt.Errorf("relink %s: %w", req.Library, err)
	}

	if _, err := r.TC.Run(ctx, "objcopy",
		"--strip-unneeded", "-R", ".note", "-R", ".comment",
		linkedPath, strippedPath); err != nil {
		return Result{}, fmt.Errorf("strip-copy relinked %s: %w", req.Library, err)
	}

	return Result{StrippedPath: strippedPath}, nil
}

// linkInputs translates the original shared object's DT_NEEDED
// basenames into linker inputs: "-l<name>" for lib-prefixed
// dependencies, and the resolved absolute path for the dynamic loader
// (ld-prefixed dependencies), per spec.md §4.6.
func (r *Reducer) linkInputs(ctx context.Context, soPath string) ([]string, error) {
	needed, err := r.Insp.Needed(ctx, soPath)
	if err != nil {
		return nil, fmt.Errorf("read DT_NEEDED of %s: %w", soPath, err)
	}
	var out []string
	for _, dep := range needed {
		stem, ok := liblocate.Stem(dep)
		if !ok {
			continue
		}
		if strings.HasPrefix(stem, "ld") {
			path := r.Loc.Find(dep)
			if path != "" {
				out = append(out, path)
			}
			continue
		}
		name := strings.TrimPrefix(stem, "lib")
		out = append(out, "-l"+name)
	}
	return out, nil
}

// StripCopy strip-copies src to dst using the configured toolchain,
// used by the finalizer to stage the dynamic loader. Reduce's own
// no-PIC fallback runs the same objcopy command inline.
func StripCopy(ctx context.Context, tc *toolchain.Toolchain, src, dst string) error {
	_, err := tc.Run(ctx, "objcopy", "--strip-unneeded", "-R", ".note", "-R", ".comment", src, dst)
	return err
}
