// Package finalize implements the closure engine's last phase: turning
// the destination directory's pass-loop staging artifacts into the
// canonical shared-library layout spec.md §4.7 describes.
package finalize

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mklibs-go/mklibs/internal/liblocate"
	"github.com/mklibs-go/mklibs/internal/reduce"
	"github.com/mklibs-go/mklibs/internal/toolchain"
)

// Inspector reads the SONAME finalize needs to canonicalize a reduced
// library's filename.
type Inspector interface {
	SONAME(ctx context.Context, path string) (string, error)
}

// Finalizer turns a destination directory's staged pass-loop output
// into the final shared-library layout.
type Finalizer struct {
	Dest   string
	Loader string // source path of the dynamic loader, for staging
	Insp   Inspector
	TC     *toolchain.Toolchain
}

// Finalize runs spec.md §4.7's five steps in order. Each step lists the
// directory fresh so an interruption between steps leaves a
// re-runnable staging state rather than acting on a stale listing.
func (f *Finalizer) Finalize(ctx context.Context) error {
	if err := f.promoteStripped(ctx); err != nil {
		return err
	}
	if err := f.removeIntermediates(ctx); err != nil {
		return err
	}
	if err := f.canonicalize(ctx); err != nil {
		return err
	}
	if err := f.stageLoader(ctx); err != nil {
		return err
	}
	return nil
}

// promoteStripped is step 1: "<x>-so-stripped" renames to "<x>".
func (f *Finalizer) promoteStripped(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	entries, err := os.ReadDir(f.Dest)
	if err != nil {
		return fmt.Errorf("list destination: %w", err)
	}
	for _, ent := range entries {
		if ent.IsDir() || !strings.HasSuffix(ent.Name(), "-so-stripped") {
			continue
		}
		canonical := strings.TrimSuffix(ent.Name(), "-so-stripped")
		src := filepath.Join(f.Dest, ent.Name())
		dst := filepath.Join(f.Dest, canonical)
		if err := os.Rename(src, dst); err != nil {
			return fmt.Errorf("promote %s: %w", ent.Name(), err)
		}
	}
	return nil
}

// removeIntermediates is step 2: remove the unstripped "<x>-so"
// intermediates, relisted after step 1 so a promoted stripped artifact
// (now just "<x>") is never mistaken for one.
func (f *Finalizer) removeIntermediates(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	entries, err := os.ReadDir(f.Dest)
	if err != nil {
		return fmt.Errorf("list destination: %w", err)
	}
	for _, ent := range entries {
		if ent.IsDir() || !strings.HasSuffix(ent.Name(), "-so") {
			continue
		}
		if err := os.Remove(filepath.Join(f.Dest, ent.Name())); err != nil {
			return fmt.Errorf("remove intermediate %s: %w", ent.Name(), err)
		}
	}
	return nil
}

// canonicalize is step 3: unlink stale symlinks, and rename every
// remaining shared object to its SONAME.
func (f *Finalizer) canonicalize(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	entries, err := os.ReadDir(f.Dest)
	if err != nil {
		return fmt.Errorf("list destination: %w", err)
	}
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		if _, ok := liblocate.Stem(ent.Name()); !ok {
			continue
		}
		path := filepath.Join(f.Dest, ent.Name())
		info, err := os.Lstat(path)
		if err != nil {
			return fmt.Errorf("lstat %s: %w", ent.Name(), err)
		}
		if info.Mode()&os.ModeSymlink != 0 {
			if err := os.Remove(path); err != nil {
				return fmt.Errorf("unlink stale symlink %s: %w", ent.Name(), err)
			}
			continue
		}
		soname, err := f.Insp.SONAME(ctx, path)
		if err != nil {
			return fmt.Errorf("read soname of %s: %w", ent.Name(), err)
		}
		if soname == "" || soname == ent.Name() {
			continue
		}
		if err := os.Rename(path, filepath.Join(f.Dest, soname)); err != nil {
			return fmt.Errorf("canonicalize %s to %s: %w", ent.Name(), soname, err)
		}
	}
	return nil
}

// stageLoader is steps 4 and 5: strip-copy the dynamic loader into the
// destination if it isn't already present there, and ensure it is
// executable.
func (f *Finalizer) stageLoader(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if f.Loader == "" {
		return nil
	}
	dst := filepath.Join(f.Dest, filepath.Base(f.Loader))
	if _, err := os.Stat(dst); os.IsNotExist(err) {
		if err := reduce.StripCopy(ctx, f.TC, f.Loader, dst); err != nil {
			return fmt.Errorf("stage dynamic loader: %w", err)
		}
	} else if err != nil {
		return fmt.Errorf("stat staged loader: %w", err)
	}
	return os.Chmod(dst, 0o755)
}
