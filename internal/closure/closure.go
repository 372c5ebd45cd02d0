// Package closure implements the fixed-point pass loop that computes
// the transitive symbol and library closure of a working set of ELF
// objects, reducing each needed library down to the symbols actually
// referenced until the set of unresolved symbols stops shrinking.
package closure

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/mklibs-go/mklibs/internal/elfinspect"
	"github.com/mklibs-go/mklibs/internal/event"
	"github.com/mklibs-go/mklibs/internal/liblocate"
	"github.com/mklibs-go/mklibs/internal/reduce"
	"github.com/mklibs-go/mklibs/internal/symbol"
)

// Inspector is the subset of *elfinspect.Inspector the engine needs
// from each object in the working set.
type Inspector interface {
	Header(ctx context.Context, path string) (elfinspect.Header, error)
	Needed(ctx context.Context, path string) ([]string, error)
	Undefined(ctx context.Context, path string) ([]symbol.Undefined, error)
	Defined(ctx context.Context, path string) ([]symbol.Symbol, error)
}

// Reducer is the subset of *reduce.Reducer the engine drives.
type Reducer interface {
	Reduce(ctx context.Context, req reduce.Request) (reduce.Result, error)
}

// Policy is the optional force-include hook (the policy-script
// extension): symbols and libraries it returns are folded into the
// needed sets of every pass, as if the caller had passed them as
// -l or a phantom reference.
type Policy interface {
	ForceInclude(ctx context.Context, pass int, neededLibraries, neededSymbols []string) (libraries []string, symbols []string, err error)
}

// EM_ARM is the ELF machine constant for the ARM architecture, used by
// the old-ABI libgcc_s.so.1 workaround below.
const emARM = 40

// armEABIMask isolates the EABI version byte of e_flags; a zero
// value there marks pre-EABI (OABI) object code, which depends on
// libgcc_s.so.1 in ways DT_NEEDED does not always record.
const armEABIMask = 0xFF000000

// libgccCompat is the library the old-ABI workaround force-adds.
const libgccCompat = "libgcc_s.so.1"

// Result reports the outcome of a completed closure run.
type Result struct {
	Passes             int
	AvailableLibraries []string
}

// Engine runs the pass loop of spec.md §4.4 over a working set seeded
// by the caller (typically classify.Classify's Objects).
type Engine struct {
	Dest      string
	ForceLibs []string
	Loader    string
	Loc       *liblocate.Locator
	Insp      Inspector
	Reducer   Reducer
	Sink      event.Sink
	Policy    Policy

	// MaxPasses bounds the loop against a runaway oscillation that
	// evades the stable-unresolved-set check; 0 means the default of
	// 10000, far beyond any real closure.
	MaxPasses int

	available map[string]struct{} // persists across passes
}

func (e *Engine) sink() event.Sink {
	if e.Sink == nil {
		return event.Nop
	}
	return e.Sink
}

func (e *Engine) notify(kind event.Kind, pass int, subject, detail string) {
	e.sink().Notify(event.Event{Kind: kind, Time: time.Now(), Pass: pass, Subject: subject, Detail: detail})
}

func (e *Engine) notifyPass(kind event.Kind, pass int, detail string, unresolved int) {
	e.sink().Notify(event.Event{Kind: kind, Time: time.Now(), Pass: pass, Detail: detail, Unresolved: unresolved})
}

// Run executes the pass loop starting from the given seed object paths
// (already deduplicated by inode) until the symbol closure stabilizes.
func (e *Engine) Run(ctx context.Context, seed []string) (*Result, error) {
	maxPasses := e.MaxPasses
	if maxPasses == 0 {
		maxPasses = 10000
	}
	if e.available == nil {
		e.available = make(map[string]struct{})
	}

	workingSet := make(map[uint64]string)
	for _, p := range seed {
		if err := addToWorkingSet(workingSet, p); err != nil {
			return nil, err
		}
	}

	var previousUnresolved map[string]struct{}

	for pass := 1; pass <= maxPasses; pass++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		// Step A: fold this pass's destination artifacts into the
		// working set so their own defined symbols count as supply
		// and their own undefined references keep driving closure.
		entries, err := os.ReadDir(e.Dest)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("scan destination: %w", err)
		}
		for _, ent := range entries {
			if ent.IsDir() || !strings.HasSuffix(ent.Name(), "-so-stripped") {
				continue
			}
			if err := addToWorkingSet(workingSet, filepath.Join(e.Dest, ent.Name())); err != nil {
				return nil, err
			}
		}

		objects := sortedValues(workingSet)
		e.warnNonUniformHeaders(ctx, pass, objects)

		// Step B: needed_symbols and needed_libraries.
		neededSymbols := make(map[string]symbol.Undefined)
		neededLibraries := make(map[string]struct{})
		for _, lib := range e.ForceLibs {
			neededLibraries[lib] = struct{}{}
		}
		for _, obj := range objects {
			undef, err := e.Insp.Undefined(ctx, obj)
			if err != nil {
				return nil, err
			}
			for _, u := range undef {
				neededSymbols[u.Key()] = u
			}
			needed, err := e.Insp.Needed(ctx, obj)
			if err != nil {
				return nil, err
			}
			for _, lib := range needed {
				neededLibraries[lib] = struct{}{}
			}
		}

		if e.Policy != nil {
			libs, syms, err := e.Policy.ForceInclude(ctx, pass, sortedKeys(neededLibraries), sortedSymbolKeys(neededSymbols))
			if err != nil {
				e.notify(event.Warning, pass, "policy-script", err.Error())
			} else {
				for _, lib := range libs {
					neededLibraries[lib] = struct{}{}
				}
				for _, s := range syms {
					u := parseForcedSymbol(s)
					neededSymbols[u.Key()] = u
				}
			}
		}

		// Step C: present_symbols, from the working set itself, the
		// running available_libraries accumulator, and the loader.
		presentSymbols := make(map[string]symbol.Symbol)
		sources := append([]string(nil), objects...)
		sources = append(sources, sortedKeys(e.available)...)
		if e.Loader != "" {
			sources = append(sources, e.Loader)
		}
		for _, src := range sources {
			defined, err := e.Insp.Defined(ctx, src)
			if err != nil {
				return nil, err
			}
			for _, sym := range defined {
				for _, name := range sym.BaseNames() {
					presentSymbols[name] = sym
				}
			}
		}

		// Step D: termination test.
		unresolved := make(map[string]struct{})
		for key := range neededSymbols {
			if _, ok := presentSymbols[key]; !ok {
				unresolved[key] = struct{}{}
			}
		}
		e.notifyPass(event.PassStarted, pass, fmt.Sprintf("%d needed symbols, %d needed libraries", len(neededSymbols), len(neededLibraries)), len(unresolved))

		if len(unresolved) == 0 {
			e.notifyPass(event.ClosureDone, pass, "closure stable", 0)
			return &Result{Passes: pass, AvailableLibraries: sortedKeys(e.available)}, nil
		}
		if sameKeys(unresolved, previousUnresolved) {
			if allWeak(unresolved, neededSymbols) {
				e.notifyPass(event.ClosureDone, pass, "closure stable (weak-only remainder)", len(unresolved))
				return &Result{Passes: pass, AvailableLibraries: sortedKeys(e.available)}, nil
			}
			for key := range unresolved {
				if u := neededSymbols[key]; !u.Weak {
					return nil, &UnresolvableSymbolError{Symbol: key}
				}
			}
		}
		previousUnresolved = unresolved

		// Step E: ARM old-ABI libgcc_s.so.1 workaround.
		if lib, ok := anyKey(neededLibraries); ok {
			if path := e.Loc.Find(lib); path != "" {
				hdr, err := e.Insp.Header(ctx, path)
				if err == nil && hdr.Machine == emARM && hdr.Flags&armEABIMask == 0 {
					neededLibraries[libgccCompat] = struct{}{}
				}
			}
		}

		// Step F: provider selection, libc tie-break.
		libs := symbol.SortedLibraries(neededLibraries)
		providers := symbol.NewProviderMap()
		resolvedPaths := make(map[string]string, len(libs))
		for _, lib := range libs {
			path := e.Loc.Find(lib)
			if path == "" {
				return nil, &LibraryNotFoundError{Library: lib, Path: e.Loc.Path}
			}
			resolvedPaths[lib] = path
			defined, err := e.Insp.Defined(ctx, path)
			if err != nil {
				return nil, err
			}
			for _, sym := range defined {
				if changed := providers.Register(lib, sym); len(changed) > 0 {
					for _, name := range changed {
						e.notify(event.DuplicateSymbol, pass, name, "now provided by "+lib)
					}
				}
			}
		}

		// Step G: per-library used-symbol sets.
		usedByLibrary := make(map[string][]symbol.Symbol)
		for key, u := range neededSymbols {
			if lib, ok := providers.Provider(key); ok {
				sym, _ := providers.Symbol(key)
				usedByLibrary[lib] = append(usedByLibrary[lib], sym)
				continue
			}
			if _, ok := presentSymbols[key]; ok {
				continue // satisfied by the working set, loader, or an available library
			}
			if !u.Weak {
				return nil, &UnresolvableSymbolError{Symbol: key}
			}
		}

		// Step H: reduce each needed library.
		for _, lib := range libs {
			used := dedupeSymbols(usedByLibrary[lib])
			res, err := e.Reducer.Reduce(ctx, reduce.Request{Library: lib, Path: resolvedPaths[lib], UsedSymbols: used})
			if err != nil {
				if _, soft := err.(*reduce.MissingSonameError); soft {
					e.notify(event.Warning, pass, lib, err.Error())
					continue
				}
				return nil, fmt.Errorf("reduce %s: %w", lib, err)
			}
			if res.Skipped {
				if res.AvailableLibrary != "" {
					e.available[res.AvailableLibrary] = struct{}{}
				}
				e.notify(event.LibrarySkipped, pass, lib, "")
				continue
			}
			e.available[res.StrippedPath] = struct{}{}
			e.notify(event.LibraryReduced, pass, lib, res.StrippedPath)
		}
	}

	return nil, fmt.Errorf("closure did not stabilize within %d passes", maxPasses)
}

func addToWorkingSet(ws map[uint64]string, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return fmt.Errorf("stat %s: no inode information available", path)
	}
	inode := uint64(stat.Ino)
	if _, dup := ws[inode]; dup {
		return nil
	}
	ws[inode] = path
	return nil
}

// warnNonUniformHeaders flags a working set whose members disagree on
// ELF class, data encoding, or machine, which most likely signals a
// malformed or mixed-architecture input rather than an ordinary
// closure: reduction proceeds, but the caller is put on notice.
func (e *Engine) warnNonUniformHeaders(ctx context.Context, pass int, objects []string) {
	var want *elfinspect.Header
	for _, obj := range objects {
		hdr, err := e.Insp.Header(ctx, obj)
		if err != nil {
			continue
		}
		if want == nil {
			want = &hdr
			continue
		}
		if hdr.Class != want.Class || hdr.Data != want.Data || hdr.Machine != want.Machine {
			e.notify(event.DuplicateSymbol, pass, obj, "ELF header disagrees with the rest of the working set")
		}
	}
}

func sortedValues(m map[uint64]string) []string {
	out := make([]string, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func sortedSymbolKeys(m map[string]symbol.Undefined) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// parseForcedSymbol splits a policy-script symbol string into the
// Name/Version pair the rest of the engine derives from
// --print-symbols-undefined output, so a policy-forced entry keys and
// compares the same way as one discovered by the ELF inspector.
func parseForcedSymbol(s string) symbol.Undefined {
	if name, version, ok := strings.Cut(s, "@"); ok {
		return symbol.Undefined{Name: name, Version: version}
	}
	return symbol.Undefined{Name: s}
}

func anyKey(m map[string]struct{}) (string, bool) {
	keys := sortedKeys(m)
	if len(keys) == 0 {
		return "", false
	}
	return keys[0], true
}

func sameKeys(a, b map[string]struct{}) bool {
	if b == nil || len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}

func allWeak(unresolved map[string]struct{}, needed map[string]symbol.Undefined) bool {
	for key := range unresolved {
		if !needed[key].Weak {
			return false
		}
	}
	return true
}

func dedupeSymbols(syms []symbol.Symbol) []symbol.Symbol {
	seen := make(map[string]struct{}, len(syms))
	out := make([]symbol.Symbol, 0, len(syms))
	for _, s := range syms {
		key := s.String()
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}
