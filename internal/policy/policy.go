// Package policy runs an optional JavaScript hook, evaluated once per
// closure pass, that can force-include extra libraries or symbols
// without the caller having to restart the run with different flags.
package policy

import (
	"context"
	"fmt"
	"os"

	"github.com/dop251/goja"
)

// Script wraps a loaded policy program exposing a forceInclude(ctx)
// function. A Script is safe to evaluate repeatedly; each call gets a
// fresh goja.Value decode rather than mutating shared state, since a
// misbehaving script must never be able to corrupt a later pass's view.
type Script struct {
	vm   *goja.Runtime
	call goja.Callable
}

// Load reads and compiles path, resolving its forceInclude function.
// A script with no forceInclude is accepted but will contribute
// nothing to any pass.
func Load(path string) (*Script, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy script %s: %w", path, err)
	}
	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	if _, err := vm.RunScript(path, string(src)); err != nil {
		return nil, fmt.Errorf("evaluate policy script %s: %w", path, err)
	}
	fn, ok := goja.AssertFunction(vm.Get("forceInclude"))
	if !ok {
		return &Script{vm: vm}, nil
	}
	return &Script{vm: vm, call: fn}, nil
}

// passContext is the object passed as the sole argument to
// forceInclude: the script can read the pass number to, for instance,
// only force something in on the first pass, or inspect the current
// pass's needed libraries and symbols to make a force-include decision
// conditional on what's already pulled in. Both slices are snapshots
// copied out of the engine's live maps, never the maps themselves, so
// a script has nothing it could mutate across passes.
type passContext struct {
	Pass            int      `json:"pass"`
	NeededLibraries []string `json:"needed_libraries"`
	NeededSymbols   []string `json:"needed_symbols"`
}

type forceIncludeResult struct {
	Libraries []string `json:"libraries"`
	Symbols   []string `json:"symbols"`
}

// ForceInclude evaluates forceInclude(ctx) for the given pass number
// and returns the libraries and symbols it asked to force-include.
// neededLibraries and neededSymbols are this pass's current keys,
// exposed to the script as ctx.needed_libraries/ctx.needed_symbols.
// Implements closure.Policy.
func (s *Script) ForceInclude(ctx context.Context, pass int, neededLibraries, neededSymbols []string) (libraries []string, symbols []string, err error) {
	if s.call == nil {
		return nil, nil, nil
	}
	arg := s.vm.ToValue(passContext{Pass: pass, NeededLibraries: neededLibraries, NeededSymbols: neededSymbols})
	val, err := s.call(goja.Undefined(), arg)
	if err != nil {
		return nil, nil, fmt.Errorf("run forceInclude: %w", err)
	}
	var result forceIncludeResult
	if err := s.vm.ExportTo(val, &result); err != nil {
		return nil, nil, fmt.Errorf("decode forceInclude result: %w", err)
	}
	return result.Libraries, result.Symbols, nil
}
