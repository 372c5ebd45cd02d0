package symbol

import (
	"regexp"
	"sort"
)

// libcPattern matches the library-name prefix mklibs uses to break
// ties between two libraries that both define the same base name.
var libcPattern = regexp.MustCompile(`^libc[.-]`)

// IsLibc reports whether library is preferred on a symbol-provider tie,
// per spec: the rule is keyed off the basename pattern, not the path.
func IsLibc(library string) bool {
	return libcPattern.MatchString(library)
}

// ProviderMap maps a symbol base name to the library basename that
// provides it, and the Symbol value itself. Registration is
// first-writer-wins except that a libc-named library always displaces a
// non-libc incumbent, regardless of registration order.
type ProviderMap struct {
	library map[string]string
	symbol  map[string]Symbol
}

// NewProviderMap creates an empty provider map.
func NewProviderMap() *ProviderMap {
	return &ProviderMap{
		library: make(map[string]string),
		symbol:  make(map[string]Symbol),
	}
}

// Register offers sym (owned by library) under all of its base names.
// It returns every base name where this registration changed the
// incumbent provider (used to log DuplicateSymbolProvider events).
func (p *ProviderMap) Register(library string, sym Symbol) (changed []string) {
	for _, name := range sym.BaseNames() {
		incumbent, ok := p.library[name]
		if !ok {
			p.library[name] = library
			p.symbol[name] = sym
			continue
		}
		if incumbent == library {
			continue
		}
		if IsLibc(library) && !IsLibc(incumbent) {
			p.library[name] = library
			p.symbol[name] = sym
			changed = append(changed, name)
		}
		// else: keep the existing provider (first writer wins among
		// non-libc contenders); this collision is not returned in
		// changed, so the call site does not log it.
	}
	return changed
}

// Provider returns the library basename providing name, if any.
func (p *ProviderMap) Provider(name string) (string, bool) {
	lib, ok := p.library[name]
	return lib, ok
}

// Symbol returns the Symbol registered under name, if any.
func (p *ProviderMap) Symbol(name string) (Symbol, bool) {
	sym, ok := p.symbol[name]
	return sym, ok
}

// SortedLibraries returns the set of library basenames in
// deterministic (sorted) order, the iteration order spec.md §5
// requires for reproducible tie-break outcomes.
func SortedLibraries(libs map[string]struct{}) []string {
	out := make([]string, 0, len(libs))
	for l := range libs {
		out = append(out, l)
	}
	sort.Strings(out)
	return out
}
