package closure

import "fmt"

// UnresolvableSymbolError is spec.md's UnresolvableSymbol: after a
// no-progress pass (or, per DESIGN.md's Step G refinement, the moment a
// needed non-weak symbol has zero provider anywhere), a non-weak
// undefined symbol has no provider.
type UnresolvableSymbolError struct {
	Symbol string
}

func (e *UnresolvableSymbolError) Error() string {
	return fmt.Sprintf("unresolvable symbol: %s", e.Symbol)
}

// LibraryNotFoundError is spec.md's LibraryNotFound.
type LibraryNotFoundError struct {
	Library string
	Path    []string
}

func (e *LibraryNotFoundError) Error() string {
	return fmt.Sprintf("library not found: %s (searched %v)", e.Library, e.Path)
}
