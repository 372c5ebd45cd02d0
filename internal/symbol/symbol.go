// Package symbol models the defined and undefined ELF symbols that drive
// the closure engine: their names, versions, weak and default-version
// flags, and the lookup keys derived from them.
package symbol

import "fmt"

// Base is the version string libc and friends use for an unversioned
// default symbol alias.
const Base = "Base"

// Symbol is a defined (provided) ELF symbol, as reported by the ELF
// inspector's --print-symbols-provided output.
type Symbol struct {
	Name           string
	Version        string
	DefaultVersion bool
}

// String renders the symbol as "name@version", matching how the
// original mklibs tool stringifies symbols for logging.
func (s Symbol) String() string {
	return fmt.Sprintf("%s@%s", s.Name, s.Version)
}

// BaseNames returns the lookup keys under which this symbol is
// registered in a provider table: "name@version", plus the alias
// "name@Base" when the symbol is the default version and isn't
// already versioned as Base.
func (s Symbol) BaseNames() []string {
	if s.DefaultVersion && s.Version != Base {
		return []string{s.String(), fmt.Sprintf("%s@%s", s.Name, Base)}
	}
	return []string{s.String()}
}

// LinkerName returns the name that should appear after a linker
// -u/force-include flag: the bare name when the symbol is the default
// version or already versioned as Base, else the fully versioned name.
func (s Symbol) LinkerName() string {
	if s.DefaultVersion || s.Version == Base {
		return s.Name
	}
	return s.String()
}

// Undefined is an undefined symbol referenced by an object, as
// reported by --print-symbols-undefined.
type Undefined struct {
	Name    string
	Version string
	Weak    bool
}

// String renders the undefined symbol as "name@version", used both for
// logging and as the needed_symbols map key.
func (u Undefined) String() string {
	return fmt.Sprintf("%s@%s", u.Name, u.Version)
}

// Key returns the needed_symbols lookup key for this reference.
func (u Undefined) Key() string {
	return u.String()
}
