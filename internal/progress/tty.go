package progress

import (
	"os"

	"github.com/charmbracelet/x/term"
)

// IsTerminal reports whether standard output is an interactive
// terminal, the condition under which the live TUI should run instead
// of falling through to plain structured logging.
func IsTerminal() bool {
	return term.IsTerminal(os.Stdout.Fd())
}
