package terminal

import (
	"io"
	"os"
	"strings"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

const (
	terminalHighlightEscapeCode string = "\033[%2dm"
	terminalResetEscapeCode     string = "\033[0m"
)

const (
	ansiBlack   = 30
	ansiBlue    = 34
	ansiWhite   = 37
	ansiBrBlack = 90
	ansiBrWhite = 97
)

// isDumbTerminal returns true if escape sequences must not be written to
// stdout, either because TERM says so or because it is not a terminal.
func isDumbTerminal(stdout *os.File) bool {
	if strings.ToLower(os.Getenv("TERM")) == "dumb" {
		return true
	}
	return !isatty.IsTerminal(stdout.Fd())
}

// getColorableWriter returns a writer for stdout that translates ANSI
// escape sequences on consoles that do not understand them.
func getColorableWriter() io.Writer {
	return colorable.NewColorableStdout()
}

// validPromptColor returns true for the 3/4 bit foreground colors.
func validPromptColor(c int) bool {
	return (c >= ansiBlack && c <= ansiWhite) || (c >= ansiBrBlack && c <= ansiBrWhite)
}
