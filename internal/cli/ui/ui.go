// Package ui provides the skiplock CLI styles: colors, symbols, and
// terminal detection. All CLI visual output goes through these definitions.
package ui

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
)

// Colors use ANSI 4-bit for maximum terminal compatibility; lipgloss handles
// degradation automatically.
var (
	ColorCyan   = lipgloss.Color("6")
	ColorGreen  = lipgloss.Color("2")
	ColorYellow = lipgloss.Color("3")
	ColorRed    = lipgloss.Color("1")
)

// Semantic styles.
var (
	StyleBold    = lipgloss.NewStyle().Bold(true)
	StyleDim     = lipgloss.NewStyle().Faint(true)
	StyleSuccess = lipgloss.NewStyle().Foreground(ColorGreen)
	StyleWarning = lipgloss.NewStyle().Foreground(ColorYellow)
	StyleError   = lipgloss.NewStyle().Foreground(ColorRed)
	StyleBoldRed = lipgloss.NewStyle().Bold(true).Foreground(ColorRed)
	StyleHint    = lipgloss.NewStyle().Faint(true)
)

// Unicode status symbols.
const (
	SymbolCheck = "✓"
	SymbolCross = "✗"
	SymbolDot   = "●"
	SymbolArrow = "→"
)

// ColorEnabled returns whether stderr is a TTY that supports color.
// Respects NO_COLOR (https://no-color.org/).
func ColorEnabled() bool {
	if _, ok := os.LookupEnv("NO_COLOR"); ok {
		return false
	}
	return isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd())
}

// FormatError returns a styled error message with optional fix suggestions.
func FormatError(msg string, suggestions ...string) string {
	var b strings.Builder

	prefix := StyleBoldRed.Render("Error:")
	b.WriteString(fmt.Sprintf("%s %s\n", prefix, msg))

	if len(suggestions) > 0 {
		b.WriteString("\n")
		b.WriteString(StyleHint.Render("  Try:") + "\n")
		for _, s := range suggestions {
			b.WriteString(fmt.Sprintf("    %s %s\n", StyleHint.Render(SymbolArrow), s))
		}
	}

	return b.String()
}
