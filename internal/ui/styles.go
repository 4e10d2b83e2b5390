// Package ui renders terminal output for the sparksync CLI.
package ui

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

var (
	passColor   = lipgloss.AdaptiveColor{Light: "#2E7D32", Dark: "#81C784"}
	warnColor   = lipgloss.AdaptiveColor{Light: "#E65100", Dark: "#FFB74D"}
	failColor   = lipgloss.AdaptiveColor{Light: "#C62828", Dark: "#E57373"}
	accentColor = lipgloss.AdaptiveColor{Light: "#1565C0", Dark: "#64B5F6"}
	mutedColor  = lipgloss.AdaptiveColor{Light: "#757575", Dark: "#9E9E9E"}

	passStyle   = lipgloss.NewStyle().Foreground(passColor)
	warnStyle   = lipgloss.NewStyle().Foreground(warnColor)
	failStyle   = lipgloss.NewStyle().Foreground(failColor).Bold(true)
	accentStyle = lipgloss.NewStyle().Foreground(accentColor)
	mutedStyle  = lipgloss.NewStyle().Foreground(mutedColor)
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(accentColor)
	keyStyle    = lipgloss.NewStyle().Foreground(mutedColor)
)

func init() {
	if os.Getenv("NO_COLOR") != "" {
		DisableColor()
	}
}

// DisableColor turns off styling, e.g. for --no-color or piped output.
func DisableColor() {
	lipgloss.SetColorProfile(termenv.Ascii)
}

// ColorEnabled reports whether output carries color codes.
func ColorEnabled() bool {
	return lipgloss.ColorProfile() != termenv.Ascii
}

func RenderPass(s string) string   { return passStyle.Render(s) }
func RenderWarn(s string) string   { return warnStyle.Render(s) }
func RenderFail(s string) string   { return failStyle.Render(s) }
func RenderAccent(s string) string { return accentStyle.Render(s) }
func RenderMuted(s string) string  { return mutedStyle.Render(s) }

// Header renders a section title.
func Header(s string) string {
	return headerStyle.Render(s)
}

// KV writes aligned "key: value" lines, indented by three spaces.
func KV(w io.Writer, pairs ...[2]string) {
	width := 0
	for _, p := range pairs {
		width = max(width, len(p[0]))
	}
	for _, p := range pairs {
		label := p[0] + ":" + strings.Repeat(" ", width-len(p[0]))
		fmt.Fprintf(w, "   %s %s\n", keyStyle.Render(label), p[1])
	}
}
