// Package banner renders the greeting block shown when a session connects.
package banner

import (
	"strings"

	"github.com/common-nighthawk/go-figure"
)

// Render draws text as ASCII art followed by a blank line, with CRLF
// line endings suitable for both transports. Empty input renders nothing.
func Render(text string) string {
	if strings.TrimSpace(text) == "" {
		return ""
	}
	fig := figure.NewFigure(text, "slant", false)
	var b strings.Builder
	for _, row := range fig.Slicify() {
		b.WriteString(strings.TrimRight(row, " "))
		b.WriteString("\r\n")
	}
	b.WriteString("\r\n")
	return b.String()
}
