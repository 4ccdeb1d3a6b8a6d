// Package diff renders go-cmp differences for test failures.
package diff

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/google/go-cmp/cmp"
)

// Diff compares want and got with cmp and returns an annotated report, or
// "" when they are equal.
func Diff[T any](want, got T, opts ...cmp.Option) string {
	return Enrich(cmp.Diff(want, got, opts...))
}

// Enrich prefixes the lines of a cmp report with want/got markers. Removed
// lines ("-") are what was wanted, added lines ("+") are what was got.
func Enrich(report string) string {
	if report == "" {
		return ""
	}

	want := fmt.Sprintf("[%s] %s", color.New(color.FgBlue, color.Bold).Sprint("want"), color.New(color.Faint).Sprint(" -"))
	got := fmt.Sprintf("[%s] %s", color.New(color.FgRed, color.Bold).Sprint("got"), color.New(color.Faint).Sprint("  +"))

	var b strings.Builder
	b.WriteString("\n")
	for _, line := range strings.Split(strings.TrimRight(report, "\n"), "\n") {
		switch {
		case strings.HasPrefix(line, "-"):
			b.WriteString(want + " | " + color.New(color.FgBlue).Sprint(line[1:]) + "\n")
		case strings.HasPrefix(line, "+"):
			b.WriteString(got + " | " + color.New(color.FgRed).Sprint(line[1:]) + "\n")
		default:
			b.WriteString(strings.Repeat(" ", 9) + " | " + color.New(color.Faint).Sprint(line) + "\n")
		}
	}
	return b.String()
}
