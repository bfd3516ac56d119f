package main

import (
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
)

var (
	colorSuccess = color.New(color.FgGreen)
	colorError   = color.New(color.FgRed)
	colorWarning = color.New(color.FgYellow)
	colorStep    = color.New(color.FgCyan)
	colorLabel   = color.New(color.Bold)
)

// stderr is where status output goes; tests swap it for a buffer.
var stderr io.Writer = os.Stderr

func colorize(c *color.Color, text string) string {
	return c.Sprint(text)
}

func printSuccess(format string, args ...any) {
	fmt.Fprintln(stderr, colorize(colorSuccess, "✓ "+fmt.Sprintf(format, args...)))
}

func printError(format string, args ...any) {
	fmt.Fprintln(stderr, colorize(colorError, "✗ "+fmt.Sprintf(format, args...)))
}

func printWarning(format string, args ...any) {
	fmt.Fprintln(stderr, colorize(colorWarning, "⚠ "+fmt.Sprintf(format, args...)))
}

func printStatus(label string, format string, args ...any) {
	fmt.Fprintf(stderr, "  %s %s\n", colorize(colorLabel, label+":"), fmt.Sprintf(format, args...))
}

func printStep(format string, args ...any) {
	fmt.Fprintln(stderr, colorize(colorStep, "→ "+fmt.Sprintf(format, args...)))
}
