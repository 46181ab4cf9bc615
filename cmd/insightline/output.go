package main

import (
	"fmt"
	"io"
	"os"
)

// stderr receives status lines; stdout is left for command results.
var stderr io.Writer = os.Stderr

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
)

func colorize(color, text string) string {
	if noColor {
		return text
	}
	return color + text + colorReset
}

func notice(color, mark, format string, args ...any) {
	fmt.Fprintln(stderr, colorize(color, mark+" "+fmt.Sprintf(format, args...)))
}

func printSuccess(format string, args ...any) { notice(colorGreen, "✓", format, args...) }
func printError(format string, args ...any)   { notice(colorRed, "✗", format, args...) }
func printWarning(format string, args ...any) { notice(colorYellow, "⚠", format, args...) }
func printStep(format string, args ...any)    { notice(colorCyan, "→", format, args...) }

// printStatus writes an aligned "label: value" row of the status report.
func printStatus(label, format string, args ...any) {
	l := colorize(colorBold, fmt.Sprintf("%-*s", statusLabelWidth, label+":"))
	fmt.Fprintf(stderr, "  %s %s\n", l, fmt.Sprintf(format, args...))
}

const statusLabelWidth = 11

// outcomeColor picks the color for an alert outcome or queue result.
func outcomeColor(outcome string) string {
	switch outcome {
	case "triggered", "completed", "queued":
		return colorGreen
	case "error", "failed":
		return colorRed
	case "retried":
		return colorYellow
	default:
		return colorCyan
	}
}
