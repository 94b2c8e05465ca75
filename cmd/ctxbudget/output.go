package main

import (
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"golang.org/x/term"

	jsonx "ctxbudget/internal/shared/json"
)

// isTTY reports whether stdout is attached to a terminal.
func isTTY() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

var (
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	cyan   = color.New(color.FgCyan).SprintFunc()
	gray   = color.New(color.FgHiBlack).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

func errorLine(msg string) string {
	return red("error: " + msg)
}

// modeColor colors a dispatch mode or enforcement outcome by severity.
func modeColor(value string) string {
	switch value {
	case "auto", "allowed", "accepted", "injected", "off":
		return green(value)
	case "gate", "warned", "warn", "skipped":
		return yellow(value)
	case "blocked", "enforce", "floor_unmet", "filtered_out":
		return red(value)
	default:
		return cyan(value)
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := jsonx.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printf(w io.Writer, format string, args ...any) {
	_, _ = fmt.Fprintf(w, format, args...)
}
