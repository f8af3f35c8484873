package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"go.uber.org/multierr"
	"golang.org/x/term"
)

var (
	primaryColor = lipgloss.Color("#7D56F4")
	accentColor  = lipgloss.Color("#04B575")
	warningColor = lipgloss.Color("#FFCC00")
	errorColor   = lipgloss.Color("#FF6B6B")
	dimColor     = lipgloss.Color("#626262")

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor)

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			Padding(0, 1)

	cellStyle = lipgloss.NewStyle().Padding(0, 1)

	okStyle      = lipgloss.NewStyle().Foreground(accentColor)
	warningStyle = lipgloss.NewStyle().Foreground(warningColor)
	errorStyle   = lipgloss.NewStyle().Bold(true).Foreground(errorColor)
	dimStyle     = lipgloss.NewStyle().Foreground(dimColor)
)

// printTable renders rows under a styled header.
func printTable(w io.Writer, headers []string, rows [][]string) {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(dimStyle).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
	fmt.Fprintln(w, t.String())
}

func printTitle(w io.Writer, format string, args ...any) {
	fmt.Fprintln(w, titleStyle.Render(fmt.Sprintf(format, args...)))
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// reportFailures prints every error combined in err on stderr and returns
// a one-line summary, or nil when err is nil.
func reportFailures(err error) error {
	errs := multierr.Errors(err)
	if len(errs) == 0 {
		return nil
	}
	for _, e := range errs {
		fmt.Fprintf(os.Stderr, "%s %v\n", warningStyle.Render("!"), e)
	}
	if len(errs) == 1 {
		return errs[0]
	}
	return fmt.Errorf("%d hosts failed", len(errs))
}

func onOff(on bool) string {
	if on {
		return okStyle.Render("on")
	}
	return dimStyle.Render("off")
}

func joinInts(values []int) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = fmt.Sprint(v)
	}
	return strings.Join(parts, " ")
}

// promptPassword reads a password without echo.
func promptPassword(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("--ask-password needs an interactive terminal")
	}
	fmt.Fprint(os.Stderr, prompt)
	password, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	return string(password), nil
}
