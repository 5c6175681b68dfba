package commands

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/formatters"
	"github.com/alecthomas/chroma/v2/lexers"
	"github.com/alecthomas/chroma/v2/styles"
	"github.com/charmbracelet/lipgloss"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#7B68EE"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#00D4FF")).
			Width(22)

	okStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("#7FFF00"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF0000")).
			Bold(true)

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666"))
)

// exitError carries a process exit code out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func withExitCode(code int, err error) error {
	return &exitError{code: code, err: err}
}

// ExitCode returns the process exit code for an error from Execute.
func ExitCode(err error) int {
	var ee *exitError
	if errors.As(err, &ee) && ee.code != 0 {
		return ee.code
	}
	return 1
}

func colorEnabled() bool {
	return cfg == nil || cfg.CLI.Color
}

func render(s lipgloss.Style, text string) string {
	if !colorEnabled() {
		return text
	}
	return s.Render(text)
}

func title(text string) string {
	return render(titleStyle, text)
}

// row formats one "label value" line of a report.
func row(label string, value any) string {
	if !colorEnabled() {
		return fmt.Sprintf("  %-22s%v", label, value)
	}
	return "  " + labelStyle.Render(label) + fmt.Sprint(value)
}

func yesNo(v bool) string {
	if v {
		return render(okStyle, "yes")
	}
	return render(dimStyle, "no")
}

// highlightSource renders OpenCL C source with ANSI colors. OpenCL C has no
// lexer of its own, so the C lexer is used.
func highlightSource(code string) string {
	lexer := lexers.Get("c")
	if lexer == nil {
		lexer = lexers.Fallback
	}
	lexer = chroma.Coalesce(lexer)

	formatter := formatters.Get("terminal256")
	if formatter == nil {
		formatter = formatters.Fallback
	}

	style := styles.Get("monokai")
	if style == nil {
		style = styles.Fallback
	}

	iterator, err := lexer.Tokenise(nil, code)
	if err != nil {
		return code
	}

	var buf bytes.Buffer
	if err := formatter.Format(&buf, style, iterator); err != nil {
		return code
	}
	return strings.TrimSuffix(buf.String(), "\n")
}

// numberLines prefixes every line with its line number.
func numberLines(code string) string {
	lines := strings.Split(strings.TrimSuffix(code, "\n"), "\n")
	width := len(fmt.Sprint(len(lines)))

	var sb strings.Builder
	for i, line := range lines {
		num := fmt.Sprintf("%*d │ ", width, i+1)
		sb.WriteString(render(dimStyle, num))
		sb.WriteString(line)
		sb.WriteString("\n")
	}
	return sb.String()
}
