package languages

import (
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/itstheanurag/judgebox/internal/report"
)

// Command templates may reference these placeholders.
const (
	PlaceholderBase   = "{base}"
	PlaceholderSource = "{source}"
	PlaceholderInput  = "{input}"
)

// Profile describes how to build and run submissions of one language. It is a
// plain value: every language goes through the same executor.
type Profile struct {
	ID         string
	Name       string
	Image      string
	SourceFile string
	BaseName   string
	TempPrefix string

	// SourceMode and InputMode are applied after the files are written.
	// Zero leaves the permissions untouched.
	SourceMode fs.FileMode
	InputMode  fs.FileMode

	// Probe checks that the runtime exists inside the container.
	Probe []string
	// Compile is empty for interpreted languages.
	Compile []string
	Run     []string
}

func (p Profile) LanguageID() string { return p.ID }

func (p Profile) SourceFileName() string { return p.SourceFile }

func (p Profile) TempDirPrefix() string {
	if p.TempPrefix != "" {
		return p.TempPrefix
	}
	return "judge-" + p.ID + "-"
}

func (p Profile) AfterSourceWritten(path string) error {
	return chmodIfSet(path, p.SourceMode)
}

func (p Profile) AfterTestFileWritten(path string) error {
	return chmodIfSet(path, p.InputMode)
}

// CompileCommand returns false for interpreted languages.
func (p Profile) CompileCommand(base string) ([]string, bool) {
	if len(p.Compile) == 0 {
		return nil, false
	}
	return p.expand(p.Compile, base, ""), true
}

func (p Profile) RunCommand(base string, args []string) []string {
	cmd := p.expand(p.Run, base, "")
	return append(cmd, args...)
}

// RunWithInputFileCommand runs the program with stdin redirected from
// inputPath inside the container.
func (p Profile) RunWithInputFileCommand(base, inputPath string) []string {
	run := p.expand(p.Run, base, inputPath)
	script := "exec " + shellJoin(run) + " < " + shellQuote(inputPath)
	return []string{"sh", "-c", script}
}

// ErrorMetrics builds the zero-valued, unmatched metrics recorded for a run
// that failed with the given classification.
func (p Profile) ErrorMetrics(status report.Status, message string) report.ExecutionMetrics {
	return report.ExecutionMetrics{
		Language:  p.ID,
		Status:    status,
		RawOutput: strings.TrimSpace(message),
		ExitCode:  report.NotRunExitCode,
	}
}

func (p Profile) expand(tmpl []string, base, input string) []string {
	r := strings.NewReplacer(
		PlaceholderBase, base,
		PlaceholderSource, p.SourceFile,
		PlaceholderInput, input,
	)
	out := make([]string, len(tmpl))
	for i, arg := range tmpl {
		out[i] = r.Replace(arg)
	}
	return out
}

func chmodIfSet(path string, mode fs.FileMode) error {
	if mode == 0 {
		return nil
	}
	if err := os.Chmod(path, mode); err != nil {
		return fmt.Errorf("chmod %s: %w", path, err)
	}
	return nil
}

func shellJoin(args []string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = shellQuote(a)
	}
	return strings.Join(quoted, " ")
}

func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	safe := true
	for _, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || strings.ContainsRune("-_./=:+,@", r)) {
			safe = false
			break
		}
	}
	if safe {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
