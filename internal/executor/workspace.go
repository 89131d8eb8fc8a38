package executor

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/itstheanurag/judgebox/internal/languages"
	"github.com/rs/zerolog"
)

// InputFileName is the name the test input is written under, both in the
// workspace and inside the container.
const InputFileName = "input.txt"

// workspace is the temp directory owned by a single invocation.
type workspace struct {
	dir string
}

func newWorkspace(root string, profile languages.Profile) (*workspace, error) {
	if root != "" {
		if err := os.MkdirAll(root, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create workspace root: %w", err)
		}
	}
	dir, err := os.MkdirTemp(root, profile.TempDirPrefix())
	if err != nil {
		return nil, fmt.Errorf("failed to create workspace: %w", err)
	}
	// the container runs as an unprivileged user that must write here
	if err := os.Chmod(dir, 0o777); err != nil {
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("failed to chmod workspace: %w", err)
	}
	return &workspace{dir: dir}, nil
}

func (w *workspace) writeSource(profile languages.Profile, source string) error {
	path := filepath.Join(w.dir, profile.SourceFileName())
	if err := os.WriteFile(path, []byte(source), 0o644); err != nil {
		return fmt.Errorf("failed to write source file: %w", err)
	}
	return profile.AfterSourceWritten(path)
}

func (w *workspace) writeInput(profile languages.Profile, content string) error {
	path := filepath.Join(w.dir, InputFileName)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("failed to write input file: %w", err)
	}
	return profile.AfterTestFileWritten(path)
}

func (w *workspace) remove(logger *zerolog.Logger) {
	if err := os.RemoveAll(w.dir); err != nil {
		logger.Warn().Err(err).Str("dir", w.dir).Msg("failed to remove workspace")
	}
}
