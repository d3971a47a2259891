package goroutine

import (
	"os"
	"os/exec"
	"path/filepath"

	"github.com/ygrebnov/errorc"
)

// resolveEntry chooses the binary that worker processes will execute.
//
// Resolution order: an explicit filename (which must exist); the running
// executable; the program name looked up on PATH. Workers re-execute the
// caller's own binary, which is how main and workers end up building
// identical registries.
func resolveEntry(filename string) (string, error) {
	if filename != "" {
		abs, err := filepath.Abs(filename)
		if err != nil {
			return "", errorc.With(ErrEntryNotFound, errorc.String("filename", filename))
		}
		if _, err := os.Stat(abs); err != nil {
			return "", errorc.With(ErrEntryNotFound, errorc.String("filename", filename))
		}
		return abs, nil
	}

	if exe, err := os.Executable(); err == nil {
		if _, err := os.Stat(exe); err == nil {
			return exe, nil
		}
	}

	if len(os.Args) > 0 {
		if p, err := exec.LookPath(os.Args[0]); err == nil {
			if abs, err := filepath.Abs(p); err == nil {
				return abs, nil
			}
		}
	}

	return "", ErrEntryNotFound
}
