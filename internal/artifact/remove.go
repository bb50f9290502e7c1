package artifact

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// ErrDirNotEmpty is returned when a directory still has entries after its
// children were removed. It is retryable.
var ErrDirNotEmpty = errors.New("directory not empty")

// Remover physically deletes an artifact location.
type Remover interface {
	Remove(path string) error
}

// RemoverFunc adapts a function to Remover.
type RemoverFunc func(path string) error

func (f RemoverFunc) Remove(path string) error { return f(path) }

// DirError lists the children that could not be removed from a directory.
type DirError struct {
	Path     string
	Failures []error
}

func (e *DirError) Error() string {
	return fmt.Sprintf("remove %s: %d entries failed: %v", e.Path, len(e.Failures), errors.Join(e.Failures...))
}

func (e *DirError) Unwrap() []error { return e.Failures }

// OSRemover deletes files and directories from the local filesystem.
// Read-only permission bits are cleared before every removal. A location
// that no longer exists counts as removed.
type OSRemover struct{}

func (OSRemover) Remove(path string) error {
	info, err := os.Lstat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if info.IsDir() {
		return removeDir(path)
	}
	return removeFile(path)
}

func removeFile(path string) error {
	_ = os.Chmod(path, 0o600)
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// removeDir removes every child of path, collecting failures, then the
// directory itself.
func removeDir(path string) error {
	_ = os.Chmod(path, 0o700)

	entries, err := os.ReadDir(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}

	var failures []error
	for _, entry := range entries {
		child := filepath.Join(path, entry.Name())
		var err error
		if entry.IsDir() {
			err = removeDir(child)
		} else {
			err = removeFile(child)
		}
		if err != nil {
			failures = append(failures, err)
		}
	}

	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		if len(failures) == 0 {
			failures = append(failures, ErrDirNotEmpty)
		}
		return &DirError{Path: path, Failures: append(failures, err)}
	}
	if len(failures) > 0 {
		return &DirError{Path: path, Failures: failures}
	}
	return nil
}
