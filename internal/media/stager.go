// Package media stages uploaded photos on local disk and releases them once
// the post that owns them reaches a terminal state.
package media

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// StagingError reports an upload that could not be written to disk.
type StagingError struct {
	Name string
	Err  error
}

func (e *StagingError) Error() string {
	return fmt.Sprintf("stage %q: %v", e.Name, e.Err)
}

func (e *StagingError) Unwrap() error { return e.Err }

// IsRemote reports whether ref is a remote URL. Remote refs are never staged
// and never deleted.
func IsRemote(ref string) bool {
	return strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://")
}

type Stager struct {
	dir string
}

// NewStager creates dir if needed and returns a stager writing into it.
func NewStager(dir string) (*Stager, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve media dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create media dir: %w", err)
	}
	return &Stager{dir: abs}, nil
}

// Dir returns the absolute media directory.
func (s *Stager) Dir() string {
	return s.dir
}

// Stage copies r into a new file named <uuid><ext of name> and returns its
// absolute path. A partially written file is removed on failure.
func (s *Stager) Stage(name string, r io.Reader) (string, error) {
	ext := filepath.Ext(filepath.Base(name))
	path := filepath.Join(s.dir, uuid.NewString()+ext)

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", &StagingError{Name: name, Err: err}
	}

	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(path)
		return "", &StagingError{Name: name, Err: err}
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", &StagingError{Name: name, Err: err}
	}

	return path, nil
}

// Release deletes every local ref that still exists. Remote refs are skipped.
// A failed deletion is logged and does not stop the remaining ones; all
// failures are returned.
func (s *Stager) Release(refs []string) []error {
	return Release(refs)
}

// Release is the stager-independent form of (*Stager).Release. Staged paths
// are absolute, so deleting them does not need the media directory.
func Release(refs []string) []error {
	var errs []error
	for _, ref := range refs {
		if ref == "" || IsRemote(ref) {
			continue
		}
		err := os.Remove(ref)
		switch {
		case err == nil:
			log.Printf("media: deleted %s", ref)
		case errors.Is(err, os.ErrNotExist):
		default:
			log.Printf("media: failed to delete %s: %v", ref, err)
			errs = append(errs, fmt.Errorf("delete %s: %w", ref, err))
		}
	}
	return errs
}
