// Package staging writes submitted source into per-job directories on
// the host.
package staging

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/multierr"
)

var ErrInvalidJobID = errors.New("invalid job id")

// Workspace is one job's staged source.
type Workspace struct {
	JobID    string
	Dir      string
	FilePath string
}

type Stager struct {
	root string
}

// New creates root if it does not exist yet.
func New(root string) (*Stager, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create staging root %s: %w", root, err)
	}
	return &Stager{root: root}, nil
}

func (s *Stager) Root() string {
	return s.root
}

// Create writes code to fileName inside a fresh directory named by a new
// job ID. The directory is world-writable so an unprivileged container
// user can write compiler output next to the source.
func (s *Stager) Create(fileName, code string) (Workspace, error) {
	if fileName == "" || strings.ContainsAny(fileName, `/\`) {
		return Workspace{}, fmt.Errorf("invalid source file name %q", fileName)
	}

	jobID := uuid.NewString()
	dir := filepath.Join(s.root, jobID)
	if err := os.Mkdir(dir, 0o777); err != nil {
		return Workspace{}, fmt.Errorf("create job dir: %w", err)
	}
	// Mkdir is subject to umask.
	if err := os.Chmod(dir, 0o777); err != nil {
		os.RemoveAll(dir)
		return Workspace{}, fmt.Errorf("chmod job dir: %w", err)
	}

	path := filepath.Join(dir, fileName)
	if err := os.WriteFile(path, []byte(code), 0o666); err != nil {
		os.RemoveAll(dir)
		return Workspace{}, fmt.Errorf("write source file: %w", err)
	}
	return Workspace{JobID: jobID, Dir: dir, FilePath: path}, nil
}

// Remove deletes a job's directory. A missing directory is not an error.
func (s *Stager) Remove(jobID string) error {
	if err := checkJobID(jobID); err != nil {
		return err
	}
	err := os.RemoveAll(filepath.Join(s.root, jobID))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove job dir %s: %w", jobID, err)
	}
	return nil
}

// PurgeOrphans removes job directories left by an earlier process, such
// as after a crash, and returns how many it removed.
func (s *Stager) PurgeOrphans() (int, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return 0, fmt.Errorf("read staging root: %w", err)
	}
	removed := 0
	var errs error
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := uuid.Parse(e.Name()); err != nil {
			continue
		}
		if err := os.RemoveAll(filepath.Join(s.root, e.Name())); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		removed++
	}
	return removed, errs
}

func checkJobID(jobID string) error {
	if jobID == "" || jobID == "." || jobID == ".." || strings.ContainsAny(jobID, `/\`) {
		return fmt.Errorf("%w: %q", ErrInvalidJobID, jobID)
	}
	return nil
}
