// File: internal/trajectory/file_store.go
package trajectory

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	json "github.com/json-iterator/go"
	"github.com/mitchellh/go-homedir"

	"github.com/xkilldash9x/phonepilot/api/schemas"
)

const (
	trajectoryFile = "trajectory.json"
	screenshotDir  = "screenshots"
)

// FileStore keeps each task under <dir>/<task_id>/. Writes replace the whole
// document atomically, so a reader sees either the previous or the new version.
type FileStore struct {
	dir string
}

// NewFileStore creates the output directory. A leading ~ is expanded.
func NewFileStore(dir string) (*FileStore, error) {
	expanded, err := homedir.Expand(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to expand output directory %q: %w", dir, err)
	}
	abs, err := filepath.Abs(expanded)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve output directory: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	return &FileStore{dir: abs}, nil
}

// Location returns the path of a task's trajectory file.
func (s *FileStore) Location(taskID string) string {
	return filepath.Join(s.dir, taskID, trajectoryFile)
}

// Save writes the full trajectory document.
func (s *FileStore) Save(ctx context.Context, traj *schemas.Trajectory) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(traj, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode trajectory: %w", err)
	}
	return writeAtomic(s.Location(traj.TaskID), data)
}

// Load reads a task's trajectory back.
func (s *FileStore) Load(ctx context.Context, taskID string) (*schemas.Trajectory, error) {
	return LoadFile(s.Location(taskID))
}

// SaveScreenshot stores the PNG once and returns its path relative to the task directory.
func (s *FileStore) SaveScreenshot(ctx context.Context, taskID string, index int, png []byte) (string, error) {
	rel := filepath.Join(screenshotDir, fmt.Sprintf("step_%04d.png", index))
	path := filepath.Join(s.dir, taskID, rel)
	if _, err := os.Stat(path); err == nil {
		return filepath.ToSlash(rel), nil
	}
	if err := writeAtomic(path, png); err != nil {
		return "", err
	}
	return filepath.ToSlash(rel), nil
}

// LoadFile reads a trajectory document from any path.
func LoadFile(path string) (*schemas.Trajectory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read trajectory: %w", err)
	}
	var traj schemas.Trajectory
	if err := json.Unmarshal(data, &traj); err != nil {
		return nil, fmt.Errorf("failed to decode trajectory %s: %w", path, err)
	}
	return &traj, nil
}

func writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to move %s into place: %w", path, err)
	}
	return nil
}
