package backends

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Disk publishes artifacts into a local directory, for example a shared
// volume served by another web server.
type Disk struct {
	baseDir string
}

// NewDisk creates a new disk publisher rooted at baseDir.
func NewDisk(baseDir string) (*Disk, error) {
	if baseDir == "" {
		return nil, fmt.Errorf("publish directory is required")
	}
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create publish directory: %w", err)
	}

	return &Disk{
		baseDir: baseDir,
	}, nil
}

// Put atomically writes body to <baseDir>/<name>.
func (d *Disk) Put(_ context.Context, name string, body io.Reader, size int64) error {
	diskPath := filepath.Join(d.baseDir, filepath.Base(name))

	tmpFile, err := os.CreateTemp(d.baseDir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()
	defer os.Remove(tmpPath) // Clean up if something goes wrong

	written, err := io.Copy(tmpFile, body)
	closeErr := tmpFile.Close()
	if err != nil {
		return fmt.Errorf("failed to write publish file: %w", err)
	}
	if closeErr != nil {
		return fmt.Errorf("failed to close temp file: %w", closeErr)
	}
	if size >= 0 && written != size {
		return fmt.Errorf("size mismatch: expected %d, wrote %d", size, written)
	}

	if err := os.Rename(tmpPath, diskPath); err != nil {
		return fmt.Errorf("failed to rename publish file: %w", err)
	}

	return nil
}

// Clear removes all published files.
func (d *Disk) Clear(context.Context) error {
	entries, err := os.ReadDir(d.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			// Directory doesn't exist, nothing to clear
			return nil
		}
		return fmt.Errorf("failed to read publish directory: %w", err)
	}

	for _, entry := range entries {
		path := filepath.Join(d.baseDir, entry.Name())
		if err := os.RemoveAll(path); err != nil {
			return fmt.Errorf("failed to remove %s: %w", path, err)
		}
	}

	return nil
}

// Close performs cleanup operations.
func (d *Disk) Close() error {
	// No cleanup needed for disk backend
	return nil
}
