// Package store manages the on-disk cache directory where graph inputs and
// rendered outputs live. Files are named deterministically from the content
// hash: <hash>.dot for the input and <hash>.<format> for the output.
package store

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/gofrs/flock"
)

const (
	// InputExt is the extension of graph input files.
	InputExt = "dot"

	lockFileName = ".lock"
	tmpPrefix    = ".tmp-"
)

// ErrLocked is returned by Lock when another process holds the directory.
var ErrLocked = errors.New("cache directory is locked by another process")

// Dir is a cache directory.
type Dir struct {
	dir    string
	format string
	lock   *flock.Flock
}

// New creates the directory if needed. format is the output extension, for
// example "svg".
func New(dir, format string) (*Dir, error) {
	if format == "" {
		return nil, fmt.Errorf("output format is required")
	}
	if strings.EqualFold(format, InputExt) {
		return nil, fmt.Errorf("output format %q would overwrite the .%s input", format, InputExt)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	return &Dir{
		dir:    dir,
		format: format,
		lock:   flock.New(filepath.Join(dir, lockFileName)),
	}, nil
}

// Path returns the cache directory.
func (d *Dir) Path() string {
	return d.dir
}

// Format returns the output extension.
func (d *Dir) Format() string {
	return d.format
}

// InputPath returns the path of the graph input for hash.
func (d *Dir) InputPath(hash string) string {
	return d.pathFor(hash, InputExt)
}

// OutputPath returns the path of the rendered output for hash.
func (d *Dir) OutputPath(hash string) string {
	return d.pathFor(hash, d.format)
}

// OutputName returns the base name of the rendered output for hash.
func (d *Dir) OutputName(hash string) string {
	return hash + "." + d.format
}

func (d *Dir) pathFor(hash, ext string) string {
	return filepath.Join(d.dir, hash+"."+ext)
}

// WriteInput atomically replaces the input file for hash with the contents of
// body and returns the number of bytes written.
func (d *Dir) WriteInput(hash string, body io.Reader) (int64, error) {
	inputPath := d.InputPath(hash)

	// Write to a temp file in the same directory so the rename is atomic.
	tmpFile, err := os.CreateTemp(d.dir, tmpPrefix+"*")
	if err != nil {
		return 0, fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()
	defer os.Remove(tmpPath)

	n, err := io.Copy(tmpFile, body)
	closeErr := tmpFile.Close()
	if err != nil {
		return n, fmt.Errorf("failed to write input: %w", err)
	}
	if closeErr != nil {
		return n, fmt.Errorf("failed to close temp file: %w", closeErr)
	}

	if err := os.Rename(tmpPath, inputPath); err != nil {
		return n, fmt.Errorf("failed to rename input file: %w", err)
	}

	return n, nil
}

// OutputSize returns the size of the rendered output for hash.
func (d *Dir) OutputSize(hash string) (int64, error) {
	info, err := os.Stat(d.OutputPath(hash))
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// Remove deletes the input and output files for hash. Missing files are not
// an error.
func (d *Dir) Remove(hash string) error {
	var errs []error
	for _, path := range []string{d.OutputPath(hash), d.InputPath(hash)} {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, fmt.Errorf("failed to remove %s: %w", path, err))
		}
	}
	return errors.Join(errs...)
}

// Clear removes every file in the directory except the lock file.
func (d *Dir) Clear() error {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read cache directory: %w", err)
	}

	for _, entry := range entries {
		if entry.Name() == lockFileName {
			continue
		}
		path := filepath.Join(d.dir, entry.Name())
		if err := os.RemoveAll(path); err != nil {
			return fmt.Errorf("failed to remove %s: %w", path, err)
		}
	}

	return nil
}

// Lock takes an exclusive, non-blocking lock on the directory. It returns
// ErrLocked if another process already holds it.
func (d *Dir) Lock() error {
	locked, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to acquire cache directory lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("%s: %w", d.dir, ErrLocked)
	}
	return nil
}

// Unlock releases the directory lock.
func (d *Dir) Unlock() error {
	return d.lock.Unlock()
}

// ValidHash reports whether hash is usable as a file name in the cache
// directory: a single path segment of letters, digits, '.', '_' or '-'.
func ValidHash(hash string) bool {
	if hash == "" || len(hash) > 128 || hash == "." || hash == ".." {
		return false
	}
	if strings.HasPrefix(hash, ".") {
		// Reserved for the lock and temp files.
		return false
	}
	for _, r := range hash {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '.', r == '_', r == '-':
		default:
			return false
		}
	}
	return true
}
