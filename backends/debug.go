package backends

import (
	"context"
	"io"
	"log/slog"
	"time"
)

// Debug wraps any Backend and adds debug logging.
// This allows any backend implementation to have debug logging without
// coupling the debug logic to the backend implementation.
type Debug struct {
	backend Backend
	logger  *slog.Logger
}

// NewDebug creates a new debug wrapper around an existing backend.
func NewDebug(backend Backend, logger *slog.Logger) *Debug {
	return &Debug{
		backend: backend,
		logger:  logger.With("component", "publisher"),
	}
}

// Put stores an object with debug logging.
func (d *Debug) Put(ctx context.Context, name string, body io.Reader, size int64) error {
	d.logger.Debug("put", "name", name, "size", size)

	start := time.Now()
	err := d.backend.Put(ctx, name, body, size)
	duration := time.Since(start)

	if err != nil {
		d.logger.Debug("put failed", "name", name, "error", err, "duration", duration)
		return err
	}

	d.logger.Debug("put completed", "name", name, "duration", duration)
	return nil
}

// Clear removes all published objects with debug logging.
func (d *Debug) Clear(ctx context.Context) error {
	d.logger.Debug("clear")

	start := time.Now()
	err := d.backend.Clear(ctx)
	duration := time.Since(start)

	if err != nil {
		d.logger.Debug("clear failed", "error", err, "duration", duration)
		return err
	}

	d.logger.Debug("clear completed", "duration", duration)
	return nil
}

// Close performs cleanup operations with debug logging.
func (d *Debug) Close() error {
	d.logger.Debug("close")

	start := time.Now()
	err := d.backend.Close()
	duration := time.Since(start)

	if err != nil {
		d.logger.Debug("close failed", "error", err, "duration", duration)
	} else {
		d.logger.Debug("close completed", "duration", duration)
	}

	return err
}
