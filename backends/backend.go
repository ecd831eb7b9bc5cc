// Package backends publishes rendered artifacts to external storage.
//
// Publishing is an export: the server never reads objects back, so a
// backend adds no persistence to the render cache itself.
package backends

import (
	"context"
	"io"
)

// Backend defines the interface for artifact publish targets.
//
// Implementations must be thread-safe. The caller guarantees that there is
// never more than one inflight Put for the same name, since a name is only
// published by the single build that produced it.
type Backend interface {
	// Put stores body under name. size is the number of bytes in body, or -1
	// if unknown.
	Put(ctx context.Context, name string, body io.Reader, size int64) error

	// Clear removes every object this backend has published.
	Clear(ctx context.Context) error

	// Close performs any cleanup operations needed by the backend.
	Close() error
}

// Noop is a Backend that discards everything. It is used when publishing is
// disabled.
type Noop struct{}

// NewNoop creates a new no-op backend.
func NewNoop() *Noop {
	return &Noop{}
}

// Put drains body and discards it.
func (Noop) Put(_ context.Context, _ string, body io.Reader, _ int64) error {
	_, err := io.Copy(io.Discard, body)
	return err
}

// Clear does nothing.
func (Noop) Clear(context.Context) error { return nil }

// Close does nothing.
func (Noop) Close() error { return nil }
