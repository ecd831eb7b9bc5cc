package backends

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/pierrec/lz4/v4"
)

// CompressSuffix is appended to the name of every object stored through
// Compress.
const CompressSuffix = ".lz4"

// Compress wraps any Backend and stores each body as an lz4 frame.
type Compress struct {
	backend Backend
}

// NewCompress creates a new compressing wrapper around an existing backend.
func NewCompress(backend Backend) *Compress {
	return &Compress{
		backend: backend,
	}
}

// Put compresses body and stores it under name + CompressSuffix.
func (c *Compress) Put(ctx context.Context, name string, body io.Reader, _ int64) error {
	var buf bytes.Buffer
	zw := lz4.NewWriter(&buf)
	if _, err := io.Copy(zw, body); err != nil {
		return fmt.Errorf("failed to compress %s: %w", name, err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("failed to finish lz4 frame for %s: %w", name, err)
	}

	size := int64(buf.Len())
	return c.backend.Put(ctx, name+CompressSuffix, &buf, size)
}

// Clear removes all entries from the wrapped backend.
func (c *Compress) Clear(ctx context.Context) error {
	return c.backend.Clear(ctx)
}

// Close closes the wrapped backend.
func (c *Compress) Close() error {
	return c.backend.Close()
}

// Decompress returns a reader over the original bytes of an lz4 frame
// produced by Compress.
func Decompress(r io.Reader) io.Reader {
	return lz4.NewReader(r)
}
