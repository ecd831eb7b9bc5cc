package backends

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// GCS publishes artifacts to a Google Cloud Storage bucket.
type GCS struct {
	client *storage.Client
	bucket *storage.BucketHandle
	name   string
	prefix string
}

// NewGCS creates a new GCS publisher. endpoint overrides the API endpoint,
// for example to target a local emulator; credentials are then not required.
func NewGCS(ctx context.Context, bucket, prefix, endpoint string) (*GCS, error) {
	if bucket == "" {
		return nil, fmt.Errorf("GCS bucket is required")
	}

	var opts []option.ClientOption
	if endpoint != "" {
		opts = append(opts, option.WithEndpoint(endpoint), option.WithoutAuthentication())
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}

	handle := client.Bucket(bucket)
	if _, err := handle.Attrs(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to access GCS bucket %s: %w", bucket, err)
	}

	return &GCS{
		client: client,
		bucket: handle,
		name:   bucket,
		prefix: prefix,
	}, nil
}

// Put streams body to GCS.
func (g *GCS) Put(ctx context.Context, name string, body io.Reader, size int64) error {
	w := g.bucket.Object(g.prefix + name).NewWriter(ctx)
	w.Metadata = map[string]string{
		"time": strconv.FormatInt(time.Now().Unix(), 10),
	}

	written, err := io.Copy(w, body)
	if err != nil {
		w.Close()
		return fmt.Errorf("failed to upload to GCS: %w", err)
	}
	if size >= 0 && written != size {
		// Closing would commit a truncated object.
		w.CloseWithError(fmt.Errorf("size mismatch"))
		return fmt.Errorf("size mismatch: expected %d, wrote %d", size, written)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to finalize GCS object: %w", err)
	}

	return nil
}

// Clear removes all objects under the prefix.
func (g *GCS) Clear(ctx context.Context) error {
	it := g.bucket.Objects(ctx, &storage.Query{Prefix: g.prefix})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to list GCS objects in %s: %w", g.name, err)
		}
		if err := g.bucket.Object(attrs.Name).Delete(ctx); err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
			return fmt.Errorf("failed to delete GCS object %s: %w", attrs.Name, err)
		}
	}
}

// Close releases the GCS client.
func (g *GCS) Close() error {
	return g.client.Close()
}
