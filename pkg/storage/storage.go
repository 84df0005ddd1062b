// Package storage persists uploaded message files and avatar images.
package storage

import (
	"context"
	"io"
)

// FileStore stores named blobs under a fixed directory or bucket prefix.
type FileStore interface {
	Save(ctx context.Context, name string, r io.Reader, size int64, contentType string) error
	Open(ctx context.Context, name string) (io.ReadCloser, error)
	Remove(ctx context.Context, name string) error
}
