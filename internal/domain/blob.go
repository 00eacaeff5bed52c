package domain

import (
	"context"
	"io"
	"time"
)

// BlobInfo describes an archived object, as returned by listings.
type BlobInfo struct {
	Path         string    `json:"path"`
	Size         int64     `json:"size"`
	ContentType  string    `json:"content_type,omitempty"`
	LastModified time.Time `json:"last_modified"`
}

// PutOptions controls how an object is stored. A positive PartSize uploads
// in parts of that size; Metadata is attached to the object as-is.
type PutOptions struct {
	ContentType string
	Metadata    map[string]string
	PartSize    int64
}

// BlobWriter stores objects.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, opts PutOptions) error
}

// BlobReader fetches and lists objects. Get returns ErrNotFound for a
// missing path.
type BlobReader interface {
	Get(ctx context.Context, path string) (io.ReadCloser, error)
	List(ctx context.Context, prefix string) ([]BlobInfo, error)
	Exists(ctx context.Context, path string) (bool, error)
}
