// Package ports declares the storage contract shared by the API, the worker
// and the storage adapters.
package ports

import (
	"context"
	"io"
)

type PutObjectInput struct {
	ObjectKey   string
	ContentType string
	Reader      io.Reader
	Size        int64
}

type PutObjectOutput struct {
	// For localfs this is the object key itself. For gdrive it is the Drive
	// file id, which later reads must use.
	ObjectKey string
	Size      int64
}

// StorageProvider holds client-supplied scene assets and published renders.
type StorageProvider interface {
	Provider() string

	PutObject(ctx context.Context, in PutObjectInput) (PutObjectOutput, error)
	GetObject(ctx context.Context, objectKey string) (rc io.ReadCloser, contentType string, size int64, err error)
	DeleteObject(ctx context.Context, objectKey string) error

	// Ping checks that the backend is reachable and writable.
	Ping(ctx context.Context) error
}
