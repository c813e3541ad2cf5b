// Package objectstore defines the bucket storage the tasks write artifacts to.
package objectstore

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned by Get for missing objects.
var ErrNotFound = errors.New("objectstore: object not found")

// KeyError reports a failed delete of one key.
type KeyError struct {
	Key string
	Err error
}

func (e KeyError) Error() string { return e.Key + ": " + e.Err.Error() }

func (e KeyError) Unwrap() error { return e.Err }

// Store is an S3-style object store.
type Store interface {
	Put(ctx context.Context, bucket, key string, body io.Reader, size int64, contentType string) error
	Get(ctx context.Context, bucket, key string) (io.ReadCloser, error)
	// ListUnderPrefix returns every key below prefix, recursively.
	ListUnderPrefix(ctx context.Context, bucket, prefix string) ([]string, error)
	// DeleteMany removes keys and reports per-key failures instead of
	// returning an error; callers aggregate them.
	DeleteMany(ctx context.Context, bucket string, keys []string) []KeyError
}
