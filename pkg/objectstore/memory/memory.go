// Package memory is an in-memory object store intended for tests and local runs.
package memory

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/wilhg/geotask/pkg/objectstore"
)

type object struct {
	data        []byte
	contentType string
}

// Store is a concurrency-safe in-memory objectstore.Store.
type Store struct {
	mu      sync.RWMutex
	buckets map[string]map[string]object // bucket -> key -> object

	// FailDelete, when set, makes DeleteMany fail for matching keys.
	FailDelete func(bucket, key string) error
}

// New creates an empty store.
func New() *Store {
	return &Store{buckets: make(map[string]map[string]object)}
}

// Put stores the object, replacing any previous content.
func (s *Store) Put(ctx context.Context, bucket, key string, body io.Reader, size int64, contentType string) error {
	if bucket == "" || key == "" {
		return errors.New("memory objectstore: empty bucket or key")
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.buckets[bucket]
	if !ok {
		b = make(map[string]object)
		s.buckets[bucket] = b
	}
	b[key] = object{data: data, contentType: contentType}
	return nil
}

// Get returns a reader over a copy of the object.
func (s *Store) Get(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.buckets[bucket][key]
	if !ok {
		return nil, objectstore.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(bytes.Clone(obj.data))), nil
}

// ListUnderPrefix lists keys below prefix in lexical order.
func (s *Store) ListUnderPrefix(ctx context.Context, bucket, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var keys []string
	for k := range s.buckets[bucket] {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// DeleteMany removes keys; missing keys are not errors.
func (s *Store) DeleteMany(ctx context.Context, bucket string, keys []string) []objectstore.KeyError {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []objectstore.KeyError
	for _, k := range keys {
		if s.FailDelete != nil {
			if err := s.FailDelete(bucket, k); err != nil {
				errs = append(errs, objectstore.KeyError{Key: k, Err: err})
				continue
			}
		}
		delete(s.buckets[bucket], k)
	}
	return errs
}

// Keys returns every key in bucket, sorted. Useful in tests.
func (s *Store) Keys(bucket string) []string {
	keys, _ := s.ListUnderPrefix(context.Background(), bucket, "")
	return keys
}
