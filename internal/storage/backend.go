// Package storage defines the Backend interface for reading original photos
// and routes original-content locators to the backend that owns them.
package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNotFound is returned when an original no longer exists.
var ErrNotFound = errors.New("original not found")

// ObjectInfo describes one object returned by List.
type ObjectInfo struct {
	Key     string
	Size    int64
	ModTime time.Time
}

// Backend is the interface for original content storage.
// Implementations handle raw object reads (local filesystem, S3).
// Originals are never written through this interface.
type Backend interface {
	// GetObject retrieves an entire object by key.
	GetObject(ctx context.Context, key string) (io.ReadCloser, int64, error)

	// List returns all objects under prefix in lexical key order.
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)

	// Locator returns the original-content locator for key.
	Locator(key string) string

	// Key maps a locator produced by Locator back to a key.
	Key(locator string) (string, bool)

	// Type returns the backend type identifier ("local", "s3").
	Type() string

	// Close releases any resources held by the backend.
	Close() error
}
