package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/fruitsalade/photocache/internal/logging"
)

// ErrNoBackend is returned when no registered backend owns a locator.
var ErrNoBackend = errors.New("no storage backend for locator")

// Router resolves which storage backend owns a given original locator.
type Router struct {
	mu       sync.RWMutex
	backends []Backend
}

// NewRouter creates a Router over the given backends. Earlier backends win
// when more than one claims a locator.
func NewRouter(backends ...Backend) *Router {
	return &Router{backends: backends}
}

// Register adds a backend.
func (r *Router) Register(b Backend) {
	r.mu.Lock()
	r.backends = append(r.backends, b)
	r.mu.Unlock()
}

// Resolve returns the backend and key for locator.
func (r *Router) Resolve(locator string) (Backend, string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, b := range r.backends {
		if key, ok := b.Key(locator); ok {
			return b, key, nil
		}
	}
	return nil, "", fmt.Errorf("%w: %s", ErrNoBackend, locator)
}

// Open reads the original addressed by locator.
func (r *Router) Open(ctx context.Context, locator string) (io.ReadCloser, int64, error) {
	b, key, err := r.Resolve(locator)
	if err != nil {
		return nil, 0, err
	}
	return b.GetObject(ctx, key)
}

// Close closes every backend.
func (r *Router) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for _, b := range r.backends {
		if err := b.Close(); err != nil {
			logging.Warn("failed to close storage backend", zap.String("type", b.Type()), zap.Error(err))
			errs = append(errs, err)
		}
	}
	r.backends = nil
	return errors.Join(errs...)
}
