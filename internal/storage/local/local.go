// Package local provides a read-only local filesystem backend for originals.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fruitsalade/photocache/internal/metrics"
	"github.com/fruitsalade/photocache/internal/storage"
)

// Config holds local filesystem backend settings.
type Config struct {
	RootPath string `json:"root_path"`
}

// LocalBackend implements storage.Backend using the local filesystem.
// Locators are file:// URLs of absolute paths under the root.
type LocalBackend struct {
	rootPath string
}

// New creates a new local filesystem backend.
func New(cfg Config) (*LocalBackend, error) {
	if cfg.RootPath == "" {
		return nil, fmt.Errorf("root_path is required")
	}

	abs, err := filepath.Abs(cfg.RootPath)
	if err != nil {
		return nil, fmt.Errorf("resolve root path %s: %w", cfg.RootPath, err)
	}

	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("stat root path %s: %w", abs, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("root path %s is not a directory", abs)
	}

	return &LocalBackend{rootPath: abs}, nil
}

func (b *LocalBackend) fullPath(key string) string {
	return filepath.Join(b.rootPath, filepath.FromSlash(key))
}

// GetObject opens a file under the root.
func (b *LocalBackend) GetObject(_ context.Context, key string) (io.ReadCloser, int64, error) {
	start := time.Now()
	f, err := os.Open(b.fullPath(key))
	if err != nil {
		metrics.RecordStorageOperation("local", "get_object", time.Since(start), false)
		if errors.Is(err, fs.ErrNotExist) {
			return nil, 0, fmt.Errorf("open %s: %w", key, storage.ErrNotFound)
		}
		return nil, 0, fmt.Errorf("open %s: %w", key, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		metrics.RecordStorageOperation("local", "get_object", time.Since(start), false)
		return nil, 0, fmt.Errorf("stat %s: %w", key, err)
	}
	metrics.RecordStorageOperation("local", "get_object", time.Since(start), true)
	return f, info.Size(), nil
}

// List walks the root below prefix. Hidden files and directories are skipped.
func (b *LocalBackend) List(ctx context.Context, prefix string) ([]storage.ObjectInfo, error) {
	start := time.Now()
	base := b.fullPath(prefix)
	var objects []storage.ObjectInfo

	err := filepath.WalkDir(base, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == base {
				return err
			}
			return nil // Skip unreadable entries
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if strings.HasPrefix(d.Name(), ".") && path != base {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		rel, err := filepath.Rel(b.rootPath, path)
		if err != nil {
			return nil
		}
		objects = append(objects, storage.ObjectInfo{
			Key:     filepath.ToSlash(rel),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
		return nil
	})
	if err != nil {
		metrics.RecordStorageOperation("local", "list", time.Since(start), false)
		return nil, fmt.Errorf("list %s: %w", prefix, err)
	}

	sort.Slice(objects, func(i, j int) bool { return objects[i].Key < objects[j].Key })
	metrics.RecordStorageOperation("local", "list", time.Since(start), true)
	return objects, nil
}

// Locator returns the file:// URL of key.
func (b *LocalBackend) Locator(key string) string {
	u := url.URL{Scheme: "file", Path: filepath.ToSlash(b.fullPath(key))}
	return u.String()
}

// Key maps a file:// locator under the root back to its key.
func (b *LocalBackend) Key(locator string) (string, bool) {
	u, err := url.Parse(locator)
	if err != nil || u.Scheme != "file" {
		return "", false
	}
	rel, err := filepath.Rel(b.rootPath, filepath.FromSlash(u.Path))
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", false
	}
	return filepath.ToSlash(rel), true
}

// Type returns "local".
func (b *LocalBackend) Type() string { return "local" }

// Close is a no-op for local backends.
func (b *LocalBackend) Close() error { return nil }
