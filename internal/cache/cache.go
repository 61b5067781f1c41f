// Package cache provides the on-disk store of display-ready photo copies.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/photocache/internal/logging"
	"github.com/fruitsalade/photocache/internal/metrics"
	"github.com/fruitsalade/photocache/internal/models"
)

const (
	indexFile  = "index.db"
	tempPrefix = ".tmp-"
)

var (
	// ErrWriteFailure is returned when a copy could not be persisted.
	ErrWriteFailure = errors.New("cache write failure")
	// ErrNotFound is returned when an entry or its file is missing.
	ErrNotFound = errors.New("entry not cached")
)

// Options configures a Cache.
type Options struct {
	// MaxBytes bounds the total size after each Put. Zero disables the
	// bound; EvictToFit can still be called explicitly.
	MaxBytes int64
	// Ext is the file extension of cached copies, e.g. ".jpg".
	Ext string
	// NoIndex keeps metadata in memory only.
	NoIndex bool
	// Now overrides the clock.
	Now func() time.Time
}

// EvictResult reports what EvictToFit did.
type EvictResult struct {
	Evicted    []string
	FreedBytes int64
	Remaining  int64
	// Overage is how far the store is still above the budget because
	// nothing else was evictable.
	Overage int64
}

type entry struct {
	models.CacheEntry
	refs int
}

// Cache manages locally cached photo copies.
type Cache struct {
	dir      string
	maxBytes int64
	ext      string
	now      func() time.Time
	index    *Index

	mu      sync.Mutex
	entries map[string]*entry
	size    int64
	dirty   map[string]struct{}
}

// Open opens the cache rooted at dir, creating it if needed, and rebuilds
// its metadata from the index and a scan of the directory.
func Open(dir string, opts Options) (*Cache, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve cache dir: %w", err)
	}

	c := &Cache{
		dir:      abs,
		maxBytes: opts.MaxBytes,
		ext:      opts.Ext,
		now:      opts.Now,
		entries:  make(map[string]*entry),
		dirty:    make(map[string]struct{}),
	}
	if c.ext == "" {
		c.ext = ".jpg"
	}
	if !strings.HasPrefix(c.ext, ".") {
		c.ext = "." + c.ext
	}
	if c.now == nil {
		c.now = time.Now
	}

	if !opts.NoIndex {
		idx, err := OpenIndex(filepath.Join(abs, indexFile))
		if err != nil {
			return nil, err
		}
		c.index = idx
	}

	if err := c.rebuild(); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// rebuild reconciles the persisted index with the files on disk.
func (c *Cache) rebuild() error {
	var rows map[string]models.CacheEntry
	if c.index != nil {
		var err error
		if rows, err = c.index.Load(); err != nil {
			logging.Warn("cache index unreadable, rebuilding from directory", zap.Error(err))
			rows = nil
		}
	}

	seen := make(map[string]bool)
	var recovered []models.CacheEntry

	err := filepath.WalkDir(c.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		name := d.Name()
		if strings.HasPrefix(name, tempPrefix) {
			os.Remove(path)
			return nil
		}
		if filepath.Dir(path) == c.dir {
			return nil
		}
		id, ok := idFromName(name)
		if !ok {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}

		e := models.CacheEntry{
			ID:             id,
			CachedLocator:  path,
			SizeBytes:      info.Size(),
			CreatedAt:      info.ModTime(),
			LastAccessedAt: info.ModTime(),
		}
		if row, ok := rows[id]; ok {
			e.OriginalLocator = row.OriginalLocator
			e.IsFavorite = row.IsFavorite
			e.CreatedAt = row.CreatedAt
			e.LastAccessedAt = row.LastAccessedAt
		} else {
			recovered = append(recovered, e)
		}

		if old, ok := c.entries[id]; ok {
			// Two files decode to the same id under different extensions.
			c.size -= old.SizeBytes
		}
		c.entries[id] = &entry{CacheEntry: e}
		c.size += e.SizeBytes
		seen[id] = true
		return nil
	})
	if err != nil {
		return fmt.Errorf("scan cache dir: %w", err)
	}

	var orphaned []string
	for id := range rows {
		if !seen[id] {
			orphaned = append(orphaned, id)
		}
	}
	if c.index != nil {
		if err := c.index.Delete(orphaned...); err != nil {
			logging.Warn("failed to drop orphaned index rows", zap.Error(err))
		}
		if err := c.index.Save(recovered...); err != nil {
			logging.Warn("failed to index recovered files", zap.Error(err))
		}
	}

	metrics.SetCacheUsage(c.size, len(c.entries))
	logging.Info("cache opened",
		zap.String("dir", c.dir),
		zap.Int("entries", len(c.entries)),
		zap.Int64("bytes", c.size),
		zap.Int("recovered", len(recovered)),
		zap.Int("orphaned", len(orphaned)))
	return nil
}

// pathFor returns the file path of id: <dir>/<shard>/<hex(id)><ext>.
func (c *Cache) pathFor(id string) string {
	sum := sha256.Sum256([]byte(id))
	shard := hex.EncodeToString(sum[:1])
	return filepath.Join(c.dir, shard, hex.EncodeToString([]byte(id))+c.ext)
}

func idFromName(name string) (string, bool) {
	base := strings.TrimSuffix(name, filepath.Ext(name))
	raw, err := hex.DecodeString(base)
	if err != nil || len(raw) == 0 {
		return "", false
	}
	return string(raw), true
}

// Dir returns the cache directory.
func (c *Cache) Dir() string {
	return c.dir
}

// Get returns the entry for id if present and its file exists.
// An entry whose file has vanished is dropped.
func (c *Cache) Get(id string) (*models.CacheEntry, bool) {
	c.mu.Lock()
	e, ok := c.entries[id]
	if !ok {
		c.mu.Unlock()
		return nil, false
	}
	snapshot := e.CacheEntry
	c.mu.Unlock()

	if _, err := os.Stat(snapshot.CachedLocator); err != nil {
		c.mu.Lock()
		if cur, ok := c.entries[id]; ok && cur == e {
			c.dropLocked(id, e)
		}
		c.mu.Unlock()
		return nil, false
	}
	return &snapshot, true
}

// Put stores the content of r as the cached copy of id. Content is written
// to a temp file and renamed into place, so a reader never observes a
// partial file. A second Put for the same id replaces the first.
func (c *Cache) Put(ctx context.Context, id, originalLocator string, isFavorite bool, r io.Reader) (*models.CacheEntry, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: empty id", ErrWriteFailure)
	}
	localPath := c.pathFor(id)
	if err := os.MkdirAll(filepath.Dir(localPath), 0755); err != nil {
		metrics.RecordWriteFailure()
		return nil, fmt.Errorf("%w: create shard: %w", ErrWriteFailure, err)
	}

	f, err := os.CreateTemp(filepath.Dir(localPath), tempPrefix+"*")
	if err != nil {
		metrics.RecordWriteFailure()
		return nil, fmt.Errorf("%w: create temp file: %w", ErrWriteFailure, err)
	}
	tempPath := f.Name()

	written, err := copyWithContext(ctx, f, r)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempPath)
		metrics.RecordWriteFailure()
		return nil, fmt.Errorf("%w: write content: %w", ErrWriteFailure, err)
	}

	now := c.now()
	c.mu.Lock()
	// Rename under the lock so eviction or removal of the previous copy
	// cannot unlink the new file.
	if err := os.Rename(tempPath, localPath); err != nil {
		c.mu.Unlock()
		os.Remove(tempPath)
		metrics.RecordWriteFailure()
		return nil, fmt.Errorf("%w: rename temp file: %w", ErrWriteFailure, err)
	}

	if old, ok := c.entries[id]; ok {
		c.size -= old.SizeBytes
		// Copies written under another extension live at a different path.
		if old.CachedLocator != localPath {
			if err := os.Remove(old.CachedLocator); err != nil && !errors.Is(err, fs.ErrNotExist) {
				logging.Warn("failed to remove replaced copy",
					zap.String("id", id),
					zap.String("path", old.CachedLocator),
					zap.Error(err))
			}
		}
	}
	e := &entry{CacheEntry: models.CacheEntry{
		ID:              id,
		OriginalLocator: originalLocator,
		CachedLocator:   localPath,
		SizeBytes:       written,
		CreatedAt:       now,
		LastAccessedAt:  now,
		IsFavorite:      isFavorite,
	}}
	c.entries[id] = e
	c.size += written
	delete(c.dirty, id)
	c.persistLocked(e.CacheEntry)

	if c.maxBytes > 0 {
		c.evictLocked(c.maxBytes, id)
	}
	metrics.SetCacheUsage(c.size, len(c.entries))
	out := e.CacheEntry
	c.mu.Unlock()

	return &out, nil
}

// Remove deletes the file and metadata of id. Absent ids are not an error.
// Readers holding a Handle keep reading through their open descriptor.
func (c *Cache) Remove(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[id]
	if !ok {
		return nil
	}
	if err := os.Remove(e.CachedLocator); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", id, err)
	}
	c.dropLocked(id, e)
	return nil
}

// Touch marks id as accessed now. Access times are persisted by Flush.
func (c *Cache) Touch(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[id]
	if !ok {
		return false
	}
	e.LastAccessedAt = c.now()
	c.dirty[id] = struct{}{}
	return true
}

// SetFavorite updates the favorite flag of id.
func (c *Cache) SetFavorite(id string, favorite bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[id]
	if !ok {
		return false
	}
	if e.IsFavorite != favorite {
		e.IsFavorite = favorite
		c.persistLocked(e.CacheEntry)
	}
	return true
}

// Handle is an open cached file. The entry is not evicted while a handle
// is open.
type Handle struct {
	*os.File
	Entry models.CacheEntry

	c    *Cache
	e    *entry
	once sync.Once
}

// Close closes the file and releases the entry.
func (h *Handle) Close() error {
	err := h.File.Close()
	h.once.Do(func() { h.c.release(h.e) })
	return err
}

// Acquire opens the cached copy of id for reading and marks it in use.
func (c *Cache) Acquire(id string) (*Handle, error) {
	c.mu.Lock()
	e, ok := c.entries[id]
	if !ok {
		c.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	e.refs++
	e.LastAccessedAt = c.now()
	c.dirty[id] = struct{}{}
	snapshot := e.CacheEntry
	c.mu.Unlock()

	f, err := os.Open(snapshot.CachedLocator)
	if err != nil {
		c.mu.Lock()
		e.refs--
		if errors.Is(err, fs.ErrNotExist) {
			if cur, ok := c.entries[id]; ok && cur == e {
				c.dropLocked(id, e)
			}
			err = ErrNotFound
		}
		c.mu.Unlock()
		return nil, fmt.Errorf("open %s: %w", id, err)
	}
	return &Handle{File: f, Entry: snapshot, c: c, e: e}, nil
}

func (c *Cache) release(e *entry) {
	c.mu.Lock()
	if e.refs > 0 {
		e.refs--
	}
	c.mu.Unlock()
}

// EvictToFit removes least recently used entries until the total size is
// at most maxBytes. Entries in use are never removed; favorites are only
// removed when no other entry is evictable.
func (c *Cache) EvictToFit(maxBytes int64) EvictResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	res := c.evictLocked(maxBytes, "")
	metrics.SetCacheUsage(c.size, len(c.entries))
	return res
}

// evictLocked evicts down to maxBytes, never touching keep.
// Must be called with lock held.
func (c *Cache) evictLocked(maxBytes int64, keep string) EvictResult {
	var res EvictResult
	for c.size > maxBytes {
		victim := c.victimLocked(keep)
		if victim == nil {
			res.Overage = c.size - maxBytes
			logging.Warn("cache over budget, nothing evictable",
				zap.Int64("size", c.size),
				zap.Int64("max_bytes", maxBytes),
				zap.Int64("overage", res.Overage))
			break
		}
		if err := os.Remove(victim.CachedLocator); err != nil && !errors.Is(err, fs.ErrNotExist) {
			logging.Warn("evict failed", zap.String("id", victim.ID), zap.Error(err))
			break
		}
		metrics.RecordEviction(victim.IsFavorite)
		logging.Debug("evicted",
			zap.String("id", victim.ID),
			zap.Int64("size", victim.SizeBytes),
			zap.Bool("favorite", victim.IsFavorite))
		res.Evicted = append(res.Evicted, victim.ID)
		res.FreedBytes += victim.SizeBytes
		c.dropLocked(victim.ID, victim)
	}
	res.Remaining = c.size
	return res
}

// victimLocked picks the oldest evictable non-favorite, falling back to the
// oldest evictable favorite.
func (c *Cache) victimLocked(keep string) *entry {
	var oldest, oldestFav *entry
	for id, e := range c.entries {
		if e.refs > 0 || id == keep {
			continue
		}
		if e.IsFavorite {
			if oldestFav == nil || older(e, oldestFav) {
				oldestFav = e
			}
			continue
		}
		if oldest == nil || older(e, oldest) {
			oldest = e
		}
	}
	if oldest != nil {
		return oldest
	}
	return oldestFav
}

func older(a, b *entry) bool {
	if a.LastAccessedAt.Equal(b.LastAccessedAt) {
		return a.ID < b.ID
	}
	return a.LastAccessedAt.Before(b.LastAccessedAt)
}

// dropLocked forgets e. Must be called with lock held.
func (c *Cache) dropLocked(id string, e *entry) {
	c.size -= e.SizeBytes
	delete(c.entries, id)
	delete(c.dirty, id)
	if c.index != nil {
		if err := c.index.Delete(id); err != nil {
			logging.Warn("index delete failed", zap.String("id", id), zap.Error(err))
		}
	}
	metrics.SetCacheUsage(c.size, len(c.entries))
}

func (c *Cache) persistLocked(e models.CacheEntry) {
	if c.index == nil {
		return
	}
	if err := c.index.Save(e); err != nil {
		logging.Warn("index save failed", zap.String("id", e.ID), zap.Error(err))
	}
}

// Flush persists pending access times to the index.
func (c *Cache) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.index == nil || len(c.dirty) == 0 {
		return nil
	}
	batch := make([]models.CacheEntry, 0, len(c.dirty))
	for id := range c.dirty {
		if e, ok := c.entries[id]; ok {
			batch = append(batch, e.CacheEntry)
		}
	}
	if err := c.index.Save(batch...); err != nil {
		return fmt.Errorf("flush index: %w", err)
	}
	c.dirty = make(map[string]struct{})
	return nil
}

// Stats returns cache statistics.
func (c *Cache) Stats() (size int64, maxBytes int64, count int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size, c.maxBytes, len(c.entries)
}

// List returns all entries sorted by ID.
func (c *Cache) List() []models.CacheEntry {
	c.mu.Lock()
	out := make([]models.CacheEntry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e.CacheEntry)
	}
	c.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Close flushes access times and closes the index.
func (c *Cache) Close() error {
	if c.index == nil {
		return nil
	}
	flushErr := c.Flush()
	return errors.Join(flushErr, c.index.Close())
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	var written int64
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, werr := dst.Write(buf[:n])
			written += int64(w)
			if werr != nil {
				return written, werr
			}
			if w < n {
				return written, io.ErrShortWrite
			}
		}
		if err == io.EOF {
			return written, nil
		}
		if err != nil {
			return written, err
		}
	}
}
