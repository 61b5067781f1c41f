// Package watcher is the asset source: it polls a storage backend for
// originals and pushes the full, ordered asset list on every change.
package watcher

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/photocache/internal/gallery"
	"github.com/fruitsalade/photocache/internal/logging"
	"github.com/fruitsalade/photocache/internal/models"
	"github.com/fruitsalade/photocache/internal/storage"
)

// ErrEnumeration is reported with a FAILED update when the backend could
// not be listed.
var ErrEnumeration = errors.New("asset enumeration failed")

// DefaultFavoritesKey is the name of the favorites list under the prefix.
const DefaultFavoritesKey = ".favorites"

// Options configures a Watcher.
type Options struct {
	Prefix       string
	FavoritesKey string
	Interval     time.Duration
}

// Watcher polls a backend and emits SourceUpdates.
type Watcher struct {
	backend storage.Backend
	opts    Options

	updates     chan models.SourceUpdate
	rescan      chan struct{}
	fingerprint string
	failed      bool
}

// New creates a new watcher over backend.
func New(backend storage.Backend, opts Options) *Watcher {
	if opts.Interval == 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.FavoritesKey == "" {
		opts.FavoritesKey = DefaultFavoritesKey
	}
	return &Watcher{
		backend: backend,
		opts:    opts,
		updates: make(chan models.SourceUpdate, 4),
		rescan:  make(chan struct{}, 1),
	}
}

// Updates delivers source updates. Only the watcher sends on it and it is
// closed when Run returns. A slow reader loses the oldest pending update.
func (w *Watcher) Updates() <-chan models.SourceUpdate {
	return w.updates
}

// Rescan requests an immediate poll.
func (w *Watcher) Rescan() {
	select {
	case w.rescan <- struct{}{}:
	default:
	}
}

// Run emits LOADING then COMPLETED or FAILED for the first scan, and again
// whenever a later poll sees a different asset list. It blocks until ctx
// is done.
func (w *Watcher) Run(ctx context.Context) error {
	defer close(w.updates)

	w.poll(ctx, true)

	ticker := time.NewTicker(w.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.poll(ctx, false)
		case <-w.rescan:
			w.poll(ctx, true)
		}
	}
}

func (w *Watcher) poll(ctx context.Context, force bool) {
	if force {
		w.emit(models.SourceUpdate{State: models.SourceLoading})
	}

	assets, err := w.Scan(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		logging.Warn("asset scan failed", zap.String("backend", w.backend.Type()), zap.Error(err))
		if force || !w.failed {
			w.emit(models.SourceUpdate{State: models.SourceFailed, Err: err})
		}
		w.failed = true
		w.fingerprint = ""
		return
	}

	fp := fingerprint(assets)
	if !force && !w.failed && fp == w.fingerprint {
		return
	}
	if !force {
		w.emit(models.SourceUpdate{State: models.SourceLoading})
	}
	w.failed = false
	w.fingerprint = fp
	logging.Info("asset scan completed", zap.Int("assets", len(assets)))
	w.emit(models.SourceUpdate{State: models.SourceCompleted, Assets: assets})
}

func (w *Watcher) emit(u models.SourceUpdate) {
	for {
		select {
		case w.updates <- u:
			return
		default:
		}
		select {
		case <-w.updates:
		default:
		}
	}
}

// Scan lists the backend once and returns the ordered asset list: newest
// first, ties broken by key. IDs are storage keys.
func (w *Watcher) Scan(ctx context.Context) ([]models.AssetDescriptor, error) {
	objects, err := w.backend.List(ctx, w.opts.Prefix)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEnumeration, err)
	}
	favorites, err := w.readFavorites(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEnumeration, err)
	}

	assets := make([]models.AssetDescriptor, 0, len(objects))
	for _, obj := range objects {
		if !gallery.IsImageFile(obj.Key) {
			continue
		}
		assets = append(assets, models.AssetDescriptor{
			ID:              obj.Key,
			OriginalLocator: w.backend.Locator(obj.Key),
			IsFavorite:      favorites[obj.Key],
			ModifiedAt:      obj.ModTime,
		})
	}
	sort.SliceStable(assets, func(i, j int) bool {
		if !assets[i].ModifiedAt.Equal(assets[j].ModifiedAt) {
			return assets[i].ModifiedAt.After(assets[j].ModifiedAt)
		}
		return assets[i].ID < assets[j].ID
	})
	return assets, nil
}

// readFavorites loads the favorites list: one key per line, relative to
// the prefix. Blank lines and lines starting with # are ignored. A missing
// list means no favorites.
func (w *Watcher) readFavorites(ctx context.Context) (map[string]bool, error) {
	favs := make(map[string]bool)

	rc, _, err := w.backend.GetObject(ctx, path.Join(w.opts.Prefix, w.opts.FavoritesKey))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return favs, nil
		}
		return nil, err
	}
	defer rc.Close()

	scanner := bufio.NewScanner(io.LimitReader(rc, 4<<20))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		favs[path.Join(w.opts.Prefix, line)] = true
	}
	return favs, scanner.Err()
}

func fingerprint(assets []models.AssetDescriptor) string {
	h := sha256.New()
	for _, a := range assets {
		fmt.Fprintf(h, "%s\x00%t\x00%d\n", a.ID, a.IsFavorite, a.ModifiedAt.UnixNano())
	}
	return hex.EncodeToString(h.Sum(nil))
}
