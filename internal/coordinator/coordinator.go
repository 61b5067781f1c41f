// Package coordinator reconciles the asset source with the cache store,
// drives the workers and is the only writer of the published snapshot.
package coordinator

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fruitsalade/photocache/internal/cache"
	"github.com/fruitsalade/photocache/internal/gallery"
	"github.com/fruitsalade/photocache/internal/logging"
	"github.com/fruitsalade/photocache/internal/metrics"
	"github.com/fruitsalade/photocache/internal/models"
)

// Cache is the subset of *cache.Cache the coordinator writes through.
type Cache interface {
	Get(id string) (*models.CacheEntry, bool)
	Put(ctx context.Context, id, originalLocator string, isFavorite bool, r io.Reader) (*models.CacheEntry, error)
	Remove(id string) error
	Touch(id string) bool
	SetFavorite(id string, favorite bool) bool
	EvictToFit(maxBytes int64) cache.EvictResult
	List() []models.CacheEntry
	Flush() error
}

// Workers is the subset of *gallery.Processor the coordinator drives.
type Workers interface {
	Submit(assets ...models.AssetDescriptor)
	CancelPending() []models.AssetDescriptor
	Results() <-chan gallery.Result
}

// Publisher receives every snapshot the coordinator produces.
type Publisher interface {
	Publish(s models.Snapshot) models.Snapshot
	Close()
}

// Options configures a Coordinator.
type Options struct {
	// MaxCacheBytes is the eviction budget applied when a pass drains.
	// Zero disables eviction.
	MaxCacheBytes int64
}

// Coordinator owns the loading state. All state below is touched only by
// the Run goroutine.
type Coordinator struct {
	cache   Cache
	workers Workers
	pub     Publisher
	opts    Options

	trigger  chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	running  chan struct{}

	state         models.LoadingState
	source        []models.AssetDescriptor
	sourceKnown   bool
	sourceLoading bool // LOADING seen, no COMPLETED or FAILED since
	inSource      map[string]models.AssetDescriptor
	failed        map[string]time.Time // id -> ModifiedAt of the failing descriptor
	outstanding   map[string]int
	submitted     map[string]time.Time
	lastEntries   []models.CacheEntry

	passID    string
	passStart time.Time
}

// New creates a coordinator. Call Run to start it.
func New(c Cache, w Workers, p Publisher, opts Options) *Coordinator {
	return &Coordinator{
		cache:       c,
		workers:     w,
		pub:         p,
		opts:        opts,
		trigger:     make(chan struct{}, 1),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
		running:     make(chan struct{}),
		state:       models.StateIdle,
		inSource:    make(map[string]models.AssetDescriptor),
		failed:      make(map[string]time.Time),
		outstanding: make(map[string]int),
		submitted:   make(map[string]time.Time),
	}
}

// Trigger re-runs a sync pass over the last completed source list.
func (c *Coordinator) Trigger() {
	select {
	case c.trigger <- struct{}{}:
	default:
	}
}

// Shutdown stops Run, drops queued work and closes subscriber streams.
// It waits for Run to return if Run was started.
func (c *Coordinator) Shutdown() {
	c.stopOnce.Do(func() { close(c.stop) })
	select {
	case <-c.running:
		<-c.done
	default:
	}
}

// Run consumes source updates and worker results until ctx is done or
// Shutdown is called.
func (c *Coordinator) Run(ctx context.Context, updates <-chan models.SourceUpdate) error {
	close(c.running)
	defer close(c.done)
	defer c.teardown()

	results := c.workers.Results()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.stop:
			return nil
		case u, ok := <-updates:
			if !ok {
				updates = nil
				continue
			}
			c.handleUpdate(ctx, u)
		case r, ok := <-results:
			if !ok {
				results = nil
				continue
			}
			c.handleResult(ctx, r)
		case <-c.trigger:
			if c.sourceKnown {
				c.sync(ctx)
			}
		}
	}
}

func (c *Coordinator) teardown() {
	for _, a := range c.workers.CancelPending() {
		c.settle(a.ID)
	}
	if err := c.cache.Flush(); err != nil {
		logging.Warn("cache flush failed", zap.Error(err))
	}
	c.pub.Close()
	logging.Info("coordinator stopped")
}

func (c *Coordinator) handleUpdate(ctx context.Context, u models.SourceUpdate) {
	switch u.State {
	case models.SourceNotStarted:
		logging.Debug("asset source not started")
	case models.SourceLoading:
		c.sourceLoading = true
		c.state = models.StateSyncing
		c.publish()
	case models.SourceCompleted:
		c.sourceLoading = false
		c.setSource(u.Assets)
		c.sync(ctx)
	case models.SourceFailed:
		c.sourceLoading = false
		logging.Warn("asset source failed, keeping last snapshot", zap.Error(u.Err))
		c.state = models.StateFailed
		metrics.RecordSyncPass(string(models.StateFailed))
		c.publishEntries(c.lastEntries)
	default:
		logging.Warn("unknown source state", zap.String("state", string(u.State)))
	}
}

func (c *Coordinator) setSource(assets []models.AssetDescriptor) {
	c.source = make([]models.AssetDescriptor, 0, len(assets))
	c.inSource = make(map[string]models.AssetDescriptor, len(assets))
	for _, a := range assets {
		if _, dup := c.inSource[a.ID]; dup {
			logging.Warn("duplicate asset id in source list", zap.String("id", a.ID))
			continue
		}
		c.inSource[a.ID] = a
		c.source = append(c.source, a)
	}
	c.sourceKnown = true
}

// sync runs one diff pass over c.source.
func (c *Coordinator) sync(ctx context.Context) {
	c.passID = uuid.NewString()
	c.passStart = time.Now()
	c.state = models.StateSyncing

	// Queued jobs from the previous pass are folded into this diff.
	for _, a := range c.workers.CancelPending() {
		c.settle(a.ID)
	}

	var favorites, others []models.AssetDescriptor
	var fresh, skipped int
	for _, a := range c.source {
		if mod, ok := c.failed[a.ID]; ok {
			if mod.Equal(a.ModifiedAt) {
				skipped++
				continue
			}
			delete(c.failed, a.ID)
		}

		if e, ok := c.cache.Get(a.ID); ok && !e.Stale(a) {
			c.cache.Touch(a.ID)
			c.cache.SetFavorite(a.ID, a.IsFavorite)
			fresh++
			continue
		}

		if mod, ok := c.submitted[a.ID]; ok && c.outstanding[a.ID] > 0 && !a.ModifiedAt.After(mod) {
			// Already in flight for this version.
			continue
		}
		if a.IsFavorite {
			favorites = append(favorites, a)
		} else {
			others = append(others, a)
		}
	}

	var removed int
	for _, e := range c.cache.List() {
		if _, ok := c.inSource[e.ID]; ok {
			continue
		}
		if err := c.cache.Remove(e.ID); err != nil {
			logging.Warn("remove failed", zap.String("id", e.ID), zap.Error(err))
			continue
		}
		removed++
	}

	queue := append(favorites, others...)
	for _, a := range queue {
		c.outstanding[a.ID]++
		c.submitted[a.ID] = a.ModifiedAt
	}
	c.workers.Submit(queue...)

	logging.Info("sync pass started",
		zap.String("pass", c.passID),
		zap.Int("assets", len(c.source)),
		zap.Int("enqueued", len(queue)),
		zap.Int("favorites_first", len(favorites)),
		zap.Int("fresh", fresh),
		zap.Int("removed", removed),
		zap.Int("skipped_failed", skipped))

	if c.pending() == 0 {
		c.finish()
		return
	}
	c.publish()
}

func (c *Coordinator) handleResult(ctx context.Context, r gallery.Result) {
	id := r.Asset.ID
	c.settle(id)

	switch {
	case r.Err != nil && errors.Is(r.Err, context.Canceled):
		// Shutting down; not the asset's fault.
	case r.Err != nil:
		c.failed[id] = r.Asset.ModifiedAt
		logging.Warn("asset skipped until it changes",
			zap.String("pass", c.passID),
			zap.String("id", id),
			zap.Error(r.Err))
	default:
		c.register(ctx, r)
	}

	if c.pending() == 0 {
		c.finish()
		return
	}
	c.publish()
}

// register hands a materialized copy to the cache. A write failure leaves
// the asset uncached until the next pass. Copies of a version older than
// the one in the current source list are dropped; the newer version has
// been queued by the diff that saw it.
func (c *Coordinator) register(ctx context.Context, r gallery.Result) {
	defer r.File.Discard()

	favorite := r.Asset.IsFavorite
	if cur, ok := c.inSource[r.Asset.ID]; ok {
		if r.Asset.ModifiedAt.Before(cur.ModifiedAt) {
			logging.Debug("dropping copy of outdated version",
				zap.String("pass", c.passID),
				zap.String("id", r.Asset.ID),
				zap.Time("modified_at", r.Asset.ModifiedAt),
				zap.Time("current", cur.ModifiedAt))
			return
		}
		favorite = cur.IsFavorite
	}

	f, err := r.File.Open()
	if err != nil {
		logging.Warn("staged copy unreadable", zap.String("id", r.Asset.ID), zap.Error(err))
		return
	}
	defer f.Close()

	if _, err := c.cache.Put(ctx, r.Asset.ID, r.Asset.OriginalLocator, favorite, f); err != nil {
		logging.Warn("cache write failed, retrying next pass",
			zap.String("pass", c.passID),
			zap.String("id", r.Asset.ID),
			zap.Error(err))
	}
}

func (c *Coordinator) settle(id string) {
	if c.outstanding[id] <= 1 {
		delete(c.outstanding, id)
		delete(c.submitted, id)
		return
	}
	c.outstanding[id]--
}

func (c *Coordinator) pending() int {
	n := 0
	for _, v := range c.outstanding {
		n += v
	}
	return n
}

// finish ends a pass: stray registrations are removed, the budget is
// enforced once and the final snapshot is published. While the source is
// still enumerating the state stays SYNCING; its COMPLETED update
// finalizes.
func (c *Coordinator) finish() {
	if c.sourceKnown {
		for _, e := range c.cache.List() {
			if _, ok := c.inSource[e.ID]; !ok {
				if err := c.cache.Remove(e.ID); err != nil {
					logging.Warn("remove failed", zap.String("id", e.ID), zap.Error(err))
				}
			}
		}
	}

	if c.opts.MaxCacheBytes > 0 {
		res := c.cache.EvictToFit(c.opts.MaxCacheBytes)
		if len(res.Evicted) > 0 {
			logging.Info("evicted to fit budget",
				zap.String("pass", c.passID),
				zap.Int("evicted", len(res.Evicted)),
				zap.Int64("freed_bytes", res.FreedBytes),
				zap.Int64("overage", res.Overage))
		}
	}
	if err := c.cache.Flush(); err != nil {
		logging.Warn("cache flush failed", zap.Error(err))
	}

	if c.state == models.StateSyncing && !c.sourceLoading {
		c.state = models.StateCompleted
	}
	snap := c.publish()
	if c.state != models.StateSyncing {
		metrics.RecordSyncPass(string(c.state))
	}
	logging.Info("sync pass finished",
		zap.String("pass", c.passID),
		zap.String("state", string(c.state)),
		zap.Int("entries", snap.Count()),
		zap.Int("failed", len(c.failed)),
		zap.Duration("duration", time.Since(c.passStart)))
}

// entries builds the snapshot entries: cache entries in source order,
// or every cache entry when no source list has completed yet.
func (c *Coordinator) entries() []models.CacheEntry {
	cached := c.cache.List()
	if !c.sourceKnown {
		return cached
	}

	byID := make(map[string]models.CacheEntry, len(cached))
	for _, e := range cached {
		byID[e.ID] = e
	}
	out := make([]models.CacheEntry, 0, len(c.source))
	for _, a := range c.source {
		if e, ok := byID[a.ID]; ok {
			out = append(out, e)
		}
	}
	return out
}

func (c *Coordinator) publish() models.Snapshot {
	return c.publishEntries(c.entries())
}

func (c *Coordinator) publishEntries(entries []models.CacheEntry) models.Snapshot {
	if entries == nil {
		entries = []models.CacheEntry{}
	}
	if c.state != models.StateFailed {
		c.lastEntries = entries
	}
	return c.pub.Publish(models.Snapshot{Entries: entries, State: c.state})
}
