// Package gallery materializes originals into display-ready cached copies.
package gallery

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/photocache/internal/logging"
	"github.com/fruitsalade/photocache/internal/metrics"
	"github.com/fruitsalade/photocache/internal/models"
	"github.com/fruitsalade/photocache/internal/retry"
	"github.com/fruitsalade/photocache/internal/storage"
)

var (
	// ErrTransient marks a fetch failure worth retrying (I/O, network).
	ErrTransient = errors.New("transient fetch failure")
	// ErrPermanentFailure marks an asset that could not be materialized.
	// The coordinator does not retry it until the original changes.
	ErrPermanentFailure = errors.New("permanent materialize failure")
)

// MaterializeError reports the asset a failure belongs to.
type MaterializeError struct {
	ID  string
	Err error
}

func (e *MaterializeError) Error() string {
	return fmt.Sprintf("materialize %s: %v", e.ID, e.Err)
}

func (e *MaterializeError) Unwrap() error {
	return e.Err
}

// imageExtensions are file extensions treated as photos.
var imageExtensions = []string{
	".jpg", ".jpeg", ".png", ".gif", ".webp", ".bmp", ".tiff", ".tif",
}

// IsImageFile checks if a file path has a decodable image extension.
func IsImageFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range imageExtensions {
		if ext == e {
			return true
		}
	}
	return false
}

// Opener reads originals by locator. *storage.Router implements it.
type Opener interface {
	Open(ctx context.Context, locator string) (io.ReadCloser, int64, error)
}

// CachedFile is a materialized copy waiting in the staging directory.
// The cache takes its content with Open; Discard removes it.
type CachedFile struct {
	ID   string
	Path string
	Size int64
}

// Open opens the staged copy for reading.
func (f *CachedFile) Open() (*os.File, error) {
	return os.Open(f.Path)
}

// Discard removes the staged copy.
func (f *CachedFile) Discard() error {
	if f == nil {
		return nil
	}
	if err := os.Remove(f.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Result is the outcome of one dispatched job.
type Result struct {
	Asset    models.AssetDescriptor
	File     *CachedFile
	Err      error
	Duration time.Duration
}

// Options configures a Processor.
type Options struct {
	Workers    int
	StagingDir string
	Retry      retry.Config
	Transcoder Transcoder
	// OnDispatch is called when a worker takes a job off the queue, with
	// the queue lock held. It must not call back into the Processor.
	OnDispatch func(models.AssetDescriptor)
}

// Processor runs a fixed pool of workers that materialize assets in FIFO
// order. It never writes to the cache.
type Processor struct {
	opener Opener
	opts   Options

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []models.AssetDescriptor
	closed bool

	results chan Result
	wg      sync.WaitGroup
	cancel  context.CancelFunc
}

// NewProcessor creates a new processor reading originals through opener.
func NewProcessor(opener Opener, opts Options) (*Processor, error) {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.StagingDir == "" {
		opts.StagingDir = filepath.Join(os.TempDir(), "photocache-staging")
	}
	if opts.Transcoder.Bound == 0 {
		opts.Transcoder = DefaultTranscoder()
	}
	if err := os.MkdirAll(opts.StagingDir, 0755); err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}

	p := &Processor{
		opener:  opener,
		opts:    opts,
		results: make(chan Result, opts.Workers),
	}
	p.cond = sync.NewCond(&p.mu)
	return p, nil
}

// Ext returns the extension of the copies this processor produces.
func (p *Processor) Ext() string {
	return p.opts.Transcoder.Codec.Ext()
}

// Start launches the worker goroutines.
func (p *Processor) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.opts.Workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
	logging.Info("processor started", zap.Int("workers", p.opts.Workers))
}

// Stop signals workers to stop, waits for them and closes Results.
// Jobs still queued are dropped.
func (p *Processor) Stop() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.queue = nil
	p.cond.Broadcast()
	p.mu.Unlock()

	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	close(p.results)
	logging.Info("processor stopped")
}

// Results delivers one Result per dispatched job.
func (p *Processor) Results() <-chan Result {
	return p.results
}

// Submit appends jobs to the queue. It never blocks and never drops.
func (p *Processor) Submit(assets ...models.AssetDescriptor) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.queue = append(p.queue, assets...)
	metrics.SetQueueDepth(len(p.queue))
	p.cond.Broadcast()
}

// Cancel removes queued jobs for ids and returns how many were removed.
// Jobs already dispatched run to completion.
func (p *Processor) Cancel(ids ...string) int {
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	kept := p.queue[:0]
	for _, a := range p.queue {
		if !drop[a.ID] {
			kept = append(kept, a)
		}
	}
	n := len(p.queue) - len(kept)
	p.queue = kept
	metrics.SetQueueDepth(len(p.queue))
	return n
}

// CancelPending empties the queue and returns the dropped jobs.
func (p *Processor) CancelPending() []models.AssetDescriptor {
	p.mu.Lock()
	defer p.mu.Unlock()
	dropped := p.queue
	p.queue = nil
	metrics.SetQueueDepth(0)
	return dropped
}

// Pending returns the number of queued, not yet dispatched jobs.
func (p *Processor) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

func (p *Processor) next() (models.AssetDescriptor, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.queue) == 0 && !p.closed {
		p.cond.Wait()
	}
	if p.closed {
		return models.AssetDescriptor{}, false
	}
	a := p.queue[0]
	p.queue = p.queue[1:]
	metrics.SetQueueDepth(len(p.queue))
	if p.opts.OnDispatch != nil {
		p.opts.OnDispatch(a)
	}
	return a, true
}

func (p *Processor) worker(ctx context.Context) {
	defer p.wg.Done()
	for {
		asset, ok := p.next()
		if !ok {
			return
		}

		start := time.Now()
		file, err := p.Materialize(ctx, asset)
		res := Result{Asset: asset, File: file, Err: err, Duration: time.Since(start)}

		select {
		case p.results <- res:
		case <-ctx.Done():
			file.Discard()
			return
		}
	}
}

// Materialize fetches and transcodes one asset into the staging directory.
// Transient failures are retried with backoff; whatever error remains is
// a *MaterializeError wrapping ErrPermanentFailure, unless ctx ended.
func (p *Processor) Materialize(ctx context.Context, asset models.AssetDescriptor) (*CachedFile, error) {
	start := time.Now()
	file, err := retry.DoWithResult(ctx, p.opts.Retry, func(attempt int) (*CachedFile, error) {
		if attempt > 0 {
			logging.Debug("retrying materialize",
				zap.String("id", asset.ID),
				zap.Int("attempt", attempt))
		}
		return p.materializeOnce(ctx, asset)
	})

	switch {
	case err == nil:
		metrics.RecordMaterialize("ok", time.Since(start))
		return file, nil
	case ctx.Err() != nil:
		metrics.RecordMaterialize("cancelled", time.Since(start))
		return nil, &MaterializeError{ID: asset.ID, Err: ctx.Err()}
	default:
		metrics.RecordMaterialize("failed", time.Since(start))
		logging.Warn("materialize failed",
			zap.String("id", asset.ID),
			zap.String("original", asset.OriginalLocator),
			zap.Error(err))
		return nil, &MaterializeError{ID: asset.ID, Err: errors.Join(ErrPermanentFailure, err)}
	}
}

func (p *Processor) materializeOnce(ctx context.Context, asset models.AssetDescriptor) (*CachedFile, error) {
	rc, _, err := p.opener.Open(ctx, asset.OriginalLocator)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrNoBackend) || ctx.Err() != nil {
			return nil, err
		}
		return nil, retry.Retryable(fmt.Errorf("%w: %w", ErrTransient, err))
	}
	data, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		return nil, retry.Retryable(fmt.Errorf("%w: read original: %w", ErrTransient, err))
	}

	var buf bytes.Buffer
	if _, _, err := p.opts.Transcoder.Transcode(&buf, data); err != nil {
		return nil, err
	}

	sum := sha256.Sum256([]byte(asset.ID))
	f, err := os.CreateTemp(p.opts.StagingDir, hex.EncodeToString(sum[:8])+"-*"+p.Ext())
	if err != nil {
		return nil, retry.Retryable(fmt.Errorf("%w: create staging file: %w", ErrTransient, err))
	}
	n, err := f.Write(buf.Bytes())
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(f.Name())
		return nil, retry.Retryable(fmt.Errorf("%w: write staging file: %w", ErrTransient, err))
	}

	return &CachedFile{ID: asset.ID, Path: f.Name(), Size: int64(n)}, nil
}
