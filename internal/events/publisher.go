// Package events publishes cache snapshots to pull and push readers.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/fruitsalade/photocache/internal/metrics"
	"github.com/fruitsalade/photocache/internal/models"
)

// DefaultBuffer is the per-subscriber buffer size.
const DefaultBuffer = 16

// Publisher holds the latest snapshot and fans it out to subscribers.
// Slow subscribers lose their oldest undelivered snapshots, never the newest.
type Publisher struct {
	buffer  int
	current atomic.Pointer[models.Snapshot]

	mu      sync.Mutex
	version uint64
	subs    map[*Subscription]struct{}
	closed  bool
}

// NewPublisher creates a publisher whose current snapshot is an empty IDLE one.
func NewPublisher(buffer int) *Publisher {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	p := &Publisher{
		buffer: buffer,
		subs:   make(map[*Subscription]struct{}),
	}
	p.current.Store(&models.Snapshot{Entries: []models.CacheEntry{}, State: models.StateIdle})
	return p
}

// Current returns the latest published snapshot.
func (p *Publisher) Current() models.Snapshot {
	return p.current.Load().Clone()
}

// Publish stamps s with the next version and delivers it. It never blocks.
func (p *Publisher) Publish(s models.Snapshot) models.Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.version++
	s = s.Clone()
	s.Version = p.version
	if s.PublishedAt.IsZero() {
		s.PublishedAt = time.Now()
	}
	p.current.Store(&s)

	if !p.closed {
		for sub := range p.subs {
			sub.deliver(s.Clone())
		}
	}
	metrics.RecordSnapshotPublished()
	return s
}

// Subscribe registers a subscriber. The current snapshot is delivered first
// when anything has been published. The caller must Close the subscription.
func (p *Publisher) Subscribe() *Subscription {
	sub := &Subscription{p: p, ch: make(chan models.Snapshot, p.buffer)}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		close(sub.ch)
		sub.done = true
		return sub
	}
	p.subs[sub] = struct{}{}
	if p.version > 0 {
		sub.deliver(p.current.Load().Clone())
	}
	n := len(p.subs)
	p.mu.Unlock()

	metrics.SetSubscribersActive(n)
	return sub
}

// Count returns the current number of subscribers.
func (p *Publisher) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subs)
}

// Close closes every subscription. Current keeps working.
func (p *Publisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	for sub := range p.subs {
		sub.done = true
		close(sub.ch)
	}
	p.subs = make(map[*Subscription]struct{})
	metrics.SetSubscribersActive(0)
}

// Subscription is one push reader.
type Subscription struct {
	p    *Publisher
	ch   chan models.Snapshot
	done bool // guarded by p.mu
}

// C delivers snapshots in publish order. It is closed by Close or when the
// publisher closes.
func (s *Subscription) C() <-chan models.Snapshot {
	return s.ch
}

// Close unsubscribes. Safe to call more than once.
func (s *Subscription) Close() {
	s.p.mu.Lock()
	if s.done {
		s.p.mu.Unlock()
		return
	}
	s.done = true
	delete(s.p.subs, s)
	close(s.ch)
	n := len(s.p.subs)
	s.p.mu.Unlock()

	metrics.SetSubscribersActive(n)
}

// deliver enqueues snap, dropping the oldest queued snapshot when full.
// Must be called with p.mu held.
func (s *Subscription) deliver(snap models.Snapshot) {
	for {
		select {
		case s.ch <- snap:
			return
		default:
		}
		select {
		case <-s.ch:
		default:
		}
	}
}
