// Package models contains the data types shared by the cache, the workers,
// the coordinator and the presentation-facing API.
package models

import "time"

// AssetDescriptor describes one original photo as reported by the asset source.
type AssetDescriptor struct {
	ID              string    `json:"id"`
	OriginalLocator string    `json:"original_locator"`
	IsFavorite      bool      `json:"is_favorite"`
	ModifiedAt      time.Time `json:"modified_at"`
}

// CacheEntry represents a materialized, display-ready copy of an asset.
type CacheEntry struct {
	ID              string    `json:"id"`
	OriginalLocator string    `json:"original_locator"`
	CachedLocator   string    `json:"cached_locator"`
	SizeBytes       int64     `json:"size_bytes"`
	CreatedAt       time.Time `json:"created_at"`
	LastAccessedAt  time.Time `json:"last_accessed_at"`
	IsFavorite      bool      `json:"is_favorite"`
}

// Stale reports whether the descriptor was modified after the entry was materialized.
func (e CacheEntry) Stale(d AssetDescriptor) bool {
	return d.ModifiedAt.After(e.CreatedAt)
}

// LoadingState is the state of the cache as seen by readers.
type LoadingState string

const (
	StateIdle      LoadingState = "IDLE"
	StateSyncing   LoadingState = "SYNCING"
	StateCompleted LoadingState = "COMPLETED"
	StateFailed    LoadingState = "FAILED"
)

// IsLoading is true only while the coordinator has outstanding work.
// FAILED is not loading.
func IsLoading(state LoadingState) bool {
	return state == StateSyncing
}

// SourceState is the enumeration state reported by the asset source.
type SourceState string

const (
	SourceNotStarted SourceState = "NOT_STARTED"
	SourceLoading    SourceState = "LOADING"
	SourceCompleted  SourceState = "COMPLETED"
	SourceFailed     SourceState = "FAILED"
)

// SourceUpdate is one push from the asset source. Assets is only
// authoritative when State is SourceCompleted.
type SourceUpdate struct {
	State  SourceState
	Assets []AssetDescriptor
	Err    error
}

// Snapshot is an immutable point-in-time view of the cache.
type Snapshot struct {
	Entries     []CacheEntry `json:"entries"`
	State       LoadingState `json:"state"`
	Version     uint64       `json:"version"`
	PublishedAt time.Time    `json:"published_at"`
}

// Count returns the number of entries.
func (s Snapshot) Count() int {
	return len(s.Entries)
}

// NoPhotos distinguishes "the library is empty" from "still loading".
func (s Snapshot) NoPhotos() bool {
	return s.State == StateCompleted && len(s.Entries) == 0
}

// Favorites returns the favorited entries in snapshot order. Nothing is
// returned until the snapshot is COMPLETED so partial views never flicker.
func (s Snapshot) Favorites() []CacheEntry {
	if s.State != StateCompleted {
		return nil
	}
	favs := make([]CacheEntry, 0)
	for _, e := range s.Entries {
		if e.IsFavorite {
			favs = append(favs, e)
		}
	}
	return favs
}

// Clone returns a copy whose Entries slice is not shared.
func (s Snapshot) Clone() Snapshot {
	out := s
	out.Entries = make([]CacheEntry, len(s.Entries))
	copy(out.Entries, s.Entries)
	return out
}
