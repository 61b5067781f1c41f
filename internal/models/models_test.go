package models

import (
	"testing"
	"time"
)

func TestIsLoading(t *testing.T) {
	tests := []struct {
		state LoadingState
		want  bool
	}{
		{StateIdle, false},
		{StateSyncing, true},
		{StateCompleted, false},
		{StateFailed, false},
	}
	for _, tt := range tests {
		if got := IsLoading(tt.state); got != tt.want {
			t.Errorf("IsLoading(%s) = %v, want %v", tt.state, got, tt.want)
		}
	}
}

func TestCacheEntry_Stale(t *testing.T) {
	now := time.Now()
	e := CacheEntry{ID: "a", CreatedAt: now}

	if e.Stale(AssetDescriptor{ID: "a", ModifiedAt: now.Add(-time.Minute)}) {
		t.Error("older descriptor should not be stale")
	}
	if e.Stale(AssetDescriptor{ID: "a", ModifiedAt: now}) {
		t.Error("equal timestamps should not be stale")
	}
	if !e.Stale(AssetDescriptor{ID: "a", ModifiedAt: now.Add(time.Minute)}) {
		t.Error("newer descriptor should be stale")
	}
}

func TestSnapshot_NoPhotos(t *testing.T) {
	if !(Snapshot{State: StateCompleted}).NoPhotos() {
		t.Error("empty completed snapshot should report no photos")
	}
	if (Snapshot{State: StateSyncing}).NoPhotos() {
		t.Error("empty syncing snapshot is still loading, not empty")
	}
	if (Snapshot{State: StateCompleted, Entries: []CacheEntry{{ID: "a"}}}).NoPhotos() {
		t.Error("non-empty snapshot should not report no photos")
	}
}

func TestSnapshot_Favorites(t *testing.T) {
	entries := []CacheEntry{
		{ID: "a"},
		{ID: "b", IsFavorite: true},
		{ID: "c", IsFavorite: true},
	}

	if favs := (Snapshot{State: StateSyncing, Entries: entries}).Favorites(); favs != nil {
		t.Errorf("expected no favorites while syncing, got %d", len(favs))
	}

	favs := (Snapshot{State: StateCompleted, Entries: entries}).Favorites()
	if len(favs) != 2 || favs[0].ID != "b" || favs[1].ID != "c" {
		t.Errorf("unexpected favorites: %+v", favs)
	}
}

func TestSnapshot_Clone(t *testing.T) {
	s := Snapshot{Entries: []CacheEntry{{ID: "a"}}}
	c := s.Clone()
	c.Entries[0].ID = "changed"
	if s.Entries[0].ID != "a" {
		t.Error("clone shares entries with original")
	}
}
