package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/fruitsalade/photocache/internal/cache"
	"github.com/fruitsalade/photocache/internal/events"
	"github.com/fruitsalade/photocache/internal/models"
)

type testEnv struct {
	cache     *cache.Cache
	publisher *events.Publisher
	handler   http.Handler
	triggered int
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	c, err := cache.Open(t.TempDir(), cache.Options{NoIndex: true})
	if err != nil {
		t.Fatalf("cache.Open: %v", err)
	}
	env := &testEnv{cache: c, publisher: events.NewPublisher(8)}
	env.handler = NewServer(c, env.publisher, func() { env.triggered++ }).Handler()
	return env
}

func (e *testEnv) put(t *testing.T, id, content string, fav bool) models.CacheEntry {
	t.Helper()
	entry, err := e.cache.Put(context.Background(), id, "file:///orig/"+id, fav, strings.NewReader(content))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	return *entry
}

func (e *testEnv) do(method, target string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do("GET", "/health")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestSnapshot(t *testing.T) {
	env := newTestEnv(t)
	a := env.put(t, "a.jpg", "aaa", false)
	b := env.put(t, "b.jpg", "bb", true)

	env.publisher.Publish(models.Snapshot{State: models.StateSyncing, Entries: []models.CacheEntry{a, b}})

	var resp SnapshotResponse
	rec := env.do("GET", "/api/v1/snapshot")
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.IsLoading || resp.Count != 2 || resp.NoPhotos || resp.Version != 1 {
		t.Errorf("unexpected SYNCING response: %+v", resp)
	}

	rec = env.do("GET", "/api/v1/snapshot?favorites=1")
	resp = SnapshotResponse{}
	json.NewDecoder(rec.Body).Decode(&resp)
	if resp.Count != 0 {
		t.Errorf("favorites exposed before COMPLETED: %+v", resp.Entries)
	}

	env.publisher.Publish(models.Snapshot{State: models.StateCompleted, Entries: []models.CacheEntry{a, b}})
	rec = env.do("GET", "/api/v1/snapshot?favorites=true")
	resp = SnapshotResponse{}
	json.NewDecoder(rec.Body).Decode(&resp)
	if resp.Count != 1 || resp.Entries[0].ID != "b.jpg" || resp.IsLoading {
		t.Errorf("unexpected favorites response: %+v", resp)
	}
}

func TestSnapshot_NoPhotos(t *testing.T) {
	env := newTestEnv(t)
	env.publisher.Publish(models.Snapshot{State: models.StateCompleted})

	var resp SnapshotResponse
	json.NewDecoder(env.do("GET", "/api/v1/snapshot").Body).Decode(&resp)
	if !resp.NoPhotos || resp.IsLoading {
		t.Errorf("expected no-photos response, got %+v", resp)
	}
}

func TestPhoto(t *testing.T) {
	env := newTestEnv(t)
	env.put(t, "2024/trip/a.jpg", "jpeg bytes", false)

	rec := env.do("GET", "/api/v1/photos/2024/trip/a.jpg")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Body.String() != "jpeg bytes" {
		t.Errorf("body = %q", rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "image/jpeg" {
		t.Errorf("Content-Type = %q", ct)
	}

	if rec := env.do("GET", "/api/v1/photos/missing.jpg"); rec.Code != http.StatusNotFound {
		t.Errorf("missing photo status = %d", rec.Code)
	}
}

func TestPhoto_ReleasesEntry(t *testing.T) {
	env := newTestEnv(t)
	env.put(t, "a.jpg", "x", false)

	env.do("GET", "/api/v1/photos/a.jpg")
	if res := env.cache.EvictToFit(0); len(res.Evicted) != 1 {
		t.Errorf("entry still held after response: %+v", res)
	}
}

func TestSync(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do("POST", "/api/v1/sync")
	if rec.Code != http.StatusAccepted || env.triggered != 1 {
		t.Errorf("status = %d, triggered = %d", rec.Code, env.triggered)
	}

	c, _ := cache.Open(t.TempDir(), cache.Options{NoIndex: true})
	h := NewServer(c, events.NewPublisher(1), nil).Handler()
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("POST", "/api/v1/sync", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status without trigger = %d", rec.Code)
	}
}

func TestSync_CallsEveryTrigger(t *testing.T) {
	c, _ := cache.Open(t.TempDir(), cache.Options{NoIndex: true})
	var calls []string
	h := NewServer(c, events.NewPublisher(1),
		func() { calls = append(calls, "repair") },
		func() { calls = append(calls, "rescan") },
	).Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("POST", "/api/v1/sync", nil))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d", rec.Code)
	}
	if strings.Join(calls, ",") != "repair,rescan" {
		t.Errorf("triggers called = %v, want repair,rescan", calls)
	}
}

func TestStats(t *testing.T) {
	env := newTestEnv(t)
	env.put(t, "a.jpg", "12345", false)

	var resp StatsResponse
	json.NewDecoder(env.do("GET", "/api/v1/stats").Body).Decode(&resp)
	if resp.SizeBytes != 5 || resp.Entries != 1 || resp.State != models.StateIdle {
		t.Errorf("unexpected stats: %+v", resp)
	}
}

func TestEvents(t *testing.T) {
	env := newTestEnv(t)
	env.publisher.Publish(models.Snapshot{State: models.StateCompleted})

	srv := httptest.NewServer(env.handler)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/v1/events")
	if err != nil {
		t.Fatalf("GET events: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}

	lines := make(chan string, 64)
	go func() {
		defer close(lines)
		r := bufio.NewReader(resp.Body)
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			lines <- strings.TrimSpace(line)
		}
	}()

	readData := func() SnapshotResponse {
		t.Helper()
		timeout := time.After(5 * time.Second)
		for {
			select {
			case line, ok := <-lines:
				if !ok {
					t.Fatal("stream ended")
				}
				if data, found := strings.CutPrefix(line, "data: "); found {
					var s SnapshotResponse
					if err := json.Unmarshal([]byte(data), &s); err != nil {
						t.Fatalf("bad event data %q: %v", data, err)
					}
					return s
				}
			case <-timeout:
				t.Fatal("timed out waiting for event")
			}
		}
	}

	if s := readData(); s.Version != 1 || !s.NoPhotos {
		t.Errorf("first event = %+v", s)
	}
	env.publisher.Publish(models.Snapshot{State: models.StateSyncing})
	if s := readData(); s.Version != 2 || !s.IsLoading {
		t.Errorf("second event = %+v", s)
	}

	env.publisher.Close()
}
