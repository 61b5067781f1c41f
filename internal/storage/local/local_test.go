package local

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/fruitsalade/photocache/internal/storage"
)

func newTestBackend(t *testing.T) (*LocalBackend, string) {
	t.Helper()
	root := t.TempDir()
	b, err := New(Config{RootPath: root})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return b, root
}

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestNew_RequiresDirectory(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("expected error for empty root")
	}

	file := filepath.Join(t.TempDir(), "file")
	os.WriteFile(file, []byte("x"), 0644)
	if _, err := New(Config{RootPath: file}); err == nil {
		t.Error("expected error for non-directory root")
	}
}

func TestLocalBackend_GetObject(t *testing.T) {
	b, root := newTestBackend(t)
	writeFile(t, root, "2024/a.jpg", "hello")

	rc, size, err := b.GetObject(context.Background(), "2024/a.jpg")
	if err != nil {
		t.Fatalf("GetObject: %v", err)
	}
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	if string(data) != "hello" || size != 5 {
		t.Errorf("got %q (%d bytes)", data, size)
	}

	if _, _, err := b.GetObject(context.Background(), "missing.jpg"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestLocalBackend_ListSkipsHidden(t *testing.T) {
	b, root := newTestBackend(t)
	writeFile(t, root, "b.jpg", "b")
	writeFile(t, root, "a/c.png", "c")
	writeFile(t, root, ".favorites", "b.jpg")
	writeFile(t, root, ".thumbs/x.jpg", "x")

	objects, err := b.List(context.Background(), "")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(objects) != 2 {
		t.Fatalf("List returned %d objects, want 2: %+v", len(objects), objects)
	}
	if objects[0].Key != "a/c.png" || objects[1].Key != "b.jpg" {
		t.Errorf("unexpected order: %s, %s", objects[0].Key, objects[1].Key)
	}
}

func TestLocalBackend_LocatorRoundTrip(t *testing.T) {
	b, _ := newTestBackend(t)

	loc := b.Locator("2024/summer/a.jpg")
	key, ok := b.Key(loc)
	if !ok || key != "2024/summer/a.jpg" {
		t.Errorf("Key(%q) = %q, %v", loc, key, ok)
	}

	if _, ok := b.Key("s3://bucket/a.jpg"); ok {
		t.Error("s3 locator should not be claimed")
	}
	if _, ok := b.Key("file:///elsewhere/a.jpg"); ok {
		t.Error("locator outside root should not be claimed")
	}
}
