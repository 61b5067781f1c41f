package gallery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/fruitsalade/photocache/internal/models"
	"github.com/fruitsalade/photocache/internal/retry"
	"github.com/fruitsalade/photocache/internal/storage"
)

func testPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		img.Set(x, 0, color.RGBA{R: 255, A: 255})
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

// fakeOpener serves originals from memory. fails[locator] transient
// errors are returned before the content is served.
type fakeOpener struct {
	mu    sync.Mutex
	data  map[string][]byte
	fails map[string]int
	calls map[string]int
}

func newFakeOpener() *fakeOpener {
	return &fakeOpener{
		data:  make(map[string][]byte),
		fails: make(map[string]int),
		calls: make(map[string]int),
	}
}

func (o *fakeOpener) Open(_ context.Context, locator string) (io.ReadCloser, int64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls[locator]++
	if o.fails[locator] > 0 {
		o.fails[locator]--
		return nil, 0, errors.New("connection reset")
	}
	d, ok := o.data[locator]
	if !ok {
		return nil, 0, fmt.Errorf("open %s: %w", locator, storage.ErrNotFound)
	}
	return io.NopCloser(bytes.NewReader(d)), int64(len(d)), nil
}

func newTestProcessor(t *testing.T, opener Opener, workers int, onDispatch func(models.AssetDescriptor)) *Processor {
	t.Helper()
	p, err := NewProcessor(opener, Options{
		Workers:    workers,
		StagingDir: t.TempDir(),
		Retry:      retry.Config{Retries: 2, InitialWait: time.Millisecond},
		Transcoder: Transcoder{Bound: 64, Codec: CodecJPEG, Quality: 80},
		OnDispatch: onDispatch,
	})
	if err != nil {
		t.Fatalf("NewProcessor: %v", err)
	}
	return p
}

func TestTranscode_FitsWithinBound(t *testing.T) {
	tr := Transcoder{Bound: 100, Codec: CodecPNG}

	var buf bytes.Buffer
	w, h, err := tr.Transcode(&buf, testPNG(t, 400, 200))
	if err != nil {
		t.Fatalf("Transcode: %v", err)
	}
	if w != 100 || h != 50 {
		t.Errorf("got %dx%d, want 100x50", w, h)
	}

	dw, dh, err := ImageDimensions(&buf)
	if err != nil || dw != 100 || dh != 50 {
		t.Errorf("encoded dimensions %dx%d, %v", dw, dh, err)
	}
}

func TestTranscode_DoesNotUpscale(t *testing.T) {
	tr := DefaultTranscoder()

	var buf bytes.Buffer
	w, h, err := tr.Transcode(&buf, testPNG(t, 30, 20))
	if err != nil {
		t.Fatalf("Transcode: %v", err)
	}
	if w != 30 || h != 20 {
		t.Errorf("got %dx%d, want 30x20", w, h)
	}
	if _, err := jpeg.Decode(&buf); err != nil {
		t.Errorf("output is not a JPEG: %v", err)
	}
}

func TestTranscode_DecodeError(t *testing.T) {
	_, _, err := DefaultTranscoder().Transcode(io.Discard, []byte("not an image"))
	if !errors.Is(err, ErrDecode) {
		t.Errorf("expected ErrDecode, got %v", err)
	}
}

func TestApplyOrientation(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 40, 10))
	tests := []struct {
		orientation int
		w, h        int
	}{
		{1, 40, 10},
		{3, 40, 10},
		{6, 10, 40},
		{8, 10, 40},
	}
	for _, tt := range tests {
		b := applyOrientation(img, tt.orientation).Bounds()
		if b.Dx() != tt.w || b.Dy() != tt.h {
			t.Errorf("orientation %d: got %dx%d, want %dx%d", tt.orientation, b.Dx(), b.Dy(), tt.w, tt.h)
		}
	}
}

func TestReadOrientation_NoExif(t *testing.T) {
	if o := ReadOrientation(bytes.NewReader(testPNG(t, 4, 4))); o != 1 {
		t.Errorf("orientation = %d, want 1", o)
	}
}

func TestIsImageFile(t *testing.T) {
	tests := map[string]bool{
		"a.jpg":      true,
		"b.JPEG":     true,
		"c.webp":     true,
		"d.mov":      false,
		"notes.txt":  false,
		".favorites": false,
	}
	for path, want := range tests {
		if got := IsImageFile(path); got != want {
			t.Errorf("IsImageFile(%q) = %v, want %v", path, got, want)
		}
	}
}

func TestMaterialize_Success(t *testing.T) {
	o := newFakeOpener()
	o.data["mem://a.png"] = testPNG(t, 200, 100)
	p := newTestProcessor(t, o, 1, nil)

	f, err := p.Materialize(context.Background(), models.AssetDescriptor{ID: "a", OriginalLocator: "mem://a.png"})
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	defer f.Discard()

	r, err := f.Open()
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()
	w, h, err := ImageDimensions(r)
	if err != nil || w != 64 || h != 32 {
		t.Errorf("staged copy %dx%d, %v", w, h, err)
	}

	info, _ := os.Stat(f.Path)
	if info.Size() != f.Size {
		t.Errorf("Size = %d, file has %d", f.Size, info.Size())
	}
}

func TestMaterialize_RetriesTransient(t *testing.T) {
	o := newFakeOpener()
	o.data["mem://a.png"] = testPNG(t, 8, 8)
	o.fails["mem://a.png"] = 2
	p := newTestProcessor(t, o, 1, nil)

	f, err := p.Materialize(context.Background(), models.AssetDescriptor{ID: "a", OriginalLocator: "mem://a.png"})
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	f.Discard()
	if o.calls["mem://a.png"] != 3 {
		t.Errorf("calls = %d, want 3", o.calls["mem://a.png"])
	}
}

func TestMaterialize_ExhaustedIsPermanent(t *testing.T) {
	o := newFakeOpener()
	o.data["mem://a.png"] = testPNG(t, 8, 8)
	o.fails["mem://a.png"] = 5
	p := newTestProcessor(t, o, 1, nil)

	_, err := p.Materialize(context.Background(), models.AssetDescriptor{ID: "a", OriginalLocator: "mem://a.png"})
	if !errors.Is(err, ErrPermanentFailure) || !errors.Is(err, ErrTransient) {
		t.Fatalf("expected permanent failure caused by transient errors, got %v", err)
	}
	var me *MaterializeError
	if !errors.As(err, &me) || me.ID != "a" {
		t.Errorf("expected MaterializeError for a, got %v", err)
	}
	if o.calls["mem://a.png"] != 3 {
		t.Errorf("calls = %d, want 3 (1 + 2 retries)", o.calls["mem://a.png"])
	}
}

func TestMaterialize_NotFoundAndDecodeArePermanentImmediately(t *testing.T) {
	o := newFakeOpener()
	o.data["mem://bad.png"] = []byte("garbage")
	p := newTestProcessor(t, o, 1, nil)

	for _, loc := range []string{"mem://missing.png", "mem://bad.png"} {
		_, err := p.Materialize(context.Background(), models.AssetDescriptor{ID: loc, OriginalLocator: loc})
		if !errors.Is(err, ErrPermanentFailure) {
			t.Errorf("%s: expected ErrPermanentFailure, got %v", loc, err)
		}
		if o.calls[loc] != 1 {
			t.Errorf("%s: calls = %d, want 1", loc, o.calls[loc])
		}
	}
}

func TestProcessor_FIFOWithSingleWorker(t *testing.T) {
	o := newFakeOpener()
	var assets []models.AssetDescriptor
	for i := 0; i < 5; i++ {
		loc := fmt.Sprintf("mem://%d.png", i)
		o.data[loc] = testPNG(t, 4, 4)
		assets = append(assets, models.AssetDescriptor{ID: fmt.Sprint(i), OriginalLocator: loc})
	}

	var mu sync.Mutex
	var order []string
	p := newTestProcessor(t, o, 1, func(a models.AssetDescriptor) {
		mu.Lock()
		order = append(order, a.ID)
		mu.Unlock()
	})
	p.Submit(assets...)
	p.Start(context.Background())
	defer p.Stop()

	for range assets {
		select {
		case r := <-p.Results():
			if r.Err != nil {
				t.Errorf("result %s: %v", r.Asset.ID, r.Err)
			}
			r.File.Discard()
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for results")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if fmt.Sprint(order) != "[0 1 2 3 4]" {
		t.Errorf("dispatch order = %v", order)
	}
}

func TestProcessor_Cancel(t *testing.T) {
	p := newTestProcessor(t, newFakeOpener(), 1, nil)
	p.Submit(
		models.AssetDescriptor{ID: "a"},
		models.AssetDescriptor{ID: "b"},
		models.AssetDescriptor{ID: "c"},
	)

	if n := p.Cancel("b", "zzz"); n != 1 {
		t.Errorf("Cancel removed %d, want 1", n)
	}
	if p.Pending() != 2 {
		t.Errorf("Pending = %d, want 2", p.Pending())
	}
	dropped := p.CancelPending()
	if len(dropped) != 2 || dropped[0].ID != "a" || dropped[1].ID != "c" {
		t.Errorf("CancelPending = %v", dropped)
	}
	if p.Pending() != 0 {
		t.Errorf("Pending = %d, want 0", p.Pending())
	}
}

func TestProcessor_StopClosesResults(t *testing.T) {
	p := newTestProcessor(t, newFakeOpener(), 2, nil)
	p.Start(context.Background())
	p.Stop()

	if _, ok := <-p.Results(); ok {
		t.Error("Results should be closed after Stop")
	}
	p.Stop()
}
