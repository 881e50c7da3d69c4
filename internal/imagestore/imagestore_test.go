package imagestore

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/google/uuid"
)

func TestLocalStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	event := uuid.New()
	key := PhotoKey(event, "a.jpg")
	if err := s.Put(ctx, key, []byte("data"), "image/jpeg"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := s.Get(ctx, key)
	if err != nil || string(got) != "data" {
		t.Fatalf("Get = %q, %v", got, err)
	}

	if err := s.Put(ctx, ThumbnailKey(event, "a.jpg"), []byte("t"), "image/jpeg"); err != nil {
		t.Fatal(err)
	}
	n, err := s.DeletePrefix(ctx, EventPrefix(event))
	if err != nil || n != 2 {
		t.Fatalf("DeletePrefix = %d, %v, want 2", n, err)
	}
	if _, err := s.Get(ctx, key); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after delete err = %v, want ErrNotFound", err)
	}
}

func TestLocalStoreMissing(t *testing.T) {
	ctx := context.Background()
	s, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get(ctx, "events/x/photos/none.jpg"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
	if err := s.Delete(ctx, "events/x/photos/none.jpg"); err != nil {
		t.Errorf("Delete(missing) = %v, want nil", err)
	}
	if n, err := s.DeletePrefix(ctx, "events/none/"); n != 0 || err != nil {
		t.Errorf("DeletePrefix(missing) = %d, %v", n, err)
	}
}

func TestLocalStoreRejectsEscapingKeys(t *testing.T) {
	s, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"../x", "/etc/passwd", ".", ""} {
		if err := s.Put(context.Background(), key, nil, ""); err == nil {
			t.Errorf("Put(%q) succeeded, want error", key)
		}
	}
}

func TestValidate(t *testing.T) {
	r := DefaultUploadRules()
	tests := []struct {
		name string
		size int64
		want error
	}{
		{"a.jpg", 10, nil},
		{"B.JPEG", 10, nil},
		{"c.webp", 10, nil},
		{"d.gif", 10, ErrUnsupportedFormat},
		{"noext", 10, ErrUnsupportedFormat},
		{"big.png", 21 << 20, ErrTooLarge},
	}
	for _, tt := range tests {
		err := r.Validate(tt.name, tt.size)
		if !errors.Is(err, tt.want) {
			t.Errorf("Validate(%q, %d) = %v, want %v", tt.name, tt.size, err, tt.want)
		}
	}
}

func TestNormalize(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 300, 150))
	for y := 0; y < 150; y++ {
		for x := 0; x < 300; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 50, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}

	r := DefaultUploadRules()
	r.MaxDimension = 100
	r.ThumbnailSize = 50

	n, err := r.Normalize(buf.Bytes())
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if n.Width != 100 || n.Height != 50 {
		t.Errorf("size = %dx%d, want 100x50", n.Width, n.Height)
	}
	thumb, _, err := image.Decode(bytes.NewReader(n.Thumbnail))
	if err != nil {
		t.Fatalf("decode thumbnail: %v", err)
	}
	if b := thumb.Bounds(); b.Dx() != 50 || b.Dy() != 25 {
		t.Errorf("thumbnail = %dx%d, want 50x25", b.Dx(), b.Dy())
	}

	if _, err := r.Normalize([]byte("nope")); !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("Normalize(garbage) = %v, want ErrUnsupportedFormat", err)
	}
}
