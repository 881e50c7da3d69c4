package imagestore

import (
	"bytes"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"
)

var (
	ErrUnsupportedFormat = errors.New("unsupported image format")
	ErrTooLarge          = errors.New("image too large")
)

// UploadRules bounds what an organizer may upload.
type UploadRules struct {
	MaxBytes          int64
	AllowedExtensions []string
	MaxDimension      int
	JPEGQuality       int
	ThumbnailSize     int
}

func DefaultUploadRules() UploadRules {
	return UploadRules{
		MaxBytes:          20 << 20,
		AllowedExtensions: []string{".jpg", ".jpeg", ".png", ".webp"},
		MaxDimension:      2048,
		JPEGQuality:       85,
		ThumbnailSize:     400,
	}
}

// Allowed reports whether name has an accepted image extension.
func (r UploadRules) Allowed(name string) bool {
	return slices.Contains(r.AllowedExtensions, strings.ToLower(filepath.Ext(name)))
}

func (r UploadRules) Validate(name string, size int64) error {
	if !r.Allowed(name) {
		return fmt.Errorf("%w: %s", ErrUnsupportedFormat, filepath.Ext(name))
	}
	if r.MaxBytes > 0 && size > r.MaxBytes {
		return fmt.Errorf("%w: %d bytes (max %d)", ErrTooLarge, size, r.MaxBytes)
	}
	return nil
}

// Normalized is a re-encoded upload ready for storage.
type Normalized struct {
	Data      []byte
	Thumbnail []byte
	Width     int
	Height    int
}

// Normalize decodes data, applies EXIF orientation, shrinks it to fit
// MaxDimension and re-encodes it as JPEG along with a thumbnail.
func (r UploadRules) Normalize(data []byte) (*Normalized, error) {
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnsupportedFormat, err)
	}

	b := img.Bounds()
	if r.MaxDimension > 0 && (b.Dx() > r.MaxDimension || b.Dy() > r.MaxDimension) {
		img = imaging.Fit(img, r.MaxDimension, r.MaxDimension, imaging.Lanczos)
	}

	var full bytes.Buffer
	if err := imaging.Encode(&full, img, imaging.JPEG, imaging.JPEGQuality(r.JPEGQuality)); err != nil {
		return nil, fmt.Errorf("encode image: %w", err)
	}

	size := r.ThumbnailSize
	if size <= 0 {
		size = 400
	}
	var thumb bytes.Buffer
	if err := imaging.Encode(&thumb, imaging.Fit(img, size, size, imaging.Lanczos), imaging.JPEG, imaging.JPEGQuality(80)); err != nil {
		return nil, fmt.Errorf("encode thumbnail: %w", err)
	}

	nb := img.Bounds()
	return &Normalized{
		Data:      full.Bytes(),
		Thumbnail: thumb.Bytes(),
		Width:     nb.Dx(),
		Height:    nb.Dy(),
	}, nil
}

// StoredName is the storage filename for an upload: a unique stem with a
// .jpg extension since every stored image is re-encoded as JPEG.
func StoredName(id fmt.Stringer) string {
	return id.String() + ".jpg"
}
