package vision

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"iter"
	"sync/atomic"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"

	"github.com/your-org/grapic/internal/models"
)

// ErrExtraction covers undecodable images and model failures. It is retryable.
var ErrExtraction = errors.New("face extraction failed")

// ErrUnreadableImage marks extraction failures caused by the input bytes
// rather than the model. Errors wrapping it also wrap ErrExtraction.
var ErrUnreadableImage = errors.New("unreadable image")

var ErrFacesConsumed = errors.New("face sequence already consumed")

// Face is one detected face: its embedding and where it sits in the image.
type Face struct {
	Embedding []float32
	Box       models.Box
	Score     float32
}

// Faces is a lazy, finite sequence of detected faces. It can be ranged over
// once. An image with no faces yields an empty sequence, not an error.
type Faces = iter.Seq2[Face, error]

// Extractor turns image bytes into face embeddings. Implementations are safe
// for concurrent use.
type Extractor interface {
	Extract(ctx context.Context, image []byte) (Faces, error)
}

// DecodeImage decodes JPEG, PNG, GIF, BMP, TIFF or WebP bytes and applies the
// EXIF orientation.
func DecodeImage(data []byte) (image.Image, error) {
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("%w: %w: decode image: %w", ErrExtraction, ErrUnreadableImage, err)
	}
	b := img.Bounds()
	if b.Dx() == 0 || b.Dy() == 0 {
		return nil, fmt.Errorf("%w: %w: empty image", ErrExtraction, ErrUnreadableImage)
	}
	return img, nil
}

// OneShot wraps seq so that a second range yields ErrFacesConsumed.
func OneShot(seq Faces) Faces {
	var used atomic.Bool
	return func(yield func(Face, error) bool) {
		if used.Swap(true) {
			yield(Face{}, ErrFacesConsumed)
			return
		}
		for f, err := range seq {
			if !yield(f, err) {
				return
			}
		}
	}
}

// FacesOf returns a one-shot sequence over fixed faces.
func FacesOf(faces ...Face) Faces {
	return OneShot(func(yield func(Face, error) bool) {
		for _, f := range faces {
			if !yield(f, nil) {
				return
			}
		}
	})
}

// Collect drains seq into a slice, stopping at the first error.
func Collect(seq Faces) ([]Face, error) {
	var out []Face
	for f, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, f)
	}
	return out, nil
}

func boxFromBBox(b [4]float32) models.Box {
	return models.Box{
		X: int(b[0]),
		Y: int(b[1]),
		W: int(b[2] - b[0]),
		H: int(b[3] - b[1]),
	}
}
