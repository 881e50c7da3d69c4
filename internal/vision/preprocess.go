package vision

import (
	"image"

	"github.com/disintegration/imaging"
	"golang.org/x/image/draw"
)

// normalization is applied per channel as (pixel - mean) / std.
type normalization struct {
	mean, std float32
}

var (
	detNorm = normalization{mean: 127.5, std: 128}
	embNorm = normalization{mean: 127.5, std: 127.5}
)

// toCHW resizes img to w x h and lays it out as planar RGB floats.
func toCHW(img image.Image, w, h int, n normalization) []float32 {
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.BiLinear.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)

	plane := w * h
	out := make([]float32, 3*plane)
	for y := 0; y < h; y++ {
		row := dst.Pix[y*dst.Stride:]
		for x := 0; x < w; x++ {
			p := row[x*4:]
			i := y*w + x
			out[i] = (float32(p[0]) - n.mean) / n.std
			out[plane+i] = (float32(p[1]) - n.mean) / n.std
			out[2*plane+i] = (float32(p[2]) - n.mean) / n.std
		}
	}
	return out
}

// cropFace cuts the detection box out of img with 10% padding on each side.
// It returns nil when the box is empty.
func cropFace(img image.Image, bbox [4]float32) image.Image {
	b := img.Bounds()
	box := image.Rect(int(bbox[0]), int(bbox[1]), int(bbox[2]), int(bbox[3])).Intersect(b)
	if box.Empty() {
		return nil
	}
	padX, padY := box.Dx()/10, box.Dy()/10
	box = image.Rect(box.Min.X-padX, box.Min.Y-padY, box.Max.X+padX, box.Max.Y+padY).Intersect(b)
	return imaging.Crop(img, box)
}
