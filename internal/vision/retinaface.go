package vision

import (
	"fmt"
	"image"
	"slices"

	ort "github.com/yalue/onnxruntime_go"
)

// Detection is a face found by the detector, in source image pixels.
type Detection struct {
	BBox       [4]float32 // x1, y1, x2, y2
	Confidence float32
	Landmarks  [5][2]float32
}

const (
	detInputSize    = 640
	anchorsPerCell  = 2
	detNMSThreshold = 0.4
	detInputName    = "input.1"
	detScoreOffset  = 0
	detBoxOffset    = 3
	detMarkOffset   = 6
)

var detStrides = [3]int{8, 16, 32}

// det_10g output tensor names: scores, boxes, landmarks for strides 8/16/32.
var detOutputNames = [9]string{"448", "471", "494", "451", "474", "497", "454", "477", "500"}

// Detector runs the RetinaFace det_10g model. A Detector owns its tensors and
// must not be used from two goroutines at once.
type Detector struct {
	session   *ort.AdvancedSession
	input     *ort.Tensor[float32]
	outputs   []*ort.Tensor[float32]
	threshold float32
}

func NewDetector(modelPath string, threshold float32, opts *ort.SessionOptions) (*Detector, error) {
	input, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 3, detInputSize, detInputSize))
	if err != nil {
		return nil, fmt.Errorf("create detector input: %w", err)
	}

	d := &Detector{input: input, threshold: threshold}
	values := make([]ort.Value, 0, len(detOutputNames))
	for i := range detOutputNames {
		stride := detStrides[i%3]
		cells := int64((detInputSize / stride) * (detInputSize / stride) * anchorsPerCell)
		width := [3]int64{1, 4, 10}[i/3]
		t, err := ort.NewEmptyTensor[float32](ort.NewShape(cells, width))
		if err != nil {
			d.Close()
			return nil, fmt.Errorf("create detector output %s: %w", detOutputNames[i], err)
		}
		d.outputs = append(d.outputs, t)
		values = append(values, t)
	}

	d.session, err = ort.NewAdvancedSession(modelPath,
		[]string{detInputName}, detOutputNames[:],
		[]ort.Value{input}, values, opts)
	if err != nil {
		d.Close()
		return nil, fmt.Errorf("create detector session: %w", err)
	}
	return d, nil
}

// Detect finds faces in img and returns them best first after NMS.
func (d *Detector) Detect(img image.Image) ([]Detection, error) {
	b := img.Bounds()
	copy(d.input.GetData(), toCHW(img, detInputSize, detInputSize, detNorm))

	if err := d.session.Run(); err != nil {
		return nil, fmt.Errorf("run detector: %w", err)
	}

	sx := float32(b.Dx()) / detInputSize
	sy := float32(b.Dy()) / detInputSize
	var found []Detection
	for si, stride := range detStrides {
		found = d.decodeStride(found, si, stride, sx, sy, float32(b.Dx()), float32(b.Dy()))
	}
	return nms(found, detNMSThreshold), nil
}

// decodeStride appends the anchors of one feature map that clear the
// threshold. Box and landmark outputs are distances from the anchor centre
// in stride units.
func (d *Detector) decodeStride(dst []Detection, si, stride int, sx, sy, w, h float32) []Detection {
	scores := d.outputs[detScoreOffset+si].GetData()
	boxes := d.outputs[detBoxOffset+si].GetData()
	marks := d.outputs[detMarkOffset+si].GetData()

	cells := detInputSize / stride
	st := float32(stride)
	for i, score := range scores {
		if score < d.threshold {
			continue
		}
		cell := i / anchorsPerCell
		ax := float32(cell%cells) * st
		ay := float32(cell/cells) * st

		det := Detection{
			Confidence: score,
			BBox: [4]float32{
				clampF((ax-boxes[i*4]*st)*sx, 0, w),
				clampF((ay-boxes[i*4+1]*st)*sy, 0, h),
				clampF((ax+boxes[i*4+2]*st)*sx, 0, w),
				clampF((ay+boxes[i*4+3]*st)*sy, 0, h),
			},
		}
		for l := range det.Landmarks {
			det.Landmarks[l] = [2]float32{
				(ax + marks[i*10+l*2]*st) * sx,
				(ay + marks[i*10+l*2+1]*st) * sy,
			}
		}
		dst = append(dst, det)
	}
	return dst
}

func (d *Detector) Close() {
	if d.session != nil {
		d.session.Destroy()
	}
	if d.input != nil {
		d.input.Destroy()
	}
	for _, t := range d.outputs {
		t.Destroy()
	}
}

// nms keeps the most confident box of every overlapping group.
func nms(dets []Detection, iouThreshold float32) []Detection {
	slices.SortStableFunc(dets, func(a, b Detection) int {
		switch {
		case a.Confidence > b.Confidence:
			return -1
		case a.Confidence < b.Confidence:
			return 1
		}
		return 0
	})

	kept := dets[:0:0]
	for _, d := range dets {
		overlaps := false
		for _, k := range kept {
			if iou(k.BBox, d.BBox) > iouThreshold {
				overlaps = true
				break
			}
		}
		if !overlaps {
			kept = append(kept, d)
		}
	}
	return kept
}

func iou(a, b [4]float32) float32 {
	w := min(a[2], b[2]) - max(a[0], b[0])
	h := min(a[3], b[3]) - max(a[1], b[1])
	if w <= 0 || h <= 0 {
		return 0
	}
	inter := w * h
	union := (a[2]-a[0])*(a[3]-a[1]) + (b[2]-b[0])*(b[3]-b[1]) - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

func clampF(v, lo, hi float32) float32 {
	return max(lo, min(hi, v))
}
