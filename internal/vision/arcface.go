package vision

import (
	"fmt"
	"image"
	"math"

	ort "github.com/yalue/onnxruntime_go"
)

const (
	embInputSize  = 112
	embInputName  = "input.1"
	embOutputName = "683"
)

// Embedder runs the ArcFace w600k_r50 model on aligned face crops.
// Like Detector it is single-goroutine.
type Embedder struct {
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]
	dim     int
}

func NewEmbedder(modelPath string, dim int, opts *ort.SessionOptions) (*Embedder, error) {
	if dim <= 0 {
		dim = 512
	}
	e := &Embedder{dim: dim}

	var err error
	e.input, err = ort.NewEmptyTensor[float32](ort.NewShape(1, 3, embInputSize, embInputSize))
	if err != nil {
		return nil, fmt.Errorf("create embedder input: %w", err)
	}
	e.output, err = ort.NewEmptyTensor[float32](ort.NewShape(1, int64(dim)))
	if err != nil {
		e.Close()
		return nil, fmt.Errorf("create embedder output: %w", err)
	}
	e.session, err = ort.NewAdvancedSession(modelPath,
		[]string{embInputName}, []string{embOutputName},
		[]ort.Value{e.input}, []ort.Value{e.output}, opts)
	if err != nil {
		e.Close()
		return nil, fmt.Errorf("create embedder session: %w", err)
	}
	return e, nil
}

// Embed returns the L2-normalised embedding of a face crop.
func (e *Embedder) Embed(face image.Image) ([]float32, error) {
	copy(e.input.GetData(), toCHW(face, embInputSize, embInputSize, embNorm))
	if err := e.session.Run(); err != nil {
		return nil, fmt.Errorf("run embedder: %w", err)
	}
	out := make([]float32, e.dim)
	copy(out, e.output.GetData())
	l2normalize(out)
	return out, nil
}

func (e *Embedder) Dim() int { return e.dim }

func (e *Embedder) Close() {
	if e.session != nil {
		e.session.Destroy()
	}
	if e.input != nil {
		e.input.Destroy()
	}
	if e.output != nil {
		e.output.Destroy()
	}
}

func l2normalize(v []float32) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return
	}
	n := float32(math.Sqrt(sum))
	for i := range v {
		v[i] /= n
	}
}
