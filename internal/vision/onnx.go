package vision

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"path/filepath"
	"runtime"
	"time"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/your-org/grapic/internal/observability"
)

const (
	detModelFile = "det_10g.onnx"
	embModelFile = "w600k_r50.onnx"
)

// InitRuntime loads the ONNX Runtime shared library. An empty path picks the
// platform default name.
func InitRuntime(libPath string) error {
	if libPath == "" {
		libPath = defaultLibPath()
	}
	ort.SetSharedLibraryPath(libPath)
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("init onnx runtime: %w", err)
	}
	return nil
}

func DestroyRuntime() {
	_ = ort.DestroyEnvironment()
}

func defaultLibPath() string {
	switch runtime.GOOS {
	case "windows":
		return "onnxruntime.dll"
	case "darwin":
		return "libonnxruntime.dylib"
	default:
		return "libonnxruntime.so"
	}
}

type ONNXConfig struct {
	ModelsDir          string
	DetectionThreshold float32
	EmbeddingDim       int
	// Sessions is the number of detector/embedder pairs, i.e. how many
	// extractions can run at once.
	Sessions       int
	IntraOpThreads int
	MinFaceSize    int
}

type modelSet struct {
	det *Detector
	emb *Embedder
}

// ONNXExtractor is the production Extractor: RetinaFace detection followed
// by ArcFace embedding. ONNX sessions are not goroutine-safe, so it owns a
// fixed pool of model sets and checks one out per step.
type ONNXExtractor struct {
	sets    chan *modelSet
	all     []*modelSet
	minFace int
}

func NewONNXExtractor(cfg ONNXConfig) (*ONNXExtractor, error) {
	if cfg.Sessions <= 0 {
		cfg.Sessions = 1
	}
	detPath := filepath.Join(cfg.ModelsDir, detModelFile)
	embPath := filepath.Join(cfg.ModelsDir, embModelFile)

	x := &ONNXExtractor{sets: make(chan *modelSet, cfg.Sessions), minFace: cfg.MinFaceSize}
	for i := 0; i < cfg.Sessions; i++ {
		opts, err := sessionOptions(cfg.IntraOpThreads)
		if err != nil {
			x.Close()
			return nil, err
		}
		det, err := NewDetector(detPath, cfg.DetectionThreshold, opts)
		if err != nil {
			opts.Destroy()
			x.Close()
			return nil, fmt.Errorf("load detector: %w", err)
		}
		emb, err := NewEmbedder(embPath, cfg.EmbeddingDim, opts)
		opts.Destroy()
		if err != nil {
			det.Close()
			x.Close()
			return nil, fmt.Errorf("load embedder: %w", err)
		}
		set := &modelSet{det: det, emb: emb}
		x.all = append(x.all, set)
		x.sets <- set
	}

	slog.Info("face models loaded", "dir", cfg.ModelsDir, "sessions", cfg.Sessions)
	return x, nil
}

func sessionOptions(threads int) (*ort.SessionOptions, error) {
	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("create session options: %w", err)
	}
	if threads > 0 {
		if err := opts.SetIntraOpNumThreads(threads); err != nil {
			opts.Destroy()
			return nil, fmt.Errorf("set intra-op threads: %w", err)
		}
	}
	return opts, nil
}

func (x *ONNXExtractor) acquire(ctx context.Context) (*modelSet, error) {
	select {
	case set := <-x.sets:
		return set, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (x *ONNXExtractor) release(set *modelSet) { x.sets <- set }

// Extract decodes the image and runs detection before returning. Embeddings
// are computed one face at a time while the sequence is ranged over.
func (x *ONNXExtractor) Extract(ctx context.Context, data []byte) (Faces, error) {
	img, err := DecodeImage(data)
	if err != nil {
		return nil, err
	}

	set, err := x.acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrExtraction, err)
	}
	start := time.Now()
	dets, err := set.det.Detect(img)
	x.release(set)
	observability.InferenceDuration.WithLabelValues("detect").Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrExtraction, err)
	}

	type crop struct {
		img image.Image
		det Detection
	}
	crops := make([]crop, 0, len(dets))
	for _, d := range dets {
		if x.minFace > 0 && (d.BBox[2]-d.BBox[0] < float32(x.minFace) || d.BBox[3]-d.BBox[1] < float32(x.minFace)) {
			continue
		}
		if c := cropFace(img, d.BBox); c != nil {
			crops = append(crops, crop{img: c, det: d})
		}
	}

	return OneShot(func(yield func(Face, error) bool) {
		for _, c := range crops {
			set, err := x.acquire(ctx)
			if err != nil {
				yield(Face{}, fmt.Errorf("%w: %w", ErrExtraction, err))
				return
			}
			start := time.Now()
			vec, err := set.emb.Embed(c.img)
			x.release(set)
			observability.InferenceDuration.WithLabelValues("embed").Observe(time.Since(start).Seconds())
			if err != nil {
				yield(Face{}, fmt.Errorf("%w: %w", ErrExtraction, err))
				return
			}
			if !yield(Face{Embedding: vec, Box: boxFromBBox(c.det.BBox), Score: c.det.Confidence}, nil) {
				return
			}
		}
	}), nil
}

// Close releases every model session. It must not race with Extract.
func (x *ONNXExtractor) Close() {
	for _, set := range x.all {
		set.det.Close()
		set.emb.Close()
	}
	x.all = nil
}
