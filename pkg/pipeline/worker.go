package pipeline

import (
	"context"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrCodeEU/cortex/pkg/camera"
	"github.com/MrCodeEU/cortex/pkg/logging"
	"github.com/MrCodeEU/cortex/pkg/recognition"
	"github.com/MrCodeEU/cortex/pkg/storage"
	"golang.org/x/image/draw"
)

var log = logging.Component("pipeline")

// GallerySource provides the gallery snapshot matched against each cycle.
type GallerySource interface {
	Snapshot() *storage.Gallery
}

// WorkerStats counts worker activity.
type WorkerStats struct {
	Processed      uint64        `json:"processed"`
	Dropped        uint64        `json:"dropped"`
	DetectFailures uint64        `json:"detect_failures"`
	EmbedFailures  uint64        `json:"embed_failures"`
	LastLatency    time.Duration `json:"last_latency_ns"`
}

// Worker recognises faces in one frame at a time. Frames offered while a
// frame is in flight are dropped.
type Worker struct {
	model   recognition.FaceModel
	gallery GallerySource
	matcher *recognition.Matcher
	scale   float64
	cache   *ResultCache
	bus     *Bus

	slot chan camera.Frame
	busy atomic.Bool

	processed      atomic.Uint64
	dropped        atomic.Uint64
	detectFailures atomic.Uint64
	embedFailures  atomic.Uint64
	lastLatency    atomic.Int64

	running sync.WaitGroup
}

// NewWorker creates a worker. Frames are downscaled by scale before
// detection; a scale of 1 or more processes them at full size. bus may be nil.
func NewWorker(model recognition.FaceModel, gallery GallerySource, matcher *recognition.Matcher, scale float64, cache *ResultCache, bus *Bus) *Worker {
	if scale <= 0 {
		scale = 1
	}
	return &Worker{
		model:   model,
		gallery: gallery,
		matcher: matcher,
		scale:   scale,
		cache:   cache,
		bus:     bus,
		slot:    make(chan camera.Frame, 1),
	}
}

// Offer hands f to the worker without blocking. It returns false and drops
// f when a frame is already in flight.
func (w *Worker) Offer(f camera.Frame) bool {
	if !w.busy.CompareAndSwap(false, true) {
		w.dropped.Add(1)
		return false
	}
	w.slot <- f
	return true
}

// Start runs the worker in the background until ctx is done.
func (w *Worker) Start(ctx context.Context) {
	w.running.Add(1)
	go func() {
		defer w.running.Done()
		w.Run(ctx)
	}()
}

// Run processes offered frames until ctx is done. It returns only after
// the in-flight cycle has finished.
func (w *Worker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-w.slot:
			w.Process(f)
			w.busy.Store(false)
		}
	}
}

// Wait blocks until a worker launched with Start has returned.
func (w *Worker) Wait() {
	w.running.Wait()
}

// Process runs one recognition cycle synchronously and publishes the
// resulting snapshot.
func (w *Worker) Process(f camera.Frame) *Snapshot {
	start := time.Now()

	snap := &Snapshot{Faces: []LabeledFace{}, FrameTime: f.Timestamp, Seq: f.Seq}
	if f.Image != nil {
		snap.Faces = w.recognise(f.Image)
	}

	w.cache.Publish(snap)
	if w.bus != nil {
		w.bus.Publish(snap)
	}

	latency := time.Since(start)
	w.lastLatency.Store(int64(latency))
	w.processed.Add(1)

	if len(snap.Faces) > 0 {
		log.Debugf("Frame %d: %d face(s) in %v", f.Seq, len(snap.Faces), latency)
	}
	return snap
}

func (w *Worker) recognise(img image.Image) []LabeledFace {
	small, scaled := downscale(img, w.scale)

	boxes, err := w.model.Detect(small)
	if err != nil {
		w.detectFailures.Add(1)
		log.Warnf("Detection failed: %v", err)
		return []LabeledFace{}
	}

	candidates := w.gallery.Snapshot().Candidates()
	origin := img.Bounds().Min

	faces := make([]LabeledFace, 0, len(boxes))
	for _, box := range boxes {
		emb, err := w.model.Embed(small, box)
		if err != nil {
			w.embedFailures.Add(1)
			log.Debugf("Skipping face at %v: %v", box, err)
			continue
		}

		result := w.matcher.Match(emb, candidates)
		if scaled {
			box = recognition.BoxFromRect(box.Scale(1 / w.scale).Rect().Add(origin))
		}
		faces = append(faces, LabeledFace{Box: box, Label: result.Label, Score: result.Score})
	}
	return faces
}

// Stats returns worker counters.
func (w *Worker) Stats() WorkerStats {
	return WorkerStats{
		Processed:      w.processed.Load(),
		Dropped:        w.dropped.Load(),
		DetectFailures: w.detectFailures.Load(),
		EmbedFailures:  w.embedFailures.Load(),
		LastLatency:    time.Duration(w.lastLatency.Load()),
	}
}

// downscale resizes img by scale into an image anchored at the origin.
// It reports false when img is returned unchanged.
func downscale(img image.Image, scale float64) (image.Image, bool) {
	b := img.Bounds()
	if scale >= 1 {
		return img, false
	}

	w := int(float64(b.Dx())*scale + 0.5)
	h := int(float64(b.Dy())*scale + 0.5)
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst, true
}
