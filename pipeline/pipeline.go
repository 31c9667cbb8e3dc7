package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Tutortoise/object-detection-service/backends"
	"github.com/Tutortoise/object-detection-service/detections"
	"github.com/Tutortoise/object-detection-service/models"

	"github.com/sirupsen/logrus"
)

type Config struct {
	Options          detections.Options
	MinFrameInterval time.Duration
	AcquireTimeout   time.Duration
	LoadTimeout      time.Duration
	// Clock drives the frame governor; nil uses time.Now.
	Clock func() time.Time
	Log   *logrus.Entry
}

func DefaultConfig() Config {
	return Config{
		Options:          detections.DefaultOptions(),
		MinFrameInterval: detections.DefaultMinFrameInterval,
		AcquireTimeout:   detections.DefaultAcquireTimeout,
		LoadTimeout:      detections.DefaultLoadTimeout,
	}
}

// FrameResult is published for every frame ProcessFrame accepts.
type FrameResult struct {
	Seq        uint64                   `json:"seq"`
	Width      int                      `json:"width"`
	Height     int                      `json:"height"`
	Detections []models.Detection       `json:"detections"`
	Err        error                    `json:"-"`
	Timings    models.ProcessingTimings `json:"timings"`
}

type DetectResult struct {
	Detections []models.Detection
	Err        error
}

type Stats struct {
	Backend        models.BackendKind `json:"backend"`
	ModelState     string             `json:"model_state"`
	LoadAttempts   int64              `json:"load_attempts"`
	Gate           GateSnapshot       `json:"gate"`
	Governor       GovernorStats      `json:"governor"`
	Subscribers    int                `json:"subscribers"`
	DroppedResults uint64             `json:"dropped_results"`
}

// Pipeline runs detection for one backend. Still images go through Detect;
// live frames go through ProcessFrame and come back on Subscribe channels.
type Pipeline struct {
	cfg       Config
	backend   backends.Backend
	lifecycle *detections.ModelLifecycle
	gate      *inferenceGate
	governor  *Governor
	log       *logrus.Entry

	subsMu  sync.RWMutex
	subs    map[uint64]chan FrameResult
	nextSub uint64

	seq            atomic.Uint64
	droppedResults atomic.Uint64

	closeMu sync.RWMutex
	closed  bool
	// active counts Detect calls and accepted frames still running.
	active sync.WaitGroup
}

var errClosed = errors.New("pipeline is closed")

func New(backend backends.Backend, cfg Config) *Pipeline {
	if cfg.Log == nil {
		cfg.Log = logrus.WithField("component", "pipeline")
	}
	if cfg.Options == (detections.Options{}) {
		cfg.Options = detections.DefaultOptions()
	}

	log := cfg.Log.WithField("backend", backend.Kind())
	p := &Pipeline{
		cfg:      cfg,
		backend:  backend,
		gate:     newInferenceGate(cfg.AcquireTimeout),
		governor: NewGovernor(cfg.MinFrameInterval, cfg.Clock),
		log:      log,
		subs:     make(map[uint64]chan FrameResult),
	}
	p.lifecycle = detections.NewModelLifecycle(string(backend.Kind()), backend.Load, log)
	if cfg.LoadTimeout > 0 {
		p.lifecycle.SetLoadTimeout(cfg.LoadTimeout)
	}
	return p
}

func (p *Pipeline) Backend() backends.Backend { return p.backend }

func (p *Pipeline) State() detections.ModelState { return p.lifecycle.State() }

// Preload starts loading the model without waiting for it.
func (p *Pipeline) Preload() {
	p.lifecycle.Preload()
}

// Detect runs a single detection on a still image. It waits for the model to
// load and for any other inference on this pipeline to finish.
func (p *Pipeline) Detect(ctx context.Context, img *detections.PixelImage) ([]models.Detection, error) {
	return p.DetectWithTimings(ctx, img, &models.ProcessingTimings{})
}

// DetectWithTimings is Detect recording stage durations into timings. It
// fails with ErrModelNotLoaded once the pipeline is closed.
func (p *Pipeline) DetectWithTimings(ctx context.Context, img *detections.PixelImage, timings *models.ProcessingTimings) ([]models.Detection, error) {
	if !p.enter() {
		return nil, &detections.ProcessingError{Kind: detections.ErrModelNotLoaded, Op: "detect", Cause: errClosed}
	}
	defer p.active.Done()
	return p.detect(ctx, img, timings)
}

// enter registers a call with Close unless the pipeline is already closed.
func (p *Pipeline) enter() bool {
	p.closeMu.RLock()
	defer p.closeMu.RUnlock()
	if p.closed {
		return false
	}
	p.active.Add(1)
	return true
}

func (p *Pipeline) detect(ctx context.Context, img *detections.PixelImage, timings *models.ProcessingTimings) ([]models.Detection, error) {
	start := time.Now()
	defer func() { timings.Total = time.Since(start) }()

	w, h := img.Size()
	if w == 0 || h == 0 {
		_, err := detections.NewLetterbox(w, h, detections.DefaultInputSize)
		return nil, err
	}

	if err := p.lifecycle.EnsureLoaded(ctx); err != nil {
		return nil, err
	}

	release, err := p.gate.Acquire(ctx)
	if err != nil {
		return nil, &detections.ProcessingError{Kind: detections.ErrInferenceFailed, Op: "acquire", Cause: err}
	}
	defer release()

	lbStart := time.Now()
	lb, err := detections.NewLetterbox(w, h, p.backend.InputSize())
	if err != nil {
		return nil, err
	}
	input := lb.Forward(img.Upright())
	timings.Letterbox = time.Since(lbStart)

	inferStart := time.Now()
	out, err := p.backend.Infer(ctx, input)
	timings.Inference = time.Since(inferStart)
	if err != nil {
		if detections.Kind(err) == nil {
			err = &detections.ProcessingError{Kind: detections.ErrInferenceFailed, Op: string(p.backend.Kind()), Cause: err}
		}
		return nil, err
	}

	post := detections.Postprocessor{
		Options: p.cfg.Options,
		Labels:  p.backend.Labels(),
		Kind:    p.backend.Kind(),
		Log:     p.log.WithField("component", "decoder"),
	}
	return post.Process(out, lb, timings), nil
}

// DetectAsync runs Detect on its own goroutine. The channel yields exactly one
// result and is then closed.
func (p *Pipeline) DetectAsync(ctx context.Context, img *detections.PixelImage) <-chan DetectResult {
	ch := make(chan DetectResult, 1)
	go func() {
		defer close(ch)
		dets, err := p.Detect(ctx, img)
		ch <- DetectResult{Detections: dets, Err: err}
	}()
	return ch
}

// ProcessFrame offers a live frame. It reports whether the frame was accepted;
// dropped frames produce no result.
func (p *Pipeline) ProcessFrame(frame *detections.PixelImage) bool {
	if !p.enter() {
		return false
	}

	release, ok := p.governor.TryAcquire()
	if !ok {
		p.active.Done()
		p.log.Debug("frame dropped")
		return false
	}

	seq := p.seq.Add(1)
	go func() {
		defer p.active.Done()
		defer release()

		timings := &models.ProcessingTimings{}
		dets, err := p.detect(context.Background(), frame, timings)
		if err != nil {
			p.log.WithError(err).WithField("seq", seq).Warn("frame detection failed")
		}
		w, h := frame.Size()
		p.publish(FrameResult{
			Seq:        seq,
			Width:      w,
			Height:     h,
			Detections: dets,
			Err:        err,
			Timings:    *timings,
		})
	}()
	return true
}

// Subscribe returns a channel of frame results and a function that cancels
// the subscription. A subscriber that falls behind misses results rather than
// stalling the pipeline.
func (p *Pipeline) Subscribe(buffer int) (<-chan FrameResult, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan FrameResult, buffer)

	p.subsMu.Lock()
	id := p.nextSub
	p.nextSub++
	p.subs[id] = ch
	p.subsMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			p.subsMu.Lock()
			defer p.subsMu.Unlock()
			if c, ok := p.subs[id]; ok {
				delete(p.subs, id)
				close(c)
			}
		})
	}
}

func (p *Pipeline) publish(res FrameResult) {
	p.subsMu.RLock()
	defer p.subsMu.RUnlock()
	for _, ch := range p.subs {
		select {
		case ch <- res:
		default:
			p.droppedResults.Add(1)
		}
	}
}

func (p *Pipeline) Stats() Stats {
	p.subsMu.RLock()
	subs := len(p.subs)
	p.subsMu.RUnlock()

	return Stats{
		Backend:        p.backend.Kind(),
		ModelState:     p.lifecycle.State().String(),
		LoadAttempts:   p.lifecycle.Attempts(),
		Gate:           p.gate.Metrics(),
		Governor:       p.governor.Stats(),
		Subscribers:    subs,
		DroppedResults: p.droppedResults.Load(),
	}
}

// Switch closes p and returns a pipeline with the same configuration running
// on backend. The new pipeline starts Unloaded.
func (p *Pipeline) Switch(backend backends.Backend) (*Pipeline, error) {
	if err := p.Close(); err != nil {
		return nil, err
	}
	return New(backend, p.cfg), nil
}

// Close waits for in-flight detections and frames, ends all subscriptions
// and closes the backend.
func (p *Pipeline) Close() error {
	p.closeMu.Lock()
	if p.closed {
		p.closeMu.Unlock()
		return nil
	}
	p.closed = true
	p.closeMu.Unlock()

	p.active.Wait()

	p.subsMu.Lock()
	for id, ch := range p.subs {
		delete(p.subs, id)
		close(ch)
	}
	p.subsMu.Unlock()

	return p.backend.Close()
}
