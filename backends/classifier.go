package backends

import (
	"context"
	"fmt"
	"image"
	"math"
	"sync"

	"github.com/Tutortoise/object-detection-service/detections"
	"github.com/Tutortoise/object-detection-service/models"
)

// ClassifierBackend runs a whole-image classifier. It has no localization;
// every class it reports covers the full frame.
type ClassifierBackend struct {
	cfg Config

	mu      sync.Mutex
	session *onnxSession
	labels  []string
}

func NewClassifier(cfg Config) *ClassifierBackend {
	return &ClassifierBackend{cfg: cfg.withDefaults()}
}

func (b *ClassifierBackend) Kind() models.BackendKind { return models.BackendClassifier }

func (b *ClassifierBackend) InputSize() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.session != nil {
		return b.session.size
	}
	return b.cfg.ClassifierInputSize
}

func (b *ClassifierBackend) Labels() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.labels
}

func (b *ClassifierBackend) Load(ctx context.Context) error {
	if err := InitRuntime(b.cfg.RuntimeLibraryPath); err != nil {
		return err
	}
	labels, err := detections.LoadLabels(b.cfg.ClassifierLabelsPath)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	session, err := openONNXSession(b.cfg.ClassifierModelPath, b.cfg.ClassifierInputSize, b.cfg.Threads)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.session != nil {
		b.session.destroy()
	}
	b.session = session
	b.labels = labels
	return nil
}

func (b *ClassifierBackend) Infer(ctx context.Context, input image.Image) (detections.BackendOutput, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.session == nil {
		return detections.BackendOutput{}, notLoaded(b.Kind())
	}
	tensors, err := b.session.run(input)
	if err != nil {
		return detections.BackendOutput{}, inferenceFailed(b.Kind(), err)
	}
	scores, err := classScores(tensors)
	if err != nil {
		return detections.BackendOutput{}, inferenceFailed(b.Kind(), err)
	}

	out := detections.BackendOutput{Classifications: make([]detections.Classification, len(scores))}
	for i, s := range scores {
		out.Classifications[i] = detections.Classification{
			ClassID: i,
			Label:   detections.LabelFor(b.labels, i),
			Score:   s,
		}
	}
	return out, nil
}

func (b *ClassifierBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.session != nil {
		b.session.destroy()
		b.session = nil
	}
	return nil
}

// classScores extracts per-class probabilities from the first [K] or [1,K]
// output, applying softmax when the model emits logits.
func classScores(tensors []detections.Tensor) ([]float32, error) {
	if len(tensors) == 0 {
		return nil, fmt.Errorf("classifier produced no outputs")
	}
	t := tensors[0]
	k := 0
	switch {
	case t.Rank() == 1:
		k = t.Shape[0]
	case t.Rank() == 2 && t.Shape[0] == 1:
		k = t.Shape[1]
	default:
		return nil, &detections.ProcessingError{
			Kind:  detections.ErrUnsupportedOutputShape,
			Op:    "classifier output " + t.String(),
			Cause: fmt.Errorf("want [K] or [1,K]"),
		}
	}
	if k == 0 || len(t.Data) != k {
		return nil, fmt.Errorf("classifier output %s holds %d values", t, len(t.Data))
	}

	scores := append([]float32(nil), t.Data[:k]...)
	if !isDistribution(scores) {
		softmax(scores)
	}
	return scores, nil
}

func isDistribution(v []float32) bool {
	var sum float64
	for _, x := range v {
		if x < 0 || x > 1 {
			return false
		}
		sum += float64(x)
	}
	return math.Abs(sum-1) < 1e-3
}

func softmax(v []float32) {
	maxV := v[0]
	for _, x := range v[1:] {
		if x > maxV {
			maxV = x
		}
	}
	var sum float64
	for i, x := range v {
		e := math.Exp(float64(x - maxV))
		v[i] = float32(e)
		sum += e
	}
	for i := range v {
		v[i] = float32(float64(v[i]) / sum)
	}
}
