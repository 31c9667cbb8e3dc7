package backends

import (
	"context"
	"hash/fnv"
	"image"
	"sync"
	"time"

	"github.com/Tutortoise/object-detection-service/detections"
	"github.com/Tutortoise/object-detection-service/models"
)

var mockLabels = []string{"person", "car", "dog"}

// MockBackend returns fixed detector tensors without loading a model. The
// second box moves with the input size so different frames give different
// results.
type MockBackend struct {
	size      int
	loadDelay time.Duration

	mu     sync.Mutex
	loaded bool
}

func NewMock(cfg Config) *MockBackend {
	cfg = cfg.withDefaults()
	return &MockBackend{size: cfg.InputSize}
}

// WithLoadDelay makes Load take d, to simulate a slow model.
func (b *MockBackend) WithLoadDelay(d time.Duration) *MockBackend {
	b.loadDelay = d
	return b
}

func (b *MockBackend) Kind() models.BackendKind { return models.BackendMock }
func (b *MockBackend) InputSize() int           { return b.size }
func (b *MockBackend) Labels() []string         { return mockLabels }

func (b *MockBackend) Load(ctx context.Context) error {
	if b.loadDelay > 0 {
		select {
		case <-time.After(b.loadDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	b.mu.Lock()
	b.loaded = true
	b.mu.Unlock()
	return nil
}

func (b *MockBackend) Infer(ctx context.Context, input image.Image) (detections.BackendOutput, error) {
	b.mu.Lock()
	loaded := b.loaded
	b.mu.Unlock()
	if !loaded {
		return detections.BackendOutput{}, notLoaded(b.Kind())
	}

	bounds := input.Bounds()
	h := fnv.New32a()
	h.Write([]byte{byte(bounds.Dx()), byte(bounds.Dx() >> 8), byte(bounds.Dy()), byte(bounds.Dy() >> 8)})
	shift := float32(h.Sum32()%64) / 256

	s := float32(b.size)
	rows := [][]float32{
		{0.5 * s, 0.5 * s, 0.4 * s, 0.4 * s, 0.95, 0.9, 0.05, 0.05},
		{(0.25 + shift) * s, 0.3 * s, 0.2 * s, 0.3 * s, 0.8, 0.1, 0.85, 0.05},
	}
	data := make([]float32, 0, len(rows)*len(rows[0]))
	for _, r := range rows {
		data = append(data, r...)
	}

	return detections.BackendOutput{Tensors: []detections.Tensor{{
		Name:  "mock",
		Shape: []int{1, len(rows), len(rows[0])},
		Data:  data,
	}}}, nil
}

func (b *MockBackend) Close() error {
	b.mu.Lock()
	b.loaded = false
	b.mu.Unlock()
	return nil
}
