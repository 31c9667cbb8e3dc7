package backends

import (
	"context"
	"image"
	"sync"

	"github.com/Tutortoise/object-detection-service/detections"
	"github.com/Tutortoise/object-detection-service/models"
)

// ONNXBackend runs a box-regressing detector exported to ONNX.
type ONNXBackend struct {
	cfg Config

	mu      sync.Mutex
	session *onnxSession
	labels  []string
}

func NewONNX(cfg Config) *ONNXBackend {
	return &ONNXBackend{cfg: cfg.withDefaults()}
}

func (b *ONNXBackend) Kind() models.BackendKind { return models.BackendONNX }

func (b *ONNXBackend) InputSize() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.session != nil {
		return b.session.size
	}
	return b.cfg.InputSize
}

func (b *ONNXBackend) Labels() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.labels
}

func (b *ONNXBackend) Load(ctx context.Context) error {
	if err := InitRuntime(b.cfg.RuntimeLibraryPath); err != nil {
		return err
	}
	labels, err := detections.LoadLabels(b.cfg.LabelsPath)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	session, err := openONNXSession(b.cfg.ModelPath, b.cfg.InputSize, b.cfg.Threads)
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

func (b *ONNXBackend) Infer(ctx context.Context, input image.Image) (detections.BackendOutput, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.session == nil {
		return detections.BackendOutput{}, notLoaded(b.Kind())
	}
	tensors, err := b.session.run(input)
	if err != nil {
		return detections.BackendOutput{}, inferenceFailed(b.Kind(), err)
	}
	return detections.BackendOutput{Tensors: tensors}, nil
}

func (b *ONNXBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.session != nil {
		b.session.destroy()
		b.session = nil
	}
	return nil
}
