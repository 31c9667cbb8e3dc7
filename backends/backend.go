package backends

import (
	"context"
	"fmt"
	"image"

	"github.com/Tutortoise/object-detection-service/detections"
	"github.com/Tutortoise/object-detection-service/models"

	"github.com/sirupsen/logrus"
)

// Backend runs one model on a square, letterboxed input image.
//
// Load is called once per lifecycle and may be slow. Infer must only be
// called after a successful Load; implementations are safe for one inference
// at a time.
type Backend interface {
	Kind() models.BackendKind
	InputSize() int
	Load(ctx context.Context) error
	Infer(ctx context.Context, input image.Image) (detections.BackendOutput, error)
	Labels() []string
	Close() error
}

type Config struct {
	Kind models.BackendKind

	ModelPath  string
	LabelsPath string
	InputSize  int

	ClassifierModelPath  string
	ClassifierLabelsPath string
	ClassifierInputSize  int

	RuntimeLibraryPath string
	Threads            int
}

func (c Config) withDefaults() Config {
	if c.InputSize <= 0 {
		c.InputSize = detections.DefaultInputSize
	}
	if c.ClassifierInputSize <= 0 {
		c.ClassifierInputSize = detections.DefaultClassifierInputSize
	}
	return c
}

// New builds the backend named by cfg.Kind. When a detector's model file or
// runtime is not available it falls back to the classifier backend, which
// needs nothing beyond the ONNX runtime.
func New(cfg Config, log *logrus.Entry) (Backend, error) {
	if log == nil {
		log = logrus.WithField("component", "backend")
	}
	cfg = cfg.withDefaults()

	fallback := func(reason string) (Backend, error) {
		log.WithFields(logrus.Fields{
			"preferred": cfg.Kind,
			"reason":    reason,
		}).Warn("falling back to classifier backend")
		return NewClassifier(cfg), nil
	}

	switch cfg.Kind {
	case models.BackendMock:
		return NewMock(cfg), nil
	case models.BackendClassifier, "":
		return NewClassifier(cfg), nil
	case models.BackendONNX:
		if !detections.Exists(cfg.ModelPath) {
			return fallback(fmt.Sprintf("model %q not found", cfg.ModelPath))
		}
		return NewONNX(cfg), nil
	case models.BackendDNN:
		if !dnnAvailable {
			return fallback("built without gocv")
		}
		if !detections.Exists(cfg.ModelPath) {
			return fallback(fmt.Sprintf("model %q not found", cfg.ModelPath))
		}
		return newDNN(cfg), nil
	case models.BackendTFLite:
		if !tfliteAvailable {
			return fallback("built without tflite")
		}
		if !detections.Exists(cfg.ModelPath) {
			return fallback(fmt.Sprintf("model %q not found", cfg.ModelPath))
		}
		return newTFLite(cfg), nil
	}
	return nil, fmt.Errorf("unknown backend %q", cfg.Kind)
}

func notLoaded(kind models.BackendKind) error {
	return &detections.ProcessingError{
		Kind:  detections.ErrModelNotLoaded,
		Op:    string(kind) + " infer",
		Cause: fmt.Errorf("Load has not completed"),
	}
}

func inferenceFailed(kind models.BackendKind, err error) error {
	return &detections.ProcessingError{
		Kind:  detections.ErrInferenceFailed,
		Op:    string(kind) + " infer",
		Cause: err,
	}
}
