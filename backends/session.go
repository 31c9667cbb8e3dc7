package backends

import (
	"fmt"
	"image"
	"runtime"
	"sync"

	"github.com/Tutortoise/object-detection-service/detections"

	ort "github.com/yalue/onnxruntime_go"
)

var runtimeMu sync.Mutex

// InitRuntime loads the ONNX Runtime shared library once per process.
func InitRuntime(libPath string) error {
	runtimeMu.Lock()
	defer runtimeMu.Unlock()

	if ort.IsInitialized() {
		return nil
	}
	if libPath != "" {
		ort.SetSharedLibraryPath(libPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return &detections.ProcessingError{Kind: detections.ErrRuntimeUnavailable, Op: "onnxruntime init", Cause: err}
	}
	return nil
}

// ShutdownRuntime releases the ONNX Runtime environment.
func ShutdownRuntime() error {
	runtimeMu.Lock()
	defer runtimeMu.Unlock()

	if !ort.IsInitialized() {
		return nil
	}
	return ort.DestroyEnvironment()
}

// onnxSession is a single-input ONNX model whose outputs are allocated by the
// runtime on every run.
type onnxSession struct {
	session     *ort.DynamicAdvancedSession
	input       *ort.Tensor[float32]
	outputNames []string
	size        int
	pre         *detections.Preprocessor
}

func newSessionOptions(threads int) (*ort.SessionOptions, error) {
	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("error creating session options: %w", err)
	}
	if threads <= 0 {
		threads = runtime.NumCPU()
	}
	if err := options.SetIntraOpNumThreads(threads); err != nil {
		options.Destroy()
		return nil, fmt.Errorf("error setting intra-op threads: %w", err)
	}
	if err := options.SetInterOpNumThreads(threads); err != nil {
		options.Destroy()
		return nil, fmt.Errorf("error setting inter-op threads: %w", err)
	}
	return options, nil
}

// openONNXSession builds a session from the model at path. A square input
// size declared by the model overrides size.
func openONNXSession(path string, size, threads int) (*onnxSession, error) {
	res, err := detections.OpenModelResource(path)
	if err != nil {
		return nil, err
	}
	// The runtime copies the model while creating the session.
	defer res.Close()

	data, err := res.Bytes()
	if err != nil {
		return nil, err
	}

	inputs, outputs, err := ort.GetInputOutputInfoWithONNXData(data)
	if err != nil {
		return nil, fmt.Errorf("error reading model inputs: %w", err)
	}
	if len(inputs) != 1 {
		return nil, fmt.Errorf("model has %d inputs, want 1", len(inputs))
	}
	if len(outputs) == 0 {
		return nil, fmt.Errorf("model has no outputs")
	}
	if declared := declaredInputSize(inputs[0].Dimensions); declared > 0 {
		size = declared
	}

	outputNames := make([]string, len(outputs))
	for i, o := range outputs {
		outputNames[i] = o.Name
	}

	options, err := newSessionOptions(threads)
	if err != nil {
		return nil, err
	}
	defer options.Destroy()

	input, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 3, int64(size), int64(size)))
	if err != nil {
		return nil, fmt.Errorf("error creating input tensor: %w", err)
	}

	session, err := ort.NewDynamicAdvancedSessionWithONNXData(data, []string{inputs[0].Name}, outputNames, options)
	if err != nil {
		input.Destroy()
		return nil, fmt.Errorf("error creating session: %w", err)
	}

	return &onnxSession{
		session:     session,
		input:       input,
		outputNames: outputNames,
		size:        size,
		pre:         detections.NewPreprocessor(size, detections.LayoutNCHW),
	}, nil
}

// declaredInputSize returns H from an NCHW shape when the model fixes a
// square spatial size.
func declaredInputSize(shape ort.Shape) int {
	if len(shape) != 4 || shape[2] <= 0 || shape[2] != shape[3] {
		return 0
	}
	return int(shape[2])
}

func (s *onnxSession) run(img image.Image) ([]detections.Tensor, error) {
	if err := s.pre.Fill(img, s.input.GetData()); err != nil {
		return nil, fmt.Errorf("prepare input buffer: %w", err)
	}

	outputs := make([]ort.ArbitraryTensor, len(s.outputNames))
	if err := s.session.Run([]ort.ArbitraryTensor{s.input}, outputs); err != nil {
		return nil, fmt.Errorf("model inference: %w", err)
	}
	defer func() {
		for _, o := range outputs {
			if o != nil {
				o.Destroy()
			}
		}
	}()

	tensors := make([]detections.Tensor, 0, len(outputs))
	for i, o := range outputs {
		if o == nil {
			continue
		}
		t := detections.Tensor{Name: s.outputNames[i], Shape: detections.Int64Shape(o.GetShape())}
		// Non-float outputs keep their shape but no data, so the decoder
		// reports and skips them.
		if ft, ok := o.(*ort.Tensor[float32]); ok {
			t.Data = append([]float32(nil), ft.GetData()...)
		}
		tensors = append(tensors, t)
	}
	return tensors, nil
}

func (s *onnxSession) destroy() {
	if s.session != nil {
		s.session.Destroy()
	}
	if s.input != nil {
		s.input.Destroy()
	}
}
