//go:build tflite

package backends

import (
	"context"
	"fmt"
	"image"
	"runtime"
	"sync"

	"github.com/Tutortoise/object-detection-service/detections"
	"github.com/Tutortoise/object-detection-service/models"

	"github.com/disintegration/imaging"
	"github.com/mattn/go-tflite"
)

const tfliteAvailable = true

// TFLiteBackend runs a TensorFlow Lite detector. Models that end in the SSD
// post-processing op (boxes, classes, scores, count) are converted to rows;
// any other outputs are passed through as raw tensors.
type TFLiteBackend struct {
	cfg Config

	mu     sync.Mutex
	res    *detections.ModelResource
	model  *tflite.Model
	interp *tflite.Interpreter
	size   int
	labels []string
}

func newTFLite(cfg Config) Backend {
	cfg = cfg.withDefaults()
	return &TFLiteBackend{cfg: cfg, size: cfg.InputSize}
}

func (b *TFLiteBackend) Kind() models.BackendKind { return models.BackendTFLite }

func (b *TFLiteBackend) InputSize() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

func (b *TFLiteBackend) Labels() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.labels
}

func (b *TFLiteBackend) Load(ctx context.Context) error {
	labels, err := detections.LoadLabels(b.cfg.LabelsPath)
	if err != nil {
		return err
	}
	res, err := detections.OpenModelResource(b.cfg.ModelPath)
	if err != nil {
		return err
	}
	// The interpreter reads the model buffer in place, so the mapping stays
	// open until Close.
	data, err := res.Bytes()
	if err != nil {
		res.Close()
		return err
	}

	model := tflite.NewModel(data)
	if model == nil {
		res.Close()
		return fmt.Errorf("cannot load model %s", b.cfg.ModelPath)
	}

	options := tflite.NewInterpreterOptions()
	defer options.Delete()
	threads := b.cfg.Threads
	if threads <= 0 {
		threads = runtime.NumCPU()
	}
	options.SetNumThread(threads)

	interp := tflite.NewInterpreter(model, options)
	if interp == nil {
		model.Delete()
		res.Close()
		return fmt.Errorf("cannot create interpreter")
	}
	if status := interp.AllocateTensors(); status != tflite.OK {
		interp.Delete()
		model.Delete()
		res.Close()
		return fmt.Errorf("allocate tensors: status %v", status)
	}

	input := interp.GetInputTensor(0)
	if input.NumDims() != 4 || input.Dim(1) != input.Dim(2) || input.Dim(3) != 3 {
		interp.Delete()
		model.Delete()
		res.Close()
		return fmt.Errorf("input tensor must be [1,S,S,3]")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.release()
	b.res, b.model, b.interp = res, model, interp
	b.size = input.Dim(1)
	b.labels = labels
	return nil
}

func (b *TFLiteBackend) Infer(ctx context.Context, img image.Image) (detections.BackendOutput, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.interp == nil {
		return detections.BackendOutput{}, notLoaded(b.Kind())
	}
	if bounds := img.Bounds(); bounds.Dx() != b.size || bounds.Dy() != b.size {
		img = imaging.Resize(img, b.size, b.size, imaging.Linear)
	}

	input := b.interp.GetInputTensor(0)
	switch input.Type() {
	case tflite.Float32:
		pre := detections.NewPreprocessor(b.size, detections.LayoutNHWC)
		if err := pre.Fill(img, input.Float32s()); err != nil {
			return detections.BackendOutput{}, inferenceFailed(b.Kind(), err)
		}
	case tflite.UInt8:
		fillUint8(img, input.UInt8s(), b.size)
	default:
		return detections.BackendOutput{}, inferenceFailed(b.Kind(), fmt.Errorf("unsupported input type %v", input.Type()))
	}

	if status := b.interp.Invoke(); status != tflite.OK {
		return detections.BackendOutput{}, inferenceFailed(b.Kind(), fmt.Errorf("invoke: status %v", status))
	}

	count := b.interp.GetOutputTensorCount()
	raw := make([]detections.Tensor, 0, count)
	for i := 0; i < count; i++ {
		out := b.interp.GetOutputTensor(i)
		shape := make([]int, out.NumDims())
		for d := range shape {
			shape[d] = out.Dim(d)
		}
		t := detections.Tensor{Name: out.Name(), Shape: shape}
		if out.Type() == tflite.Float32 {
			t.Data = append([]float32(nil), out.Float32s()...)
		}
		raw = append(raw, t)
	}

	if len(raw) == 4 && raw[3].Rank() <= 1 && len(raw[3].Data) >= 1 {
		rows, err := ssdRows(raw[0].Data, raw[1].Data, raw[2].Data, int(raw[3].Data[0]), b.size)
		if err == nil {
			return detections.BackendOutput{Tensors: []detections.Tensor{rows}}, nil
		}
	}
	return detections.BackendOutput{Tensors: raw}, nil
}

func fillUint8(img image.Image, dst []uint8, size int) {
	nrgba := imaging.Clone(img)
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			src := nrgba.PixOffset(x, y)
			dstOff := (y*size + x) * 3
			copy(dst[dstOff:dstOff+3], nrgba.Pix[src:src+3])
		}
	}
}

func (b *TFLiteBackend) release() {
	if b.interp != nil {
		b.interp.Delete()
		b.interp = nil
	}
	if b.model != nil {
		b.model.Delete()
		b.model = nil
	}
	if b.res != nil {
		b.res.Close()
		b.res = nil
	}
}

func (b *TFLiteBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.release()
	return nil
}
