//go:build gocv

package backends

import (
	"context"
	"fmt"
	"image"
	"sync"

	"github.com/Tutortoise/object-detection-service/detections"
	"github.com/Tutortoise/object-detection-service/models"

	"gocv.io/x/gocv"
)

const dnnAvailable = true

// DNNBackend runs an ONNX detector through OpenCV's DNN module.
type DNNBackend struct {
	cfg Config

	mu           sync.Mutex
	net          gocv.Net
	loaded       bool
	outputLayers []string
	labels       []string
}

func newDNN(cfg Config) Backend {
	return &DNNBackend{cfg: cfg.withDefaults()}
}

func (b *DNNBackend) Kind() models.BackendKind { return models.BackendDNN }
func (b *DNNBackend) InputSize() int           { return b.cfg.InputSize }

func (b *DNNBackend) Labels() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.labels
}

func (b *DNNBackend) Load(ctx context.Context) error {
	labels, err := detections.LoadLabels(b.cfg.LabelsPath)
	if err != nil {
		return err
	}
	res, err := detections.OpenModelResource(b.cfg.ModelPath)
	if err != nil {
		return err
	}
	defer res.Close()

	data, err := res.Bytes()
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	net, err := gocv.ReadNetBytes("onnx", data)
	if err != nil {
		return fmt.Errorf("read network: %w", err)
	}
	if net.Empty() {
		return fmt.Errorf("network %s is empty", b.cfg.ModelPath)
	}
	if err := net.SetPreferableBackend(gocv.NetBackendDefault); err != nil {
		net.Close()
		return fmt.Errorf("set backend: %w", err)
	}
	if err := net.SetPreferableTarget(gocv.NetTargetCPU); err != nil {
		net.Close()
		return fmt.Errorf("set target: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.loaded {
		b.net.Close()
	}
	b.net = net
	b.outputLayers = getOutputLayers(net)
	b.labels = labels
	b.loaded = true
	return nil
}

func getOutputLayers(net gocv.Net) []string {
	layerNames := net.GetLayerNames()
	var outputLayers []string
	for _, i := range net.GetUnconnectedOutLayers() {
		if i-1 < len(layerNames) {
			outputLayers = append(outputLayers, layerNames[i-1])
		}
	}
	return outputLayers
}

func (b *DNNBackend) Infer(ctx context.Context, input image.Image) (detections.BackendOutput, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.loaded {
		return detections.BackendOutput{}, notLoaded(b.Kind())
	}

	mat, err := gocv.ImageToMatRGB(input)
	if err != nil {
		return detections.BackendOutput{}, inferenceFailed(b.Kind(), err)
	}
	defer mat.Close()

	size := b.cfg.InputSize
	blob := gocv.BlobFromImage(mat, 1.0/255.0, image.Pt(size, size), gocv.NewScalar(0, 0, 0, 0), true, false)
	defer blob.Close()

	b.net.SetInput(blob, "")
	outputs := b.net.ForwardLayers(b.outputLayers)
	defer func() {
		for i := range outputs {
			outputs[i].Close()
		}
	}()

	tensors := make([]detections.Tensor, 0, len(outputs))
	for i, out := range outputs {
		t := detections.Tensor{Name: b.outputLayers[i], Shape: out.Size()}
		if data, err := out.DataPtrFloat32(); err == nil {
			t.Data = append([]float32(nil), data...)
		}
		tensors = append(tensors, t)
	}
	return detections.BackendOutput{Tensors: tensors}, nil
}

func (b *DNNBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.loaded {
		return nil
	}
	b.loaded = false
	return b.net.Close()
}
