package models

import "time"

// BackendKind names the inference runtime that produced a detection.
type BackendKind string

const (
	BackendClassifier BackendKind = "classifier"
	BackendONNX       BackendKind = "onnx"
	BackendDNN        BackendKind = "dnn"
	BackendTFLite     BackendKind = "tflite"
	BackendMock       BackendKind = "mock"
)

// ParseBackendKind maps a configuration string to a BackendKind.
func ParseBackendKind(s string) (BackendKind, bool) {
	switch k := BackendKind(s); k {
	case BackendClassifier, BackendONNX, BackendDNN, BackendTFLite, BackendMock:
		return k, true
	}
	return "", false
}

// clampSlack absorbs float rounding from the inverse letterbox mapping.
const clampSlack = 1e-3

// NormalizedRect is a box in [0,1] image coordinates with a top-left origin.
type NormalizedRect struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// Clamp returns the rect limited to the unit square.
func (r NormalizedRect) Clamp() NormalizedRect {
	x1, y1 := clamp01(r.X), clamp01(r.Y)
	x2, y2 := clamp01(r.X+r.W), clamp01(r.Y+r.H)
	return NormalizedRect{X: x1, Y: y1, W: x2 - x1, H: y2 - y1}
}

// Valid reports whether the rect lies inside the unit square, allowing a
// small rounding slack.
func (r NormalizedRect) Valid() bool {
	return r.X >= -clampSlack && r.Y >= -clampSlack &&
		r.W >= 0 && r.H >= 0 &&
		r.X+r.W <= 1+clampSlack && r.Y+r.H <= 1+clampSlack
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

type Detection struct {
	BoundingBox NormalizedRect `json:"bounding_box"`
	ClassLabel  string         `json:"class_label"`
	Confidence  float32        `json:"confidence"`
	Backend     BackendKind    `json:"backend"`
}

// DisplayRect is a rectangle in display points.
type DisplayRect struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// ProjectToDisplay maps the detection box onto a display surface that shows
// the image aspect-fit and centred.
func (d Detection) ProjectToDisplay(imageW, imageH, displayW, displayH float64) DisplayRect {
	return ProjectToDisplay(d.BoundingBox, imageW, imageH, displayW, displayH)
}

func ProjectToDisplay(r NormalizedRect, imageW, imageH, displayW, displayH float64) DisplayRect {
	if imageW <= 0 || imageH <= 0 || displayW <= 0 || displayH <= 0 {
		return DisplayRect{}
	}

	imageAspect := imageW / imageH
	displayAspect := displayW / displayH

	var w, h, offX, offY float64
	if imageAspect > displayAspect {
		w = displayW
		h = displayW / imageAspect
		offY = (displayH - h) / 2
	} else {
		h = displayH
		w = displayH * imageAspect
		offX = (displayW - w) / 2
	}

	return DisplayRect{
		X: r.X*w + offX,
		Y: r.Y*h + offY,
		W: r.W * w,
		H: r.H * h,
	}
}

type ProcessingTimings struct {
	RequestID   string        `json:"request_id,omitempty"`
	ImageDecode time.Duration `json:"decode"`
	Letterbox   time.Duration `json:"letterbox"`
	Inference   time.Duration `json:"inference"`
	Postprocess time.Duration `json:"postprocess"`
	NMS         time.Duration `json:"nms"`
	Total       time.Duration `json:"total"`
}
