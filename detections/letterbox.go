package detections

import (
	"fmt"
	"image"
	"image/color"
	"math"

	"github.com/disintegration/imaging"
)

// Rect is an axis-aligned box in source-image pixels.
type Rect struct {
	X, Y, W, H float64
}

func (r Rect) Area() float64 {
	if r.W <= 0 || r.H <= 0 {
		return 0
	}
	return r.W * r.H
}

// Letterbox maps between a source image and the square model input it is
// scaled and centred into. Scale is always positive and both paddings are
// smaller than InputSize.
type Letterbox struct {
	Scale     float64
	PadX      float64
	PadY      float64
	InputSize int

	SrcWidth  int
	SrcHeight int
	NewWidth  int
	NewHeight int
}

func NewLetterbox(srcW, srcH, inputSize int) (Letterbox, error) {
	if srcW <= 0 || srcH <= 0 {
		return Letterbox{}, newError(ErrInvalidImage, "letterbox", fmt.Errorf("image size %dx%d", srcW, srcH))
	}
	if inputSize <= 0 {
		return Letterbox{}, fmt.Errorf("letterbox: input size must be positive, got %d", inputSize)
	}

	in := float64(inputSize)
	scale := math.Min(in/float64(srcW), in/float64(srcH))
	newW := max(1, int(math.Floor(float64(srcW)*scale)))
	newH := max(1, int(math.Floor(float64(srcH)*scale)))

	return Letterbox{
		Scale:     scale,
		PadX:      float64(inputSize-newW) / 2,
		PadY:      float64(inputSize-newH) / 2,
		InputSize: inputSize,
		SrcWidth:  srcW,
		SrcHeight: srcH,
		NewWidth:  newW,
		NewHeight: newH,
	}, nil
}

// Forward draws img resized and centred on a black square canvas.
func (lb Letterbox) Forward(img image.Image) *image.NRGBA {
	canvas := imaging.New(lb.InputSize, lb.InputSize, color.Black)
	resized := imaging.Resize(img, lb.NewWidth, lb.NewHeight, imaging.Linear)
	return imaging.Paste(canvas, resized, image.Pt(int(lb.PadX), int(lb.PadY)))
}

// ForwardPoint maps a source-image point into model space.
func (lb Letterbox) ForwardPoint(x, y float64) (float64, float64) {
	return x*lb.Scale + lb.PadX, y*lb.Scale + lb.PadY
}

// Inverse maps a model-space point back to the source image, clamped to its
// bounds.
func (lb Letterbox) Inverse(mx, my float64) (float64, float64) {
	x := (mx - lb.PadX) / lb.Scale
	y := (my - lb.PadY) / lb.Scale
	return clampF(x, 0, float64(lb.SrcWidth)), clampF(y, 0, float64(lb.SrcHeight))
}

// InverseRect maps a model-space centre/size box to a source-image rect.
func (lb Letterbox) InverseRect(cx, cy, w, h float64) Rect {
	x1, y1 := lb.Inverse(cx-w/2, cy-h/2)
	x2, y2 := lb.Inverse(cx+w/2, cy+h/2)
	return Rect{X: x1, Y: y1, W: x2 - x1, H: y2 - y1}
}

func clampF(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
