package detections

import (
	"errors"
	"image"
	"image/color"
	"math"
	"testing"

	"github.com/disintegration/imaging"
)

func createTestImage(w, h int, c color.Color) *image.NRGBA {
	return imaging.New(w, h, c)
}

func TestNewLetterbox(t *testing.T) {
	tests := []struct {
		name       string
		w, h, size int
		scale      float64
		padX, padY float64
	}{
		{"landscape", 1280, 720, 640, 0.5, 0, 140},
		{"portrait", 720, 1280, 640, 0.5, 140, 0},
		{"square", 320, 320, 640, 2, 0, 0},
		{"odd padding", 200, 100, 101, 0.505, 0, 25.5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lb, err := NewLetterbox(tt.w, tt.h, tt.size)
			if err != nil {
				t.Fatalf("NewLetterbox() error = %v", err)
			}
			if math.Abs(lb.Scale-tt.scale) > 1e-9 {
				t.Errorf("Scale = %v, want %v", lb.Scale, tt.scale)
			}
			if lb.PadX != tt.padX || lb.PadY != tt.padY {
				t.Errorf("pad = (%v,%v), want (%v,%v)", lb.PadX, lb.PadY, tt.padX, tt.padY)
			}
			if lb.PadX < 0 || lb.PadX >= float64(tt.size) || lb.PadY < 0 || lb.PadY >= float64(tt.size) {
				t.Errorf("padding (%v,%v) outside [0,%d)", lb.PadX, lb.PadY, tt.size)
			}
		})
	}
}

func TestNewLetterboxRejectsEmptyImage(t *testing.T) {
	for _, size := range [][2]int{{0, 10}, {10, 0}, {0, 0}} {
		_, err := NewLetterbox(size[0], size[1], 640)
		if !errors.Is(err, ErrInvalidImage) {
			t.Errorf("NewLetterbox(%d,%d) error = %v, want ErrInvalidImage", size[0], size[1], err)
		}
	}
}

func TestLetterboxCornersInvert(t *testing.T) {
	sizes := [][2]int{{1, 1}, {640, 480}, {480, 640}, {1920, 1080}, {3, 4000}, {333, 777}}
	inputs := []int{1, 224, 320, 640}

	for _, s := range sizes {
		for _, in := range inputs {
			lb, err := NewLetterbox(s[0], s[1], in)
			if err != nil {
				t.Fatalf("NewLetterbox(%v, %d) error = %v", s, in, err)
			}
			w, h := float64(s[0]), float64(s[1])
			for _, c := range [][2]float64{{0, 0}, {w, 0}, {0, h}, {w, h}} {
				mx, my := lb.ForwardPoint(c[0], c[1])
				x, y := lb.Inverse(mx, my)
				if math.Abs(x-c[0]) > 1e-6 || math.Abs(y-c[1]) > 1e-6 {
					t.Errorf("size %v input %d: corner %v -> (%v,%v)", s, in, c, x, y)
				}
			}
		}
	}
}

func TestLetterboxInverseClamps(t *testing.T) {
	lb, _ := NewLetterbox(200, 100, 100)
	x, y := lb.Inverse(-50, 200)
	if x != 0 || y != 100 {
		t.Errorf("Inverse() = (%v,%v), want (0,100)", x, y)
	}
}

func TestLetterboxForward(t *testing.T) {
	lb, err := NewLetterbox(200, 100, 100)
	if err != nil {
		t.Fatal(err)
	}
	out := lb.Forward(createTestImage(200, 100, color.White))

	if b := out.Bounds(); b.Dx() != 100 || b.Dy() != 100 {
		t.Fatalf("output size = %v, want 100x100", b)
	}

	// Content occupies rows 25..74; the bands above and below stay black.
	checks := []struct {
		x, y  int
		white bool
	}{
		{50, 10, false},
		{50, 90, false},
		{50, 50, true},
		{0, 30, true},
		{99, 70, true},
	}
	for _, c := range checks {
		r, _, _, _ := out.At(c.x, c.y).RGBA()
		if got := r > 0x8000; got != c.white {
			t.Errorf("pixel (%d,%d) white = %v, want %v", c.x, c.y, got, c.white)
		}
	}
}
