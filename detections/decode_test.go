package detections

import (
	"errors"
	"math"
	"testing"
)

func unitLetterbox(t *testing.T) Letterbox {
	t.Helper()
	lb, err := NewLetterbox(1, 1, 1)
	if err != nil {
		t.Fatal(err)
	}
	return lb
}

func TestDecodeSingleRow(t *testing.T) {
	lb := unitLetterbox(t)
	tensor := Tensor{Shape: []int{1, 1, 7}, Data: []float32{0.5, 0.5, 0.2, 0.2, 0.9, 0.1, 0.8}}

	cands, errs := DecodeTensors([]Tensor{tensor}, lb, DefaultOptions())
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if len(cands) != 1 {
		t.Fatalf("got %d candidates, want 1", len(cands))
	}

	dets := ToDetections(cands, 1, 1, nil, "")
	d := dets[0]
	if d.ClassLabel != "class_1" {
		t.Errorf("ClassLabel = %q, want class_1", d.ClassLabel)
	}
	if math.Abs(float64(d.Confidence)-0.72) > 1e-5 {
		t.Errorf("Confidence = %v, want 0.72", d.Confidence)
	}
	box := d.BoundingBox
	for name, v := range map[string][2]float64{
		"x": {box.X, 0.4}, "y": {box.Y, 0.4}, "w": {box.W, 0.2}, "h": {box.H, 0.2},
	} {
		if math.Abs(v[0]-v[1]) > 1e-6 {
			t.Errorf("%s = %v, want %v", name, v[0], v[1])
		}
	}
}

func TestDecodeFiltersRows(t *testing.T) {
	lb := unitLetterbox(t)
	data := []float32{
		0.5, 0.5, 0.2, 0.2, 0.9, 0.1, 0.8, // kept
		0.5, 0.5, 0.2, 0.2, 0.2, 0.9, 0.1, // 0.18 below threshold
		0.5, 0.5, 0.0, 0.2, 0.9, 0.1, 0.8, // zero width
		0.5, 0.5, 0.2, -0.1, 0.9, 0.1, 0.8, // negative height
	}
	cands, errs := DecodeTensors([]Tensor{{Shape: []int{4, 7}, Data: data}}, lb, DefaultOptions())
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if len(cands) != 1 {
		t.Errorf("got %d candidates, want 1", len(cands))
	}
}

func TestDecodeDropsNonFiniteRows(t *testing.T) {
	lb, err := NewLetterbox(100, 100, 100)
	if err != nil {
		t.Fatal(err)
	}
	nan := float32(math.NaN())
	inf := float32(math.Inf(1))

	tests := []struct {
		name string
		row  []float32
	}{
		{"nan objectness", []float32{50, 50, 20, 20, nan, 0.1, 0.8}},
		{"nan class score", []float32{50, 50, 20, 20, 0.9, nan, nan}},
		{"nan centre", []float32{nan, 50, 20, 20, 0.9, 0.1, 0.8}},
		{"infinite width", []float32{50, 50, inf, 20, 0.9, 0.1, 0.8}},
		{"nan height", []float32{50, 50, 20, nan, 0.9, 0.1, 0.8}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cands, errs := DecodeTensors([]Tensor{{Shape: []int{1, 1, 7}, Data: tt.row}}, lb, DefaultOptions())
			if len(errs) != 0 {
				t.Fatalf("unexpected errors: %v", errs)
			}
			if len(cands) != 0 {
				t.Errorf("got %+v, want no candidates", cands)
			}
		})
	}
}

func TestDecodeZeroThresholdSkipsZeroConfidence(t *testing.T) {
	lb := unitLetterbox(t)
	data := []float32{
		0.5, 0.5, 0.2, 0.2, 0, 0.1, 0.8, // zero objectness
		0.5, 0.5, 0.2, 0.2, 0.9, 0, 0, // zero class scores
		0.5, 0.5, 0.2, 0.2, 0.9, 0.1, 0.8,
	}
	opts := DefaultOptions()
	opts.ScoreThreshold = 0

	cands, _ := DecodeTensors([]Tensor{{Shape: []int{3, 7}, Data: data}}, lb, opts)
	if len(cands) != 1 {
		t.Fatalf("got %d candidates, want 1", len(cands))
	}
	if cands[0].Confidence <= 0 {
		t.Errorf("confidence = %v, want > 0", cands[0].Confidence)
	}
}

func TestDecodeDropsBoxesInPadding(t *testing.T) {
	// A 200x100 frame in a 100 input scales by 0.5 with 25 rows of padding
	// above and below the image.
	lb, err := NewLetterbox(200, 100, 100)
	if err != nil {
		t.Fatal(err)
	}
	data := []float32{
		50, 10, 20, 10, 0.9, 0.1, 0.8, // y 5..15, top padding only
		50, 90, 20, 10, 0.9, 0.1, 0.8, // y 85..95, bottom padding only
		50, 50, 20, 20, 0.9, 0.1, 0.8, // inside the image
	}

	cands, _ := DecodeTensors([]Tensor{{Shape: []int{3, 7}, Data: data}}, lb, DefaultOptions())
	if len(cands) != 1 {
		t.Fatalf("got %d candidates, want 1: %+v", len(cands), cands)
	}
	if cands[0].Rect.Area() == 0 {
		t.Errorf("kept an empty rect: %+v", cands[0].Rect)
	}
}

func TestDecodeSkipsUnsupportedTensors(t *testing.T) {
	lb := unitLetterbox(t)
	good := Tensor{Shape: []int{1, 7}, Data: []float32{0.5, 0.5, 0.2, 0.2, 0.9, 0.1, 0.8}}
	tensors := []Tensor{
		{Name: "scalar", Shape: []int{7}, Data: make([]float32, 7)},
		{Name: "rank4", Shape: []int{1, 1, 1, 7}, Data: make([]float32, 7)},
		{Name: "batch2", Shape: []int{2, 1, 7}, Data: make([]float32, 14)},
		{Name: "narrow", Shape: []int{1, 5}, Data: make([]float32, 5)},
		{Name: "short", Shape: []int{2, 7}, Data: make([]float32, 7)},
		good,
	}

	cands, errs := DecodeTensors(tensors, lb, DefaultOptions())
	if len(cands) != 1 {
		t.Errorf("got %d candidates, want 1 from the valid tensor", len(cands))
	}
	if len(errs) != 5 {
		t.Fatalf("got %d errors, want 5", len(errs))
	}
	for _, err := range errs {
		if !errors.Is(err, ErrUnsupportedOutputShape) {
			t.Errorf("error %v is not ErrUnsupportedOutputShape", err)
		}
	}
}

func TestDecodeTransposed(t *testing.T) {
	lb := unitLetterbox(t)
	// One live row out of eight, stored attribute-major as [1, 7, 8].
	const n, c = 8, 7
	data := make([]float32, n*c)
	row := []float32{0.5, 0.5, 0.2, 0.2, 0.9, 0.1, 0.8}
	for j, v := range row {
		data[j*n+3] = v
	}

	opts := DefaultOptions()
	opts.AllowTransposed = true
	cands, errs := DecodeTensors([]Tensor{{Shape: []int{1, c, n}, Data: data}}, lb, opts)
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if len(cands) != 1 || cands[0].ClassID != 1 {
		t.Fatalf("got %+v, want one class 1 candidate", cands)
	}
}

func TestDecodeNormalizedCoords(t *testing.T) {
	lb, err := NewLetterbox(640, 640, 320)
	if err != nil {
		t.Fatal(err)
	}
	opts := DefaultOptions()
	opts.NormalizedCoords = true
	tensor := Tensor{Shape: []int{1, 7}, Data: []float32{0.5, 0.5, 0.5, 0.5, 1, 0, 1}}

	cands, _ := DecodeTensors([]Tensor{tensor}, lb, opts)
	if len(cands) != 1 {
		t.Fatalf("got %d candidates, want 1", len(cands))
	}
	r := cands[0].Rect
	if math.Abs(r.X-160) > 1e-6 || math.Abs(r.W-320) > 1e-6 {
		t.Errorf("rect = %+v, want x=160 w=320", r)
	}
}

func TestDecodeThresholdMonotonic(t *testing.T) {
	lb := unitLetterbox(t)
	var data []float32
	for i := 0; i < 50; i++ {
		score := float32(i) / 50
		data = append(data, 0.5, 0.5, 0.1, 0.1, 1, score, 1-score)
	}
	tensor := Tensor{Shape: []int{50, 7}, Data: data}

	prev := math.MaxInt
	for th := float32(0); th <= 1; th += 0.05 {
		opts := DefaultOptions()
		opts.ScoreThreshold = th
		cands, _ := DecodeTensors([]Tensor{tensor}, lb, opts)
		if len(cands) > prev {
			t.Fatalf("threshold %v returned %d candidates, more than %d at a lower threshold", th, len(cands), prev)
		}
		prev = len(cands)
	}
}

func TestDecodeMaxRows(t *testing.T) {
	lb := unitLetterbox(t)
	row := []float32{0.5, 0.5, 0.2, 0.2, 0.9, 0.1, 0.8}
	var data []float32
	for i := 0; i < 5; i++ {
		data = append(data, row...)
	}
	opts := DefaultOptions()
	opts.MaxRows = 2
	cands, _ := DecodeTensors([]Tensor{{Shape: []int{5, 7}, Data: data}}, lb, opts)
	if len(cands) != 2 {
		t.Errorf("got %d candidates, want 2", len(cands))
	}
}

func TestDecodeClassifications(t *testing.T) {
	var cls []Classification
	for i := 0; i < 12; i++ {
		cls = append(cls, Classification{ClassID: i, Score: 0.31 + float32(i)*0.01})
	}
	cls = append(cls, Classification{ClassID: 99, Score: 0.1})
	cls = append(cls, Classification{ClassID: 98, Score: float32(math.NaN())})

	cands := DecodeClassifications(cls, 640, 480, DefaultOptions())
	if len(cands) != DefaultMaxClassifications {
		t.Fatalf("got %d candidates, want %d", len(cands), DefaultMaxClassifications)
	}
	if cands[0].ClassID != 11 {
		t.Errorf("first class = %d, want the strongest (11)", cands[0].ClassID)
	}

	dets := ToDetections(cands, 640, 480, nil, "classifier")
	for _, d := range dets {
		b := d.BoundingBox
		if b.X != 0 || b.Y != 0 || b.W != 1 || b.H != 1 {
			t.Errorf("classifier box = %+v, want the full image", b)
		}
	}
}

func TestDecodeClassificationsZeroThreshold(t *testing.T) {
	cls := []Classification{
		{ClassID: 1, Score: 0},
		{ClassID: 2, Score: float32(math.NaN())},
		{ClassID: 3, Score: 0.4},
	}
	opts := DefaultOptions()
	opts.ClassifierThreshold = 0

	cands := DecodeClassifications(cls, 10, 10, opts)
	if len(cands) != 1 || cands[0].ClassID != 3 {
		t.Errorf("got %+v, want only class 3", cands)
	}
}
