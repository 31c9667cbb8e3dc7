package detections

import (
	"fmt"
	"math"
	"sort"
)

// Candidate is a decoded box in source-image pixels, prior to NMS.
type Candidate struct {
	Rect       Rect
	ClassID    int
	Confidence float32
	// Index is the decode order, used to break confidence ties.
	Index int
}

// rowLayout works out how rows of [cx, cy, w, h, obj, scores...] are laid out
// in t.
func rowLayout(t Tensor, allowTransposed bool) (n, c int, transposed bool, err error) {
	switch t.Rank() {
	case 2:
		n, c = t.Shape[0], t.Shape[1]
	case 3:
		if t.Shape[0] != 1 {
			return 0, 0, false, fmt.Errorf("batch size %d", t.Shape[0])
		}
		n, c = t.Shape[1], t.Shape[2]
	default:
		return 0, 0, false, fmt.Errorf("rank %d", t.Rank())
	}

	// Channels-first exports put the attributes on the short axis.
	if allowTransposed && n < c {
		n, c, transposed = c, n, true
	}
	if c < 6 {
		return 0, 0, false, fmt.Errorf("%d values per row, need at least 6", c)
	}
	if n*c != len(t.Data) {
		return 0, 0, false, fmt.Errorf("shape %v does not match %d values", t.Shape, len(t.Data))
	}
	return n, c, transposed, nil
}

// DecodeTensors turns detector output tensors into pixel-space candidates.
// Tensors it cannot interpret are skipped and reported in the returned error
// slice; the remaining tensors are still decoded.
func DecodeTensors(tensors []Tensor, lb Letterbox, opts Options) ([]Candidate, []error) {
	var (
		cands []Candidate
		errs  []error
		index int
	)

	for _, t := range tensors {
		n, c, transposed, err := rowLayout(t, opts.AllowTransposed)
		if err != nil {
			errs = append(errs, newError(ErrUnsupportedOutputShape, "decode "+t.String(), err))
			continue
		}

		at := func(row, col int) float32 {
			if transposed {
				return t.Data[col*n+row]
			}
			return t.Data[row*c+col]
		}

		rows := n
		if opts.MaxRows > 0 && rows > opts.MaxRows {
			rows = opts.MaxRows
		}

		for i := 0; i < rows; i++ {
			obj := at(i, 4)
			best, bestScore := 0, at(i, 5)
			for k := 1; k < c-5; k++ {
				if s := at(i, 5+k); s > bestScore {
					best, bestScore = k, s
				}
			}

			// Written so that NaN scores fail the test.
			confidence := obj * bestScore
			if !(confidence > 0 && confidence >= opts.ScoreThreshold) {
				continue
			}

			cx, cy, w, h := float64(at(i, 0)), float64(at(i, 1)), float64(at(i, 2)), float64(at(i, 3))
			if !finite(cx, cy, w, h) || w <= 0 || h <= 0 {
				continue
			}
			if opts.NormalizedCoords {
				in := float64(lb.InputSize)
				cx, cy, w, h = cx*in, cy*in, w*in, h*in
			}

			// Boxes lying wholly in the padding clamp to nothing.
			rect := lb.InverseRect(cx, cy, w, h)
			if rect.Area() == 0 {
				continue
			}

			cands = append(cands, Candidate{
				Rect:       rect,
				ClassID:    best,
				Confidence: confidence,
				Index:      index,
			})
			index++
		}
	}

	return cands, errs
}

// DecodeClassifications turns whole-image class scores into candidates that
// cover the full image, strongest first.
func DecodeClassifications(cls []Classification, srcW, srcH int, opts Options) []Candidate {
	kept := make([]Classification, 0, len(cls))
	for _, c := range cls {
		if c.Score > 0 && c.Score >= opts.ClassifierThreshold {
			kept = append(kept, c)
		}
	}
	sort.SliceStable(kept, func(i, j int) bool {
		return kept[i].Score > kept[j].Score
	})
	if opts.MaxClassifications > 0 && len(kept) > opts.MaxClassifications {
		kept = kept[:opts.MaxClassifications]
	}

	full := Rect{W: float64(srcW), H: float64(srcH)}
	cands := make([]Candidate, len(kept))
	for i, c := range kept {
		cands[i] = Candidate{Rect: full, ClassID: c.ClassID, Confidence: c.Score, Index: i}
	}
	return cands
}

func finite(vs ...float64) bool {
	for _, v := range vs {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
