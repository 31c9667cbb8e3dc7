package detections

import "sort"

// IoU is the intersection-over-union of two rects. It is 0 when they do not
// overlap or either has no area.
func IoU(a, b Rect) float64 {
	if a.Area() == 0 || b.Area() == 0 {
		return 0
	}

	x1 := max(a.X, b.X)
	y1 := max(a.Y, b.Y)
	x2 := min(a.X+a.W, b.X+b.W)
	y2 := min(a.Y+a.H, b.Y+b.H)

	if x2 <= x1 || y2 <= y1 {
		return 0
	}

	intersection := (x2 - x1) * (y2 - y1)
	return intersection / (a.Area() + b.Area() - intersection)
}

// NonMaxSuppression greedily keeps the most confident candidates, dropping any
// later candidate of the same class that overlaps a kept one by more than
// iouThreshold. topK <= 0 keeps everything that survives.
func NonMaxSuppression(cands []Candidate, iouThreshold float64, topK int) []Candidate {
	return suppress(cands, iouThreshold, topK, true)
}

// NonMaxSuppressionAgnostic is NonMaxSuppression with suppression across
// classes.
func NonMaxSuppressionAgnostic(cands []Candidate, iouThreshold float64, topK int) []Candidate {
	return suppress(cands, iouThreshold, topK, false)
}

func suppress(cands []Candidate, iouThreshold float64, topK int, classWise bool) []Candidate {
	if len(cands) == 0 {
		return nil
	}

	sorted := make([]Candidate, len(cands))
	copy(sorted, cands)
	sortByConfidence(sorted)

	capacity := len(sorted)
	if topK > 0 && topK < capacity {
		capacity = topK
	}
	kept := make([]Candidate, 0, capacity)
	suppressed := make([]bool, len(sorted))

	for i := range sorted {
		if suppressed[i] {
			continue
		}
		kept = append(kept, sorted[i])
		if topK > 0 && len(kept) >= topK {
			break
		}
		for j := i + 1; j < len(sorted); j++ {
			if suppressed[j] {
				continue
			}
			if classWise && sorted[j].ClassID != sorted[i].ClassID {
				continue
			}
			if IoU(sorted[i].Rect, sorted[j].Rect) > iouThreshold {
				suppressed[j] = true
			}
		}
	}

	return kept
}

func sortByConfidence(cands []Candidate) {
	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].Confidence != cands[j].Confidence {
			return cands[i].Confidence > cands[j].Confidence
		}
		return cands[i].Index < cands[j].Index
	})
}
