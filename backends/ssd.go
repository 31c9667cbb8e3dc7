package backends

import (
	"fmt"

	"github.com/Tutortoise/object-detection-service/detections"
)

// ssdRows converts SSD-style post-processed outputs (boxes as normalized
// [ymin, xmin, ymax, xmax], class ids, scores and a count) into the
// [cx, cy, w, h, obj, scores...] row layout the decoder reads. Objectness
// carries the score and the class columns are one-hot.
func ssdRows(boxes, classes, scores []float32, count, inputSize int) (detections.Tensor, error) {
	n := count
	if n > len(scores) {
		n = len(scores)
	}
	if len(classes) < n || len(boxes) < n*4 {
		return detections.Tensor{}, &detections.ProcessingError{
			Kind:  detections.ErrUnsupportedOutputShape,
			Op:    "ssd outputs",
			Cause: fmt.Errorf("%d boxes, %d classes, %d scores for %d detections", len(boxes)/4, len(classes), len(scores), count),
		}
	}

	numClasses := 1
	for i := 0; i < n; i++ {
		if c := int(classes[i]) + 1; c > numClasses {
			numClasses = c
		}
	}

	width := 5 + numClasses
	s := float32(inputSize)
	data := make([]float32, n*width)
	for i := 0; i < n; i++ {
		ymin, xmin, ymax, xmax := boxes[i*4], boxes[i*4+1], boxes[i*4+2], boxes[i*4+3]
		row := data[i*width : (i+1)*width]
		row[0] = (xmin + xmax) / 2 * s
		row[1] = (ymin + ymax) / 2 * s
		row[2] = (xmax - xmin) * s
		row[3] = (ymax - ymin) * s
		row[4] = scores[i]
		if c := int(classes[i]); c >= 0 {
			row[5+c] = 1
		}
	}
	return detections.Tensor{Name: "ssd", Shape: []int{n, width}, Data: data}, nil
}
