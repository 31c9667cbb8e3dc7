package detections

import "fmt"

// Tensor is a raw float32 model output tagged with its shape.
type Tensor struct {
	Name  string
	Shape []int
	Data  []float32
}

func (t Tensor) Rank() int { return len(t.Shape) }

func (t Tensor) String() string {
	if t.Name == "" {
		return fmt.Sprintf("tensor%v", t.Shape)
	}
	return fmt.Sprintf("%s%v", t.Name, t.Shape)
}

// Classification is a whole-image class score from a classifier backend.
type Classification struct {
	ClassID int
	Label   string
	Score   float32
}

// BackendOutput is what a backend returns for one inference. Classifier
// backends fill Classifications, detector backends fill Tensors.
type BackendOutput struct {
	Classifications []Classification
	Tensors         []Tensor
}

func (o BackendOutput) Empty() bool {
	return len(o.Classifications) == 0 && len(o.Tensors) == 0
}

// Int64Shape converts a runtime shape to the int form used by Tensor.
func Int64Shape(shape []int64) []int {
	out := make([]int, len(shape))
	for i, d := range shape {
		out[i] = int(d)
	}
	return out
}
