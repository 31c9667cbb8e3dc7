package detections

import (
	"time"

	"github.com/Tutortoise/object-detection-service/models"

	"github.com/sirupsen/logrus"
)

// Options tunes decoding and suppression.
type Options struct {
	ScoreThreshold      float32
	ClassifierThreshold float32
	IoUThreshold        float64
	TopK                int
	MaxClassifications  int

	// MaxRows caps the rows read from each tensor; 0 reads all of them.
	MaxRows int
	// NormalizedCoords means box values are fractions of the model input.
	NormalizedCoords bool
	// AllowTransposed accepts channels-first [1, C, N] outputs.
	AllowTransposed bool
	// ClassAgnostic lets boxes of different classes suppress each other.
	ClassAgnostic bool
}

func DefaultOptions() Options {
	return Options{
		ScoreThreshold:      DefaultScoreThreshold,
		ClassifierThreshold: DefaultClassifierThreshold,
		IoUThreshold:        DefaultIoUThreshold,
		TopK:                DefaultTopK,
		MaxClassifications:  DefaultMaxClassifications,
	}
}

// Postprocessor turns a BackendOutput into normalized detections.
type Postprocessor struct {
	Options Options
	Labels  []string
	Kind    models.BackendKind
	Log     *logrus.Entry
}

func (p *Postprocessor) Process(out BackendOutput, lb Letterbox, timings *models.ProcessingTimings) []models.Detection {
	if timings == nil {
		timings = &models.ProcessingTimings{}
	}

	postStart := time.Now()
	var cands []Candidate
	if len(out.Classifications) > 0 {
		cands = DecodeClassifications(out.Classifications, lb.SrcWidth, lb.SrcHeight, p.Options)
		timings.Postprocess = time.Since(postStart)
		return ToDetections(cands, lb.SrcWidth, lb.SrcHeight, p.Labels, p.Kind)
	}

	cands, errs := DecodeTensors(out.Tensors, lb, p.Options)
	for _, err := range errs {
		p.logger().WithError(err).Warn("skipping model output")
	}
	timings.Postprocess = time.Since(postStart)

	nmsStart := time.Now()
	if p.Options.ClassAgnostic {
		cands = NonMaxSuppressionAgnostic(cands, p.Options.IoUThreshold, p.Options.TopK)
	} else {
		cands = NonMaxSuppression(cands, p.Options.IoUThreshold, p.Options.TopK)
	}
	timings.NMS = time.Since(nmsStart)

	return ToDetections(cands, lb.SrcWidth, lb.SrcHeight, p.Labels, p.Kind)
}

func (p *Postprocessor) logger() *logrus.Entry {
	if p.Log != nil {
		return p.Log
	}
	return logrus.WithField("component", "decoder")
}

// ToDetections normalizes pixel-space candidates against the source size and
// resolves their labels.
func ToDetections(cands []Candidate, srcW, srcH int, labels []string, kind models.BackendKind) []models.Detection {
	out := make([]models.Detection, 0, len(cands))
	if srcW <= 0 || srcH <= 0 {
		return out
	}

	w, h := float64(srcW), float64(srcH)
	for _, c := range cands {
		box := models.NormalizedRect{
			X: c.Rect.X / w,
			Y: c.Rect.Y / h,
			W: c.Rect.W / w,
			H: c.Rect.H / h,
		}
		out = append(out, models.Detection{
			BoundingBox: box.Clamp(),
			ClassLabel:  LabelFor(labels, c.ClassID),
			Confidence:  c.Confidence,
			Backend:     kind,
		})
	}
	return out
}
