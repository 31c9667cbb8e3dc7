package detections

import "time"

const (
	DefaultInputSize           = 640
	DefaultClassifierInputSize = 224

	DefaultScoreThreshold      = 0.25
	DefaultClassifierThreshold = 0.3
	DefaultIoUThreshold        = 0.45
	DefaultTopK                = 100
	DefaultMaxClassifications  = 8

	DefaultMinFrameInterval = 100 * time.Millisecond
	DefaultAcquireTimeout   = 5 * time.Second
	DefaultLoadTimeout      = 2 * time.Minute
)
