package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Tutortoise/object-detection-service/backends"
	"github.com/Tutortoise/object-detection-service/detections"
	"github.com/Tutortoise/object-detection-service/models"
	"github.com/Tutortoise/object-detection-service/pipeline"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

type Config struct {
	Addr  string
	Debug bool

	Backend              models.BackendKind
	ModelPath            string
	LabelsPath           string
	ClassifierModelPath  string
	ClassifierLabelsPath string
	InputSize            int
	RuntimeLibraryPath   string
	InferenceThreads     int

	ScoreThreshold      float64
	ClassifierThreshold float64
	IoUThreshold        float64
	TopK                int
	NormalizedCoords    bool
	TransposedOutput    bool
	ClassAgnostic       bool

	MinFrameInterval time.Duration
	AcquireTimeout   time.Duration
	LoadTimeout      time.Duration
}

// Load reads the configuration from the environment. A .env file in the
// working directory, or the files named, is loaded first; variables already
// set in the environment win.
func Load(files ...string) (*Config, error) {
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("loading env file: %w", err)
	}

	cfg := &Config{
		Addr:  getEnv("ADDR", "127.0.0.1:8080"),
		Debug: getEnvAsBool("DEBUG", false),

		Backend:              models.BackendKind(strings.ToLower(getEnv("BACKEND", string(models.BackendClassifier)))),
		ModelPath:            getEnv("MODEL_PATH", "models/yolov8n.onnx"),
		LabelsPath:           getEnv("LABELS_PATH", "models/coco.names"),
		ClassifierModelPath:  getEnv("CLASSIFIER_MODEL_PATH", "models/mobilenetv2.onnx"),
		ClassifierLabelsPath: getEnv("CLASSIFIER_LABELS_PATH", "models/imagenet.names"),
		InputSize:            getEnvAsInt("INPUT_SIZE", detections.DefaultInputSize),
		RuntimeLibraryPath:   getEnv("ONNXRUNTIME_LIB", ""),
		InferenceThreads:     getEnvAsInt("INFERENCE_THREADS", 0),

		ScoreThreshold:      getEnvAsFloat("SCORE_THRESHOLD", detections.DefaultScoreThreshold),
		ClassifierThreshold: getEnvAsFloat("CLASSIFIER_THRESHOLD", detections.DefaultClassifierThreshold),
		IoUThreshold:        getEnvAsFloat("IOU_THRESHOLD", detections.DefaultIoUThreshold),
		TopK:                getEnvAsInt("TOP_K", detections.DefaultTopK),
		NormalizedCoords:    getEnvAsBool("NORMALIZED_COORDS", false),
		TransposedOutput:    getEnvAsBool("TRANSPOSED_OUTPUT", false),
		ClassAgnostic:       getEnvAsBool("CLASS_AGNOSTIC", false),

		MinFrameInterval: getEnvAsDuration("MIN_FRAME_INTERVAL", detections.DefaultMinFrameInterval),
		AcquireTimeout:   getEnvAsDuration("ACQUIRE_TIMEOUT", detections.DefaultAcquireTimeout),
		LoadTimeout:      getEnvAsDuration("LOAD_TIMEOUT", detections.DefaultLoadTimeout),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if _, ok := models.ParseBackendKind(string(c.Backend)); !ok {
		errs = append(errs, fmt.Errorf("BACKEND: unknown backend %q", c.Backend))
	}
	// Confidence thresholds must exclude zero so every detection is positive.
	for name, v := range map[string]float64{
		"SCORE_THRESHOLD":      c.ScoreThreshold,
		"CLASSIFIER_THRESHOLD": c.ClassifierThreshold,
	} {
		if !(v > 0 && v <= 1) {
			errs = append(errs, fmt.Errorf("%s: %v is outside (0, 1]", name, v))
		}
	}
	if !(c.IoUThreshold >= 0 && c.IoUThreshold <= 1) {
		errs = append(errs, fmt.Errorf("IOU_THRESHOLD: %v is outside [0, 1]", c.IoUThreshold))
	}
	if c.TopK < 1 {
		errs = append(errs, fmt.Errorf("TOP_K: must be positive, got %d", c.TopK))
	}
	if c.InputSize < 1 {
		errs = append(errs, fmt.Errorf("INPUT_SIZE: must be positive, got %d", c.InputSize))
	}
	if c.MinFrameInterval < 0 {
		errs = append(errs, fmt.Errorf("MIN_FRAME_INTERVAL: must not be negative, got %v", c.MinFrameInterval))
	}
	return errors.Join(errs...)
}

func (c *Config) LogLevel() logrus.Level {
	if c.Debug {
		return logrus.DebugLevel
	}
	return logrus.InfoLevel
}

func (c *Config) BackendConfig() backends.Config {
	return backends.Config{
		Kind:                 c.Backend,
		ModelPath:            c.ModelPath,
		LabelsPath:           c.LabelsPath,
		InputSize:            c.InputSize,
		ClassifierModelPath:  c.ClassifierModelPath,
		ClassifierLabelsPath: c.ClassifierLabelsPath,
		RuntimeLibraryPath:   c.RuntimeLibraryPath,
		Threads:              c.InferenceThreads,
	}
}

func (c *Config) PipelineConfig(log *logrus.Entry) pipeline.Config {
	opts := detections.DefaultOptions()
	opts.ScoreThreshold = float32(c.ScoreThreshold)
	opts.ClassifierThreshold = float32(c.ClassifierThreshold)
	opts.IoUThreshold = c.IoUThreshold
	opts.TopK = c.TopK
	opts.NormalizedCoords = c.NormalizedCoords
	opts.AllowTransposed = c.TransposedOutput
	opts.ClassAgnostic = c.ClassAgnostic

	return pipeline.Config{
		Options:          opts,
		MinFrameInterval: c.MinFrameInterval,
		AcquireTimeout:   c.AcquireTimeout,
		LoadTimeout:      c.LoadTimeout,
		Log:              log,
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getEnvAsDuration accepts Go durations ("150ms") or a bare number of
// milliseconds.
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if ms, err := strconv.Atoi(value); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return defaultValue
}
