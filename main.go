package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/Tutortoise/object-detection-service/backends"
	"github.com/Tutortoise/object-detection-service/config"
	"github.com/Tutortoise/object-detection-service/detections"
	"github.com/Tutortoise/object-detection-service/models"
	"github.com/Tutortoise/object-detection-service/pipeline"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

const maxUploadBytes = 10 << 20

func logTimings(log *logrus.Entry, t *models.ProcessingTimings) {
	log.WithFields(logrus.Fields{
		"request_id":  t.RequestID,
		"decode":      t.ImageDecode,
		"letterbox":   t.Letterbox,
		"inference":   t.Inference,
		"postprocess": t.Postprocess,
		"nms":         t.NMS,
		"total":       t.Total,
	}).Debug("processing times")
}

type AppState struct {
	Config *config.Config
	Log    *logrus.Entry
	logger *logrus.Logger

	mu       sync.RWMutex
	pipeline *pipeline.Pipeline
}

func newAppState(cfg *config.Config, logger *logrus.Logger) (*AppState, error) {
	backend, err := backends.New(cfg.BackendConfig(), logger.WithField("component", "backend"))
	if err != nil {
		return nil, err
	}
	return &AppState{
		Config:   cfg,
		Log:      logger.WithField("component", "server"),
		logger:   logger,
		pipeline: pipeline.New(backend, cfg.PipelineConfig(logger.WithField("component", "pipeline"))),
	}, nil
}

func (s *AppState) Pipeline() *pipeline.Pipeline {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pipeline
}

// SwitchBackend replaces the running pipeline with one on a new backend kind.
// The new model starts loading in the background.
func (s *AppState) SwitchBackend(kind models.BackendKind) (*pipeline.Pipeline, error) {
	cfg := s.Config.BackendConfig()
	cfg.Kind = kind
	backend, err := backends.New(cfg, s.logger.WithField("component", "backend"))
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	next, err := s.pipeline.Switch(backend)
	if err != nil {
		return nil, err
	}
	s.pipeline = next
	next.Preload()
	return next, nil
}

func (s *AppState) Close() error {
	return s.Pipeline().Close()
}

type DetectionResponse struct {
	RequestID  string                    `json:"request_id"`
	Backend    models.BackendKind        `json:"backend"`
	Count      int                       `json:"count"`
	Message    string                    `json:"message"`
	Width      int                       `json:"width"`
	Height     int                       `json:"height"`
	Detections []models.Detection        `json:"detections"`
	Display    []models.DisplayRect      `json:"display,omitempty"`
	Timings    *models.ProcessingTimings `json:"timings,omitempty"`
}

type StateResponse struct {
	Backend models.BackendKind `json:"backend"`
	State   string             `json:"state"`
	Message string             `json:"message,omitempty"`
}

type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load()
	if err != nil {
		logger.WithError(err).Fatal("Invalid configuration")
	}
	logger.SetLevel(cfg.LogLevel())
	log := logger.WithField("component", "server")

	cfg.RuntimeLibraryPath = resolveRuntimeLibrary(cfg.RuntimeLibraryPath, runtimeLibraryCandidates())
	if cfg.RuntimeLibraryPath != "" {
		log.WithField("path", cfg.RuntimeLibraryPath).Info("Using ONNX Runtime library")
	}

	state, err := newAppState(cfg, logger)
	if err != nil {
		log.WithError(err).Fatal("Failed to create detection pipeline")
	}
	state.Pipeline().Preload()

	srv := &http.Server{
		Handler:      newRouter(state),
		Addr:         cfg.Addr,
		WriteTimeout: 60 * time.Second,
		ReadTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Infof("Starting server on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("Server failed")
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("Server shutdown incomplete")
	}
	if err := state.Close(); err != nil {
		log.WithError(err).Warn("Failed to close pipeline")
	}
	if err := backends.ShutdownRuntime(); err != nil {
		log.WithError(err).Warn("Failed to release ONNX Runtime")
	}
}

func newRouter(state *AppState) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/detect", handleDetect(state)).Methods("POST")
	r.HandleFunc("/preload", state.handlePreload).Methods("POST")
	r.HandleFunc("/backend", state.handleSwitchBackend).Methods("PUT")
	r.HandleFunc("/health", state.handleHealth).Methods("GET")
	r.HandleFunc("/stream", state.handleStream).Methods("GET")
	state.addMonitoringRoutes(r)
	return r
}

func handleDetect(state *AppState) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTotal := time.Now()
		requestID := uuid.NewString()
		timings := &models.ProcessingTimings{RequestID: requestID}
		log := state.Log.WithField("request_id", requestID)

		contentType := r.Header.Get("Content-Type")

		var imgBytes []byte
		var err error

		switch {
		case strings.HasPrefix(contentType, "application/json"):
			imgBytes, err = handleJSONRequest(r)
		case strings.HasPrefix(contentType, "multipart/form-data"):
			imgBytes, err = handleMultipartRequest(r)
		default:
			imgBytes, err = handleRawRequest(r)
		}

		if err != nil {
			sendErrorResponse(w, "invalid_request", err.Error(), "", http.StatusBadRequest)
			return
		}

		decodeStart := time.Now()
		img, err := detections.DecodePixelImageBytes(imgBytes)
		timings.ImageDecode = time.Since(decodeStart)
		if err != nil {
			sendProcessingError(w, err)
			return
		}

		p := state.Pipeline()
		dets, err := p.DetectWithTimings(r.Context(), img, timings)
		if err != nil {
			log.WithError(err).Warn("Detection failed")
			sendProcessingError(w, err)
			return
		}

		timings.Total = time.Since(startTotal)
		logTimings(log, timings)

		width, height := img.Size()
		response := DetectionResponse{
			RequestID:  requestID,
			Backend:    p.Backend().Kind(),
			Count:      len(dets),
			Message:    detectionSummary(dets),
			Width:      width,
			Height:     height,
			Detections: dets,
		}
		if dw, dh, ok := displaySize(r); ok {
			response.Display = make([]models.DisplayRect, len(dets))
			for i, d := range dets {
				response.Display[i] = d.ProjectToDisplay(float64(width), float64(height), dw, dh)
			}
		}
		if state.Config.Debug {
			response.Timings = timings
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(response); err != nil {
			log.WithError(err).Error("Failed to encode detection response")
		}
	}
}

// displaySize reads the optional display_width and display_height query
// parameters used to project boxes onto a client view.
func displaySize(r *http.Request) (float64, float64, bool) {
	q := r.URL.Query()
	dw, err1 := strconv.ParseFloat(q.Get("display_width"), 64)
	dh, err2 := strconv.ParseFloat(q.Get("display_height"), 64)
	if err1 != nil || err2 != nil || dw <= 0 || dh <= 0 {
		return 0, 0, false
	}
	return dw, dh, true
}

func (s *AppState) handlePreload(w http.ResponseWriter, _ *http.Request) {
	p := s.Pipeline()
	p.Preload()
	writeJSON(w, http.StatusAccepted, stateResponse(p))
}

func (s *AppState) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, stateResponse(s.Pipeline()))
}

func (s *AppState) handleSwitchBackend(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Backend string `json:"backend"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendErrorResponse(w, "invalid_request", "Request body must be JSON", err.Error(), http.StatusBadRequest)
		return
	}
	kind, ok := models.ParseBackendKind(strings.ToLower(req.Backend))
	if !ok {
		sendErrorResponse(w, "invalid_request", fmt.Sprintf("Unknown backend %q", req.Backend), "", http.StatusBadRequest)
		return
	}

	next, err := s.SwitchBackend(kind)
	if err != nil {
		sendErrorResponse(w, "switch_failed", "Failed to switch backend", err.Error(), http.StatusInternalServerError)
		return
	}
	s.Log.WithFields(logrus.Fields{"requested": kind, "backend": next.Backend().Kind()}).Info("Backend switched")
	writeJSON(w, http.StatusAccepted, stateResponse(next))
}

func stateResponse(p *pipeline.Pipeline) StateResponse {
	resp := StateResponse{
		Backend: p.Backend().Kind(),
		State:   p.State().String(),
	}
	if p.State() == detections.StateLoading {
		resp.Message = MsgModelLoading
	}
	return resp
}

func (s *AppState) addMonitoringRoutes(r *mux.Router) {
	r.HandleFunc("/metrics", s.handleMetrics).Methods("GET")
}

func (s *AppState) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.Pipeline().Stats())
}

func handleJSONRequest(r *http.Request) ([]byte, error) {
	var req struct {
		Image string `json:"image"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, maxUploadBytes)).Decode(&req); err != nil {
		return nil, err
	}
	return base64.StdEncoding.DecodeString(req.Image)
}

func handleMultipartRequest(r *http.Request) ([]byte, error) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		return nil, err
	}

	file, _, err := r.FormFile("file")
	if err != nil {
		return nil, err
	}
	defer file.Close()

	return io.ReadAll(file)
}

func handleRawRequest(r *http.Request) ([]byte, error) {
	return io.ReadAll(io.LimitReader(r.Body, maxUploadBytes))
}

func sendProcessingError(w http.ResponseWriter, err error) {
	switch detections.Kind(err) {
	case detections.ErrInvalidImage:
		sendErrorResponse(w, "invalid_image", "Failed to decode image", err.Error(), http.StatusBadRequest)
	case detections.ErrModelNotLoaded:
		sendErrorResponse(w, "model_not_loaded", "Model is not available", err.Error(), http.StatusServiceUnavailable)
	case detections.ErrRuntimeUnavailable:
		sendErrorResponse(w, "runtime_unavailable", "Inference runtime is not available", err.Error(), http.StatusServiceUnavailable)
	default:
		sendErrorResponse(w, "inference_failed", "Inference failed", err.Error(), http.StatusInternalServerError)
	}
}

func sendErrorResponse(w http.ResponseWriter, code, message, details string, status int) {
	writeJSON(w, status, ErrorResponse{
		Code:    code,
		Message: message,
		Details: details,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.WithError(err).WithField("component", "server").Error("Failed to encode response")
	}
}
