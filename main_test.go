package main

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"io"
	"math"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Tutortoise/object-detection-service/config"
	"github.com/Tutortoise/object-detection-service/detections"
	"github.com/Tutortoise/object-detection-service/models"
	"github.com/Tutortoise/object-detection-service/pipeline"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
)

func testConfig() *config.Config {
	return &config.Config{
		Backend:             models.BackendMock,
		InputSize:           64,
		ScoreThreshold:      detections.DefaultScoreThreshold,
		ClassifierThreshold: detections.DefaultClassifierThreshold,
		IoUThreshold:        detections.DefaultIoUThreshold,
		TopK:                detections.DefaultTopK,
		AcquireTimeout:      time.Second,
		LoadTimeout:         time.Second,
	}
}

func newTestServer(t *testing.T) (*httptest.Server, *AppState) {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	state, err := newAppState(testConfig(), logger)
	if err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(newRouter(state))
	t.Cleanup(func() {
		srv.Close()
		state.Close()
	})
	return srv, state
}

func encodePNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.NRGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func multipartBody(t *testing.T, data []byte) (string, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "frame.png")
	if err != nil {
		t.Fatal(err)
	}
	fw.Write(data)
	mw.Close()
	return mw.FormDataContentType(), &buf
}

func TestDetectEncodings(t *testing.T) {
	srv, _ := newTestServer(t)
	data := encodePNG(t, 100, 100)

	jsonBody, _ := json.Marshal(map[string]string{"image": base64.StdEncoding.EncodeToString(data)})
	mpType, mpBody := multipartBody(t, data)

	tests := []struct {
		name        string
		contentType string
		body        io.Reader
	}{
		{"raw", "image/png", bytes.NewReader(data)},
		{"json", "application/json; charset=utf-8", bytes.NewReader(jsonBody)},
		{"multipart", mpType, mpBody},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Post(srv.URL+"/detect", tt.contentType, tt.body)
			if err != nil {
				t.Fatal(err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				b, _ := io.ReadAll(resp.Body)
				t.Fatalf("status = %d, body %s", resp.StatusCode, b)
			}
			var got DetectionResponse
			if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
				t.Fatal(err)
			}
			if got.RequestID == "" || got.Backend != models.BackendMock {
				t.Errorf("request id %q backend %q", got.RequestID, got.Backend)
			}
			if got.Count != 2 || len(got.Detections) != 2 {
				t.Fatalf("count = %d, detections %+v", got.Count, got.Detections)
			}
			if got.Detections[0].ClassLabel != "person" || got.Detections[1].ClassLabel != "car" {
				t.Errorf("labels = %q, %q", got.Detections[0].ClassLabel, got.Detections[1].ClassLabel)
			}
			if got.Message != "Detected 2 objects: 1 car, 1 person" {
				t.Errorf("message = %q", got.Message)
			}
			for _, d := range got.Detections {
				if !d.BoundingBox.Valid() {
					t.Errorf("box out of range: %+v", d.BoundingBox)
				}
			}
		})
	}
}

func TestDetectDisplayProjection(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Post(srv.URL+"/detect?display_width=200&display_height=100", "image/png", bytes.NewReader(encodePNG(t, 100, 100)))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var got DetectionResponse
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if len(got.Display) != len(got.Detections) {
		t.Fatalf("display rects = %d, detections = %d", len(got.Display), len(got.Detections))
	}
	// A square image on a 200x100 view is 100 wide and centred.
	for i, d := range got.Detections {
		wantX := d.BoundingBox.X*100 + 50
		if math.Abs(got.Display[i].X-wantX) > 1e-6 {
			t.Errorf("display[%d].X = %v, want %v", i, got.Display[i].X, wantX)
		}
	}
}

func TestDetectErrors(t *testing.T) {
	srv, _ := newTestServer(t)

	tests := []struct {
		name        string
		contentType string
		body        string
		wantStatus  int
		wantCode    string
	}{
		{"not an image", "image/png", "definitely not a png", http.StatusBadRequest, "invalid_image"},
		{"empty body", "image/png", "", http.StatusBadRequest, "invalid_image"},
		{"bad json", "application/json", "{", http.StatusBadRequest, "invalid_request"},
		{"bad base64", "application/json", `{"image":"***"}`, http.StatusBadRequest, "invalid_request"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Post(srv.URL+"/detect", tt.contentType, strings.NewReader(tt.body))
			if err != nil {
				t.Fatal(err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != tt.wantStatus {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
			var got ErrorResponse
			if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
				t.Fatal(err)
			}
			if got.Code != tt.wantCode {
				t.Errorf("code = %q, want %q", got.Code, tt.wantCode)
			}
		})
	}
}

func TestSendProcessingErrorStatus(t *testing.T) {
	tests := []struct {
		kind error
		want int
	}{
		{detections.ErrInvalidImage, http.StatusBadRequest},
		{detections.ErrModelNotLoaded, http.StatusServiceUnavailable},
		{detections.ErrRuntimeUnavailable, http.StatusServiceUnavailable},
		{detections.ErrInferenceFailed, http.StatusInternalServerError},
		{detections.ErrUnsupportedOutputShape, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		sendProcessingError(rec, &detections.ProcessingError{Kind: tt.kind, Op: "test"})
		if rec.Code != tt.want {
			t.Errorf("%v: status = %d, want %d", tt.kind, rec.Code, tt.want)
		}
	}
}

func TestPreloadHealthAndMetrics(t *testing.T) {
	srv, state := newTestServer(t)

	resp, err := http.Post(srv.URL+"/preload", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("preload status = %d", resp.StatusCode)
	}

	deadline := time.Now().Add(2 * time.Second)
	for state.Pipeline().State() != detections.StateReady {
		if time.Now().After(deadline) {
			t.Fatal("model never became ready")
		}
		time.Sleep(time.Millisecond)
	}

	resp, err = http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	var health StateResponse
	json.NewDecoder(resp.Body).Decode(&health)
	resp.Body.Close()
	if health.State != "ready" || health.Backend != models.BackendMock {
		t.Errorf("health = %+v", health)
	}

	resp, err = http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	var stats pipeline.Stats
	json.NewDecoder(resp.Body).Decode(&stats)
	resp.Body.Close()
	if stats.LoadAttempts != 1 || stats.ModelState != "ready" {
		t.Errorf("stats = %+v", stats)
	}
}

func TestSwitchBackend(t *testing.T) {
	srv, state := newTestServer(t)
	before := state.Pipeline()

	put := func(body string) *http.Response {
		req, _ := http.NewRequest(http.MethodPut, srv.URL+"/backend", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		return resp
	}

	resp := put(`{"backend":"coreml"}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("unknown backend status = %d", resp.StatusCode)
	}

	resp = put(`{"backend":"MOCK"}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("switch status = %d", resp.StatusCode)
	}
	if state.Pipeline() == before {
		t.Error("pipeline was not replaced")
	}
	if before.ProcessFrame(detections.NewPixelImage(image.NewNRGBA(image.Rect(0, 0, 8, 8)), detections.OrientationUp)) {
		t.Error("old pipeline still accepts frames")
	}
}

func TestStream(t *testing.T) {
	srv, _ := newTestServer(t)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	if err := conn.WriteMessage(websocket.BinaryMessage, encodePNG(t, 80, 60)); err != nil {
		t.Fatal(err)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msg struct {
		Seq        uint64             `json:"seq"`
		Width      int                `json:"width"`
		Height     int                `json:"height"`
		Detections []models.Detection `json:"detections"`
		Message    string             `json:"message"`
		Error      string             `json:"error"`
	}
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatal(err)
	}
	if msg.Error != "" {
		t.Fatalf("frame error: %s", msg.Error)
	}
	if msg.Seq != 1 || msg.Width != 80 || msg.Height != 60 || len(msg.Detections) != 2 {
		t.Errorf("result = %+v", msg)
	}
}

func TestWriteJSONLogsEncodeFailure(t *testing.T) {
	hook := logtest.NewGlobal()
	defer hook.Reset()

	rec := httptest.NewRecorder()
	writeJSON(rec, http.StatusOK, map[string]float64{"confidence": math.NaN()})

	entry := hook.LastEntry()
	if entry == nil || entry.Level != logrus.ErrorLevel {
		t.Fatalf("encode failure was not logged: %+v", hook.AllEntries())
	}
	if entry.Data[logrus.ErrorKey] == nil {
		t.Errorf("log entry has no error: %+v", entry.Data)
	}
}
