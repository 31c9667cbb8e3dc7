package main

import (
	"net/http"
	"time"

	"github.com/Tutortoise/object-detection-service/detections"
	"github.com/Tutortoise/object-detection-service/pipeline"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	streamReadTimeout  = 60 * time.Second
	streamWriteTimeout = 10 * time.Second
	streamResultBuffer = 4
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type streamMessage struct {
	pipeline.FrameResult
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
}

// handleStream reads encoded frames as binary messages and writes a JSON
// result for every frame the pipeline accepts. Frames arriving while one is
// in flight, or too soon after the last, are dropped.
func (s *AppState) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.Log.WithError(err).Warn("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	log := s.Log.WithFields(logrus.Fields{"stream": uuid.NewString(), "remote": r.RemoteAddr})
	conn.SetReadLimit(maxUploadBytes)
	conn.SetReadDeadline(time.Now().Add(streamReadTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(streamReadTimeout))
		return nil
	})

	p := s.Pipeline()
	results, cancel := p.Subscribe(streamResultBuffer)
	defer cancel()

	log.Info("Stream connected")

	done := make(chan struct{})
	go func() {
		defer close(done)
		// The subscription also ends when the pipeline is switched or closed;
		// closing the connection then stops the reader below.
		defer conn.Close()
		for res := range results {
			msg := streamMessage{FrameResult: res, Message: detectionSummary(res.Detections)}
			if res.Err != nil {
				msg.Message = MsgStreamFrameError
				msg.Error = res.Err.Error()
			}
			conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
			if err := conn.WriteJSON(msg); err != nil {
				log.WithError(err).Warn("Failed to write frame result")
				return
			}
		}
	}()

	var received, accepted int
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.WithError(err).Warn("Stream read failed")
			}
			break
		}
		conn.SetReadDeadline(time.Now().Add(streamReadTimeout))
		if msgType != websocket.BinaryMessage {
			continue
		}

		received++
		frame, err := detections.DecodePixelImageBytes(data)
		if err != nil {
			log.WithError(err).Debug("Skipping undecodable frame")
			continue
		}
		if p.ProcessFrame(frame) {
			accepted++
		}
	}

	cancel()
	<-done
	log.WithFields(logrus.Fields{"received": received, "accepted": accepted}).Info("Stream closed")
}
