package handlers

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Stream event types.
const (
	EventConnected = "connected"
	EventHeartbeat = "heartbeat"
	EventProgress  = "progress"
	EventLog       = "log"
	EventFinal     = "final"
)

// StreamEvent is one newline-delimited JSON line of a progress stream.
type StreamEvent struct {
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Step      string         `json:"step,omitempty"`
	Message   string         `json:"message,omitempty"`
	Progress  *int           `json:"progress,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Data      any            `json:"data,omitempty"`
}

// ndjsonStream serializes events from several goroutines onto one response.
// After the first write error the client is considered gone and further
// events are dropped.
type ndjsonStream struct {
	mu     sync.Mutex
	w      http.ResponseWriter
	rc     *http.ResponseController
	enc    *json.Encoder
	broken bool
	logger *zap.Logger
}

func newNDJSONStream(w http.ResponseWriter, logger *zap.Logger) *ndjsonStream {
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	return &ndjsonStream{
		w:      w,
		rc:     http.NewResponseController(w),
		enc:    json.NewEncoder(w),
		logger: logger,
	}
}

func (s *ndjsonStream) send(ev StreamEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.broken {
		return
	}
	if err := s.enc.Encode(ev); err != nil {
		s.broken = true
		s.logger.Warn("Progress stream closed by client", zap.Error(err))
		return
	}
	if err := s.rc.Flush(); err != nil {
		s.broken = true
		s.logger.Warn("Progress stream cannot be flushed", zap.Error(err))
	}
}

// heartbeat sends heartbeat events every interval until stop is closed.
func (s *ndjsonStream) heartbeat(interval time.Duration, stop <-chan struct{}) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.send(StreamEvent{Type: EventHeartbeat})
		}
	}
}
