package logger

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NoticeLevel sits below DebugLevel for informational incidents.
const NoticeLevel zapcore.Level = -2

// logEntry is a single incident as Better Stack ingests it.
type logEntry struct {
	Timestamp  string         `json:"timestamp"`
	Level      string         `json:"level"`
	Message    string         `json:"message"`
	TraceID    string         `json:"traceID"` // job ID
	Layer      string         `json:"layer"`
	Error      string         `json:"error,omitempty"`
	Attributes map[string]any `json:"attributes"`
}

// IncidentStreamer ships infrastructure incidents to Better Stack in
// production, or appends them to a local JSONL file in development.
// Every incident is also logged through zap.
type IncidentStreamer struct {
	sourceToken string
	environment string
	uploadURL   string
	logger      *zap.Logger
	client      *http.Client
	fileWriter  io.Writer
	fileMu      sync.Mutex
	inflight    sync.WaitGroup
}

// NewIncidentStreamer creates a streamer. In development incidents go to
// logPath, falling back to stderr when it cannot be opened.
func NewIncidentStreamer(sourceToken, environment, uploadURL, logPath string, logger *zap.Logger) *IncidentStreamer {
	streamer := &IncidentStreamer{
		sourceToken: sourceToken,
		environment: environment,
		uploadURL:   uploadURL,
		logger:      logger,
	}

	if environment == "development" {
		f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			logger.Error("Failed to open incident log file", zap.Error(err))
			streamer.fileWriter = os.Stderr
		} else {
			streamer.fileWriter = f
		}
	}

	if environment == "production" && uploadURL != "" {
		streamer.client = &http.Client{Timeout: 10 * time.Second}
	}

	return streamer
}

// Log records one incident. traceID is the job ID; incidents without one
// are only logged locally.
func (s *IncidentStreamer) Log(level zapcore.Level, traceID string, message string, attributes map[string]any, layer string, err error) {
	if s == nil {
		return
	}

	fields := []zap.Field{zap.String("trace_id", traceID), zap.String("layer", layer), zap.Any("attributes", attributes)}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	s.logger.Log(level, message, fields...)

	if traceID == "" {
		return
	}

	var levelStr string
	switch level {
	case zapcore.ErrorLevel:
		levelStr = "ERROR"
	case zapcore.WarnLevel:
		levelStr = "WARN"
	case zapcore.InfoLevel:
		levelStr = "INFO"
	case NoticeLevel:
		levelStr = "NOTICE"
	case zapcore.DebugLevel:
		levelStr = "DEBUG"
	default:
		levelStr = "UNKNOWN"
	}

	if attributes == nil {
		attributes = make(map[string]any)
	}
	entry := logEntry{
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		Level:      levelStr,
		Message:    message,
		TraceID:    traceID,
		Layer:      layer,
		Attributes: attributes,
	}
	if err != nil {
		entry.Error = err.Error()
	}

	body, marshalErr := json.Marshal(entry)
	if marshalErr != nil {
		s.logger.Error("Failed to marshal incident", zap.Error(marshalErr))
		return
	}

	switch {
	case s.fileWriter != nil:
		s.fileMu.Lock()
		defer s.fileMu.Unlock()
		if _, writeErr := s.fileWriter.Write(append(body, '\n')); writeErr != nil {
			s.logger.Error("Failed to write incident to file", zap.Error(writeErr))
		}
	case s.client != nil:
		req, reqErr := http.NewRequest(http.MethodPost, s.uploadURL, bytes.NewReader(body))
		if reqErr != nil {
			s.logger.Error("Failed to create HTTP request", zap.Error(reqErr))
			return
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+s.sourceToken)

		s.inflight.Add(1)
		go func() {
			defer s.inflight.Done()
			resp, err := s.client.Do(req)
			if err != nil {
				s.logger.Error("Failed to send incident to Better Stack", zap.Error(err))
				return
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusAccepted {
				s.logger.Error("Unexpected response from Better Stack", zap.String("status", resp.Status))
			}
		}()
	}
}

// Flush waits for incidents still being uploaded.
func (s *IncidentStreamer) Flush() {
	if s == nil {
		return
	}
	s.inflight.Wait()
}
