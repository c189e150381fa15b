// Package monitoring - request_logger.go logs request lifecycle.
//
// DESIGN: Structured logging for request tracing at DEBUG level:
//   - LogIncoming:      Request received from client
//   - LogPipelineStage: Pipeline stage completed or short-circuited
//   - LogOutgoing:      Dispatch attempt to a downstream target
//   - LogResponse:      Response sent to client
package monitoring

import (
	"net/http"
	"time"
)

// RequestLogger logs request lifecycle events.
type RequestLogger struct {
	logger *Logger
}

// NewRequestLogger creates a new request logger.
func NewRequestLogger(logger *Logger) *RequestLogger {
	return &RequestLogger{logger: logger}
}

// RequestInfo contains incoming request information.
type RequestInfo struct {
	RequestID  string
	Method     string
	Path       string
	RemoteAddr string
	BodySize   int
	StartTime  time.Time
}

// NewRequestInfo creates RequestInfo from an HTTP request.
func NewRequestInfo(r *http.Request, requestID string, bodySize int) *RequestInfo {
	return &RequestInfo{
		RequestID:  requestID,
		Method:     r.Method,
		Path:       r.URL.Path,
		RemoteAddr: r.RemoteAddr,
		BodySize:   bodySize,
		StartTime:  time.Now(),
	}
}

// LogIncoming logs an incoming request.
func (rl *RequestLogger) LogIncoming(info *RequestInfo) {
	rl.logger.Debug().
		Str("request_id", info.RequestID).
		Str("method", info.Method).
		Str("path", info.Path).
		Int("body_size", info.BodySize).
		Msg("incoming")
}

// OutgoingRequestInfo describes one dispatch attempt.
type OutgoingRequestInfo struct {
	RequestID string
	Target    string
	Kind      string
	Model     string
	Attempt   int
	Stream    bool
}

// LogOutgoing logs a dispatch attempt.
func (rl *RequestLogger) LogOutgoing(info *OutgoingRequestInfo) {
	event := rl.logger.Debug().
		Str("request_id", info.RequestID).
		Str("target", info.Target).
		Str("kind", info.Kind).
		Str("model", info.Model).
		Int("attempt", info.Attempt)
	if info.Stream {
		event = event.Bool("stream", true)
	}
	event.Msg("outgoing")
}

// ResponseInfo contains response information.
type ResponseInfo struct {
	RequestID  string
	StatusCode int
	Latency    time.Duration
}

// LogResponse logs a response.
func (rl *RequestLogger) LogResponse(info *ResponseInfo) {
	rl.logger.Debug().
		Str("request_id", info.RequestID).
		Int("status", info.StatusCode).
		Dur("latency", info.Latency).
		Msg("response")
}

// PipelineStageInfo contains pipeline stage information.
type PipelineStageInfo struct {
	RequestID string
	Stage     string
	Duration  time.Duration
	Err       error
}

// LogPipelineStage logs a pipeline stage.
func (rl *RequestLogger) LogPipelineStage(info *PipelineStageInfo) {
	event := rl.logger.Debug().
		Str("request_id", info.RequestID).
		Str("stage", info.Stage).
		Dur("duration", info.Duration)
	if info.Err != nil {
		event = event.Err(info.Err)
	}
	event.Msg("pipeline")
}
