package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/coder/websocket"
	"github.com/prometheus/common/expfmt"

	"github.com/compresr/ai-bridge/internal/apierr"
	"github.com/compresr/ai-bridge/internal/monitoring"
	"github.com/compresr/ai-bridge/internal/stream"
	"github.com/compresr/ai-bridge/internal/task"
)

// =============================================================================
// TASK ROUTES
// =============================================================================

func (g *Gateway) handleInvoke(w http.ResponseWriter, r *http.Request) {
	var req task.Request
	if err := g.decode(w, r, &req); err != nil {
		g.writeError(w, err)
		return
	}
	caller, _ := IdentityFromContext(r.Context())
	resp, err := g.bridge.Invoke(r.Context(), caller, &req, monitoring.RequestIDFromContext(r.Context()))
	if err != nil {
		g.writeError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, resp)
}

func (g *Gateway) handleBatch(w http.ResponseWriter, r *http.Request) {
	var req task.BatchRequest
	if err := g.decode(w, r, &req); err != nil {
		g.writeError(w, err)
		return
	}
	caller, _ := IdentityFromContext(r.Context())
	resp, err := g.bridge.Batch(r.Context(), caller, &req, monitoring.RequestIDFromContext(r.Context()))
	if err != nil {
		g.writeError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, resp)
}

// handleStream answers with a plain JSON error when the request fails before
// the first event; after that every failure is an in-band error event.
func (g *Gateway) handleStream(w http.ResponseWriter, r *http.Request) {
	var req task.Request
	if err := g.decode(w, r, &req); err != nil {
		g.writeError(w, err)
		return
	}
	sink, err := stream.NewSSESink(w)
	if err != nil {
		g.writeError(w, apierr.Wrap(apierr.CodeInternal, err, "streaming is not supported by this connection"))
		return
	}

	requestID := monitoring.RequestIDFromContext(r.Context())
	caller, _ := IdentityFromContext(r.Context())
	err = g.bridge.Stream(r.Context(), caller, &req, requestID, sink)
	switch {
	case err == nil:
	case errors.Is(err, stream.ErrSinkClosed):
		g.logger.Debug().Err(err).Str("request_id", requestID).Msg("sse client disconnected")
	default:
		g.writeError(w, err)
	}
}

// handleStreamWS upgrades, reads the Task Request as the first message, then
// relays events as text messages. Errors before the relay starts are sent as
// an error event followed by [DONE].
func (g *Gateway) handleStreamWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: originPatterns(g.cfg.Server.CORSOrigins),
	})
	if err != nil {
		g.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(g.cfg.Server.MaxBodyBytes)

	requestID := monitoring.RequestIDFromContext(r.Context())
	readCtx, cancel := context.WithTimeout(r.Context(), g.cfg.Server.ReadTimeout)
	_, data, err := conn.Read(readCtx)
	cancel()
	if err != nil {
		g.logger.Debug().Err(err).Str("request_id", requestID).Msg("websocket closed before task request")
		return
	}

	// CloseRead cancels ctx when the peer goes away.
	ctx := conn.CloseRead(r.Context())
	sink := stream.NewWSSink(ctx, conn)

	var req task.Request
	if err := json.Unmarshal(data, &req); err != nil {
		g.sendStreamError(sink, apierr.Validation("task request is not valid JSON: "+err.Error()))
		conn.Close(websocket.StatusNormalClosure, "")
		return
	}

	caller, _ := IdentityFromContext(r.Context())
	err = g.bridge.Stream(ctx, caller, &req, requestID, sink)
	switch {
	case err == nil:
		conn.Close(websocket.StatusNormalClosure, "")
	case errors.Is(err, stream.ErrSinkClosed):
		g.logger.Debug().Err(err).Str("request_id", requestID).Msg("websocket client disconnected")
	default:
		g.sendStreamError(sink, err)
		conn.Close(websocket.StatusNormalClosure, "")
	}
}

func (g *Gateway) sendStreamError(sink stream.Sink, err error) {
	if sendErr := sink.Send(stream.ErrorEvent(err)); sendErr != nil {
		return
	}
	_ = sink.Done()
}

// originPatterns turns CORS origins into the host patterns websocket.Accept
// expects. Same-origin upgrades are always allowed.
func originPatterns(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		o = strings.TrimPrefix(strings.TrimPrefix(o, "https://"), "http://")
		out = append(out, strings.TrimSuffix(o, "/"))
	}
	return out
}

// =============================================================================
// INTROSPECTION ROUTES
// =============================================================================

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := g.bridge.Health(r.Context())
	status := http.StatusOK
	if !h.Healthy() {
		status = http.StatusServiceUnavailable
	}
	g.writeJSON(w, status, h)
}

func (g *Gateway) handleCapabilities(w http.ResponseWriter, _ *http.Request) {
	g.writeJSON(w, http.StatusOK, g.bridge.Capabilities())
}

func (g *Gateway) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	text, err := g.bridge.Metrics()
	if err != nil {
		g.writeError(w, apierr.Wrap(apierr.CodeInternal, err, "render metrics"))
		return
	}
	w.Header().Set("Content-Type", string(expfmt.FmtText))
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, text)
}

func (g *Gateway) handleNotFound(w http.ResponseWriter, r *http.Request) {
	g.writeJSON(w, http.StatusNotFound, errorBody{Error: errorDetail{
		Code:    "NOT_FOUND",
		Message: fmt.Sprintf("no route for %s %s", r.Method, r.URL.Path),
	}})
}

func (g *Gateway) handleMethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	g.writeJSON(w, http.StatusMethodNotAllowed, errorBody{Error: errorDetail{
		Code:    "METHOD_NOT_ALLOWED",
		Message: fmt.Sprintf("%s is not allowed on %s", r.Method, r.URL.Path),
	}})
}

// =============================================================================
// ENCODING
// =============================================================================

// decode reads one JSON body bounded by server.max_body_bytes.
func (g *Gateway) decode(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, g.cfg.Server.MaxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooBig *http.MaxBytesError
		switch {
		case errors.As(err, &tooBig):
			return apierr.Validation(fmt.Sprintf("request body exceeds %d bytes", tooBig.Limit))
		case errors.Is(err, io.EOF):
			return apierr.Validation("request body is required")
		default:
			return apierr.Validation("request body is not valid JSON: " + err.Error())
		}
	}
	return nil
}

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug().Err(err).Msg("write response failed")
	}
}

// writeError encodes any error as the taxonomy envelope.
func (g *Gateway) writeError(w http.ResponseWriter, err error) {
	e := apierr.From(err)
	status := e.HTTPStatus()
	if secs := retryAfterSeconds(e.RetryAfter); secs > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
	if status >= http.StatusInternalServerError {
		g.logger.Warn().Err(err).Str("code", string(e.Code)).Msg("request failed")
	}
	g.writeJSON(w, status, newErrorBody(e))
}
