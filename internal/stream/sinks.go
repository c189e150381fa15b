package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/coder/websocket"
)

// SSESink writes server-sent events to an HTTP response.
type SSESink struct {
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
}

// NewSSESink wraps w. It fails if w cannot flush.
func NewSSESink(w http.ResponseWriter) (*SSESink, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support flushing")
	}
	return &SSESink{w: w, flusher: flusher}, nil
}

func (s *SSESink) start() {
	if s.started {
		return
	}
	s.started = true
	h := s.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	s.w.WriteHeader(http.StatusOK)
}

// Send implements Sink.
func (s *SSESink) Send(ev Event) error {
	data, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", ev.Type, err)
	}
	s.start()
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// Done implements Sink.
func (s *SSESink) Done() error {
	s.start()
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", DoneSentinel); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// WSSink writes each event as one JSON text message {type, payload}, then a
// "[DONE]" text message.
type WSSink struct {
	ctx  context.Context
	conn *websocket.Conn
}

// NewWSSink wraps an accepted connection.
func NewWSSink(ctx context.Context, conn *websocket.Conn) *WSSink {
	return &WSSink{ctx: ctx, conn: conn}
}

// Send implements Sink.
func (s *WSSink) Send(ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", ev.Type, err)
	}
	return s.conn.Write(s.ctx, websocket.MessageText, data)
}

// Done implements Sink.
func (s *WSSink) Done() error {
	return s.conn.Write(s.ctx, websocket.MessageText, []byte(DoneSentinel))
}
