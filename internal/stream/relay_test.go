package stream_test

import (
	"bufio"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/compresr/ai-bridge/internal/apierr"
	"github.com/compresr/ai-bridge/internal/stream"
)

// memSink records events; it fails once failAfter sends have succeeded.
type memSink struct {
	mu        sync.Mutex
	events    []stream.Event
	done      int
	failAfter int
	block     chan struct{}
}

func (s *memSink) Send(ev stream.Event) error {
	if s.block != nil && ev.Type == stream.EventContent {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAfter > 0 && len(s.events) >= s.failAfter {
		return errors.New("client disconnected")
	}
	s.events = append(s.events, ev)
	return nil
}

func (s *memSink) Done() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.done++
	return nil
}

func (s *memSink) types() []stream.EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]stream.EventType, len(s.events))
	for i, ev := range s.events {
		out[i] = ev.Type
	}
	return out
}

func chunks(parts ...string) stream.Producer {
	return func(ctx context.Context, emit func(string) error) (any, error) {
		for _, p := range parts {
			if err := emit(p); err != nil {
				return nil, err
			}
		}
		return map[string]string{"content": strings.Join(parts, "")}, nil
	}
}

// =============================================================================
// ORDERING / TERMINATION
// =============================================================================

func TestRun_SuccessSequence(t *testing.T) {
	sink := &memSink{}
	err := stream.NewRelay(2).Run(context.Background(), sink, map[string]string{"tier": "STANDARD"}, chunks("a", "b", "c"))
	require.NoError(t, err)

	assert.Equal(t, []stream.EventType{
		stream.EventStatus, stream.EventContent, stream.EventContent, stream.EventContent, stream.EventComplete,
	}, sink.types())
	assert.Equal(t, 1, sink.done)
	assert.Equal(t, stream.ContentPayload{Content: "b"}, sink.events[2].Payload)
}

func TestRun_ProducerErrorStillEndsWithDone(t *testing.T) {
	sink := &memSink{}
	produce := func(ctx context.Context, emit func(string) error) (any, error) {
		_ = emit("partial")
		return nil, apierr.New(apierr.CodeProviderError, "upstream reset")
	}
	require.NoError(t, stream.NewRelay(4).Run(context.Background(), sink, nil, produce))

	types := sink.types()
	assert.Equal(t, stream.EventError, types[len(types)-1])
	assert.Equal(t, 1, sink.done)
	payload := sink.events[len(sink.events)-1].Payload.(stream.ErrorPayload)
	assert.Equal(t, "PROVIDER_ERROR", payload.Code)
}

func TestRun_ProducerPanicBecomesErrorEvent(t *testing.T) {
	sink := &memSink{}
	produce := func(ctx context.Context, emit func(string) error) (any, error) {
		panic("decoder bug")
	}
	require.NoError(t, stream.NewRelay(4).Run(context.Background(), sink, nil, produce))
	assert.Equal(t, []stream.EventType{stream.EventStatus, stream.EventError}, sink.types())
	assert.Equal(t, 1, sink.done)
}

func TestRun_ExactlyOneTerminal(t *testing.T) {
	for i := 0; i < 20; i++ {
		sink := &memSink{}
		require.NoError(t, stream.NewRelay(1).Run(context.Background(), sink, nil, chunks("x", "y")))
		terminals := 0
		for _, ty := range sink.types() {
			if ty == stream.EventComplete || ty == stream.EventError {
				terminals++
			}
		}
		assert.Equal(t, 1, terminals)
		assert.Equal(t, 1, sink.done)
	}
}

func TestErrorEvent_RetryAfterRoundsUp(t *testing.T) {
	ev := stream.ErrorEvent(apierr.New(apierr.CodeServiceUnavailable, "open").WithRetryAfter(1500 * time.Millisecond))
	assert.Equal(t, 2, ev.Payload.(stream.ErrorPayload).RetryAfterSeconds)
}

// =============================================================================
// CANCELLATION / BACK-PRESSURE
// =============================================================================

func TestRun_SinkFailureCancelsProducer(t *testing.T) {
	sink := &memSink{failAfter: 3} // status + 2 content
	producerExited := make(chan error, 1)

	produce := func(ctx context.Context, emit func(string) error) (any, error) {
		for {
			if err := emit("tok"); err != nil {
				producerExited <- err
				return nil, err
			}
			select {
			case <-ctx.Done():
				producerExited <- ctx.Err()
				return nil, ctx.Err()
			case <-time.After(time.Millisecond):
			}
		}
	}

	err := stream.NewRelay(2).Run(context.Background(), sink, nil, produce)
	require.Error(t, err)
	assert.ErrorIs(t, err, stream.ErrSinkClosed)
	assert.Equal(t, 0, sink.done, "no [DONE] after the client is gone")

	select {
	case perr := <-producerExited:
		assert.ErrorIs(t, perr, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("producer did not observe cancellation")
	}
}

func TestRun_BoundedBuffer(t *testing.T) {
	block := make(chan struct{})
	sink := &memSink{block: block}
	emitted := make(chan int, 100)

	produce := func(ctx context.Context, emit func(string) error) (any, error) {
		for i := 0; i < 50; i++ {
			if err := emit("t"); err != nil {
				return nil, err
			}
			emitted <- i
		}
		return nil, nil
	}

	done := make(chan error, 1)
	go func() { done <- stream.NewRelay(3).Run(context.Background(), sink, nil, produce) }()

	time.Sleep(50 * time.Millisecond)
	// One event is held by the blocked Send, at most bufferSize more are queued.
	assert.LessOrEqual(t, len(emitted), 4)

	close(block)
	require.NoError(t, <-done)
	assert.Len(t, emitted, 50)
}

// =============================================================================
// SINKS
// =============================================================================

func TestSSESink_Framing(t *testing.T) {
	rec := httptest.NewRecorder()
	sink, err := stream.NewSSESink(rec)
	require.NoError(t, err)

	require.NoError(t, stream.NewRelay(4).Run(context.Background(), sink, map[string]string{"model": "m"}, chunks("hi")))

	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
	assert.Equal(t, "keep-alive", rec.Header().Get("Connection"))

	body := rec.Body.String()
	assert.True(t, strings.HasPrefix(body, "event: status\ndata: {\"model\":\"m\"}\n\n"))
	assert.Contains(t, body, "event: content\ndata: {\"content\":\"hi\"}\n\n")
	assert.Contains(t, body, "event: complete\n")
	assert.True(t, strings.HasSuffix(body, "data: [DONE]\n\n"))
	assert.Equal(t, 1, strings.Count(body, "[DONE]"))
}

func TestWSSink_Messages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		sink := stream.NewWSSink(r.Context(), conn)
		_ = stream.NewRelay(4).Run(r.Context(), sink, map[string]string{"target": "ollama"}, chunks("a"))
		conn.Close(websocket.StatusNormalClosure, "")
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	var msgs []string
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			break
		}
		msgs = append(msgs, string(data))
	}
	require.Len(t, msgs, 4)
	assert.Equal(t, `{"type":"status","payload":{"target":"ollama"}}`, msgs[0])
	assert.Equal(t, `{"type":"content","payload":{"content":"a"}}`, msgs[1])
	assert.True(t, strings.HasPrefix(msgs[2], `{"type":"complete"`))
	assert.Equal(t, "[DONE]", msgs[3])
}

func TestSSESink_ReadableByScanner(t *testing.T) {
	rec := httptest.NewRecorder()
	sink, err := stream.NewSSESink(rec)
	require.NoError(t, err)
	produce := func(ctx context.Context, emit func(string) error) (any, error) {
		return nil, apierr.New(apierr.CodeServiceUnavailable, "circuit open")
	}
	require.NoError(t, stream.NewRelay(4).Run(context.Background(), sink, nil, produce))

	var events []string
	sc := bufio.NewScanner(strings.NewReader(rec.Body.String()))
	for sc.Scan() {
		if strings.HasPrefix(sc.Text(), "event: ") {
			events = append(events, strings.TrimPrefix(sc.Text(), "event: "))
		}
	}
	assert.Equal(t, []string{"status", "error"}, events)
}
