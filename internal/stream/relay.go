// Package stream is the streaming relay.
//
// DESIGN: A producer goroutine reads the provider and pushes events into a
// bounded channel; the caller's goroutine is the single consumer and the only
// writer to the sink, so events reach the client strictly in order.
//
//	status -> content* -> (complete | error) -> [DONE]
//
// Back-pressure: when the sink blocks, the channel fills and the producer's
// emit blocks, which pauses upstream reads. Cancellation: when the sink fails
// (client gone) the relay cancels the producer's context and waits for it to
// return, so the upstream connection is closed before Run returns.
package stream

import (
	"context"
	"errors"
	"math"
	"sync"

	"github.com/compresr/ai-bridge/internal/apierr"
)

// EventType is the fixed event vocabulary.
type EventType string

const (
	EventStatus   EventType = "status"
	EventContent  EventType = "content"
	EventComplete EventType = "complete"
	EventError    EventType = "error"
)

// DoneSentinel terminates every stream.
const DoneSentinel = "[DONE]"

// Event is one frame of the stream.
type Event struct {
	Type    EventType `json:"type"`
	Payload any       `json:"payload"`
}

// ContentPayload carries one text delta.
type ContentPayload struct {
	Content string `json:"content"`
}

// ErrorPayload carries a terminal error.
type ErrorPayload struct {
	Code              string   `json:"code"`
	Message           string   `json:"message"`
	Details           []string `json:"details,omitempty"`
	RetryAfterSeconds int      `json:"retryAfterSeconds,omitempty"`
}

// ErrorEvent converts err to a terminal error event.
func ErrorEvent(err error) Event {
	e := apierr.From(err)
	p := ErrorPayload{Code: string(e.Code), Message: e.Message, Details: e.Details}
	if e.RetryAfter > 0 {
		p.RetryAfterSeconds = int(math.Ceil(e.RetryAfter.Seconds()))
	}
	return Event{Type: EventError, Payload: p}
}

// Sink is an outbound event transport. Methods are called from one goroutine.
type Sink interface {
	Send(ev Event) error
	Done() error
}

// Producer streams content through emit and returns the payload of the
// complete event, or an error that becomes the error event.
type Producer func(ctx context.Context, emit func(delta string) error) (any, error)

// Relay runs streams with a bounded buffer.
type Relay struct {
	bufferSize int
}

// NewRelay creates a relay. bufferSize bounds un-flushed events per stream.
func NewRelay(bufferSize int) *Relay {
	if bufferSize <= 0 {
		bufferSize = 16
	}
	return &Relay{bufferSize: bufferSize}
}

// ErrSinkClosed wraps sink write failures.
var ErrSinkClosed = errors.New("stream sink closed")

// Run sends status, then relays the producer's events, then [DONE]. It returns
// a non-nil error only when the sink failed; producer failures are delivered
// as the terminal error event.
func (r *Relay) Run(ctx context.Context, sink Sink, status any, produce Producer) error {
	if err := sink.Send(Event{Type: EventStatus, Payload: status}); err != nil {
		return errors.Join(ErrSinkClosed, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	events := make(chan Event, r.bufferSize)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(events)

		emit := func(delta string) error {
			select {
			case events <- Event{Type: EventContent, Payload: ContentPayload{Content: delta}}:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		terminal := func() (ev Event) {
			defer func() {
				if p := recover(); p != nil {
					ev = ErrorEvent(apierr.New(apierr.CodeInternal, "stream producer panicked: %v", p))
				}
			}()
			result, err := produce(ctx, emit)
			if err != nil {
				return ErrorEvent(err)
			}
			return Event{Type: EventComplete, Payload: result}
		}()

		// The consumer drains until close, so this never blocks forever.
		events <- terminal
	}()

	var sinkErr error
	for ev := range events {
		if sinkErr != nil {
			continue // drain so the producer can exit
		}
		if err := sink.Send(ev); err != nil {
			sinkErr = errors.Join(ErrSinkClosed, err)
			cancel()
		}
	}
	wg.Wait()

	if sinkErr != nil {
		return sinkErr
	}
	if err := sink.Done(); err != nil {
		return errors.Join(ErrSinkClosed, err)
	}
	return nil
}
