// Package gateway types - HTTP-facing shapes for the bridge.
//
// DESIGN: Types used only at the HTTP boundary:
//   - Bridge:     the façade the handlers call (satisfied by *bridge.Bridge)
//   - errorBody:  the error envelope every non-2xx JSON response uses
//   - identity:   caller identity carried in the request context
//
// Request and response bodies are the task package types, encoded as-is.
package gateway

import (
	"context"
	"math"
	"time"

	"github.com/compresr/ai-bridge/internal/apierr"
	"github.com/compresr/ai-bridge/internal/bridge"
	"github.com/compresr/ai-bridge/internal/stream"
	"github.com/compresr/ai-bridge/internal/task"
)

// =============================================================================
// BRIDGE - what the handlers need
// =============================================================================

// Bridge is the façade behind the HTTP surface.
type Bridge interface {
	Invoke(ctx context.Context, caller task.Identity, req *task.Request, correlationID string) (*task.Response, error)
	Batch(ctx context.Context, caller task.Identity, req *task.BatchRequest, correlationID string) (*task.BatchResponse, error)
	Stream(ctx context.Context, caller task.Identity, req *task.Request, correlationID string, sink stream.Sink) error
	Health(ctx context.Context) *bridge.Health
	Capabilities() *bridge.Capabilities
	Metrics() (string, error)
}

var _ Bridge = (*bridge.Bridge)(nil)

// =============================================================================
// ERROR ENVELOPE
// =============================================================================

// errorBody is {"error":{...}}.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code              string   `json:"code"`
	Message           string   `json:"message"`
	Details           []string `json:"details,omitempty"`
	RetryAfterSeconds int      `json:"retryAfterSeconds,omitempty"`
}

func newErrorBody(e *apierr.Error) errorBody {
	return errorBody{Error: errorDetail{
		Code:              string(e.Code),
		Message:           e.Message,
		Details:           e.Details,
		RetryAfterSeconds: retryAfterSeconds(e.RetryAfter),
	}}
}

// retryAfterSeconds rounds up so a hint is never shortened to zero.
func retryAfterSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Seconds()))
}

// =============================================================================
// IDENTITY CONTEXT
// =============================================================================

type contextKey string

const identityKey contextKey = "caller_identity"

// WithIdentity returns ctx carrying the resolved caller.
func WithIdentity(ctx context.Context, id task.Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// IdentityFromContext returns the caller resolved by the identity middleware.
func IdentityFromContext(ctx context.Context) (task.Identity, bool) {
	id, ok := ctx.Value(identityKey).(task.Identity)
	return id, ok && id.CallerID != ""
}
