package gateway_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/compresr/ai-bridge/internal/apierr"
	"github.com/compresr/ai-bridge/internal/bridge"
	"github.com/compresr/ai-bridge/internal/config"
	"github.com/compresr/ai-bridge/internal/gateway"
	"github.com/compresr/ai-bridge/internal/stream"
	"github.com/compresr/ai-bridge/internal/task"
)

// =============================================================================
// FAKE BRIDGE
// =============================================================================

type fakeBridge struct {
	mu        sync.Mutex
	callers   []task.Identity
	ids       []string
	invokeErr error
	streamErr error
	events    []stream.Event
	healthy   bool
	panicOn   bool
}

func (f *fakeBridge) record(caller task.Identity, id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.callers = append(f.callers, caller)
	f.ids = append(f.ids, id)
}

func (f *fakeBridge) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.callers)
}

func (f *fakeBridge) Invoke(_ context.Context, caller task.Identity, req *task.Request, id string) (*task.Response, error) {
	if f.panicOn {
		panic("boom")
	}
	f.record(caller, id)
	if f.invokeErr != nil {
		return nil, f.invokeErr
	}
	return &task.Response{
		Content:  "echo: " + req.Prompt,
		Tier:     task.TierStandard,
		Metadata: task.ResponseMetadata{RequestID: id, RoutingMethod: task.RoutingDirect},
	}, nil
}

func (f *fakeBridge) Batch(_ context.Context, caller task.Identity, req *task.BatchRequest, id string) (*task.BatchResponse, error) {
	f.record(caller, id)
	if len(req.Prompts) == 0 {
		return nil, apierr.BatchValidation("prompts must contain at least one entry")
	}
	out := &task.BatchResponse{Metadata: task.ResponseMetadata{RequestID: id, RoutingMethod: task.RoutingBatch}}
	for i, p := range req.Prompts {
		out.Responses = append(out.Responses, task.BatchItemResult{Index: i, Content: "echo: " + p})
		out.SuccessCount++
	}
	return out, nil
}

func (f *fakeBridge) Stream(_ context.Context, caller task.Identity, _ *task.Request, id string, sink stream.Sink) error {
	f.record(caller, id)
	if f.streamErr != nil {
		return f.streamErr
	}
	for _, ev := range f.events {
		if err := sink.Send(ev); err != nil {
			return err
		}
	}
	return sink.Done()
}

func (f *fakeBridge) Health(context.Context) *bridge.Health {
	h := &bridge.Health{Status: bridge.StatusHealthy, Version: "test", Dependencies: map[string]bridge.Dependency{
		"local-llm": {Status: bridge.StatusHealthy, Circuit: "CLOSED", Locality: "local"},
	}}
	if !f.healthy {
		h.Status = bridge.StatusDegraded
		h.Dependencies["local-llm"] = bridge.Dependency{Status: bridge.StatusDegraded, Circuit: "OPEN", Locality: "local"}
	}
	return h
}

func (f *fakeBridge) Capabilities() *bridge.Capabilities {
	return &bridge.Capabilities{Version: "test", Features: []string{"invoke"}}
}

func (f *fakeBridge) Metrics() (string, error) {
	return "# TYPE bridge_requests_total counter\nbridge_requests_total 0\n", nil
}

// =============================================================================
// HELPERS
// =============================================================================

func testConfig(tune ...func(*config.Config)) *config.Config {
	cfg := &config.Config{
		Server: config.ServerConfig{Port: 18080, ReadTimeout: 5 * time.Second, MaxBodyBytes: 1 << 16},
		Auth: config.AuthConfig{
			Mode:          config.AuthModeHeader,
			CallerHeader:  "X-Caller-Id",
			RoleHeader:    "X-Caller-Role",
			AnonymousUser: "anonymous",
		},
	}
	for _, fn := range tune {
		fn(cfg)
	}
	return cfg
}

func newHandler(t *testing.T, fb *fakeBridge, tune ...func(*config.Config)) http.Handler {
	t.Helper()
	return gateway.New(testConfig(tune...), fb, nil).Handler()
}

func do(h http.Handler, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

type envelope struct {
	Error struct {
		Code              string   `json:"code"`
		Message           string   `json:"message"`
		Details           []string `json:"details"`
		RetryAfterSeconds int      `json:"retryAfterSeconds"`
	} `json:"error"`
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) envelope {
	t.Helper()
	var e envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &e), rec.Body.String())
	return e
}

var asAlice = map[string]string{"X-Caller-Id": "alice", "X-Caller-Role": "editor"}

// =============================================================================
// INVOKE / BATCH
// =============================================================================

func TestInvoke_Success(t *testing.T) {
	fb := &fakeBridge{}
	h := newHandler(t, fb)

	headers := map[string]string{"X-Caller-Id": "alice", "X-Caller-Role": "editor", "X-Request-ID": "req-42"}
	rec := do(h, http.MethodPost, "/invoke", `{"prompt":"hi","options":{"requestedTier":"STANDARD"}}`, headers)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, "req-42", rec.Header().Get("X-Request-ID"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))

	var resp task.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "echo: hi", resp.Content)
	assert.Equal(t, "req-42", resp.Metadata.RequestID)
	assert.Equal(t, []task.Identity{{CallerID: "alice", Role: "editor"}}, fb.callers)
}

func TestInvoke_AssignsRequestID(t *testing.T) {
	fb := &fakeBridge{}
	rec := do(newHandler(t, fb), http.MethodPost, "/invoke", `{"prompt":"hi"}`, asAlice)

	require.Equal(t, http.StatusOK, rec.Code)
	id := rec.Header().Get("X-Request-ID")
	assert.Len(t, id, 36)
	assert.Equal(t, []string{id}, fb.ids)
}

func TestInvoke_RequiresIdentity(t *testing.T) {
	fb := &fakeBridge{}
	rec := do(newHandler(t, fb), http.MethodPost, "/invoke", `{"prompt":"hi"}`, nil)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "AUTHENTICATION_REQUIRED", decodeError(t, rec).Error.Code)
	assert.Zero(t, fb.calls())
}

func TestInvoke_MalformedBody(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"empty", ""},
		{"not json", "{prompt"},
		{"too large", `{"prompt":"` + strings.Repeat("x", 1<<17) + `"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fb := &fakeBridge{}
			rec := do(newHandler(t, fb), http.MethodPost, "/invoke", tt.body, asAlice)

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, "VALIDATION_ERROR", decodeError(t, rec).Error.Code)
			assert.Zero(t, fb.calls())
		})
	}
}

func TestInvoke_ErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		status     int
		code       string
		retryAfter string
	}{
		{"validation", apierr.Validation("prompt is required"), 400, "VALIDATION_ERROR", ""},
		{"policy", apierr.New(apierr.CodePolicyViolation, "no"), 403, "POLICY_VIOLATION", ""},
		{"rate limited", apierr.New(apierr.CodeRateLimited, "slow down").WithRetryAfter(2500 * time.Millisecond), 429, "RATE_LIMITED", "3"},
		{"circuit open", apierr.New(apierr.CodeServiceUnavailable, "open").WithRetryAfter(30 * time.Second), 503, "SERVICE_UNAVAILABLE", "30"},
		{"provider", apierr.New(apierr.CodeProviderError, "upstream 500"), 502, "PROVIDER_ERROR", ""},
		{"unknown", io.ErrUnexpectedEOF, 500, "INTERNAL_ERROR", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(newHandler(t, &fakeBridge{invokeErr: tt.err}), http.MethodPost, "/invoke", `{"prompt":"hi"}`, asAlice)

			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.retryAfter, rec.Header().Get("Retry-After"))
			e := decodeError(t, rec)
			assert.Equal(t, tt.code, e.Error.Code)
			assert.NotEmpty(t, e.Error.Message)
		})
	}
}

func TestInvoke_ValidationDetails(t *testing.T) {
	fb := &fakeBridge{invokeErr: apierr.Validation("prompt is required", "options.requestedTier \"X\" is not one of ECONOMY, STANDARD, PREMIUM")}
	rec := do(newHandler(t, fb), http.MethodPost, "/invoke", `{"prompt":""}`, asAlice)

	e := decodeError(t, rec)
	assert.Len(t, e.Error.Details, 2)
	assert.Zero(t, e.Error.RetryAfterSeconds)
}

func TestInvoke_PanicBecomes500(t *testing.T) {
	rec := do(newHandler(t, &fakeBridge{panicOn: true}), http.MethodPost, "/invoke", `{"prompt":"hi"}`, asAlice)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "INTERNAL_ERROR", decodeError(t, rec).Error.Code)
}

func TestBatch(t *testing.T) {
	fb := &fakeBridge{}
	h := newHandler(t, fb)

	rec := do(h, http.MethodPost, "/batch", `{"prompts":["a","b"]}`, asAlice)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp task.BatchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.SuccessCount)
	assert.Equal(t, "echo: b", resp.Responses[1].Content)

	rec = do(h, http.MethodPost, "/batch", `{"prompts":[]}`, asAlice)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "BATCH_VALIDATION_FAILED", decodeError(t, rec).Error.Code)
}

func TestRoutes_MethodAndPath(t *testing.T) {
	h := newHandler(t, &fakeBridge{})

	rec := do(h, http.MethodGet, "/invoke", "", asAlice)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = do(h, http.MethodGet, "/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", decodeError(t, rec).Error.Code)
}

// =============================================================================
// IDENTITY MODES
// =============================================================================

func signed(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return s
}

func TestIdentity_JWT(t *testing.T) {
	jwtMode := func(c *config.Config) {
		c.Auth.Mode = config.AuthModeJWT
		c.Auth.JWTSecret = "s3cret"
		c.Auth.JWTIssuer = "ai-bridge-tests"
	}
	exp := time.Now().Add(time.Hour).Unix()

	tests := []struct {
		name   string
		token  string
		status int
	}{
		{"valid", signed(t, "s3cret", jwt.MapClaims{"sub": "svc-a", "role": "admin", "iss": "ai-bridge-tests", "exp": exp}), 200},
		{"wrong secret", signed(t, "other", jwt.MapClaims{"sub": "svc-a", "iss": "ai-bridge-tests", "exp": exp}), 401},
		{"wrong issuer", signed(t, "s3cret", jwt.MapClaims{"sub": "svc-a", "iss": "elsewhere", "exp": exp}), 401},
		{"expired", signed(t, "s3cret", jwt.MapClaims{"sub": "svc-a", "iss": "ai-bridge-tests", "exp": time.Now().Add(-time.Hour).Unix()}), 401},
		{"no subject", signed(t, "s3cret", jwt.MapClaims{"iss": "ai-bridge-tests", "exp": exp}), 401},
		{"missing", "", 401},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fb := &fakeBridge{}
			headers := map[string]string{}
			if tt.token != "" {
				headers["Authorization"] = "Bearer " + tt.token
			}
			rec := do(newHandler(t, fb, jwtMode), http.MethodPost, "/invoke", `{"prompt":"hi"}`, headers)

			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			if tt.status == http.StatusOK {
				assert.Equal(t, []task.Identity{{CallerID: "svc-a", Role: "admin"}}, fb.callers)
			} else {
				assert.Equal(t, "AUTHENTICATION_REQUIRED", decodeError(t, rec).Error.Code)
				assert.Zero(t, fb.calls())
			}
		})
	}
}

func TestIdentity_None(t *testing.T) {
	fb := &fakeBridge{}
	h := newHandler(t, fb, func(c *config.Config) { c.Auth.Mode = config.AuthModeNone })

	rec := do(h, http.MethodPost, "/invoke", `{"prompt":"hi"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "anonymous", fb.callers[0].CallerID)
}

// =============================================================================
// STREAM
// =============================================================================

func streamEvents() []stream.Event {
	return []stream.Event{
		{Type: stream.EventStatus, Payload: map[string]string{"target": "local-llm"}},
		{Type: stream.EventContent, Payload: stream.ContentPayload{Content: "Hel"}},
		{Type: stream.EventContent, Payload: stream.ContentPayload{Content: "lo"}},
		{Type: stream.EventComplete, Payload: map[string]string{"content": "Hello"}},
	}
}

func TestStream_SSE(t *testing.T) {
	rec := do(newHandler(t, &fakeBridge{events: streamEvents()}), http.MethodPost, "/stream", `{"prompt":"hi"}`, asAlice)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
	assert.Equal(t, "keep-alive", rec.Header().Get("Connection"))

	body := rec.Body.String()
	assert.True(t, strings.HasPrefix(body, "event: status\ndata: {\"target\":\"local-llm\"}\n\n"), body)
	assert.Contains(t, body, "event: content\ndata: {\"content\":\"Hel\"}\n\n")
	assert.Equal(t, 2, strings.Count(body, "event: content\n"))
	assert.Less(t, strings.Index(body, "event: complete"), strings.Index(body, "data: [DONE]"))
	assert.True(t, strings.HasSuffix(body, "data: [DONE]\n\n"))
}

func TestStream_ErrorBeforeFirstEventIsJSON(t *testing.T) {
	fb := &fakeBridge{streamErr: apierr.New(apierr.CodePolicyViolation, "external-only under phi")}
	rec := do(newHandler(t, fb), http.MethodPost, "/stream", `{"prompt":"hi"}`, asAlice)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, "POLICY_VIOLATION", decodeError(t, rec).Error.Code)
}

func TestStream_WebSocket(t *testing.T) {
	srv := httptest.NewServer(newHandler(t, &fakeBridge{events: streamEvents()}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/stream/ws"
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: http.Header{"X-Caller-Id": []string{"alice"}},
	})
	require.NoError(t, err)
	defer conn.CloseNow()

	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(`{"prompt":"hi"}`)))

	var types []string
	for {
		_, data, err := conn.Read(ctx)
		require.NoError(t, err)
		if string(data) == stream.DoneSentinel {
			break
		}
		var ev struct {
			Type string `json:"type"`
		}
		require.NoError(t, json.Unmarshal(data, &ev))
		types = append(types, ev.Type)
	}
	assert.Equal(t, []string{"status", "content", "content", "complete"}, types)
}

func TestStream_WebSocketRequiresIdentity(t *testing.T) {
	srv := httptest.NewServer(newHandler(t, &fakeBridge{}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/stream/ws"
	_, resp, err := websocket.Dial(ctx, url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

// =============================================================================
// INTROSPECTION
// =============================================================================

func TestHealth(t *testing.T) {
	rec := do(newHandler(t, &fakeBridge{healthy: true}), http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(newHandler(t, &fakeBridge{healthy: false}), http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var h bridge.Health
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &h))
	assert.Equal(t, "degraded", h.Status)
	assert.Equal(t, "OPEN", h.Dependencies["local-llm"].Circuit)
}

func TestCapabilitiesAndMetrics_NoIdentityNeeded(t *testing.T) {
	h := newHandler(t, &fakeBridge{})

	rec := do(h, http.MethodGet, "/capabilities", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"features":["invoke"]`)

	rec = do(h, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.HasPrefix(rec.Header().Get("Content-Type"), "text/plain"))
	assert.Contains(t, rec.Body.String(), "bridge_requests_total 0")
}

// =============================================================================
// CORS
// =============================================================================

func TestCORS(t *testing.T) {
	preflight := func(h http.Handler) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodOptions, "/invoke", bytes.NewReader(nil))
		req.Header.Set("Origin", "https://app.example.com")
		req.Header.Set("Access-Control-Request-Method", http.MethodPost)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	rec := preflight(newHandler(t, &fakeBridge{}))
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"), "no origins configured")

	allowed := newHandler(t, &fakeBridge{}, func(c *config.Config) {
		c.Server.CORSOrigins = []string{"https://app.example.com"}
	})
	rec = preflight(allowed)
	assert.Equal(t, "https://app.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
}
