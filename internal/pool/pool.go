// Package pool manages outbound HTTP connections to downstream targets.
//
// DESIGN: One shared http.Transport keeps connections alive across calls.
// Each target gets a bounded slot channel; a call checks a slot out before
// dialing and returns it on every exit path (success, error, cancellation,
// stream close). A slot that is never returned is a leak, so every acquire is
// paired with a deferred or once-guarded release.
//
//   - Request: synchronous call, whole body read, slot released on return
//   - Stream:  slot held until the returned StreamConn is closed
//   - Ping:    lightweight GET against a health URL, no slot
//   - Stats:   in-flight calls per target
package pool

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/compresr/ai-bridge/internal/apierr"
)

// maxResponseBytes caps a buffered downstream response body.
const maxResponseBytes = 32 << 20

// Config tunes the pool.
type Config struct {
	MaxConnsPerTarget int
	IdleConnTimeout   time.Duration
}

// Call is one outbound request.
type Call struct {
	Target string
	Method string
	URL    string
	Header http.Header
	Body   []byte

	// Region enables SigV4 signing for the bedrock-runtime service.
	Region string
}

// Response is a fully read downstream response.
type Response struct {
	StatusCode int
	Body       []byte
	Latency    time.Duration
}

// ProviderError carries the downstream status for failure classification.
type ProviderError struct {
	Target     string
	StatusCode int
	Body       string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s returned HTTP %d: %s", e.Target, e.StatusCode, e.Body)
}

// CountsAsFailure reports whether the status should count against the target's
// health. Client errors other than 408 and 429 are the caller's fault.
func (e *ProviderError) CountsAsFailure() bool {
	if e.StatusCode >= 500 {
		return true
	}
	return e.StatusCode == http.StatusRequestTimeout || e.StatusCode == http.StatusTooManyRequests
}

// Pool is safe for concurrent use.
type Pool struct {
	client   *http.Client
	maxConns int

	mu       sync.Mutex
	slots    map[string]chan struct{}
	inFlight map[string]int

	signerMu sync.Mutex
	signers  map[string]*Signer
}

// New creates a pool.
func New(cfg Config) *Pool {
	if cfg.MaxConnsPerTarget <= 0 {
		cfg.MaxConnsPerTarget = 16
	}
	if cfg.IdleConnTimeout <= 0 {
		cfg.IdleConnTimeout = 90 * time.Second
	}
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          cfg.MaxConnsPerTarget * 8,
		MaxIdleConnsPerHost:   cfg.MaxConnsPerTarget,
		MaxConnsPerHost:       cfg.MaxConnsPerTarget * 2,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
	return &Pool{
		client:   &http.Client{Transport: transport},
		maxConns: cfg.MaxConnsPerTarget,
		slots:    make(map[string]chan struct{}),
		inFlight: make(map[string]int),
		signers:  make(map[string]*Signer),
	}
}

// SetMaxConns overrides the slot count for one target. Must be called before
// the target's first call.
func (p *Pool) SetMaxConns(target string, n int) {
	if n <= 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.slots[target]; !ok {
		p.slots[target] = make(chan struct{}, n)
	}
}

func (p *Pool) slotsFor(target string) chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.slots[target]
	if !ok {
		s = make(chan struct{}, p.maxConns)
		p.slots[target] = s
	}
	return s
}

// acquire blocks until a slot is free or ctx ends. The returned release func
// is idempotent.
func (p *Pool) acquire(ctx context.Context, target string) (func(), error) {
	slots := p.slotsFor(target)
	select {
	case slots <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	p.mu.Lock()
	p.inFlight[target]++
	p.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			p.inFlight[target]--
			p.mu.Unlock()
			<-slots
		})
	}, nil
}

// Request performs a buffered call bounded by timeout.
func (p *Pool) Request(ctx context.Context, call *Call, timeout time.Duration) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	release, err := p.acquire(ctx, call.Target)
	if err != nil {
		return nil, classify(call.Target, err)
	}
	defer release()

	start := time.Now()
	resp, err := p.do(ctx, call)
	if err != nil {
		return nil, classify(call.Target, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, classify(call.Target, err)
	}
	latency := time.Since(start)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, apierr.Wrap(apierr.CodeProviderError,
			&ProviderError{Target: call.Target, StatusCode: resp.StatusCode, Body: truncate(body, 512)},
			"%s returned HTTP %d", call.Target, resp.StatusCode)
	}
	return &Response{StatusCode: resp.StatusCode, Body: body, Latency: latency}, nil
}

// StreamConn is an open streaming response. Close must be called; it cancels
// the upstream request and returns the slot.
type StreamConn struct {
	Body       io.Reader
	StatusCode int

	cancel  context.CancelFunc
	body    io.Closer
	release func()
	once    sync.Once
}

// Close cancels the upstream request and releases the slot. Safe to call more than once.
func (s *StreamConn) Close() error {
	var err error
	s.once.Do(func() {
		s.cancel()
		err = s.body.Close()
		s.release()
	})
	return err
}

// Stream opens a streaming call. The timeout bounds the whole stream.
func (p *Pool) Stream(ctx context.Context, call *Call, timeout time.Duration) (*StreamConn, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)

	release, err := p.acquire(ctx, call.Target)
	if err != nil {
		cancel()
		return nil, classify(call.Target, err)
	}

	resp, err := p.do(ctx, call)
	if err != nil {
		release()
		cancel()
		return nil, classify(call.Target, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		release()
		cancel()
		return nil, apierr.Wrap(apierr.CodeProviderError,
			&ProviderError{Target: call.Target, StatusCode: resp.StatusCode, Body: truncate(body, 512)},
			"%s returned HTTP %d", call.Target, resp.StatusCode)
	}

	return &StreamConn{
		Body:       resp.Body,
		StatusCode: resp.StatusCode,
		cancel:     cancel,
		body:       resp.Body,
		release:    release,
	}, nil
}

// Ping issues a GET against url and reports an error for transport failures
// or 5xx responses.
func (p *Pool) Ping(ctx context.Context, url string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 500 {
		return fmt.Errorf("health check returned HTTP %d", resp.StatusCode)
	}
	return nil
}

// Stats returns the number of in-flight calls per target.
func (p *Pool) Stats() map[string]int {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]int, len(p.inFlight))
	for target, n := range p.inFlight {
		out[target] = n
	}
	return out
}

// Close drops idle connections.
func (p *Pool) Close() {
	p.client.CloseIdleConnections()
}

func (p *Pool) do(ctx context.Context, call *Call) (*http.Response, error) {
	method := call.Method
	if method == "" {
		method = http.MethodPost
	}
	req, err := http.NewRequestWithContext(ctx, method, call.URL, bytes.NewReader(call.Body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, vs := range call.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if req.Header.Get("Content-Type") == "" && len(call.Body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}

	if call.Region != "" {
		signer, err := p.signer(ctx, call.Region)
		if err != nil {
			return nil, err
		}
		if err := signer.Sign(ctx, req, call.Body); err != nil {
			return nil, err
		}
	}

	return p.client.Do(req)
}

func (p *Pool) signer(ctx context.Context, region string) (*Signer, error) {
	p.signerMu.Lock()
	defer p.signerMu.Unlock()
	if s, ok := p.signers[region]; ok {
		return s, nil
	}
	s, err := NewSigner(ctx, region)
	if err != nil {
		return nil, err
	}
	p.signers[region] = s
	log.Info().Str("region", region).Msg("pool: bedrock signer initialized")
	return s, nil
}

// classify maps transport errors to the taxonomy. Caller cancellation stays a
// context error so the breaker can ignore it.
func classify(target string, err error) error {
	switch {
	case errors.Is(err, context.Canceled):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return apierr.Wrap(apierr.CodeProviderError, err, "%s timed out", target)
	default:
		var ae *apierr.Error
		if errors.As(err, &ae) {
			return ae
		}
		return apierr.Wrap(apierr.CodeProviderError, err, "%s unreachable", target)
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
