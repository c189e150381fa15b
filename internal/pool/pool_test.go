package pool

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/compresr/ai-bridge/internal/apierr"
)

// =============================================================================
// REQUEST
// =============================================================================

func TestRequest_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "secret", r.Header.Get("X-Api-Key"))
		body, _ := io.ReadAll(r.Body)
		_, _ = w.Write(append([]byte("echo:"), body...))
	}))
	defer srv.Close()

	p := New(Config{MaxConnsPerTarget: 2})
	resp, err := p.Request(context.Background(), &Call{
		Target: "t1",
		URL:    srv.URL,
		Header: http.Header{"X-Api-Key": []string{"secret"}},
		Body:   []byte(`{"a":1}`),
	}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, `echo:{"a":1}`, string(resp.Body))
	assert.Equal(t, 0, p.Stats()["t1"])
}

func TestRequest_ServerErrorIsProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := New(Config{})
	_, err := p.Request(context.Background(), &Call{Target: "t1", URL: srv.URL}, time.Second)
	require.Error(t, err)
	assert.True(t, apierr.Is(err, apierr.CodeProviderError))

	var pe *ProviderError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, http.StatusInternalServerError, pe.StatusCode)
	assert.True(t, pe.CountsAsFailure())
	assert.Equal(t, 0, p.Stats()["t1"], "slot must be released on error")
}

func TestProviderError_Classification(t *testing.T) {
	tests := []struct {
		status int
		want   bool
	}{
		{http.StatusBadRequest, false},
		{http.StatusUnauthorized, false},
		{http.StatusNotFound, false},
		{http.StatusRequestTimeout, true},
		{http.StatusTooManyRequests, true},
		{http.StatusBadGateway, true},
		{http.StatusServiceUnavailable, true},
	}
	for _, tt := range tests {
		e := &ProviderError{StatusCode: tt.status}
		assert.Equal(t, tt.want, e.CountsAsFailure(), "status %d", tt.status)
	}
}

func TestRequest_TimeoutIsProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	p := New(Config{})
	_, err := p.Request(context.Background(), &Call{Target: "slow", URL: srv.URL}, 50*time.Millisecond)
	require.Error(t, err)
	assert.True(t, apierr.Is(err, apierr.CodeProviderError))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Equal(t, 0, p.Stats()["slow"])
}

func TestRequest_CallerCancelStaysContextError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	p := New(Config{})
	_, err := p.Request(ctx, &Call{Target: "t", URL: srv.URL}, 5*time.Second)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.False(t, apierr.Is(err, apierr.CodeProviderError))
}

func TestRequest_UnreachableIsProviderError(t *testing.T) {
	p := New(Config{})
	_, err := p.Request(context.Background(), &Call{Target: "gone", URL: "http://127.0.0.1:1"}, time.Second)
	require.Error(t, err)
	assert.True(t, apierr.Is(err, apierr.CodeProviderError))
}

func TestRequest_SlotsBoundConcurrency(t *testing.T) {
	var current, peak int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&current, 1)
		for {
			old := atomic.LoadInt32(&peak)
			if n <= old || atomic.CompareAndSwapInt32(&peak, old, n) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		atomic.AddInt32(&current, -1)
	}))
	defer srv.Close()

	p := New(Config{MaxConnsPerTarget: 2})
	done := make(chan struct{})
	for i := 0; i < 6; i++ {
		go func() {
			_, _ = p.Request(context.Background(), &Call{Target: "t", URL: srv.URL}, 2*time.Second)
			done <- struct{}{}
		}()
	}
	for i := 0; i < 6; i++ {
		<-done
	}
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
	assert.Zero(t, p.Stats()["t"], "every slot returned")
}

// =============================================================================
// STREAM
// =============================================================================

func TestStream_CloseCancelsUpstreamAndReleasesSlot(t *testing.T) {
	upstreamClosed := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		for i := 0; ; i++ {
			if _, err := w.Write([]byte("data: chunk\n\n")); err != nil {
				break
			}
			flusher.Flush()
			select {
			case <-r.Context().Done():
				close(upstreamClosed)
				return
			case <-time.After(10 * time.Millisecond):
			}
		}
		close(upstreamClosed)
	}))
	defer srv.Close()

	p := New(Config{})
	conn, err := p.Stream(context.Background(), &Call{Target: "s", URL: srv.URL}, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, p.Stats()["s"])

	line, err := bufio.NewReader(conn.Body).ReadString('\n')
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(line, "data: chunk"))

	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())
	assert.Equal(t, 0, p.Stats()["s"])

	select {
	case <-upstreamClosed:
	case <-time.After(2 * time.Second):
		t.Fatal("upstream request was not cancelled")
	}
}

func TestStream_ErrorStatusReleasesSlot(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	p := New(Config{})
	_, err := p.Stream(context.Background(), &Call{Target: "s", URL: srv.URL}, time.Second)
	require.Error(t, err)
	assert.True(t, apierr.Is(err, apierr.CodeProviderError))
	assert.Equal(t, 0, p.Stats()["s"])
}

// =============================================================================
// PING / SIGNER
// =============================================================================

func TestPing(t *testing.T) {
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
	}))
	defer healthy.Close()
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer broken.Close()

	p := New(Config{})
	assert.NoError(t, p.Ping(context.Background(), healthy.URL, time.Second))
	assert.Error(t, p.Ping(context.Background(), broken.URL, time.Second))
}

func TestSigner_AddsSigV4Headers(t *testing.T) {
	creds := aws.CredentialsProviderFunc(func(ctx context.Context) (aws.Credentials, error) {
		return aws.Credentials{AccessKeyID: "AKIDEXAMPLE", SecretAccessKey: "secret"}, nil
	})
	s := NewSignerWithCredentials(creds, "us-west-2")

	body := []byte(`{"prompt":"hi"}`)
	req, err := http.NewRequest(http.MethodPost, "https://bedrock-runtime.us-west-2.amazonaws.com/model/anthropic.claude-3-haiku/invoke", strings.NewReader(string(body)))
	require.NoError(t, err)
	require.NoError(t, s.Sign(context.Background(), req, body))

	auth := req.Header.Get("Authorization")
	assert.True(t, strings.HasPrefix(auth, "AWS4-HMAC-SHA256 Credential=AKIDEXAMPLE/"))
	assert.Contains(t, auth, "/us-west-2/bedrock/aws4_request")
	assert.NotEmpty(t, req.Header.Get("X-Amz-Date"))
	assert.Equal(t, "us-west-2", s.Region())
}
