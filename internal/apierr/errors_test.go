package apierr_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/compresr/ai-bridge/internal/apierr"
)

func TestError_HTTPStatus(t *testing.T) {
	tests := []struct {
		code   apierr.Code
		status int
	}{
		{apierr.CodeValidation, http.StatusBadRequest},
		{apierr.CodeBatchValidation, http.StatusBadRequest},
		{apierr.CodeAuthRequired, http.StatusUnauthorized},
		{apierr.CodePolicyViolation, http.StatusForbidden},
		{apierr.CodeAgentNotFound, http.StatusNotFound},
		{apierr.CodeUnsupportedCapability, http.StatusUnprocessableEntity},
		{apierr.CodeRateLimited, http.StatusTooManyRequests},
		{apierr.CodeCostCeilingExceeded, http.StatusTooManyRequests},
		{apierr.CodeServiceUnavailable, http.StatusServiceUnavailable},
		{apierr.CodeProviderError, http.StatusBadGateway},
		{apierr.CodeInternal, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			assert.Equal(t, tt.status, apierr.New(tt.code, "x").HTTPStatus())
		})
	}
}

func TestError_Retryable(t *testing.T) {
	assert.True(t, apierr.New(apierr.CodeRateLimited, "x").Retryable())
	assert.True(t, apierr.New(apierr.CodeServiceUnavailable, "x").Retryable())
	assert.False(t, apierr.New(apierr.CodePolicyViolation, "x").Retryable())
	assert.False(t, apierr.Validation("prompt is required").Retryable())
}

func TestFrom(t *testing.T) {
	t.Run("passes through wrapped bridge errors", func(t *testing.T) {
		inner := apierr.New(apierr.CodeAgentNotFound, "no endpoint for %q", "review")
		got := apierr.From(fmt.Errorf("dispatch: %w", inner))
		assert.Same(t, inner, got)
	})

	t.Run("deadline becomes provider error", func(t *testing.T) {
		got := apierr.From(fmt.Errorf("call: %w", context.DeadlineExceeded))
		assert.Equal(t, apierr.CodeProviderError, got.Code)
		assert.True(t, errors.Is(got, context.DeadlineExceeded))
	})

	t.Run("unknown becomes internal", func(t *testing.T) {
		assert.Equal(t, apierr.CodeInternal, apierr.From(errors.New("boom")).Code)
	})

	t.Run("nil stays nil", func(t *testing.T) {
		assert.Nil(t, apierr.From(nil))
		assert.Equal(t, apierr.Code(""), apierr.CodeOf(nil))
	})
}

func TestWithRetryAfter(t *testing.T) {
	err := apierr.New(apierr.CodeRateLimited, "slow down").WithRetryAfter(3 * time.Second)
	assert.Equal(t, 3*time.Second, err.RetryAfter)
	assert.True(t, apierr.Is(err, apierr.CodeRateLimited))
	assert.Contains(t, err.Error(), "RATE_LIMITED")
}
