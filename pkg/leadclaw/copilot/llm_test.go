package copilot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLLM(t *testing.T, handler http.HandlerFunc) *LLMClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := DefaultConfig()
	cfg.API.BaseURL = srv.URL + "/"
	cfg.API.APIKey = "sk-test"
	cfg.API.Timeout = 2 * time.Second
	cfg.API.MaxRetries = 2
	c := NewLLMClient(cfg, nil)
	c.backoff = time.Millisecond
	return c
}

func completion(content string) string {
	return fmt.Sprintf(`{"choices":[{"message":{"content":%q},"finish_reason":"stop"}],"usage":{"prompt_tokens":10,"completion_tokens":5}}`, content)
}

func TestLLMComplete(t *testing.T) {
	var got chatRequest
	c := newTestLLM(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		fmt.Fprint(w, completion("  Claro, con gusto.  "))
	})

	reply, err := c.Complete(context.Background(), "system prompt", "¿Qué tasas manejan?")
	require.NoError(t, err)
	assert.Equal(t, "Claro, con gusto.", reply)

	require.Len(t, got.Messages, 2)
	assert.Equal(t, "system", got.Messages[0].Role)
	assert.Equal(t, "system prompt", got.Messages[0].Content)
	assert.Equal(t, "user", got.Messages[1].Role)
	assert.Equal(t, "¿Qué tasas manejan?", got.Messages[1].Content)
	assert.Equal(t, "gpt-4o-mini", got.Model)
	assert.Nil(t, got.MaxTokens)
}

func TestLLMCompleteRetriesTransientErrors(t *testing.T) {
	var calls atomic.Int32
	c := newTestLLM(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "upstream unavailable", http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, completion("ok"))
	})

	reply, err := c.Complete(context.Background(), "", "hola")
	require.NoError(t, err)
	assert.Equal(t, "ok", reply)
	assert.Equal(t, int32(2), calls.Load())
}

func TestLLMCompleteGivesUpAfterMaxRetries(t *testing.T) {
	var calls atomic.Int32
	c := newTestLLM(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "boom", http.StatusInternalServerError)
	})

	_, err := c.Complete(context.Background(), "", "hola")
	require.Error(t, err)
	assert.Equal(t, LLMErrorRetryable, ErrorKind(err))
	assert.Equal(t, int32(3), calls.Load())
}

func TestLLMCompleteDoesNotRetryAuth(t *testing.T) {
	var calls atomic.Int32
	c := newTestLLM(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, `{"error":{"message":"Invalid API key"}}`, http.StatusUnauthorized)
	})

	_, err := c.Complete(context.Background(), "", "hola")
	require.Error(t, err)
	assert.Equal(t, LLMErrorAuth, ErrorKind(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestLLMCompleteErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"no choices", `{"choices":[]}`},
		{"error object", `{"error":{"message":"model not found","type":"invalid_request_error"}}`},
		{"invalid json", `not json`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestLLM(t, func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprint(w, tt.body)
			})
			_, err := c.Complete(context.Background(), "", "hola")
			assert.Error(t, err)
		})
	}
}

func TestLLMCompleteHonorsContext(t *testing.T) {
	c := newTestLLM(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "busy", http.StatusServiceUnavailable)
	})
	c.backoff = time.Hour

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.Complete(ctx, "", "hola")
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "err = %v", err)
}

func TestClassifyAPIError(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
		body       string
		expected   LLMErrorKind
	}{
		{"rate limit 429", 429, `{"error": {"message": "Rate limit exceeded"}}`, LLMErrorRateLimit},
		{"server error 500", 500, `{"error": {"message": "Internal server error"}}`, LLMErrorRetryable},
		{"bad gateway 502", 502, "", LLMErrorRetryable},
		{"auth error 401", 401, `{"error": {"message": "Invalid API key"}}`, LLMErrorAuth},
		{"forbidden 403", 403, `{"error": {"message": "Access denied"}}`, LLMErrorAuth},
		{"billing error 402", 402, `{"error": {"message": "Insufficient credits"}}`, LLMErrorBilling},
		{"quota in body", 429, `{"error": {"code": "insufficient_quota"}}`, LLMErrorBilling},
		{"bad request 400", 400, `{"error": {"message": "Invalid request"}}`, LLMErrorBadRequest},
		{"overloaded 529", 529, `{"error": {"type": "overloaded_error"}}`, LLMErrorOverloaded},
		{"timeout 408", 408, "", LLMErrorTimeout},
		{"not found 404", 404, "", LLMErrorFatal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, classifyAPIError(tt.statusCode, tt.body))
		})
	}
}

func TestErrorKindRetryable(t *testing.T) {
	assert.True(t, LLMErrorRateLimit.IsRetryableKind())
	assert.True(t, LLMErrorTimeout.IsRetryableKind())
	assert.False(t, LLMErrorAuth.IsRetryableKind())
	assert.False(t, LLMErrorBilling.IsRetryableKind())
	assert.Equal(t, LLMErrorFatal, ErrorKind(errors.New("other")))
	assert.Equal(t, LLMErrorTimeout, ErrorKind(fmt.Errorf("wrapped: %w", context.DeadlineExceeded)))
}
