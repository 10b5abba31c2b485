// Package copilot – llm.go is a minimal client for OpenAI-compatible chat
// completion endpoints.
package copilot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// LLMClient handles communication with the LLM provider API.
type LLMClient struct {
	baseURL     string
	apiKey      string
	model       string
	maxTokens   int
	temperature *float64
	maxRetries  int
	timeout     time.Duration
	backoff     time.Duration
	httpClient  *http.Client
	logger      *slog.Logger
}

// NewLLMClient creates a new LLM client from config.
func NewLLMClient(cfg *Config, logger *slog.Logger) *LLMClient {
	if logger == nil {
		logger = slog.Default()
	}
	baseURL := cfg.API.BaseURL
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	timeout := cfg.API.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &LLMClient{
		baseURL:     strings.TrimRight(baseURL, "/"),
		apiKey:      cfg.API.APIKey,
		model:       cfg.Model,
		maxTokens:   cfg.API.MaxTokens,
		temperature: cfg.API.Temperature,
		maxRetries:  cfg.API.MaxRetries,
		timeout:     timeout,
		backoff:     time.Second,
		httpClient: &http.Client{
			// Each call uses context.WithTimeout instead of a global timeout.
			Transport: &http.Transport{
				MaxIdleConns:          10,
				MaxIdleConnsPerHost:   5,
				IdleConnTimeout:       120 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ResponseHeaderTimeout: timeout,
			},
		},
		logger: logger.With("component", "llm"),
	}
}

// chatMessage represents a message in the OpenAI chat format.
type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// chatRequest is the OpenAI-compatible chat completions request.
type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
}

// chatResponse is the OpenAI-compatible chat completions response.
type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// ---------- Error Classification ----------

// LLMErrorKind classifies API errors for retry decisions and logs.
type LLMErrorKind int

const (
	LLMErrorRetryable  LLMErrorKind = iota // generic retryable (transient 5xx)
	LLMErrorRateLimit                      // 429, should respect Retry-After
	LLMErrorOverloaded                     // 529 or "overloaded" in body
	LLMErrorTimeout                        // request timeout / deadline exceeded
	LLMErrorAuth                           // 401, 403: invalid or expired API key
	LLMErrorBilling                        // 402 or billing-related in body
	LLMErrorBadRequest                     // 400: malformed request
	LLMErrorFatal                          // everything else
)

// String returns a label for the error kind.
func (k LLMErrorKind) String() string {
	switch k {
	case LLMErrorRetryable:
		return "retryable"
	case LLMErrorRateLimit:
		return "rate_limit"
	case LLMErrorOverloaded:
		return "overloaded"
	case LLMErrorTimeout:
		return "timeout"
	case LLMErrorAuth:
		return "auth"
	case LLMErrorBilling:
		return "billing"
	case LLMErrorBadRequest:
		return "bad_request"
	case LLMErrorFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// IsRetryableKind returns true if the error kind warrants retrying.
func (k LLMErrorKind) IsRetryableKind() bool {
	return k == LLMErrorRetryable || k == LLMErrorRateLimit || k == LLMErrorOverloaded || k == LLMErrorTimeout
}

// apiError captures HTTP status, body, and optional Retry-After for 429.
type apiError struct {
	statusCode    int
	body          string
	retryAfterSec int
	kind          LLMErrorKind
}

func (e *apiError) Error() string {
	return fmt.Sprintf("API returned %d (%s): %s", e.statusCode, e.kind, truncate(e.body, 200))
}

// ErrorKind returns the classification of err, or LLMErrorFatal for errors
// that did not come from the API.
func ErrorKind(err error) LLMErrorKind {
	var apiErr *apiError
	if errors.As(err, &apiErr) {
		return apiErr.kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return LLMErrorTimeout
	}
	return LLMErrorFatal
}

// classifyAPIError determines the error kind from status code and body.
func classifyAPIError(statusCode int, body string) LLMErrorKind {
	bodyLower := strings.ToLower(body)

	if statusCode == 402 ||
		strings.Contains(bodyLower, "billing") ||
		strings.Contains(bodyLower, "insufficient_quota") ||
		strings.Contains(bodyLower, "payment required") {
		return LLMErrorBilling
	}

	if statusCode == 429 ||
		strings.Contains(bodyLower, "rate_limit") ||
		strings.Contains(bodyLower, "rate limit") ||
		strings.Contains(bodyLower, "too many requests") {
		return LLMErrorRateLimit
	}

	if statusCode == 529 || strings.Contains(bodyLower, "overloaded") {
		return LLMErrorOverloaded
	}

	if statusCode == 408 ||
		strings.Contains(bodyLower, "timeout") ||
		strings.Contains(bodyLower, "timed out") {
		return LLMErrorTimeout
	}

	switch {
	case statusCode == 400:
		return LLMErrorBadRequest
	case statusCode == 401 || statusCode == 403:
		return LLMErrorAuth
	case statusCode >= 500:
		return LLMErrorRetryable
	default:
		return LLMErrorFatal
	}
}

// ---------- Public Methods ----------

// Complete sends one system prompt and one user turn and returns the reply
// text. Transient failures are retried up to the configured limit.
func (c *LLMClient) Complete(ctx context.Context, systemPrompt, userMessage string) (string, error) {
	messages := make([]chatMessage, 0, 2)
	if systemPrompt != "" {
		messages = append(messages, chatMessage{Role: "system", Content: systemPrompt})
	}
	messages = append(messages, chatMessage{Role: "user", Content: userMessage})

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			wait := c.backoff * time.Duration(attempt)
			var apiErr *apiError
			if errors.As(lastErr, &apiErr) && apiErr.retryAfterSec > 0 {
				wait = time.Duration(apiErr.retryAfterSec) * time.Second
			}
			c.logger.Warn("retrying chat completion",
				"attempt", attempt, "wait_ms", wait.Milliseconds(), "error", lastErr)
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(wait):
			}
		}

		content, err := c.completeOnce(ctx, messages)
		if err == nil {
			return content, nil
		}
		lastErr = err
		if !ErrorKind(err).IsRetryableKind() || ctx.Err() != nil {
			break
		}
	}
	return "", lastErr
}

// completeOnce performs a single chat completion request.
func (c *LLMClient) completeOnce(ctx context.Context, messages []chatMessage) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	reqBody := chatRequest{
		Model:       c.model,
		Messages:    messages,
		Temperature: c.temperature,
	}
	if c.maxTokens > 0 {
		reqBody.MaxTokens = &c.maxTokens
	}

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}

	endpoint := c.baseURL + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(bodyBytes))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	c.logger.Debug("sending chat completion", "model", c.model, "messages", len(messages))

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("API request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", fmt.Errorf("reading response: %w", err)
	}
	bodyStr := string(respBody)

	if resp.StatusCode != http.StatusOK {
		apiErr := &apiError{
			statusCode: resp.StatusCode,
			body:       bodyStr,
			kind:       classifyAPIError(resp.StatusCode, bodyStr),
		}
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if sec, err := strconv.Atoi(ra); err == nil && sec > 0 {
				apiErr.retryAfterSec = sec
			}
		}
		c.logger.Error("API error",
			"model", c.model,
			"status", resp.StatusCode,
			"kind", apiErr.kind.String(),
			"body", truncate(bodyStr, 500),
		)
		return "", apiErr
	}

	var chatResp chatResponse
	if err := json.Unmarshal(respBody, &chatResp); err != nil {
		return "", fmt.Errorf("parsing response: %w", err)
	}
	if chatResp.Error != nil {
		return "", &apiError{
			statusCode: resp.StatusCode,
			body:       chatResp.Error.Message,
			kind:       classifyAPIError(resp.StatusCode, chatResp.Error.Message),
		}
	}
	if len(chatResp.Choices) == 0 {
		return "", fmt.Errorf("no response from model")
	}

	choice := chatResp.Choices[0]
	c.logger.Info("chat completion done",
		"model", c.model,
		"duration_ms", time.Since(start).Milliseconds(),
		"prompt_tokens", chatResp.Usage.PromptTokens,
		"completion_tokens", chatResp.Usage.CompletionTokens,
		"finish_reason", choice.FinishReason,
	)
	return strings.TrimSpace(choice.Message.Content), nil
}

// truncate shortens s to at most n bytes for log output.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
