// Package provider talks to the LLM completion endpoint: one HTTP
// request per Complete call, with failures classified for the
// dispatcher, and a credential-rotating retry loop on top.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	defaultRequestTimeout    = 120 * time.Second
	defaultRateLimitCooldown = 60 * time.Second
	maxErrorBodyLen          = 500
)

// Client issues completion requests against a Gemini-shaped endpoint.
type Client struct {
	apiBase    string
	httpClient *http.Client
}

type ClientOption func(*Client)

func WithRequestTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		if timeout > 0 {
			c.httpClient.Timeout = timeout
		}
	}
}

func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

func NewClient(apiBase string, opts ...ClientOption) *Client {
	c := &Client{
		apiBase:    strings.TrimRight(apiBase, "/"),
		httpClient: &http.Client{Timeout: defaultRequestTimeout},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Complete sends one request authenticated with secret and returns the
// classified result. Every non-success outcome is one of the taxonomy
// errors in errors.go.
func (c *Client) Complete(ctx context.Context, req CompletionRequest, secret string) (*CompletionResponse, error) {
	if c.apiBase == "" {
		return nil, fmt.Errorf("API base not configured")
	}
	if req.Model == "" {
		return nil, fmt.Errorf("model not set")
	}

	body := map[string]any{
		"contents": []map[string]any{
			{
				"role":  "user",
				"parts": []map[string]any{{"text": req.Prompt}},
			},
		},
		"generationConfig": req.Generation,
	}
	if len(req.Safety) > 0 {
		body["safetySettings"] = req.Safety
	}

	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/v1beta/models/%s:generateContent", c.apiBase, url.PathEscape(req.Model))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", secret)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &RateLimitedError{
			Status:   resp.StatusCode,
			Cooldown: retryAfter(resp.Header, defaultRateLimitCooldown),
		}
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, &AuthError{Status: resp.StatusCode}
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, &GenericError{Status: resp.StatusCode, Body: truncate(string(respBody), maxErrorBodyLen)}
	}

	return parseCompletion(respBody)
}

func parseCompletion(body []byte) (*CompletionResponse, error) {
	var apiResponse struct {
		Candidates []struct {
			Content struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"content"`
			FinishReason string `json:"finishReason"`
		} `json:"candidates"`
		UsageMetadata *UsageInfo `json:"usageMetadata"`
	}

	if err := json.Unmarshal(body, &apiResponse); err != nil {
		return nil, &EmptyResponseError{}
	}
	if len(apiResponse.Candidates) == 0 {
		return nil, &EmptyResponseError{}
	}

	candidate := apiResponse.Candidates[0]
	var sb strings.Builder
	for _, part := range candidate.Content.Parts {
		sb.WriteString(part.Text)
	}
	text := sb.String()
	if strings.TrimSpace(text) == "" {
		return nil, &EmptyResponseError{}
	}

	return &CompletionResponse{
		Text:         text,
		FinishReason: candidate.FinishReason,
		Usage:        apiResponse.UsageMetadata,
	}, nil
}

// retryAfter honors a numeric or HTTP-date Retry-After header.
func retryAfter(h http.Header, fallback time.Duration) time.Duration {
	value := strings.TrimSpace(h.Get("Retry-After"))
	if value == "" {
		return fallback
	}
	if secs, err := strconv.Atoi(value); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(value); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return fallback
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}
