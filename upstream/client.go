// Package upstream is a client for the remote workflow executor's
// blocking run API (POST /v1/workflows/run).
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"

	"github.com/c360studio/examgate/pipeline"
)

// maxResponseSize limits the response body to prevent memory exhaustion.
const maxResponseSize = 10 * 1024 * 1024 // 10MB

// RunStatusSucceeded is the status of a successful run.
const RunStatusSucceeded = "succeeded"

// RunRequest is the body of a workflow run.
type RunRequest struct {
	Inputs       map[string]any  `json:"inputs"`
	ResponseMode string          `json:"response_mode"`
	User         string          `json:"user"`
	Files        []pipeline.File `json:"files,omitempty"`
}

// RunResponse is the blocking-mode response of a workflow run.
type RunResponse struct {
	WorkflowRunID string  `json:"workflow_run_id"`
	TaskID        string  `json:"task_id"`
	Data          RunData `json:"data"`
}

// RunData carries the run outcome.
type RunData struct {
	ID          string         `json:"id"`
	WorkflowID  string         `json:"workflow_id"`
	Status      string         `json:"status"`
	Outputs     map[string]any `json:"outputs"`
	Error       string         `json:"error,omitempty"`
	ElapsedTime float64        `json:"elapsed_time"`
	TotalTokens int            `json:"total_tokens"`
}

// Client runs workflows with retry on transient failures.
type Client struct {
	baseURL     string
	apiKey      string
	keys        map[string]string
	httpClient  *http.Client
	retryConfig RetryConfig
	logger      *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(client *Client) {
		client.httpClient = c
	}
}

// WithRetryConfig sets the retry configuration.
func WithRetryConfig(cfg RetryConfig) ClientOption {
	return func(client *Client) {
		client.retryConfig = cfg
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(client *Client) {
		if logger != nil {
			client.logger = logger
		}
	}
}

// WithWorkflowKeys sets per-workflow API keys that take precedence over the
// default key.
func WithWorkflowKeys(keys map[string]string) ClientOption {
	return func(client *Client) {
		client.keys = make(map[string]string, len(keys))
		for id, key := range keys {
			id, key = strings.TrimSpace(id), strings.TrimSpace(key)
			if id != "" && key != "" {
				client.keys[id] = key
			}
		}
	}
}

// NewClient creates a client for baseURL using apiKey by default.
func NewClient(baseURL, apiKey string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		apiKey:      apiKey,
		retryConfig: DefaultRetryConfig(),
		// Per-run deadlines come from the caller's context.
		httpClient: &http.Client{},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Configured reports whether a base URL and at least one key are set.
func (c *Client) Configured() bool {
	return c.baseURL != "" && (c.apiKey != "" || len(c.keys) > 0)
}

func (c *Client) keyFor(workflowID string) string {
	if k, ok := c.keys[workflowID]; ok {
		return k
	}
	return c.apiKey
}

// Run executes a workflow and returns its successful response. A positive
// timeout bounds the whole run including retries.
func (c *Client) Run(ctx context.Context, workflowID string, req RunRequest, timeout time.Duration) (*RunResponse, error) {
	key := c.keyFor(workflowID)
	if c.baseURL == "" || key == "" {
		return nil, withWorkflow(NewFatalError(KindNotConfigured, errors.New("base url or api key missing")), workflowID)
	}
	if req.ResponseMode == "" {
		req.ResponseMode = "blocking"
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, withWorkflow(NewFatalError(KindTransport, fmt.Errorf("marshal run request: %w", err)), workflowID)
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	resp, err := c.runWithRetry(ctx, key, body)
	if err != nil {
		return nil, withWorkflow(err, workflowID)
	}
	return resp, nil
}

func (c *Client) runWithRetry(ctx context.Context, key string, body []byte) (*RunResponse, error) {
	attempts := c.retryConfig.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		resp, err := c.doRequest(ctx, key, body)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if !IsTransient(err) {
			return nil, err
		}

		if attempt < attempts {
			backoff := c.calculateBackoff(attempt)
			if dl, ok := ctx.Deadline(); ok && time.Until(dl) <= backoff {
				return nil, err
			}
			c.logger.Debug("Workflow run failed, retrying",
				"attempt", attempt,
				"max_attempts", attempts,
				"backoff", backoff,
				"error", err)

			select {
			case <-ctx.Done():
				return nil, contextError(ctx)
			case <-time.After(backoff):
			}
		}
	}
	return nil, lastErr
}

// calculateBackoff computes exponential backoff duration with jitter.
func (c *Client) calculateBackoff(attempt int) time.Duration {
	multiplier := 1.0
	for i := 1; i < attempt; i++ {
		multiplier *= c.retryConfig.BackoffMultiplier
	}

	backoff := time.Duration(float64(c.retryConfig.BackoffBase) * multiplier)
	if backoff > c.retryConfig.MaxBackoff {
		backoff = c.retryConfig.MaxBackoff
	}

	// Add jitter: +/- 25% to prevent synchronized retries
	jitter := float64(backoff) * 0.25 * (rand.Float64()*2 - 1)
	return backoff + time.Duration(jitter)
}

// doRequest executes a single HTTP request.
func (c *Client) doRequest(ctx context.Context, key string, body []byte) (*RunResponse, error) {
	url := c.baseURL + "/v1/workflows/run"

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, NewFatalError(KindTransport, fmt.Errorf("create HTTP request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+key)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, contextError(ctx)
		}
		return nil, NewTransientError(KindTransport, fmt.Errorf("HTTP request failed: %w", err))
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseSize))
	if err != nil {
		if ctx.Err() != nil {
			return nil, contextError(ctx)
		}
		return nil, NewTransientError(KindTransport, fmt.Errorf("read response body: %w", err))
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, classifyHTTPError(httpResp.StatusCode, respBody)
	}

	var parsed RunResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, NewFatalError(KindMalformed, fmt.Errorf("decode run response: %w", err))
	}
	if parsed.Data.Status != RunStatusSucceeded {
		msg := parsed.Data.Error
		if msg == "" {
			msg = "no error message"
		}
		return nil, NewFatalError(KindMalformed, fmt.Errorf("run status %q: %s", parsed.Data.Status, msg))
	}
	if parsed.Data.Outputs == nil {
		parsed.Data.Outputs = map[string]any{}
	}
	return &parsed, nil
}

func contextError(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return NewFatalError(KindTimeout, ctx.Err())
	}
	return NewFatalError(KindTransport, ctx.Err())
}

// classifyHTTPError determines if an HTTP error is transient or fatal.
func classifyHTTPError(statusCode int, body []byte) error {
	bodyStr := string(body)
	if len(bodyStr) > 200 {
		bodyStr = bodyStr[:200] + "..."
	}

	err := &Error{Kind: KindHTTP, StatusCode: statusCode, err: fmt.Errorf("status %d: %s", statusCode, bodyStr)}
	switch {
	case statusCode == http.StatusTooManyRequests, statusCode >= 500:
		err.transient = true
	}
	return err
}
