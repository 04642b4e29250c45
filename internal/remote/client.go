// Package remote is the boundary to the backend HTTP API. The API is
// consumed as a black box: a response counts as success only when it
// carries a truthy success indicator.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrNotFound marks a successful round trip that legitimately returned no
// data. Callers must not treat it as a network failure that falls through
// to stale cache.
var ErrNotFound = errors.New("remote: resource not found")

// Result is the decoded outcome of one remote call.
type Result struct {
	Success    bool
	StatusCode int
	Data       json.RawMessage
	Message    string
}

// envelope is the wire shape of API responses.
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
}

// Client talks to the remote API with a bounded per-call timeout.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// New creates a client for baseURL. A zero timeout defaults to 30s.
func New(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
	}
}

// BaseURL returns the configured API base URL.
func (c *Client) BaseURL() string { return c.baseURL }

// Do sends one request. endpoint is a path relative to the base URL; body
// may be nil; extra headers override the defaults. A non-2xx status or a
// falsy success envelope yields Success=false with no error, so callers
// can distinguish transport failure (err != nil) from rejection.
func (c *Client) Do(ctx context.Context, method, endpoint string, body []byte, headers map[string]string) (*Result, error) {
	var reqBody *bytes.Buffer
	if body != nil {
		reqBody = bytes.NewBuffer(body)
	} else {
		reqBody = &bytes.Buffer{}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reqBody)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	res := &Result{StatusCode: resp.StatusCode}

	var env envelope
	if derr := json.NewDecoder(resp.Body).Decode(&env); derr == nil {
		res.Data = env.Data
		res.Message = env.Message
		res.Success = env.Success && resp.StatusCode >= 200 && resp.StatusCode < 300
	} else {
		// No envelope; fall back to the status code alone.
		res.Success = resp.StatusCode >= 200 && resp.StatusCode < 300
	}

	if resp.StatusCode == http.StatusNotFound {
		return res, ErrNotFound
	}
	return res, nil
}

// Get fetches an endpoint, returning the envelope data. ErrNotFound means
// the call succeeded but the resource does not exist.
func (c *Client) Get(ctx context.Context, endpoint string) (json.RawMessage, error) {
	res, err := c.Do(ctx, http.MethodGet, endpoint, nil, nil)
	if err != nil {
		return nil, err
	}
	if !res.Success {
		return nil, fmt.Errorf("remote: %s returned status %d: %s", endpoint, res.StatusCode, res.Message)
	}
	return res.Data, nil
}
