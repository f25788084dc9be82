// Package executor provides a client for a remote job execution API.
//
// Jobs are submitted by algorithm name and polled to completion by ID.
// A rejected submission is not an error: the executor answers with an
// id-less payload and the caller decides whether the pipeline can
// proceed without that job. Transport and encoding failures are the
// only error returns from Submit.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// DefaultTimeout bounds individual HTTP requests to the executor API.
const DefaultTimeout = 30 * time.Second

// maxErrorBody caps how much of an error response body is retained.
const maxErrorBody = 2048

// Client talks to a remote job executor over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
	token      string
	logger     *zap.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithBearerToken sets an Authorization bearer token on every request.
func WithBearerToken(token string) Option {
	return func(c *Client) {
		c.token = token
	}
}

// WithLogger sets the logger for submission and polling diagnostics.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New creates a Client for the executor at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: DefaultTimeout},
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type submitRequest struct {
	Algorithm  string            `json:"algorithm"`
	Version    string            `json:"version"`
	Queue      string            `json:"queue"`
	Identifier string            `json:"identifier"`
	Params     map[string]string `json:"params,omitempty"`
}

type submitResponse struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	ErrorDetails string `json:"error_details"`
	Message      string `json:"message"`
}

type statusResponse struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	ErrorDetails string `json:"error_details"`
}

type resultsResponse struct {
	ID      string   `json:"id"`
	Results []string `json:"results"`
}

// Submit sends a job to the executor. Any HTTP response, success or
// not, yields a handle: an id-less response is a rejection recorded on
// the handle via ErrorDetail and ResponseCode, not an error return.
// Submit returns an error only for an invalid spec or a transport or
// encoding failure.
func (c *Client) Submit(ctx context.Context, spec JobSpec) (*Handle, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	body, err := json.Marshal(submitRequest{
		Algorithm:  spec.Algorithm,
		Version:    spec.Version,
		Queue:      spec.Queue,
		Identifier: spec.Identifier,
		Params:     spec.Params,
	})
	if err != nil {
		return nil, fmt.Errorf("encode job %s: %w", spec.Identifier, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/jobs", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("submit job %s: %w", spec.Identifier, err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.setCommonHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("submit job %s: %w", spec.Identifier, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("submit job %s: read response: %w", spec.Identifier, err)
	}

	h := &Handle{
		Identifier:   spec.Identifier,
		ResponseCode: resp.StatusCode,
	}

	var sr submitResponse
	if err := json.Unmarshal(data, &sr); err == nil {
		h.ID = sr.ID
		if sr.Status != "" {
			h.setStatus(sr.Status)
		}
		h.ErrorDetail = sr.ErrorDetails
		if h.ErrorDetail == "" {
			h.ErrorDetail = sr.Message
		}
	} else {
		h.ErrorDetail = truncate(strings.TrimSpace(string(data)), maxErrorBody)
	}

	if h.Rejected() {
		c.logger.Warn("job submission rejected",
			zap.String("identifier", spec.Identifier),
			zap.String("algorithm", spec.Algorithm),
			zap.Int("response_code", h.ResponseCode),
			zap.String("error", ResolveError(h)))
		return h, nil
	}

	if h.Status == "" {
		h.setStatus(string(StatusAccepted))
	}

	c.logger.Info("job submitted",
		zap.String("identifier", spec.Identifier),
		zap.String("algorithm", spec.Algorithm),
		zap.String("job_id", h.ID))
	return h, nil
}

// Refresh fetches the current status for a handle's job and records it
// on the handle. Only the cached status fields are mutated; identity
// fields set at submission are never touched.
func (c *Client) Refresh(ctx context.Context, h *Handle) (Status, error) {
	if h.Rejected() {
		return "", ErrNoJobID
	}

	url := fmt.Sprintf("%s/api/jobs/%s/status", c.baseURL, h.ID)
	var sr statusResponse
	if err := c.getJSON(ctx, "status", url, &sr); err != nil {
		return "", err
	}

	status := h.setStatus(sr.Status)
	if sr.ErrorDetails != "" {
		h.ErrorDetail = sr.ErrorDetails
	}

	c.logger.Debug("job status",
		zap.String("job_id", h.ID),
		zap.String("status", sr.Status))
	return status, nil
}

// Results fetches the output locations for a completed job. The list
// is cached on the handle after the first successful fetch.
func (c *Client) Results(ctx context.Context, h *Handle) ([]string, error) {
	if h.Rejected() {
		return nil, ErrNoJobID
	}
	if h.results != nil {
		return h.results, nil
	}

	url := fmt.Sprintf("%s/api/jobs/%s/results", c.baseURL, h.ID)
	var rr resultsResponse
	if err := c.getJSON(ctx, "results", url, &rr); err != nil {
		return nil, err
	}

	h.results = rr.Results
	return h.results, nil
}

func (c *Client) getJSON(ctx context.Context, op, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("executor %s: %w", op, err)
	}
	c.setCommonHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("executor %s: %w", op, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("executor %s: read response: %w", op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{
			Op:   op,
			Code: resp.StatusCode,
			Body: truncate(strings.TrimSpace(string(data)), maxErrorBody),
		}
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("executor %s: decode response: %w", op, err)
	}
	return nil
}

func (c *Client) setCommonHeaders(req *http.Request) {
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// APIError is returned when the executor API answers with a
// non-success HTTP status.
type APIError struct {
	Op   string
	Code int
	Body string
}

func (e *APIError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("executor %s: unexpected status %d", e.Op, e.Code)
	}
	return fmt.Sprintf("executor %s: unexpected status %d: %s", e.Op, e.Code, e.Body)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
