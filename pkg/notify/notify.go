// Package notify sends best-effort run notifications to the CMSS
// logging service.
//
// Every method is fire-and-forget: failures are logged and swallowed,
// so a notification outage can never abort a pipeline run. A client
// constructed with an empty host disables all notifications silently.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// DefaultTimeout bounds individual notification requests.
const DefaultTimeout = 10 * time.Second

// Client delivers notifications to a CMSS host over HTTP.
type Client struct {
	host       string
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

// WithBearerToken sets the token sent with product notifications.
// The log endpoint is unauthenticated and never carries it.
func WithBearerToken(token string) Option {
	return func(c *Client) {
		c.token = token
	}
}

// WithLogger sets the logger for delivery diagnostics.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New creates a Client for the CMSS service at host. An empty host
// yields a disabled client whose methods do nothing.
func New(host string, opts ...Option) *Client {
	c := &Client{
		host:       strings.TrimRight(host, "/"),
		httpClient: &http.Client{Timeout: DefaultTimeout},
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Enabled reports whether a notification host is configured.
func (c *Client) Enabled() bool {
	return c.host != ""
}

// Product describes a finished pipeline product for the availability
// notification. OGC lists catalog item URLs and is omitted for
// products that never reach the catalog (GeoPackage publication).
type Product struct {
	ConceptID string   `json:"concept_id"`
	OGC       []string `json:"ogc,omitempty"`
	URIs      []string `json:"uris"`
	JobID     string   `json:"job_id,omitempty"`
}

type logRequest struct {
	Level   string `json:"level"`
	MsgBody string `json:"msg_body"`
}

// Log sends an informational message to the CMSS log endpoint.
func (c *Client) Log(ctx context.Context, message string) {
	if c.host == "" {
		c.logger.Debug("notification host not configured, skipping log")
		return
	}
	c.post(ctx, "log", logRequest{Level: "info", MsgBody: message}, false)
}

// ProductAvailable announces a finished product to the CMSS product
// endpoint.
func (c *Client) ProductAvailable(ctx context.Context, p Product) {
	if c.host == "" {
		c.logger.Debug("notification host not configured, skipping product notification")
		return
	}
	c.post(ctx, "product", p, true)
}

// post delivers one notification. Every failure mode is reduced to a
// warning.
func (c *Client) post(ctx context.Context, endpoint string, payload any, withAuth bool) {
	body, err := json.Marshal(payload)
	if err != nil {
		c.logger.Warn("encode notification",
			zap.String("endpoint", endpoint),
			zap.Error(err))
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.host+"/"+endpoint, bytes.NewReader(body))
	if err != nil {
		c.logger.Warn("build notification request",
			zap.String("endpoint", endpoint),
			zap.Error(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if withAuth && c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("notification failed",
			zap.String("endpoint", endpoint),
			zap.Error(err))
		return
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		c.logger.Warn("notification rejected",
			zap.String("endpoint", endpoint),
			zap.Int("status", resp.StatusCode))
		return
	}

	c.logger.Debug("notification delivered", zap.String("endpoint", endpoint))
}
