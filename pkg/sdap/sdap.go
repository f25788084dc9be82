// Package sdap registers Zarr datasets with an SDAP analytics instance.
//
// SDAP exposes an idiosyncratic management API: listing and removal are
// GET requests, and dataset registration is a POST with a YAML body.
// Registration is not trusted until the dataset shows up in a follow-up
// listing, because the add endpoint has been observed to answer success
// without the dataset actually landing.
package sdap

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// DefaultTimeout bounds individual SDAP requests.
const DefaultTimeout = 30 * time.Second

// DefaultAWSRegion is the region SDAP reads Zarr stores from.
const DefaultAWSRegion = "us-west-2"

// ErrAddVerification indicates the add call reported success but the
// dataset never appeared in the listing.
var ErrAddVerification = errors.New("dataset not present after add")

// Dataset is one entry from the SDAP dataset listing.
type Dataset struct {
	ShortName string `json:"shortName"`
}

// Coords names the dataset's coordinate variables.
type Coords struct {
	Time      string `json:"time" yaml:"time"`
	Latitude  string `json:"latitude" yaml:"latitude"`
	Longitude string `json:"longitude" yaml:"longitude"`
}

// DefaultCoords returns the conventional coordinate names.
func DefaultCoords() Coords {
	return Coords{Time: "time", Latitude: "latitude", Longitude: "longitude"}
}

// AddRequest configures a dataset registration.
type AddRequest struct {
	// Variable is the Zarr variable to register.
	Variable string

	// Coords names the coordinate variables. Zero value fields fall
	// back to the conventional names.
	Coords Coords

	// AWSRegion is where the store lives. Empty selects DefaultAWSRegion.
	AWSRegion string

	// Public marks the store as requiring no credentials.
	Public bool
}

// Client talks to the SDAP management API.
type Client struct {
	baseURL    string
	httpClient *http.Client
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

// WithInsecureTLS skips certificate verification. Dev SDAP deployments
// run self-signed.
func WithInsecureTLS() Option {
	return func(c *Client) {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
		c.httpClient = &http.Client{
			Timeout:   c.httpClient.Timeout,
			Transport: transport,
		}
	}
}

// WithLogger sets the logger for registration diagnostics.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New creates a Client for the SDAP management API at baseURL.
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

// List fetches the current datasets, bypassing SDAP's listing cache.
func (c *Client) List(ctx context.Context) ([]Dataset, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/list?nocached=true", nil)
	if err != nil {
		return nil, fmt.Errorf("sdap list: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sdap list: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("sdap list: unexpected status %d", resp.StatusCode)
	}

	var datasets []Dataset
	if err := json.NewDecoder(resp.Body).Decode(&datasets); err != nil {
		return nil, fmt.Errorf("sdap list: decode response: %w", err)
	}

	c.logger.Debug("sdap datasets listed", zap.Int("count", len(datasets)))
	return datasets, nil
}

// Has reports whether a dataset with the given short name exists.
func (c *Client) Has(ctx context.Context, name string) (bool, error) {
	datasets, err := c.List(ctx)
	if err != nil {
		return false, err
	}
	for _, d := range datasets {
		if d.ShortName == name {
			return true, nil
		}
	}
	return false, nil
}

// Remove deletes a dataset by short name. The service models removal
// as a GET request.
func (c *Client) Remove(ctx context.Context, name string) error {
	q := url.Values{}
	q.Set("name", name)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/datasets/remove?"+q.Encode(), nil)
	if err != nil {
		return fmt.Errorf("sdap remove %s: %w", name, err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sdap remove %s: %w", name, err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("sdap remove %s: unexpected status %d", name, resp.StatusCode)
	}

	c.logger.Info("sdap dataset removed", zap.String("name", name))
	return nil
}

type addBody struct {
	Variable string   `yaml:"variable"`
	Coords   Coords   `yaml:"coords"`
	AWS      awsBlock `yaml:"aws"`
}

type awsBlock struct {
	Region string `yaml:"region"`
	Public bool   `yaml:"public"`
}

type addResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// Add registers a Zarr store under the given short name and verifies
// the dataset is actually listed afterwards. A success response that
// does not survive the re-listing returns ErrAddVerification.
func (c *Client) Add(ctx context.Context, name, zarrPath string, reg AddRequest) error {
	coords := reg.Coords
	defaults := DefaultCoords()
	if coords.Time == "" {
		coords.Time = defaults.Time
	}
	if coords.Latitude == "" {
		coords.Latitude = defaults.Latitude
	}
	if coords.Longitude == "" {
		coords.Longitude = defaults.Longitude
	}

	region := reg.AWSRegion
	if region == "" {
		region = DefaultAWSRegion
	}

	body, err := yaml.Marshal(addBody{
		Variable: reg.Variable,
		Coords:   coords,
		AWS:      awsBlock{Region: region, Public: reg.Public},
	})
	if err != nil {
		return fmt.Errorf("sdap add %s: encode body: %w", name, err)
	}

	q := url.Values{}
	q.Set("name", name)
	q.Set("path", zarrPath)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/datasets/add?"+q.Encode(), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("sdap add %s: %w", name, err)
	}
	req.Header.Set("Content-Type", "application/yaml")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sdap add %s: %w", name, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("sdap add %s: read response: %w", name, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("sdap add %s: unexpected status %d: %s", name, resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var ar addResponse
	if err := json.Unmarshal(data, &ar); err != nil {
		return fmt.Errorf("sdap add %s: decode response: %w", name, err)
	}
	if !ar.Success {
		return fmt.Errorf("sdap add %s: service reported failure: %s", name, ar.Message)
	}

	present, err := c.Has(ctx, name)
	if err != nil {
		return fmt.Errorf("sdap add %s: verify: %w", name, err)
	}
	if !present {
		return fmt.Errorf("sdap add %s: %w", name, ErrAddVerification)
	}

	c.logger.Info("sdap dataset registered",
		zap.String("name", name),
		zap.String("path", zarrPath),
		zap.String("variable", reg.Variable))
	return nil
}

// CoordsFromConfig extracts coordinate names from a conversion config.
// A config without a coordinates block, or with a partial one, is
// completed with the conventional names.
func CoordsFromConfig(r io.Reader) (Coords, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return Coords{}, fmt.Errorf("read conversion config: %w", err)
	}

	var cfg struct {
		Coordinates *Coords `yaml:"coordinates"`
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Coords{}, fmt.Errorf("parse conversion config: %w", err)
	}

	coords := DefaultCoords()
	if cfg.Coordinates != nil {
		if cfg.Coordinates.Time != "" {
			coords.Time = cfg.Coordinates.Time
		}
		if cfg.Coordinates.Latitude != "" {
			coords.Latitude = cfg.Coordinates.Latitude
		}
		if cfg.Coordinates.Longitude != "" {
			coords.Longitude = cfg.Coordinates.Longitude
		}
	}
	return coords, nil
}
