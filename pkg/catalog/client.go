package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// DefaultTimeout bounds individual STAC API requests.
const DefaultTimeout = 60 * time.Second

// DefaultSearchLimit is the page size for search requests.
const DefaultSearchLimit = 100

// searchPageCap stops runaway paging if the API keeps handing out next
// links.
const searchPageCap = 1000

// ErrCollectionNotFound indicates the collection does not exist in the
// STAC API.
var ErrCollectionNotFound = errors.New("collection not found")

// Collection is the subset of a STAC collection document the pipeline
// reads back from the API.
type Collection struct {
	ID     string `json:"id"`
	Title  string `json:"title,omitempty"`
	Extent Extent `json:"extent"`
}

// Extent holds a collection's spatial and temporal coverage.
type Extent struct {
	Spatial  *SpatialExtent  `json:"spatial,omitempty"`
	Temporal *TemporalExtent `json:"temporal,omitempty"`
}

// SpatialExtent is a list of bounding boxes.
type SpatialExtent struct {
	BBox [][]float64 `json:"bbox"`
}

// TemporalExtent is a list of [start, end] intervals; a nil bound means
// open-ended.
type TemporalExtent struct {
	Interval [][]*string `json:"interval"`
}

// Item is a STAC item. Geometry rides along opaquely; the pipeline
// authors null geometries and never inspects returned ones.
type Item struct {
	Type        string           `json:"type"`
	StacVersion string           `json:"stac_version"`
	ID          string           `json:"id"`
	Collection  string           `json:"collection,omitempty"`
	Geometry    json.RawMessage  `json:"geometry"`
	BBox        []float64        `json:"bbox,omitempty"`
	Properties  map[string]any   `json:"properties"`
	Assets      map[string]Asset `json:"assets"`
	Links       []Link           `json:"links"`
}

// Asset is a STAC asset reference.
type Asset struct {
	Href     string   `json:"href"`
	Type     string   `json:"type,omitempty"`
	Title    string   `json:"title,omitempty"`
	Roles    []string `json:"roles,omitempty"`
	FileSize int64    `json:"file:size,omitempty"`
}

// Link is a STAC link object.
type Link struct {
	Rel  string `json:"rel"`
	Href string `json:"href"`
	Type string `json:"type,omitempty"`
}

// SearchParams select items from the search endpoint.
type SearchParams struct {
	// Collection restricts the search to one collection.
	Collection string

	// Start and End bound the item datetimes. Both zero means no
	// datetime filter.
	Start time.Time
	End   time.Time

	// Limit is the page size. Zero selects DefaultSearchLimit.
	Limit int
}

// Client talks to a STAC API with bearer-token auth.
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

// WithBearerToken sets the Authorization token for all requests.
func WithBearerToken(token string) Option {
	return func(c *Client) {
		c.token = token
	}
}

// WithLogger sets the logger for request diagnostics.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewClient creates a Client for the STAC API rooted at host, e.g.
// "https://mmgis.example.org". The /stac prefix is appended per
// endpoint.
func NewClient(host string, opts ...Option) *Client {
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

// ItemURL renders the canonical URL of an item record.
func (c *Client) ItemURL(collectionID, itemID string) string {
	return fmt.Sprintf("%s/stac/collections/%s/items/%s", c.host, collectionID, itemID)
}

// GetCollection fetches a collection document. Returns
// ErrCollectionNotFound when the API answers 404.
func (c *Client) GetCollection(ctx context.Context, id string) (*Collection, error) {
	u := fmt.Sprintf("%s/stac/collections/%s", c.host, url.PathEscape(id))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("stac get collection %q: %w", id, err)
	}
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("stac get collection %q: %w", id, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %q", ErrCollectionNotFound, id)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("stac get collection %q: unexpected status %d: %s",
			id, resp.StatusCode, errorBody(resp.Body))
	}

	var coll Collection
	if err := json.NewDecoder(resp.Body).Decode(&coll); err != nil {
		return nil, fmt.Errorf("stac get collection %q: decode response: %w", id, err)
	}
	return &coll, nil
}

// CreateCollection POSTs a new collection document.
func (c *Client) CreateCollection(ctx context.Context, doc json.RawMessage) error {
	return c.send(ctx, http.MethodPost, c.host+"/stac/collections", doc, "stac create collection")
}

// UpdateCollection PUTs a replacement collection document.
func (c *Client) UpdateCollection(ctx context.Context, id string, doc json.RawMessage) error {
	u := fmt.Sprintf("%s/stac/collections/%s", c.host, url.PathEscape(id))
	return c.send(ctx, http.MethodPut, u, doc, fmt.Sprintf("stac update collection %q", id))
}

// BulkItems posts a batch of items into a collection. With upsert
// false the API uses insert semantics and answers a conflict when any
// item already exists; that failure is the caller's to handle.
func (c *Client) BulkItems(ctx context.Context, collectionID string, items map[string]json.RawMessage, upsert bool) error {
	method := "insert"
	if upsert {
		method = "upsert"
	}

	body, err := json.Marshal(map[string]any{"items": items, "method": method})
	if err != nil {
		return fmt.Errorf("stac bulk items: encode request: %w", err)
	}

	u := fmt.Sprintf("%s/stac/collections/%s/bulk_items", c.host, url.PathEscape(collectionID))
	if err := c.send(ctx, http.MethodPost, u, body, fmt.Sprintf("stac bulk items %q", collectionID)); err != nil {
		return err
	}

	c.logger.Debug("stac items posted",
		zap.String("collection", collectionID),
		zap.Int("count", len(items)),
		zap.String("method", method))
	return nil
}

// Search pages through the search endpoint following next links and
// returns all matching items.
func (c *Client) Search(ctx context.Context, params SearchParams) ([]Item, error) {
	limit := params.Limit
	if limit <= 0 {
		limit = DefaultSearchLimit
	}

	q := url.Values{}
	if params.Collection != "" {
		q.Set("collections", params.Collection)
	}
	if !params.Start.IsZero() || !params.End.IsZero() {
		q.Set("datetime", formatInterval(params.Start, params.End))
	}
	q.Set("limit", strconv.Itoa(limit))

	next := c.host + "/stac/search?" + q.Encode()
	var items []Item

	for page := 0; next != "" && page < searchPageCap; page++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, next, nil)
		if err != nil {
			return nil, fmt.Errorf("stac search: %w", err)
		}
		c.authorize(req)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("stac search: %w", err)
		}

		if resp.StatusCode != http.StatusOK {
			msg := errorBody(resp.Body)
			_ = resp.Body.Close()
			return nil, fmt.Errorf("stac search: unexpected status %d: %s", resp.StatusCode, msg)
		}

		var body struct {
			Features []Item `json:"features"`
			Links    []Link `json:"links"`
		}
		err = json.NewDecoder(resp.Body).Decode(&body)
		_ = resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("stac search: decode response: %w", err)
		}

		items = append(items, body.Features...)

		next = ""
		for _, link := range body.Links {
			if link.Rel == "next" {
				next = link.Href
				break
			}
		}
	}

	c.logger.Debug("stac search complete",
		zap.String("collection", params.Collection),
		zap.Int("items", len(items)))
	return items, nil
}

// send delivers a JSON body and accepts any 2xx answer.
func (c *Client) send(ctx context.Context, method, u string, body []byte, what string) error {
	req, err := http.NewRequestWithContext(ctx, method, u, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	c.authorize(req)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s: unexpected status %d: %s", what, resp.StatusCode, errorBody(resp.Body))
	}
	return nil
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// formatInterval renders a STAC datetime interval, using ".." for an
// open bound.
func formatInterval(start, end time.Time) string {
	s, e := "..", ".."
	if !start.IsZero() {
		s = start.UTC().Format(time.RFC3339)
	}
	if !end.IsZero() {
		e = end.UTC().Format(time.RFC3339)
	}
	return s + "/" + e
}

func errorBody(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, 2048))
	return strings.TrimSpace(string(b))
}
