// Package cmr searches the CMR granule index and downloads granule
// data for staging.
package cmr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

// DefaultHost is the public CMR search endpoint.
const DefaultHost = "https://cmr.earthdata.nasa.gov"

// DefaultTimeout bounds search requests. Downloads stream granule data
// and are bounded by the caller's context instead.
const DefaultTimeout = 30 * time.Second

// dataRel marks a granule link that points at the actual data file.
const dataRel = "http://esipfed.org/ns/fedsearch/1.1/data#"

var (
	// ErrGranuleNotFound indicates the search matched no granules.
	ErrGranuleNotFound = errors.New("granule not found")

	// ErrNoDataURL indicates the granule exists but exposes no
	// downloadable data link.
	ErrNoDataURL = errors.New("granule has no data access URL")
)

// Granule is one search result.
type Granule struct {
	// ConceptID is the CMR granule concept id.
	ConceptID string

	// GranuleUR is the producer-facing granule name.
	GranuleUR string

	// DataURL is the first online-access link for the data file.
	DataURL string
}

// Client searches granules and downloads their data files.
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

// WithBearerToken sets an Earthdata bearer token on every request.
func WithBearerToken(token string) Option {
	return func(c *Client) {
		c.token = token
	}
}

// WithLogger sets the logger for search and download diagnostics.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New creates a Client for the CMR API at host. An empty host selects
// the public endpoint.
func New(host string, opts ...Option) *Client {
	if host == "" {
		host = DefaultHost
	}
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

type granuleFeed struct {
	Feed struct {
		Entry []granuleEntry `json:"entry"`
	} `json:"feed"`
}

type granuleEntry struct {
	ID                string        `json:"id"`
	Title             string        `json:"title"`
	ProducerGranuleID string        `json:"producer_granule_id"`
	Links             []granuleLink `json:"links"`
}

type granuleLink struct {
	Rel       string `json:"rel"`
	Href      string `json:"href"`
	Inherited bool   `json:"inherited"`
}

// SearchGranule looks up a granule by readable name within a
// collection. Zero matches return ErrGranuleNotFound; more than one
// match logs a warning and keeps the first, mirroring how ambiguous
// producer ids are handled upstream.
func (c *Client) SearchGranule(ctx context.Context, collectionConceptID, granuleName string) (*Granule, error) {
	q := url.Values{}
	q.Set("collection_concept_id", collectionConceptID)
	q.Set("readable_granule_name", granuleName)
	q.Set("page_size", "2")

	searchURL := c.host + "/search/granules.json?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, searchURL, nil)
	if err != nil {
		return nil, fmt.Errorf("cmr search: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	c.setAuth(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("cmr search: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("cmr search: unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var feed granuleFeed
	if err := json.NewDecoder(resp.Body).Decode(&feed); err != nil {
		return nil, fmt.Errorf("cmr search: decode response: %w", err)
	}

	entries := feed.Feed.Entry
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: %q in collection %q", ErrGranuleNotFound, granuleName, collectionConceptID)
	}
	if len(entries) > 1 {
		c.logger.Warn("multiple granules matched, using the first result",
			zap.String("granule", granuleName),
			zap.String("collection", collectionConceptID))
	}

	entry := entries[0]
	if entry.Title == "" {
		return nil, fmt.Errorf("%w: search result for %q carries no granule UR", ErrGranuleNotFound, granuleName)
	}

	g := &Granule{
		ConceptID: entry.ID,
		GranuleUR: entry.Title,
		DataURL:   firstDataLink(entry.Links),
	}
	if g.DataURL == "" {
		return nil, fmt.Errorf("%w: %q", ErrNoDataURL, g.GranuleUR)
	}

	c.logger.Info("granule found",
		zap.String("granule_ur", g.GranuleUR),
		zap.String("concept_id", g.ConceptID))
	return g, nil
}

// Download streams the file at dataURL into destDir, creating the
// directory when needed. The local filename is the URL path basename.
// Returns the path of the written file.
func (c *Client) Download(ctx context.Context, dataURL, destDir string) (string, error) {
	name, err := fileNameFromURL(dataURL)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", fmt.Errorf("create download directory: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, dataURL, nil)
	if err != nil {
		return "", fmt.Errorf("download granule: %w", err)
	}
	c.setAuth(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("download granule: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download granule: unexpected status %d for %s", resp.StatusCode, dataURL)
	}

	dest := filepath.Join(destDir, name)
	f, err := os.Create(dest)
	if err != nil {
		return "", fmt.Errorf("download granule: %w", err)
	}

	written, err := io.Copy(f, resp.Body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(dest)
		return "", fmt.Errorf("download granule: write %s: %w", dest, err)
	}

	c.logger.Info("granule downloaded",
		zap.String("path", dest),
		zap.Int64("bytes", written))
	return dest, nil
}

func (c *Client) setAuth(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// firstDataLink returns the href of the first non-inherited data link.
func firstDataLink(links []granuleLink) string {
	for _, l := range links {
		if l.Rel == dataRel && !l.Inherited {
			return l.Href
		}
	}
	return ""
}

// fileNameFromURL extracts the path basename, dropping any query.
func fileNameFromURL(dataURL string) (string, error) {
	u, err := url.Parse(dataURL)
	if err != nil {
		return "", fmt.Errorf("download granule: parse url: %w", err)
	}
	name := path.Base(u.Path)
	if name == "" || name == "." || name == "/" {
		return "", fmt.Errorf("download granule: no file name in %s", dataURL)
	}
	return name, nil
}
