// Package geoserver publishes GeoPackage stores to a GeoServer
// instance over its REST API.
//
// GeoServer wraps every collection response in a doubled envelope
// ({"workspaces":{"workspace":[...]}}) and answers an empty string
// where an empty object would be expected; the listing helpers
// normalize both shapes. Uploading a GeoPackage makes GeoServer
// auto-publish its tables as layers, appending a numeric suffix when a
// name is already taken, so Publish reconciles the layer list by
// diffing it before and after the upload.
package geoserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

// DefaultTimeout bounds GeoServer requests. It is sized for GeoPackage
// uploads, not just the listing calls.
const DefaultTimeout = 2 * time.Minute

// DefaultPollInterval is the pause between layer listings while
// waiting for GeoServer to auto-publish an uploaded store.
const DefaultPollInterval = 2 * time.Second

// publishPollAttempts caps how many layer listings Publish tries
// before giving up on the diff.
const publishPollAttempts = 5

// ErrNoLayersPublished indicates an upload succeeded but no new layer
// appeared in the workspace afterwards.
var ErrNoLayersPublished = errors.New("no layers published from GeoPackage")

// Workspace is one entry from the workspace listing.
type Workspace struct {
	Name string `json:"name"`
	Href string `json:"href,omitempty"`
}

// DataStore is one entry from a workspace's datastore listing.
type DataStore struct {
	Name string `json:"name"`
	Href string `json:"href,omitempty"`
}

// Layer is one entry from a workspace's layer listing.
type Layer struct {
	Name string `json:"name"`
	Href string `json:"href,omitempty"`
}

// Client talks to the GeoServer REST API using basic auth.
type Client struct {
	baseURL      string
	username     string
	password     string
	httpClient   *http.Client
	logger       *zap.Logger
	pollInterval time.Duration
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

// WithLogger sets the logger for publish diagnostics.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithPollInterval adjusts how long Publish waits between layer
// listings while GeoServer catches up on auto-publishing.
func WithPollInterval(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.pollInterval = d
		}
	}
}

// New creates a Client for the GeoServer instance at baseURL, e.g.
// "https://host/geoserver".
func New(baseURL, username, password string, opts ...Option) *Client {
	c := &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		username:     username,
		password:     password,
		httpClient:   &http.Client{Timeout: DefaultTimeout},
		logger:       zap.NewNop(),
		pollInterval: DefaultPollInterval,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ListWorkspaces fetches all workspaces.
func (c *Client) ListWorkspaces(ctx context.Context) ([]Workspace, error) {
	var envelope struct {
		Workspaces json.RawMessage `json:"workspaces"`
	}
	if err := c.getJSON(ctx, "/rest/workspaces.json", &envelope); err != nil {
		return nil, fmt.Errorf("geoserver list workspaces: %w", err)
	}

	var workspaces []Workspace
	if err := unwrapCollection(envelope.Workspaces, "workspace", &workspaces); err != nil {
		return nil, fmt.Errorf("geoserver list workspaces: %w", err)
	}
	return workspaces, nil
}

// EnsureWorkspace creates the workspace unless it already exists.
func (c *Client) EnsureWorkspace(ctx context.Context, name string) error {
	workspaces, err := c.ListWorkspaces(ctx)
	if err != nil {
		return err
	}
	for _, ws := range workspaces {
		if ws.Name == name {
			c.logger.Debug("geoserver workspace exists", zap.String("workspace", name))
			return nil
		}
	}

	body, err := json.Marshal(map[string]any{"workspace": map[string]string{"name": name}})
	if err != nil {
		return fmt.Errorf("geoserver create workspace: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/rest/workspaces", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("geoserver create workspace: %w", err)
	}
	req.SetBasicAuth(c.username, c.password)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("geoserver create workspace: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("geoserver create workspace %q: unexpected status %d: %s",
			name, resp.StatusCode, errorBody(resp.Body))
	}

	c.logger.Info("geoserver workspace created", zap.String("workspace", name))
	return nil
}

// ListDataStores fetches the datastores in a workspace.
func (c *Client) ListDataStores(ctx context.Context, workspace string) ([]DataStore, error) {
	path := fmt.Sprintf("/rest/workspaces/%s/datastores.json", url.PathEscape(workspace))

	var envelope struct {
		DataStores json.RawMessage `json:"dataStores"`
	}
	if err := c.getJSON(ctx, path, &envelope); err != nil {
		return nil, fmt.Errorf("geoserver list datastores: %w", err)
	}

	var stores []DataStore
	if err := unwrapCollection(envelope.DataStores, "dataStore", &stores); err != nil {
		return nil, fmt.Errorf("geoserver list datastores: %w", err)
	}
	return stores, nil
}

// ListLayers fetches the layers in a workspace.
func (c *Client) ListLayers(ctx context.Context, workspace string) ([]Layer, error) {
	path := fmt.Sprintf("/rest/workspaces/%s/layers.json", url.PathEscape(workspace))

	var envelope struct {
		Layers json.RawMessage `json:"layers"`
	}
	if err := c.getJSON(ctx, path, &envelope); err != nil {
		return nil, fmt.Errorf("geoserver list layers: %w", err)
	}

	var layers []Layer
	if err := unwrapCollection(envelope.Layers, "layer", &layers); err != nil {
		return nil, fmt.Errorf("geoserver list layers: %w", err)
	}
	return layers, nil
}

// UploadGeoPackage PUTs a GeoPackage into a workspace datastore.
// GeoServer creates the store as needed and auto-publishes the tables
// it contains.
func (c *Client) UploadGeoPackage(ctx context.Context, workspace, store string, r io.Reader) error {
	path := fmt.Sprintf("/rest/workspaces/%s/datastores/%s/file.gpkg",
		url.PathEscape(workspace), url.PathEscape(store))

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.baseURL+path, r)
	if err != nil {
		return fmt.Errorf("geoserver upload geopackage: %w", err)
	}
	req.SetBasicAuth(c.username, c.password)
	req.Header.Set("Content-Type", "application/x-sqlite3")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("geoserver upload geopackage: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusAccepted:
	default:
		return fmt.Errorf("geoserver upload geopackage %q: unexpected status %d: %s",
			store, resp.StatusCode, errorBody(resp.Body))
	}

	c.logger.Info("geopackage uploaded",
		zap.String("workspace", workspace),
		zap.String("store", store))
	return nil
}

// RenameLayer renames a published feature type. nativeName keeps the
// underlying table name so the layer still resolves to its data.
func (c *Client) RenameLayer(ctx context.Context, workspace, store, layer, name, nativeName string) error {
	body, err := json.Marshal(map[string]any{
		"featureType": map[string]string{"name": name, "nativeName": nativeName},
	})
	if err != nil {
		return fmt.Errorf("geoserver rename layer: encode request: %w", err)
	}

	path := fmt.Sprintf("/rest/workspaces/%s/datastores/%s/featuretypes/%s",
		url.PathEscape(workspace), url.PathEscape(store), url.PathEscape(layer))

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("geoserver rename layer: %w", err)
	}
	req.SetBasicAuth(c.username, c.password)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("geoserver rename layer: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("geoserver rename layer %q: unexpected status %d: %s",
			layer, resp.StatusCode, errorBody(resp.Body))
	}
	return nil
}

// Publish uploads a GeoPackage and reconciles the layers GeoServer
// auto-publishes from it. The store name doubles as the desired layer
// name; a layer whose name gained a numeric suffix from a conflict is
// renamed back to the store name, and a failed rename keeps the
// published name. It returns the names the new layers ended up with.
func (c *Client) Publish(ctx context.Context, workspace, store string, r io.Reader) ([]string, error) {
	before := make(map[string]struct{})
	layers, err := c.ListLayers(ctx, workspace)
	if err != nil {
		c.logger.Warn("geoserver layer listing failed before upload", zap.Error(err))
	}
	for _, l := range layers {
		before[l.Name] = struct{}{}
	}

	if err := c.UploadGeoPackage(ctx, workspace, store, r); err != nil {
		return nil, err
	}

	stores, err := c.ListDataStores(ctx, workspace)
	if err != nil {
		c.logger.Warn("geoserver datastore listing failed after upload", zap.Error(err))
	} else if !hasStore(stores, store) {
		return nil, fmt.Errorf("geoserver datastore %q missing after upload", store)
	}

	created, err := c.waitForNewLayers(ctx, workspace, before)
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		// The upload itself succeeded; report the store name unverified.
		c.logger.Warn("cannot verify published layers", zap.Error(err))
		return []string{store}, nil
	}
	if len(created) == 0 {
		return nil, fmt.Errorf("%w: store %q in workspace %q", ErrNoLayersPublished, store, workspace)
	}

	published := c.reconcileLayers(ctx, workspace, store, created)
	c.logger.Info("geopackage published",
		zap.String("workspace", workspace),
		zap.String("store", store),
		zap.Strings("layers", published))
	return published, nil
}

// waitForNewLayers polls the workspace layer list until a layer not in
// before shows up. It returns nil, nil when every listing succeeded but
// nothing new appeared, and the last listing error when none did.
func (c *Client) waitForNewLayers(ctx context.Context, workspace string, before map[string]struct{}) ([]string, error) {
	var lastErr error
	listed := false

	for attempt := 0; attempt < publishPollAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.pollInterval):
			}
		}

		layers, err := c.ListLayers(ctx, workspace)
		if err != nil {
			lastErr = err
			continue
		}
		listed = true

		var created []string
		for _, l := range layers {
			if _, ok := before[l.Name]; !ok {
				created = append(created, l.Name)
			}
		}
		if len(created) > 0 {
			sort.Strings(created)
			return created, nil
		}
	}

	if !listed {
		return nil, lastErr
	}
	return nil, nil
}

// reconcileLayers maps the auto-published layer names back to the store
// name. GeoServer publishes a table under its own name, suffixed with a
// counter when that name is taken, so the first created layer whose
// name starts with the store name is the one to rename.
func (c *Client) reconcileLayers(ctx context.Context, workspace, store string, created []string) []string {
	for _, layer := range created {
		if !strings.HasPrefix(layer, store) {
			continue
		}
		if layer == store {
			return []string{layer}
		}
		if err := c.RenameLayer(ctx, workspace, store, layer, store, store); err != nil {
			c.logger.Warn("geoserver layer rename failed, keeping published name",
				zap.String("layer", layer), zap.Error(err))
			return []string{layer}
		}
		c.logger.Debug("geoserver layer renamed",
			zap.String("from", layer), zap.String("to", store))
		return []string{store}
	}

	// None of the new layers carry the store name; the package's table
	// names differ from the file stem. Report them as published.
	return created
}

// WFSURL builds the GetFeature URL downstream viewers use to read a
// published layer as GeoJSON.
func WFSURL(host, workspace, layer string) string {
	return fmt.Sprintf(
		"%s/%s/ows?service=WFS&version=1.0.0&request=GetFeature&typeName=%s%%3A%s&outputFormat=application%%2Fjson&maxFeatures=10000",
		strings.TrimRight(host, "/"), workspace, workspace, layer,
	)
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.SetBasicAuth(c.username, c.password)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, errorBody(resp.Body))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// unwrapCollection decodes the inner list of GeoServer's doubled
// collection envelope. Empty collections arrive as "" or null instead
// of an object.
func unwrapCollection(raw json.RawMessage, key string, out any) error {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == `""` || trimmed == "null" {
		return nil
	}

	var inner map[string]json.RawMessage
	if err := json.Unmarshal(raw, &inner); err != nil {
		return fmt.Errorf("unexpected collection shape: %w", err)
	}
	item, ok := inner[key]
	if !ok {
		return nil
	}
	return json.Unmarshal(item, out)
}

func hasStore(stores []DataStore, name string) bool {
	for _, s := range stores {
		if s.Name == name {
			return true
		}
	}
	return false
}

func errorBody(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, 2048))
	return strings.TrimSpace(string(b))
}
