// Package catalog publishes pipeline products to a STAC API.
//
// Two shapes are supported: a flat list of COG paths becomes one item
// per raster in a single collection, and a catalog.json tree written
// by a conversion job is walked collection by collection, each
// collection upserted with its items. Asset hrefs are normalized to
// canonical s3:// form before upsert so catalog consumers address
// objects the same way the pipeline does. A failing collection is
// recorded and its siblings continue; only a failure to read the tree
// root aborts the whole ingest.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/earthscale/geoflow/pkg/storage"
)

// MediaTypeCOG is the media type recorded for COG assets.
const MediaTypeCOG = "image/tiff; application=geotiff; profile=cloud-optimized"

// stacVersion is stamped on items this package authors.
const stacVersion = "1.0.0"

// DefaultHeadWorkers bounds concurrent size lookups for COG items.
const DefaultHeadWorkers = 8

// ErrNoProducts indicates there was nothing to catalog.
var ErrNoProducts = errors.New("no products to catalog")

// ObjectStore is the storage surface cataloging needs: metadata for
// sizing items and object reads for catalog trees.
type ObjectStore interface {
	storage.Store
	storage.Getter
}

// Result summarizes a cataloging operation.
type Result struct {
	// CollectionsIngested counts collections successfully upserted.
	CollectionsIngested int

	// ItemsIngested counts items successfully posted.
	ItemsIngested int

	// FailedCollections lists collections whose ingest failed.
	FailedCollections []string

	// OGCURLs are the catalog record URLs of the ingested items.
	OGCURLs []string

	// AssetURIs are the unique primary asset locations of the
	// ingested items, in canonical s3:// form.
	AssetURIs []string
}

// Cataloger ingests products into a STAC API.
type Cataloger struct {
	client      *Client
	store       ObjectStore
	logger      *zap.Logger
	now         func() time.Time
	headWorkers int
}

// CatalogerOption configures a Cataloger.
type CatalogerOption func(*Cataloger)

// WithCatalogerLogger sets the logger for ingest diagnostics.
func WithCatalogerLogger(logger *zap.Logger) CatalogerOption {
	return func(c *Cataloger) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithNow overrides the clock used when a product timestamp cannot be
// recovered from its key.
func WithNow(now func() time.Time) CatalogerOption {
	return func(c *Cataloger) {
		if now != nil {
			c.now = now
		}
	}
}

// WithHeadWorkers bounds the concurrent metadata lookups used to size
// COG items.
func WithHeadWorkers(n int) CatalogerOption {
	return func(c *Cataloger) {
		if n > 0 {
			c.headWorkers = n
		}
	}
}

// NewCataloger creates a Cataloger posting through client and reading
// objects from store.
func NewCataloger(client *Client, store ObjectStore, opts ...CatalogerOption) *Cataloger {
	c := &Cataloger{
		client:      client,
		store:       store,
		logger:      zap.NewNop(),
		now:         time.Now,
		headWorkers: DefaultHeadWorkers,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CatalogCOGs creates one item per COG path in the given collection
// and bulk-posts them. Item ids are the key basenames; the item
// datetime comes from the key when one is recognizable there, else
// from the run clock; asset sizes come from object metadata, looked up
// concurrently, with lookup failures leaving the size unset.
func (c *Cataloger) CatalogCOGs(ctx context.Context, cogPaths []string, collectionID string, upsert bool) (*Result, error) {
	if len(cogPaths) == 0 {
		return nil, fmt.Errorf("%w: empty COG list for collection %q", ErrNoProducts, collectionID)
	}

	parsed := make([]storage.Path, len(cogPaths))
	for i, raw := range cogPaths {
		p, err := storage.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("COG path %q: %w", raw, err)
		}
		parsed[i] = p
	}

	sizes := c.headSizes(ctx, parsed)
	fallback := c.now().UTC()

	res := &Result{}
	items := make(map[string]json.RawMessage, len(parsed))
	for i, p := range parsed {
		id := path.Base(p.Key)
		dt, ok := timeFromKey(p.Key)
		if !ok {
			dt = fallback
		}

		item := Item{
			Type:        "Feature",
			StacVersion: stacVersion,
			ID:          id,
			Collection:  collectionID,
			Geometry:    json.RawMessage("null"),
			Properties:  map[string]any{"datetime": dt.Format(time.RFC3339)},
			Assets: map[string]Asset{
				"asset": {Href: p.String(), Type: MediaTypeCOG, FileSize: sizes[i]},
			},
			Links: []Link{},
		}

		doc, err := json.Marshal(item)
		if err != nil {
			return nil, fmt.Errorf("encode item %q: %w", id, err)
		}
		items[id] = doc

		res.OGCURLs = append(res.OGCURLs, c.client.ItemURL(collectionID, id))
		res.AssetURIs = appendUnique(res.AssetURIs, p.String())
	}

	if err := c.client.BulkItems(ctx, collectionID, items, upsert); err != nil {
		return nil, err
	}

	res.ItemsIngested = len(items)
	c.logger.Info("COGs cataloged",
		zap.String("collection", collectionID),
		zap.Int("items", res.ItemsIngested))
	return res, nil
}

// IngestCatalog reads a catalog.json tree from storage and upserts
// every collection it reaches, items included. URLs and asset URIs are
// reported only for collections that ingested cleanly.
func (c *Cataloger) IngestCatalog(ctx context.Context, catalogPath string, upsert bool) (*Result, error) {
	root, err := storage.Parse(catalogPath)
	if err != nil {
		return nil, fmt.Errorf("catalog path %q: %w", catalogPath, err)
	}

	rootDoc, err := c.readJSON(ctx, root)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", root.String(), err)
	}

	res := &Result{}
	visited := map[string]bool{root.String(): true}
	collections := c.collectCollections(ctx, root, rootDoc, visited, res)

	for _, node := range collections {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}

		id := stringField(node.doc, "id")
		if id == "" {
			c.logger.Error("collection document has no id", zap.String("path", node.path.String()))
			res.FailedCollections = append(res.FailedCollections, node.path.String())
			continue
		}

		count, ogc, assets, err := c.ingestCollection(ctx, node, id, upsert)
		if err != nil {
			c.logger.Error("collection ingest failed",
				zap.String("collection", id), zap.Error(err))
			res.FailedCollections = append(res.FailedCollections, id)
			continue
		}

		res.CollectionsIngested++
		res.ItemsIngested += count
		res.OGCURLs = append(res.OGCURLs, ogc...)
		for _, a := range assets {
			res.AssetURIs = appendUnique(res.AssetURIs, a)
		}

		c.logger.Info("collection ingested",
			zap.String("collection", id), zap.Int("items", count))
	}

	return res, nil
}

// collectionNode pairs a collection document with the location it was
// read from, which anchors its relative links.
type collectionNode struct {
	path storage.Path
	doc  map[string]any
}

// collectCollections follows child links from a catalog node down to
// the collection documents. Unreadable children are recorded as failed
// and do not stop their siblings.
func (c *Cataloger) collectCollections(ctx context.Context, nodePath storage.Path, doc map[string]any, visited map[string]bool, res *Result) []collectionNode {
	if stringField(doc, "type") == "Collection" {
		return []collectionNode{{path: nodePath, doc: doc}}
	}

	var collections []collectionNode
	for _, link := range docLinks(doc) {
		if link.rel != "child" || ctx.Err() != nil {
			continue
		}

		childPath, err := resolveHref(nodePath, link.href)
		if err != nil {
			c.logger.Error("unresolvable child link",
				zap.String("href", link.href), zap.Error(err))
			res.FailedCollections = append(res.FailedCollections, link.href)
			continue
		}
		if visited[childPath.String()] {
			continue
		}
		visited[childPath.String()] = true

		childDoc, err := c.readJSON(ctx, childPath)
		if err != nil {
			c.logger.Error("unreadable catalog child",
				zap.String("path", childPath.String()), zap.Error(err))
			res.FailedCollections = append(res.FailedCollections, childPath.String())
			continue
		}

		collections = append(collections, c.collectCollections(ctx, childPath, childDoc, visited, res)...)
	}
	return collections
}

// ingestCollection reads a collection's items, rewrites asset hrefs,
// reconciles the temporal extent with any existing remote collection,
// then upserts the collection and bulk-posts its items.
func (c *Cataloger) ingestCollection(ctx context.Context, node collectionNode, id string, upsert bool) (int, []string, []string, error) {
	items := make(map[string]json.RawMessage)
	var ogc, assets []string

	for _, link := range docLinks(node.doc) {
		if link.rel != "item" {
			continue
		}

		itemPath, err := resolveHref(node.path, link.href)
		if err != nil {
			return 0, nil, nil, fmt.Errorf("item href %q: %w", link.href, err)
		}
		itemDoc, err := c.readJSON(ctx, itemPath)
		if err != nil {
			return 0, nil, nil, fmt.Errorf("read item %s: %w", itemPath.String(), err)
		}

		itemID := stringField(itemDoc, "id")
		if itemID == "" {
			return 0, nil, nil, fmt.Errorf("item at %s has no id", itemPath.String())
		}

		rewriteAssetHrefs(itemDoc, itemPath)

		doc, err := json.Marshal(itemDoc)
		if err != nil {
			return 0, nil, nil, fmt.Errorf("encode item %q: %w", itemID, err)
		}
		items[itemID] = doc

		ogc = append(ogc, c.client.ItemURL(id, itemID))
		if href := primaryAssetHref(itemDoc); href != "" {
			assets = appendUnique(assets, href)
		}
	}

	exists := true
	remote, err := c.client.GetCollection(ctx, id)
	switch {
	case errors.Is(err, ErrCollectionNotFound):
		exists = false
	case err != nil:
		return 0, nil, nil, err
	default:
		merged := mergeInterval(temporalInterval(node.doc), remoteInterval(remote))
		setTemporalInterval(node.doc, merged)
	}

	doc, err := json.Marshal(node.doc)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("encode collection %q: %w", id, err)
	}

	if exists {
		err = c.client.UpdateCollection(ctx, id, doc)
	} else {
		err = c.client.CreateCollection(ctx, doc)
	}
	if err != nil {
		return 0, nil, nil, err
	}

	if len(items) > 0 {
		if err := c.client.BulkItems(ctx, id, items, upsert); err != nil {
			return 0, nil, nil, err
		}
	}

	return len(items), ogc, assets, nil
}

// headSizes looks up object sizes concurrently, index-aligned with
// paths. A failed lookup leaves the size at zero.
func (c *Cataloger) headSizes(ctx context.Context, paths []storage.Path) []int64 {
	sizes := make([]int64, len(paths))
	sem := make(chan struct{}, c.headWorkers)
	var wg sync.WaitGroup

	for i, p := range paths {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, p storage.Path) {
			defer wg.Done()
			defer func() { <-sem }()

			meta, err := c.store.Head(ctx, p.Bucket, p.Key)
			if err != nil {
				c.logger.Warn("cannot size catalog asset",
					zap.String("path", p.String()), zap.Error(err))
				return
			}
			sizes[i] = meta.Size
		}(i, p)
	}

	wg.Wait()
	return sizes
}

func (c *Cataloger) readJSON(ctx context.Context, p storage.Path) (map[string]any, error) {
	body, _, err := c.store.Get(ctx, p.Bucket, p.Key)
	if err != nil {
		return nil, err
	}
	defer func() { _ = body.Close() }()

	var doc map[string]any
	if err := json.NewDecoder(body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode %s: %w", p.String(), err)
	}
	return doc, nil
}

// resolveHref makes a link target absolute. Links inside a catalog
// tree are usually relative to the document carrying them.
func resolveHref(base storage.Path, href string) (storage.Path, error) {
	switch {
	case strings.HasPrefix(href, "s3://"):
		return storage.Parse(href)
	case strings.HasPrefix(href, "http://"), strings.HasPrefix(href, "https://"):
		if s3uri, ok := storage.ConvertHTTP(href); ok {
			return storage.Parse(s3uri)
		}
		return storage.Path{}, fmt.Errorf("non-storage href %q", href)
	case href == "":
		return storage.Path{}, errors.New("empty href")
	}

	dir := path.Dir(base.Key)
	if dir == "." {
		dir = ""
	}
	return storage.Path{Bucket: base.Bucket, Key: path.Join(dir, href)}, nil
}

// rewriteAssetHrefs converts asset hrefs to canonical s3:// form:
// S3-backed HTTP URLs are translated and relative hrefs resolved
// against the item's own location.
func rewriteAssetHrefs(doc map[string]any, itemPath storage.Path) {
	assets, _ := doc["assets"].(map[string]any)
	for _, v := range assets {
		asset, ok := v.(map[string]any)
		if !ok {
			continue
		}
		href, _ := asset["href"].(string)
		if href == "" {
			continue
		}

		if s3uri, ok := storage.ConvertHTTP(href); ok {
			asset["href"] = s3uri
			continue
		}
		if !strings.Contains(href, "://") {
			if resolved, err := resolveHref(itemPath, href); err == nil {
				asset["href"] = resolved.String()
			}
		}
	}
}

// primaryAssetHref returns the href of the "asset" entry, the slot
// conversion jobs use for the product object itself.
func primaryAssetHref(doc map[string]any) string {
	assets, _ := doc["assets"].(map[string]any)
	asset, _ := assets["asset"].(map[string]any)
	href, _ := asset["href"].(string)
	return href
}

// temporalInterval extracts the first temporal interval of a
// collection document as [start, end] pointers, nil meaning open.
func temporalInterval(doc map[string]any) []*string {
	extent, _ := doc["extent"].(map[string]any)
	temporal, _ := extent["temporal"].(map[string]any)
	raw, _ := temporal["interval"].([]any)
	if len(raw) == 0 {
		return nil
	}
	first, _ := raw[0].([]any)

	out := make([]*string, 0, len(first))
	for _, v := range first {
		if s, ok := v.(string); ok {
			out = append(out, &s)
		} else {
			out = append(out, nil)
		}
	}
	return out
}

func remoteInterval(coll *Collection) []*string {
	if coll == nil || coll.Extent.Temporal == nil || len(coll.Extent.Temporal.Interval) == 0 {
		return nil
	}
	return coll.Extent.Temporal.Interval[0]
}

// setTemporalInterval replaces the first temporal interval of a
// collection document, creating the extent structure if missing.
func setTemporalInterval(doc map[string]any, interval []*string) {
	vals := make([]any, len(interval))
	for i, p := range interval {
		if p != nil {
			vals[i] = *p
		}
	}

	extent, ok := doc["extent"].(map[string]any)
	if !ok {
		extent = map[string]any{}
		doc["extent"] = extent
	}
	temporal, ok := extent["temporal"].(map[string]any)
	if !ok {
		temporal = map[string]any{}
		extent["temporal"] = temporal
	}

	if existing, ok := temporal["interval"].([]any); ok && len(existing) > 0 {
		existing[0] = vals
	} else {
		temporal["interval"] = []any{vals}
	}
}

// mergeInterval widens an interval with another: the earlier start and
// later end win, and an open (nil) bound stays open.
func mergeInterval(local, remote []*string) []*string {
	return []*string{
		pickBound(boundAt(local, 0), boundAt(remote, 0), false),
		pickBound(boundAt(local, 1), boundAt(remote, 1), true),
	}
}

func boundAt(interval []*string, i int) *string {
	if i >= len(interval) {
		return nil
	}
	return interval[i]
}

// pickBound chooses between two interval bounds. A nil bound is open
// and dominates; an unparseable bound defers to the other.
func pickBound(a, b *string, wantLater bool) *string {
	if a == nil || b == nil {
		return nil
	}
	ta, errA := time.Parse(time.RFC3339, *a)
	tb, errB := time.Parse(time.RFC3339, *b)
	switch {
	case errA != nil:
		return b
	case errB != nil:
		return a
	case wantLater == ta.After(tb):
		return a
	default:
		return b
	}
}

// docLink is a loosely typed STAC link read out of a raw document.
type docLink struct {
	rel  string
	href string
}

func docLinks(doc map[string]any) []docLink {
	raw, _ := doc["links"].([]any)
	links := make([]docLink, 0, len(raw))
	for _, v := range raw {
		m, ok := v.(map[string]any)
		if !ok {
			continue
		}
		rel, _ := m["rel"].(string)
		href, _ := m["href"].(string)
		links = append(links, docLink{rel: rel, href: href})
	}
	return links
}

func stringField(doc map[string]any, key string) string {
	s, _ := doc[key].(string)
	return s
}

func appendUnique(list []string, v string) []string {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}

// Object keys carry timestamps in a handful of shapes; these cover the
// product naming used by the conversion jobs.
var (
	keyTimestampRE = regexp.MustCompile(`(\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2})`)
	keyCompactRE   = regexp.MustCompile(`(\d{8}T\d{6})`)
	keyDateRE      = regexp.MustCompile(`(?:^|[._-])(\d{8})(?:[._-]|$)`)
)

// timeFromKey recovers a product timestamp from an object key
// basename. Returns false when no recognizable stamp is present.
func timeFromKey(key string) (time.Time, bool) {
	base := path.Base(key)

	if m := keyTimestampRE.FindStringSubmatch(base); m != nil {
		if t, err := time.Parse("2006-01-02T15:04:05", m[1]); err == nil {
			return t.UTC(), true
		}
	}
	if m := keyCompactRE.FindStringSubmatch(base); m != nil {
		if t, err := time.Parse("20060102T150405", m[1]); err == nil {
			return t.UTC(), true
		}
	}
	if m := keyDateRE.FindStringSubmatch(base); m != nil {
		if t, err := time.Parse("20060102", m[1]); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}
