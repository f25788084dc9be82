package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/earthscale/geoflow/pkg/storage/file"
)

// fakeSTAC is a minimal STAC API recording collection and item writes.
type fakeSTAC struct {
	t  *testing.T
	mu sync.Mutex

	remote  map[string]string // id -> body served on GET
	written map[string]string // id -> last created/updated document
	created []string
	updated []string
	bulk    []bulkPost

	failBulkFor string
}

type bulkPost struct {
	collection string
	method     string
	items      map[string]json.RawMessage
}

func newFakeSTAC(t *testing.T) *fakeSTAC {
	return &fakeSTAC{
		t:       t,
		remote:  map[string]string{},
		written: map[string]string{},
	}
}

func (f *fakeSTAC) handler() http.Handler {
	const prefix = "/stac/collections"
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()

		switch {
		case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, prefix+"/"):
			doc, ok := f.remote[strings.TrimPrefix(r.URL.Path, prefix+"/")]
			if !ok {
				http.NotFound(w, r)
				return
			}
			fmt.Fprint(w, doc)

		case r.Method == http.MethodPost && r.URL.Path == prefix:
			body, err := io.ReadAll(r.Body)
			require.NoError(f.t, err)
			var doc struct {
				ID string `json:"id"`
			}
			require.NoError(f.t, json.Unmarshal(body, &doc))
			f.created = append(f.created, doc.ID)
			f.written[doc.ID] = string(body)
			w.WriteHeader(http.StatusCreated)

		case r.Method == http.MethodPut && strings.HasPrefix(r.URL.Path, prefix+"/"):
			id := strings.TrimPrefix(r.URL.Path, prefix+"/")
			body, err := io.ReadAll(r.Body)
			require.NoError(f.t, err)
			f.updated = append(f.updated, id)
			f.written[id] = string(body)

		case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/bulk_items"):
			id := strings.TrimPrefix(strings.TrimSuffix(r.URL.Path, "/bulk_items"), prefix+"/")
			if id == f.failBulkFor {
				http.Error(w, "item schema violation", http.StatusUnprocessableEntity)
				return
			}
			var body struct {
				Items  map[string]json.RawMessage `json:"items"`
				Method string                     `json:"method"`
			}
			require.NoError(f.t, json.NewDecoder(r.Body).Decode(&body))
			f.bulk = append(f.bulk, bulkPost{collection: id, method: body.Method, items: body.Items})

		default:
			http.NotFound(w, r)
		}
	})
}

func (f *fakeSTAC) bulkFor(collection string) []bulkPost {
	f.mu.Lock()
	defer f.mu.Unlock()
	var posts []bulkPost
	for _, p := range f.bulk {
		if p.collection == collection {
			posts = append(posts, p)
		}
	}
	return posts
}

func newTestStore(t *testing.T) *file.Store {
	t.Helper()
	st, err := file.New(file.Config{Root: t.TempDir()})
	require.NoError(t, err)
	return st
}

func putObject(t *testing.T, st *file.Store, bucket, key, body string) {
	t.Helper()
	require.NoError(t, st.Put(context.Background(), bucket, key, strings.NewReader(body), -1, ""))
}

func TestCatalogCOGs(t *testing.T) {
	fixedNow := time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)

	setup := func(t *testing.T) (*fakeSTAC, *Cataloger, *file.Store) {
		fake := newFakeSTAC(t)
		srv := httptest.NewServer(fake.handler())
		t.Cleanup(srv.Close)

		st := newTestStore(t)
		c := NewCataloger(NewClient(srv.URL), st, WithNow(func() time.Time { return fixedNow }))
		return fake, c, st
	}

	t.Run("authors one item per path", func(t *testing.T) {
		fake, c, st := setup(t)
		putObject(t, st, "products", "runs/demo/out.2024-01-02T03:04:05.tif", "elevenbytes")
		putObject(t, st, "products", "runs/demo/no_stamp.tif", "four")

		res, err := c.CatalogCOGs(context.Background(), []string{
			"s3://products/runs/demo/out.2024-01-02T03:04:05.tif",
			"s3://products/runs/demo/no_stamp.tif",
		}, "flood-extent", true)
		require.NoError(t, err)

		assert.Equal(t, 2, res.ItemsIngested)
		assert.Empty(t, res.FailedCollections)

		posts := fake.bulkFor("flood-extent")
		require.Len(t, posts, 1)
		assert.Equal(t, "upsert", posts[0].method)
		require.Len(t, posts[0].items, 2)

		var item struct {
			Type        string `json:"type"`
			StacVersion string `json:"stac_version"`
			Collection  string `json:"collection"`
			Properties  struct {
				Datetime string `json:"datetime"`
			} `json:"properties"`
			Assets map[string]Asset `json:"assets"`
		}
		doc := posts[0].items["out.2024-01-02T03:04:05.tif"]
		require.NotNil(t, doc)
		require.NoError(t, json.Unmarshal(doc, &item))
		assert.Equal(t, "Feature", item.Type)
		assert.Equal(t, "1.0.0", item.StacVersion)
		assert.Equal(t, "flood-extent", item.Collection)
		assert.Equal(t, "2024-01-02T03:04:05Z", item.Properties.Datetime)
		asset := item.Assets["asset"]
		assert.Equal(t, "s3://products/runs/demo/out.2024-01-02T03:04:05.tif", asset.Href)
		assert.Equal(t, MediaTypeCOG, asset.Type)
		assert.Equal(t, int64(11), asset.FileSize)

		require.NoError(t, json.Unmarshal(posts[0].items["no_stamp.tif"], &item))
		assert.Equal(t, "2024-03-15T12:00:00Z", item.Properties.Datetime)
	})

	t.Run("reports record URLs and asset URIs in input order", func(t *testing.T) {
		_, c, st := setup(t)
		putObject(t, st, "products", "a.tif", "x")
		putObject(t, st, "products", "b.tif", "y")

		res, err := c.CatalogCOGs(context.Background(),
			[]string{"s3://products/a.tif", "s3://products/b.tif"}, "flood-extent", false)
		require.NoError(t, err)

		require.Len(t, res.OGCURLs, 2)
		assert.True(t, strings.HasSuffix(res.OGCURLs[0], "/stac/collections/flood-extent/items/a.tif"))
		assert.True(t, strings.HasSuffix(res.OGCURLs[1], "/stac/collections/flood-extent/items/b.tif"))
		assert.Equal(t, []string{"s3://products/a.tif", "s3://products/b.tif"}, res.AssetURIs)
	})

	t.Run("missing object is cataloged without a size", func(t *testing.T) {
		fake, c, _ := setup(t)

		res, err := c.CatalogCOGs(context.Background(),
			[]string{"s3://products/gone.tif"}, "flood-extent", false)
		require.NoError(t, err)
		assert.Equal(t, 1, res.ItemsIngested)

		posts := fake.bulkFor("flood-extent")
		require.Len(t, posts, 1)
		assert.NotContains(t, string(posts[0].items["gone.tif"]), "file:size")
	})

	t.Run("empty input", func(t *testing.T) {
		_, c, _ := setup(t)
		_, err := c.CatalogCOGs(context.Background(), nil, "flood-extent", false)
		require.ErrorIs(t, err, ErrNoProducts)
	})

	t.Run("non-storage path rejected", func(t *testing.T) {
		_, c, _ := setup(t)
		_, err := c.CatalogCOGs(context.Background(),
			[]string{"https://example.org/x.tif"}, "flood-extent", false)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "x.tif")
	})

	t.Run("bulk failure surfaces", func(t *testing.T) {
		fake, c, st := setup(t)
		fake.failBulkFor = "flood-extent"
		putObject(t, st, "products", "a.tif", "x")

		_, err := c.CatalogCOGs(context.Background(),
			[]string{"s3://products/a.tif"}, "flood-extent", false)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "422")
	})
}

// seedCatalogTree writes a two-collection catalog under
// s3://temp-catalog/jobs/abc/ in the house layout conversion jobs emit.
func seedCatalogTree(t *testing.T, st *file.Store) {
	t.Helper()

	putObject(t, st, "temp-catalog", "jobs/abc/catalog.json", `{
		"type": "Catalog", "id": "root",
		"links": [
			{"rel": "self", "href": "./catalog.json"},
			{"rel": "child", "href": "./coll-a/collection.json"},
			{"rel": "child", "href": "./coll-b/collection.json"}
		]
	}`)
	putObject(t, st, "temp-catalog", "jobs/abc/coll-a/collection.json", `{
		"type": "Collection", "id": "merra2-slv",
		"extent": {"temporal": {"interval": [["2024-01-01T00:00:00Z", "2024-01-31T00:00:00Z"]]}},
		"links": [
			{"rel": "item", "href": "./items/item-1.json"},
			{"rel": "item", "href": "./items/item-2.json"}
		]
	}`)
	putObject(t, st, "temp-catalog", "jobs/abc/coll-a/items/item-1.json", `{
		"id": "item-1", "type": "Feature",
		"assets": {
			"asset": {"href": "https://temp-bucket.s3.us-west-2.amazonaws.com/products/a1.tif"},
			"thumbnail": {"href": "./thumbs/a1.png"}
		}
	}`)
	putObject(t, st, "temp-catalog", "jobs/abc/coll-a/items/item-2.json", `{
		"id": "item-2", "type": "Feature",
		"assets": {"asset": {"href": "s3://temp-bucket/products/a2.tif"}}
	}`)
	putObject(t, st, "temp-catalog", "jobs/abc/coll-b/collection.json", `{
		"type": "Collection", "id": "merra2-flx",
		"extent": {"temporal": {"interval": [["2024-02-01T00:00:00Z", "2024-02-28T00:00:00Z"]]}},
		"links": [{"rel": "item", "href": "./items/item-3.json"}]
	}`)
	putObject(t, st, "temp-catalog", "jobs/abc/coll-b/items/item-3.json", `{
		"id": "item-3", "type": "Feature",
		"assets": {"asset": {"href": "s3://temp-bucket/products/b1.tif"}}
	}`)
}

func TestIngestCatalog(t *testing.T) {
	setup := func(t *testing.T) (*fakeSTAC, *Cataloger, *file.Store) {
		fake := newFakeSTAC(t)
		srv := httptest.NewServer(fake.handler())
		t.Cleanup(srv.Close)

		st := newTestStore(t)
		seedCatalogTree(t, st)
		return fake, NewCataloger(NewClient(srv.URL), st), st
	}

	writtenInterval := func(t *testing.T, fake *fakeSTAC, id string) [][]*string {
		t.Helper()
		var doc struct {
			Extent struct {
				Temporal struct {
					Interval [][]*string `json:"interval"`
				} `json:"temporal"`
			} `json:"extent"`
		}
		require.NoError(t, json.Unmarshal([]byte(fake.written[id]), &doc))
		return doc.Extent.Temporal.Interval
	}

	t.Run("walks tree and upserts every collection", func(t *testing.T) {
		fake, c, _ := setup(t)
		fake.remote["merra2-slv"] = `{"id":"merra2-slv","extent":{"temporal":{"interval":[["2023-12-01T00:00:00Z","2024-01-15T00:00:00Z"]]}}}`

		res, err := c.IngestCatalog(context.Background(), "s3://temp-catalog/jobs/abc/catalog.json", true)
		require.NoError(t, err)

		assert.Equal(t, 2, res.CollectionsIngested)
		assert.Equal(t, 3, res.ItemsIngested)
		assert.Empty(t, res.FailedCollections)

		assert.Equal(t, []string{"merra2-slv"}, fake.updated)
		assert.Equal(t, []string{"merra2-flx"}, fake.created)

		// Widened by the remote start, kept the later local end.
		interval := writtenInterval(t, fake, "merra2-slv")
		require.Len(t, interval, 1)
		require.NotNil(t, interval[0][0])
		assert.Equal(t, "2023-12-01T00:00:00Z", *interval[0][0])
		require.NotNil(t, interval[0][1])
		assert.Equal(t, "2024-01-31T00:00:00Z", *interval[0][1])

		posts := fake.bulkFor("merra2-slv")
		require.Len(t, posts, 1)
		assert.Equal(t, "upsert", posts[0].method)
		require.Len(t, posts[0].items, 2)

		var item struct {
			Assets map[string]Asset `json:"assets"`
		}
		require.NoError(t, json.Unmarshal(posts[0].items["item-1"], &item))
		assert.Equal(t, "s3://temp-bucket/products/a1.tif", item.Assets["asset"].Href)
		assert.Equal(t, "s3://temp-catalog/jobs/abc/coll-a/items/thumbs/a1.png", item.Assets["thumbnail"].Href)

		require.Len(t, res.OGCURLs, 3)
		assert.True(t, strings.HasSuffix(res.OGCURLs[0], "/stac/collections/merra2-slv/items/item-1"))
		assert.Equal(t, []string{
			"s3://temp-bucket/products/a1.tif",
			"s3://temp-bucket/products/a2.tif",
			"s3://temp-bucket/products/b1.tif",
		}, res.AssetURIs)
	})

	t.Run("failing collection does not stop siblings", func(t *testing.T) {
		fake, c, _ := setup(t)
		fake.failBulkFor = "merra2-slv"

		res, err := c.IngestCatalog(context.Background(), "s3://temp-catalog/jobs/abc/catalog.json", true)
		require.NoError(t, err)

		assert.Equal(t, []string{"merra2-slv"}, res.FailedCollections)
		assert.Equal(t, 1, res.CollectionsIngested)
		assert.Equal(t, 1, res.ItemsIngested)

		// Nothing from the failed collection leaks into the report.
		require.Len(t, res.OGCURLs, 1)
		assert.True(t, strings.HasSuffix(res.OGCURLs[0], "/stac/collections/merra2-flx/items/item-3"))
		assert.Equal(t, []string{"s3://temp-bucket/products/b1.tif"}, res.AssetURIs)
	})

	t.Run("open remote bound stays open", func(t *testing.T) {
		fake, c, _ := setup(t)
		fake.remote["merra2-slv"] = `{"id":"merra2-slv","extent":{"temporal":{"interval":[[null,"2024-01-15T00:00:00Z"]]}}}`

		_, err := c.IngestCatalog(context.Background(), "s3://temp-catalog/jobs/abc/catalog.json", true)
		require.NoError(t, err)

		interval := writtenInterval(t, fake, "merra2-slv")
		require.Len(t, interval, 1)
		assert.Nil(t, interval[0][0])
		require.NotNil(t, interval[0][1])
		assert.Equal(t, "2024-01-31T00:00:00Z", *interval[0][1])
	})

	t.Run("unreadable child is recorded and siblings continue", func(t *testing.T) {
		fake, c, st := setup(t)
		putObject(t, st, "temp-catalog", "jobs/bad/catalog.json", `{
			"type": "Catalog", "id": "root",
			"links": [
				{"rel": "child", "href": "./missing/collection.json"},
				{"rel": "child", "href": "s3://temp-catalog/jobs/abc/coll-b/collection.json"}
			]
		}`)

		res, err := c.IngestCatalog(context.Background(), "s3://temp-catalog/jobs/bad/catalog.json", true)
		require.NoError(t, err)

		assert.Equal(t, []string{"s3://temp-catalog/jobs/bad/missing/collection.json"}, res.FailedCollections)
		assert.Equal(t, 1, res.CollectionsIngested)
		assert.Equal(t, []string{"merra2-flx"}, fake.created)
	})

	t.Run("root pointing at a collection document", func(t *testing.T) {
		_, c, _ := setup(t)

		res, err := c.IngestCatalog(context.Background(), "s3://temp-catalog/jobs/abc/coll-b/collection.json", false)
		require.NoError(t, err)
		assert.Equal(t, 1, res.CollectionsIngested)
		assert.Equal(t, 1, res.ItemsIngested)
	})

	t.Run("unreadable root is fatal", func(t *testing.T) {
		_, c, _ := setup(t)
		_, err := c.IngestCatalog(context.Background(), "s3://temp-catalog/jobs/nope/catalog.json", false)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "read catalog")
	})
}

func TestTimeFromKey(t *testing.T) {
	cases := []struct {
		key  string
		want time.Time
		ok   bool
	}{
		{"runs/x/out.2024-01-02T03:04:05.tif", time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC), true},
		{"runs/x/concat.ab12cd3.20240102T030405.zarr.tif", time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC), true},
		{"MERRA2_400.tavg1_2d_slv_Nx.20240102.nc4.tif", time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), true},
		{"plain.tif", time.Time{}, false},
		// Eight digits that are not a real date.
		{"x.20241301.tif", time.Time{}, false},
	}

	for _, tc := range cases {
		got, ok := timeFromKey(tc.key)
		assert.Equal(t, tc.ok, ok, tc.key)
		if tc.ok {
			assert.Equal(t, tc.want, got, tc.key)
		}
	}
}

func TestMergeInterval(t *testing.T) {
	s := func(v string) *string { return &v }

	t.Run("widens both bounds", func(t *testing.T) {
		merged := mergeInterval(
			[]*string{s("2024-01-10T00:00:00Z"), s("2024-01-20T00:00:00Z")},
			[]*string{s("2024-01-01T00:00:00Z"), s("2024-01-15T00:00:00Z")},
		)
		require.NotNil(t, merged[0])
		assert.Equal(t, "2024-01-01T00:00:00Z", *merged[0])
		require.NotNil(t, merged[1])
		assert.Equal(t, "2024-01-20T00:00:00Z", *merged[1])
	})

	t.Run("open bound dominates", func(t *testing.T) {
		merged := mergeInterval(
			[]*string{nil, s("2024-01-20T00:00:00Z")},
			[]*string{s("2024-01-01T00:00:00Z"), nil},
		)
		assert.Nil(t, merged[0])
		assert.Nil(t, merged[1])
	})

	t.Run("unparseable bound defers to the other", func(t *testing.T) {
		merged := mergeInterval(
			[]*string{s("not-a-time"), s("2024-01-20T00:00:00Z")},
			[]*string{s("2024-01-05T00:00:00Z"), s("garbage")},
		)
		require.NotNil(t, merged[0])
		assert.Equal(t, "2024-01-05T00:00:00Z", *merged[0])
		require.NotNil(t, merged[1])
		assert.Equal(t, "2024-01-20T00:00:00Z", *merged[1])
	})
}
