package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestItemURL(t *testing.T) {
	c := NewClient("https://mmgis.example.org/")
	assert.Equal(t,
		"https://mmgis.example.org/stac/collections/merra2-hourly/items/out.tif",
		c.ItemURL("merra2-hourly", "out.tif"))
}

func TestGetCollection(t *testing.T) {
	t.Run("decodes extent and sends bearer token", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/stac/collections/merra2-hourly", r.URL.Path)
			assert.Equal(t, "Bearer tok-123", r.Header.Get("Authorization"))
			fmt.Fprint(w, `{"id":"merra2-hourly","title":"MERRA-2 Hourly","extent":{"temporal":{"interval":[["2024-01-01T00:00:00Z",null]]}}}`)
		}))
		defer srv.Close()

		c := NewClient(srv.URL, WithBearerToken("tok-123"))
		coll, err := c.GetCollection(context.Background(), "merra2-hourly")
		require.NoError(t, err)
		assert.Equal(t, "merra2-hourly", coll.ID)
		require.NotNil(t, coll.Extent.Temporal)
		require.Len(t, coll.Extent.Temporal.Interval, 1)
		interval := coll.Extent.Temporal.Interval[0]
		require.Len(t, interval, 2)
		require.NotNil(t, interval[0])
		assert.Equal(t, "2024-01-01T00:00:00Z", *interval[0])
		assert.Nil(t, interval[1])
	})

	t.Run("missing collection", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.NotFound(w, r)
		}))
		defer srv.Close()

		c := NewClient(srv.URL)
		_, err := c.GetCollection(context.Background(), "nope")
		require.ErrorIs(t, err, ErrCollectionNotFound)
		assert.Contains(t, err.Error(), "nope")
	})

	t.Run("server error surfaces body", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "database offline", http.StatusInternalServerError)
		}))
		defer srv.Close()

		c := NewClient(srv.URL)
		_, err := c.GetCollection(context.Background(), "merra2-hourly")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "500")
		assert.Contains(t, err.Error(), "database offline")
	})
}

func TestCreateCollection(t *testing.T) {
	var method, path, contentType, body string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method = r.Method
		path = r.URL.Path
		contentType = r.Header.Get("Content-Type")
		b, _ := io.ReadAll(r.Body)
		body = string(b)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	doc := json.RawMessage(`{"id":"flood-extent","type":"Collection"}`)
	require.NoError(t, c.CreateCollection(context.Background(), doc))

	assert.Equal(t, http.MethodPost, method)
	assert.Equal(t, "/stac/collections", path)
	assert.Equal(t, "application/json", contentType)
	assert.JSONEq(t, string(doc), body)
}

func TestUpdateCollection(t *testing.T) {
	t.Run("puts replacement document", func(t *testing.T) {
		var method, path string
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			method = r.Method
			path = r.URL.Path
		}))
		defer srv.Close()

		c := NewClient(srv.URL)
		err := c.UpdateCollection(context.Background(), "flood-extent", json.RawMessage(`{"id":"flood-extent"}`))
		require.NoError(t, err)
		assert.Equal(t, http.MethodPut, method)
		assert.Equal(t, "/stac/collections/flood-extent", path)
	})

	t.Run("rejection names the collection", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "schema violation", http.StatusUnprocessableEntity)
		}))
		defer srv.Close()

		c := NewClient(srv.URL)
		err := c.UpdateCollection(context.Background(), "flood-extent", json.RawMessage(`{}`))
		require.Error(t, err)
		assert.Contains(t, err.Error(), `"flood-extent"`)
		assert.Contains(t, err.Error(), "schema violation")
	})
}

func TestBulkItems(t *testing.T) {
	items := map[string]json.RawMessage{
		"out.a.tif": json.RawMessage(`{"id":"out.a.tif"}`),
		"out.b.tif": json.RawMessage(`{"id":"out.b.tif"}`),
	}

	t.Run("insert by default", func(t *testing.T) {
		var path string
		var body struct {
			Items  map[string]json.RawMessage `json:"items"`
			Method string                     `json:"method"`
		}
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			path = r.URL.Path
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		}))
		defer srv.Close()

		c := NewClient(srv.URL)
		require.NoError(t, c.BulkItems(context.Background(), "flood-extent", items, false))

		assert.Equal(t, "/stac/collections/flood-extent/bulk_items", path)
		assert.Equal(t, "insert", body.Method)
		assert.Len(t, body.Items, 2)
		assert.JSONEq(t, `{"id":"out.a.tif"}`, string(body.Items["out.a.tif"]))
	})

	t.Run("upsert flag switches method", func(t *testing.T) {
		var body struct {
			Method string `json:"method"`
		}
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		}))
		defer srv.Close()

		c := NewClient(srv.URL)
		require.NoError(t, c.BulkItems(context.Background(), "flood-extent", items, true))
		assert.Equal(t, "upsert", body.Method)
	})

	t.Run("conflict surfaces", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "duplicate item id", http.StatusConflict)
		}))
		defer srv.Close()

		c := NewClient(srv.URL)
		err := c.BulkItems(context.Background(), "flood-extent", items, false)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "409")
	})
}

func TestSearch(t *testing.T) {
	t.Run("pages through next links", func(t *testing.T) {
		var srv *httptest.Server
		srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/stac/search", r.URL.Path)

			if r.URL.Query().Get("page") == "2" {
				fmt.Fprint(w, `{"features":[{"id":"c"}],"links":[]}`)
				return
			}

			assert.Equal(t, "merra2-hourly", r.URL.Query().Get("collections"))
			assert.Equal(t, "2024-01-01T00:00:00Z/2024-02-01T00:00:00Z", r.URL.Query().Get("datetime"))
			assert.Equal(t, "2", r.URL.Query().Get("limit"))
			fmt.Fprintf(w, `{"features":[{"id":"a"},{"id":"b"}],"links":[{"rel":"next","href":"%s/stac/search?page=2"}]}`, srv.URL)
		}))
		defer srv.Close()

		c := NewClient(srv.URL)
		items, err := c.Search(context.Background(), SearchParams{
			Collection: "merra2-hourly",
			Start:      time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
			End:        time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC),
			Limit:      2,
		})
		require.NoError(t, err)
		require.Len(t, items, 3)
		assert.Equal(t, "a", items[0].ID)
		assert.Equal(t, "c", items[2].ID)
	})

	t.Run("no datetime filter when bounds unset", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, hasDatetime := r.URL.Query()["datetime"]
			assert.False(t, hasDatetime)
			fmt.Fprint(w, `{"features":[],"links":[]}`)
		}))
		defer srv.Close()

		c := NewClient(srv.URL)
		items, err := c.Search(context.Background(), SearchParams{Collection: "merra2-hourly"})
		require.NoError(t, err)
		assert.Empty(t, items)
	})

	t.Run("bad gateway surfaces", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "upstream down", http.StatusBadGateway)
		}))
		defer srv.Close()

		c := NewClient(srv.URL)
		_, err := c.Search(context.Background(), SearchParams{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "502")
	})
}

func TestFormatInterval(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC)

	assert.Equal(t, "2024-01-01T00:00:00Z/2024-01-31T00:00:00Z", formatInterval(start, end))
	assert.Equal(t, "../2024-01-31T00:00:00Z", formatInterval(time.Time{}, end))
	assert.Equal(t, "2024-01-01T00:00:00Z/..", formatInterval(start, time.Time{}))
}
