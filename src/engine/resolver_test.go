package engine

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"contentdb/src/logging"
	"contentdb/src/metrics"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestResolver(fsys afero.Fs, m *metrics.Metrics) *ReferenceResolver {
	return NewReferenceResolver(newTestStore(fsys), 4, []string{"_internal_url"}, m, logging.Nop())
}

func loadOne(t *testing.T, fsys afero.Fs, contentTypeUID, uid string) Document {
	t.Helper()
	docs, err := newTestStore(fsys).Load(context.Background(), "en-us", contentTypeUID, LoadPrimary)
	require.NoError(t, err)
	for _, doc := range docs {
		if documentUID(doc) == uid {
			return doc
		}
	}
	t.Fatalf("%s/%s not found", contentTypeUID, uid)
	return nil
}

func TestResolveAllReferences(t *testing.T) {
	fsys := afero.NewMemMapFs()
	writeEntries(t, fsys, "en-us", "author", Document{FieldUID: "p1", "name": "ann", "_internal_url": "/x"})
	writeEntries(t, fsys, "en-us", "blog",
		Document{FieldUID: "b1", "author": ref("author", "p1"), "related": ref("blog", []interface{}{"b3", "b2"})},
		Document{FieldUID: "b2", "title": "two"},
		Document{FieldUID: "b3", "title": "three"},
	)

	doc := loadOne(t, fsys, "blog", "b1")
	trace := NewTraceMap()
	err := newTestResolver(fsys, nil).Resolve(context.Background(), doc, "en-us", trace, "b1", Inclusion{Mode: IncludeAll})
	require.NoError(t, err)

	author, ok := doc["author"].(map[string]interface{})
	require.True(t, ok, "scalar marker resolves to one document")
	assert.Equal(t, "ann", author["name"])
	assert.NotContains(t, author, "_internal_url")

	related, ok := doc["related"].([]interface{})
	require.True(t, ok)
	require.Len(t, related, 2)
	assert.Equal(t, "b3", related[0].(map[string]interface{})[FieldUID], "marker order is kept")
	assert.Equal(t, "b2", related[1].(map[string]interface{})[FieldUID])

	assert.Equal(t, []string{"b2", "b3", "p1"}, trace.Children("b1"))
}

func TestResolveCycleTerminates(t *testing.T) {
	fsys := afero.NewMemMapFs()
	writeEntries(t, fsys, "en-us", "node",
		Document{FieldUID: "a", "next": ref("node", "b")},
		Document{FieldUID: "b", "next": ref("node", "a")},
	)
	writeEntries(t, fsys, "en-us", "self",
		Document{FieldUID: "s", "me": ref("self", []interface{}{"s"})},
	)

	m := metrics.New(nil)
	resolver := newTestResolver(fsys, m)

	done := make(chan error, 1)
	a := loadOne(t, fsys, "node", "a")
	go func() {
		done <- resolver.Resolve(context.Background(), a, "en-us", NewTraceMap(), "a", Inclusion{Mode: IncludeAll})
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("resolution of a cycle did not terminate")
	}

	b := a["next"].(map[string]interface{})
	assert.Equal(t, "b", b[FieldUID])
	// b points back at a, an ancestor
	assert.Equal(t, map[string]interface{}{}, b["next"])

	s := loadOne(t, fsys, "self", "s")
	require.NoError(t, resolver.Resolve(context.Background(), s, "en-us", NewTraceMap(), "s", Inclusion{Mode: IncludeAll}))
	assert.Equal(t, []interface{}{}, s["me"], "self reference")

	assert.Equal(t, float64(2), testutil.ToFloat64(m.CyclesSkipped))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ReferencesResolved))
}

func TestResolveDenselyConnected(t *testing.T) {
	const n = 10
	fsys := afero.NewMemMapFs()

	postUID := func(i int) string { return fmt.Sprintf("post%d", i) }
	posts := make([]Document, n)
	for i := range posts {
		related := make([]interface{}, 0, n-1)
		for j := 0; j < n; j++ {
			if j != i {
				related = append(related, postUID(j))
			}
		}
		posts[i] = Document{FieldUID: postUID(i), "related": ref("post", related)}
	}
	writeEntries(t, fsys, "en-us", "post", posts...)

	docs, err := newTestStore(fsys).Load(context.Background(), "en-us", "post", LoadPrimary)
	require.NoError(t, err)

	var loaded atomic.Int64
	store := newTestStore(fsys)
	store.SetLoadHook(func(mode LoadMode, count int) { loaded.Add(int64(count)) })
	m := metrics.New(nil)
	resolver := NewReferenceResolver(store, 4, nil, m, logging.Nop())

	done := make(chan error, 1)
	go func() {
		_, err := resolver.ResolveAll(context.Background(), docs, "en-us", Inclusion{Mode: IncludeAll})
		done <- err
	}()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("resolution of a densely connected graph did not finish")
	}

	// every root reads the post file once for itself and once per related post
	assert.Equal(t, int64(n*n*n), loaded.Load())
	assert.Equal(t, float64(n*(n-1)), testutil.ToFloat64(m.CyclesSkipped))

	related := docs[0]["related"].([]interface{})
	require.Len(t, related, n-1)
	assert.Equal(t, postUID(1), related[0].(map[string]interface{})[FieldUID], "marker order is kept")

	for _, r := range related {
		nested := r.(map[string]interface{})["related"].([]interface{})
		// the root is an ancestor, the others were expanded one level up
		require.Len(t, nested, n-2)
		for _, doc := range nested {
			assert.Equal(t, []interface{}{}, doc.(map[string]interface{})["related"])
		}
	}
}

func TestResolveShallowestOccurrenceExpands(t *testing.T) {
	fsys := afero.NewMemMapFs()
	writeEntries(t, fsys, "en-us", "blog", Document{
		FieldUID: "b1",
		"author": ref("author", "p1"),
		"editor": ref("author", "p2"),
	})
	writeEntries(t, fsys, "en-us", "author",
		Document{FieldUID: "p1", "name": "ann", "mentor": ref("author", "p2")},
		Document{FieldUID: "p2", "name": "bob", "avatar": ref(AssetContentType, "a1"), "books": ref("book", []interface{}{"k1"})},
	)
	writeEntries(t, fsys, "en-us", "book", Document{FieldUID: "k1", "title": "Go"})
	writeEntries(t, fsys, "en-us", AssetContentType, Document{FieldUID: "a1", "url": "/a1.png"})

	doc := loadOne(t, fsys, "blog", "b1")
	require.NoError(t, newTestResolver(fsys, nil).Resolve(context.Background(), doc, "en-us", NewTraceMap(), "b1", Inclusion{Mode: IncludeAll}))

	editor := doc["editor"].(map[string]interface{})
	assert.Len(t, editor["books"], 1, "p2 is expanded where it first appears")

	mentor := doc["author"].(map[string]interface{})["mentor"].(map[string]interface{})
	assert.Equal(t, "bob", mentor["name"])
	assert.Equal(t, []interface{}{}, mentor["books"], "a deeper repeat keeps entry references empty")
	assert.Equal(t, "/a1.png", mentor["avatar"].(map[string]interface{})["url"], "and still resolves assets")

	// a requested path is followed wherever it leads
	doc = loadOne(t, fsys, "blog", "b1")
	include := Inclusion{Mode: IncludeSpecific, Paths: []string{"editor", "author.mentor.books"}}
	require.NoError(t, newTestResolver(fsys, nil).Resolve(context.Background(), doc, "en-us", NewTraceMap(), "b1", include))

	assert.Equal(t, []interface{}{}, doc["editor"].(map[string]interface{})["books"])
	mentor = doc["author"].(map[string]interface{})["mentor"].(map[string]interface{})
	assert.Len(t, mentor["books"], 1)
}

func TestResolveMissingTargets(t *testing.T) {
	fsys := afero.NewMemMapFs()
	writeEntries(t, fsys, "en-us", "blog", Document{
		FieldUID:  "b1",
		"authors": ref("author", []interface{}{"p1"}),
		"editor":  ref("author", "p1"),
		"tags":    ref("tag", []interface{}{"t-missing"}),
	})
	writeEntries(t, fsys, "en-us", "tag", Document{FieldUID: "t1"})

	doc := loadOne(t, fsys, "blog", "b1")
	err := newTestResolver(fsys, nil).Resolve(context.Background(), doc, "en-us", NewTraceMap(), "b1", Inclusion{Mode: IncludeAll})
	require.NoError(t, err)

	assert.Equal(t, []interface{}{}, doc["authors"], "missing target file")
	assert.Equal(t, map[string]interface{}{}, doc["editor"])
	assert.Equal(t, []interface{}{}, doc["tags"], "missing uid")
}

func TestResolveMalformedTarget(t *testing.T) {
	fsys := afero.NewMemMapFs()
	writeEntries(t, fsys, "en-us", "blog", Document{FieldUID: "b1", "author": ref("author", "p1")})
	writeRaw(t, fsys, newTestStore(fsys).EntriesPath("en-us", "author"), "{")

	doc := loadOne(t, fsys, "blog", "b1")
	err := newTestResolver(fsys, nil).Resolve(context.Background(), doc, "en-us", NewTraceMap(), "b1", Inclusion{Mode: IncludeAll})
	assert.ErrorIs(t, err, ErrParse)
}

func TestResolveInclusionModes(t *testing.T) {
	fsys := afero.NewMemMapFs()
	writeEntries(t, fsys, "en-us", "blog", Document{
		FieldUID: "b1",
		"author": ref("author", "p1"),
		"hero":   ref(AssetContentType, "a1"),
		"gallery": []interface{}{
			map[string]interface{}{"image": ref(AssetContentType, []interface{}{"a1"})},
		},
	})
	writeEntries(t, fsys, "en-us", "author", Document{FieldUID: "p1", "name": "ann", "books": ref("book", []interface{}{"k1"})})
	writeEntries(t, fsys, "en-us", "book", Document{FieldUID: "k1", "title": "Go"})
	writeEntries(t, fsys, "en-us", AssetContentType, Document{FieldUID: "a1", "url": "/a1.png"})

	resolve := func(include Inclusion) Document {
		doc := loadOne(t, fsys, "blog", "b1")
		err := newTestResolver(fsys, nil).Resolve(context.Background(), doc, "en-us", NewTraceMap(), "b1", include)
		require.NoError(t, err)
		return doc
	}

	t.Run("none resolves assets only", func(t *testing.T) {
		doc := resolve(Inclusion{Mode: IncludeNone})
		assert.Equal(t, map[string]interface{}{}, doc["author"])
		assert.Equal(t, "/a1.png", doc["hero"].(map[string]interface{})["url"])

		image := doc["gallery"].([]interface{})[0].(map[string]interface{})["image"].([]interface{})
		assert.Equal(t, "a1", image[0].(map[string]interface{})[FieldUID])
	})

	t.Run("specific path", func(t *testing.T) {
		doc := resolve(Inclusion{Mode: IncludeSpecific, Paths: []string{"author"}})
		author := doc["author"].(map[string]interface{})
		assert.Equal(t, "ann", author["name"])
		assert.Equal(t, []interface{}{}, author["books"], "author.books was not requested")
	})

	t.Run("nested path expands its prefix", func(t *testing.T) {
		doc := resolve(Inclusion{Mode: IncludeSpecific, Paths: []string{"author.books"}})
		books := doc["author"].(map[string]interface{})["books"].([]interface{})
		require.Len(t, books, 1)
		assert.Equal(t, "Go", books[0].(map[string]interface{})["title"])
	})

	t.Run("all", func(t *testing.T) {
		doc := resolve(Inclusion{Mode: IncludeAll})
		books := doc["author"].(map[string]interface{})["books"].([]interface{})
		assert.Len(t, books, 1)
	})
}

func TestResolveDuplicateUIDs(t *testing.T) {
	fsys := afero.NewMemMapFs()
	writeEntries(t, fsys, "en-us", "blog", Document{FieldUID: "b1", "authors": ref("author", []interface{}{"p1", "p1"})})
	writeEntries(t, fsys, "en-us", "author", Document{FieldUID: "p1", "name": "ann"})

	doc := loadOne(t, fsys, "blog", "b1")
	require.NoError(t, newTestResolver(fsys, nil).Resolve(context.Background(), doc, "en-us", NewTraceMap(), "b1", Inclusion{Mode: IncludeAll}))

	authors := doc["authors"].([]interface{})
	require.Len(t, authors, 2)
	authors[0].(map[string]interface{})["name"] = "changed"
	assert.Equal(t, "ann", authors[1].(map[string]interface{})["name"], "each occurrence is its own copy")
}

func TestResolveAllSharesNothing(t *testing.T) {
	fsys := afero.NewMemMapFs()
	writeEntries(t, fsys, "en-us", "blog",
		Document{FieldUID: "b1", "author": ref("author", "p1")},
		Document{FieldUID: "b2", "author": ref("author", "p1")},
	)
	writeEntries(t, fsys, "en-us", "author", Document{FieldUID: "p1", "fav": ref("blog", "b1")})

	docs, err := newTestStore(fsys).Load(context.Background(), "en-us", "blog", LoadPrimary)
	require.NoError(t, err)

	edges, err := newTestResolver(fsys, nil).ResolveAll(context.Background(), docs, "en-us", Inclusion{Mode: IncludeAll})
	require.NoError(t, err)

	// b1 -> p1 -> (b1 is an ancestor), b2 -> p1 -> b1 -> (p1 is an ancestor)
	assert.Equal(t, map[string]interface{}{}, docs[0]["author"].(map[string]interface{})["fav"])
	fav := docs[1]["author"].(map[string]interface{})["fav"].(map[string]interface{})
	assert.Equal(t, "b1", fav[FieldUID])
	assert.Equal(t, map[string]interface{}{}, fav["author"])
	assert.Equal(t, 3, edges)
}

func TestResolveCancelled(t *testing.T) {
	fsys := afero.NewMemMapFs()
	writeEntries(t, fsys, "en-us", "blog", Document{FieldUID: "b1", "author": ref("author", "p1")})
	doc := loadOne(t, fsys, "blog", "b1")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := newTestResolver(fsys, nil).Resolve(ctx, doc, "en-us", NewTraceMap(), "b1", Inclusion{Mode: IncludeAll})
	assert.ErrorIs(t, err, context.Canceled)
}
