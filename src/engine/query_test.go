package engine

import (
	"context"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
)

func TestQueryIsImmutable(t *testing.T) {
	stack := newTestStack(afero.NewMemMapFs(), nil)

	base := stack.ContentType("blog").LessThan("no", 3)
	narrowed := base.GreaterThan("no", 0).Ascending("no").Skip(1).Only("title")

	assert.Equal(t, map[string]interface{}{"no": map[string]interface{}{"$lt": 3}}, base.Descriptor().Predicate)
	assert.Empty(t, base.Descriptor().Sort)
	assert.Nil(t, base.Descriptor().Skip)
	assert.Empty(t, base.Descriptor().Only)

	d := narrowed.Descriptor()
	assert.Equal(t, map[string]interface{}{"no": map[string]interface{}{"$lt": 3, "$gt": 0}}, d.Predicate)
	assert.Equal(t, []SortKey{{Field: "no", Order: 1}}, d.Sort)
	require.NotNil(t, d.Skip)
	assert.Equal(t, 1, *d.Skip)

	// the returned descriptor is a copy
	d.Predicate["other"] = 1
	assert.NotContains(t, narrowed.Descriptor().Predicate, "other")
}

func TestQueryConditions(t *testing.T) {
	q := newTestStack(afero.NewMemMapFs(), nil).ContentType("blog").
		EqualTo("title", "a").
		NotEqualTo("no", 1).
		ContainedIn("tags", []string{"go", "db"}).
		NotContainedIn("uid", []string{"x"}).
		Exists("body").
		NotExists("draft").
		Regex("slug", "^a", "i").
		LessThanOrEqualTo("rank", 5).
		GreaterThanOrEqualTo("rank", 1)

	assert.Equal(t, map[string]interface{}{
		"title": "a",
		"no":    map[string]interface{}{"$ne": 1},
		"tags":  map[string]interface{}{"$in": []interface{}{"go", "db"}},
		"uid":   map[string]interface{}{"$nin": []interface{}{"x"}},
		"body":  map[string]interface{}{"$exists": true},
		"draft": map[string]interface{}{"$exists": false},
		"slug":  map[string]interface{}{"$regex": "^a", "$options": "i"},
		"rank":  map[string]interface{}{"$lte": 5, "$gte": 1},
	}, q.Descriptor().Predicate)

	// equality next to an operator on the same field
	q = q.Where("title", "b").GreaterThan("title", "a")
	assert.Equal(t, map[string]interface{}{"$eq": "b", "$gt": "a"}, q.Descriptor().Predicate["title"])
}

func TestQueryLogicalMovesPredicate(t *testing.T) {
	q := newTestStack(afero.NewMemMapFs(), nil).ContentType("blog").
		Where("no", 1).
		Or(bson.M{"no": 2})

	d := q.Descriptor()
	assert.Empty(t, d.Predicate)
	require.NotNil(t, d.Logical)
	assert.Equal(t, OpOr, d.Logical.Op)
	assert.Equal(t, []map[string]interface{}{{"no": 1}, {"no": 2}}, d.Logical.Clauses)

	// a second combinator wraps the first one
	d = q.And(bson.M{"draft": false}).Descriptor()
	assert.Equal(t, OpAnd, d.Logical.Op)
	assert.Equal(t, []map[string]interface{}{
		{OpOr: []interface{}{map[string]interface{}{"no": 1}, map[string]interface{}{"no": 2}}},
		{"draft": false},
	}, d.Logical.Clauses)
}

func TestDescriptorFinalize(t *testing.T) {
	q := newTestStack(afero.NewMemMapFs(), nil).ContentType("blog").
		Or(bson.M{"no": 1}, bson.M{"no": 2}).
		Exists("title")

	d, err := q.Descriptor().finalize()
	require.NoError(t, err)
	assert.Nil(t, d.Logical)
	assert.Equal(t, map[string]interface{}{
		OpAnd: []interface{}{
			map[string]interface{}{OpOr: []interface{}{map[string]interface{}{"no": 1}, map[string]interface{}{"no": 2}}},
			map[string]interface{}{"title": map[string]interface{}{"$exists": true}},
		},
	}, d.Predicate)
}

func TestQueryInvalidParameters(t *testing.T) {
	stack := newTestStack(afero.NewMemMapFs(), nil)
	ctx := context.Background()

	for name, q := range map[string]Query{
		"empty content type": stack.ContentType(""),
		"path content type":  stack.ContentType("../blog"),
		"empty field":        stack.ContentType("blog").Where("", 1),
		"negative skip":      stack.ContentType("blog").Skip(-1),
		"negative limit":     stack.ContentType("blog").Limit(-1),
		"empty tag":          stack.ContentType("blog").Tags("go", " "),
		"empty only":         stack.ContentType("blog").Only(),
		"bad regex":          stack.ContentType("blog").Regex("title", "(", ""),
		"bad list":           stack.ContentType("blog").ContainedIn("no", 1),
		"nil where":          stack.ContentType("blog").WhereFunc(nil),
		"bad locale":         stack.ContentType("blog").Language("a/b"),
		"empty sort field":   stack.ContentType("blog").Ascending(""),
	} {
		_, err := q.Find(ctx)
		assert.ErrorIs(t, err, ErrInvalidParameter, name)
	}

	// the first error sticks
	q := stack.ContentType("blog").Skip(-1).Limit(2)
	assert.ErrorContains(t, q.Err(), "skip")
}

func TestQueryReferenceInclusion(t *testing.T) {
	q := newTestStack(afero.NewMemMapFs(), nil).ContentType("blog")

	assert.Equal(t, Inclusion{Mode: IncludeAll}, q.IncludeReferences().Descriptor().References)

	d := q.IncludeReferences("author").IncludeReferences("related.author").Descriptor()
	assert.Equal(t, IncludeSpecific, d.References.Mode)
	assert.Equal(t, []string{"author", "related.author"}, d.References.Paths)

	assert.Equal(t, IncludeNone, q.IncludeReferences().ExcludeReferences().Descriptor().References.Mode)
}
