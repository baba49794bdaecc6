package engine

import (
	"context"
	"strings"

	"contentdb/src/helpers"

	"go.mongodb.org/mongo-driver/bson"
)

// SortKey is one key of a multi-key sort. Order is 1 for ascending, -1 for descending.
type SortKey struct {
	Field string
	Order int
}

// Descriptor is the accumulated description of one query. The builder produces it,
// Stack.Execute consumes it.
type Descriptor struct {
	ContentTypeUID string
	// Locale overrides the master locale when set
	Locale string

	Predicate          map[string]interface{}
	Logical            *LogicalClause
	ReferencePredicate map[string]interface{}

	Sort        []SortKey
	Skip, Limit *int
	Tags        []string
	Only        []string
	Except      []string
	References  Inclusion

	Single             bool
	CountOnly          bool
	IncludeCount       bool
	IncludeContentType bool
}

// finalize leaves at most one of predicate and logical clause active. A predicate
// added after a combinator is folded together with it under $and.
func (d Descriptor) finalize() (Descriptor, error) {
	if err := validateSegment("content type", d.ContentTypeUID); err != nil {
		return d, err
	}
	if d.Skip != nil && *d.Skip < 0 {
		return d, invalidParameter("skip must not be negative, got %d", *d.Skip)
	}
	if d.Limit != nil && *d.Limit < 0 {
		return d, invalidParameter("limit must not be negative, got %d", *d.Limit)
	}
	if d.References.Mode == IncludeSpecific && len(d.References.Paths) == 0 {
		return d, invalidParameter("reference inclusion by path needs at least one path")
	}

	if len(d.Predicate) > 0 && d.Logical != nil {
		d.Predicate = map[string]interface{}{
			OpAnd: []interface{}{d.Logical.Query(), d.Predicate},
		}
		d.Logical = nil
	}
	return d, nil
}

func (d Descriptor) clone() Descriptor {
	out := d
	out.Predicate = copyQuery(d.Predicate)
	out.ReferencePredicate = copyQuery(d.ReferencePredicate)
	if d.Logical != nil {
		clauses := make([]map[string]interface{}, len(d.Logical.Clauses))
		for i, clause := range d.Logical.Clauses {
			clauses[i] = copyQuery(clause)
		}
		out.Logical = &LogicalClause{Op: d.Logical.Op, Clauses: clauses}
	}
	out.Sort = append([]SortKey(nil), d.Sort...)
	out.Tags = append([]string(nil), d.Tags...)
	out.Only = append([]string(nil), d.Only...)
	out.Except = append([]string(nil), d.Except...)
	out.References.Paths = append([]string(nil), d.References.Paths...)
	if d.Skip != nil {
		skip := *d.Skip
		out.Skip = &skip
	}
	if d.Limit != nil {
		limit := *d.Limit
		out.Limit = &limit
	}
	return out
}

func copyQuery(query map[string]interface{}) map[string]interface{} {
	if query == nil {
		return nil
	}
	return deepCopy(query).(map[string]interface{})
}

// Query is the fluent builder. Every method returns a new Query and leaves the
// receiver untouched, so a partial query can be reused as a template:
//
//	blogs := stack.ContentType("blog")
//	first, err := blogs.LessThan("no", 1).Find(ctx)
//	rest, err := blogs.Skip(1).Find(ctx)
//
// Invalid arguments are remembered and returned by Find.
type Query struct {
	stack *Stack
	d     Descriptor
	err   error
}

// Descriptor returns a copy of the accumulated query
func (q Query) Descriptor() Descriptor {
	return q.d.clone()
}

// Err returns the first invalid argument given to the builder
func (q Query) Err() error {
	return q.err
}

func (q Query) with(fn func(d *Descriptor) error) Query {
	if q.err != nil {
		return q
	}
	next := Query{stack: q.stack, d: q.d.clone()}
	next.err = fn(&next.d)
	return next
}

// Entries asks for a list of documents
func (q Query) Entries() Query {
	return q.with(func(d *Descriptor) error {
		d.Single = false
		return nil
	})
}

// Entry asks for a single document, the one with uid when uid is not empty
func (q Query) Entry(uid string) Query {
	return q.with(func(d *Descriptor) error {
		d.Single = true
		if uid != "" {
			setCondition(d, FieldUID, "", uid)
		}
		return nil
	})
}

// Where matches documents whose field equals value
func (q Query) Where(field string, value interface{}) Query {
	return q.condition(field, "", value)
}

// EqualTo is Where
func (q Query) EqualTo(field string, value interface{}) Query {
	return q.condition(field, "", value)
}

func (q Query) NotEqualTo(field string, value interface{}) Query {
	return q.condition(field, "$ne", value)
}

func (q Query) LessThan(field string, value interface{}) Query {
	return q.condition(field, "$lt", value)
}

func (q Query) LessThanOrEqualTo(field string, value interface{}) Query {
	return q.condition(field, "$lte", value)
}

func (q Query) GreaterThan(field string, value interface{}) Query {
	return q.condition(field, "$gt", value)
}

func (q Query) GreaterThanOrEqualTo(field string, value interface{}) Query {
	return q.condition(field, "$gte", value)
}

// ContainedIn matches documents whose field equals one of values, which must be a slice
func (q Query) ContainedIn(field string, values interface{}) Query {
	return q.listCondition(field, "$in", values)
}

func (q Query) NotContainedIn(field string, values interface{}) Query {
	return q.listCondition(field, "$nin", values)
}

func (q Query) Exists(field string) Query {
	return q.condition(field, "$exists", true)
}

func (q Query) NotExists(field string) Query {
	return q.condition(field, "$exists", false)
}

// Regex matches string fields against pattern. options takes the i, m and s flags.
func (q Query) Regex(field, pattern, options string) Query {
	if _, err := compilePattern(pattern, options); err != nil {
		return q.fail(err)
	}
	next := q.condition(field, "$regex", pattern)
	if options == "" {
		return next
	}
	return next.condition(field, "$options", options)
}

// WhereFunc matches documents for which fn returns true
func (q Query) WhereFunc(fn WhereFunc) Query {
	if fn == nil {
		return q.fail(invalidParameter("$where function must not be nil"))
	}
	return q.with(func(d *Descriptor) error {
		if d.Predicate == nil {
			d.Predicate = map[string]interface{}{}
		}
		d.Predicate["$where"] = fn
		return nil
	})
}

// Query merges a raw predicate into the working predicate
func (q Query) Query(query bson.M) Query {
	return q.with(func(d *Descriptor) error {
		normalized := helpers.NormalizeMap(query)
		if d.Predicate == nil {
			d.Predicate = make(map[string]interface{}, len(normalized))
		}
		for key, value := range normalized {
			d.Predicate[key] = value
		}
		return nil
	})
}

// QueryReferences filters on fields of referenced documents. The predicate is
// evaluated after references are resolved.
func (q Query) QueryReferences(query bson.M) Query {
	return q.with(func(d *Descriptor) error {
		normalized := helpers.NormalizeMap(query)
		if d.ReferencePredicate == nil {
			d.ReferencePredicate = make(map[string]interface{}, len(normalized))
		}
		for key, value := range normalized {
			d.ReferencePredicate[key] = value
		}
		return nil
	})
}

func (q Query) And(queries ...bson.M) Query {
	return q.logical(OpAnd, queries)
}

func (q Query) Or(queries ...bson.M) Query {
	return q.logical(OpOr, queries)
}

func (q Query) Nor(queries ...bson.M) Query {
	return q.logical(OpNor, queries)
}

// Not matches documents that do not satisfy the working predicate together with query
func (q Query) Not(query bson.M) Query {
	return q.logical(OpNot, []bson.M{query})
}

// logical moves the working predicate, and a previous combinator, under op
func (q Query) logical(op string, queries []bson.M) Query {
	return q.with(func(d *Descriptor) error {
		clauses := make([]map[string]interface{}, 0, len(queries)+2)
		if d.Logical != nil {
			clauses = append(clauses, d.Logical.Query())
		}
		if len(d.Predicate) > 0 {
			clauses = append(clauses, d.Predicate)
		}
		for _, query := range queries {
			if query == nil {
				return invalidParameter("%s: query must not be nil", op)
			}
			clauses = append(clauses, helpers.NormalizeMap(query))
		}
		if op == OpNot && len(clauses) == 0 {
			return invalidParameter("$not needs a query")
		}

		d.Logical = &LogicalClause{Op: op, Clauses: clauses}
		d.Predicate = nil
		return nil
	})
}

func (q Query) Ascending(field string) Query {
	return q.sortBy(field, 1)
}

func (q Query) Descending(field string) Query {
	return q.sortBy(field, -1)
}

// sortBy appends a sort key. Sorting again by the same field changes its direction
// and keeps its position.
func (q Query) sortBy(field string, order int) Query {
	return q.with(func(d *Descriptor) error {
		if strings.TrimSpace(field) == "" {
			return invalidParameter("sort field must not be empty")
		}
		for i := range d.Sort {
			if d.Sort[i].Field == field {
				d.Sort[i].Order = order
				return nil
			}
		}
		d.Sort = append(d.Sort, SortKey{Field: field, Order: order})
		return nil
	})
}

func (q Query) Skip(n int) Query {
	return q.with(func(d *Descriptor) error {
		if n < 0 {
			return invalidParameter("skip must not be negative, got %d", n)
		}
		d.Skip = &n
		return nil
	})
}

func (q Query) Limit(n int) Query {
	return q.with(func(d *Descriptor) error {
		if n < 0 {
			return invalidParameter("limit must not be negative, got %d", n)
		}
		d.Limit = &n
		return nil
	})
}

// Tags keeps documents carrying at least one of tags
func (q Query) Tags(tags ...string) Query {
	return q.with(func(d *Descriptor) error {
		for _, tag := range tags {
			if strings.TrimSpace(tag) == "" {
				return invalidParameter("tags must not be empty")
			}
		}
		d.Tags = append(d.Tags, tags...)
		return nil
	})
}

// Only keeps the given dotted paths of every document
func (q Query) Only(fields ...string) Query {
	return q.with(func(d *Descriptor) error {
		if err := validatePaths("only", fields); err != nil {
			return err
		}
		d.Only = append(d.Only, fields...)
		return nil
	})
}

// Except removes the given dotted paths from every document
func (q Query) Except(fields ...string) Query {
	return q.with(func(d *Descriptor) error {
		if err := validatePaths("except", fields); err != nil {
			return err
		}
		d.Except = append(d.Except, fields...)
		return nil
	})
}

// IncludeReferences resolves every entry reference, or only those on paths when
// paths are given. Asset references are always resolved.
func (q Query) IncludeReferences(paths ...string) Query {
	return q.with(func(d *Descriptor) error {
		if len(paths) == 0 {
			d.References = Inclusion{Mode: IncludeAll}
			return nil
		}
		if err := validatePaths("include references", paths); err != nil {
			return err
		}
		if d.References.Mode == IncludeAll {
			return nil
		}
		d.References.Mode = IncludeSpecific
		d.References.Paths = append(d.References.Paths, paths...)
		return nil
	})
}

// ExcludeReferences leaves entry references unresolved
func (q Query) ExcludeReferences() Query {
	return q.with(func(d *Descriptor) error {
		d.References = Inclusion{Mode: IncludeNone}
		return nil
	})
}

// IncludeCount adds the number of matching documents before skip and limit
func (q Query) IncludeCount() Query {
	return q.with(func(d *Descriptor) error {
		d.IncludeCount = true
		return nil
	})
}

// Count returns the number of documents instead of the documents
func (q Query) Count() Query {
	return q.with(func(d *Descriptor) error {
		d.CountOnly = true
		return nil
	})
}

// IncludeContentType attaches the content type schema to the result
func (q Query) IncludeContentType() Query {
	return q.with(func(d *Descriptor) error {
		d.IncludeContentType = true
		return nil
	})
}

// Language reads the query from locale instead of the master locale
func (q Query) Language(locale string) Query {
	return q.with(func(d *Descriptor) error {
		if err := validateSegment("locale", locale); err != nil {
			return err
		}
		d.Locale = locale
		return nil
	})
}

// Find executes the query
func (q Query) Find(ctx context.Context) (*Envelope, error) {
	if q.err != nil {
		return nil, q.err
	}
	if q.stack == nil {
		return nil, invalidParameter("query is not bound to a stack")
	}
	return q.stack.Execute(ctx, q.d)
}

// FindOne executes the query for its first document
func (q Query) FindOne(ctx context.Context) (*Envelope, error) {
	return q.with(func(d *Descriptor) error {
		d.Single = true
		return nil
	}).Find(ctx)
}

func (q Query) fail(err error) Query {
	if q.err != nil {
		return q
	}
	return Query{stack: q.stack, d: q.d, err: err}
}

func (q Query) condition(field, op string, value interface{}) Query {
	return q.with(func(d *Descriptor) error {
		if strings.TrimSpace(field) == "" {
			return invalidParameter("field must not be empty")
		}
		setCondition(d, field, op, helpers.Normalize(value))
		return nil
	})
}

func (q Query) listCondition(field, op string, values interface{}) Query {
	list, ok := helpers.Normalize(values).([]interface{})
	if !ok {
		return q.fail(invalidParameter("%s: %s expects a slice, got %T", field, op, values))
	}
	return q.condition(field, op, list)
}

// setCondition adds op to the operators already set on field. An empty op is
// plain equality.
func setCondition(d *Descriptor, field, op string, value interface{}) {
	if d.Predicate == nil {
		d.Predicate = map[string]interface{}{}
	}

	existing, isOps := d.Predicate[field].(map[string]interface{})
	isOps = isOps && isOperatorObject(existing)

	if op == "" {
		if isOps {
			existing["$eq"] = value
			return
		}
		d.Predicate[field] = value
		return
	}

	if isOps {
		existing[op] = value
		return
	}
	if current, ok := d.Predicate[field]; ok {
		// an earlier plain equality becomes $eq next to the new operator
		d.Predicate[field] = map[string]interface{}{"$eq": current, op: value}
		return
	}
	d.Predicate[field] = map[string]interface{}{op: value}
}

func validatePaths(kind string, paths []string) error {
	if len(paths) == 0 {
		return invalidParameter("%s needs at least one field", kind)
	}
	for _, path := range paths {
		if strings.TrimSpace(path) == "" {
			return invalidParameter("%s: field must not be empty", kind)
		}
	}
	return nil
}
