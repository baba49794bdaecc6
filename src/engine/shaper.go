package engine

import (
	"context"
	"errors"
	"sort"

	"contentdb/src/settings"

	"go.uber.org/zap"
)

// Shaper turns the documents of a query into its envelope. The order of the steps
// is fixed, each one consumes the output of the previous:
//
//	sort -> reference predicate -> skip/limit -> only/except -> tags -> single -> count -> schema
//
// Tags are filtered after pagination, so a page can hold fewer than limit
// documents even when more tagged documents exist past the page.
type Shaper struct {
	store        ContentStore
	schemaPolicy string
	logger       *zap.SugaredLogger
}

// NewShaper creates a shaper. schemaPolicy is settings.SchemaPolicyStrict or
// settings.SchemaPolicyLenient.
func NewShaper(store ContentStore, schemaPolicy string, logger *zap.SugaredLogger) *Shaper {
	return &Shaper{store: store, schemaPolicy: schemaPolicy, logger: logger}
}

// Shape applies d to docs, which must already be loaded, stripped, filtered by
// the raw predicate and reference resolved.
func (s *Shaper) Shape(ctx context.Context, docs []Document, d Descriptor, locale string) (*Envelope, error) {
	SortDocuments(docs, d.Sort)

	docs, err := Evaluate(docs, Filter{Predicate: d.ReferencePredicate})
	if err != nil {
		return nil, err
	}
	total := len(docs)

	docs = Paginate(docs, d.Skip, d.Limit)
	docs = Project(docs, d.Only, d.Except)
	docs = FilterTags(docs, d.Tags)

	env := &Envelope{
		ContentTypeUID: d.ContentTypeUID,
		Locale:         locale,
		Single:         d.Single,
		CountOnly:      d.CountOnly,
	}

	if d.Single {
		if len(docs) > 0 {
			env.Document = docs[0]
		} else {
			env.Document = Document{}
		}
	} else {
		env.Documents = docs
	}

	switch {
	case d.CountOnly:
		n := len(docs)
		if d.Single {
			n = min(n, 1)
		}
		env.Count = &n
	case d.IncludeCount:
		env.Count = &total
	}

	if d.IncludeContentType {
		schema, err := s.store.LoadSchema(ctx, locale, d.ContentTypeUID)
		if err != nil {
			if !errors.Is(err, ErrSchemaNotFound) || s.schemaPolicy == settings.SchemaPolicyStrict {
				return nil, err
			}
			s.logger.Debugw("Schema missing, attaching an empty content type", "contentType", d.ContentTypeUID, "locale", locale)
			schema = Document{}
		}
		env.ContentType = schema
	}

	return env, nil
}

// SortDocuments sorts in place by the keys in order. Equal documents keep their
// relative order, documents missing a key sort before those that have it.
func SortDocuments(docs []Document, keys []SortKey) {
	if len(keys) == 0 {
		return
	}

	sort.SliceStable(docs, func(i, j int) bool {
		for _, key := range keys {
			a, aFound := firstValue(docs[i], key.Field)
			b, bFound := firstValue(docs[j], key.Field)
			result := sortCompare(a, b, aFound, bFound)
			if key.Order < 0 {
				result = -result
			}
			if result != 0 {
				return result < 0
			}
		}
		return false
	})
}

// Paginate returns docs[skip:skip+limit], clamped to the slice. A nil skip or
// limit is not applied.
func Paginate(docs []Document, skip, limit *int) []Document {
	start := 0
	if skip != nil {
		start = min(max(*skip, 0), len(docs))
	}
	end := len(docs)
	if limit != nil {
		end = min(start+max(*limit, 0), len(docs))
	}
	return docs[start:end]
}

// Project keeps the only paths (all fields when only is empty) and then removes
// the except paths from what remains. Paths are dotted and reach into nested
// objects, arrays and resolved references.
func Project(docs []Document, only, except []string) []Document {
	if len(only) == 0 && len(except) == 0 {
		return docs
	}

	mask := buildMask(only)
	out := make([]Document, len(docs))
	for i, doc := range docs {
		if mask != nil {
			doc = applyMask(doc, mask).(Document)
		}
		for _, path := range except {
			removePath(doc, splitPath(path))
		}
		out[i] = doc
	}
	return out
}

// projectionMask maps a field to the mask of its children. A nil child mask keeps
// the whole value.
type projectionMask map[string]projectionMask

func buildMask(paths []string) projectionMask {
	if len(paths) == 0 {
		return nil
	}

	root := projectionMask{}
	for _, path := range paths {
		node := root
		segments := splitPath(path)
		for i, segment := range segments {
			child, exists := node[segment]
			if i == len(segments)-1 {
				// keeping a whole field wins over keeping part of it
				node[segment] = nil
				break
			}
			if exists && child == nil {
				break
			}
			if !exists {
				child = projectionMask{}
				node[segment] = child
			}
			node = child
		}
	}
	return root
}

func applyMask(value interface{}, mask projectionMask) interface{} {
	switch v := value.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(mask))
		for key, child := range mask {
			field, ok := v[key]
			if !ok {
				continue
			}
			if child == nil {
				out[key] = field
			} else {
				out[key] = applyMask(field, child)
			}
		}
		return out
	case []interface{}:
		out := make([]interface{}, 0, len(v))
		for _, elem := range v {
			switch elem.(type) {
			case map[string]interface{}, []interface{}:
				out = append(out, applyMask(elem, mask))
			}
		}
		return out
	}
	return value
}

func removePath(value interface{}, segments []string) {
	switch v := value.(type) {
	case map[string]interface{}:
		if len(segments) == 1 {
			delete(v, segments[0])
			return
		}
		if child, ok := v[segments[0]]; ok {
			removePath(child, segments[1:])
		}
	case []interface{}:
		for _, elem := range v {
			removePath(elem, segments)
		}
	}
}

// FilterTags keeps the documents whose tags share at least one value with tags
func FilterTags(docs []Document, tags []string) []Document {
	if len(tags) == 0 {
		return docs
	}

	wanted := make(map[string]bool, len(tags))
	for _, tag := range tags {
		wanted[tag] = true
	}

	out := make([]Document, 0, len(docs))
	for _, doc := range docs {
		if hasTag(doc[FieldTags], wanted) {
			out = append(out, doc)
		}
	}
	return out
}

func hasTag(value interface{}, wanted map[string]bool) bool {
	switch v := value.(type) {
	case []interface{}:
		for _, item := range v {
			if tag, ok := item.(string); ok && wanted[tag] {
				return true
			}
		}
	case []string:
		for _, tag := range v {
			if wanted[tag] {
				return true
			}
		}
	}
	return false
}
