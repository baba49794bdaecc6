package engine

import (
	"context"
	"errors"
	"strings"

	"contentdb/src/metrics"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// IncludeMode selects which entry references a query expands
type IncludeMode int

const (
	// IncludeNone expands asset references only
	IncludeNone IncludeMode = iota
	// IncludeAll expands every reference
	IncludeAll
	// IncludeSpecific expands the references on the requested paths
	IncludeSpecific
)

// Inclusion is the reference inclusion part of a query descriptor
type Inclusion struct {
	Mode  IncludeMode
	Paths []string
}

// expands reports whether a marker found at path pointing to target is resolved.
// Asset references always are. A requested path also enables every reference on
// the way to it, so "author.books" expands "author" first.
func (in Inclusion) expands(path, target string) bool {
	if target == AssetContentType {
		return true
	}

	switch in.Mode {
	case IncludeAll:
		return true
	case IncludeSpecific:
		for _, requested := range in.Paths {
			if requested == path || strings.HasPrefix(requested, path+".") {
				return true
			}
		}
	}
	return false
}

// ReferenceResolver substitutes reference markers with the documents they point to
type ReferenceResolver struct {
	store          ContentStore
	concurrency    int
	internalFields []string
	metrics        *metrics.Metrics
	logger         *zap.SugaredLogger
}

// NewReferenceResolver creates a resolver reading targets from store. concurrency
// bounds the parallel lookups of one fan-out, m may be nil.
func NewReferenceResolver(store ContentStore, concurrency int, internalFields []string, m *metrics.Metrics, logger *zap.SugaredLogger) *ReferenceResolver {
	if concurrency < 1 {
		concurrency = 1
	}
	return &ReferenceResolver{
		store:          store,
		concurrency:    concurrency,
		internalFields: internalFields,
		metrics:        m,
		logger:         logger,
	}
}

// slot is the location of one reference marker inside a document tree. owner is
// the index of the node the marker was found in.
type slot struct {
	path   string
	target string
	values interface{}
	owner  int
	set    func(value interface{})
}

// node is a resolved document whose own references are expanded on the next level
type node struct {
	doc     Document
	line    *lineage
	path    string
	include Inclusion
}

// Resolve expands the references of doc in place. parentUID is the uid of doc,
// trace collects the resolved edges of this root document.
//
// Resolution runs level by level. When every reference is included, a target
// document is expanded at the shallowest level it appears on; deeper occurrences
// of the same document are embedded with their asset references resolved and
// entry references left empty. References back to an ancestor are skipped.
func (r *ReferenceResolver) Resolve(ctx context.Context, doc Document, locale string, trace *TraceMap, parentUID string, include Inclusion) error {
	var line *lineage
	frontier := []node{{doc: doc, line: line.push(parentUID), include: include}}
	for len(frontier) > 0 {
		next, err := r.resolveLevel(ctx, frontier, locale, trace)
		if err != nil {
			return err
		}
		frontier = next
	}
	return nil
}

// ResolveAll resolves every document with its own trace map, in parallel, and
// returns the number of edges recorded.
func (r *ReferenceResolver) ResolveAll(ctx context.Context, docs []Document, locale string, include Inclusion) (int, error) {
	traces := make([]*TraceMap, len(docs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for i, doc := range docs {
		i, doc := i, doc
		traces[i] = NewTraceMap()
		g.Go(func() error {
			return r.Resolve(gctx, doc, locale, traces[i], documentUID(doc), include)
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	edges := 0
	for _, trace := range traces {
		edges += trace.Edges()
	}
	return edges, nil
}

// resolveLevel substitutes every marker of the frontier and returns the
// documents it embedded, which form the next frontier.
func (r *ReferenceResolver) resolveLevel(ctx context.Context, frontier []node, locale string, trace *TraceMap) ([]node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var slots []slot
	for i, n := range frontier {
		start := len(slots)
		collectSlots(n.doc, n.path, &slots)
		for j := start; j < len(slots); j++ {
			slots[j].owner = i
		}
	}
	if len(slots) == 0 {
		return nil, nil
	}

	// resolve in parallel, assign after the join so no map is written concurrently
	results := make([]interface{}, len(slots))
	embedded := make([][]Document, len(slots))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for i, s := range slots {
		i, s := i, s
		owner := frontier[s.owner]
		g.Go(func() error {
			value, docs, err := r.resolveSlot(gctx, s, locale, trace, owner.line, owner.include)
			if err != nil {
				return err
			}
			results[i] = value
			embedded[i] = docs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var next []node
	var fresh []string
	for i, s := range slots {
		s.set(results[i])

		owner := frontier[s.owner]
		for _, doc := range embedded[i] {
			uid := documentUID(doc)
			key := traceKey(s.target, uid)
			include := owner.include
			// requested paths bound the depth of a specific inclusion already
			if include.Mode == IncludeAll {
				if trace.Expanded(key) {
					include = Inclusion{Mode: IncludeNone}
				} else {
					fresh = append(fresh, key)
				}
			}
			next = append(next, node{doc: doc, line: owner.line.push(uid), path: s.path, include: include})
		}
	}
	trace.MarkExpanded(fresh...)
	return next, nil
}

// resolveSlot returns the value replacing the marker of s and the documents
// embedded in it.
func (r *ReferenceResolver) resolveSlot(ctx context.Context, s slot, locale string, trace *TraceMap, line *lineage, include Inclusion) (interface{}, []Document, error) {
	uids, multiple := referenceUIDs(s.values)

	if !include.expands(s.path, s.target) {
		return placeholder(multiple), nil, nil
	}

	if s.target != AssetContentType {
		kept := uids[:0:0]
		for _, uid := range uids {
			if line.contains(uid) {
				r.logger.Debugw("Skipping reference that closes a cycle", "path", s.path, "uid", uid, "parent", line.uid)
				if r.metrics != nil {
					r.metrics.CyclesSkipped.Inc()
				}
				continue
			}
			kept = append(kept, uid)
		}
		uids = kept
	}
	if len(uids) == 0 {
		return placeholder(multiple), nil, nil
	}

	docs, err := r.store.Load(ctx, locale, s.target, LoadReference)
	if err != nil {
		if errors.Is(err, ErrReferenceTargetMissing) {
			r.logger.Debugw("Reference target missing, resolving to an empty set",
				"path", s.path, "contentType", s.target, "locale", locale)
			return placeholder(multiple), nil, nil
		}
		return nil, nil, err
	}
	docs = stripInternal(docs, r.internalFields)

	byUID := make(map[string]Document, len(docs))
	for _, doc := range docs {
		uid := documentUID(doc)
		if _, seen := byUID[uid]; !seen {
			byUID[uid] = doc
		}
	}

	// marker order, not file order
	resolved := make([]Document, 0, len(uids))
	used := make(map[string]bool, len(uids))
	for _, uid := range uids {
		doc, ok := byUID[uid]
		if !ok {
			continue
		}
		if used[uid] {
			// the same uid listed twice gets its own copy
			doc = deepCopy(doc).(Document)
		}
		used[uid] = true
		resolved = append(resolved, doc)
	}
	if len(resolved) == 0 {
		return placeholder(multiple), nil, nil
	}

	trace.Record(line.uid, uids...)
	if r.metrics != nil {
		r.metrics.ReferencesResolved.Add(float64(len(resolved)))
	}

	if !multiple {
		return resolved[0], resolved, nil
	}
	list := make([]interface{}, len(resolved))
	for i, doc := range resolved {
		list[i] = doc
	}
	return list, resolved, nil
}

// collectSlots walks value and records every reference marker with its dotted
// path. Array indices are not part of the path.
func collectSlots(value interface{}, path string, slots *[]slot) {
	switch v := value.(type) {
	case map[string]interface{}:
		for key, child := range v {
			key := key
			childPath := joinPath(path, key)
			if target, values, ok := isReferenceMarker(child); ok {
				*slots = append(*slots, slot{
					path:   childPath,
					target: target,
					values: values,
					set:    func(resolved interface{}) { v[key] = resolved },
				})
				continue
			}
			collectSlots(child, childPath, slots)
		}
	case []interface{}:
		for i, child := range v {
			i := i
			if target, values, ok := isReferenceMarker(child); ok {
				*slots = append(*slots, slot{
					path:   path,
					target: target,
					values: values,
					set:    func(resolved interface{}) { v[i] = resolved },
				})
				continue
			}
			collectSlots(child, path, slots)
		}
	}
}

func joinPath(base, key string) string {
	if base == "" {
		return key
	}
	return base + "." + key
}

func deepCopy(value interface{}) interface{} {
	switch v := value.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for key, child := range v {
			out[key] = deepCopy(child)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, child := range v {
			out[i] = deepCopy(child)
		}
		return out
	}
	return value
}
