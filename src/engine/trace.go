package engine

import (
	"sort"
	"sync"
)

// TraceMap records, for one root document, which uids were resolved under which
// parent and which documents already had their references expanded. It is
// shared by the parallel branches of a resolution and lives only for the
// duration of one query.
type TraceMap struct {
	mu       sync.Mutex
	children map[string]map[string]struct{}
	expanded map[string]struct{}
}

// NewTraceMap returns an empty trace map
func NewTraceMap() *TraceMap {
	return &TraceMap{
		children: make(map[string]map[string]struct{}),
		expanded: make(map[string]struct{}),
	}
}

func traceKey(contentTypeUID, uid string) string {
	return contentTypeUID + "/" + uid
}

// MarkExpanded records that the documents behind keys had their references expanded
func (t *TraceMap) MarkExpanded(keys ...string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, key := range keys {
		t.expanded[key] = struct{}{}
	}
}

// Expanded reports whether the document behind key was expanded on an earlier level
func (t *TraceMap) Expanded(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	_, ok := t.expanded[key]
	return ok
}

// Record adds uids under parent. Recording the same edge twice is a no-op.
func (t *TraceMap) Record(parent string, uids ...string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	set, ok := t.children[parent]
	if !ok {
		set = make(map[string]struct{}, len(uids))
		t.children[parent] = set
	}
	for _, uid := range uids {
		set[uid] = struct{}{}
	}
}

// Children returns the uids recorded under parent, sorted
func (t *TraceMap) Children(parent string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	set := t.children[parent]
	uids := make([]string, 0, len(set))
	for uid := range set {
		uids = append(uids, uid)
	}
	sort.Strings(uids)
	return uids
}

// Edges returns the number of recorded parent to child edges
func (t *TraceMap) Edges() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for _, set := range t.children {
		n += len(set)
	}
	return n
}

// lineage is the chain of uids from the root document to the document currently
// being resolved. Branches share their common prefix, a new link never mutates it.
type lineage struct {
	uid    string
	parent *lineage
}

func (l *lineage) push(uid string) *lineage {
	return &lineage{uid: uid, parent: l}
}

// contains reports whether uid is the current document or one of its ancestors,
// i.e. whether following a reference to uid would close a cycle
func (l *lineage) contains(uid string) bool {
	for link := l; link != nil; link = link.parent {
		if link.uid == uid {
			return true
		}
	}
	return false
}
