package engine

import (
	"fmt"
	"regexp"
	"strings"

	"contentdb/src/helpers"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

/*
	Predicates use the operator vocabulary of document databases:

	{ "no": { "$lt": 1 } }
	{ "$or": [ { "title": "a" }, { "tags": { "$in": ["x"] } } ] }

	A predicate map is compiled into a matcher tree once per query, so malformed
	operators are reported before any document is looked at and the error does not
	depend on map iteration order.

	Empty logical lists: $and and $nor match every document, $or matches none.
*/

// WhereFunc is the operand of $where. It is called with the document being tested.
type WhereFunc func(doc Document) (bool, error)

// Logical operators
const (
	OpAnd = "$and"
	OpOr  = "$or"
	OpNor = "$nor"
	OpNot = "$not"
)

// LogicalClause is a combinator wrapping a list of predicates
type LogicalClause struct {
	Op      string
	Clauses []map[string]interface{}
}

// Query rewraps the clause as a single predicate
func (l *LogicalClause) Query() map[string]interface{} {
	if l == nil {
		return nil
	}
	if l.Op == OpNot {
		if len(l.Clauses) == 1 {
			return map[string]interface{}{OpNot: l.Clauses[0]}
		}
		// not(all of them)
		return map[string]interface{}{OpNot: map[string]interface{}{OpAnd: clauseList(l.Clauses)}}
	}
	return map[string]interface{}{l.Op: clauseList(l.Clauses)}
}

func clauseList(clauses []map[string]interface{}) []interface{} {
	list := make([]interface{}, len(clauses))
	for i, clause := range clauses {
		list[i] = clause
	}
	return list
}

// Filter is the part of a query descriptor the evaluator consumes
type Filter struct {
	Predicate map[string]interface{}
	Logical   *LogicalClause
}

// active returns the predicate to evaluate, nil when every document matches
func (f Filter) active() map[string]interface{} {
	if len(f.Predicate) > 0 {
		return f.Predicate
	}
	if f.Logical != nil {
		return f.Logical.Query()
	}
	return nil
}

// Evaluate returns the documents matching the filter, in their original order
func Evaluate(docs []Document, f Filter) ([]Document, error) {
	query := f.active()
	if query == nil {
		return docs, nil
	}

	m, err := compileQuery(helpers.NormalizeMap(query))
	if err != nil {
		return nil, err
	}

	matched := make([]Document, 0, len(docs))
	for _, doc := range docs {
		ok, err := m.match(doc)
		if err != nil {
			return nil, err
		}
		if ok {
			matched = append(matched, doc)
		}
	}
	return matched, nil
}

// Match reports whether doc satisfies predicate
func Match(doc Document, predicate map[string]interface{}) (bool, error) {
	m, err := compileQuery(helpers.NormalizeMap(predicate))
	if err != nil {
		return false, err
	}
	return m.match(doc)
}

type matcher interface {
	match(doc Document) (bool, error)
}

type allMatcher []matcher

func (a allMatcher) match(doc Document) (bool, error) {
	for _, m := range a {
		ok, err := m.match(doc)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

type anyMatcher []matcher

func (a anyMatcher) match(doc Document) (bool, error) {
	for _, m := range a {
		ok, err := m.match(doc)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

type notMatcher struct{ inner matcher }

func (n notMatcher) match(doc Document) (bool, error) {
	ok, err := n.inner.match(doc)
	if err != nil {
		return false, err
	}
	return !ok, nil
}

type whereMatcher struct{ fn WhereFunc }

func (w whereMatcher) match(doc Document) (bool, error) {
	ok, err := w.fn(doc)
	if err != nil {
		return false, fmt.Errorf("$where: %w", err)
	}
	return ok, nil
}

type fieldMatcher struct {
	path  []string
	conds []condition
}

func (f fieldMatcher) match(doc Document) (bool, error) {
	values, found := lookupPath(doc, f.path)
	for _, cond := range f.conds {
		if !cond.test(values, found) {
			return false, nil
		}
	}
	return true, nil
}

func compileQuery(query map[string]interface{}) (matcher, error) {
	matchers := make(allMatcher, 0, len(query))
	for key, operand := range query {
		var m matcher
		var err error

		switch key {
		case OpAnd, OpOr, OpNor:
			m, err = compileLogical(key, operand)
		case OpNot:
			sub, ok := operand.(map[string]interface{})
			if !ok {
				return nil, invalidParameter("$not expects a query object, got %T", operand)
			}
			var inner matcher
			inner, err = compileQuery(sub)
			m = notMatcher{inner: inner}
		case "$where":
			m, err = compileWhere(operand)
		default:
			if strings.HasPrefix(key, "$") {
				return nil, invalidParameter("unknown top level operator %s", key)
			}
			var conds []condition
			conds, err = compileConditions(key, operand)
			m = fieldMatcher{path: splitPath(key), conds: conds}
		}

		if err != nil {
			return nil, err
		}
		matchers = append(matchers, m)
	}
	return matchers, nil
}

func compileLogical(op string, operand interface{}) (matcher, error) {
	list, ok := operand.([]interface{})
	if !ok {
		return nil, invalidParameter("%s expects a list of queries, got %T", op, operand)
	}

	children := make([]matcher, 0, len(list))
	for _, item := range list {
		sub, ok := item.(map[string]interface{})
		if !ok {
			return nil, invalidParameter("%s expects query objects, got %T", op, item)
		}
		child, err := compileQuery(sub)
		if err != nil {
			return nil, err
		}
		children = append(children, child)
	}

	switch op {
	case OpOr:
		return anyMatcher(children), nil
	case OpNor:
		return notMatcher{inner: anyMatcher(children)}, nil
	}
	return allMatcher(children), nil
}

func compileWhere(operand interface{}) (matcher, error) {
	switch fn := operand.(type) {
	case WhereFunc:
		return whereMatcher{fn: fn}, nil
	case func(Document) (bool, error):
		return whereMatcher{fn: fn}, nil
	case func(Document) bool:
		return whereMatcher{fn: func(doc Document) (bool, error) { return fn(doc), nil }}, nil
	}
	return nil, invalidParameter("$where expects a Go function, got %T", operand)
}

// condition tests the values found at one field path
type condition struct {
	op      string
	operand interface{}
	list    []interface{}
	re      *regexp.Regexp
	size    int
	exists  bool
	negated []condition
}

func compileConditions(field string, operand interface{}) ([]condition, error) {
	if re, ok, err := regexOperand(operand); ok {
		if err != nil {
			return nil, err
		}
		return []condition{{op: "$regex", re: re}}, nil
	}

	ops, ok := operand.(map[string]interface{})
	if !ok || !isOperatorObject(ops) {
		return []condition{{op: "$eq", operand: operand}}, nil
	}

	options, _ := ops["$options"].(string)
	if _, hasOptions := ops["$options"]; hasOptions {
		if _, hasRegex := ops["$regex"]; !hasRegex {
			return nil, invalidParameter("%s: $options without $regex", field)
		}
	}

	conds := make([]condition, 0, len(ops))
	for op, value := range ops {
		cond := condition{op: op, operand: value}

		switch op {
		case "$eq", "$ne", "$lt", "$lte", "$gt", "$gte":
		case "$in", "$nin":
			list, ok := value.([]interface{})
			if !ok {
				return nil, invalidParameter("%s: %s expects a list, got %T", field, op, value)
			}
			cond.list = list
		case "$exists":
			cond.exists = truthy(value)
		case "$regex":
			re, err := regexCondition(field, value, options)
			if err != nil {
				return nil, err
			}
			cond.re = re
		case "$options":
			continue
		case "$size":
			n, ok := toFloat(value)
			if !ok || n < 0 || n != float64(int(n)) {
				return nil, invalidParameter("%s: $size expects a non-negative integer, got %v", field, value)
			}
			cond.size = int(n)
		case "$not":
			negated, err := compileConditions(field, value)
			if err != nil {
				return nil, err
			}
			cond.negated = negated
		default:
			return nil, invalidParameter("%s: unknown operator %s", field, op)
		}

		conds = append(conds, cond)
	}
	return conds, nil
}

func regexCondition(field string, value interface{}, options string) (*regexp.Regexp, error) {
	if pattern, ok := value.(string); ok {
		return compilePattern(pattern, options)
	}
	if re, ok, err := regexOperand(value); ok {
		if err != nil || options == "" {
			return re, err
		}
		// options given next to a regex object apply on top of its own
		return compilePattern(re.String(), options)
	}
	return nil, invalidParameter("%s: $regex expects a pattern, got %T", field, value)
}

func isOperatorObject(ops map[string]interface{}) bool {
	if len(ops) == 0 {
		return false
	}
	for key := range ops {
		if !strings.HasPrefix(key, "$") {
			return false
		}
	}
	return true
}

// regexOperand returns the compiled pattern when value is a regex object
// (*regexp.Regexp or bson regex). Plain strings are not regexes here.
func regexOperand(value interface{}) (*regexp.Regexp, bool, error) {
	switch v := value.(type) {
	case *regexp.Regexp:
		return v, true, nil
	case primitive.Regex:
		re, err := compilePattern(v.Pattern, v.Options)
		return re, true, err
	}
	return nil, false, nil
}

// compilePattern turns a pattern and document database style options into an RE2 regex
func compilePattern(pattern, options string) (*regexp.Regexp, error) {
	flags := ""
	for _, opt := range options {
		switch opt {
		case 'i', 'm', 's':
			if !strings.ContainsRune(flags, opt) {
				flags += string(opt)
			}
		case 'x', 'u':
			// no RE2 equivalent, ignored
		default:
			return nil, invalidParameter("unsupported regex option %q", opt)
		}
	}
	if flags != "" {
		pattern = "(?" + flags + ")" + pattern
	}

	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, invalidParameter("invalid regex %q: %v", pattern, err)
	}
	return re, nil
}

func truthy(value interface{}) bool {
	switch v := value.(type) {
	case nil:
		return false
	case bool:
		return v
	}
	if f, ok := toFloat(value); ok {
		return f != 0
	}
	return true
}

func (c condition) test(values []interface{}, found bool) bool {
	switch c.op {
	case "$eq":
		return matchesEqual(values, found, c.operand)
	case "$ne":
		return !matchesEqual(values, found, c.operand)
	case "$lt", "$lte", "$gt", "$gte":
		for _, v := range values {
			result, ok := compareValues(v, c.operand)
			if !ok {
				continue
			}
			if (c.op == "$lt" && result < 0) || (c.op == "$lte" && result <= 0) ||
				(c.op == "$gt" && result > 0) || (c.op == "$gte" && result >= 0) {
				return true
			}
		}
		return false
	case "$in":
		return matchesAny(values, found, c.list)
	case "$nin":
		return !matchesAny(values, found, c.list)
	case "$exists":
		return found == c.exists
	case "$regex":
		for _, v := range values {
			if s, ok := v.(string); ok && c.re.MatchString(s) {
				return true
			}
		}
		return false
	case "$size":
		for _, v := range values {
			if arr, ok := v.([]interface{}); ok && len(arr) == c.size {
				return true
			}
		}
		return false
	case "$not":
		for _, cond := range c.negated {
			if !cond.test(values, found) {
				return true
			}
		}
		return false
	}
	return false
}

func matchesEqual(values []interface{}, found bool, operand interface{}) bool {
	if operand == nil && !found {
		// a null operand matches a missing field
		return true
	}
	for _, v := range values {
		if valuesEqual(v, operand) {
			return true
		}
	}
	return false
}

func matchesAny(values []interface{}, found bool, list []interface{}) bool {
	for _, candidate := range list {
		if re, ok, err := regexOperand(candidate); ok {
			if err == nil && (condition{op: "$regex", re: re}).test(values, found) {
				return true
			}
			continue
		}
		if matchesEqual(values, found, candidate) {
			return true
		}
	}
	return false
}
