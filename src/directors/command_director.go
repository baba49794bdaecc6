package directors

import (
	"context"
	"fmt"
	"strings"

	"contentdb/src/engine"
	"contentdb/src/helpers"

	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap"
)

// QueryCommand is a query as typed on the command line. Predicates and the sort
// specification are extended JSON, e.g. --where '{"no": {"$lt": 1}}'.
type QueryCommand struct {
	ContentType string
	Assets      bool
	Locale      string

	Where    string
	RefWhere string
	Sort     string

	Skip  int
	Limit int

	Tags   []string
	Only   []string
	Except []string

	IncludeReferences bool
	ReferencePaths    []string

	One                bool
	Count              bool
	IncludeCount       bool
	IncludeContentType bool
}

// CommandDirector turns cmd into a builder query on stack and runs it. Negative
// Skip and Limit mean unset.
func CommandDirector(ctx context.Context, stack *engine.Stack, cmd QueryCommand, logger *zap.SugaredLogger) (*engine.Envelope, error) {
	q, err := BuildQuery(stack, cmd)
	if err != nil {
		return nil, err
	}

	logger.Debugw("Executing command", "contentType", cmd.ContentType, "assets", cmd.Assets, "where", cmd.Where, "sort", cmd.Sort)

	if cmd.One {
		return q.FindOne(ctx)
	}
	return q.Find(ctx)
}

// BuildQuery translates cmd into a builder query without running it
func BuildQuery(stack *engine.Stack, cmd QueryCommand) (engine.Query, error) {
	var q engine.Query
	switch {
	case cmd.Assets && cmd.ContentType != "":
		return q, fmt.Errorf("--type and --assets are mutually exclusive")
	case cmd.Assets:
		q = stack.Assets()
	case cmd.ContentType != "":
		q = stack.ContentType(cmd.ContentType)
	default:
		return q, fmt.Errorf("a content type is required")
	}

	if cmd.Locale != "" {
		q = q.Language(cmd.Locale)
	}

	if strings.TrimSpace(cmd.Where) != "" {
		where, err := helpers.ParseExtJSON(cmd.Where)
		if err != nil {
			return q, fmt.Errorf("error parsing --where: %w", err)
		}
		q = q.Query(bson.M(where))
	}

	if strings.TrimSpace(cmd.RefWhere) != "" {
		refWhere, err := helpers.ParseExtJSON(cmd.RefWhere)
		if err != nil {
			return q, fmt.Errorf("error parsing --ref-where: %w", err)
		}
		q = q.QueryReferences(bson.M(refWhere))
	}

	if strings.TrimSpace(cmd.Sort) != "" {
		sortSpec, err := helpers.ParseOrderedExtJSON(cmd.Sort)
		if err != nil {
			return q, fmt.Errorf("error parsing --sort: %w", err)
		}
		for _, key := range sortSpec {
			order, ok := sortOrder(key.Value)
			if !ok {
				return q, fmt.Errorf("--sort %s: order must be 1 or -1, got %v", key.Key, key.Value)
			}
			if order < 0 {
				q = q.Descending(key.Key)
			} else {
				q = q.Ascending(key.Key)
			}
		}
	}

	if cmd.Skip >= 0 {
		q = q.Skip(cmd.Skip)
	}
	if cmd.Limit >= 0 {
		q = q.Limit(cmd.Limit)
	}
	if len(cmd.Tags) > 0 {
		q = q.Tags(cmd.Tags...)
	}
	if len(cmd.Only) > 0 {
		q = q.Only(cmd.Only...)
	}
	if len(cmd.Except) > 0 {
		q = q.Except(cmd.Except...)
	}
	if cmd.IncludeReferences || len(cmd.ReferencePaths) > 0 {
		q = q.IncludeReferences(cmd.ReferencePaths...)
	}
	if cmd.Count {
		q = q.Count()
	}
	if cmd.IncludeCount {
		q = q.IncludeCount()
	}
	if cmd.IncludeContentType {
		q = q.IncludeContentType()
	}

	return q, q.Err()
}

func sortOrder(value interface{}) (int, bool) {
	var n float64
	switch v := value.(type) {
	case int32:
		n = float64(v)
	case int64:
		n = float64(v)
	case float64:
		n = v
	default:
		return 0, false
	}
	switch n {
	case 1:
		return 1, true
	case -1:
		return -1, true
	}
	return 0, false
}
