package engine

import (
	"context"
	"time"

	"contentdb/src/helpers"
	"contentdb/src/metrics"
	"contentdb/src/settings"

	"go.uber.org/zap"
)

// Stack is the entry point of the query engine. It is safe for concurrent use,
// every query works on its own freshly loaded documents.
type Stack struct {
	settings *settings.Arguments
	store    ContentStore
	resolver *ReferenceResolver
	shaper   *Shaper
	metrics  *metrics.Metrics
	logger   *zap.SugaredLogger
}

// NewStack wires the engine around store. m may be nil.
func NewStack(args *settings.Arguments, store ContentStore, m *metrics.Metrics, logger *zap.SugaredLogger) *Stack {
	if fileStore, ok := store.(*FileStore); ok && m != nil {
		fileStore.SetLoadHook(func(mode LoadMode, count int) {
			m.DocumentsLoaded.WithLabelValues(mode.String()).Add(float64(count))
		})
	}

	return &Stack{
		settings: args,
		store:    store,
		resolver: NewReferenceResolver(store, args.Concurrency, args.InternalFields, m, logger),
		shaper:   NewShaper(store, args.SchemaPolicy, logger),
		metrics:  m,
		logger:   logger,
	}
}

// ContentType starts a query on the entries of contentTypeUID
func (s *Stack) ContentType(contentTypeUID string) Query {
	q := Query{stack: s, d: Descriptor{ContentTypeUID: contentTypeUID}}
	if err := validateSegment("content type", contentTypeUID); err != nil {
		q.err = err
	}
	return q
}

// Assets starts a query on the assets
func (s *Stack) Assets() Query {
	return Query{stack: s, d: Descriptor{ContentTypeUID: AssetContentType}}
}

// Asset starts a query for a single asset, the one with uid when uid is not empty
func (s *Stack) Asset(uid string) Query {
	return s.Assets().Entry(uid)
}

// ContentTypes lists the content types of locale, the master locale when empty
func (s *Stack) ContentTypes(ctx context.Context, locale string) ([]string, error) {
	return s.store.ContentTypes(ctx, s.locale(locale))
}

// Locales lists the locales of the snapshot
func (s *Stack) Locales(ctx context.Context) ([]string, error) {
	return s.store.Locales(ctx)
}

// Schema returns the schema of contentTypeUID in locale, the master locale when empty
func (s *Stack) Schema(ctx context.Context, locale, contentTypeUID string) (Document, error) {
	return s.store.LoadSchema(ctx, s.locale(locale), contentTypeUID)
}

func (s *Stack) locale(locale string) string {
	if locale != "" {
		return locale
	}
	return s.settings.MasterLocale
}

// Execute runs a query descriptor:
//
//	finalize -> load -> strip internal -> predicate -> resolve references -> shape
//
// The predicate runs before references are resolved, it only sees stored fields.
// Predicates on referenced fields go through Descriptor.ReferencePredicate.
func (s *Stack) Execute(ctx context.Context, d Descriptor) (*Envelope, error) {
	queryID := helpers.GenerateUUID()
	start := time.Now()
	logger := s.logger.With("queryID", queryID, "contentType", d.ContentTypeUID)

	env, err := s.execute(ctx, d, logger)

	if s.metrics != nil {
		outcome := metrics.OutcomeOK
		if err != nil {
			outcome = metrics.OutcomeError
		}
		s.metrics.QueriesTotal.WithLabelValues(d.ContentTypeUID, outcome).Inc()
		s.metrics.QueryDuration.WithLabelValues(d.ContentTypeUID).Observe(time.Since(start).Seconds())
	}

	if err != nil {
		logger.Debugw("Query failed", "error", err, "elapsed", time.Since(start))
		return nil, err
	}
	logger.Debugw("Query executed", "elapsed", time.Since(start))
	return env, nil
}

func (s *Stack) execute(ctx context.Context, d Descriptor, logger *zap.SugaredLogger) (*Envelope, error) {
	d, err := d.finalize()
	if err != nil {
		return nil, err
	}
	locale := s.locale(d.Locale)

	docs, err := s.store.Load(ctx, locale, d.ContentTypeUID, LoadPrimary)
	if err != nil {
		return nil, err
	}
	docs = stripInternal(docs, s.settings.InternalFields)
	loaded := len(docs)

	docs, err = Evaluate(docs, Filter{Predicate: d.Predicate, Logical: d.Logical})
	if err != nil {
		return nil, err
	}

	edges, err := s.resolver.ResolveAll(ctx, docs, locale, d.References)
	if err != nil {
		return nil, err
	}

	if s.settings.Verbose {
		logger.Infow("Documents selected", "locale", locale, "loaded", loaded, "matched", len(docs), "references", edges)
	}

	return s.shaper.Shape(ctx, docs, d, locale)
}
