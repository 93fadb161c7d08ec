// Package executor runs routed queries and document writes against a
// partitioned store, prices every round trip and retries transient partition
// failures.
package executor

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/nimburion/docroute/pkg/cost"
	"github.com/nimburion/docroute/pkg/dberr"
	"github.com/nimburion/docroute/pkg/document"
	"github.com/nimburion/docroute/pkg/feed"
	"github.com/nimburion/docroute/pkg/observability/logger"
	"github.com/nimburion/docroute/pkg/observability/metrics"
	"github.com/nimburion/docroute/pkg/observability/tracing"
	"github.com/nimburion/docroute/pkg/partition"
	"github.com/nimburion/docroute/pkg/query"
	"github.com/nimburion/docroute/pkg/resilience"
	"github.com/nimburion/docroute/pkg/store"
)

// Engine executes predicates through a Router against a Store.
type Engine struct {
	router   *query.Router
	store    store.Store
	costs    cost.Model
	retry    resilience.RetryPolicy
	breakers *resilience.BreakerSet
	metrics  *metrics.QueryMetrics
	log      logger.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithCostModel replaces the default price table.
func WithCostModel(m cost.Model) Option {
	return func(e *Engine) {
		e.costs = m
	}
}

// WithRetryPolicy replaces the default retry policy of three attempts.
func WithRetryPolicy(p resilience.RetryPolicy) Option {
	return func(e *Engine) {
		e.retry = p
	}
}

// WithBreakers short-circuits round trips to partitions that keep failing.
func WithBreakers(b *resilience.BreakerSet) Option {
	return func(e *Engine) {
		e.breakers = b
	}
}

// WithMetrics records query metrics.
func WithMetrics(m *metrics.QueryMetrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithLogger sets the logger.
func WithLogger(log logger.Logger) Option {
	return func(e *Engine) {
		if log != nil {
			e.log = log
		}
	}
}

// New creates an engine.
func New(router *query.Router, st store.Store, opts ...Option) *Engine {
	e := &Engine{
		router: router,
		store:  st,
		costs:  cost.DefaultModel(),
		retry:  resilience.DefaultRetryPolicy(),
		log:    logger.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// NewBreakerSet builds the per-partition breakers used with WithBreakers. Only
// transient partition failures count toward opening a breaker.
func NewBreakerSet(maxFailures int, cooldown time.Duration) *resilience.BreakerSet {
	return resilience.NewBreakerSet(maxFailures, cooldown, retryable)
}

// Router returns the router queries are classified with.
func (e *Engine) Router() *query.Router {
	return e.router
}

// Execute routes p against the current partition map and returns a lazy
// sequence of pages. Invalid options fail with a ConfigurationError before
// any round trip. Point lookups of an absent document yield one empty page.
func (e *Engine) Execute(ctx context.Context, p query.Predicate, opts feed.Options) (*feed.Iterator, error) {
	return e.Resume(ctx, p, opts, "")
}

// Resume continues the query p from a continuation returned by a page or a
// PartialResultsError. The ranges recorded in the continuation are re-resolved
// against the current partition map, so a continuation survives splits. An
// empty continuation starts from the beginning.
func (e *Engine) Resume(ctx context.Context, p query.Predicate, opts feed.Options, continuation string) (*feed.Iterator, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	route, err := e.router.Route(p)
	if err != nil {
		return nil, err
	}

	cursors := initialCursors(route)
	if continuation != "" {
		var issuedBy uint64
		cursors, issuedBy, err = resumeCursors(route, continuation)
		if err != nil {
			return nil, err
		}
		if issuedBy != route.Snapshot.Version() {
			e.log.Info("continuation re-resolved against a newer partition map",
				"issued_by", issuedBy, "map_version", route.Snapshot.Version())
		}
	}
	return e.start(ctx, route, cursors, opts)
}

// ReadItem is a point lookup returning the document itself. An absent
// document fails with a NotFoundError.
func (e *Engine) ReadItem(ctx context.Context, id, partitionKey string) (document.Document, cost.Units, error) {
	p, err := query.NewPredicate(query.WithID(id), query.WithPartitionKey(partitionKey))
	if err != nil {
		return document.Document{}, 0, err
	}
	it, err := e.Execute(ctx, p, feed.Options{MaxConcurrency: 0, MaxBufferedItems: feed.SystemChosen, MaxItemCount: 1})
	if err != nil {
		return document.Document{}, 0, err
	}
	defer it.Close()
	page, err := it.Next(ctx)
	if err != nil {
		return document.Document{}, 0, err
	}
	if len(page.Documents) == 0 {
		return document.Document{}, page.Cost, &dberr.NotFoundError{ID: id, PartitionKey: partitionKey}
	}
	return page.Documents[0], page.Cost, nil
}

func (e *Engine) start(ctx context.Context, route query.Route, cursors []feed.Cursor, opts feed.Options) (*feed.Iterator, error) {
	kind := route.Kind.String()
	queryID := uuid.NewString()
	ctx = logger.ContextWithQueryID(ctx, queryID)
	log := e.log.WithContext(ctx).With("kind", kind, "map_version", route.Snapshot.Version())

	ctx, span := tracing.StartQuerySpan(ctx, kind,
		tracing.AttrQueryID.String(queryID),
		tracing.AttrMapVersion.Int64(int64(route.Snapshot.Version())),
		tracing.AttrPartitions.Int(len(cursors)),
	)
	started := time.Now()

	plan := feed.Plan{
		Cursors:     cursors,
		Fetch:       e.fetcher(route, log),
		Fingerprint: route.Predicate.Fingerprint(),
		MapVersion:  route.Snapshot.Version(),
		// a point or single-partition query has nothing partial to return
		TolerateUnavailable: route.Kind == query.MultiPartition || route.Kind == query.FanOut,
		Logger:              log,
		OnFinish: func(cov feed.Coverage, err error) {
			outcome := finishOutcome(err)
			span.SetAttributes(
				tracing.AttrDocuments.Int(cov.Documents),
				tracing.AttrRequestUnits.Float64(float64(cov.Cost)),
			)
			switch outcome {
			case metrics.OutcomeOK, metrics.OutcomeCancelled:
				tracing.RecordSuccess(span)
			default:
				tracing.RecordError(span, err)
			}
			span.End()
			e.metrics.ObserveQuery(kind, outcome)

			fields := []any{"documents", cov.Documents, "pages", cov.Pages, "cost", float64(cov.Cost),
				"duration", time.Since(started)}
			switch outcome {
			case metrics.OutcomePartial:
				log.Error("query returned partial results", append(fields, "unreachable", cov.Unreachable, "error", err)...)
			case metrics.OutcomeError:
				log.Error("query failed", append(fields, "error", err)...)
			case metrics.OutcomeCancelled:
				log.Info("query stopped before completion", append(fields, "pending", cov.Pending)...)
			default:
				log.Info("query completed", fields...)
			}
		},
	}

	it, err := feed.New(ctx, plan, opts)
	if err != nil {
		tracing.RecordError(span, err)
		span.End()
		return nil, err
	}
	log.Debug("query routed", "predicate", route.Predicate.String(), "partitions", route.Partitions())
	return it, nil
}

// fetcher returns the round trip used by the feed: one Fetch against the
// store, retried on transient partition failures and priced by the cost model.
func (e *Engine) fetcher(route query.Route, log logger.Logger) feed.FetchFunc {
	pointRead := route.Kind == query.PointLookup
	kind := route.Kind.String()
	costKind := cost.Read
	if pointRead {
		costKind = cost.PointRead
	}
	projection := route.Predicate.Projection()

	return func(ctx context.Context, c feed.Cursor, maxItems int) (feed.Result, error) {
		ctx, span := tracing.StartRoundTripSpan(ctx, string(c.Partition))
		defer span.End()

		req := store.FetchRequest{
			Partition:    c.Partition,
			Range:        c.Range,
			Predicate:    route.Predicate,
			Continuation: c.Position,
			MaxItems:     maxItems,
			PointRead:    pointRead,
		}
		start := time.Now()
		var res store.FetchResult
		attempts, err := e.withRetry(ctx, kind, c.Partition, log, func(ctx context.Context) error {
			r, err := e.store.Fetch(ctx, req)
			if err != nil {
				return err
			}
			res = r
			return nil
		})
		span.SetAttributes(tracing.AttrAttempts.Int(attempts))
		if err != nil && pointRead && dberr.IsNotFound(err) {
			err, res = nil, store.FetchResult{}
		}
		if err != nil {
			outcome := metrics.OutcomeError
			if dberr.IsUnavailable(err) {
				outcome = metrics.OutcomeUnavailable
			}
			e.metrics.ObserveRoundTrip(kind, outcome, time.Since(start))
			tracing.RecordError(span, err)
			return feed.Result{}, err
		}

		charge := e.costs.Cost(costKind, res.BytesTransferred)
		e.metrics.ObserveRoundTrip(kind, metrics.OutcomeOK, time.Since(start))
		e.metrics.AddRequestUnits(string(costKind), float64(charge))
		span.SetAttributes(
			tracing.AttrDocuments.Int(len(res.Documents)),
			tracing.AttrRequestUnits.Float64(float64(charge)),
		)
		tracing.RecordSuccess(span)
		log.Debug("round trip completed", "partition", c.Partition, "documents", len(res.Documents),
			"bytes", res.BytesTransferred, "cost", float64(charge), "attempts", attempts)

		docs := res.Documents
		if len(projection) > 0 {
			docs = make([]document.Document, len(res.Documents))
			for i, d := range res.Documents {
				docs[i] = d.Project(projection)
			}
		}
		return feed.Result{Documents: docs, Continuation: res.Continuation, Cost: charge}, nil
	}
}

// withRetry runs op through the partition's breaker under the retry policy and
// normalizes exhausted transient failures into a PartitionUnavailableError
// carrying the attempt count.
func (e *Engine) withRetry(ctx context.Context, kind string, id partition.ID, log logger.Logger, op func(context.Context) error) (int, error) {
	attempts, err := resilience.Retry(ctx, e.retry, func(ctx context.Context, _ int) error {
		return e.breakers.Execute(string(id), func() error {
			return op(ctx)
		})
	},
		resilience.RetryIf(retryable),
		resilience.OnRetry(func(attempt int, err error) {
			e.metrics.IncRetry(kind)
			log.Warn("partition round trip failed, retrying",
				"partition", id, "attempt", attempt, "error", err)
		}),
	)
	if err == nil {
		return attempts, nil
	}
	if ctx.Err() != nil {
		return attempts, err
	}
	var unavailable *dberr.PartitionUnavailableError
	switch {
	case errors.As(err, &unavailable):
		return attempts, &dberr.PartitionUnavailableError{Partition: string(id), Attempts: attempts, Err: unavailable.Err}
	case errors.Is(err, resilience.ErrTimeout), errors.Is(err, resilience.ErrCircuitBreakerOpen):
		return attempts, &dberr.PartitionUnavailableError{Partition: string(id), Attempts: attempts, Err: err}
	}
	return attempts, err
}

func retryable(err error) bool {
	return dberr.IsUnavailable(err) || errors.Is(err, resilience.ErrTimeout)
}

func finishOutcome(err error) string {
	switch {
	case err == nil:
		return metrics.OutcomeOK
	case dberr.IsPartial(err):
		return metrics.OutcomePartial
	case errors.Is(err, feed.ErrClosed), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return metrics.OutcomeCancelled
	default:
		return metrics.OutcomeError
	}
}

func initialCursors(route query.Route) []feed.Cursor {
	cursors := make([]feed.Cursor, len(route.Targets))
	for i, t := range route.Targets {
		cursors[i] = feed.Cursor{Partition: t.Partition, Range: t.Range}
	}
	return cursors
}

// resumeCursors maps the cursors of a continuation onto the partitions of the
// route's snapshot. A cursor whose partition was split since is divided among
// the partitions now covering its range; each part keeps the stored position.
func resumeCursors(route query.Route, continuation string) ([]feed.Cursor, uint64, error) {
	saved, issuedBy, err := feed.DecodeContinuation(continuation, route.Predicate.Fingerprint())
	if err != nil {
		return nil, 0, err
	}
	var cursors []feed.Cursor
	for _, c := range saved {
		for _, entry := range route.Snapshot.Overlapping(c.Range) {
			r, ok := entry.Range.Intersect(c.Range)
			if !ok {
				continue
			}
			cursors = append(cursors, feed.Cursor{Partition: entry.ID, Range: r, Position: c.Position})
		}
	}
	return cursors, issuedBy, nil
}
