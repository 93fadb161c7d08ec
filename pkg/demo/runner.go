package demo

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nimburion/docroute/pkg/cost"
	"github.com/nimburion/docroute/pkg/dberr"
	"github.com/nimburion/docroute/pkg/document"
	"github.com/nimburion/docroute/pkg/executor"
	"github.com/nimburion/docroute/pkg/feed"
	"github.com/nimburion/docroute/pkg/observability/logger"
	"github.com/nimburion/docroute/pkg/query"
)

const seedWriters = 8

// Report summarizes one executed scenario.
type Report struct {
	Scenario    Scenario
	Kind        query.Kind
	Partitions  int
	Pages       int
	Documents   int
	Cost        cost.Units
	Unreachable []string
	Elapsed     time.Duration
}

// SeedReport summarizes loading the collection.
type SeedReport struct {
	Documents int
	Cost      cost.Units
	Splits    int
}

// PageFunc observes every page a scenario reads. number starts at 1.
type PageFunc func(sc Scenario, number int, page *feed.Page)

// Runner executes scenarios through an engine.
type Runner struct {
	engine *executor.Engine
	log    logger.Logger
	onPage PageFunc
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithLogger sets the logger.
func WithLogger(log logger.Logger) RunnerOption {
	return func(r *Runner) {
		if log != nil {
			r.log = log
		}
	}
}

// OnPage registers a page observer.
func OnPage(fn PageFunc) RunnerOption {
	return func(r *Runner) {
		r.onPage = fn
	}
}

// NewRunner creates a runner.
func NewRunner(engine *executor.Engine, opts ...RunnerOption) *Runner {
	r := &Runner{engine: engine, log: logger.Nop()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Seed upserts docs through the engine so that every write is priced and
// counted against partition capacity.
func (r *Runner) Seed(ctx context.Context, docs []document.Document) (SeedReport, error) {
	var (
		mu  sync.Mutex
		out SeedReport
	)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(seedWriters)
	for _, doc := range docs {
		g.Go(func() error {
			res, err := r.engine.Upsert(ctx, doc)
			if err != nil {
				return fmt.Errorf("seed %s/%s: %w", doc.PartitionKey, doc.ID, err)
			}
			mu.Lock()
			defer mu.Unlock()
			out.Documents++
			out.Cost = out.Cost.Add(res.Cost)
			if res.Split {
				out.Splits++
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return out, err
	}
	r.log.Info("collection seeded", "documents", out.Documents, "cost", float64(out.Cost), "splits", out.Splits)
	return out, nil
}

// Run executes one scenario. Scenarios without Drain stop after the first
// page. Partitions that stay unreachable are listed in the report rather than
// failing the run.
func (r *Runner) Run(ctx context.Context, sc Scenario) (Report, error) {
	rep := Report{Scenario: sc}
	route, err := r.engine.Router().Route(sc.Predicate)
	if err != nil {
		return rep, err
	}
	rep.Kind = route.Kind
	rep.Partitions = len(route.Targets)

	start := time.Now()
	it, err := r.engine.Execute(ctx, sc.Predicate, sc.Options)
	if err != nil {
		return rep, err
	}
	defer it.Close()

	for number := 1; it.HasMoreResults(); number++ {
		page, err := it.Next(ctx)
		if errors.Is(err, feed.ErrNoMoreResults) {
			break
		}
		var partial *dberr.PartialResultsError
		if errors.As(err, &partial) {
			rep.Unreachable = partial.Unavailable
			break
		}
		if err != nil {
			return rep, err
		}
		if r.onPage != nil {
			r.onPage(sc, number, page)
		}
		if !sc.Drain {
			break
		}
	}
	rep.Elapsed = time.Since(start)

	cov := it.Coverage()
	rep.Pages, rep.Documents, rep.Cost = cov.Pages, cov.Documents, cov.Cost
	r.log.Info("scenario completed", "scenario", sc.Name, "kind", rep.Kind.String(),
		"pages", rep.Pages, "documents", rep.Documents, "cost", float64(rep.Cost))
	return rep, nil
}

// RunAll executes scenarios in order and stops at the first failure.
func (r *Runner) RunAll(ctx context.Context, scenarios []Scenario) ([]Report, error) {
	reports := make([]Report, 0, len(scenarios))
	for _, sc := range scenarios {
		rep, err := r.Run(ctx, sc)
		if err != nil {
			return reports, fmt.Errorf("scenario %q: %w", sc.Name, err)
		}
		reports = append(reports, rep)
	}
	return reports, nil
}
