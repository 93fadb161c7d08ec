package feed

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/nimburion/docroute/pkg/cost"
	"github.com/nimburion/docroute/pkg/dberr"
	"github.com/nimburion/docroute/pkg/document"
	"github.com/nimburion/docroute/pkg/observability/logger"
	"github.com/nimburion/docroute/pkg/partition"
)

var (
	// ErrNoMoreResults is returned by Next once the sequence is exhausted.
	ErrNoMoreResults = errors.New("feed: no more results")
	// ErrClosed is returned by Next after Close.
	ErrClosed = errors.New("feed: iterator closed")
)

// Result is the outcome of one round trip for one cursor.
type Result struct {
	Documents []document.Document
	// Continuation is the storage position after this round trip, empty when
	// the cursor's range is exhausted.
	Continuation string
	Cost         cost.Units
}

// FetchFunc performs one round trip, retries included, for a cursor and
// returns at most maxItems documents.
type FetchFunc func(ctx context.Context, c Cursor, maxItems int) (Result, error)

// Plan is the work of one query.
type Plan struct {
	Cursors []Cursor
	Fetch   FetchFunc
	// Fingerprint and MapVersion are stamped on continuations.
	Fingerprint uint64
	MapVersion  uint64
	// TolerateUnavailable keeps the sequence going when a cursor fails with a
	// PartitionUnavailableError; the sequence then ends with a
	// PartialResultsError. Otherwise the failure ends the sequence.
	TolerateUnavailable bool
	// OnFinish is called once when the sequence ends for any reason.
	OnFinish func(Coverage, error)
	Logger   logger.Logger
}

// Page is the result of one round trip to one physical partition.
type Page struct {
	Documents []document.Document
	Cost      cost.Units
	Partition partition.ID
	// Continuation resumes the query after this page. It is empty on the last
	// page of a complete sequence.
	Continuation string
}

// Coverage reports what a sequence has delivered so far.
type Coverage struct {
	Completed   []partition.ID
	Pending     []partition.ID
	Unreachable []partition.ID
	Documents   int
	Pages       int
	Cost        cost.Units
}

type itemState int

const (
	itemPending itemState = iota
	itemDone
	itemUnreachable
)

type item struct {
	// cursor is the position after the last delivered page.
	cursor Cursor
	state  itemState
	cause  error
}

type outcome struct {
	item   *item
	result Result
	err    error
}

// Iterator is a lazy sequence of pages. No round trip happens before the first
// Next. Next must not be called concurrently; Close may be called from any
// goroutine.
type Iterator struct {
	plan    Plan
	opts    Options
	log     logger.Logger
	workers int

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	items     []*item
	delivered []document.Document
	cov       Coverage
	finished  bool
	closed    bool
	started   bool

	sem      *semaphore.Weighted
	results  chan outcome
	groupErr error

	finishOnce sync.Once
}

// New validates opts and prepares a sequence over plan. Workers are started by
// the first Next.
func New(ctx context.Context, plan Plan, opts Options) (*Iterator, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if plan.Fetch == nil {
		return nil, fmt.Errorf("feed: plan has no fetch function")
	}
	if plan.Logger == nil {
		plan.Logger = logger.Nop()
	}
	ctx, cancel := context.WithCancel(ctx)
	it := &Iterator{
		plan:    plan,
		opts:    opts,
		log:     plan.Logger,
		workers: opts.workers(len(plan.Cursors)),
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, c := range plan.Cursors {
		it.items = append(it.items, &item{cursor: c})
	}
	if len(it.items) == 0 {
		it.finished = true
		it.finish(nil)
	}
	return it, nil
}

// HasMoreResults reports whether Next can still return a page or a terminal
// PartialResultsError.
func (it *Iterator) HasMoreResults() bool {
	it.mu.Lock()
	defer it.mu.Unlock()
	return !it.finished && !it.closed
}

// Next returns the next page. Fan-out pages arrive in completion order. At the
// end of the sequence Next returns ErrNoMoreResults, or once a
// PartialResultsError when some partitions stayed unreachable. Cancelling ctx
// closes the iterator.
func (it *Iterator) Next(ctx context.Context) (*Page, error) {
	it.mu.Lock()
	switch {
	case it.closed:
		it.mu.Unlock()
		return nil, ErrClosed
	case it.finished:
		it.mu.Unlock()
		return nil, ErrNoMoreResults
	}
	if it.workers > 0 && !it.started {
		it.startLocked()
	}
	it.mu.Unlock()

	if it.workers == 0 {
		return it.nextSequential(ctx)
	}
	return it.nextConcurrent(ctx)
}

// Continuation returns the token resuming after the last delivered page.
func (it *Iterator) Continuation() string {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.tokenLocked()
}

// Coverage returns the partitions and documents covered so far.
func (it *Iterator) Coverage() Coverage {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.coverageLocked()
}

// Close stops every worker and releases buffered documents. Pages fetched but
// not yet delivered are discarded. Close is idempotent.
func (it *Iterator) Close() error {
	it.mu.Lock()
	if it.closed {
		it.mu.Unlock()
		return nil
	}
	it.closed = true
	it.cancel()
	started := it.started
	finished := it.finished
	it.mu.Unlock()

	if started {
		for o := range it.results {
			it.release(o)
		}
	}
	if !finished {
		it.finish(ErrClosed)
	}
	return nil
}

func (it *Iterator) nextSequential(ctx context.Context) (*Page, error) {
	fctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(it.ctx, cancel)
	defer stop()

	for {
		it.mu.Lock()
		var next *item
		for _, candidate := range it.items {
			if candidate.state == itemPending {
				next = candidate
				break
			}
		}
		var cursor Cursor
		if next != nil {
			cursor = next.cursor
		}
		it.mu.Unlock()
		if next == nil {
			return it.end()
		}

		res, err := it.plan.Fetch(fctx, cursor, it.opts.MaxItemCount)
		if cerr := it.interrupted(ctx); cerr != nil {
			return nil, cerr
		}
		if err == nil {
			err = it.checkPage(cursor, res)
		}
		if err != nil {
			if it.plan.TolerateUnavailable && dberr.IsUnavailable(err) {
				it.markUnreachable(next, err)
				continue
			}
			return nil, it.fail(err)
		}
		return it.deliver(next, res)
	}
}

func (it *Iterator) nextConcurrent(ctx context.Context) (*Page, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, it.interrupted(ctx)
		case o, ok := <-it.results:
			if !ok {
				if cerr := it.interrupted(ctx); cerr != nil {
					return nil, cerr
				}
				if it.groupErr != nil {
					return nil, it.fail(it.groupErr)
				}
				return it.end()
			}
			if cerr := it.interrupted(ctx); cerr != nil {
				it.release(o)
				return nil, cerr
			}
			if o.err != nil {
				it.markUnreachable(o.item, o.err)
				continue
			}
			it.release(o)
			return it.deliver(o.item, o.result)
		}
	}
}

// interrupted closes the iterator and returns the cancellation cause when
// either the caller's or the sequence's context is done.
func (it *Iterator) interrupted(ctx context.Context) error {
	err := ctx.Err()
	if err == nil {
		err = it.ctx.Err()
	}
	if err == nil {
		return nil
	}
	it.mu.Lock()
	closed := it.closed
	it.mu.Unlock()
	if closed {
		return ErrClosed
	}
	it.finish(err)
	_ = it.Close()
	return err
}

func (it *Iterator) startLocked() {
	it.started = true
	it.sem = semaphore.NewWeighted(int64(it.opts.buffer(it.workers)))
	it.results = make(chan outcome, it.workers)

	queue := make(chan *item, len(it.items))
	for _, i := range it.items {
		if i.state == itemPending {
			queue <- i
		}
	}
	close(queue)

	g, gctx := errgroup.WithContext(it.ctx)
	for w := 0; w < it.workers; w++ {
		g.Go(func() error {
			return it.work(gctx, queue)
		})
	}
	go func() {
		it.groupErr = g.Wait()
		close(it.results)
	}()
	it.log.Debug("feed workers started", "workers", it.workers, "cursors", len(it.items),
		"buffer", it.opts.buffer(it.workers))
}

// work drains whole cursors from queue. Before each round trip it reserves a
// full page of buffer; the unused part is returned when the page is smaller and
// the rest when the consumer takes the page.
func (it *Iterator) work(ctx context.Context, queue <-chan *item) error {
	weight := int64(it.opts.MaxItemCount)
	for i := range queue {
		it.mu.Lock()
		cursor := i.cursor
		it.mu.Unlock()

		for {
			if err := it.sem.Acquire(ctx, weight); err != nil {
				return err
			}
			res, err := it.plan.Fetch(ctx, cursor, it.opts.MaxItemCount)
			if err == nil {
				err = it.checkPage(cursor, res)
			}
			if err != nil {
				it.sem.Release(weight)
				if ctx.Err() != nil {
					return ctx.Err()
				}
				if it.plan.TolerateUnavailable && dberr.IsUnavailable(err) {
					if serr := it.send(ctx, outcome{item: i, err: err}); serr != nil {
						return serr
					}
					break
				}
				return err
			}
			it.sem.Release(weight - int64(len(res.Documents)))

			o := outcome{item: i, result: res}
			if err := it.send(ctx, o); err != nil {
				it.release(o)
				return err
			}
			if res.Continuation == "" {
				break
			}
			cursor.Position = res.Continuation
		}
	}
	return nil
}

func (it *Iterator) send(ctx context.Context, o outcome) error {
	select {
	case it.results <- o:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (it *Iterator) release(o outcome) {
	if o.err == nil && len(o.result.Documents) > 0 {
		it.sem.Release(int64(len(o.result.Documents)))
	}
}

func (it *Iterator) checkPage(c Cursor, res Result) error {
	if len(res.Documents) > it.opts.MaxItemCount {
		return fmt.Errorf("partition %s returned %d documents for a page of %d",
			c.Partition, len(res.Documents), it.opts.MaxItemCount)
	}
	return nil
}

func (it *Iterator) deliver(i *item, res Result) (*Page, error) {
	it.mu.Lock()
	if it.closed {
		it.mu.Unlock()
		return nil, ErrClosed
	}
	i.cursor.Position = res.Continuation
	if res.Continuation == "" {
		i.state = itemDone
	}
	it.cov.Documents += len(res.Documents)
	it.cov.Pages++
	it.cov.Cost = it.cov.Cost.Add(res.Cost)
	if it.plan.TolerateUnavailable {
		it.delivered = append(it.delivered, res.Documents...)
	}
	page := &Page{
		Documents:    res.Documents,
		Cost:         res.Cost,
		Partition:    i.cursor.Partition,
		Continuation: it.tokenLocked(),
	}
	complete := page.Continuation == ""
	if complete {
		it.finished = true
	}
	cov := it.coverageLocked()
	it.mu.Unlock()

	it.log.Debug("page delivered", "partition", page.Partition, "documents", len(page.Documents),
		"cost", float64(page.Cost), "more", !complete)
	if complete {
		it.finishWith(cov, nil)
	}
	return page, nil
}

func (it *Iterator) markUnreachable(i *item, cause error) {
	it.mu.Lock()
	i.state = itemUnreachable
	i.cause = cause
	it.mu.Unlock()
	it.log.Warn("partition unreachable after retries", "partition", i.cursor.Partition, "error", cause)
}

// end finishes a sequence whose cursors are all done or unreachable.
func (it *Iterator) end() (*Page, error) {
	it.mu.Lock()
	if it.finished {
		it.mu.Unlock()
		return nil, ErrNoMoreResults
	}
	it.finished = true
	partial := &dberr.PartialResultsError{Causes: map[string]error{}}
	for _, i := range it.items {
		if i.state == itemUnreachable {
			id := string(i.cursor.Partition)
			partial.Unavailable = append(partial.Unavailable, id)
			partial.Causes[id] = i.cause
		}
	}
	if len(partial.Unavailable) == 0 {
		it.mu.Unlock()
		it.finish(nil)
		return nil, ErrNoMoreResults
	}
	partial.Documents = append([]document.Document(nil), it.delivered...)
	partial.Cost = float64(it.cov.Cost)
	partial.Continuation = it.tokenLocked()
	it.mu.Unlock()

	it.finish(partial)
	return nil, partial
}

func (it *Iterator) fail(err error) error {
	it.mu.Lock()
	it.finished = true
	it.mu.Unlock()
	it.cancel()
	if it.started {
		go func() {
			for o := range it.results {
				it.release(o)
			}
		}()
	}
	it.finish(err)
	return err
}

func (it *Iterator) finish(err error) {
	it.finishWith(it.Coverage(), err)
}

func (it *Iterator) finishWith(cov Coverage, err error) {
	it.finishOnce.Do(func() {
		if it.plan.OnFinish != nil {
			it.plan.OnFinish(cov, err)
		}
	})
}

// tokenLocked encodes every cursor that is not done, at its delivered position.
func (it *Iterator) tokenLocked() string {
	var open []Cursor
	for _, i := range it.items {
		if i.state != itemDone {
			open = append(open, i.cursor)
		}
	}
	return encodeToken(it.plan.Fingerprint, it.plan.MapVersion, open)
}

func (it *Iterator) coverageLocked() Coverage {
	cov := it.cov
	cov.Completed, cov.Pending, cov.Unreachable = nil, nil, nil
	seen := make(map[partition.ID]itemState)
	var order []partition.ID
	for _, i := range it.items {
		id := i.cursor.Partition
		prev, ok := seen[id]
		if !ok {
			order = append(order, id)
			seen[id] = i.state
			continue
		}
		// a partition with several cursors is only as complete as its worst one
		if i.state == itemUnreachable || (i.state == itemPending && prev == itemDone) {
			seen[id] = i.state
		}
	}
	for _, id := range order {
		switch seen[id] {
		case itemDone:
			cov.Completed = append(cov.Completed, id)
		case itemPending:
			cov.Pending = append(cov.Pending, id)
		case itemUnreachable:
			cov.Unreachable = append(cov.Unreachable, id)
		}
	}
	return cov
}

// ReadAll drains it and closes it. On a PartialResultsError the documents
// delivered so far are returned along with the error.
func ReadAll(ctx context.Context, it *Iterator) ([]document.Document, cost.Units, error) {
	defer it.Close()
	var (
		docs  []document.Document
		total cost.Units
	)
	for it.HasMoreResults() {
		page, err := it.Next(ctx)
		if errors.Is(err, ErrNoMoreResults) {
			break
		}
		if err != nil {
			return docs, total, err
		}
		docs = append(docs, page.Documents...)
		total = total.Add(page.Cost)
	}
	return docs, total, nil
}
