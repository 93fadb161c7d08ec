// Package memory is an in-process partitioned document store. Documents are
// kept in one slice ordered by store.Position; physical partitions are views
// over effective-key ranges of that slice.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nimburion/docroute/pkg/dberr"
	"github.com/nimburion/docroute/pkg/document"
	"github.com/nimburion/docroute/pkg/observability/logger"
	"github.com/nimburion/docroute/pkg/partition"
	"github.com/nimburion/docroute/pkg/store"
)

// FetchHook runs before every round trip. A non-nil error fails the round trip
// with a PartitionUnavailableError.
type FetchHook func(ctx context.Context, req store.FetchRequest) error

// Store implements store.Store in memory.
type Store struct {
	mu     sync.RWMutex
	docs   []document.Document
	closed bool

	latency    time.Duration
	hook       FetchHook
	faults     faultSet
	roundTrips atomic.Int64
	log        logger.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLatency delays every round trip.
func WithLatency(d time.Duration) Option {
	return func(s *Store) {
		s.latency = d
	}
}

// WithFetchHook installs a hook run before every round trip.
func WithFetchHook(hook FetchHook) Option {
	return func(s *Store) {
		s.hook = hook
	}
}

// WithLogger sets the logger.
func WithLogger(log logger.Logger) Option {
	return func(s *Store) {
		if log != nil {
			s.log = log
		}
	}
}

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{log: logger.Nop(), faults: faultSet{down: map[partition.ID]int{}}}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load inserts or replaces documents without charging them to anyone.
func (s *Store) Load(docs ...document.Document) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range docs {
		s.putLocked(d)
	}
}

// Len returns the number of stored documents.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs)
}

// RoundTrips returns the number of Fetch calls served or failed so far.
func (s *Store) RoundTrips() int64 {
	return s.roundTrips.Load()
}

// Fail makes the next n round trips to a partition fail. A negative n keeps the
// partition down until Heal.
func (s *Store) Fail(id partition.ID, n int) {
	s.faults.set(id, n)
}

// Heal brings every failed partition back.
func (s *Store) Heal() {
	s.faults.clear()
}

// Fetch serves one round trip.
func (s *Store) Fetch(ctx context.Context, req store.FetchRequest) (store.FetchResult, error) {
	s.roundTrips.Add(1)
	if err := req.Validate(); err != nil {
		return store.FetchResult{}, err
	}
	if err := s.before(ctx, req); err != nil {
		return store.FetchResult{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return store.FetchResult{}, fmt.Errorf("memory store is closed")
	}
	if req.PointRead {
		return s.pointReadLocked(req), nil
	}

	start := s.searchLocked(store.Position{EPK: req.Range.Low})
	if req.Continuation != "" {
		pos, err := store.DecodePosition(req.Continuation)
		if err != nil {
			return store.FetchResult{}, err
		}
		if after := s.afterLocked(pos); after > start {
			start = after
		}
	}

	var res store.FetchResult
	i := start
	for ; i < len(s.docs); i++ {
		doc := s.docs[i]
		if partition.EffectiveKey(doc.PartitionKey) > req.Range.High {
			break
		}
		if len(res.Documents) == req.MaxItems {
			res.Continuation = store.PositionOf(s.docs[i-1]).Encode()
			break
		}
		if req.Predicate.Matches(doc) {
			res.Documents = append(res.Documents, doc)
			res.BytesTransferred += doc.Size()
		}
	}
	return res, nil
}

// Write applies one mutation.
func (s *Store) Write(ctx context.Context, req store.WriteRequest) (store.WriteResult, error) {
	if err := ctx.Err(); err != nil {
		return store.WriteResult{}, err
	}
	if s.faults.trip(req.Partition) {
		return store.WriteResult{}, dberr.Unavailable(string(req.Partition), fmt.Errorf("injected fault"))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.WriteResult{}, fmt.Errorf("memory store is closed")
	}

	doc := req.Document
	i, found := s.findLocked(doc.PartitionKey, doc.ID)
	switch req.Op {
	case store.Create:
		if found {
			return store.WriteResult{}, &dberr.ConflictError{ID: doc.ID, PartitionKey: doc.PartitionKey}
		}
		s.putLocked(doc)
		return store.WriteResult{Document: doc, Created: true, BytesTransferred: doc.Size()}, nil
	case store.Upsert:
		prev := 0
		if found {
			prev = s.docs[i].Size()
		}
		s.putLocked(doc)
		return store.WriteResult{Document: doc, Created: !found, BytesTransferred: doc.Size(), PreviousBytes: prev}, nil
	case store.Replace:
		if !found {
			return store.WriteResult{}, &dberr.NotFoundError{ID: doc.ID, PartitionKey: doc.PartitionKey}
		}
		prev := s.docs[i].Size()
		s.docs[i] = doc
		return store.WriteResult{Document: doc, BytesTransferred: doc.Size(), PreviousBytes: prev}, nil
	case store.Delete:
		if !found {
			return store.WriteResult{}, &dberr.NotFoundError{ID: doc.ID, PartitionKey: doc.PartitionKey}
		}
		removed := s.docs[i]
		s.docs = append(s.docs[:i], s.docs[i+1:]...)
		return store.WriteResult{Document: removed, BytesTransferred: removed.Size()}, nil
	default:
		return store.WriteResult{}, fmt.Errorf("unsupported write operation %s", req.Op)
	}
}

// HealthCheck fails once the store is closed.
func (s *Store) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("memory store is closed")
	}
	return nil
}

// Close marks the store closed. It is idempotent.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *Store) before(ctx context.Context, req store.FetchRequest) error {
	if s.hook != nil {
		if err := s.hook(ctx, req); err != nil {
			return dberr.Unavailable(string(req.Partition), err)
		}
	}
	if s.latency > 0 {
		timer := time.NewTimer(s.latency)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	} else if err := ctx.Err(); err != nil {
		return err
	}
	if s.faults.trip(req.Partition) {
		s.log.Debug("injected partition fault", "partition", req.Partition)
		return dberr.Unavailable(string(req.Partition), fmt.Errorf("injected fault"))
	}
	return nil
}

func (s *Store) pointReadLocked(req store.FetchRequest) store.FetchResult {
	id, _ := req.Predicate.ID()
	key := req.Predicate.PartitionKeys()[0]
	i, found := s.findLocked(key, id)
	if !found {
		return store.FetchResult{}
	}
	doc := s.docs[i]
	return store.FetchResult{Documents: []document.Document{doc}, BytesTransferred: doc.Size()}
}

// searchLocked returns the index of the first document at or after pos.
func (s *Store) searchLocked(pos store.Position) int {
	return sort.Search(len(s.docs), func(i int) bool {
		return !store.PositionOf(s.docs[i]).Less(pos)
	})
}

// afterLocked returns the index of the first document strictly after pos.
func (s *Store) afterLocked(pos store.Position) int {
	return sort.Search(len(s.docs), func(i int) bool {
		return pos.Less(store.PositionOf(s.docs[i]))
	})
}

func (s *Store) findLocked(key, id string) (int, bool) {
	pos := store.Position{EPK: partition.EffectiveKey(key), Key: key, ID: id}
	i := s.searchLocked(pos)
	if i < len(s.docs) && s.docs[i].PartitionKey == key && s.docs[i].ID == id {
		return i, true
	}
	return i, false
}

func (s *Store) putLocked(doc document.Document) {
	i, found := s.findLocked(doc.PartitionKey, doc.ID)
	if found {
		s.docs[i] = doc
		return
	}
	s.docs = append(s.docs, document.Document{})
	copy(s.docs[i+1:], s.docs[i:])
	s.docs[i] = doc
}

type faultSet struct {
	mu   sync.Mutex
	down map[partition.ID]int
}

func (f *faultSet) set(id partition.ID, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n == 0 {
		delete(f.down, id)
		return
	}
	f.down[id] = n
}

func (f *faultSet) clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.down = map[partition.ID]int{}
}

func (f *faultSet) trip(id partition.ID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.down[id]
	if !ok {
		return false
	}
	if n > 0 {
		n--
		if n == 0 {
			delete(f.down, id)
		} else {
			f.down[id] = n
		}
	}
	return true
}
