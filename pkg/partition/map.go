// Package partition maps partition-key values to physical partitions.
//
// The map is versioned: readers load the current immutable Snapshot through an
// atomic pointer and never block; splits build a new snapshot under a writer
// lock and publish it in a single store.
package partition

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/nimburion/docroute/pkg/observability/logger"
)

// ErrUnsplittable is returned when a partition owns a single effective key.
var ErrUnsplittable = errors.New("partition range cannot be split further")

// SplitHook is invoked after a split has been published.
type SplitHook func(parent ID, left, right Entry, snap *Snapshot)

// Map is the mutable partition map. It is safe for concurrent use.
type Map struct {
	current atomic.Pointer[Snapshot]

	mu       sync.Mutex
	usage    map[ID]int64
	capacity int64
	hooks    []SplitHook
	log      logger.Logger
}

// Option configures a Map.
type Option func(*Map)

// WithCapacity sets the per-partition usage threshold, in bytes, above which
// RecordUsage splits the partition. Zero disables capacity splits.
func WithCapacity(bytes int64) Option {
	return func(m *Map) {
		m.capacity = bytes
	}
}

// WithLogger sets the logger used to report splits.
func WithLogger(log logger.Logger) Option {
	return func(m *Map) {
		if log != nil {
			m.log = log
		}
	}
}

// WithSplitHook registers a callback run after every published split.
func WithSplitHook(hook SplitHook) Option {
	return func(m *Map) {
		if hook != nil {
			m.hooks = append(m.hooks, hook)
		}
	}
}

// NewMap divides the effective key space evenly between n physical partitions
// with ids "0" to "n-1".
func NewMap(n int, opts ...Option) (*Map, error) {
	if n <= 0 {
		return nil, fmt.Errorf("initial partition count must be positive, got %d", n)
	}
	step := math.MaxUint64 / uint64(n)
	entries := make([]Entry, n)
	for i := 0; i < n; i++ {
		low := uint64(i) * step
		high := low + step - 1
		if i == n-1 {
			high = math.MaxUint64
		}
		entries[i] = Entry{ID: ID(strconv.Itoa(i)), Range: KeyRange{Low: low, High: high}}
	}
	snap, err := NewSnapshot(SnapshotData{Version: 1, NextID: n, Partitions: entries})
	if err != nil {
		return nil, err
	}
	return Restore(snap, opts...), nil
}

// Restore builds a map whose current version is snap.
func Restore(snap *Snapshot, opts ...Option) *Map {
	m := &Map{usage: make(map[ID]int64), log: logger.Nop()}
	for _, opt := range opts {
		opt(m)
	}
	m.current.Store(snap)
	return m
}

// Snapshot returns the current version.
func (m *Map) Snapshot() *Snapshot {
	return m.current.Load()
}

// Resolve returns the physical partition currently owning a partition-key value.
func (m *Map) Resolve(partitionKeyValue string) (ID, error) {
	return m.Snapshot().Resolve(partitionKeyValue)
}

// Range returns the key range currently owned by a physical partition.
func (m *Map) Range(id ID) (KeyRange, error) {
	return m.Snapshot().Range(id)
}

// Adopt publishes snap as the current version if it is newer, typically a
// version saved by another process. Usage of partitions that no longer exist
// is dropped. It reports whether snap was adopted.
func (m *Map) Adopt(snap *Snapshot) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if snap == nil || snap.Version() <= m.current.Load().Version() {
		return false
	}
	m.current.Store(snap)
	for id := range m.usage {
		if _, ok := snap.index[id]; !ok {
			delete(m.usage, id)
		}
	}
	m.log.Info("partition map adopted", "version", snap.version, "partitions", len(snap.entries))
	return true
}

// Split replaces the partition's range by its two halves, each owned by a new
// partition, and publishes the result as a new version.
func (m *Map) Split(id ID) (KeyRange, KeyRange, error) {
	m.mu.Lock()
	left, right, snap, err := m.splitLocked(id)
	hooks := m.hooks
	m.mu.Unlock()
	if err != nil {
		return KeyRange{}, KeyRange{}, err
	}
	for _, hook := range hooks {
		hook(id, left, right, snap)
	}
	return left.Range, right.Range, nil
}

// RecordUsage adds delta bytes to the partition's usage and splits it once the
// capacity threshold is exceeded. It reports whether a split happened.
func (m *Map) RecordUsage(id ID, delta int64) (bool, error) {
	m.mu.Lock()
	if _, err := m.current.Load().Range(id); err != nil {
		m.mu.Unlock()
		return false, err
	}
	m.usage[id] += delta
	if m.usage[id] < 0 {
		m.usage[id] = 0
	}
	if m.capacity <= 0 || m.usage[id] <= m.capacity {
		m.mu.Unlock()
		return false, nil
	}
	left, right, snap, err := m.splitLocked(id)
	hooks := m.hooks
	m.mu.Unlock()
	if errors.Is(err, ErrUnsplittable) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	for _, hook := range hooks {
		hook(id, left, right, snap)
	}
	return true, nil
}

// Usage returns the bytes recorded against a partition.
func (m *Map) Usage(id ID) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.usage[id]
}

func (m *Map) splitLocked(id ID) (Entry, Entry, *Snapshot, error) {
	cur := m.current.Load()
	idx, ok := cur.index[id]
	if !ok {
		_, err := cur.Range(id)
		return Entry{}, Entry{}, nil, err
	}
	parent := cur.entries[idx]
	if !parent.Range.Splittable() {
		return Entry{}, Entry{}, nil, fmt.Errorf("split partition %s: %w", id, ErrUnsplittable)
	}

	lowHalf, highHalf := parent.Range.Halves()
	left := Entry{ID: ID(strconv.Itoa(cur.nextID)), Range: lowHalf}
	right := Entry{ID: ID(strconv.Itoa(cur.nextID + 1)), Range: highHalf}

	entries := make([]Entry, 0, len(cur.entries)+1)
	entries = append(entries, cur.entries[:idx]...)
	entries = append(entries, left, right)
	entries = append(entries, cur.entries[idx+1:]...)

	next, err := NewSnapshot(SnapshotData{Version: cur.version + 1, NextID: cur.nextID + 2, Partitions: entries})
	if err != nil {
		return Entry{}, Entry{}, nil, fmt.Errorf("split partition %s: %w", id, err)
	}
	m.current.Store(next)

	used := m.usage[id]
	delete(m.usage, id)
	m.usage[left.ID] = used / 2
	m.usage[right.ID] = used - used/2

	m.log.Info("partition split",
		"parent", id,
		"left", left.ID,
		"right", right.ID,
		"version", next.version,
		"partitions", len(entries),
	)
	return left, right, next, nil
}
