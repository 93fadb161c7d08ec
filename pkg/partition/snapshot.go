package partition

import (
	"fmt"
	"math"
	"sort"

	"github.com/nimburion/docroute/pkg/dberr"
)

// ID identifies a physical partition.
type ID string

// Entry assigns one key range to one physical partition.
type Entry struct {
	ID    ID       `json:"id"`
	Range KeyRange `json:"range"`
}

// Snapshot is one immutable version of the partition map. Queries capture a
// snapshot when they start and keep using it, so a concurrent split is seen
// either not at all or completely.
type Snapshot struct {
	version uint64
	nextID  int
	entries []Entry
	index   map[ID]int
}

// SnapshotData is the serializable form of a snapshot.
type SnapshotData struct {
	Version    uint64  `json:"version"`
	NextID     int     `json:"next_id"`
	Partitions []Entry `json:"partitions"`
}

// NewSnapshot validates entries and builds a snapshot from them. Entries may be
// given in any order; they must be contiguous, non-overlapping and cover the
// whole effective key space.
func NewSnapshot(data SnapshotData) (*Snapshot, error) {
	entries := append([]Entry(nil), data.Partitions...)
	sort.Slice(entries, func(i, j int) bool { return entries[i].Range.Low < entries[j].Range.Low })
	if err := checkCoverage(entries); err != nil {
		return nil, err
	}
	s := &Snapshot{version: data.Version, nextID: data.NextID, entries: entries, index: make(map[ID]int, len(entries))}
	for i, e := range entries {
		if _, dup := s.index[e.ID]; dup {
			return nil, fmt.Errorf("duplicate partition id %q", e.ID)
		}
		s.index[e.ID] = i
	}
	if s.nextID < len(entries) {
		s.nextID = len(entries)
	}
	return s, nil
}

// Data returns the serializable form of the snapshot.
func (s *Snapshot) Data() SnapshotData {
	return SnapshotData{Version: s.version, NextID: s.nextID, Partitions: s.Partitions()}
}

// Version is incremented by every split.
func (s *Snapshot) Version() uint64 {
	return s.version
}

// Len returns the number of physical partitions.
func (s *Snapshot) Len() int {
	return len(s.entries)
}

// Partitions returns the entries ordered by key range.
func (s *Snapshot) Partitions() []Entry {
	return append([]Entry(nil), s.entries...)
}

// Resolve returns the physical partition owning a partition-key value.
func (s *Snapshot) Resolve(partitionKeyValue string) (ID, error) {
	return s.ResolveKey(EffectiveKey(partitionKeyValue))
}

// ResolveKey returns the physical partition owning an effective key in O(log P).
func (s *Snapshot) ResolveKey(epk uint64) (ID, error) {
	if s == nil || len(s.entries) == 0 {
		return "", &dberr.NotFoundError{Resource: "partition map"}
	}
	i := sort.Search(len(s.entries), func(i int) bool { return s.entries[i].Range.High >= epk })
	if i == len(s.entries) || !s.entries[i].Range.Contains(epk) {
		return "", &dberr.NotFoundError{Resource: fmt.Sprintf("partition for key %016x", epk)}
	}
	return s.entries[i].ID, nil
}

// Range returns the key range owned by a physical partition.
func (s *Snapshot) Range(id ID) (KeyRange, error) {
	i, ok := s.index[id]
	if !ok {
		return KeyRange{}, &dberr.NotFoundError{Resource: fmt.Sprintf("partition %s", id)}
	}
	return s.entries[i].Range, nil
}

// Overlapping returns every entry whose range shares keys with r, in key order.
func (s *Snapshot) Overlapping(r KeyRange) []Entry {
	start := sort.Search(len(s.entries), func(i int) bool { return s.entries[i].Range.High >= r.Low })
	var out []Entry
	for i := start; i < len(s.entries) && s.entries[i].Range.Low <= r.High; i++ {
		out = append(out, s.entries[i])
	}
	return out
}

func checkCoverage(entries []Entry) error {
	if len(entries) == 0 {
		return fmt.Errorf("partition map must contain at least one partition")
	}
	if entries[0].Range.Low != 0 {
		return fmt.Errorf("partition map does not start at the beginning of the key space")
	}
	for i, e := range entries {
		if e.Range.Low > e.Range.High {
			return fmt.Errorf("partition %s has an inverted range %s", e.ID, e.Range)
		}
		if i > 0 && (entries[i-1].Range.High == math.MaxUint64 || entries[i-1].Range.High+1 != e.Range.Low) {
			return fmt.Errorf("gap or overlap between partitions %s and %s", entries[i-1].ID, e.ID)
		}
	}
	if entries[len(entries)-1].Range.High != math.MaxUint64 {
		return fmt.Errorf("partition map does not reach the end of the key space")
	}
	return nil
}
