package query

import (
	"fmt"

	"github.com/nimburion/docroute/pkg/dberr"
	"github.com/nimburion/docroute/pkg/partition"
)

// Kind is the routing class of a predicate.
type Kind int

// Routing classes, in classification priority order.
const (
	// PointLookup names both a document id and one partition-key value.
	PointLookup Kind = iota + 1
	// SinglePartition names exactly one partition-key value.
	SinglePartition
	// MultiPartition names several OR'd partition-key values. It is decomposed
	// into one sub-query per distinct physical partition.
	MultiPartition
	// FanOut names no partition key and visits every physical partition.
	FanOut
)

func (k Kind) String() string {
	switch k {
	case PointLookup:
		return "point-lookup"
	case SinglePartition:
		return "single-partition"
	case MultiPartition:
		return "multi-partition"
	case FanOut:
		return "fan-out"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Target is one physical partition a route visits. Range is the slice of the
// effective key space the sub-query needs, always inside the partition's range.
type Target struct {
	Partition partition.ID
	Range     partition.KeyRange
	Keys      []string
}

// Route is the outcome of classification against one captured snapshot.
type Route struct {
	Kind      Kind
	Predicate Predicate
	Snapshot  *partition.Snapshot
	Targets   []Target
}

// Partitions returns the ids of the targeted partitions.
func (r Route) Partitions() []partition.ID {
	ids := make([]partition.ID, len(r.Targets))
	for i, t := range r.Targets {
		ids[i] = t.Partition
	}
	return ids
}

// Classify routes p against snap:
//  1. id and a single partition-key value: PointLookup
//  2. a single partition-key value, whatever else is AND-ed: SinglePartition
//  3. several OR'd partition-key values: MultiPartition
//  4. otherwise: FanOut over every partition of snap
func Classify(p Predicate, snap *partition.Snapshot) (Route, error) {
	if snap == nil || snap.Len() == 0 {
		return Route{}, &dberr.NotFoundError{Resource: "partition map"}
	}
	route := Route{Predicate: p, Snapshot: snap}
	_, hasID := p.ID()

	switch {
	case len(p.keys) == 1:
		t, err := keyTarget(snap, p.keys[0])
		if err != nil {
			return Route{}, err
		}
		route.Kind = SinglePartition
		if hasID {
			route.Kind = PointLookup
		}
		route.Targets = []Target{t}
	case len(p.keys) > 1:
		targets, err := groupKeys(snap, p.keys)
		if err != nil {
			return Route{}, err
		}
		route.Kind = MultiPartition
		route.Targets = targets
	default:
		route.Kind = FanOut
		for _, e := range snap.Partitions() {
			route.Targets = append(route.Targets, Target{Partition: e.ID, Range: e.Range})
		}
	}
	return route, nil
}

func keyTarget(snap *partition.Snapshot, key string) (Target, error) {
	epk := partition.EffectiveKey(key)
	id, err := snap.ResolveKey(epk)
	if err != nil {
		return Target{}, err
	}
	return Target{Partition: id, Range: partition.KeyRange{Low: epk, High: epk}, Keys: []string{key}}, nil
}

// groupKeys resolves every key and merges the ones owned by the same physical
// partition into one target, preserving first-seen order.
func groupKeys(snap *partition.Snapshot, keys []string) ([]Target, error) {
	var targets []Target
	index := make(map[partition.ID]int)
	for _, key := range keys {
		t, err := keyTarget(snap, key)
		if err != nil {
			return nil, err
		}
		i, seen := index[t.Partition]
		if !seen {
			index[t.Partition] = len(targets)
			targets = append(targets, t)
			continue
		}
		merged := &targets[i]
		merged.Keys = append(merged.Keys, key)
		if t.Range.Low < merged.Range.Low {
			merged.Range.Low = t.Range.Low
		}
		if t.Range.High > merged.Range.High {
			merged.Range.High = t.Range.High
		}
	}
	return targets, nil
}

// Router classifies predicates against the current version of a partition map.
type Router struct {
	partitions *partition.Map
}

// NewRouter creates a router over pm.
func NewRouter(pm *partition.Map) *Router {
	return &Router{partitions: pm}
}

// Route captures the current snapshot and classifies p against it.
func (r *Router) Route(p Predicate) (Route, error) {
	return Classify(p, r.partitions.Snapshot())
}

// Partitions returns the underlying partition map.
func (r *Router) Partitions() *partition.Map {
	return r.partitions
}
