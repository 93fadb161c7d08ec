// Package store defines the storage I/O collaborator the execution engine
// drives: one Fetch is one round trip to one physical partition.
package store

import (
	"context"
	"fmt"

	"github.com/nimburion/docroute/pkg/document"
	"github.com/nimburion/docroute/pkg/partition"
	"github.com/nimburion/docroute/pkg/query"
)

// Adapter is the minimal lifecycle and health contract for storage adapters.
type Adapter interface {
	HealthCheck(ctx context.Context) error
	Close() error
}

// FetchRequest describes one round trip.
type FetchRequest struct {
	// Partition is used for error attribution and fault isolation.
	Partition partition.ID
	// Range bounds the effective keys to read; it never exceeds the partition.
	Range     partition.KeyRange
	Predicate query.Predicate
	// Continuation is the position returned by the previous round trip over
	// the same work, empty to start from the beginning of Range.
	Continuation string
	MaxItems     int
	// PointRead asks for a direct key lookup of the predicate's id and single
	// partition key instead of a query.
	PointRead bool
}

// FetchResult is the outcome of one round trip. An empty Continuation means the
// request's range is exhausted.
type FetchResult struct {
	Documents        []document.Document
	Continuation     string
	BytesTransferred int
}

// WriteOp is a document mutation.
type WriteOp int

// Supported mutations
const (
	Create WriteOp = iota + 1
	Upsert
	Replace
	Delete
)

func (o WriteOp) String() string {
	switch o {
	case Create:
		return "create"
	case Upsert:
		return "upsert"
	case Replace:
		return "replace"
	case Delete:
		return "delete"
	default:
		return fmt.Sprintf("writeop(%d)", int(o))
	}
}

// WriteRequest carries one mutation. Delete only needs the document's id and
// partition key.
type WriteRequest struct {
	Op        WriteOp
	Partition partition.ID
	Document  document.Document
}

// WriteResult reports what a mutation did. Created is true when Upsert inserted
// a new document; BytesTransferred is the size of the written or removed value.
type WriteResult struct {
	Document         document.Document
	Created          bool
	BytesTransferred int
	// PreviousBytes is the size of the document a Replace or Upsert
	// overwrote, zero when nothing was overwritten.
	PreviousBytes int
}

// Store is a partitioned document store.
type Store interface {
	Adapter
	Fetch(ctx context.Context, req FetchRequest) (FetchResult, error)
	Write(ctx context.Context, req WriteRequest) (WriteResult, error)
}

// Validate rejects requests no backend can serve.
func (r FetchRequest) Validate() error {
	if r.MaxItems <= 0 {
		return fmt.Errorf("fetch from partition %s: max items must be positive, got %d", r.Partition, r.MaxItems)
	}
	if r.Range.Low > r.Range.High {
		return fmt.Errorf("fetch from partition %s: inverted range %s", r.Partition, r.Range)
	}
	if r.PointRead {
		_, hasID := r.Predicate.ID()
		if !hasID || len(r.Predicate.PartitionKeys()) != 1 {
			return fmt.Errorf("fetch from partition %s: point read needs an id and one partition key", r.Partition)
		}
	}
	return nil
}
