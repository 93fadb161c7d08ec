package executor

import (
	"context"
	"time"

	"github.com/nimburion/docroute/pkg/cost"
	"github.com/nimburion/docroute/pkg/document"
	"github.com/nimburion/docroute/pkg/observability/metrics"
	"github.com/nimburion/docroute/pkg/observability/tracing"
	"github.com/nimburion/docroute/pkg/partition"
	"github.com/nimburion/docroute/pkg/store"
)

// WriteResult reports a mutation and its price.
type WriteResult struct {
	Document  document.Document
	Partition partition.ID
	Cost      cost.Units
	// Created is true when the mutation inserted a new document.
	Created bool
	// Split is true when the write pushed its partition over capacity.
	Split bool
}

// Create inserts doc. An existing document with the same id and partition key
// fails with a ConflictError.
func (e *Engine) Create(ctx context.Context, doc document.Document) (WriteResult, error) {
	return e.write(ctx, store.Create, doc)
}

// Upsert inserts doc or replaces the stored version.
func (e *Engine) Upsert(ctx context.Context, doc document.Document) (WriteResult, error) {
	return e.write(ctx, store.Upsert, doc)
}

// Replace overwrites an existing document; an absent one fails with a
// NotFoundError.
func (e *Engine) Replace(ctx context.Context, doc document.Document) (WriteResult, error) {
	return e.write(ctx, store.Replace, doc)
}

// Delete removes a document; an absent one fails with a NotFoundError.
func (e *Engine) Delete(ctx context.Context, id, partitionKey string) (WriteResult, error) {
	doc, err := document.New(id, partitionKey, nil)
	if err != nil {
		return WriteResult{}, err
	}
	return e.write(ctx, store.Delete, doc)
}

func (e *Engine) write(ctx context.Context, op store.WriteOp, doc document.Document) (WriteResult, error) {
	pm := e.router.Partitions()
	id, err := pm.Resolve(doc.PartitionKey)
	if err != nil {
		return WriteResult{}, err
	}
	log := e.log.WithContext(ctx).With("op", op.String(), "partition", id)

	ctx, span := tracing.StartWriteSpan(ctx, op.String(), string(id))
	defer span.End()

	start := time.Now()
	var res store.WriteResult
	attempts, err := e.withRetry(ctx, op.String(), id, log, func(ctx context.Context) error {
		r, err := e.store.Write(ctx, store.WriteRequest{Op: op, Partition: id, Document: doc})
		if err != nil {
			return err
		}
		res = r
		return nil
	})
	span.SetAttributes(tracing.AttrAttempts.Int(attempts))
	if err != nil {
		tracing.RecordError(span, err)
		e.metrics.ObserveRoundTrip(op.String(), metrics.OutcomeError, time.Since(start))
		return WriteResult{}, err
	}

	kind, delta := writeCharge(op, res)
	charge := e.costs.Cost(kind, res.BytesTransferred)
	e.metrics.ObserveRoundTrip(op.String(), metrics.OutcomeOK, time.Since(start))
	e.metrics.AddRequestUnits(string(kind), float64(charge))
	span.SetAttributes(tracing.AttrRequestUnits.Float64(float64(charge)))
	tracing.RecordSuccess(span)

	out := WriteResult{Document: res.Document, Partition: id, Cost: charge, Created: res.Created}
	if delta != 0 {
		split, err := pm.RecordUsage(id, delta)
		if err != nil {
			// the partition was split by someone else since Resolve
			log.Warn("usage not recorded", "error", err)
		}
		if split {
			out.Split = true
			e.metrics.IncSplit()
			log.Info("partition split after reaching capacity", "bytes", delta)
		}
	}
	log.Debug("document written", "id", doc.ID, "bytes", res.BytesTransferred, "cost", float64(charge))
	return out, nil
}

// writeCharge returns the cost kind of a completed mutation and the change in
// stored bytes it causes for capacity accounting. Overwrites count the size
// difference against the document they replaced.
func writeCharge(op store.WriteOp, res store.WriteResult) (cost.Kind, int64) {
	size := int64(res.BytesTransferred)
	switch op {
	case store.Create:
		return cost.Create, size
	case store.Upsert:
		if res.Created {
			return cost.Create, size
		}
		return cost.Update, size - int64(res.PreviousBytes)
	case store.Delete:
		return cost.Delete, -size
	default:
		return cost.Update, size - int64(res.PreviousBytes)
	}
}
