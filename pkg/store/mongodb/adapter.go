package mongodb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/nimburion/docroute/pkg/dberr"
	"github.com/nimburion/docroute/pkg/document"
	"github.com/nimburion/docroute/pkg/observability/logger"
	"github.com/nimburion/docroute/pkg/partition"
	"github.com/nimburion/docroute/pkg/store"
)

// Adapter implements store.Store on one MongoDB collection.
type Adapter struct {
	client     *mongo.Client
	database   string
	collection string
	logger     logger.Logger
	timeout    time.Duration
	mu         sync.RWMutex
	closed     bool
}

// Config holds MongoDB adapter configuration.
type Config struct {
	URL              string
	Database         string
	Collection       string
	ConnectTimeout   time.Duration
	OperationTimeout time.Duration
}

// record is the stored shape of a document.
type record struct {
	EPK   string   `bson:"epk"`
	Key   string   `bson:"pk"`
	DocID string   `bson:"doc_id"`
	Body  bson.Raw `bson:"body,omitempty"`
}

// Cosa fa: inizializza un adapter MongoDB e verifica connettività via ping.
// Cosa NON fa: non crea indici automaticamente; usare EnsureIndexes.
// Esempio minimo: adapter, err := mongodb.NewAdapter(cfg, log)
func NewAdapter(cfg Config, log logger.Logger) (*Adapter, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("mongodb URL is required")
	}
	if cfg.Database == "" {
		return nil, fmt.Errorf("mongodb database is required")
	}
	if cfg.Collection == "" {
		return nil, fmt.Errorf("mongodb collection is required")
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = 5 * time.Second
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URL))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}

	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping mongodb: %w", err)
	}

	log.Info("MongoDB connection established", "database", cfg.Database, "collection", cfg.Collection)
	return &Adapter{
		client:     client,
		database:   cfg.Database,
		collection: cfg.Collection,
		logger:     log,
		timeout:    cfg.OperationTimeout,
	}, nil
}

func (a *Adapter) coll() *mongo.Collection {
	return a.client.Database(a.database).Collection(a.collection)
}

func (a *Adapter) Ping(ctx context.Context) error {
	if err := a.checkOpen(); err != nil {
		return err
	}
	return a.client.Ping(ctx, readpref.Primary())
}

func (a *Adapter) HealthCheck(ctx context.Context) error {
	hcCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := a.Ping(hcCtx); err != nil {
		a.logger.Error("MongoDB health check failed", "error", err)
		return fmt.Errorf("mongodb health check failed: %w", err)
	}
	return nil
}

func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.client.Disconnect(ctx); err != nil {
		return fmt.Errorf("failed to close mongodb connection: %w", err)
	}
	return nil
}

// EnsureIndexes creates the unique document key and the scan order index.
func (a *Adapter) EnsureIndexes(ctx context.Context) error {
	opCtx, cancel := a.withOperationTimeout(ctx)
	defer cancel()
	_, err := a.coll().Indexes().CreateMany(opCtx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "pk", Value: 1}, {Key: "doc_id", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "epk", Value: 1}, {Key: "pk", Value: 1}, {Key: "doc_id", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("create mongodb indexes: %w", err)
	}
	return nil
}

// Fetch serves one round trip: FindOne for point reads, a Find sorted by
// (epk, pk, doc_id) resumed after the continuation position otherwise.
func (a *Adapter) Fetch(ctx context.Context, req store.FetchRequest) (store.FetchResult, error) {
	if err := req.Validate(); err != nil {
		return store.FetchResult{}, err
	}
	if err := a.checkOpen(); err != nil {
		return store.FetchResult{}, err
	}
	opCtx, cancel := a.withOperationTimeout(ctx)
	defer cancel()

	if req.PointRead {
		return a.pointRead(opCtx, req)
	}

	filter, err := rangeFilter(req)
	if err != nil {
		return store.FetchResult{}, err
	}
	findOpts := options.Find().
		SetSort(bson.D{{Key: "epk", Value: 1}, {Key: "pk", Value: 1}, {Key: "doc_id", Value: 1}}).
		SetBatchSize(int32(req.MaxItems))
	cur, err := a.coll().Find(opCtx, filter, findOpts)
	if err != nil {
		return store.FetchResult{}, a.translate(req.Partition, err)
	}
	defer cur.Close(opCtx)

	var res store.FetchResult
	for cur.Next(opCtx) {
		if len(res.Documents) == req.MaxItems {
			res.Continuation = store.PositionOf(res.Documents[len(res.Documents)-1]).Encode()
			break
		}
		var rec record
		if err := cur.Decode(&rec); err != nil {
			return store.FetchResult{}, fmt.Errorf("decode mongodb record: %w", err)
		}
		doc, err := rec.document()
		if err != nil {
			return store.FetchResult{}, err
		}
		if req.Predicate.Matches(doc) {
			res.Documents = append(res.Documents, doc)
			res.BytesTransferred += doc.Size()
		}
	}
	if err := cur.Err(); err != nil {
		return store.FetchResult{}, a.translate(req.Partition, err)
	}
	return res, nil
}

// Write applies one mutation.
func (a *Adapter) Write(ctx context.Context, req store.WriteRequest) (store.WriteResult, error) {
	if err := a.checkOpen(); err != nil {
		return store.WriteResult{}, err
	}
	opCtx, cancel := a.withOperationTimeout(ctx)
	defer cancel()
	doc := req.Document
	key := bson.D{{Key: "pk", Value: doc.PartitionKey}, {Key: "doc_id", Value: doc.ID}}

	if req.Op == store.Delete {
		var rec record
		err := a.coll().FindOneAndDelete(opCtx, key).Decode(&rec)
		if errors.Is(err, mongo.ErrNoDocuments) {
			return store.WriteResult{}, &dberr.NotFoundError{ID: doc.ID, PartitionKey: doc.PartitionKey}
		}
		if err != nil {
			return store.WriteResult{}, a.translate(req.Partition, err)
		}
		removed, err := rec.document()
		if err != nil {
			return store.WriteResult{}, err
		}
		return store.WriteResult{Document: removed, BytesTransferred: removed.Size()}, nil
	}

	rec, err := newRecord(doc)
	if err != nil {
		return store.WriteResult{}, err
	}
	switch req.Op {
	case store.Create:
		if _, err := a.coll().InsertOne(opCtx, rec); err != nil {
			if mongo.IsDuplicateKeyError(err) {
				return store.WriteResult{}, &dberr.ConflictError{ID: doc.ID, PartitionKey: doc.PartitionKey}
			}
			return store.WriteResult{}, a.translate(req.Partition, err)
		}
		return store.WriteResult{Document: doc, Created: true, BytesTransferred: doc.Size()}, nil
	case store.Upsert, store.Replace:
		upsert := req.Op == store.Upsert
		opts := options.FindOneAndReplace().SetUpsert(upsert).SetReturnDocument(options.Before)
		var old record
		err := a.coll().FindOneAndReplace(opCtx, key, rec, opts).Decode(&old)
		switch {
		case errors.Is(err, mongo.ErrNoDocuments):
			if !upsert {
				return store.WriteResult{}, &dberr.NotFoundError{ID: doc.ID, PartitionKey: doc.PartitionKey}
			}
			return store.WriteResult{Document: doc, Created: true, BytesTransferred: doc.Size()}, nil
		case err != nil:
			return store.WriteResult{}, a.translate(req.Partition, err)
		}
		previous, err := old.document()
		if err != nil {
			return store.WriteResult{}, err
		}
		return store.WriteResult{Document: doc, BytesTransferred: doc.Size(), PreviousBytes: previous.Size()}, nil
	default:
		return store.WriteResult{}, fmt.Errorf("unsupported write operation %s", req.Op)
	}
}

func (a *Adapter) pointRead(ctx context.Context, req store.FetchRequest) (store.FetchResult, error) {
	id, _ := req.Predicate.ID()
	key := req.Predicate.PartitionKeys()[0]
	var rec record
	err := a.coll().FindOne(ctx, bson.D{{Key: "pk", Value: key}, {Key: "doc_id", Value: id}}).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return store.FetchResult{}, nil
	}
	if err != nil {
		return store.FetchResult{}, a.translate(req.Partition, err)
	}
	doc, err := rec.document()
	if err != nil {
		return store.FetchResult{}, err
	}
	return store.FetchResult{Documents: []document.Document{doc}, BytesTransferred: doc.Size()}, nil
}

func (a *Adapter) translate(id partition.ID, err error) error {
	if mongo.IsNetworkError(err) || mongo.IsTimeout(err) {
		a.logger.Warn("MongoDB round trip failed", "partition", id, "error", err)
		return dberr.Unavailable(string(id), err)
	}
	return fmt.Errorf("mongodb partition %s: %w", id, err)
}

func (a *Adapter) checkOpen() error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return fmt.Errorf("mongodb adapter is closed")
	}
	return nil
}

func (a *Adapter) withOperationTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if a.timeout <= 0 {
		return ctx, func() {}
	}
	if _, hasDeadline := ctx.Deadline(); hasDeadline {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, a.timeout)
}

// rangeFilter selects the request's epk range, pushes the partition-key set
// down when there is one and resumes strictly after the continuation.
func rangeFilter(req store.FetchRequest) (bson.D, error) {
	filter := bson.D{{Key: "epk", Value: bson.D{
		{Key: "$gte", Value: store.EncodeEPK(req.Range.Low)},
		{Key: "$lte", Value: store.EncodeEPK(req.Range.High)},
	}}}
	if keys := req.Predicate.PartitionKeys(); len(keys) > 0 {
		filter = append(filter, bson.E{Key: "pk", Value: bson.D{{Key: "$in", Value: keys}}})
	}
	if req.Continuation == "" {
		return filter, nil
	}
	pos, err := store.DecodePosition(req.Continuation)
	if err != nil {
		return nil, err
	}
	epk := store.EncodeEPK(pos.EPK)
	after := bson.A{
		bson.D{{Key: "epk", Value: bson.D{{Key: "$gt", Value: epk}}}},
		bson.D{{Key: "epk", Value: epk}, {Key: "pk", Value: bson.D{{Key: "$gt", Value: pos.Key}}}},
		bson.D{{Key: "epk", Value: epk}, {Key: "pk", Value: pos.Key}, {Key: "doc_id", Value: bson.D{{Key: "$gt", Value: pos.ID}}}},
	}
	return append(filter, bson.E{Key: "$or", Value: after}), nil
}

func newRecord(doc document.Document) (record, error) {
	rec := record{EPK: store.EncodeEPK(partition.EffectiveKey(doc.PartitionKey)), Key: doc.PartitionKey, DocID: doc.ID}
	if doc.Body != nil {
		raw, err := bson.Marshal(doc.Body)
		if err != nil {
			return record{}, fmt.Errorf("encode document %q: %w", doc.ID, err)
		}
		rec.Body = raw
	}
	return rec, nil
}

// document converts the stored body back to plain JSON values through relaxed
// extended JSON.
func (r record) document() (document.Document, error) {
	doc := document.Document{ID: r.DocID, PartitionKey: r.Key}
	if len(r.Body) == 0 {
		return doc, nil
	}
	raw, err := bson.MarshalExtJSON(r.Body, false, false)
	if err != nil {
		return document.Document{}, fmt.Errorf("decode document %q: %w", r.DocID, err)
	}
	if err := json.Unmarshal(raw, &doc.Body); err != nil {
		return document.Document{}, fmt.Errorf("decode document %q: %w", r.DocID, err)
	}
	return doc, nil
}
