// Package dynamodb stores a partitioned document collection in one DynamoDB
// table keyed by partition key (HASH) and document id (RANGE). The effective
// partition key is kept as a fixed-width hex attribute so physical partitions
// can be read as epk ranges.
package dynamodb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/nimburion/docroute/pkg/dberr"
	"github.com/nimburion/docroute/pkg/document"
	"github.com/nimburion/docroute/pkg/observability/logger"
	"github.com/nimburion/docroute/pkg/partition"
	"github.com/nimburion/docroute/pkg/store"
)

const (
	attrKey  = "pk"
	attrID   = "id"
	attrEPK  = "epk"
	attrBody = "body"
)

// API is the subset of the DynamoDB client the adapter uses.
type API interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, opts ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, in *dynamodb.ScanInput, opts ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	ListTables(ctx context.Context, in *dynamodb.ListTablesInput, opts ...func(*dynamodb.Options)) (*dynamodb.ListTablesOutput, error)
	CreateTable(ctx context.Context, in *dynamodb.CreateTableInput, opts ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
}

// Adapter implements store.Store on DynamoDB.
type Adapter struct {
	client  API
	table   string
	logger  logger.Logger
	timeout time.Duration
	mu      sync.RWMutex
	closed  bool
}

// Config holds DynamoDB adapter configuration.
type Config struct {
	Region           string
	Endpoint         string
	Table            string
	AccessKeyID      string
	SecretAccessKey  string
	SessionToken     string
	OperationTimeout time.Duration
}

// Cosa fa: costruisce client DynamoDB (AWS SDK v2) con supporto endpoint custom.
// Cosa NON fa: non crea la tabella; usare EnsureTable.
// Esempio minimo: adapter, err := dynamodb.NewAdapter(cfg, log)
func NewAdapter(cfg Config, log logger.Logger) (*Adapter, error) {
	if cfg.Region == "" {
		return nil, fmt.Errorf("aws region is required")
	}
	if cfg.Table == "" {
		return nil, fmt.Errorf("dynamodb table is required")
	}
	if cfg.OperationTimeout == 0 {
		cfg.OperationTimeout = 5 * time.Second
	}

	loadOptions := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" || cfg.SecretAccessKey != "" {
		loadOptions = append(loadOptions, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), loadOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	var opts []func(*dynamodb.Options)
	if cfg.Endpoint != "" {
		opts = append(opts, func(o *dynamodb.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}

	adapter := NewWithClient(dynamodb.NewFromConfig(awsCfg, opts...), cfg.Table, cfg.OperationTimeout, log)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.OperationTimeout)
	defer cancel()
	if err := adapter.Ping(ctx); err != nil {
		return nil, err
	}

	log.Info("DynamoDB adapter initialized", "region", cfg.Region, "endpoint", cfg.Endpoint, "table", cfg.Table)
	return adapter, nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client API, table string, timeout time.Duration, log logger.Logger) *Adapter {
	if log == nil {
		log = logger.Nop()
	}
	return &Adapter{client: client, table: table, logger: log, timeout: timeout}
}

func (a *Adapter) Ping(ctx context.Context) error {
	if err := a.checkOpen(); err != nil {
		return err
	}
	opCtx, cancel := a.withOperationTimeout(ctx)
	defer cancel()
	_, err := a.client.ListTables(opCtx, &dynamodb.ListTablesInput{Limit: aws.Int32(1)})
	if err != nil {
		return fmt.Errorf("dynamodb ping failed: %w", err)
	}
	return nil
}

func (a *Adapter) HealthCheck(ctx context.Context) error {
	hcCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := a.Ping(hcCtx); err != nil {
		a.logger.Error("DynamoDB health check failed", "error", err)
		return fmt.Errorf("dynamodb health check failed: %w", err)
	}
	return nil
}

func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	return nil
}

// EnsureTable creates the collection table with on-demand billing if it does
// not exist yet.
func (a *Adapter) EnsureTable(ctx context.Context) error {
	if err := a.checkOpen(); err != nil {
		return err
	}
	opCtx, cancel := a.withOperationTimeout(ctx)
	defer cancel()
	_, err := a.client.CreateTable(opCtx, &dynamodb.CreateTableInput{
		TableName: aws.String(a.table),
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String(attrKey), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String(attrID), AttributeType: types.ScalarAttributeTypeS},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String(attrKey), KeyType: types.KeyTypeHash},
			{AttributeName: aws.String(attrID), KeyType: types.KeyTypeRange},
		},
		BillingMode: types.BillingModePayPerRequest,
	})
	var inUse *types.ResourceInUseException
	if err != nil && !errors.As(err, &inUse) {
		return fmt.Errorf("create table %s: %w", a.table, err)
	}
	return nil
}

// Fetch serves one round trip: GetItem for point reads, Query when the range
// is pinned to a single named partition key, Scan with an epk filter otherwise.
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

	var start map[string]types.AttributeValue
	if req.Continuation != "" {
		pos, err := store.DecodePosition(req.Continuation)
		if err != nil {
			return store.FetchResult{}, err
		}
		start = keyOf(pos.Key, pos.ID)
	}

	single, pinned := pinnedKey(req)
	var res store.FetchResult
	for {
		remaining := int32(req.MaxItems - len(res.Documents))
		var (
			items []map[string]types.AttributeValue
			last  map[string]types.AttributeValue
			err   error
		)
		if pinned {
			items, last, err = a.query(opCtx, single, start, remaining)
		} else {
			items, last, err = a.scan(opCtx, req.Range, start, remaining)
		}
		if err != nil {
			return store.FetchResult{}, a.translate(req.Partition, err)
		}
		for _, item := range items {
			doc, err := decodeItem(item)
			if err != nil {
				return store.FetchResult{}, err
			}
			if req.Predicate.Matches(doc) {
				res.Documents = append(res.Documents, doc)
				res.BytesTransferred += doc.Size()
			}
		}
		if len(last) == 0 {
			return res, nil
		}
		start = last
		if len(res.Documents) >= req.MaxItems {
			res.Continuation = store.Position{Key: stringAttr(last, attrKey), ID: stringAttr(last, attrID)}.Encode()
			return res, nil
		}
	}
}

// Write applies one mutation with conditional puts and deletes.
func (a *Adapter) Write(ctx context.Context, req store.WriteRequest) (store.WriteResult, error) {
	if err := a.checkOpen(); err != nil {
		return store.WriteResult{}, err
	}
	opCtx, cancel := a.withOperationTimeout(ctx)
	defer cancel()
	doc := req.Document

	if req.Op == store.Delete {
		out, err := a.client.DeleteItem(opCtx, &dynamodb.DeleteItemInput{
			TableName:           aws.String(a.table),
			Key:                 keyOf(doc.PartitionKey, doc.ID),
			ConditionExpression: aws.String("attribute_exists(" + attrKey + ")"),
			ReturnValues:        types.ReturnValueAllOld,
		})
		if err != nil {
			return store.WriteResult{}, a.translateWrite(req, err)
		}
		removed, err := decodeItem(out.Attributes)
		if err != nil {
			return store.WriteResult{}, err
		}
		return store.WriteResult{Document: removed, BytesTransferred: removed.Size()}, nil
	}

	item, err := encodeItem(doc)
	if err != nil {
		return store.WriteResult{}, err
	}
	in := &dynamodb.PutItemInput{TableName: aws.String(a.table), Item: item, ReturnValues: types.ReturnValueAllOld}
	switch req.Op {
	case store.Create:
		in.ConditionExpression = aws.String("attribute_not_exists(" + attrKey + ")")
	case store.Replace:
		in.ConditionExpression = aws.String("attribute_exists(" + attrKey + ")")
	case store.Upsert:
	default:
		return store.WriteResult{}, fmt.Errorf("unsupported write operation %s", req.Op)
	}
	out, err := a.client.PutItem(opCtx, in)
	if err != nil {
		return store.WriteResult{}, a.translateWrite(req, err)
	}
	res := store.WriteResult{Document: doc, Created: len(out.Attributes) == 0, BytesTransferred: doc.Size()}
	if !res.Created {
		old, err := decodeItem(out.Attributes)
		if err != nil {
			return store.WriteResult{}, err
		}
		res.PreviousBytes = old.Size()
	}
	return res, nil
}

func (a *Adapter) pointRead(ctx context.Context, req store.FetchRequest) (store.FetchResult, error) {
	id, _ := req.Predicate.ID()
	key := req.Predicate.PartitionKeys()[0]
	out, err := a.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(a.table),
		Key:            keyOf(key, id),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return store.FetchResult{}, a.translate(req.Partition, err)
	}
	if len(out.Item) == 0 {
		return store.FetchResult{}, nil
	}
	doc, err := decodeItem(out.Item)
	if err != nil {
		return store.FetchResult{}, err
	}
	return store.FetchResult{Documents: []document.Document{doc}, BytesTransferred: doc.Size()}, nil
}

func (a *Adapter) query(ctx context.Context, key string, start map[string]types.AttributeValue, limit int32) ([]map[string]types.AttributeValue, map[string]types.AttributeValue, error) {
	out, err := a.client.Query(ctx, &dynamodb.QueryInput{
		TableName:                 aws.String(a.table),
		KeyConditionExpression:    aws.String("#pk = :pk"),
		ExpressionAttributeNames:  map[string]string{"#pk": attrKey},
		ExpressionAttributeValues: map[string]types.AttributeValue{":pk": &types.AttributeValueMemberS{Value: key}},
		ExclusiveStartKey:         start,
		Limit:                     aws.Int32(limit),
	})
	if err != nil {
		return nil, nil, err
	}
	return out.Items, out.LastEvaluatedKey, nil
}

func (a *Adapter) scan(ctx context.Context, r partition.KeyRange, start map[string]types.AttributeValue, limit int32) ([]map[string]types.AttributeValue, map[string]types.AttributeValue, error) {
	out, err := a.client.Scan(ctx, &dynamodb.ScanInput{
		TableName:                aws.String(a.table),
		FilterExpression:         aws.String("#epk BETWEEN :lo AND :hi"),
		ExpressionAttributeNames: map[string]string{"#epk": attrEPK},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":lo": &types.AttributeValueMemberS{Value: store.EncodeEPK(r.Low)},
			":hi": &types.AttributeValueMemberS{Value: store.EncodeEPK(r.High)},
		},
		ExclusiveStartKey: start,
		Limit:             aws.Int32(limit),
	})
	if err != nil {
		return nil, nil, err
	}
	return out.Items, out.LastEvaluatedKey, nil
}

func (a *Adapter) translate(id partition.ID, err error) error {
	if IsThrottlingError(err) || errors.Is(err, context.DeadlineExceeded) {
		a.logger.Warn("DynamoDB round trip throttled", "partition", id, "error", err)
		return dberr.Unavailable(string(id), err)
	}
	return fmt.Errorf("dynamodb fetch from partition %s: %w", id, err)
}

func (a *Adapter) translateWrite(req store.WriteRequest, err error) error {
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		if req.Op == store.Create {
			return &dberr.ConflictError{ID: req.Document.ID, PartitionKey: req.Document.PartitionKey}
		}
		return &dberr.NotFoundError{ID: req.Document.ID, PartitionKey: req.Document.PartitionKey}
	}
	if IsThrottlingError(err) {
		return dberr.Unavailable(string(req.Partition), err)
	}
	return fmt.Errorf("dynamodb %s %q: %w", req.Op, req.Document.ID, err)
}

func (a *Adapter) checkOpen() error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return fmt.Errorf("dynamodb adapter is closed")
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

// IsThrottlingError reports whether DynamoDB rejected the call for capacity.
func IsThrottlingError(err error) bool {
	if err == nil {
		return false
	}
	var pte *types.ProvisionedThroughputExceededException
	var rle *types.RequestLimitExceeded
	return errors.As(err, &pte) || errors.As(err, &rle)
}

// pinnedKey reports the single partition key a request is limited to, if the
// range is one effective key and the predicate names exactly one key in it.
func pinnedKey(req store.FetchRequest) (string, bool) {
	keys := req.Predicate.PartitionKeys()
	if req.Range.Low != req.Range.High || len(keys) != 1 {
		return "", false
	}
	if partition.EffectiveKey(keys[0]) != req.Range.Low {
		return "", false
	}
	return keys[0], true
}

func keyOf(key, id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		attrKey: &types.AttributeValueMemberS{Value: key},
		attrID:  &types.AttributeValueMemberS{Value: id},
	}
}

func encodeItem(doc document.Document) (map[string]types.AttributeValue, error) {
	body, err := json.Marshal(doc.Body)
	if err != nil {
		return nil, fmt.Errorf("encode document %q: %w", doc.ID, err)
	}
	item := keyOf(doc.PartitionKey, doc.ID)
	item[attrEPK] = &types.AttributeValueMemberS{Value: store.EncodeEPK(partition.EffectiveKey(doc.PartitionKey))}
	item[attrBody] = &types.AttributeValueMemberS{Value: string(body)}
	return item, nil
}

func decodeItem(item map[string]types.AttributeValue) (document.Document, error) {
	doc := document.Document{PartitionKey: stringAttr(item, attrKey), ID: stringAttr(item, attrID)}
	if raw := stringAttr(item, attrBody); raw != "" && raw != "null" {
		if err := json.Unmarshal([]byte(raw), &doc.Body); err != nil {
			return document.Document{}, fmt.Errorf("decode document %q: %w", doc.ID, err)
		}
	}
	return doc, nil
}

func stringAttr(item map[string]types.AttributeValue, name string) string {
	if v, ok := item[name].(*types.AttributeValueMemberS); ok {
		return v.Value
	}
	return ""
}
