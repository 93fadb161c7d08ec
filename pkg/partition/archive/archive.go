// Package archive keeps every partition map version of a collection in an S3
// bucket, one JSON object per version. The catalog holds only the current map;
// the archive answers "what did the map look like at version N".
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	awss3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/nimburion/docroute/pkg/observability/logger"
	"github.com/nimburion/docroute/pkg/partition"
)

// ErrNotArchived is returned when a requested version, or any version, is missing.
var ErrNotArchived = errors.New("partition map version not archived")

// Config defines the bucket holding the archive.
type Config struct {
	Bucket string
	// Prefix is prepended to every object key.
	Prefix           string
	Region           string
	Endpoint         string
	AccessKeyID      string
	SecretAccessKey  string
	SessionToken     string
	UsePathStyle     bool
	OperationTimeout time.Duration
}

type objectAPI interface {
	HeadBucket(ctx context.Context, params *awss3.HeadBucketInput, optFns ...func(*awss3.Options)) (*awss3.HeadBucketOutput, error)
	PutObject(ctx context.Context, params *awss3.PutObjectInput, optFns ...func(*awss3.Options)) (*awss3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *awss3.GetObjectInput, optFns ...func(*awss3.Options)) (*awss3.GetObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *awss3.ListObjectsV2Input, optFns ...func(*awss3.Options)) (*awss3.ListObjectsV2Output, error)
}

// Archive stores the partition map versions of one collection.
type Archive struct {
	client     objectAPI
	config     Config
	collection string
	logger     logger.Logger

	mu     sync.RWMutex
	closed bool
}

// Cosa fa: crea l'archivio S3 delle versioni della mappa e verifica l'accesso al bucket.
// Cosa NON fa: non crea il bucket e non applica policy di retention.
// Esempio minimo: arc, err := archive.New(cfg, "FoodCollection", log)
func New(cfg Config, collection string, log logger.Logger) (*Archive, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, errors.New("archive bucket is required")
	}
	if strings.TrimSpace(cfg.Region) == "" {
		return nil, errors.New("aws region is required")
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

	client := awss3.NewFromConfig(awsCfg, func(o *awss3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
	a := newArchive(client, cfg, collection, log)

	ctx, cancel := a.withOperationTimeout(context.Background())
	defer cancel()
	if err := a.Ping(ctx); err != nil {
		return nil, err
	}
	log.Info("partition map archive initialized", "bucket", cfg.Bucket, "prefix", cfg.Prefix, "collection", collection)
	return a, nil
}

func newArchive(client objectAPI, cfg Config, collection string, log logger.Logger) *Archive {
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = 10 * time.Second
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Archive{client: client, config: cfg, collection: collection, logger: log}
}

// Ping verifies that the bucket is accessible.
func (a *Archive) Ping(ctx context.Context) error {
	if err := a.ensureOpen(); err != nil {
		return err
	}
	if _, err := a.client.HeadBucket(ctx, &awss3.HeadBucketInput{Bucket: aws.String(a.config.Bucket)}); err != nil {
		return fmt.Errorf("s3 ping failed: %w", err)
	}
	return nil
}

// HealthCheck verifies the bucket is reachable within a short timeout.
func (a *Archive) HealthCheck(ctx context.Context) error {
	hcCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := a.Ping(hcCtx); err != nil {
		a.logger.Error("partition map archive health check failed", "error", err)
		return fmt.Errorf("archive health check failed: %w", err)
	}
	return nil
}

// Close marks the archive as closed.
func (a *Archive) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	return nil
}

// Put stores snap under its version and returns the object key. Storing the
// same version again overwrites it with identical content.
func (a *Archive) Put(ctx context.Context, snap *partition.Snapshot) (string, error) {
	if err := a.ensureOpen(); err != nil {
		return "", err
	}
	raw, err := json.Marshal(snap.Data())
	if err != nil {
		return "", fmt.Errorf("encode partition map: %w", err)
	}
	key := a.key(snap.Version())

	opCtx, cancel := a.withOperationTimeout(ctx)
	defer cancel()
	_, err = a.client.PutObject(opCtx, &awss3.PutObjectInput{
		Bucket:      aws.String(a.config.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(raw),
		ContentType: aws.String("application/json"),
		Metadata: map[string]string{
			"collection": a.collection,
			"partitions": strconv.Itoa(snap.Len()),
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to archive partition map version %d: %w", snap.Version(), err)
	}
	a.logger.Info("partition map archived", "version", snap.Version(), "key", key)
	return key, nil
}

// Get loads one archived version.
func (a *Archive) Get(ctx context.Context, version uint64) (*partition.Snapshot, error) {
	if err := a.ensureOpen(); err != nil {
		return nil, err
	}
	opCtx, cancel := a.withOperationTimeout(ctx)
	defer cancel()

	resp, err := a.client.GetObject(opCtx, &awss3.GetObjectInput{
		Bucket: aws.String(a.config.Bucket),
		Key:    aws.String(a.key(version)),
	})
	var missing *awss3types.NoSuchKey
	if errors.As(err, &missing) {
		return nil, fmt.Errorf("%w: %d", ErrNotArchived, version)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to download partition map version %d: %w", version, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read partition map version %d: %w", version, err)
	}
	var data partition.SnapshotData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("decode partition map version %d: %w", version, err)
	}
	return partition.NewSnapshot(data)
}

// Versions lists the archived versions in ascending order.
func (a *Archive) Versions(ctx context.Context) ([]uint64, error) {
	if err := a.ensureOpen(); err != nil {
		return nil, err
	}
	opCtx, cancel := a.withOperationTimeout(ctx)
	defer cancel()

	prefix := a.collectionPrefix()
	pages := awss3.NewListObjectsV2Paginator(a.client, &awss3.ListObjectsV2Input{
		Bucket: aws.String(a.config.Bucket),
		Prefix: aws.String(prefix),
	})
	var versions []uint64
	for pages.HasMorePages() {
		page, err := pages.NextPage(opCtx)
		if err != nil {
			return nil, fmt.Errorf("failed to list archived partition maps: %w", err)
		}
		for _, obj := range page.Contents {
			name := strings.TrimPrefix(aws.ToString(obj.Key), prefix)
			v, ok := parseVersion(name)
			if !ok {
				continue
			}
			versions = append(versions, v)
		}
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i] < versions[j] })
	return versions, nil
}

// Latest loads the highest archived version.
func (a *Archive) Latest(ctx context.Context) (*partition.Snapshot, error) {
	versions, err := a.Versions(ctx)
	if err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return nil, ErrNotArchived
	}
	return a.Get(ctx, versions[len(versions)-1])
}

// SplitHook returns a partition.SplitHook that archives every new version.
// Failures are logged and never block the split.
func (a *Archive) SplitHook(ctx context.Context) partition.SplitHook {
	return func(parent partition.ID, left, right partition.Entry, snap *partition.Snapshot) {
		if _, err := a.Put(context.WithoutCancel(ctx), snap); err != nil {
			a.logger.Warn("failed to archive partition map after split",
				"parent", parent, "left", left.ID, "right", right.ID, "error", err)
		}
	}
}

func (a *Archive) collectionPrefix() string {
	prefix := strings.Trim(a.config.Prefix, "/")
	if prefix == "" {
		return a.collection + "/"
	}
	return prefix + "/" + a.collection + "/"
}

// key zero-pads the version so lexical listing order is version order.
func (a *Archive) key(version uint64) string {
	return fmt.Sprintf("%sv%020d.json", a.collectionPrefix(), version)
}

func parseVersion(name string) (uint64, bool) {
	if !strings.HasPrefix(name, "v") || !strings.HasSuffix(name, ".json") {
		return 0, false
	}
	v, err := strconv.ParseUint(strings.TrimSuffix(strings.TrimPrefix(name, "v"), ".json"), 10, 64)
	return v, err == nil
}

func (a *Archive) withOperationTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, a.config.OperationTimeout)
}

func (a *Archive) ensureOpen() error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return errors.New("partition map archive is closed")
	}
	return nil
}
