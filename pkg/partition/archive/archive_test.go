package archive

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	awss3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/nimburion/docroute/pkg/observability/logger"
	"github.com/nimburion/docroute/pkg/partition"
)

// fakeBucket keeps objects in memory and lists two keys per page.
type fakeBucket struct {
	mu      sync.Mutex
	objects map[string][]byte
	headErr error
	lists   int
}

func newFakeBucket() *fakeBucket {
	return &fakeBucket{objects: map[string][]byte{}}
}

func (f *fakeBucket) HeadBucket(context.Context, *awss3.HeadBucketInput, ...func(*awss3.Options)) (*awss3.HeadBucketOutput, error) {
	return &awss3.HeadBucketOutput{}, f.headErr
}

func (f *fakeBucket) PutObject(_ context.Context, in *awss3.PutObjectInput, _ ...func(*awss3.Options)) (*awss3.PutObjectOutput, error) {
	raw, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.ToString(in.Key)] = raw
	return &awss3.PutObjectOutput{}, nil
}

func (f *fakeBucket) GetObject(_ context.Context, in *awss3.GetObjectInput, _ ...func(*awss3.Options)) (*awss3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	raw, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &awss3types.NoSuchKey{}
	}
	return &awss3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(raw))}, nil
}

func (f *fakeBucket) ListObjectsV2(_ context.Context, in *awss3.ListObjectsV2Input, _ ...func(*awss3.Options)) (*awss3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lists++
	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, aws.ToString(in.Prefix)) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	start := 0
	if in.ContinuationToken != nil {
		start, _ = strconv.Atoi(*in.ContinuationToken)
	}
	end := min(start+2, len(keys))
	out := &awss3.ListObjectsV2Output{}
	for _, k := range keys[start:end] {
		out.Contents = append(out.Contents, awss3types.Object{Key: aws.String(k)})
	}
	if end < len(keys) {
		out.IsTruncated = aws.Bool(true)
		out.NextContinuationToken = aws.String(strconv.Itoa(end))
	}
	return out, nil
}

func newTestArchive(t *testing.T, prefix string) (*Archive, *fakeBucket) {
	t.Helper()
	bucket := newFakeBucket()
	return newArchive(bucket, Config{Bucket: "maps", Prefix: prefix}, "FoodCollection", logger.Nop()), bucket
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(Config{}, "FoodCollection", logger.Nop()); err == nil {
		t.Fatal("expected an error without a bucket")
	}
	if _, err := New(Config{Bucket: "maps"}, "FoodCollection", logger.Nop()); err == nil {
		t.Fatal("expected an error without a region")
	}
}

func TestPutGet_RoundTrip(t *testing.T) {
	a, bucket := newTestArchive(t, "/docroute/")
	pm, err := partition.NewMap(4)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := pm.Split("1"); err != nil {
		t.Fatal(err)
	}

	key, err := a.Put(context.Background(), pm.Snapshot())
	if err != nil {
		t.Fatal(err)
	}
	if key != "docroute/FoodCollection/v00000000000000000002.json" {
		t.Fatalf("unexpected key %s", key)
	}
	if _, ok := bucket.objects[key]; !ok {
		t.Fatal("object not stored")
	}

	snap, err := a.Get(context.Background(), 2)
	if err != nil {
		t.Fatal(err)
	}
	if snap.Version() != 2 || snap.Len() != 5 {
		t.Fatalf("unexpected snapshot version %d with %d partitions", snap.Version(), snap.Len())
	}
	if _, err := snap.Range("5"); err != nil {
		t.Fatalf("expected child partition 5: %v", err)
	}

	if _, err := a.Get(context.Background(), 7); !errors.Is(err, ErrNotArchived) {
		t.Fatalf("expected ErrNotArchived, got %v", err)
	}
}

func TestSplitHook_ArchivesEveryVersion(t *testing.T) {
	a, bucket := newTestArchive(t, "")
	pm, err := partition.NewMap(2, partition.WithSplitHook(a.SplitHook(context.Background())))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := a.Put(context.Background(), pm.Snapshot()); err != nil {
		t.Fatal(err)
	}
	for _, id := range []partition.ID{"0", "2", "3"} {
		if _, _, err := pm.Split(id); err != nil {
			t.Fatalf("split %s: %v", id, err)
		}
	}
	bucket.objects["FoodCollection/notes.txt"] = []byte("ignored")

	versions, err := a.Versions(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(versions) != 4 || versions[0] != 1 || versions[3] != 4 {
		t.Fatalf("unexpected versions %v", versions)
	}
	if bucket.lists < 2 {
		t.Fatalf("expected a paginated listing, got %d calls", bucket.lists)
	}

	latest, err := a.Latest(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if latest.Version() != pm.Snapshot().Version() || latest.Len() != pm.Snapshot().Len() {
		t.Fatalf("latest archived version %d differs from the map", latest.Version())
	}
}

func TestLatest_EmptyArchive(t *testing.T) {
	a, _ := newTestArchive(t, "")
	if _, err := a.Latest(context.Background()); !errors.Is(err, ErrNotArchived) {
		t.Fatalf("expected ErrNotArchived, got %v", err)
	}
}

func TestHealthCheckAndClose(t *testing.T) {
	a, bucket := newTestArchive(t, "")
	if err := a.HealthCheck(context.Background()); err != nil {
		t.Fatal(err)
	}
	bucket.headErr = errors.New("access denied")
	if err := a.HealthCheck(context.Background()); err == nil {
		t.Fatal("expected health check failure")
	}
	bucket.headErr = nil
	_ = a.Close()
	if err := a.Ping(context.Background()); err == nil {
		t.Fatal("expected ping to fail after close")
	}
	pm, _ := partition.NewMap(1)
	if _, err := a.Put(context.Background(), pm.Snapshot()); err == nil {
		t.Fatal("expected put to fail after close")
	}
}
