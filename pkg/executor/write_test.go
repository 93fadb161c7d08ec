package executor

import (
	"context"
	"strings"
	"testing"

	"github.com/nimburion/docroute/pkg/cost"
	"github.com/nimburion/docroute/pkg/dberr"
	"github.com/nimburion/docroute/pkg/document"
	"github.com/nimburion/docroute/pkg/feed"
	"github.com/nimburion/docroute/pkg/partition"
	"github.com/nimburion/docroute/pkg/query"
	"github.com/nimburion/docroute/pkg/store/memory"
)

func newWriteEngine(t *testing.T, opts ...partition.Option) (*Engine, *partition.Map, *memory.Store) {
	t.Helper()
	pm, err := partition.NewMap(2, opts...)
	if err != nil {
		t.Fatal(err)
	}
	st := memory.New()
	return New(query.NewRouter(pm), st, WithRetryPolicy(fastRetry())), pm, st
}

func TestWrite_Lifecycle(t *testing.T) {
	engine, _, st := newWriteEngine(t)
	ctx := context.Background()
	doc := mustDoc(t, "19293", "Sweets", map[string]any{"description": "Sweeteners", "calories": 375})

	created, err := engine.Create(ctx, doc)
	if err != nil {
		t.Fatal(err)
	}
	if !created.Created || created.Cost != 5.71 {
		t.Fatalf("a small create costs 5.71 RU, got %+v", created)
	}

	if _, err := engine.Create(ctx, doc); !dberr.IsConflict(err) {
		t.Fatalf("expected ConflictError on duplicate create, got %v", err)
	}

	updated, err := engine.Upsert(ctx, mustDoc(t, "19293", "Sweets", map[string]any{"description": "Sweeteners", "calories": 380}))
	if err != nil {
		t.Fatal(err)
	}
	if updated.Created || updated.Cost != 10.67 {
		t.Fatalf("an upsert over an existing document is priced as an update, got %+v", updated)
	}

	got, _, err := engine.ReadItem(ctx, "19293", "Sweets")
	if err != nil || got.Body["calories"] != 380 {
		t.Fatalf("upsert not visible: %+v %v", got, err)
	}

	missing := mustDoc(t, "00001", "Sweets", nil)
	if _, err := engine.Replace(ctx, missing); !dberr.IsNotFound(err) {
		t.Fatalf("replace of an absent document must fail with NotFoundError, got %v", err)
	}

	deleted, err := engine.Delete(ctx, "19293", "Sweets")
	if err != nil {
		t.Fatal(err)
	}
	if deleted.Cost != 5.71 {
		t.Fatalf("a small delete costs 5.71 RU, got %v", deleted.Cost)
	}
	if st.Len() != 0 {
		t.Fatalf("expected empty store, got %d documents", st.Len())
	}
	if _, err := engine.Delete(ctx, "19293", "Sweets"); !dberr.IsNotFound(err) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}

func TestWrite_PricesLargeDocumentsPerKilobyte(t *testing.T) {
	engine, _, _ := newWriteEngine(t)
	doc := mustDoc(t, "1", "Vegetables", map[string]any{"notes": strings.Repeat("x", 3000)})

	res, err := engine.Create(context.Background(), doc)
	if err != nil {
		t.Fatal(err)
	}
	if want := cost.DefaultModel().Cost(cost.Create, doc.Size()); res.Cost != want || want <= 5.71 {
		t.Fatalf("expected %v for a %d byte document, got %v", want, doc.Size(), res.Cost)
	}
}

func TestWrite_SplitsPartitionAtCapacity(t *testing.T) {
	engine, pm, _ := newWriteEngine(t, partition.WithCapacity(4096))
	ctx := context.Background()

	var (
		split   bool
		written []document.Document
	)
	for i := 0; i < 200 && !split; i++ {
		doc := mustDoc(t, strings.Repeat("0", 3)+string(rune('a'+i%26))+string(rune('a'+i/26)), "Dairy and Egg Products",
			map[string]any{"description": strings.Repeat("milk ", 40)})
		res, err := engine.Create(ctx, doc)
		if err != nil {
			t.Fatal(err)
		}
		written = append(written, doc)
		split = res.Split
	}
	if !split {
		t.Fatal("expected a split once the partition passed its capacity")
	}
	if pm.Snapshot().Len() != 3 {
		t.Fatalf("expected 3 partitions after one split, got %d", pm.Snapshot().Len())
	}

	// the documents written before the split stay reachable through the new layout
	it, err := engine.Execute(ctx, query.MustPredicate(query.WithPartitionKey("Dairy and Egg Products")), opts(0, 25))
	if err != nil {
		t.Fatal(err)
	}
	docs, _, err := readAll(t, it, 25)
	if err != nil {
		t.Fatal(err)
	}
	assertSameSet(t, docs, written)

	home, _ := pm.Resolve("Dairy and Egg Products")
	if home == "0" || home == "1" {
		t.Fatalf("key still resolves to a retired partition %s", home)
	}
}

func TestWrite_OverwritesCountSizeChangeTowardCapacity(t *testing.T) {
	engine, pm, _ := newWriteEngine(t, partition.WithCapacity(4096))
	ctx := context.Background()
	home, _ := pm.Resolve("Sweets")

	small := mustDoc(t, "19293", "Sweets", map[string]any{"description": "candy"})
	large := mustDoc(t, "19293", "Sweets", map[string]any{"description": strings.Repeat("x", 3000)})
	larger := mustDoc(t, "19293", "Sweets", map[string]any{"description": strings.Repeat("x", 5000)})

	if _, err := engine.Create(ctx, small); err != nil {
		t.Fatal(err)
	}
	if res, err := engine.Replace(ctx, large); err != nil || res.Split {
		t.Fatalf("replace below capacity: %+v %v", res, err)
	}
	if got := pm.Usage(home); got != int64(large.Size()) {
		t.Fatalf("usage after growing replace = %d, want %d", got, large.Size())
	}

	if _, err := engine.Replace(ctx, small); err != nil {
		t.Fatal(err)
	}
	if got := pm.Usage(home); got != int64(small.Size()) {
		t.Fatalf("usage after shrinking replace = %d, want %d", got, small.Size())
	}

	res, err := engine.Upsert(ctx, larger)
	if err != nil {
		t.Fatal(err)
	}
	if res.Created || !res.Split {
		t.Fatalf("an upsert growing the partition past capacity must split it, got %+v", res)
	}
}

func TestWrite_RetriesUnavailablePartition(t *testing.T) {
	engine, pm, st := newWriteEngine(t)
	home, _ := pm.Resolve("Sweets")
	doc := mustDoc(t, "1", "Sweets", nil)

	st.Fail(home, -1)
	_, err := engine.Create(context.Background(), doc)
	if !dberr.IsUnavailable(err) {
		t.Fatalf("expected PartitionUnavailableError, got %v", err)
	}

	st.Heal()
	if _, err := engine.Create(context.Background(), doc); err != nil {
		t.Fatal(err)
	}
	it, _ := engine.Execute(context.Background(), query.MustPredicate(query.WithPartitionKey("Sweets")), feed.DefaultOptions())
	if docs, _, err := readAll(t, it, feed.DefaultMaxItemCount); err != nil || len(docs) != 1 {
		t.Fatalf("expected the created document, got %d (%v)", len(docs), err)
	}
}
