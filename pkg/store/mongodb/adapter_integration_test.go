package mongodb

import (
	"context"
	"fmt"
	"testing"
	"time"

	tcmongo "github.com/testcontainers/testcontainers-go/modules/mongodb"

	"github.com/nimburion/docroute/pkg/dberr"
	"github.com/nimburion/docroute/pkg/document"
	"github.com/nimburion/docroute/pkg/observability/logger"
	"github.com/nimburion/docroute/pkg/partition"
	"github.com/nimburion/docroute/pkg/query"
	"github.com/nimburion/docroute/pkg/store"
	"github.com/nimburion/docroute/pkg/testutil"
)

// TestAdapter_Integration runs the adapter against a real MongoDB instance.
func TestAdapter_Integration(t *testing.T) {
	testutil.RequireIntegration(t)
	ctx := context.Background()

	container, err := tcmongo.Run(ctx, "mongo:7")
	if err != nil {
		t.Fatalf("Failed to start MongoDB container: %v", err)
	}
	testutil.Terminate(t, container)

	uri, err := container.ConnectionString(ctx)
	if err != nil {
		t.Fatalf("Failed to get connection string: %v", err)
	}

	adapter, err := NewAdapter(Config{
		URL:              uri,
		Database:         "nutrition",
		Collection:       "food",
		OperationTimeout: 10 * time.Second,
	}, logger.Nop())
	if err != nil {
		t.Fatalf("Failed to create adapter: %v", err)
	}
	defer adapter.Close()

	if err := adapter.EnsureIndexes(ctx); err != nil {
		t.Fatalf("EnsureIndexes: %v", err)
	}

	groups := []string{"Sweets", "Fats and Oils", "Beef Products"}
	for _, g := range groups {
		for i := 0; i < 7; i++ {
			d, _ := document.New(fmt.Sprintf("%05d", i), g, map[string]any{"servings": i})
			if _, err := adapter.Write(ctx, store.WriteRequest{Op: store.Create, Document: d}); err != nil {
				t.Fatalf("create: %v", err)
			}
		}
	}

	t.Run("Conflict", func(t *testing.T) {
		d, _ := document.New("00000", "Sweets", nil)
		if _, err := adapter.Write(ctx, store.WriteRequest{Op: store.Create, Document: d}); !dberr.IsConflict(err) {
			t.Fatalf("expected conflict, got %v", err)
		}
	})

	t.Run("PointRead", func(t *testing.T) {
		res, err := adapter.Fetch(ctx, store.FetchRequest{
			Range:     partition.FullRange(),
			Predicate: query.MustPredicate(query.WithID("00003"), query.WithPartitionKey("Sweets")),
			PointRead: true,
			MaxItems:  1,
		})
		if err != nil || len(res.Documents) != 1 || res.Documents[0].Body["servings"] != float64(3) {
			t.Fatalf("unexpected point read: %+v %v", res, err)
		}
	})

	t.Run("PagedRangeAcrossSplit", func(t *testing.T) {
		req := store.FetchRequest{Range: partition.FullRange(), Predicate: query.MustPredicate(), MaxItems: 4}
		first, err := adapter.Fetch(ctx, req)
		if err != nil || first.Continuation == "" {
			t.Fatalf("first page: %+v %v", first, err)
		}
		total := len(first.Documents)
		left, right := partition.FullRange().Halves()
		for _, r := range []partition.KeyRange{left, right} {
			sub := store.FetchRequest{Range: r, Predicate: query.MustPredicate(), MaxItems: 4, Continuation: first.Continuation}
			for {
				res, err := adapter.Fetch(ctx, sub)
				if err != nil {
					t.Fatal(err)
				}
				total += len(res.Documents)
				if res.Continuation == "" {
					break
				}
				sub.Continuation = res.Continuation
			}
		}
		if total != 21 {
			t.Fatalf("expected 21 documents, got %d", total)
		}
	})

	t.Run("ReplaceAndDelete", func(t *testing.T) {
		d, _ := document.New("00001", "Beef Products", map[string]any{"servings": 10})
		if _, err := adapter.Write(ctx, store.WriteRequest{Op: store.Replace, Document: d}); err != nil {
			t.Fatalf("replace: %v", err)
		}
		res, err := adapter.Write(ctx, store.WriteRequest{Op: store.Delete, Document: d})
		if err != nil || res.Document.Body["servings"] != float64(10) {
			t.Fatalf("delete: %+v %v", res, err)
		}
		if _, err := adapter.Write(ctx, store.WriteRequest{Op: store.Delete, Document: d}); !dberr.IsNotFound(err) {
			t.Fatalf("expected not found, got %v", err)
		}
	})
}
