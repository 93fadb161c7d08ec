package demo

import (
	"context"
	"testing"

	"github.com/nimburion/docroute/pkg/cost"
	"github.com/nimburion/docroute/pkg/executor"
	"github.com/nimburion/docroute/pkg/feed"
	"github.com/nimburion/docroute/pkg/partition"
	"github.com/nimburion/docroute/pkg/query"
	"github.com/nimburion/docroute/pkg/store/memory"
)

func newRunner(t *testing.T, opts ...RunnerOption) (*Runner, *memory.Store) {
	t.Helper()
	pm, err := partition.NewMap(4)
	if err != nil {
		t.Fatal(err)
	}
	st := memory.New()
	return NewRunner(executor.New(query.NewRouter(pm), st), opts...), st
}

func TestFoods_Deterministic(t *testing.T) {
	a, b := Foods(10, 7), Foods(10, 7)
	if len(a) != 10*len(FoodGroups)+2 {
		t.Fatalf("unexpected collection size %d", len(a))
	}
	seen := make(map[string]bool)
	for i := range a {
		if a[i].ID != b[i].ID || a[i].Size() != b[i].Size() {
			t.Fatalf("document %d differs between runs with the same seed", i)
		}
		key := a[i].PartitionKey + "/" + a[i].ID
		if seen[key] {
			t.Fatalf("duplicate document %s", key)
		}
		seen[key] = true
	}
	if !seen[Candy.FoodGroup+"/"+Candy.ID] || !seen[Cereal.FoodGroup+"/"+Cereal.ID] {
		t.Fatal("landmark documents missing")
	}
}

func TestRunner_SeedPricesEveryWrite(t *testing.T) {
	runner, st := newRunner(t)
	docs := Foods(5, 1)

	rep, err := runner.Seed(context.Background(), docs)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Documents != len(docs) || st.Len() != len(docs) {
		t.Fatalf("expected %d documents, report says %d and store holds %d", len(docs), rep.Documents, st.Len())
	}
	var want cost.Units
	for _, d := range docs {
		want = want.Add(cost.DefaultModel().Cost(cost.Create, d.Size()))
	}
	if diff := float64(rep.Cost - want); diff > 1e-6 || diff < -1e-6 {
		t.Fatalf("seed cost %v, want %v", rep.Cost, want)
	}
}

func TestRunner_Scenarios(t *testing.T) {
	var pages int
	runner, _ := newRunner(t, OnPage(func(sc Scenario, number int, page *feed.Page) {
		if sc.Name == "parallel fan-out" {
			pages++
			if len(page.Documents) > 20 {
				t.Errorf("page %d holds %d documents", number, len(page.Documents))
			}
		}
	}))
	if _, err := runner.Seed(context.Background(), Foods(20, 3)); err != nil {
		t.Fatal(err)
	}

	parallel := feed.Options{MaxConcurrency: -1, MaxBufferedItems: -1, MaxItemCount: 20}
	reports, err := runner.RunAll(context.Background(), Scenarios(parallel))
	if err != nil {
		t.Fatal(err)
	}

	byStatement := make(map[string]Report)
	for _, rep := range reports {
		byStatement[rep.Scenario.Statement] = rep
	}
	scan := byStatement["SELECT * FROM c"]
	point := byStatement["ReadItem(19293, Sweets)"]
	inPartition := byStatement["SELECT * FROM c WHERE c.foodGroup = 'Fats and Oils'"]

	if point.Kind != query.PointLookup || point.Documents != 1 || point.Pages != 1 {
		t.Fatalf("unexpected point read report %+v", point)
	}
	if inPartition.Kind != query.SinglePartition || inPartition.Partitions != 1 {
		t.Fatalf("unexpected in-partition report %+v", inPartition)
	}
	if scan.Kind != query.FanOut || scan.Partitions != 4 {
		t.Fatalf("unexpected scan report %+v", scan)
	}
	if !(point.Cost < inPartition.Cost) {
		t.Fatalf("a point read (%v) must be cheaper than an in-partition query (%v)", point.Cost, inPartition.Cost)
	}

	last := reports[len(reports)-1]
	if last.Kind != query.FanOut || last.Pages != pages || last.Documents == 0 || len(last.Unreachable) != 0 {
		t.Fatalf("unexpected parallel report %+v (observed %d pages)", last, pages)
	}
}

func TestRunner_ReportsUnreachablePartitions(t *testing.T) {
	runner, st := newRunner(t)
	if _, err := runner.Seed(context.Background(), Foods(5, 9)); err != nil {
		t.Fatal(err)
	}
	st.Fail("2", -1)

	rep, err := runner.Run(context.Background(), Scenario{
		Name:      "fan-out",
		Predicate: query.MustPredicate(),
		Options:   feed.Options{MaxConcurrency: 0, MaxBufferedItems: -1, MaxItemCount: 500},
		Drain:     true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(rep.Unreachable) != 1 || rep.Unreachable[0] != "2" {
		t.Fatalf("expected partition 2 unreachable, got %v", rep.Unreachable)
	}
}
