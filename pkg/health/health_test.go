package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nimburion/docroute/pkg/partition"
	"github.com/nimburion/docroute/pkg/resilience"
	"github.com/nimburion/docroute/pkg/store/memory"
)

type slowAdapter struct{ delay time.Duration }

func (s slowAdapter) HealthCheck(ctx context.Context) error {
	select {
	case <-time.After(s.delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestRegistry_WorstStatusWins(t *testing.T) {
	pm, err := partition.NewMap(3)
	if err != nil {
		t.Fatal(err)
	}
	st := memory.New()
	breakers := resilience.NewBreakerSet(1, time.Minute, nil)

	registry := NewRegistry()
	registry.Register(NewAdapterChecker("store", st, time.Second))
	registry.Register(NewPartitionMapChecker(pm))
	registry.Register(NewBreakerChecker(breakers))

	if got := registry.List(); len(got) != 3 || got[0] != "breakers" || got[2] != "store" {
		t.Fatalf("unexpected names %v", got)
	}

	res := registry.Check(context.Background())
	if !res.IsHealthy() {
		t.Fatalf("expected healthy, got %+v", res)
	}
	if res.Checks[1].Name != "partitions" || res.Checks[1].Message != "version 1, 3 partitions" {
		t.Fatalf("unexpected partition check %+v", res.Checks[1])
	}

	_ = breakers.Execute("2", func() error { return errors.New("boom") })
	res = registry.Check(context.Background())
	if res.Status != StatusDegraded {
		t.Fatalf("expected degraded with an open breaker, got %s", res.Status)
	}
	if res.Checks[0].Message != "open for partitions 2" {
		t.Fatalf("unexpected breaker message %q", res.Checks[0].Message)
	}

	st.Close()
	res = registry.Check(context.Background())
	if res.Status != StatusUnhealthy {
		t.Fatalf("expected unhealthy with a closed store, got %s", res.Status)
	}
	if res.Checks[2].Error == "" {
		t.Fatal("expected the store error to be reported")
	}
}

func TestAdapterChecker_Timeout(t *testing.T) {
	checker := NewAdapterChecker("slow", slowAdapter{delay: time.Second}, 10*time.Millisecond)
	res := checker.Check(context.Background())
	if res.Status != StatusUnhealthy {
		t.Fatalf("expected unhealthy on timeout, got %+v", res)
	}
	if res.Duration >= time.Second {
		t.Fatalf("check was not bounded by its timeout: %v", res.Duration)
	}
}

func TestRegistry_CheckOne(t *testing.T) {
	registry := NewRegistry()
	registry.Register(NewAdapterChecker("store", memory.New(), 0))

	if _, err := registry.CheckOne(context.Background(), "catalog"); err == nil {
		t.Fatal("expected an error for an unknown check")
	}
	res, err := registry.CheckOne(context.Background(), "store")
	if err != nil || res.Status != StatusHealthy {
		t.Fatalf("unexpected result %+v, %v", res, err)
	}
}
