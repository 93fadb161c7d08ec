package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/nimburion/docroute/pkg/observability/logger"
)

func newTestAdapter(t *testing.T) (*Adapter, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	a, err := NewAdapter(Config{URL: "redis://" + srv.Addr() + "/0", MaxConns: 4, OperationTimeout: time.Second}, logger.Nop())
	if err != nil {
		t.Fatalf("NewAdapter: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	return a, srv
}

func TestNewAdapter_InvalidURL(t *testing.T) {
	if _, err := NewAdapter(Config{URL: "invalid://url"}, logger.Nop()); err == nil {
		t.Error("Expected error for invalid URL, got nil")
	}
}

func TestNewAdapter_EmptyURL(t *testing.T) {
	_, err := NewAdapter(Config{}, logger.Nop())
	if err == nil || err.Error() != "redis URL is required" {
		t.Errorf("Expected 'redis URL is required' error, got: %v", err)
	}
}

func TestGetSet(t *testing.T) {
	a, _ := newTestAdapter(t)
	ctx := context.Background()
	if _, err := a.Get(ctx, "missing"); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("expected ErrKeyNotFound, got %v", err)
	}
	if err := a.Set(ctx, "k", "v"); err != nil {
		t.Fatal(err)
	}
	if v, err := a.Get(ctx, "k"); err != nil || v != "v" {
		t.Fatalf("got %q, %v", v, err)
	}
}

func TestUpdate_ConcurrentIncrementsAreNotLost(t *testing.T) {
	a, srv := newTestAdapter(t)
	a.config.UpdateRetries = 100
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := a.Update(ctx, "counter", func(current string, exists bool) (string, error) {
				n := 0
				if exists {
					fmt.Sscanf(current, "%d", &n)
				}
				return fmt.Sprintf("%d", n+1), nil
			})
			if err != nil {
				t.Errorf("Update: %v", err)
			}
		}()
	}
	wg.Wait()
	if got, _ := srv.Get("counter"); got != "10" {
		t.Fatalf("expected 10, got %s", got)
	}
}

func TestUpdate_AbortKeepsValue(t *testing.T) {
	a, srv := newTestAdapter(t)
	srv.Set("k", "old")
	stop := errors.New("stale")
	err := a.Update(context.Background(), "k", func(string, bool) (string, error) { return "", stop })
	if !errors.Is(err, stop) {
		t.Fatalf("expected abort error, got %v", err)
	}
	if got, _ := srv.Get("k"); got != "old" {
		t.Fatalf("value must be untouched, got %s", got)
	}
}

func TestPublishSubscribe(t *testing.T) {
	a, _ := newTestAdapter(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan string, 1)
	done := make(chan error, 1)
	go func() {
		done <- a.Subscribe(ctx, "events", func(msg string) { got <- msg })
	}()

	deadline := time.After(2 * time.Second)
	for {
		n, err := a.Client().PubSubNumSub(ctx, "events").Result()
		if err == nil && n["events"] > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("subscriber never registered")
		case <-time.After(10 * time.Millisecond):
		}
	}
	if err := a.Publish(ctx, "events", "split"); err != nil {
		t.Fatal(err)
	}
	select {
	case msg := <-got:
		if msg != "split" {
			t.Fatalf("unexpected message %q", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation, got %v", err)
	}
}

func TestHealthCheck(t *testing.T) {
	a, srv := newTestAdapter(t)
	if err := a.HealthCheck(context.Background()); err != nil {
		t.Fatal(err)
	}
	srv.Close()
	if err := a.HealthCheck(context.Background()); err == nil {
		t.Fatal("expected failure once the server is gone")
	}
}

func TestNewWithClient_Defaults(t *testing.T) {
	srv := miniredis.RunT(t)
	a := NewWithClient(redis.NewClient(&redis.Options{Addr: srv.Addr()}), Config{}, nil)
	if a.config.UpdateRetries != 5 || a.logger == nil {
		t.Fatalf("unexpected defaults: %+v", a.config)
	}
	_ = a.Close()
}
