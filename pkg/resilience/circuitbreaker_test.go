package resilience

import (
	"errors"
	"sort"
	"testing"
	"time"
)

var errUnavailable = errors.New("partition unavailable")

func failing() error { return errUnavailable }

func succeeding() error { return nil }

func TestCircuitBreaker_ClosedToOpen(t *testing.T) {
	cb := NewCircuitBreaker(3, 100*time.Millisecond, nil)
	if cb.GetState() != StateClosed || cb.GetFailures() != 0 {
		t.Fatalf("unexpected initial state %v with %d failures", cb.GetState(), cb.GetFailures())
	}

	for i := 0; i < 3; i++ {
		if err := cb.Execute(failing); !errors.Is(err, errUnavailable) {
			t.Fatalf("expected the function error, got %v", err)
		}
	}
	if cb.GetState() != StateOpen {
		t.Fatalf("expected Open after 3 failures, got %v", cb.GetState())
	}

	called := false
	err := cb.Execute(func() error { called = true; return nil })
	if !errors.Is(err, ErrCircuitBreakerOpen) || called {
		t.Fatalf("open breaker must reject without calling, got %v (called=%v)", err, called)
	}
}

func TestCircuitBreaker_HalfOpenProbe(t *testing.T) {
	timeout := 30 * time.Millisecond

	t.Run("success closes", func(t *testing.T) {
		cb := NewCircuitBreaker(2, timeout, nil)
		_ = cb.Execute(failing)
		_ = cb.Execute(failing)
		time.Sleep(timeout + 10*time.Millisecond)

		if err := cb.Execute(succeeding); err != nil {
			t.Fatalf("probe should run, got %v", err)
		}
		if cb.GetState() != StateClosed || cb.GetFailures() != 0 {
			t.Fatalf("expected Closed with 0 failures, got %v with %d", cb.GetState(), cb.GetFailures())
		}
	})

	t.Run("failure reopens", func(t *testing.T) {
		cb := NewCircuitBreaker(2, timeout, nil)
		_ = cb.Execute(failing)
		_ = cb.Execute(failing)
		time.Sleep(timeout + 10*time.Millisecond)

		if err := cb.Execute(failing); !errors.Is(err, errUnavailable) {
			t.Fatalf("probe should run and fail, got %v", err)
		}
		if cb.GetState() != StateOpen {
			t.Fatalf("expected Open after failed probe, got %v", cb.GetState())
		}
	})
}

func TestCircuitBreaker_IgnoresNonFailures(t *testing.T) {
	cb := NewCircuitBreaker(1, time.Minute, func(err error) bool {
		return errors.Is(err, errUnavailable)
	})

	invalid := errors.New("invalid request")
	for i := 0; i < 5; i++ {
		if err := cb.Execute(func() error { return invalid }); !errors.Is(err, invalid) {
			t.Fatalf("expected the function error, got %v", err)
		}
	}
	if cb.GetState() != StateClosed {
		t.Fatalf("errors outside the failure class must not open the breaker, got %v", cb.GetState())
	}

	_ = cb.Execute(failing)
	if cb.GetState() != StateOpen {
		t.Fatalf("expected Open, got %v", cb.GetState())
	}
}

func TestCircuitBreaker_SuccessResetsFailures(t *testing.T) {
	cb := NewCircuitBreaker(3, 100*time.Millisecond, nil)
	_ = cb.Execute(failing)
	_ = cb.Execute(failing)
	if cb.GetFailures() != 2 {
		t.Fatalf("expected 2 failures, got %d", cb.GetFailures())
	}
	_ = cb.Execute(succeeding)
	if cb.GetFailures() != 0 || cb.GetState() != StateClosed {
		t.Fatalf("expected reset, got %v with %d failures", cb.GetState(), cb.GetFailures())
	}

	_ = cb.Execute(failing)
	_ = cb.Execute(failing)
	_ = cb.Execute(failing)
	cb.Reset()
	if cb.GetFailures() != 0 || cb.GetState() != StateClosed {
		t.Fatalf("Reset must close the breaker, got %v with %d failures", cb.GetState(), cb.GetFailures())
	}
}

func TestBreakerSet_IsolatesKeys(t *testing.T) {
	set := NewBreakerSet(2, time.Minute, nil)
	_ = set.Execute("1", failing)
	_ = set.Execute("1", failing)
	_ = set.Execute("4", failing)

	if err := set.Execute("1", succeeding); !errors.Is(err, ErrCircuitBreakerOpen) {
		t.Fatalf("partition 1 should be open, got %v", err)
	}
	if err := set.Execute("4", succeeding); err != nil {
		t.Fatalf("partition 4 should still be closed, got %v", err)
	}
	if err := set.Execute("7", succeeding); err != nil {
		t.Fatalf("unknown partition should start closed, got %v", err)
	}

	open := set.Open()
	sort.Strings(open)
	if len(open) != 1 || open[0] != "1" {
		t.Fatalf("expected [1] open, got %v", open)
	}
}

func TestBreakerSet_NilRunsDirectly(t *testing.T) {
	var set *BreakerSet
	calls := 0
	for i := 0; i < 10; i++ {
		_ = set.Execute("0", func() error { calls++; return errUnavailable })
	}
	if calls != 10 || set.Open() != nil {
		t.Fatalf("nil set must never short-circuit, calls=%d open=%v", calls, set.Open())
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state    State
		expected string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{State(999), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := tt.state.String(); got != tt.expected {
				t.Errorf("State.String() = %v, want %v", got, tt.expected)
			}
		})
	}
}
