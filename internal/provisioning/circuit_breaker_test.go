package provisioning

import (
	"errors"
	"testing"
	"time"
)

// fakeNow is an adjustable clock for breaker tests.
type fakeNow struct{ t time.Time }

func (f *fakeNow) now() time.Time          { return f.t }
func (f *fakeNow) advance(d time.Duration) { f.t = f.t.Add(d) }

func newTestBreaker(failures, successes int, timeout time.Duration) (*CircuitBreaker, *fakeNow) {
	clk := &fakeNow{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	cb := NewCircuitBreaker(BreakerSettings{
		FailureThreshold: failures,
		SuccessThreshold: successes,
		Timeout:          timeout,
		Now:              clk.now,
	})
	return cb, clk
}

func TestCircuitBreaker_startsClosed(t *testing.T) {
	cb, _ := newTestBreaker(3, 2, time.Second)
	if s := cb.State(); s != BreakerClosed {
		t.Errorf("initial state = %v, want closed", s)
	}
	if err := cb.Allow(); err != nil {
		t.Errorf("Allow() error = %v", err)
	}
}

func TestCircuitBreaker_opensAfterThreshold(t *testing.T) {
	cb, _ := newTestBreaker(3, 2, time.Second)

	cb.RecordFailure()
	cb.RecordFailure()
	if s := cb.State(); s != BreakerClosed {
		t.Errorf("state after 2 failures = %v, want closed", s)
	}
	cb.RecordFailure()
	if s := cb.State(); s != BreakerOpen {
		t.Errorf("state after 3 failures = %v, want open", s)
	}
	if err := cb.Allow(); !errors.Is(err, ErrBreakerOpen) {
		t.Errorf("Allow() = %v, want ErrBreakerOpen", err)
	}
}

func TestCircuitBreaker_successResetsFailureCount(t *testing.T) {
	cb, _ := newTestBreaker(3, 2, time.Second)

	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()
	cb.RecordFailure()

	if s := cb.State(); s != BreakerClosed {
		t.Errorf("state = %v, want closed", s)
	}
	if f, _ := cb.Counts(); f != 2 {
		t.Errorf("failures = %d, want 2", f)
	}
}

func TestCircuitBreaker_halfOpenCycle(t *testing.T) {
	cb, clk := newTestBreaker(1, 2, time.Second)

	cb.RecordFailure()
	clk.advance(500 * time.Millisecond)
	if err := cb.Allow(); err == nil {
		t.Fatal("Allow() should fail during cool-down")
	}

	clk.advance(time.Second)
	if err := cb.Allow(); err != nil {
		t.Fatalf("Allow() after cool-down = %v", err)
	}
	if s := cb.State(); s != BreakerHalfOpen {
		t.Fatalf("state = %v, want half-open", s)
	}

	cb.RecordSuccess()
	if s := cb.State(); s != BreakerHalfOpen {
		t.Errorf("state after 1 success = %v, want half-open", s)
	}
	cb.RecordSuccess()
	if s := cb.State(); s != BreakerClosed {
		t.Errorf("state after 2 successes = %v, want closed", s)
	}
}

func TestCircuitBreaker_halfOpenFailureReopens(t *testing.T) {
	cb, clk := newTestBreaker(1, 2, time.Second)

	cb.RecordFailure()
	clk.advance(2 * time.Second)
	_ = cb.Allow()
	cb.RecordFailure()

	if s := cb.State(); s != BreakerOpen {
		t.Errorf("state = %v, want open", s)
	}
}

func TestCircuitBreaker_errorRateTrips(t *testing.T) {
	clk := &fakeNow{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	cb := NewCircuitBreaker(BreakerSettings{
		FailureThreshold:   100,
		ErrorRateThreshold: 0.5,
		ErrorRateWindow:    time.Minute,
		Now:                clk.now,
	})

	for i := 0; i < 5; i++ {
		cb.RecordSuccess()
		cb.RecordFailure()
	}
	if s := cb.State(); s != BreakerOpen {
		t.Errorf("state = %v, want open at 50%% error rate", s)
	}
}

func TestCircuitBreaker_errorRateWindowResets(t *testing.T) {
	clk := &fakeNow{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	cb := NewCircuitBreaker(BreakerSettings{
		FailureThreshold:   100,
		ErrorRateThreshold: 0.5,
		ErrorRateWindow:    time.Minute,
		Now:                clk.now,
	})

	cb.RecordFailure()
	cb.RecordSuccess()
	if _, total := cb.ErrorRate(); total != 2 {
		t.Fatalf("total = %d, want 2", total)
	}
	clk.advance(2 * time.Minute)
	if rate, total := cb.ErrorRate(); total != 0 || rate != 0 {
		t.Errorf("after window: rate=%v total=%d", rate, total)
	}
}

func TestCircuitBreaker_onStateChange(t *testing.T) {
	clk := &fakeNow{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	var changes []string
	cb := NewCircuitBreaker(BreakerSettings{
		FailureThreshold: 1,
		SuccessThreshold: 1,
		Timeout:          time.Second,
		Now:              clk.now,
		OnStateChange: func(from, to BreakerState) {
			changes = append(changes, from.String()+"->"+to.String())
		},
	})

	cb.RecordFailure()
	clk.advance(2 * time.Second)
	_ = cb.Allow()
	cb.RecordSuccess()

	want := []string{"closed->open", "open->half-open", "half-open->closed"}
	if len(changes) != len(want) {
		t.Fatalf("changes = %v, want %v", changes, want)
	}
	for i := range want {
		if changes[i] != want[i] {
			t.Errorf("change[%d] = %q, want %q", i, changes[i], want[i])
		}
	}
}

func TestBreakerState_String(t *testing.T) {
	if BreakerState(42).String() != "unknown" {
		t.Error("unexpected string for unknown state")
	}
}
