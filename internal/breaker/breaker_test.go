package breaker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/basket/narrabot/internal/shared"
)

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	r := NewRegistry(Options{})
	r.Register(DepDocStore, nil)

	boom := errors.New("store down")
	for i := 0; i < failureThreshold; i++ {
		if err := r.Do(DepDocStore, func() error { return boom }); !errors.Is(err, boom) {
			t.Fatalf("attempt %d: err = %v, want store down", i, err)
		}
	}

	if !r.Open(DepDocStore) {
		t.Fatal("breaker should be OPEN after threshold failures")
	}

	called := false
	err := r.Do(DepDocStore, func() error { called = true; return nil })
	if called {
		t.Fatal("fn must not run while OPEN")
	}
	if !shared.IsKind(err, shared.KindServiceDegraded) {
		t.Fatalf("err = %v, want service_degraded", err)
	}
}

func TestBreakerStaysClosedOnIntermittentFailures(t *testing.T) {
	r := NewRegistry(Options{})
	r.Register(DepRelational, nil)

	boom := errors.New("blip")
	for i := 0; i < 10; i++ {
		_ = r.Do(DepRelational, func() error {
			if i%2 == 0 {
				return boom
			}
			return nil
		})
	}
	if r.Open(DepRelational) {
		t.Fatal("intermittent failures must not trip the breaker")
	}
}

func TestBreakerHalfOpenRecovers(t *testing.T) {
	r := NewRegistry(Options{Timeout: 50 * time.Millisecond})
	r.Register(DepBus, nil)

	var closedAgain atomic.Bool
	r.OnClosed(DepBus, func() { closedAgain.Store(true) })

	boom := errors.New("bus down")
	for i := 0; i < failureThreshold; i++ {
		_ = r.Do(DepBus, func() error { return boom })
	}
	if !r.Open(DepBus) {
		t.Fatal("breaker should be OPEN")
	}

	time.Sleep(80 * time.Millisecond)

	// Single HALF_OPEN probe succeeds, breaker closes.
	if err := r.Do(DepBus, func() error { return nil }); err != nil {
		t.Fatalf("half-open probe: %v", err)
	}
	if r.Open(DepBus) {
		t.Fatal("breaker should be CLOSED after successful probe")
	}

	deadline := time.Now().Add(time.Second)
	for !closedAgain.Load() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !closedAgain.Load() {
		t.Fatal("OnClosed callback never fired")
	}
}

func TestProbeAllUpdatesSnapshot(t *testing.T) {
	r := NewRegistry(Options{})

	var calls atomic.Int64
	r.Register(DepTelegram, func(ctx context.Context) error {
		calls.Add(1)
		return nil
	})
	r.Register(DepDocStore, func(ctx context.Context) error {
		return errors.New("unreachable")
	})

	r.ProbeAll(context.Background())

	snap := r.Snapshot()
	if calls.Load() != 1 {
		t.Fatalf("telegram probe calls = %d, want 1", calls.Load())
	}
	if st := snap[DepTelegram]; st.LastError != "" || st.LastProbe.IsZero() {
		t.Fatalf("telegram status = %+v", st)
	}
	if st := snap[DepDocStore]; st.LastError == "" {
		t.Fatalf("docstore status = %+v, want error recorded", st)
	}
}

func TestHealthyReflectsBreakerStates(t *testing.T) {
	r := NewRegistry(Options{})
	r.Register(DepBus, nil)
	r.Register(DepDocStore, nil)

	if !r.Healthy() {
		t.Fatal("fresh registry should be healthy")
	}

	boom := errors.New("down")
	for i := 0; i < failureThreshold; i++ {
		_ = r.Do(DepBus, func() error { return boom })
	}
	if r.Healthy() {
		t.Fatal("registry with an OPEN breaker is not healthy")
	}
}

func TestDoUnknownDependencyRunsDirect(t *testing.T) {
	r := NewRegistry(Options{})
	ran := false
	if err := r.Do("unregistered", func() error { ran = true; return nil }); err != nil {
		t.Fatalf("do: %v", err)
	}
	if !ran {
		t.Fatal("fn should run without a registered breaker")
	}
}
