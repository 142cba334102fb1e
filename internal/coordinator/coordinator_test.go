package coordinator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/basket/narrabot/internal/bus"
	"github.com/basket/narrabot/internal/store"
)

func event(t *testing.T, eventType, userID string, seq int64) *bus.Event {
	t.Helper()
	ev, err := bus.NewEvent(eventType, userID, nil)
	if err != nil {
		t.Fatalf("new event: %v", err)
	}
	ev.Seq = seq
	return ev
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestSerialWithinOneUser(t *testing.T) {
	c := New(nil, nil)
	defer c.Close()

	var mu sync.Mutex
	inFlight, maxInFlight, processed := 0, 0, 0
	c.On(bus.TypeReactionObserved, func(_ context.Context, _ *bus.Event) error {
		mu.Lock()
		inFlight++
		if inFlight > maxInFlight {
			maxInFlight = inFlight
		}
		mu.Unlock()

		time.Sleep(5 * time.Millisecond)

		mu.Lock()
		inFlight--
		processed++
		mu.Unlock()
		return nil
	})

	ctx := context.Background()
	for i := 0; i < 8; i++ {
		if err := c.Dispatch(ctx, event(t, bus.TypeReactionObserved, "u1", 0)); err != nil {
			t.Fatalf("dispatch %d: %v", i, err)
		}
	}
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return processed == 8
	})

	mu.Lock()
	defer mu.Unlock()
	if maxInFlight != 1 {
		t.Fatalf("maxInFlight = %d, want 1 (one user runs serially)", maxInFlight)
	}
}

func TestUsersRunConcurrently(t *testing.T) {
	c := New(nil, nil)
	defer c.Close()

	var mu sync.Mutex
	inFlight, maxInFlight, processed := 0, 0, 0
	c.On(bus.TypeReactionObserved, func(_ context.Context, _ *bus.Event) error {
		mu.Lock()
		inFlight++
		if inFlight > maxInFlight {
			maxInFlight = inFlight
		}
		mu.Unlock()

		time.Sleep(20 * time.Millisecond)

		mu.Lock()
		inFlight--
		processed++
		mu.Unlock()
		return nil
	})

	ctx := context.Background()
	for _, uid := range []string{"u1", "u2", "u3"} {
		if err := c.Dispatch(ctx, event(t, bus.TypeReactionObserved, uid, 0)); err != nil {
			t.Fatalf("dispatch %s: %v", uid, err)
		}
	}
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return processed == 3
	})

	mu.Lock()
	defer mu.Unlock()
	if maxInFlight < 2 {
		t.Fatalf("maxInFlight = %d, want >= 2 (distinct users overlap)", maxInFlight)
	}
}

func TestSequenceGapBuffersUntilPredecessor(t *testing.T) {
	c := New(nil, nil)
	defer c.Close()

	var mu sync.Mutex
	var order []int64
	c.On(bus.TypeReactionObserved, func(_ context.Context, ev *bus.Event) error {
		mu.Lock()
		order = append(order, ev.Seq)
		mu.Unlock()
		return nil
	})

	ctx := context.Background()
	// Successor arrives first; it must wait for seq 1.
	if err := c.Dispatch(ctx, event(t, bus.TypeReactionObserved, "u1", 2)); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	time.Sleep(30 * time.Millisecond)
	mu.Lock()
	if len(order) != 0 {
		mu.Unlock()
		t.Fatalf("out-of-order event processed early: %v", order)
	}
	mu.Unlock()

	if err := c.Dispatch(ctx, event(t, bus.TypeReactionObserved, "u1", 1)); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 2
	})

	mu.Lock()
	defer mu.Unlock()
	if order[0] != 1 || order[1] != 2 {
		t.Fatalf("order = %v, want [1 2]", order)
	}
}

func TestSequenceGapProcessedAfterWindow(t *testing.T) {
	c := New(nil, nil)
	c.window = 50 * time.Millisecond
	defer c.Close()

	var mu sync.Mutex
	var order []int64
	c.On(bus.TypeReactionObserved, func(_ context.Context, ev *bus.Event) error {
		mu.Lock()
		order = append(order, ev.Seq)
		mu.Unlock()
		return nil
	})

	// Seq 3 with no predecessor in sight: held for the window, then
	// processed anyway.
	if err := c.Dispatch(context.Background(), event(t, bus.TypeReactionObserved, "u1", 3)); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 1
	})

	mu.Lock()
	defer mu.Unlock()
	if order[0] != 3 {
		t.Fatalf("order = %v, want [3]", order)
	}
}

func TestDuplicateSequenceTolerated(t *testing.T) {
	c := New(nil, nil)
	defer c.Close()

	var mu sync.Mutex
	count := 0
	c.On(bus.TypeReactionObserved, func(_ context.Context, _ *bus.Event) error {
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	})

	ctx := context.Background()
	for _, seq := range []int64{1, 2, 2} {
		if err := c.Dispatch(ctx, event(t, bus.TypeReactionObserved, "u1", seq)); err != nil {
			t.Fatalf("dispatch seq %d: %v", seq, err)
		}
	}
	// Redelivered seq 2 still runs its handlers; consumers are
	// idempotent by contract.
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 3
	})
}

func TestExpiredSiblingsFlushInSequenceOrder(t *testing.T) {
	c := New(nil, nil)
	c.window = 30 * time.Millisecond
	defer c.Close()

	var mu sync.Mutex
	var order []int64
	c.On(bus.TypeReactionObserved, func(_ context.Context, ev *bus.Event) error {
		mu.Lock()
		order = append(order, ev.Seq)
		mu.Unlock()
		return nil
	})

	// All three arrive ahead of seq 1 and expire together; they must
	// still run lowest sequence first.
	ctx := context.Background()
	for _, seq := range []int64{7, 3, 5} {
		if err := c.Dispatch(ctx, event(t, bus.TypeReactionObserved, "u1", seq)); err != nil {
			t.Fatalf("dispatch seq %d: %v", seq, err)
		}
	}
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 3
	})

	mu.Lock()
	defer mu.Unlock()
	if order[0] != 3 || order[1] != 5 || order[2] != 7 {
		t.Fatalf("order = %v, want [3 5 7]", order)
	}
}

func TestMailboxHandlerRetriesThenDeadLetters(t *testing.T) {
	docs := store.NewMemory()
	c := New(nil, nil)
	c.retryWait = time.Millisecond
	c.SetDeadLetters(docs)
	defer c.Close()

	var mu sync.Mutex
	calls := 0
	c.On(bus.TypeReactionObserved, func(_ context.Context, _ *bus.Event) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return errors.New("flow broken")
	})

	if err := c.Dispatch(context.Background(), event(t, bus.TypeReactionObserved, "u1", 0)); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	waitFor(t, func() bool {
		n, _ := docs.CountDeadLetters(context.Background())
		return n == 1
	})

	mu.Lock()
	defer mu.Unlock()
	if calls != 3 {
		t.Fatalf("handler calls = %d, want 3 before dead-lettering", calls)
	}
}

func TestMailboxHandlerRecoversWithinBudget(t *testing.T) {
	docs := store.NewMemory()
	c := New(nil, nil)
	c.retryWait = time.Millisecond
	c.SetDeadLetters(docs)

	var mu sync.Mutex
	calls := 0
	c.On(bus.TypeReactionObserved, func(_ context.Context, _ *bus.Event) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			return errors.New("transient")
		}
		return nil
	})

	if err := c.Dispatch(context.Background(), event(t, bus.TypeReactionObserved, "u1", 0)); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	c.Close()

	mu.Lock()
	defer mu.Unlock()
	if calls != 2 {
		t.Fatalf("handler calls = %d, want 2 (fail once, succeed on retry)", calls)
	}
	if n, _ := docs.CountDeadLetters(context.Background()); n != 0 {
		t.Fatalf("dead letters = %d, want 0 after recovery", n)
	}
}

func TestNoHandlersIsNoop(t *testing.T) {
	c := New(nil, nil)
	defer c.Close()

	if err := c.Dispatch(context.Background(), event(t, bus.TypeReactionObserved, "u1", 0)); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if c.MailboxCount() != 0 {
		t.Fatalf("mailboxes = %d, want 0 (no handlers, no worker)", c.MailboxCount())
	}
}

func TestEventWithoutUserRunsInline(t *testing.T) {
	c := New(nil, nil)
	defer c.Close()

	ran := false
	c.On(bus.TypePostPublished, func(_ context.Context, _ *bus.Event) error {
		ran = true
		return nil
	})

	ev := event(t, bus.TypePostPublished, "", 0)
	if err := c.Dispatch(context.Background(), ev); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if !ran {
		t.Fatal("handler did not run inline")
	}
	if c.MailboxCount() != 0 {
		t.Fatalf("mailboxes = %d, want 0", c.MailboxCount())
	}
}

func TestCloseDrainsQueuedEvents(t *testing.T) {
	c := New(nil, nil)

	var mu sync.Mutex
	count := 0
	c.On(bus.TypeReactionObserved, func(_ context.Context, _ *bus.Event) error {
		time.Sleep(2 * time.Millisecond)
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	})

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		if err := c.Dispatch(ctx, event(t, bus.TypeReactionObserved, "u1", 0)); err != nil {
			t.Fatalf("dispatch %d: %v", i, err)
		}
	}
	c.Close()

	mu.Lock()
	defer mu.Unlock()
	if count != 10 {
		t.Fatalf("processed = %d, want 10 after Close", count)
	}
}
