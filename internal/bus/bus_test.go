package bus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/basket/narrabot/internal/shared"
	"github.com/basket/narrabot/internal/store"
)

func newTestBus(t *testing.T, opts Options) (*Bus, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	opts.Client = redis.NewClient(&redis.Options{Addr: mr.Addr()})
	b := New(opts)
	if err := b.Run(context.Background()); err != nil {
		t.Fatalf("run bus: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b, mr
}

func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestPublishSubscribeRoundTrip(t *testing.T) {
	b, _ := newTestBus(t, Options{})

	var mu sync.Mutex
	var got []*Event
	b.Subscribe(TypeCurrencyCredited, func(ctx context.Context, ev *Event) error {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
		return nil
	})

	ev, err := NewEvent(TypeCurrencyCredited, "u1", CurrencyPayload{
		UserID: "u1", Amount: 10, BalanceAfter: 10, Reason: "mission_reward", IdempotencyKey: "k1",
	})
	if err != nil {
		t.Fatalf("new event: %v", err)
	}
	if err := b.Publish(context.Background(), ev); err != nil {
		t.Fatalf("publish: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	})

	mu.Lock()
	defer mu.Unlock()
	if got[0].Type != TypeCurrencyCredited || got[0].ID == "" || got[0].CorrelationID == "" {
		t.Fatalf("envelope = %+v", got[0])
	}
	var p CurrencyPayload
	if err := got[0].DecodePayload(&p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.BalanceAfter != 10 || p.IdempotencyKey != "k1" {
		t.Fatalf("payload = %+v", p)
	}
}

func TestPublishInheritsCorrelation(t *testing.T) {
	b, _ := newTestBus(t, Options{})

	done := make(chan *Event, 1)
	b.Subscribe("", func(ctx context.Context, ev *Event) error {
		select {
		case done <- ev:
		default:
		}
		return nil
	})

	ctx := shared.WithCorrelationID(context.Background(), "corr-42")
	ev, _ := NewEvent(TypeUserRegistered, "u1", UserPayload{UserID: "u1"})
	if err := b.Publish(ctx, ev); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case got := <-done:
		if got.CorrelationID != "corr-42" {
			t.Fatalf("CorrelationID = %q, want corr-42", got.CorrelationID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}
}

func TestPrefixFiltering(t *testing.T) {
	b, _ := newTestBus(t, Options{})

	var mu sync.Mutex
	var missionEvents, allEvents int
	b.Subscribe("mission_", func(ctx context.Context, ev *Event) error {
		mu.Lock()
		missionEvents++
		mu.Unlock()
		return nil
	})
	b.Subscribe("", func(ctx context.Context, ev *Event) error {
		mu.Lock()
		allEvents++
		mu.Unlock()
		return nil
	})

	for _, typ := range []string{TypeMissionAssigned, TypeMissionCompleted, TypeHintUnlocked} {
		ev, _ := NewEvent(typ, "u1", UserPayload{UserID: "u1"})
		if err := b.Publish(context.Background(), ev); err != nil {
			t.Fatalf("publish %s: %v", typ, err)
		}
	}

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return allEvents == 3 && missionEvents == 2
	})
}

func TestPublishOutageFallsBackToReplayQueue(t *testing.T) {
	queue, err := OpenReplayQueue(t.TempDir()+"/replay.jsonl", 10)
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	b, mr := newTestBus(t, Options{Queue: queue})

	mr.Close()

	ev, _ := NewEvent(TypeCurrencyDebited, "u1", CurrencyPayload{UserID: "u1", Amount: 20})
	if err := b.Publish(context.Background(), ev); err != nil {
		t.Fatalf("publish during outage: %v", err)
	}
	if queue.Len() != 1 {
		t.Fatalf("queue length = %d, want 1", queue.Len())
	}
	if queue.Dropped() != 0 {
		t.Fatalf("dropped = %d, want 0", queue.Dropped())
	}
}

func TestPublishDuringOpenBreakerSkipsTransport(t *testing.T) {
	queue, err := OpenReplayQueue(t.TempDir()+"/replay.jsonl", 10)
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	b, _ := newTestBus(t, Options{Queue: queue, TransportDown: func() bool { return true }})

	ev, _ := NewEvent(TypeUserInteraction, "u1", InteractionPayload{UserID: "u1", Action: "menu"})
	if err := b.Publish(context.Background(), ev); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if queue.Len() != 1 {
		t.Fatalf("queue length = %d, want 1", queue.Len())
	}
}

func TestDrainAfterReconnect(t *testing.T) {
	queue, err := OpenReplayQueue(t.TempDir()+"/replay.jsonl", 10)
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}

	var downMu sync.Mutex
	down := true
	isDown := func() bool {
		downMu.Lock()
		defer downMu.Unlock()
		return down
	}
	b, _ := newTestBus(t, Options{Queue: queue, TransportDown: isDown})

	var mu sync.Mutex
	var seen []string
	b.Subscribe("", func(ctx context.Context, ev *Event) error {
		mu.Lock()
		seen = append(seen, ev.ID)
		mu.Unlock()
		return nil
	})

	var published []string
	for i := 0; i < 3; i++ {
		ev, _ := NewEvent(TypeCurrencyCredited, "u1", CurrencyPayload{UserID: "u1", Amount: int64(i)})
		if err := b.Publish(context.Background(), ev); err != nil {
			t.Fatalf("publish: %v", err)
		}
		published = append(published, ev.ID)
	}
	if queue.Len() != 3 {
		t.Fatalf("queue length = %d, want 3", queue.Len())
	}

	downMu.Lock()
	down = false
	downMu.Unlock()
	b.NotifyTransportHealthy(context.Background())

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 3
	})
	if queue.Len() != 0 {
		t.Fatalf("queue length after drain = %d, want 0", queue.Len())
	}

	// FIFO order preserved through the drain.
	mu.Lock()
	defer mu.Unlock()
	for i, id := range published {
		if seen[i] != id {
			t.Fatalf("drain order: seen[%d] = %s, want %s", i, seen[i], id)
		}
	}
}

func TestHandlerRetriesThenDeadLetter(t *testing.T) {
	docs := store.NewMemory()
	b, _ := newTestBus(t, Options{DLQ: docs})

	var mu sync.Mutex
	attempts := 0
	b.Subscribe(TypeHintUnlocked, func(ctx context.Context, ev *Event) error {
		mu.Lock()
		attempts++
		mu.Unlock()
		return errors.New("handler boom")
	})

	ev, _ := NewEvent(TypeHintUnlocked, "u1", HintPayload{UserID: "u1", HintID: "h1"})
	if err := b.Publish(context.Background(), ev); err != nil {
		t.Fatalf("publish: %v", err)
	}

	waitFor(t, 5*time.Second, func() bool {
		n, _ := docs.CountDeadLetters(context.Background())
		return n == 1
	})

	mu.Lock()
	if attempts != handlerRetries {
		t.Fatalf("attempts = %d, want %d", attempts, handlerRetries)
	}
	mu.Unlock()

	dls := docs.DeadLetters()
	if dls[0].EventID != ev.ID || dls[0].Attempts != handlerRetries {
		t.Fatalf("dead letter = %+v", dls[0])
	}
}

func TestHandlerRecoversWithinRetryBudget(t *testing.T) {
	docs := store.NewMemory()
	b, _ := newTestBus(t, Options{DLQ: docs})

	var mu sync.Mutex
	attempts := 0
	done := make(chan struct{})
	b.Subscribe(TypeHintUnlocked, func(ctx context.Context, ev *Event) error {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts < 2 {
			return errors.New("transient")
		}
		close(done)
		return nil
	})

	ev, _ := NewEvent(TypeHintUnlocked, "u1", HintPayload{UserID: "u1", HintID: "h1"})
	if err := b.Publish(context.Background(), ev); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("handler never succeeded")
	}
	if n, _ := docs.CountDeadLetters(context.Background()); n != 0 {
		t.Fatalf("dead letters = %d, want 0", n)
	}
}

func TestUnknownTypeGoesToDeadLetter(t *testing.T) {
	docs := store.NewMemory()
	b, mr := newTestBus(t, Options{DLQ: docs})

	var mu sync.Mutex
	handled := false
	b.Subscribe("", func(ctx context.Context, ev *Event) error {
		mu.Lock()
		handled = true
		mu.Unlock()
		return nil
	})

	// Raw publish straight to Redis, bypassing the producer-side catalog.
	mr.Publish(ChannelPrefix+"mystery_event",
		`{"event_id":"e-raw","event_type":"mystery_event","timestamp":"2026-08-26T00:00:00Z"}`)

	waitFor(t, 2*time.Second, func() bool {
		n, _ := docs.CountDeadLetters(context.Background())
		return n == 1
	})
	mu.Lock()
	defer mu.Unlock()
	if handled {
		t.Fatal("unknown event must not reach handlers")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b, _ := newTestBus(t, Options{})

	var mu sync.Mutex
	count := 0
	sub := b.Subscribe("", func(ctx context.Context, ev *Event) error {
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	})
	if b.SubscriberCount() != 1 {
		t.Fatalf("SubscriberCount = %d, want 1", b.SubscriberCount())
	}

	b.Unsubscribe(sub)
	if b.SubscriberCount() != 0 {
		t.Fatalf("SubscriberCount after unsubscribe = %d, want 0", b.SubscriberCount())
	}

	ev, _ := NewEvent(TypeUserDeleted, "u1", UserPayload{UserID: "u1"})
	if err := b.Publish(context.Background(), ev); err != nil {
		t.Fatalf("publish: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if count != 0 {
		t.Fatalf("delivered %d events after unsubscribe", count)
	}
}
