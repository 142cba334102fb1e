package ledger

import (
	"context"
	"sync"
	"testing"

	"github.com/basket/narrabot/internal/bus"
	"github.com/basket/narrabot/internal/shared"
	"github.com/basket/narrabot/internal/store"
)

type capturePub struct {
	mu     sync.Mutex
	events []*bus.Event
}

func (c *capturePub) Publish(_ context.Context, ev *bus.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return nil
}

func (c *capturePub) all() []*bus.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*bus.Event, len(c.events))
	copy(out, c.events)
	return out
}

func newTestLedger(t *testing.T) (*Ledger, *store.Memory, *capturePub) {
	t.Helper()
	docs := store.NewMemory()
	pub := &capturePub{}
	l := New(docs, pub, nil)
	if err := docs.InsertUserState(context.Background(), &store.UserState{
		UserID: "u1", NarrativeLevel: 1, Balance: 0,
	}); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	return l, docs, pub
}

func TestCreditThenDebit(t *testing.T) {
	l, docs, pub := newTestLedger(t)
	ctx := context.Background()

	res, err := l.Credit(ctx, "u1", 50, "seed", "k-credit")
	if err != nil {
		t.Fatalf("credit: %v", err)
	}
	if res.BalanceAfter != 50 || res.Replayed {
		t.Fatalf("credit result = %+v", res)
	}

	res, err = l.Debit(ctx, "u1", 20, "pista_purchase", "k-debit")
	if err != nil {
		t.Fatalf("debit: %v", err)
	}
	if res.BalanceAfter != 30 {
		t.Fatalf("BalanceAfter = %d, want 30", res.BalanceAfter)
	}

	st, _ := docs.GetUserState(ctx, "u1")
	if st.Balance != 30 {
		t.Fatalf("stored balance = %d, want 30", st.Balance)
	}

	events := pub.all()
	if len(events) != 2 {
		t.Fatalf("events = %d, want 2", len(events))
	}
	if events[0].Type != bus.TypeCurrencyCredited || events[1].Type != bus.TypeCurrencyDebited {
		t.Fatalf("event types = %s, %s", events[0].Type, events[1].Type)
	}
	var p bus.CurrencyPayload
	if err := events[1].DecodePayload(&p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.Amount != 20 || p.BalanceAfter != 30 || p.IdempotencyKey != "k-debit" {
		t.Fatalf("debit payload = %+v", p)
	}
}

func TestDebitInsufficientFunds(t *testing.T) {
	l, docs, pub := newTestLedger(t)
	ctx := context.Background()

	_, err := l.Debit(ctx, "u1", 10, "pista_purchase", "k1")
	if !shared.IsKind(err, shared.KindInsufficientFunds) {
		t.Fatalf("err = %v, want insufficient_funds", err)
	}

	st, _ := docs.GetUserState(ctx, "u1")
	if st.Balance != 0 {
		t.Fatalf("balance mutated on failed debit: %d", st.Balance)
	}
	if len(pub.all()) != 0 {
		t.Fatal("no event may be published for a failed debit")
	}
}

func TestIdempotentReplay(t *testing.T) {
	l, docs, pub := newTestLedger(t)
	ctx := context.Background()

	first, err := l.Credit(ctx, "u1", 10, "mission_reward", "k1")
	if err != nil {
		t.Fatalf("credit: %v", err)
	}

	for i := 0; i < 3; i++ {
		res, err := l.Credit(ctx, "u1", 10, "mission_reward", "k1")
		if err != nil {
			t.Fatalf("replay %d: %v", i, err)
		}
		if !res.Replayed {
			t.Fatalf("replay %d not marked", i)
		}
		if res.BalanceAfter != first.BalanceAfter {
			t.Fatalf("replay BalanceAfter = %d, want %d", res.BalanceAfter, first.BalanceAfter)
		}
	}

	st, _ := docs.GetUserState(ctx, "u1")
	if st.Balance != 10 {
		t.Fatalf("balance = %d, want 10", st.Balance)
	}
	if len(pub.all()) != 1 {
		t.Fatalf("events = %d, want 1 (replays publish nothing)", len(pub.all()))
	}
}

func TestBalanceEqualsSumOfDeltas(t *testing.T) {
	l, docs, _ := newTestLedger(t)
	ctx := context.Background()

	keys := []struct {
		credit bool
		amount int64
		key    string
	}{
		{true, 100, "a"}, {false, 30, "b"}, {true, 5, "c"}, {false, 25, "d"},
	}
	for _, k := range keys {
		var err error
		if k.credit {
			_, err = l.Credit(ctx, "u1", k.amount, "test", k.key)
		} else {
			_, err = l.Debit(ctx, "u1", k.amount, "test", k.key)
		}
		if err != nil {
			t.Fatalf("op %s: %v", k.key, err)
		}
	}

	txns, err := docs.ListTransactions(ctx, "u1", 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var sum int64
	for _, txn := range txns {
		sum += txn.Delta
	}
	st, _ := docs.GetUserState(ctx, "u1")
	if st.Balance != sum {
		t.Fatalf("balance %d != sum of deltas %d", st.Balance, sum)
	}
	if st.Balance != 50 {
		t.Fatalf("balance = %d, want 50", st.Balance)
	}
}

func TestDebitThenCreditDistinctKeysRestoresBalance(t *testing.T) {
	l, docs, _ := newTestLedger(t)
	ctx := context.Background()

	if _, err := l.Credit(ctx, "u1", 40, "seed", "seed"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := l.Debit(ctx, "u1", 15, "purchase", "k1"); err != nil {
		t.Fatalf("debit: %v", err)
	}
	if _, err := l.Credit(ctx, "u1", 15, "refund", CompensationKey("k1")); err != nil {
		t.Fatalf("compensating credit: %v", err)
	}

	st, _ := docs.GetUserState(ctx, "u1")
	if st.Balance != 40 {
		t.Fatalf("balance = %d, want 40", st.Balance)
	}
}

func TestCompensationKeyIsStableAndDistinct(t *testing.T) {
	a := CompensationKey("k1")
	b := CompensationKey("k1")
	if a != b {
		t.Fatal("compensation key must be deterministic")
	}
	if a == "k1" || a == CompensationKey("k2") {
		t.Fatal("compensation keys must be distinct per original key")
	}
}

func TestUnknownUser(t *testing.T) {
	l, _, _ := newTestLedger(t)
	_, err := l.Credit(context.Background(), "ghost", 10, "test", "k1")
	if !shared.IsKind(err, shared.KindNotFound) {
		t.Fatalf("err = %v, want not_found", err)
	}
}

func TestValidation(t *testing.T) {
	l, _, _ := newTestLedger(t)
	ctx := context.Background()

	if _, err := l.Credit(ctx, "u1", 10, "test", ""); !shared.IsKind(err, shared.KindValidation) {
		t.Fatalf("empty key: %v", err)
	}
	if _, err := l.Credit(ctx, "u1", 0, "test", "k"); !shared.IsKind(err, shared.KindValidation) {
		t.Fatalf("zero amount: %v", err)
	}
}

// conflictDocs forces every ReplaceUserState into a version conflict.
type conflictDocs struct {
	*store.Memory
}

func (c *conflictDocs) ReplaceUserState(ctx context.Context, st *store.UserState) error {
	return store.ErrVersionConflict
}

func TestContentionExceeded(t *testing.T) {
	docs := &conflictDocs{Memory: store.NewMemory()}
	ctx := context.Background()
	if err := docs.Memory.InsertUserState(ctx, &store.UserState{UserID: "u1"}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	l := New(docs, nil, nil)
	_, err := l.Credit(ctx, "u1", 10, "test", "k1")
	if !shared.IsKind(err, shared.KindContentionExceeded) {
		t.Fatalf("err = %v, want contention_exceeded", err)
	}
}

func TestConcurrentSameKeyCreditsOnce(t *testing.T) {
	l, docs, _ := newTestLedger(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = l.Credit(ctx, "u1", 10, "mission_reward", "same-key")
		}()
	}
	wg.Wait()

	st, _ := docs.GetUserState(ctx, "u1")
	if st.Balance != 10 {
		t.Fatalf("balance = %d, want 10 (single application)", st.Balance)
	}
	txns, _ := docs.ListTransactions(ctx, "u1", 0)
	if len(txns) != 1 {
		t.Fatalf("transactions = %d, want 1", len(txns))
	}
}
