package shop

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/basket/narrabot/internal/bus"
	"github.com/basket/narrabot/internal/ledger"
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

func (c *capturePub) countOf(eventType string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, ev := range c.events {
		if ev.Type == eventType {
			n++
		}
	}
	return n
}

func (c *capturePub) last(eventType string) *bus.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.events) - 1; i >= 0; i-- {
		if c.events[i].Type == eventType {
			return c.events[i]
		}
	}
	return nil
}

func newTestShop(t *testing.T, balance int64) (*Shop, *store.Memory, *capturePub) {
	t.Helper()
	docs := store.NewMemory()
	pub := &capturePub{}
	s := New(docs, ledger.New(docs, pub, nil), pub, nil)

	ctx := context.Background()
	if err := docs.InsertUserState(ctx, &store.UserState{
		UserID: "u1", NarrativeLevel: 1, Balance: balance,
	}); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	if err := docs.UpsertHint(ctx, &store.Hint{
		ID: "h1", Title: "El mapa", Cost: 30,
		Unlocks: store.HintUnlocks{FragmentIDs: []string{"f9"}, LevelPromotion: 2},
	}); err != nil {
		t.Fatalf("seed hint: %v", err)
	}
	if err := docs.UpsertHint(ctx, &store.Hint{
		ID: "h2", Title: "La nota", Cost: 10,
	}); err != nil {
		t.Fatalf("seed hint: %v", err)
	}
	return s, docs, pub
}

func TestPurchaseDebitsAndUnlocks(t *testing.T) {
	s, docs, pub := newTestShop(t, 100)
	ctx := context.Background()

	rec, err := s.Purchase(ctx, "u1", "h1")
	if err != nil {
		t.Fatalf("purchase: %v", err)
	}
	if rec.BalanceAfter != 70 || rec.Cost != 30 || rec.Replayed {
		t.Fatalf("receipt = %+v", rec)
	}
	if rec.NewLevel != 2 {
		t.Fatalf("NewLevel = %d, want 2", rec.NewLevel)
	}

	st, _ := docs.GetUserState(ctx, "u1")
	if !st.HasHint("h1") || st.Balance != 70 || st.NarrativeLevel != 2 {
		t.Fatalf("state = %+v", st)
	}

	if pub.countOf(bus.TypeCurrencyDebited) != 1 || pub.countOf(bus.TypeHintUnlocked) != 1 {
		t.Fatal("missing purchase events")
	}
	lev := pub.last(bus.TypeLevelChanged)
	if lev == nil {
		t.Fatal("missing level change event")
	}
	var p bus.LevelPayload
	if err := lev.DecodePayload(&p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.OldLevel != 1 || p.NewLevel != 2 || p.Trigger != "hint" {
		t.Fatalf("level payload = %+v", p)
	}
}

func TestPurchaseNoPromotionNoLevelEvent(t *testing.T) {
	s, docs, pub := newTestShop(t, 100)
	ctx := context.Background()

	rec, err := s.Purchase(ctx, "u1", "h2")
	if err != nil {
		t.Fatalf("purchase: %v", err)
	}
	if rec.NewLevel != 1 {
		t.Fatalf("NewLevel = %d, want 1", rec.NewLevel)
	}
	if pub.countOf(bus.TypeLevelChanged) != 0 {
		t.Fatal("level event without a promotion")
	}

	st, _ := docs.GetUserState(ctx, "u1")
	if st.NarrativeLevel != 1 {
		t.Fatalf("level = %d, want 1", st.NarrativeLevel)
	}
}

func TestPurchaseInsufficientFunds(t *testing.T) {
	s, docs, pub := newTestShop(t, 5)
	ctx := context.Background()

	_, err := s.Purchase(ctx, "u1", "h1")
	if !shared.IsKind(err, shared.KindInsufficientFunds) {
		t.Fatalf("err = %v, want insufficient_funds", err)
	}

	st, _ := docs.GetUserState(ctx, "u1")
	if st.Balance != 5 || st.HasHint("h1") {
		t.Fatalf("state mutated on failed purchase: %+v", st)
	}
	if pub.countOf(bus.TypeHintUnlocked) != 0 {
		t.Fatal("no unlock may be published for a failed purchase")
	}
}

func TestPurchaseReplayDoesNotDoubleCharge(t *testing.T) {
	s, docs, pub := newTestShop(t, 100)
	ctx := context.Background()

	first, err := s.Purchase(ctx, "u1", "h1")
	if err != nil {
		t.Fatalf("purchase: %v", err)
	}
	second, err := s.Purchase(ctx, "u1", "h1")
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if !second.Replayed {
		t.Fatal("replay not marked")
	}
	if second.BalanceAfter != first.BalanceAfter {
		t.Fatalf("BalanceAfter = %d, want %d", second.BalanceAfter, first.BalanceAfter)
	}

	st, _ := docs.GetUserState(ctx, "u1")
	if st.Balance != 70 {
		t.Fatalf("balance = %d, want 70 (charged once)", st.Balance)
	}
	if pub.countOf(bus.TypeCurrencyDebited) != 1 {
		t.Fatal("replay charged again")
	}
}

func TestPurchaseUnknownHint(t *testing.T) {
	s, _, _ := newTestShop(t, 100)
	_, err := s.Purchase(context.Background(), "u1", "ghost")
	if !shared.IsKind(err, shared.KindNotFound) {
		t.Fatalf("err = %v, want not_found", err)
	}
}

func TestPurchaseUnknownUser(t *testing.T) {
	s, _, _ := newTestShop(t, 100)
	_, err := s.Purchase(context.Background(), "ghost", "h1")
	if !shared.IsKind(err, shared.KindNotFound) {
		t.Fatalf("err = %v, want not_found", err)
	}
}

// unlockFailDocs fails any state write that would persist the given
// hint, simulating a store failure between debit and unlock.
type unlockFailDocs struct {
	*store.Memory
	hintID string
}

func (d *unlockFailDocs) ReplaceUserState(ctx context.Context, st *store.UserState) error {
	if st.HasHint(d.hintID) {
		return errors.New("docstore write failed")
	}
	return d.Memory.ReplaceUserState(ctx, st)
}

func TestPurchaseRefundsOnUnlockFailure(t *testing.T) {
	docs := &unlockFailDocs{Memory: store.NewMemory(), hintID: "h1"}
	pub := &capturePub{}
	s := New(docs, ledger.New(docs, pub, nil), pub, nil)
	ctx := context.Background()

	if err := docs.Memory.InsertUserState(ctx, &store.UserState{
		UserID: "u1", NarrativeLevel: 1, Balance: 100,
	}); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	if err := docs.Memory.UpsertHint(ctx, &store.Hint{ID: "h1", Cost: 30}); err != nil {
		t.Fatalf("seed hint: %v", err)
	}

	_, err := s.Purchase(ctx, "u1", "h1")
	if !shared.IsKind(err, shared.KindPartialFailure) {
		t.Fatalf("err = %v, want partial_failure", err)
	}

	st, _ := docs.Memory.GetUserState(ctx, "u1")
	if st.Balance != 100 {
		t.Fatalf("balance = %d, want 100 after refund", st.Balance)
	}
	if st.HasHint("h1") {
		t.Fatal("hint persisted despite unlock failure")
	}
	if pub.countOf(bus.TypeCurrencyDebited) != 1 || pub.countOf(bus.TypeCurrencyCredited) != 1 {
		t.Fatal("debit and compensating credit must both be on the ledger")
	}
	if pub.countOf(bus.TypeHintUnlocked) != 0 {
		t.Fatal("no unlock event for a failed purchase")
	}
}

func TestCatalogMarksOwned(t *testing.T) {
	s, _, _ := newTestShop(t, 100)
	ctx := context.Background()

	if _, err := s.Purchase(ctx, "u1", "h2"); err != nil {
		t.Fatalf("purchase: %v", err)
	}
	entries, err := s.Catalog(ctx, "u1")
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	owned := map[string]bool{}
	for _, e := range entries {
		owned[e.Hint.ID] = e.Owned
	}
	if owned["h1"] || !owned["h2"] {
		t.Fatalf("owned = %v", owned)
	}
}
