package narrative

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/basket/narrabot/internal/bus"
	"github.com/basket/narrabot/internal/ledger"
	"github.com/basket/narrabot/internal/shared"
	"github.com/basket/narrabot/internal/store"
	"github.com/basket/narrabot/internal/user"
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

func (c *capturePub) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.events))
	for i, ev := range c.events {
		out[i] = ev.Type
	}
	return out
}

func (c *capturePub) countOf(eventType string) int {
	n := 0
	for _, t := range c.types() {
		if t == eventType {
			n++
		}
	}
	return n
}

type testWorld struct {
	engine *Engine
	users  *user.Registry
	docs   *store.Memory
	rel    *store.Relational
	pub    *capturePub
}

func newTestWorld(t *testing.T) *testWorld {
	t.Helper()
	docs := store.NewMemory()
	rel, err := store.OpenRelational(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open relational: %v", err)
	}
	t.Cleanup(func() { _ = rel.Close() })

	pub := &capturePub{}
	users := user.NewRegistry(docs, rel, nil, nil)
	led := ledger.New(docs, pub, nil)
	return &testWorld{
		engine: NewEngine(users, docs, led, pub, nil),
		users:  users,
		docs:   docs,
		rel:    rel,
		pub:    pub,
	}
}

func (w *testWorld) createUser(t *testing.T, externalID int64) string {
	t.Helper()
	u, err := w.users.Create(context.Background(), externalID, "Ana", "es")
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	return u.InternalID()
}

func (w *testWorld) seedFragments(t *testing.T, frags ...*store.Fragment) {
	t.Helper()
	for _, f := range frags {
		if err := w.docs.UpsertFragment(context.Background(), f); err != nil {
			t.Fatalf("seed fragment %s: %v", f.ID, err)
		}
	}
}

func storyFragments() []*store.Fragment {
	return []*store.Fragment{
		{
			ID:    "intro",
			Title: "La llegada",
			Body:  "El tren se detiene en la estacion vacia.",
			Choices: []store.Choice{
				{ID: "bajar", Label: "Bajar del tren", NextFragmentID: "plaza",
					Rewards: store.ChoiceRewards{Currency: 10}},
				{ID: "esperar", Label: "Esperar", NextFragmentID: "plaza"},
			},
		},
		{
			ID:    "plaza",
			Title: "La plaza",
			Body:  "Una fuente seca en el centro.",
			Choices: []store.Choice{
				{ID: "fuente", Label: "Examinar la fuente", NextFragmentID: "final",
					Rewards: store.ChoiceRewards{Hints: []string{"h-fuente"}, Items: []string{"llave"}}},
				{ID: "volver", Label: "Volver", NextFragmentID: "intro",
					Preconditions: store.ChoicePreconditions{MinLevel: 3}},
			},
		},
		{
			ID:      "final",
			Title:   "El final",
			Body:    "Fin del capitulo.",
			Choices: []store.Choice{{ID: "cerrar", Label: "Cerrar"}},
		},
		{
			ID:          "vip-cap",
			Title:       "Capitulo VIP",
			Body:        "Solo para suscriptores.",
			VIPRequired: true,
			Choices:     []store.Choice{{ID: "seguir", Label: "Seguir", NextFragmentID: "final"}},
		},
	}
}

func TestFragmentDeliverySetsCurrent(t *testing.T) {
	w := newTestWorld(t)
	w.seedFragments(t, storyFragments()...)
	uid := w.createUser(t, 42)
	ctx := context.Background()

	frag, err := w.engine.Fragment(ctx, uid, "intro")
	if err != nil {
		t.Fatalf("fragment: %v", err)
	}
	if frag.Title != "La llegada" {
		t.Fatalf("title = %q", frag.Title)
	}

	st, _ := w.docs.GetUserState(ctx, uid)
	if st.CurrentFragmentID != "intro" {
		t.Fatalf("current = %q, want intro", st.CurrentFragmentID)
	}
	if w.pub.countOf(bus.TypeFragmentDelivered) != 1 {
		t.Fatalf("events = %v", w.pub.types())
	}
}

func TestFragmentUnknown(t *testing.T) {
	w := newTestWorld(t)
	uid := w.createUser(t, 42)

	_, err := w.engine.Fragment(context.Background(), uid, "ghost")
	if !shared.IsKind(err, shared.KindNotFound) {
		t.Fatalf("err = %v, want not_found", err)
	}
}

func TestVIPFragmentDeniedForFreeUser(t *testing.T) {
	w := newTestWorld(t)
	w.seedFragments(t, storyFragments()...)
	uid := w.createUser(t, 42)
	ctx := context.Background()

	_, err := w.engine.Fragment(ctx, uid, "vip-cap")
	if !shared.IsKind(err, shared.KindAccessDenied) {
		t.Fatalf("err = %v, want access_denied", err)
	}

	// No delivery event, only the denial.
	if w.pub.countOf(bus.TypeFragmentDelivered) != 0 {
		t.Fatal("denied fragment must not be delivered")
	}
	if w.pub.countOf(bus.TypeVIPAccessDenied) != 1 {
		t.Fatalf("events = %v", w.pub.types())
	}

	st, _ := w.docs.GetUserState(ctx, uid)
	if st.CurrentFragmentID != "" {
		t.Fatalf("current mutated on denial: %q", st.CurrentFragmentID)
	}
}

func TestVIPFragmentAllowedForSubscriber(t *testing.T) {
	w := newTestWorld(t)
	w.seedFragments(t, storyFragments()...)
	uid := w.createUser(t, 42)
	ctx := context.Background()

	end := time.Now().UTC().Add(time.Hour)
	if _, err := w.rel.ActivateSubscription(ctx, uid, store.PlanVIP, time.Now().UTC(), &end); err != nil {
		t.Fatalf("activate: %v", err)
	}

	if _, err := w.engine.Fragment(ctx, uid, "vip-cap"); err != nil {
		t.Fatalf("fragment: %v", err)
	}
	if w.pub.countOf(bus.TypeVIPAccessGranted) != 1 {
		t.Fatalf("events = %v", w.pub.types())
	}
}

func TestProcessChoiceProgression(t *testing.T) {
	w := newTestWorld(t)
	w.seedFragments(t, storyFragments()...)
	uid := w.createUser(t, 42)
	ctx := context.Background()

	if _, err := w.engine.Fragment(ctx, uid, "intro"); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	out, err := w.engine.ProcessChoice(ctx, uid, "intro", "bajar")
	if err != nil {
		t.Fatalf("choice: %v", err)
	}
	if out.Terminal || out.Next == nil || out.Next.ID != "plaza" {
		t.Fatalf("outcome = %+v", out)
	}
	if out.RewardCurrency != 10 {
		t.Fatalf("reward = %d, want 10", out.RewardCurrency)
	}

	st, _ := w.docs.GetUserState(ctx, uid)
	if st.CurrentFragmentID != "plaza" {
		t.Fatalf("current = %q, want plaza", st.CurrentFragmentID)
	}
	if !st.HasCompleted("intro") {
		t.Fatal("intro not in completed set")
	}
	if len(st.ChoicesLog) != 1 || st.ChoicesLog[0].ChoiceID != "bajar" {
		t.Fatalf("choices log = %+v", st.ChoicesLog)
	}
	if st.Balance != 10 {
		t.Fatalf("balance = %d, want 10", st.Balance)
	}
	if w.pub.countOf(bus.TypeChoiceMade) != 1 || w.pub.countOf(bus.TypeCurrencyCredited) != 1 {
		t.Fatalf("events = %v", w.pub.types())
	}
}

func TestProcessChoiceRewardsInventories(t *testing.T) {
	w := newTestWorld(t)
	w.seedFragments(t, storyFragments()...)
	uid := w.createUser(t, 42)
	ctx := context.Background()

	if _, err := w.engine.Fragment(ctx, uid, "plaza"); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	out, err := w.engine.ProcessChoice(ctx, uid, "plaza", "fuente")
	if err != nil {
		t.Fatalf("choice: %v", err)
	}
	if len(out.UnlockedHints) != 1 || out.UnlockedHints[0] != "h-fuente" {
		t.Fatalf("hints = %v", out.UnlockedHints)
	}
	if len(out.GrantedItems) != 1 || out.GrantedItems[0] != "llave" {
		t.Fatalf("items = %v", out.GrantedItems)
	}

	st, _ := w.docs.GetUserState(ctx, uid)
	if !st.HasHint("h-fuente") || !st.HasItem("llave") {
		t.Fatalf("state = %+v", st)
	}
	if w.pub.countOf(bus.TypeHintUnlocked) != 1 {
		t.Fatalf("events = %v", w.pub.types())
	}
}

func TestProcessChoiceWrongFragment(t *testing.T) {
	w := newTestWorld(t)
	w.seedFragments(t, storyFragments()...)
	uid := w.createUser(t, 42)
	ctx := context.Background()

	if _, err := w.engine.Fragment(ctx, uid, "intro"); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	// The user is at intro; choosing on plaza must fail.
	_, err := w.engine.ProcessChoice(ctx, uid, "plaza", "fuente")
	if !shared.IsKind(err, shared.KindInvalidChoice) {
		t.Fatalf("err = %v, want invalid_choice", err)
	}

	st, _ := w.docs.GetUserState(ctx, uid)
	if len(st.ChoicesLog) != 0 || st.CurrentFragmentID != "intro" {
		t.Fatalf("state mutated on rejected choice: %+v", st)
	}
}

func TestProcessChoiceUnknownChoice(t *testing.T) {
	w := newTestWorld(t)
	w.seedFragments(t, storyFragments()...)
	uid := w.createUser(t, 42)
	ctx := context.Background()

	if _, err := w.engine.Fragment(ctx, uid, "intro"); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	_, err := w.engine.ProcessChoice(ctx, uid, "intro", "nadar")
	if !shared.IsKind(err, shared.KindInvalidChoice) {
		t.Fatalf("err = %v, want invalid_choice", err)
	}
}

func TestProcessChoiceLevelPrecondition(t *testing.T) {
	w := newTestWorld(t)
	w.seedFragments(t, storyFragments()...)
	uid := w.createUser(t, 42)
	ctx := context.Background()

	if _, err := w.engine.Fragment(ctx, uid, "plaza"); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	// "volver" requires level 3; new users start at 1.
	_, err := w.engine.ProcessChoice(ctx, uid, "plaza", "volver")
	if !shared.IsKind(err, shared.KindInvalidChoice) {
		t.Fatalf("err = %v, want invalid_choice", err)
	}

	st, _ := w.docs.GetUserState(ctx, uid)
	st.NarrativeLevel = 3
	if err := w.docs.ReplaceUserState(ctx, st); err != nil {
		t.Fatalf("promote: %v", err)
	}
	if _, err := w.engine.ProcessChoice(ctx, uid, "plaza", "volver"); err != nil {
		t.Fatalf("choice after promotion: %v", err)
	}
}

func TestProcessChoiceTerminal(t *testing.T) {
	w := newTestWorld(t)
	w.seedFragments(t, storyFragments()...)
	uid := w.createUser(t, 42)
	ctx := context.Background()

	if _, err := w.engine.Fragment(ctx, uid, "final"); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	out, err := w.engine.ProcessChoice(ctx, uid, "final", "cerrar")
	if err != nil {
		t.Fatalf("choice: %v", err)
	}
	if !out.Terminal || out.Next != nil {
		t.Fatalf("outcome = %+v", out)
	}

	st, _ := w.docs.GetUserState(ctx, uid)
	if st.CurrentFragmentID != "" {
		t.Fatalf("current = %q, want empty after terminal choice", st.CurrentFragmentID)
	}
	if !st.HasCompleted("final") {
		t.Fatal("terminal fragment missing from completed set")
	}
}

func TestChoiceRewardIsIdempotentAcrossReplay(t *testing.T) {
	w := newTestWorld(t)
	w.seedFragments(t, storyFragments()...)
	uid := w.createUser(t, 42)
	ctx := context.Background()

	if _, err := w.engine.Fragment(ctx, uid, "intro"); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if _, err := w.engine.ProcessChoice(ctx, uid, "intro", "bajar"); err != nil {
		t.Fatalf("choice: %v", err)
	}

	// Walk back to intro and replay the same choice. The narrative moves
	// again, but the reward key (user, fragment, choice) has been spent.
	st, _ := w.docs.GetUserState(ctx, uid)
	st.CurrentFragmentID = "intro"
	if err := w.docs.ReplaceUserState(ctx, st); err != nil {
		t.Fatalf("rewind: %v", err)
	}
	if _, err := w.engine.ProcessChoice(ctx, uid, "intro", "bajar"); err != nil {
		t.Fatalf("replayed choice: %v", err)
	}

	st, _ = w.docs.GetUserState(ctx, uid)
	if st.Balance != 10 {
		t.Fatalf("balance = %d, want 10 (reward paid once)", st.Balance)
	}
	if w.pub.countOf(bus.TypeCurrencyCredited) != 1 {
		t.Fatalf("events = %v", w.pub.types())
	}
}

func TestCurrent(t *testing.T) {
	w := newTestWorld(t)
	w.seedFragments(t, storyFragments()...)
	uid := w.createUser(t, 42)
	ctx := context.Background()

	if _, err := w.engine.Current(ctx, uid); !shared.IsKind(err, shared.KindNotFound) {
		t.Fatalf("before start: %v", err)
	}
	if _, err := w.engine.Fragment(ctx, uid, "intro"); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	frag, err := w.engine.Current(ctx, uid)
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	if frag.ID != "intro" {
		t.Fatalf("current = %q, want intro", frag.ID)
	}
}
