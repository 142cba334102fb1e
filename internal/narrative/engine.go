package narrative

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/basket/narrabot/internal/access"
	"github.com/basket/narrabot/internal/bus"
	"github.com/basket/narrabot/internal/ledger"
	"github.com/basket/narrabot/internal/shared"
	"github.com/basket/narrabot/internal/store"
	"github.com/basket/narrabot/internal/user"
)

// Publisher is the slice of the bus the engine needs.
type Publisher interface {
	Publish(ctx context.Context, ev *bus.Event) error
}

// ChoiceOutcome reports what a committed choice produced.
type ChoiceOutcome struct {
	Next           *store.Fragment
	Terminal       bool
	RewardCurrency int64
	UnlockedHints  []string
	GrantedItems   []string
}

// Engine drives fragment delivery and choice progression. VIP gating is
// checked at use time, so subscription expiry takes effect immediately.
type Engine struct {
	users  *user.Registry
	docs   store.Documents
	ledger *ledger.Ledger
	pub    Publisher
	logger *slog.Logger
}

func NewEngine(users *user.Registry, docs store.Documents, led *ledger.Ledger, pub Publisher, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{users: users, docs: docs, ledger: led, pub: pub, logger: logger.With("component", "narrative")}
}

// Fragment delivers a fragment to the user, enforcing the VIP gate. A
// new user requesting their first fragment has it set as current.
func (e *Engine) Fragment(ctx context.Context, userID, fragmentID string) (*store.Fragment, error) {
	u, err := e.users.Get(ctx, userID)
	if err != nil {
		return nil, err
	}

	frag, err := e.docs.GetFragment(ctx, fragmentID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, shared.NewError(shared.KindNotFound, "fragment not found", "")
	}
	if err != nil {
		return nil, fmt.Errorf("load fragment: %w", err)
	}

	if frag.VIPRequired {
		d := access.Evaluate(u.Profile, u.Subscription, u.State,
			access.Resource{Name: fragmentID, VIPRequired: true}, time.Now().UTC())
		if !d.Allowed {
			e.publishAccess(ctx, bus.TypeVIPAccessDenied, userID, fragmentID, d.Reason)
			return nil, shared.NewError(shared.KindAccessDenied, d.Reason, d.Guidance)
		}
		e.publishAccess(ctx, bus.TypeVIPAccessGranted, userID, fragmentID, "")
	}

	if u.State != nil && u.State.CurrentFragmentID == "" {
		u.State.CurrentFragmentID = fragmentID
		if err := e.docs.ReplaceUserState(ctx, u.State); err != nil && !errors.Is(err, store.ErrVersionConflict) {
			return nil, fmt.Errorf("set current fragment: %w", err)
		}
	}

	e.publishFragment(ctx, userID, fragmentID)
	return frag, nil
}

// Current returns the user's current fragment, or not_found for a user
// who has not started the story.
func (e *Engine) Current(ctx context.Context, userID string) (*store.Fragment, error) {
	st, err := e.docs.GetUserState(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, shared.NewError(shared.KindNotFound, "user not found", "")
	}
	if err != nil {
		return nil, err
	}
	if st.CurrentFragmentID == "" {
		return nil, shared.NewError(shared.KindNotFound, "story not started",
			"Pick a starting fragment from the menu.")
	}
	frag, err := e.docs.GetFragment(ctx, st.CurrentFragmentID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, shared.NewError(shared.KindNotFound, "fragment not found", "")
	}
	return frag, err
}

// ProcessChoice validates and commits one choice. The state document
// mutates in a single CAS-guarded write: choices log, progression,
// inventories. Currency rewards go through the ledger afterwards with a
// key derived from (user, fragment, choice), so replays cannot double
// pay.
func (e *Engine) ProcessChoice(ctx context.Context, userID, fragmentID, choiceID string) (*ChoiceOutcome, error) {
	u, err := e.users.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if u.State == nil {
		return nil, shared.NewError(shared.KindNotFound, "user state missing", "")
	}

	frag, err := e.docs.GetFragment(ctx, fragmentID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, shared.NewError(shared.KindNotFound, "fragment not found", "")
	}
	if err != nil {
		return nil, fmt.Errorf("load fragment: %w", err)
	}

	choice := frag.FindChoice(choiceID)
	if choice == nil {
		return nil, shared.NewError(shared.KindInvalidChoice, "choice not in fragment", "")
	}

	if frag.VIPRequired {
		d := access.Evaluate(u.Profile, u.Subscription, u.State,
			access.Resource{Name: fragmentID, VIPRequired: true}, time.Now().UTC())
		if !d.Allowed {
			e.publishAccess(ctx, bus.TypeVIPAccessDenied, userID, fragmentID, d.Reason)
			return nil, shared.NewError(shared.KindAccessDenied, d.Reason, d.Guidance)
		}
	}
	if err := e.checkPreconditions(u, choice); err != nil {
		return nil, err
	}

	st := u.State
	// N2: the choice commits only against the user's current fragment.
	if st.CurrentFragmentID != fragmentID {
		return nil, shared.NewError(shared.KindInvalidChoice,
			"fragment is not the user's current fragment", "")
	}

	st.ChoicesLog = append(st.ChoicesLog, store.ChoiceRecord{
		FragmentID: fragmentID,
		ChoiceID:   choiceID,
		At:         time.Now().UTC(),
	})
	if !st.HasCompleted(fragmentID) {
		st.CompletedFragments = append(st.CompletedFragments, fragmentID)
	}
	st.CurrentFragmentID = choice.NextFragmentID

	var newHints, newItems []string
	for _, h := range choice.Rewards.Hints {
		if !st.HasHint(h) {
			st.UnlockedHints = append(st.UnlockedHints, h)
			newHints = append(newHints, h)
		}
	}
	for _, it := range choice.Rewards.Items {
		if !st.HasItem(it) {
			st.Items = append(st.Items, it)
			newItems = append(newItems, it)
		}
	}

	if err := e.docs.ReplaceUserState(ctx, st); err != nil {
		if errors.Is(err, store.ErrVersionConflict) {
			return nil, shared.NewError(shared.KindConflict,
				"state changed while processing the choice", "Try again.")
		}
		return nil, fmt.Errorf("commit choice: %w", err)
	}

	outcome := &ChoiceOutcome{
		Terminal:       choice.NextFragmentID == "",
		RewardCurrency: choice.Rewards.Currency,
		UnlockedHints:  newHints,
		GrantedItems:   newItems,
	}
	if !outcome.Terminal {
		next, err := e.docs.GetFragment(ctx, choice.NextFragmentID)
		if err == nil {
			outcome.Next = next
		}
	}

	if choice.Rewards.Currency > 0 && e.ledger != nil {
		key := ledger.IdempotencyKey(userID, fragmentID, choiceID)
		if _, err := e.ledger.Credit(ctx, userID, choice.Rewards.Currency, "choice_reward", key); err != nil {
			e.logger.Error("choice reward credit failed", "user_id", userID, "error", err)
		}
	}

	e.publishChoice(ctx, userID, fragmentID, choiceID)
	for _, h := range newHints {
		e.publishHint(ctx, userID, h)
	}
	return outcome, nil
}

func (e *Engine) checkPreconditions(u *user.User, choice *store.Choice) error {
	pre := choice.Preconditions
	if pre.RequiredRole != "" && (u.Profile == nil || u.Profile.Role != pre.RequiredRole) {
		return shared.NewError(shared.KindInvalidChoice, "role requirement not met", "")
	}
	if pre.MinLevel > 0 && u.State.NarrativeLevel < pre.MinLevel {
		return shared.NewError(shared.KindInvalidChoice,
			fmt.Sprintf("requires level %d", pre.MinLevel),
			fmt.Sprintf("Reach level %d to pick this.", pre.MinLevel))
	}
	for _, h := range pre.RequiredHints {
		if !u.State.HasHint(h) {
			return shared.NewError(shared.KindInvalidChoice, "missing required hint",
				"Unlock the right hint in the shop first.")
		}
	}
	for _, it := range pre.RequiredItems {
		if !u.State.HasItem(it) {
			return shared.NewError(shared.KindInvalidChoice, "missing required item", "")
		}
	}
	return nil
}

func (e *Engine) publishFragment(ctx context.Context, userID, fragmentID string) {
	if e.pub == nil {
		return
	}
	ev, err := bus.NewEvent(bus.TypeFragmentDelivered, userID, bus.FragmentPayload{
		UserID: userID, FragmentID: fragmentID,
	})
	if err != nil {
		return
	}
	_ = e.pub.Publish(ctx, ev)
}

func (e *Engine) publishChoice(ctx context.Context, userID, fragmentID, choiceID string) {
	if e.pub == nil {
		return
	}
	ev, err := bus.NewEvent(bus.TypeChoiceMade, userID, bus.ChoicePayload{
		UserID: userID, FragmentID: fragmentID, ChoiceID: choiceID,
	})
	if err != nil {
		return
	}
	_ = e.pub.Publish(ctx, ev)
}

func (e *Engine) publishHint(ctx context.Context, userID, hintID string) {
	if e.pub == nil {
		return
	}
	ev, err := bus.NewEvent(bus.TypeHintUnlocked, userID, bus.HintPayload{
		UserID: userID, HintID: hintID,
	})
	if err != nil {
		return
	}
	_ = e.pub.Publish(ctx, ev)
}

func (e *Engine) publishAccess(ctx context.Context, eventType, userID, resource, reason string) {
	if e.pub == nil {
		return
	}
	ev, err := bus.NewEvent(eventType, userID, bus.AccessPayload{
		UserID: userID, Resource: resource, Reason: reason,
	})
	if err != nil {
		return
	}
	_ = e.pub.Publish(ctx, ev)
}
