package shop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/basket/narrabot/internal/audit"
	"github.com/basket/narrabot/internal/bus"
	"github.com/basket/narrabot/internal/ledger"
	"github.com/basket/narrabot/internal/shared"
	"github.com/basket/narrabot/internal/store"
)

// Purchase keys carry a version suffix so a future pricing change can
// re-open a hint without colliding with old transactions.
const purchaseKeySuffix = "v1"

// Publisher is the slice of the bus the shop needs.
type Publisher interface {
	Publish(ctx context.Context, ev *bus.Event) error
}

// Receipt is the outcome of a purchase. Replayed marks a repeat of an
// already-settled purchase.
type Receipt struct {
	HintID       string
	Cost         int64
	BalanceAfter int64
	NewLevel     int
	Replayed     bool
}

// Shop sells hints (pistas) for narrative currency. A purchase debits
// first, then unlocks; a failed unlock refunds through a compensating
// credit so the balance never pays for nothing.
type Shop struct {
	docs   store.Documents
	ledger *ledger.Ledger
	pub    Publisher
	logger *slog.Logger
}

func New(docs store.Documents, led *ledger.Ledger, pub Publisher, logger *slog.Logger) *Shop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Shop{docs: docs, ledger: led, pub: pub, logger: logger.With("component", "shop")}
}

// Catalog lists purchasable hints, annotated with whether the user
// already owns each one.
func (s *Shop) Catalog(ctx context.Context, userID string) ([]CatalogEntry, error) {
	hints, err := s.docs.ListHints(ctx)
	if err != nil {
		return nil, fmt.Errorf("list hints: %w", err)
	}
	st, err := s.docs.GetUserState(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, shared.NewError(shared.KindNotFound, "user not found", "")
	}
	if err != nil {
		return nil, err
	}

	out := make([]CatalogEntry, 0, len(hints))
	for _, h := range hints {
		out = append(out, CatalogEntry{Hint: h, Owned: st.HasHint(h.ID)})
	}
	return out, nil
}

type CatalogEntry struct {
	Hint  *store.Hint
	Owned bool
}

// Purchase debits the hint's cost and unlocks it, promoting the user's
// level when the hint carries a promotion. Calling it again with the
// same user and hint returns the original receipt without charging.
func (s *Shop) Purchase(ctx context.Context, userID, hintID string) (*Receipt, error) {
	hint, err := s.docs.GetHint(ctx, hintID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, shared.NewError(shared.KindNotFound, "hint not found", "")
	}
	if err != nil {
		return nil, fmt.Errorf("load hint: %w", err)
	}

	st, err := s.docs.GetUserState(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, shared.NewError(shared.KindNotFound, "user not found", "")
	}
	if err != nil {
		return nil, fmt.Errorf("load user state: %w", err)
	}
	if st.HasHint(hintID) {
		return &Receipt{
			HintID: hintID, Cost: hint.Cost,
			BalanceAfter: st.Balance, NewLevel: st.NarrativeLevel, Replayed: true,
		}, nil
	}

	key := ledger.IdempotencyKey(userID, hintID, purchaseKeySuffix)
	res, err := s.ledger.Debit(ctx, userID, hint.Cost, "pista_purchase", key)
	if err != nil {
		return nil, err
	}
	if res.Replayed {
		// The debit settled earlier but the unlock may not have; fall
		// through so the unlock converges.
		s.logger.Info("purchase debit replayed", "user_id", userID, "hint_id", hintID)
	}

	oldLevel, newLevel, err := s.unlock(ctx, userID, hint)
	if err != nil {
		s.refund(ctx, userID, hint, key)
		return nil, shared.WrapError(shared.KindPartialFailure,
			"purchase debited but the unlock failed",
			"Your purchase was refunded, please try again.", err)
	}

	s.publishUnlocked(ctx, userID, hintID)
	if newLevel > oldLevel {
		s.publishLevel(ctx, userID, oldLevel, newLevel)
	}
	s.logger.Info("hint purchased",
		"user_id", userID, "hint_id", hintID, "cost", hint.Cost, "balance_after", res.BalanceAfter)

	return &Receipt{
		HintID: hintID, Cost: hint.Cost,
		BalanceAfter: res.BalanceAfter, NewLevel: newLevel,
		Replayed: res.Replayed,
	}, nil
}

// unlock adds the hint to the user's inventory and applies the level
// promotion in one CAS-guarded write. Returns the levels before and
// after so the caller can report a promotion.
func (s *Shop) unlock(ctx context.Context, userID string, hint *store.Hint) (oldLevel, newLevel int, err error) {
	for attempt := 0; attempt < 5; attempt++ {
		st, err := s.docs.GetUserState(ctx, userID)
		if err != nil {
			return 0, 0, fmt.Errorf("load user state: %w", err)
		}
		oldLevel = st.NarrativeLevel
		newLevel = oldLevel

		changed := false
		if !st.HasHint(hint.ID) {
			st.UnlockedHints = append(st.UnlockedHints, hint.ID)
			changed = true
		}
		if hint.Unlocks.LevelPromotion > st.NarrativeLevel {
			st.NarrativeLevel = hint.Unlocks.LevelPromotion
			newLevel = hint.Unlocks.LevelPromotion
			changed = true
		}
		if !changed {
			return oldLevel, newLevel, nil
		}

		err = s.docs.ReplaceUserState(ctx, st)
		if err == nil {
			return oldLevel, newLevel, nil
		}
		if !errors.Is(err, store.ErrVersionConflict) {
			return 0, 0, fmt.Errorf("commit unlock: %w", err)
		}
	}
	return 0, 0, shared.NewError(shared.KindContentionExceeded,
		"too many concurrent state updates", "Try again shortly.")
}

// refund issues the compensating credit for a failed unlock. The refund
// key is derived from the purchase key, so repeats cannot double-refund.
func (s *Shop) refund(ctx context.Context, userID string, hint *store.Hint, purchaseKey string) {
	_, err := s.ledger.Credit(ctx, userID, hint.Cost, "pista_refund", ledger.CompensationKey(purchaseKey))
	if err != nil {
		s.logger.Error("purchase refund failed",
			"user_id", userID, "hint_id", hint.ID, "error", err)
		audit.Record(ctx, audit.CategoryPartialFailure,
			"hint purchase refund failed",
			map[string]any{"user_id": userID, "hint_id": hint.ID, "cost": hint.Cost})
		return
	}
	audit.Record(ctx, audit.CategoryPartialFailure,
		"hint purchase refunded after unlock failure",
		map[string]any{"user_id": userID, "hint_id": hint.ID, "cost": hint.Cost})
}

func (s *Shop) publishUnlocked(ctx context.Context, userID, hintID string) {
	if s.pub == nil {
		return
	}
	ev, err := bus.NewEvent(bus.TypeHintUnlocked, userID, bus.HintPayload{
		UserID: userID, HintID: hintID,
	})
	if err != nil {
		return
	}
	_ = s.pub.Publish(ctx, ev)
}

func (s *Shop) publishLevel(ctx context.Context, userID string, oldLevel, newLevel int) {
	if s.pub == nil {
		return
	}
	ev, err := bus.NewEvent(bus.TypeLevelChanged, userID, bus.LevelPayload{
		UserID: userID, OldLevel: oldLevel, NewLevel: newLevel, Trigger: "hint",
	})
	if err != nil {
		return
	}
	_ = s.pub.Publish(ctx, ev)
}
