package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/basket/narrabot/internal/audit"
	"github.com/basket/narrabot/internal/bus"
	"github.com/basket/narrabot/internal/shared"
	"github.com/basket/narrabot/internal/store"
)

const (
	casRetries    = 5
	casBackoff    = 25 * time.Millisecond
	casBackoffMax = 400 * time.Millisecond
)

// Publisher is the slice of the bus the ledger needs.
type Publisher interface {
	Publish(ctx context.Context, ev *bus.Event) error
}

// Result is the outcome of a credit or debit. Replayed marks an
// idempotent re-application that produced no new transaction.
type Result struct {
	BalanceAfter int64
	TxnID        string
	Replayed     bool
}

// Ledger applies atomic currency movements against the user state
// document. Concurrency on one user is resolved by the state version
// CAS with bounded retry; idempotency keys make replays no-ops.
type Ledger struct {
	docs   store.Documents
	pub    Publisher
	logger *slog.Logger
}

func New(docs store.Documents, pub Publisher, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{docs: docs, pub: pub, logger: logger.With("component", "ledger")}
}

// IdempotencyKey derives a stable key from its parts.
func IdempotencyKey(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x1f")))
	return hex.EncodeToString(sum[:16])
}

// CompensationKey derives the refund key for a prior operation so a
// compensation is itself idempotent.
func CompensationKey(originalKey string) string {
	return IdempotencyKey(originalKey, "compensate")
}

// Credit adds amount to the user's balance.
func (l *Ledger) Credit(ctx context.Context, userID string, amount int64, reason, key string) (*Result, error) {
	return l.apply(ctx, userID, amount, reason, key)
}

// Debit removes amount from the user's balance, failing with
// insufficient_funds when the balance cannot cover it.
func (l *Ledger) Debit(ctx context.Context, userID string, amount int64, reason, key string) (*Result, error) {
	return l.apply(ctx, userID, -amount, reason, key)
}

func (l *Ledger) apply(ctx context.Context, userID string, delta int64, reason, key string) (*Result, error) {
	if delta == 0 {
		return nil, shared.NewError(shared.KindValidation, "amount must be non-zero", "")
	}
	if key == "" {
		return nil, shared.NewError(shared.KindValidation, "idempotency key is required", "")
	}

	for attempt := 0; attempt < casRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(casDelay(attempt - 1)):
			}
		}

		// Idempotent replay returns the prior outcome.
		prior, err := l.docs.GetTransaction(ctx, key)
		if err == nil {
			return &Result{BalanceAfter: prior.BalanceAfter, TxnID: key, Replayed: true}, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("lookup transaction: %w", err)
		}

		st, err := l.docs.GetUserState(ctx, userID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, shared.NewError(shared.KindNotFound, "user not found", "")
		}
		if err != nil {
			return nil, fmt.Errorf("load user state: %w", err)
		}

		newBalance := st.Balance + delta
		if newBalance < 0 {
			return nil, shared.NewError(shared.KindInsufficientFunds,
				fmt.Sprintf("balance %d cannot cover %d", st.Balance, -delta),
				fmt.Sprintf("You need %d more.", -newBalance))
		}

		oldBalance := st.Balance
		st.Balance = newBalance
		if err := l.docs.ReplaceUserState(ctx, st); err != nil {
			if errors.Is(err, store.ErrVersionConflict) {
				continue
			}
			return nil, fmt.Errorf("update balance: %w", err)
		}

		txn := &store.CurrencyTransaction{
			TxnID:         key,
			UserID:        userID,
			Delta:         delta,
			Reason:        reason,
			CorrelationID: shared.CorrelationID(ctx),
			BalanceAfter:  newBalance,
			CreatedAt:     time.Now().UTC(),
		}
		if err := l.docs.InsertTransaction(ctx, txn); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				// A concurrent apply with the same key committed first;
				// put the balance back and surface its outcome.
				l.rollbackBalance(ctx, userID, oldBalance-newBalance)
				prior, perr := l.docs.GetTransaction(ctx, key)
				if perr != nil {
					return nil, fmt.Errorf("lookup winning transaction: %w", perr)
				}
				return &Result{BalanceAfter: prior.BalanceAfter, TxnID: key, Replayed: true}, nil
			}
			l.rollbackBalance(ctx, userID, oldBalance-newBalance)
			return nil, fmt.Errorf("record transaction: %w", err)
		}

		l.publishCommitted(ctx, txn)
		return &Result{BalanceAfter: newBalance, TxnID: key}, nil
	}

	return nil, shared.NewError(shared.KindContentionExceeded,
		"too many concurrent balance updates", "Try again shortly.")
}

// rollbackBalance undoes a balance write whose transaction record never
// landed. Best-effort with its own CAS loop; persistent failure leaves
// a reconcile task for an operator.
func (l *Ledger) rollbackBalance(ctx context.Context, userID string, delta int64) {
	for attempt := 0; attempt < casRetries; attempt++ {
		st, err := l.docs.GetUserState(ctx, userID)
		if err != nil {
			break
		}
		st.Balance += delta
		err = l.docs.ReplaceUserState(ctx, st)
		if err == nil {
			return
		}
		if !errors.Is(err, store.ErrVersionConflict) {
			break
		}
	}
	l.logger.Error("balance rollback failed", "user_id", userID, "delta", delta)
	audit.Record(ctx, audit.CategoryReconcileRequired,
		"balance rollback failed after transaction insert error",
		map[string]any{"user_id": userID, "delta": delta})
}

func (l *Ledger) publishCommitted(ctx context.Context, txn *store.CurrencyTransaction) {
	if l.pub == nil {
		return
	}
	eventType := bus.TypeCurrencyCredited
	amount := txn.Delta
	if txn.Delta < 0 {
		eventType = bus.TypeCurrencyDebited
		amount = -txn.Delta
	}
	ev, err := bus.NewEvent(eventType, txn.UserID, bus.CurrencyPayload{
		UserID:         txn.UserID,
		Amount:         amount,
		BalanceAfter:   txn.BalanceAfter,
		Reason:         txn.Reason,
		IdempotencyKey: txn.TxnID,
	})
	if err != nil {
		l.logger.Error("build currency event", "error", err)
		return
	}
	// Publish after commit. A failed publish never unwinds the commit;
	// the replay queue converges delivery later.
	if err := l.pub.Publish(ctx, ev); err != nil {
		l.logger.Warn("publish currency event", "event_type", eventType, "error", err)
	}
}

func casDelay(attempt int) time.Duration {
	d := casBackoff << uint(attempt)
	if d > casBackoffMax {
		d = casBackoffMax
	}
	jitter := time.Duration(rand.Int64N(int64(d) / 2))
	return d - d/4 + jitter
}
