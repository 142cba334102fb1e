package store

import (
	"context"
	"errors"
	"time"

	"github.com/basket/narrabot/internal/audit"
)

// Guard gates calls on a dependency breaker. Implemented by the breaker
// registry; while the dependency is OPEN the call fails fast with a
// service_degraded domain error instead of running.
type Guard interface {
	Do(name string, fn func() error) error
}

// GuardDocuments wraps a document store so every call runs through the
// named dependency breaker. Sentinel outcomes (not found, duplicate,
// version conflict) and caller cancellation are domain results, not
// dependency failures; they surface to the caller without counting
// against the breaker. Ping and Close bypass the guard: probes drive
// the breaker themselves and shutdown must never be gated.
func GuardDocuments(g Guard, dep string, docs Documents) Documents {
	return &guardedDocs{guard: g, dep: dep, inner: docs}
}

type guardedDocs struct {
	guard Guard
	dep   string
	inner Documents
}

func (g *guardedDocs) run(op func() error) error {
	var opErr error
	err := g.guard.Do(g.dep, func() error {
		opErr = op()
		if benignOutcome(opErr) {
			return nil
		}
		return opErr
	})
	if opErr != nil {
		return opErr
	}
	// op never ran: the breaker refused the call.
	return err
}

func guardedValue[T any](g *guardedDocs, op func() (T, error)) (T, error) {
	var out T
	err := g.run(func() error {
		var opErr error
		out, opErr = op()
		return opErr
	})
	return out, err
}

func benignOutcome(err error) bool {
	return err == nil ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrDuplicate) ||
		errors.Is(err, ErrVersionConflict) ||
		errors.Is(err, context.Canceled)
}

func (g *guardedDocs) InsertUserState(ctx context.Context, st *UserState) error {
	return g.run(func() error { return g.inner.InsertUserState(ctx, st) })
}

func (g *guardedDocs) GetUserState(ctx context.Context, userID string) (*UserState, error) {
	return guardedValue(g, func() (*UserState, error) { return g.inner.GetUserState(ctx, userID) })
}

func (g *guardedDocs) GetUserStateByExternalID(ctx context.Context, externalID int64) (*UserState, error) {
	return guardedValue(g, func() (*UserState, error) { return g.inner.GetUserStateByExternalID(ctx, externalID) })
}

func (g *guardedDocs) ReplaceUserState(ctx context.Context, st *UserState) error {
	return g.run(func() error { return g.inner.ReplaceUserState(ctx, st) })
}

func (g *guardedDocs) DeleteUserState(ctx context.Context, userID string) error {
	return g.run(func() error { return g.inner.DeleteUserState(ctx, userID) })
}

func (g *guardedDocs) InsertTransaction(ctx context.Context, txn *CurrencyTransaction) error {
	return g.run(func() error { return g.inner.InsertTransaction(ctx, txn) })
}

func (g *guardedDocs) GetTransaction(ctx context.Context, txnID string) (*CurrencyTransaction, error) {
	return guardedValue(g, func() (*CurrencyTransaction, error) { return g.inner.GetTransaction(ctx, txnID) })
}

func (g *guardedDocs) ListTransactions(ctx context.Context, userID string, limit int) ([]*CurrencyTransaction, error) {
	return guardedValue(g, func() ([]*CurrencyTransaction, error) { return g.inner.ListTransactions(ctx, userID, limit) })
}

func (g *guardedDocs) UpsertFragment(ctx context.Context, f *Fragment) error {
	return g.run(func() error { return g.inner.UpsertFragment(ctx, f) })
}

func (g *guardedDocs) GetFragment(ctx context.Context, fragmentID string) (*Fragment, error) {
	return guardedValue(g, func() (*Fragment, error) { return g.inner.GetFragment(ctx, fragmentID) })
}

func (g *guardedDocs) UpsertHint(ctx context.Context, h *Hint) error {
	return g.run(func() error { return g.inner.UpsertHint(ctx, h) })
}

func (g *guardedDocs) GetHint(ctx context.Context, hintID string) (*Hint, error) {
	return guardedValue(g, func() (*Hint, error) { return g.inner.GetHint(ctx, hintID) })
}

func (g *guardedDocs) ListHints(ctx context.Context) ([]*Hint, error) {
	return guardedValue(g, func() ([]*Hint, error) { return g.inner.ListHints(ctx) })
}

func (g *guardedDocs) InsertMission(ctx context.Context, m *Mission) error {
	return g.run(func() error { return g.inner.InsertMission(ctx, m) })
}

func (g *guardedDocs) GetMission(ctx context.Context, missionID string) (*Mission, error) {
	return guardedValue(g, func() (*Mission, error) { return g.inner.GetMission(ctx, missionID) })
}

func (g *guardedDocs) ListMissions(ctx context.Context, userID string, status MissionStatus) ([]*Mission, error) {
	return guardedValue(g, func() ([]*Mission, error) { return g.inner.ListMissions(ctx, userID, status) })
}

func (g *guardedDocs) ReplaceMission(ctx context.Context, m *Mission) error {
	return g.run(func() error { return g.inner.ReplaceMission(ctx, m) })
}

func (g *guardedDocs) ListMissionsPastDeadline(ctx context.Context, now time.Time) ([]*Mission, error) {
	return guardedValue(g, func() ([]*Mission, error) { return g.inner.ListMissionsPastDeadline(ctx, now) })
}

func (g *guardedDocs) UpsertJournal(ctx context.Context, e *JournalEntry) error {
	return g.run(func() error { return g.inner.UpsertJournal(ctx, e) })
}

func (g *guardedDocs) ListJournal(ctx context.Context, status JournalStatus) ([]*JournalEntry, error) {
	return guardedValue(g, func() ([]*JournalEntry, error) { return g.inner.ListJournal(ctx, status) })
}

func (g *guardedDocs) DeleteJournalBefore(ctx context.Context, status JournalStatus, cutoff time.Time) (int, error) {
	return guardedValue(g, func() (int, error) { return g.inner.DeleteJournalBefore(ctx, status, cutoff) })
}

func (g *guardedDocs) InsertTracked(ctx context.Context, m *TrackedMessage) error {
	return g.run(func() error { return g.inner.InsertTracked(ctx, m) })
}

func (g *guardedDocs) DeleteTracked(ctx context.Context, chatID int64, messageID int) error {
	return g.run(func() error { return g.inner.DeleteTracked(ctx, chatID, messageID) })
}

func (g *guardedDocs) ListTracked(ctx context.Context, chatID int64) ([]*TrackedMessage, error) {
	return guardedValue(g, func() ([]*TrackedMessage, error) { return g.inner.ListTracked(ctx, chatID) })
}

func (g *guardedDocs) ListAllTracked(ctx context.Context) ([]*TrackedMessage, error) {
	return guardedValue(g, func() ([]*TrackedMessage, error) { return g.inner.ListAllTracked(ctx) })
}

func (g *guardedDocs) InsertScheduledPost(ctx context.Context, p *ScheduledPost) error {
	return g.run(func() error { return g.inner.InsertScheduledPost(ctx, p) })
}

func (g *guardedDocs) ListDuePosts(ctx context.Context, now time.Time) ([]*ScheduledPost, error) {
	return guardedValue(g, func() ([]*ScheduledPost, error) { return g.inner.ListDuePosts(ctx, now) })
}

func (g *guardedDocs) MarkPostPublished(ctx context.Context, postID string, at time.Time) error {
	return g.run(func() error { return g.inner.MarkPostPublished(ctx, postID, at) })
}

func (g *guardedDocs) InsertDeadLetter(ctx context.Context, d *DeadLetter) error {
	return g.run(func() error { return g.inner.InsertDeadLetter(ctx, d) })
}

func (g *guardedDocs) CountDeadLetters(ctx context.Context) (int64, error) {
	return guardedValue(g, func() (int64, error) { return g.inner.CountDeadLetters(ctx) })
}

func (g *guardedDocs) InsertAdminLog(ctx context.Context, e audit.Entry) error {
	return g.run(func() error { return g.inner.InsertAdminLog(ctx, e) })
}

func (g *guardedDocs) Ping(ctx context.Context) error {
	return g.inner.Ping(ctx)
}

func (g *guardedDocs) Close(ctx context.Context) error {
	return g.inner.Close(ctx)
}
