package store

import (
	"context"
	"errors"
	"time"

	"github.com/basket/narrabot/internal/audit"
)

// Sentinel errors shared by both document store implementations.
// Callers translate these into domain error kinds at service boundaries.
var (
	ErrNotFound        = errors.New("store: not found")
	ErrDuplicate       = errors.New("store: duplicate key")
	ErrVersionConflict = errors.New("store: version conflict")
)

// Documents is the typed surface over the document store. Backed by Mongo
// in production and by an in-memory map store in tests. Single-document
// writes are atomic; multi-document workflows coordinate through the
// version CAS on UserState plus idempotency keys.
type Documents interface {
	// User state. ReplaceUserState compares the Version the caller read
	// and bumps it on success; a mismatch returns ErrVersionConflict.
	InsertUserState(ctx context.Context, st *UserState) error
	GetUserState(ctx context.Context, userID string) (*UserState, error)
	GetUserStateByExternalID(ctx context.Context, externalID int64) (*UserState, error)
	ReplaceUserState(ctx context.Context, st *UserState) error
	DeleteUserState(ctx context.Context, userID string) error

	// Currency ledger. Transactions are append-only; TxnID is unique.
	InsertTransaction(ctx context.Context, txn *CurrencyTransaction) error
	GetTransaction(ctx context.Context, txnID string) (*CurrencyTransaction, error)
	ListTransactions(ctx context.Context, userID string, limit int) ([]*CurrencyTransaction, error)

	// Narrative content.
	UpsertFragment(ctx context.Context, f *Fragment) error
	GetFragment(ctx context.Context, fragmentID string) (*Fragment, error)
	UpsertHint(ctx context.Context, h *Hint) error
	GetHint(ctx context.Context, hintID string) (*Hint, error)
	ListHints(ctx context.Context) ([]*Hint, error)

	// Missions.
	InsertMission(ctx context.Context, m *Mission) error
	GetMission(ctx context.Context, missionID string) (*Mission, error)
	ListMissions(ctx context.Context, userID string, status MissionStatus) ([]*Mission, error)
	ReplaceMission(ctx context.Context, m *Mission) error
	ListMissionsPastDeadline(ctx context.Context, now time.Time) ([]*Mission, error)

	// Workflow journal.
	UpsertJournal(ctx context.Context, e *JournalEntry) error
	ListJournal(ctx context.Context, status JournalStatus) ([]*JournalEntry, error)
	DeleteJournalBefore(ctx context.Context, status JournalStatus, cutoff time.Time) (int, error)

	// Menu message tracking.
	InsertTracked(ctx context.Context, m *TrackedMessage) error
	DeleteTracked(ctx context.Context, chatID int64, messageID int) error
	ListTracked(ctx context.Context, chatID int64) ([]*TrackedMessage, error)
	ListAllTracked(ctx context.Context) ([]*TrackedMessage, error)

	// Scheduled posts.
	InsertScheduledPost(ctx context.Context, p *ScheduledPost) error
	ListDuePosts(ctx context.Context, now time.Time) ([]*ScheduledPost, error)
	MarkPostPublished(ctx context.Context, postID string, at time.Time) error

	// Dead letters and admin log. Both append-only.
	InsertDeadLetter(ctx context.Context, d *DeadLetter) error
	CountDeadLetters(ctx context.Context) (int64, error)
	InsertAdminLog(ctx context.Context, e audit.Entry) error

	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}
