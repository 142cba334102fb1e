package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/basket/narrabot/internal/store"
)

// Journal checkpoints multi-event workflows in the document store so a
// restart can pick up where processing stopped. Entries move pending →
// completed → archived; the archive sweep eventually purges them.
type Journal struct {
	docs   store.Documents
	logger *slog.Logger
}

func NewJournal(docs store.Documents, logger *slog.Logger) *Journal {
	if logger == nil {
		logger = slog.Default()
	}
	return &Journal{docs: docs, logger: logger.With("component", "journal")}
}

// Get returns the journal entry for a workflow, or nil.
func (j *Journal) Get(ctx context.Context, workflowID string) (*store.JournalEntry, error) {
	entries, err := j.docs.ListJournal(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("list journal: %w", err)
	}
	for _, e := range entries {
		if e.WorkflowID == workflowID {
			return e, nil
		}
	}
	return nil, nil
}

// Checkpoint records the workflow's current step, creating the entry on
// first call. Keys already checkpointed are preserved.
func (j *Journal) Checkpoint(ctx context.Context, workflowID, userID, step string, keys map[string]string) (*store.JournalEntry, error) {
	now := time.Now().UTC()
	entry, err := j.Get(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		entry = &store.JournalEntry{
			WorkflowID: workflowID,
			UserID:     userID,
			Status:     store.JournalPending,
			Checkpoint: map[string]string{},
			CreatedAt:  now,
		}
	}
	if entry.Checkpoint == nil {
		entry.Checkpoint = map[string]string{}
	}
	for k, v := range keys {
		entry.Checkpoint[k] = v
	}
	entry.Step = step
	entry.UpdatedAt = now

	if err := j.docs.UpsertJournal(ctx, entry); err != nil {
		return nil, fmt.Errorf("upsert journal %s: %w", workflowID, err)
	}
	return entry, nil
}

// Complete marks the workflow done. Completing an unknown workflow is
// an error; completing twice is a no-op.
func (j *Journal) Complete(ctx context.Context, workflowID string) error {
	entry, err := j.Get(ctx, workflowID)
	if err != nil {
		return err
	}
	if entry == nil {
		return errors.New("journal entry not found: " + workflowID)
	}
	if entry.Status != store.JournalPending {
		return nil
	}
	entry.Status = store.JournalCompleted
	entry.UpdatedAt = time.Now().UTC()
	return j.docs.UpsertJournal(ctx, entry)
}

// ReplayPending hands every pending workflow to fn. Called once at
// startup before the bus subscription opens.
func (j *Journal) ReplayPending(ctx context.Context, fn func(ctx context.Context, e *store.JournalEntry) error) (int, error) {
	entries, err := j.docs.ListJournal(ctx, store.JournalPending)
	if err != nil {
		return 0, fmt.Errorf("list pending journal: %w", err)
	}
	replayed := 0
	for _, e := range entries {
		if err := fn(ctx, e); err != nil {
			j.logger.Error("journal replay failed",
				"workflow_id", e.WorkflowID, "user_id", e.UserID, "error", err)
			continue
		}
		replayed++
	}
	return replayed, nil
}

// ArchiveCompleted flips completed entries older than cutoff to
// archived. Returns how many moved.
func (j *Journal) ArchiveCompleted(ctx context.Context, cutoff time.Time) (int, error) {
	entries, err := j.docs.ListJournal(ctx, store.JournalCompleted)
	if err != nil {
		return 0, fmt.Errorf("list completed journal: %w", err)
	}
	moved := 0
	for _, e := range entries {
		if e.UpdatedAt.After(cutoff) {
			continue
		}
		e.Status = store.JournalArchived
		e.UpdatedAt = time.Now().UTC()
		if err := j.docs.UpsertJournal(ctx, e); err != nil {
			j.logger.Error("archive journal entry", "workflow_id", e.WorkflowID, "error", err)
			continue
		}
		moved++
	}
	return moved, nil
}

// PurgeArchived deletes archived entries older than cutoff.
func (j *Journal) PurgeArchived(ctx context.Context, cutoff time.Time) (int, error) {
	n, err := j.docs.DeleteJournalBefore(ctx, store.JournalArchived, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge journal: %w", err)
	}
	return n, nil
}
