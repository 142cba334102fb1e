package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/basket/narrabot/internal/bus"
	"github.com/basket/narrabot/internal/mission"
	"github.com/basket/narrabot/internal/store"
)

// Publisher is the slice of the bus the flows need.
type Publisher interface {
	Publish(ctx context.Context, ev *bus.Event) error
}

// MissionService is the tracker surface the flows drive.
type MissionService interface {
	AssignDefaults(ctx context.Context, userID string) error
	Advance(ctx context.Context, userID, counter string) error
}

// Flows wires the cross-module event chains into a coordinator:
// registration assigns missions, reactions and choices advance them,
// and mission completion plus a promoting hint yields a level
// progression exactly once.
type Flows struct {
	Missions MissionService
	Docs     store.Documents
	Journal  *Journal
	Pub      Publisher
	Logger   *slog.Logger
}

// levelProgressionID is the journal key for the per-user progression
// workflow. One progression per user; the journal status gates the
// exactly-once emission.
func levelProgressionID(userID string) string {
	return "level-progression:" + userID
}

const (
	stepAwaitHint    = "await_hint"
	stepAwaitMission = "await_mission"
	ckMission        = "mission_completed"
	ckHint           = "hint_unlocked"
)

// Register attaches the flow handlers to the coordinator. Call before
// the bus subscription opens.
func (f *Flows) Register(c *Coordinator) {
	c.On(bus.TypeUserRegistered, func(ctx context.Context, ev *bus.Event) error {
		return f.Missions.AssignDefaults(ctx, ev.UserID)
	})
	c.On(bus.TypeReactionObserved, func(ctx context.Context, ev *bus.Event) error {
		return f.Missions.Advance(ctx, ev.UserID, "reactions")
	})
	c.On(bus.TypeChoiceMade, func(ctx context.Context, ev *bus.Event) error {
		return f.Missions.Advance(ctx, ev.UserID, "choices")
	})
	c.On(bus.TypeMissionCompleted, f.onMissionCompleted)
	c.On(bus.TypeHintUnlocked, f.onHintUnlocked)
}

func (f *Flows) onMissionCompleted(ctx context.Context, ev *bus.Event) error {
	var p bus.MissionPayload
	if err := ev.DecodePayload(&p); err != nil {
		return fmt.Errorf("decode mission payload: %w", err)
	}
	_, err := f.Journal.Checkpoint(ctx, levelProgressionID(ev.UserID), ev.UserID,
		stepAwaitHint, map[string]string{ckMission: p.MissionID})
	if err != nil {
		return err
	}
	return f.maybeProgress(ctx, ev.UserID)
}

func (f *Flows) onHintUnlocked(ctx context.Context, ev *bus.Event) error {
	var p bus.HintPayload
	if err := ev.DecodePayload(&p); err != nil {
		return fmt.Errorf("decode hint payload: %w", err)
	}
	hint, err := f.Docs.GetHint(ctx, p.HintID)
	if errors.Is(err, store.ErrNotFound) {
		// Hints granted by choices may not be shop items; they do not
		// participate in the progression chain.
		return nil
	}
	if err != nil {
		return fmt.Errorf("load hint: %w", err)
	}
	if hint.Unlocks.LevelPromotion == 0 {
		return nil
	}
	_, err = f.Journal.Checkpoint(ctx, levelProgressionID(ev.UserID), ev.UserID,
		stepAwaitMission, map[string]string{ckHint: p.HintID})
	if err != nil {
		return err
	}
	return f.maybeProgress(ctx, ev.UserID)
}

// maybeProgress completes the progression workflow when both
// checkpoints are present: bump the narrative level and emit the level
// change, then flip the journal entry so replays cannot emit again.
func (f *Flows) maybeProgress(ctx context.Context, userID string) error {
	entry, err := f.Journal.Get(ctx, levelProgressionID(userID))
	if err != nil {
		return err
	}
	if entry == nil || entry.Status != store.JournalPending {
		return nil
	}
	if entry.Checkpoint[ckMission] == "" || entry.Checkpoint[ckHint] == "" {
		return nil
	}

	oldLevel, newLevel, err := f.bumpLevel(ctx, userID)
	if err != nil {
		return err
	}
	if err := f.Journal.Complete(ctx, levelProgressionID(userID)); err != nil {
		return err
	}
	if newLevel > oldLevel && f.Pub != nil {
		ev, err := bus.NewEvent(bus.TypeLevelChanged, userID, bus.LevelPayload{
			UserID: userID, OldLevel: oldLevel, NewLevel: newLevel, Trigger: "progression",
		})
		if err == nil {
			_ = f.Pub.Publish(ctx, ev)
		}
	}
	f.log().Info("level progression",
		"user_id", userID, "old_level", oldLevel, "new_level", newLevel)
	return nil
}

func (f *Flows) log() *slog.Logger {
	if f.Logger == nil {
		return slog.Default()
	}
	return f.Logger
}

func (f *Flows) bumpLevel(ctx context.Context, userID string) (oldLevel, newLevel int, err error) {
	for attempt := 0; attempt < 5; attempt++ {
		st, err := f.Docs.GetUserState(ctx, userID)
		if errors.Is(err, store.ErrNotFound) {
			// User deleted mid-flow; nothing to promote.
			return 0, 0, nil
		}
		if err != nil {
			return 0, 0, fmt.Errorf("load user state: %w", err)
		}
		oldLevel = st.NarrativeLevel
		st.NarrativeLevel++
		newLevel = st.NarrativeLevel

		err = f.Docs.ReplaceUserState(ctx, st)
		if err == nil {
			return oldLevel, newLevel, nil
		}
		if !errors.Is(err, store.ErrVersionConflict) {
			return 0, 0, fmt.Errorf("commit level: %w", err)
		}
	}
	return 0, 0, fmt.Errorf("level bump: version conflicts exhausted")
}

// Replay re-evaluates a pending workflow at startup. Progressions whose
// checkpoints both landed before the crash complete now.
func (f *Flows) Replay(ctx context.Context, e *store.JournalEntry) error {
	return f.maybeProgress(ctx, e.UserID)
}

var _ MissionService = (*mission.Tracker)(nil)
