package mission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/basket/narrabot/internal/bus"
	"github.com/basket/narrabot/internal/ledger"
	"github.com/basket/narrabot/internal/store"
)

// Template describes a mission that can be assigned to a user. Counter
// names what the progress map tracks; each matching event adds one.
type Template struct {
	ID       string
	Title    string
	Counter  string
	Goal     int
	Reward   int64
	Duration time.Duration
}

// Default templates assigned at registration.
var defaultTemplates = []Template{
	{
		ID:       "reaction_in_main_channel",
		Title:    "Reacciona en el canal",
		Counter:  "reactions",
		Goal:     3,
		Reward:   25,
		Duration: 7 * 24 * time.Hour,
	},
	{
		ID:      "first_choices",
		Title:   "Toma tus primeras decisiones",
		Counter: "choices",
		Goal:    5,
		Reward:  40,
	},
}

// Publisher is the slice of the bus the tracker needs.
type Publisher interface {
	Publish(ctx context.Context, ev *bus.Event) error
}

// Tracker assigns missions and advances their progress from observed
// events. Completion settles exactly once; the reward key derives from
// the mission id so a replayed completion cannot pay twice.
type Tracker struct {
	docs      store.Documents
	ledger    *ledger.Ledger
	pub       Publisher
	logger    *slog.Logger
	templates []Template
}

func NewTracker(docs store.Documents, led *ledger.Ledger, pub Publisher, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		docs: docs, ledger: led, pub: pub,
		logger:    logger.With("component", "mission"),
		templates: defaultTemplates,
	}
}

// SetTemplates overrides the assignment set. Used by tests and by
// content reloads.
func (t *Tracker) SetTemplates(templates []Template) {
	t.templates = templates
}

// AssignDefaults creates the default missions for a newly registered
// user. A template already assigned to the user is skipped, so the
// registration event can be redelivered safely.
func (t *Tracker) AssignDefaults(ctx context.Context, userID string) error {
	existing, err := t.docs.ListMissions(ctx, userID, "")
	if err != nil {
		return fmt.Errorf("list missions: %w", err)
	}
	assigned := make(map[string]struct{}, len(existing))
	for _, m := range existing {
		assigned[m.TemplateID] = struct{}{}
	}

	now := time.Now().UTC()
	for _, tpl := range t.templates {
		if _, ok := assigned[tpl.ID]; ok {
			continue
		}
		m := &store.Mission{
			ID:         uuid.NewString(),
			UserID:     userID,
			TemplateID: tpl.ID,
			Progress:   map[string]int{tpl.Counter: 0},
			Goal:       tpl.Goal,
			Reward:     tpl.Reward,
			Status:     store.MissionActive,
			AssignedAt: now,
		}
		if tpl.Duration > 0 {
			dl := now.Add(tpl.Duration)
			m.Deadline = &dl
		}
		if err := t.docs.InsertMission(ctx, m); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				continue
			}
			return fmt.Errorf("insert mission %s: %w", tpl.ID, err)
		}
		t.publish(ctx, bus.TypeMissionAssigned, userID, m, 0)
		t.logger.Info("mission assigned", "user_id", userID, "template_id", tpl.ID)
	}
	return nil
}

// Advance adds one to the named counter on every active mission of the
// user that tracks it, completing missions whose goal is reached.
func (t *Tracker) Advance(ctx context.Context, userID, counter string) error {
	missions, err := t.docs.ListMissions(ctx, userID, store.MissionActive)
	if err != nil {
		return fmt.Errorf("list missions: %w", err)
	}

	now := time.Now().UTC()
	for _, m := range missions {
		if _, tracks := m.Progress[counter]; !tracks {
			continue
		}
		if m.Deadline != nil && now.After(*m.Deadline) {
			continue
		}
		m.Progress[counter]++
		progress := m.Progress[counter]

		if progress >= m.Goal {
			if err := t.complete(ctx, m, now); err != nil {
				return err
			}
			continue
		}
		if err := t.docs.ReplaceMission(ctx, m); err != nil {
			return fmt.Errorf("update mission %s: %w", m.ID, err)
		}
		t.publish(ctx, bus.TypeMissionProgress, userID, m, progress)
	}
	return nil
}

// complete settles a mission: status flips first, then the reward is
// credited. The status write is the completion gate; a second observer
// loses the write and never credits.
func (t *Tracker) complete(ctx context.Context, m *store.Mission, now time.Time) error {
	m.Status = store.MissionCompleted
	m.CompletedAt = &now
	if err := t.docs.ReplaceMission(ctx, m); err != nil {
		return fmt.Errorf("complete mission %s: %w", m.ID, err)
	}

	if m.Reward > 0 && t.ledger != nil {
		key := ledger.IdempotencyKey("mission", m.ID)
		if _, err := t.ledger.Credit(ctx, m.UserID, m.Reward, "mission_reward", key); err != nil {
			t.logger.Error("mission reward credit failed",
				"user_id", m.UserID, "mission_id", m.ID, "error", err)
		}
	}

	t.publish(ctx, bus.TypeMissionCompleted, m.UserID, m, m.Goal)
	t.logger.Info("mission completed",
		"user_id", m.UserID, "mission_id", m.ID, "template_id", m.TemplateID, "reward", m.Reward)
	return nil
}

// ExpireOverdue flips active missions past their deadline to expired.
// Returns the number expired; called from the cron sweep.
func (t *Tracker) ExpireOverdue(ctx context.Context, now time.Time) (int, error) {
	overdue, err := t.docs.ListMissionsPastDeadline(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("list overdue missions: %w", err)
	}
	expired := 0
	for _, m := range overdue {
		m.Status = store.MissionExpired
		if err := t.docs.ReplaceMission(ctx, m); err != nil {
			t.logger.Error("expire mission", "mission_id", m.ID, "error", err)
			continue
		}
		expired++
		t.logger.Info("mission expired", "user_id", m.UserID, "mission_id", m.ID)
	}
	return expired, nil
}

// Active lists the user's active missions for display.
func (t *Tracker) Active(ctx context.Context, userID string) ([]*store.Mission, error) {
	missions, err := t.docs.ListMissions(ctx, userID, store.MissionActive)
	if err != nil {
		return nil, fmt.Errorf("list missions: %w", err)
	}
	return missions, nil
}

// TemplateTitle resolves a template id to its display title.
func (t *Tracker) TemplateTitle(templateID string) string {
	for _, tpl := range t.templates {
		if tpl.ID == templateID {
			return tpl.Title
		}
	}
	return templateID
}

func (t *Tracker) publish(ctx context.Context, eventType, userID string, m *store.Mission, progress int) {
	if t.pub == nil {
		return
	}
	ev, err := bus.NewEvent(eventType, userID, bus.MissionPayload{
		UserID: userID, MissionID: m.ID, Progress: progress, Reward: m.Reward,
	})
	if err != nil {
		return
	}
	_ = t.pub.Publish(ctx, ev)
}
