// Package cron runs the periodic maintenance sweeps: subscription
// expiry, scheduled channel posts, mission deadlines, and journal
// archival.
package cron

import (
	"context"
	"log/slog"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/narrabot/internal/bus"
	"github.com/basket/narrabot/internal/coordinator"
	"github.com/basket/narrabot/internal/menu"
	"github.com/basket/narrabot/internal/mission"
	"github.com/basket/narrabot/internal/store"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Sweep schedules. Journal archival runs off-peak.
const (
	specEveryMinute = "* * * * *"
	specMissions    = "*/5 * * * *"
	specJournal     = "0 3 * * *"

	journalArchiveAfter = 24 * time.Hour
	journalPurgeAfter   = 7 * 24 * time.Hour
)

// Publisher is the slice of the bus the sweeps need.
type Publisher interface {
	Publish(ctx context.Context, ev *bus.Event) error
}

// Config holds the sweep dependencies.
type Config struct {
	Rel      *store.Relational
	Docs     store.Documents
	Missions *mission.Tracker
	Journal  *coordinator.Journal
	Poster   menu.Transport
	Pub      Publisher
	Logger   *slog.Logger

	// ReactionEmojis decorate published channel posts with reaction
	// buttons. Empty means posts go out bare.
	ReactionEmojis []string
}

// Scheduler owns the cron entries and runs each sweep on its schedule.
type Scheduler struct {
	cfg    Config
	logger *slog.Logger
	cron   *cronlib.Cron
}

func NewScheduler(cfg Config) *Scheduler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cfg:    cfg,
		logger: logger.With("component", "cron"),
		cron:   cronlib.New(cronlib.WithParser(cronParser)),
	}
}

// Start registers the sweeps and begins ticking. The context bounds
// every sweep run.
func (s *Scheduler) Start(ctx context.Context) error {
	add := func(spec string, name string, fn func(ctx context.Context, now time.Time)) error {
		_, err := s.cron.AddFunc(spec, func() {
			runCtx, cancel := context.WithTimeout(ctx, time.Minute)
			defer cancel()
			fn(runCtx, time.Now().UTC())
		})
		if err != nil {
			s.logger.Error("register sweep", "sweep", name, "error", err)
		}
		return err
	}

	if err := add(specEveryMinute, "subscriptions", s.SweepSubscriptions); err != nil {
		return err
	}
	if err := add(specEveryMinute, "posts", s.SweepPosts); err != nil {
		return err
	}
	if err := add(specMissions, "missions", s.SweepMissions); err != nil {
		return err
	}
	if err := add(specJournal, "journal", s.SweepJournal); err != nil {
		return err
	}

	s.cron.Start()
	s.logger.Info("cron scheduler started")
	return nil
}

// Stop halts the ticker and waits for running sweeps.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("cron scheduler stopped")
}

// SweepSubscriptions expires overdue subscriptions and announces each
// expiry on the bus.
func (s *Scheduler) SweepSubscriptions(ctx context.Context, now time.Time) {
	expired, err := s.cfg.Rel.ExpireDueSubscriptions(ctx, now)
	if err != nil {
		s.logger.Error("expire subscriptions", "error", err)
		return
	}
	for _, sub := range expired {
		s.logger.Info("subscription expired",
			"user_id", sub.UserID, "plan", sub.Plan)
		if s.cfg.Pub == nil {
			continue
		}
		ev, err := bus.NewEvent(bus.TypeSubscriptionExpired, sub.UserID,
			bus.SubscriptionPayload{UserID: sub.UserID, Plan: sub.Plan, Until: sub.EndAt})
		if err != nil {
			continue
		}
		_ = s.cfg.Pub.Publish(ctx, ev)
	}
}

// SweepPosts publishes due scheduled posts to their channels. Posts
// carry reaction buttons so channel engagement feeds the mission gate.
func (s *Scheduler) SweepPosts(ctx context.Context, now time.Time) {
	due, err := s.cfg.Docs.ListDuePosts(ctx, now)
	if err != nil {
		s.logger.Error("list due posts", "error", err)
		return
	}
	for _, p := range due {
		msg := menu.Message{Text: p.Body, Buttons: s.reactionButtons()}
		if _, err := s.cfg.Poster.Send(ctx, p.ChannelID, msg); err != nil {
			s.logger.Error("publish post",
				"post_id", p.ID, "channel_id", p.ChannelID, "error", err)
			continue
		}
		if err := s.cfg.Docs.MarkPostPublished(ctx, p.ID, now); err != nil {
			// The post went out; a failed mark means it may go out again
			// next tick. Surface loudly.
			s.logger.Error("mark post published", "post_id", p.ID, "error", err)
			continue
		}
		s.logger.Info("post published", "post_id", p.ID, "channel_id", p.ChannelID)

		if s.cfg.Pub != nil {
			ev, err := bus.NewEvent(bus.TypePostPublished, "", bus.PostPayload{
				PostID: p.ID, ChannelID: p.ChannelID, PublishAt: p.PublishAt,
			})
			if err == nil {
				_ = s.cfg.Pub.Publish(ctx, ev)
			}
		}
	}
}

func (s *Scheduler) reactionButtons() [][]menu.Button {
	if len(s.cfg.ReactionEmojis) == 0 {
		return nil
	}
	row := make([]menu.Button, 0, len(s.cfg.ReactionEmojis))
	for _, emoji := range s.cfg.ReactionEmojis {
		row = append(row, menu.Button{Label: emoji, Data: "react:" + emoji})
	}
	return [][]menu.Button{row}
}

// SweepMissions expires active missions past their deadline.
func (s *Scheduler) SweepMissions(ctx context.Context, now time.Time) {
	expired, err := s.cfg.Missions.ExpireOverdue(ctx, now)
	if err != nil {
		s.logger.Error("expire missions", "error", err)
		return
	}
	if expired > 0 {
		s.logger.Info("missions expired", "count", expired)
	}
}

// SweepJournal archives settled workflow entries and purges old
// archives so the journal stays replayable in bounded time.
func (s *Scheduler) SweepJournal(ctx context.Context, now time.Time) {
	archived, err := s.cfg.Journal.ArchiveCompleted(ctx, now.Add(-journalArchiveAfter))
	if err != nil {
		s.logger.Error("archive journal", "error", err)
	}
	purged, err := s.cfg.Journal.PurgeArchived(ctx, now.Add(-journalPurgeAfter))
	if err != nil {
		s.logger.Error("purge journal", "error", err)
	}
	if archived > 0 || purged > 0 {
		s.logger.Info("journal swept", "archived", archived, "purged", purged)
	}
}
