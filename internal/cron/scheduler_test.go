package cron

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/basket/narrabot/internal/bus"
	"github.com/basket/narrabot/internal/coordinator"
	"github.com/basket/narrabot/internal/ledger"
	"github.com/basket/narrabot/internal/menu"
	"github.com/basket/narrabot/internal/mission"
	"github.com/basket/narrabot/internal/store"
	"github.com/basket/narrabot/internal/user"
)

type capturePub struct {
	mu     sync.Mutex
	events []*bus.Event
}

func (p *capturePub) Publish(_ context.Context, ev *bus.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *capturePub) countOf(eventType string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, ev := range p.events {
		if ev.Type == eventType {
			n++
		}
	}
	return n
}

type fakePoster struct {
	mu   sync.Mutex
	sent []menu.Message
}

func (f *fakePoster) Send(_ context.Context, _ int64, msg menu.Message) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return len(f.sent), nil
}

func (f *fakePoster) Edit(context.Context, int64, int, menu.Message) error { return nil }
func (f *fakePoster) Delete(context.Context, int64, int) error            { return nil }

func TestSweepSubscriptionsExpiresAndAnnounces(t *testing.T) {
	rel, err := store.OpenRelational(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open relational: %v", err)
	}
	t.Cleanup(func() { _ = rel.Close() })

	docs := store.NewMemory()
	users := user.NewRegistry(docs, rel, nil, nil)
	ctx := context.Background()

	u, err := users.Create(ctx, 1, "Ana", "es")
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	past := time.Now().UTC().Add(-time.Hour)
	if _, err := rel.ActivateSubscription(ctx, u.InternalID(), store.PlanVIP,
		past.Add(-24*time.Hour), &past); err != nil {
		t.Fatalf("activate: %v", err)
	}

	pub := &capturePub{}
	s := NewScheduler(Config{Rel: rel, Pub: pub})
	s.SweepSubscriptions(ctx, time.Now().UTC())

	if pub.countOf(bus.TypeSubscriptionExpired) != 1 {
		t.Fatalf("expiry events = %d, want 1", pub.countOf(bus.TypeSubscriptionExpired))
	}
	if _, err := rel.ActiveSubscription(ctx, u.InternalID()); err == nil {
		t.Fatal("subscription still active after sweep")
	}

	// Idempotent: a second sweep finds nothing.
	s.SweepSubscriptions(ctx, time.Now().UTC())
	if pub.countOf(bus.TypeSubscriptionExpired) != 1 {
		t.Fatal("second sweep re-announced the expiry")
	}
}

func TestSweepPostsPublishesDueOnly(t *testing.T) {
	docs := store.NewMemory()
	ctx := context.Background()
	now := time.Now().UTC()

	posts := []*store.ScheduledPost{
		{ID: "p-due", ChannelID: -100, Body: "Capítulo nuevo", PublishAt: now.Add(-time.Minute), Status: store.PostPending},
		{ID: "p-later", ChannelID: -100, Body: "Todavía no", PublishAt: now.Add(time.Hour), Status: store.PostPending},
	}
	for _, p := range posts {
		if err := docs.InsertScheduledPost(ctx, p); err != nil {
			t.Fatalf("seed post: %v", err)
		}
	}

	poster := &fakePoster{}
	pub := &capturePub{}
	s := NewScheduler(Config{
		Docs: docs, Poster: poster, Pub: pub,
		ReactionEmojis: []string{"🔥", "❤️"},
	})
	s.SweepPosts(ctx, now)

	if len(poster.sent) != 1 {
		t.Fatalf("posts sent = %d, want 1", len(poster.sent))
	}
	msg := poster.sent[0]
	if msg.Text != "Capítulo nuevo" {
		t.Fatalf("post body = %q", msg.Text)
	}
	if len(msg.Buttons) != 1 || len(msg.Buttons[0]) != 2 || msg.Buttons[0][0].Data != "react:🔥" {
		t.Fatalf("reaction buttons = %+v", msg.Buttons)
	}
	if pub.countOf(bus.TypePostPublished) != 1 {
		t.Fatalf("post events = %d, want 1", pub.countOf(bus.TypePostPublished))
	}

	// Published posts do not go out again.
	s.SweepPosts(ctx, now)
	if len(poster.sent) != 1 {
		t.Fatal("published post re-sent")
	}
}

func TestSweepMissionsExpiresOverdue(t *testing.T) {
	docs := store.NewMemory()
	ctx := context.Background()
	past := time.Now().UTC().Add(-time.Hour)

	m := &store.Mission{
		ID: "m1", UserID: "u1", TemplateID: "reaction_in_main_channel",
		Progress: map[string]int{"reactions": 1}, Goal: 3,
		Status: store.MissionActive, AssignedAt: past.Add(-24 * time.Hour), Deadline: &past,
	}
	if err := docs.InsertMission(ctx, m); err != nil {
		t.Fatalf("seed mission: %v", err)
	}

	tracker := mission.NewTracker(docs, ledger.New(docs, nil, nil), nil, nil)
	s := NewScheduler(Config{Docs: docs, Missions: tracker})
	s.SweepMissions(ctx, time.Now().UTC())

	got, err := docs.ListMissions(ctx, "u1", store.MissionExpired)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expired missions = %d, want 1", len(got))
	}
}

func TestSweepJournalArchivesAndPurges(t *testing.T) {
	docs := store.NewMemory()
	ctx := context.Background()
	now := time.Now().UTC()

	entries := []*store.JournalEntry{
		{WorkflowID: "w-old-done", UserID: "u1", Status: store.JournalCompleted,
			CreatedAt: now.Add(-48 * time.Hour), UpdatedAt: now.Add(-48 * time.Hour)},
		{WorkflowID: "w-fresh-done", UserID: "u1", Status: store.JournalCompleted,
			CreatedAt: now, UpdatedAt: now},
		{WorkflowID: "w-ancient", UserID: "u2", Status: store.JournalArchived,
			CreatedAt: now.Add(-30 * 24 * time.Hour), UpdatedAt: now.Add(-30 * 24 * time.Hour)},
	}
	for _, e := range entries {
		if err := docs.UpsertJournal(ctx, e); err != nil {
			t.Fatalf("seed journal: %v", err)
		}
	}

	s := NewScheduler(Config{Docs: docs, Journal: coordinator.NewJournal(docs, nil)})
	s.SweepJournal(ctx, now)

	archived, _ := docs.ListJournal(ctx, store.JournalArchived)
	if len(archived) != 1 || archived[0].WorkflowID != "w-old-done" {
		t.Fatalf("archived = %+v", archived)
	}
	completed, _ := docs.ListJournal(ctx, store.JournalCompleted)
	if len(completed) != 1 || completed[0].WorkflowID != "w-fresh-done" {
		t.Fatalf("completed = %+v", completed)
	}
}
