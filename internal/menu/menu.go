package menu

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/narrabot/internal/otel"
	"github.com/basket/narrabot/internal/store"
)

// Message kinds and their ephemeral TTLs. The main menu never expires.
const (
	KindMainMenu      = "main_menu"
	KindNotification  = "notification"
	KindError         = "error"
	KindSuccess       = "success"
	KindLoading       = "loading"
	KindEphemeralInfo = "ephemeral_info"
	KindResponse      = "response"
)

var ttlSeconds = map[string]int{
	KindMainMenu:      -1,
	KindNotification:  5,
	KindError:         10,
	KindSuccess:       3,
	KindLoading:       2,
	KindEphemeralInfo: 8,
	KindResponse:      6,
}

// TTLFor returns the tracking TTL for a message kind, in seconds.
// Unknown kinds fall back to the response TTL.
func TTLFor(kind string) int {
	if ttl, ok := ttlSeconds[kind]; ok {
		return ttl
	}
	return ttlSeconds[KindResponse]
}

const (
	cleanupInterval = 2 * time.Second
	deleteRetries   = 2
	deleteRetryWait = 500 * time.Millisecond
)

// ErrMessageNotFound is returned by transports when the target message
// no longer exists (deleted by the user or by Telegram).
var ErrMessageNotFound = errors.New("message not found")

// Button is one inline keyboard button; Data is the callback payload.
type Button struct {
	Label string
	Data  string
}

// Message is the transport-agnostic render payload.
type Message struct {
	Text    string
	Buttons [][]Button
}

// Transport is the outbound chat surface. Implemented by the Telegram
// adapter and by test fakes.
type Transport interface {
	Send(ctx context.Context, chatID int64, msg Message) (messageID int, err error)
	Edit(ctx context.Context, chatID int64, messageID int, msg Message) error
	Delete(ctx context.Context, chatID int64, messageID int) error
}

type tracked struct {
	kind     string
	expiry   time.Time // zero when the message never expires
	sentAt   time.Time
	mainMenu bool
}

// chatState serializes all surface mutations for one chat.
type chatState struct {
	mu         sync.Mutex
	mainMenuID int
	ephemerals map[int]*tracked
	bucket     *tokenBucket
	deferred   []func(ctx context.Context)
}

// Manager owns the chat-cleanliness state machine: one persistent main
// menu per chat, edited in place, plus TTL-tracked ephemerals swept
// every two seconds. Edits and deletes pass a per-chat token bucket;
// overflow work is deferred to the sweep rather than dropped.
type Manager struct {
	transport Transport
	docs      store.Documents

	mu    sync.Mutex
	chats map[int64]*chatState

	editsPerMinute int
	cleanupEvery   time.Duration
	logger         *slog.Logger
	metrics        *otel.Metrics
}

func NewManager(transport Transport, docs store.Documents, editsPerMinute int, metrics *otel.Metrics, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if editsPerMinute <= 0 {
		editsPerMinute = 20
	}
	return &Manager{
		transport:      transport,
		docs:           docs,
		chats:          make(map[int64]*chatState),
		editsPerMinute: editsPerMinute,
		cleanupEvery:   cleanupInterval,
		logger:         logger.With("component", "menu"),
		metrics:        metrics,
	}
}

// SetCleanupInterval overrides the sweep cadence. Call before Run.
func (m *Manager) SetCleanupInterval(d time.Duration) {
	if d > 0 {
		m.cleanupEvery = d
	}
}

func (m *Manager) chat(chatID int64) *chatState {
	m.mu.Lock()
	defer m.mu.Unlock()
	cs, ok := m.chats[chatID]
	if !ok {
		cs = &chatState{
			ephemerals: make(map[int]*tracked),
			bucket:     newTokenBucket(m.editsPerMinute, m.editsPerMinute),
		}
		m.chats[chatID] = cs
	}
	return cs
}

// RenderMenu puts the menu on screen, editing the existing main-menu
// message in place when possible. When the edit fails because the
// message is gone, a fresh message is sent, recorded as the main menu,
// and the stale one is deleted. A successful render also evicts the
// chat's tracked ephemerals so the surface stays clean.
func (m *Manager) RenderMenu(ctx context.Context, chatID int64, msg Message) error {
	cs := m.chat(chatID)
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if !cs.bucket.allow() {
		cs.deferred = append(cs.deferred, func(ctx context.Context) {
			if err := m.renderLocked(ctx, chatID, cs, msg); err != nil {
				m.logger.Warn("deferred menu render failed", "chat_id", chatID, "error", err)
			}
		})
		if m.metrics != nil {
			m.metrics.MenuRateDeferred.Add(ctx, 1)
		}
		return nil
	}
	return m.renderLocked(ctx, chatID, cs, msg)
}

// renderLocked does the actual render. Caller holds cs.mu and has
// spent a rate token.
func (m *Manager) renderLocked(ctx context.Context, chatID int64, cs *chatState, msg Message) error {
	if cs.mainMenuID != 0 {
		err := m.transport.Edit(ctx, chatID, cs.mainMenuID, msg)
		if err == nil {
			m.evictEphemeralsLocked(ctx, chatID, cs)
			return nil
		}
		if !errors.Is(err, ErrMessageNotFound) {
			return err
		}
	}

	id, err := m.transport.Send(ctx, chatID, msg)
	if err != nil {
		return err
	}
	// Drop the stale tracking row before recording the replacement, so
	// a crash in between never leaves two main-menu rows to rehydrate.
	oldID := cs.mainMenuID
	if oldID != 0 {
		m.forgetTracked(ctx, chatID, oldID)
	}
	cs.mainMenuID = id
	m.persistTracked(ctx, chatID, id, KindMainMenu, true)

	if oldID != 0 {
		m.deleteLater(ctx, chatID, cs, oldID)
	}
	m.evictEphemeralsLocked(ctx, chatID, cs)
	return nil
}

// SendEphemeral sends a short-lived message and tracks it for the TTL
// of its kind. Returns the message id so callers can reference it.
func (m *Manager) SendEphemeral(ctx context.Context, chatID int64, kind, text string) (int, error) {
	return m.SendEphemeralMsg(ctx, chatID, kind, Message{Text: text})
}

// SendEphemeralMsg is SendEphemeral for messages that carry buttons.
func (m *Manager) SendEphemeralMsg(ctx context.Context, chatID int64, kind string, msg Message) (int, error) {
	id, err := m.transport.Send(ctx, chatID, msg)
	if err != nil {
		return 0, err
	}

	now := time.Now()
	tr := &tracked{kind: kind, sentAt: now}
	if ttl := TTLFor(kind); ttl >= 0 {
		tr.expiry = now.Add(time.Duration(ttl) * time.Second)
	}

	cs := m.chat(chatID)
	cs.mu.Lock()
	cs.ephemerals[id] = tr
	cs.mu.Unlock()

	m.persistTracked(ctx, chatID, id, kind, false)
	return id, nil
}

// OnUserCommand sweeps the chat's due ephemerals before the command is
// dispatched, so stale notices never sit above fresh output.
func (m *Manager) OnUserCommand(ctx context.Context, chatID int64) {
	m.cleanupChat(ctx, chatID, m.chat(chatID), time.Now())
}

// Run drives the periodic cleanup until the context ends.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cleanupEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			m.TickCleanup(ctx, now)
		}
	}
}

// TickCleanup deletes expired ephemerals and drains deferred work in
// every chat.
func (m *Manager) TickCleanup(ctx context.Context, now time.Time) {
	m.mu.Lock()
	ids := make([]int64, 0, len(m.chats))
	states := make([]*chatState, 0, len(m.chats))
	for id, cs := range m.chats {
		ids = append(ids, id)
		states = append(states, cs)
	}
	m.mu.Unlock()

	for i, cs := range states {
		m.cleanupChat(ctx, ids[i], cs, now)
	}
}

func (m *Manager) cleanupChat(ctx context.Context, chatID int64, cs *chatState, now time.Time) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	// Deferred edits/deletes drain first; they were promised earlier.
	for len(cs.deferred) > 0 && cs.bucket.allow() {
		job := cs.deferred[0]
		cs.deferred = cs.deferred[1:]
		job(ctx)
	}

	for id, tr := range cs.ephemerals {
		if tr.expiry.IsZero() || now.Before(tr.expiry) {
			continue
		}
		delete(cs.ephemerals, id)
		m.deleteLater(ctx, chatID, cs, id)
		m.forgetTracked(ctx, chatID, id)
	}
}

// evictEphemeralsLocked removes every tracked ephemeral regardless of
// TTL. Caller holds cs.mu.
func (m *Manager) evictEphemeralsLocked(ctx context.Context, chatID int64, cs *chatState) {
	for id := range cs.ephemerals {
		delete(cs.ephemerals, id)
		m.deleteLater(ctx, chatID, cs, id)
		m.forgetTracked(ctx, chatID, id)
	}
}

// allow consumes a rate token or defers the job to the next sweep.
// Caller holds cs.mu.
func (m *Manager) allow(ctx context.Context, cs *chatState, job func(ctx context.Context)) bool {
	if cs.bucket.allow() {
		return true
	}
	cs.deferred = append(cs.deferred, job)
	if m.metrics != nil {
		m.metrics.MenuRateDeferred.Add(ctx, 1)
	}
	return false
}

// deleteLater issues a transport delete through the rate gate, retrying
// a transient failure twice and then forgetting the message. Caller
// holds cs.mu; the actual delete runs without it.
func (m *Manager) deleteLater(ctx context.Context, chatID int64, cs *chatState, messageID int) {
	run := func(ctx context.Context) {
		go m.deleteWithRetry(context.WithoutCancel(ctx), chatID, messageID)
	}
	if m.allow(ctx, cs, run) {
		run(ctx)
	}
}

func (m *Manager) deleteWithRetry(ctx context.Context, chatID int64, messageID int) {
	var err error
	for attempt := 0; attempt <= deleteRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(deleteRetryWait):
			}
		}
		err = m.transport.Delete(ctx, chatID, messageID)
		if err == nil || errors.Is(err, ErrMessageNotFound) {
			if m.metrics != nil {
				m.metrics.MenuDeletions.Add(ctx, 1)
			}
			return
		}
	}
	// The message outlived its welcome; leave it rather than loop.
	m.logger.Warn("message delete abandoned",
		"chat_id", chatID, "message_id", messageID, "error", err)
}

// Rehydrate rebuilds the in-memory tracking from the document store
// after a restart. Ephemerals resume their remaining TTL; those already
// expired are swept on the next tick.
func (m *Manager) Rehydrate(ctx context.Context) (int, error) {
	if m.docs == nil {
		return 0, nil
	}
	msgs, err := m.docs.ListAllTracked(ctx)
	if err != nil {
		return 0, err
	}
	for _, tm := range msgs {
		cs := m.chat(tm.ChatID)
		cs.mu.Lock()
		if tm.IsMainMenu {
			cs.mainMenuID = tm.MessageID
		} else {
			tr := &tracked{kind: tm.Kind, sentAt: tm.CreatedAt, mainMenu: false}
			if tm.TTLSeconds >= 0 {
				tr.expiry = tm.CreatedAt.Add(time.Duration(tm.TTLSeconds) * time.Second)
			}
			cs.ephemerals[tm.MessageID] = tr
		}
		cs.mu.Unlock()
	}
	return len(msgs), nil
}

// MainMenuID reports the chat's current main-menu message id, 0 if none.
func (m *Manager) MainMenuID(chatID int64) int {
	cs := m.chat(chatID)
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.mainMenuID
}

// EphemeralCount reports how many ephemerals are tracked for a chat.
func (m *Manager) EphemeralCount(chatID int64) int {
	cs := m.chat(chatID)
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return len(cs.ephemerals)
}

func (m *Manager) persistTracked(ctx context.Context, chatID int64, messageID int, kind string, mainMenu bool) {
	if m.docs == nil {
		return
	}
	err := m.docs.InsertTracked(ctx, &store.TrackedMessage{
		ChatID:     chatID,
		MessageID:  messageID,
		Kind:       kind,
		CreatedAt:  time.Now().UTC(),
		TTLSeconds: TTLFor(kind),
		IsMainMenu: mainMenu,
	})
	if err != nil && !errors.Is(err, store.ErrDuplicate) {
		m.logger.Warn("persist tracked message",
			"chat_id", chatID, "message_id", messageID, "error", err)
	}
}

func (m *Manager) forgetTracked(ctx context.Context, chatID int64, messageID int) {
	if m.docs == nil {
		return
	}
	err := m.docs.DeleteTracked(ctx, chatID, messageID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		m.logger.Warn("forget tracked message",
			"chat_id", chatID, "message_id", messageID, "error", err)
	}
}
