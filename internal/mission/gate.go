package mission

import (
	"context"
	"log/slog"
	"sync"

	"github.com/basket/narrabot/internal/bus"
	"github.com/basket/narrabot/internal/config"
	"github.com/basket/narrabot/internal/otel"
)

// Gate filters channel reactions through the configured allowlists.
// Reactions outside the lists drop silently; nothing is sent back to
// the reacting user. Allowlists swap atomically on config reload.
type Gate struct {
	mu       sync.RWMutex
	channels map[int64]struct{}
	emojis   map[string]struct{}

	pub     Publisher
	logger  *slog.Logger
	metrics *otel.Metrics
}

func NewGate(cfg config.ReactionsConfig, pub Publisher, metrics *otel.Metrics, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gate{
		pub:     pub,
		metrics: metrics,
		logger:  logger.With("component", "reaction_gate"),
	}
	g.Update(cfg)
	return g
}

// Update swaps the allowlists. Safe to call while observations run.
func (g *Gate) Update(cfg config.ReactionsConfig) {
	channels := make(map[int64]struct{}, len(cfg.ChannelIDsAllowed))
	for _, id := range cfg.ChannelIDsAllowed {
		channels[id] = struct{}{}
	}
	emojis := make(map[string]struct{}, len(cfg.EmojisAllowed))
	for _, e := range cfg.EmojisAllowed {
		emojis[e] = struct{}{}
	}

	g.mu.Lock()
	g.channels = channels
	g.emojis = emojis
	g.mu.Unlock()
}

// Observe validates one reaction and emits reaction_observed when it
// passes both allowlists. Returns whether the reaction counted.
func (g *Gate) Observe(ctx context.Context, userID string, channelID int64, emoji string, sourceMessageID int) bool {
	g.mu.RLock()
	_, chanOK := g.channels[channelID]
	_, emojiOK := g.emojis[emoji]
	g.mu.RUnlock()

	if !chanOK || !emojiOK {
		if g.metrics != nil {
			g.metrics.ReactionsRejected.Add(ctx, 1)
		}
		g.logger.Debug("reaction rejected",
			"user_id", userID, "channel_id", channelID, "emoji", emoji,
			"channel_allowed", chanOK, "emoji_allowed", emojiOK)
		return false
	}

	if g.pub != nil {
		ev, err := bus.NewEvent(bus.TypeReactionObserved, userID, bus.ReactionPayload{
			UserID: userID, ChannelID: channelID, Emoji: emoji, SourceMessageID: sourceMessageID,
		})
		if err == nil {
			_ = g.pub.Publish(ctx, ev)
		}
	}
	return true
}
