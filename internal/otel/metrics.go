package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all Narrabot metric instruments.
type Metrics struct {
	EventsPublished    metric.Int64Counter
	EventsDropped      metric.Int64Counter
	ReplayEnqueued     metric.Int64Counter
	ReplayDropped      metric.Int64Counter
	ReplayDrained      metric.Int64Counter
	DLQTotal           metric.Int64Counter
	HandlerRetries     metric.Int64Counter
	ReactionsRejected  metric.Int64Counter
	MenuDeletions      metric.Int64Counter
	MenuRateDeferred   metric.Int64Counter
	BreakerTransitions metric.Int64Counter
	RateLimitRejects   metric.Int64Counter
	ActiveMailboxes    metric.Int64UpDownCounter
	CommandDuration    metric.Float64Histogram
	StoreLatency       metric.Float64Histogram
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.EventsPublished, err = meter.Int64Counter("narrabot.bus.published",
		metric.WithDescription("Events accepted by the bus (remote or local queue)"),
	)
	if err != nil {
		return nil, err
	}

	m.EventsDropped, err = meter.Int64Counter("narrabot.bus.dropped",
		metric.WithDescription("Events dropped by a slow subscriber's bounded buffer"),
	)
	if err != nil {
		return nil, err
	}

	m.ReplayEnqueued, err = meter.Int64Counter("narrabot.replay.enqueued",
		metric.WithDescription("Events appended to the local replay queue"),
	)
	if err != nil {
		return nil, err
	}

	m.ReplayDropped, err = meter.Int64Counter("narrabot.replay.dropped",
		metric.WithDescription("Events evicted from a full replay queue (newest-wins)"),
	)
	if err != nil {
		return nil, err
	}

	m.ReplayDrained, err = meter.Int64Counter("narrabot.replay.drained",
		metric.WithDescription("Events republished from the replay queue after reconnect"),
	)
	if err != nil {
		return nil, err
	}

	m.DLQTotal, err = meter.Int64Counter("narrabot.dlq.total",
		metric.WithDescription("Events parked on the dead-letter queue"),
	)
	if err != nil {
		return nil, err
	}

	m.HandlerRetries, err = meter.Int64Counter("narrabot.handler.retries",
		metric.WithDescription("Subscriber handler retry attempts"),
	)
	if err != nil {
		return nil, err
	}

	m.ReactionsRejected, err = meter.Int64Counter("narrabot.reactions.rejected",
		metric.WithDescription("Reactions outside the channel/emoji allowlist"),
	)
	if err != nil {
		return nil, err
	}

	m.MenuDeletions, err = meter.Int64Counter("narrabot.menu.deletions",
		metric.WithDescription("Ephemeral messages deleted by the menu surface"),
	)
	if err != nil {
		return nil, err
	}

	m.MenuRateDeferred, err = meter.Int64Counter("narrabot.menu.rate_deferred",
		metric.WithDescription("Menu edits/deletes deferred by the per-chat rate limiter"),
	)
	if err != nil {
		return nil, err
	}

	m.BreakerTransitions, err = meter.Int64Counter("narrabot.breaker.transitions",
		metric.WithDescription("Circuit breaker state transitions"),
	)
	if err != nil {
		return nil, err
	}

	m.RateLimitRejects, err = meter.Int64Counter("narrabot.ratelimit.rejects",
		metric.WithDescription("API requests rejected by rate limiter"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveMailboxes, err = meter.Int64UpDownCounter("narrabot.coordinator.mailboxes",
		metric.WithDescription("Per-user mailboxes currently live in the coordinator"),
	)
	if err != nil {
		return nil, err
	}

	m.CommandDuration, err = meter.Float64Histogram("narrabot.command.duration",
		metric.WithDescription("End-to-end command processing duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.StoreLatency, err = meter.Float64Histogram("narrabot.store.latency",
		metric.WithDescription("Store operation latency in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
