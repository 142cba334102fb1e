package bus

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/basket/narrabot/internal/otel"
	"github.com/basket/narrabot/internal/shared"
	"github.com/basket/narrabot/internal/store"
)

const (
	publishRetries   = 3
	publishBackoff   = 100 * time.Millisecond
	handlerRetries   = 3
	handlerBackoff   = 100 * time.Millisecond
	subscriberBuffer = 256
)

// Handler consumes one event. A non-nil error triggers retry and,
// after the budget is spent, a dead-letter record.
type Handler func(ctx context.Context, ev *Event) error

// DeadLetters receives events whose handler exhausted its retries.
// Implemented by the document store.
type DeadLetters interface {
	InsertDeadLetter(ctx context.Context, d *store.DeadLetter) error
}

// Subscription is one registered handler with its bounded buffer.
type Subscription struct {
	id      int
	prefix  string
	ch      chan *Event
	handler Handler
}

// Options configure a Bus.
type Options struct {
	Client  redis.UniversalClient
	Queue   *ReplayQueue
	Logger  *slog.Logger
	Metrics *otel.Metrics
	DLQ     DeadLetters
	Source  string

	// TransportDown reports whether the transport breaker is OPEN.
	// Publishes during an outage go straight to the replay queue.
	TransportDown func() bool
}

// Bus publishes and subscribes over Redis pub/sub with a durable local
// fallback. Delivery is at-least-once; consumers key idempotency on the
// event id or a domain key in the payload.
type Bus struct {
	client        redis.UniversalClient
	queue         *ReplayQueue
	logger        *slog.Logger
	metrics       *otel.Metrics
	dlq           DeadLetters
	source        string
	transportDown func() bool

	mu     sync.RWMutex
	subs   map[int]*Subscription
	nextID int

	draining atomic.Bool
	wg       sync.WaitGroup
	runCtx   context.Context
	cancel   context.CancelFunc
	pubsub   *redis.PubSub
}

func New(opts Options) *Bus {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	source := opts.Source
	if source == "" {
		source = "narrabot"
	}
	return &Bus{
		client:        opts.Client,
		queue:         opts.Queue,
		logger:        logger.With("component", "bus"),
		metrics:       opts.Metrics,
		dlq:           opts.DLQ,
		source:        source,
		transportDown: opts.TransportDown,
		subs:          make(map[int]*Subscription),
	}
}

// Publish stamps the envelope and delivers it to the remote transport,
// falling back to the replay queue on failure. Returns nil once the
// event is accepted either way.
func (b *Bus) Publish(ctx context.Context, ev *Event) error {
	b.stamp(ctx, ev)

	if b.transportDown != nil && b.transportDown() {
		return b.enqueueLocal(ctx, ev)
	}

	raw, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt < publishRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoffDelay(publishBackoff, attempt-1)):
			}
		}
		if err := b.client.Publish(ctx, ev.Channel(), raw).Err(); err != nil {
			lastErr = err
			continue
		}
		if b.metrics != nil {
			b.metrics.EventsPublished.Add(ctx, 1)
		}
		return nil
	}

	b.logger.Warn("publish failed, queuing locally",
		"event_type", ev.Type, "event_id", ev.ID, "error", lastErr)
	return b.enqueueLocal(ctx, ev)
}

func (b *Bus) stamp(ctx context.Context, ev *Event) {
	if ev.ID == "" {
		ev.ID = shared.NewCorrelationID()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if ev.CorrelationID == "" {
		if cid := shared.CorrelationID(ctx); cid != "" {
			ev.CorrelationID = cid
		} else {
			ev.CorrelationID = shared.NewCorrelationID()
		}
	}
	if ev.Source == "" {
		ev.Source = b.source
	}
}

func (b *Bus) enqueueLocal(ctx context.Context, ev *Event) error {
	if b.queue == nil {
		return nil
	}
	before := b.queue.Dropped()
	if err := b.queue.Append(ev); err != nil {
		return err
	}
	if b.metrics != nil {
		b.metrics.ReplayEnqueued.Add(ctx, 1)
		if evicted := b.queue.Dropped() - before; evicted > 0 {
			b.metrics.ReplayDropped.Add(ctx, evicted)
		}
	}
	return nil
}

// backoffDelay returns base * 2^attempt with ±25% jitter.
func backoffDelay(base time.Duration, attempt int) time.Duration {
	d := base << uint(attempt)
	jitter := time.Duration(rand.Int64N(int64(d) / 2))
	return d - d/4 + jitter
}

// Subscribe registers a handler for events whose type matches the
// prefix (empty matches all). Each subscription gets its own bounded
// buffer and worker; slow consumers drop, they never block the bus.
func (b *Bus) Subscribe(prefix string, h Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:      b.nextID,
		prefix:  prefix,
		ch:      make(chan *Event, subscriberBuffer),
		handler: h,
	}
	b.subs[sub.id] = sub

	b.wg.Add(1)
	go b.worker(sub)
	return sub
}

// Unsubscribe removes a subscription and closes its buffer.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

func (b *Bus) worker(sub *Subscription) {
	defer b.wg.Done()
	for ev := range sub.ch {
		b.deliver(sub, ev)
	}
}

func (b *Bus) deliver(sub *Subscription, ev *Event) {
	ctx := shared.WithCorrelationID(context.Background(), ev.CorrelationID)
	if ev.UserID != "" {
		ctx = shared.WithUserID(ctx, ev.UserID)
	}

	var lastErr error
	for attempt := 0; attempt < handlerRetries; attempt++ {
		if attempt > 0 {
			if b.metrics != nil {
				b.metrics.HandlerRetries.Add(ctx, 1)
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoffDelay(handlerBackoff, attempt-1)):
			}
		}
		if err := sub.handler(ctx, ev); err != nil {
			lastErr = err
			continue
		}
		return
	}

	b.logger.Error("handler exhausted retries, dead-lettering",
		"event_type", ev.Type, "event_id", ev.ID, "error", lastErr)
	b.deadLetter(ctx, ev, lastErr.Error(), handlerRetries)
}

func (b *Bus) deadLetter(ctx context.Context, ev *Event, reason string, attempts int) {
	if b.dlq == nil {
		return
	}
	raw, _ := json.Marshal(ev)
	err := b.dlq.InsertDeadLetter(ctx, &store.DeadLetter{
		EventID:   ev.ID,
		EventType: ev.Type,
		Raw:       raw,
		Error:     reason,
		Attempts:  attempts,
		At:        time.Now().UTC(),
	})
	if err != nil && err != store.ErrDuplicate {
		b.logger.Error("dead-letter insert failed", "event_id", ev.ID, "error", err)
		return
	}
	if err == nil && b.metrics != nil {
		b.metrics.DLQTotal.Add(ctx, 1)
	}
}

// Run subscribes to the wildcard channel and fans inbound events out to
// local subscriptions until the context is cancelled.
func (b *Bus) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	b.runCtx = runCtx
	b.cancel = cancel

	b.pubsub = b.client.PSubscribe(runCtx, ChannelPrefix+"*")
	if _, err := b.pubsub.Receive(runCtx); err != nil {
		cancel()
		return err
	}

	ch := b.pubsub.Channel()
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			select {
			case <-runCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				b.dispatch(runCtx, msg.Payload)
			}
		}
	}()
	return nil
}

func (b *Bus) dispatch(ctx context.Context, payload string) {
	var ev Event
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		b.logger.Error("undecodable event on the wire", "error", err)
		return
	}
	if !KnownType(ev.Type) {
		b.logger.Warn("unknown event type, dead-lettering", "event_type", ev.Type, "event_id", ev.ID)
		b.deadLetter(ctx, &ev, "unknown event type", 0)
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if sub.prefix != "" && !strings.HasPrefix(ev.Type, sub.prefix) {
			continue
		}
		select {
		case sub.ch <- &ev:
		default:
			if b.metrics != nil {
				b.metrics.EventsDropped.Add(ctx, 1)
			}
			b.logger.Warn("subscriber buffer full, dropping event",
				"event_type", ev.Type, "event_id", ev.ID)
		}
	}
}

// NotifyTransportHealthy starts a drain of the replay queue. Called by
// the breaker probe when the transport closes again; concurrent calls
// coalesce into one drain.
func (b *Bus) NotifyTransportHealthy(ctx context.Context) {
	if b.queue == nil || b.queue.Len() == 0 {
		return
	}
	if !b.draining.CompareAndSwap(false, true) {
		return
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer b.draining.Store(false)

		n, err := b.queue.Drain(func(ev *Event) error {
			raw, merr := json.Marshal(ev)
			if merr != nil {
				return merr
			}
			return b.client.Publish(ctx, ev.Channel(), raw).Err()
		})
		if b.metrics != nil && n > 0 {
			b.metrics.ReplayDrained.Add(ctx, int64(n))
			b.metrics.EventsPublished.Add(ctx, int64(n))
		}
		if err != nil {
			b.logger.Warn("replay drain interrupted", "drained", n, "remaining", b.queue.Len(), "error", err)
			return
		}
		if n > 0 {
			b.logger.Info("replay queue drained", "drained", n)
		}
	}()
}

// QueueDepth returns the replay queue length, zero without a queue.
func (b *Bus) QueueDepth() int {
	if b.queue == nil {
		return 0
	}
	return b.queue.Len()
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close stops the fan-out loop and waits for workers to finish their
// in-flight events.
func (b *Bus) Close() error {
	if b.cancel != nil {
		b.cancel()
	}
	var err error
	if b.pubsub != nil {
		err = b.pubsub.Close()
	}
	b.mu.Lock()
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
	b.mu.Unlock()
	b.wg.Wait()
	return err
}
