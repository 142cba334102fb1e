package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/basket/narrabot/internal/audit"
	"github.com/basket/narrabot/internal/bus"
	"github.com/basket/narrabot/internal/otel"
	"github.com/basket/narrabot/internal/shared"
	"github.com/basket/narrabot/internal/store"
)

const (
	mailboxBuffer = 64
	// mailboxIdle is how long an empty mailbox lingers before its worker
	// exits. Events for a returning user start a fresh worker.
	mailboxIdle = 2 * time.Minute
	// orderWindow bounds how long an out-of-sequence event waits for its
	// predecessor before being processed anyway.
	orderWindow = 30 * time.Second
	// Mailbox handlers get the same retry budget the bus gives inline
	// ones; exhaustion dead-letters the event.
	mailboxRetries   = 3
	mailboxRetryWait = 100 * time.Millisecond
)

// HandlerFunc processes one event inside a user's serial lane.
type HandlerFunc func(ctx context.Context, ev *bus.Event) error

// Coordinator fans events into per-user mailboxes, each drained by a
// single worker, so all handlers for one user run serially while
// different users proceed in parallel. Events without a user id run
// inline on the dispatching goroutine.
type Coordinator struct {
	handlers map[string][]HandlerFunc

	mu      sync.Mutex
	boxes   map[string]*mailbox
	started bool
	closed  bool

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	window    time.Duration
	idle      time.Duration
	retryWait time.Duration
	dlq       bus.DeadLetters
	logger    *slog.Logger
	metrics   *otel.Metrics
}

func New(metrics *otel.Metrics, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		handlers:  make(map[string][]HandlerFunc),
		boxes:     make(map[string]*mailbox),
		baseCtx:   ctx,
		cancel:    cancel,
		window:    orderWindow,
		idle:      mailboxIdle,
		retryWait: mailboxRetryWait,
		logger:    logger.With("component", "coordinator"),
		metrics:   metrics,
	}
}

// SetDeadLetters wires the sink for events whose mailbox handlers
// exhaust their retries. Call before the first Dispatch.
func (c *Coordinator) SetDeadLetters(d bus.DeadLetters) {
	c.dlq = d
}

// On registers a handler for an event type. Must be called before the
// first Dispatch; the table is read without locking afterwards.
func (c *Coordinator) On(eventType string, h HandlerFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		panic("coordinator: On called after Dispatch")
	}
	c.handlers[eventType] = append(c.handlers[eventType], h)
}

// Dispatch routes one event. It is the bus subscription handler.
func (c *Coordinator) Dispatch(ctx context.Context, ev *bus.Event) error {
	if len(c.handlers[ev.Type]) == 0 {
		return nil
	}
	if ev.UserID == "" {
		return c.process(ctx, ev)
	}

	box, err := c.mailboxFor(ev.UserID)
	if err != nil {
		return err
	}
	select {
	case box.ch <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.baseCtx.Done():
		return c.baseCtx.Err()
	}
}

func (c *Coordinator) mailboxFor(userID string) (*mailbox, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, fmt.Errorf("coordinator closed")
	}
	c.started = true

	if box, ok := c.boxes[userID]; ok {
		return box, nil
	}
	box := &mailbox{
		userID:  userID,
		ch:      make(chan *bus.Event, mailboxBuffer),
		pending: make(map[int64]*heldEvent),
	}
	c.boxes[userID] = box
	if c.metrics != nil {
		c.metrics.ActiveMailboxes.Add(c.baseCtx, 1)
	}
	c.wg.Add(1)
	go c.runMailbox(box)
	return box, nil
}

// process runs every registered handler for the event. A handler error
// aborts the chain and propagates: inline dispatches surface it to the
// bus retry/DLQ path, mailboxes retry it themselves in runHandlers.
func (c *Coordinator) process(ctx context.Context, ev *bus.Event) error {
	if ev.CorrelationID != "" {
		ctx = shared.WithCorrelationID(ctx, ev.CorrelationID)
	} else {
		ctx, _ = shared.EnsureCorrelation(ctx)
	}
	if ev.UserID != "" {
		ctx = shared.WithUserID(ctx, ev.UserID)
	}
	for _, h := range c.handlers[ev.Type] {
		if err := h(ctx, ev); err != nil {
			return fmt.Errorf("handle %s: %w", ev.Type, err)
		}
	}
	return nil
}

// Close stops accepting events and waits for the mailboxes to drain
// their queued work.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	for _, box := range c.boxes {
		close(box.ch)
	}
	c.mu.Unlock()

	c.wg.Wait()
	c.cancel()
}

// MailboxCount reports the number of live per-user workers.
func (c *Coordinator) MailboxCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.boxes)
}

type heldEvent struct {
	ev       *bus.Event
	deadline time.Time
}

// mailbox serializes one user's events. lastSeq tracks the per-user
// sequence for causal ordering: an event arriving ahead of its
// predecessor waits in pending until the gap fills or the window
// expires.
type mailbox struct {
	userID  string
	ch      chan *bus.Event
	lastSeq int64
	pending map[int64]*heldEvent
}

func (c *Coordinator) runMailbox(box *mailbox) {
	defer c.wg.Done()
	defer c.retireMailbox(box)

	idle := time.NewTimer(c.idle)
	defer idle.Stop()
	tick := time.NewTicker(time.Second)
	defer tick.Stop()

	for {
		select {
		case ev, ok := <-box.ch:
			if !ok {
				c.flushPending(box, true)
				return
			}
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(c.idle)
			c.accept(box, ev)

		case <-tick.C:
			c.flushPending(box, false)

		case <-idle.C:
			if len(box.pending) == 0 && len(box.ch) == 0 {
				return
			}
			idle.Reset(c.idle)

		case <-c.baseCtx.Done():
			return
		}
	}
}

func (c *Coordinator) retireMailbox(box *mailbox) {
	c.mu.Lock()
	if current, ok := c.boxes[box.userID]; ok && current == box {
		delete(c.boxes, box.userID)
	}
	c.mu.Unlock()
	if c.metrics != nil {
		c.metrics.ActiveMailboxes.Add(context.Background(), -1)
	}
}

// accept applies the ordering policy and processes what is ready.
// Seq 0 means unsequenced: process immediately.
func (c *Coordinator) accept(box *mailbox, ev *bus.Event) {
	switch {
	case ev.Seq == 0 || ev.Seq <= box.lastSeq+1:
		c.runHandlers(box, ev)
		if ev.Seq > box.lastSeq {
			box.lastSeq = ev.Seq
		}
		c.drainReady(box)
	default:
		box.pending[ev.Seq] = &heldEvent{ev: ev, deadline: time.Now().Add(c.window)}
	}
}

// drainReady processes buffered successors now in sequence.
func (c *Coordinator) drainReady(box *mailbox) {
	for {
		held, ok := box.pending[box.lastSeq+1]
		if !ok {
			return
		}
		delete(box.pending, box.lastSeq+1)
		c.runHandlers(box, held.ev)
		box.lastSeq++
	}
}

// flushPending processes buffered events whose wait expired (or all of
// them on shutdown), logging the ordering violation.
func (c *Coordinator) flushPending(box *mailbox, all bool) {
	if len(box.pending) == 0 {
		return
	}
	now := time.Now()
	due := make([]int64, 0, len(box.pending))
	for seq, held := range box.pending {
		if all || !now.Before(held.deadline) {
			due = append(due, seq)
		}
	}
	// Expired siblings still run lowest sequence first.
	sort.Slice(due, func(i, j int) bool { return due[i] < due[j] })

	for _, seq := range due {
		held, ok := box.pending[seq]
		if !ok {
			// Already drained as a successor of an earlier flush.
			continue
		}
		delete(box.pending, seq)
		c.logger.Warn("event processed out of order after wait",
			"user_id", box.userID, "event_type", held.ev.Type,
			"seq", seq, "last_seq", box.lastSeq)
		audit.Record(c.baseCtx, audit.CategoryOrderTimeout,
			"causal predecessor never arrived",
			map[string]any{
				"user_id":    box.userID,
				"event_type": held.ev.Type,
				"seq":        seq,
				"last_seq":   box.lastSeq,
			})
		c.runHandlers(box, held.ev)
		if seq > box.lastSeq {
			box.lastSeq = seq
		}
		c.drainReady(box)
	}
}

// runHandlers runs the chain with the bus retry budget. Mailbox events
// already returned nil to the bus at Dispatch, so delivery stays
// at-least-once only if the mailbox retries and dead-letters itself.
func (c *Coordinator) runHandlers(box *mailbox, ev *bus.Event) {
	var lastErr error
	for attempt := 0; attempt < mailboxRetries; attempt++ {
		if attempt > 0 {
			if c.metrics != nil {
				c.metrics.HandlerRetries.Add(c.baseCtx, 1)
			}
			select {
			case <-c.baseCtx.Done():
				return
			case <-time.After(c.retryWait << uint(attempt-1)):
			}
		}
		if err := c.process(c.baseCtx, ev); err != nil {
			lastErr = err
			continue
		}
		return
	}

	c.logger.Error("mailbox handlers exhausted retries, dead-lettering",
		"user_id", box.userID, "event_type", ev.Type, "event_id", ev.ID, "error", lastErr)
	c.deadLetter(ev, lastErr)
}

func (c *Coordinator) deadLetter(ev *bus.Event, cause error) {
	if c.dlq == nil {
		return
	}
	raw, _ := json.Marshal(ev)
	err := c.dlq.InsertDeadLetter(c.baseCtx, &store.DeadLetter{
		EventID:   ev.ID,
		EventType: ev.Type,
		Raw:       raw,
		Error:     cause.Error(),
		Attempts:  mailboxRetries,
		At:        time.Now().UTC(),
	})
	if err != nil && !errors.Is(err, store.ErrDuplicate) {
		c.logger.Error("dead-letter insert failed", "event_id", ev.ID, "error", err)
	}
}
