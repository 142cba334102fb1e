package breaker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/basket/narrabot/internal/otel"
	"github.com/basket/narrabot/internal/shared"
)

// Dependency names. One breaker per external dependency.
const (
	DepBus        = "bus"
	DepDocStore   = "document_store"
	DepRelational = "relational_store"
	DepTelegram   = "telegram"
)

const (
	failureThreshold = 5
	openTimeout      = 30 * time.Second
	probeInterval    = 10 * time.Second
)

// Probe checks one dependency. Run through the breaker so probe results
// drive state transitions.
type Probe func(ctx context.Context) error

// Status is the registry's view of one dependency.
type Status struct {
	State     string        `json:"state"`
	LastError string        `json:"last_error,omitempty"`
	LastProbe time.Time     `json:"last_probe"`
	Latency   time.Duration `json:"latency"`
}

type entry struct {
	cb       *gobreaker.CircuitBreaker
	probe    Probe
	onClosed []func()
}

// Registry owns the per-dependency breakers and the 10s probe loop.
// Health endpoints and the bus drain trigger read from it.
type Registry struct {
	logger  *slog.Logger
	metrics *otel.Metrics
	timeout time.Duration

	mu      sync.RWMutex
	entries map[string]*entry
	status  map[string]Status
}

// Options tune the registry. Timeout overrides the OPEN period, used by
// tests; zero keeps the default 30s.
type Options struct {
	Logger  *slog.Logger
	Metrics *otel.Metrics
	Timeout time.Duration
}

func NewRegistry(opts Options) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = openTimeout
	}
	return &Registry{
		logger:  logger.With("component", "breaker"),
		metrics: opts.Metrics,
		timeout: timeout,
		entries: make(map[string]*entry),
		status:  make(map[string]Status),
	}
}

// Register creates the breaker for a dependency. MaxRequests 1 keeps
// HALF_OPEN to a single probe.
func (r *Registry) Register(name string, probe Probe) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     r.timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.logger.Info("breaker state change", "dependency", name,
				"from", from.String(), "to", to.String())
			if r.metrics != nil {
				r.metrics.BreakerTransitions.Add(context.Background(), 1)
			}
			if to == gobreaker.StateClosed {
				r.fireClosed(name)
			}
		},
	})
	r.entries[name] = &entry{cb: cb, probe: probe}
	r.status[name] = Status{State: gobreaker.StateClosed.String()}
}

// OnClosed registers a callback fired whenever the named breaker
// transitions back to CLOSED. The bus hooks its replay drain here.
func (r *Registry) OnClosed(name string, fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[name]; ok {
		e.onClosed = append(e.onClosed, fn)
	}
}

func (r *Registry) fireClosed(name string) {
	r.mu.RLock()
	e, ok := r.entries[name]
	var callbacks []func()
	if ok {
		callbacks = append(callbacks, e.onClosed...)
	}
	r.mu.RUnlock()
	for _, fn := range callbacks {
		go fn()
	}
}

// Do runs fn through the named breaker. An OPEN breaker (or too many
// HALF_OPEN requests) comes back as a service_degraded domain error
// without invoking fn.
func (r *Registry) Do(name string, fn func() error) error {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return fn()
	}
	_, err := e.cb.Execute(func() (any, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return shared.NewError(shared.KindServiceDegraded, name+" unavailable",
			"Working on it, please try again in a moment.")
	}
	return err
}

// Open reports whether the named breaker is currently OPEN.
func (r *Registry) Open(name string) bool {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	return e.cb.State() == gobreaker.StateOpen
}

// Snapshot returns the latest probe results keyed by dependency.
func (r *Registry) Snapshot() map[string]Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Status, len(r.status))
	for k, v := range r.status {
		out[k] = v
	}
	return out
}

// Healthy reports whether every registered breaker is CLOSED.
func (r *Registry) Healthy() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.entries {
		if e.cb.State() != gobreaker.StateClosed {
			return false
		}
	}
	return true
}

// ProbeAll runs every registered probe once through its breaker and
// refreshes the status snapshot.
func (r *Registry) ProbeAll(ctx context.Context) {
	r.mu.RLock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	r.mu.RUnlock()

	for _, name := range names {
		r.probeOne(ctx, name)
	}
}

func (r *Registry) probeOne(ctx context.Context, name string) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok || e.probe == nil {
		return
	}

	start := time.Now()
	err := r.Do(name, func() error { return e.probe(ctx) })
	st := Status{
		State:     e.cb.State().String(),
		LastProbe: time.Now().UTC(),
		Latency:   time.Since(start),
	}
	if err != nil {
		st.LastError = err.Error()
	}

	r.mu.Lock()
	r.status[name] = st
	r.mu.Unlock()
}

// Run executes the probe loop until the context is cancelled.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = probeInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.ProbeAll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.ProbeAll(ctx)
		}
	}
}
