// Package orchestrator supervises one session per running bot. It
// diffs the durable bot registry against its in-memory sessions every
// cycle, spawns and tears down sessions, and schedules ticks on each
// bot's own interval.
package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"gridcore/internal/exchange"
	"gridcore/internal/metrics"
	"gridcore/internal/session"
	"gridcore/internal/types"
)

const (
	// DefaultCycleInterval is how often the registry is diffed and due
	// sessions are ticked.
	DefaultCycleInterval = 5 * time.Second

	// DefaultMinTickInterval floors each bot's configured interval so a
	// misconfigured row cannot hammer the venue.
	DefaultMinTickInterval = 5 * time.Second
)

// Store is everything the orchestrator and its sessions need from
// persistence.
type Store interface {
	session.BotStore
	session.OrderLedger
	session.LogSink
	GetRunningBots(ctx context.Context) ([]*types.Bot, error)
	GetCredentials(ctx context.Context, userID string) (*types.Credentials, error)
}

// sessionHandle pairs a session with its scheduling state. The busy
// flag serializes ticks per bot; cycles never wait on a slow session.
type sessionHandle struct {
	session     *session.Session
	busy        atomic.Bool
	initialized atomic.Bool
	lastTick    time.Time
}

// Orchestrator owns the session registry.
type Orchestrator struct {
	store    Store
	gateways session.GatewayFactory
	logger   *slog.Logger

	cycleInterval   time.Duration
	minTickInterval time.Duration

	mu       sync.Mutex
	sessions map[string]*sessionHandle
	wg       sync.WaitGroup
}

// Option configures the orchestrator.
type Option func(*Orchestrator)

// WithCycleInterval overrides the registry diff cadence.
func WithCycleInterval(d time.Duration) Option {
	return func(o *Orchestrator) {
		o.cycleInterval = d
	}
}

// WithMinTickInterval overrides the per-bot tick floor.
func WithMinTickInterval(d time.Duration) Option {
	return func(o *Orchestrator) {
		o.minTickInterval = d
	}
}

// WithGatewayFactory overrides the default credential-backed factory.
// Used by mock mode and tests.
func WithGatewayFactory(f session.GatewayFactory) Option {
	return func(o *Orchestrator) {
		o.gateways = f
	}
}

// New creates an orchestrator over the given store.
func New(store Store, logger *slog.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:           store,
		logger:          logger,
		cycleInterval:   DefaultCycleInterval,
		minTickInterval: DefaultMinTickInterval,
		sessions:        make(map[string]*sessionHandle),
	}
	o.gateways = newGatewayCache(store, logger)
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run drives cycles until the context is cancelled, then stops every
// session gracefully.
func (o *Orchestrator) Run(ctx context.Context) {
	o.logger.Info("[ORCHESTRATOR] Started",
		"cycle_interval", o.cycleInterval,
		"min_tick_interval", o.minTickInterval,
	)

	ticker := time.NewTicker(o.cycleInterval)
	defer ticker.Stop()

	o.Cycle(ctx)
	for {
		select {
		case <-ctx.Done():
			o.shutdown()
			return
		case <-ticker.C:
			o.Cycle(ctx)
		}
	}
}

// RunOnce performs a single cycle and waits for the launched work to
// finish. Every session is treated as due regardless of its interval.
// Used by the single-shot CLI mode.
func (o *Orchestrator) RunOnce(ctx context.Context) {
	o.mu.Lock()
	for _, handle := range o.sessions {
		handle.lastTick = time.Time{}
	}
	o.mu.Unlock()

	o.Cycle(ctx)
	o.wg.Wait()
}

// Cycle diffs the registry against the session map and ticks every due
// session. Exported so a single-shot CLI run can drive it directly.
func (o *Orchestrator) Cycle(ctx context.Context) {
	bots, err := o.store.GetRunningBots(ctx)
	if err != nil {
		o.logger.Error("[ORCHESTRATOR] Failed to load running bots", "error", err)
		return
	}

	desired := make(map[string]bool, len(bots))
	for _, bot := range bots {
		desired[bot.ID] = true
	}

	o.mu.Lock()
	// Spawn sessions for newly running bots.
	for _, bot := range bots {
		if _, ok := o.sessions[bot.ID]; ok {
			continue
		}
		o.sessions[bot.ID] = &sessionHandle{
			session: session.New(bot.ID, o.store, o.store, o.store, o.gateways, o.logger),
		}
		o.logger.Info("[ORCHESTRATOR] Session spawned", "bot_id", bot.ID)
	}

	// Tear down sessions whose bots are no longer running, and reap
	// terminated ones.
	for botID, handle := range o.sessions {
		state := handle.session.State()
		if state == session.StateTerminated || state == session.StateFaulted {
			delete(o.sessions, botID)
			o.logger.Info("[ORCHESTRATOR] Session reaped", "bot_id", botID, "state", state)
			continue
		}
		if !desired[botID] {
			handle.session.RequestStop()
			if !handle.busy.Load() {
				o.launch(ctx, botID, handle)
			}
			continue
		}
	}

	// Tick due sessions.
	now := time.Now()
	for botID, handle := range o.sessions {
		if handle.busy.Load() {
			continue
		}
		if !handle.lastTick.IsZero() && now.Sub(handle.lastTick) < o.tickInterval(handle) {
			continue
		}
		handle.lastTick = now
		o.launch(ctx, botID, handle)
	}

	metrics.ActiveSessions.Set(float64(len(o.sessions)))
	o.mu.Unlock()
}

// tickInterval floors the bot's configured interval.
func (o *Orchestrator) tickInterval(handle *sessionHandle) time.Duration {
	interval := time.Duration(handle.session.IntervalSeconds()) * time.Second
	if interval < o.minTickInterval {
		interval = o.minTickInterval
	}
	return interval
}

// launch runs one initialize-or-tick pass for a session in its own
// goroutine. The caller must hold the registry lock and ensure the
// handle is not busy.
func (o *Orchestrator) launch(ctx context.Context, botID string, handle *sessionHandle) {
	handle.busy.Store(true)
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer handle.busy.Store(false)
		defer func() {
			// One panicking bot must not take the worker down.
			if r := recover(); r != nil {
				metrics.TickErrorsTotal.WithLabelValues(botID).Inc()
				o.logger.Error("[ORCHESTRATOR] Session panicked",
					"bot_id", botID, "panic", r)
			}
		}()

		if !handle.initialized.Load() {
			if err := handle.session.Initialize(ctx); err != nil {
				metrics.TickErrorsTotal.WithLabelValues(botID).Inc()
				o.logger.Error("[ORCHESTRATOR] Session initialization failed",
					"bot_id", botID, "error", err)
				return
			}
			handle.initialized.Store(true)
			return
		}

		if err := handle.session.Tick(ctx); err != nil {
			metrics.TickErrorsTotal.WithLabelValues(botID).Inc()
			o.logger.Error("[ORCHESTRATOR] Tick failed", "bot_id", botID, "error", err)
			return
		}
		metrics.TicksTotal.WithLabelValues(botID).Inc()
	}()
}

// shutdown stops every session and waits for in-flight work.
func (o *Orchestrator) shutdown() {
	o.mu.Lock()
	handles := make(map[string]*sessionHandle, len(o.sessions))
	for botID, handle := range o.sessions {
		handles[botID] = handle
	}
	o.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for botID, handle := range handles {
		if err := handle.session.Stop(ctx); err != nil {
			o.logger.Error("[ORCHESTRATOR] Failed to stop session",
				"bot_id", botID, "error", err)
		}
	}

	o.wg.Wait()
	o.logger.Info("[ORCHESTRATOR] Stopped", "sessions", len(handles))
}

// StopBot marks a bot stopped in the store and asks its session to
// wind down. Idempotent: stopping a bot without a session only updates
// the status.
func (o *Orchestrator) StopBot(ctx context.Context, botID string) error {
	o.mu.Lock()
	handle, ok := o.sessions[botID]
	o.mu.Unlock()

	if ok {
		handle.session.RequestStop()
		return nil
	}
	return o.store.SetStatus(ctx, botID, types.BotStopped, "")
}

// StartBot marks a bot running; the next cycle spawns its session.
func (o *Orchestrator) StartBot(ctx context.Context, botID string) error {
	return o.store.SetStatus(ctx, botID, types.BotRunning, "")
}

// Snapshots returns a status view of every live session.
func (o *Orchestrator) Snapshots(ctx context.Context) []*types.SessionSnapshot {
	o.mu.Lock()
	handles := make([]*sessionHandle, 0, len(o.sessions))
	for _, handle := range o.sessions {
		handles = append(handles, handle)
	}
	o.mu.Unlock()

	snaps := make([]*types.SessionSnapshot, 0, len(handles))
	for _, handle := range handles {
		snap, err := handle.session.Snapshot(ctx)
		if err != nil {
			o.logger.Error("[ORCHESTRATOR] Snapshot failed",
				"bot_id", handle.session.BotID(), "error", err)
			continue
		}
		snaps = append(snaps, snap)
	}
	return snaps
}

// SessionCount returns the number of live sessions.
func (o *Orchestrator) SessionCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.sessions)
}

// gatewayCache builds one venue gateway per user and shares it across
// that user's sessions so the per-credential rate limit holds.
type gatewayCache struct {
	store  Store
	logger *slog.Logger

	mu       sync.Mutex
	gateways map[string]exchange.Gateway
}

func newGatewayCache(store Store, logger *slog.Logger) *gatewayCache {
	return &gatewayCache{
		store:    store,
		logger:   logger,
		gateways: make(map[string]exchange.Gateway),
	}
}

// GatewayFor resolves the cached gateway for a user, creating one from
// their decrypted credentials on first use.
func (c *gatewayCache) GatewayFor(ctx context.Context, userID string) (exchange.Gateway, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gw, ok := c.gateways[userID]; ok {
		return gw, nil
	}

	creds, err := c.store.GetCredentials(ctx, userID)
	if err != nil {
		return nil, err
	}

	gw := exchange.NewBinanceGateway(creds.APIKey, creds.APISecret, c.logger)
	c.gateways[userID] = gw
	c.logger.Info("[ORCHESTRATOR] Gateway created", "user_id", userID)
	return gw, nil
}
