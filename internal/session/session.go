// Package session runs the lifecycle of one grid bot: building the
// ladder, placing the initial orders, reconciling fills on every tick
// and enforcing risk limits.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"gridcore/internal/exchange"
	"gridcore/internal/grid"
	"gridcore/internal/metrics"
	"gridcore/internal/risk"
	"gridcore/internal/types"
)

// Defaults applied when a bot row leaves the field empty.
const (
	DefaultGridCount       = 10
	DefaultIntervalSeconds = 30
	DefaultStopLossPercent = 5
)

// State is the in-memory lifecycle state of a session.
type State int32

const (
	StateInitializing State = iota
	StateActive
	StateReconciling
	StateStopping
	StateTerminated
	StateFaulted
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateActive:
		return "active"
	case StateReconciling:
		return "reconciling"
	case StateStopping:
		return "stopping"
	case StateTerminated:
		return "terminated"
	case StateFaulted:
		return "faulted"
	default:
		return "unknown"
	}
}

// BotStore is the bot configuration half of the store.
type BotStore interface {
	GetBot(ctx context.Context, botID string) (*types.Bot, error)
	SetStatus(ctx context.Context, botID string, status types.BotStatus, lastError string) error
	SetDerivedBounds(ctx context.Context, botID string, lower, upper float64) error
	SetCurrentPrice(ctx context.Context, botID string, price float64) error
}

// OrderLedger is the order and trade half of the store.
type OrderLedger interface {
	CreateOrder(ctx context.Context, order *types.GridOrder) error
	ListPending(ctx context.Context, botID string) ([]types.GridOrder, error)
	HasPending(ctx context.Context, botID string, level int, side types.Side) (bool, error)
	MarkFilled(ctx context.Context, orderID string, filledPrice float64) error
	MarkCancelled(ctx context.Context, orderID string) error
	CountOrders(ctx context.Context, botID string, status types.OrderStatus) (int, error)
	RecordTrade(ctx context.Context, trade *types.Trade) error
	ListTrades(ctx context.Context, botID string) ([]types.Trade, error)
}

// LogSink receives per-bot log entries. Writes are best effort.
type LogSink interface {
	AppendLog(ctx context.Context, botID string, level types.LogLevel, message string)
}

// GatewayFactory resolves the venue gateway for a user's account.
type GatewayFactory interface {
	GatewayFor(ctx context.Context, userID string) (exchange.Gateway, error)
}

// Session drives one bot. It is not safe for concurrent ticks; the
// orchestrator serializes Tick calls per session.
type Session struct {
	botID    string
	store    BotStore
	ledger   OrderLedger
	logs     LogSink
	gateways GatewayFactory
	logger   *slog.Logger

	bot      *types.Bot
	levels   []types.GridLevel
	gateway  exchange.Gateway
	quantity float64

	mu        sync.RWMutex
	state     State
	lastPrice float64

	stopRequested atomic.Bool
}

// New creates a session for a bot. Initialize must be called before the
// first Tick.
func New(botID string, store BotStore, ledger OrderLedger, logs LogSink, gateways GatewayFactory, logger *slog.Logger) *Session {
	return &Session{
		botID:    botID,
		store:    store,
		ledger:   ledger,
		logs:     logs,
		gateways: gateways,
		logger:   logger.With("bot_id", botID),
		state:    StateInitializing,
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// BotID returns the bot this session drives.
func (s *Session) BotID() string {
	return s.botID
}

// Initialize loads the bot, validates credentials, builds the ladder
// and places the initial buy orders. Problems on the venue side or in
// the bot's configuration (bad credentials, venue unreachable, invalid
// range) fault the session and persist the error status; a store
// failure returns an error so the caller can retry on the next cycle.
func (s *Session) Initialize(ctx context.Context) error {
	bot, err := s.store.GetBot(ctx, s.botID)
	if err != nil {
		return fmt.Errorf("failed to load bot: %w", err)
	}
	applyDefaults(bot)

	gateway, err := s.gateways.GatewayFor(ctx, bot.UserID)
	if err != nil {
		var credErr *types.CredentialError
		if errors.As(err, &credErr) {
			s.fault(ctx, err)
			return err
		}
		return fmt.Errorf("failed to resolve gateway: %w", err)
	}

	if err := gateway.ValidateCredentials(ctx); err != nil {
		if types.IsTransient(err) {
			err = fmt.Errorf("venue unreachable during initialization: %w", err)
			s.fault(ctx, err)
			return err
		}
		credErr := &types.CredentialError{UserID: bot.UserID, Err: err}
		s.fault(ctx, credErr)
		return credErr
	}

	price, err := gateway.GetPrice(ctx, bot.Symbol)
	if err != nil {
		err = fmt.Errorf("failed to fetch initial price: %w", err)
		s.fault(ctx, err)
		return err
	}

	if !bot.HasBounds() {
		lower, upper := grid.DeriveBounds(price, grid.DefaultRangePercent)
		if err := s.store.SetDerivedBounds(ctx, bot.ID, lower, upper); err != nil {
			return err
		}
		bot.LowerPrice = lower
		bot.UpperPrice = upper
		s.logger.Info("[SESSION] Derived grid bounds from market price",
			"price", price, "lower", lower, "upper", upper)
	}

	levels, err := grid.ComputeLevels(bot.LowerPrice, bot.UpperPrice, bot.GridCount, bot.GridType)
	if err != nil {
		s.fault(ctx, err)
		return err
	}

	// Publish under the lock: Snapshot may run concurrently while the
	// session is still coming up.
	s.mu.Lock()
	s.bot = bot
	s.gateway = gateway
	s.levels = levels
	s.quantity = bot.InvestmentAmount / float64(bot.GridCount)
	s.lastPrice = price
	s.mu.Unlock()

	s.placeInitialOrders(ctx, price)

	s.setState(StateActive)
	s.logs.AppendLog(ctx, bot.ID, types.LogInfo, fmt.Sprintf(
		"grid initialized: %d levels in [%.2f, %.2f], %.8f per order",
		len(levels), bot.LowerPrice, bot.UpperPrice, s.quantity,
	))
	s.logger.Info("[SESSION] Initialized",
		"symbol", bot.Symbol,
		"levels", len(levels),
		"lower", bot.LowerPrice,
		"upper", bot.UpperPrice,
		"price", price,
	)
	return nil
}

func applyDefaults(bot *types.Bot) {
	if bot.GridCount <= 0 {
		bot.GridCount = DefaultGridCount
	}
	if bot.IntervalSeconds <= 0 {
		bot.IntervalSeconds = DefaultIntervalSeconds
	}
	if bot.StopLossPercent <= 0 {
		bot.StopLossPercent = DefaultStopLossPercent
	}
	if bot.GridType == "" {
		bot.GridType = types.ProgressionArithmetic
	}
}

// placeInitialOrders rests a buy at every level strictly below the
// current price. Sell levels are filled in later as buys complete;
// there is no inventory to sell at startup. Failures are contained per
// order so one rejection does not abort the ladder.
func (s *Session) placeInitialOrders(ctx context.Context, currentPrice float64) {
	placed := 0
	for i := range s.levels {
		level := &s.levels[i]
		if level.Price >= currentPrice {
			continue
		}
		if err := s.placeOrder(ctx, level, types.SideBuy, s.quantity, 0); err != nil {
			s.logger.Error("[SESSION] Initial order failed",
				"level", level.Index, "price", level.BuyPrice, "error", err)
			continue
		}
		placed++
	}
	s.logger.Info("[SESSION] Initial orders placed", "count", placed)
}

// Tick runs one reconcile-evaluate cycle. The orchestrator calls it on
// the bot's interval and never concurrently.
func (s *Session) Tick(ctx context.Context) error {
	if s.stopRequested.Load() {
		return s.Stop(ctx)
	}

	switch s.State() {
	case StateActive:
	case StateTerminated, StateFaulted:
		return nil
	default:
		return nil
	}

	s.setState(StateReconciling)
	defer func() {
		if s.State() == StateReconciling {
			s.setState(StateActive)
		}
	}()

	s.reconcile(ctx)

	price, err := s.gateway.GetPrice(ctx, s.bot.Symbol)
	if err != nil {
		// Price feed hiccup: skip risk evaluation this tick rather
		// than act on a stale price.
		s.logger.Warn("[SESSION] Price fetch failed", "error", err)
		return err
	}
	s.setLastPrice(price)
	if err := s.store.SetCurrentPrice(ctx, s.bot.ID, price); err != nil {
		s.logger.Error("[SESSION] Failed to persist price", "error", err)
	}

	trades, err := s.ledger.ListTrades(ctx, s.bot.ID)
	if err != nil {
		s.logger.Error("[SESSION] Failed to load trades", "error", err)
		return err
	}
	metrics.RealizedProfit.WithLabelValues(s.bot.ID).Set(risk.RealizedProfit(trades))

	switch risk.Evaluate(s.bot, price, trades) {
	case risk.VerdictStopLoss:
		plPct := risk.RealizedProfitPercent(s.bot.InvestmentAmount, trades)
		msg := fmt.Sprintf("stop loss triggered: realized P/L %.2f%% below -%.2f%%", plPct, s.bot.StopLossPercent)
		s.logs.AppendLog(ctx, s.bot.ID, types.LogError, msg)
		s.logger.Error("[SESSION] Stop loss triggered", "pl_percent", plPct)
		return s.shutdown(ctx, types.BotStopped, msg)

	case risk.VerdictOutOfRange:
		s.logs.AppendLog(ctx, s.bot.ID, types.LogWarning, fmt.Sprintf(
			"price %.2f outside grid range [%.2f, %.2f]", price, s.bot.LowerPrice, s.bot.UpperPrice))
		s.logger.Warn("[SESSION] Price outside grid range",
			"price", price, "lower", s.bot.LowerPrice, "upper", s.bot.UpperPrice)
	}

	return nil
}

// reconcile polls every pending ledger order against the venue and
// reacts to terminal states. Transient venue errors leave the order
// pending for the next tick; the loop never aborts early.
func (s *Session) reconcile(ctx context.Context) {
	pending, err := s.ledger.ListPending(ctx, s.bot.ID)
	if err != nil {
		s.logger.Error("[SESSION] Failed to list pending orders", "error", err)
		return
	}

	for i := range pending {
		order := &pending[i]

		venueOrder, err := s.gateway.GetOrderStatus(ctx, s.bot.Symbol, order.ExchangeOrderID)
		if err != nil {
			if types.IsTransient(err) {
				s.logger.Debug("[SESSION] Status query deferred",
					"order_id", order.ID, "error", err)
				continue
			}
			s.logger.Error("[SESSION] Status query failed",
				"order_id", order.ID, "error", err)
			continue
		}

		switch venueOrder.Status {
		case exchange.VenueStatusFilled:
			s.handleFill(ctx, order, venueOrder)

		case exchange.VenueStatusCanceled, exchange.VenueStatusExpired, exchange.VenueStatusRejected:
			if err := s.ledger.MarkCancelled(ctx, order.ID); err != nil {
				s.logger.Error("[SESSION] Failed to mark order cancelled",
					"order_id", order.ID, "error", err)
				continue
			}
			metrics.CancellationsTotal.WithLabelValues(s.bot.ID).Inc()
			s.logs.AppendLog(ctx, s.bot.ID, types.LogInfo, fmt.Sprintf(
				"%s order at %.2f ended %s on venue", order.Side, order.Price,
				strings.ToLower(venueOrder.Status)))
		}
	}
}

// handleFill marks the order filled, records the round trip if this was
// a closing leg, and places the opposite order at the adjacent level.
// The ledger write happens first so a rerun of the pass cannot place
// the replacement twice; a crash after the write loses the replacement
// order rather than duplicating it.
func (s *Session) handleFill(ctx context.Context, order *types.GridOrder, venueOrder *exchange.VenueOrder) {
	fillPrice := venueOrder.Price
	if fillPrice <= 0 {
		fillPrice = order.Price
	}

	if err := s.ledger.MarkFilled(ctx, order.ID, fillPrice); err != nil {
		s.logger.Error("[SESSION] Failed to mark order filled",
			"order_id", order.ID, "error", err)
		return
	}
	metrics.FillsTotal.WithLabelValues(s.bot.ID, string(order.Side)).Inc()

	s.logs.AppendLog(ctx, s.bot.ID, types.LogTrade, fmt.Sprintf(
		"%s filled at %.2f (level %d, qty %.8f)", order.Side, fillPrice, order.Level, order.Quantity))
	s.logger.Info("[SESSION] Order filled",
		"order_id", order.ID,
		"side", order.Side,
		"level", order.Level,
		"price", fillPrice,
	)

	if order.OriginPrice > 0 {
		s.recordRoundTrip(ctx, order, fillPrice)
	}

	// A buy fill rests a sell one level up; a sell fill rests a buy one
	// level down. Adjacency is by level, not fill price: a buy triggers
	// slightly below its level's nominal price, so a price-based lookup
	// would land back on the same level. The replacement carries the
	// fill price as its origin so its own fill closes the round trip.
	anchor := fillPrice
	if order.Level >= 0 && order.Level < len(s.levels) {
		anchor = s.levels[order.Level].Price
	}
	var next *types.GridLevel
	if order.Side == types.SideBuy {
		next = grid.NextLevelUp(s.levels, anchor)
	} else {
		next = grid.NextLevelDown(s.levels, anchor)
	}
	if next == nil {
		s.logs.AppendLog(ctx, s.bot.ID, types.LogInfo, fmt.Sprintf(
			"fill at %.2f is at the ladder boundary, no replacement order", fillPrice))
		s.logger.Info("[SESSION] Fill at ladder boundary", "price", fillPrice)
		return
	}

	if err := s.placeOrder(ctx, next, order.Side.Opposite(), order.Quantity, fillPrice); err != nil {
		s.logger.Error("[SESSION] Replacement order failed",
			"level", next.Index, "side", order.Side.Opposite(), "error", err)
	}
}

// recordRoundTrip writes the realized P/L for a closing fill. The entry
// price is the origin fill that triggered this order's placement.
func (s *Session) recordRoundTrip(ctx context.Context, order *types.GridOrder, fillPrice float64) {
	var pl float64
	if order.Side == types.SideSell {
		pl = (fillPrice - order.OriginPrice) * order.Quantity
	} else {
		pl = (order.OriginPrice - fillPrice) * order.Quantity
	}

	trade := &types.Trade{
		BotID:      s.bot.ID,
		Symbol:     s.bot.Symbol,
		Side:       order.Side,
		EntryPrice: order.OriginPrice,
		ExitPrice:  fillPrice,
		Quantity:   order.Quantity,
		ProfitLoss: pl,
		Status:     "closed",
	}
	if err := s.ledger.RecordTrade(ctx, trade); err != nil {
		s.logger.Error("[SESSION] Failed to record trade", "error", err)
		return
	}

	s.logs.AppendLog(ctx, s.bot.ID, types.LogTrade, fmt.Sprintf(
		"round trip closed: entry %.2f exit %.2f P/L %.4f", order.OriginPrice, fillPrice, pl))
}

// placeOrder rests one limit order and records it in the ledger. The
// (level, side) slot is checked first so a level never carries two
// pending orders on the same side.
func (s *Session) placeOrder(ctx context.Context, level *types.GridLevel, side types.Side, quantity, originPrice float64) error {
	exists, err := s.ledger.HasPending(ctx, s.bot.ID, level.Index, side)
	if err != nil {
		return err
	}
	if exists {
		s.logger.Debug("[SESSION] Slot already has a pending order",
			"level", level.Index, "side", side)
		return nil
	}

	price := level.BuyPrice
	if side == types.SideSell {
		price = level.SellPrice
	}

	clientOrderID := uuid.New().String()
	ack, err := s.gateway.PlaceLimitOrder(ctx, exchange.OrderRequest{
		Symbol:        s.bot.Symbol,
		Side:          strings.ToUpper(string(side)),
		Quantity:      quantity,
		Price:         price,
		ClientOrderID: clientOrderID,
	})
	if err != nil {
		return err
	}

	order := &types.GridOrder{
		BotID:           s.bot.ID,
		Level:           level.Index,
		Side:            side,
		Price:           price,
		Quantity:        quantity,
		OriginPrice:     originPrice,
		ExchangeOrderID: ack.ExchangeOrderID,
		ClientOrderID:   clientOrderID,
	}
	if err := s.ledger.CreateOrder(ctx, order); err != nil {
		if errors.Is(err, types.ErrDuplicatePending) {
			// Lost the race for the slot. The venue order is surplus.
			if cancelErr := s.gateway.CancelOrder(ctx, s.bot.Symbol, ack.ExchangeOrderID); cancelErr != nil {
				s.logger.Error("[SESSION] Failed to cancel surplus order",
					"exchange_order_id", ack.ExchangeOrderID, "error", cancelErr)
			}
			return nil
		}
		// The order rests on the venue but the ledger write failed.
		// Best effort cancel so the venue and ledger stay consistent.
		if cancelErr := s.gateway.CancelOrder(ctx, s.bot.Symbol, ack.ExchangeOrderID); cancelErr != nil {
			s.logger.Error("[SESSION] Failed to cancel unrecorded order",
				"exchange_order_id", ack.ExchangeOrderID, "error", cancelErr)
		}
		return err
	}

	metrics.OrdersPlacedTotal.WithLabelValues(s.bot.ID, string(side)).Inc()
	s.logs.AppendLog(ctx, s.bot.ID, types.LogInfo, fmt.Sprintf(
		"%s order placed at %.2f (level %d, qty %.8f)", side, price, level.Index, quantity))
	return nil
}

// RequestStop asks the session to shut down on its next tick. Safe to
// call from any goroutine.
func (s *Session) RequestStop() {
	s.stopRequested.Store(true)
}

// Stop cancels all pending orders and terminates the session. The bot
// keeps its persisted status unless a caller already changed it.
func (s *Session) Stop(ctx context.Context) error {
	return s.shutdown(ctx, types.BotStopped, "")
}

// shutdown cancels all pending venue orders (best effort), marks the
// ledger rows cancelled and persists the final bot status.
func (s *Session) shutdown(ctx context.Context, status types.BotStatus, lastError string) error {
	state := s.State()
	if state == StateTerminated || state == StateFaulted {
		return nil
	}
	s.setState(StateStopping)

	s.mu.RLock()
	bot, gateway := s.bot, s.gateway
	s.mu.RUnlock()
	if bot == nil || gateway == nil {
		// Stopped before initialization finished; nothing rests anywhere.
		s.setState(StateTerminated)
		return nil
	}

	pending, err := s.ledger.ListPending(ctx, bot.ID)
	if err != nil {
		s.logger.Error("[SESSION] Failed to list pending orders for shutdown", "error", err)
	}
	for i := range pending {
		order := &pending[i]
		if err := gateway.CancelOrder(ctx, bot.Symbol, order.ExchangeOrderID); err != nil {
			s.logger.Error("[SESSION] Failed to cancel order on shutdown",
				"order_id", order.ID, "error", err)
		}
		if err := s.ledger.MarkCancelled(ctx, order.ID); err != nil {
			s.logger.Error("[SESSION] Failed to mark order cancelled on shutdown",
				"order_id", order.ID, "error", err)
		}
	}

	if err := s.store.SetStatus(ctx, bot.ID, status, lastError); err != nil {
		s.logger.Error("[SESSION] Failed to persist final status", "error", err)
	}

	s.setState(StateTerminated)
	s.logs.AppendLog(ctx, bot.ID, types.LogInfo, "session terminated")
	s.logger.Info("[SESSION] Terminated", "cancelled_orders", len(pending))
	return nil
}

// fault marks the session faulted and persists the error status. Used
// for fatal initialization problems that a retry cannot fix.
func (s *Session) fault(ctx context.Context, cause error) {
	s.setState(StateFaulted)
	if err := s.store.SetStatus(ctx, s.botID, types.BotError, cause.Error()); err != nil {
		s.logger.Error("[SESSION] Failed to persist error status", "error", err)
	}
	s.logs.AppendLog(ctx, s.botID, types.LogError, cause.Error())
	s.logger.Error("[SESSION] Faulted", "error", cause)
}

func (s *Session) setLastPrice(price float64) {
	s.mu.Lock()
	s.lastPrice = price
	s.mu.Unlock()
}

// IntervalSeconds returns the bot's tick interval, or the default if
// the session has not initialized yet.
func (s *Session) IntervalSeconds() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.bot == nil {
		return DefaultIntervalSeconds
	}
	return s.bot.IntervalSeconds
}

// Snapshot returns a read-only view of the session for status queries.
func (s *Session) Snapshot(ctx context.Context) (*types.SessionSnapshot, error) {
	s.mu.RLock()
	state := s.state
	lastPrice := s.lastPrice
	bot := s.bot
	s.mu.RUnlock()

	snap := &types.SessionSnapshot{
		BotID:     s.botID,
		State:     state.String(),
		LastPrice: lastPrice,
	}
	if bot == nil {
		return snap, nil
	}

	snap.Symbol = bot.Symbol
	snap.LowerPrice = bot.LowerPrice
	snap.UpperPrice = bot.UpperPrice
	snap.GridCount = bot.GridCount

	pending, err := s.ledger.ListPending(ctx, bot.ID)
	if err != nil {
		return nil, err
	}
	snap.PendingOrders = len(pending)

	filled, err := s.ledger.CountOrders(ctx, bot.ID, types.OrderFilled)
	if err != nil {
		return nil, err
	}
	snap.FilledOrders = filled

	trades, err := s.ledger.ListTrades(ctx, bot.ID)
	if err != nil {
		return nil, err
	}
	snap.RealizedProfit = risk.RealizedProfit(trades)
	return snap, nil
}
