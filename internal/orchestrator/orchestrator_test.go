package orchestrator

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gridcore/internal/exchange"
	"gridcore/internal/session"
	"gridcore/internal/types"
)

// memStore is an in-memory Store for orchestrator tests.
type memStore struct {
	mu     sync.Mutex
	bots   map[string]*types.Bot
	orders []*types.GridOrder
	trades []types.Trade
	creds  map[string]*types.Credentials
	seq    int
}

func newMemStore() *memStore {
	return &memStore{
		bots:  make(map[string]*types.Bot),
		creds: make(map[string]*types.Credentials),
	}
}

func (m *memStore) addBot(bot *types.Bot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bots[bot.ID] = bot
}

func (m *memStore) GetRunningBots(ctx context.Context) ([]*types.Bot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*types.Bot
	for _, bot := range m.bots {
		if bot.Status == types.BotRunning {
			copy := *bot
			out = append(out, &copy)
		}
	}
	return out, nil
}

func (m *memStore) GetBot(ctx context.Context, botID string) (*types.Bot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bot, ok := m.bots[botID]
	if !ok {
		return nil, fmt.Errorf("bot not found: %s", botID)
	}
	copy := *bot
	return &copy, nil
}

func (m *memStore) SetStatus(ctx context.Context, botID string, status types.BotStatus, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if bot, ok := m.bots[botID]; ok {
		bot.Status = status
		bot.LastError = lastError
	}
	return nil
}

func (m *memStore) SetDerivedBounds(ctx context.Context, botID string, lower, upper float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if bot, ok := m.bots[botID]; ok {
		bot.LowerPrice = lower
		bot.UpperPrice = upper
	}
	return nil
}

func (m *memStore) SetCurrentPrice(ctx context.Context, botID string, price float64) error {
	return nil
}

func (m *memStore) GetCredentials(ctx context.Context, userID string) (*types.Credentials, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	creds, ok := m.creds[userID]
	if !ok {
		return nil, &types.CredentialError{UserID: userID, Err: fmt.Errorf("no trading keys found")}
	}
	return creds, nil
}

func (m *memStore) CreateOrder(ctx context.Context, order *types.GridOrder) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.orders {
		if o.BotID == order.BotID && o.Level == order.Level && o.Side == order.Side && o.Status == types.OrderPending {
			return types.ErrDuplicatePending
		}
	}
	m.seq++
	order.ID = fmt.Sprintf("order-%d", m.seq)
	order.Status = types.OrderPending
	stored := *order
	m.orders = append(m.orders, &stored)
	return nil
}

func (m *memStore) ListPending(ctx context.Context, botID string) ([]types.GridOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.GridOrder
	for _, o := range m.orders {
		if o.BotID == botID && o.Status == types.OrderPending {
			out = append(out, *o)
		}
	}
	return out, nil
}

func (m *memStore) HasPending(ctx context.Context, botID string, level int, side types.Side) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.orders {
		if o.BotID == botID && o.Level == level && o.Side == side && o.Status == types.OrderPending {
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) MarkFilled(ctx context.Context, orderID string, filledPrice float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.orders {
		if o.ID == orderID && o.Status == types.OrderPending {
			o.Status = types.OrderFilled
			o.FilledPrice = filledPrice
		}
	}
	return nil
}

func (m *memStore) MarkCancelled(ctx context.Context, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.orders {
		if o.ID == orderID && o.Status == types.OrderPending {
			o.Status = types.OrderCancelled
		}
	}
	return nil
}

func (m *memStore) CountOrders(ctx context.Context, botID string, status types.OrderStatus) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, o := range m.orders {
		if o.BotID == botID && o.Status == status {
			count++
		}
	}
	return count, nil
}

func (m *memStore) RecordTrade(ctx context.Context, trade *types.Trade) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trades = append(m.trades, *trade)
	return nil
}

func (m *memStore) ListTrades(ctx context.Context, botID string) ([]types.Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.Trade, len(m.trades))
	copy(out, m.trades)
	return out, nil
}

func (m *memStore) AppendLog(ctx context.Context, botID string, level types.LogLevel, message string) {
}

func (m *memStore) botStatus(botID string) types.BotStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bots[botID].Status
}

// mockFactory hands the shared mock gateway to every user, failing for
// users listed as bad and panicking for users listed as panicky.
type mockFactory struct {
	gw      *exchange.MockGateway
	bad     map[string]bool
	panicky map[string]bool
}

func (f *mockFactory) GatewayFor(ctx context.Context, userID string) (exchange.Gateway, error) {
	if f.panicky[userID] {
		panic("gateway factory blew up")
	}
	if f.bad[userID] {
		return nil, &types.CredentialError{UserID: userID, Err: fmt.Errorf("no trading keys found")}
	}
	return f.gw, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func runningBot(id, userID string) *types.Bot {
	return &types.Bot{
		ID:               id,
		UserID:           userID,
		Symbol:           "BTCUSDT",
		Status:           types.BotRunning,
		GridType:         types.ProgressionArithmetic,
		GridCount:        5,
		LowerPrice:       950,
		UpperPrice:       1050,
		InvestmentAmount: 1000,
		StopLossPercent:  5,
		IntervalSeconds:  30,
	}
}

func cycleUntil(t *testing.T, o *Orchestrator, cond func() bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		o.Cycle(context.Background())
		return cond()
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCycle_SpawnsAndInitializesSessions(t *testing.T) {
	store := newMemStore()
	store.addBot(runningBot("bot-1", "user-1"))
	store.addBot(runningBot("bot-2", "user-1"))

	gw := exchange.NewMockGateway(testLogger(), exchange.WithPrice(1000))
	o := New(store, testLogger(), WithGatewayFactory(&mockFactory{gw: gw}))

	o.Cycle(context.Background())
	assert.Equal(t, 2, o.SessionCount())

	// Both sessions reach active once their initialization goroutines
	// finish; each rests its initial buy orders.
	cycleUntil(t, o, func() bool {
		snaps := o.Snapshots(context.Background())
		if len(snaps) != 2 {
			return false
		}
		for _, snap := range snaps {
			if snap.State != "active" {
				return false
			}
		}
		return true
	})

	assert.Len(t, gw.PlacedOrders(), 4) // 2 buy levels below price per bot
}

func TestCycle_IsolatesFaultedBot(t *testing.T) {
	store := newMemStore()
	store.addBot(runningBot("bot-good", "user-good"))
	store.addBot(runningBot("bot-bad", "user-bad"))

	gw := exchange.NewMockGateway(testLogger(), exchange.WithPrice(1000))
	o := New(store, testLogger(), WithGatewayFactory(&mockFactory{
		gw:  gw,
		bad: map[string]bool{"user-bad": true},
	}))

	// The bad bot faults and is reaped; the good one still comes up.
	cycleUntil(t, o, func() bool {
		snaps := o.Snapshots(context.Background())
		return len(snaps) == 1 && snaps[0].BotID == "bot-good" && snaps[0].State == "active"
	})

	assert.Equal(t, types.BotError, store.botStatus("bot-bad"))
	assert.Equal(t, types.BotRunning, store.botStatus("bot-good"))
}

func TestCycle_ContainsPanickingSession(t *testing.T) {
	store := newMemStore()
	store.addBot(runningBot("bot-good", "user-good"))
	store.addBot(runningBot("bot-panic", "user-panic"))

	gw := exchange.NewMockGateway(testLogger(), exchange.WithPrice(1000))
	o := New(store, testLogger(), WithGatewayFactory(&mockFactory{
		gw:      gw,
		panicky: map[string]bool{"user-panic": true},
	}))

	// The panic is recovered inside the launch goroutine; the other bot
	// still comes up.
	cycleUntil(t, o, func() bool {
		for _, snap := range o.Snapshots(context.Background()) {
			if snap.BotID == "bot-good" && snap.State == "active" {
				return true
			}
		}
		return false
	})

	// The panicked session never initialized. It stays registered and
	// idle instead of taking the worker down.
	assert.Equal(t, 2, o.SessionCount())
	assert.Equal(t, types.BotRunning, store.botStatus("bot-panic"))
	o.Cycle(context.Background())
	assert.Equal(t, 2, o.SessionCount())
}

func TestCycle_TearsDownStoppedBot(t *testing.T) {
	store := newMemStore()
	store.addBot(runningBot("bot-1", "user-1"))

	gw := exchange.NewMockGateway(testLogger(), exchange.WithPrice(1000))
	o := New(store, testLogger(), WithGatewayFactory(&mockFactory{gw: gw}))

	cycleUntil(t, o, func() bool {
		snaps := o.Snapshots(context.Background())
		return len(snaps) == 1 && snaps[0].State == "active"
	})

	// Flip the durable status; the next cycles wind the session down
	// and reap it.
	require.NoError(t, store.SetStatus(context.Background(), "bot-1", types.BotStopped, ""))
	cycleUntil(t, o, func() bool {
		return o.SessionCount() == 0
	})

	// Shutdown cancelled the resting orders.
	pending, err := store.ListPending(context.Background(), "bot-1")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestStopBot_WithoutSessionUpdatesStatus(t *testing.T) {
	store := newMemStore()
	store.addBot(runningBot("bot-1", "user-1"))

	o := New(store, testLogger(), WithGatewayFactory(&mockFactory{
		gw: exchange.NewMockGateway(testLogger()),
	}))

	require.NoError(t, o.StopBot(context.Background(), "bot-1"))
	assert.Equal(t, types.BotStopped, store.botStatus("bot-1"))
}

func TestStartBot_MarksRunning(t *testing.T) {
	store := newMemStore()
	bot := runningBot("bot-1", "user-1")
	bot.Status = types.BotStopped
	store.addBot(bot)

	o := New(store, testLogger(), WithGatewayFactory(&mockFactory{
		gw: exchange.NewMockGateway(testLogger()),
	}))

	require.NoError(t, o.StartBot(context.Background(), "bot-1"))
	assert.Equal(t, types.BotRunning, store.botStatus("bot-1"))

	o.Cycle(context.Background())
	assert.Equal(t, 1, o.SessionCount())
}

func TestGatewayCache_SharedPerUser(t *testing.T) {
	store := newMemStore()
	store.creds["user-1"] = &types.Credentials{APIKey: "key", APISecret: "secret"}

	cache := newGatewayCache(store, testLogger())

	first, err := cache.GatewayFor(context.Background(), "user-1")
	require.NoError(t, err)
	second, err := cache.GatewayFor(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Same(t, first, second)

	_, err = cache.GatewayFor(context.Background(), "user-2")
	var credErr *types.CredentialError
	assert.ErrorAs(t, err, &credErr)
}

var _ session.GatewayFactory = (*mockFactory)(nil)
var _ Store = (*memStore)(nil)
