package types

import (
	"time"
)

// MarketType distinguishes the venue market a bot trades on
type MarketType string

const (
	MarketSpot    MarketType = "spot"
	MarketFutures MarketType = "future"
)

// BotStatus is the durable lifecycle status of a bot
type BotStatus string

const (
	BotStopped BotStatus = "stopped"
	BotRunning BotStatus = "running"
	BotError   BotStatus = "error"
)

// Side represents buy or sell
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Opposite returns the other side
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderStatus is the ledger-side status of a grid order
type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderFilled    OrderStatus = "filled"
	OrderCancelled OrderStatus = "cancelled"
)

// Progression selects how grid level prices are distributed
type Progression string

const (
	ProgressionArithmetic Progression = "arithmetic"
	ProgressionGeometric  Progression = "geometric"
)

// LogLevel classifies entries written to the per-bot log sink
type LogLevel string

const (
	LogInfo    LogLevel = "info"
	LogTrade   LogLevel = "trade"
	LogWarning LogLevel = "warning"
	LogError   LogLevel = "error"
)

// Bot is the root entity. GridOrders and Trades belong to it and are
// cascade-deleted with it by the store.
type Bot struct {
	ID               string
	UserID           string
	Symbol           string
	MarketType       MarketType
	Status           BotStatus
	GridType         Progression
	GridCount        int
	LowerPrice       float64 // 0 means "derive from current price at init"
	UpperPrice       float64
	InvestmentAmount float64
	StopLossPercent  float64
	IntervalSeconds  int
	CurrentPrice     float64
	LastError        string
	UpdatedAt        time.Time
}

// HasBounds reports whether explicit grid bounds are configured.
func (b *Bot) HasBounds() bool {
	return b.LowerPrice > 0 && b.UpperPrice > 0
}

// GridLevel is one rung of the price ladder. Levels are derived from the
// bot parameters at session initialization and never persisted.
type GridLevel struct {
	Index     int
	Price     float64
	BuyPrice  float64 // buy trigger, slightly below the nominal price
	SellPrice float64 // sell trigger, slightly above the nominal price
}

// GridOrder is one resting or historical order in the ledger. Rows are
// append-only: status moves pending -> filled or pending -> cancelled,
// nothing is ever deleted.
type GridOrder struct {
	ID       string
	BotID    string
	Level    int
	Side     Side
	Price    float64
	Quantity float64

	// OriginPrice is the fill price of the order whose fill triggered
	// this placement. Zero for initial grid orders; non-zero marks this
	// order as the closing leg of a round trip.
	OriginPrice float64

	ExchangeOrderID string
	ClientOrderID   string
	Status          OrderStatus
	FilledPrice     float64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Trade is a realized round-trip P/L record. Immutable once created.
type Trade struct {
	ID         string
	BotID      string
	Symbol     string
	Side       Side // side of the closing order
	EntryPrice float64
	ExitPrice  float64
	Quantity   float64
	ProfitLoss float64
	Status     string // always "closed" for realized trades
	CreatedAt  time.Time
}

// Credentials holds decrypted venue API credentials for one account.
type Credentials struct {
	APIKey    string
	APISecret string
}

// SessionSnapshot is a read-only view of one running session, safe to
// request concurrently with ticks.
type SessionSnapshot struct {
	BotID          string  `json:"bot_id"`
	Symbol         string  `json:"symbol"`
	State          string  `json:"state"`
	LowerPrice     float64 `json:"lower_price"`
	UpperPrice     float64 `json:"upper_price"`
	GridCount      int     `json:"grid_count"`
	LastPrice      float64 `json:"last_price"`
	PendingOrders  int     `json:"pending_orders"`
	FilledOrders   int     `json:"filled_orders"`
	RealizedProfit float64 `json:"realized_profit"`
}
