package exchange

import (
	"context"
)

// Venue-reported order states. The venue API is otherwise treated as an
// opaque capability; these are the only values reconciliation acts on.
const (
	VenueStatusNew             = "NEW"
	VenueStatusPartiallyFilled = "PARTIALLY_FILLED"
	VenueStatusFilled          = "FILLED"
	VenueStatusCanceled        = "CANCELED"
	VenueStatusExpired         = "EXPIRED"
	VenueStatusRejected        = "REJECTED"
)

// Gateway is the capability one bot session needs against the trading
// venue: price queries, order placement/cancellation/status and balance
// queries. Implementations own request signing and per-credential rate
// limiting; all sessions sharing an account share one Gateway.
type Gateway interface {
	// GetPrice returns the current price for a symbol.
	GetPrice(ctx context.Context, symbol string) (float64, error)

	// PlaceLimitOrder places a resting limit order and returns the
	// venue's order reference.
	PlaceLimitOrder(ctx context.Context, req OrderRequest) (*OrderAck, error)

	// CancelOrder cancels a resting order by its venue reference.
	CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error

	// GetOrderStatus queries the venue-side state of an order.
	GetOrderStatus(ctx context.Context, symbol, exchangeOrderID string) (*VenueOrder, error)

	// GetBalance returns the free balance for an asset.
	GetBalance(ctx context.Context, asset string) (float64, error)

	// ValidateCredentials makes one authenticated call to verify the
	// account's API keys work.
	ValidateCredentials(ctx context.Context) error

	// Close cleans up resources.
	Close() error
}

// OrderRequest describes a limit order to place.
type OrderRequest struct {
	Symbol        string
	Side          string // BUY or SELL
	Quantity      float64
	Price         float64
	ClientOrderID string
}

// OrderAck is the venue's acknowledgement of a placed order.
type OrderAck struct {
	ExchangeOrderID string
	Status          string
}

// VenueOrder is the venue-side view of an order returned by status
// queries.
type VenueOrder struct {
	ExchangeOrderID string
	Status          string
	Price           float64
	ExecutedQty     float64
}
