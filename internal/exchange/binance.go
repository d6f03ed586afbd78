package exchange

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"golang.org/x/time/rate"

	"gridcore/internal/types"
)

// requestsPerSecond caps outbound signed calls per credential. The
// limiter lives on the gateway, and one gateway is shared by every
// session trading on the same account, so the cap is per-credential
// rather than global.
const requestsPerSecond = 10

// BinanceGateway implements Gateway against the Binance REST API.
type BinanceGateway struct {
	client  *binance.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewBinanceGateway creates a gateway bound to one account's API keys.
func NewBinanceGateway(apiKey, secretKey string, logger *slog.Logger) *BinanceGateway {
	return &BinanceGateway{
		client:  binance.NewClient(apiKey, secretKey),
		limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), requestsPerSecond),
		logger:  logger,
	}
}

// GetPrice returns the current price for a symbol.
func (g *BinanceGateway) GetPrice(ctx context.Context, symbol string) (float64, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return 0, err
	}

	prices, err := g.client.NewListPricesService().Symbol(symbol).Do(ctx)
	if err != nil {
		return 0, wrapVenueErr("price query", err)
	}
	if len(prices) == 0 {
		return 0, fmt.Errorf("no price found for %s", symbol)
	}

	price, err := strconv.ParseFloat(prices[0].Price, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse price: %w", err)
	}
	return price, nil
}

// PlaceLimitOrder places a GTC limit order.
func (g *BinanceGateway) PlaceLimitOrder(ctx context.Context, req OrderRequest) (*OrderAck, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	side := binance.SideTypeBuy
	if req.Side == "SELL" {
		side = binance.SideTypeSell
	}

	svc := g.client.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(side).
		Type(binance.OrderTypeLimit).
		TimeInForce(binance.TimeInForceTypeGTC).
		Quantity(strconv.FormatFloat(req.Quantity, 'f', 8, 64)).
		Price(strconv.FormatFloat(req.Price, 'f', 8, 64))
	if req.ClientOrderID != "" {
		svc = svc.NewClientOrderID(req.ClientOrderID)
	}

	order, err := svc.Do(ctx)
	if err != nil {
		g.logger.Error("[BINANCE] Order failed",
			"symbol", req.Symbol,
			"side", req.Side,
			"price", req.Price,
			"error", err,
		)
		return nil, wrapVenueErr("order placement", err)
	}

	g.logger.Info("[BINANCE] Order placed",
		"order_id", order.OrderID,
		"symbol", req.Symbol,
		"side", req.Side,
		"price", req.Price,
		"status", order.Status,
	)

	return &OrderAck{
		ExchangeOrderID: strconv.FormatInt(order.OrderID, 10),
		Status:          string(order.Status),
	}, nil
}

// CancelOrder cancels a resting order.
func (g *BinanceGateway) CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error {
	if err := g.limiter.Wait(ctx); err != nil {
		return err
	}

	orderID, err := strconv.ParseInt(exchangeOrderID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid exchange order id %q: %w", exchangeOrderID, err)
	}

	_, err = g.client.NewCancelOrderService().
		Symbol(symbol).
		OrderID(orderID).
		Do(ctx)
	if err != nil {
		return wrapVenueErr("order cancellation", err)
	}

	g.logger.Info("[BINANCE] Order cancelled", "symbol", symbol, "order_id", exchangeOrderID)
	return nil
}

// GetOrderStatus queries the venue-side state of an order.
func (g *BinanceGateway) GetOrderStatus(ctx context.Context, symbol, exchangeOrderID string) (*VenueOrder, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	orderID, err := strconv.ParseInt(exchangeOrderID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid exchange order id %q: %w", exchangeOrderID, err)
	}

	order, err := g.client.NewGetOrderService().
		Symbol(symbol).
		OrderID(orderID).
		Do(ctx)
	if err != nil {
		return nil, wrapVenueErr("order status query", err)
	}

	price, _ := strconv.ParseFloat(order.Price, 64)
	executed, _ := strconv.ParseFloat(order.ExecutedQuantity, 64)

	return &VenueOrder{
		ExchangeOrderID: exchangeOrderID,
		Status:          string(order.Status),
		Price:           price,
		ExecutedQty:     executed,
	}, nil
}

// GetBalance returns the free balance for an asset.
func (g *BinanceGateway) GetBalance(ctx context.Context, asset string) (float64, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return 0, err
	}

	account, err := g.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return 0, wrapVenueErr("balance query", err)
	}

	for _, balance := range account.Balances {
		if balance.Asset == asset {
			free, _ := strconv.ParseFloat(balance.Free, 64)
			return free, nil
		}
	}
	return 0, nil
}

// ValidateCredentials makes one authenticated account call so that bad
// keys surface at session initialization instead of at the first order.
func (g *BinanceGateway) ValidateCredentials(ctx context.Context) error {
	if err := g.limiter.Wait(ctx); err != nil {
		return err
	}

	if _, err := g.client.NewGetAccountService().Do(ctx); err != nil {
		return wrapVenueErr("credential validation", err)
	}
	return nil
}

// Close is a no-op for the REST client.
func (g *BinanceGateway) Close() error {
	return nil
}

// wrapVenueErr maps a venue failure onto the error taxonomy: network
// failures and retryable API codes become transient, everything else a
// rejection.
func wrapVenueErr(op string, err error) error {
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case -1001, // internal error
			-1003, // rate limit
			-1007, // request timeout
			-1021: // clock skew
			return &types.TransientVenueError{Op: op, Err: err}
		}
		return &types.VenueRejectionError{Op: op, Err: err}
	}
	// No API-level response at all: treat as a network problem.
	return &types.TransientVenueError{Op: op, Err: err}
}
