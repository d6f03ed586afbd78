package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"gridcore/internal/types"
)

// MockGateway implements Gateway for tests and for MOCK_MODE runs where
// no real orders should reach the venue.
type MockGateway struct {
	logger *slog.Logger
	mu     sync.RWMutex

	price       float64
	balances    map[string]float64
	placed      []OrderRequest
	cancelled   []string
	statuses    map[string]string // exchangeOrderID -> venue status
	fillPrices  map[string]float64
	orderIDSeq  atomic.Int64
	failPlace   error
	failStatus  error
	failPrice   error
	badCreds    bool
}

// MockGatewayOption configures the mock gateway.
type MockGatewayOption func(*MockGateway)

// WithPrice sets the price returned by GetPrice.
func WithPrice(price float64) MockGatewayOption {
	return func(m *MockGateway) {
		m.price = price
	}
}

// WithBalance sets the free balance for an asset.
func WithBalance(asset string, amount float64) MockGatewayOption {
	return func(m *MockGateway) {
		m.balances[asset] = amount
	}
}

// WithPlaceFailure makes every placement fail with err.
func WithPlaceFailure(err error) MockGatewayOption {
	return func(m *MockGateway) {
		m.failPlace = err
	}
}

// WithStatusFailure makes every status query fail with err.
func WithStatusFailure(err error) MockGatewayOption {
	return func(m *MockGateway) {
		m.failStatus = err
	}
}

// WithPriceFailure makes every price query fail with err.
func WithPriceFailure(err error) MockGatewayOption {
	return func(m *MockGateway) {
		m.failPrice = err
	}
}

// WithBadCredentials makes ValidateCredentials fail.
func WithBadCredentials() MockGatewayOption {
	return func(m *MockGateway) {
		m.badCreds = true
	}
}

// NewMockGateway creates a mock gateway for testing.
func NewMockGateway(logger *slog.Logger, opts ...MockGatewayOption) *MockGateway {
	m := &MockGateway{
		logger:     logger,
		price:      100.0,
		balances:   map[string]float64{"USDT": 10000.0},
		statuses:   make(map[string]string),
		fillPrices: make(map[string]float64),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// GetPrice returns the configured mock price.
func (m *MockGateway) GetPrice(ctx context.Context, symbol string) (float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.failPrice != nil {
		return 0, m.failPrice
	}
	return m.price, nil
}

// SetPrice updates the mock price (for tests).
func (m *MockGateway) SetPrice(price float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.price = price
}

// PlaceLimitOrder records the request and acknowledges it as NEW.
func (m *MockGateway) PlaceLimitOrder(ctx context.Context, req OrderRequest) (*OrderAck, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failPlace != nil {
		return nil, m.failPlace
	}

	orderID := fmt.Sprintf("MOCK-%d", m.orderIDSeq.Add(1))
	m.placed = append(m.placed, req)
	m.statuses[orderID] = VenueStatusNew

	m.logger.Info("[MOCK] Order placed",
		"order_id", orderID,
		"symbol", req.Symbol,
		"side", req.Side,
		"price", req.Price,
		"quantity", req.Quantity,
	)

	return &OrderAck{ExchangeOrderID: orderID, Status: VenueStatusNew}, nil
}

// CancelOrder records the cancellation and marks the order CANCELED.
func (m *MockGateway) CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cancelled = append(m.cancelled, exchangeOrderID)
	m.statuses[exchangeOrderID] = VenueStatusCanceled
	return nil
}

// GetOrderStatus returns the scripted status for an order.
func (m *MockGateway) GetOrderStatus(ctx context.Context, symbol, exchangeOrderID string) (*VenueOrder, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.failStatus != nil {
		return nil, m.failStatus
	}

	status, ok := m.statuses[exchangeOrderID]
	if !ok {
		return nil, &types.VenueRejectionError{
			Op:  "order status query",
			Err: fmt.Errorf("unknown order %s", exchangeOrderID),
		}
	}

	return &VenueOrder{
		ExchangeOrderID: exchangeOrderID,
		Status:          status,
		Price:           m.fillPrices[exchangeOrderID],
	}, nil
}

// GetBalance returns the mock balance for an asset.
func (m *MockGateway) GetBalance(ctx context.Context, asset string) (float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.balances[asset], nil
}

// ValidateCredentials succeeds unless configured otherwise.
func (m *MockGateway) ValidateCredentials(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.badCreds {
		return &types.CredentialError{UserID: "mock", Err: fmt.Errorf("invalid api key")}
	}
	return nil
}

// Close is a no-op.
func (m *MockGateway) Close() error {
	return nil
}

// MarkFilled scripts a FILLED status for an order (for tests).
func (m *MockGateway) MarkFilled(exchangeOrderID string, fillPrice float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses[exchangeOrderID] = VenueStatusFilled
	m.fillPrices[exchangeOrderID] = fillPrice
}

// MarkCancelled scripts a CANCELED status for an order (for tests).
func (m *MockGateway) MarkCancelled(exchangeOrderID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses[exchangeOrderID] = VenueStatusCanceled
}

// PlacedOrders returns all recorded placements (for tests).
func (m *MockGateway) PlacedOrders() []OrderRequest {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]OrderRequest, len(m.placed))
	copy(out, m.placed)
	return out
}

// CancelledOrders returns all recorded cancellations (for tests).
func (m *MockGateway) CancelledOrders() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, len(m.cancelled))
	copy(out, m.cancelled)
	return out
}

// SetPlaceFailure toggles placement failure at runtime (for tests).
func (m *MockGateway) SetPlaceFailure(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failPlace = err
}

// SetStatusFailure toggles status-query failure at runtime (for tests).
func (m *MockGateway) SetStatusFailure(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failStatus = err
}
