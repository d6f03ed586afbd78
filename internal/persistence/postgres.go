package persistence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"gridcore/internal/crypto"
	"gridcore/internal/types"
)

// Store handles durable state in PostgreSQL: bot configuration, the
// order ledger, realized trades, credentials and the bot log sink.
type Store struct {
	pool          *pgxpool.Pool
	logger        *slog.Logger
	encryptionKey string
}

// NewStore creates a new PostgreSQL store
func NewStore(ctx context.Context, logger *slog.Logger) (*Store, error) {
	// Load encryption key
	encryptionKey, err := crypto.LoadEncryptionKey()
	if err != nil {
		return nil, fmt.Errorf("failed to load encryption key: %w", err)
	}

	// Build connection string
	connStr := buildConnectionString()
	logger.Info("[POSTGRES] Connecting to database", "host", os.Getenv("POSTGRES_HOST"))

	// Create connection pool
	poolConfig, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	poolConfig.MaxConns = 10
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Test connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("[POSTGRES] Connected to database")

	return &Store{
		pool:          pool,
		logger:        logger,
		encryptionKey: encryptionKey,
	}, nil
}

// buildConnectionString creates a PostgreSQL connection string from environment variables
func buildConnectionString() string {
	host := getEnvOrDefault("POSTGRES_HOST", "localhost")
	port := getEnvOrDefault("POSTGRES_PORT", "5432")
	user := getEnvOrDefault("POSTGRES_USER", "gridcore")
	dbname := getEnvOrDefault("POSTGRES_DB", "gridcore")

	// Try to read password from Docker secret first
	password := ""
	if data, err := os.ReadFile("/run/secrets/postgres_password"); err == nil {
		password = strings.TrimSpace(string(data))
	} else {
		password = os.Getenv("POSTGRES_PASSWORD")
	}

	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		host, port, user, password, dbname,
	)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// Close closes the database connection pool
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
		s.logger.Info("[POSTGRES] Connection closed")
	}
}

const botColumns = `
	id, user_id, symbol, market_type, status, grid_type, grid_count,
	lower_price, upper_price, investment_amount, stop_loss_percent,
	interval_seconds, current_price, COALESCE(last_error, ''), updated_at
`

func scanBot(row pgx.Row) (*types.Bot, error) {
	var bot types.Bot
	err := row.Scan(
		&bot.ID, &bot.UserID, &bot.Symbol, &bot.MarketType, &bot.Status,
		&bot.GridType, &bot.GridCount, &bot.LowerPrice, &bot.UpperPrice,
		&bot.InvestmentAmount, &bot.StopLossPercent, &bot.IntervalSeconds,
		&bot.CurrentPrice, &bot.LastError, &bot.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &bot, nil
}

// GetRunningBots loads all bots marked as running. The orchestrator
// diffs this set against its session registry every cycle.
func (s *Store) GetRunningBots(ctx context.Context) ([]*types.Bot, error) {
	query := `
		SELECT ` + botColumns + `
		FROM grid_bots
		WHERE status = 'running'
		ORDER BY id
	`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query running bots: %w", err)
	}
	defer rows.Close()

	var bots []*types.Bot
	for rows.Next() {
		bot, err := scanBot(rows)
		if err != nil {
			s.logger.Error("[POSTGRES] Failed to scan bot row", "error", err)
			continue
		}
		bots = append(bots, bot)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating bot rows: %w", err)
	}

	return bots, nil
}

// GetBot loads a single bot by ID
func (s *Store) GetBot(ctx context.Context, botID string) (*types.Bot, error) {
	query := `
		SELECT ` + botColumns + `
		FROM grid_bots
		WHERE id = $1
	`

	bot, err := scanBot(s.pool.QueryRow(ctx, query, botID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("bot not found: %s", botID)
		}
		return nil, fmt.Errorf("failed to load bot: %w", err)
	}
	return bot, nil
}

// SetStatus updates the bot status and last error
func (s *Store) SetStatus(ctx context.Context, botID string, status types.BotStatus, lastError string) error {
	query := `
		UPDATE grid_bots
		SET status = $1, last_error = NULLIF($2, ''), updated_at = NOW()
		WHERE id = $3
	`

	if _, err := s.pool.Exec(ctx, query, status, lastError, botID); err != nil {
		return &types.PersistenceError{Op: "status update", Err: err}
	}

	s.logger.Info("[POSTGRES] Bot status updated", "bot_id", botID, "status", status)
	return nil
}

// SetDerivedBounds persists bounds computed from the market price at
// initialization so restarts rebuild the same ladder.
func (s *Store) SetDerivedBounds(ctx context.Context, botID string, lower, upper float64) error {
	query := `
		UPDATE grid_bots
		SET lower_price = $1, upper_price = $2, updated_at = NOW()
		WHERE id = $3
	`

	if _, err := s.pool.Exec(ctx, query, lower, upper, botID); err != nil {
		return &types.PersistenceError{Op: "bounds update", Err: err}
	}

	s.logger.Info("[POSTGRES] Derived bounds saved", "bot_id", botID, "lower", lower, "upper", upper)
	return nil
}

// SetCurrentPrice updates the last observed market price for a bot
func (s *Store) SetCurrentPrice(ctx context.Context, botID string, price float64) error {
	query := `
		UPDATE grid_bots
		SET current_price = $1, updated_at = NOW()
		WHERE id = $2
	`

	if _, err := s.pool.Exec(ctx, query, price, botID); err != nil {
		return &types.PersistenceError{Op: "price update", Err: err}
	}
	return nil
}

// GetCredentials retrieves and decrypts a user's venue API credentials
func (s *Store) GetCredentials(ctx context.Context, userID string) (*types.Credentials, error) {
	query := `
		SELECT api_key_encrypted, api_secret_encrypted
		FROM user_trading_keys
		WHERE user_id = $1
	`

	var apiKeyEnc, apiSecretEnc string
	err := s.pool.QueryRow(ctx, query, userID).Scan(&apiKeyEnc, &apiSecretEnc)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &types.CredentialError{UserID: userID, Err: fmt.Errorf("no trading keys found")}
		}
		return nil, fmt.Errorf("failed to get user credentials: %w", err)
	}

	apiKey, err := crypto.DecryptSecret(apiKeyEnc, s.encryptionKey)
	if err != nil {
		return nil, &types.CredentialError{UserID: userID, Err: fmt.Errorf("failed to decrypt API key: %w", err)}
	}

	apiSecret, err := crypto.DecryptSecret(apiSecretEnc, s.encryptionKey)
	if err != nil {
		return nil, &types.CredentialError{UserID: userID, Err: fmt.Errorf("failed to decrypt API secret: %w", err)}
	}

	return &types.Credentials{
		APIKey:    apiKey,
		APISecret: apiSecret,
	}, nil
}

// CreateOrder appends a pending order to the ledger. At most one
// pending order may exist per (bot, level, side); a second insert for
// the same slot fails with ErrDuplicatePending.
func (s *Store) CreateOrder(ctx context.Context, order *types.GridOrder) error {
	if order.ID == "" {
		order.ID = uuid.New().String()
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return &types.PersistenceError{Op: "order create", Err: err}
	}
	defer tx.Rollback(ctx)

	var exists bool
	err = tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM grid_orders
			WHERE bot_id = $1 AND level = $2 AND side = $3 AND status = 'pending'
		)
	`, order.BotID, order.Level, order.Side).Scan(&exists)
	if err != nil {
		return &types.PersistenceError{Op: "order create", Err: err}
	}
	if exists {
		return fmt.Errorf("level %d side %s: %w", order.Level, order.Side, types.ErrDuplicatePending)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO grid_orders (
			id, bot_id, level, side, price, quantity, origin_price,
			exchange_order_id, client_order_id, status, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 'pending', NOW(), NOW())
	`,
		order.ID, order.BotID, order.Level, order.Side, order.Price,
		order.Quantity, order.OriginPrice, order.ExchangeOrderID, order.ClientOrderID,
	)
	if err != nil {
		return &types.PersistenceError{Op: "order create", Err: err}
	}

	if err := tx.Commit(ctx); err != nil {
		return &types.PersistenceError{Op: "order create", Err: err}
	}

	order.Status = types.OrderPending
	return nil
}

const orderColumns = `
	id, bot_id, level, side, price, quantity, origin_price,
	COALESCE(exchange_order_id, ''), COALESCE(client_order_id, ''),
	status, COALESCE(filled_price, 0), created_at, updated_at
`

// ListPending returns all pending orders for a bot, oldest first
func (s *Store) ListPending(ctx context.Context, botID string) ([]types.GridOrder, error) {
	query := `
		SELECT ` + orderColumns + `
		FROM grid_orders
		WHERE bot_id = $1 AND status = 'pending'
		ORDER BY created_at
	`

	rows, err := s.pool.Query(ctx, query, botID)
	if err != nil {
		return nil, &types.PersistenceError{Op: "pending list", Err: err}
	}
	defer rows.Close()

	var orders []types.GridOrder
	for rows.Next() {
		var o types.GridOrder
		err := rows.Scan(
			&o.ID, &o.BotID, &o.Level, &o.Side, &o.Price, &o.Quantity,
			&o.OriginPrice, &o.ExchangeOrderID, &o.ClientOrderID,
			&o.Status, &o.FilledPrice, &o.CreatedAt, &o.UpdatedAt,
		)
		if err != nil {
			return nil, &types.PersistenceError{Op: "pending list", Err: err}
		}
		orders = append(orders, o)
	}

	if err := rows.Err(); err != nil {
		return nil, &types.PersistenceError{Op: "pending list", Err: err}
	}
	return orders, nil
}

// HasPending reports whether a pending order exists for a grid slot
func (s *Store) HasPending(ctx context.Context, botID string, level int, side types.Side) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM grid_orders
			WHERE bot_id = $1 AND level = $2 AND side = $3 AND status = 'pending'
		)
	`, botID, level, side).Scan(&exists)
	if err != nil {
		return false, &types.PersistenceError{Op: "pending check", Err: err}
	}
	return exists, nil
}

// MarkFilled transitions a pending order to filled. Safe to call again
// for an already filled order; the WHERE clause makes it a no-op.
func (s *Store) MarkFilled(ctx context.Context, orderID string, filledPrice float64) error {
	query := `
		UPDATE grid_orders
		SET status = 'filled', filled_price = $1, updated_at = NOW()
		WHERE id = $2 AND status = 'pending'
	`

	if _, err := s.pool.Exec(ctx, query, filledPrice, orderID); err != nil {
		return &types.PersistenceError{Op: "order fill", Err: err}
	}
	return nil
}

// MarkCancelled transitions a pending order to cancelled
func (s *Store) MarkCancelled(ctx context.Context, orderID string) error {
	query := `
		UPDATE grid_orders
		SET status = 'cancelled', updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`

	if _, err := s.pool.Exec(ctx, query, orderID); err != nil {
		return &types.PersistenceError{Op: "order cancel", Err: err}
	}
	return nil
}

// CountOrders counts a bot's ledger rows with the given status
func (s *Store) CountOrders(ctx context.Context, botID string, status types.OrderStatus) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM grid_orders WHERE bot_id = $1 AND status = $2
	`, botID, status).Scan(&count)
	if err != nil {
		return 0, &types.PersistenceError{Op: "order count", Err: err}
	}
	return count, nil
}

// RecordTrade inserts a realized round-trip trade
func (s *Store) RecordTrade(ctx context.Context, trade *types.Trade) error {
	if trade.ID == "" {
		trade.ID = uuid.New().String()
	}

	query := `
		INSERT INTO grid_trades (
			id, bot_id, symbol, side, entry_price, exit_price,
			quantity, profit_loss, status, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
	`

	_, err := s.pool.Exec(ctx, query,
		trade.ID, trade.BotID, trade.Symbol, trade.Side,
		trade.EntryPrice, trade.ExitPrice, trade.Quantity,
		trade.ProfitLoss, trade.Status,
	)
	if err != nil {
		return &types.PersistenceError{Op: "trade record", Err: err}
	}

	s.logger.Info("[POSTGRES] Trade recorded",
		"trade_id", trade.ID,
		"bot_id", trade.BotID,
		"symbol", trade.Symbol,
		"side", trade.Side,
		"profit_loss", trade.ProfitLoss,
	)
	return nil
}

// ListTrades returns all realized trades for a bot, oldest first
func (s *Store) ListTrades(ctx context.Context, botID string) ([]types.Trade, error) {
	query := `
		SELECT id, bot_id, symbol, side, entry_price, exit_price,
		       quantity, profit_loss, status, created_at
		FROM grid_trades
		WHERE bot_id = $1
		ORDER BY created_at
	`

	rows, err := s.pool.Query(ctx, query, botID)
	if err != nil {
		return nil, &types.PersistenceError{Op: "trade list", Err: err}
	}
	defer rows.Close()

	var trades []types.Trade
	for rows.Next() {
		var t types.Trade
		err := rows.Scan(
			&t.ID, &t.BotID, &t.Symbol, &t.Side, &t.EntryPrice,
			&t.ExitPrice, &t.Quantity, &t.ProfitLoss, &t.Status, &t.CreatedAt,
		)
		if err != nil {
			return nil, &types.PersistenceError{Op: "trade list", Err: err}
		}
		trades = append(trades, t)
	}

	if err := rows.Err(); err != nil {
		return nil, &types.PersistenceError{Op: "trade list", Err: err}
	}
	return trades, nil
}

// AppendLog writes one entry to the bot log sink. Best effort: a
// failure here is logged and swallowed so it never breaks a tick.
func (s *Store) AppendLog(ctx context.Context, botID string, level types.LogLevel, message string) {
	query := `
		INSERT INTO bot_logs (bot_id, level, message, created_at)
		VALUES ($1, $2, $3, NOW())
	`

	if _, err := s.pool.Exec(ctx, query, botID, level, message); err != nil {
		s.logger.Error("[POSTGRES] Failed to append bot log",
			"bot_id", botID,
			"level", level,
			"error", err,
		)
	}
}
