package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"gridcore/internal/exchange"
	"gridcore/internal/orchestrator"
	"gridcore/internal/persistence"
	"gridcore/internal/receiver"
	"gridcore/internal/session"
)

// Config holds the application configuration
type Config struct {
	AdminPort      int
	MockMode       bool
	LogLevel       string
	CycleSeconds   int
	MinTickSeconds int
}

func main() {
	once := flag.Bool("once", false, "run a single cycle for every running bot, then exit")
	botID := flag.String("bot-id", "", "with -once, run a single cycle for one bot only")
	flag.Parse()

	// Load .env file if it exists
	_ = godotenv.Load()

	// Parse configuration
	cfg := loadConfig()

	// Setup logger
	logger := setupLogger(cfg.LogLevel)

	logger.Info("Starting GridCore Worker",
		"mock_mode", cfg.MockMode,
		"admin_port", cfg.AdminPort,
		"cycle_seconds", cfg.CycleSeconds,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Initialize persistence
	store, err := persistence.NewStore(ctx, logger)
	if err != nil {
		logger.Error("Failed to initialize store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	// Build the orchestrator. In mock mode every session shares one
	// mock gateway so no real orders reach the venue.
	opts := []orchestrator.Option{
		orchestrator.WithCycleInterval(time.Duration(cfg.CycleSeconds) * time.Second),
		orchestrator.WithMinTickInterval(time.Duration(cfg.MinTickSeconds) * time.Second),
	}
	if cfg.MockMode {
		logger.Info("Running in MOCK MODE - no real trades will be executed")
		opts = append(opts, orchestrator.WithGatewayFactory(&mockFactory{
			gw: exchange.NewMockGateway(logger),
		}))
	}
	orch := orchestrator.New(store, logger, opts...)

	// Single-shot mode: one cycle per bot, no admin server.
	if *once {
		runOnce(ctx, orch, store, logger, *botID, cfg.MockMode)
		return
	}

	// Control API: bot start/stop, session status, health and metrics.
	httpReceiver := receiver.NewHTTPReceiver(cfg.AdminPort, orch, store, logger)
	if err := httpReceiver.Start(ctx); err != nil {
		logger.Error("Failed to start HTTP receiver", "error", err)
		os.Exit(1)
	}

	go func() {
		sig := <-sigChan
		logger.Info("Received shutdown signal", "signal", sig)
		cancel()
	}()

	// Blocks until the context is cancelled, then stops every session.
	orch.Run(ctx)

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := httpReceiver.Stop(shutdownCtx); err != nil {
		logger.Error("Error stopping HTTP receiver", "error", err)
	}

	logger.Info("GridCore Worker stopped gracefully")
}

// runOnce drives a single initialize-and-tick pass. With a bot ID it
// runs that one session directly; otherwise it cycles the orchestrator
// over every running bot.
func runOnce(ctx context.Context, orch *orchestrator.Orchestrator, store *persistence.Store, logger *slog.Logger, botID string, mockMode bool) {
	if botID == "" {
		logger.Info("Running single cycle for all running bots")
		orch.RunOnce(ctx) // initialize sessions
		orch.RunOnce(ctx) // first reconcile pass
		return
	}

	logger.Info("Running single cycle", "bot_id", botID)

	var factory session.GatewayFactory = &credFactory{store: store, logger: logger}
	if mockMode {
		factory = &mockFactory{gw: exchange.NewMockGateway(logger)}
	}

	s := session.New(botID, store, store, store, factory, logger)
	if err := s.Initialize(ctx); err != nil {
		logger.Error("Initialization failed", "bot_id", botID, "error", err)
		os.Exit(1)
	}
	if err := s.Tick(ctx); err != nil {
		logger.Error("Tick failed", "bot_id", botID, "error", err)
		os.Exit(1)
	}
}

// mockFactory hands one shared mock gateway to every user.
type mockFactory struct {
	gw *exchange.MockGateway
}

func (f *mockFactory) GatewayFor(ctx context.Context, userID string) (exchange.Gateway, error) {
	return f.gw, nil
}

// credFactory builds a live gateway from a user's stored credentials.
type credFactory struct {
	store  *persistence.Store
	logger *slog.Logger
}

func (f *credFactory) GatewayFor(ctx context.Context, userID string) (exchange.Gateway, error) {
	creds, err := f.store.GetCredentials(ctx, userID)
	if err != nil {
		return nil, err
	}
	return exchange.NewBinanceGateway(creds.APIKey, creds.APISecret, f.logger), nil
}

// loadConfig loads configuration from environment variables
func loadConfig() Config {
	adminPort := 9091
	if p := os.Getenv("ADMIN_PORT"); p != "" {
		if parsed, err := strconv.Atoi(p); err == nil {
			adminPort = parsed
		}
	}

	mockMode := true // Default to mock mode for safety
	if m := os.Getenv("MOCK_MODE"); m != "" {
		mockMode = m == "true" || m == "1" || m == "yes"
	}

	cycleSeconds := 5
	if c := os.Getenv("CYCLE_SECONDS"); c != "" {
		if parsed, err := strconv.Atoi(c); err == nil && parsed > 0 {
			cycleSeconds = parsed
		}
	}

	minTickSeconds := 5
	if m := os.Getenv("MIN_TICK_SECONDS"); m != "" {
		if parsed, err := strconv.Atoi(m); err == nil && parsed > 0 {
			minTickSeconds = parsed
		}
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "info"
	}

	return Config{
		AdminPort:      adminPort,
		MockMode:       mockMode,
		LogLevel:       logLevel,
		CycleSeconds:   cycleSeconds,
		MinTickSeconds: minTickSeconds,
	}
}

// setupLogger configures the structured logger
func setupLogger(level string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	handler := slog.NewTextHandler(os.Stdout, opts)
	return slog.New(handler)
}
