// Package receiver exposes the worker's control API over HTTP: bot
// start/stop commands, session status views, health and metrics.
package receiver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"gridcore/internal/types"
)

// Controller is the orchestrator surface the receiver commands.
type Controller interface {
	StartBot(ctx context.Context, botID string) error
	StopBot(ctx context.Context, botID string) error
	Snapshots(ctx context.Context) []*types.SessionSnapshot
	SessionCount() int
}

// BotReader resolves bots that have no live session yet.
type BotReader interface {
	GetBot(ctx context.Context, botID string) (*types.Bot, error)
}

// BotRequest is the body of start and stop commands.
type BotRequest struct {
	BotID string `json:"bot_id"`
}

// HTTPReceiver handles incoming control requests.
type HTTPReceiver struct {
	server     *http.Server
	logger     *slog.Logger
	controller Controller
	bots       BotReader
	port       int
}

// NewHTTPReceiver creates a new control API receiver.
func NewHTTPReceiver(port int, controller Controller, bots BotReader, logger *slog.Logger) *HTTPReceiver {
	return &HTTPReceiver{
		port:       port,
		controller: controller,
		bots:       bots,
		logger:     logger,
	}
}

// Start starts the HTTP server
func (r *HTTPReceiver) Start(ctx context.Context) error {
	mux := http.NewServeMux()

	// Bot management endpoints
	mux.HandleFunc("/bot/start", r.handleBotStart)
	mux.HandleFunc("/bot/stop", r.handleBotStop)
	mux.HandleFunc("/bot/", r.handleBotStatus) // /bot/{id}/status
	mux.HandleFunc("/bots", r.handleBotsList)

	// Health and observability endpoints
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/", r.handleRoot)

	r.server = &http.Server{
		Addr:         fmt.Sprintf("127.0.0.1:%d", r.port),
		Handler:      r.loggingMiddleware(mux),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	r.logger.Info("[RECEIVER] Starting HTTP server",
		"port", r.port,
		"address", r.server.Addr,
	)

	// Run server in goroutine
	errChan := make(chan error, 1)
	go func() {
		if err := r.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Wait briefly to check for immediate errors
	select {
	case err := <-errChan:
		return fmt.Errorf("failed to start server: %w", err)
	case <-time.After(100 * time.Millisecond):
		return nil
	}
}

// Stop gracefully shuts down the HTTP server
func (r *HTTPReceiver) Stop(ctx context.Context) error {
	if r.server == nil {
		return nil
	}

	r.logger.Info("[RECEIVER] Shutting down HTTP server")
	return r.server.Shutdown(ctx)
}

// loggingMiddleware logs all incoming requests
func (r *HTTPReceiver) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()

		// Wrap response writer to capture status code
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, req)

		r.logger.Info("[RECEIVER] Request",
			"method", req.Method,
			"path", req.URL.Path,
			"status", wrapped.statusCode,
			"duration", time.Since(start),
			"remote", req.RemoteAddr,
		)
	})
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

// handleRoot handles requests to the root path
func (r *HTTPReceiver) handleRoot(w http.ResponseWriter, req *http.Request) {
	if req.URL.Path != "/" {
		http.NotFound(w, req)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"service": "gridcore",
		"endpoints": []string{
			"POST /bot/start - Start a bot",
			"POST /bot/stop - Stop a bot",
			"GET /bot/{id}/status - Get bot status",
			"GET /bots - List live sessions",
			"GET /healthz - Health check",
			"GET /metrics - Prometheus metrics",
		},
	})
}

// handleHealth handles health check requests
func (r *HTTPReceiver) handleHealth(w http.ResponseWriter, req *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":   "healthy",
		"sessions": r.controller.SessionCount(),
		"time":     time.Now().Format(time.RFC3339),
	})
}

// handleBotStart handles POST /bot/start
func (r *HTTPReceiver) handleBotStart(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.sendError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var startReq BotRequest
	if err := json.NewDecoder(req.Body).Decode(&startReq); err != nil {
		r.sendError(w, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %v", err))
		return
	}
	if startReq.BotID == "" {
		r.sendError(w, http.StatusBadRequest, "bot_id is required")
		return
	}

	// The bot row must exist; the orchestrator picks it up next cycle.
	if _, err := r.bots.GetBot(req.Context(), startReq.BotID); err != nil {
		r.sendError(w, http.StatusNotFound, fmt.Sprintf("Unknown bot: %v", err))
		return
	}

	if err := r.controller.StartBot(req.Context(), startReq.BotID); err != nil {
		r.logger.Error("[RECEIVER] Failed to start bot", "bot_id", startReq.BotID, "error", err)
		r.sendError(w, http.StatusInternalServerError, "Failed to start bot")
		return
	}

	r.logger.Info("[RECEIVER] Bot start command received", "bot_id", startReq.BotID)
	r.sendSuccess(w, "Bot starting", map[string]string{
		"bot_id": startReq.BotID,
		"status": "starting",
	})
}

// handleBotStop handles POST /bot/stop
func (r *HTTPReceiver) handleBotStop(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.sendError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var stopReq BotRequest
	if err := json.NewDecoder(req.Body).Decode(&stopReq); err != nil {
		r.sendError(w, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %v", err))
		return
	}
	if stopReq.BotID == "" {
		r.sendError(w, http.StatusBadRequest, "bot_id is required")
		return
	}

	if err := r.controller.StopBot(req.Context(), stopReq.BotID); err != nil {
		r.logger.Error("[RECEIVER] Failed to stop bot", "bot_id", stopReq.BotID, "error", err)
		r.sendError(w, http.StatusInternalServerError, "Failed to stop bot")
		return
	}

	r.logger.Info("[RECEIVER] Bot stop command received", "bot_id", stopReq.BotID)
	r.sendSuccess(w, "Bot stopping", map[string]string{
		"bot_id": stopReq.BotID,
		"status": "stopping",
	})
}

// handleBotStatus handles GET /bot/{id}/status
func (r *HTTPReceiver) handleBotStatus(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.sendError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	botID := strings.TrimPrefix(req.URL.Path, "/bot/")
	botID = strings.TrimSuffix(botID, "/status")
	botID = strings.TrimSuffix(botID, "/")
	if botID == "" {
		r.sendError(w, http.StatusBadRequest, "Bot ID is required")
		return
	}

	// A live session gives the richest view.
	for _, snap := range r.controller.Snapshots(req.Context()) {
		if snap.BotID == botID {
			r.sendSuccess(w, "Bot status", snap)
			return
		}
	}

	// Otherwise fall back to the durable row.
	bot, err := r.bots.GetBot(req.Context(), botID)
	if err != nil {
		r.sendError(w, http.StatusNotFound, "Bot not found")
		return
	}
	r.sendSuccess(w, "Bot status", map[string]interface{}{
		"bot_id":     bot.ID,
		"symbol":     bot.Symbol,
		"status":     bot.Status,
		"last_error": bot.LastError,
	})
}

// handleBotsList handles GET /bots - list live sessions
func (r *HTTPReceiver) handleBotsList(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.sendError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	snaps := r.controller.Snapshots(req.Context())
	r.sendSuccess(w, "Live sessions", map[string]interface{}{
		"sessions": snaps,
		"count":    len(snaps),
	})
}

// sendError sends an error response
func (r *HTTPReceiver) sendError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success": false,
		"error":   message,
	})
}

// sendSuccess sends a success response
func (r *HTTPReceiver) sendSuccess(w http.ResponseWriter, message string, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success": true,
		"message": message,
		"data":    data,
	})
}
