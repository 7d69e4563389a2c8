// ALIA Gateway - session bridge between clients and the assistant runtime.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/alia-gateway/internal/api"
	"github.com/ashureev/alia-gateway/internal/config"
	"github.com/ashureev/alia-gateway/internal/conversation"
	"github.com/ashureev/alia-gateway/internal/metrics"
	"github.com/ashureev/alia-gateway/internal/middleware"
	"github.com/ashureev/alia-gateway/internal/runtime"
	"github.com/ashureev/alia-gateway/internal/session"
	"github.com/ashureev/alia-gateway/internal/store"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting gateway", "port", cfg.Port, "dev", cfg.IsDevelopment(),
		"runtime_live_url", cfg.RuntimeLiveURL, "runtime_health_addr", cfg.RuntimeHealthAddr)

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	factory, err := runtime.NewLiveFactory(cfg.RuntimeLiveURL, cfg.RuntimeHealthAddr, logger)
	if err != nil {
		slog.Error("Failed to initialize runtime factory", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := factory.Close(); closeErr != nil {
			slog.Warn("Failed to close runtime factory", "error", closeErr)
		}
	}()

	var transcript store.TranscriptLogger = store.NopTranscriptLogger{}
	if cfg.ConversationLog.Enabled {
		transcript = store.NewTranscriptLogger(repo, cfg.ConversationLog.QueueSize, logger)
	}
	defer func() {
		if closeErr := transcript.Close(); closeErr != nil {
			slog.Warn("Failed to close transcript logger", "error", closeErr)
		}
	}()

	metrics.Register(prometheus.DefaultRegisterer)

	// Initialize services.
	machine := conversation.NewMachine(cfg.ErrorCeiling, cfg.AssessmentQuestions)
	mgr := session.NewManager(session.ManagerConfig{
		Factory:       factory,
		Machine:       machine,
		Repo:          repo,
		Transcript:    transcript,
		Logger:        logger,
		TeardownGrace: cfg.TeardownGrace,
	})

	// Initialize handlers.
	apiHandler := api.NewHandler(mgr, repo)
	wsHandler := api.NewWebSocketHandler(mgr, cfg.FrontendURL, cfg.IsDevelopment())

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS([]string{"*"}))

	apiHandler.RegisterRoutes(r)
	r.Handle("/metrics", promhttp.Handler())

	// WebSocket session endpoint.
	r.Get("/ws/{sessionKey}", wsHandler.ServeHTTP)

	// Create server.
	// Note: WebSocket sessions require long timeouts (no WriteTimeout).
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Start stale-session sweep.
	store.StartCleanupWorker(ctx, repo, cfg.CleanupInterval, cfg.SessionTTL, logger)

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	mgr.CloseAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}
