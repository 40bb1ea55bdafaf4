// Synapse - AI Tutor Server
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

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/ashureev/synapse-tutor/internal/api"
	"github.com/ashureev/synapse-tutor/internal/config"
	"github.com/ashureev/synapse-tutor/internal/health"
	"github.com/ashureev/synapse-tutor/internal/inference"
	"github.com/ashureev/synapse-tutor/internal/middleware"
	"github.com/ashureev/synapse-tutor/internal/store"
	"github.com/ashureev/synapse-tutor/internal/tutor"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		slog.Error("Server exited with error", "error", err)
		os.Exit(1)
	}
	slog.Info("Server stopped successfully")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	slog.Info("Starting server",
		"port", cfg.Port,
		"store", cfg.Store.Driver,
		"model", cfg.Inference.Model,
		"inference_configured", cfg.InferenceConfigured())

	policy, err := config.LoadPolicy(cfg.PolicyFile)
	if err != nil {
		return err
	}
	slog.Info("Tutoring policy loaded", "policy", policy.Name)

	// Initialize dependencies.
	repo, err := store.New(cfg.Store.Driver, cfg.Store.DSN)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		return err
	}
	slog.Info("Learning-state store ready", "driver", cfg.Store.Driver)

	client := inference.NewClient(cfg.InferenceClientConfig(), logger)
	if !client.Configured() {
		slog.Warn("Inference API key not configured, chat requests will fail upstream")
	}

	conversationLogger, err := tutor.NewConversationLogger(tutor.ConversationLogConfig{
		Enabled:   cfg.ConversationLog.Enabled,
		Path:      cfg.ConversationLog.Path,
		MaxSizeMB: cfg.ConversationLog.MaxSizeMB,
		QueueSize: cfg.ConversationLog.QueueSize,
	}, logger)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := conversationLogger.Close(); closeErr != nil {
			slog.Error("Failed to close conversation logger", "error", closeErr)
		}
	}()

	svc := tutor.NewService(repo, client, policy, tutor.WithConversationLogger(conversationLogger))

	// Initialize handlers.
	handler := api.NewHandler(svc, api.HandlerConfig{
		Info: api.ServiceInfo{
			Model:               client.Model(),
			InferenceConfigured: client.Configured(),
			MaxRetries:          client.RetryPolicy().MaxRetries,
		},
		Limiter:            api.NewRateLimiter(cfg.RateLimit.RequestsPerWindow, cfg.RateLimit.WindowDuration),
		MaxRequestBodySize: cfg.MaxRequestBodySize,
		AllowedOrigins:     cfg.CORSAllowedOrigins,
	})
	defer handler.Close()

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.CORSAllowedOrigins))

	handler.RegisterRoutes(r)

	// Inference calls may take up to the timeout on every attempt.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if cfg.GRPCHealthAddr != "" {
		hs := health.NewServer(cfg.GRPCHealthAddr, client.Configured())
		g.Go(func() error { return hs.Serve(gctx) })
	}

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down gracefully...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		handler.Close()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server forced to shutdown", "error", err)
			return err
		}
		return nil
	})

	return g.Wait()
}
