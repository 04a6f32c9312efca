// sellerdesk realtime gateway server.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"github.com/ashureev/sellerdesk/internal/agent"
	"github.com/ashureev/sellerdesk/internal/api"
	"github.com/ashureev/sellerdesk/internal/config"
	"github.com/ashureev/sellerdesk/internal/connection"
	"github.com/ashureev/sellerdesk/internal/identity"
	"github.com/ashureev/sellerdesk/internal/intent"
	"github.com/ashureev/sellerdesk/internal/middleware"
	"github.com/ashureev/sellerdesk/internal/notify"
	"github.com/ashureev/sellerdesk/internal/responder"
	"github.com/ashureev/sellerdesk/internal/router"
	"github.com/ashureev/sellerdesk/internal/store"
)

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

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment())

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

	validator := tokenValidator(cfg)

	classifier, err := newClassifier(cfg)
	if err != nil {
		slog.Error("Failed to load intent patterns", "error", err)
		os.Exit(1)
	}

	processor := newProcessor(cfg, logger)
	agentService := agent.NewService(processor, agent.Config{
		MaxAttempts: cfg.Agent.MaxAttempts,
		BaseDelay:   cfg.Agent.RetryBaseDelay,
		MaxDelay:    cfg.Agent.RetryMaxDelay,
		Timeout:     cfg.Agent.GenerationTimeout,
	}, logger)
	defer agentService.Close()

	notifier := newNotifier(cfg, logger)
	defer func() {
		if closeErr := notifier.Close(); closeErr != nil {
			slog.Warn("Failed to close notifier", "error", closeErr)
		}
	}()

	conversationLogger, err := agent.NewConversationLogger(agent.ConversationLogConfig{
		Enabled:       cfg.ConversationLog.Enabled,
		Dir:           cfg.ConversationLog.Dir,
		GlobalEnabled: cfg.ConversationLog.GlobalEnabled,
		GlobalPath:    cfg.ConversationLog.GlobalPath,
		QueueSize:     cfg.ConversationLog.QueueSize,
	}, logger)
	if err != nil {
		slog.Error("Failed to initialize conversation logger", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := conversationLogger.Close(); closeErr != nil {
			slog.Warn("Failed to close conversation logger", "error", closeErr)
		}
	}()

	counters := notify.NewCounters()

	// Initialize realtime services.
	manager := connection.NewManager(connection.Options{
		HeartbeatInterval: cfg.Realtime.HeartbeatInterval,
		TimeoutMultiplier: cfg.Realtime.TimeoutMultiplier,
	}, logger)
	manager.OnDisconnect(func(_ connection.Info, reason string) {
		counters.Inc("disconnects_" + reason)
	})

	registry := responder.NewRegistry(logger, func(info responder.TaskInfo, _ error) {
		counters.Inc("task_failures")
		counters.Inc("task_failures_" + info.Name)
	})

	coordinator, err := responder.NewCoordinator(responder.Deps{
		Emitter:    manager,
		Store:      repo,
		Generator:  agentService,
		Workflows:  agentService,
		Classifier: classifier,
		Registry:   registry,
		Notifier:   notifier,
		Metrics:    counters,
		Log:        conversationLogger,
		Logger:     logger,
	}, responder.Options{
		KeepAliveInterval:      cfg.Realtime.KeepAliveInterval,
		KeepAliveMaxIterations: cfg.Realtime.KeepAliveMaxIterations,
	})
	if err != nil {
		slog.Error("Failed to initialize response coordinator", "error", err)
		os.Exit(1)
	}

	limiter := router.NewRateLimiter(cfg.Realtime.RateLimitMessages, cfg.Realtime.RateLimitWindow)
	defer limiter.Stop()

	wsHandler, err := router.NewHandler(router.Deps{
		Manager:     manager,
		Store:       repo,
		Validator:   validator,
		Coordinator: coordinator,
		Limiter:     limiter,
		Metrics:     counters,
		Log:         conversationLogger,
		Logger:      logger,
	}, router.Options{
		MaxFrameBytes:       cfg.Realtime.MaxFrameBytes,
		WriteTimeout:        cfg.Realtime.WriteTimeout,
		DefaultConversation: cfg.Realtime.DefaultConversation,
		OriginPatterns:      originPatterns(cfg),
		InsecureSkipVerify:  cfg.IsDevelopment(),
	})
	if err != nil {
		slog.Error("Failed to initialize websocket handler", "error", err)
		os.Exit(1)
	}

	healthHandler := api.NewHealthHandler(repo, api.PingFunc(agentService.Health), cfg.Timeout.HealthCheck)
	realtimeHandler := api.NewRealtimeHandler(api.RealtimeDeps{
		Manager:       manager,
		Registry:      registry,
		Counters:      counters,
		Agent:         agentService,
		Notifier:      notifier,
		Repo:          repo,
		Workflows:     classifier.Workflows(),
		BroadcastRole: cfg.Auth.BroadcastRole,
		Logger:        logger,
	})

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))
	r.Use(middleware.CORS(cfg.AllowedOrigins()))

	// Public routes.
	healthHandler.RegisterHealth(r)

	// WebSocket endpoint authenticates inside the upgrade so that failures
	// close with a policy-violation code.
	r.Get("/ws", wsHandler.ServeHTTP)

	// Token-protected management routes.
	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(validator, repo))
		realtimeHandler.RegisterRoutes(r)
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,                 // upgraded connections are long-lived
		IdleTimeout:  120 * time.Second, // 2 minutes for idle connections
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	manager.Start(ctx)

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

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Timeout.Shutdown)
	defer cancel()

	manager.Close()
	if err := registry.Shutdown(shutdownCtx); err != nil {
		slog.Warn("Background tasks did not finish in time", "error", err)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}

func tokenValidator(cfg *config.Config) identity.TokenValidator {
	if cfg.Auth.JWTSecret != "" {
		slog.Info("JWT authentication enabled", "issuer", cfg.Auth.JWTIssuer)
		return identity.NewJWTValidator([]byte(cfg.Auth.JWTSecret), cfg.Auth.JWTIssuer)
	}
	slog.Warn("JWT_SECRET not set, accepting opaque development tokens")
	return identity.DevValidator{}
}

func newClassifier(cfg *config.Config) (*intent.Classifier, error) {
	table := intent.DefaultTable()
	if path := cfg.Realtime.IntentPatternsPath; path != "" {
		loaded, err := intent.LoadTable(path)
		if err != nil {
			return nil, err
		}
		table = loaded
		slog.Info("Loaded intent patterns", "path", path, "workflows", len(table.Workflows))
	}
	return intent.NewClassifier(table, cfg.Realtime.IntentThreshold)
}

// newProcessor connects to the generation backend, falling back to the
// offline generator when it is not configured or unreachable.
func newProcessor(cfg *config.Config, logger *slog.Logger) agent.Processor {
	if cfg.Agent.Addr == "" {
		slog.Info("AGENT_ADDR not set, using offline generator")
		return agent.NewOffline(cfg.Agent.OfflineStepDelay)
	}
	slog.Info("Connecting to agent service via gRPC", "address", cfg.Agent.Addr)
	client, err := agent.NewGrpcClient(cfg.Agent.Addr, logger)
	if err != nil {
		slog.Warn("Failed to connect to agent service, using offline generator", "error", err)
		return agent.NewOffline(cfg.Agent.OfflineStepDelay)
	}
	return client
}

func newNotifier(cfg *config.Config, logger *slog.Logger) notify.Sender {
	if cfg.Notify.AMQPURL == "" {
		return notify.Noop{}
	}
	sender, err := notify.NewAMQPSender(cfg.Notify.AMQPURL, cfg.Notify.Exchange, logger)
	if err != nil {
		slog.Warn("Failed to connect to AMQP broker, event mirroring disabled", "error", err)
		return notify.Noop{}
	}
	slog.Info("Mirroring events to AMQP", "exchange", cfg.Notify.Exchange)
	return notify.NewAsync(sender, cfg.Notify.QueueSize, cfg.Notify.PublishLimit, logger)
}

func originPatterns(cfg *config.Config) []string {
	if cfg.IsDevelopment() || cfg.FrontendURL == "" {
		return nil
	}
	u, err := url.Parse(cfg.FrontendURL)
	if err != nil || u.Host == "" {
		return []string{cfg.FrontendURL}
	}
	return []string{u.Host}
}
