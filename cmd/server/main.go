package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/crowdaid/crowdaid/internal/domain"
	"github.com/crowdaid/crowdaid/internal/handler"
	"github.com/crowdaid/crowdaid/internal/infrastructure/logger"
	"github.com/crowdaid/crowdaid/internal/infrastructure/redis"
	"github.com/crowdaid/crowdaid/internal/observability/metrics"
	"github.com/crowdaid/crowdaid/internal/observability/tracing"
	"github.com/crowdaid/crowdaid/internal/realtime"
	"github.com/crowdaid/crowdaid/internal/repository"
	"github.com/crowdaid/crowdaid/internal/security"
	"github.com/crowdaid/crowdaid/internal/security/audit"
	"github.com/crowdaid/crowdaid/internal/security/auth"
	"github.com/crowdaid/crowdaid/internal/security/middleware"
	"github.com/crowdaid/crowdaid/internal/security/ratelimit"
	"github.com/crowdaid/crowdaid/internal/service"
	"github.com/crowdaid/crowdaid/internal/worker"
	"github.com/crowdaid/crowdaid/pkg/config"
	"github.com/crowdaid/crowdaid/pkg/database"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize structured logger
	log := logger.NewLogger(cfg.LogLevel)
	log.Info("starting crowdaid server",
		slog.String("environment", cfg.Environment),
		slog.String("store", cfg.StoreBackend),
	)

	if cfg.JWTSecret == "" {
		if cfg.Environment != "development" {
			log.Error("JWT_SECRET is required outside development")
			os.Exit(1)
		}
		log.Warn("JWT_SECRET not set, using development secret")
		cfg.JWTSecret = "crowdaid-dev-secret"
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Tracing
	shutdownTracing, err := tracing.Init(ctx, log, "crowdaid", cfg.Environment)
	if err != nil {
		log.Warn("tracing disabled", slog.String("error", err.Error()))
	} else {
		defer shutdownTracing(context.Background())
	}

	// 4. Initialize store
	store, checks, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		log.Error("failed to open store", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer closeStore()

	// 5. Realtime routing
	router := realtime.NewRouter(realtime.NewPresenceTracker(), log)

	// 6. Initialize services
	authz := security.NewAuthorizationService(log)
	auditLogger := audit.NewLogger(log)
	locks := service.NewRequestLocks()
	lifecycle := service.NewLifecycleManager(store, router, authz, auditLogger, locks, log)
	messages := service.NewMessageService(store, router, authz, locks, log)
	matcher := service.NewProximityMatcher(store, cfg.DefaultSearchRadiusKm, log)
	users := service.NewUserService(store, authz, log)

	// 6a. Initialize security components
	tokenManager := auth.NewTokenManager(cfg.JWTSecret, cfg.JWTIssuer)
	rateLimiter := ratelimit.NewLimiter(cfg.RateLimitPerMinute, time.Minute)

	// 7. Initialize handlers and routes
	healthHandler := handler.NewHealthHandler(checks, log)
	streamHandler := handler.NewStreamHandler(tokenManager, router, store, lifecycle, messages, rateLimiter, handler.StreamConfig{
		AllowedOrigins:   cfg.CORSAllowedOrigins,
		SendBuffer:       cfg.SessionSendBuffer,
		PingInterval:     cfg.PingInterval,
		HandshakeTimeout: cfg.HandshakeTimeout,
	}, log)

	mux := http.NewServeMux()
	handler.NewHelpRequestsHandler(lifecycle, matcher, authz, log).Register(mux)
	handler.NewMessagesHandler(messages, log).Register(mux)
	handler.NewUsersHandler(users, log).Register(mux)
	mux.Handle("GET /ws", streamHandler)
	mux.HandleFunc("GET /healthz", healthHandler.Health)
	mux.HandleFunc("GET /readyz", healthHandler.Ready)
	mux.Handle("GET /metrics", promhttp.Handler())

	// Chain middleware: request ID -> CORS -> JWT -> rate limit -> audit -> validation -> metrics -> mux
	var api http.Handler = metrics.HTTPMetricsMiddleware(mux)
	api = middleware.SanitizeInputs(log)(api)
	api = middleware.ValidateJSONContentType(log)(api)
	api = middleware.AuditMiddleware(auditLogger)(api)
	api = middleware.RateLimitMiddleware(rateLimiter, log)(api)
	api = middleware.JWTMiddleware(tokenManager, log)(api)
	api = withCORS(cfg.CORSAllowedOrigins, api)
	rootHandler := otelhttp.NewHandler(withRequestID(api, log), "crowdaid")

	// 8. Start presence sweeper in background
	sweeper := worker.NewPresenceSweeper(router, log, cfg.PresenceSweepInterval)
	go sweeper.Start(ctx)

	// 9. Start HTTP server
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.ServerPort),
		Handler:           rootHandler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Info("server starting",
		slog.Int("port", cfg.ServerPort),
		slog.String("auth", "jwt"),
		slog.Int("rate_limit", cfg.RateLimitPerMinute),
		slog.String("rate_limit_window", "1m"),
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", slog.String("error", err.Error()))
			sigChan <- syscall.SIGTERM
		}
	}()

	<-sigChan
	log.Info("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown error", slog.String("error", err.Error()))
	}

	cancel() // Stop presence sweeper
	rateLimiter.Stop()
	log.Info("server stopped")
}

// openStore builds the configured backend along with its readiness checks
func openStore(ctx context.Context, cfg *config.Config, log *slog.Logger) (domain.Store, map[string]handler.Check, func(), error) {
	switch cfg.StoreBackend {
	case config.BackendPostgres:
		pool, err := database.NewConnectionPool(ctx, database.FromAppConfig(cfg.Database), log)
		if err != nil {
			return nil, nil, nil, err
		}
		store := repository.NewPostgresStore(pool.GetDB(), log)
		if err := store.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, nil, err
		}
		checks := map[string]handler.Check{"postgres": pool.Health}
		return store, checks, func() { pool.Close() }, nil

	case config.BackendRedis:
		client, err := redis.NewClient(cfg.RedisURL, log)
		if err != nil {
			return nil, nil, nil, err
		}
		store := repository.NewRedisStore(client, log)
		checks := map[string]handler.Check{"redis": client.Ping}
		return store, checks, func() { client.Close() }, nil

	default:
		store := repository.NewMemoryStore()
		checks := map[string]handler.Check{"store": store.Ping}
		return store, checks, func() {}, nil
	}
}

// withCORS honors the configured origins
func withCORS(allowed []string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if originAllowed(allowed, origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
		} else if len(allowed) > 0 {
			w.Header().Set("Access-Control-Allow-Origin", allowed[0])
		}
		w.Header().Set("Vary", "Origin")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS, DELETE")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// withRequestID attaches a request ID to the context and response headers for traceability
func withRequestID(next http.Handler, log *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = generateRequestID()
		}
		w.Header().Set("X-Request-ID", reqID)

		ctx := audit.WithRequestID(r.Context(), reqID)
		start := time.Now()

		next.ServeHTTP(w, r.WithContext(ctx))

		log.Info("request completed",
			slog.String("request_id", reqID),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Duration("duration_ms", time.Since(start)),
		)
	})
}

func originAllowed(allowed []string, origin string) bool {
	if origin == "" {
		return false
	}
	for _, a := range allowed {
		if a == "*" || a == origin {
			return true
		}
	}
	return false
}

func generateRequestID() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err == nil {
		return hex.EncodeToString(buf)
	}
	return fmt.Sprintf("req-%d", time.Now().UnixNano())
}
