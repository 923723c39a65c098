package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"

	"github.com/tokengate/tokengate/config"
	"github.com/tokengate/tokengate/internal/gateway"
	"github.com/tokengate/tokengate/internal/identity"
	"github.com/tokengate/tokengate/internal/ledger"
	"github.com/tokengate/tokengate/internal/metrics"
	"github.com/tokengate/tokengate/internal/seeder"
	"github.com/tokengate/tokengate/internal/telemetry"
	"github.com/tokengate/tokengate/internal/upstream"
	"github.com/tokengate/tokengate/pkg/ratelimit"
)

func main() {
	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	// 2. Init telemetry
	shutdownTracer, err := telemetry.InitTracer("tokengate", cfg)
	if err != nil {
		log.Fatalf("failed to init tracer: %v", err)
	}
	defer shutdownTracer()

	// 3. Connect PostgreSQL
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("failed to connect postgres: %v", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		log.Fatalf("failed to ping postgres: %v", err)
	}
	log.Println("PostgreSQL connected")

	// 4. Connect Redis
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()

	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatalf("failed to ping redis: %v", err)
	}
	log.Println("Redis connected")

	// 5. Init stores and services
	ledgerStore := ledger.NewPostgresStore(pool, cfg.BaselineTokens)
	identityStore := identity.NewPostgresStore(pool)
	identitySvc := identity.NewService(identityStore, ledgerStore)
	authMiddleware := identity.NewMiddleware(identitySvc, rdb)

	// 6. Init rate limiter
	limiter := ratelimit.NewLimiter(rdb, cfg.DefaultRateLimitTPM)

	// 7. Init upstream client
	upstreamClient := upstream.New(cfg.UpstreamBaseURL)

	// 8. Init handler
	tracer := otel.GetTracerProvider().Tracer("tokengate")
	handler := gateway.NewHandler(identitySvc, identityStore, ledgerStore, upstreamClient, limiter, tracer)

	// 9. Seed demo account if RUN_SEED=true
	if os.Getenv("RUN_SEED") == "true" {
		seeder.SeedDemoAccount(ctx, identityStore)
	}

	// 10. Init Chi router
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(metrics.Middleware())

	// Public routes
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok","service":"tokengate"}`))
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Post("/v1/redeem", handler.HandleRedeem)

	// Device routes
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware)
		r.Get("/v1/balance", handler.HandleBalance)
		r.Post("/v1/usage", handler.HandleLogUsage)
		r.Get("/v1/usage/check", handler.HandleCheck)
		r.Get("/v1/history", handler.HandleHistory)
		r.Post("/v1/chat/completions", handler.HandleProxyChat)
		r.Post("/v1/completions", handler.HandleProxyCompletions)
	})

	// Admin routes
	r.Group(func(r chi.Router) {
		r.Use(gateway.AdminOnly(cfg.AdminToken))
		r.Post("/v1/admin/transfer", handler.HandleTransfer)
		r.Post("/v1/admin/reset", handler.HandleReset)
	})

	// 11. Graceful shutdown
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("tokengate gateway starting on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-quit
	log.Println("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("forced shutdown: %v", err)
	}
	log.Println("Server stopped")
}
