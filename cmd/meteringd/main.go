// Package main is the entry point for the metering daemon.
//
// The daemon runs the full billing core around the chat path:
//
// - HTTP ingest API for the completion lifecycle (begin/complete/abort)
// - Billing consumer turning messages into usage records
// - Half-message checker resolving in-doubt billing sends
// - Price cache warmer keeping Redis ahead of lookups
// - Health, readiness and Prometheus metrics endpoints
//
// Configuration is via environment variables (12-factor app pattern).
//
// Lifecycle:
// 1. Load configuration from env
// 2. Initialize dependencies (Redis, PostgreSQL)
// 3. Warm the price cache
// 4. Start consumer, checker and HTTP server
// 5. Wait for shutdown signal
// 6. Gracefully drain and clean up
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/ledgerline/metering/internal/billing"
	"github.com/ledgerline/metering/internal/config"
	"github.com/ledgerline/metering/internal/dispatch"
	"github.com/ledgerline/metering/internal/lock"
	"github.com/ledgerline/metering/internal/meter"
	"github.com/ledgerline/metering/internal/metrics"
	"github.com/ledgerline/metering/internal/pipeline"
	"github.com/ledgerline/metering/internal/pricing"
	"github.com/ledgerline/metering/internal/store"
	"github.com/ledgerline/metering/internal/txn"
)

func main() {
	cfg := config.Load()

	logger := setupLogger(cfg.LogLevel, cfg.Environment)
	logger.Info().
		Str("environment", cfg.Environment).
		Str("http_port", cfg.HTTPPort).
		Msg("starting metering daemon")

	// Redis
	redisClient := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     100,
		MinIdleConns: 25,
	})
	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to redis")
	}
	pingCancel()
	logger.Info().Str("addr", cfg.RedisAddr).Msg("connected to redis")

	// PostgreSQL
	db, err := sql.Open("postgres", cfg.PostgresURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open postgresql")
	}
	defer db.Close()
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.Ping(); err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to postgresql")
	}
	logger.Info().Msg("connected to postgresql")

	// Metrics
	registry := prometheus.NewRegistry()
	met := metrics.New(registry)

	// Stores and pricing
	priceStore := pricing.NewPostgresStore(db, logger)
	locks := lock.NewRedisProvider(redisClient, logger)
	priceCache := pricing.NewCache(redisClient, priceStore, locks, logger)
	usageStore := store.NewUsageStore(db, logger)
	completionStore := store.NewCompletionStore(db, logger)

	// Warm prices before taking traffic; lookups during warm-up would all
	// fall through to PostgreSQL behind the stampede lock.
	warmer := pricing.NewWarmer(redisClient, db, logger)
	warmCtx, warmCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := warmer.WarmAll(warmCtx); err != nil {
		logger.Fatal().Err(err).Msg("initial price warm failed")
	}
	warmCancel()
	warmer.StartPeriodicWarm(cfg.PriceWarmInterval)
	defer warmer.Stop()
	logger.Info().Msg("price cache warmed")

	// Billing pipeline
	calc := billing.NewCalculator(priceCache, logger)
	async := dispatch.NewPool(cfg.DispatchWorkers, cfg.DispatchQueue, logger)
	async.OnCallerRuns(met.CallerRuns.Inc)
	defer async.Close()

	brokerCheck := pipeline.NewBrokerCheck(redisClient, completionStore, logger)
	transport := pipeline.NewStreamTransport(redisClient, pipeline.StreamTransportConfig{
		Consumer: cfg.ConsumerName,
	}, brokerCheck, met, logger)
	producer := pipeline.NewProducer(transport, completionStore, met, logger)
	consumer := pipeline.NewConsumer(calc, usageStore, redisClient, locks, async, met, logger)

	coordinator := txn.NewCoordinator(redisClient, completionStore, logger)
	svc := meter.NewService(coordinator, producer, async, logger)

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	go transport.RunChecker(runCtx)
	go func() {
		if err := transport.Consume(runCtx, consumer.Handle); err != nil && runCtx.Err() == nil {
			logger.Fatal().Err(err).Msg("billing consumer stopped")
		}
	}()
	logger.Info().Str("consumer", cfg.ConsumerName).Msg("billing consumer started")

	// HTTP server: ingest API plus health, admin and metrics
	dyn := config.NewDynamic()
	httpServer := createHTTPServer(cfg.HTTPPort, svc, calc, dyn, db, redisClient, registry, logger)
	go func() {
		logger.Info().Str("port", cfg.HTTPPort).Msg("http server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info().Str("signal", sig.String()).Msg("shutdown signal received, starting graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http server shutdown failed")
	}
	logger.Info().Msg("http server stopped")

	runCancel()
	logger.Info().Msg("shutdown complete")
}

// setupLogger creates a structured logger with appropriate configuration.
func setupLogger(levelStr, environment string) zerolog.Logger {
	level, err := zerolog.ParseLevel(levelStr)
	if err != nil {
		level = zerolog.InfoLevel
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	if environment == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			Level(level).
			With().
			Timestamp().
			Caller().
			Logger()
	}
	return zerolog.New(os.Stdout).
		Level(level).
		With().
		Timestamp().
		Str("service", "meteringd").
		Str("environment", environment).
		Logger()
}

type beginRequest struct {
	UserID string `json:"user_id"`
}

type beginResponse struct {
	CompletionID string `json:"completion_id"`
}

type completeRequest struct {
	UserID       string                   `json:"user_id"`
	CompletionID string                   `json:"completion_id"`
	Usage        billing.UsageCalculation `json:"usage"`
}

type completeResponse struct {
	Committed bool `json:"committed"`
}

type abortRequest struct {
	UserID string `json:"user_id"`
}

type abortResponse struct {
	CompletionID string `json:"completion_id"`
}

type discountWindowRequest struct {
	StartMinutes int `json:"start_minutes"`
	EndMinutes   int `json:"end_minutes"`
}

// createHTTPServer wires the ingest API, health checks and metrics.
func createHTTPServer(port string, svc *meter.Service, calc *billing.Calculator, dyn *config.Dynamic, db *sql.DB, rdb *redis.Client, registry *prometheus.Registry, logger zerolog.Logger) *http.Server {
	mux := http.NewServeMux()

	mux.HandleFunc("/v1/completions/begin", func(w http.ResponseWriter, r *http.Request) {
		var req beginRequest
		if !decodeJSON(w, r, &req, logger) || !requireField(w, req.UserID, "user_id") {
			return
		}
		id, err := svc.Begin(r.Context(), req.UserID)
		if err != nil {
			logger.Error().Err(err).Str("user_id", req.UserID).Msg("begin failed")
			http.Error(w, "transaction registry unavailable", http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, beginResponse{CompletionID: id}, logger)
	})

	mux.HandleFunc("/v1/completions/complete", func(w http.ResponseWriter, r *http.Request) {
		var req completeRequest
		if !decodeJSON(w, r, &req, logger) ||
			!requireField(w, req.UserID, "user_id") ||
			!requireField(w, req.CompletionID, "completion_id") ||
			!requireField(w, req.Usage.ModelType, "usage.model_type") {
			return
		}
		committed := svc.Complete(r.Context(), req.UserID, req.CompletionID, req.Usage)
		writeJSON(w, completeResponse{Committed: committed}, logger)
	})

	mux.HandleFunc("/v1/completions/abort", func(w http.ResponseWriter, r *http.Request) {
		var req abortRequest
		if !decodeJSON(w, r, &req, logger) || !requireField(w, req.UserID, "user_id") {
			return
		}
		writeJSON(w, abortResponse{CompletionID: svc.Abort(r.Context(), req.UserID)}, logger)
	})

	// Live billing-parameter updates. Validation lives in config.Dynamic;
	// a rejected update leaves the running window untouched.
	mux.HandleFunc("/admin/discount-window", func(w http.ResponseWriter, r *http.Request) {
		var req discountWindowRequest
		if !decodeJSON(w, r, &req, logger) {
			return
		}
		params := config.BillingParams{
			DiscountStart: time.Duration(req.StartMinutes) * time.Minute,
			DiscountEnd:   time.Duration(req.EndMinutes) * time.Minute,
		}
		if err := dyn.UpdateBilling(params); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		calc.SetDiscountWindow(billing.Window{Start: params.DiscountStart, End: params.DiscountEnd})
		w.WriteHeader(http.StatusNoContent)
	})

	// Health check endpoint for load balancers.
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	// Readiness checks both backing stores.
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			logger.Warn().Err(err).Msg("readiness check failed: postgresql")
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Warn().Err(err).Msg("readiness check failed: redis")
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ready"))
	})

	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	return &http.Server{
		Addr:         ":" + port,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}, logger zerolog.Logger) bool {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		logger.Debug().Err(err).Str("path", r.URL.Path).Msg("bad request body")
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

func requireField(w http.ResponseWriter, value, name string) bool {
	if value == "" {
		http.Error(w, name+" is required", http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, v interface{}, logger zerolog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn().Err(err).Msg("response write failed")
	}
}
