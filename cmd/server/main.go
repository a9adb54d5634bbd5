package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/papertrade/ledger-engine/internal/auth"
	"github.com/papertrade/ledger-engine/internal/config"
	"github.com/papertrade/ledger-engine/internal/metrics"
	"github.com/papertrade/ledger-engine/internal/portfolio"
	"github.com/papertrade/ledger-engine/internal/quote"
	"github.com/papertrade/ledger-engine/internal/snapshot"
	"github.com/papertrade/ledger-engine/internal/store"
	"github.com/papertrade/ledger-engine/internal/trade"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to TOML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// --- Initialize store ---
	st, err := openStore(cfg)
	if err != nil {
		slog.Error("store init failed", "err", err)
		os.Exit(1)
	}
	cleanup = append(cleanup, func() { st.Close() })

	// --- Quote provider ---
	var quotes quote.Provider
	switch cfg.Quotes.Provider {
	case config.ProviderFinnhub:
		opts := []quote.FinnhubOption{quote.WithConcurrency(cfg.Quotes.Concurrency)}
		if cfg.Quotes.FinnhubBaseURL != "" {
			opts = append(opts, quote.WithBaseURL(cfg.Quotes.FinnhubBaseURL))
		}
		quotes = quote.NewFinnhub(cfg.Quotes.FinnhubAPIKey, opts...)
	case config.ProviderAlpaca:
		quotes = quote.NewAlpaca(cfg.Quotes.AlpacaAPIKey, cfg.Quotes.AlpacaAPISecret, cfg.Quotes.AlpacaBaseURL)
	default:
		slog.Warn("no market-data credentials, serving static quotes")
		quotes = quote.NewStatic(quote.DevQuotes()...)
	}
	slog.Info("quote provider selected", "provider", cfg.Quotes.Provider)

	// Wrap with Redis read-through caches if configured.
	if cfg.Store.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.Store.RedisURL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "err", err)
			os.Exit(1)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		st = store.NewCachedStore(st, rdb, cfg.Store.CacheTTL)
		quotes = quote.NewCached(quotes, rdb, cfg.Quotes.CacheTTL)
		slog.Info("Redis cache enabled")
	}

	// --- Services ---
	policy := snapshot.NewPolicy(st, cfg.SnapshotInterval())
	pf := portfolio.NewService(st, quotes, policy, cfg.Ledger.DefaultCashBalance)

	wsHub := trade.NewWSHub()
	go wsHub.Run()
	cleanup = append(cleanup, wsHub.Stop)

	tradeSvc := trade.NewService(st, quotes, pf, policy, wsHub,
		trade.WithQuoteTimeout(cfg.Quotes.Timeout))

	authn := auth.NewAuthenticator(cfg.Auth.JWTSecret)
	if authn.DevMode() {
		slog.Warn("JWT_SECRET not set, trusting X-User-ID header (development only)")
	}

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+auth.HeaderUserID)
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"ledger-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(authn.Middleware)
		tradeSvc.Routes(r, middleware.Timeout(cfg.Server.RequestTimeout))
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.Server.RequestTimeout + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("ledger-engine listening", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	slog.Info("shutting down ledger-engine...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("ledger-engine stopped")
}

// openStore picks PostgreSQL, then SQLite, then the in-memory store.
func openStore(cfg *config.Config) (store.Store, error) {
	switch {
	case cfg.Store.DatabaseURL != "":
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		pool, err := pgxpool.New(ctx, cfg.Store.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("database connection failed: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("database ping failed: %w", err)
		}
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
		slog.Info("connected to PostgreSQL")
		return pg, nil

	case cfg.Store.SQLitePath != "":
		sq, err := store.NewSQLiteStore(cfg.Store.SQLitePath)
		if err != nil {
			return nil, err
		}
		slog.Info("using SQLite store", "path", cfg.Store.SQLitePath)
		return sq, nil

	default:
		slog.Warn("DATABASE_URL and SQLITE_PATH not set, using in-memory store (data will not persist)")
		return store.NewMemoryStore(), nil
	}
}
