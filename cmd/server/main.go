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
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/oddsmarket/ledger-engine/internal/config"
	"github.com/oddsmarket/ledger-engine/internal/indexer"
	"github.com/oddsmarket/ledger-engine/internal/ledger"
	"github.com/oddsmarket/ledger-engine/internal/metrics"
	"github.com/oddsmarket/ledger-engine/internal/swr"
	"github.com/oddsmarket/ledger-engine/internal/views"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("configuration invalid", "err", err)
		os.Exit(1)
	}

	// --- Relational store ---
	var st ledger.Store
	var cleanup []func()

	if cfg.Database.URL != "" {
		pool, err := pgxpool.New(context.Background(), cfg.Database.URL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		st = ledger.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")
	} else {
		slog.Warn("database.url not set, using in-memory store (data will not persist)")
		st = ledger.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Upstream indexer client ---
	source := indexer.NewClient(cfg.Indexer.BaseURL,
		indexer.WithTimeout(cfg.Indexer.Timeout),
		indexer.WithRetries(cfg.Indexer.MaxRetries, time.Second),
		indexer.WithPaging(cfg.Indexer.PageSize, cfg.Indexer.MaxPages),
		indexer.WithLogger(logger),
	)

	// --- WebSocket hub ---
	hub := views.NewHub()
	go hub.Run()

	// --- Revalidating cache ---
	cacheOpts := []swr.Option{
		swr.WithNotify(func(key string) {
			hub.Broadcast(views.WSMessage{
				Type:        "view_refreshed",
				Key:         key,
				RefreshedAt: time.Now().Unix(),
			})
		}),
	}
	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			slog.Error("invalid redis.url", "err", err)
			os.Exit(1)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		cacheOpts = append(cacheOpts, swr.WithRedis(rdb))
		slog.Info("redis cache snapshots enabled")
	}
	cache := swr.New(swr.Config{
		TTL:        cfg.Cache.TTL,
		StaleLimit: cfg.Cache.StaleLimit,
		Debounce:   cfg.Cache.Debounce,
	}, cacheOpts...)

	// --- View service ---
	viewSvc := views.NewService(st, source, cache, hub)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(metrics.Middleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"ledger-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		viewSvc.Routes(r)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
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

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down ledger-engine...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("ledger-engine stopped")
}
