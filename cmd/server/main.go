package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/fracbond/matching-core/internal/api"
	"github.com/fracbond/matching-core/internal/config"
	"github.com/fracbond/matching-core/internal/engine"
	"github.com/fracbond/matching-core/internal/events"
	"github.com/fracbond/matching-core/internal/ledger"
	"github.com/fracbond/matching-core/internal/logging"
	"github.com/fracbond/matching-core/internal/pricing"
	"github.com/fracbond/matching-core/internal/risk"
	"github.com/fracbond/matching-core/internal/store"
	"github.com/fracbond/matching-core/internal/tradelog"
)

func main() {
	cfg := config.MustLoad()

	logger, logCloser, err := logging.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging: %v\n", err)
		os.Exit(1)
	}
	defer logCloser.Close()
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		slog.Error("matching-core failed", "err", err)
		logCloser.Close()
		os.Exit(1)
	}
	slog.Info("matching-core stopped")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// --- Initialize store ---
	var st store.Store
	if cfg.Database.URL != "" {
		pool, err := pgxpool.New(ctx, cfg.Database.URL)
		if err != nil {
			return fmt.Errorf("database connection: %w", err)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if cfg.Database.Migrate {
			if err := pg.Migrate(ctx); err != nil {
				return fmt.Errorf("database migration: %w", err)
			}
		}
		st = pg
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if cfg.Redis.URL != "" {
			opt, err := redis.ParseURL(cfg.Redis.URL)
			if err != nil {
				return fmt.Errorf("invalid REDIS_URL: %w", err)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, cfg.Redis.TTL)
			slog.Info("Redis cache enabled", "ttl", cfg.Redis.TTL)
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	// --- Domain events ---
	bus := events.NewBus(logger)

	wsHub := events.NewWSHub(logger)
	go wsHub.Run(ctx)
	bus.AddSink("websocket", wsHub)

	if len(cfg.Events.Brokers) > 0 {
		outbox, err := events.OpenOutbox(cfg.Events.OutboxDir)
		if err != nil {
			return fmt.Errorf("event outbox: %w", err)
		}
		cleanup = append(cleanup, func() { outbox.Close() })
		bus.AddSink("outbox", outbox)

		kafka := events.NewKafkaPublisher(cfg.Events.Brokers, cfg.Events.Topic)
		cleanup = append(cleanup, func() { kafka.Close() })

		relay := events.NewRelay(outbox, kafka, cfg.Events.RelayInterval, logger)
		done := make(chan struct{})
		go func() {
			defer close(done)
			relay.Run(ctx)
		}()
		// Stop the relay before closing the outbox and writer.
		cleanup = append(cleanup, func() {
			stop()
			<-done
		})
		slog.Info("event relay enabled", "brokers", cfg.Events.Brokers, "topic", cfg.Events.Topic)
	}

	// --- Pricing collaborator ---
	opts := engine.Options{
		Limiter: risk.NewLimiter(cfg.Risk.MaxPerBond, cfg.Risk.MaxPerIssuer),
		Events:  bus,
		Logger:  logger,
	}
	if cfg.Pricing.URL != "" {
		client := pricing.NewClient(cfg.Pricing.URL, cfg.Pricing.Timeout)
		dev, err := cfg.Pricing.MaxDeviationDecimal()
		if err != nil {
			return err
		}
		opts.Pricer, opts.Receipts, opts.MaxDeviation = client, client, dev
		slog.Info("fair-price band enabled", "url", cfg.Pricing.URL, "max_deviation", dev)
	}

	// --- Engine ---
	led := ledger.New(st, logger)
	trades, err := tradelog.New(ctx, st)
	if err != nil {
		return err
	}
	eng := engine.New(st, led, trades, opts)
	if err := eng.Restore(ctx); err != nil {
		return err
	}

	// --- HTTP server ---
	handler := api.NewHandler(eng, led, logger)
	router := api.NewRouter(handler, api.RouterOptions{
		WebSocket:      http.HandlerFunc(wsHub.HandleWS),
		RequestTimeout: cfg.HTTPServer.RequestTimeout,
		Logger:         logger,
	})

	srv := &http.Server{
		Addr:         cfg.HTTPServer.Addr,
		Handler:      router,
		ReadTimeout:  cfg.HTTPServer.ReadTimeout,
		WriteTimeout: cfg.HTTPServer.WriteTimeout,
		IdleTimeout:  cfg.HTTPServer.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("matching-core listening", "addr", cfg.HTTPServer.Addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server: %w", err)
	case <-ctx.Done():
	}

	// Graceful shutdown.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down matching-core...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	return nil
}
