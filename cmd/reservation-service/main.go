package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fjod/go_cart/reservation-service/internal/config"
	"github.com/fjod/go_cart/reservation-service/internal/consumer"
	"github.com/fjod/go_cart/reservation-service/internal/engine"
	h "github.com/fjod/go_cart/reservation-service/internal/http"
	"github.com/fjod/go_cart/reservation-service/internal/ledger"
	"github.com/fjod/go_cart/reservation-service/internal/observability"
	"github.com/fjod/go_cart/reservation-service/internal/reaper"
	"github.com/fjod/go_cart/reservation-service/internal/repository/postgres"
	"github.com/fjod/go_cart/reservation-service/internal/store"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	envPath, envErr := config.LoadEnvFile()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	otelShutdown, otelErr := observability.Setup(ctx, cfg.OtelEndpoint, config.ServiceName, config.ServiceVersion)

	logger := observability.NewLogger(config.ServiceName, cfg.LogFormat, observability.ParseLevel(cfg.LogLevel))
	defer func() { _ = logger.Sync() }()

	switch {
	case envErr != nil:
		logger.Warn("failed to load .env", zap.Error(envErr))
	case envPath != "":
		logger.Info("loaded env file", zap.String("path", envPath))
	}
	if otelErr != nil {
		logger.Error("OpenTelemetry setup incomplete", zap.Error(otelErr))
	}
	if otelShutdown != nil {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
			defer cancel()
			if err := otelShutdown(shutdownCtx); err != nil {
				logger.Error("OpenTelemetry shutdown failed", zap.Error(err))
			}
		}()
	}

	deps := &dependencies{cfg: cfg, logger: logger}
	defer deps.close()

	holds, err := deps.holdStore(ctx)
	if err != nil {
		logger.Fatal("failed to open hold store", zap.String("backend", cfg.StoreBackend), zap.Error(err))
	}
	catalog, err := deps.catalog(ctx)
	if err != nil {
		logger.Fatal("failed to open ledger", zap.String("backend", cfg.LedgerBackend), zap.Error(err))
	}

	holds = store.NewBreakerStore(holds, store.BreakerSettings{
		MaxFailures: cfg.BreakerMaxFailures,
		OpenTimeout: cfg.BreakerOpenTimeout,
	}, logger)
	deps.closers = append(deps.closers, holds.Close, catalog.Close)

	eng := engine.New(holds, ledger.NewCoalescing(catalog, cfg.OpTimeout),
		engine.WithHoldTTL(cfg.HoldTTL),
		engine.WithOpTimeout(cfg.OpTimeout),
		engine.WithLogger(logger.Named("engine")),
	)

	go reaper.New(eng, cfg.ReaperInterval, cfg.ReaperBatchSize, logger.Named("reaper")).Run(ctx)

	if len(cfg.KafkaBrokers) > 0 {
		c := consumer.NewConsumer(eng, logger.Named("consumer"), cfg.KafkaBrokers...)
		defer c.Close()
		go c.Run(ctx)
		logger.Info("consuming order events", zap.Strings("brokers", cfg.KafkaBrokers), zap.String("topic", consumer.Topic))
	}

	handler := h.NewReservationHandler(eng, logger.Named("http"))
	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      h.NewRouter(handler, logger.Named("http"), cfg.RequestTimeout),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	srvErr := make(chan error, 1)
	go func() {
		logger.Info("reservation service starting",
			zap.String("port", cfg.HTTPPort),
			zap.String("store", cfg.StoreBackend),
			zap.String("ledger", cfg.LedgerBackend),
			zap.Duration("hold_ttl", cfg.HoldTTL))
		srvErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-srvErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", zap.Error(err))
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received, stopping server")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server shutdown error", zap.Error(err))
	}
	stop()
	logger.Info("server stopped")
}

// dependencies opens backends on demand so the store and the ledger can share
// one Postgres pool.
type dependencies struct {
	cfg     *config.Config
	logger  *zap.Logger
	pg      *postgres.Repository
	pgOwned bool // true when no store closes the pool
	closers []func() error
}

func (d *dependencies) postgres(ctx context.Context) (*postgres.Repository, error) {
	if d.pg != nil {
		return d.pg, nil
	}

	creds := &postgres.Credentials{
		Host:              d.cfg.DBHost,
		Port:              d.cfg.DBPort,
		User:              d.cfg.DBUser,
		Password:          d.cfg.DBPassword,
		DBName:            d.cfg.DBName,
		MigrationsDirPath: d.cfg.DBMigrationsPath,
	}
	repo, err := postgres.Open(ctx, creds)
	if err != nil {
		return nil, err
	}
	if err := repo.Migrate(); err != nil {
		repo.Close()
		return nil, err
	}

	d.logger.Info("connected to postgres", zap.String("host", d.cfg.DBHost), zap.String("db", d.cfg.DBName))
	d.pg = repo
	d.pgOwned = true
	return repo, nil
}

func (d *dependencies) holdStore(ctx context.Context) (store.HoldStore, error) {
	switch d.cfg.StoreBackend {
	case config.StoreRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     d.cfg.RedisAddr,
			Password: d.cfg.RedisPassword,
			DB:       0,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		d.logger.Info("connected to redis", zap.String("addr", d.cfg.RedisAddr))
		return store.NewRedisStore(client, store.WithLockTTL(2*d.cfg.OpTimeout)), nil
	case config.StorePostgres:
		repo, err := d.postgres(ctx)
		if err != nil {
			return nil, err
		}
		d.pgOwned = false
		return repo, nil
	default:
		return store.NewMemoryStore(), nil
	}
}

func (d *dependencies) catalog(ctx context.Context) (ledger.Ledger, error) {
	switch d.cfg.LedgerBackend {
	case config.LedgerSQLite:
		l, err := ledger.NewSQLiteLedger(d.cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		if err := l.RunMigrations(d.cfg.SQLiteMigrations); err != nil {
			l.Close()
			return nil, err
		}
		return l, nil
	case config.LedgerPostgres:
		repo, err := d.postgres(ctx)
		if err != nil {
			return nil, err
		}
		return ledger.NewSQLLedger(repo.DB()), nil
	case config.LedgerMongo:
		l, err := ledger.OpenMongoLedger(ctx, d.cfg.MongoURI, d.cfg.MongoDBName)
		if err != nil {
			return nil, err
		}
		d.logger.Info("connected to mongodb", zap.String("db", d.cfg.MongoDBName))
		return l, nil
	default:
		return ledger.NewStaticLedgerFromStock(d.cfg.InitialStock), nil
	}
}

func (d *dependencies) close() {
	for _, c := range d.closers {
		if err := c(); err != nil {
			d.logger.Warn("close failed", zap.Error(err))
		}
	}
	if d.pg != nil && d.pgOwned {
		if err := d.pg.Close(); err != nil {
			d.logger.Warn("close postgres failed", zap.Error(err))
		}
	}
}
